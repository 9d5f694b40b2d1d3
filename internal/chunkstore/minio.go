package chunkstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

const (
	minioKeyPrefix = "files/"
	minioPartSize  = 16 << 20

	metaFilename     = "filename"
	metaOriginalName = "original-name"
	metaTaskID       = "task-id"
	metaUploadedBy   = "uploaded-by"
	metaUploadDate   = "upload-date"
)

// Minio реализует Store поверх S3-совместимого хранилища.
// Объект появляется в бакете только после завершения PutObject,
// поэтому частично записанный файл никогда не виден читателям.
type Minio struct {
	client     *minio.Client
	bucketName string
}

type MinioConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	UseSSL    bool
	Bucket    string
}

func NewMinio(cfg MinioConfig) (*Minio, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, err
	}

	return &Minio{
		client:     client,
		bucketName: cfg.Bucket,
	}, nil
}

// EnsureIndexes для S3 сводится к созданию бакета.
func (s *Minio) EnsureIndexes(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucketName)
	if err != nil {
		return err
	}
	if !exists {
		if err := s.client.MakeBucket(ctx, s.bucketName, minio.MakeBucketOptions{}); err != nil {
			return err
		}
	}
	return nil
}

func objectKey(id primitive.ObjectID) string {
	return minioKeyPrefix + id.Hex()
}

func (s *Minio) OpenUploadStream(ctx context.Context, filename string, opts UploadOptions) (UploadStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	id := primitive.NewObjectID()
	size := opts.Size
	if size <= 0 {
		size = -1
	}
	uploadDate := opts.Metadata.UploadDate
	if uploadDate.IsZero() {
		uploadDate = time.Now().UTC()
	}

	pr, pw := io.Pipe()
	u := &minioUpload{
		id:   id,
		pw:   pw,
		done: make(chan error, 1),
	}

	putOpts := minio.PutObjectOptions{
		ContentType: opts.ContentType,
		PartSize:    minioPartSize,
		UserMetadata: map[string]string{
			metaFilename:     url.QueryEscape(filename),
			metaOriginalName: url.QueryEscape(opts.Metadata.OriginalName),
			metaTaskID:       opts.Metadata.TaskID,
			metaUploadedBy:   opts.Metadata.UploadedBy,
			metaUploadDate:   uploadDate.Format(time.RFC3339Nano),
		},
	}

	go func() {
		_, err := s.client.PutObject(ctx, s.bucketName, objectKey(id), pr, size, putOpts)
		_ = pr.CloseWithError(err)
		u.done <- err
	}()

	return u, nil
}

func (s *Minio) Stat(ctx context.Context, id primitive.ObjectID) (File, error) {
	info, err := s.client.StatObject(ctx, s.bucketName, objectKey(id), minio.StatObjectOptions{})
	if err != nil {
		return File{}, mapMinioErr(err)
	}
	return fileFromObject(id, info), nil
}

func (s *Minio) OpenDownloadStream(ctx context.Context, id primitive.ObjectID, opts DownloadOptions) (DownloadStream, error) {
	file, err := s.Stat(ctx, id)
	if err != nil {
		return nil, err
	}
	start, end, err := opts.resolve(file.Length)
	if err != nil {
		return nil, err
	}

	getOpts := minio.GetObjectOptions{}
	if start > 0 || end < file.Length {
		if end == start {
			return &minioDownload{ReadCloser: io.NopCloser(strings.NewReader("")), file: file}, nil
		}
		// SetRange принимает включительную правую границу.
		if err := getOpts.SetRange(start, end-1); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidRange, err)
		}
	}

	obj, err := s.client.GetObject(ctx, s.bucketName, objectKey(id), getOpts)
	if err != nil {
		return nil, mapMinioErr(err)
	}
	return &minioDownload{ReadCloser: obj, file: file}, nil
}

func (s *Minio) Delete(ctx context.Context, id primitive.ObjectID) error {
	// RemoveObject не сообщает об отсутствии объекта, поэтому сначала Stat.
	if _, err := s.Stat(ctx, id); err != nil {
		return err
	}
	return s.client.RemoveObject(ctx, s.bucketName, objectKey(id), minio.RemoveObjectOptions{})
}

func (s *Minio) Walk(ctx context.Context, uploadedBefore time.Time, fn func(File) error) error {
	objects := s.client.ListObjects(ctx, s.bucketName, minio.ListObjectsOptions{
		Prefix:    minioKeyPrefix,
		Recursive: true,
	})
	for info := range objects {
		if info.Err != nil {
			return info.Err
		}
		id, err := primitive.ObjectIDFromHex(strings.TrimPrefix(info.Key, minioKeyPrefix))
		if err != nil {
			continue
		}
		if !info.LastModified.Before(uploadedBefore) {
			continue
		}
		if err := fn(fileFromObject(id, info)); err != nil {
			return err
		}
	}
	return nil
}

func fileFromObject(id primitive.ObjectID, info minio.ObjectInfo) File {
	meta := Metadata{
		OriginalName: unescapeMeta(lookupMeta(info.UserMetadata, metaOriginalName)),
		ContentType:  info.ContentType,
		TaskID:       lookupMeta(info.UserMetadata, metaTaskID),
		UploadedBy:   lookupMeta(info.UserMetadata, metaUploadedBy),
		UploadDate:   info.LastModified,
	}
	if raw := lookupMeta(info.UserMetadata, metaUploadDate); raw != "" {
		if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			meta.UploadDate = t
		}
	}
	return File{
		ID:          id,
		Filename:    unescapeMeta(lookupMeta(info.UserMetadata, metaFilename)),
		Length:      info.Size,
		UploadDate:  info.LastModified,
		ContentType: info.ContentType,
		Metadata:    meta,
	}
}

// lookupMeta ищет ключ пользовательских метаданных без учёта регистра:
// S3 возвращает их в каноническом виде заголовков.
func lookupMeta(meta map[string]string, key string) string {
	for k, v := range meta {
		if strings.EqualFold(k, key) || strings.EqualFold(k, "X-Amz-Meta-"+key) {
			return v
		}
	}
	return ""
}

func unescapeMeta(value string) string {
	if decoded, err := url.QueryUnescape(value); err == nil {
		return decoded
	}
	return value
}

func mapMinioErr(err error) error {
	resp := minio.ToErrorResponse(err)
	if resp.Code == "NoSuchKey" || resp.StatusCode == 404 {
		return ErrNotFound
	}
	return err
}

type minioUpload struct {
	id     primitive.ObjectID
	pw     *io.PipeWriter
	done   chan error
	closed bool
}

func (u *minioUpload) FileID() primitive.ObjectID {
	return u.id
}

func (u *minioUpload) Write(p []byte) (int, error) {
	if u.closed {
		return 0, ErrClosed
	}
	return u.pw.Write(p)
}

func (u *minioUpload) Close() error {
	if u.closed {
		return ErrClosed
	}
	u.closed = true
	if err := u.pw.Close(); err != nil {
		return err
	}
	return <-u.done
}

func (u *minioUpload) Abort() error {
	if u.closed {
		return ErrClosed
	}
	u.closed = true
	_ = u.pw.CloseWithError(ErrAborted)
	if err := <-u.done; err != nil && !errors.Is(err, ErrAborted) {
		return err
	}
	return nil
}

type minioDownload struct {
	io.ReadCloser
	file File
}

func (d *minioDownload) File() File {
	return d.file
}
