package chunkstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/gridfs"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// DefaultBucket задаёт имя бакета, в котором лежат коллекции uploads.files и uploads.chunks.
const DefaultBucket = "uploads"

// GridFS реализует Store поверх бакета GridFS MongoDB.
type GridFS struct {
	bucket    *gridfs.Bucket
	files     *mongo.Collection
	chunks    *mongo.Collection
	chunkSize int32

	// openMu сериализует открытие потоков записи: Bucket при первой записи
	// проверяет и выставляет свой флаг создания индексов без блокировки.
	openMu sync.Mutex
}

// gridFile повторяет схему документа в коллекции <bucket>.files.
type gridFile struct {
	ID          primitive.ObjectID `bson:"_id"`
	Length      int64              `bson:"length"`
	ChunkSize   int32              `bson:"chunkSize"`
	UploadDate  time.Time          `bson:"uploadDate"`
	Filename    string             `bson:"filename"`
	ContentType string             `bson:"contentType,omitempty"`
	Metadata    Metadata           `bson:"metadata"`
}

func (g gridFile) toFile() File {
	return File{
		ID:          g.ID,
		Filename:    g.Filename,
		Length:      g.Length,
		ChunkSize:   g.ChunkSize,
		UploadDate:  g.UploadDate,
		ContentType: contentTypeOf(g.ContentType, g.Metadata),
		Metadata:    g.Metadata,
	}
}

func NewGridFS(db *mongo.Database, bucketName string, chunkSize int32) (*GridFS, error) {
	if bucketName == "" {
		bucketName = DefaultBucket
	}
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}

	bucket, err := gridfs.NewBucket(db, options.GridFSBucket().
		SetName(bucketName).
		SetChunkSizeBytes(chunkSize))
	if err != nil {
		return nil, err
	}

	return &GridFS{
		bucket:    bucket,
		files:     db.Collection(bucketName + ".files"),
		chunks:    db.Collection(bucketName + ".chunks"),
		chunkSize: chunkSize,
	}, nil
}

// EnsureIndexes создаёт уникальный индекс чанков (files_id, n) и индекс по имени файла.
func (s *GridFS) EnsureIndexes(ctx context.Context) error {
	_, err := s.chunks.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "files_id", Value: 1}, {Key: "n", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return fmt.Errorf("create chunks index: %w", err)
	}

	_, err = s.files.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "filename", Value: 1}},
	})
	if err != nil {
		return fmt.Errorf("create files index: %w", err)
	}
	return nil
}

func (s *GridFS) OpenUploadStream(ctx context.Context, filename string, opts UploadOptions) (UploadStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	meta := opts.Metadata
	if meta.ContentType == "" {
		meta.ContentType = opts.ContentType
	}

	id := primitive.NewObjectID()
	s.openMu.Lock()
	stream, err := s.bucket.OpenUploadStreamWithID(id, filename, options.GridFSUpload().
		SetChunkSizeBytes(s.chunkSize).
		SetMetadata(meta))
	s.openMu.Unlock()
	if err != nil {
		return nil, err
	}

	return &gridUpload{ctx: ctx, id: id, stream: stream}, nil
}

func (s *GridFS) Stat(ctx context.Context, id primitive.ObjectID) (File, error) {
	var doc gridFile
	err := s.files.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return File{}, ErrNotFound
		}
		return File{}, err
	}
	return doc.toFile(), nil
}

func (s *GridFS) OpenDownloadStream(ctx context.Context, id primitive.ObjectID, opts DownloadOptions) (DownloadStream, error) {
	file, err := s.Stat(ctx, id)
	if err != nil {
		return nil, err
	}
	start, end, err := opts.resolve(file.Length)
	if err != nil {
		return nil, err
	}

	stream, err := s.bucket.OpenDownloadStream(id)
	if err != nil {
		if errors.Is(err, gridfs.ErrFileNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	if start > 0 {
		if _, err := stream.Skip(start); err != nil {
			_ = stream.Close()
			return nil, err
		}
	}

	return &gridDownload{
		Reader: io.LimitReader(stream, end-start),
		stream: stream,
		file:   file,
	}, nil
}

func (s *GridFS) Delete(ctx context.Context, id primitive.ObjectID) error {
	if err := s.bucket.DeleteContext(ctx, id); err != nil {
		if errors.Is(err, gridfs.ErrFileNotFound) {
			return ErrNotFound
		}
		return err
	}
	return nil
}

func (s *GridFS) Walk(ctx context.Context, uploadedBefore time.Time, fn func(File) error) error {
	cur, err := s.files.Find(ctx,
		bson.M{"uploadDate": bson.M{"$lt": uploadedBefore}},
		options.Find().SetSort(bson.D{{Key: "uploadDate", Value: 1}}),
	)
	if err != nil {
		return err
	}
	defer cur.Close(ctx)

	for cur.Next(ctx) {
		var doc gridFile
		if err := cur.Decode(&doc); err != nil {
			return err
		}
		if err := fn(doc.toFile()); err != nil {
			return err
		}
	}
	return cur.Err()
}

type gridUpload struct {
	ctx    context.Context
	id     primitive.ObjectID
	stream *gridfs.UploadStream
}

func (u *gridUpload) FileID() primitive.ObjectID {
	return u.id
}

func (u *gridUpload) Write(p []byte) (int, error) {
	if err := u.ctx.Err(); err != nil {
		return 0, err
	}
	return u.stream.Write(p)
}

// Close публикует корневую запись. Если контекст уже отменён, загрузка
// откатывается и корневая запись не создаётся.
func (u *gridUpload) Close() error {
	if err := u.ctx.Err(); err != nil {
		if abortErr := u.stream.Abort(); abortErr != nil {
			return errors.Join(err, abortErr)
		}
		return err
	}
	return u.stream.Close()
}

func (u *gridUpload) Abort() error {
	return u.stream.Abort()
}

type gridDownload struct {
	io.Reader
	stream *gridfs.DownloadStream
	file   File
}

func (d *gridDownload) File() File {
	return d.file
}

func (d *gridDownload) Close() error {
	return d.stream.Close()
}
