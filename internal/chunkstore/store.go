// Package chunkstore хранит бинарные файлы в виде последовательности чанков
// фиксированного размера (GridFS-бакет или совместимое хранилище).
package chunkstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// DefaultChunkSize совпадает с размером чанка GridFS по умолчанию.
const DefaultChunkSize int32 = 255 * 1024

var (
	ErrNotFound     = errors.New("file not found")
	ErrInvalidRange = errors.New("invalid download range")
	ErrAborted      = errors.New("upload aborted")
	ErrClosed       = errors.New("stream already closed")
)

// Metadata содержит метаданные, сохраняемые в корневой записи файла.
type Metadata struct {
	OriginalName string    `bson:"originalName"`
	ContentType  string    `bson:"contentType,omitempty"`
	TaskID       string    `bson:"taskId"`
	UploadedBy   string    `bson:"uploadedBy"`
	UploadDate   time.Time `bson:"uploadDate"`
}

// File описывает корневую запись сохранённого файла.
type File struct {
	ID          primitive.ObjectID
	Filename    string
	Length      int64
	ChunkSize   int32
	UploadDate  time.Time
	ContentType string
	Metadata    Metadata
}

type UploadOptions struct {
	ContentType string
	Metadata    Metadata
	// Size: ожидаемый размер в байтах, -1 если неизвестен.
	Size int64
}

// DownloadOptions задаёт полуоткрытый интервал [Start, End).
// End == 0 означает чтение до конца файла.
type DownloadOptions struct {
	Start int64
	End   int64
}

// resolve приводит интервал к абсолютным границам файла длины length.
func (o DownloadOptions) resolve(length int64) (int64, int64, error) {
	start, end := o.Start, o.End
	if end == 0 {
		end = length
	}
	if start < 0 || end > length || start > end {
		return 0, 0, fmt.Errorf("%w: [%d, %d) of %d", ErrInvalidRange, start, end, length)
	}
	return start, end, nil
}

// UploadStream принимает последовательные записи. Корневая запись файла
// становится видимой только после успешного Close.
type UploadStream interface {
	io.Writer
	FileID() primitive.ObjectID
	Close() error
	Abort() error
}

type DownloadStream interface {
	io.ReadCloser
	File() File
}

// Store задаёт контракт чанкового хранилища.
type Store interface {
	OpenUploadStream(ctx context.Context, filename string, opts UploadOptions) (UploadStream, error)
	OpenDownloadStream(ctx context.Context, id primitive.ObjectID, opts DownloadOptions) (DownloadStream, error)
	Stat(ctx context.Context, id primitive.ObjectID) (File, error)
	Delete(ctx context.Context, id primitive.ObjectID) error
	// Walk обходит корневые записи, загруженные раньше uploadedBefore.
	Walk(ctx context.Context, uploadedBefore time.Time, fn func(File) error) error
	EnsureIndexes(ctx context.Context) error
}

// contentTypeOf возвращает MIME-тип из корневой записи или метаданных.
func contentTypeOf(root string, meta Metadata) string {
	if root != "" {
		return root
	}
	return meta.ContentType
}
