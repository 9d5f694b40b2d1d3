// Package attachment связывает файлы в чанковом хранилище с документами задач:
// загрузка, выдача (в том числе по диапазонам) и удаление вложений.
package attachment

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kaifmc11/Task-Management-System/internal/auth"
	"github.com/kaifmc11/Task-Management-System/internal/chunkstore"
	"github.com/kaifmc11/Task-Management-System/internal/events"
	"github.com/kaifmc11/Task-Management-System/internal/task"
)

const (
	DefaultMaxFileSize        int64 = 20 << 20
	DefaultUploadConcurrency        = 4
	DefaultContentType              = "application/octet-stream"

	// compensationTimeout ограничивает удаление блоба после неудачной привязки.
	compensationTimeout = 10 * time.Second
)

type Service interface {
	Upload(ctx context.Context, input UploadInput) (task.FileRecord, error)
	UploadBatch(ctx context.Context, inputs []UploadInput) []UploadResult
	Open(ctx context.Context, fileID string, rangeHeader string) (*Download, error)
	Delete(ctx context.Context, taskID, fileID string, requester auth.Requester) error
	ListByTask(ctx context.Context, taskID string) ([]task.FileRecord, error)
	PurgeTask(ctx context.Context, taskID string, requester auth.Requester) error
	PurgeTrashed(ctx context.Context, requester auth.Requester) (int, error)
}

type UploadInput struct {
	TaskID       string
	OriginalName string
	ContentType  string
	// Size: заявленный размер, -1 если неизвестен.
	Size       int64
	Content    io.Reader
	UploadedBy string
}

type UploadResult struct {
	OriginalName string
	File         task.FileRecord
	Err          error
}

// Download описывает открытый поток файла с уже вычисленными заголовками ответа.
type Download struct {
	Stream      chunkstore.DownloadStream
	Filename    string
	ContentType string
	// Size: полный размер файла.
	Size int64
	// Range равен nil, если отдаётся весь файл.
	Range *ByteRange
}

// Length возвращает количество байт, которое будет отдано клиенту.
func (d *Download) Length() int64 {
	if d.Range != nil {
		return d.Range.Length()
	}
	return d.Size
}

// RangeError сообщает размер файла для заголовка Content-Range: bytes */size.
type RangeError struct {
	Size int64
}

func (e *RangeError) Error() string {
	return fmt.Sprintf("range not satisfiable for size %d", e.Size)
}

func (e *RangeError) Is(target error) bool {
	return target == ErrRangeNotSatisfiable
}

type Options struct {
	MaxFileSize       int64
	UploadConcurrency int
}

type service struct {
	store     chunkstore.Store
	tasks     task.Repository
	publisher events.Publisher
	logger    *zap.Logger
	opts      Options
	now       func() time.Time
}

func NewService(store chunkstore.Store, tasks task.Repository, publisher events.Publisher, logger *zap.Logger, opts Options) Service {
	if opts.MaxFileSize <= 0 {
		opts.MaxFileSize = DefaultMaxFileSize
	}
	if opts.UploadConcurrency <= 0 {
		opts.UploadConcurrency = DefaultUploadConcurrency
	}
	if publisher == nil {
		publisher = events.NewNoopPublisher()
	}
	return &service{
		store:     store,
		tasks:     tasks,
		publisher: publisher,
		logger:    logger.With(zap.String("component", "attachment")),
		opts:      opts,
		now:       time.Now,
	}
}

func (s *service) Upload(ctx context.Context, input UploadInput) (task.FileRecord, error) {
	record, err := s.upload(ctx, input)
	observeOperation("upload", err)
	return record, err
}

func (s *service) upload(ctx context.Context, input UploadInput) (task.FileRecord, error) {
	if s.opts.MaxFileSize <= 0 {
		return task.FileRecord{}, errMaxSizeNotSpecified
	}
	if input.Content == nil || input.Size == 0 {
		return task.FileRecord{}, ErrEmptyContent
	}
	if input.Size > s.opts.MaxFileSize {
		return task.FileRecord{}, ErrFileTooLarge
	}

	name := SanitizeFilename(input.OriginalName)
	if err := ValidateFilename(name); err != nil {
		return task.FileRecord{}, err
	}
	if err := ValidateContentType(input.ContentType); err != nil {
		return task.FileRecord{}, err
	}

	taskID, err := primitive.ObjectIDFromHex(input.TaskID)
	if err != nil {
		return task.FileRecord{}, ErrInvalidTaskID
	}
	if input.UploadedBy == "" {
		return task.FileRecord{}, ErrForbidden
	}

	t, err := s.tasks.FindByID(ctx, taskID)
	if err != nil {
		if errors.Is(err, task.ErrNotFound) {
			return task.FileRecord{}, ErrTaskNotFound
		}
		return task.FileRecord{}, storageErr("find task", err)
	}
	if t.IsTrashed {
		return task.FileRecord{}, ErrTaskNotFound
	}

	now := s.now().UTC()
	storeName := fmt.Sprintf("%d-%s", now.UnixMilli(), name)

	up, err := s.store.OpenUploadStream(ctx, storeName, chunkstore.UploadOptions{
		ContentType: input.ContentType,
		Size:        input.Size,
		Metadata: chunkstore.Metadata{
			OriginalName: name,
			ContentType:  input.ContentType,
			TaskID:       input.TaskID,
			UploadedBy:   input.UploadedBy,
			UploadDate:   now,
		},
	})
	if err != nil {
		return task.FileRecord{}, storageErr("open upload stream", err)
	}

	written, err := copyLimited(ctx, up, input.Content, s.opts.MaxFileSize)
	if err == nil && written == 0 {
		err = ErrEmptyContent
	}
	if err != nil {
		if abortErr := up.Abort(); abortErr != nil {
			s.logger.Warn("failed to abort upload", zap.String("file_id", up.FileID().Hex()), zap.Error(abortErr))
		}
		return task.FileRecord{}, err
	}

	if err := up.Close(); err != nil {
		return task.FileRecord{}, storageErr("commit upload", err)
	}
	fileID := up.FileID()
	uploadedBytesTotal.Add(float64(written))

	record, err := task.NewFileRecord(fileID, storeName, name, input.ContentType, written, input.UploadedBy, now)
	if err != nil {
		s.compensate(fileID, "invalid record")
		return task.FileRecord{}, err
	}
	entry, err := task.NewActivity(task.ActivityFileAdded, fmt.Sprintf(`File "%s" uploaded`, name), input.UploadedBy, now)
	if err != nil {
		s.compensate(fileID, "invalid activity")
		return task.FileRecord{}, err
	}

	if err := s.tasks.AttachAsset(ctx, taskID, record, entry); err != nil {
		if errors.Is(err, task.ErrNotFound) {
			s.compensate(fileID, "task not found")
			return task.FileRecord{}, ErrTaskNotFound
		}
		s.logger.Error("file stored but not attached to task",
			zap.String("file_id", fileID.Hex()),
			zap.String("task_id", input.TaskID),
			zap.Error(err),
		)
		return task.FileRecord{}, storageErr("attach asset", err)
	}

	s.publisher.Publish(events.FileEvent{
		Type:         events.FileAdded,
		TaskID:       input.TaskID,
		FileID:       fileID.Hex(),
		OriginalName: name,
		UserID:       input.UploadedBy,
		Timestamp:    now,
	})

	s.logger.Info("file uploaded",
		zap.String("file_id", fileID.Hex()),
		zap.String("task_id", input.TaskID),
		zap.Int64("size", written),
	)
	return record, nil
}

// compensate удаляет блоб, который не удалось привязать к задаче.
// Ошибка только логируется: осиротевший файл подберёт Sweeper.
func (s *service) compensate(fileID primitive.ObjectID, reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), compensationTimeout)
	defer cancel()
	if err := s.store.Delete(ctx, fileID); err != nil {
		s.logger.Error("compensating delete failed",
			zap.String("file_id", fileID.Hex()),
			zap.String("reason", reason),
			zap.Error(err),
		)
	}
}

func (s *service) UploadBatch(ctx context.Context, inputs []UploadInput) []UploadResult {
	results := make([]UploadResult, len(inputs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.UploadConcurrency)
	for i, input := range inputs {
		results[i].OriginalName = input.OriginalName
		g.Go(func() error {
			record, err := s.Upload(gctx, input)
			results[i].File = record
			results[i].Err = err
			// Ошибка одного файла не должна отменять остальные.
			return nil
		})
	}
	_ = g.Wait()

	return results
}

func (s *service) Open(ctx context.Context, fileID string, rangeHeader string) (*Download, error) {
	d, err := s.open(ctx, fileID, rangeHeader)
	observeOperation("download", err)
	return d, err
}

func (s *service) open(ctx context.Context, fileID string, rangeHeader string) (*Download, error) {
	id, err := primitive.ObjectIDFromHex(fileID)
	if err != nil {
		return nil, ErrInvalidFileID
	}

	file, err := s.store.Stat(ctx, id)
	if err != nil {
		if errors.Is(err, chunkstore.ErrNotFound) {
			return nil, ErrFileNotFound
		}
		return nil, storageErr("stat file", err)
	}

	referenced, err := s.tasks.IsAssetReferenced(ctx, id)
	if err != nil {
		return nil, storageErr("check asset reference", err)
	}
	if !referenced {
		return nil, ErrFileNotFound
	}

	d := &Download{
		Filename:    file.Metadata.OriginalName,
		ContentType: file.ContentType,
		Size:        file.Length,
	}
	if d.Filename == "" {
		d.Filename = file.Filename
	}
	if d.ContentType == "" {
		d.ContentType = file.Metadata.ContentType
	}
	if d.ContentType == "" {
		d.ContentType = DefaultContentType
	}

	opts := chunkstore.DownloadOptions{}
	if rangeHeader != "" {
		br, err := ParseRange(rangeHeader, file.Length)
		switch {
		case err == nil:
			d.Range = &br
			opts = chunkstore.DownloadOptions{Start: br.Start, End: br.End + 1}
		case errors.Is(err, ErrRangeNotSatisfiable):
			return nil, &RangeError{Size: file.Length}
		default:
			// Некорректный Range игнорируется, отдаётся весь файл.
		}
	}

	stream, err := s.store.OpenDownloadStream(ctx, id, opts)
	if err != nil {
		if errors.Is(err, chunkstore.ErrNotFound) {
			return nil, ErrFileNotFound
		}
		return nil, storageErr("open download stream", err)
	}
	d.Stream = stream
	return d, nil
}

func (s *service) Delete(ctx context.Context, taskID, fileID string, requester auth.Requester) error {
	err := s.delete(ctx, taskID, fileID, requester)
	observeOperation("delete", err)
	return err
}

func (s *service) delete(ctx context.Context, taskID, fileID string, requester auth.Requester) error {
	if !requester.Admin() {
		return ErrForbidden
	}
	tid, err := primitive.ObjectIDFromHex(taskID)
	if err != nil {
		return ErrInvalidTaskID
	}
	fid, err := primitive.ObjectIDFromHex(fileID)
	if err != nil {
		return ErrInvalidFileID
	}

	t, err := s.tasks.FindByID(ctx, tid)
	if err != nil {
		if errors.Is(err, task.ErrNotFound) {
			return ErrTaskNotFound
		}
		return storageErr("find task", err)
	}

	asset, ok := t.FindAsset(fid)
	if !ok {
		return ErrFileNotFound
	}

	now := s.now().UTC()
	entry, err := task.NewActivity(task.ActivityFileDeleted, fmt.Sprintf(`File "%s" deleted`, asset.OriginalName), requester.UserID, now)
	if err != nil {
		return err
	}

	// Ошибка удаления блоба не мешает отвязать файл от задачи:
	// выдача проверяет ссылку из assets, а остаток подберёт Sweeper.
	if err := s.store.Delete(ctx, fid); err != nil {
		s.logger.Warn("failed to delete blob",
			zap.String("file_id", fileID),
			zap.String("task_id", taskID),
			zap.Error(err),
		)
	}

	if err := s.tasks.DetachAsset(ctx, tid, fid, entry); err != nil {
		if errors.Is(err, task.ErrAssetNotFound) {
			return ErrFileNotFound
		}
		return storageErr("detach asset", err)
	}

	s.publisher.Publish(events.FileEvent{
		Type:         events.FileDeleted,
		TaskID:       taskID,
		FileID:       fileID,
		OriginalName: asset.OriginalName,
		UserID:       requester.UserID,
		Timestamp:    now,
	})
	s.logger.Info("file deleted", zap.String("file_id", fileID), zap.String("task_id", taskID))
	return nil
}

func (s *service) ListByTask(ctx context.Context, taskID string) ([]task.FileRecord, error) {
	tid, err := primitive.ObjectIDFromHex(taskID)
	if err != nil {
		return nil, ErrInvalidTaskID
	}
	t, err := s.tasks.FindByID(ctx, tid)
	if err != nil {
		if errors.Is(err, task.ErrNotFound) {
			return nil, ErrTaskNotFound
		}
		return nil, storageErr("find task", err)
	}
	if t.Assets == nil {
		return []task.FileRecord{}, nil
	}
	return t.Assets, nil
}

// PurgeTask удаляет задачу, затем её файлы. Файлы, которые не удалось удалить,
// остаются без ссылок и удаляются Sweeper.
func (s *service) PurgeTask(ctx context.Context, taskID string, requester auth.Requester) error {
	err := s.purgeTask(ctx, taskID, requester)
	observeOperation("purge", err)
	return err
}

func (s *service) purgeTask(ctx context.Context, taskID string, requester auth.Requester) error {
	if !requester.Admin() {
		return ErrForbidden
	}
	tid, err := primitive.ObjectIDFromHex(taskID)
	if err != nil {
		return ErrInvalidTaskID
	}

	t, err := s.tasks.FindByID(ctx, tid)
	if err != nil {
		if errors.Is(err, task.ErrNotFound) {
			return ErrTaskNotFound
		}
		return storageErr("find task", err)
	}

	if err := s.tasks.Delete(ctx, tid); err != nil {
		if errors.Is(err, task.ErrNotFound) {
			return ErrTaskNotFound
		}
		return storageErr("delete task", err)
	}
	s.purgeBlobs(ctx, t, requester)
	return nil
}

// PurgeTrashed окончательно удаляет все задачи из корзины вместе с файлами
// и возвращает число удалённых задач.
func (s *service) PurgeTrashed(ctx context.Context, requester auth.Requester) (int, error) {
	purged, err := s.purgeTrashed(ctx, requester)
	observeOperation("purge_trashed", err)
	return purged, err
}

func (s *service) purgeTrashed(ctx context.Context, requester auth.Requester) (int, error) {
	if !requester.Admin() {
		return 0, ErrForbidden
	}

	trashed, err := s.tasks.FindTrashed(ctx)
	if err != nil {
		return 0, storageErr("find trashed tasks", err)
	}

	purged := 0
	for _, t := range trashed {
		if err := s.tasks.Delete(ctx, t.ID); err != nil {
			if errors.Is(err, task.ErrNotFound) {
				continue
			}
			return purged, storageErr("delete task", err)
		}
		s.purgeBlobs(ctx, t, requester)
		purged++
	}
	s.logger.Info("trashed tasks purged", zap.Int("tasks", purged))
	return purged, nil
}

// purgeBlobs удаляет файлы уже удалённой задачи. Ошибки только логируются:
// оставшиеся файлы без ссылок удалит Sweeper.
func (s *service) purgeBlobs(ctx context.Context, t task.Task, requester auth.Requester) {
	taskID := t.ID.Hex()
	for _, asset := range t.Assets {
		if err := s.store.Delete(ctx, asset.ID); err != nil && !errors.Is(err, chunkstore.ErrNotFound) {
			s.logger.Warn("failed to delete blob of purged task",
				zap.String("file_id", asset.ID.Hex()),
				zap.String("task_id", taskID),
				zap.Error(err),
			)
		}
	}

	s.publisher.Publish(events.FileEvent{
		Type:      events.TaskPurged,
		TaskID:    taskID,
		UserID:    requester.UserID,
		Timestamp: s.now().UTC(),
	})
	s.logger.Info("task purged", zap.String("task_id", taskID), zap.Int("files", len(t.Assets)))
}

// copyLimited копирует не более limit байт и проверяет ctx перед каждой записью.
func copyLimited(ctx context.Context, dst io.Writer, src io.Reader, limit int64) (int64, error) {
	written, err := io.Copy(dst, &ctxReader{ctx: ctx, r: io.LimitReader(src, limit+1)})
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return written, ErrFileTooLarge
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return written, ctxErr
		}
		return written, storageErr("write chunks", err)
	}
	if written > limit {
		return written, ErrFileTooLarge
	}
	return written, nil
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
