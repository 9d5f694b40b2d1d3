package attachment

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.uber.org/zap/zaptest"

	"github.com/kaifmc11/Task-Management-System/internal/auth"
	"github.com/kaifmc11/Task-Management-System/internal/chunkstore"
	"github.com/kaifmc11/Task-Management-System/internal/events"
	"github.com/kaifmc11/Task-Management-System/internal/task"
)

var (
	adminU1  = auth.Requester{UserID: "U1", Role: auth.RoleAdmin}
	employee = auth.Requester{UserID: "U2", Role: auth.RoleEmployee}
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.FileEvent
}

func (p *recordingPublisher) Publish(e events.FileEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
}

func (p *recordingPublisher) Close() error { return nil }

func (p *recordingPublisher) types() []events.FileEventType {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]events.FileEventType, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.Type)
	}
	return out
}

// failingDeleteStore возвращает ошибку на Delete, остальное делегирует.
type failingDeleteStore struct {
	chunkstore.Store
}

func (s failingDeleteStore) Delete(context.Context, primitive.ObjectID) error {
	return errors.New("storage offline")
}

// vanishingRepo имитирует удаление задачи между проверкой и привязкой файла.
type vanishingRepo struct {
	*task.MemoryRepository
}

func (r vanishingRepo) AttachAsset(context.Context, primitive.ObjectID, task.FileRecord, task.Activity) error {
	return task.ErrNotFound
}

type fixture struct {
	store     *chunkstore.Memory
	repo      *task.MemoryRepository
	publisher *recordingPublisher
	svc       Service
	taskID    primitive.ObjectID
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	f := &fixture{
		store:     chunkstore.NewMemory(4),
		repo:      task.NewMemoryRepository(),
		publisher: &recordingPublisher{},
		taskID:    primitive.NewObjectID(),
	}
	f.repo.Put(task.Task{ID: f.taskID, Title: "T1", Stage: "todo"})
	f.svc = NewService(f.store, f.repo, f.publisher, zaptest.NewLogger(t), opts)
	return f
}

func pdfInput(taskID primitive.ObjectID, name string, data []byte) UploadInput {
	return UploadInput{
		TaskID:       taskID.Hex(),
		OriginalName: name,
		ContentType:  "application/pdf",
		Size:         int64(len(data)),
		Content:      bytes.NewReader(data),
		UploadedBy:   "U1",
	}
}

func readDownload(t *testing.T, d *Download) []byte {
	t.Helper()
	defer d.Stream.Close()
	data, err := io.ReadAll(d.Stream)
	require.NoError(t, err)
	return data
}

func TestUpload_NotePDFScenario(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	data := []byte("%PDF")

	record, err := f.svc.Upload(ctx, pdfInput(f.taskID, "note.pdf", data))
	require.NoError(t, err)
	assert.Equal(t, "note.pdf", record.OriginalName)
	assert.True(t, strings.HasSuffix(record.Filename, "-note.pdf"))
	assert.Equal(t, int64(len(data)), record.Size)
	assert.Equal(t, "U1", record.UploadedBy)

	got, err := f.repo.FindByID(ctx, f.taskID)
	require.NoError(t, err)
	require.Len(t, got.Assets, 1)
	assert.Equal(t, record.ID, got.Assets[0].ID)
	require.Len(t, got.Activities, 1)
	assert.Equal(t, task.ActivityFileAdded, got.Activities[0].Type)
	assert.Equal(t, `File "note.pdf" uploaded`, got.Activities[0].Text)
	assert.Equal(t, "U1", got.Activities[0].By)

	d, err := f.svc.Open(ctx, record.ID.Hex(), "")
	require.NoError(t, err)
	assert.Equal(t, "application/pdf", d.ContentType)
	assert.Equal(t, "note.pdf", d.Filename)
	assert.Nil(t, d.Range)
	assert.Equal(t, data, readDownload(t, d))

	assert.Equal(t, []events.FileEventType{events.FileAdded}, f.publisher.types())
}

func TestUpload_Rejections(t *testing.T) {
	f := newFixture(t, Options{MaxFileSize: 16})
	trashed := primitive.NewObjectID()
	f.repo.Put(task.Task{ID: trashed, IsTrashed: true})

	tests := []struct {
		name    string
		input   UploadInput
		wantErr error
	}{
		{
			name:    "declared size over limit",
			input:   pdfInput(f.taskID, "big.pdf", bytes.Repeat([]byte("x"), 17)),
			wantErr: ErrFileTooLarge,
		},
		{
			name: "undeclared size over limit",
			input: func() UploadInput {
				in := pdfInput(f.taskID, "big.pdf", bytes.Repeat([]byte("x"), 17))
				in.Size = -1
				return in
			}(),
			wantErr: ErrFileTooLarge,
		},
		{
			name: "text plain",
			input: func() UploadInput {
				in := pdfInput(f.taskID, "note.pdf", []byte("abc"))
				in.ContentType = "text/plain"
				return in
			}(),
			wantErr: ErrInvalidContentType,
		},
		{
			name:    "extension not allowed",
			input:   pdfInput(f.taskID, "note.txt", []byte("abc")),
			wantErr: ErrInvalidFileType,
		},
		{
			name:    "empty declared",
			input:   pdfInput(f.taskID, "note.pdf", nil),
			wantErr: ErrEmptyContent,
		},
		{
			name: "empty undeclared",
			input: func() UploadInput {
				in := pdfInput(f.taskID, "note.pdf", nil)
				in.Size = -1
				return in
			}(),
			wantErr: ErrEmptyContent,
		},
		{
			name: "invalid task id",
			input: func() UploadInput {
				in := pdfInput(f.taskID, "note.pdf", []byte("abc"))
				in.TaskID = "not-an-id"
				return in
			}(),
			wantErr: ErrInvalidTaskID,
		},
		{
			name:    "unknown task",
			input:   pdfInput(primitive.NewObjectID(), "note.pdf", []byte("abc")),
			wantErr: ErrTaskNotFound,
		},
		{
			name:    "trashed task",
			input:   pdfInput(trashed, "note.pdf", []byte("abc")),
			wantErr: ErrTaskNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.Upload(context.Background(), tt.input)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}

	files, chunks := f.store.Len()
	assert.Zero(t, files)
	assert.Zero(t, chunks)

	got, err := f.repo.FindByID(context.Background(), f.taskID)
	require.NoError(t, err)
	assert.Empty(t, got.Assets)
	assert.Empty(t, got.Activities)
}

func TestUpload_CancelledContextAborts(t *testing.T) {
	f := newFixture(t, Options{})
	ctx, cancel := context.WithCancel(context.Background())

	in := pdfInput(f.taskID, "note.pdf", nil)
	in.Size = -1
	in.Content = &cancelAfterFirstRead{data: bytes.Repeat([]byte("x"), 64), cancel: cancel}

	_, err := f.svc.Upload(ctx, in)
	assert.ErrorIs(t, err, context.Canceled)

	files, chunks := f.store.Len()
	assert.Zero(t, files)
	assert.Zero(t, chunks)
}

type cancelAfterFirstRead struct {
	data   []byte
	cancel context.CancelFunc
	done   bool
}

func (r *cancelAfterFirstRead) Read(p []byte) (int, error) {
	if r.done {
		return copy(p, r.data), nil
	}
	r.done = true
	n := copy(p, r.data[:8])
	r.cancel()
	return n, nil
}

func TestUpload_CompensatesWhenTaskVanishes(t *testing.T) {
	store := chunkstore.NewMemory(4)
	repo := task.NewMemoryRepository()
	taskID := primitive.NewObjectID()
	repo.Put(task.Task{ID: taskID})
	svc := NewService(store, vanishingRepo{repo}, nil, zaptest.NewLogger(t), Options{})

	_, err := svc.Upload(context.Background(), pdfInput(taskID, "note.pdf", []byte("abcdef")))
	assert.ErrorIs(t, err, ErrTaskNotFound)

	files, chunks := store.Len()
	assert.Zero(t, files)
	assert.Zero(t, chunks)
}

func TestOpen_Ranges(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	data := bytes.Repeat([]byte("0123456789"), 100)

	record, err := f.svc.Upload(ctx, pdfInput(f.taskID, "big.pdf", data))
	require.NoError(t, err)

	d, err := f.svc.Open(ctx, record.ID.Hex(), "bytes=0-99")
	require.NoError(t, err)
	require.NotNil(t, d.Range)
	assert.Equal(t, int64(100), d.Length())
	assert.Equal(t, data[:100], readDownload(t, d))

	d, err = f.svc.Open(ctx, record.ID.Hex(), "bytes=100-")
	require.NoError(t, err)
	assert.Equal(t, int64(900), d.Length())
	assert.Equal(t, data[100:], readDownload(t, d))

	d, err = f.svc.Open(ctx, record.ID.Hex(), "bytes=oops")
	require.NoError(t, err)
	assert.Nil(t, d.Range)
	assert.Equal(t, data, readDownload(t, d))

	_, err = f.svc.Open(ctx, record.ID.Hex(), "bytes=1000-")
	assert.ErrorIs(t, err, ErrRangeNotSatisfiable)
	var rangeErr *RangeError
	require.ErrorAs(t, err, &rangeErr)
	assert.Equal(t, int64(1000), rangeErr.Size)
}

func TestOpen_RequiresTaskReference(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	up, err := f.store.OpenUploadStream(ctx, "stray.pdf", chunkstore.UploadOptions{ContentType: "application/pdf"})
	require.NoError(t, err)
	_, err = up.Write([]byte("abc"))
	require.NoError(t, err)
	require.NoError(t, up.Close())

	_, err = f.svc.Open(ctx, up.FileID().Hex(), "")
	assert.ErrorIs(t, err, ErrFileNotFound)

	_, err = f.svc.Open(ctx, primitive.NewObjectID().Hex(), "")
	assert.ErrorIs(t, err, ErrFileNotFound)

	_, err = f.svc.Open(ctx, "zzz", "")
	assert.ErrorIs(t, err, ErrInvalidFileID)
}

func TestDelete_RemovesBlobAndRecord(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	record, err := f.svc.Upload(ctx, pdfInput(f.taskID, "note.pdf", []byte("abcdef")))
	require.NoError(t, err)

	assert.ErrorIs(t, f.svc.Delete(ctx, f.taskID.Hex(), record.ID.Hex(), employee), ErrForbidden)
	require.NoError(t, f.svc.Delete(ctx, f.taskID.Hex(), record.ID.Hex(), adminU1))

	_, err = f.svc.Open(ctx, record.ID.Hex(), "")
	assert.ErrorIs(t, err, ErrFileNotFound)

	files, chunks := f.store.Len()
	assert.Zero(t, files)
	assert.Zero(t, chunks)

	got, err := f.repo.FindByID(ctx, f.taskID)
	require.NoError(t, err)
	assert.Empty(t, got.Assets)
	require.Len(t, got.Activities, 2)
	assert.Equal(t, `File "note.pdf" deleted`, got.Activities[1].Text)
	assert.Equal(t, "U1", got.Activities[1].By)

	assert.ErrorIs(t, f.svc.Delete(ctx, f.taskID.Hex(), record.ID.Hex(), adminU1), ErrFileNotFound)
	assert.Equal(t, []events.FileEventType{events.FileAdded, events.FileDeleted}, f.publisher.types())
}

func TestDelete_BlobFailureStillDetaches(t *testing.T) {
	store := chunkstore.NewMemory(4)
	repo := task.NewMemoryRepository()
	taskID := primitive.NewObjectID()
	repo.Put(task.Task{ID: taskID})
	svc := NewService(failingDeleteStore{store}, repo, nil, zaptest.NewLogger(t), Options{})
	ctx := context.Background()

	record, err := svc.Upload(ctx, pdfInput(taskID, "note.pdf", []byte("abcdef")))
	require.NoError(t, err)

	require.NoError(t, svc.Delete(ctx, taskID.Hex(), record.ID.Hex(), adminU1))

	// Блоб остался, но без ссылки из задачи он недоступен.
	files, _ := store.Len()
	assert.Equal(t, 1, files)
	_, err = svc.Open(ctx, record.ID.Hex(), "")
	assert.ErrorIs(t, err, ErrFileNotFound)
}

func TestDelete_Validation(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	assert.ErrorIs(t, f.svc.Delete(ctx, "bad", primitive.NewObjectID().Hex(), adminU1), ErrInvalidTaskID)
	assert.ErrorIs(t, f.svc.Delete(ctx, f.taskID.Hex(), "bad", adminU1), ErrInvalidFileID)
	assert.ErrorIs(t, f.svc.Delete(ctx, primitive.NewObjectID().Hex(), primitive.NewObjectID().Hex(), adminU1), ErrTaskNotFound)
	assert.ErrorIs(t, f.svc.Delete(ctx, f.taskID.Hex(), primitive.NewObjectID().Hex(), adminU1), ErrFileNotFound)
}

func TestUploadBatch_PerFileResults(t *testing.T) {
	f := newFixture(t, Options{UploadConcurrency: 2})
	ctx := context.Background()

	inputs := []UploadInput{
		pdfInput(f.taskID, "a.pdf", []byte("aaa")),
		pdfInput(f.taskID, "b.txt", []byte("bbb")),
		pdfInput(f.taskID, "c.pdf", []byte("ccc")),
	}
	results := f.svc.UploadBatch(ctx, inputs)
	require.Len(t, results, 3)

	assert.Equal(t, "a.pdf", results[0].OriginalName)
	assert.NoError(t, results[0].Err)
	assert.Equal(t, "b.txt", results[1].OriginalName)
	assert.ErrorIs(t, results[1].Err, ErrInvalidFileType)
	assert.Equal(t, "c.pdf", results[2].OriginalName)
	assert.NoError(t, results[2].Err)

	got, err := f.repo.FindByID(ctx, f.taskID)
	require.NoError(t, err)
	assert.Len(t, got.Assets, 2)
	assert.Len(t, got.Activities, 2)
}

func TestListByTask(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	files, err := f.svc.ListByTask(ctx, f.taskID.Hex())
	require.NoError(t, err)
	assert.NotNil(t, files)
	assert.Empty(t, files)

	_, err = f.svc.Upload(ctx, pdfInput(f.taskID, "note.pdf", []byte("abc")))
	require.NoError(t, err)

	files, err = f.svc.ListByTask(ctx, f.taskID.Hex())
	require.NoError(t, err)
	assert.Len(t, files, 1)

	_, err = f.svc.ListByTask(ctx, primitive.NewObjectID().Hex())
	assert.ErrorIs(t, err, ErrTaskNotFound)
}

func TestPurgeTask_RemovesBlobs(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	for _, name := range []string{"a.pdf", "b.png"} {
		in := pdfInput(f.taskID, name, []byte("data"))
		if strings.HasSuffix(name, ".png") {
			in.ContentType = "image/png"
		}
		_, err := f.svc.Upload(ctx, in)
		require.NoError(t, err)
	}

	assert.ErrorIs(t, f.svc.PurgeTask(ctx, f.taskID.Hex(), employee), ErrForbidden)
	require.NoError(t, f.svc.PurgeTask(ctx, f.taskID.Hex(), adminU1))

	_, err := f.repo.FindByID(ctx, f.taskID)
	assert.ErrorIs(t, err, task.ErrNotFound)
	files, chunks := f.store.Len()
	assert.Zero(t, files)
	assert.Zero(t, chunks)

	assert.ErrorIs(t, f.svc.PurgeTask(ctx, f.taskID.Hex(), adminU1), ErrTaskNotFound)
}

func TestPurgeTrashed_RemovesOnlyTrashedTasks(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	keptID := primitive.NewObjectID()
	f.repo.Put(task.Task{ID: keptID, Title: "T2"})

	trashedRecord, err := f.svc.Upload(ctx, pdfInput(f.taskID, "old.pdf", []byte("old")))
	require.NoError(t, err)
	keptRecord, err := f.svc.Upload(ctx, pdfInput(keptID, "live.pdf", []byte("live")))
	require.NoError(t, err)

	trashed, err := f.repo.FindByID(ctx, f.taskID)
	require.NoError(t, err)
	trashed.IsTrashed = true
	f.repo.Put(trashed)

	_, err = f.svc.PurgeTrashed(ctx, employee)
	assert.ErrorIs(t, err, ErrForbidden)

	purged, err := f.svc.PurgeTrashed(ctx, adminU1)
	require.NoError(t, err)
	assert.Equal(t, 1, purged)

	_, err = f.repo.FindByID(ctx, f.taskID)
	assert.ErrorIs(t, err, task.ErrNotFound)
	_, err = f.store.Stat(ctx, trashedRecord.ID)
	assert.ErrorIs(t, err, chunkstore.ErrNotFound)

	_, err = f.store.Stat(ctx, keptRecord.ID)
	assert.NoError(t, err)
	assert.Contains(t, f.publisher.types(), events.TaskPurged)

	purged, err = f.svc.PurgeTrashed(ctx, adminU1)
	require.NoError(t, err)
	assert.Zero(t, purged)
}
