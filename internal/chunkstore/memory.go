package chunkstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

type chunkKey struct {
	fileID primitive.ObjectID
	n      int64
}

// Memory реализует чанковое хранилище в памяти процесса. Повторяет модель GridFS:
// чанки по ключу (fileID, n) и корневая запись, публикуемая при Close.
type Memory struct {
	chunkSize int32

	mu     sync.RWMutex
	files  map[primitive.ObjectID]File
	chunks map[chunkKey][]byte
}

func NewMemory(chunkSize int32) *Memory {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	return &Memory{
		chunkSize: chunkSize,
		files:     make(map[primitive.ObjectID]File),
		chunks:    make(map[chunkKey][]byte),
	}
}

func (m *Memory) EnsureIndexes(context.Context) error {
	return nil
}

func (m *Memory) OpenUploadStream(ctx context.Context, filename string, opts UploadOptions) (UploadStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &memoryUpload{
		store:    m,
		id:       primitive.NewObjectID(),
		filename: filename,
		opts:     opts,
		buf:      make([]byte, 0, m.chunkSize),
	}, nil
}

func (m *Memory) putChunk(key chunkKey, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.chunks[key]; exists {
		return fmt.Errorf("duplicate chunk %s/%d", key.fileID.Hex(), key.n)
	}
	m.chunks[key] = data
	return nil
}

func (m *Memory) dropChunks(id primitive.ObjectID, count int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for n := int64(0); n < count; n++ {
		delete(m.chunks, chunkKey{fileID: id, n: n})
	}
}

func (m *Memory) publish(f File, count int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for n := int64(0); n < count; n++ {
		if _, ok := m.chunks[chunkKey{fileID: f.ID, n: n}]; !ok {
			return fmt.Errorf("missing chunk %s/%d", f.ID.Hex(), n)
		}
	}
	m.files[f.ID] = f
	return nil
}

func (m *Memory) Stat(ctx context.Context, id primitive.ObjectID) (File, error) {
	if err := ctx.Err(); err != nil {
		return File{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	f, ok := m.files[id]
	if !ok {
		return File{}, ErrNotFound
	}
	return f, nil
}

func (m *Memory) OpenDownloadStream(ctx context.Context, id primitive.ObjectID, opts DownloadOptions) (DownloadStream, error) {
	f, err := m.Stat(ctx, id)
	if err != nil {
		return nil, err
	}
	start, end, err := opts.resolve(f.Length)
	if err != nil {
		return nil, err
	}
	return &memoryDownload{
		store: m,
		file:  f,
		pos:   start,
		end:   end,
	}, nil
}

func (m *Memory) Delete(ctx context.Context, id primitive.ObjectID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.files[id]
	if !ok {
		return ErrNotFound
	}
	delete(m.files, id)
	for n := int64(0); n < chunkCount(f.Length, f.ChunkSize); n++ {
		delete(m.chunks, chunkKey{fileID: id, n: n})
	}
	return nil
}

func (m *Memory) Walk(ctx context.Context, uploadedBefore time.Time, fn func(File) error) error {
	m.mu.RLock()
	files := make([]File, 0, len(m.files))
	for _, f := range m.files {
		if f.UploadDate.Before(uploadedBefore) {
			files = append(files, f)
		}
	}
	m.mu.RUnlock()

	sort.Slice(files, func(i, j int) bool { return files[i].UploadDate.Before(files[j].UploadDate) })
	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(f); err != nil {
			return err
		}
	}
	return nil
}

// Len возвращает количество опубликованных файлов и записанных чанков.
func (m *Memory) Len() (files, chunks int) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.files), len(m.chunks)
}

func chunkCount(length int64, chunkSize int32) int64 {
	if length == 0 {
		return 0
	}
	size := int64(chunkSize)
	return (length + size - 1) / size
}

type memoryUpload struct {
	store    *Memory
	id       primitive.ObjectID
	filename string
	opts     UploadOptions

	buf     []byte
	n       int64
	written int64
	done    bool
}

func (u *memoryUpload) FileID() primitive.ObjectID {
	return u.id
}

func (u *memoryUpload) Write(p []byte) (int, error) {
	if u.done {
		return 0, ErrClosed
	}
	total := len(p)
	size := int(u.store.chunkSize)
	for len(p) > 0 {
		take := size - len(u.buf)
		if take > len(p) {
			take = len(p)
		}
		u.buf = append(u.buf, p[:take]...)
		p = p[take:]
		if len(u.buf) == size {
			if err := u.flush(); err != nil {
				return total - len(p), err
			}
		}
	}
	u.written += int64(total)
	return total, nil
}

func (u *memoryUpload) flush() error {
	if len(u.buf) == 0 {
		return nil
	}
	chunk := make([]byte, len(u.buf))
	copy(chunk, u.buf)
	if err := u.store.putChunk(chunkKey{fileID: u.id, n: u.n}, chunk); err != nil {
		return err
	}
	u.n++
	u.buf = u.buf[:0]
	return nil
}

func (u *memoryUpload) Close() error {
	if u.done {
		return ErrClosed
	}
	u.done = true
	if err := u.flush(); err != nil {
		u.store.dropChunks(u.id, u.n)
		return err
	}
	now := time.Now().UTC()
	f := File{
		ID:          u.id,
		Filename:    u.filename,
		Length:      u.written,
		ChunkSize:   u.store.chunkSize,
		UploadDate:  now,
		ContentType: u.opts.ContentType,
		Metadata:    u.opts.Metadata,
	}
	if err := u.store.publish(f, u.n); err != nil {
		u.store.dropChunks(u.id, u.n)
		return err
	}
	return nil
}

func (u *memoryUpload) Abort() error {
	if u.done {
		return ErrClosed
	}
	u.done = true
	u.store.dropChunks(u.id, u.n)
	u.buf = nil
	return nil
}

type memoryDownload struct {
	store  *Memory
	file   File
	pos    int64
	end    int64
	closed bool
}

func (d *memoryDownload) File() File {
	return d.file
}

func (d *memoryDownload) Read(p []byte) (int, error) {
	if d.closed {
		return 0, ErrClosed
	}
	if d.pos >= d.end {
		return 0, io.EOF
	}
	size := int64(d.file.ChunkSize)
	n := d.pos / size
	offset := d.pos % size

	d.store.mu.RLock()
	chunk, ok := d.store.chunks[chunkKey{fileID: d.file.ID, n: n}]
	d.store.mu.RUnlock()
	if !ok {
		return 0, fmt.Errorf("chunk %d of %s: %w", n, d.file.ID.Hex(), ErrNotFound)
	}

	data := chunk[offset:]
	if remaining := d.end - d.pos; int64(len(data)) > remaining {
		data = data[:remaining]
	}
	read := copy(p, data)
	d.pos += int64(read)
	return read, nil
}

func (d *memoryDownload) Close() error {
	d.closed = true
	return nil
}

// ReadAll читает файл целиком. Используется в тестах и отладке.
func ReadAll(ctx context.Context, store Store, id primitive.ObjectID) ([]byte, error) {
	stream, err := store.OpenDownloadStream(ctx, id, DownloadOptions{})
	if err != nil {
		return nil, err
	}
	defer stream.Close()

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, stream); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
