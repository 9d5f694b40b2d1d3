package task

import (
	"context"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// MemoryRepository реализует Repository в памяти процесса с теми же условиями
// обновления, что и у MongoDB-реализации. Используется в тестах.
type MemoryRepository struct {
	mu    sync.Mutex
	tasks map[primitive.ObjectID]Task
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{tasks: make(map[primitive.ObjectID]Task)}
}

// Put сохраняет задачу целиком, заменяя существующую.
func (r *MemoryRepository) Put(t Task) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks[t.ID] = cloneTask(t)
}

func (r *MemoryRepository) EnsureIndexes(context.Context) error {
	return nil
}

func (r *MemoryRepository) FindByID(_ context.Context, id primitive.ObjectID) (Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[id]
	if !ok {
		return Task{}, ErrNotFound
	}
	return cloneTask(t), nil
}

func (r *MemoryRepository) AttachAsset(_ context.Context, id primitive.ObjectID, asset FileRecord, entry Activity) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[id]
	if !ok || t.IsTrashed {
		return ErrNotFound
	}
	t.Assets = append(t.Assets, asset)
	t.Activities = append(t.Activities, entry)
	t.UpdatedAt = time.Now().UTC()
	r.tasks[id] = t
	return nil
}

func (r *MemoryRepository) DetachAsset(_ context.Context, id, fileID primitive.ObjectID, entry Activity) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[id]
	if !ok {
		return ErrAssetNotFound
	}
	if _, found := t.FindAsset(fileID); !found {
		return ErrAssetNotFound
	}
	t.Assets = t.WithoutAsset(fileID)
	t.Activities = append(t.Activities, entry)
	t.UpdatedAt = time.Now().UTC()
	r.tasks[id] = t
	return nil
}

func (r *MemoryRepository) IsAssetReferenced(_ context.Context, fileID primitive.ObjectID) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range r.tasks {
		if _, found := t.FindAsset(fileID); found {
			return true, nil
		}
	}
	return false, nil
}

func (r *MemoryRepository) FindTrashed(context.Context) ([]Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Task
	for _, t := range r.tasks {
		if t.IsTrashed {
			out = append(out, cloneTask(t))
		}
	}
	return out, nil
}

func (r *MemoryRepository) Delete(_ context.Context, id primitive.ObjectID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tasks[id]; !ok {
		return ErrNotFound
	}
	delete(r.tasks, id)
	return nil
}

func cloneTask(t Task) Task {
	t.Assets = append([]FileRecord(nil), t.Assets...)
	t.Activities = append([]Activity(nil), t.Activities...)
	return t
}
