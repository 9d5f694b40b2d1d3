package attachment

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kaifmc11/Task-Management-System/internal/chunkstore"
	"github.com/kaifmc11/Task-Management-System/internal/task"
)

const (
	DefaultSweepInterval    = time.Hour
	DefaultSweepGracePeriod = 15 * time.Minute
)

// SweepResult содержит итоги одного прохода очистки.
type SweepResult struct {
	// Scanned: количество просмотренных корневых записей
	Scanned int
	// Orphans: файлы без ссылки из задач
	Orphans int
	// Deleted: удалённые осиротевшие файлы
	Deleted int
	// Errors: ошибки при проверке или удалении
	Errors   int
	Duration time.Duration
}

// Sweeper удаляет файлы, на которые не ссылается ни одна задача.
// Файлы моложе grace period не трогаются: загрузка может ещё привязывать их к задаче.
type Sweeper struct {
	store    chunkstore.Store
	tasks    task.Repository
	interval time.Duration
	grace    time.Duration
	logger   *zap.Logger
	now      func() time.Time

	mu     sync.Mutex // защита от параллельного запуска RunOnce
	cancel context.CancelFunc
	done   chan struct{}
}

func NewSweeper(store chunkstore.Store, tasks task.Repository, interval, grace time.Duration, logger *zap.Logger) *Sweeper {
	if grace <= 0 {
		grace = DefaultSweepGracePeriod
	}
	return &Sweeper{
		store:    store,
		tasks:    tasks,
		interval: interval,
		grace:    grace,
		logger:   logger.With(zap.String("component", "sweeper")),
		now:      time.Now,
	}
}

// Start запускает периодическую очистку. При interval <= 0 ничего не делает.
func (s *Sweeper) Start(ctx context.Context) {
	if s.interval <= 0 {
		s.logger.Info("sweeper disabled")
		return
	}
	sweepCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})

	go s.run(sweepCtx)

	s.logger.Info("sweeper started",
		zap.Duration("interval", s.interval),
		zap.Duration("grace_period", s.grace),
	)
}

// Stop останавливает фоновую очистку и ждёт завершения текущего прохода.
func (s *Sweeper) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	s.logger.Info("sweeper stopped")
}

func (s *Sweeper) run(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

func (s *Sweeper) RunOnce(ctx context.Context) SweepResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	start := time.Now()
	result := SweepResult{}
	cutoff := s.now().Add(-s.grace)

	err := s.store.Walk(ctx, cutoff, func(f chunkstore.File) error {
		result.Scanned++

		referenced, err := s.tasks.IsAssetReferenced(ctx, f.ID)
		if err != nil {
			result.Errors++
			s.logger.Error("failed to check file reference", zap.String("file_id", f.ID.Hex()), zap.Error(err))
			return nil
		}
		if referenced {
			return nil
		}

		result.Orphans++
		if err := s.store.Delete(ctx, f.ID); err != nil {
			result.Errors++
			s.logger.Error("failed to delete orphan", zap.String("file_id", f.ID.Hex()), zap.Error(err))
			return nil
		}
		result.Deleted++
		s.logger.Debug("orphan deleted",
			zap.String("file_id", f.ID.Hex()),
			zap.String("filename", f.Filename),
		)
		return nil
	})
	if err != nil {
		result.Errors++
		s.logger.Error("sweep walk failed", zap.Error(err))
	}

	result.Duration = time.Since(start)

	sweepRunsTotal.Inc()
	sweepDeletedTotal.Add(float64(result.Deleted))
	sweepDurationSeconds.Observe(result.Duration.Seconds())

	s.logger.Info("sweep finished",
		zap.Int("scanned", result.Scanned),
		zap.Int("orphans", result.Orphans),
		zap.Int("deleted", result.Deleted),
		zap.Int("errors", result.Errors),
		zap.Duration("duration", result.Duration),
	)
	return result
}
