// Package events публикует события о вложениях задач в Kafka.
package events

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

type FileEventType string

const (
	FileAdded   FileEventType = "file_added"
	FileDeleted FileEventType = "file_deleted"
	TaskPurged  FileEventType = "task_purged"
)

const publishTimeout = 10 * time.Second

// FileEvent описывает событие изменения вложений задачи.
type FileEvent struct {
	Type         FileEventType `json:"type"`
	TaskID       string        `json:"taskId"`
	FileID       string        `json:"fileId,omitempty"`
	OriginalName string        `json:"originalName,omitempty"`
	UserID       string        `json:"userId,omitempty"`
	Timestamp    time.Time     `json:"timestamp"`
}

// Publisher отправляет событие, не блокируя вызывающего.
type Publisher interface {
	Publish(event FileEvent)
	Close() error
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type kafkaPublisher struct {
	writer messageWriter
	logger *zap.Logger

	// drainTimeout ограничивает ожидание отправок в Close.
	drainTimeout time.Duration

	mu       sync.Mutex
	closed   bool
	inflight sync.WaitGroup
}

func NewKafkaPublisher(brokers []string, topic string, logger *zap.Logger) Publisher {
	writer := &kafka.Writer{
		Addr:     kafka.TCP(brokers...),
		Topic:    topic,
		Balancer: &kafka.Hash{},
	}

	return newPublisher(writer, logger)
}

func newPublisher(writer messageWriter, logger *zap.Logger) *kafkaPublisher {
	return &kafkaPublisher{
		writer:       writer,
		logger:       logger.With(zap.String("component", "events")),
		drainTimeout: publishTimeout,
	}
}

// Publish отправляет событие асинхронно; ошибки только логируются.
func (p *kafkaPublisher) Publish(event FileEvent) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.logger.Warn("publisher closed, file event dropped",
			zap.String("type", string(event.Type)),
			zap.String("task_id", event.TaskID),
		)
		return
	}
	p.inflight.Add(1)
	p.mu.Unlock()

	go func() {
		defer p.inflight.Done()
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		defer cancel()
		if err := p.send(ctx, event); err != nil {
			p.logger.Warn("failed to publish file event",
				zap.String("type", string(event.Type)),
				zap.String("task_id", event.TaskID),
				zap.Error(err),
			)
		}
	}()
}

func (p *kafkaPublisher) send(ctx context.Context, event FileEvent) error {
	eventJSON, err := json.Marshal(event)
	if err != nil {
		return err
	}

	message := kafka.Message{
		Key:   []byte(event.TaskID),
		Value: eventJSON,
		Time:  event.Timestamp,
	}

	return p.writer.WriteMessages(ctx, message)
}

// Close перестаёт принимать события, ждёт уже начатые отправки
// не дольше drainTimeout и закрывает соединение с Kafka.
func (p *kafkaPublisher) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		p.inflight.Wait()
		close(drained)
	}()

	select {
	case <-drained:
	case <-time.After(p.drainTimeout):
		p.logger.Warn("file events still in flight at shutdown", zap.Duration("waited", p.drainTimeout))
	}
	return p.writer.Close()
}

type noopPublisher struct{}

// NewNoopPublisher используется, когда KAFKA_BROKERS не задан.
func NewNoopPublisher() Publisher {
	return noopPublisher{}
}

func (noopPublisher) Publish(FileEvent) {}

func (noopPublisher) Close() error { return nil }
