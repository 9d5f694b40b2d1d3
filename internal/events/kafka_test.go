package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

type recordingWriter struct {
	mu       sync.Mutex
	messages []kafka.Message
	err      error
	written  chan struct{}
	// release, если задан, задерживает запись до его закрытия.
	release chan struct{}
	closed  bool
}

func newRecordingWriter() *recordingWriter {
	return &recordingWriter{written: make(chan struct{}, 8)}
}

func (w *recordingWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.release != nil {
		<-w.release
	}
	w.mu.Lock()
	w.messages = append(w.messages, msgs...)
	w.mu.Unlock()
	w.written <- struct{}{}
	return w.err
}

func (w *recordingWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	return nil
}

func waitWritten(t *testing.T, w *recordingWriter) {
	t.Helper()
	select {
	case <-w.written:
	case <-time.After(2 * time.Second):
		t.Fatal("message was not written")
	}
}

func TestPublish_KeyedByTask(t *testing.T) {
	writer := newRecordingWriter()
	p := newPublisher(writer, zaptest.NewLogger(t))

	p.Publish(FileEvent{Type: FileAdded, TaskID: "t1", FileID: "f1", OriginalName: "note.pdf", UserID: "u1"})
	waitWritten(t, writer)

	writer.mu.Lock()
	defer writer.mu.Unlock()
	require.Len(t, writer.messages, 1)
	msg := writer.messages[0]
	assert.Equal(t, "t1", string(msg.Key))

	var got FileEvent
	require.NoError(t, json.Unmarshal(msg.Value, &got))
	assert.Equal(t, FileAdded, got.Type)
	assert.Equal(t, "note.pdf", got.OriginalName)
	assert.False(t, got.Timestamp.IsZero())
}

func TestPublish_ErrorDoesNotPropagate(t *testing.T) {
	writer := newRecordingWriter()
	writer.err = errors.New("broker down")
	p := newPublisher(writer, zap.NewNop())

	p.Publish(FileEvent{Type: FileDeleted, TaskID: "t1"})
	waitWritten(t, writer)
	assert.NoError(t, p.Close())
}

func TestClose_WaitsForInflightEvents(t *testing.T) {
	writer := newRecordingWriter()
	writer.release = make(chan struct{})
	p := newPublisher(writer, zap.NewNop())

	p.Publish(FileEvent{Type: FileAdded, TaskID: "t1", FileID: "f1"})

	done := make(chan error, 1)
	go func() { done <- p.Close() }()

	select {
	case <-done:
		t.Fatal("Close returned while an event was still being written")
	case <-time.After(50 * time.Millisecond):
	}

	close(writer.release)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not return after the write finished")
	}

	writer.mu.Lock()
	defer writer.mu.Unlock()
	assert.Len(t, writer.messages, 1)
	assert.True(t, writer.closed)
}

func TestClose_GivesUpAfterDrainTimeout(t *testing.T) {
	writer := newRecordingWriter()
	writer.release = make(chan struct{})
	t.Cleanup(func() { close(writer.release) })

	p := newPublisher(writer, zap.NewNop())
	p.drainTimeout = 20 * time.Millisecond

	p.Publish(FileEvent{Type: FileDeleted, TaskID: "t1"})

	start := time.Now()
	require.NoError(t, p.Close())
	assert.Less(t, time.Since(start), time.Second)

	writer.mu.Lock()
	defer writer.mu.Unlock()
	assert.True(t, writer.closed)
}

func TestPublish_AfterCloseIsDropped(t *testing.T) {
	writer := newRecordingWriter()
	p := newPublisher(writer, zap.NewNop())
	require.NoError(t, p.Close())

	p.Publish(FileEvent{Type: FileAdded, TaskID: "t1"})

	select {
	case <-writer.written:
		t.Fatal("event published after Close")
	case <-time.After(50 * time.Millisecond):
	}
}
