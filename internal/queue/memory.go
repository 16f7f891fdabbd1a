package queue

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/opskit/inquest/pkg/models"
)

// MemoryQueue is an in-process Queue for local development and tests. A
// single dispatcher goroutine delivers messages in publish order; there is no
// redelivery, a failed handler just logs.
type MemoryQueue struct {
	mu       sync.RWMutex
	handlers map[models.MessageType]Handler

	ch     chan *models.Message
	done   chan struct{}
	closed sync.Once
	wg     sync.WaitGroup
}

// NewMemoryQueue creates a queue with the given buffer and starts its
// dispatcher.
func NewMemoryQueue(buffer int) *MemoryQueue {
	if buffer <= 0 {
		buffer = 64
	}
	q := &MemoryQueue{
		handlers: make(map[models.MessageType]Handler),
		ch:       make(chan *models.Message, buffer),
		done:     make(chan struct{}),
	}
	q.wg.Add(1)
	go q.run()
	return q
}

func (q *MemoryQueue) run() {
	defer q.wg.Done()
	for {
		select {
		case <-q.done:
			return
		case msg := <-q.ch:
			q.mu.RLock()
			h := q.handlers[msg.Type]
			q.mu.RUnlock()
			if h == nil {
				log.Warn().Str("type", string(msg.Type)).Msg("no subscriber, message dropped")
				continue
			}
			if err := h(context.Background(), msg); err != nil {
				log.Error().Err(err).Str("type", string(msg.Type)).Msg("message handler failed")
			}
		}
	}
}

// Publish enqueues a message for the dispatcher.
func (q *MemoryQueue) Publish(ctx context.Context, msg *models.Message) error {
	if _, err := SubjectFor(msg.Type); err != nil {
		return err
	}
	select {
	case q.ch <- msg:
		return nil
	case <-q.done:
		return context.Canceled
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Subscribe registers the handler for one message type. The returned stop
// function deregisters it.
func (q *MemoryQueue) Subscribe(_ context.Context, t models.MessageType, handler Handler) (func(), error) {
	if _, err := SubjectFor(t); err != nil {
		return nil, err
	}
	q.mu.Lock()
	q.handlers[t] = handler
	q.mu.Unlock()
	return func() {
		q.mu.Lock()
		delete(q.handlers, t)
		q.mu.Unlock()
	}, nil
}

// Close stops the dispatcher. Buffered but undelivered messages are dropped.
func (q *MemoryQueue) Close() error {
	q.closed.Do(func() { close(q.done) })
	q.wg.Wait()
	return nil
}
