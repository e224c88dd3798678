package ingest

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Message is one queued inbound publish.
type Message struct {
	Topic   string
	Payload []byte
}

// Queue decouples the MQTT delivery goroutine from message processing.
// Enqueue never blocks: when the buffer is full the message is dropped.
type Queue struct {
	ch      chan Message
	workers int
	process func(context.Context, Message)
	log     *slog.Logger
	wg      sync.WaitGroup

	closeOnce sync.Once
	mu        sync.RWMutex // guards closed against Enqueue
	closed    bool

	// dropLogAt holds the Unix nanosecond time of the last drop warning.
	dropLogAt atomic.Int64
}

// NewQueue returns a queue of the given capacity whose workers call process.
// workers below 1 is treated as 1, which handles messages strictly in order.
func NewQueue(size, workers int, process func(context.Context, Message), log *slog.Logger) *Queue {
	if workers < 1 {
		workers = 1
	}
	return &Queue{
		ch:      make(chan Message, size),
		workers: workers,
		process: process,
		log:     log,
	}
}

// Enqueue offers msg without blocking and reports whether it was accepted.
// Messages offered after Close are dropped.
func (q *Queue) Enqueue(msg Message) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		queueDropped.Inc()
		return false
	}
	select {
	case q.ch <- msg:
		queueDepth.Inc()
		return true
	default:
		queueDropped.Inc()
		q.logDropRateLimited()
		return false
	}
}

// logDropRateLimited emits at most one warning per second.
func (q *Queue) logDropRateLimited() {
	now := time.Now().UnixNano()
	last := q.dropLogAt.Load()
	if now-last >= int64(time.Second) && q.dropLogAt.CompareAndSwap(last, now) {
		q.log.Warn("queue full, message dropped",
			"capacity", cap(q.ch),
			"workers", q.workers,
		)
	}
}

// Start launches the workers. They run until Close is called and the
// buffer is drained.
func (q *Queue) Start(ctx context.Context) {
	for range q.workers {
		q.wg.Add(1)
		go func() {
			defer q.wg.Done()
			for msg := range q.ch {
				queueDepth.Dec()
				q.process(ctx, msg)
			}
		}()
	}
}

// Close stops intake and waits up to timeout for the workers to drain the
// buffer. It reports whether draining finished in time.
func (q *Queue) Close(timeout time.Duration) bool {
	q.closeOnce.Do(func() {
		q.mu.Lock()
		q.closed = true
		close(q.ch)
		q.mu.Unlock()
	})

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		q.log.Warn("queue drain timed out", "timeout", timeout.String(), "remaining", len(q.ch))
		return false
	}
}

// Len returns the number of buffered messages.
func (q *Queue) Len() int { return len(q.ch) }
