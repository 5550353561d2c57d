package memory

import (
	"database/sql"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/batalabs/loopd/internal/store"
)

const (
	sinkQueueCap      = 1024
	defaultBatchSize  = 50
	defaultFlushEvery = 500 * time.Millisecond
)

type eventRecord struct {
	sessionID string
	eventType string
	payload   Payload
}

// AsyncEventSink absorbs event emissions without blocking the caller and
// batch-flushes them to the store on an interval or when a full batch has
// accumulated. Per-session events are flushed in enqueue order.
type AsyncEventSink struct {
	store      *store.Store
	batchSize  int
	flushEvery time.Duration

	queue chan eventRecord
	stop  chan struct{}
	wg    sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// NewAsyncEventSink creates a sink and starts its background flusher.
// Zero batchSize or flushEvery fall back to the defaults (50, 500ms).
func NewAsyncEventSink(s *store.Store, batchSize int, flushEvery time.Duration) *AsyncEventSink {
	if batchSize < 1 {
		batchSize = defaultBatchSize
	}
	if flushEvery <= 0 {
		flushEvery = defaultFlushEvery
	}
	sink := &AsyncEventSink{
		store:      s,
		batchSize:  batchSize,
		flushEvery: flushEvery,
		queue:      make(chan eventRecord, sinkQueueCap),
		stop:       make(chan struct{}),
	}
	sink.wg.Add(1)
	go sink.run()
	return sink
}

// Emit enqueues an event. It never blocks and never fails visibly: after
// Close, or if the queue is saturated, the emission is dropped silently.
func (s *AsyncEventSink) Emit(sessionID, eventType string, payload Payload) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return
	}
	select {
	case s.queue <- eventRecord{sessionID: sessionID, eventType: eventType, payload: payload}:
	default:
		log.Debug("event sink queue full, dropping event", "type", eventType)
	}
}

// Close stops the background flusher, drains the queue fully, and returns
// only after the final flush has committed. Idempotent.
func (s *AsyncEventSink) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	close(s.stop)
	s.wg.Wait()
	s.flush(s.drain(nil))
}

func (s *AsyncEventSink) run() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.flushEvery)
	defer ticker.Stop()

	var pending []eventRecord
	for {
		select {
		case <-s.stop:
			s.flush(s.drain(pending))
			return
		case ev := <-s.queue:
			pending = append(pending, ev)
			if len(pending) >= s.batchSize {
				s.flush(pending)
				pending = nil
			}
		case <-ticker.C:
			if len(pending) > 0 {
				s.flush(pending)
				pending = nil
			}
		}
	}
}

// drain appends everything still buffered in the queue onto pending.
func (s *AsyncEventSink) drain(pending []eventRecord) []eventRecord {
	for {
		select {
		case ev := <-s.queue:
			pending = append(pending, ev)
		default:
			return pending
		}
	}
}

// flush writes a batch of events in one transaction, preserving enqueue
// order. Events are best-effort: a failed flush is logged and dropped.
func (s *AsyncEventSink) flush(batch []eventRecord) {
	if len(batch) == 0 {
		return
	}
	now := store.UTCNow()
	err := s.store.WithTx(func(tx *sql.Tx) error {
		for _, ev := range batch {
			if err := insertEvent(tx, ev.sessionID, ev.eventType, ev.payload, now); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		log.Warn("event sink flush failed", "events", len(batch), "err", err)
	}
}
