package monitor

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

const batchFlushThreshold = 100

type AsyncConfig struct {
	BufferSize    int
	FlushInterval time.Duration
	Logger        *slog.Logger
}

// AsyncSink buffers invocations and writes them to a Store in batches,
// either when a batch fills or on every flush interval.
type AsyncSink struct {
	store    Store
	logger   *slog.Logger
	buffer   chan *Invocation
	done     chan struct{}
	wg       sync.WaitGroup
	writes   sync.WaitGroup
	interval time.Duration
	closed   atomic.Bool
}

func NewAsyncSink(store Store, cfg AsyncConfig) *AsyncSink {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 1000
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 5 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	s := &AsyncSink{
		store:    store,
		logger:   cfg.Logger,
		buffer:   make(chan *Invocation, cfg.BufferSize),
		done:     make(chan struct{}),
		interval: cfg.FlushInterval,
	}
	s.wg.Add(1)
	go s.flushLoop()
	return s
}

// Record queues inv without blocking. A full buffer drops the record.
func (s *AsyncSink) Record(_ context.Context, inv *Invocation) error {
	if inv == nil {
		return nil
	}
	if s.closed.Load() {
		return ErrClosed
	}
	s.writes.Add(1)
	defer s.writes.Done()
	// Close may have run between the check and Add.
	if s.closed.Load() {
		return ErrClosed
	}

	select {
	case s.buffer <- inv:
		return nil
	default:
		return ErrBufferFull
	}
}

// Close drains the buffer, writes what is left and closes the store.
// It is safe to call more than once.
func (s *AsyncSink) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.writes.Wait()
	close(s.done)
	s.wg.Wait()
	return s.store.Close()
}

func (s *AsyncSink) flushLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	batch := make([]*Invocation, 0, batchFlushThreshold)
	for {
		select {
		case inv := <-s.buffer:
			batch = append(batch, inv)
			if len(batch) >= batchFlushThreshold {
				s.flush(batch)
				batch = make([]*Invocation, 0, batchFlushThreshold)
			}

		case <-ticker.C:
			if len(batch) > 0 {
				s.flush(batch)
				batch = make([]*Invocation, 0, batchFlushThreshold)
			}

		case <-s.done:
			close(s.buffer)
			for inv := range s.buffer {
				batch = append(batch, inv)
			}
			s.flush(batch)
			return
		}
	}
}

func (s *AsyncSink) flush(batch []*Invocation) {
	if len(batch) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.store.WriteBatch(ctx, batch); err != nil {
		s.logger.Error("failed to write invocation batch", "error", err, "count", len(batch))
	}
}
