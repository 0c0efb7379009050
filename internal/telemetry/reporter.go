package telemetry

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

const (
	DefaultQueueSize = 256
	deliveryTimeout  = 10 * time.Second
)

type item struct {
	attempt *AttemptRecord
	failure *FailureReport
}

// Reporter delivers records to a Sink on a single background goroutine, in
// the order they were submitted. Submission never blocks: when the queue is
// full the record is dropped and counted.
type Reporter struct {
	sink   Sink
	logger *zap.Logger

	mu     sync.RWMutex
	closed bool
	queue  chan item
	done   chan struct{}

	dropped atomic.Uint64
}

func NewReporter(sink Sink, logger *zap.Logger, queueSize int) *Reporter {
	if logger == nil {
		logger = zap.NewNop()
	}
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	r := &Reporter{
		sink:   sink,
		logger: logger,
		queue:  make(chan item, queueSize),
		done:   make(chan struct{}),
	}
	go r.run()
	return r
}

func (r *Reporter) RecordAttempt(rec AttemptRecord) {
	rec = rec.fill()
	r.enqueue(item{attempt: &rec})
}

func (r *Reporter) ReportFailure(rep FailureReport) {
	rep = rep.fill()
	r.enqueue(item{failure: &rep})
}

// Dropped is the number of records discarded because the queue was full or
// the reporter was closed.
func (r *Reporter) Dropped() uint64 { return r.dropped.Load() }

func (r *Reporter) enqueue(it item) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		r.dropped.Add(1)
		return
	}
	select {
	case r.queue <- it:
	default:
		r.dropped.Add(1)
		r.logger.Warn("telemetry queue full, record dropped")
	}
}

func (r *Reporter) run() {
	defer close(r.done)
	for it := range r.queue {
		r.deliver(it)
	}
}

func (r *Reporter) deliver(it item) {
	if r.sink == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), deliveryTimeout)
	defer cancel()
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("telemetry sink panic", zap.Any("panic", p))
		}
	}()
	switch {
	case it.attempt != nil:
		if err := r.sink.RecordAttempt(ctx, *it.attempt); err != nil {
			r.logger.Warn("telemetry attempt delivery failed",
				zap.Int("tier", it.attempt.Tier),
				zap.Int("attempt", it.attempt.AttemptNumber),
				zap.Error(err))
		}
	case it.failure != nil:
		if err := r.sink.ReportFailure(ctx, *it.failure); err != nil {
			r.logger.Warn("telemetry failure report delivery failed",
				zap.String("sim_id", it.failure.SimID),
				zap.Error(err))
		}
	}
}

// Close stops accepting records and waits until everything queued has been
// delivered.
func (r *Reporter) Close() {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.queue)
	}
	r.mu.Unlock()
	<-r.done
}
