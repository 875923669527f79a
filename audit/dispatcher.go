package audit

import (
	"context"
	"sync"
	"sync/atomic"

	"lmsguard/metrics"
	"lmsguard/util/goroutine"

	"go.uber.org/zap"
)

// DefaultBufferSize is the number of records queued before new ones are dropped.
const DefaultBufferSize = 1024

// Dispatcher forwards records to a Sink from a single worker goroutine.
// A full buffer or a closed dispatcher drops the record instead of blocking the caller.
type Dispatcher struct {
	sink   Sink
	ch     chan Record
	done   chan struct{}
	logger *zap.SugaredLogger

	// mu orders Emit against Close: no record is queued once Close has flipped closed.
	mu     sync.RWMutex
	closed bool

	wg        sync.WaitGroup
	dropped   atomic.Uint64
	startOnce sync.Once
	closeOnce sync.Once
}

// NewDispatcher creates a dispatcher. The worker starts with Start.
func NewDispatcher(sink Sink, bufferSize int, logger *zap.SugaredLogger) *Dispatcher {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	if sink == nil {
		sink = NoOpSink{}
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Dispatcher{
		sink:   sink,
		ch:     make(chan Record, bufferSize),
		done:   make(chan struct{}),
		logger: logger,
	}
}

// Start launches the worker. Calling it more than once has no effect.
func (d *Dispatcher) Start() {
	d.startOnce.Do(func() {
		d.wg.Add(1)
		go d.run()
	})
}

func (d *Dispatcher) run() {
	defer d.wg.Done()

	for {
		select {
		case rec := <-d.ch:
			d.write(rec)
		case <-d.done:
			for {
				select {
				case rec := <-d.ch:
					d.write(rec)
				default:
					return
				}
			}
		}
	}
}

func (d *Dispatcher) write(rec Record) {
	written := false
	defer func() {
		if !written {
			d.drop("sink_panic")
		}
	}()
	defer goroutine.Recover("audit-sink", d.logger)

	d.sink.Emit(context.Background(), rec)
	written = true
	metrics.AuditRecordsEmitted.Inc()
}

// Emit queues rec. It never blocks.
func (d *Dispatcher) Emit(rec Record) {
	if d == nil {
		return
	}
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		d.drop("closed")
		return
	}
	select {
	case d.ch <- rec:
	default:
		d.drop("buffer_full")
	}
}

func (d *Dispatcher) drop(reason string) {
	d.dropped.Add(1)
	metrics.AuditRecordsDropped.WithLabelValues(reason).Inc()
}

// Close stops accepting records, drains the queue and waits for the worker.
// Safe to call more than once.
func (d *Dispatcher) Close() {
	if d == nil {
		return
	}
	d.closeOnce.Do(func() {
		d.mu.Lock()
		d.closed = true
		d.mu.Unlock()

		// A dispatcher that was never started still drains what was queued.
		d.Start()
		close(d.done)
		d.wg.Wait()
	})
}

// Dropped returns how many records never reached the sink, including those emitted
// after Close.
func (d *Dispatcher) Dropped() uint64 {
	if d == nil {
		return 0
	}
	return d.dropped.Load()
}
