package audit

import (
	"context"
	"sync"
	"testing"
	"time"

	"lmsguard/metrics"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"
)

type collectingSink struct {
	mu      sync.Mutex
	records []Record
}

func (s *collectingSink) Emit(_ context.Context, rec Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, rec)
}

func (s *collectingSink) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

type blockingSink struct {
	release chan struct{}
	entered chan struct{}
	once    sync.Once
}

func (s *blockingSink) Emit(context.Context, Record) {
	s.once.Do(func() { close(s.entered) })
	<-s.release
}

type panickingSink struct{}

func (panickingSink) Emit(context.Context, Record) { panic("sink exploded") }

func TestDispatcher_DeliversAndDrainsOnClose(t *testing.T) {
	defer goleak.VerifyNone(t)

	sink := &collectingSink{}
	d := NewDispatcher(sink, 16, zaptest.NewLogger(t).Sugar())
	d.Start()
	for i := 0; i < 10; i++ {
		d.Emit(Record{Method: "POST", Path: "/api/exams"})
	}
	d.Close()
	d.Close()

	assert.Equal(t, 10, sink.Len())
	assert.Zero(t, d.Dropped())

	closedBefore := testutil.ToFloat64(metrics.AuditRecordsDropped.WithLabelValues("closed"))
	d.Emit(Record{Method: "POST", Path: "/api/exams"})
	assert.Equal(t, 10, sink.Len(), "emit after close is not delivered")
	assert.Equal(t, closedBefore+1, testutil.ToFloat64(metrics.AuditRecordsDropped.WithLabelValues("closed")))
	assert.Equal(t, uint64(1), d.Dropped(), "emit after close is counted")
}

func TestDispatcher_EmitRacingCloseIsAccounted(t *testing.T) {
	defer goleak.VerifyNone(t)

	const emitters, perEmitter = 8, 400

	for round := 0; round < 20; round++ {
		sink := &collectingSink{}
		d := NewDispatcher(sink, emitters*perEmitter, nil)
		d.Start()

		var wg sync.WaitGroup
		start := make(chan struct{})
		for i := 0; i < emitters; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				for j := 0; j < perEmitter; j++ {
					d.Emit(Record{Method: "POST", Path: "/api/exams"})
				}
			}()
		}
		close(start)
		d.Close()
		wg.Wait()

		delivered := uint64(sink.Len())
		require.Equal(t, uint64(emitters*perEmitter), delivered+d.Dropped(),
			"round %d: every record is either delivered or counted as dropped", round)
	}
}

func TestDispatcher_CloseWithoutStartDrains(t *testing.T) {
	defer goleak.VerifyNone(t)

	sink := &collectingSink{}
	d := NewDispatcher(sink, 4, nil)
	d.Emit(Record{Path: "/api/courses"})
	d.Close()

	assert.Equal(t, 1, sink.Len())
}

func TestDispatcher_DropsWhenFullWithoutBlocking(t *testing.T) {
	defer goleak.VerifyNone(t)

	sink := &blockingSink{release: make(chan struct{}), entered: make(chan struct{})}
	d := NewDispatcher(sink, 2, nil)
	d.Start()

	d.Emit(Record{Path: "/api/exams/1"})
	<-sink.entered // worker is now stuck on the first record

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			d.Emit(Record{Path: "/api/exams/2"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Emit blocked on a stuck sink")
	}
	assert.Equal(t, uint64(8), d.Dropped(), "two fit in the buffer")

	close(sink.release)
	d.Close()
}

func TestDispatcher_RecoversSinkPanic(t *testing.T) {
	defer goleak.VerifyNone(t)

	obs, logs := observer.New(zap.ErrorLevel)
	d := NewDispatcher(panickingSink{}, 4, zap.New(obs).Sugar())
	d.Start()
	d.Emit(Record{Path: "/api/exams"})
	d.Emit(Record{Path: "/api/exams"})
	d.Close()

	assert.Equal(t, uint64(2), d.Dropped())
	require.Equal(t, 2, logs.FilterMessage("Goroutine panic recovered").Len())
	assert.Equal(t, "audit-sink", logs.All()[0].ContextMap()["goroutine"])
}

func TestNilDispatcher(t *testing.T) {
	var d *Dispatcher
	d.Emit(Record{})
	d.Close()
	assert.Zero(t, d.Dropped())
}

func TestZapSink_RequestLine(t *testing.T) {
	obs, logs := observer.New(zap.InfoLevel)
	sink := NewZapSink(zap.New(obs).Sugar())

	sink.Emit(context.Background(), Record{
		Kind:      KindRequest,
		Timestamp: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC),
		Method:    "POST",
		Path:      "/api/courses",
		Actor:     "t@example.edu",
		Source:    "203.0.113.7",
		Status:    201,
		RequestID: "req-1",
	})

	entries := logs.FilterMessage("AUDIT").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "audit", entries[0].LoggerName)
	fields := entries[0].ContextMap()
	assert.Equal(t, "POST", fields["method"])
	assert.Equal(t, "/api/courses", fields["path"])
	assert.Equal(t, "t@example.edu", fields["user"])
	assert.Equal(t, "203.0.113.7", fields["ip"])
	assert.Equal(t, int64(201), fields["status"])
}

func TestZapSink_NoteLine(t *testing.T) {
	obs, logs := observer.New(zap.InfoLevel)
	sink := NewZapSink(zap.New(obs).Sugar())

	sink.Emit(context.Background(), Record{Kind: KindNote, Message: "SEB bypass", Detail: map[string]string{"reason": "loopback"}})

	entries := logs.FilterMessage("AUDIT: SEB bypass").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "loopback", entries[0].ContextMap()["reason"])
}
