package audit

import (
	"context"

	"go.uber.org/zap"
)

// Sink receives audit records from the dispatcher's worker.
type Sink interface {
	Emit(ctx context.Context, rec Record)
}

// NoOpSink drops records.
type NoOpSink struct{}

func (NoOpSink) Emit(context.Context, Record) {}

// ZapSink writes each record as one structured log line.
type ZapSink struct {
	logger *zap.SugaredLogger
}

// NewZapSink logs through a child logger named "audit".
func NewZapSink(logger *zap.SugaredLogger) *ZapSink {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &ZapSink{logger: logger.Named("audit")}
}

func (s *ZapSink) Emit(_ context.Context, rec Record) {
	if rec.Kind == KindNote {
		fields := []interface{}{"timestamp", rec.Timestamp}
		for k, v := range rec.Detail {
			fields = append(fields, k, v)
		}
		s.logger.Infow("AUDIT: "+rec.Message, fields...)
		return
	}

	s.logger.Infow("AUDIT",
		"timestamp", rec.Timestamp,
		"method", rec.Method,
		"path", rec.Path,
		"user", rec.Actor,
		"ip", rec.Source,
		"status", rec.Status,
		"request_id", rec.RequestID)
}
