package attendance

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"attendguard/internal/metrics"
	"attendguard/internal/queue"
)

// AuditSink appends decision events for administrative review.
type AuditSink interface {
	AppendAudit(ctx context.Context, evt Event) error
}

// Auditor drains decision events from the queue into an AuditSink.
type Auditor struct {
	sink    AuditSink
	log     *zap.Logger
	retries int
}

func NewAuditor(sink AuditSink, log *zap.Logger) *Auditor {
	if log == nil {
		log = zap.NewNop()
	}
	return &Auditor{sink: sink, log: log, retries: 3}
}

// Run consumes until msgs is closed or ctx is done.
func (a *Auditor) Run(ctx context.Context, msgs <-chan queue.Message) error {
	a.log.Info("audit worker started")
	for {
		select {
		case <-ctx.Done():
			a.log.Info("audit worker stopped")
			return nil
		case msg, ok := <-msgs:
			if !ok {
				a.log.Info("audit queue closed")
				return nil
			}
			a.handle(ctx, msg)
		}
	}
}

func (a *Auditor) handle(ctx context.Context, msg queue.Message) {
	if msg.Type != EventType {
		return
	}
	var evt Event
	if err := json.Unmarshal(msg.Body, &evt); err != nil {
		metrics.AuditWritten.WithLabelValues("malformed").Inc()
		a.log.Warn("drop malformed decision event", zap.Error(err))
		return
	}

	var err error
	for attempt := 0; attempt < a.retries; attempt++ {
		if err = a.sink.AppendAudit(ctx, evt); err == nil {
			metrics.AuditWritten.WithLabelValues("ok").Inc()
			a.log.Debug("audit event written", zap.String("event_id", evt.ID), zap.String("outcome", string(evt.Outcome)))
			return
		}
		select {
		case <-time.After(time.Duration(attempt+1) * 200 * time.Millisecond):
		case <-ctx.Done():
			return
		}
	}
	metrics.AuditWritten.WithLabelValues("failed").Inc()
	a.log.Error("audit write failed", zap.String("event_id", evt.ID), zap.Error(err))
}
