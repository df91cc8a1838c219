package attendance

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"attendguard/internal/metrics"
	"attendguard/internal/queue"
)

// EventType is the queue message type for decision events.
const EventType = "admission"

const (
	OpCheckIn  = "check_in"
	OpCheckOut = "check_out"
)

// Event is the audit trail entry for one committed decision.
type Event struct {
	ID             string    `json:"id"`
	Operation      string    `json:"operation"`
	Flow           Flow      `json:"flow"`
	Outcome        Status    `json:"outcome"`
	Reason         Reason    `json:"reason,omitempty"`
	Detail         string    `json:"detail,omitempty"`
	RecordID       string    `json:"record_id,omitempty"`
	UserID         string    `json:"user_id"`
	ActorID        string    `json:"actor_id"`
	SessionTokenID string    `json:"session_token_id"`
	DistanceMeters float64   `json:"distance_meters"`
	FaceScore      *float64  `json:"face_score,omitempty"`
	At             time.Time `json:"at"`
}

// Publisher is the write side of a queue.
type Publisher interface {
	Publish(ctx context.Context, msg queue.Message) error
}

func newEvent(op string, rec Record, at time.Time) Event {
	return Event{
		ID:             uuid.NewString(),
		Operation:      op,
		Flow:           rec.flow(),
		Outcome:        rec.Status,
		Reason:         rec.Reason,
		Detail:         rec.Detail,
		RecordID:       rec.ID,
		UserID:         rec.UserID,
		ActorID:        rec.ActorID,
		SessionTokenID: rec.SessionTokenID,
		DistanceMeters: rec.GeofenceDistanceMeters,
		FaceScore:      rec.FaceScore,
		At:             at,
	}
}

// emit logs, counts and publishes a committed decision. Publishing is best effort.
func (c *Coordinator) emit(ctx context.Context, evt Event) {
	metrics.ObserveDecision(evt.Operation, string(evt.Flow), string(evt.Outcome), string(evt.Reason))

	fields := []zap.Field{
		zap.String("operation", evt.Operation),
		zap.String("flow", string(evt.Flow)),
		zap.String("user_id", evt.UserID),
		zap.String("actor_id", evt.ActorID),
		zap.String("session_id", evt.SessionTokenID),
		zap.Float64("distance_m", evt.DistanceMeters),
	}
	if evt.FaceScore != nil {
		fields = append(fields, zap.Float64("face_score", *evt.FaceScore))
	}
	if evt.Reason != ReasonNone {
		c.log.Warn("admission denied", append(fields, zap.String("reason", string(evt.Reason)), zap.String("detail", evt.Detail))...)
	} else {
		c.log.Info("admission "+string(evt.Outcome), fields...)
	}

	if c.pub == nil {
		return
	}
	body, err := json.Marshal(evt)
	if err != nil {
		c.log.Error("encode decision event", zap.Error(err))
		return
	}
	pctx, cancel := context.WithTimeout(ctx, c.opts.PublishTimeout)
	defer cancel()
	if err := c.pub.Publish(pctx, queue.Message{Type: EventType, Body: body}); err != nil {
		c.log.Error("publish decision event", zap.String("event_id", evt.ID), zap.Error(err))
	}
}
