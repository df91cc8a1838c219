package attendance

import (
	"fmt"
	"time"
)

// Status is the attendance record state.
type Status string

const (
	StatusPending    Status = "pending"
	StatusPresent    Status = "present"
	StatusRejected   Status = "rejected"
	StatusCheckedOut Status = "checked_out"
)

var transitions = map[Status][]Status{
	StatusPending: {StatusPresent, StatusRejected},
	StatusPresent: {StatusCheckedOut},
}

// CanTransition reports whether from -> to is a legal move.
func (s Status) CanTransition(to Status) bool {
	for _, next := range transitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// Reason explains a rejected admission.
type Reason string

const (
	ReasonNone             Reason = ""
	ReasonInvalidSession   Reason = "InvalidSession"
	ReasonOutOfRange       Reason = "OutOfRange"
	ReasonFaceMismatch     Reason = "FaceMismatch"
	ReasonNoFaceRegistered Reason = "NoFaceRegistered"
	ReasonProxyDenied      Reason = "ProxyDenied"
)

// Flow distinguishes a student's own check-in from a certified one.
type Flow string

const (
	FlowDirect Flow = "direct"
	FlowProxy  Flow = "proxy"
)

// Proxy is set on records created on someone else's behalf.
type Proxy struct {
	ProxyUserID string    `json:"proxy_user_id"`
	Reason      string    `json:"reason"`
	ApprovedAt  time.Time `json:"approved_at"`
}

// Record is one admission attempt. At most one non-rejected record exists per
// (UserID, SessionTokenID).
type Record struct {
	ID                     string     `json:"id"`
	UserID                 string     `json:"user_id"`
	SessionTokenID         string     `json:"session_token_id"`
	ActorID                string     `json:"actor_id"`
	CheckInAt              time.Time  `json:"check_in_at"`
	CheckOutAt             *time.Time `json:"check_out_at,omitempty"`
	GeofenceDistanceMeters float64    `json:"geofence_distance_meters"`
	CheckOutDistanceMeters *float64   `json:"check_out_distance_meters,omitempty"`
	FaceScore              *float64   `json:"face_score,omitempty"`
	Status                 Status     `json:"status"`
	Reason                 Reason     `json:"reason,omitempty"`
	Detail                 string     `json:"detail,omitempty"`
	Proxy                  *Proxy     `json:"proxy,omitempty"`
}

func (r *Record) transition(to Status) error {
	if !r.Status.CanTransition(to) {
		return fmt.Errorf("illegal transition %s -> %s", r.Status, to)
	}
	r.Status = to
	return nil
}

func (r Record) flow() Flow {
	if r.Proxy != nil {
		return FlowProxy
	}
	return FlowDirect
}
