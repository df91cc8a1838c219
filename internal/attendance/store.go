package attendance

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Store persists attendance records. Admit must be a single atomic
// insert-or-get keyed by (UserID, SessionTokenID) over non-rejected records.
type Store interface {
	// Admit inserts rec unless a non-rejected record already exists for the pair,
	// in which case that record is returned with created=false.
	Admit(ctx context.Context, rec Record) (Record, bool, error)
	// AppendRejected stores a rejected attempt. Any number may exist per pair.
	AppendRejected(ctx context.Context, rec Record) error
	// Active returns the non-rejected record for the pair or ErrRecordNotFound.
	Active(ctx context.Context, userID, sessionTokenID string) (Record, error)
	// CheckOut moves present -> checked_out. An already checked_out record is
	// returned unchanged; anything else is ErrNotCheckedIn.
	CheckOut(ctx context.Context, userID, sessionTokenID string, at time.Time, distance float64) (Record, error)
	// List returns every record for a session, rejected ones included, oldest first.
	List(ctx context.Context, sessionTokenID string) ([]Record, error)
}

type pairKey struct{ user, token string }

// Memory is an in-process Store and AuditSink.
type Memory struct {
	mu      sync.Mutex
	records []Record
	active  map[pairKey]int
	audit   []Event
}

func NewMemory() *Memory {
	return &Memory{active: make(map[pairKey]int)}
}

func (m *Memory) Admit(_ context.Context, rec Record) (Record, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := pairKey{rec.UserID, rec.SessionTokenID}
	if i, ok := m.active[k]; ok {
		return m.records[i], false, nil
	}
	m.records = append(m.records, rec)
	m.active[k] = len(m.records) - 1
	return rec, true, nil
}

func (m *Memory) AppendRejected(_ context.Context, rec Record) error {
	m.mu.Lock()
	m.records = append(m.records, rec)
	m.mu.Unlock()
	return nil
}

func (m *Memory) Active(_ context.Context, userID, sessionTokenID string) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	i, ok := m.active[pairKey{userID, sessionTokenID}]
	if !ok {
		return Record{}, ErrRecordNotFound
	}
	return m.records[i], nil
}

func (m *Memory) CheckOut(_ context.Context, userID, sessionTokenID string, at time.Time, distance float64) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	i, ok := m.active[pairKey{userID, sessionTokenID}]
	if !ok {
		return Record{}, ErrNotCheckedIn
	}
	rec := m.records[i]
	switch rec.Status {
	case StatusCheckedOut:
		return rec, nil
	case StatusPresent:
	default:
		return Record{}, ErrNotCheckedIn
	}
	if err := rec.transition(StatusCheckedOut); err != nil {
		return Record{}, err
	}
	rec.CheckOutAt = &at
	rec.CheckOutDistanceMeters = &distance
	m.records[i] = rec
	return rec, nil
}

func (m *Memory) List(_ context.Context, sessionTokenID string) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Record
	for _, r := range m.records {
		if r.SessionTokenID == sessionTokenID {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CheckInAt.Before(out[j].CheckInAt) })
	return out, nil
}

// AppendAudit keeps the first copy of each event id.
func (m *Memory) AppendAudit(_ context.Context, evt Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.audit {
		if e.ID == evt.ID {
			return nil
		}
	}
	m.audit = append(m.audit, evt)
	return nil
}

// Audit returns a copy of the audit log.
func (m *Memory) Audit() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Event(nil), m.audit...)
}
