// Package store owns the authoritative in-memory session map. All
// mutations go through Store methods; records are replaced wholesale
// so snapshot consumers can rely on reference equality per session.
package store

import "time"

// Status is the raw session status as reported upstream.
type Status string

// Raw statuses.
const (
	StatusIdle     Status = "idle"
	StatusRunning  Status = "running"
	StatusPending  Status = "pending"
	StatusBusy     Status = "busy"
	StatusShutdown Status = "shutdown"
	StatusUnknown  Status = "unknown"
)

// Active reports whether the status counts as actively working.
func (s Status) Active() bool {
	return s == StatusBusy || s == StatusRunning || s == StatusPending
}

// ParseStatus maps a wire status string to a Status, defaulting to
// unknown.
func ParseStatus(raw string) Status {
	switch Status(raw) {
	case StatusIdle, StatusRunning, StatusPending, StatusBusy, StatusShutdown:
		return Status(raw)
	default:
		return StatusUnknown
	}
}

// Effective is the derived status presenters see.
type Effective string

// Effective statuses.
const (
	EffectiveIdle  Effective = "idle"
	EffectiveBusy  Effective = "busy"
	EffectiveStale Effective = "stale"
)

// effectiveOf derives busy/idle from a raw status. Staleness needs the
// owning server's heartbeat and is layered on at snapshot time.
func effectiveOf(s Status) Effective {
	if s.Active() {
		return EffectiveBusy
	}
	return EffectiveIdle
}

// Permission is a pending tool-use approval request.
type Permission struct {
	ID        string
	SessionID string
	Tool      string
	Args      map[string]any
	Message   string
}

// Session is one tracked session. Records are immutable once stored;
// mutators clone, modify and swap.
type Session struct {
	ID        string
	ServerURL string // owning server, normalized
	ParentID  string
	Title     string
	RawStatus Status
	Directory string

	// BusySince is set exactly when the session transitions into an
	// active raw status and cleared on transition out.
	BusySince time.Time

	Cost        float64
	TokensIn    int64
	TokensOut   int64
	TokensTotal int64
	Model       string

	Pending *Permission

	CreatedAt      time.Time
	UpdatedAt      time.Time
	DiscoveredAt   time.Time
	StatsUpdatedAt time.Time
}

func (s *Session) clone() *Session {
	c := *s
	return &c
}

// TransitionKind distinguishes status transitions from permission
// requests on the transition stream.
type TransitionKind int

// Transition kinds.
const (
	KindStatus TransitionKind = iota
	KindPermission
)

// Transition is the ephemeral record of an effective-status change (or
// a newly requested permission) used to drive notifications.
type Transition struct {
	Kind        TransitionKind
	SessionID   string
	Old         Effective
	New         Effective
	Timestamp   time.Time
	TitleHint   string
	ServerLabel string
	Permission  *Permission // set when Kind == KindPermission
}
