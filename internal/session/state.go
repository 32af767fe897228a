package session

import (
	"net/netip"
	"time"
)

// Phase is the controller's position in its state machine.
type Phase string

const (
	// PhaseIdle means no target is set and no pipeline exists.
	PhaseIdle Phase = "idle"

	// PhaseConnecting means a pipeline for the target is being built.
	PhaseConnecting Phase = "connecting"

	// PhaseActive means capture is running and at least one transport
	// client is connected to the target.
	PhaseActive Phase = "active"

	// PhaseFailed means a target is set but its pipeline could not be
	// started or was lost. No pipeline exists; a new Update is required.
	PhaseFailed Phase = "failed"
)

// Target identifies the receiver a session streams to.
type Target struct {
	DeviceID string         `json:"device_id,omitempty"`
	Name     string         `json:"name,omitempty"`
	Addr     netip.AddrPort `json:"addr"`
}

// State is a consistent snapshot of the session.
type State struct {
	Phase     Phase     `json:"phase"`
	Target    *Target   `json:"target,omitempty"`
	Volume    *int      `json:"volume,omitempty"`
	SessionID string    `json:"session_id,omitempty"`
	Since     time.Time `json:"since"`
	Clients   int       `json:"clients"`
	LastError string    `json:"last_error,omitempty"`
}

// Active reports whether a pipeline is live.
func (s State) Active() bool {
	return s.Phase == PhaseActive
}

// ActiveTarget returns the target only while a pipeline is live, so callers
// never advertise a connection that does not exist.
func (s State) ActiveTarget() *Target {
	if !s.Active() || s.Target == nil {
		return nil
	}
	t := *s.Target
	return &t
}

// Clone returns a deep copy.
func (s State) Clone() State {
	out := s
	if s.Target != nil {
		t := *s.Target
		out.Target = &t
	}
	if s.Volume != nil {
		v := *s.Volume
		out.Volume = &v
	}
	return out
}

// RelayStats summarises relay throughput over one reporting interval.
type RelayStats struct {
	SessionID  string
	Target     string
	Interval   time.Duration
	Bytes      int64
	Chunks     int64
	SendErrors int64
	Clients    int
}
