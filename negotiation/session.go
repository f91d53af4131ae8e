// negotiation/session.go
package negotiation

import (
	"sync"
	"time"

	"github.com/signalsfoundry/adaptive-link/core"
)

// SessionState is the per-peer negotiation state machine position.
type SessionState int

const (
	StateIdle SessionState = iota
	StateProposed
	StateAwaitingAck
	StateConfirmed
	StateTimedOut
)

func (s SessionState) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateProposed:
		return "PROPOSED"
	case StateAwaitingAck:
		return "AWAITING_ACK"
	case StateConfirmed:
		return "CONFIRMED"
	case StateTimedOut:
		return "TIMED_OUT"
	default:
		return "UNKNOWN"
	}
}

// SessionStatus is a snapshot of one peer session for operators and
// tests. CONFIRMED and TIMED_OUT are transient (the session settles
// back to IDLE), so LastOutcome preserves how the most recent
// negotiation ended.
type SessionStatus struct {
	PeerID       string
	State        SessionState
	LastOutcome  SessionState
	ProposedMode core.ModulationMode
	Deadline     time.Time

	// PeerSNRdB/PeerBER/PeerQuality hold the most recent FEEDBACK
	// received from this peer; zero until any arrives.
	PeerSNRdB   float64
	PeerBER     float64
	PeerQuality float64
}

// session owns the state for one remote peer. Each session has its own
// lock, so stations negotiating with several peers never contend.
//
// Invariant: timer is non-nil only while state == StateAwaitingAck,
// and every transition out of that state stops it. A fire that loses
// the race is discarded by the proposal-ID check in the engine.
type session struct {
	mu sync.Mutex

	peerID       string
	state        SessionState
	lastOutcome  SessionState
	proposalID   string
	proposedMode core.ModulationMode
	deadline     time.Time
	timer        *time.Timer

	peerSNRdB   float64
	peerBER     float64
	peerQuality float64
}

func newSession(peerID string) *session {
	return &session{peerID: peerID, state: StateIdle}
}

// armDeadlineLocked schedules the negotiation timeout. Caller must
// hold s.mu and have just entered StateAwaitingAck.
func (s *session) armDeadlineLocked(d time.Duration, fire func()) {
	s.deadline = time.Now().Add(d)
	s.timer = time.AfterFunc(d, fire)
}

// disarmDeadlineLocked cancels any pending timeout. Caller must hold
// s.mu; called on every transition out of StateAwaitingAck.
func (s *session) disarmDeadlineLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.deadline = time.Time{}
}

// settleLocked records how the negotiation ended and returns the
// session to IDLE. Caller must hold s.mu.
func (s *session) settleLocked(outcome SessionState) {
	s.disarmDeadlineLocked()
	s.lastOutcome = outcome
	s.state = StateIdle
	s.proposalID = ""
}

func (s *session) status() SessionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SessionStatus{
		PeerID:       s.peerID,
		State:        s.state,
		LastOutcome:  s.lastOutcome,
		ProposedMode: s.proposedMode,
		Deadline:     s.deadline,
		PeerSNRdB:    s.peerSNRdB,
		PeerBER:      s.peerBER,
		PeerQuality:  s.peerQuality,
	}
}
