// negotiation/engine.go
package negotiation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/signalsfoundry/adaptive-link/core"
	"github.com/signalsfoundry/adaptive-link/internal/logging"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/signalsfoundry/adaptive-link/negotiation"

// defaultTimeout bounds how long a proposal may remain unanswered.
const defaultTimeout = 5 * time.Second

var (
	// ErrBadMessage marks structurally invalid control messages.
	ErrBadMessage = errors.New("invalid negotiation message")
	// ErrSendFailed marks a control-channel send failure. The
	// in-flight proposal is aborted; callers may retry.
	ErrSendFailed = errors.New("control channel send failed")
	// ErrSessionBusy is returned when a proposal is initiated while
	// another one is still outstanding for the same peer.
	ErrSessionBusy = errors.New("negotiation already in progress")
	// ErrModeUnsupported is returned when a proposal names a mode
	// this station does not support.
	ErrModeUnsupported = errors.New("mode not in supported set")
)

// Outcome labels for SessionMetrics.ProposalOutcome.
const (
	OutcomeConfirmed  = "confirmed"
	OutcomeRejected   = "rejected"
	OutcomeTimeout    = "timeout"
	OutcomeAborted    = "aborted"
	OutcomeSendFailed = "send_failed"
)

// SessionMetrics receives negotiation events. The observability
// collector satisfies this so the engine never depends on a metrics
// library directly.
type SessionMetrics interface {
	ProposalSent()
	ProposalOutcome(outcome string)
	FeedbackSent()
}

type noopMetrics struct{}

func (noopMetrics) ProposalSent()          {}
func (noopMetrics) ProposalOutcome(string) {}
func (noopMetrics) FeedbackSent()          {}

// Config configures a negotiation engine.
type Config struct {
	// StationID identifies this station on the control channel.
	StationID string

	// SupportedModes is the set this station will accept from peers
	// and allow itself to propose. Empty means every catalog mode.
	SupportedModes []core.ModulationMode

	// Timeout bounds how long a proposal waits for ACK/NACK before
	// the session reverts. Zero or negative uses the default.
	Timeout time.Duration
}

// Engine coordinates mode changes with remote peers: it proposes local
// changes, answers peer proposals, exchanges quality feedback, and
// recovers from silence via a per-session deadline.
//
// Sessions are independent per peer, each behind its own lock, so
// concurrent negotiations never contend. The engine mutates the rate
// controller exclusively through its public interface.
type Engine struct {
	stationID string
	supported map[core.ModulationMode]bool
	timeout   time.Duration

	transport  Transport
	controller *core.Controller
	log        logging.Logger
	metrics    SessionMetrics
	tracer     trace.Tracer

	mu       sync.Mutex
	sessions map[string]*session

	autoEnabled bool
	autoPeer    string
	autoWired   bool

	// applying counts engine-initiated controller mutations so the
	// auto-negotiation listener can tell them apart from local
	// operator or adaptation changes (and not re-propose them).
	applying atomic.Int32
}

// NewEngine constructs an engine bound to a transport and the local
// rate controller.
func NewEngine(cfg Config, transport Transport, controller *core.Controller, log logging.Logger, metrics SessionMetrics) *Engine {
	if log == nil {
		log = logging.Noop()
	}
	if metrics == nil {
		metrics = noopMetrics{}
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	supported := make(map[core.ModulationMode]bool)
	if len(cfg.SupportedModes) == 0 {
		for _, m := range core.AllModes() {
			supported[m] = true
		}
	} else {
		for _, m := range cfg.SupportedModes {
			if m.IsValid() {
				supported[m] = true
			}
		}
	}

	return &Engine{
		stationID:  cfg.StationID,
		supported:  supported,
		timeout:    timeout,
		transport:  transport,
		controller: controller,
		log:        log.With(logging.String("station_id", cfg.StationID)),
		metrics:    metrics,
		tracer:     otel.Tracer(tracerName),
		sessions:   make(map[string]*session),
	}
}

// Timeout returns the effective negotiation deadline duration.
func (e *Engine) Timeout() time.Duration { return e.timeout }

// Supports reports whether this station accepts the given mode.
func (e *Engine) Supports(mode core.ModulationMode) bool {
	return e.supported[mode]
}

// Propose initiates a mode negotiation with the peer. On a successful
// send the session sits in AWAITING_ACK until the peer answers or the
// deadline elapses; a send failure aborts straight back to IDLE with
// no local mode change.
func (e *Engine) Propose(ctx context.Context, peerID string, mode core.ModulationMode) error {
	ctx, span := e.tracer.Start(ctx, "negotiation/propose", trace.WithAttributes(
		attribute.String("peer_id", peerID),
		attribute.String("mode", mode.String()),
	))
	defer span.End()

	if !mode.IsValid() || !e.supported[mode] {
		err := fmt.Errorf("%w: %s", ErrModeUnsupported, mode)
		span.RecordError(err)
		return err
	}

	s := e.session(peerID)
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateIdle {
		err := fmt.Errorf("%w: peer %s is %s", ErrSessionBusy, peerID, s.state)
		span.RecordError(err)
		return err
	}

	proposalID := uuid.NewString()
	s.state = StateProposed
	s.proposalID = proposalID
	s.proposedMode = mode

	msg := Message{
		Type:       MessageTypePropose,
		StationID:  e.stationID,
		PeerID:     peerID,
		ProposalID: proposalID,
		Mode:       modeRef(mode),
	}
	if err := e.transport.Send(ctx, msg); err != nil {
		// TransportFailure: recoverable, revert without mode change.
		s.settleLocked(StateIdle)
		e.metrics.ProposalOutcome(OutcomeSendFailed)
		e.log.Warn(ctx, "proposal send failed",
			logging.String("peer_id", peerID),
			logging.String("mode", mode.String()),
			logging.String("error", err.Error()),
		)
		wrapped := fmt.Errorf("%w: %v", ErrSendFailed, err)
		span.RecordError(wrapped)
		return wrapped
	}

	s.state = StateAwaitingAck
	s.armDeadlineLocked(e.timeout, func() { e.onDeadline(peerID, proposalID) })
	e.metrics.ProposalSent()
	e.log.Info(ctx, "proposal sent",
		logging.String("peer_id", peerID),
		logging.String("mode", mode.String()),
		logging.String("proposal_id", proposalID),
	)
	return nil
}

// HandleMessage feeds one inbound control message into the engine.
// Invalid messages are rejected; stale ACK/NACKs (wrong proposal ID or
// no outstanding proposal) are logged and dropped. Each exchange gets
// a correlation ID so its log lines can be tied together.
func (e *Engine) HandleMessage(ctx context.Context, msg Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}

	ctx, log := logging.WithCorrelatedLogger(ctx, e.log)
	ctx = logging.ContextWithLogger(ctx, log)

	ctx, span := e.tracer.Start(ctx, "negotiation/handle", trace.WithAttributes(
		attribute.String("type", string(msg.Type)),
		attribute.String("peer_id", msg.StationID),
	))
	defer span.End()

	switch msg.Type {
	case MessageTypePropose:
		return e.handlePropose(ctx, msg)
	case MessageTypeAck:
		e.handleAnswer(ctx, msg, true)
	case MessageTypeNack:
		e.handleAnswer(ctx, msg, false)
	case MessageTypeFeedback:
		e.handleFeedback(ctx, msg)
	}
	return nil
}

// handlePropose answers a peer-initiated proposal: accept (apply the
// mode locally, then ACK) when the mode is supported and the local
// controller admits it; NACK otherwise. Session state stays IDLE.
func (e *Engine) handlePropose(ctx context.Context, msg Message) error {
	log := e.logger(ctx)
	peerID := msg.StationID
	mode := *msg.Mode

	s := e.session(peerID)
	s.mu.Lock()
	busy := s.state != StateIdle
	s.mu.Unlock()

	accept := !busy && e.supported[mode]
	if accept {
		if err := e.applyMode(mode); err != nil {
			// Tier gating can still reject a mode we nominally
			// support; answer NACK rather than fail the peer.
			log.Warn(ctx, "peer proposal rejected by controller",
				logging.String("peer_id", peerID),
				logging.String("mode", mode.String()),
				logging.String("error", err.Error()),
			)
			accept = false
		}
	}

	answer := Message{
		Type:       MessageTypeNack,
		StationID:  e.stationID,
		PeerID:     peerID,
		ProposalID: msg.ProposalID,
		Mode:       modeRef(mode),
	}
	if accept {
		answer.Type = MessageTypeAck
	}
	if err := e.transport.Send(ctx, answer); err != nil {
		return fmt.Errorf("%w: %v", ErrSendFailed, err)
	}

	log.Info(ctx, "peer proposal answered",
		logging.String("peer_id", peerID),
		logging.String("mode", mode.String()),
		logging.String("answer", string(answer.Type)),
	)
	return nil
}

// handleAnswer resolves the outstanding proposal on ACK/NACK. An ACK
// confirms and applies the proposed mode; a NACK reverts with no local
// change. Both cancel the deadline and settle the session to IDLE.
func (e *Engine) handleAnswer(ctx context.Context, msg Message, accepted bool) {
	log := e.logger(ctx)
	s := e.session(msg.StationID)

	s.mu.Lock()
	if s.state != StateAwaitingAck || msg.ProposalID != s.proposalID {
		s.mu.Unlock()
		log.Debug(ctx, "stale negotiation answer dropped",
			logging.String("peer_id", msg.StationID),
			logging.String("proposal_id", msg.ProposalID),
		)
		return
	}

	mode := s.proposedMode
	if accepted {
		s.settleLocked(StateConfirmed)
	} else {
		s.settleLocked(StateTimedOut)
	}
	s.mu.Unlock()

	if !accepted {
		e.metrics.ProposalOutcome(OutcomeRejected)
		log.Info(ctx, "proposal rejected by peer",
			logging.String("peer_id", msg.StationID),
			logging.String("mode", mode.String()),
		)
		return
	}

	if err := e.applyMode(mode); err != nil {
		// Should not happen for modes we proposed ourselves; stay at
		// the last known-good mode.
		log.Error(ctx, "confirmed mode rejected locally",
			logging.String("mode", mode.String()),
			logging.String("error", err.Error()),
		)
	}
	e.metrics.ProposalOutcome(OutcomeConfirmed)
	log.Info(ctx, "proposal confirmed",
		logging.String("peer_id", msg.StationID),
		logging.String("mode", mode.String()),
	)
}

// handleFeedback retains the peer's latest quality report. Feedback
// never touches negotiation state.
func (e *Engine) handleFeedback(ctx context.Context, msg Message) {
	s := e.session(msg.StationID)
	s.mu.Lock()
	s.peerSNRdB = msg.SNRdB
	s.peerBER = msg.BER
	s.peerQuality = msg.QualityScore
	s.mu.Unlock()

	e.logger(ctx).Debug(ctx, "peer quality feedback",
		logging.String("peer_id", msg.StationID),
		logging.Any("snr_db", msg.SNRdB),
		logging.Any("ber", msg.BER),
		logging.Any("quality", msg.QualityScore),
	)
}

// SendQualityFeedback emits a one-way telemetry message to the peer.
// It has no effect on session state and is never acknowledged.
func (e *Engine) SendQualityFeedback(ctx context.Context, peerID string, snrDB, ber, quality float64) error {
	msg := Message{
		Type:         MessageTypeFeedback,
		StationID:    e.stationID,
		PeerID:       peerID,
		SNRdB:        snrDB,
		BER:          ber,
		QualityScore: quality,
	}
	if err := e.transport.Send(ctx, msg); err != nil {
		return fmt.Errorf("%w: %v", ErrSendFailed, err)
	}
	e.metrics.FeedbackSent()
	return nil
}

// SetAutoNegotiation subscribes the engine to the controller's
// mode-change events: while enabled, every committed local change
// (adaptation or operator) triggers a proposal to peerID. Changes the
// engine itself applies from confirmed or accepted negotiations are
// not re-proposed.
func (e *Engine) SetAutoNegotiation(enabled bool, peerID string) {
	e.mu.Lock()
	e.autoEnabled = enabled
	e.autoPeer = peerID
	wire := enabled && !e.autoWired && e.controller != nil
	if wire {
		e.autoWired = true
	}
	e.mu.Unlock()

	if wire {
		e.controller.OnModeChange(func(change core.ModeChange) {
			e.autoPropose(change)
		})
	}
}

// Abort cancels an in-flight proposal for the peer, reverting the
// session to IDLE with no mode change.
func (e *Engine) Abort(peerID string) {
	s := e.session(peerID)
	s.mu.Lock()
	active := s.state == StateProposed || s.state == StateAwaitingAck
	if active {
		s.settleLocked(StateTimedOut)
	}
	s.mu.Unlock()

	if active {
		e.metrics.ProposalOutcome(OutcomeAborted)
	}
}

// SessionStatus returns a snapshot for the peer; ok is false when no
// interaction with that peer has happened yet.
func (e *Engine) SessionStatus(peerID string) (SessionStatus, bool) {
	e.mu.Lock()
	s, ok := e.sessions[peerID]
	e.mu.Unlock()
	if !ok {
		return SessionStatus{}, false
	}
	return s.status(), true
}

// Consume drains inbound messages from a transport's receive channel
// until the context ends or the channel closes. Handling errors are
// logged, never fatal.
func (e *Engine) Consume(ctx context.Context, in <-chan Message) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-in:
			if !ok {
				return nil
			}
			if err := e.HandleMessage(ctx, msg); err != nil {
				e.log.Warn(ctx, "control message rejected",
					logging.String("type", string(msg.Type)),
					logging.String("error", err.Error()),
				)
			}
		}
	}
}

// onDeadline fires when a proposal's deadline elapses. The proposal-ID
// check discards fires that lost the race against an ACK/NACK.
func (e *Engine) onDeadline(peerID, proposalID string) {
	s := e.session(peerID)

	s.mu.Lock()
	if s.state != StateAwaitingAck || s.proposalID != proposalID {
		s.mu.Unlock()
		return
	}
	mode := s.proposedMode
	s.settleLocked(StateTimedOut)
	s.mu.Unlock()

	e.metrics.ProposalOutcome(OutcomeTimeout)
	e.log.Warn(context.Background(), "negotiation timed out",
		logging.String("peer_id", peerID),
		logging.String("mode", mode.String()),
		logging.String("proposal_id", proposalID),
	)
}

// applyMode commits a negotiated mode through the controller's public
// interface, flagging the mutation so autoPropose ignores it.
func (e *Engine) applyMode(mode core.ModulationMode) error {
	if e.controller == nil {
		return nil
	}
	e.applying.Add(1)
	defer e.applying.Add(-1)
	return e.controller.SetModulationMode(mode)
}

// autoPropose reacts to committed local mode changes when
// auto-negotiation is on.
func (e *Engine) autoPropose(change core.ModeChange) {
	if e.applying.Load() > 0 {
		return
	}

	e.mu.Lock()
	enabled, peerID := e.autoEnabled, e.autoPeer
	e.mu.Unlock()
	if !enabled || peerID == "" {
		return
	}

	ctx := context.Background()
	if err := e.Propose(ctx, peerID, change.To); err != nil {
		e.log.Warn(ctx, "auto-negotiation proposal failed",
			logging.String("peer_id", peerID),
			logging.String("mode", change.To.String()),
			logging.String("error", err.Error()),
		)
	}
}

// logger returns the exchange-scoped logger stashed on the context by
// HandleMessage, falling back to the engine's own.
func (e *Engine) logger(ctx context.Context) logging.Logger {
	if l := logging.LoggerFromContext(ctx); l != nil {
		return l
	}
	return e.log
}

// session returns (creating on first use) the session for a peer.
func (e *Engine) session(peerID string) *session {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.sessions[peerID]
	if !ok {
		s = newSession(peerID)
		e.sessions[peerID] = s
	}
	return s
}
