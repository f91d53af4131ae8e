package negotiation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/signalsfoundry/adaptive-link/core"
	"github.com/signalsfoundry/adaptive-link/internal/logging"
)

type countingMetrics struct {
	mu       sync.Mutex
	sent     int
	feedback int
	outcomes map[string]int
}

func (m *countingMetrics) ProposalSent() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent++
}

func (m *countingMetrics) ProposalOutcome(outcome string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.outcomes == nil {
		m.outcomes = make(map[string]int)
	}
	m.outcomes[outcome]++
}

func (m *countingMetrics) FeedbackSent() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.feedback++
}

func (m *countingMetrics) outcome(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.outcomes[name]
}

type logEntry struct {
	msg    string
	fields []logging.Field
}

// recordingLogger captures every log line together with the fields
// accumulated via With, so tests can assert on exchange annotations.
type recordingLogger struct {
	mu      *sync.Mutex
	entries *[]logEntry
	fields  []logging.Field
}

func newRecordingLogger() *recordingLogger {
	return &recordingLogger{mu: &sync.Mutex{}, entries: &[]logEntry{}}
}

func (r *recordingLogger) With(fields ...logging.Field) logging.Logger {
	child := &recordingLogger{mu: r.mu, entries: r.entries}
	child.fields = append(append([]logging.Field{}, r.fields...), fields...)
	return child
}

func (r *recordingLogger) record(msg string, fields []logging.Field) {
	r.mu.Lock()
	defer r.mu.Unlock()
	all := append(append([]logging.Field{}, r.fields...), fields...)
	*r.entries = append(*r.entries, logEntry{msg: msg, fields: all})
}

func (r *recordingLogger) Debug(_ context.Context, msg string, fields ...logging.Field) {
	r.record(msg, fields)
}
func (r *recordingLogger) Info(_ context.Context, msg string, fields ...logging.Field) {
	r.record(msg, fields)
}
func (r *recordingLogger) Warn(_ context.Context, msg string, fields ...logging.Field) {
	r.record(msg, fields)
}
func (r *recordingLogger) Error(_ context.Context, msg string, fields ...logging.Field) {
	r.record(msg, fields)
}

func (r *recordingLogger) find(msg string) (logEntry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range *r.entries {
		if e.msg == msg {
			return e, true
		}
	}
	return logEntry{}, false
}

func fieldValue(e logEntry, key string) (any, bool) {
	for _, f := range e.fields {
		if f.Key == key {
			return f.Value, true
		}
	}
	return nil, false
}

// failingTransport refuses every send.
type failingTransport struct{}

func (failingTransport) Send(context.Context, Message) error {
	return errors.New("radio unplugged")
}

// drain synchronously handles every message already queued on the
// inbox, so tests stay deterministic without consumer goroutines.
func drain(t *testing.T, e *Engine, inbox <-chan Message) {
	t.Helper()
	for {
		select {
		case msg := <-inbox:
			if err := e.HandleMessage(context.Background(), msg); err != nil {
				t.Fatalf("HandleMessage(%s): %v", msg.Type, err)
			}
		default:
			return
		}
	}
}

func newStationPair(t *testing.T, timeout time.Duration) (*Engine, *Engine, *core.Controller, *core.Controller, *PipeEndpoint, *PipeEndpoint) {
	t.Helper()
	endA, endB := Pipe()

	ctrlA := core.NewController(core.ControllerConfig{InitialMode: core.Mode2FSK})
	ctrlB := core.NewController(core.ControllerConfig{InitialMode: core.Mode2FSK})

	engA := NewEngine(Config{StationID: "alpha", Timeout: timeout}, endA, ctrlA, nil, nil)
	engB := NewEngine(Config{StationID: "bravo", Timeout: timeout}, endB, ctrlB, nil, nil)
	return engA, engB, ctrlA, ctrlB, endA, endB
}

func TestProposeAckConvergesBothStations(t *testing.T) {
	engA, engB, ctrlA, ctrlB, endA, endB := newStationPair(t, time.Second)
	ctx := context.Background()

	if err := engA.Propose(ctx, "bravo", core.ModeQPSK); err != nil {
		t.Fatalf("Propose: %v", err)
	}

	status, ok := engA.SessionStatus("bravo")
	if !ok || status.State != StateAwaitingAck {
		t.Fatalf("proposer state = %+v, want AWAITING_ACK", status)
	}

	drain(t, engB, endB.Inbox()) // PROPOSE -> apply + ACK
	drain(t, engA, endA.Inbox()) // ACK -> confirm + apply

	if got := ctrlA.ModulationMode(); got != core.ModeQPSK {
		t.Fatalf("proposer mode = %s, want QPSK", got)
	}
	if got := ctrlB.ModulationMode(); got != core.ModeQPSK {
		t.Fatalf("responder mode = %s, want QPSK", got)
	}

	status, _ = engA.SessionStatus("bravo")
	if status.State != StateIdle || status.LastOutcome != StateConfirmed {
		t.Fatalf("proposer session after ACK = %+v, want IDLE/CONFIRMED", status)
	}
}

func TestUnsupportedPeerProposalGetsNack(t *testing.T) {
	endA, endB := Pipe()
	ctrlA := core.NewController(core.ControllerConfig{InitialMode: core.Mode2FSK})
	ctrlB := core.NewController(core.ControllerConfig{InitialMode: core.Mode2FSK})

	engA := NewEngine(Config{StationID: "alpha", Timeout: time.Second}, endA, ctrlA, nil, nil)
	// Bravo only speaks tier-1 narrowband.
	engB := NewEngine(Config{
		StationID:      "bravo",
		Timeout:        time.Second,
		SupportedModes: []core.ModulationMode{core.Mode2FSK, core.ModeBPSK, core.Mode4FSK},
	}, endB, ctrlB, nil, nil)

	ctx := context.Background()
	if err := engA.Propose(ctx, "bravo", core.ModeQAM64); err != nil {
		t.Fatalf("Propose: %v", err)
	}

	drain(t, engB, endB.Inbox())
	drain(t, engA, endA.Inbox())

	if got := ctrlA.ModulationMode(); got != core.Mode2FSK {
		t.Fatalf("proposer changed mode to %s on NACK", got)
	}
	if got := ctrlB.ModulationMode(); got != core.Mode2FSK {
		t.Fatalf("responder changed mode to %s for an unsupported proposal", got)
	}

	status, _ := engA.SessionStatus("bravo")
	if status.State != StateIdle {
		t.Fatalf("proposer state after NACK = %s, want IDLE", status.State)
	}
}

func TestTierGatedProposalGetsNack(t *testing.T) {
	// Bravo nominally supports every mode but its controller has
	// tier-4 disabled, so the apply is rejected and a NACK goes back.
	engA, engB, ctrlA, ctrlB, endA, endB := newStationPair(t, time.Second)
	ctx := context.Background()

	// Alpha needs tier-4 locally to be allowed to propose it.
	ctrlA.SetTier4Enabled(true)

	if err := engA.Propose(ctx, "bravo", core.ModeSOQPSK1M); err != nil {
		t.Fatalf("Propose: %v", err)
	}
	drain(t, engB, endB.Inbox())
	drain(t, engA, endA.Inbox())

	if got := ctrlB.ModulationMode(); got != core.Mode2FSK {
		t.Fatalf("gated responder switched to %s", got)
	}
	if got := ctrlA.ModulationMode(); got != core.Mode2FSK {
		t.Fatalf("proposer switched to %s without an ACK", got)
	}
}

func TestProposalTimesOutAndReverts(t *testing.T) {
	metrics := &countingMetrics{}
	endA, _ := Pipe()
	ctrl := core.NewController(core.ControllerConfig{InitialMode: core.Mode2FSK})
	eng := NewEngine(Config{StationID: "alpha", Timeout: 20 * time.Millisecond}, endA, ctrl, nil, metrics)

	if err := eng.Propose(context.Background(), "bravo", core.ModeQPSK); err != nil {
		t.Fatalf("Propose: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for {
		status, _ := eng.SessionStatus("bravo")
		if status.State == StateIdle {
			if status.LastOutcome != StateTimedOut {
				t.Fatalf("timed-out session outcome = %s, want TIMED_OUT", status.LastOutcome)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("proposal never timed out; state = %s", status.State)
		}
		time.Sleep(time.Millisecond)
	}

	if got := ctrl.ModulationMode(); got != core.Mode2FSK {
		t.Fatalf("mode changed to %s on a silent peer", got)
	}
	if got := metrics.outcome(OutcomeTimeout); got != 1 {
		t.Fatalf("timeout outcomes = %d, want 1", got)
	}

	// The session is reusable after recovery.
	if err := eng.Propose(context.Background(), "bravo", core.ModeBPSK); err != nil {
		t.Fatalf("Propose after timeout: %v", err)
	}
}

func TestSendFailureAbortsWithoutModeChange(t *testing.T) {
	metrics := &countingMetrics{}
	ctrl := core.NewController(core.ControllerConfig{InitialMode: core.Mode4FSK})
	eng := NewEngine(Config{StationID: "alpha"}, failingTransport{}, ctrl, nil, metrics)

	err := eng.Propose(context.Background(), "bravo", core.ModeQPSK)
	if !errors.Is(err, ErrSendFailed) {
		t.Fatalf("Propose error = %v, want ErrSendFailed", err)
	}

	status, _ := eng.SessionStatus("bravo")
	if status.State != StateIdle {
		t.Fatalf("state after send failure = %s, want IDLE", status.State)
	}
	if got := ctrl.ModulationMode(); got != core.Mode4FSK {
		t.Fatalf("mode changed to %s on a failed send", got)
	}
	if got := metrics.outcome(OutcomeSendFailed); got != 1 {
		t.Fatalf("send_failed outcomes = %d, want 1", got)
	}
}

func TestSecondProposalWhileOutstandingIsBusy(t *testing.T) {
	engA, _, _, _, _, _ := newStationPair(t, time.Second)
	ctx := context.Background()

	if err := engA.Propose(ctx, "bravo", core.ModeQPSK); err != nil {
		t.Fatalf("first Propose: %v", err)
	}
	if err := engA.Propose(ctx, "bravo", core.Mode8PSK); !errors.Is(err, ErrSessionBusy) {
		t.Fatalf("second Propose error = %v, want ErrSessionBusy", err)
	}
}

func TestStaleAnswerIsDropped(t *testing.T) {
	engA, _, ctrlA, _, _, _ := newStationPair(t, time.Second)
	ctx := context.Background()

	if err := engA.Propose(ctx, "bravo", core.ModeQPSK); err != nil {
		t.Fatalf("Propose: %v", err)
	}

	mode := core.ModeQPSK
	stale := Message{
		Type:       MessageTypeAck,
		StationID:  "bravo",
		ProposalID: "not-the-current-proposal",
		Mode:       &mode,
	}
	if err := engA.HandleMessage(ctx, stale); err != nil {
		t.Fatalf("HandleMessage(stale ack): %v", err)
	}

	status, _ := engA.SessionStatus("bravo")
	if status.State != StateAwaitingAck {
		t.Fatalf("stale ACK moved session to %s", status.State)
	}
	if got := ctrlA.ModulationMode(); got == core.ModeQPSK {
		t.Fatalf("stale ACK applied the proposed mode")
	}
}

func TestFeedbackLeavesSessionStateAlone(t *testing.T) {
	metrics := &countingMetrics{}
	engA, engB, _, _, _, endB := newStationPair(t, time.Second)
	engA.metrics = metrics

	ctx := context.Background()
	if err := engA.SendQualityFeedback(ctx, "bravo", 12.5, 1e-4, 0.74); err != nil {
		t.Fatalf("SendQualityFeedback: %v", err)
	}
	drain(t, engB, endB.Inbox())

	status, ok := engB.SessionStatus("alpha")
	if !ok {
		t.Fatalf("no session recorded for feedback sender")
	}
	if status.State != StateIdle {
		t.Fatalf("feedback moved session to %s", status.State)
	}
	if status.PeerSNRdB != 12.5 || status.PeerBER != 1e-4 || status.PeerQuality != 0.74 {
		t.Fatalf("stored peer feedback = %+v", status)
	}
	if metrics.feedback != 1 {
		t.Fatalf("feedback metric = %d, want 1", metrics.feedback)
	}
}

func TestAbortCancelsOutstandingProposal(t *testing.T) {
	engA, _, _, _, _, _ := newStationPair(t, time.Minute)
	ctx := context.Background()

	if err := engA.Propose(ctx, "bravo", core.ModeQPSK); err != nil {
		t.Fatalf("Propose: %v", err)
	}
	engA.Abort("bravo")

	status, _ := engA.SessionStatus("bravo")
	if status.State != StateIdle {
		t.Fatalf("state after abort = %s, want IDLE", status.State)
	}
	if err := engA.Propose(ctx, "bravo", core.ModeBPSK); err != nil {
		t.Fatalf("Propose after abort: %v", err)
	}
}

func TestInvalidMessagesRejected(t *testing.T) {
	eng, _, _, _, _, _ := newStationPair(t, time.Second)
	ctx := context.Background()

	cases := []Message{
		{Type: "GARBAGE", StationID: "bravo"},
		{Type: MessageTypePropose, StationID: "bravo"}, // no mode
		{Type: MessageTypeFeedback},                    // no sender
	}
	for _, msg := range cases {
		if err := eng.HandleMessage(ctx, msg); !errors.Is(err, ErrBadMessage) {
			t.Fatalf("HandleMessage(%+v) = %v, want ErrBadMessage", msg, err)
		}
	}
}

func TestProposeRejectsUnsupportedMode(t *testing.T) {
	eng := NewEngine(Config{
		StationID:      "alpha",
		SupportedModes: []core.ModulationMode{core.Mode2FSK},
	}, failingTransport{}, nil, nil, nil)

	err := eng.Propose(context.Background(), "bravo", core.ModeQAM64)
	if !errors.Is(err, ErrModeUnsupported) {
		t.Fatalf("Propose error = %v, want ErrModeUnsupported", err)
	}
}

func TestAckWithoutModeStillConfirms(t *testing.T) {
	engA, _, ctrlA, _, _, _ := newStationPair(t, time.Second)
	ctx := context.Background()

	if err := engA.Propose(ctx, "bravo", core.ModeQPSK); err != nil {
		t.Fatalf("Propose: %v", err)
	}

	s := engA.session("bravo")
	s.mu.Lock()
	proposalID := s.proposalID
	s.mu.Unlock()

	// Correlation is by proposal ID; the mode field is optional echo.
	ack := Message{Type: MessageTypeAck, StationID: "bravo", ProposalID: proposalID}
	if err := engA.HandleMessage(ctx, ack); err != nil {
		t.Fatalf("HandleMessage(mode-less ack): %v", err)
	}

	if got := ctrlA.ModulationMode(); got != core.ModeQPSK {
		t.Fatalf("mode after mode-less ACK = %s, want QPSK", got)
	}
	status, _ := engA.SessionStatus("bravo")
	if status.State != StateIdle || status.LastOutcome != StateConfirmed {
		t.Fatalf("session after mode-less ACK = %+v, want IDLE/CONFIRMED", status)
	}
}

func TestInboundExchangesLogCorrelationID(t *testing.T) {
	rec := newRecordingLogger()
	endA, _ := Pipe()
	ctrl := core.NewController(core.ControllerConfig{InitialMode: core.Mode2FSK})
	eng := NewEngine(Config{StationID: "alpha"}, endA, ctrl, rec, nil)

	feedback := Message{Type: MessageTypeFeedback, StationID: "bravo", PeerID: "alpha", SNRdB: 9.5}
	if err := eng.HandleMessage(context.Background(), feedback); err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}

	entry, ok := rec.find("peer quality feedback")
	if !ok {
		t.Fatalf("feedback handling produced no log entry")
	}
	id, ok := fieldValue(entry, "correlation_id")
	if !ok || id == "" {
		t.Fatalf("feedback log entry missing correlation_id: %+v", entry.fields)
	}

	// A correlation ID already on the inbound context is kept, not
	// replaced.
	ctx, want := logging.EnsureCorrelationID(context.Background())
	mode := core.Mode4FSK
	propose := Message{Type: MessageTypePropose, StationID: "bravo", PeerID: "alpha", ProposalID: "p-1", Mode: &mode}
	if err := eng.HandleMessage(ctx, propose); err != nil {
		t.Fatalf("HandleMessage(propose): %v", err)
	}

	entry, ok = rec.find("peer proposal answered")
	if !ok {
		t.Fatalf("proposal handling produced no log entry")
	}
	if got, _ := fieldValue(entry, "correlation_id"); got != want {
		t.Fatalf("correlation_id = %v, want %v from inbound context", got, want)
	}
}

func TestAutoNegotiationProposesLocalChangesOnly(t *testing.T) {
	engA, engB, ctrlA, ctrlB, endA, endB := newStationPair(t, time.Second)
	engA.SetAutoNegotiation(true, "bravo")

	// An operator change on alpha triggers a proposal to bravo.
	if err := ctrlA.SetModulationMode(core.Mode8FSK); err != nil {
		t.Fatalf("SetModulationMode: %v", err)
	}

	drain(t, engB, endB.Inbox())
	drain(t, engA, endA.Inbox())

	if got := ctrlB.ModulationMode(); got != core.Mode8FSK {
		t.Fatalf("peer mode = %s, want 8FSK via auto-negotiation", got)
	}

	// Applying the confirmed mode must not re-propose it: both
	// inboxes stay empty after the exchange settles.
	select {
	case msg := <-endA.Inbox():
		t.Fatalf("unexpected follow-up message on proposer inbox: %+v", msg)
	case msg := <-endB.Inbox():
		t.Fatalf("unexpected follow-up message on responder inbox: %+v", msg)
	case <-time.After(50 * time.Millisecond):
	}

	status, _ := engA.SessionStatus("bravo")
	if status.State != StateIdle || status.LastOutcome != StateConfirmed {
		t.Fatalf("session after auto-negotiation = %+v, want IDLE/CONFIRMED", status)
	}
}
