// telemetry/pump.go
package telemetry

import (
	"context"
	"fmt"
	"time"

	"github.com/signalsfoundry/adaptive-link/core"
	"github.com/signalsfoundry/adaptive-link/internal/logging"
)

// Reading is one raw telemetry sample from the framing/demod layer.
type Reading struct {
	SNRdB float64
	BER   float64

	// HasFrame marks that a frame decode completed this interval;
	// FrameOK is its outcome and is meaningless when HasFrame is
	// false.
	HasFrame bool
	FrameOK  bool
}

// Source produces telemetry readings at the pump's cadence. Read may
// block until a sample is available or ctx ends.
type Source interface {
	Read(ctx context.Context) (Reading, error)
}

// Feedbacker is the slice of the negotiation engine the pump needs to
// relay quality reports to the peer.
type Feedbacker interface {
	SendQualityFeedback(ctx context.Context, peerID string, snrDB, ber, quality float64) error
}

// QualityRecorder receives the smoothed metrics after every applied
// update; the observability collector satisfies it to keep gauges
// current.
type QualityRecorder interface {
	ObserveLink(snapshot core.QualitySnapshot, mode core.ModulationMode, dataRateBps int)
}

// PumpConfig configures the periodic telemetry pump.
type PumpConfig struct {
	// Interval is the update cadence; zero or negative defaults to
	// one second, the usual frame-report rate.
	Interval time.Duration

	// FeedbackEvery sends a quality feedback message to PeerID every
	// N applied updates; 0 disables feedback.
	FeedbackEvery int
	PeerID        string
}

// Pump is the explicit periodic caller that drives the quality
// estimator and rate controller from raw telemetry. Updates are
// suppressed while the transmit gate reports the station keyed:
// the estimator reflects receive-path quality only.
type Pump struct {
	interval      time.Duration
	feedbackEvery int
	peerID        string

	source     Source
	gate       TransmitGate
	estimator  *core.Estimator
	controller *core.Controller
	feedback   Feedbacker
	recorder   QualityRecorder
	log        logging.Logger
}

// NewPump wires a pump. gate, feedback and recorder may be nil
// (always-receiving, no feedback, no gauges).
func NewPump(cfg PumpConfig, source Source, gate TransmitGate, estimator *core.Estimator, controller *core.Controller, feedback Feedbacker, recorder QualityRecorder, log logging.Logger) (*Pump, error) {
	if source == nil {
		return nil, fmt.Errorf("telemetry: nil source")
	}
	if estimator == nil || controller == nil {
		return nil, fmt.Errorf("telemetry: estimator and controller are required")
	}
	if log == nil {
		log = logging.Noop()
	}
	if gate == nil {
		gate = AlwaysReceiving{}
	}

	interval := cfg.Interval
	if interval <= 0 {
		interval = time.Second
	}

	return &Pump{
		interval:      interval,
		feedbackEvery: cfg.FeedbackEvery,
		peerID:        cfg.PeerID,
		source:        source,
		gate:          gate,
		estimator:     estimator,
		controller:    controller,
		feedback:      feedback,
		recorder:      recorder,
		log:           log,
	}, nil
}

// Run loops until ctx ends, applying one reading per interval.
func (p *Pump) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	applied := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		if p.gate.Transmitting() {
			// Half-duplex: receive metrics are stale while keyed.
			continue
		}

		reading, err := p.source.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			p.log.Warn(ctx, "telemetry read failed",
				logging.String("error", err.Error()),
			)
			continue
		}

		p.Apply(ctx, reading)
		applied++

		if p.feedback != nil && p.feedbackEvery > 0 && applied%p.feedbackEvery == 0 {
			snap := p.estimator.Snapshot()
			if err := p.feedback.SendQualityFeedback(ctx, p.peerID, snap.SmoothedSNRdB, snap.SmoothedBER, snap.QualityScore); err != nil {
				p.log.Warn(ctx, "quality feedback send failed",
					logging.String("peer_id", p.peerID),
					logging.String("error", err.Error()),
				)
			}
		}
	}
}

// Apply folds one reading into the estimator and lets the controller
// act on the smoothed metrics. Exposed separately so callers with
// their own scheduling (or tests) can drive updates directly.
func (p *Pump) Apply(ctx context.Context, reading Reading) {
	p.estimator.UpdateSNR(reading.SNRdB)
	p.estimator.UpdateBER(reading.BER)
	if reading.HasFrame {
		if reading.FrameOK {
			p.estimator.RecordFrameSuccess()
		} else {
			p.estimator.RecordFrameError()
		}
	}

	snap := p.estimator.Snapshot()
	p.controller.UpdateQuality(snap.SmoothedSNRdB, snap.SmoothedBER, snap.QualityScore)

	if p.recorder != nil {
		mode := p.controller.ModulationMode()
		p.recorder.ObserveLink(snap, mode, mode.DataRateBps())
	}
}
