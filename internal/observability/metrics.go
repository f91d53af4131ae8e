package observability

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/signalsfoundry/adaptive-link/core"
)

// LinkCollector bundles Prometheus metrics for one station's adaptive
// link: mode switching, negotiation outcomes, and the smoothed link
// quality gauges. It satisfies the small recorder interfaces declared
// by the negotiation and telemetry packages so those never depend on
// a metrics library.
type LinkCollector struct {
	gatherer prometheus.Gatherer

	ModeSwitches         *prometheus.CounterVec
	ProposalsSent        prometheus.Counter
	NegotiationOutcomes  *prometheus.CounterVec
	FeedbackMessagesSent prometheus.Counter

	SNRdB        prometheus.Gauge
	BER          prometheus.Gauge
	QualityScore prometheus.Gauge
	DataRateBps  prometheus.Gauge
}

// NewLinkCollector registers the link metrics against the provided
// registerer, defaulting to the global Prometheus registry when nil.
// Re-registration of identical collectors is tolerated so tests and
// restarting components can share a registry.
func NewLinkCollector(reg prometheus.Registerer) (*LinkCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	switches := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "link_mode_switches_total",
		Help: "Committed modulation mode transitions, labeled by reason.",
	}, []string{"reason"})
	switches, err := registerCounterVec(reg, switches, "link_mode_switches_total")
	if err != nil {
		return nil, err
	}

	outcomes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "link_negotiation_outcomes_total",
		Help: "Resolved mode negotiations, labeled by outcome.",
	}, []string{"outcome"})
	outcomes, err = registerCounterVec(reg, outcomes, "link_negotiation_outcomes_total")
	if err != nil {
		return nil, err
	}

	proposals, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "link_negotiation_proposals_total",
		Help: "Mode proposals sent to the peer.",
	}), "link_negotiation_proposals_total")
	if err != nil {
		return nil, err
	}
	feedback, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "link_quality_feedback_sent_total",
		Help: "One-way quality feedback messages sent to the peer.",
	}), "link_quality_feedback_sent_total")
	if err != nil {
		return nil, err
	}

	snr, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "link_smoothed_snr_db",
		Help: "Exponentially smoothed receive SNR in dB.",
	}), "link_smoothed_snr_db")
	if err != nil {
		return nil, err
	}
	ber, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "link_smoothed_ber",
		Help: "Exponentially smoothed bit error rate.",
	}), "link_smoothed_ber")
	if err != nil {
		return nil, err
	}
	quality, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "link_quality_score",
		Help: "Bounded link quality score in [0,1].",
	}), "link_quality_score")
	if err != nil {
		return nil, err
	}
	rate, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "link_data_rate_bps",
		Help: "Nominal data rate of the current modulation mode.",
	}), "link_data_rate_bps")
	if err != nil {
		return nil, err
	}

	return &LinkCollector{
		gatherer:             gatherer,
		ModeSwitches:         switches,
		ProposalsSent:        proposals,
		NegotiationOutcomes:  outcomes,
		FeedbackMessagesSent: feedback,
		SNRdB:                snr,
		BER:                  ber,
		QualityScore:         quality,
		DataRateBps:          rate,
	}, nil
}

// ObserveModeChange is wired as a rate controller OnModeChange
// listener; it counts the transition and keeps the rate gauge current.
func (c *LinkCollector) ObserveModeChange(change core.ModeChange) {
	if c == nil {
		return
	}
	if c.ModeSwitches != nil {
		c.ModeSwitches.WithLabelValues(string(change.Reason)).Inc()
	}
	if c.DataRateBps != nil {
		c.DataRateBps.Set(float64(change.To.DataRateBps()))
	}
}

// ObserveLink satisfies telemetry.QualityRecorder.
func (c *LinkCollector) ObserveLink(snapshot core.QualitySnapshot, mode core.ModulationMode, dataRateBps int) {
	if c == nil {
		return
	}
	if c.SNRdB != nil {
		c.SNRdB.Set(snapshot.SmoothedSNRdB)
	}
	if c.BER != nil {
		c.BER.Set(snapshot.SmoothedBER)
	}
	if c.QualityScore != nil {
		c.QualityScore.Set(snapshot.QualityScore)
	}
	if c.DataRateBps != nil {
		c.DataRateBps.Set(float64(dataRateBps))
	}
}

// ProposalSent satisfies negotiation.SessionMetrics.
func (c *LinkCollector) ProposalSent() {
	if c == nil || c.ProposalsSent == nil {
		return
	}
	c.ProposalsSent.Inc()
}

// ProposalOutcome satisfies negotiation.SessionMetrics.
func (c *LinkCollector) ProposalOutcome(outcome string) {
	if c == nil || c.NegotiationOutcomes == nil {
		return
	}
	c.NegotiationOutcomes.WithLabelValues(outcome).Inc()
}

// FeedbackSent satisfies negotiation.SessionMetrics.
func (c *LinkCollector) FeedbackSent() {
	if c == nil || c.FeedbackMessagesSent == nil {
		return
	}
	c.FeedbackMessagesSent.Inc()
}

// Handler exposes a ready-to-use /metrics handler.
func (c *LinkCollector) Handler() http.Handler {
	gatherer := c.gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec, name string) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerCounter(reg prometheus.Registerer, counter prometheus.Counter, name string) (prometheus.Counter, error) {
	if err := reg.Register(counter); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Counter); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return counter, nil
}

func registerGauge(reg prometheus.Registerer, gauge prometheus.Gauge, name string) (prometheus.Gauge, error) {
	if err := reg.Register(gauge); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Gauge); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return gauge, nil
}
