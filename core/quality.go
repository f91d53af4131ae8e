// core/quality.go
package core

import (
	"sync"
	"time"
)

// defaultAlpha is used when an estimator is configured with a smoothing
// factor outside (0, 1].
const defaultAlpha = 0.1

// QualitySnapshot is a point-in-time copy of the estimator's metrics.
// FER and QualityScore are derived; both stay within [0, 1].
type QualitySnapshot struct {
	SmoothedSNRdB     float64 `json:"SmoothedSNRdB"`
	SmoothedBER       float64 `json:"SmoothedBER"`
	FrameSuccessCount uint64  `json:"FrameSuccessCount"`
	FrameErrorCount   uint64  `json:"FrameErrorCount"`
	FER               float64 `json:"FER"`
	QualityScore      float64 `json:"QualityScore"`
}

// EstimatorConfig configures a quality estimator.
type EstimatorConfig struct {
	// Alpha is the EWMA smoothing factor in (0, 1]. Larger values
	// react faster; smaller values are more stable. Out-of-range
	// values fall back to a conservative default.
	Alpha float64

	// UpdatePeriod is an advisory cadence hint for whoever feeds the
	// estimator. The estimator itself is cadence-agnostic and applies
	// every update synchronously.
	UpdatePeriod time.Duration
}

// Estimator turns noisy instantaneous SNR/BER samples and frame
// outcomes into exponentially smoothed metrics and a bounded quality
// score. One instance typically covers a station's receive direction.
//
// All methods are safe for concurrent use; the estimator follows the
// same single-lock discipline as the rate controller.
type Estimator struct {
	mu sync.Mutex

	alpha        float64
	updatePeriod time.Duration

	smoothedSNRdB float64
	smoothedBER   float64
	frameSuccess  uint64
	frameErrors   uint64
}

// NewEstimator constructs an estimator with all metrics at zero.
func NewEstimator(cfg EstimatorConfig) *Estimator {
	alpha := cfg.Alpha
	if alpha <= 0 || alpha > 1 {
		alpha = defaultAlpha
	}
	return &Estimator{
		alpha:        alpha,
		updatePeriod: cfg.UpdatePeriod,
	}
}

// Alpha returns the effective smoothing factor.
func (e *Estimator) Alpha() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.alpha
}

// UpdatePeriod returns the advisory cadence hint from the config.
func (e *Estimator) UpdatePeriod() time.Duration {
	return e.updatePeriod
}

// UpdateSNR folds a raw SNR sample (dB) into the smoothed value.
// The previous value is seeded at zero, so the first update after
// construction or Reset yields exactly alpha*value.
func (e *Estimator) UpdateSNR(snrDB float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.smoothedSNRdB = e.alpha*snrDB + (1-e.alpha)*e.smoothedSNRdB
}

// UpdateBER folds a raw bit error rate sample into the smoothed value.
// Samples are clamped to [0, 1] before smoothing.
func (e *Estimator) UpdateBER(ber float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.smoothedBER = e.alpha*clamp01(ber) + (1-e.alpha)*e.smoothedBER
}

// RecordFrameSuccess counts one successfully decoded frame.
func (e *Estimator) RecordFrameSuccess() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.frameSuccess++
}

// RecordFrameError counts one failed frame decode.
func (e *Estimator) RecordFrameError() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.frameErrors++
}

// SNR returns the current smoothed SNR in dB.
func (e *Estimator) SNR() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.smoothedSNRdB
}

// BER returns the current smoothed bit error rate.
func (e *Estimator) BER() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.smoothedBER
}

// FER returns the frame error rate: errors / (successes + errors),
// defined as 0 when no frames have been recorded.
func (e *Estimator) FER() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ferLocked()
}

// QualityScore blends smoothed SNR, smoothed BER and FER into [0, 1].
// The score is monotone non-decreasing in SNR and monotone
// non-increasing in BER and FER, saturating at the bounds.
func (e *Estimator) QualityScore() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return qualityScore(e.smoothedSNRdB, e.smoothedBER, e.ferLocked())
}

// Snapshot copies all metrics at once so callers (feedback messages,
// logging) see a consistent view.
func (e *Estimator) Snapshot() QualitySnapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	fer := e.ferLocked()
	return QualitySnapshot{
		SmoothedSNRdB:     e.smoothedSNRdB,
		SmoothedBER:       e.smoothedBER,
		FrameSuccessCount: e.frameSuccess,
		FrameErrorCount:   e.frameErrors,
		FER:               fer,
		QualityScore:      qualityScore(e.smoothedSNRdB, e.smoothedBER, fer),
	}
}

// Reset zeroes every metric, returning the estimator to its
// freshly-constructed state.
func (e *Estimator) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.smoothedSNRdB = 0
	e.smoothedBER = 0
	e.frameSuccess = 0
	e.frameErrors = 0
}

// ferLocked computes the frame error rate. Caller must hold e.mu.
func (e *Estimator) ferLocked() float64 {
	total := e.frameSuccess + e.frameErrors
	if total == 0 {
		return 0
	}
	return float64(e.frameErrors) / float64(total)
}

// qualityScore weights SNR heaviest: a link above ~20 dB with clean
// frames scores near 1, a link below -10 dB scores near 0.
func qualityScore(snrDB, ber, fer float64) float64 {
	snrScore := clamp01((snrDB + 10.0) / 30.0)
	berScore := clamp01(1.0 - ber*1000.0)
	ferScore := clamp01(1.0 - fer*10.0)
	return 0.5*snrScore + 0.3*berScore + 0.2*ferScore
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
