// telemetry/simsource.go
package telemetry

import (
	"context"
	"math"
	"math/rand"
	"sync"
)

// SimSource synthesizes a plausible fading channel for demos and the
// daemon's simulation mode: SNR follows a slow sinusoidal swing with
// random jitter, BER rises as SNR falls, and frame outcomes are drawn
// from the instantaneous BER.
type SimSource struct {
	mu   sync.Mutex
	rng  *rand.Rand
	tick int

	MeanSNRdB  float64 // center of the swing
	SwingDB    float64 // peak deviation from the mean
	JitterDB   float64 // uniform per-sample noise
	PeriodSecs float64 // swing period in samples
}

// NewSimSource builds a source with a deterministic seed so demo runs
// are reproducible.
func NewSimSource(seed int64) *SimSource {
	return &SimSource{
		rng:        rand.New(rand.NewSource(seed)),
		MeanSNRdB:  14.0,
		SwingDB:    10.0,
		JitterDB:   1.5,
		PeriodSecs: 120.0,
	}
}

// Read implements Source. It never blocks and never fails.
func (s *SimSource) Read(ctx context.Context) (Reading, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	phase := 2 * math.Pi * float64(s.tick) / s.PeriodSecs
	s.tick++

	snr := s.MeanSNRdB + s.SwingDB*math.Sin(phase) + s.JitterDB*(2*s.rng.Float64()-1)
	ber := berForSNR(snr)

	return Reading{
		SNRdB:    snr,
		BER:      ber,
		HasFrame: true,
		FrameOK:  s.rng.Float64() >= frameErrorProb(ber),
	}, nil
}

// berForSNR is a crude waterfall: clean above ~20 dB, unusable below
// ~0 dB. Only the shape matters for exercising the controller.
func berForSNR(snrDB float64) float64 {
	switch {
	case snrDB >= 20:
		return 1e-6
	case snrDB <= 0:
		return 0.1
	default:
		// Log-linear interpolation between the two corners.
		exp := -1.0 - 5.0*(snrDB/20.0)
		return math.Pow(10, exp)
	}
}

// frameErrorProb approximates FER for a nominal 256-byte frame.
func frameErrorProb(ber float64) float64 {
	const frameBits = 2048
	return 1 - math.Pow(1-ber, frameBits)
}
