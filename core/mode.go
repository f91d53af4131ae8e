// core/mode.go
package core

// ModulationMode identifies one entry in the static mode catalog.
// Ordinals are contiguous so the catalog can be a dense array rather
// than a map keyed by enum value.
type ModulationMode int

const (
	Mode2FSK ModulationMode = iota // Binary FSK, most robust
	ModeBPSK                       // Binary PSK
	Mode4FSK                       // 4-level FSK
	ModeQPSK                       // Quadrature PSK
	Mode8FSK                       // 8-level FSK
	Mode8PSK                       // 8-PSK
	Mode16FSK                      // 16-level FSK
	ModeQAM16                      // 16-QAM
	ModeQAM64                      // 64-QAM
	ModeSOQPSK1M                   // Wideband SOQPSK, 1 Mbps
	ModeSOQPSK5M                   // Wideband SOQPSK, 5 Mbps
	ModeSOQPSK10M                  // Wideband SOQPSK, 10 Mbps
	ModeSOQPSK20M                  // Wideband SOQPSK, 20 Mbps
	ModeSOQPSK40M                  // Wideband SOQPSK, 40 Mbps

	modeCount // sentinel, keep last
)

// DefaultRobustMode is the fallback whenever a requested mode is
// unavailable: the lowest-rate tier-1 entry.
const DefaultRobustMode = Mode2FSK

// Tier4 is the capability tier that requires explicit opt-in.
const Tier4 = 4

// ModeSpec describes the operating envelope of one modulation mode.
type ModeSpec struct {
	Mode          ModulationMode `json:"Mode"`
	Name          string         `json:"Name"`
	Tier          int            `json:"Tier"`
	BitsPerSymbol int            `json:"BitsPerSymbol"`
	DataRateBps   int            `json:"DataRateBps"`

	// MinSNRdB is the lowest SNR at which the mode is expected to
	// decode reliably; MaxBER is the highest tolerable bit error rate.
	MinSNRdB float64 `json:"MinSNRdB"`
	MaxBER   float64 `json:"MaxBER"`
}

// catalog is the immutable mode table, ordered ascending by data rate
// (ties ordered most-robust first) and indexed by mode ordinal.
//
// Tier 1 is narrowband FSK/PSK at the lowest rates, tiers 2-3 add
// higher-order constellations, and tier 4 holds the wideband SOQPSK
// variants that demand bandwidth and hardware not assumed available.
var catalog = [modeCount]ModeSpec{
	Mode2FSK:      {Mode2FSK, "2FSK", 1, 1, 1200, 0.0, 1e-2},
	ModeBPSK:      {ModeBPSK, "BPSK", 1, 1, 1200, 6.0, 1e-2},
	Mode4FSK:      {Mode4FSK, "4FSK", 1, 2, 2400, 8.0, 5e-3},
	ModeQPSK:      {ModeQPSK, "QPSK", 2, 2, 2400, 10.0, 5e-3},
	Mode8FSK:      {Mode8FSK, "8FSK", 2, 3, 3600, 12.0, 1e-3},
	Mode8PSK:      {Mode8PSK, "8PSK", 2, 3, 3600, 14.0, 1e-3},
	Mode16FSK:     {Mode16FSK, "16FSK", 3, 4, 4800, 18.0, 5e-4},
	ModeQAM16:     {ModeQAM16, "QAM16", 3, 4, 4800, 16.0, 5e-4},
	ModeQAM64:     {ModeQAM64, "QAM64", 3, 6, 9600, 22.0, 1e-4},
	ModeSOQPSK1M:  {ModeSOQPSK1M, "SOQPSK-1M", 4, 1, 1000000, 20.0, 1e-4},
	ModeSOQPSK5M:  {ModeSOQPSK5M, "SOQPSK-5M", 4, 1, 5000000, 23.0, 1e-4},
	ModeSOQPSK10M: {ModeSOQPSK10M, "SOQPSK-10M", 4, 1, 10000000, 26.0, 5e-5},
	ModeSOQPSK20M: {ModeSOQPSK20M, "SOQPSK-20M", 4, 1, 20000000, 29.0, 2e-5},
	ModeSOQPSK40M: {ModeSOQPSK40M, "SOQPSK-40M", 4, 1, 40000000, 32.0, 1e-5},
}

// modesByRateDesc lists all modes ordered descending by data rate with
// ties broken toward the lower SNR requirement, then catalog order.
// Precomputed once so RecommendMode scans are deterministic.
var modesByRateDesc = buildRateOrder()

func buildRateOrder() []ModulationMode {
	out := make([]ModulationMode, 0, modeCount)
	for m := ModulationMode(0); m < modeCount; m++ {
		out = append(out, m)
	}
	// Insertion sort keeps this dependency-free and stable for the
	// small fixed table.
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && rateLess(out[j-1], out[j]); j-- {
			out[j-1], out[j] = out[j], out[j-1]
		}
	}
	return out
}

func rateLess(a, b ModulationMode) bool {
	sa, sb := catalog[a], catalog[b]
	if sa.DataRateBps != sb.DataRateBps {
		return sa.DataRateBps < sb.DataRateBps
	}
	if sa.MinSNRdB != sb.MinSNRdB {
		return sa.MinSNRdB > sb.MinSNRdB
	}
	return a > b
}

// IsValid reports whether m names a catalog entry.
func (m ModulationMode) IsValid() bool {
	return m >= 0 && m < modeCount
}

// Spec returns the catalog entry for m. The second return is false for
// out-of-range values.
func (m ModulationMode) Spec() (ModeSpec, bool) {
	if !m.IsValid() {
		return ModeSpec{}, false
	}
	return catalog[m], true
}

// Tier returns the capability tier for m, or 0 for unknown modes.
func (m ModulationMode) Tier() int {
	if !m.IsValid() {
		return 0
	}
	return catalog[m].Tier
}

// DataRateBps returns the nominal data rate for m, or 0 for unknown modes.
func (m ModulationMode) DataRateBps() int {
	if !m.IsValid() {
		return 0
	}
	return catalog[m].DataRateBps
}

func (m ModulationMode) String() string {
	if !m.IsValid() {
		return "UNKNOWN"
	}
	return catalog[m].Name
}

// ModeByName resolves a catalog entry from its name (as produced by
// String). Used by config loading and the wire codec.
func ModeByName(name string) (ModulationMode, bool) {
	for m := ModulationMode(0); m < modeCount; m++ {
		if catalog[m].Name == name {
			return m, true
		}
	}
	return 0, false
}

// AllModes returns every catalog entry ordered ascending by data rate.
func AllModes() []ModulationMode {
	out := make([]ModulationMode, modeCount)
	for i, m := range modesByRateDesc {
		out[int(modeCount)-1-i] = m
	}
	return out
}
