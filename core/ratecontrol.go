// core/ratecontrol.go
package core

import (
	"fmt"
	"sync"
)

// defaultHysteresisDB separates the upgrade and downgrade thresholds
// when the caller does not configure a margin.
const defaultHysteresisDB = 2.0

// ChangeReason classifies why the controller committed a transition.
type ChangeReason string

const (
	ChangeReasonUpgrade       ChangeReason = "upgrade"
	ChangeReasonDowngrade     ChangeReason = "downgrade"
	ChangeReasonManual        ChangeReason = "manual"
	ChangeReasonTier4Fallback ChangeReason = "tier4-fallback"
)

// ModeChange describes one committed transition. It is delivered to
// OnModeChange listeners exactly once per commit and never for no-op
// calls that leave the current mode in place.
type ModeChange struct {
	From   ModulationMode
	To     ModulationMode
	Reason ChangeReason

	// SNRdB is the SNR observation that drove the change; zero for
	// manual overrides.
	SNRdB float64
}

// ControllerConfig configures a rate controller.
type ControllerConfig struct {
	// InitialMode is the starting mode. A tier-4 mode with
	// Tier4Enabled false (or an unknown mode) silently falls back to
	// DefaultRobustMode; the substitution is observable through
	// ModulationMode().
	InitialMode ModulationMode

	// AdaptationEnabled allows UpdateQuality to commit mode changes.
	AdaptationEnabled bool

	// Tier4Enabled opts into the wideband tier-4 modes.
	Tier4Enabled bool

	// HysteresisDB is the SNR margin a candidate must clear before a
	// switch commits, preventing flapping near thresholds. Values
	// below zero fall back to the default.
	HysteresisDB float64
}

// Controller owns the station's current modulation mode. It consumes
// smoothed metrics (or raw ones under manual control), recommends the
// best mode the channel supports, and commits changes under hysteresis
// and capability-tier gating.
//
// All mutable state lives behind a single mutex; public operations
// hold it for their entire duration and never block on I/O. Listener
// callbacks run after the lock is released.
type Controller struct {
	mu sync.Mutex

	current           ModulationMode
	adaptationEnabled bool
	tier4Enabled      bool
	hysteresisDB      float64

	// lastSwitchRefSNR is the most recent SNR observation, used as
	// the reference when tier-4 is disabled under a tier-4 mode.
	lastSwitchRefSNR float64
	snrObserved      bool

	listeners []func(ModeChange)
}

// NewController builds a controller. Construction never fails: a
// rejected initial mode degrades to DefaultRobustMode.
func NewController(cfg ControllerConfig) *Controller {
	hysteresis := cfg.HysteresisDB
	if hysteresis < 0 {
		hysteresis = defaultHysteresisDB
	}

	initial := cfg.InitialMode
	if !initial.IsValid() || (initial.Tier() == Tier4 && !cfg.Tier4Enabled) {
		initial = DefaultRobustMode
	}

	return &Controller{
		current:           initial,
		adaptationEnabled: cfg.AdaptationEnabled,
		tier4Enabled:      cfg.Tier4Enabled,
		hysteresisDB:      hysteresis,
	}
}

// OnModeChange registers a listener invoked once per committed
// transition, in commit order relative to the triggering operation.
func (c *Controller) OnModeChange(fn func(ModeChange)) {
	if fn == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, fn)
}

// ModulationMode returns the current mode. Pure lookup.
func (c *Controller) ModulationMode() ModulationMode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// DataRate returns the nominal data rate of the current mode in bps.
func (c *Controller) DataRate() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current.DataRateBps()
}

// AdaptationEnabled reports whether automatic switching is active.
func (c *Controller) AdaptationEnabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.adaptationEnabled
}

// Tier4Enabled reports whether tier-4 modes are available.
func (c *Controller) Tier4Enabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tier4Enabled
}

// HysteresisDB returns the configured switching margin.
func (c *Controller) HysteresisDB() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hysteresisDB
}

// RecommendMode scans the catalog descending by data rate, restricted
// to tiers 1-3 unless tier-4 is enabled, and returns the highest-rate
// mode whose operating envelope covers the given SNR and BER. When no
// mode qualifies it falls back to DefaultRobustMode.
//
// The scan order is fixed, so for a given BER the recommendation is
// monotone non-decreasing in SNR.
func (c *Controller) RecommendMode(snrDB, ber float64) ModulationMode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return recommendMode(snrDB, ber, c.tier4Enabled)
}

// UpdateQuality feeds one metrics observation into the controller.
// With adaptation disabled the current mode is untouched (the SNR
// reference still tracks the observation). Otherwise the controller
// commits an upgrade only when the candidate clears its minimum SNR by
// the hysteresis margin, and downgrades only when the current mode's
// minimum SNR minus the margin is no longer met.
func (c *Controller) UpdateQuality(snrDB, ber, qualityScore float64) {
	c.mu.Lock()

	c.lastSwitchRefSNR = snrDB
	c.snrObserved = true

	if !c.adaptationEnabled {
		c.mu.Unlock()
		return
	}

	candidate := recommendMode(snrDB, ber, c.tier4Enabled)
	curSpec := catalog[c.current]
	candSpec := catalog[candidate]

	var change *ModeChange
	switch {
	case candSpec.DataRateBps > curSpec.DataRateBps &&
		snrDB >= candSpec.MinSNRdB+c.hysteresisDB:
		change = c.commitLocked(candidate, ChangeReasonUpgrade, snrDB)

	case snrDB < curSpec.MinSNRdB-c.hysteresisDB && candidate != c.current:
		change = c.commitLocked(candidate, ChangeReasonDowngrade, snrDB)
	}

	listeners := c.listenersLocked()
	c.mu.Unlock()

	if change != nil {
		notify(listeners, *change)
	}
}

// SetModulationMode is the manual override path. Unknown modes and
// tier-gated modes are reported no-ops: the error identifies the
// rejection and the controller state is unchanged. A successful
// override resets the last-switch SNR reference.
func (c *Controller) SetModulationMode(mode ModulationMode) error {
	c.mu.Lock()

	if !mode.IsValid() {
		c.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrUnknownMode, int(mode))
	}
	if mode.Tier() == Tier4 && !c.tier4Enabled {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrTier4Disabled, mode)
	}

	c.lastSwitchRefSNR = 0
	c.snrObserved = false

	var change *ModeChange
	if mode != c.current {
		change = c.commitLocked(mode, ChangeReasonManual, 0)
	}

	listeners := c.listenersLocked()
	c.mu.Unlock()

	if change != nil {
		notify(listeners, *change)
	}
	return nil
}

// SetAdaptationEnabled toggles automatic switching without touching
// the current mode.
func (c *Controller) SetAdaptationEnabled(enabled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.adaptationEnabled = enabled
}

// SetTier4Enabled toggles tier-4 availability. Disabling it while a
// tier-4 mode is active immediately falls back to the best qualifying
// tier <=3 mode for the last observed SNR, or to DefaultRobustMode
// when no SNR has been observed yet.
func (c *Controller) SetTier4Enabled(enabled bool) {
	c.mu.Lock()

	c.tier4Enabled = enabled

	var change *ModeChange
	if !enabled && c.current.Tier() == Tier4 {
		fallback := DefaultRobustMode
		snr := 0.0
		if c.snrObserved {
			snr = c.lastSwitchRefSNR
			fallback = recommendMode(snr, 0, false)
		}
		change = c.commitLocked(fallback, ChangeReasonTier4Fallback, snr)
	}

	listeners := c.listenersLocked()
	c.mu.Unlock()

	if change != nil {
		notify(listeners, *change)
	}
}

// commitLocked records the transition and returns the change event for
// delivery after the lock is dropped. Caller must hold c.mu and must
// have verified mode != c.current.
func (c *Controller) commitLocked(mode ModulationMode, reason ChangeReason, snrDB float64) *ModeChange {
	change := &ModeChange{
		From:   c.current,
		To:     mode,
		Reason: reason,
		SNRdB:  snrDB,
	}
	c.current = mode
	return change
}

// listenersLocked snapshots the listener slice. Caller must hold c.mu.
func (c *Controller) listenersLocked() []func(ModeChange) {
	out := make([]func(ModeChange), len(c.listeners))
	copy(out, c.listeners)
	return out
}

func notify(listeners []func(ModeChange), change ModeChange) {
	for _, fn := range listeners {
		fn(change)
	}
}

// recommendMode is the pure catalog scan shared by the controller's
// public paths.
func recommendMode(snrDB, ber float64, includeTier4 bool) ModulationMode {
	for _, m := range modesByRateDesc {
		spec := catalog[m]
		if spec.Tier == Tier4 && !includeTier4 {
			continue
		}
		if snrDB >= spec.MinSNRdB && ber <= spec.MaxBER {
			return m
		}
	}
	return DefaultRobustMode
}
