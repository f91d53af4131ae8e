package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/signalsfoundry/adaptive-link/core"
	"github.com/signalsfoundry/adaptive-link/negotiation"
)

var (
	ErrMissingStationID = errors.New("station ID is required")
	ErrMissingPeer      = errors.New("peer ID is required")
	ErrBadMode          = errors.New("unknown modulation mode name")
	ErrBadAlpha         = errors.New("alpha must be in (0, 1]")
)

// Station is the fully-resolved daemon configuration.
type Station struct {
	StationID string
	PeerID    string

	// Control channel endpoints (UDP host:port).
	ListenAddr string
	PeerAddr   string

	// MetricsAddr serves /metrics; empty disables the HTTP listener.
	MetricsAddr string

	InitialMode    core.ModulationMode
	SupportedModes []core.ModulationMode

	Alpha        float64
	UpdatePeriod time.Duration
	HysteresisDB float64

	AdaptationEnabled bool
	Tier4Enabled      bool
	AutoNegotiation   bool

	NegotiationTimeout time.Duration

	// FeedbackEvery sends quality feedback to the peer every N
	// telemetry updates; 0 disables it.
	FeedbackEvery int
}

// stationJSON is the on-disk shape. Kept unexported so the file format
// can evolve independently of the resolved Station struct.
type stationJSON struct {
	StationID string `json:"station_id"`
	PeerID    string `json:"peer_id"`

	ListenAddr  string `json:"listen_addr"`
	PeerAddr    string `json:"peer_addr"`
	MetricsAddr string `json:"metrics_addr"`

	InitialMode    string   `json:"initial_mode"`
	SupportedModes []string `json:"supported_modes"`

	Alpha          *float64 `json:"alpha"`
	UpdatePeriodMs int      `json:"update_period_ms"`
	HysteresisDB   *float64 `json:"hysteresis_db"`

	AdaptationEnabled *bool `json:"adaptation_enabled"`
	Tier4Enabled      bool  `json:"tier4_enabled"`
	AutoNegotiation   *bool `json:"auto_negotiation"`

	NegotiationTimeoutMs int `json:"negotiation_timeout_ms"`
	FeedbackEvery        int `json:"feedback_every"`
}

// defaults is the baseline station profile: one update per second,
// 2 dB hysteresis, 5 s negotiation timeout, adaptation and
// auto-negotiation on, tier 4 off.
func defaults() Station {
	return Station{
		ListenAddr:         ":7370",
		MetricsAddr:        ":9190",
		InitialMode:        core.Mode4FSK,
		Alpha:              0.1,
		UpdatePeriod:       time.Second,
		HysteresisDB:       2.0,
		AdaptationEnabled:  true,
		AutoNegotiation:    true,
		NegotiationTimeout: 5 * time.Second,
		FeedbackEvery:      10,
	}
}

// LoadStation reads a station profile from a JSON file, applies
// environment overrides, and validates the result. STATION_ID,
// STATION_PEER_ID, STATION_LISTEN_ADDR, STATION_PEER_ADDR and
// STATION_METRICS_ADDR take precedence over the file so one profile
// can serve both ends of a link.
func LoadStation(path string) (Station, error) {
	f, err := os.Open(path)
	if err != nil {
		return Station{}, fmt.Errorf("open station profile %q: %w", path, err)
	}
	defer f.Close()

	st, err := resolve(f)
	if err != nil {
		return Station{}, err
	}
	applyEnv(&st)
	if err := st.Validate(); err != nil {
		return Station{}, err
	}
	return st, nil
}

// ParseStation decodes and validates a station profile without
// consulting the environment.
func ParseStation(r io.Reader) (Station, error) {
	st, err := resolve(r)
	if err != nil {
		return Station{}, err
	}
	if err := st.Validate(); err != nil {
		return Station{}, err
	}
	return st, nil
}

func applyEnv(st *Station) {
	if v := os.Getenv("STATION_ID"); v != "" {
		st.StationID = v
	}
	if v := os.Getenv("STATION_PEER_ID"); v != "" {
		st.PeerID = v
	}
	if v := os.Getenv("STATION_LISTEN_ADDR"); v != "" {
		st.ListenAddr = v
	}
	if v := os.Getenv("STATION_PEER_ADDR"); v != "" {
		st.PeerAddr = v
	}
	if v := os.Getenv("STATION_METRICS_ADDR"); v != "" {
		st.MetricsAddr = v
	}
}

// resolve decodes the on-disk shape and fills defaults.
func resolve(r io.Reader) (Station, error) {
	var raw stationJSON
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&raw); err != nil {
		return Station{}, fmt.Errorf("decode station profile: %w", err)
	}

	st := defaults()
	st.StationID = raw.StationID
	st.PeerID = raw.PeerID

	if raw.ListenAddr != "" {
		st.ListenAddr = raw.ListenAddr
	}
	st.PeerAddr = raw.PeerAddr
	if raw.MetricsAddr != "" {
		st.MetricsAddr = raw.MetricsAddr
	}

	if raw.InitialMode != "" {
		mode, ok := core.ModeByName(raw.InitialMode)
		if !ok {
			return Station{}, fmt.Errorf("%w: %q", ErrBadMode, raw.InitialMode)
		}
		st.InitialMode = mode
	}
	for _, name := range raw.SupportedModes {
		mode, ok := core.ModeByName(name)
		if !ok {
			return Station{}, fmt.Errorf("%w: %q", ErrBadMode, name)
		}
		st.SupportedModes = append(st.SupportedModes, mode)
	}

	if raw.Alpha != nil {
		st.Alpha = *raw.Alpha
	}
	if raw.UpdatePeriodMs > 0 {
		st.UpdatePeriod = time.Duration(raw.UpdatePeriodMs) * time.Millisecond
	}
	if raw.HysteresisDB != nil {
		st.HysteresisDB = *raw.HysteresisDB
	}
	if raw.AdaptationEnabled != nil {
		st.AdaptationEnabled = *raw.AdaptationEnabled
	}
	st.Tier4Enabled = raw.Tier4Enabled
	if raw.AutoNegotiation != nil {
		st.AutoNegotiation = *raw.AutoNegotiation
	}
	if raw.NegotiationTimeoutMs > 0 {
		st.NegotiationTimeout = time.Duration(raw.NegotiationTimeoutMs) * time.Millisecond
	}
	if raw.FeedbackEvery > 0 {
		st.FeedbackEvery = raw.FeedbackEvery
	}
	return st, nil
}

// Validate checks the resolved profile.
func (s Station) Validate() error {
	if s.StationID == "" {
		return ErrMissingStationID
	}
	if s.PeerID == "" {
		return ErrMissingPeer
	}
	if s.Alpha <= 0 || s.Alpha > 1 {
		return fmt.Errorf("%w: %v", ErrBadAlpha, s.Alpha)
	}
	return nil
}

// EstimatorConfig maps the profile onto the quality estimator.
func (s Station) EstimatorConfig() core.EstimatorConfig {
	return core.EstimatorConfig{
		Alpha:        s.Alpha,
		UpdatePeriod: s.UpdatePeriod,
	}
}

// ControllerConfig maps the profile onto the rate controller.
func (s Station) ControllerConfig() core.ControllerConfig {
	return core.ControllerConfig{
		InitialMode:       s.InitialMode,
		AdaptationEnabled: s.AdaptationEnabled,
		Tier4Enabled:      s.Tier4Enabled,
		HysteresisDB:      s.HysteresisDB,
	}
}

// EngineConfig maps the profile onto the negotiation engine.
func (s Station) EngineConfig() negotiation.Config {
	return negotiation.Config{
		StationID:      s.StationID,
		SupportedModes: s.SupportedModes,
		Timeout:        s.NegotiationTimeout,
	}
}
