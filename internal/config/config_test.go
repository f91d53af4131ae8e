package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/signalsfoundry/adaptive-link/core"
)

const fullProfile = `{
  "station_id": "station-alpha",
  "peer_id": "station-bravo",
  "listen_addr": ":7400",
  "peer_addr": "10.0.0.2:7400",
  "metrics_addr": ":9999",
  "initial_mode": "QPSK",
  "supported_modes": ["2FSK", "QPSK", "QAM64"],
  "alpha": 0.25,
  "update_period_ms": 500,
  "hysteresis_db": 3.5,
  "adaptation_enabled": false,
  "tier4_enabled": true,
  "auto_negotiation": false,
  "negotiation_timeout_ms": 1500,
  "feedback_every": 4
}`

func TestParseStationFullProfile(t *testing.T) {
	st, err := ParseStation(strings.NewReader(fullProfile))
	if err != nil {
		t.Fatalf("ParseStation: %v", err)
	}

	if st.StationID != "station-alpha" || st.PeerID != "station-bravo" {
		t.Fatalf("identities = %q/%q", st.StationID, st.PeerID)
	}
	if st.ListenAddr != ":7400" || st.PeerAddr != "10.0.0.2:7400" || st.MetricsAddr != ":9999" {
		t.Fatalf("addresses = %q %q %q", st.ListenAddr, st.PeerAddr, st.MetricsAddr)
	}
	if st.InitialMode != core.ModeQPSK {
		t.Fatalf("initial mode = %s, want QPSK", st.InitialMode)
	}
	if len(st.SupportedModes) != 3 || st.SupportedModes[2] != core.ModeQAM64 {
		t.Fatalf("supported modes = %v", st.SupportedModes)
	}
	if st.Alpha != 0.25 || st.HysteresisDB != 3.5 {
		t.Fatalf("alpha/hysteresis = %v/%v", st.Alpha, st.HysteresisDB)
	}
	if st.UpdatePeriod != 500*time.Millisecond {
		t.Fatalf("update period = %v", st.UpdatePeriod)
	}
	if st.AdaptationEnabled || !st.Tier4Enabled || st.AutoNegotiation {
		t.Fatalf("flags = adapt:%v tier4:%v auto:%v", st.AdaptationEnabled, st.Tier4Enabled, st.AutoNegotiation)
	}
	if st.NegotiationTimeout != 1500*time.Millisecond {
		t.Fatalf("negotiation timeout = %v", st.NegotiationTimeout)
	}
	if st.FeedbackEvery != 4 {
		t.Fatalf("feedback every = %d", st.FeedbackEvery)
	}
}

func TestParseStationDefaults(t *testing.T) {
	st, err := ParseStation(strings.NewReader(`{"station_id":"a","peer_id":"b","peer_addr":"10.0.0.2:7370"}`))
	if err != nil {
		t.Fatalf("ParseStation: %v", err)
	}

	want := defaults()
	if st.ListenAddr != want.ListenAddr || st.MetricsAddr != want.MetricsAddr {
		t.Fatalf("default addresses not applied: %q %q", st.ListenAddr, st.MetricsAddr)
	}
	if st.InitialMode != want.InitialMode {
		t.Fatalf("default initial mode = %s, want %s", st.InitialMode, want.InitialMode)
	}
	if st.Alpha != want.Alpha || st.UpdatePeriod != want.UpdatePeriod || st.HysteresisDB != want.HysteresisDB {
		t.Fatalf("default tuning not applied: %v %v %v", st.Alpha, st.UpdatePeriod, st.HysteresisDB)
	}
	if !st.AdaptationEnabled || st.Tier4Enabled || !st.AutoNegotiation {
		t.Fatalf("default flags = adapt:%v tier4:%v auto:%v", st.AdaptationEnabled, st.Tier4Enabled, st.AutoNegotiation)
	}
	if st.NegotiationTimeout != want.NegotiationTimeout || st.FeedbackEvery != want.FeedbackEvery {
		t.Fatalf("default timings = %v/%d", st.NegotiationTimeout, st.FeedbackEvery)
	}
}

func TestParseStationValidation(t *testing.T) {
	cases := []struct {
		name string
		json string
		want error
	}{
		{"missing station id", `{"peer_id":"b"}`, ErrMissingStationID},
		{"missing peer id", `{"station_id":"a"}`, ErrMissingPeer},
		{"bad initial mode", `{"station_id":"a","peer_id":"b","initial_mode":"QAM1024"}`, ErrBadMode},
		{"bad supported mode", `{"station_id":"a","peer_id":"b","supported_modes":["2FSK","NOPE"]}`, ErrBadMode},
		{"bad alpha", `{"station_id":"a","peer_id":"b","alpha":1.5}`, ErrBadAlpha},
	}
	for _, tc := range cases {
		_, err := ParseStation(strings.NewReader(tc.json))
		if !errors.Is(err, tc.want) {
			t.Fatalf("%s: error = %v, want %v", tc.name, err, tc.want)
		}
	}
}

func TestParseStationRejectsUnknownFields(t *testing.T) {
	_, err := ParseStation(strings.NewReader(`{"station_id":"a","peer_id":"b","frequency_mhz":433}`))
	if err == nil {
		t.Fatalf("unknown field accepted")
	}
}

func TestConfigMappers(t *testing.T) {
	st, err := ParseStation(strings.NewReader(fullProfile))
	if err != nil {
		t.Fatalf("ParseStation: %v", err)
	}

	ec := st.EstimatorConfig()
	if ec.Alpha != 0.25 || ec.UpdatePeriod != 500*time.Millisecond {
		t.Fatalf("estimator config = %+v", ec)
	}

	cc := st.ControllerConfig()
	if cc.InitialMode != core.ModeQPSK || cc.AdaptationEnabled || !cc.Tier4Enabled || cc.HysteresisDB != 3.5 {
		t.Fatalf("controller config = %+v", cc)
	}

	ng := st.EngineConfig()
	if ng.StationID != "station-alpha" || ng.Timeout != 1500*time.Millisecond || len(ng.SupportedModes) != 3 {
		t.Fatalf("engine config = %+v", ng)
	}
}

func TestLoadStationMissingFile(t *testing.T) {
	if _, err := LoadStation("/does/not/exist.json"); err == nil {
		t.Fatalf("missing file accepted")
	}
}

func TestLoadStationEnvOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "station.json")
	profile := `{"station_id":"file-id","peer_id":"file-peer","peer_addr":"10.0.0.2:7370"}`
	if err := os.WriteFile(path, []byte(profile), 0o600); err != nil {
		t.Fatalf("write profile: %v", err)
	}

	t.Setenv("STATION_ID", "env-id")
	t.Setenv("STATION_PEER_ADDR", "10.9.9.9:7370")

	st, err := LoadStation(path)
	if err != nil {
		t.Fatalf("LoadStation: %v", err)
	}
	if st.StationID != "env-id" {
		t.Fatalf("station id = %q, want env override", st.StationID)
	}
	if st.PeerAddr != "10.9.9.9:7370" {
		t.Fatalf("peer addr = %q, want env override", st.PeerAddr)
	}
	if st.PeerID != "file-peer" {
		t.Fatalf("peer id = %q, want file value", st.PeerID)
	}
}
