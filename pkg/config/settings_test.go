package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadSettings_Defaults(t *testing.T) {
	s, err := LoadSettings("")
	if err != nil {
		t.Fatalf("LoadSettings failed: %v", err)
	}
	if s.Bus.URL != "nats://127.0.0.1:4222" {
		t.Errorf("Bus.URL = %v, want nats default", s.Bus.URL)
	}
	if s.Coordinator.DispatchDelay != 2*time.Second {
		t.Errorf("Coordinator.DispatchDelay = %v, want 2s", s.Coordinator.DispatchDelay)
	}
	if s.Broker.MaxPayload != 64<<20 {
		t.Errorf("Broker.MaxPayload = %v, want 64 MiB", s.Broker.MaxPayload)
	}
}

func TestLoadSettings_FileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ekc.yaml")
	content := `
log:
  level: debug
bus:
  url: nats://bus:4222
  prefix: lab
coordinator:
  input_dir: /data/in
  dispatch_delay: 500ms
ledger:
  driver: sqlite3
  dsn: /data/ekc.db
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("EKC_COORDINATOR_OUTPUT_DIR", "/data/out")
	t.Setenv("EKC_BROKER_MAX_PAYLOAD", "1048576")
	t.Setenv("EKC_BUS_FLUSH_TIMEOUT", "3s")

	s, err := LoadSettings(path)
	if err != nil {
		t.Fatalf("LoadSettings failed: %v", err)
	}
	if s.Log.Level != "debug" {
		t.Errorf("Log.Level = %v, want debug", s.Log.Level)
	}
	if s.Bus.URL != "nats://bus:4222" || s.Bus.Prefix != "lab" {
		t.Errorf("Bus = %+v", s.Bus)
	}
	if s.Coordinator.InputDir != "/data/in" || s.Coordinator.OutputDir != "/data/out" {
		t.Errorf("Coordinator dirs = %q %q", s.Coordinator.InputDir, s.Coordinator.OutputDir)
	}
	if s.Coordinator.DispatchDelay != 500*time.Millisecond {
		t.Errorf("Coordinator.DispatchDelay = %v, want 500ms", s.Coordinator.DispatchDelay)
	}
	if s.Broker.MaxPayload != 1<<20 {
		t.Errorf("Broker.MaxPayload = %v, want 1 MiB", s.Broker.MaxPayload)
	}
	if s.Bus.FlushTimeout != 3*time.Second {
		t.Errorf("Bus.FlushTimeout = %v, want 3s", s.Bus.FlushTimeout)
	}
	// Untouched sections keep their defaults.
	if s.Bus.ReconnectWait != 2*time.Second {
		t.Errorf("Bus.ReconnectWait = %v, want 2s", s.Bus.ReconnectWait)
	}
}

func TestSettings_Validate(t *testing.T) {
	cases := map[string]func(*Settings){
		"empty bus url":    func(s *Settings) { s.Bus.URL = "" },
		"bad log format":   func(s *Settings) { s.Log.Format = "xml" },
		"bad log level":    func(s *Settings) { s.Log.Level = "loud" },
		"bad driver":       func(s *Settings) { s.Ledger.Driver = "mysql"; s.Ledger.DSN = "x" },
		"driver no dsn":    func(s *Settings) { s.Ledger.Driver = "sqlite3" },
		"bad exporter":     func(s *Settings) { s.Tracing.Exporter = "otlp" },
		"bad sample rate":  func(s *Settings) { s.Tracing.SampleRate = 2 },
		"zero max payload": func(s *Settings) { s.Broker.MaxPayload = 0 },
	}
	for name, mutate := range cases {
		s := DefaultSettings()
		mutate(&s)
		if err := s.Validate(); err == nil {
			t.Errorf("%s: Validate should fail", name)
		}
	}

	s := DefaultSettings()
	if err := s.Validate(); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}
}
