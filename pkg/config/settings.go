package config

import (
	"fmt"

	"github.com/fluxorio/ekc/pkg/broker"
	"github.com/fluxorio/ekc/pkg/bus"
	"github.com/fluxorio/ekc/pkg/coordinator"
	"github.com/fluxorio/ekc/pkg/ledger"
	"github.com/fluxorio/ekc/pkg/logging"
	"github.com/fluxorio/ekc/pkg/observability/tracing"
	"github.com/fluxorio/ekc/pkg/status"
	"github.com/fluxorio/ekc/pkg/worker"
)

// EnvPrefix prefixes every environment override, e.g. EKC_BUS_URL.
const EnvPrefix = "EKC"

// Settings is the configuration file shared by the ekc binaries. Each
// binary reads the sections it needs.
type Settings struct {
	Log         logging.Config     `yaml:"log" json:"log"`
	Bus         bus.NATSConfig     `yaml:"bus" json:"bus"`
	Broker      broker.Config      `yaml:"broker" json:"broker"`
	Coordinator coordinator.Config `yaml:"coordinator" json:"coordinator"`
	Worker      worker.Config      `yaml:"worker" json:"worker"`
	Status      status.Config      `yaml:"status" json:"status"`
	Ledger      ledger.Config      `yaml:"ledger" json:"ledger"`
	Tracing     tracing.Config     `yaml:"tracing" json:"tracing"`
}

// DefaultSettings returns the settings used when no file is given.
func DefaultSettings() Settings {
	return Settings{
		Log:         logging.DefaultConfig(),
		Bus:         bus.DefaultNATSConfig(),
		Broker:      broker.DefaultConfig(),
		Coordinator: coordinator.DefaultConfig(),
		Status:      status.DefaultConfig(),
		Tracing:     tracing.DefaultConfig(),
	}
}

// LoadSettings layers defaults, the file at path (skipped when empty) and
// EKC_* environment overrides, then validates the result.
func LoadSettings(path string) (Settings, error) {
	s := DefaultSettings()
	var err error
	if path != "" {
		err = LoadWithEnv(path, EnvPrefix, &s)
	} else if err = ApplyEnvOverrides(EnvPrefix, &s); err != nil {
		err = fmt.Errorf("failed to apply env overrides: %w", err)
	}
	if err != nil {
		return Settings{}, err
	}
	if err := s.Validate(); err != nil {
		return Settings{}, err
	}
	return s, nil
}

// Validate checks values the binaries cannot start without.
func (s *Settings) Validate() error {
	return Validate(s,
		RequiredFields("Bus.URL", "Coordinator.InputDir", "Coordinator.OutputDir"),
		StringLengthValidator("Worker.ID", 0, 128),
		OneOfValidator("Log.Format", "", "text", "json"),
		OneOfValidator("Ledger.Driver", "", ledger.DriverSQLite, ledger.DriverPGX, ledger.DriverPostgres),
		OneOfValidator("Tracing.Exporter", "", tracing.ExporterNone, tracing.ExporterStdout,
			tracing.ExporterZipkin, tracing.ExporterJaeger),
		RangeValidator("Tracing.SampleRate", 0, 1),
		RangeValidator("Broker.MaxPayload", 1, 1<<30),
		ValidatorFunc(func(interface{}) error {
			if _, err := logging.ParseLevel(s.Log.Level); err != nil {
				return err
			}
			if s.Ledger.Driver != "" && s.Ledger.DSN == "" {
				return fmt.Errorf("ledger.dsn is required when ledger.driver is set")
			}
			return nil
		}),
	)
}
