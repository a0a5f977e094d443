// Package config loads runtime and controller settings from the environment
// and an optional YAML file.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/DataDog/viper"
	"github.com/pkg/errors"
)

// EnvPrefix prefixes every environment variable, e.g. TRAZOR_RT_SAMPLE_INTERVAL.
const EnvPrefix = "TRAZOR_RT"

// Setting keys.
const (
	KeySampleInterval       = "sample_interval"
	KeyControllerFD         = "controller_fd"
	KeyStatsFile            = "stats_file"
	KeyAccountingRegion     = "accounting_region"
	KeyInterruptSource      = "interrupt_source"
	KeyLogLevel             = "log_level"
	KeyPauseSignals         = "pause_signals"
	KeyStopAtInit           = "stop_at_init"
	KeyMaxRegressionRetries = "max_regression_retries"

	KeyWindow       = "window"
	KeyWebsocketURL = "websocket_url"
	KeyAgentID      = "agent_id"
	KeyMetricsAddr  = "metrics_addr"
)

// Interrupt sources.
const (
	SourceTicker = "ticker"
	SourceITimer = "itimer"
)

// Runtime configures the in-process runtime.
type Runtime struct {
	SampleInterval       time.Duration
	ControllerFD         int
	StatsFile            string
	AccountingRegion     string
	InterruptSource      string
	LogLevel             string
	PauseSignals         bool
	StopAtInit           bool
	MaxRegressionRetries int
}

// Controller configures the controller side.
type Controller struct {
	Window       time.Duration
	WebsocketURL string
	AgentID      string
	MetricsAddr  string
}

// Config is the full configuration.
type Config struct {
	Runtime    Runtime
	Controller Controller
}

// New returns a viper instance with defaults and environment binding.
func New() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault(KeySampleInterval, 200*time.Millisecond)
	v.SetDefault(KeyControllerFD, 3)
	v.SetDefault(KeyStatsFile, "stats.out")
	v.SetDefault(KeyAccountingRegion, "")
	v.SetDefault(KeyInterruptSource, SourceTicker)
	v.SetDefault(KeyLogLevel, "info")
	v.SetDefault(KeyPauseSignals, true)
	v.SetDefault(KeyStopAtInit, false)
	v.SetDefault(KeyMaxRegressionRetries, 10000)

	v.SetDefault(KeyWindow, 10*time.Second)
	v.SetDefault(KeyWebsocketURL, "")
	v.SetDefault(KeyAgentID, "")
	v.SetDefault(KeyMetricsAddr, "")
	return v
}

// Load reads the configuration. path may be empty.
func Load(path string) (Config, error) {
	v := New()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, errors.Wrapf(err, "reading config %s", path)
		}
	}
	return FromViper(v)
}

// FromViper extracts and validates a Config.
func FromViper(v *viper.Viper) (Config, error) {
	cfg := Config{
		Runtime: Runtime{
			SampleInterval:       v.GetDuration(KeySampleInterval),
			ControllerFD:         v.GetInt(KeyControllerFD),
			StatsFile:            v.GetString(KeyStatsFile),
			AccountingRegion:     v.GetString(KeyAccountingRegion),
			InterruptSource:      v.GetString(KeyInterruptSource),
			LogLevel:             v.GetString(KeyLogLevel),
			PauseSignals:         v.GetBool(KeyPauseSignals),
			StopAtInit:           v.GetBool(KeyStopAtInit),
			MaxRegressionRetries: v.GetInt(KeyMaxRegressionRetries),
		},
		Controller: Controller{
			Window:       v.GetDuration(KeyWindow),
			WebsocketURL: v.GetString(KeyWebsocketURL),
			AgentID:      v.GetString(KeyAgentID),
			MetricsAddr:  v.GetString(KeyMetricsAddr),
		},
	}
	return cfg, cfg.Validate()
}

// Validate checks value ranges.
func (c Config) Validate() error {
	r := c.Runtime
	if r.SampleInterval <= 0 {
		return errors.Errorf("%s must be positive, got %s", KeySampleInterval, r.SampleInterval)
	}
	if r.ControllerFD < 0 {
		return errors.Errorf("%s must not be negative, got %d", KeyControllerFD, r.ControllerFD)
	}
	switch r.InterruptSource {
	case SourceTicker, SourceITimer:
	default:
		return errors.Errorf("unknown %s %q", KeyInterruptSource, r.InterruptSource)
	}
	if c.Controller.Window <= 0 {
		return errors.Errorf("%s must be positive, got %s", KeyWindow, c.Controller.Window)
	}
	return nil
}

// Environ renders r as environment variables for a launched target.
func (r Runtime) Environ() []string {
	env := func(key string, value any) string {
		return fmt.Sprintf("%s_%s=%v", EnvPrefix, strings.ToUpper(key), value)
	}
	return []string{
		env(KeySampleInterval, r.SampleInterval),
		env(KeyControllerFD, r.ControllerFD),
		env(KeyStatsFile, r.StatsFile),
		env(KeyAccountingRegion, r.AccountingRegion),
		env(KeyInterruptSource, r.InterruptSource),
		env(KeyLogLevel, r.LogLevel),
		env(KeyPauseSignals, r.PauseSignals),
		env(KeyStopAtInit, r.StopAtInit),
		env(KeyMaxRegressionRetries, r.MaxRegressionRetries),
	}
}
