package config

import (
	"github.com/creasty/defaults"
	"github.com/icinga/icinga-go-library/database"
	"github.com/icinga/icinga-go-library/logging"
	"github.com/icinga/icinga-go-library/redis"
	"github.com/icinga/icingastate/pkg/checkable"
	"github.com/pkg/errors"
	"time"
)

// DefaultConfigPath specifies the default location of Icinga State's config.yml for package installations.
const DefaultConfigPath = "/etc/icingastate/config.yml"

// Config defines Icinga State config.
type Config struct {
	Database database.Config `yaml:"database" envPrefix:"DATABASE_"`
	Redis    redis.Config    `yaml:"redis" envPrefix:"REDIS_"`
	Logging  logging.Config  `yaml:"logging" envPrefix:"LOGGING_"`
	Checker  CheckerConfig   `yaml:"checker" envPrefix:"CHECKER_"`
	Alerting AlertingConfig  `yaml:"alerting" envPrefix:"ALERTING_"`
	HA       HAConfig        `yaml:"ha" envPrefix:"HA_"`
	Metrics  MetricsConfig   `yaml:"metrics" envPrefix:"METRICS_"`
}

func (c *Config) SetDefaults() {
	// Since SetDefaults() is called after the default values of the struct's fields have been evaluated,
	// setting the default port only works here because
	// the embedded Redis config struct itself does not provide a default value.
	if defaults.CanUpdate(c.Redis.Port) {
		c.Redis.Port = 6380
	}
}

// Validate checks constraints in the supplied configuration and returns an error if they are violated.
func (c *Config) Validate() error {
	if err := c.Database.Validate(); err != nil {
		return err
	}
	if err := c.Redis.Validate(); err != nil {
		return err
	}
	if err := c.Logging.Validate(); err != nil {
		return err
	}
	if err := c.Checker.Validate(); err != nil {
		return err
	}
	if err := c.Alerting.Validate(); err != nil {
		return err
	}
	if err := c.HA.Validate(); err != nil {
		return err
	}

	return nil
}

// Flags defines CLI flags.
//
// Flags implements the [github.com/icinga/icinga-go-library/config.Flags] interface.
type Flags struct {
	// Version decides whether to just print the version and exit.
	Version bool `long:"version" description:"print version and exit"`

	// Config is the path to the config file. If not provided, it defaults to DefaultConfigPath.
	Config string `short:"c" long:"config" description:"path to config file (default: /etc/icingastate/config.yml)"`
	// default must be kept in sync with DefaultConfigPath.

	// DatabaseAutoImport decides whether to import the schema into an empty database.
	DatabaseAutoImport bool `long:"database-auto-import" description:"import database schema on startup if missing"`
}

// GetConfigPath retrieves the path to the configuration file.
// It returns the path specified via the command line, or DefaultConfigPath if none is provided.
//
// GetConfigPath implements parts of the [github.com/icinga/icinga-go-library/config.Flags] interface.
func (f Flags) GetConfigPath() string {
	if f.Config == "" {
		return DefaultConfigPath
	}

	return f.Config
}

// IsExplicitConfigPath indicates whether the configuration file path was explicitly set.
//
// IsExplicitConfigPath implements parts of the [github.com/icinga/icinga-go-library/config.Flags] interface.
func (f Flags) IsExplicitConfigPath() bool {
	return f.Config != ""
}

// CheckerConfig defines the defaults of the state machine of checkables
// which don't configure these values themselves.
type CheckerConfig struct {
	MaxCheckAttempts      uint32        `yaml:"max-check-attempts" default:"3"`
	EnableFlapping        bool          `yaml:"enable-flapping"`
	FlappingThresholdLow  float64       `yaml:"flapping-threshold-low" default:"25"`
	FlappingThresholdHigh float64       `yaml:"flapping-threshold-high" default:"30"`
	ReconcileInterval     time.Duration `yaml:"reconcile-interval" default:"5s"`
}

// Options returns the checkable.Options described by c.
func (c *CheckerConfig) Options() checkable.Options {
	return checkable.Options{
		MaxCheckAttempts:      c.MaxCheckAttempts,
		FlappingEnabled:       c.EnableFlapping,
		FlappingThresholdLow:  c.FlappingThresholdLow,
		FlappingThresholdHigh: c.FlappingThresholdHigh,
	}
}

// Validate checks constraints in the supplied checker configuration and returns an error if they are violated.
func (c *CheckerConfig) Validate() error {
	if err := c.Options().Validate(); err != nil {
		return errors.Wrap(err, "invalid checker configuration")
	}

	if c.ReconcileInterval <= 0 {
		return errors.New("reconcile-interval must be positive")
	}

	return nil
}

// AlertingConfig defines configuration for the delivery and persistence of alerts.
type AlertingConfig struct {
	RetryTimeout time.Duration   `yaml:"retry-timeout" default:"5m"`
	Retention    RetentionConfig `yaml:"retention" envPrefix:"RETENTION_"`
}

// Validate checks constraints in the supplied alerting configuration and returns an error if they are violated.
func (a *AlertingConfig) Validate() error {
	if a.RetryTimeout <= 0 {
		return errors.New("alerting retry-timeout must be positive")
	}

	return a.Retention.Validate()
}

// RetentionConfig defines configuration for alert history retention.
type RetentionConfig struct {
	HistoryDays uint16        `yaml:"history-days"`
	Interval    time.Duration `yaml:"interval" default:"1h"`
	Count       uint64        `yaml:"count" default:"5000"`
}

// Validate checks constraints in the supplied retention configuration and
// returns an error if they are violated.
func (r *RetentionConfig) Validate() error {
	if r.Interval <= 0 {
		return errors.New("retention interval must be positive")
	}

	if r.Count == 0 {
		return errors.New("count must be greater than zero")
	}

	return nil
}

// HAConfig defines configuration for high availability.
type HAConfig struct {
	HeartbeatInterval time.Duration `yaml:"heartbeat-interval" default:"1s"`
	PeerTimeout       time.Duration `yaml:"peer-timeout" default:"65s"`
}

// Validate checks constraints in the supplied HA configuration and returns an error if they are violated.
func (h *HAConfig) Validate() error {
	if h.HeartbeatInterval <= 0 {
		return errors.New("ha heartbeat-interval must be positive")
	}

	if h.PeerTimeout <= h.HeartbeatInterval {
		return errors.Errorf(
			"ha peer-timeout (%s) must be greater than heartbeat-interval (%s)", h.PeerTimeout, h.HeartbeatInterval,
		)
	}

	return nil
}

// MetricsConfig defines configuration for the Prometheus endpoint.
type MetricsConfig struct {
	// Listen is the address to serve /metrics on. Metrics are not served if empty.
	Listen string `yaml:"listen"`
}
