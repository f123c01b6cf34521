package v1

import (
	"github.com/icinga/icinga-go-library/types"
	"github.com/icinga/icingastate/pkg/checkable"
)

// CheckableConfig is the configuration of a host or service relevant for state processing.
// Zero values fall back to the configured defaults.
type CheckableConfig struct {
	Name                  string      `db:"name"`
	MaxCheckAttempts      types.Int   `db:"max_check_attempts"`
	FlappingEnabled       types.Bool  `db:"flapping_enabled"`
	FlappingThresholdLow  types.Float `db:"flapping_threshold_low"`
	FlappingThresholdHigh types.Float `db:"flapping_threshold_high"`
}

// Options merges c into defaults.
func (c CheckableConfig) Options(defaults checkable.Options) checkable.Options {
	opts := defaults

	if c.MaxCheckAttempts.Valid && c.MaxCheckAttempts.Int64 > 0 {
		opts.MaxCheckAttempts = uint32(c.MaxCheckAttempts.Int64)
	}

	if c.FlappingEnabled.Valid {
		opts.FlappingEnabled = c.FlappingEnabled.Bool
	}

	if c.FlappingThresholdLow.Valid && c.FlappingThresholdLow.Float64 > 0 {
		opts.FlappingThresholdLow = c.FlappingThresholdLow.Float64
	}

	if c.FlappingThresholdHigh.Valid && c.FlappingThresholdHigh.Float64 > 0 {
		opts.FlappingThresholdHigh = c.FlappingThresholdHigh.Float64
	}

	return opts
}

// LastHardState is the hard state of a checkable according to its latest Problem or Recovery alert.
type LastHardState struct {
	CheckableName string `db:"checkable_name"`
	ObjectType    string `db:"object_type"`
	State         uint8  `db:"state"`
}
