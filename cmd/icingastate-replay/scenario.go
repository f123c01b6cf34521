package main

import (
	"fmt"
	"github.com/goccy/go-yaml"
	"github.com/icinga/icingastate/pkg/checkable"
	"github.com/pkg/errors"
	"io"
	"time"
)

// Scenario is a replayable sequence of check results, downtimes and clock advances.
type Scenario struct {
	// Start is the time of the fake clock at the beginning. Defaults to 2024-01-01 00:00 UTC.
	Start      time.Time        `yaml:"start"`
	Checkables []ScenarioObject `yaml:"checkables"`
	Steps      []Step           `yaml:"steps"`
}

// ScenarioObject configures a checkable of a Scenario.
type ScenarioObject struct {
	Name                  string               `yaml:"name"`
	Type                  checkable.ObjectType `yaml:"type"`
	MaxCheckAttempts      uint32               `yaml:"max-check-attempts"`
	EnableFlapping        bool                 `yaml:"enable-flapping"`
	FlappingThresholdLow  float64              `yaml:"flapping-threshold-low"`
	FlappingThresholdHigh float64              `yaml:"flapping-threshold-high"`
	State                 *serviceState        `yaml:"state"`
}

// Options returns the checkable.Options of o, unset values taken from checkable.DefaultOptions.
func (o ScenarioObject) Options() checkable.Options {
	opts := checkable.DefaultOptions()
	opts.FlappingEnabled = o.EnableFlapping

	if o.MaxCheckAttempts > 0 {
		opts.MaxCheckAttempts = o.MaxCheckAttempts
	}

	if o.FlappingThresholdLow > 0 {
		opts.FlappingThresholdLow = o.FlappingThresholdLow
	}

	if o.FlappingThresholdHigh > 0 {
		opts.FlappingThresholdHigh = o.FlappingThresholdHigh
	}

	return opts
}

// Step is one step of a Scenario. Its actions are applied in field order.
type Step struct {
	Checkable      string            `yaml:"checkable"`
	Reachable      *bool             `yaml:"reachable"`
	DowntimeAdd    *ScenarioDowntime `yaml:"downtime-add"`
	DowntimeRemove string            `yaml:"downtime-remove"`
	CheckResult    *serviceState     `yaml:"check-result"`
	Output         string            `yaml:"output"`
	Fire           bool              `yaml:"fire"`
	Advance        duration          `yaml:"advance"`

	// Expect lists the alert types the step must request. Not checked if nil.
	Expect []checkable.AlertType `yaml:"expect"`
}

// needsCheckable reports whether s acts on a checkable.
func (s Step) needsCheckable() bool {
	return s.Reachable != nil || s.DowntimeAdd != nil || s.DowntimeRemove != "" || s.CheckResult != nil || s.Fire
}

// ScenarioDowntime is a downtime relative to the fake clock at the time of its step.
type ScenarioDowntime struct {
	Name     string   `yaml:"name"`
	Start    duration `yaml:"start"`
	End      duration `yaml:"end"`
	Flexible bool     `yaml:"flexible"`
}

// Downtime returns the checkable.Downtime described by d at now.
func (d ScenarioDowntime) Downtime(now time.Time) *checkable.Downtime {
	return &checkable.Downtime{
		Name:      d.Name,
		StartTime: now.Add(time.Duration(d.Start)),
		EndTime:   now.Add(time.Duration(d.End)),
		Fixed:     !d.Flexible,
	}
}

// duration is a time.Duration written as Go duration string, e.g. "-1h30m".
type duration time.Duration

// UnmarshalYAML implements the yaml.InterfaceUnmarshaler interface.
func (d *duration) UnmarshalYAML(unmarshal func(any) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}

	parsed, err := time.ParseDuration(s)
	if err != nil {
		return errors.Wrapf(err, "bad duration %q", s)
	}

	*d = duration(parsed)

	return nil
}

// serviceState is a checkable.ServiceState written either as number or as name.
type serviceState checkable.ServiceState

// UnmarshalYAML implements the yaml.InterfaceUnmarshaler interface.
func (s *serviceState) UnmarshalYAML(unmarshal func(any) error) error {
	var v any
	if err := unmarshal(&v); err != nil {
		return err
	}

	var state checkable.ServiceState
	if err := state.UnmarshalText([]byte(fmt.Sprint(v))); err != nil {
		return err
	}

	*s = serviceState(state)

	return nil
}

// parseScenario decodes and validates a Scenario from r.
func parseScenario(r io.Reader) (*Scenario, error) {
	s := &Scenario{}
	if err := yaml.NewDecoder(r, yaml.DisallowUnknownField()).Decode(s); err != nil {
		return nil, errors.Wrap(err, "can't parse scenario")
	}

	if s.Start.IsZero() {
		s.Start = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	}

	names := make(map[string]struct{}, len(s.Checkables))
	for i, o := range s.Checkables {
		if o.Name == "" {
			return nil, errors.Errorf("checkable #%d has no name", i)
		}

		if _, ok := names[o.Name]; ok {
			return nil, errors.Errorf("duplicate checkable %q", o.Name)
		}

		if err := o.Type.Validate(); err != nil {
			return nil, errors.Wrapf(err, "checkable %q", o.Name)
		}

		names[o.Name] = struct{}{}
	}

	for i, step := range s.Steps {
		if !step.needsCheckable() {
			continue
		}

		if _, ok := names[step.Checkable]; !ok {
			return nil, errors.Errorf("step #%d refers to unknown checkable %q", i, step.Checkable)
		}
	}

	return s, nil
}
