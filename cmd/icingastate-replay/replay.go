package main

import (
	"github.com/icinga/icinga-go-library/logging"
	"github.com/icinga/icingastate/pkg/checkable"
	"github.com/icinga/icingastate/pkg/engine"
	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"
	"slices"
	"time"
)

// ReplayedAlert is an alert requested during a replay.
type ReplayedAlert struct {
	Step        int    `db:"step"`
	Checkable   string `db:"checkable"`
	ObjectType  string `db:"object_type"`
	Type        string `db:"type"`
	State       string `db:"state"`
	RequestTime int64  `db:"request_time"`
}

// Report is the outcome of a replay.
type Report struct {
	Alerts []ReplayedAlert

	// Failures describes every step whose expectation wasn't met.
	Failures []string
}

// replay runs s against a fresh engine driven by a fake clock.
// onStep is called after every step.
func replay(s *Scenario, logger *logging.Logger, onStep func()) (*Report, error) {
	clock := clockwork.NewFakeClockAt(s.Start)

	var pending []checkable.AlertRequest
	e := engine.New(clock, checkable.PublisherFunc(func(req checkable.AlertRequest) {
		pending = append(pending, req)
	}), logger, nil)

	e.SetAuthority(true)

	for _, o := range s.Checkables {
		c, err := e.Register(o.Name, o.Type, o.Options())
		if err != nil {
			return nil, err
		}

		if o.State != nil {
			if err := c.SetState(o.Type.MapState(checkable.ServiceState(*o.State))); err != nil {
				return nil, errors.Wrapf(err, "can't set initial state of %q", o.Name)
			}
		}
	}

	report := &Report{}

	for i, step := range s.Steps {
		if err := apply(e, clock, step); err != nil {
			return nil, errors.Wrapf(err, "step #%d", i)
		}

		types := make([]checkable.AlertType, 0, len(pending))
		for _, req := range pending {
			types = append(types, req.Type)
			report.Alerts = append(report.Alerts, ReplayedAlert{
				Step:        i,
				Checkable:   req.CheckableId,
				ObjectType:  string(req.ObjectType),
				Type:        string(req.Type),
				State:       req.ObjectType.StateString(req.State),
				RequestTime: req.RequestTime.UnixMilli(),
			})
		}
		pending = pending[:0]

		if step.Expect != nil && !slices.Equal(step.Expect, types) {
			report.Failures = append(report.Failures, errors.Errorf(
				"step #%d: expected alerts %v, got %v", i, step.Expect, types,
			).Error())
		}

		clock.Advance(time.Duration(step.Advance))

		if onStep != nil {
			onStep()
		}
	}

	return report, nil
}

// apply performs the actions of step.
func apply(e *engine.Engine, clock clockwork.Clock, step Step) error {
	if step.Reachable != nil {
		if err := e.SetReachable(step.Checkable, *step.Reachable); err != nil {
			return err
		}
	}

	if step.DowntimeAdd != nil {
		if err := e.RegisterDowntime(step.Checkable, step.DowntimeAdd.Downtime(clock.Now())); err != nil {
			return err
		}
	}

	if step.DowntimeRemove != "" {
		if _, err := e.UnregisterDowntime(step.Checkable, step.DowntimeRemove); err != nil {
			return err
		}
	}

	if step.CheckResult != nil {
		now := clock.Now()
		cr := &checkable.CheckResult{
			State:          checkable.ServiceState(*step.CheckResult),
			ScheduleStart:  now,
			ScheduleEnd:    now,
			ExecutionStart: now,
			ExecutionEnd:   now,
			Output:         step.Output,
		}

		if _, err := e.ProcessCheckResult(step.Checkable, cr); err != nil {
			return err
		}
	}

	if step.Fire {
		if _, err := e.FireSuppressedNotifications(step.Checkable); err != nil {
			return err
		}
	}

	return nil
}
