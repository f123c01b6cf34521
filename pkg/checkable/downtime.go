package checkable

import (
	"time"
)

// Downtime is a scheduled maintenance window of a checkable.
//
// Only fixed downtimes are evaluated here. Flexible downtimes are activated elsewhere
// and are never considered active by IsActive.
type Downtime struct {
	Name      string
	StartTime time.Time
	EndTime   time.Time
	Fixed     bool
}

// IsActive reports whether d is in effect at now.
func (d *Downtime) IsActive(now time.Time) bool {
	return d.Fixed && !now.Before(d.StartTime) && !now.After(d.EndTime)
}

// Validate returns a *ValidationError if d can't be registered.
func (d *Downtime) Validate() error {
	if d == nil {
		return &ValidationError{Field: "downtime", Reason: "missing"}
	}

	if d.Name == "" {
		return &ValidationError{Field: "downtime.name", Reason: "empty"}
	}

	if d.EndTime.Before(d.StartTime) {
		return &ValidationError{Field: "downtime.end_time", Reason: "before start_time"}
	}

	return nil
}

// RegisterDowntime adds d to the downtimes of c, replacing one of the same name.
func (c *Checkable) RegisterDowntime(d *Downtime) error {
	if err := d.Validate(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	dt := *d
	c.downtimes[d.Name] = &dt

	return nil
}

// UnregisterDowntime removes the downtime named name from c.
// It reports whether such a downtime was registered.
func (c *Checkable) UnregisterDowntime(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, ok := c.downtimes[name]
	delete(c.downtimes, name)

	return ok
}

// Downtimes returns copies of the registered downtimes.
func (c *Checkable) Downtimes() []Downtime {
	c.mu.Lock()
	defer c.mu.Unlock()

	downtimes := make([]Downtime, 0, len(c.downtimes))
	for _, d := range c.downtimes {
		downtimes = append(downtimes, *d)
	}

	return downtimes
}

// IsInDowntime reports whether any registered downtime is active now.
func (c *Checkable) IsInDowntime() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.isInDowntime()
}

// isInDowntime must be called with c.mu held.
func (c *Checkable) isInDowntime() bool {
	now := c.clock.Now()
	for _, d := range c.downtimes {
		if d.IsActive(now) {
			return true
		}
	}

	return false
}

// FireSuppressedNotifications reconciles the Problem/Recovery alerts suppressed since the last reconciliation
// into at most one alert for the net state change.
//
// It is a no-op as long as there is nothing suppressed, the checkable is in a soft state,
// the reason for the suppression still applies or c isn't processed by this instance.
// Thus, it is safe to call it speculatively. It reports whether an alert was published.
func (c *Checkable) FireSuppressedNotifications() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.active || !c.authority || !c.suppressedNotifications {
		return false
	}

	if c.stateType == StateTypeSoft {
		// Wait until the state is confirmed, otherwise we may alert on something intermittent.
		return false
	}

	if c.isInDowntime() || !c.reachable {
		return false
	}

	before := c.stateBeforeSuppression
	c.suppressedNotifications = false
	c.stateBeforeSuppression = 0

	if before == c.hardState {
		return false
	}

	c.publish(candidateFor(c.hardState), c.lastCheckResult)

	return true
}
