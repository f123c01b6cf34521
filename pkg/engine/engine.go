package engine

import (
	"context"
	"github.com/icinga/icinga-go-library/com"
	"github.com/icinga/icinga-go-library/logging"
	"github.com/icinga/icinga-go-library/periodic"
	"github.com/icinga/icingastate/pkg/checkable"
	"github.com/icinga/icingastate/pkg/telemetry"
	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// ErrUnknownCheckable is returned for operations on checkables not registered with the Engine.
var ErrUnknownCheckable = errors.New("unknown checkable")

// ErrDuplicateCheckable is returned by Register if the id is already taken.
var ErrDuplicateCheckable = errors.New("checkable already registered")

// Engine is the addressable collection of all checkables processed by this instance.
//
// The Engine itself only serializes lookups. Operations on a checkable are serialized by the checkable,
// so check results of different checkables are processed concurrently.
type Engine struct {
	clock     clockwork.Clock
	publisher checkable.Publisher
	logger    *logging.Logger
	metrics   *telemetry.Metrics

	mu         sync.RWMutex
	checkables map[string]*checkable.Checkable

	authority atomic.Bool
	processed com.Counter
}

// New returns a new Engine. Alert requests of all checkables are handed to publisher.
func New(clock clockwork.Clock, publisher checkable.Publisher, logger *logging.Logger, metrics *telemetry.Metrics) *Engine {
	return &Engine{
		clock:      clock,
		publisher:  publisher,
		logger:     logger,
		metrics:    metrics,
		checkables: make(map[string]*checkable.Checkable),
	}
}

// Register creates and activates a checkable.
// It is authoritative if and only if the Engine currently is.
func (e *Engine) Register(id string, objectType checkable.ObjectType, opts checkable.Options) (*checkable.Checkable, error) {
	c, err := checkable.New(id, objectType, opts, e.clock, e.publisher)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.checkables[id]; ok {
		return nil, errors.Wrapf(ErrDuplicateCheckable, "can't register %s %q", objectType, id)
	}

	c.Activate()
	c.SetAuthority(e.authority.Load())
	e.checkables[id] = c

	e.metrics.Checkables(string(objectType), 1)

	return c, nil
}

// Unregister deactivates and forgets the checkable id.
func (e *Engine) Unregister(id string) error {
	e.mu.Lock()
	c, ok := e.checkables[id]
	delete(e.checkables, id)
	e.mu.Unlock()

	if !ok {
		return errors.Wrap(ErrUnknownCheckable, id)
	}

	c.Deactivate()
	e.metrics.Checkables(string(c.ObjectType()), -1)

	return nil
}

// Get returns the checkable id.
func (e *Engine) Get(id string) (*checkable.Checkable, error) {
	e.mu.RLock()
	c, ok := e.checkables[id]
	e.mu.RUnlock()

	if !ok {
		return nil, errors.Wrap(ErrUnknownCheckable, id)
	}

	return c, nil
}

// Checkables returns all registered checkables ordered by id.
func (e *Engine) Checkables() []*checkable.Checkable {
	e.mu.RLock()
	checkables := make([]*checkable.Checkable, 0, len(e.checkables))
	for _, c := range e.checkables {
		checkables = append(checkables, c)
	}
	e.mu.RUnlock()

	slices.SortFunc(checkables, func(a, b *checkable.Checkable) int {
		return strings.Compare(a.Id(), b.Id())
	})

	return checkables
}

// ProcessCheckResult feeds cr into the checkable id and reconciles suppressed alerts afterwards.
func (e *Engine) ProcessCheckResult(id string, cr *checkable.CheckResult) (checkable.ProcessResult, error) {
	c, err := e.Get(id)
	if err != nil {
		return checkable.ProcessResult{}, err
	}

	result, err := c.ProcessCheckResult(cr)
	if err != nil {
		e.metrics.CheckResult(string(c.ObjectType()), "invalid")

		return result, errors.Wrapf(err, "can't process check result of %s %q", c.ObjectType(), id)
	}

	telemetry.Stats.Get(telemetry.StatCheckResults).Add(1)
	e.processed.Add(1)

	if result.Skipped {
		e.metrics.CheckResult(string(c.ObjectType()), "skipped")

		return result, nil
	}

	e.metrics.CheckResult(string(c.ObjectType()), "processed")

	if sc := result.StateChange; sc != nil && sc.HardState != sc.PreviousHardState {
		e.logger.Debugw("Hard state changed",
			zap.String("checkable", id),
			zap.String("from", c.ObjectType().StateString(sc.PreviousHardState)),
			zap.String("to", c.ObjectType().StateString(sc.HardState)),
			zap.Stringer("decision", result.Decision))
	}

	if result.Decision.Suppressed() {
		telemetry.Stats.Get(telemetry.StatSuppressed).Add(1)
		e.metrics.AlertSuppressed(result.Decision.String())
	}

	if result.FlappingAlert != "" {
		e.logger.Infow("Flapping status changed",
			zap.String("checkable", id), zap.String("alert", string(result.FlappingAlert)))
	}

	c.FireSuppressedNotifications()

	return result, nil
}

// RegisterDowntime adds d to the checkable id.
func (e *Engine) RegisterDowntime(id string, d *checkable.Downtime) error {
	c, err := e.Get(id)
	if err != nil {
		return err
	}

	if err := c.RegisterDowntime(d); err != nil {
		return errors.Wrapf(err, "can't register downtime of %s %q", c.ObjectType(), id)
	}

	telemetry.Stats.Get(telemetry.StatDowntimes).Add(1)

	return nil
}

// UnregisterDowntime removes the downtime name from the checkable id and reconciles suppressed alerts.
// It reports whether such a downtime was registered.
func (e *Engine) UnregisterDowntime(id, name string) (bool, error) {
	c, err := e.Get(id)
	if err != nil {
		return false, err
	}

	ok := c.UnregisterDowntime(name)
	if ok {
		telemetry.Stats.Get(telemetry.StatDowntimes).Add(1)
	}

	c.FireSuppressedNotifications()

	return ok, nil
}

// FireSuppressedNotifications reconciles the suppressed alerts of the checkable id.
// It reports whether an alert was published.
func (e *Engine) FireSuppressedNotifications(id string) (bool, error) {
	c, err := e.Get(id)
	if err != nil {
		return false, err
	}

	return c.FireSuppressedNotifications(), nil
}

// SetReachable sets the reachability of the checkable id and reconciles suppressed alerts.
func (e *Engine) SetReachable(id string, reachable bool) error {
	c, err := e.Get(id)
	if err != nil {
		return err
	}

	c.SetReachable(reachable)
	c.FireSuppressedNotifications()

	return nil
}

// SetAuthority sets whether this instance processes check results, for all checkables.
func (e *Engine) SetAuthority(authority bool) {
	e.authority.Store(authority)
	e.metrics.Authority(authority)

	for _, c := range e.Checkables() {
		c.SetAuthority(authority)
	}

	if authority {
		e.Reconcile()
	}
}

// Authority reports whether this instance processes check results.
func (e *Engine) Authority() bool {
	return e.authority.Load()
}

// Reconcile calls FireSuppressedNotifications on every checkable and returns the number of alerts published.
//
// Downtimes end without any call into the Engine once their window has passed,
// so this has to happen periodically.
func (e *Engine) Reconcile() int {
	var fired int
	for _, c := range e.Checkables() {
		if c.FireSuppressedNotifications() {
			fired++
		}
	}

	if fired > 0 {
		e.logger.Debugf("Published %d suppressed alerts", fired)
	}

	return fired
}

// Run periodically reconciles suppressed alerts every interval until ctx is done.
func (e *Engine) Run(ctx context.Context, interval time.Duration) error {
	defer periodic.Start(ctx, e.logger.Interval(), func(_ periodic.Tick) {
		if count := e.processed.Reset(); count > 0 {
			e.logger.Infof("Processed %d check results in the last %s", count, e.logger.Interval())
		}
	}).Stop()

	ticker := e.clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.Chan():
			e.Reconcile()
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
