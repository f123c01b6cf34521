package checkable

import (
	"fmt"
	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"
	"go.uber.org/zap/zapcore"
	"sync"
	"time"
)

// Options configures the state machine of a checkable.
type Options struct {
	MaxCheckAttempts      uint32
	FlappingEnabled       bool
	FlappingThresholdLow  float64
	FlappingThresholdHigh float64
}

// DefaultOptions returns the Options used if nothing else is configured.
func DefaultOptions() Options {
	return Options{
		MaxCheckAttempts:      3,
		FlappingThresholdLow:  DefaultFlappingThresholdLow,
		FlappingThresholdHigh: DefaultFlappingThresholdHigh,
	}
}

// Validate checks constraints in the supplied options and returns an error if they are violated.
func (o Options) Validate() error {
	if o.MaxCheckAttempts < 1 {
		return errors.New("max check attempts must be at least 1")
	}

	if o.FlappingThresholdLow < 0 || o.FlappingThresholdHigh > 100 {
		return errors.Errorf(
			"flapping thresholds must be within [0, 100], got %g and %g", o.FlappingThresholdLow, o.FlappingThresholdHigh,
		)
	}

	if o.FlappingThresholdLow >= o.FlappingThresholdHigh {
		return errors.Errorf(
			"flapping threshold low (%g) must be less than high (%g)", o.FlappingThresholdLow, o.FlappingThresholdHigh,
		)
	}

	return nil
}

// Checkable is the state of a single host or service.
//
// All methods are safe for concurrent use. Mutations of one checkable are serialized by its own lock,
// so different checkables never contend with each other.
type Checkable struct {
	id         string
	objectType ObjectType
	clock      clockwork.Clock
	publisher  Publisher

	mu sync.Mutex

	maxCheckAttempts      uint32
	flappingEnabled       bool
	flappingThresholdLow  float64
	flappingThresholdHigh float64

	rawState     State
	hardState    State
	stateType    StateType
	checkAttempt uint32

	flappingHistory    flappingHistory
	flappingCurrent    float64
	flapping           bool
	flappingLastChange time.Time

	downtimes               map[string]*Downtime
	reachable               bool
	suppressedNotifications bool
	stateBeforeSuppression  State

	active    bool
	authority bool

	lastCheckResult *CheckResult
	lastStateChange time.Time
}

// New returns a new inactive Checkable in the good hard state.
// Alert requests are handed to publisher, which may be nil to discard them.
func New(id string, objectType ObjectType, opts Options, clock clockwork.Clock, publisher Publisher) (*Checkable, error) {
	if id == "" {
		return nil, errors.New("checkable id must not be empty")
	}

	if err := objectType.Validate(); err != nil {
		return nil, err
	}

	if err := opts.Validate(); err != nil {
		return nil, errors.Wrapf(err, "invalid options for %s %q", objectType, id)
	}

	return &Checkable{
		id:                    id,
		objectType:            objectType,
		clock:                 clock,
		publisher:             publisher,
		maxCheckAttempts:      opts.MaxCheckAttempts,
		flappingEnabled:       opts.FlappingEnabled,
		flappingThresholdLow:  opts.FlappingThresholdLow,
		flappingThresholdHigh: opts.FlappingThresholdHigh,
		rawState:              StateGood,
		hardState:             StateGood,
		stateType:             StateTypeHard,
		checkAttempt:          1,
		downtimes:             make(map[string]*Downtime),
		reachable:             true,
	}, nil
}

// Id returns the identity of c.
func (c *Checkable) Id() string {
	return c.id
}

// ObjectType returns whether c is a host or a service.
func (c *Checkable) ObjectType() ObjectType {
	return c.objectType
}

// Activate marks c as loaded from the configuration.
func (c *Checkable) Activate() {
	c.mu.Lock()
	c.active = true
	c.mu.Unlock()
}

// Deactivate marks c as unloaded. Check results are no longer processed afterwards.
func (c *Checkable) Deactivate() {
	c.mu.Lock()
	c.active = false
	c.mu.Unlock()
}

// SetAuthority sets whether this instance is responsible for processing c.
func (c *Checkable) SetAuthority(authority bool) {
	c.mu.Lock()
	c.authority = authority
	c.mu.Unlock()
}

// SetReachable sets the externally computed reachability of c.
// While unreachable, Problem and Recovery alerts are suppressed like in a downtime.
func (c *Checkable) SetReachable(reachable bool) {
	c.mu.Lock()
	c.reachable = reachable
	c.mu.Unlock()
}

// SetState seeds c with a hard state, e.g. the one restored from the database.
// No alerts are requested and the flapping history is left untouched.
func (c *Checkable) SetState(state State) error {
	if state > c.objectType.maxState() {
		return &ValidationError{Field: "state", Reason: fmt.Sprintf("invalid %s state %d", c.objectType, uint8(state))}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.rawState = state
	c.hardState = state
	c.stateType = StateTypeHard
	c.checkAttempt = 1

	return nil
}

// ProcessResult describes what ProcessCheckResult did.
type ProcessResult struct {
	// Skipped is true if c isn't active or this instance isn't authoritative for it.
	Skipped bool

	// StateChange is set whenever the check result left c in a hard state.
	StateChange *StateChange

	// Decision tells what became of the Problem or Recovery candidate of StateChange.
	Decision Decision

	// FlappingAlert is the flapping alert requested, if any.
	FlappingAlert AlertType
}

// ProcessCheckResult feeds a check result into the state machine of c and requests the resulting alerts.
//
// A malformed check result yields a *ValidationError and leaves c unchanged.
// If c isn't active or this instance isn't authoritative for it, the check result is only
// recorded as the last one and the state machine isn't touched.
func (c *Checkable) ProcessCheckResult(cr *CheckResult) (ProcessResult, error) {
	if err := cr.Validate(); err != nil {
		return ProcessResult{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.lastCheckResult = cr

	if !c.active || !c.authority {
		return ProcessResult{Skipped: true}, nil
	}

	oldRawState := c.rawState
	oldHardState := c.hardState
	newState := c.objectType.MapState(cr.State)

	switch {
	case newState.IsGood():
		// Recovery to the good state is always confirmed immediately.
		c.setHard(newState)
	default:
		attempt := uint32(1)
		if c.stateType == StateTypeSoft {
			attempt = c.checkAttempt + 1
		}

		if attempt >= c.maxCheckAttempts {
			c.setHard(newState)
		} else {
			c.rawState = newState
			c.stateType = StateTypeSoft
			c.checkAttempt = attempt
		}
	}

	if c.rawState != oldRawState {
		c.lastStateChange = c.clock.Now()
	}

	var result ProcessResult

	if alert, ok := c.updateFlappingStatus(c.rawState != oldRawState); ok {
		result.FlappingAlert = alert
		c.publish(alert, cr)
	}

	if c.stateType == StateTypeHard {
		result.StateChange = &StateChange{
			PreviousHardState: oldHardState,
			HardState:         c.hardState,
			StateType:         c.stateType,
		}
		result.Decision = c.decide(*result.StateChange, cr)
	}

	return result, nil
}

// setHard confirms state. Must be called with c.mu held.
func (c *Checkable) setHard(state State) {
	c.rawState = state
	c.hardState = state
	c.stateType = StateTypeHard
	c.checkAttempt = 1
}

// State returns the latest state of c, which may still be soft.
func (c *Checkable) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.rawState
}

// HardState returns the latest confirmed state of c.
func (c *Checkable) HardState() State {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.hardState
}

// StateType returns whether the latest state of c is confirmed.
func (c *Checkable) StateType() StateType {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.stateType
}

// CheckAttempt returns the current check attempt of c.
func (c *Checkable) CheckAttempt() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.checkAttempt
}

// IsFlapping reports whether c is flapping.
func (c *Checkable) IsFlapping() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.flapping
}

// FlappingCurrent returns the current flapping percentage of c.
func (c *Checkable) FlappingCurrent() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.flappingCurrent
}

// SuppressedNotifications reports whether Problem or Recovery alerts await reconciliation.
func (c *Checkable) SuppressedNotifications() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.suppressedNotifications
}

// StateBeforeSuppression returns the hard state c had before the first suppressed transition.
// The second return value is false if nothing is suppressed.
func (c *Checkable) StateBeforeSuppression() (State, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.stateBeforeSuppression, c.suppressedNotifications
}

// LastCheckResult returns the latest check result received, processed or not.
func (c *Checkable) LastCheckResult() *CheckResult {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.lastCheckResult
}

// IsReachable reports the reachability last set by SetReachable.
func (c *Checkable) IsReachable() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.reachable
}

// Snapshot is a consistent copy of the state of a checkable.
type Snapshot struct {
	Id                      string
	ObjectType              ObjectType
	State                   State
	HardState               State
	StateType               StateType
	CheckAttempt            uint32
	MaxCheckAttempts        uint32
	FlappingHistory         []bool
	FlappingCurrent         float64
	Flapping                bool
	FlappingLastChange      time.Time
	InDowntime              bool
	Reachable               bool
	SuppressedNotifications bool
	StateBeforeSuppression  State
	Active                  bool
	Authority               bool
	LastStateChange         time.Time
}

// MarshalLogObject implements the zapcore.ObjectMarshaler interface.
func (s Snapshot) MarshalLogObject(encoder zapcore.ObjectEncoder) error {
	encoder.AddString("id", s.Id)
	encoder.AddString("object_type", string(s.ObjectType))
	encoder.AddString("state", s.ObjectType.StateString(s.State))
	encoder.AddString("hard_state", s.ObjectType.StateString(s.HardState))
	encoder.AddString("state_type", s.StateType.String())
	encoder.AddUint32("check_attempt", s.CheckAttempt)
	encoder.AddFloat64("flapping_current", s.FlappingCurrent)
	encoder.AddBool("flapping", s.Flapping)
	encoder.AddBool("in_downtime", s.InDowntime)
	encoder.AddBool("suppressed_notifications", s.SuppressedNotifications)

	return nil
}

// Snapshot returns a consistent copy of the state of c.
func (c *Checkable) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	return Snapshot{
		Id:                      c.id,
		ObjectType:              c.objectType,
		State:                   c.rawState,
		HardState:               c.hardState,
		StateType:               c.stateType,
		CheckAttempt:            c.checkAttempt,
		MaxCheckAttempts:        c.maxCheckAttempts,
		FlappingHistory:         c.flappingHistory.entries(),
		FlappingCurrent:         c.flappingCurrent,
		Flapping:                c.flapping,
		FlappingLastChange:      c.flappingLastChange,
		InDowntime:              c.isInDowntime(),
		Reachable:               c.reachable,
		SuppressedNotifications: c.suppressedNotifications,
		StateBeforeSuppression:  c.stateBeforeSuppression,
		Active:                  c.active,
		Authority:               c.authority,
		LastStateChange:         c.lastStateChange,
	}
}

// Assert interface compliance.
var _ zapcore.ObjectMarshaler = Snapshot{}
