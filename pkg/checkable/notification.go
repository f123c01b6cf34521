package checkable

import (
	"go.uber.org/zap/zapcore"
	"time"
)

// AlertType is the kind of alert requested for a checkable.
type AlertType string

const (
	AlertProblem       AlertType = "problem"        // The checkable entered a bad hard state.
	AlertRecovery      AlertType = "recovery"       // The checkable entered the good hard state.
	AlertFlappingStart AlertType = "flapping_start" // The checkable started flapping.
	AlertFlappingEnd   AlertType = "flapping_end"   // The checkable stopped flapping.
)

// AlertRequest is published for every alert the state machine decides to raise.
type AlertRequest struct {
	CheckableId string
	ObjectType  ObjectType
	Type        AlertType
	State       State
	CheckResult *CheckResult
	RequestTime time.Time
}

// MarshalLogObject implements the zapcore.ObjectMarshaler interface.
func (r AlertRequest) MarshalLogObject(encoder zapcore.ObjectEncoder) error {
	encoder.AddString("checkable", r.CheckableId)
	encoder.AddString("object_type", string(r.ObjectType))
	encoder.AddString("type", string(r.Type))
	encoder.AddString("state", r.ObjectType.StateString(r.State))

	return nil
}

// Publisher receives the alert requests of checkables.
//
// Publish is called while the checkable is locked, in the order the triggering transitions were processed.
// Implementations must not block and must not call back into the checkable.
type Publisher interface {
	Publish(AlertRequest)
}

// The PublisherFunc type is an adapter to allow the use of ordinary functions as Publisher.
type PublisherFunc func(AlertRequest)

// Publish implements the Publisher interface.
func (f PublisherFunc) Publish(r AlertRequest) {
	f(r)
}

// Decision tells what became of a Problem or Recovery candidate.
type Decision uint8

const (
	DecisionNone             Decision = iota // No hard state change happened.
	DecisionPublished                        // The candidate has been published.
	DecisionDroppedFlapping                  // The checkable is flapping, the candidate is lost.
	DecisionSuppressedDowntime               // Deferred until the downtime ends.
	DecisionSuppressedUnreachable            // Deferred until the checkable is reachable again.
	DecisionSuppressedPending                // Folded into an already pending suppression.
)

// String implements the fmt.Stringer interface.
func (d Decision) String() string {
	switch d {
	case DecisionPublished:
		return "published"
	case DecisionDroppedFlapping:
		return "dropped_flapping"
	case DecisionSuppressedDowntime:
		return "suppressed_downtime"
	case DecisionSuppressedUnreachable:
		return "suppressed_unreachable"
	case DecisionSuppressedPending:
		return "suppressed_pending"
	default:
		return "none"
	}
}

// Suppressed reports whether d defers the candidate to FireSuppressedNotifications.
func (d Decision) Suppressed() bool {
	return d == DecisionSuppressedDowntime || d == DecisionSuppressedUnreachable || d == DecisionSuppressedPending
}

// StateChange is emitted by ProcessCheckResult whenever the result leaves the checkable in a hard state.
type StateChange struct {
	PreviousHardState State
	HardState         State
	StateType         StateType
}

// candidateFor returns the alert type for a hard transition into state.
func candidateFor(state State) AlertType {
	if state.IsGood() {
		return AlertRecovery
	}

	return AlertProblem
}

// decide turns a hard state change into an alert, a suppression or nothing.
// Flapping status must already be updated for the same check result.
//
// Must be called with c.mu held.
func (c *Checkable) decide(change StateChange, cr *CheckResult) Decision {
	if change.HardState == change.PreviousHardState {
		return DecisionNone
	}

	candidate := candidateFor(change.HardState)

	if c.flapping {
		// The candidate is lost for good. There's no way to tell later whether the checkable
		// was already in that state before it started flapping.
		return DecisionDroppedFlapping
	}

	var decision Decision
	switch {
	case c.isInDowntime():
		decision = DecisionSuppressedDowntime
	case !c.reachable:
		decision = DecisionSuppressedUnreachable
	case c.suppressedNotifications:
		decision = DecisionSuppressedPending
	}

	if decision.Suppressed() {
		if !c.suppressedNotifications {
			c.suppressedNotifications = true
			c.stateBeforeSuppression = change.PreviousHardState
		}

		return decision
	}

	c.publish(candidate, cr)

	return DecisionPublished
}

// publish hands an alert request to the publisher.
//
// Must be called with c.mu held.
func (c *Checkable) publish(t AlertType, cr *CheckResult) {
	if c.publisher == nil {
		return
	}

	c.publisher.Publish(AlertRequest{
		CheckableId: c.id,
		ObjectType:  c.objectType,
		Type:        t,
		State:       c.hardState,
		CheckResult: cr,
		RequestTime: c.clock.Now(),
	})
}

// Assert interface compliance.
var (
	_ zapcore.ObjectMarshaler = AlertRequest{}
	_ Publisher               = PublisherFunc(nil)
)
