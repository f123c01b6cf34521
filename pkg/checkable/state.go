package checkable

import (
	"encoding"
	"fmt"
	"github.com/pkg/errors"
	"strings"
)

// ServiceState is the state reported by a check result.
//
// Check results always carry a service state, also for hosts. Hosts map it to their own domain, see ObjectType.
type ServiceState uint8

const (
	ServiceOK ServiceState = iota
	ServiceWarning
	ServiceCritical
	ServiceUnknown
)

// Valid reports whether s is one of the known service states.
func (s ServiceState) Valid() bool {
	return s <= ServiceUnknown
}

// String implements the fmt.Stringer interface.
func (s ServiceState) String() string {
	switch s {
	case ServiceOK:
		return "OK"
	case ServiceWarning:
		return "WARNING"
	case ServiceCritical:
		return "CRITICAL"
	case ServiceUnknown:
		return "UNKNOWN"
	default:
		return fmt.Sprintf("ServiceState(%d)", uint8(s))
	}
}

// UnmarshalText implements the encoding.TextUnmarshaler interface.
// It accepts both the numeric and the textual representation.
func (s *ServiceState) UnmarshalText(text []byte) error {
	switch strings.ToUpper(string(text)) {
	case "0", "OK":
		*s = ServiceOK
	case "1", "WARNING":
		*s = ServiceWarning
	case "2", "CRITICAL":
		*s = ServiceCritical
	case "3", "UNKNOWN":
		*s = ServiceUnknown
	default:
		return errors.Errorf("bad service state %q", text)
	}

	return nil
}

// HostState is the state domain of hosts.
type HostState uint8

const (
	HostUp HostState = iota
	HostDown
)

// String implements the fmt.Stringer interface.
func (s HostState) String() string {
	switch s {
	case HostUp:
		return "UP"
	case HostDown:
		return "DOWN"
	default:
		return fmt.Sprintf("HostState(%d)", uint8(s))
	}
}

// State is the state of a checkable in the domain of its object type,
// i.e. a ServiceState for services and a HostState for hosts.
//
// The good state is 0 for both object types.
type State uint8

// StateGood is the good state of every object type (OK, UP).
const StateGood State = 0

// IsGood reports whether s is the good state.
func (s State) IsGood() bool {
	return s == StateGood
}

// StateType tells whether a state is still provisional (soft) or confirmed (hard).
type StateType uint8

const (
	StateTypeSoft StateType = iota
	StateTypeHard
)

// String implements the fmt.Stringer interface.
func (t StateType) String() string {
	if t == StateTypeHard {
		return "hard"
	}

	return "soft"
}

// ObjectType distinguishes hosts from services.
type ObjectType string

const (
	ObjectTypeHost    ObjectType = "host"
	ObjectTypeService ObjectType = "service"
)

// Validate returns an error if t is neither host nor service.
func (t ObjectType) Validate() error {
	switch t {
	case ObjectTypeHost, ObjectTypeService:
		return nil
	default:
		return errors.Errorf("unknown object type %q", string(t))
	}
}

// MapState converts the service state of a check result into the state domain of t.
func (t ObjectType) MapState(s ServiceState) State {
	if t == ObjectTypeHost {
		if s == ServiceOK || s == ServiceWarning {
			return State(HostUp)
		}

		return State(HostDown)
	}

	return State(s)
}

// maxState returns the highest valid State in the state domain of t.
func (t ObjectType) maxState() State {
	if t == ObjectTypeHost {
		return State(HostDown)
	}

	return State(ServiceUnknown)
}

// StateString returns the name of s in the state domain of t.
func (t ObjectType) StateString(s State) string {
	if t == ObjectTypeHost {
		return HostState(s).String()
	}

	return ServiceState(s).String()
}

// Assert interface compliance.
var (
	_ fmt.Stringer             = ServiceState(0)
	_ encoding.TextUnmarshaler = (*ServiceState)(nil)
	_ fmt.Stringer             = HostState(0)
	_ fmt.Stringer             = StateType(0)
)
