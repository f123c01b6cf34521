package icingaredis

import (
	"context"
	"github.com/icinga/icinga-go-library/redis"
	"github.com/icinga/icinga-go-library/structify"
	"github.com/icinga/icinga-go-library/types"
	"github.com/icinga/icingastate/pkg/checkable"
	"github.com/icinga/icingastate/pkg/contracts"
	"github.com/pkg/errors"
	"reflect"
)

// Streams consumed and written.
const (
	CheckResultStream = "icinga:checkresult:stream"
	DowntimeStream    = "icinga:downtime:stream"
	AlertStream       = "icingastate:alert:stream"
)

// CheckResultMessage is a check result as written to CheckResultStream.
type CheckResultMessage struct {
	CheckableId     string                 `json:"checkable_id"`
	State           NullServiceState       `json:"state"`
	ScheduleStart   types.UnixMilli        `json:"schedule_start"`
	ScheduleEnd     types.UnixMilli        `json:"schedule_end"`
	ExecutionStart  types.UnixMilli        `json:"execution_start"`
	ExecutionEnd    types.UnixMilli        `json:"execution_end"`
	Output          string                 `json:"output"`
	PerformanceData string                 `json:"performance_data"`

	// Reachable is the reachability computed by the sender, if any.
	Reachable types.Bool `json:"reachable"`
}

// NullServiceState is a checkable.ServiceState which may be absent from a message.
type NullServiceState struct {
	State checkable.ServiceState
	Valid bool // Valid is true if State is set
}

// UnmarshalText implements the encoding.TextUnmarshaler interface.
func (s *NullServiceState) UnmarshalText(text []byte) error {
	if err := s.State.UnmarshalText(text); err != nil {
		return &checkable.ValidationError{Field: "state", Reason: err.Error()}
	}

	s.Valid = true

	return nil
}

// CheckResult converts m.
// It returns a *checkable.ValidationError if m carries no state.
func (m *CheckResultMessage) CheckResult() (*checkable.CheckResult, error) {
	if !m.State.Valid {
		return nil, &checkable.ValidationError{Field: "state", Reason: "missing"}
	}

	return &checkable.CheckResult{
		State:           m.State.State,
		ScheduleStart:   m.ScheduleStart.Time(),
		ScheduleEnd:     m.ScheduleEnd.Time(),
		ExecutionStart:  m.ExecutionStart.Time(),
		ExecutionEnd:    m.ExecutionEnd.Time(),
		Output:          m.Output,
		PerformanceData: m.PerformanceData,
	}, nil
}

// Downtime events.
const (
	DowntimeAdded   = "added"
	DowntimeRemoved = "removed"
)

// DowntimeMessage is a downtime event as written to DowntimeStream.
type DowntimeMessage struct {
	Event       string          `json:"event"`
	CheckableId string          `json:"checkable_id"`
	Name        string          `json:"name"`
	StartTime   types.UnixMilli `json:"start_time"`
	EndTime     types.UnixMilli `json:"end_time"`
	IsFlexible  types.Bool      `json:"is_flexible"`
}

// Downtime converts m.
func (m *DowntimeMessage) Downtime() *checkable.Downtime {
	return &checkable.Downtime{
		Name:      m.Name,
		StartTime: m.StartTime.Time(),
		EndTime:   m.EndTime.Time(),
		Fixed:     !m.IsFlexible.Bool,
	}
}

var (
	structifyCheckResult = structify.MakeMapStructifier(
		reflect.TypeOf((*CheckResultMessage)(nil)).Elem(), "json", contracts.SafeInit)
	structifyDowntime = structify.MakeMapStructifier(
		reflect.TypeOf((*DowntimeMessage)(nil)).Elem(), "json", contracts.SafeInit)
)

// CheckResultProcessor is the part of the engine check results are fed into.
type CheckResultProcessor interface {
	ProcessCheckResult(id string, cr *checkable.CheckResult) (checkable.ProcessResult, error)
	SetReachable(id string, reachable bool) error
}

// DowntimeRegistry is the part of the engine downtimes are fed into.
type DowntimeRegistry interface {
	RegisterDowntime(id string, d *checkable.Downtime) error
	UnregisterDowntime(id, name string) (bool, error)
}

// NewCheckResultHandler returns a MessageHandler feeding CheckResultStream messages into p.
func NewCheckResultHandler(p CheckResultProcessor) MessageHandler {
	return func(_ context.Context, message redis.XMessage) error {
		ptr, err := structifyCheckResult(message.Values)
		if err != nil {
			return errors.Wrapf(err, "can't structify values %#v", message.Values)
		}

		m := ptr.(*CheckResultMessage)
		if m.CheckableId == "" {
			return errors.New("check result without checkable_id")
		}

		cr, err := m.CheckResult()
		if err != nil {
			return err
		}

		if m.Reachable.Valid {
			if err := p.SetReachable(m.CheckableId, m.Reachable.Bool); err != nil {
				return err
			}
		}

		_, err = p.ProcessCheckResult(m.CheckableId, cr)

		return err
	}
}

// NewDowntimeHandler returns a MessageHandler feeding DowntimeStream messages into r.
func NewDowntimeHandler(r DowntimeRegistry) MessageHandler {
	return func(_ context.Context, message redis.XMessage) error {
		ptr, err := structifyDowntime(message.Values)
		if err != nil {
			return errors.Wrapf(err, "can't structify values %#v", message.Values)
		}

		m := ptr.(*DowntimeMessage)

		switch m.Event {
		case DowntimeAdded:
			return r.RegisterDowntime(m.CheckableId, m.Downtime())
		case DowntimeRemoved:
			_, err := r.UnregisterDowntime(m.CheckableId, m.Name)

			return err
		default:
			return errors.Errorf("unknown downtime event %q", m.Event)
		}
	}
}
