package v1

import (
	"database/sql"
	"github.com/icinga/icinga-go-library/types"
	"github.com/icinga/icingastate/pkg/checkable"
	"github.com/stretchr/testify/require"
	"testing"
	"time"
)

func TestCheckableConfig_Options(t *testing.T) {
	defaults := checkable.DefaultOptions()

	subtests := []struct {
		name   string
		input  CheckableConfig
		output checkable.Options
	}{
		{
			name:   "all-null",
			input:  CheckableConfig{Name: "web"},
			output: defaults,
		},
		{
			name: "overrides",
			input: CheckableConfig{
				Name:                  "web",
				MaxCheckAttempts:      types.Int{NullInt64: sql.NullInt64{Int64: 5, Valid: true}},
				FlappingEnabled:       types.Bool{Bool: true, Valid: true},
				FlappingThresholdLow:  types.Float{NullFloat64: sql.NullFloat64{Float64: 10, Valid: true}},
				FlappingThresholdHigh: types.Float{NullFloat64: sql.NullFloat64{Float64: 50, Valid: true}},
			},
			output: checkable.Options{
				MaxCheckAttempts:      5,
				FlappingEnabled:       true,
				FlappingThresholdLow:  10,
				FlappingThresholdHigh: 50,
			},
		},
		{
			name: "zero-falls-back",
			input: CheckableConfig{
				Name:                 "web",
				MaxCheckAttempts:     types.Int{NullInt64: sql.NullInt64{Valid: true}},
				FlappingEnabled:      types.Bool{Bool: false, Valid: true},
				FlappingThresholdLow: types.Float{NullFloat64: sql.NullFloat64{Valid: true}},
			},
			output: defaults,
		},
	}

	for _, st := range subtests {
		t.Run(st.name, func(t *testing.T) {
			require.Equal(t, st.output, st.input.Options(defaults))
		})
	}
}

func TestNewAlertHistory(t *testing.T) {
	requestTime := time.UnixMilli(1704110400000)

	req := checkable.AlertRequest{
		CheckableId: "web!http",
		ObjectType:  checkable.ObjectTypeService,
		Type:        checkable.AlertProblem,
		State:       checkable.State(checkable.ServiceCritical),
		CheckResult: &checkable.CheckResult{State: checkable.ServiceCritical, Output: "connection refused"},
		RequestTime: requestTime,
	}

	h := NewAlertHistory(req)
	require.Len(t, h.Id, 16)
	require.Equal(t, "web!http", h.CheckableName)
	require.Equal(t, "service", h.ObjectType)
	require.Equal(t, "problem", h.Type)
	require.Equal(t, uint8(2), h.State)
	require.Equal(t, types.MakeString("connection refused"), h.Output)
	require.True(t, requestTime.Equal(h.RequestTime.Time()))

	require.NotEqual(t, h.Id, NewAlertHistory(req).Id, "ids are random")

	req.CheckResult = nil
	require.False(t, NewAlertHistory(req).Output.Valid)
}
