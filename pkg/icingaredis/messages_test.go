package icingaredis

import (
	"context"
	"github.com/icinga/icinga-go-library/logging"
	"github.com/icinga/icinga-go-library/redis"
	"github.com/icinga/icingastate/pkg/checkable"
	"github.com/icinga/icingastate/pkg/engine"
	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"testing"
	"time"
)

type recorder []checkable.AlertRequest

func (r *recorder) Publish(req checkable.AlertRequest) {
	*r = append(*r, req)
}

var testNow = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

func newTestEngine(t *testing.T) (*engine.Engine, *recorder) {
	t.Helper()

	rec := &recorder{}
	logger := logging.NewLogger(zaptest.NewLogger(t).Sugar(), time.Second)
	e := engine.New(clockwork.NewFakeClockAt(testNow), rec, logger, nil)
	e.SetAuthority(true)

	opts := checkable.DefaultOptions()
	opts.MaxCheckAttempts = 1

	_, err := e.Register("web", checkable.ObjectTypeService, opts)
	require.NoError(t, err)

	return e, rec
}

func message(values map[string]any) redis.XMessage {
	return redis.XMessage{ID: "1700000000000-0", Values: values}
}

func TestCheckResultHandler(t *testing.T) {
	t.Run("problem", func(t *testing.T) {
		e, rec := newTestEngine(t)
		handle := NewCheckResultHandler(e)

		require.NoError(t, handle(context.Background(), message(map[string]any{
			"checkable_id":    "web",
			"state":           "2",
			"execution_start": "1704110400000",
			"execution_end":   "1704110401500",
			"output":          "CRITICAL - connection refused",
		})))

		require.Len(t, *rec, 1)
		req := (*rec)[0]
		require.Equal(t, checkable.AlertProblem, req.Type)
		require.Equal(t, "CRITICAL - connection refused", req.CheckResult.Output)
		require.Equal(t, 1500*time.Millisecond, req.CheckResult.ExecutionTime())
	})

	t.Run("state-by-name", func(t *testing.T) {
		e, rec := newTestEngine(t)
		handle := NewCheckResultHandler(e)

		require.NoError(t, handle(context.Background(), message(map[string]any{"checkable_id": "web", "state": "WARNING"})))
		require.Len(t, *rec, 1)
		require.Equal(t, checkable.State(checkable.ServiceWarning), (*rec)[0].State)
	})

	t.Run("unreachable", func(t *testing.T) {
		e, rec := newTestEngine(t)
		handle := NewCheckResultHandler(e)

		require.NoError(t, handle(context.Background(), message(map[string]any{
			"checkable_id": "web", "state": "2", "reachable": "0",
		})))
		require.Empty(t, *rec)

		c, err := e.Get("web")
		require.NoError(t, err)
		require.False(t, c.IsReachable())
		require.True(t, c.SuppressedNotifications())
	})

	t.Run("invalid", func(t *testing.T) {
		e, rec := newTestEngine(t)
		handle := NewCheckResultHandler(e)

		require.NoError(t, handle(context.Background(), message(map[string]any{"checkable_id": "web", "state": "2"})))
		require.Len(t, *rec, 1)
		*rec = nil

		var ve *checkable.ValidationError
		require.ErrorAs(t, handle(context.Background(), message(map[string]any{"checkable_id": "web", "state": "BROKEN"})), &ve)
		require.Equal(t, "state", ve.Field)

		ve = nil
		require.ErrorAs(t, handle(context.Background(), message(map[string]any{
			"checkable_id": "web", "output": "OK - no state", "reachable": "0",
		})), &ve)
		require.Equal(t, "state", ve.Field)

		c, err := e.Get("web")
		require.NoError(t, err)
		require.Equal(t, checkable.State(checkable.ServiceCritical), c.State())
		require.True(t, c.IsReachable())

		require.Error(t, handle(context.Background(), message(map[string]any{"state": "2"})))
		require.ErrorIs(t, handle(context.Background(), message(map[string]any{
			"checkable_id": "db", "state": "2",
		})), engine.ErrUnknownCheckable)
		require.Empty(t, *rec)
	})
}

func TestDowntimeHandler(t *testing.T) {
	e, rec := newTestEngine(t)
	handleDowntime := NewDowntimeHandler(e)
	handleCheckResult := NewCheckResultHandler(e)

	require.NoError(t, handleDowntime(context.Background(), message(map[string]any{
		"event":        DowntimeAdded,
		"checkable_id": "web",
		"name":         "maintenance",
		"start_time":   "1704106800000",
		"end_time":     "1704114000000",
		"is_flexible":  "0",
	})))

	c, err := e.Get("web")
	require.NoError(t, err)
	require.True(t, c.IsInDowntime())

	require.NoError(t, handleCheckResult(context.Background(), message(map[string]any{"checkable_id": "web", "state": "2"})))
	require.Empty(t, *rec)

	require.NoError(t, handleDowntime(context.Background(), message(map[string]any{
		"event": DowntimeRemoved, "checkable_id": "web", "name": "maintenance",
	})))
	require.Len(t, *rec, 1)
	require.Equal(t, checkable.AlertProblem, (*rec)[0].Type)

	require.Error(t, handleDowntime(context.Background(), message(map[string]any{
		"event": "postponed", "checkable_id": "web", "name": "maintenance",
	})))
}

func TestDowntimeMessage_Downtime(t *testing.T) {
	ptr, err := structifyDowntime(map[string]any{
		"event":        DowntimeAdded,
		"checkable_id": "web",
		"name":         "flex",
		"start_time":   "1704106800000",
		"end_time":     "1704114000000",
		"is_flexible":  "1",
	})
	require.NoError(t, err)

	d := ptr.(*DowntimeMessage).Downtime()
	require.Equal(t, "flex", d.Name)
	require.False(t, d.Fixed)
	require.True(t, time.UnixMilli(1704106800000).Equal(d.StartTime))
	require.Equal(t, 2*time.Hour, d.EndTime.Sub(d.StartTime))
}

func TestAlertValues(t *testing.T) {
	req := checkable.AlertRequest{
		CheckableId: "router",
		ObjectType:  checkable.ObjectTypeHost,
		Type:        checkable.AlertProblem,
		State:       checkable.State(checkable.HostDown),
		RequestTime: testNow,
	}

	require.Equal(t, []string{
		"checkable_id", "router",
		"object_type", "host",
		"type", "problem",
		"state", "1",
		"state_name", "DOWN",
		"request_time", "1704110400000",
	}, alertValues(req))

	req.CheckResult = &checkable.CheckResult{Output: "PING CRITICAL", ExecutionEnd: testNow}
	values := alertValues(req)
	require.Equal(t, []string{"output", "PING CRITICAL", "performance_data", "", "execution_end", "1704110400000"}, values[12:])
}

func TestFatal(t *testing.T) {
	err := errors.New("boom")

	var fe fatalError
	require.True(t, errors.As(errors.Wrap(Fatal(err), "handler"), &fe))
	require.ErrorIs(t, Fatal(err), err)
}
