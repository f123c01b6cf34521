package engine

import (
	"context"
	"fmt"
	"github.com/icinga/icinga-go-library/logging"
	"github.com/icinga/icingastate/pkg/checkable"
	"github.com/icinga/icingastate/pkg/telemetry"
	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"sync"
	"testing"
	"time"
)

type recorder struct {
	mu     sync.Mutex
	alerts []checkable.AlertRequest
}

func (r *recorder) Publish(req checkable.AlertRequest) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.alerts = append(r.alerts, req)
}

func (r *recorder) get() []checkable.AlertRequest {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]checkable.AlertRequest(nil), r.alerts...)
}

func newTestEngine(t *testing.T) (*Engine, *recorder, clockwork.FakeClock) {
	t.Helper()

	clock := clockwork.NewFakeClockAt(time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC))
	rec := &recorder{}
	logger := logging.NewLogger(zaptest.NewLogger(t).Sugar(), time.Second)

	e := New(clock, rec, logger, telemetry.NewMetrics())
	e.SetAuthority(true)

	return e, rec, clock
}

func attempts(n uint32) checkable.Options {
	opts := checkable.DefaultOptions()
	opts.MaxCheckAttempts = n

	return opts
}

func TestEngine_Register(t *testing.T) {
	e, _, _ := newTestEngine(t)

	c, err := e.Register("web", checkable.ObjectTypeService, attempts(1))
	require.NoError(t, err)
	require.Equal(t, "web", c.Id())

	_, err = e.Register("web", checkable.ObjectTypeHost, attempts(1))
	require.ErrorIs(t, err, ErrDuplicateCheckable)

	_, err = e.Register("db", checkable.ObjectTypeHost, checkable.Options{})
	require.Error(t, err)

	got, err := e.Get("web")
	require.NoError(t, err)
	require.Same(t, c, got)

	_, err = e.Register("app", checkable.ObjectTypeHost, attempts(1))
	require.NoError(t, err)

	var ids []string
	for _, c := range e.Checkables() {
		ids = append(ids, c.Id())
	}
	require.Equal(t, []string{"app", "web"}, ids)

	require.NoError(t, e.Unregister("web"))
	require.False(t, c.Snapshot().Active)
	require.ErrorIs(t, e.Unregister("web"), ErrUnknownCheckable)
}

func TestEngine_UnknownCheckable(t *testing.T) {
	e, _, clock := newTestEngine(t)

	_, err := e.Get("nope")
	require.ErrorIs(t, err, ErrUnknownCheckable)

	_, err = e.ProcessCheckResult("nope", &checkable.CheckResult{})
	require.ErrorIs(t, err, ErrUnknownCheckable)

	err = e.RegisterDowntime("nope", &checkable.Downtime{Name: "dt", StartTime: clock.Now(), EndTime: clock.Now()})
	require.ErrorIs(t, err, ErrUnknownCheckable)

	_, err = e.UnregisterDowntime("nope", "dt")
	require.ErrorIs(t, err, ErrUnknownCheckable)

	_, err = e.FireSuppressedNotifications("nope")
	require.ErrorIs(t, err, ErrUnknownCheckable)

	require.ErrorIs(t, e.SetReachable("nope", false), ErrUnknownCheckable)
}

func TestEngine_ProcessCheckResult(t *testing.T) {
	t.Run("invalid", func(t *testing.T) {
		e, rec, _ := newTestEngine(t)
		_, err := e.Register("web", checkable.ObjectTypeService, attempts(1))
		require.NoError(t, err)

		_, err = e.ProcessCheckResult("web", &checkable.CheckResult{State: 7})

		var ve *checkable.ValidationError
		require.ErrorAs(t, err, &ve)
		require.Equal(t, "state", ve.Field)
		require.Empty(t, rec.get())
	})

	t.Run("authority", func(t *testing.T) {
		e, rec, _ := newTestEngine(t)
		e.SetAuthority(false)

		_, err := e.Register("web", checkable.ObjectTypeService, attempts(1))
		require.NoError(t, err)

		result, err := e.ProcessCheckResult("web", &checkable.CheckResult{State: checkable.ServiceCritical})
		require.NoError(t, err)
		require.True(t, result.Skipped)

		e.SetAuthority(true)
		require.True(t, e.Authority())

		result, err = e.ProcessCheckResult("web", &checkable.CheckResult{State: checkable.ServiceCritical})
		require.NoError(t, err)
		require.Equal(t, checkable.DecisionPublished, result.Decision)
		require.Len(t, rec.get(), 1)
	})

	t.Run("concurrent", func(t *testing.T) {
		e, rec, _ := newTestEngine(t)

		const n = 50
		for i := 0; i < n; i++ {
			_, err := e.Register(fmt.Sprintf("svc-%d", i), checkable.ObjectTypeService, attempts(1))
			require.NoError(t, err)
		}

		var wg sync.WaitGroup
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(id string) {
				defer wg.Done()

				for _, s := range []checkable.ServiceState{checkable.ServiceCritical, checkable.ServiceOK} {
					_, err := e.ProcessCheckResult(id, &checkable.CheckResult{State: s})
					assert.NoError(t, err)
				}
			}(fmt.Sprintf("svc-%d", i))
		}
		wg.Wait()

		perCheckable := map[string][]checkable.AlertType{}
		for _, a := range rec.get() {
			perCheckable[a.CheckableId] = append(perCheckable[a.CheckableId], a.Type)
		}

		require.Len(t, perCheckable, n)
		for id, types := range perCheckable {
			require.Equal(t, []checkable.AlertType{checkable.AlertProblem, checkable.AlertRecovery}, types, id)
		}
	})
}

func TestEngine_Downtime(t *testing.T) {
	t.Run("unregister-fires", func(t *testing.T) {
		e, rec, clock := newTestEngine(t)
		_, err := e.Register("web", checkable.ObjectTypeService, attempts(1))
		require.NoError(t, err)

		require.NoError(t, e.RegisterDowntime("web", &checkable.Downtime{
			Name: "dt", StartTime: clock.Now().Add(-time.Hour), EndTime: clock.Now().Add(time.Hour), Fixed: true,
		}))

		for _, s := range []checkable.ServiceState{
			checkable.ServiceWarning, checkable.ServiceCritical, checkable.ServiceOK,
			checkable.ServiceUnknown, checkable.ServiceWarning, checkable.ServiceCritical,
		} {
			_, err := e.ProcessCheckResult("web", &checkable.CheckResult{State: s})
			require.NoError(t, err)
		}
		require.Empty(t, rec.get())

		ok, err := e.UnregisterDowntime("web", "dt")
		require.NoError(t, err)
		require.True(t, ok)

		alerts := rec.get()
		require.Len(t, alerts, 1)
		require.Equal(t, checkable.AlertProblem, alerts[0].Type)
		require.Equal(t, checkable.State(checkable.ServiceCritical), alerts[0].State)

		fired, err := e.FireSuppressedNotifications("web")
		require.NoError(t, err)
		require.False(t, fired)
	})

	t.Run("window-passes", func(t *testing.T) {
		e, rec, clock := newTestEngine(t)
		_, err := e.Register("web", checkable.ObjectTypeService, attempts(1))
		require.NoError(t, err)

		require.NoError(t, e.RegisterDowntime("web", &checkable.Downtime{
			Name: "dt", StartTime: clock.Now(), EndTime: clock.Now().Add(time.Hour), Fixed: true,
		}))

		_, err = e.ProcessCheckResult("web", &checkable.CheckResult{State: checkable.ServiceCritical})
		require.NoError(t, err)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		done := make(chan error, 1)
		go func() { done <- e.Run(ctx, time.Minute) }()

		clock.BlockUntil(1)
		clock.Advance(time.Minute)
		require.Never(t, func() bool { return len(rec.get()) > 0 }, 50*time.Millisecond, time.Millisecond)

		clock.Advance(2 * time.Hour)
		require.Eventually(t, func() bool { return len(rec.get()) == 1 }, time.Second, time.Millisecond)
		require.Equal(t, checkable.AlertProblem, rec.get()[0].Type)

		cancel()
		require.ErrorIs(t, <-done, context.Canceled)
	})

	t.Run("invalid", func(t *testing.T) {
		e, _, clock := newTestEngine(t)
		_, err := e.Register("web", checkable.ObjectTypeService, attempts(1))
		require.NoError(t, err)

		err = e.RegisterDowntime("web", &checkable.Downtime{StartTime: clock.Now(), EndTime: clock.Now()})

		var ve *checkable.ValidationError
		require.True(t, errors.As(err, &ve))
	})
}

func TestEngine_SetReachable(t *testing.T) {
	e, rec, _ := newTestEngine(t)
	_, err := e.Register("router", checkable.ObjectTypeHost, attempts(1))
	require.NoError(t, err)

	require.NoError(t, e.SetReachable("router", false))

	result, err := e.ProcessCheckResult("router", &checkable.CheckResult{State: checkable.ServiceCritical})
	require.NoError(t, err)
	require.Equal(t, checkable.DecisionSuppressedUnreachable, result.Decision)
	require.Empty(t, rec.get())

	require.NoError(t, e.SetReachable("router", true))

	alerts := rec.get()
	require.Len(t, alerts, 1)
	require.Equal(t, checkable.State(checkable.HostDown), alerts[0].State)
}

func TestEngine_SetAuthorityReconciles(t *testing.T) {
	e, rec, clock := newTestEngine(t)
	_, err := e.Register("web", checkable.ObjectTypeService, attempts(1))
	require.NoError(t, err)

	require.NoError(t, e.RegisterDowntime("web", &checkable.Downtime{
		Name: "dt", StartTime: clock.Now(), EndTime: clock.Now().Add(time.Minute), Fixed: true,
	}))
	_, err = e.ProcessCheckResult("web", &checkable.CheckResult{State: checkable.ServiceCritical})
	require.NoError(t, err)

	e.SetAuthority(false)
	clock.Advance(time.Hour)
	require.Zero(t, e.Reconcile())

	e.SetAuthority(true)
	require.Len(t, rec.get(), 1)
}
