package alerting

import (
	"context"
	"github.com/icinga/icinga-go-library/logging"
	"github.com/icinga/icingastate/pkg/checkable"
	"github.com/icinga/icingastate/pkg/telemetry"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"
	"strings"
	"sync"
	"testing"
	"time"
)

type collector struct {
	mu     sync.Mutex
	alerts []checkable.AlertRequest
}

func (c *collector) Deliver(_ context.Context, req checkable.AlertRequest) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.alerts = append(c.alerts, req)

	return nil
}

func (c *collector) ids() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	var ids []string
	for _, a := range c.alerts {
		ids = append(ids, a.CheckableId)
	}

	return ids
}

func newTestDispatcher(t *testing.T, metrics *telemetry.Metrics) *Dispatcher {
	t.Helper()

	logger := logging.NewLogger(zaptest.NewLogger(t).Sugar(), time.Second)
	d := NewDispatcher(context.Background(), logger, metrics, time.Minute)
	t.Cleanup(d.Close)

	return d
}

func alertFor(id string) checkable.AlertRequest {
	return checkable.AlertRequest{
		CheckableId: id,
		ObjectType:  checkable.ObjectTypeService,
		Type:        checkable.AlertProblem,
		State:       checkable.State(checkable.ServiceCritical),
	}
}

func TestDispatcher_Publish(t *testing.T) {
	t.Run("fan-out-in-order", func(t *testing.T) {
		d := newTestDispatcher(t, nil)

		a, b := &collector{}, &collector{}
		d.Subscribe("a", a)
		d.Subscribe("b", b)

		expected := []string{"1", "2", "3", "4", "5"}
		for _, id := range expected {
			d.Publish(alertFor(id))
		}

		require.Eventually(t, func() bool { return len(a.ids()) == len(expected) }, time.Second, time.Millisecond)
		require.Eventually(t, func() bool { return len(b.ids()) == len(expected) }, time.Second, time.Millisecond)
		require.Equal(t, expected, a.ids())
		require.Equal(t, expected, b.ids())
	})

	t.Run("blocked-subscriber-does-not-block-publisher", func(t *testing.T) {
		d := newTestDispatcher(t, nil)

		release := make(chan struct{})
		fast := &collector{}

		d.Subscribe("blocked", SubscriberFunc(func(ctx context.Context, _ checkable.AlertRequest) error {
			select {
			case <-release:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		}))
		d.Subscribe("fast", fast)

		done := make(chan struct{})
		go func() {
			defer close(done)

			for i := 0; i < 1000; i++ {
				d.Publish(alertFor("web"))
			}
		}()

		select {
		case <-done:
		case <-time.After(5 * time.Second):
			require.Fail(t, "Publish blocked")
		}

		require.Eventually(t, func() bool { return len(fast.ids()) == 1000 }, 5*time.Second, time.Millisecond)
		close(release)
	})

	t.Run("retry", func(t *testing.T) {
		metrics := telemetry.NewMetrics()
		d := newTestDispatcher(t, metrics)

		var mu sync.Mutex
		attempts := 0
		delivered := &collector{}

		d.Subscribe("flaky", SubscriberFunc(func(ctx context.Context, req checkable.AlertRequest) error {
			mu.Lock()
			defer mu.Unlock()

			attempts++
			if attempts < 3 {
				return errors.New("connection refused")
			}

			return delivered.Deliver(ctx, req)
		}))

		d.Publish(alertFor("web"))

		require.Eventually(t, func() bool { return len(delivered.ids()) == 1 }, 10*time.Second, 10*time.Millisecond)
		expected := `
# HELP icingastate_alerts_delivered_total Alerts successfully handed to subscribers
# TYPE icingastate_alerts_delivered_total counter
icingastate_alerts_delivered_total{subscriber="flaky"} 1
`
		require.Eventually(t, func() bool {
			err := testutil.GatherAndCompare(
				metrics.Registry(), strings.NewReader(expected), "icingastate_alerts_delivered_total",
			)

			return err == nil
		}, time.Second, time.Millisecond)

		mu.Lock()
		require.Equal(t, 3, attempts)
		mu.Unlock()
	})

	t.Run("permanent-error", func(t *testing.T) {
		d := newTestDispatcher(t, nil)

		var mu sync.Mutex
		attempts := map[string]int{}
		delivered := &collector{}

		d.Subscribe("picky", SubscriberFunc(func(ctx context.Context, req checkable.AlertRequest) error {
			mu.Lock()
			attempts[req.CheckableId]++
			mu.Unlock()

			if req.CheckableId == "bad" {
				return Permanent(errors.New("rejected"))
			}

			return delivered.Deliver(ctx, req)
		}))

		d.Publish(alertFor("bad"))
		d.Publish(alertFor("good"))

		require.Eventually(t, func() bool { return len(delivered.ids()) == 1 }, time.Second, time.Millisecond)

		mu.Lock()
		require.Equal(t, map[string]int{"bad": 1, "good": 1}, attempts)
		mu.Unlock()
	})

	t.Run("after-close", func(t *testing.T) {
		d := newTestDispatcher(t, nil)
		c := &collector{}
		d.Subscribe("c", c)

		d.Close()
		d.Publish(alertFor("web"))

		require.Empty(t, c.ids())
	})
}

func TestDispatcher_Close(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	d := NewDispatcher(context.Background(), logging.NewLogger(zap.New(core).Sugar(), time.Second), nil, time.Minute)

	started := make(chan struct{}, 1)
	d.Subscribe("stuck", SubscriberFunc(func(ctx context.Context, _ checkable.AlertRequest) error {
		select {
		case started <- struct{}{}:
		default:
		}

		<-ctx.Done()

		return ctx.Err()
	}))

	d.Publish(alertFor("1"))
	d.Publish(alertFor("2"))
	d.Publish(alertFor("3"))

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		require.Fail(t, "alert not delivered")
	}

	d.Close()

	require.Equal(t, 1, logs.FilterMessage("Discarding 3 queued alerts").Len())
}

func TestPermanent(t *testing.T) {
	require.NoError(t, Permanent(nil))

	err := errors.New("boom")
	require.True(t, IsPermanent(Permanent(err)))
	require.True(t, IsPermanent(errors.Wrap(Permanent(err), "can't deliver")))
	require.ErrorIs(t, Permanent(err), err)
	require.False(t, IsPermanent(err))
}
