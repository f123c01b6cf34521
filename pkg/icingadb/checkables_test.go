package icingadb

import (
	"github.com/icinga/icinga-go-library/logging"
	"github.com/icinga/icingastate/pkg/checkable"
	"github.com/icinga/icingastate/pkg/engine"
	v1 "github.com/icinga/icingastate/pkg/icingadb/v1"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"testing"
	"time"
)

type discard struct{}

func (discard) Publish(checkable.AlertRequest) {}

func TestRestoreHardStates(t *testing.T) {
	logger := logging.NewLogger(zaptest.NewLogger(t).Sugar(), time.Second)
	e := engine.New(clockwork.NewFakeClock(), discard{}, logger, nil)

	router, err := e.Register("router", checkable.ObjectTypeHost, checkable.DefaultOptions())
	require.NoError(t, err)
	web, err := e.Register("web", checkable.ObjectTypeService, checkable.DefaultOptions())
	require.NoError(t, err)
	db, err := e.Register("db", checkable.ObjectTypeService, checkable.DefaultOptions())
	require.NoError(t, err)

	require.NoError(t, db.SetState(checkable.State(checkable.ServiceWarning)))

	restored := restoreHardStates(e, []v1.LastHardState{
		{CheckableName: "router", ObjectType: "host", State: uint8(checkable.HostDown)},
		{CheckableName: "web", ObjectType: "host", State: uint8(checkable.HostDown)},
		{CheckableName: "db", ObjectType: "service", State: uint8(checkable.ServiceOK)},
		{CheckableName: "gone", ObjectType: "service", State: uint8(checkable.ServiceCritical)},
	}, logger)

	require.Equal(t, 2, restored)
	require.Equal(t, checkable.State(checkable.HostDown), router.HardState())
	require.Equal(t, checkable.StateTypeHard, router.StateType())
	require.Equal(t, checkable.StateGood, web.HardState(), "host row must not seed a service")
	require.Equal(t, checkable.StateGood, db.HardState())

	t.Run("invalid", func(t *testing.T) {
		restored := restoreHardStates(e, []v1.LastHardState{
			{CheckableName: "router", ObjectType: "host", State: uint8(checkable.ServiceUnknown)},
		}, logger)

		require.Zero(t, restored)
		require.Equal(t, checkable.State(checkable.HostDown), router.HardState())
	})
}
