package icingadb

import (
	"context"
	"github.com/icinga/icinga-go-library/database"
	"github.com/icinga/icinga-go-library/logging"
	"github.com/icinga/icingastate/pkg/checkable"
	"github.com/icinga/icingastate/pkg/engine"
	v1 "github.com/icinga/icingastate/pkg/icingadb/v1"
	"go.uber.org/zap"
)

// lastHardStateQuery selects the state of the latest Problem or Recovery alert of every checkable.
const lastHardStateQuery = `SELECT h.checkable_name, h.object_type, h.state FROM alert_history h
WHERE h.type IN ('problem', 'recovery') AND h.request_time = (
  SELECT MAX(l.request_time) FROM alert_history l
  WHERE l.checkable_name = h.checkable_name AND l.object_type = h.object_type AND l.type IN ('problem', 'recovery')
)`

// LoadCheckables registers all hosts and services from the database with e.
//
// Settings missing in the database fall back to defaults. The hard state of each checkable is restored
// from its latest Problem or Recovery alert, so that a restart doesn't alert again on known problems.
// It returns the number of registered checkables.
func LoadCheckables(
	ctx context.Context, db *database.DB, e *engine.Engine, defaults checkable.Options, logger *logging.Logger,
) (int, error) {
	var registered int

	for _, objectType := range []checkable.ObjectType{checkable.ObjectTypeHost, checkable.ObjectTypeService} {
		var rows []v1.CheckableConfig

		query := "SELECT name, max_check_attempts, flapping_enabled, flapping_threshold_low, flapping_threshold_high " +
			"FROM " + string(objectType)
		if err := db.SelectContext(ctx, &rows, query); err != nil {
			return registered, database.CantPerformQuery(err, query)
		}

		for _, row := range rows {
			if _, err := e.Register(row.Name, objectType, row.Options(defaults)); err != nil {
				logger.Warnw("Skipping checkable", zap.String("name", row.Name), zap.Error(err))

				continue
			}

			registered++
		}
	}

	restored, err := RestoreHardStates(ctx, db, e, logger)
	if err != nil {
		return registered, err
	}

	logger.Infof("Loaded %d checkables, restored %d hard states", registered, restored)

	return registered, nil
}

// RestoreHardStates seeds the checkables of e with the hard state of their latest Problem or Recovery alert.
// Since only the authoritative instance processes check results, this brings a standby instance up to date
// before it takes over.
// It returns the number of checkables restored from an alert.
func RestoreHardStates(ctx context.Context, db *database.DB, e *engine.Engine, logger *logging.Logger) (int, error) {
	var states []v1.LastHardState
	if err := db.SelectContext(ctx, &states, lastHardStateQuery); err != nil {
		return 0, database.CantPerformQuery(err, lastHardStateQuery)
	}

	return restoreHardStates(e, states, logger), nil
}

// restoreHardStates applies states to the checkables of e.
func restoreHardStates(e *engine.Engine, states []v1.LastHardState, logger *logging.Logger) int {
	type key struct {
		name       string
		objectType checkable.ObjectType
	}

	latest := make(map[key]checkable.State, len(states))
	for _, s := range states {
		latest[key{s.CheckableName, checkable.ObjectType(s.ObjectType)}] = checkable.State(s.State)
	}

	var restored int

	for _, c := range e.Checkables() {
		state, ok := latest[key{c.Id(), c.ObjectType()}]
		if !ok {
			continue
		}

		if err := c.SetState(state); err != nil {
			logger.Warnw("Can't restore hard state",
				zap.String("name", c.Id()), zap.String("object_type", string(c.ObjectType())), zap.Error(err))

			continue
		}

		restored++
	}

	return restored
}
