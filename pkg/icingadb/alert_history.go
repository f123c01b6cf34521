package icingadb

import (
	"context"
	"fmt"
	"github.com/icinga/icinga-go-library/backoff"
	"github.com/icinga/icinga-go-library/com"
	"github.com/icinga/icinga-go-library/database"
	"github.com/icinga/icinga-go-library/logging"
	"github.com/icinga/icinga-go-library/periodic"
	"github.com/icinga/icinga-go-library/retry"
	"github.com/icinga/icinga-go-library/types"
	"github.com/icinga/icingastate/pkg/alerting"
	"github.com/icinga/icingastate/pkg/checkable"
	v1 "github.com/icinga/icingastate/pkg/icingadb/v1"
	"go.uber.org/zap"
	"time"
)

// AlertHistoryWriter persists alert requests to the alert_history table.
type AlertHistoryWriter struct {
	db *database.DB
}

// NewAlertHistoryWriter creates a new AlertHistoryWriter.
func NewAlertHistoryWriter(db *database.DB) *AlertHistoryWriter {
	return &AlertHistoryWriter{db: db}
}

// Deliver implements the [alerting.Subscriber] interface.
func (w *AlertHistoryWriter) Deliver(ctx context.Context, req checkable.AlertRequest) error {
	row := v1.NewAlertHistory(req)

	stmt, _ := w.db.BuildInsertStmt(row)
	if _, err := w.db.NamedExecContext(ctx, stmt, row); err != nil {
		return database.CantPerformQuery(err, stmt)
	}

	return nil
}

// Retention deletes alert_history rows older than the configured number of days.
type Retention struct {
	db       *database.DB
	logger   *logging.Logger
	days     uint64
	interval time.Duration
	count    uint64
}

// NewRetention returns a new Retention.
func NewRetention(db *database.DB, days uint64, interval time.Duration, count uint64, logger *logging.Logger) *Retention {
	return &Retention{
		db:       db,
		logger:   logger,
		days:     days,
		interval: interval,
		count:    count,
	}
}

// Start runs the retention until ctx is done or a cleanup fails.
func (r *Retention) Start(ctx context.Context) error {
	if r.days < 1 {
		r.logger.Debug("Skipping alert history retention")

		<-ctx.Done()

		return ctx.Err()
	}

	ctx, cancelCtx := context.WithCancel(ctx)
	defer cancelCtx()

	errs := make(chan error, 1)

	r.logger.Debugw("Starting alert history retention",
		zap.Uint64("count", r.count),
		zap.Duration("interval", r.interval),
		zap.Uint64("retention-days", r.days))

	defer periodic.Start(ctx, r.interval, func(tick periodic.Tick) {
		olderThan := tick.Time.AddDate(0, 0, -int(r.days))

		deleted, err := r.deleteOlderThan(ctx, olderThan)
		if err != nil {
			select {
			case errs <- err:
			case <-ctx.Done():
			}

			return
		}

		if deleted > 0 {
			r.logger.Infof("Removed %d old alert history items", deleted)
		}
	}, periodic.Immediate()).Stop()

	select {
	case err := <-errs:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// deleteOlderThan deletes alert_history rows requested before olderThan in batches of r.count rows.
// It returns the total number of rows deleted.
func (r *Retention) deleteOlderThan(ctx context.Context, olderThan time.Time) (uint64, error) {
	var deleted com.Counter

	q := r.db.Rebind(alertHistoryCleanupStmt(r.db.DriverName(), r.count))

	defer r.db.Log(ctx, q, &deleted).Stop()

	for {
		var batch uint64

		err := retry.WithBackoff(
			ctx,
			func(ctx context.Context) error {
				rs, err := r.db.NamedExecContext(ctx, q, alertHistoryCleanupArgs{RequestTime: types.UnixMilli(olderThan)})
				if err != nil {
					return database.CantPerformQuery(err, q)
				}

				n, err := rs.RowsAffected()
				if err == nil && n >= 0 {
					batch = uint64(n)
				}

				return err
			},
			retry.Retryable,
			backoff.DefaultBackoff,
			r.db.GetDefaultRetrySettings(),
		)
		if err != nil {
			return deleted.Total(), err
		}

		deleted.Add(batch)

		if batch < r.count {
			return deleted.Total(), nil
		}
	}
}

// alertHistoryCleanupStmt returns the statement deleting at most limit alert_history rows
// requested before :request_time.
func alertHistoryCleanupStmt(driverName string, limit uint64) string {
	switch driverName {
	case database.MySQL:
		return fmt.Sprintf(`DELETE FROM alert_history WHERE request_time < :request_time LIMIT %d`, limit)
	case database.PostgreSQL:
		return fmt.Sprintf(`DELETE FROM alert_history WHERE id IN (
SELECT id FROM alert_history WHERE request_time < :request_time ORDER BY request_time LIMIT %d
)`, limit)
	default:
		panic(fmt.Sprintf("invalid database type %s", driverName))
	}
}

type alertHistoryCleanupArgs struct {
	RequestTime types.UnixMilli `db:"request_time"`
}

// Assert interface compliance.
var _ alerting.Subscriber = (*AlertHistoryWriter)(nil)
