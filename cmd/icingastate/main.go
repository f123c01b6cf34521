package main

import (
	"context"
	"github.com/icinga/icinga-go-library/logging"
	"github.com/icinga/icinga-go-library/utils"
	"github.com/icinga/icingastate/internal"
	"github.com/icinga/icingastate/internal/command"
	"github.com/icinga/icingastate/pkg/alerting"
	"github.com/icinga/icingastate/pkg/engine"
	"github.com/icinga/icingastate/pkg/icingadb"
	"github.com/icinga/icingastate/pkg/icingaredis"
	"github.com/icinga/icingastate/pkg/telemetry"
	"github.com/jonboulle/clockwork"
	"github.com/okzk/sdnotify"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"os"
	"os/signal"
	"syscall"
	"time"
)

const (
	ExitSuccess = 0
	ExitFailure = 1
)

func main() {
	os.Exit(run())
}

func run() int {
	cmd := command.New()

	logs, err := logging.NewLoggingFromConfig("Icinga State", cmd.Config.Logging)
	if err != nil {
		utils.PrintErrorThenExit(err, ExitFailure)
	}

	logger := logs.GetLogger()
	defer func() { _ = logger.Sync() }()

	logger.Infof("Starting Icinga State daemon (%s)", internal.Version.Version)

	ctx, cancelCtx := context.WithCancel(context.Background())
	defer cancelCtx()

	db, err := cmd.Database(logs.GetChildLogger("database"))
	if err != nil {
		logger.Fatalf("%+v", errors.Wrap(err, "can't create database connection pool from config"))
	}
	defer func() { _ = db.Close() }()
	{
		logger.Infof("Connecting to database at '%s'",
			utils.JoinHostPort(cmd.Config.Database.Host, cmd.Config.Database.Port))
		err := db.PingContext(ctx)
		if err != nil {
			logger.Fatalf("%+v", errors.Wrap(err, "can't connect to database"))
		}
	}

	if err := icingadb.CheckSchema(ctx, db, cmd.Flags.DatabaseAutoImport, logs.GetChildLogger("database")); err != nil {
		logger.Fatalf("%+v", err)
	}

	rc, err := cmd.Redis(logs.GetChildLogger("redis"))
	if err != nil {
		logger.Fatalf("%+v", errors.Wrap(err, "can't create Redis client from config"))
	}
	{
		logger.Infof("Connecting to Redis at '%s'",
			utils.JoinHostPort(cmd.Config.Redis.Host, cmd.Config.Redis.Port))
		_, err := rc.Ping(ctx).Result()
		if err != nil {
			logger.Fatalf("%+v", errors.Wrap(err, "can't connect to Redis"))
		}
	}

	metrics := telemetry.NewMetrics()
	telemetryLogger := logs.GetChildLogger("telemetry")

	dispatcher := alerting.NewDispatcher(ctx, logs.GetChildLogger("alerting"), metrics, cmd.Config.Alerting.RetryTimeout)
	defer dispatcher.Close()

	dispatcher.Subscribe("redis", icingaredis.NewAlertStreamWriter(rc))
	dispatcher.Subscribe("database", icingadb.NewAlertHistoryWriter(db))

	eng := engine.New(clockwork.NewRealClock(), dispatcher, logs.GetChildLogger("engine"), metrics)

	if _, err := icingadb.LoadCheckables(
		ctx, db, eng, cmd.Config.Checker.Options(), logs.GetChildLogger("database"),
	); err != nil {
		logger.Fatalf("%+v", errors.Wrap(err, "can't load checkables"))
	}

	ha := icingadb.NewHA(
		ctx, db, cmd.Config.HA.HeartbeatInterval, cmd.Config.HA.PeerTimeout, logs.GetChildLogger("high-availability"),
	)

	telemetry.WriteStats(ctx, rc, telemetryLogger)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return eng.Run(gctx, cmd.Config.Checker.ReconcileInterval)
	})

	g.Go(func() error {
		retention := icingadb.NewRetention(
			db,
			uint64(cmd.Config.Alerting.Retention.HistoryDays),
			cmd.Config.Alerting.Retention.Interval,
			cmd.Config.Alerting.Retention.Count,
			logs.GetChildLogger("retention"),
		)

		return retention.Start(gctx)
	})

	if cmd.Config.Metrics.Listen != "" {
		g.Go(func() error {
			return metrics.Serve(gctx, cmd.Config.Metrics.Listen, telemetryLogger)
		})
	}

	groupErr := make(chan error, 1)
	go func() { groupErr <- g.Wait() }()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)

	// Notify systemd (if supervised) that Icinga State is ready.
	_ = sdnotify.Ready()

	// Main loop
	for {
		hactx, cancelHactx := context.WithCancel(ctx)
		for hactx.Err() == nil {
			select {
			case <-ha.Takeover():
				logger.Info("Taking over")

				if _, err := icingadb.RestoreHardStates(
					hactx, db, eng, logs.GetChildLogger("database"),
				); err != nil && !utils.IsContextCanceled(err) {
					logger.Fatalf("%+v", errors.Wrap(err, "can't restore hard states"))
				}

				eng.SetAuthority(true)

				go func() {
					streams, streamsCtx := errgroup.WithContext(hactx)

					checkResults := icingaredis.NewStream(
						rc, logs.GetChildLogger("check-results"),
						icingaredis.CheckResultStream, "check results", icingaredis.NewCheckResultHandler(eng),
					)
					downtimes := icingaredis.NewStream(
						rc, logs.GetChildLogger("downtimes"),
						icingaredis.DowntimeStream, "downtimes", icingaredis.NewDowntimeHandler(eng),
					)

					streams.Go(func() error { return checkResults.Run(streamsCtx) })
					streams.Go(func() error { return downtimes.Run(streamsCtx) })

					if err := streams.Wait(); err != nil && !utils.IsContextCanceled(err) {
						logger.Fatalf("%+v", errors.Wrap(err, "can't consume streams"))
					}
				}()
			case reason := <-ha.Handover():
				logger.Warnw("Handing over", zap.String("reason", reason))

				eng.SetAuthority(false)

				cancelHactx()
			case <-hactx.Done():
				// Nothing to do here, surrounding loop will terminate now.
			case <-ha.Done():
				if err := ha.Err(); err != nil {
					logger.Fatalf("%+v", errors.Wrap(err, "HA exited with an error"))
				} else if ctx.Err() == nil {
					// ha is created as a single instance once. It should only exit if the main context is cancelled,
					// otherwise there is no way to get Icinga State back into a working state.
					logger.Fatalf("%+v", errors.New("HA exited without an error but main context isn't cancelled"))
				}
				cancelHactx()

				return ExitFailure
			case err := <-groupErr:
				if err != nil && !utils.IsContextCanceled(err) {
					logger.Fatalf("%+v", err)
				}
				cancelHactx()

				return ExitFailure
			case s := <-sig:
				logger.Infow("Exiting due to signal", zap.String("signal", s.String()))
				cancelHactx()

				_ = sdnotify.Stopping()

				eng.SetAuthority(false)
				cancelCtx()

				shutdownCtx, cancelShutdownCtx := context.WithTimeout(context.Background(), 3*time.Second)
				err := ha.Close(shutdownCtx)
				cancelShutdownCtx()
				if err != nil {
					logger.Errorf("Failed to close HA: %+v", err)

					return ExitFailure
				}

				return ExitSuccess
			}
		}
		cancelHactx()
	}
}
