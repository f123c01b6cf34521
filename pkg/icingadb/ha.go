package icingadb

import (
	"context"
	"database/sql"
	"encoding/hex"
	"github.com/google/uuid"
	"github.com/icinga/icinga-go-library/backoff"
	"github.com/icinga/icinga-go-library/database"
	"github.com/icinga/icinga-go-library/logging"
	"github.com/icinga/icinga-go-library/retry"
	"github.com/icinga/icinga-go-library/types"
	"github.com/icinga/icinga-go-library/utils"
	"github.com/icinga/icingastate/internal"
	v1 "github.com/icinga/icingastate/pkg/icingadb/v1"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

type haState struct {
	responsibleTsMilli int64
	responsible        bool
	otherResponsible   bool
}

// HA provides high availability and indicates whether a Takeover or Handover must be made.
//
// Every instance writes a heartbeat into the icingastate_instance table.
// The instance marked responsible keeps processing until its heartbeat is older than the peer timeout.
type HA struct {
	state             atomic.Pointer[haState]
	ctx               context.Context
	cancelCtx         context.CancelFunc
	instanceId        types.Binary
	db                *database.DB
	logger            *logging.Logger
	heartbeatInterval time.Duration
	peerTimeout       time.Duration
	responsible       bool
	handover          chan string
	takeover          chan string
	done              chan struct{}
	errOnce           sync.Once
	errMu             sync.Mutex
	err               error
}

// NewHA returns a new HA and starts the controller loop.
func NewHA(
	ctx context.Context, db *database.DB, heartbeatInterval, peerTimeout time.Duration, logger *logging.Logger,
) *HA {
	ctx, cancelCtx := context.WithCancel(ctx)

	instanceId := uuid.New()

	ha := &HA{
		ctx:               ctx,
		cancelCtx:         cancelCtx,
		instanceId:        instanceId[:],
		db:                db,
		logger:            logger,
		heartbeatInterval: heartbeatInterval,
		peerTimeout:       peerTimeout,
		handover:          make(chan string),
		takeover:          make(chan string),
		done:              make(chan struct{}),
	}

	ha.state.Store(&haState{})

	go ha.controller()

	return ha
}

// Close shuts h down.
func (h *HA) Close(ctx context.Context) error {
	// Cancel ctx.
	h.cancelCtx()
	// Wait until the controller loop ended.
	<-h.Done()
	// Remove our instance from the database.
	h.removeInstance(ctx)
	// And return an error, if any.
	return h.Err()
}

// Done returns a channel that's closed when the HA controller loop ended.
func (h *HA) Done() <-chan struct{} {
	return h.done
}

// Err returns an error if Done has been closed and there is an error. Otherwise returns nil.
func (h *HA) Err() error {
	h.errMu.Lock()
	defer h.errMu.Unlock()

	return h.err
}

// Handover returns a channel with which handovers and their reasons are signaled.
func (h *HA) Handover() chan string {
	return h.handover
}

// Takeover returns a channel with which takeovers and their reasons are signaled.
func (h *HA) Takeover() chan string {
	return h.takeover
}

// State returns the status quo.
func (h *HA) State() (responsibleTsMilli int64, responsible, otherResponsible bool) {
	state := h.state.Load()

	return state.responsibleTsMilli, state.responsible, state.otherResponsible
}

func (h *HA) abort(err error) {
	h.errOnce.Do(func() {
		h.errMu.Lock()
		h.err = errors.Wrap(err, "HA aborted")
		h.errMu.Unlock()

		h.cancelCtx()
	})
}

// controller loop.
func (h *HA) controller() {
	defer close(h.done)

	h.logger.Debugw("Starting HA", zap.String("instance_id", hex.EncodeToString(h.instanceId)))

	oldInstancesRemoved := false

	// Suppress recurring log messages in the realize method to be only logged this often.
	routineLogTicker := time.NewTicker(5 * time.Minute)
	defer routineLogTicker.Stop()
	shouldLogRoutineEvents := true

	// Each heartbeat must be written before our previous one expires for the other instances.
	// Failing that, we hand over and keep retrying with the next ticks until retryTimeout expires.
	retryTimeout := time.NewTimer(retry.DefaultTimeout)
	defer retryTimeout.Stop()

	heartbeat := time.NewTicker(h.heartbeatInterval)
	defer heartbeat.Stop()

	lastHeartbeat := time.Now()

	for {
		select {
		case <-retryTimeout.C:
			h.abort(errors.New("retry deadline exceeded"))
		case <-heartbeat.C:
			select {
			case <-routineLogTicker.C:
				shouldLogRoutineEvents = true
			default:
			}

			realizeCtx, cancelRealizeCtx := context.WithDeadline(h.ctx, lastHeartbeat.Add(h.peerTimeout))
			err := h.realize(realizeCtx, shouldLogRoutineEvents)
			cancelRealizeCtx()
			if errors.Is(err, context.DeadlineExceeded) {
				h.signalHandover("instance update/insert deadline exceeded heartbeat expiry time")
				h.realizeLostHeartbeat()

				// Retry timeout is not reset here so that retries continue until the timeout has expired.
				continue
			}
			if err != nil {
				h.abort(err)

				continue
			}

			lastHeartbeat = time.Now()

			if !oldInstancesRemoved {
				go h.removeOldInstances()
				oldInstancesRemoved = true
			}

			shouldLogRoutineEvents = false

			retry.ResetTimeout(retryTimeout, retry.DefaultTimeout)
		case <-h.ctx.Done():
			return
		}
	}
}

// evaluateHA decides whether to take over, given the heartbeat of another responsible instance, if any.
// It returns a non-empty takeover reason, or whether the other instance remains responsible.
func evaluateHA(otherHeartbeat *time.Time, now time.Time, peerTimeout time.Duration, responsible bool) (string, bool) {
	if otherHeartbeat != nil {
		if otherHeartbeat.Before(now.Add(-1 * peerTimeout)) {
			return "other instance's heartbeat has expired", false
		}

		return "", true
	}

	if !responsible {
		return "no other instance is active", false
	}

	return "", false
}

// realize a HA cycle triggered by a heartbeat tick.
//
// The context passed is expected to have a deadline, otherwise the method will panic.
func (h *HA) realize(ctx context.Context, shouldLogRoutineEvents bool) error {
	var (
		takeover         string
		otherResponsible bool
	)

	if _, ok := ctx.Deadline(); !ok {
		panic("can't use context w/o deadline in realize()")
	}

	hostname, _ := os.Hostname()

	err := retry.WithBackoff(
		ctx,
		func(ctx context.Context) error {
			takeover = ""
			otherResponsible = false
			isoLvl := sql.LevelSerializable

			if h.db.DriverName() == database.MySQL {
				// The RDBMS may actually be a Percona XtraDB Cluster which doesn't support serializable
				// transactions, but only their equivalent SELECT ... LOCK IN SHARE MODE.
				isoLvl = sql.LevelRepeatableRead
			}

			tx, errBegin := h.db.BeginTxx(ctx, &sql.TxOptions{Isolation: isoLvl})
			if errBegin != nil {
				return errors.Wrap(errBegin, "can't start transaction")
			}
			defer func() { _ = tx.Rollback() }()

			query := h.db.Rebind("SELECT id, heartbeat FROM icingastate_instance " +
				"WHERE responsible = ? AND id <> ? FOR UPDATE")

			instance := &v1.Instance{}
			errQuery := tx.QueryRowxContext(ctx, query, "y", h.instanceId).StructScan(instance)

			var otherHeartbeat *time.Time
			switch {
			case errQuery == nil:
				t := instance.Heartbeat.Time()
				otherHeartbeat = &t
			case errors.Is(errQuery, sql.ErrNoRows):
			default:
				return database.CantPerformQuery(errQuery, query)
			}

			takeover, otherResponsible = evaluateHA(otherHeartbeat, time.Now(), h.peerTimeout, h.responsible)

			fields := []any{zap.String("instance_id", h.instanceId.String())}
			if otherHeartbeat != nil {
				fields = append(fields,
					zap.String("other_instance_id", instance.Id.String()),
					zap.Time("heartbeat", *otherHeartbeat),
					zap.Duration("heartbeat_age", time.Since(*otherHeartbeat)))
			}

			switch {
			case takeover != "":
				h.logger.Debugw("Preparing to take over HA as "+takeover, fields...)
			case otherResponsible && shouldLogRoutineEvents:
				h.logger.Infow("Another instance is active", fields...)
			case h.responsible && shouldLogRoutineEvents:
				h.logger.Debugw("Continuing being the active instance", fields...)
			}

			i := &v1.Instance{
				EntityWithoutChecksum: v1.EntityWithoutChecksum{IdMeta: v1.IdMeta{Id: h.instanceId}},
				Heartbeat:             types.UnixMilli(time.Now()),
				Responsible:           types.Bool{Bool: takeover != "" || h.responsible, Valid: true},
				Hostname:              types.MakeString(hostname),
				Version:               internal.Version.Version,
			}

			stmt, _ := h.db.BuildUpsertStmt(i)
			if _, err := tx.NamedExecContext(ctx, stmt, i); err != nil {
				return database.CantPerformQuery(err, stmt)
			}

			if takeover != "" {
				stmt := h.db.Rebind("UPDATE icingastate_instance SET responsible = ? WHERE id <> ?")
				if _, err := tx.ExecContext(ctx, stmt, "n", h.instanceId); err != nil {
					return database.CantPerformQuery(err, stmt)
				}
			}

			// Commit() doesn't honor ctx with every driver, so race it against ctx.
			// If ctx wins, the COMMIT may still succeed in the background.
			// The next cycle then sees the database state and corrects ours.
			commitErrCh := make(chan error, 1)
			go func() { commitErrCh <- tx.Commit() }()

			select {
			case err := <-commitErrCh:
				if err != nil {
					return errors.Wrap(err, "can't commit transaction")
				}
			case <-ctx.Done():
				return ctx.Err()
			}

			return nil
		},
		retry.Retryable,
		backoff.NewExponentialWithJitter(256*time.Millisecond, 3*time.Second),
		retry.Settings{
			// Intentionally no timeout is set, as we use a context with a deadline.
			OnRetryableError: func(_ time.Duration, attempt uint64, err, lastErr error) {
				if lastErr == nil || err.Error() != lastErr.Error() {
					log := h.logger.Debugw
					if attempt > 3 {
						log = h.logger.Infow
					}

					log("Can't update or insert instance. Retrying", zap.Error(err))
				}
			},
			OnSuccess: func(elapsed time.Duration, attempt uint64, lastErr error) {
				if attempt > 1 {
					log := h.logger.Debugw

					if attempt > 4 {
						// We log errors with severity info starting from the fourth attempt, (see above)
						// so we need to log success with severity info from the fifth attempt.
						log = h.logger.Infow
					}

					log("Instance updated/inserted successfully after error",
						zap.Duration("after", elapsed),
						zap.Uint64("attempts", attempt),
						zap.NamedError("recovered_error", lastErr))
				}
			},
		},
	)
	if err != nil {
		return err
	}

	if takeover != "" {
		h.signalTakeover(takeover)
	} else if otherResponsible {
		if state := h.state.Load(); state.responsible {
			h.logger.Error("Other instance is responsible while this node itself is responsible, dropping responsibility")
			h.signalHandover("other instance is responsible as well")
			// h.signalHandover will update h.state
		}
		if state := h.state.Load(); !state.otherResponsible {
			newState := *state
			newState.otherResponsible = true
			h.state.Store(&newState)
		}
	}

	return nil
}

// realizeLostHeartbeat updates "responsible = n" for this HA into the database.
func (h *HA) realizeLostHeartbeat() {
	stmt := h.db.Rebind("UPDATE icingastate_instance SET responsible = ? WHERE id = ?")
	if _, err := h.db.ExecContext(h.ctx, stmt, "n", h.instanceId); err != nil && !utils.IsContextCanceled(err) {
		h.logger.Warnw("Can't update instance", zap.Error(database.CantPerformQuery(err, stmt)))
	}
}

func (h *HA) removeInstance(ctx context.Context) {
	h.logger.Debugw("Removing our row from icingastate_instance", zap.String("instance_id", hex.EncodeToString(h.instanceId)))
	// Intentionally not using h.ctx here as it's already cancelled.
	query := h.db.Rebind("DELETE FROM icingastate_instance WHERE id = ?")
	_, err := h.db.ExecContext(ctx, query, h.instanceId)
	if err != nil {
		h.logger.Warnw("Could not remove instance from database", zap.Error(err), zap.String("query", query))
	}
}

// removeOldInstances deletes the rows of instances which stopped sending heartbeats without cleaning up.
func (h *HA) removeOldInstances() {
	select {
	case <-h.ctx.Done():
		return
	case <-time.After(h.peerTimeout):
		query := h.db.Rebind("DELETE FROM icingastate_instance WHERE id <> ? AND heartbeat < ?")
		heartbeat := types.UnixMilli(time.Now().Add(-1 * h.peerTimeout))
		result, err := h.db.ExecContext(h.ctx, query, h.instanceId, heartbeat)
		if err != nil {
			h.logger.Errorw("Can't remove rows of old instances", zap.Error(err),
				zap.String("query", query),
				zap.String("id", h.instanceId.String()), zap.Time("heartbeat", heartbeat.Time()))
			return
		}
		affected, err := result.RowsAffected()
		if err != nil {
			h.logger.Errorw("Can't get number of removed old instances", zap.Error(err))
			return
		}
		h.logger.Debugf("Removed %d old instances", affected)
	}
}

// signalHandover gives up HA.responsible and notifies the HA.Handover chan.
func (h *HA) signalHandover(reason string) {
	if h.responsible {
		h.state.Store(&haState{
			responsibleTsMilli: time.Now().UnixMilli(),
			responsible:        false,
			otherResponsible:   false,
		})

		select {
		case h.handover <- reason:
			h.responsible = false
		case <-h.ctx.Done():
			// Noop
		}
	}
}

// signalTakeover claims HA.responsible and notifies the HA.Takeover chan.
func (h *HA) signalTakeover(reason string) {
	if !h.responsible {
		h.state.Store(&haState{
			responsibleTsMilli: time.Now().UnixMilli(),
			responsible:        true,
			otherResponsible:   false,
		})

		select {
		case h.takeover <- reason:
			h.responsible = true
		case <-h.ctx.Done():
			// Noop
		}
	}
}
