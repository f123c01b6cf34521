package alerting

import (
	"context"
	"github.com/icinga/icinga-go-library/backoff"
	"github.com/icinga/icinga-go-library/logging"
	"github.com/icinga/icinga-go-library/retry"
	"github.com/icinga/icingastate/pkg/checkable"
	"github.com/icinga/icingastate/pkg/telemetry"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"sync"
	"time"
)

// Subscriber receives the alert requests published to a Dispatcher.
type Subscriber interface {
	// Deliver handles a single alert request.
	// Errors are retried unless wrapped with Permanent.
	Deliver(ctx context.Context, req checkable.AlertRequest) error
}

// The SubscriberFunc type is an adapter to allow the use of ordinary functions as Subscriber.
type SubscriberFunc func(context.Context, checkable.AlertRequest) error

// Deliver implements the Subscriber interface.
func (f SubscriberFunc) Deliver(ctx context.Context, req checkable.AlertRequest) error {
	return f(ctx, req)
}

type permanentError struct {
	error
}

func (e permanentError) Unwrap() error {
	return e.error
}

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}

	return permanentError{err}
}

// IsPermanent reports whether err has been marked by Permanent.
func IsPermanent(err error) bool {
	var pe permanentError

	return errors.As(err, &pe)
}

// Dispatcher fans alert requests out to subscribers without ever blocking the publisher.
//
// Every subscriber owns an unbounded FIFO queue drained by its own goroutine,
// so subscribers see the alerts in the order they were published and can't slow each other down.
type Dispatcher struct {
	ctx          context.Context
	cancelCtx    context.CancelFunc
	logger       *logging.Logger
	metrics      *telemetry.Metrics
	retryTimeout time.Duration

	mu            sync.RWMutex
	subscriptions []*subscription
	wg            sync.WaitGroup
}

// NewDispatcher returns a new Dispatcher. Its subscribers stop once ctx is done or Close is called.
// Delivery to a failing subscriber is retried for at most retryTimeout.
func NewDispatcher(
	ctx context.Context, logger *logging.Logger, metrics *telemetry.Metrics, retryTimeout time.Duration,
) *Dispatcher {
	ctx, cancelCtx := context.WithCancel(ctx)

	return &Dispatcher{
		ctx:          ctx,
		cancelCtx:    cancelCtx,
		logger:       logger,
		metrics:      metrics,
		retryTimeout: retryTimeout,
	}
}

// Subscribe registers s under name. Only alerts published afterwards are delivered to it.
func (d *Dispatcher) Subscribe(name string, s Subscriber) {
	sub := &subscription{
		name:       name,
		subscriber: s,
		wakeup:     make(chan struct{}, 1),
	}

	d.mu.Lock()
	d.subscriptions = append(d.subscriptions, sub)
	d.mu.Unlock()

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.run(sub)
	}()
}

// Publish enqueues req for all subscribers.
//
// Publish implements the [checkable.Publisher] interface.
func (d *Dispatcher) Publish(req checkable.AlertRequest) {
	telemetry.Stats.Get(telemetry.StatAlerts).Add(1)
	d.metrics.AlertRequested(string(req.Type))

	if d.ctx.Err() != nil {
		d.logger.Warnw("Discarding alert published after shutdown", zap.Object("alert", req))

		return
	}

	d.logger.Debugw("Publishing alert", zap.Object("alert", req))

	d.mu.RLock()
	defer d.mu.RUnlock()

	for _, sub := range d.subscriptions {
		d.metrics.SubscriberBacklog(sub.name, sub.push(req))
	}
}

// Close stops all subscribers and waits for them to return.
// Alerts still queued are discarded.
func (d *Dispatcher) Close() {
	d.cancelCtx()
	d.wg.Wait()
}

// run drains the queue of sub until d.ctx is done.
func (d *Dispatcher) run(sub *subscription) {
	logger := d.logger.With(zap.String("subscriber", sub.name))

	for {
		select {
		case <-sub.wakeup:
		case <-d.ctx.Done():
			if n := len(sub.drain()); n > 0 {
				logger.Warnf("Discarding %d queued alerts", n)
			}

			return
		}

		batch := sub.drain()
		for i, req := range batch {
			d.metrics.SubscriberBacklog(sub.name, sub.len())

			if err := d.deliver(logger, sub, req); err != nil {
				if d.ctx.Err() != nil {
					logger.Warnf("Discarding %d queued alerts", len(batch)-i+len(sub.drain()))

					return
				}

				d.metrics.AlertFailed(sub.name)
				logger.Errorw("Can't deliver alert", zap.Object("alert", req), zap.Error(err))

				continue
			}

			d.metrics.AlertDelivered(sub.name)
		}
	}
}

// deliver hands req to sub, retrying on non-permanent errors.
func (d *Dispatcher) deliver(logger *zap.SugaredLogger, sub *subscription, req checkable.AlertRequest) error {
	return retry.WithBackoff(
		d.ctx,
		func(ctx context.Context) error {
			return sub.subscriber.Deliver(ctx, req)
		},
		func(err error) bool {
			return !IsPermanent(err)
		},
		backoff.NewExponentialWithJitter(128*time.Millisecond, 10*time.Second),
		retry.Settings{
			Timeout: d.retryTimeout,
			OnRetryableError: func(_ time.Duration, attempt uint64, err, lastErr error) {
				if lastErr == nil || err.Error() != lastErr.Error() {
					log := logger.Debugw
					if attempt > 3 {
						log = logger.Infow
					}

					log("Can't deliver alert. Retrying", zap.Object("alert", req), zap.Error(err))
				}
			},
			OnSuccess: func(elapsed time.Duration, attempt uint64, lastErr error) {
				if attempt > 1 {
					logger.Infow("Alert delivered after error",
						zap.Duration("after", elapsed),
						zap.Uint64("attempts", attempt),
						zap.NamedError("recovered_error", lastErr))
				}
			},
		},
	)
}

// subscription is the queue of a single subscriber.
type subscription struct {
	name       string
	subscriber Subscriber

	mu     sync.Mutex
	queue  []checkable.AlertRequest
	wakeup chan struct{}
}

// push appends req to the queue and returns the new queue length.
func (s *subscription) push(req checkable.AlertRequest) int {
	s.mu.Lock()
	s.queue = append(s.queue, req)
	n := len(s.queue)
	s.mu.Unlock()

	select {
	case s.wakeup <- struct{}{}:
	default:
	}

	return n
}

// drain takes over the whole queue.
func (s *subscription) drain() []checkable.AlertRequest {
	s.mu.Lock()
	defer s.mu.Unlock()

	queue := s.queue
	s.queue = nil

	return queue
}

func (s *subscription) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.queue)
}

// Assert interface compliance.
var (
	_ Subscriber          = SubscriberFunc(nil)
	_ checkable.Publisher = (*Dispatcher)(nil)
)
