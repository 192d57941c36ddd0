// Package dispatcher turns consumed bus messages into per-subscriber
// delivery tasks and drives every task to a terminal state.
package dispatcher

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/conc/pool"

	"github.com/jeremycline/fedora-notifications/errs"
	bus "github.com/jeremycline/fedora-notifications/internal/bus/amqp"
	"github.com/jeremycline/fedora-notifications/internal/channel"
	"github.com/jeremycline/fedora-notifications/internal/config"
	"github.com/jeremycline/fedora-notifications/internal/dedup"
	"github.com/jeremycline/fedora-notifications/internal/matcher"
	"github.com/jeremycline/fedora-notifications/internal/observability"
	"github.com/jeremycline/fedora-notifications/internal/schema"
)

const component = "dispatcher"

// SubscriberSource provides the current subscriber preference snapshot.
type SubscriberSource interface {
	Subscribers(ctx context.Context) ([]schema.Subscriber, error)
}

// Dispatcher owns all delivery task state. Each task runs its whole retry
// loop inside a single pool goroutine, so a task never has more than one
// attempt in flight.
type Dispatcher struct {
	cfg      config.Config
	store    SubscriberSource
	matcher  *matcher.Matcher
	cache    dedup.Cache
	adapters map[schema.ChannelKind]channel.Adapter
	pools    map[schema.ChannelKind]*pool.Pool
	policy   RetryPolicy
	metrics  *metrics

	// sem bounds live tasks across all channels; acquiring it in the
	// consume goroutine is the backpressure the prefetch window cannot
	// provide on its own.
	sem chan struct{}

	sleep func(ctx context.Context, d time.Duration) error

	snapshotMu sync.RWMutex
	snapshot   []schema.Subscriber
	snapshotAt time.Time
}

// New builds a dispatcher wired to the given store, dedup cache, and channel
// adapters.
func New(cfg config.Config, store SubscriberSource, match *matcher.Matcher, cache dedup.Cache, adapters []channel.Adapter) (*Dispatcher, error) {
	m, err := newMetrics()
	if err != nil {
		return nil, errs.New(component, errs.CodeInvalid,
			errs.WithMessage("build metrics"), errs.WithCause(err))
	}

	d := &Dispatcher{
		cfg:      cfg,
		store:    store,
		matcher:  match,
		cache:    cache,
		adapters: make(map[schema.ChannelKind]channel.Adapter, len(adapters)),
		pools:    make(map[schema.ChannelKind]*pool.Pool, len(adapters)),
		policy:   PolicyFromConfig(cfg.Delivery),
		metrics:  m,
		sem:      make(chan struct{}, cfg.Delivery.OutstandingHighWater),
		sleep:    sleepCtx,
	}
	for _, adapter := range adapters {
		kind := adapter.Kind()
		d.adapters[kind] = adapter
		d.pools[kind] = pool.New().WithMaxGoroutines(cfg.Workers(kind))
	}
	return d, nil
}

// Run consumes deliveries until ctx is cancelled or the stream closes, then
// waits up to the shutdown grace for in-flight sends. Tasks still pending at
// that point are abandoned; the broker redelivers their messages.
func (d *Dispatcher) Run(ctx context.Context, deliveries <-chan bus.Delivery) error {
	defer d.drain()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case delivery, ok := <-deliveries:
			if !ok {
				return nil
			}
			d.handle(ctx, delivery)
		}
	}
}

func (d *Dispatcher) drain() {
	done := make(chan struct{})
	go func() {
		for _, workers := range d.pools {
			workers.Wait()
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(d.cfg.Delivery.ShutdownGrace):
		observability.Log().Warn("shutdown grace elapsed with tasks in flight")
	}
}

func (d *Dispatcher) handle(ctx context.Context, delivery bus.Delivery) {
	msg := delivery.Message
	if err := msg.Validate(); err != nil {
		d.metrics.malformed.Add(ctx, 1)
		observability.Log().Warn("dropping malformed message",
			observability.String("message_id", msg.ID),
			observability.Err(err))
		ack(delivery)
		return
	}

	subscribers, err := d.subscribers(ctx)
	if err != nil {
		observability.Log().Error("subscriber snapshot unavailable",
			observability.String("message_id", msg.ID),
			observability.Err(err))
		// The message must survive a store outage. Requeue after a delay
		// so the broker does not hand it straight back.
		time.AfterFunc(d.cfg.Delivery.StoreRetryDelay, func() {
			if nerr := delivery.Nack(true); nerr != nil {
				observability.Log().Warn("requeue failed",
					observability.String("message_id", msg.ID),
					observability.Err(nerr))
			}
		})
		return
	}

	tasks := d.matcher.Match(msg, subscribers)
	if len(tasks) == 0 {
		observability.Log().Debug("no subscribers matched",
			observability.String("message_id", msg.ID),
			observability.String("topic", msg.Topic))
		ack(delivery)
		return
	}

	acct := &account{delivery: delivery}
	acct.remaining.Store(int64(len(tasks)))
	for _, task := range tasks {
		d.submit(ctx, acct, task)
	}
}

func (d *Dispatcher) submit(ctx context.Context, acct *account, task *schema.DeliveryTask) {
	if task.State.Terminal() {
		// Render failures arrive from the matcher already failed.
		d.metrics.permanent.Add(ctx, 1, kindAttr(task.Kind))
		observability.Log().Error("task failed permanently",
			append(taskFields(task), observability.String("reason", task.FailReason))...)
		acct.taskDone()
		return
	}
	workers, ok := d.pools[task.Kind]
	if !ok {
		task.State = schema.TaskPermanentlyFailed
		task.FailReason = "no adapter for channel kind"
		d.metrics.permanent.Add(ctx, 1, kindAttr(task.Kind))
		observability.Log().Error("task failed permanently",
			append(taskFields(task), observability.String("reason", task.FailReason))...)
		acct.taskDone()
		return
	}

	select {
	case d.sem <- struct{}{}:
	case <-ctx.Done():
		// Shutting down. The message stays unacked and is redelivered.
		return
	}
	workers.Go(func() {
		defer func() { <-d.sem }()
		d.runTask(ctx, acct, task)
	})
}

func (d *Dispatcher) runTask(ctx context.Context, acct *account, task *schema.DeliveryTask) {
	if d.alreadyCompleted(ctx, task) {
		task.State = schema.TaskSuppressedDuplicate
		d.metrics.suppressed.Add(ctx, 1, kindAttr(task.Kind))
		observability.Log().Debug("suppressed duplicate task", taskFields(task)...)
		acct.taskDone()
		return
	}

	adapter := d.adapters[task.Kind]
	start := time.Now()
	for {
		task.Attempts++
		task.State = schema.TaskInFlight
		outcome := adapter.Send(ctx, task)

		switch outcome.Status {
		case channel.StatusDelivered:
			task.State = schema.TaskDelivered
			d.remember(ctx, task)
			d.metrics.recordDelivered(ctx, task.Kind, time.Since(start))
			observability.Log().Info("notification delivered", taskFields(task)...)
			acct.taskDone()
			return

		case channel.StatusPermanent:
			d.failPermanently(ctx, task, outcome.Reason)
			acct.taskDone()
			return

		default:
			if ctx.Err() != nil {
				// Cancelled mid-attempt. Leave the message unacked.
				return
			}
			// MaxAttempts counts retries: the task fails permanently only
			// once it has been retried that many times, on the attempt
			// after the last scheduled retry.
			if task.Attempts > d.policy.MaxAttempts {
				d.failPermanently(ctx, task, "retries exhausted: "+outcome.Reason)
				acct.taskDone()
				return
			}
			wait := d.policy.Next(task.Attempts)
			task.State = schema.TaskRetryScheduled
			task.NextAttempt = time.Now().Add(wait)
			d.metrics.retried.Add(ctx, 1, kindAttr(task.Kind))
			observability.Log().Debug("delivery attempt failed",
				append(taskFields(task),
					observability.String("reason", outcome.Reason),
					observability.String("retry_in", wait.String()))...)
			if err := d.sleep(ctx, wait); err != nil {
				return
			}
			task.State = schema.TaskPending
		}
	}
}

func (d *Dispatcher) alreadyCompleted(ctx context.Context, task *schema.DeliveryTask) bool {
	seen, err := d.cache.Seen(ctx, task.ID)
	if err != nil {
		// An unreachable cache must not block delivery; a duplicate
		// beats a lost notification.
		observability.Log().Warn("dedup lookup failed", observability.Err(err))
		return false
	}
	return seen
}

func (d *Dispatcher) remember(ctx context.Context, task *schema.DeliveryTask) {
	if err := d.cache.Record(ctx, task.ID); err != nil {
		observability.Log().Warn("dedup record failed", observability.Err(err))
	}
}

func (d *Dispatcher) failPermanently(ctx context.Context, task *schema.DeliveryTask, reason string) {
	task.State = schema.TaskPermanentlyFailed
	task.FailReason = reason
	d.remember(ctx, task)
	d.metrics.permanent.Add(ctx, 1, kindAttr(task.Kind))
	observability.Log().Error("task failed permanently",
		append(taskFields(task), observability.String("reason", reason))...)
}

// subscribers serves the cached snapshot, refreshing it once the configured
// interval elapses. Staleness inside the interval is accepted.
func (d *Dispatcher) subscribers(ctx context.Context) ([]schema.Subscriber, error) {
	d.snapshotMu.RLock()
	snap, at := d.snapshot, d.snapshotAt
	d.snapshotMu.RUnlock()
	if !at.IsZero() && time.Since(at) < d.cfg.Delivery.SnapshotRefresh {
		return snap, nil
	}

	fresh, err := d.store.Subscribers(ctx)
	if err != nil {
		return nil, err
	}
	d.snapshotMu.Lock()
	d.snapshot, d.snapshotAt = fresh, time.Now()
	d.snapshotMu.Unlock()
	return fresh, nil
}

// account tracks how many tasks derived from one message are still live. The
// message is acked exactly when the count reaches zero.
type account struct {
	delivery  bus.Delivery
	remaining atomic.Int64
}

func (a *account) taskDone() {
	if a.remaining.Add(-1) != 0 {
		return
	}
	ack(a.delivery)
}

func ack(delivery bus.Delivery) {
	if err := delivery.Ack(); err != nil {
		observability.Log().Warn("ack failed",
			observability.String("message_id", delivery.Message.ID),
			observability.Err(err))
	}
}

func taskFields(task *schema.DeliveryTask) []observability.Field {
	return []observability.Field{
		observability.String("task_id", task.ID.String()),
		observability.String("message_id", task.MessageID),
		observability.String("subscriber", task.Subscriber),
		observability.String("channel", string(task.Kind)),
		observability.String("address", task.Address),
		observability.Int("attempts", task.Attempts),
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
