/*
Package notify delivers notification intents without blocking the core.

PURPOSE:
  The reservation core emits NotificationIntent values (what and to whom)
  and never waits for delivery. Dispatcher queues intents on a buffered
  channel and a pool of workers hands them to a Sink at a throttled rate.
  When the queue is full the intent is dropped and logged; a lost
  notification never fails a reservation.

ROLE RECIPIENTS:
  Recipients of the form "role:<name>" are expanded to every holder of the
  role through a RoleExpander before delivery. Without an expander they
  are delivered as-is.

USAGE:
  d := notify.NewDispatcher(notify.NewLogSink(logger), dir, notify.Options{Workers: 4}, logger)
  d.Start(ctx)
  defer d.Close()
*/
package notify

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/warp/reservation-engine/reservation"
)

const rolePrefix = "role:"

// Message is one delivery to one user.
type Message struct {
	RecipientID string
	Template    reservation.TemplateKind
	Data        map[string]string
}

// Sink performs the actual delivery (email, push, chat...).
type Sink interface {
	Deliver(ctx context.Context, msg Message) error
}

// RoleExpander resolves a role to the users holding it.
type RoleExpander interface {
	UsersWithRole(ctx context.Context, role string) ([]string, error)
}

type Options struct {
	Buffer  int
	Workers int

	// RatePerSecond caps deliveries across all workers; zero means unlimited.
	RatePerSecond float64
	Burst         int
}

func DefaultOptions() Options {
	return Options{Buffer: 256, Workers: 2, RatePerSecond: 20, Burst: 10}
}

// Dispatcher implements reservation.Notifier.
type Dispatcher struct {
	sink     Sink
	expander RoleExpander
	limiter  *rate.Limiter
	logger   *zap.Logger
	workers  int

	mu     sync.RWMutex
	queue  chan reservation.NotificationIntent
	closed bool
	wg     sync.WaitGroup

	dropped   atomic.Int64
	delivered atomic.Int64
}

func NewDispatcher(sink Sink, expander RoleExpander, opts Options, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Buffer <= 0 {
		opts.Buffer = DefaultOptions().Buffer
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	limit := rate.Inf
	if opts.RatePerSecond > 0 {
		limit = rate.Limit(opts.RatePerSecond)
	}
	if opts.Burst <= 0 {
		opts.Burst = 1
	}
	return &Dispatcher{
		sink:     sink,
		expander: expander,
		limiter:  rate.NewLimiter(limit, opts.Burst),
		logger:   logger,
		workers:  opts.Workers,
		queue:    make(chan reservation.NotificationIntent, opts.Buffer),
	}
}

// Start launches the worker goroutines. Workers stop when ctx is done or
// after Close has drained the queue.
func (d *Dispatcher) Start(ctx context.Context) {
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.worker(ctx, i)
	}
}

// Notify enqueues an intent and returns immediately.
func (d *Dispatcher) Notify(_ context.Context, intent reservation.NotificationIntent) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		d.dropped.Add(1)
		return
	}
	select {
	case d.queue <- intent:
	default:
		d.dropped.Add(1)
		d.logger.Warn("notification queue full, dropping intent",
			zap.String("recipient_id", intent.RecipientID),
			zap.String("template", string(intent.Template)))
	}
}

// Close stops accepting intents and waits for queued ones to be delivered.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()
	d.wg.Wait()
}

// Dropped returns how many intents were discarded.
func (d *Dispatcher) Dropped() int64 { return d.dropped.Load() }

// Delivered returns how many messages reached the sink successfully.
func (d *Dispatcher) Delivered() int64 { return d.delivered.Load() }

func (d *Dispatcher) worker(ctx context.Context, id int) {
	defer d.wg.Done()
	d.logger.Debug("notification worker started", zap.Int("worker", id))
	for {
		select {
		case intent, ok := <-d.queue:
			if !ok {
				return
			}
			d.dispatch(ctx, intent)
		case <-ctx.Done():
			return
		}
	}
}

func (d *Dispatcher) dispatch(ctx context.Context, intent reservation.NotificationIntent) {
	for _, recipient := range d.recipients(ctx, intent.RecipientID) {
		if err := d.limiter.Wait(ctx); err != nil {
			return
		}
		msg := Message{RecipientID: recipient, Template: intent.Template, Data: intent.Data}
		if err := d.sink.Deliver(ctx, msg); err != nil {
			d.logger.Warn("failed to deliver notification",
				zap.String("recipient_id", recipient),
				zap.String("template", string(intent.Template)),
				zap.Error(err))
			continue
		}
		d.delivered.Add(1)
	}
}

func (d *Dispatcher) recipients(ctx context.Context, recipient string) []string {
	role, ok := strings.CutPrefix(recipient, rolePrefix)
	if !ok || d.expander == nil {
		return []string{recipient}
	}
	users, err := d.expander.UsersWithRole(ctx, role)
	if err != nil {
		d.logger.Warn("failed to expand role recipient", zap.String("role", role), zap.Error(err))
		return nil
	}
	if len(users) == 0 {
		d.logger.Debug("no holders for role recipient", zap.String("role", role))
	}
	return users
}

// =============================================================================
// SINKS
// =============================================================================

// LogSink writes every message to a zap logger.
type LogSink struct {
	logger *zap.Logger
}

func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger.Named("notify")}
}

func (s *LogSink) Deliver(_ context.Context, msg Message) error {
	fields := make([]zap.Field, 0, len(msg.Data)+2)
	fields = append(fields, zap.String("recipient_id", msg.RecipientID), zap.String("template", string(msg.Template)))
	for k, v := range msg.Data {
		fields = append(fields, zap.String(k, v))
	}
	s.logger.Info("notification", fields...)
	return nil
}
