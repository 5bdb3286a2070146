// Package dispatcher drives the projector from an event feed.
//
// Deliveries are routed by a hash of the transaction id to one of
// Config.Workers shard queues. Each shard has a single worker goroutine, so
// events of one transaction are applied one at a time in delivery order
// while different transactions proceed in parallel. There is no global lock:
// the only shared state is the view store, guarded by its version
// compare-and-swap.
//
// Per delivery the worker:
//   - acks applied and skipped events,
//   - reports and acks rejected events (no retry),
//   - reruns the whole apply cycle after a version conflict, with backoff,
//   - retries transient storage failures with backoff,
//   - reports, dead-letters and settles anything it gives up on.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/cespare/xxhash/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/roach88/txlife/internal/event"
	"github.com/roach88/txlife/internal/feed"
	"github.com/roach88/txlife/internal/projector"
	"github.com/roach88/txlife/internal/view"
)

const tracerName = "github.com/roach88/txlife/internal/dispatcher"

// Stats counts what the dispatcher has done since it was created.
type Stats struct {
	Received     int64 `json:"received"`
	Applied      int64 `json:"applied"`
	Skipped      int64 `json:"skipped"`
	Rejected     int64 `json:"rejected"`
	Conflicts    int64 `json:"conflicts"`
	Retries      int64 `json:"retries"`
	Fatal        int64 `json:"fatal"`
	DeadLettered int64 `json:"deadLettered"`
	Requeued     int64 `json:"requeued"`
}

type counters struct {
	received, applied, skipped, rejected   atomic.Int64
	conflicts, retries, fatal, deadLetters atomic.Int64
	requeued                               atomic.Int64
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithReporter sets the anomaly reporter. Default: discard.
func WithReporter(r Reporter) Option {
	return func(d *Dispatcher) { d.reporter = r }
}

// WithFailureHandler sets where fatal deliveries are parked. Without one,
// fatal deliveries are nacked without requeue.
func WithFailureHandler(h FailureHandler) Option {
	return func(d *Dispatcher) { d.failures = h }
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) { d.logger = l }
}

// Dispatcher pulls deliveries from a source and applies them.
type Dispatcher struct {
	source   feed.Source
	applier  Applier
	cfg      Config
	reporter Reporter
	failures FailureHandler
	logger   *slog.Logger
	tracer   trace.Tracer
	stats    counters
	running  atomic.Bool
}

// New creates a dispatcher. cfg must pass Validate.
func New(source feed.Source, applier Applier, cfg Config, opts ...Option) (*Dispatcher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	d := &Dispatcher{
		source:   source,
		applier:  applier,
		cfg:      cfg,
		reporter: nopReporter{},
		logger:   slog.Default(),
		tracer:   otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// Stats returns a snapshot of the counters.
func (d *Dispatcher) Stats() Stats {
	return Stats{
		Received:     d.stats.received.Load(),
		Applied:      d.stats.applied.Load(),
		Skipped:      d.stats.skipped.Load(),
		Rejected:     d.stats.rejected.Load(),
		Conflicts:    d.stats.conflicts.Load(),
		Retries:      d.stats.retries.Load(),
		Fatal:        d.stats.fatal.Load(),
		DeadLettered: d.stats.deadLetters.Load(),
		Requeued:     d.stats.requeued.Load(),
	}
}

// Shard returns the worker index that handles transactionID.
func Shard(transactionID string, workers int) int {
	return int(xxhash.Sum64String(event.NormalizeID(transactionID)) % uint64(workers))
}

// Run dispatches until ctx is cancelled or the source is exhausted.
//
// On source exhaustion every queued delivery is processed before Run returns
// nil. On cancellation in-flight applies observe ctx (no partial writes),
// queued deliveries are nacked for redelivery, and Run returns ctx.Err().
// A source failure stops the loop and is returned after the same drain.
func (d *Dispatcher) Run(ctx context.Context) error {
	if !d.running.CompareAndSwap(false, true) {
		return fmt.Errorf("dispatcher: already running")
	}
	defer d.running.Store(false)

	queues := make([]*shardQueue, d.cfg.Workers)
	var wg sync.WaitGroup
	for i := range queues {
		queues[i] = newShardQueue(d.cfg.QueueDepth)
		wg.Add(1)
		go func(shard int, q *shardQueue) {
			defer wg.Done()
			d.work(ctx, shard, q)
		}(i, queues[i])
	}

	d.logger.Info("dispatcher started", "workers", d.cfg.Workers, "queue_depth", d.cfg.QueueDepth)
	err := d.receive(ctx, queues)

	for _, q := range queues {
		q.Close()
	}
	wg.Wait()

	stats := d.Stats()
	d.logger.Info("dispatcher stopped",
		"received", stats.Received,
		"applied", stats.Applied,
		"skipped", stats.Skipped,
		"rejected", stats.Rejected,
		"fatal", stats.Fatal,
	)

	if errors.Is(err, ErrSourceClosed) {
		return nil
	}
	return err
}

// receive pulls deliveries and routes them to shard queues.
func (d *Dispatcher) receive(ctx context.Context, queues []*shardQueue) error {
	for {
		del, err := d.source.Receive(ctx)
		if err != nil {
			if errors.Is(err, ErrSourceClosed) {
				return err
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			return fmt.Errorf("receive: %w", err)
		}
		d.stats.received.Add(1)

		shard := 0
		if del.Err == nil {
			shard = Shard(del.Event.TransactionID, len(queues))
		}
		if !queues[shard].Enqueue(ctx, del) {
			d.requeue(del)
			return ctx.Err()
		}
	}
}

// work is the loop of one shard worker.
func (d *Dispatcher) work(ctx context.Context, shard int, q *shardQueue) {
	for {
		if del, ok := q.TryDequeue(); ok {
			d.handle(ctx, del)
			continue
		}
		if q.Drained() {
			d.logger.Debug("shard drained", "shard", shard)
			return
		}
		<-q.Wait()
	}
}

// handle settles one delivery.
func (d *Dispatcher) handle(ctx context.Context, del feed.Delivery) {
	if ctx.Err() != nil {
		d.requeue(del)
		return
	}
	if del.Err != nil {
		d.fatal(ctx, del, newFatal(FatalMalformed, del, 0, del.Err))
		return
	}

	ctx = otel.GetTextMapPropagator().Extract(ctx, propagation.MapCarrier(del.Trace))
	ctx, span := d.tracer.Start(ctx, "dispatcher.handle", trace.WithAttributes(
		attribute.String("delivery.id", del.ID),
		attribute.String("transaction.id", del.Event.TransactionID),
		attribute.Int64("event.seq", del.Event.SequenceNumber),
	))
	defer span.End()

	res, attempts, err := d.apply(ctx, del.Event)
	switch {
	case err == nil:
		span.SetAttributes(attribute.String("apply.outcome", res.String()))
		d.settle(ctx, del, res)
	case ctx.Err() != nil:
		d.requeue(del)
	default:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		d.fatal(ctx, del, classify(del, attempts, err))
	}
}

// apply runs the apply cycle until it reaches a definitive result, retrying
// conflicts and transient storage failures with exponential backoff.
func (d *Dispatcher) apply(ctx context.Context, ev event.Event) (projector.Result, int, error) {
	var attempts, conflicts, storageFailures int

	op := func() (projector.Result, error) {
		attempts++
		res, err := d.attempt(ctx, ev)
		if err != nil {
			if ctx.Err() != nil {
				return res, backoff.Permanent(ctx.Err())
			}
			if !view.IsTransient(err) {
				return res, backoff.Permanent(err)
			}
			storageFailures++
			if storageFailures > d.cfg.MaxStorageRetries {
				return res, backoff.Permanent(fmt.Errorf("%w: %w", errStorageExhausted, err))
			}
			return res, err
		}
		if res.Outcome == projector.OutcomeConflict {
			conflicts++
			d.stats.conflicts.Add(1)
			d.reporter.Conflict(ctx, ev, conflicts)
			if conflicts > d.cfg.MaxConflictRetries {
				return res, backoff.Permanent(errConflict)
			}
			return res, errConflict
		}
		return res, nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = d.cfg.RetryInitialInterval
	b.MaxInterval = d.cfg.RetryMaxInterval

	res, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(b),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			d.stats.retries.Add(1)
			d.logger.Debug("retrying apply",
				"transaction_id", ev.TransactionID,
				"seq", ev.SequenceNumber,
				"attempt", attempts,
				"backoff", next,
				"error", err,
			)
		}),
	)
	return res, attempts, err
}

// attempt is one apply call, bounded by StorageTimeout.
func (d *Dispatcher) attempt(ctx context.Context, ev event.Event) (projector.Result, error) {
	if d.cfg.StorageTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.cfg.StorageTimeout)
		defer cancel()
	}
	return d.applier.Apply(ctx, ev)
}

var errStorageExhausted = errors.New("storage retries exhausted")

func classify(del feed.Delivery, attempts int, err error) *FatalError {
	switch {
	case errors.Is(err, errConflict):
		return newFatal(FatalConflictsExhausted, del, attempts, err)
	case errors.Is(err, errStorageExhausted):
		return newFatal(FatalStorageExhausted, del, attempts, err)
	}
	return newFatal(FatalStorage, del, attempts, err)
}

// settle acks a definitive result.
func (d *Dispatcher) settle(ctx context.Context, del feed.Delivery, res projector.Result) {
	switch res.Outcome {
	case projector.OutcomeApplied:
		d.stats.applied.Add(1)
	case projector.OutcomeSkipped:
		d.stats.skipped.Add(1)
	case projector.OutcomeRejected:
		d.stats.rejected.Add(1)
		d.logger.Warn("event rejected",
			"transaction_id", del.Event.TransactionID,
			"code", del.Event.Code,
			"seq", del.Event.SequenceNumber,
			"reason", res.Reason,
		)
		d.reporter.Rejected(ctx, del.Event, res)
	}
	d.ack(del)
}

// fatal reports and parks a delivery. A delivery the failure handler stored
// is acked; otherwise it is nacked without requeue so a broker can route it
// to its dead-letter exchange.
func (d *Dispatcher) fatal(ctx context.Context, del feed.Delivery, fe *FatalError) {
	d.stats.fatal.Add(1)
	d.logger.Error("delivery failed", "delivery_id", del.ID, "error", fe)
	d.reporter.Fatal(ctx, del, fe)

	if d.failures != nil {
		// Park the delivery even when the run is being cancelled.
		if err := d.failures.DeadLetter(context.WithoutCancel(ctx), del, fe); err != nil {
			d.logger.Error("dead letter failed", "delivery_id", del.ID, "error", err)
		} else {
			d.stats.deadLetters.Add(1)
			d.ack(del)
			return
		}
	}
	if err := del.Nack(false); err != nil {
		d.logger.Error("nack failed", "delivery_id", del.ID, "error", err)
	}
}

func (d *Dispatcher) requeue(del feed.Delivery) {
	d.stats.requeued.Add(1)
	if err := del.Nack(true); err != nil {
		d.logger.Error("requeue failed", "delivery_id", del.ID, "error", err)
	}
}

func (d *Dispatcher) ack(del feed.Delivery) {
	if err := del.Ack(); err != nil {
		d.logger.Error("ack failed", "delivery_id", del.ID, "error", err)
	}
}
