package dispatcher

import (
	"context"

	"github.com/roach88/txlife/internal/event"
	"github.com/roach88/txlife/internal/feed"
	"github.com/roach88/txlife/internal/projector"
)

// Applier applies one event to the view store. *projector.Projector
// satisfies it.
type Applier interface {
	Apply(ctx context.Context, ev event.Event) (projector.Result, error)
}

// Reporter receives dispatch anomalies. Implementations must be safe for
// concurrent use and must not block for long: they run on worker goroutines.
type Reporter interface {
	// Rejected is called for events the lifecycle or ordering rules refused.
	Rejected(ctx context.Context, ev event.Event, res projector.Result)

	// Conflict is called each time an apply attempt loses the version race.
	Conflict(ctx context.Context, ev event.Event, attempt int)

	// Fatal is called once for a delivery the dispatcher gives up on.
	Fatal(ctx context.Context, d feed.Delivery, err *FatalError)
}

// FailureHandler parks deliveries that failed fatally.
type FailureHandler interface {
	DeadLetter(ctx context.Context, d feed.Delivery, cause error) error
}

// Reporters fans anomalies out to several reporters in order.
type Reporters []Reporter

func (rs Reporters) Rejected(ctx context.Context, ev event.Event, res projector.Result) {
	for _, r := range rs {
		r.Rejected(ctx, ev, res)
	}
}

func (rs Reporters) Conflict(ctx context.Context, ev event.Event, attempt int) {
	for _, r := range rs {
		r.Conflict(ctx, ev, attempt)
	}
}

func (rs Reporters) Fatal(ctx context.Context, d feed.Delivery, err *FatalError) {
	for _, r := range rs {
		r.Fatal(ctx, d, err)
	}
}

type nopReporter struct{}

func (nopReporter) Rejected(context.Context, event.Event, projector.Result) {}
func (nopReporter) Conflict(context.Context, event.Event, int)              {}
func (nopReporter) Fatal(context.Context, feed.Delivery, *FatalError)       {}
