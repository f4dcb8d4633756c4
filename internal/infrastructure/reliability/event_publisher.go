package reliability

import (
	"context"
	"errors"
	"sync/atomic"

	"sfusignal/internal/core/domain"
	"sfusignal/internal/core/ports"
	"sfusignal/pkg/circuitbreaker"
	"sfusignal/pkg/retry"
	"sfusignal/pkg/tracing"

	"go.uber.org/zap"
)

// Bus is the outbound side of the cluster event bus.
type Bus interface {
	Publish(ctx context.Context, ev domain.SessionEvent) error
}

type PublishObserver interface {
	EventPublished(ok bool)
}

// EventPublisher forwards session events to a Bus off the registry's
// calling goroutine. Events are dropped when the queue is full; signaling
// never waits on the bus.
type EventPublisher struct {
	bus      Bus
	queue    chan domain.SessionEvent
	retryCfg retry.Config
	breaker  *circuitbreaker.CircuitBreaker
	observer PublishObserver
	logger   *zap.SugaredLogger

	dropped atomic.Uint64
}

var _ ports.EventSink = (*EventPublisher)(nil)

func NewEventPublisher(
	bus Bus,
	queueSize int,
	retryCfg retry.Config,
	breaker *circuitbreaker.CircuitBreaker,
	observer PublishObserver,
	logger *zap.SugaredLogger,
) *EventPublisher {
	if queueSize <= 0 {
		queueSize = 256
	}
	return &EventPublisher{
		bus:      bus,
		queue:    make(chan domain.SessionEvent, queueSize),
		retryCfg: retryCfg,
		breaker:  breaker,
		observer: observer,
		logger:   logger,
	}
}

func (p *EventPublisher) Publish(_ context.Context, ev domain.SessionEvent) {
	select {
	case p.queue <- ev:
	default:
		n := p.dropped.Add(1)
		p.observe(false)
		p.logger.Warnw("event queue full, dropping event",
			"type", ev.Type,
			"room_id", ev.RoomID,
			"dropped_total", n,
		)
	}
}

// Dropped reports how many events never reached the bus.
func (p *EventPublisher) Dropped() uint64 { return p.dropped.Load() }

// Run drains the queue until ctx is done.
func (p *EventPublisher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-p.queue:
			p.send(ctx, ev)
		}
	}
}

func (p *EventPublisher) send(ctx context.Context, ev domain.SessionEvent) {
	ctx, span := tracing.TraceEventPublish(ctx, string(ev.Type), string(ev.RoomID))
	defer span.End()

	err := retry.Do(ctx, p.retryCfg, func(ctx context.Context) error {
		err := p.breaker.Execute(ctx, func() error {
			return p.bus.Publish(ctx, ev)
		})
		if errors.Is(err, circuitbreaker.ErrOpen) {
			return retry.Permanent(err)
		}
		return err
	})
	if err != nil {
		p.dropped.Add(1)
		p.observe(false)
		tracing.RecordError(span, err, "PUBLISH_FAILED")
		p.logger.Warnw("failed to publish session event",
			"type", ev.Type,
			"room_id", ev.RoomID,
			"breaker", p.breaker.State().String(),
			"error", err,
		)
		return
	}
	p.observe(true)
}

func (p *EventPublisher) observe(ok bool) {
	if p.observer != nil {
		p.observer.EventPublished(ok)
	}
}
