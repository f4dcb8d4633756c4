package services

import (
	"context"

	"sfusignal/internal/core/domain"
	"sfusignal/internal/core/ports"
)

// EventFanout delivers every event to each sink in order.
type EventFanout []ports.EventSink

var _ ports.EventSink = EventFanout(nil)

func (f EventFanout) Publish(ctx context.Context, ev domain.SessionEvent) {
	for _, sink := range f {
		if sink != nil {
			sink.Publish(ctx, ev)
		}
	}
}
