package distributed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"sfusignal/internal/core/domain"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Envelope is the wire form of a session event on the bus.
type Envelope struct {
	InstanceID string              `json:"instance_id"`
	Timestamp  time.Time           `json:"timestamp"`
	Event      domain.SessionEvent `json:"event"`
}

// EventBus mirrors registry session events onto a Redis pub/sub channel so
// other instances and external tooling can follow room activity.
type EventBus struct {
	client     redis.UniversalClient
	instanceID string
	channel    string
	now        func() time.Time
	logger     *zap.SugaredLogger
}

func NewEventBus(client redis.UniversalClient, instanceID, channel string, logger *zap.SugaredLogger) *EventBus {
	return &EventBus{
		client:     client,
		instanceID: instanceID,
		channel:    channel,
		now:        time.Now,
		logger:     logger,
	}
}

func (eb *EventBus) InstanceID() string { return eb.instanceID }

func (eb *EventBus) Publish(ctx context.Context, ev domain.SessionEvent) error {
	data, err := eb.encode(ev)
	if err != nil {
		return err
	}
	if err := eb.client.Publish(ctx, eb.channel, data).Err(); err != nil {
		return fmt.Errorf("failed to publish %s event: %w", ev.Type, err)
	}
	eb.logger.Debugw("published session event",
		"type", ev.Type,
		"room_id", ev.RoomID,
		"channel", eb.channel,
	)
	return nil
}

// Subscribe delivers events published by other instances until ctx is done.
func (eb *EventBus) Subscribe(ctx context.Context, handler func(Envelope)) error {
	pubsub := eb.client.Subscribe(ctx, eb.channel)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", eb.channel, err)
	}

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return errors.New("event bus subscription closed")
			}
			eb.dispatch(msg.Payload, handler)
		}
	}
}

func (eb *EventBus) encode(ev domain.SessionEvent) ([]byte, error) {
	data, err := json.Marshal(Envelope{
		InstanceID: eb.instanceID,
		Timestamp:  eb.now().UTC(),
		Event:      ev,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event: %w", err)
	}
	return data, nil
}

func (eb *EventBus) dispatch(payload string, handler func(Envelope)) {
	var env Envelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		eb.logger.Warnw("dropping malformed bus message", "error", err)
		return
	}
	if env.InstanceID == eb.instanceID {
		return
	}
	handler(env)
}
