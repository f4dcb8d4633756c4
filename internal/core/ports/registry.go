package ports

import (
	"context"

	"sfusignal/internal/core/domain"
)

// EventSink receives registry state transitions after the registry lock is
// released.
type EventSink interface {
	Publish(ctx context.Context, event domain.SessionEvent)
}

type SessionRegistry interface {
	RegisterTransport(room domain.RoomID, peer domain.PeerID, role domain.TransportRole, handle TransportHandle) (domain.TransportID, error)
	GetTransport(id domain.TransportID) (domain.Transport, error)
	TransportHandle(id domain.TransportID) (TransportHandle, error)
	SetTransportState(ctx context.Context, id domain.TransportID, state domain.TransportState) error
	CloseTransport(ctx context.Context, id domain.TransportID) error
	PeerTransports(room domain.RoomID, peer domain.PeerID) []domain.Transport

	RegisterProducer(transportID domain.TransportID, kind domain.MediaKind, handle ProducerHandle) (domain.ProducerID, error)
	GetProducer(id domain.ProducerID) (domain.Producer, error)
	ProducerHandle(id domain.ProducerID) (ProducerHandle, error)
	CurrentProducer(room domain.RoomID, kind domain.MediaKind) (domain.Producer, error)
	LatestProducer(room domain.RoomID) (domain.Producer, error)
	CloseProducer(ctx context.Context, id domain.ProducerID) error
	Producers(room domain.RoomID) []domain.Producer

	RegisterConsumer(transportID domain.TransportID, producerID domain.ProducerID, handle ConsumerHandle) (domain.ConsumerID, error)
	GetConsumer(id domain.ConsumerID) (domain.Consumer, error)
	ConsumerHandle(id domain.ConsumerID) (ConsumerHandle, error)
	SetConsumerState(id domain.ConsumerID, state domain.ConsumerState) error

	ClosePeer(ctx context.Context, peer domain.PeerID) error

	RoomStats(room domain.RoomID) (domain.RoomStats, error)
	Rooms() []domain.RoomID
}
