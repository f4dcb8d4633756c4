package domain

import "errors"

var (
	ErrTransportNotFound = errors.New("transport not found")
	ErrProducerNotFound  = errors.New("producer not found")
	ErrConsumerNotFound  = errors.New("consumer not found")
	ErrRoomNotFound      = errors.New("room not found")

	ErrDuplicateRole          = errors.New("transport with this role already exists")
	ErrTransportNotConnected  = errors.New("transport not connected")
	ErrTransportConnected     = errors.New("transport already connected")
	ErrTransportRole          = errors.New("operation not allowed for transport role")
	ErrProducerClosed         = errors.New("producer closed")
	ErrAlreadyClosed          = errors.New("already closed")
	ErrCapabilitiesNotLoaded  = errors.New("capabilities not loaded")
	ErrNoProducer             = errors.New("no producer available")
	ErrIncompatibleCapability = errors.New("incompatible rtp capabilities")

	ErrEngineFailure  = errors.New("media engine failure")
	ErrConnectionLost = errors.New("connection lost")
)
