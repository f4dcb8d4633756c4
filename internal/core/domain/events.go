package domain

type SessionEventType string

const (
	EventTransportStateChanged SessionEventType = "transportStateChanged"
	EventProducerAdded         SessionEventType = "newProducer"
	EventProducerClosed        SessionEventType = "producerClosed"
	EventConsumerClosed        SessionEventType = "consumerClosed"
)

// SessionEvent describes a registry state transition. Recipients, when set,
// lists the peers that must be told; otherwise delivery depends on Type.
type SessionEvent struct {
	Type        SessionEventType `json:"type"`
	RoomID      RoomID           `json:"room_id"`
	PeerID      PeerID           `json:"peer_id,omitempty"`
	TransportID TransportID      `json:"transport_id,omitempty"`
	ProducerID  ProducerID       `json:"producer_id,omitempty"`
	ConsumerID  ConsumerID       `json:"consumer_id,omitempty"`
	Kind        MediaKind        `json:"kind,omitempty"`
	State       string           `json:"state,omitempty"`
	Recipients  []PeerID         `json:"recipients,omitempty"`
}
