package domain

import "time"

type TransportRole string

const (
	RoleSend TransportRole = "send"
	RoleRecv TransportRole = "recv"
)

func (r TransportRole) Valid() bool {
	return r == RoleSend || r == RoleRecv
}

type TransportState string

const (
	TransportNew        TransportState = "new"
	TransportConnecting TransportState = "connecting"
	TransportConnected  TransportState = "connected"
	TransportFailed     TransportState = "failed"
	TransportClosed     TransportState = "closed"
)

// Terminal reports whether the transport can no longer carry media.
func (s TransportState) Terminal() bool {
	return s == TransportFailed || s == TransportClosed
}

type ProducerState string

const (
	ProducerActive ProducerState = "active"
	ProducerClosed ProducerState = "closed"
)

type ConsumerState string

const (
	ConsumerPaused ConsumerState = "paused"
	ConsumerActive ConsumerState = "active"
	ConsumerClosed ConsumerState = "closed"
)

// Transport is the registry's record of one ICE/DTLS endpoint.
type Transport struct {
	ID        TransportID
	RoomID    RoomID
	PeerID    PeerID
	Role      TransportRole
	State     TransportState
	CreatedAt time.Time
}

type Producer struct {
	ID          ProducerID
	RoomID      RoomID
	PeerID      PeerID
	TransportID TransportID
	Kind        MediaKind
	State       ProducerState
	CreatedAt   time.Time
}

type Consumer struct {
	ID          ConsumerID
	RoomID      RoomID
	PeerID      PeerID
	TransportID TransportID
	ProducerID  ProducerID
	Kind        MediaKind
	State       ConsumerState
	CreatedAt   time.Time
}

// RoomStats is a point-in-time summary of a room.
type RoomStats struct {
	RoomID     RoomID    `json:"room_id"`
	Peers      int       `json:"peers"`
	Transports int       `json:"transports"`
	Producers  int       `json:"producers"`
	Consumers  int       `json:"consumers"`
	Timestamp  time.Time `json:"timestamp"`
}
