package domain

type RoomID string
type PeerID string
type TransportID string
type ProducerID string
type ConsumerID string
type UserID string

// DefaultRoom is used when a client does not name a room.
const DefaultRoom RoomID = "default"
