package signal

import (
	"bytes"
	"encoding/json"

	"sfusignal/internal/core/domain"
	apperrors "sfusignal/pkg/errors"
	"sfusignal/pkg/validation"
)

type RequestType string

const (
	ReqGetCapabilities    RequestType = "getCapabilities"
	ReqCapabilitiesLoaded RequestType = "capabilitiesLoaded"
	ReqCreateTransport    RequestType = "createTransport"
	ReqConnectTransport   RequestType = "connectTransport"
	ReqProduce            RequestType = "produce"
	ReqConsume            RequestType = "consume"
	ReqResumeConsumer     RequestType = "resumeConsumer"
	ReqPauseConsumer      RequestType = "pauseConsumer"
	ReqCloseProducer      RequestType = "closeProducer"
	ReqListProducers      RequestType = "listProducers"
)

const (
	msgTypeResponse = "response"
	msgTypeEvent    = "event"

	eventWelcome = "welcome"
)

// Request is one client message. ID is echoed back verbatim and may be any
// JSON scalar.
type Request struct {
	ID      json.RawMessage `json:"id,omitempty"`
	Type    RequestType     `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type ErrorBody struct {
	Code    apperrors.ErrorCode `json:"code"`
	Message string              `json:"message"`
}

// Response acknowledges exactly one Request.
type Response struct {
	ID      json.RawMessage `json:"id,omitempty"`
	Type    string          `json:"type"`
	OK      bool            `json:"ok"`
	Payload interface{}     `json:"payload,omitempty"`
	Error   *ErrorBody      `json:"error,omitempty"`
}

// Push is an unsolicited server event.
type Push struct {
	Type    string      `json:"type"`
	Event   string      `json:"event"`
	Payload interface{} `json:"payload,omitempty"`
}

func okResponse(id json.RawMessage, payload interface{}) Response {
	if payload == nil {
		payload = struct{}{}
	}
	return Response{ID: id, Type: msgTypeResponse, OK: true, Payload: payload}
}

func errorResponse(id json.RawMessage, appErr *apperrors.AppError) Response {
	return Response{
		ID:    id,
		Type:  msgTypeResponse,
		Error: &ErrorBody{Code: appErr.Code, Message: appErr.Message},
	}
}

type CapabilitiesLoadedPayload struct {
	RtpCapabilities *domain.RtpCapabilities `json:"rtpCapabilities,omitempty" validate:"omitempty"`
}

type CreateTransportPayload struct {
	Role domain.TransportRole `json:"role" validate:"required,oneof=send recv"`
}

type ConnectTransportPayload struct {
	TransportID    domain.TransportID    `json:"transportId" validate:"required"`
	DtlsParameters domain.DtlsParameters `json:"dtlsParameters"`
}

type ProducePayload struct {
	TransportID   domain.TransportID   `json:"transportId" validate:"required"`
	Kind          domain.MediaKind     `json:"kind" validate:"required,oneof=audio video"`
	RtpParameters domain.RtpParameters `json:"rtpParameters"`
}

type ConsumePayload struct {
	TransportID     domain.TransportID      `json:"transportId" validate:"required"`
	ProducerID      domain.ProducerID       `json:"producerId,omitempty"`
	Kind            domain.MediaKind        `json:"kind,omitempty" validate:"omitempty,oneof=audio video"`
	RtpCapabilities *domain.RtpCapabilities `json:"rtpCapabilities,omitempty" validate:"omitempty"`
}

type ConsumerPayload struct {
	ConsumerID domain.ConsumerID `json:"consumerId" validate:"required"`
}

type ProducerPayload struct {
	ProducerID domain.ProducerID `json:"producerId" validate:"required"`
}

type ProduceResult struct {
	ID domain.ProducerID `json:"id"`
}

type WelcomeEvent struct {
	PeerID domain.PeerID `json:"peerId"`
	RoomID domain.RoomID `json:"roomId"`
}

type NewProducerEvent struct {
	ProducerID domain.ProducerID `json:"producerId"`
	Kind       domain.MediaKind  `json:"kind"`
	PeerID     domain.PeerID     `json:"peerId"`
}

type ProducerClosedEvent struct {
	ProducerID domain.ProducerID `json:"producerId"`
}

type ConsumerClosedEvent struct {
	ConsumerID domain.ConsumerID `json:"consumerId"`
	ProducerID domain.ProducerID `json:"producerId,omitempty"`
}

type TransportStateEvent struct {
	TransportID domain.TransportID `json:"transportId"`
	State       string             `json:"state"`
}

// decodePayload unmarshals and validates a request payload. A missing
// payload decodes as an empty object so required fields are reported.
func decodePayload(raw json.RawMessage, v interface{}) error {
	data := bytes.TrimSpace(raw)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		data = []byte("{}")
	}
	if err := json.Unmarshal(data, v); err != nil {
		return apperrors.NewValidationError("malformed payload: " + err.Error())
	}
	if err := validation.Struct(v); err != nil {
		return apperrors.NewValidationError(err.Error())
	}
	return nil
}

// eventPayload maps a registry event onto the push sent to clients.
func eventPayload(ev domain.SessionEvent) interface{} {
	switch ev.Type {
	case domain.EventProducerAdded:
		return NewProducerEvent{ProducerID: ev.ProducerID, Kind: ev.Kind, PeerID: ev.PeerID}
	case domain.EventProducerClosed:
		return ProducerClosedEvent{ProducerID: ev.ProducerID}
	case domain.EventConsumerClosed:
		return ConsumerClosedEvent{ConsumerID: ev.ConsumerID, ProducerID: ev.ProducerID}
	case domain.EventTransportStateChanged:
		return TransportStateEvent{TransportID: ev.TransportID, State: ev.State}
	default:
		return ev
	}
}
