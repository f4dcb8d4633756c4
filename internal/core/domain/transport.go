package domain

type IceParameters struct {
	UsernameFragment string `json:"usernameFragment"`
	Password         string `json:"password"`
	IceLite          bool   `json:"iceLite"`
}

type IceCandidate struct {
	Foundation string `json:"foundation"`
	Priority   uint32 `json:"priority"`
	IP         string `json:"ip"`
	Address    string `json:"address"`
	Protocol   string `json:"protocol"`
	Port       uint16 `json:"port"`
	Type       string `json:"type"`
	TCPType    string `json:"tcpType,omitempty"`
}

type DtlsRole string

const (
	DtlsRoleAuto   DtlsRole = "auto"
	DtlsRoleClient DtlsRole = "client"
	DtlsRoleServer DtlsRole = "server"
)

type DtlsFingerprint struct {
	Algorithm string `json:"algorithm" validate:"required"`
	Value     string `json:"value" validate:"required"`
}

type DtlsParameters struct {
	Role         DtlsRole          `json:"role,omitempty" validate:"omitempty,oneof=auto client server"`
	Fingerprints []DtlsFingerprint `json:"fingerprints" validate:"required,min=1,dive"`
}

// TransportParameters is what a client needs to set up its side of a transport.
type TransportParameters struct {
	ID             TransportID    `json:"id"`
	IceParameters  IceParameters  `json:"iceParameters"`
	IceCandidates  []IceCandidate `json:"iceCandidates"`
	DtlsParameters DtlsParameters `json:"dtlsParameters"`
}

type TransportOptions struct {
	Role TransportRole
}
