package domain

import (
	"encoding/json"
	"fmt"
)

type SignalType string

const (
	// client -> server
	SignalSyncConnectionRequests  SignalType = "sync-connection-requests"
	SignalCancelConnectionRequest SignalType = "cancel-connection-request"
	SignalAcceptConnectionRequest SignalType = "accept-connection-request"
	SignalRejectConnectionRequest SignalType = "reject-connection-request"
	SignalReconnectExisting       SignalType = "reconnect-existing-connection"
	SignalChangeUsername          SignalType = "change-username"
	SignalICESuccess              SignalType = "ice-success"
	SignalReconnectDecision       SignalType = "reconnect-decision"

	// server -> client
	SignalRequestConnection SignalType = "request-connection"
	SignalStartICEHandshake SignalType = "start-ice-handshake"
	SignalUsernameChanged   SignalType = "username-changed"
	SignalUsernameReserved  SignalType = "err-username-reserved"
	SignalPeerBusy          SignalType = "peer-busy"
	SignalReconnectQuery    SignalType = "reconnect-query"
	SignalReconnectResult   SignalType = "reconnect-result"
	SignalError             SignalType = "error"

	// relayed verbatim in both directions
	SignalICECandidate SignalType = "ice-candidate"
	SignalICEOffer     SignalType = "ice-offer"
	SignalICEAnswer    SignalType = "ice-answer"
)

// Envelope is the frame exchanged with the rendezvous server. Ack is set on
// a message that expects a reply; the reply carries the same number in ReplyTo.
type Envelope struct {
	Type    SignalType      `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Ack     uint64          `json:"ack,omitempty"`
	ReplyTo uint64          `json:"reply_to,omitempty"`
}

// SignalMessage is the closed set of messages carried in an Envelope.
type SignalMessage interface {
	SignalType() SignalType
	isSignal()
}

type SyncConnectionRequests struct {
	Requests []DeviceIdentifier `json:"requests"`
}

type CancelConnectionRequest struct {
	PeerID DeviceIdentifier `json:"peerId"`
}

type AcceptConnectionRequest struct {
	PeerID DeviceIdentifier `json:"peerId"`
}

type RejectConnectionRequest struct {
	PeerID DeviceIdentifier `json:"peerId"`
}

type ReconnectExistingConnection struct {
	PeerID DeviceIdentifier `json:"peerId"`
}

type ChangeUsername struct {
	Username string `json:"username"`
}

type ICESuccess struct{}

type ReconnectDecision struct {
	Approve bool `json:"approve"`
}

type RequestConnection struct {
	Sender DeviceIdentifier `json:"sender"`
}

// ConnectionRequestCancelled shares its wire type with CancelConnectionRequest;
// the direction decides which one is decoded.
type ConnectionRequestCancelled struct {
	Sender DeviceIdentifier `json:"sender"`
}

type StartICEHandshake struct {
	PeerAddress     string `json:"peerAddress"`
	PeerUsername    string `json:"peerUsername"`
	ShouldSendOffer bool   `json:"shouldSendOffer"`
}

func (m StartICEHandshake) Peer() DeviceIdentifier {
	return DeviceIdentifier{Address: m.PeerAddress, Username: m.PeerUsername}
}

type UsernameChanged struct {
	Username string `json:"username"`
}

type UsernameReserved struct {
	Username string `json:"username"`
}

type PeerBusy struct {
	Peer DeviceIdentifier `json:"peer"`
}

type ReconnectQuery struct {
	Requester DeviceIdentifier `json:"requester"`
}

type ReconnectResult struct {
	Outcome ReconnectOutcome `json:"outcome"`
}

type ErrorNotice struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ICECandidate, ICEOffer and ICEAnswer wrap an opaque negotiation payload.
// The payload is the whole Envelope payload, so it survives relaying byte for byte.
type ICECandidate struct{ Data json.RawMessage }
type ICEOffer struct{ Data json.RawMessage }
type ICEAnswer struct{ Data json.RawMessage }

func (m ICECandidate) MarshalJSON() ([]byte, error) { return rawOrNull(m.Data), nil }
func (m ICEOffer) MarshalJSON() ([]byte, error)     { return rawOrNull(m.Data), nil }
func (m ICEAnswer) MarshalJSON() ([]byte, error)    { return rawOrNull(m.Data), nil }

func (m *ICECandidate) UnmarshalJSON(b []byte) error { m.Data = cloneRaw(b); return nil }
func (m *ICEOffer) UnmarshalJSON(b []byte) error     { m.Data = cloneRaw(b); return nil }
func (m *ICEAnswer) UnmarshalJSON(b []byte) error    { m.Data = cloneRaw(b); return nil }

func rawOrNull(raw json.RawMessage) []byte {
	if len(raw) == 0 {
		return []byte("null")
	}
	return raw
}

func cloneRaw(b []byte) json.RawMessage {
	return append(json.RawMessage(nil), b...)
}

func (SyncConnectionRequests) SignalType() SignalType      { return SignalSyncConnectionRequests }
func (CancelConnectionRequest) SignalType() SignalType     { return SignalCancelConnectionRequest }
func (AcceptConnectionRequest) SignalType() SignalType     { return SignalAcceptConnectionRequest }
func (RejectConnectionRequest) SignalType() SignalType     { return SignalRejectConnectionRequest }
func (ReconnectExistingConnection) SignalType() SignalType { return SignalReconnectExisting }
func (ChangeUsername) SignalType() SignalType              { return SignalChangeUsername }
func (ICESuccess) SignalType() SignalType                  { return SignalICESuccess }
func (ReconnectDecision) SignalType() SignalType           { return SignalReconnectDecision }
func (RequestConnection) SignalType() SignalType           { return SignalRequestConnection }
func (ConnectionRequestCancelled) SignalType() SignalType  { return SignalCancelConnectionRequest }
func (StartICEHandshake) SignalType() SignalType           { return SignalStartICEHandshake }
func (UsernameChanged) SignalType() SignalType             { return SignalUsernameChanged }
func (UsernameReserved) SignalType() SignalType            { return SignalUsernameReserved }
func (PeerBusy) SignalType() SignalType                    { return SignalPeerBusy }
func (ReconnectQuery) SignalType() SignalType              { return SignalReconnectQuery }
func (ReconnectResult) SignalType() SignalType             { return SignalReconnectResult }
func (ErrorNotice) SignalType() SignalType                 { return SignalError }
func (ICECandidate) SignalType() SignalType                { return SignalICECandidate }
func (ICEOffer) SignalType() SignalType                    { return SignalICEOffer }
func (ICEAnswer) SignalType() SignalType                   { return SignalICEAnswer }

func (SyncConnectionRequests) isSignal()      {}
func (CancelConnectionRequest) isSignal()     {}
func (AcceptConnectionRequest) isSignal()     {}
func (RejectConnectionRequest) isSignal()     {}
func (ReconnectExistingConnection) isSignal() {}
func (ChangeUsername) isSignal()              {}
func (ICESuccess) isSignal()                  {}
func (ReconnectDecision) isSignal()           {}
func (RequestConnection) isSignal()           {}
func (ConnectionRequestCancelled) isSignal()  {}
func (StartICEHandshake) isSignal()           {}
func (UsernameChanged) isSignal()             {}
func (UsernameReserved) isSignal()            {}
func (PeerBusy) isSignal()                    {}
func (ReconnectQuery) isSignal()              {}
func (ReconnectResult) isSignal()             {}
func (ErrorNotice) isSignal()                 {}
func (ICECandidate) isSignal()                {}
func (ICEOffer) isSignal()                    {}
func (ICEAnswer) isSignal()                   {}

// NewEnvelope encodes msg into a frame without ack bookkeeping.
func NewEnvelope(msg SignalMessage) (Envelope, error) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s: %w", msg.SignalType(), err)
	}
	return Envelope{Type: msg.SignalType(), Payload: payload}, nil
}

// DecodeClientSignal decodes a frame sent by a client to the server.
func DecodeClientSignal(env Envelope) (SignalMessage, error) {
	switch env.Type {
	case SignalSyncConnectionRequests:
		return decodeInto[SyncConnectionRequests](env)
	case SignalCancelConnectionRequest:
		return decodeInto[CancelConnectionRequest](env)
	case SignalAcceptConnectionRequest:
		return decodeInto[AcceptConnectionRequest](env)
	case SignalRejectConnectionRequest:
		return decodeInto[RejectConnectionRequest](env)
	case SignalReconnectExisting:
		return decodeInto[ReconnectExistingConnection](env)
	case SignalChangeUsername:
		return decodeInto[ChangeUsername](env)
	case SignalICESuccess:
		return ICESuccess{}, nil
	case SignalReconnectDecision:
		return decodeInto[ReconnectDecision](env)
	case SignalICECandidate:
		return decodeInto[ICECandidate](env)
	case SignalICEOffer:
		return decodeInto[ICEOffer](env)
	case SignalICEAnswer:
		return decodeInto[ICEAnswer](env)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMessage, env.Type)
	}
}

// DecodeServerSignal decodes a frame sent by the server to a client.
func DecodeServerSignal(env Envelope) (SignalMessage, error) {
	switch env.Type {
	case SignalRequestConnection:
		return decodeInto[RequestConnection](env)
	case SignalCancelConnectionRequest:
		return decodeInto[ConnectionRequestCancelled](env)
	case SignalStartICEHandshake:
		return decodeInto[StartICEHandshake](env)
	case SignalUsernameChanged:
		return decodeInto[UsernameChanged](env)
	case SignalUsernameReserved:
		return decodeInto[UsernameReserved](env)
	case SignalPeerBusy:
		return decodeInto[PeerBusy](env)
	case SignalReconnectQuery:
		return decodeInto[ReconnectQuery](env)
	case SignalReconnectResult:
		return decodeInto[ReconnectResult](env)
	case SignalError:
		return decodeInto[ErrorNotice](env)
	case SignalICECandidate:
		return decodeInto[ICECandidate](env)
	case SignalICEOffer:
		return decodeInto[ICEOffer](env)
	case SignalICEAnswer:
		return decodeInto[ICEAnswer](env)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMessage, env.Type)
	}
}

func decodeInto[T SignalMessage](env Envelope) (SignalMessage, error) {
	var msg T
	if len(env.Payload) == 0 {
		return nil, fmt.Errorf("%w: %s without payload", ErrMalformedMessage, env.Type)
	}
	if err := json.Unmarshal(env.Payload, &msg); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformedMessage, env.Type, err)
	}
	return msg, nil
}
