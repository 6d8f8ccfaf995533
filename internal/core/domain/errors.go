package domain

import "errors"

var (
	ErrNotFound            = errors.New("not found")
	ErrUsernameReserved    = errors.New("username already registered at this address")
	ErrInvalidUsername     = errors.New("invalid username")
	ErrStaleRequest        = errors.New("no matching pending connection request")
	ErrPeerBusy            = errors.New("peer is busy pairing")
	ErrPeerNotConnected    = errors.New("peer not connected to rendezvous")
	ErrNoActiveNegotiation = errors.New("no active negotiation")
	ErrNoConnection        = errors.New("no connection to peer")
	ErrChannelNotOpen      = errors.New("data channel not open")
	ErrUnknownMessage      = errors.New("unknown message type")
	ErrMalformedMessage    = errors.New("malformed message")
	ErrNotConnected        = errors.New("not connected to rendezvous server")
	ErrOutboxFull          = errors.New("outbound buffer full")
	ErrConnectionClosed    = errors.New("connection closed")
)
