package ports

import (
	"context"

	"peerlink/internal/core/domain"
)

// SignalConn is the server's handle on one connected client. Send must not
// block on the network; it is called while the directory lock is held.
type SignalConn interface {
	Send(msg domain.SignalMessage) error
	// Request sends msg and waits for the client's reply.
	Request(ctx context.Context, msg domain.SignalMessage) (domain.SignalMessage, error)
	Close() error
}

// RendezvousLink is the client's handle on the rendezvous server.
type RendezvousLink interface {
	Send(msg domain.SignalMessage) error
	Request(ctx context.Context, msg domain.SignalMessage) (domain.SignalMessage, error)
	// Reply answers a server request identified by ack.
	Reply(ack uint64, msg domain.SignalMessage) error
}
