package domain

// SocketStatus is the coarse connectivity indicator shown for a peer or
// for the rendezvous link.
type SocketStatus int

const (
	SocketDisconnected SocketStatus = iota
	SocketConnected
	SocketConnecting
	SocketConnectionError
)

func (s SocketStatus) String() string {
	switch s {
	case SocketDisconnected:
		return "disconnected"
	case SocketConnected:
		return "connected"
	case SocketConnecting:
		return "connecting"
	case SocketConnectionError:
		return "error"
	default:
		return "unknown"
	}
}

type MessageStatus string

const (
	MessageReceived  MessageStatus = "received"
	MessagePending   MessageStatus = "pending"
	MessageDelivered MessageStatus = "delivered"
	MessageNotSent   MessageStatus = "not-sent"
)

type ReconnectOutcome string

const (
	ReconnectApproved ReconnectOutcome = "approved"
	ReconnectPending  ReconnectOutcome = "pending"
)
