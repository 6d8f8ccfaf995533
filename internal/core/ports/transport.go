package ports

import (
	"encoding/json"

	"github.com/pion/webrtc/v3"
)

// TransportEvents are invoked from transport goroutines. Receivers are
// expected to hand them over to their own event loop.
type TransportEvents struct {
	OnICECandidate func(candidate json.RawMessage)
	OnStateChange  func()
	OnChannelOpen  func()
	OnMessage      func(data []byte)
}

// PeerTransport is one direct connection to a peer carrying a single data channel.
// Descriptions and candidates are exchanged as opaque JSON.
type PeerTransport interface {
	OpenDataChannel(label string) error
	// CreateOffer and CreateAnswer also apply the result as the local description.
	CreateOffer() (json.RawMessage, error)
	CreateAnswer() (json.RawMessage, error)
	SetRemoteDescription(desc json.RawMessage) error
	AddICECandidate(candidate json.RawMessage) error
	ConnectionState() webrtc.PeerConnectionState
	// DataChannelState reports false when no data channel exists yet.
	DataChannelState() (webrtc.DataChannelState, bool)
	Send(data []byte) error
	Close() error
}

type TransportFactory interface {
	NewTransport(events TransportEvents) (PeerTransport, error)
}
