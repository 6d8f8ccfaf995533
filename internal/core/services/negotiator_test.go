package services

import (
	"encoding/json"
	"errors"
	"testing"

	"peerlink/internal/core/domain"
	"peerlink/internal/core/ports"

	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type statusEvent struct {
	peer   domain.DeviceIdentifier
	status domain.SocketStatus
}

func newTestNegotiator(t *testing.T) (*Negotiator, *fakeFactory, *fakeConn, *[]statusEvent) {
	t.Helper()
	factory := &fakeFactory{}
	link := &fakeConn{}
	n := NewNegotiator(factory, link, runInline, "chat", zaptest.NewLogger(t).Sugar())

	events := &[]statusEvent{}
	n.OnStatusChange(func(peer domain.DeviceIdentifier, status domain.SocketStatus) {
		*events = append(*events, statusEvent{peer, status})
	})
	return n, factory, link, events
}

func candidate(n int) json.RawMessage {
	return json.RawMessage([]byte(`{"candidate":"c` + string(rune('0'+n)) + `"}`))
}

func TestNegotiator_OffererFlow(t *testing.T) {
	n, factory, link, events := newTestNegotiator(t)

	require.NoError(t, n.StartNegotiation(bob, true))
	transport := factory.last()
	assert.True(t, transport.hasDC, "the offering side opens the channel")
	assert.Equal(t, []domain.SignalMessage{
		domain.ICEOffer{Data: json.RawMessage(`{"type":"offer","sdp":"fake"}`)},
	}, link.take())

	active, ok := n.ActivePeer()
	require.True(t, ok)
	assert.Equal(t, bob, active)

	transport.events.OnICECandidate(candidate(1))
	assert.Equal(t, []domain.SignalMessage{domain.ICECandidate{Data: candidate(1)}}, link.take())

	require.NoError(t, n.HandleAnswer(json.RawMessage(`{"type":"answer"}`)))
	err := n.HandleAnswer(json.RawMessage(`{"type":"answer"}`))
	assert.True(t, errors.Is(err, domain.ErrNoActiveNegotiation))

	transport.connect()
	assert.Equal(t, []domain.SignalMessage{domain.ICESuccess{}}, link.take())
	_, ok = n.ActivePeer()
	assert.False(t, ok)

	assert.Equal(t, []statusEvent{
		{bob, domain.SocketConnecting},
		{bob, domain.SocketConnected},
	}, *events)
	assert.Equal(t, domain.SocketConnected, n.Status(bob))

	// local candidates after completion are not relayed
	transport.events.OnICECandidate(candidate(2))
	assert.Empty(t, link.take())
}

func TestNegotiator_AnswererBuffersCandidates(t *testing.T) {
	n, factory, link, _ := newTestNegotiator(t)

	require.NoError(t, n.StartNegotiation(alice, false))
	transport := factory.last()
	assert.False(t, transport.hasDC)
	assert.Empty(t, link.take(), "the answering side waits for the offer")

	require.NoError(t, n.HandleCandidate(candidate(1)))
	require.NoError(t, n.HandleCandidate(candidate(2)))
	assert.Empty(t, transport.added)

	require.NoError(t, n.HandleOffer(json.RawMessage(`{"type":"offer"}`)))
	assert.Equal(t, []json.RawMessage{candidate(1), candidate(2)}, transport.added)
	assert.Equal(t, []domain.SignalMessage{
		domain.ICEAnswer{Data: json.RawMessage(`{"type":"answer","sdp":"fake"}`)},
	}, link.take())

	require.NoError(t, n.HandleCandidate(candidate(3)))
	assert.Equal(t, []json.RawMessage{candidate(1), candidate(2), candidate(3)}, transport.added)

	transport.connect()
	assert.Empty(t, link.take(), "only the offering side reports success")
	assert.Equal(t, domain.SocketConnected, n.Status(alice))
}

func TestNegotiator_MessagesWithoutNegotiation(t *testing.T) {
	n, _, _, _ := newTestNegotiator(t)

	assert.True(t, errors.Is(n.HandleOffer(nil), domain.ErrNoActiveNegotiation))
	assert.True(t, errors.Is(n.HandleAnswer(nil), domain.ErrNoActiveNegotiation))
	assert.True(t, errors.Is(n.HandleCandidate(candidate(1)), domain.ErrNoActiveNegotiation))

	// an offerer never accepts an offer
	require.NoError(t, n.StartNegotiation(bob, true))
	assert.True(t, errors.Is(n.HandleOffer(nil), domain.ErrNoActiveNegotiation))
}

func TestNegotiator_RestartReplacesConnection(t *testing.T) {
	n, factory, _, _ := newTestNegotiator(t)
	var delivered []string
	n.OnMessage(func(peer domain.DeviceIdentifier, data []byte) { delivered = append(delivered, string(data)) })

	require.NoError(t, n.StartNegotiation(bob, true))
	first := factory.last()
	first.connect()

	require.NoError(t, n.StartNegotiation(bob, false))
	second := factory.last()
	assert.Equal(t, 1, first.closed)
	assert.Equal(t, domain.SocketConnecting, n.Status(bob))

	// callbacks from the replaced transport are ignored
	first.events.OnMessage([]byte("stale"))
	second.connect()
	second.events.OnMessage([]byte("fresh"))
	assert.Equal(t, []string{"fresh"}, delivered)
}

func TestNegotiator_StatusCallbackMayRepoll(t *testing.T) {
	n, factory, _, _ := newTestNegotiator(t)

	calls := 0
	n.OnStatusChange(func(peer domain.DeviceIdentifier, status domain.SocketStatus) {
		calls++
		assert.Equal(t, status, n.Status(peer))
	})

	require.NoError(t, n.StartNegotiation(bob, true))
	factory.last().connect()
	n.PollAll()
	assert.Equal(t, 2, calls)
}

func TestNegotiator_TransportFailure(t *testing.T) {
	n, factory, _, events := newTestNegotiator(t)

	require.NoError(t, n.StartNegotiation(bob, true))
	transport := factory.last()
	transport.connState = webrtc.PeerConnectionStateFailed
	transport.events.OnStateChange()

	_, ok := n.ActivePeer()
	assert.False(t, ok)
	assert.Equal(t, domain.SocketDisconnected, (*events)[len(*events)-1].status)
}

func TestNegotiator_OfferErrorReportsConnectionError(t *testing.T) {
	factory := &fakeFactory{}
	link := &fakeConn{}
	n := NewNegotiator(factory, link, func(fn func()) {}, "chat", zaptest.NewLogger(t).Sugar())
	factory.err = errors.New("no ports")

	assert.Error(t, n.StartNegotiation(bob, true))
	assert.Equal(t, domain.SocketDisconnected, n.Status(bob))

	factory.err = nil
	n.factory = &failingOfferFactory{fakeFactory: factory}
	assert.Error(t, n.StartNegotiation(bob, true))
	assert.Equal(t, domain.SocketConnectionError, n.Status(bob))
	assert.Empty(t, link.take())
}

type failingOfferFactory struct{ *fakeFactory }

func (f *failingOfferFactory) NewTransport(events ports.TransportEvents) (ports.PeerTransport, error) {
	t, err := f.fakeFactory.NewTransport(events)
	if err != nil {
		return nil, err
	}
	t.(*fakeTransport).offerErr = errors.New("sdp failure")
	return t, nil
}

func TestNegotiator_CloseIsIdempotent(t *testing.T) {
	n, factory, _, events := newTestNegotiator(t)

	require.NoError(t, n.StartNegotiation(bob, true))
	transport := factory.last()
	transport.connect()

	n.Close(bob)
	n.Close(bob)
	assert.Equal(t, 1, transport.closed)
	assert.Equal(t, domain.SocketDisconnected, n.Status(bob))
	assert.Equal(t, statusEvent{bob, domain.SocketDisconnected}, (*events)[len(*events)-1])
	assert.True(t, errors.Is(n.Send(bob, []byte("x")), domain.ErrNoConnection))
}

func TestDeriveStatus(t *testing.T) {
	cases := []struct {
		name        string
		conn        webrtc.PeerConnectionState
		channel     webrtc.DataChannelState
		hasChannel  bool
		negotiating bool
		want        domain.SocketStatus
	}{
		{"negotiating wins", webrtc.PeerConnectionStateConnected, webrtc.DataChannelStateOpen, true, true, domain.SocketConnecting},
		{"new", webrtc.PeerConnectionStateNew, 0, false, false, domain.SocketConnecting},
		{"ice connecting", webrtc.PeerConnectionStateConnecting, 0, false, false, domain.SocketConnecting},
		{"connected without channel", webrtc.PeerConnectionStateConnected, 0, false, false, domain.SocketConnecting},
		{"channel connecting", webrtc.PeerConnectionStateConnected, webrtc.DataChannelStateConnecting, true, false, domain.SocketConnecting},
		{"channel open", webrtc.PeerConnectionStateConnected, webrtc.DataChannelStateOpen, true, false, domain.SocketConnected},
		{"recoverable disconnect", webrtc.PeerConnectionStateDisconnected, webrtc.DataChannelStateOpen, true, false, domain.SocketConnected},
		{"channel closed", webrtc.PeerConnectionStateConnected, webrtc.DataChannelStateClosed, true, false, domain.SocketConnectionError},
		{"channel closing", webrtc.PeerConnectionStateConnected, webrtc.DataChannelStateClosing, true, false, domain.SocketConnectionError},
		{"failed", webrtc.PeerConnectionStateFailed, webrtc.DataChannelStateOpen, true, false, domain.SocketDisconnected},
		{"closed", webrtc.PeerConnectionStateClosed, 0, false, false, domain.SocketDisconnected},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, DeriveStatus(tc.conn, tc.channel, tc.hasChannel, tc.negotiating))
		})
	}
}
