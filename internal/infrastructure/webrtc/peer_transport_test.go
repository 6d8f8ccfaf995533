package webrtc

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"peerlink/internal/core/domain"
	"peerlink/internal/core/ports"
	"peerlink/pkg/config"

	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// recorder collects transport events; pion fires them on its own goroutines.
type recorder struct {
	mu         sync.Mutex
	candidates []json.RawMessage
	opened     chan struct{}
	messages   chan []byte
}

func newRecorder() *recorder {
	return &recorder{opened: make(chan struct{}, 1), messages: make(chan []byte, 8)}
}

func (r *recorder) events() ports.TransportEvents {
	return ports.TransportEvents{
		OnICECandidate: func(c json.RawMessage) {
			r.mu.Lock()
			r.candidates = append(r.candidates, c)
			r.mu.Unlock()
		},
		OnStateChange: func() {},
		OnChannelOpen: func() {
			select {
			case r.opened <- struct{}{}:
			default:
			}
		},
		OnMessage: func(data []byte) { r.messages <- data },
	}
}

func newTestFactory(t *testing.T) *TransportFactory {
	t.Helper()
	f, err := NewTransportFactory(Config{}, zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)
	return f
}

func TestConfigFromApp(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.WebRTC.ICEServers = append(cfg.WebRTC.ICEServers, struct {
		URLs       []string `yaml:"urls"`
		Username   string   `yaml:"username,omitempty"`
		Credential string   `yaml:"credential,omitempty"`
	}{URLs: []string{"stun:stun.example.org:3478"}})
	cfg.WebRTC.PortRange.Min = 50000
	cfg.WebRTC.PortRange.Max = 50100

	out := ConfigFromApp(cfg)
	require.Len(t, out.ICEServers, 1)
	assert.Equal(t, []string{"stun:stun.example.org:3478"}, out.ICEServers[0].URLs)
	assert.Equal(t, uint16(50000), out.PortRange.Min)

	_, err := NewTransportFactory(out, zaptest.NewLogger(t).Sugar())
	assert.NoError(t, err)
}

func TestPeerTransport_OfferAnswerDescriptions(t *testing.T) {
	f := newTestFactory(t)

	offerer, err := f.NewTransport(newRecorder().events())
	require.NoError(t, err)
	defer offerer.Close()
	answerer, err := f.NewTransport(newRecorder().events())
	require.NoError(t, err)
	defer answerer.Close()

	_, has := offerer.DataChannelState()
	assert.False(t, has)
	require.NoError(t, offerer.OpenDataChannel("chat"))
	state, has := offerer.DataChannelState()
	assert.True(t, has)
	assert.Equal(t, webrtc.DataChannelStateConnecting, state)
	assert.True(t, errors.Is(offerer.Send([]byte("early")), domain.ErrChannelNotOpen))

	offer, err := offerer.CreateOffer()
	require.NoError(t, err)
	var desc struct {
		Type string `json:"type"`
		SDP  string `json:"sdp"`
	}
	require.NoError(t, json.Unmarshal(offer, &desc))
	assert.Equal(t, "offer", desc.Type)
	assert.Contains(t, desc.SDP, "webrtc-datachannel")

	require.NoError(t, answerer.SetRemoteDescription(offer))
	answer, err := answerer.CreateAnswer()
	require.NoError(t, err)
	require.NoError(t, offerer.SetRemoteDescription(answer))

	err = answerer.SetRemoteDescription(json.RawMessage(`not json`))
	assert.True(t, errors.Is(err, domain.ErrMalformedMessage))
	err = answerer.AddICECandidate(json.RawMessage(`[]`))
	assert.True(t, errors.Is(err, domain.ErrMalformedMessage))
}

func TestPeerTransport_CloseIsFinal(t *testing.T) {
	f := newTestFactory(t)
	tr, err := f.NewTransport(newRecorder().events())
	require.NoError(t, err)

	assert.Equal(t, webrtc.PeerConnectionStateNew, tr.ConnectionState())
	require.NoError(t, tr.Close())
	assert.Equal(t, webrtc.PeerConnectionStateClosed, tr.ConnectionState())
	assert.NoError(t, tr.Close())
}

func TestPeerTransport_Loopback(t *testing.T) {
	if testing.Short() {
		t.Skip("opens real ICE sockets")
	}
	f := newTestFactory(t)
	offerEvents, answerEvents := newRecorder(), newRecorder()

	offerer, err := f.NewTransport(offerEvents.events())
	require.NoError(t, err)
	defer offerer.Close()
	answerer, err := f.NewTransport(answerEvents.events())
	require.NoError(t, err)
	defer answerer.Close()

	require.NoError(t, offerer.OpenDataChannel("chat"))
	offer, err := offerer.CreateOffer()
	require.NoError(t, err)
	require.NoError(t, answerer.SetRemoteDescription(offer))
	answer, err := answerer.CreateAnswer()
	require.NoError(t, err)
	require.NoError(t, offerer.SetRemoteDescription(answer))

	// trickle candidates both ways until the channel opens
	deadline := time.After(10 * time.Second)
	applied := map[*recorder]int{}
	trickle := func(from *recorder, to ports.PeerTransport) {
		from.mu.Lock()
		pending := from.candidates[applied[from]:]
		applied[from] = len(from.candidates)
		from.mu.Unlock()
		for _, c := range pending {
			assert.NoError(t, to.AddICECandidate(c))
		}
	}
	for opened := false; !opened; {
		trickle(offerEvents, answerer)
		trickle(answerEvents, offerer)
		select {
		case <-offerEvents.opened:
			opened = true
		case <-time.After(50 * time.Millisecond):
		case <-deadline:
			t.Fatal("data channel did not open")
		}
	}

	require.NoError(t, offerer.Send([]byte(`{"type":"chatMessage"}`)))
	select {
	case got := <-answerEvents.messages:
		assert.Equal(t, `{"type":"chatMessage"}`, string(got))
	case <-time.After(5 * time.Second):
		t.Fatal("message not delivered")
	}
	assert.Equal(t, webrtc.PeerConnectionStateConnected, offerer.ConnectionState())
}
