package services

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"peerlink/internal/core/domain"
	"peerlink/internal/core/ports"

	"github.com/pion/webrtc/v3"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// fakeConn records everything sent to a session and answers requests with
// a scripted reply.
type fakeConn struct {
	mu       sync.Mutex
	sent     []domain.SignalMessage
	requests []domain.SignalMessage
	reply    domain.SignalMessage
	replyErr error
	closed   bool
}

func (c *fakeConn) Send(msg domain.SignalMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, msg)
	return nil
}

func (c *fakeConn) Request(ctx context.Context, msg domain.SignalMessage) (domain.SignalMessage, error) {
	c.mu.Lock()
	c.requests = append(c.requests, msg)
	reply, err := c.reply, c.replyErr
	c.mu.Unlock()
	return reply, err
}

func (c *fakeConn) Reply(ack uint64, msg domain.SignalMessage) error {
	return c.Send(msg)
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

// take returns the messages sent so far and forgets them.
func (c *fakeConn) take() []domain.SignalMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.sent
	c.sent = nil
	return out
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

type fakeTransport struct {
	events    ports.TransportEvents
	connState webrtc.PeerConnectionState
	dcState   webrtc.DataChannelState
	hasDC     bool

	remote   []json.RawMessage
	added    []json.RawMessage
	sent     [][]byte
	closed   int
	offerErr error
}

func (t *fakeTransport) OpenDataChannel(label string) error {
	t.hasDC = true
	t.dcState = webrtc.DataChannelStateConnecting
	return nil
}

func (t *fakeTransport) CreateOffer() (json.RawMessage, error) {
	if t.offerErr != nil {
		return nil, t.offerErr
	}
	return json.RawMessage(`{"type":"offer","sdp":"fake"}`), nil
}

func (t *fakeTransport) CreateAnswer() (json.RawMessage, error) {
	return json.RawMessage(`{"type":"answer","sdp":"fake"}`), nil
}

func (t *fakeTransport) SetRemoteDescription(desc json.RawMessage) error {
	t.remote = append(t.remote, desc)
	return nil
}

func (t *fakeTransport) AddICECandidate(candidate json.RawMessage) error {
	t.added = append(t.added, candidate)
	return nil
}

func (t *fakeTransport) ConnectionState() webrtc.PeerConnectionState { return t.connState }

func (t *fakeTransport) DataChannelState() (webrtc.DataChannelState, bool) {
	return t.dcState, t.hasDC
}

func (t *fakeTransport) Send(data []byte) error {
	if !t.hasDC || t.dcState != webrtc.DataChannelStateOpen {
		return domain.ErrChannelNotOpen
	}
	t.sent = append(t.sent, append([]byte(nil), data...))
	return nil
}

func (t *fakeTransport) Close() error {
	t.closed++
	t.connState = webrtc.PeerConnectionStateClosed
	return nil
}

// connect moves the transport to connected with an open channel and fires
// the callbacks a real transport would.
func (t *fakeTransport) connect() {
	t.connState = webrtc.PeerConnectionStateConnected
	t.events.OnStateChange()
	t.hasDC = true
	t.dcState = webrtc.DataChannelStateOpen
	t.events.OnChannelOpen()
}

type fakeFactory struct {
	transports []*fakeTransport
	err        error
}

func (f *fakeFactory) NewTransport(events ports.TransportEvents) (ports.PeerTransport, error) {
	if f.err != nil {
		return nil, f.err
	}
	t := &fakeTransport{events: events, connState: webrtc.PeerConnectionStateNew}
	f.transports = append(f.transports, t)
	return t, nil
}

func (f *fakeFactory) last() *fakeTransport {
	return f.transports[len(f.transports)-1]
}

func runInline(fn func()) { fn() }
