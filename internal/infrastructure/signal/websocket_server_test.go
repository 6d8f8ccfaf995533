package signal

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"peerlink/internal/core/domain"
	"peerlink/internal/core/services"
	"peerlink/pkg/retry"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	tracesdk "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap/zaptest"
)

type received struct {
	msg domain.SignalMessage
	ack uint64
}

type testPeer struct {
	client   *Client
	identity domain.DeviceIdentifier
	inbox    chan received
}

func (p *testPeer) next(t *testing.T) domain.SignalMessage {
	t.Helper()
	return p.nextWithAck(t).msg
}

func (p *testPeer) nextWithAck(t *testing.T) received {
	t.Helper()
	select {
	case r := <-p.inbox:
		return r
	case <-time.After(3 * time.Second):
		t.Fatalf("%s received nothing", p.identity)
		return received{}
	}
}

func startServer(t *testing.T) (*httptest.Server, *WebSocketServer) {
	t.Helper()
	logger := zaptest.NewLogger(t)
	rendezvous := services.NewRendezvousService(services.DefaultRendezvousConfig(), nil, logger.Sugar())
	cfg := DefaultServerConfig()
	cfg.PingInterval = time.Second
	cfg.PongTimeout = 3 * time.Second
	ws := NewWebSocketServer(rendezvous, cfg, logger)

	srv := httptest.NewServer(http.HandlerFunc(ws.HandleWebSocket))
	t.Cleanup(func() {
		ws.Shutdown()
		srv.Close()
	})
	return srv, ws
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func connectPeer(t *testing.T, srv *httptest.Server, username string) *testPeer {
	t.Helper()
	p := &testPeer{
		identity: domain.NewDeviceIdentifier("127.0.0.1", username),
		inbox:    make(chan received, 32),
	}
	p.client = NewClient(ClientConfig{
		URL:          wsURL(srv),
		PingInterval: time.Second,
		Reconnect:    retry.Config{Enabled: true, MaxAttempts: 3, InitialDelay: 10 * time.Millisecond, Multiplier: 2},
	}, func() string { return username }, zaptest.NewLogger(t).Sugar())
	p.client.OnMessage(func(msg domain.SignalMessage, ack uint64) {
		p.inbox <- received{msg, ack}
	})
	connected := make(chan struct{}, 1)
	p.client.OnConnected(func() { connected <- struct{}{} })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = p.client.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	select {
	case <-connected:
	case <-time.After(3 * time.Second):
		t.Fatalf("%s could not connect", username)
	}
	return p
}

func waitSessions(t *testing.T, ws *WebSocketServer, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return ws.ConnectionCount() == n }, 3*time.Second, 10*time.Millisecond)
}

func TestWebSocketServer_RequestAcceptRelay(t *testing.T) {
	srv, ws := startServer(t)
	alice := connectPeer(t, srv, "alice")
	bob := connectPeer(t, srv, "bob")
	waitSessions(t, ws, 2)

	require.NoError(t, alice.client.Send(domain.SyncConnectionRequests{Requests: []domain.DeviceIdentifier{bob.identity}}))
	assert.Equal(t, domain.RequestConnection{Sender: alice.identity}, bob.next(t))

	require.NoError(t, bob.client.Send(domain.AcceptConnectionRequest{PeerID: alice.identity}))
	assert.Equal(t, domain.StartICEHandshake{PeerAddress: "127.0.0.1", PeerUsername: "bob", ShouldSendOffer: true}, alice.next(t))
	assert.Equal(t, domain.StartICEHandshake{PeerAddress: "127.0.0.1", PeerUsername: "alice", ShouldSendOffer: false}, bob.next(t))

	offer := json.RawMessage(`{"type":"offer","sdp":"v=0\r\n"}`)
	require.NoError(t, alice.client.Send(domain.ICEOffer{Data: offer}))
	got, ok := bob.next(t).(domain.ICEOffer)
	require.True(t, ok)
	assert.JSONEq(t, string(offer), string(got.Data))

	require.NoError(t, bob.client.Send(domain.ICECandidate{Data: json.RawMessage(`{"candidate":"c1"}`)}))
	cand, ok := alice.next(t).(domain.ICECandidate)
	require.True(t, ok)
	assert.JSONEq(t, `{"candidate":"c1"}`, string(cand.Data))
}

func TestWebSocketServer_ReconnectRoundTrip(t *testing.T) {
	srv, ws := startServer(t)
	alice := connectPeer(t, srv, "alice")
	bob := connectPeer(t, srv, "bob")
	waitSessions(t, ws, 2)

	result := make(chan domain.SignalMessage, 1)
	go func() {
		reply, err := alice.client.Request(context.Background(), domain.ReconnectExistingConnection{PeerID: bob.identity})
		assert.NoError(t, err)
		result <- reply
	}()

	query := bob.nextWithAck(t)
	assert.Equal(t, domain.ReconnectQuery{Requester: alice.identity}, query.msg)
	require.NotZero(t, query.ack)
	require.NoError(t, bob.client.Reply(query.ack, domain.ReconnectDecision{Approve: true}))

	select {
	case reply := <-result:
		assert.Equal(t, domain.ReconnectResult{Outcome: domain.ReconnectApproved}, reply)
	case <-time.After(3 * time.Second):
		t.Fatal("no reconnect result")
	}
	assert.IsType(t, domain.StartICEHandshake{}, alice.next(t))
	assert.IsType(t, domain.StartICEHandshake{}, bob.next(t))
}

func TestWebSocketServer_RenameConflict(t *testing.T) {
	srv, ws := startServer(t)
	alice := connectPeer(t, srv, "alice")
	connectPeer(t, srv, "bob")
	waitSessions(t, ws, 2)

	require.NoError(t, alice.client.Send(domain.ChangeUsername{Username: "bob"}))
	assert.Equal(t, domain.UsernameReserved{Username: "bob"}, alice.next(t))

	require.NoError(t, alice.client.Send(domain.ChangeUsername{Username: "alicia"}))
	assert.Equal(t, domain.UsernameChanged{Username: "alicia"}, alice.next(t))
}

func TestWebSocketServer_ErrorEvents(t *testing.T) {
	srv, ws := startServer(t)
	alice := connectPeer(t, srv, "alice")
	waitSessions(t, ws, 1)

	require.NoError(t, alice.client.Send(domain.AcceptConnectionRequest{PeerID: domain.NewDeviceIdentifier("10.9.9.9", "ghost")}))
	notice, ok := alice.next(t).(domain.ErrorNotice)
	require.True(t, ok)
	assert.Equal(t, "STALE_REQUEST", notice.Code)

	raw, _, err := websocket.DefaultDialer.Dial(wsURL(srv)+"?username=raw", nil)
	require.NoError(t, err)
	defer raw.Close()

	require.NoError(t, raw.WriteMessage(websocket.TextMessage, []byte(`{"type":"bogus","payload":{}}`)))
	var env domain.Envelope
	require.NoError(t, raw.ReadJSON(&env))
	assert.Equal(t, domain.SignalError, env.Type)
	assert.Contains(t, string(env.Payload), "UNKNOWN_MESSAGE")
}

func TestWebSocketServer_RejectsInvalidUsername(t *testing.T) {
	srv, _ := startServer(t)

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(srv)+"?username=bad@name", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestWebSocketServer_DisconnectRetractsRequests(t *testing.T) {
	srv, ws := startServer(t)
	bob := connectPeer(t, srv, "bob")

	raw, _, err := websocket.DefaultDialer.Dial(wsURL(srv)+"?username=carol", nil)
	require.NoError(t, err)
	waitSessions(t, ws, 2)

	env, err := domain.NewEnvelope(domain.SyncConnectionRequests{Requests: []domain.DeviceIdentifier{bob.identity}})
	require.NoError(t, err)
	require.NoError(t, raw.WriteJSON(env))
	carol := domain.NewDeviceIdentifier("127.0.0.1", "carol")
	assert.Equal(t, domain.RequestConnection{Sender: carol}, bob.next(t))

	raw.Close()
	assert.Equal(t, domain.ConnectionRequestCancelled{Sender: carol}, bob.next(t))
	waitSessions(t, ws, 1)
}

func TestWebSocketServer_RejectedFrameIsTraced(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	prev := otel.GetTracerProvider()
	tp := tracesdk.NewTracerProvider(tracesdk.WithSpanProcessor(recorder))
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		_ = tp.Shutdown(context.Background())
		otel.SetTracerProvider(prev)
	})

	srv, _ := startServer(t)
	raw, _, err := websocket.DefaultDialer.Dial(wsURL(srv)+"?username=raw", nil)
	require.NoError(t, err)
	defer raw.Close()

	require.NoError(t, raw.WriteMessage(websocket.TextMessage, []byte(`{"type":"bogus","payload":{}}`)))
	var env domain.Envelope
	require.NoError(t, raw.ReadJSON(&env))

	var span tracesdk.ReadOnlySpan
	require.Eventually(t, func() bool {
		for _, s := range recorder.Ended() {
			if s.Name() == "signal.bogus" {
				span = s
				return true
			}
		}
		return false
	}, 3*time.Second, 10*time.Millisecond)

	assert.Equal(t, codes.Error, span.Status().Code)
	assert.Equal(t, "UNKNOWN_MESSAGE", span.Status().Description)
	var measured bool
	for _, kv := range span.Attributes() {
		if kv.Key == "duration" {
			measured = true
		}
	}
	assert.True(t, measured, "frame handling time is recorded")
}
