package domain

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvelope_RelayPayloadIsVerbatim(t *testing.T) {
	raw := json.RawMessage(`{"candidate":"candidate:1 1 udp 2130706431 10.0.0.1 5000 typ host","sdpMid":"0"}`)

	env, err := NewEnvelope(ICECandidate{Data: raw})
	require.NoError(t, err)
	assert.Equal(t, SignalICECandidate, env.Type)
	assert.JSONEq(t, string(raw), string(env.Payload))

	msg, err := DecodeServerSignal(env)
	require.NoError(t, err)
	candidate, ok := msg.(ICECandidate)
	require.True(t, ok)
	assert.Equal(t, string(raw), string(candidate.Data))
}

func TestDecode_CancelDependsOnDirection(t *testing.T) {
	id := NewDeviceIdentifier("10.0.0.2", "bob")

	up, err := NewEnvelope(CancelConnectionRequest{PeerID: id})
	require.NoError(t, err)
	msg, err := DecodeClientSignal(up)
	require.NoError(t, err)
	assert.Equal(t, CancelConnectionRequest{PeerID: id}, msg)

	down, err := NewEnvelope(ConnectionRequestCancelled{Sender: id})
	require.NoError(t, err)
	assert.Equal(t, up.Type, down.Type)
	msg, err = DecodeServerSignal(down)
	require.NoError(t, err)
	assert.Equal(t, ConnectionRequestCancelled{Sender: id}, msg)
}

func TestDecode_UnknownAndMalformed(t *testing.T) {
	_, err := DecodeClientSignal(Envelope{Type: "join_stream", Payload: json.RawMessage(`{}`)})
	assert.True(t, errors.Is(err, ErrUnknownMessage))

	_, err = DecodeClientSignal(Envelope{Type: SignalAcceptConnectionRequest, Payload: json.RawMessage(`[1,2`)})
	assert.True(t, errors.Is(err, ErrMalformedMessage))

	_, err = DecodeServerSignal(Envelope{Type: SignalStartICEHandshake})
	assert.True(t, errors.Is(err, ErrMalformedMessage))

	// server-only messages are not accepted from clients
	_, err = DecodeClientSignal(Envelope{Type: SignalStartICEHandshake, Payload: json.RawMessage(`{}`)})
	assert.True(t, errors.Is(err, ErrUnknownMessage))
}

func TestStartICEHandshake_WireFormat(t *testing.T) {
	env, err := NewEnvelope(StartICEHandshake{PeerAddress: "10.0.0.3", PeerUsername: "carol", ShouldSendOffer: true})
	require.NoError(t, err)
	assert.JSONEq(t, `{"peerAddress":"10.0.0.3","peerUsername":"carol","shouldSendOffer":true}`, string(env.Payload))

	msg, err := DecodeServerSignal(env)
	require.NoError(t, err)
	assert.Equal(t, NewDeviceIdentifier("10.0.0.3", "carol"), msg.(StartICEHandshake).Peer())
}

func TestPeerPayload_WireFormat(t *testing.T) {
	data, err := EncodePeerPayload(ChatPayload{Content: "hi", MsgID: "m1", TimeSent: 42})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"chatMessage","content":"hi","msgId":"m1","timeSent":42}`, string(data))

	data, err = EncodePeerPayload(AckPayload{MsgID: "m1", TimeSent: 43})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"ack-chatMessage","msgId":"m1","timeSent":43}`, string(data))

	p, err := DecodePeerPayload([]byte(`{"type":"disconnect","timeSent":7}`))
	require.NoError(t, err)
	assert.Equal(t, DisconnectPayload{TimeSent: 7}, p)

	_, err = DecodePeerPayload([]byte(`{"type":"typing"}`))
	assert.True(t, errors.Is(err, ErrUnknownMessage))

	_, err = DecodePeerPayload([]byte(`not json`))
	assert.True(t, errors.Is(err, ErrMalformedMessage))
}
