package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// PeerPayloadType tags messages exchanged over an established data channel.
type PeerPayloadType string

const (
	PeerPayloadChat       PeerPayloadType = "chatMessage"
	PeerPayloadAck        PeerPayloadType = "ack-chatMessage"
	PeerPayloadDisconnect PeerPayloadType = "disconnect"
)

type PeerPayload interface {
	PayloadType() PeerPayloadType
	isPeerPayload()
}

type ChatPayload struct {
	Content  string `json:"content"`
	MsgID    string `json:"msgId"`
	TimeSent int64  `json:"timeSent"`
}

type AckPayload struct {
	MsgID    string `json:"msgId"`
	TimeSent int64  `json:"timeSent"`
}

type DisconnectPayload struct {
	TimeSent int64 `json:"timeSent"`
}

func (ChatPayload) PayloadType() PeerPayloadType       { return PeerPayloadChat }
func (AckPayload) PayloadType() PeerPayloadType        { return PeerPayloadAck }
func (DisconnectPayload) PayloadType() PeerPayloadType { return PeerPayloadDisconnect }

func (ChatPayload) isPeerPayload()       {}
func (AckPayload) isPeerPayload()        {}
func (DisconnectPayload) isPeerPayload() {}

// EncodePeerPayload renders p as a flat JSON object with a "type" field.
func EncodePeerPayload(p PeerPayload) ([]byte, error) {
	switch v := p.(type) {
	case ChatPayload:
		return json.Marshal(struct {
			Type PeerPayloadType `json:"type"`
			ChatPayload
		}{PeerPayloadChat, v})
	case AckPayload:
		return json.Marshal(struct {
			Type PeerPayloadType `json:"type"`
			AckPayload
		}{PeerPayloadAck, v})
	case DisconnectPayload:
		return json.Marshal(struct {
			Type PeerPayloadType `json:"type"`
			DisconnectPayload
		}{PeerPayloadDisconnect, v})
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownMessage, p)
	}
}

func DecodePeerPayload(data []byte) (PeerPayload, error) {
	var head struct {
		Type PeerPayloadType `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}

	var (
		out PeerPayload
		err error
	)
	switch head.Type {
	case PeerPayloadChat:
		var v ChatPayload
		err = json.Unmarshal(data, &v)
		out = v
	case PeerPayloadAck:
		var v AckPayload
		err = json.Unmarshal(data, &v)
		out = v
	case PeerPayloadDisconnect:
		var v DisconnectPayload
		err = json.Unmarshal(data, &v)
		out = v
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMessage, head.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformedMessage, head.Type, err)
	}
	return out, nil
}

// UnixMillis is the timestamp unit used on the wire and in stored records.
func UnixMillis(t time.Time) int64 {
	return t.UnixMilli()
}

// ChatMessage is one entry of a conversation as stored locally.
type ChatMessage struct {
	ID       string        `json:"id"`
	Content  string        `json:"content"`
	Status   MessageStatus `json:"status"`
	TimeSent int64         `json:"timeSent"`
	User     string        `json:"user"`
}

type ChannelDetails struct {
	ID               string `json:"id"`
	Name             string `json:"name"`
	TimeCreated      int64  `json:"timeCreated"`
	LastMessageTime  int64  `json:"lastMessageTime"`
	LastAccessedTime int64  `json:"lastAccessedTime"`
}

type ChannelContent struct {
	ID       string        `json:"id"`
	Messages []ChatMessage `json:"messages"`
}

// PendingMessage is an outbound chat message waiting for acknowledgement.
// TimeLastSent is -1 until the first attempt.
type PendingMessage struct {
	ChannelID    string      `json:"channelId"`
	Payload      ChatPayload `json:"payload"`
	ID           string      `json:"id"`
	TimeLastSent int64       `json:"timeLastSent"`
	Acknowledged bool        `json:"acknowledged"`
}

type PendingInboundMessage struct {
	ChannelID string
	Payload   ChatPayload
}

// PendingConnection is a connection request in either direction that has
// not turned into a negotiation yet.
type PendingConnection struct {
	DeviceID   DeviceIdentifier `json:"deviceId"`
	IsOutbound bool             `json:"isOutbound"`
}

// PairingState is the server-side reservation held while two sessions negotiate.
type PairingState struct {
	OtherPeer DeviceIdentifier
	StartedAt time.Time
}

// Expired reports whether the reservation is older than timeout at now.
func (p *PairingState) Expired(now time.Time, timeout time.Duration) bool {
	return now.Sub(p.StartedAt) > timeout
}
