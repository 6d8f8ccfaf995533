package webrtc

import (
	"encoding/json"
	"fmt"
	"sync"

	"peerlink/internal/core/domain"
	"peerlink/internal/core/ports"
	"peerlink/pkg/config"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// Config holds what every peer connection is created with.
type Config struct {
	ICEServers []webrtc.ICEServer
	PortRange  struct {
		Min uint16
		Max uint16
	}
}

// ConfigFromApp converts the webrtc section of the application config.
func ConfigFromApp(cfg *config.Config) Config {
	var out Config
	for _, s := range cfg.WebRTC.ICEServers {
		out.ICEServers = append(out.ICEServers, webrtc.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}
	out.PortRange.Min = cfg.WebRTC.PortRange.Min
	out.PortRange.Max = cfg.WebRTC.PortRange.Max
	return out
}

// TransportFactory creates pion-backed peer transports sharing one API.
type TransportFactory struct {
	api    *webrtc.API
	config webrtc.Configuration
	logger *zap.SugaredLogger
}

func NewTransportFactory(cfg Config, logger *zap.SugaredLogger) (*TransportFactory, error) {
	settingEngine := webrtc.SettingEngine{}
	if cfg.PortRange.Min > 0 && cfg.PortRange.Max > 0 {
		if err := settingEngine.SetEphemeralUDPPortRange(cfg.PortRange.Min, cfg.PortRange.Max); err != nil {
			return nil, fmt.Errorf("set udp port range: %w", err)
		}
	}
	return &TransportFactory{
		api: webrtc.NewAPI(webrtc.WithSettingEngine(settingEngine)),
		config: webrtc.Configuration{
			ICEServers:   cfg.ICEServers,
			SDPSemantics: webrtc.SDPSemanticsUnifiedPlan,
		},
		logger: logger,
	}, nil
}

func (f *TransportFactory) NewTransport(events ports.TransportEvents) (ports.PeerTransport, error) {
	pc, err := f.api.NewPeerConnection(f.config)
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}
	t := &peerTransport{pc: pc, events: events, logger: f.logger}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		// nil marks the end of gathering
		if c == nil {
			return
		}
		data, err := json.Marshal(c.ToJSON())
		if err != nil {
			t.logger.Warnw("failed to encode local candidate", "error", err)
			return
		}
		events.OnICECandidate(data)
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		events.OnStateChange()
	})
	pc.OnDataChannel(t.attach)
	return t, nil
}

type peerTransport struct {
	pc     *webrtc.PeerConnection
	events ports.TransportEvents
	logger *zap.SugaredLogger

	mu sync.Mutex
	dc *webrtc.DataChannel
}

func (t *peerTransport) attach(dc *webrtc.DataChannel) {
	t.mu.Lock()
	t.dc = dc
	t.mu.Unlock()

	dc.OnOpen(t.events.OnChannelOpen)
	dc.OnClose(t.events.OnStateChange)
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		t.events.OnMessage(msg.Data)
	})
}

func (t *peerTransport) OpenDataChannel(label string) error {
	ordered := true
	dc, err := t.pc.CreateDataChannel(label, &webrtc.DataChannelInit{Ordered: &ordered})
	if err != nil {
		return fmt.Errorf("create data channel: %w", err)
	}
	t.attach(dc)
	return nil
}

func (t *peerTransport) CreateOffer() (json.RawMessage, error) {
	offer, err := t.pc.CreateOffer(nil)
	if err != nil {
		return nil, fmt.Errorf("create offer: %w", err)
	}
	return t.applyLocal(offer)
}

func (t *peerTransport) CreateAnswer() (json.RawMessage, error) {
	answer, err := t.pc.CreateAnswer(nil)
	if err != nil {
		return nil, fmt.Errorf("create answer: %w", err)
	}
	return t.applyLocal(answer)
}

func (t *peerTransport) applyLocal(desc webrtc.SessionDescription) (json.RawMessage, error) {
	if err := t.pc.SetLocalDescription(desc); err != nil {
		return nil, fmt.Errorf("set local description: %w", err)
	}
	data, err := json.Marshal(desc)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", desc.Type, err)
	}
	return data, nil
}

func (t *peerTransport) SetRemoteDescription(raw json.RawMessage) error {
	var desc webrtc.SessionDescription
	if err := json.Unmarshal(raw, &desc); err != nil {
		return fmt.Errorf("%w: session description: %v", domain.ErrMalformedMessage, err)
	}
	return t.pc.SetRemoteDescription(desc)
}

func (t *peerTransport) AddICECandidate(raw json.RawMessage) error {
	var candidate webrtc.ICECandidateInit
	if err := json.Unmarshal(raw, &candidate); err != nil {
		return fmt.Errorf("%w: ice candidate: %v", domain.ErrMalformedMessage, err)
	}
	return t.pc.AddICECandidate(candidate)
}

func (t *peerTransport) ConnectionState() webrtc.PeerConnectionState {
	return t.pc.ConnectionState()
}

func (t *peerTransport) DataChannelState() (webrtc.DataChannelState, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.dc == nil {
		return 0, false
	}
	return t.dc.ReadyState(), true
}

// Send writes one text frame; chat payloads are JSON.
func (t *peerTransport) Send(data []byte) error {
	t.mu.Lock()
	dc := t.dc
	t.mu.Unlock()
	if dc == nil || dc.ReadyState() != webrtc.DataChannelStateOpen {
		return domain.ErrChannelNotOpen
	}
	return dc.SendText(string(data))
}

func (t *peerTransport) Close() error {
	return t.pc.Close()
}
