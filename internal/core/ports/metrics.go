package ports

import "peerlink/internal/core/domain"

type RendezvousMetrics interface {
	SessionJoined()
	SessionLeft()
	RequestAnnounced()
	PairingStarted()
	PairingCompleted()
	PairingExpired()
	MessageRelayed(kind domain.SignalType)
	RenameConflict()
	StaleAccept()
}

type DeliveryMetrics interface {
	QueueDepth(n int)
	MessageSent(retry bool)
	MessageAcknowledged()
	StatusChanged(status domain.SocketStatus)
}

// NopMetrics satisfies both metrics interfaces and records nothing.
type NopMetrics struct{}

func (NopMetrics) SessionJoined()                    {}
func (NopMetrics) SessionLeft()                      {}
func (NopMetrics) RequestAnnounced()                 {}
func (NopMetrics) PairingStarted()                   {}
func (NopMetrics) PairingCompleted()                 {}
func (NopMetrics) PairingExpired()                   {}
func (NopMetrics) MessageRelayed(domain.SignalType)  {}
func (NopMetrics) RenameConflict()                   {}
func (NopMetrics) StaleAccept()                      {}
func (NopMetrics) QueueDepth(int)                    {}
func (NopMetrics) MessageSent(bool)                  {}
func (NopMetrics) MessageAcknowledged()              {}
func (NopMetrics) StatusChanged(domain.SocketStatus) {}
