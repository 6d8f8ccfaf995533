package services

import (
	"time"

	"peerlink/internal/core/domain"
	"peerlink/internal/core/ports"
)

// Session is the server-side state of one live client connection.
type Session struct {
	ID       string
	identity domain.DeviceIdentifier
	conn     ports.SignalConn
	joinedAt time.Time

	pairing         *domain.PairingState
	pendingRequests []domain.DeviceIdentifier
	rejected        []domain.DeviceIdentifier
}

func NewSession(id string, identity domain.DeviceIdentifier, conn ports.SignalConn, now time.Time) *Session {
	return &Session{
		ID:       id,
		identity: identity,
		conn:     conn,
		joinedAt: now,
	}
}

func (s *Session) Identity() domain.DeviceIdentifier { return s.identity }

// isBusyPairing reports an unexpired pairing. An expired pairing is cleared
// here, so it is never observed as busy.
func (s *Session) isBusyPairing(now time.Time, timeout time.Duration) (busy, expired bool) {
	if s.pairing == nil {
		return false, false
	}
	if s.pairing.Expired(now, timeout) {
		s.pairing = nil
		return false, true
	}
	return true, false
}

// Directory maps address and username to live sessions. It is not safe for
// concurrent use; RendezvousService serializes access to it.
type Directory struct {
	hosts map[string]map[string]*Session
}

func NewDirectory() *Directory {
	return &Directory{hosts: make(map[string]map[string]*Session)}
}

// Register stores s under its identity and returns the session it replaced, if any.
func (d *Directory) Register(s *Session) *Session {
	byName, ok := d.hosts[s.identity.Address]
	if !ok {
		byName = make(map[string]*Session)
		d.hosts[s.identity.Address] = byName
	}
	old := byName[s.identity.Username]
	byName[s.identity.Username] = s
	return old
}

// Lookup returns the session registered under id. For a wildcard id it
// returns some session at that address; which one is unspecified when
// several usernames share the address.
func (d *Directory) Lookup(id domain.DeviceIdentifier) *Session {
	byName := d.hosts[id.Address]
	if len(byName) == 0 {
		return nil
	}
	if s, ok := byName[id.Username]; ok {
		return s
	}
	if id.IsWildcard() {
		for _, s := range byName {
			return s
		}
	}
	return nil
}

// Rename moves the session at address/oldUsername to newUsername. It fails
// without mutation when newUsername is already taken at that address.
func (d *Directory) Rename(address, oldUsername, newUsername string) error {
	byName := d.hosts[address]
	s, ok := byName[oldUsername]
	if !ok {
		return domain.ErrNotFound
	}
	if oldUsername == newUsername {
		return nil
	}
	if _, taken := byName[newUsername]; taken {
		return domain.ErrUsernameReserved
	}
	delete(byName, oldUsername)
	s.identity.Username = newUsername
	byName[newUsername] = s
	return nil
}

// Remove deletes s if it is still the registered session for its identity.
func (d *Directory) Remove(s *Session) bool {
	byName := d.hosts[s.identity.Address]
	if byName[s.identity.Username] != s {
		return false
	}
	delete(byName, s.identity.Username)
	if len(byName) == 0 {
		delete(d.hosts, s.identity.Address)
	}
	return true
}

func (d *Directory) IsRegistered(s *Session) bool {
	return d.hosts[s.identity.Address][s.identity.Username] == s
}

func (d *Directory) Sessions() []*Session {
	out := make([]*Session, 0, d.Len())
	for _, byName := range d.hosts {
		for _, s := range byName {
			out = append(out, s)
		}
	}
	return out
}

func (d *Directory) Len() int {
	n := 0
	for _, byName := range d.hosts {
		n += len(byName)
	}
	return n
}
