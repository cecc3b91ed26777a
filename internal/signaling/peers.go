package signaling

import (
	"github.com/lumenchat/signal-relay/internal/peer"
)

// peerSessions adapts the concrete session manager to the router's
// PeerSessions interface.
type peerSessions struct {
	m *peer.Manager
}

func NewPeerSessions(m *peer.Manager) PeerSessions {
	return peerSessions{m: m}
}

func (p peerSessions) GetOrCreate(connID string, onCandidate func(string)) (PeerSession, error) {
	s, err := p.m.GetOrCreate(connID, onCandidate)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (p peerSessions) Get(connID string) (PeerSession, error) {
	s, err := p.m.Get(connID)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (p peerSessions) Close(connID string) {
	p.m.Close(connID)
}
