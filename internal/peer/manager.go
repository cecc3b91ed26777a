// Package peer owns the server-side WebRTC peer connections, one per
// signaling connection. The relay terminates WebRTC at the edge: sessions are
// never bridged or shared between connections.
package peer

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/pion/interceptor"
	"github.com/pion/logging"
	"github.com/pion/webrtc/v4"
)

// ErrNoSession is returned when an operation requires a session that was
// never created for the connection.
var ErrNoSession = errors.New("peer: no session for connection")

// Session wraps one server-side PeerConnection.
type Session struct {
	pc        *webrtc.PeerConnection
	closeOnce sync.Once
	closeErr  error
}

// Answer applies the client's offer and produces the local answer SDP. ICE
// candidates trickle separately, so the answer is returned without waiting
// for gathering to complete.
func (s *Session) Answer(offerSDP string) (string, error) {
	offer := webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  offerSDP,
	}
	if err := s.pc.SetRemoteDescription(offer); err != nil {
		return "", fmt.Errorf("set remote offer: %w", err)
	}

	answer, err := s.pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("create answer: %w", err)
	}
	if err := s.pc.SetLocalDescription(answer); err != nil {
		return "", fmt.Errorf("set local answer: %w", err)
	}
	return answer.SDP, nil
}

// AddCandidate parses a JSON-encoded remote ICE candidate and feeds it to the
// session's ICE agent.
func (s *Session) AddCandidate(candidateJSON string) error {
	var init webrtc.ICECandidateInit
	if err := json.Unmarshal([]byte(candidateJSON), &init); err != nil {
		return fmt.Errorf("decode ICE candidate: %w", err)
	}
	if err := s.pc.AddICECandidate(init); err != nil {
		return fmt.Errorf("add ICE candidate: %w", err)
	}
	return nil
}

// Close releases the underlying PeerConnection. Safe to call multiple times.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.pc.Close()
	})
	return s.closeErr
}

// Manager creates and tracks sessions keyed by connection ID. The pion API
// object (codecs, interceptors, settings) is built once and shared by every
// session.
type Manager struct {
	api    *webrtc.API
	config webrtc.Configuration

	mu       sync.Mutex
	sessions map[string]*Session
}

func NewManager(iceServers []webrtc.ICEServer) (*Manager, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	loggerFactory := logging.NewDefaultLoggerFactory()
	loggerFactory.DefaultLogLevel = logging.LogLevelWarn
	settingEngine := webrtc.SettingEngine{
		LoggerFactory: loggerFactory,
	}

	return &Manager{
		api: webrtc.NewAPI(
			webrtc.WithMediaEngine(mediaEngine),
			webrtc.WithInterceptorRegistry(interceptorRegistry),
			webrtc.WithSettingEngine(settingEngine),
		),
		config: webrtc.Configuration{
			ICEServers: iceServers,
		},
		sessions: make(map[string]*Session),
	}, nil
}

// GetOrCreate returns the connection's session, constructing it on first use.
// Locally gathered ICE candidates are delivered, JSON-encoded, through
// onCandidate; the callback runs on pion's goroutines and must not block.
func (m *Manager) GetOrCreate(connID string, onCandidate func(candidateJSON string)) (*Session, error) {
	m.mu.Lock()
	if s, ok := m.sessions[connID]; ok {
		m.mu.Unlock()
		return s, nil
	}
	m.mu.Unlock()

	pc, err := m.api.NewPeerConnection(m.config)
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}
	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		// nil marks the end of gathering.
		if c == nil {
			return
		}
		payload, err := json.Marshal(c.ToJSON())
		if err != nil {
			return
		}
		onCandidate(string(payload))
	})
	s := &Session{pc: pc}

	m.mu.Lock()
	if existing, ok := m.sessions[connID]; ok {
		// Lost the race to a concurrent create for the same connection.
		m.mu.Unlock()
		_ = s.Close()
		return existing, nil
	}
	m.sessions[connID] = s
	m.mu.Unlock()
	return s, nil
}

// Get returns the connection's session, or ErrNoSession.
func (m *Manager) Get(connID string) (*Session, error) {
	m.mu.Lock()
	s, ok := m.sessions[connID]
	m.mu.Unlock()
	if !ok {
		return nil, ErrNoSession
	}
	return s, nil
}

// Close tears down the connection's session. A no-op when none exists.
func (m *Manager) Close(connID string) {
	m.mu.Lock()
	s, ok := m.sessions[connID]
	delete(m.sessions, connID)
	m.mu.Unlock()
	if ok {
		_ = s.Close()
	}
}

// CloseAll tears down every session, for process shutdown.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	for _, s := range sessions {
		_ = s.Close()
	}
}

// Len returns the number of live sessions.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}
