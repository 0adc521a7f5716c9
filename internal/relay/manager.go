package relay

import (
	"log/slog"
	"sync"

	"github.com/coder/websocket"
)

// closer is the part of *websocket.Conn the manager needs.
type closer interface {
	Close(code websocket.StatusCode, reason string) error
}

// SessionManager tracks the open chat sockets of every client.
type SessionManager struct {
	mu     sync.RWMutex
	active map[string]map[string]closer
}

// NewSessionManager creates a new session manager.
func NewSessionManager() *SessionManager {
	return &SessionManager{
		active: make(map[string]map[string]closer),
	}
}

// Register adds the socket of one relay session.
func (m *SessionManager) Register(clientID, sessionID string, conn closer) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.active[clientID]; !exists {
		m.active[clientID] = make(map[string]closer)
	}
	m.active[clientID][sessionID] = conn
	slog.Debug("Relay session registered", "client_id", clientID, "session_id", sessionID)
}

// Unregister removes a socket if it is still the one registered.
func (m *SessionManager) Unregister(clientID, sessionID string, conn closer) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if sessions, ok := m.active[clientID]; ok {
		if current, exists := sessions[sessionID]; exists && current == conn {
			delete(sessions, sessionID)
			if len(sessions) == 0 {
				delete(m.active, clientID)
			}
			slog.Debug("Relay session unregistered", "client_id", clientID, "session_id", sessionID)
		}
	}
}

// Count returns the number of open sessions of a client.
func (m *SessionManager) Count(clientID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.active[clientID])
}

// CloseAll closes every open socket, e.g. on shutdown.
func (m *SessionManager) CloseAll(reason string) {
	m.mu.Lock()
	sessions := m.active
	m.active = make(map[string]map[string]closer)
	m.mu.Unlock()

	for clientID, byID := range sessions {
		for sessionID, conn := range byID {
			if err := conn.Close(websocket.StatusGoingAway, reason); err != nil {
				slog.Debug("Failed to close relay session", "client_id", clientID, "session_id", sessionID, "error", err)
			}
		}
	}
}
