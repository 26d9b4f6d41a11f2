// Package session owns the per-process chat state: the current user, the
// single active peer session, and the offline queue. It is the one place
// the send path and the reconciliation path share, so access is serialized.
package session

import (
	"sync"

	"p2p_chat/internal/model"
	"p2p_chat/internal/negotiation"
	"p2p_chat/internal/transport"
)

type (
	// PeerSession is the one live session. It is replaced wholesale when
	// a new negotiation starts, never mutated across negotiations.
	PeerSession struct {
		Engine         *negotiation.Engine
		Channel        transport.Channel
		RemoteName     string
		ConversationID string
	}

	// Manager holds the process-wide session state. The offline queue
	// survives session replacement and is cleared per conversation only
	// when reconciliation for that conversation succeeds.
	Manager struct {
		mu      sync.Mutex
		user    string
		active  *PeerSession
		offline map[string][]model.Message
		pending map[string]bool
	}
)

func NewManager() *Manager {
	return &Manager{
		offline: make(map[string][]model.Message),
		pending: make(map[string]bool),
	}
}

// SetUser records the registered identity. It is set once and never
// cleared.
func (m *Manager) SetUser(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.user == "" {
		m.user = name
	}
}

func (m *Manager) User() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.user
}

// Replace installs a new active session and returns the one it displaced,
// so the caller can abandon it.
func (m *Manager) Replace(s *PeerSession) *PeerSession {
	m.mu.Lock()
	defer m.mu.Unlock()

	old := m.active
	m.active = s
	return old
}

func (m *Manager) Active() *PeerSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// SetChannel attaches the opened channel to the active session.
func (m *Manager) SetChannel(ch transport.Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active != nil {
		m.active.Channel = ch
	}
}

// SetPeer records the remote identity on the active session once
// negotiation resolves it.
func (m *Manager) SetPeer(remoteName, conversationID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active != nil {
		m.active.RemoteName = remoteName
		m.active.ConversationID = conversationID
	}
}

// ActiveConversation returns the conversation id of the active session.
func (m *Manager) ActiveConversation() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil {
		return ""
	}
	return m.active.ConversationID
}

// ChannelOpen reports whether the active session has an open channel.
func (m *Manager) ChannelOpen() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active != nil && m.active.Channel != nil && m.active.Channel.Open()
}

// Enqueue parks a message for a conversation until the next successful
// reconciliation.
func (m *Manager) Enqueue(conversationID string, msg model.Message) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.offline[conversationID] = append(m.offline[conversationID], msg)
	m.pending[conversationID] = true
}

// Queued returns a copy of the offline queue for a conversation.
func (m *Manager) Queued(conversationID string) []model.Message {
	m.mu.Lock()
	defer m.mu.Unlock()

	queued := m.offline[conversationID]
	out := make([]model.Message, len(queued))
	copy(out, queued)
	return out
}

// ClearQueue drops the offline queue and the pending-sync marker for a
// conversation. Called only after reconciliation succeeds.
func (m *Manager) ClearQueue(conversationID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.offline, conversationID)
	delete(m.pending, conversationID)
}

// PendingSync reports whether a conversation has unreconciled offline
// messages.
func (m *Manager) PendingSync(conversationID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pending[conversationID]
}
