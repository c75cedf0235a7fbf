package session

import (
	"sync"

	"github.com/stoic-persona/server/internal/store"
)

// Manager owns the per-user chat stores. A store is created lazily on the
// user's first authenticated request, shared by all of that user's requests,
// and torn down at sign-out.
type Manager struct {
	mu     sync.Mutex
	stores map[string]*Store

	db  ConversationStore
	pdf PDFSources
	url URLSources
	ai  AIResponder
}

func NewManager(db ConversationStore, pdf PDFSources, url URLSources, ai AIResponder) *Manager {
	return &Manager{
		stores: make(map[string]*Store),
		db:     db,
		pdf:    pdf,
		url:    url,
		ai:     ai,
	}
}

// ForUser returns the user's chat store, creating it on first use.
func (m *Manager) ForUser(user *store.User) *Store {
	m.mu.Lock()
	defer m.mu.Unlock()

	if st, ok := m.stores[user.ID]; ok {
		return st
	}
	st := NewStore(user, m.db, m.pdf, m.url, m.ai)
	m.stores[user.ID] = st
	return st
}

// Remove tears down the user's store at sign-out.
func (m *Manager) Remove(userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.stores, userID)
}
