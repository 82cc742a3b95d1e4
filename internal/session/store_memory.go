package session

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/wolfman30/paychat-billing/internal/billing"
	"github.com/wolfman30/paychat-billing/internal/events"
)

// MemoryStore keeps sessions in process. Used for local development and tests.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*billing.Session
	messages map[string][]billing.Message
	refunds  map[string][]billing.RefundRecord
	entries  map[string][]billing.LedgerEntry
	outbox   *events.MemoryOutbox
}

// NewMemoryStore returns an empty store. outbox may be nil to discard events.
func NewMemoryStore(outbox *events.MemoryOutbox) *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*billing.Session),
		messages: make(map[string][]billing.Message),
		refunds:  make(map[string][]billing.RefundRecord),
		entries:  make(map[string][]billing.LedgerEntry),
		outbox:   outbox,
	}
}

func (m *MemoryStore) Create(_ context.Context, s *billing.Session, evs ...events.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.sessions[s.ID]; exists {
		return billing.ErrConcurrentUpdate
	}
	cp := s.Clone()
	cp.Version = 1
	s.Version = 1
	m.sessions[s.ID] = cp
	m.publish(evs)
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*billing.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, billing.ErrSessionNotFound
	}
	return s.Clone(), nil
}

func (m *MemoryStore) Commit(_ context.Context, c Change) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.sessions[c.Session.ID]
	if !ok {
		return billing.ErrSessionNotFound
	}
	if current.Version != c.Session.Version {
		return billing.ErrConcurrentUpdate
	}
	next := c.Session.Clone()
	next.Version++
	m.sessions[next.ID] = next
	c.Session.Version = next.Version

	if c.Message != nil {
		m.messages[next.ID] = append(m.messages[next.ID], *c.Message)
	}
	if c.Refund != nil {
		m.refunds[next.ID] = append(m.refunds[next.ID], *c.Refund)
	}
	m.entries[next.ID] = append(m.entries[next.ID], c.Entries...)
	m.publish(c.Events)
	return nil
}

func (m *MemoryStore) Publish(_ context.Context, evs ...events.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.publish(evs)
	return nil
}

func (m *MemoryStore) publish(evs []events.Event) {
	if m.outbox != nil && len(evs) > 0 {
		m.outbox.Append(evs...)
	}
}

func (m *MemoryStore) ListMessages(_ context.Context, sessionID string, limit int) ([]billing.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	msgs := m.messages[sessionID]
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return append([]billing.Message(nil), msgs...), nil
}

func (m *MemoryStore) ListRefunds(_ context.Context, sessionID string) ([]billing.RefundRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]billing.RefundRecord(nil), m.refunds[sessionID]...), nil
}

// LedgerEntries returns the journal for a session.
func (m *MemoryStore) LedgerEntries(sessionID string) []billing.LedgerEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]billing.LedgerEntry(nil), m.entries[sessionID]...)
}

func (m *MemoryStore) ListExpiryCandidates(_ context.Context, dueBy time.Time, limit int) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var candidates []*billing.Session
	for _, s := range m.sessions {
		if s.Mode != billing.ModePaid || s.Halted {
			continue
		}
		if s.State != billing.StateAwaitingPrepaid && s.State != billing.StatePaidActive {
			continue
		}
		if s.ExpiresAt != nil && s.ExpiresAt.Before(dueBy) {
			candidates = append(candidates, s)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		if !candidates[i].ExpiresAt.Equal(*candidates[j].ExpiresAt) {
			return candidates[i].ExpiresAt.Before(*candidates[j].ExpiresAt)
		}
		return candidates[i].ID < candidates[j].ID
	})
	ids := make([]string, 0, len(candidates))
	for _, s := range candidates {
		if limit > 0 && len(ids) >= limit {
			break
		}
		ids = append(ids, s.ID)
	}
	return ids, nil
}
