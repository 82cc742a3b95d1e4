package events

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// MemoryOutbox is an in-process Source used when no database is configured.
type MemoryOutbox struct {
	mu        sync.Mutex
	pending   []Event
	delivered map[uuid.UUID]bool
}

func NewMemoryOutbox() *MemoryOutbox {
	return &MemoryOutbox{delivered: make(map[uuid.UUID]bool)}
}

// Append queues events in order.
func (m *MemoryOutbox) Append(evs ...Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending = append(m.pending, evs...)
}

func (m *MemoryOutbox) FetchPending(_ context.Context, limit int32) ([]Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Event
	for _, ev := range m.pending {
		if limit > 0 && int32(len(out)) >= limit {
			break
		}
		out = append(out, ev)
	}
	return out, nil
}

func (m *MemoryOutbox) MarkDelivered(_ context.Context, id uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, ev := range m.pending {
		if ev.ID == id {
			m.pending = append(m.pending[:i], m.pending[i+1:]...)
			m.delivered[id] = true
			return true, nil
		}
	}
	return false, nil
}

// Pending returns a copy of undelivered events.
func (m *MemoryOutbox) Pending() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Event(nil), m.pending...)
}
