package profiles

import (
	"context"
	"fmt"
	"sync"

	"github.com/wolfman30/paychat-billing/internal/roles"
)

// MemoryDirectory serves profiles from process memory.
type MemoryDirectory struct {
	mu       sync.RWMutex
	profiles map[string]roles.Profile
}

func NewMemoryDirectory(profiles ...roles.Profile) *MemoryDirectory {
	d := &MemoryDirectory{profiles: make(map[string]roles.Profile)}
	for _, p := range profiles {
		d.Put(p)
	}
	return d
}

// Put adds or replaces a profile.
func (d *MemoryDirectory) Put(p roles.Profile) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.profiles[p.UserID] = p
}

func (d *MemoryDirectory) GetProfile(_ context.Context, userID string) (roles.Profile, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	p, ok := d.profiles[userID]
	if !ok {
		return roles.Profile{}, fmt.Errorf("%w: %s", ErrNotFound, userID)
	}
	return p, nil
}
