// Package abuse rejects near-duplicate content repeated by one sender within a short window.
package abuse

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/wolfman30/paychat-billing/internal/billing"
)

// Config controls the duplicate window.
type Config struct {
	Window        time.Duration
	MaxDuplicates int
}

// DefaultConfig allows two identical messages per minute.
func DefaultConfig() Config {
	return Config{Window: time.Minute, MaxDuplicates: 2}
}

func (c Config) normalized() Config {
	d := DefaultConfig()
	if c.Window <= 0 {
		c.Window = d.Window
	}
	if c.MaxDuplicates <= 0 {
		c.MaxDuplicates = d.MaxDuplicates
	}
	return c
}

// Decision is the outcome of one check.
type Decision struct {
	Allowed bool
	// Count is the number of recorded occurrences in the window, including this one when allowed.
	Count int
}

// Guard tracks content hashes per sender across all sessions.
// Rejected attempts are not recorded. Forget withdraws an occurrence that was
// allowed at the given time but never delivered.
type Guard interface {
	Allow(ctx context.Context, senderID, contentHash string, at time.Time) (Decision, error)
	Forget(ctx context.Context, senderID, contentHash string, at time.Time) error
}

// ContentHash fingerprints content after case folding and whitespace collapsing,
// so trivially varied copies hash the same.
func ContentHash(c billing.Content) string {
	normalized := strings.ToLower(strings.Join(strings.Fields(c.Text), " "))
	key := string(c.Type) + "\x00" + normalized + "\x00" + strings.TrimSpace(c.MediaRef)
	return fmt.Sprintf("%016x", xxhash.Sum64String(key))
}
