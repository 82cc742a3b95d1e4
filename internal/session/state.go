package session

import (
	"fmt"
	"time"

	"github.com/wolfman30/paychat-billing/internal/billing"
)

// transitions lists the states reachable from each non-terminal state.
// Terminal states have no entry.
var transitions = map[billing.State][]billing.State{
	billing.StateFreeActive:      {billing.StateAwaitingPrepaid, billing.StatePaidActive, billing.StateClosed},
	billing.StateAwaitingPrepaid: {billing.StatePaidActive, billing.StateExpired, billing.StateClosed},
	billing.StatePaidActive:      {billing.StatePaidActive, billing.StateExpired, billing.StateClosed},
}

// CanTransition reports whether mode allows moving from one state to another.
// Free sessions only ever leave FREE_ACTIVE by being closed.
func CanTransition(mode billing.Mode, from, to billing.State) bool {
	if mode == billing.ModeFree && from == billing.StateFreeActive && to != billing.StateClosed {
		return false
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// transition moves s to the target state, stamping terminal timestamps.
func transition(s *billing.Session, to billing.State, at time.Time) error {
	if s.State.IsTerminal() {
		return billing.ErrSessionClosed
	}
	if !CanTransition(s.Mode, s.State, to) {
		return fmt.Errorf("session: %s -> %s: %w", s.State, to, billing.ErrInvalidTransition)
	}
	s.State = to
	if to.IsTerminal() {
		closed := at
		s.ClosedAt = &closed
		s.ExpiresAt = nil
	}
	return nil
}
