package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/paychat-billing/internal/billing"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		mode     billing.Mode
		from, to billing.State
		want     bool
	}{
		{billing.ModePaid, billing.StateFreeActive, billing.StateAwaitingPrepaid, true},
		{billing.ModePaid, billing.StateFreeActive, billing.StatePaidActive, true},
		{billing.ModePaid, billing.StateFreeActive, billing.StateExpired, false},
		{billing.ModePaid, billing.StateAwaitingPrepaid, billing.StatePaidActive, true},
		{billing.ModePaid, billing.StateAwaitingPrepaid, billing.StateFreeActive, false},
		{billing.ModePaid, billing.StatePaidActive, billing.StatePaidActive, true},
		{billing.ModePaid, billing.StatePaidActive, billing.StateAwaitingPrepaid, false},
		{billing.ModePaid, billing.StatePaidActive, billing.StateExpired, true},
		{billing.ModePaid, billing.StateClosed, billing.StatePaidActive, false},
		{billing.ModePaid, billing.StateExpired, billing.StateClosed, false},
		{billing.ModeFree, billing.StateFreeActive, billing.StateClosed, true},
		{billing.ModeFree, billing.StateFreeActive, billing.StateAwaitingPrepaid, false},
		{billing.ModeFree, billing.StateFreeActive, billing.StatePaidActive, false},
	}
	for _, tt := range tests {
		got := CanTransition(tt.mode, tt.from, tt.to)
		if got != tt.want {
			t.Fatalf("%s %s -> %s: got %v want %v", tt.mode, tt.from, tt.to, got, tt.want)
		}
	}
}

func TestTransitionStampsTerminalState(t *testing.T) {
	at := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	expires := at.Add(time.Hour)
	s := &billing.Session{Mode: billing.ModePaid, State: billing.StatePaidActive, ExpiresAt: &expires}

	require.NoError(t, transition(s, billing.StateExpired, at))
	assert.Equal(t, billing.StateExpired, s.State)
	require.NotNil(t, s.ClosedAt)
	assert.Equal(t, at, *s.ClosedAt)
	assert.Nil(t, s.ExpiresAt)

	require.ErrorIs(t, transition(s, billing.StateClosed, at), billing.ErrSessionClosed)
}

func TestTransitionRejectsInvalid(t *testing.T) {
	s := &billing.Session{Mode: billing.ModeFree, State: billing.StateFreeActive}
	err := transition(s, billing.StatePaidActive, time.Now())
	require.ErrorIs(t, err, billing.ErrInvalidTransition)
	assert.Equal(t, billing.StateFreeActive, s.State)
}
