package roles

import (
	"strings"

	"github.com/wolfman30/paychat-billing/internal/billing"
)

// Profile is the snapshot of a participant taken once at session creation.
type Profile struct {
	UserID         string   `json:"user_id"`
	Gender         string   `json:"gender"`
	EarnOptIn      *bool    `json:"earn_opt_in"`
	PopularityTier string   `json:"popularity_tier"`
	Badges         []string `json:"badges"`
}

// Validate checks the fields role assignment depends on.
func (p Profile) Validate() error {
	if strings.TrimSpace(p.Gender) == "" {
		return &billing.InvalidProfileError{UserID: p.UserID, Field: "gender"}
	}
	if p.EarnOptIn == nil {
		return &billing.InvalidProfileError{UserID: p.UserID, Field: "earn_opt_in"}
	}
	return nil
}

// OptedIn reports the earn opt-in flag; a missing flag counts as false.
func (p Profile) OptedIn() bool {
	return p.EarnOptIn != nil && *p.EarnOptIn
}

// HasBadge is case-insensitive.
func (p Profile) HasBadge(badge string) bool {
	for _, b := range p.Badges {
		if strings.EqualFold(strings.TrimSpace(b), badge) {
			return true
		}
	}
	return false
}

func (p Profile) gender() string {
	return strings.ToLower(strings.TrimSpace(p.Gender))
}

// Bool is a small helper for building profiles in code and tests.
func Bool(v bool) *bool { return &v }
