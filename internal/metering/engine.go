// Package metering turns message content into a token cost.
package metering

import (
	"math"

	"github.com/wolfman30/paychat-billing/internal/billing"
)

// MediaMinimumUnits is the floor for non-text content.
const MediaMinimumUnits = 1

// Engine is stateless; the zero value is ready to use.
type Engine struct{}

// New returns a metering engine.
func New() *Engine { return &Engine{} }

// Cost returns the token cost of content sent by senderID in s.
// Payers and free sessions are never charged.
func (e *Engine) Cost(content billing.Content, senderID string, s *billing.Session) int64 {
	if s == nil || s.Mode == billing.ModeFree || senderID == s.Roles.PayerID {
		return 0
	}
	if s.Roles.MeteredID != "" && senderID != s.Roles.MeteredID {
		return 0
	}
	return Scale(Units(content, s.Roles.WordsPerToken), s.Roles.Rate)
}

// Units returns ceil(words / wordsPerToken), floored at MediaMinimumUnits for media.
func Units(content billing.Content, wordsPerToken int64) int64 {
	if wordsPerToken < 1 {
		wordsPerToken = 1
	}
	words := content.Words()
	units := CeilDiv(words, wordsPerToken)
	if content.Type == billing.ContentMedia && units < MediaMinimumUnits {
		units = MediaMinimumUnits
	}
	return units
}

// CeilDiv divides rounding up, for non-negative n and positive d.
func CeilDiv(n, d int64) int64 {
	if n <= 0 {
		return 0
	}
	q := n / d
	if n%d != 0 {
		q++
	}
	return q
}

// Scale multiplies units by the per-unit rate, saturating at math.MaxInt64.
// Rates below 1 count as 1.
func Scale(units, rate int64) int64 {
	if rate < 1 {
		rate = 1
	}
	if units > math.MaxInt64/rate {
		return math.MaxInt64
	}
	return units * rate
}
