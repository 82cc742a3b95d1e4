package roles

import (
	"strings"

	"github.com/wolfman30/paychat-billing/internal/billing"
	"github.com/wolfman30/paychat-billing/pkg/logging"
)

// pair is the evaluation context handed to every rule.
type pair struct {
	a, b        Profile // a and b as supplied by the caller
	initiatorID string
	table       RateTable
	catA, catB  *Profile // set only for cross-gender pairs
}

// assignment is a rule outcome before pricing is attached.
type assignment struct {
	free      bool
	payerID   string
	earnerID  string
	meteredID string
}

// Rule is one ordered predicate/outcome pair. The first matching rule wins.
type Rule struct {
	Name   string
	Match  func(p pair) bool
	Assign func(p pair) assignment
}

// DefaultRules returns the rule list in priority order.
func DefaultRules() []Rule {
	return []Rule{
		{
			Name: "low_popularity",
			Match: func(p pair) bool {
				return p.isLow(p.a) || p.isLow(p.b)
			},
			Assign: func(pair) assignment { return assignment{free: true} },
		},
		{
			// Evaluated ahead of cross_gender so the exception can override it.
			Name: "influencer_inversion",
			Match: func(p pair) bool {
				return p.catA != nil &&
					p.catB.HasBadge(p.table.InfluencerBadge) &&
					p.catB.UserID == p.initiatorID &&
					!p.catA.OptedIn()
			},
			Assign: func(p pair) assignment {
				return assignment{payerID: p.catA.UserID, earnerID: p.catB.UserID, meteredID: p.catB.UserID}
			},
		},
		{
			Name:  "cross_gender",
			Match: func(p pair) bool { return p.catA != nil },
			Assign: func(p pair) assignment {
				out := assignment{payerID: p.catA.UserID, meteredID: p.catB.UserID}
				if p.catB.OptedIn() {
					out.earnerID = p.catB.UserID
				}
				return out
			},
		},
		{
			Name:  "same_gender_both_opt_in",
			Match: func(p pair) bool { return p.a.OptedIn() && p.b.OptedIn() },
			Assign: func(p pair) assignment {
				receiver := p.other(p.initiatorID)
				return assignment{payerID: p.initiatorID, earnerID: receiver, meteredID: receiver}
			},
		},
		{
			Name:  "same_gender_one_opt_in",
			Match: func(p pair) bool { return p.a.OptedIn() != p.b.OptedIn() },
			Assign: func(p pair) assignment {
				payer, earner := p.a, p.b
				if p.a.OptedIn() {
					payer, earner = p.b, p.a
				}
				return assignment{payerID: payer.UserID, earnerID: earner.UserID, meteredID: earner.UserID}
			},
		},
		{
			Name:  "same_gender_none",
			Match: func(pair) bool { return true },
			Assign: func(p pair) assignment {
				return assignment{payerID: p.initiatorID, meteredID: p.other(p.initiatorID)}
			},
		},
	}
}

func (p pair) isLow(pr Profile) bool {
	return p.table.LowPopularityTier != "" && strings.EqualFold(strings.TrimSpace(pr.PopularityTier), p.table.LowPopularityTier)
}

func (p pair) other(userID string) string {
	if p.a.UserID == userID {
		return p.b.UserID
	}
	return p.a.UserID
}

func (p pair) profile(userID string) Profile {
	if p.a.UserID == userID {
		return p.a
	}
	return p.b
}

// Resolver computes session roles from two profile snapshots.
type Resolver struct {
	table  RateTable
	rules  []Rule
	logger *logging.Logger
}

// NewResolver builds a resolver over the given rate table.
func NewResolver(table RateTable, logger *logging.Logger) *Resolver {
	if logger == nil {
		logger = logging.Default()
	}
	return &Resolver{table: table, rules: DefaultRules(), logger: logger}
}

// WithRules replaces the rule list. Tests use it to exercise ordering.
func (r *Resolver) WithRules(rules []Rule) *Resolver {
	r.rules = rules
	return r
}

// Resolve assigns payer, earner and pricing. The initiator must be one of the two profiles.
func (r *Resolver) Resolve(a, b Profile, initiatorID string) (billing.Roles, billing.Mode, error) {
	if err := a.Validate(); err != nil {
		return billing.Roles{}, "", err
	}
	if err := b.Validate(); err != nil {
		return billing.Roles{}, "", err
	}
	if a.UserID == "" || b.UserID == "" || a.UserID == b.UserID {
		return billing.Roles{}, "", billing.ErrSameParticipant
	}
	if initiatorID != a.UserID && initiatorID != b.UserID {
		return billing.Roles{}, "", billing.ErrNotParticipant
	}

	p := pair{a: a, b: b, initiatorID: initiatorID, table: r.table}
	switch ga, gb := a.gender(), b.gender(); {
	case ga == r.table.PayerGender && gb == r.table.EarnerGender:
		p.catA, p.catB = &p.a, &p.b
	case gb == r.table.PayerGender && ga == r.table.EarnerGender:
		p.catA, p.catB = &p.b, &p.a
	}

	for _, rule := range r.rules {
		if !rule.Match(p) {
			continue
		}
		out := rule.Assign(p)
		roles, mode := r.price(p, rule.Name, out)
		r.logger.Debug("roles resolved",
			"rule", rule.Name,
			"payer_id", roles.PayerID,
			"earner_id", roles.EarnerID,
			"mode", mode,
		)
		return roles, mode, nil
	}
	// Unreachable with DefaultRules; custom rule lists may fall through.
	roles, mode := r.price(p, "fallback_free", assignment{free: true})
	return roles, mode, nil
}

func (r *Resolver) price(p pair, rule string, out assignment) (billing.Roles, billing.Mode) {
	if out.free {
		plan := r.table.Default
		return billing.Roles{
			Rate:          plan.Rate,
			WordsPerToken: plan.WordsPerToken,
			Rule:          rule,
		}, billing.ModeFree
	}
	plan := r.table.PlanFor(p.profile(out.meteredID).PopularityTier)
	roles := billing.Roles{
		PayerID:          out.payerID,
		EarnerID:         out.earnerID,
		MeteredID:        out.meteredID,
		Rate:             plan.Rate,
		WordsPerToken:    plan.WordsPerToken,
		CreatorPercent:   plan.CreatorPercent,
		PlatformPercent:  plan.PlatformPercent,
		FreeMessageLimit: plan.FreeMessageLimit,
		Rule:             rule,
	}
	return roles, billing.ModePaid
}
