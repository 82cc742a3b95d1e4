package roles

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Plan is one pricing row of the rate table.
type Plan struct {
	WordsPerToken    int64 `yaml:"words_per_token"`
	Rate             int64 `yaml:"rate"`
	CreatorPercent   int64 `yaml:"creator_percent"`
	PlatformPercent  int64 `yaml:"platform_percent"`
	FreeMessageLimit int   `yaml:"free_message_limit"`
}

// RateTable is the pricing policy data the resolver applies.
type RateTable struct {
	PayerGender       string          `yaml:"payer_gender"`
	EarnerGender      string          `yaml:"earner_gender"`
	LowPopularityTier string          `yaml:"low_popularity_tier"`
	InfluencerBadge   string          `yaml:"influencer_badge"`
	Default           Plan            `yaml:"default"`
	Tiers             map[string]Plan `yaml:"tiers"`
}

// DefaultRateTable is used when no rate table file is configured.
func DefaultRateTable() RateTable {
	return RateTable{
		PayerGender:       "male",
		EarnerGender:      "female",
		LowPopularityTier: "low",
		InfluencerBadge:   "influencer",
		Default: Plan{
			WordsPerToken:    11,
			Rate:             1,
			CreatorPercent:   65,
			PlatformPercent:  35,
			FreeMessageLimit: 3,
		},
	}
}

// LoadRateTable reads a YAML rate table. An empty path yields the defaults.
func LoadRateTable(path string) (RateTable, error) {
	if strings.TrimSpace(path) == "" {
		return DefaultRateTable(), nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return RateTable{}, fmt.Errorf("roles: read rate table: %w", err)
	}
	return ParseRateTable(raw)
}

// ParseRateTable decodes YAML over the defaults and validates every plan.
func ParseRateTable(raw []byte) (RateTable, error) {
	table := DefaultRateTable()
	if err := yaml.Unmarshal(raw, &table); err != nil {
		return RateTable{}, fmt.Errorf("roles: parse rate table: %w", err)
	}
	table.PayerGender = strings.ToLower(strings.TrimSpace(table.PayerGender))
	table.EarnerGender = strings.ToLower(strings.TrimSpace(table.EarnerGender))
	if table.PayerGender == "" || table.EarnerGender == "" || table.PayerGender == table.EarnerGender {
		return RateTable{}, fmt.Errorf("roles: rate table needs two distinct gender categories")
	}
	if err := table.Default.validate(); err != nil {
		return RateTable{}, fmt.Errorf("roles: default plan: %w", err)
	}
	tiers := make(map[string]Plan, len(table.Tiers))
	for tier, plan := range table.Tiers {
		if err := plan.validate(); err != nil {
			return RateTable{}, fmt.Errorf("roles: tier %q: %w", tier, err)
		}
		tiers[strings.ToLower(strings.TrimSpace(tier))] = plan
	}
	table.Tiers = tiers
	return table, nil
}

// PlanFor returns the tier plan, falling back to the default plan.
func (t RateTable) PlanFor(tier string) Plan {
	if plan, ok := t.Tiers[strings.ToLower(strings.TrimSpace(tier))]; ok {
		return plan
	}
	return t.Default
}

func (p Plan) validate() error {
	if p.WordsPerToken < 1 {
		return fmt.Errorf("words_per_token must be >= 1")
	}
	if p.Rate < 1 {
		return fmt.Errorf("rate must be >= 1")
	}
	if p.CreatorPercent < 0 || p.PlatformPercent < 0 || p.CreatorPercent+p.PlatformPercent != 100 {
		return fmt.Errorf("creator_percent + platform_percent must equal 100")
	}
	if p.FreeMessageLimit < 0 {
		return fmt.Errorf("free_message_limit must be >= 0")
	}
	return nil
}
