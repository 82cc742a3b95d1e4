// Package integrity applies a fixed table of billing rules to charges, splits and refunds.
package integrity

import (
	"fmt"
	"strings"

	"github.com/wolfman30/paychat-billing/internal/billing"
	"github.com/wolfman30/paychat-billing/internal/metering"
	"github.com/wolfman30/paychat-billing/pkg/logging"
)

// Action says what happens when a rule fails.
type Action string

const (
	ActionReject  Action = "reject"
	ActionCorrect Action = "correct"
)

// Rule names.
const (
	RulePayerNeverBilled      = "payer_never_billed"
	RuleFreeSessionZero       = "free_session_zero"
	RuleMediaMinimum          = "media_minimum"
	RuleCeilingMetering       = "ceiling_metering"
	RuleNonNegative           = "non_negative"
	RuleSplitSumsTo100        = "split_sums_to_100"
	RuleFeeFloor              = "fee_floor"
	RuleFeePlusEscrow         = "fee_plus_escrow_equals_amount"
	RulePositiveEscrow        = "positive_escrow"
	RuleRefundEqualsRemaining = "refund_equals_remaining"
	RulePlatformShareMismatch = "platform_share_only_on_mismatch"
	RuleFeeRefundMatches      = "fee_refund_matches"
)

// Actions is the fixed rule table.
var Actions = map[string]Action{
	RulePayerNeverBilled:      ActionCorrect,
	RuleFreeSessionZero:       ActionCorrect,
	RuleMediaMinimum:          ActionCorrect,
	RuleCeilingMetering:       ActionReject,
	RuleNonNegative:           ActionReject,
	RuleSplitSumsTo100:        ActionReject,
	RuleFeeFloor:              ActionReject,
	RuleFeePlusEscrow:         ActionReject,
	RulePositiveEscrow:        ActionReject,
	RuleRefundEqualsRemaining: ActionReject,
	RulePlatformShareMismatch: ActionReject,
	RuleFeeRefundMatches:      ActionReject,
}

// ViolationError lists rejected rules.
type ViolationError struct {
	SessionID string
	Rules     []string
}

func (e *ViolationError) Error() string {
	return fmt.Sprintf("integrity: session %s violated %s", e.SessionID, strings.Join(e.Rules, ", "))
}

func (e *ViolationError) Is(target error) bool { return target == billing.ErrIntegrityViolation }

// Recorder receives correction and rejection counts. Metrics implement it.
type Recorder interface {
	IntegrityCorrection(rule string)
	IntegrityRejection(rule string)
}

// Validator checks values before the ledger sees them.
type Validator struct {
	recorder Recorder
	logger   *logging.Logger
}

// NewValidator builds a validator. recorder may be nil.
func NewValidator(recorder Recorder, logger *logging.Logger) *Validator {
	if logger == nil {
		logger = logging.Default()
	}
	return &Validator{recorder: recorder, logger: logger}
}

// ChargeCheck is the input to CheckCharge.
type ChargeCheck struct {
	SenderID string
	Content  billing.Content
	Cost     int64
}

// CheckCharge validates a metered cost, returning the corrected cost and the corrections applied.
func (v *Validator) CheckCharge(s *billing.Session, in ChargeCheck) (int64, []string, error) {
	cost := in.Cost
	var corrected, rejected []string

	if cost < 0 {
		rejected = append(rejected, RuleNonNegative)
	}
	if s.Mode == billing.ModeFree && cost != 0 {
		cost = 0
		corrected = append(corrected, RuleFreeSessionZero)
	}
	if s.Mode == billing.ModePaid && in.SenderID == s.Roles.PayerID && cost != 0 {
		cost = 0
		corrected = append(corrected, RulePayerNeverBilled)
	}
	if s.Mode == billing.ModePaid && in.SenderID == s.Roles.MeteredID && cost >= 0 {
		want := metering.Scale(metering.Units(in.Content, s.Roles.WordsPerToken), s.Roles.Rate)
		minimum := metering.Scale(metering.MediaMinimumUnits, s.Roles.Rate)
		switch {
		case in.Content.Type == billing.ContentMedia && cost < minimum:
			cost = minimum
			corrected = append(corrected, RuleMediaMinimum)
		case cost != want:
			rejected = append(rejected, RuleCeilingMetering)
		}
	}

	if err := v.finish(s.ID, corrected, rejected); err != nil {
		return 0, corrected, err
	}
	return cost, corrected, nil
}

// CheckSplit validates a deposit split.
func (v *Validator) CheckSplit(s *billing.Session, amount, fee, escrow int64) error {
	var rejected []string
	if s.Roles.CreatorPercent+s.Roles.PlatformPercent != 100 {
		rejected = append(rejected, RuleSplitSumsTo100)
	}
	if fee != amount*s.Roles.PlatformPercent/100 {
		rejected = append(rejected, RuleFeeFloor)
	}
	if fee+escrow != amount {
		rejected = append(rejected, RuleFeePlusEscrow)
	}
	if escrow <= 0 {
		rejected = append(rejected, RulePositiveEscrow)
	}
	return v.finish(s.ID, nil, rejected)
}

// CheckRefund validates a refund against the escrow as it stood before the refund.
func (v *Validator) CheckRefund(s *billing.Session, before *billing.Escrow, rec billing.RefundRecord) error {
	var rejected []string
	var remaining, feeLeft int64
	if before != nil {
		remaining = before.RemainingTokens
		feeLeft = before.PlatformFeeTokens - before.PlatformFeeRefunded
	}
	if rec.EscrowTokens != remaining {
		rejected = append(rejected, RuleRefundEqualsRemaining)
	}
	mismatch := rec.Reason == billing.ReasonMismatch
	if rec.IncludesPlatformShare != mismatch || (!mismatch && rec.PlatformFeeTokens != 0) {
		rejected = append(rejected, RulePlatformShareMismatch)
	}
	if mismatch && rec.PlatformFeeTokens != feeLeft {
		rejected = append(rejected, RuleFeeRefundMatches)
	}
	if rec.RefundedTokens != rec.EscrowTokens+rec.PlatformFeeTokens {
		rejected = append(rejected, RuleFeeRefundMatches)
	}
	return v.finish(s.ID, nil, rejected)
}

func (v *Validator) finish(sessionID string, corrected, rejected []string) error {
	for _, rule := range corrected {
		v.logger.Warn("integrity correction applied", "session_id", sessionID, "rule", rule)
		if v.recorder != nil {
			v.recorder.IntegrityCorrection(rule)
		}
	}
	if len(rejected) == 0 {
		return nil
	}
	for _, rule := range rejected {
		if v.recorder != nil {
			v.recorder.IntegrityRejection(rule)
		}
	}
	v.logger.Error("integrity rule rejected", "session_id", sessionID, "rules", rejected)
	return &ViolationError{SessionID: sessionID, Rules: rejected}
}
