package billing

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Mode decides whether a session is metered at all.
type Mode string

const (
	ModeFree Mode = "FREE"
	ModePaid Mode = "PAID"
)

// State is the lifecycle position of a session.
type State string

const (
	StateFreeActive      State = "FREE_ACTIVE"
	StateAwaitingPrepaid State = "AWAITING_PREPAID"
	StatePaidActive      State = "PAID_ACTIVE"
	StateExpired         State = "EXPIRED"
	StateClosed          State = "CLOSED"
)

// IsTerminal reports whether the state accepts no further mutations.
func (s State) IsTerminal() bool {
	return s == StateExpired || s == StateClosed
}

// ContentType distinguishes text from media payloads.
type ContentType string

const (
	ContentText  ContentType = "TEXT"
	ContentMedia ContentType = "MEDIA"
)

// RefundReason records why a session was terminated.
type RefundReason string

const (
	ReasonManualClose RefundReason = "MANUAL_CLOSE"
	ReasonExpired     RefundReason = "EXPIRED"
	ReasonMismatch    RefundReason = "MISMATCH"
	ReasonNoResponse  RefundReason = "NO_RESPONSE"
)

// Roles is the immutable billing assignment computed once per session.
type Roles struct {
	PayerID          string `json:"payer_id,omitempty"`
	EarnerID         string `json:"earner_id,omitempty"`
	MeteredID        string `json:"metered_id,omitempty"`
	Rate             int64  `json:"rate"`
	WordsPerToken    int64  `json:"words_per_token"`
	CreatorPercent   int64  `json:"creator_percent"`
	PlatformPercent  int64  `json:"platform_percent"`
	FreeMessageLimit int    `json:"free_message_limit"`
	Rule             string `json:"rule"`
}

// Escrow holds the prepaid balance of a paid session.
// RemainingTokens is authoritative; RemainingWords is derived from it.
type Escrow struct {
	GrossDepositedTokens int64     `json:"gross_deposited_tokens"`
	PlatformFeeTokens    int64     `json:"platform_fee_tokens"`
	TotalDepositedTokens int64     `json:"total_deposited_tokens"`
	RemainingTokens      int64     `json:"remaining_tokens"`
	RemainingWords       int64     `json:"remaining_words"`
	UsedWordsThisSession int64     `json:"used_words_this_session"`
	DebitedTokens        int64     `json:"debited_tokens"`
	RefundedTokens       int64     `json:"refunded_tokens"`
	PlatformFeeRefunded  int64     `json:"platform_fee_refunded"`
	DepositedAt          time.Time `json:"deposited_at"`
}

// Session is the single aggregate mutated by the billing service.
type Session struct {
	ID                 string         `json:"id"`
	ParticipantA       string         `json:"participant_a"`
	ParticipantB       string         `json:"participant_b"`
	InitiatorID        string         `json:"initiator_id"`
	Roles              Roles          `json:"roles"`
	Mode               Mode           `json:"mode"`
	State              State          `json:"state"`
	FreeMessagesUsed   map[string]int `json:"free_messages_used"`
	Escrow             *Escrow        `json:"escrow,omitempty"`
	CreatedAt          time.Time      `json:"created_at"`
	LastActivityAt     time.Time      `json:"last_activity_at"`
	FirstPaidMessageAt *time.Time     `json:"first_paid_message_at,omitempty"`
	ExpiresAt          *time.Time     `json:"expires_at,omitempty"`
	ClosedAt           *time.Time     `json:"closed_at,omitempty"`
	Halted             bool           `json:"halted"`
	Version            int64          `json:"version"`
}

// SortedPair orders two participant ids so a pair maps to one key.
func SortedPair(a, b string) (string, string) {
	pair := []string{a, b}
	sort.Strings(pair)
	return pair[0], pair[1]
}

// PairKey is a stable identifier for an unordered participant pair.
func PairKey(a, b string) string {
	x, y := SortedPair(a, b)
	return strings.Join([]string{x, y}, ":")
}

// IsParticipant reports whether userID is one of the two participants.
func (s *Session) IsParticipant(userID string) bool {
	return userID != "" && (userID == s.ParticipantA || userID == s.ParticipantB)
}

// Counterpart returns the other participant, or "" if userID is not in the session.
func (s *Session) Counterpart(userID string) string {
	switch userID {
	case s.ParticipantA:
		return s.ParticipantB
	case s.ParticipantB:
		return s.ParticipantA
	}
	return ""
}

// FreeRemaining returns how many free messages userID may still send.
func (s *Session) FreeRemaining(userID string) int {
	left := s.Roles.FreeMessageLimit - s.FreeMessagesUsed[userID]
	if left < 0 {
		return 0
	}
	return left
}

// Clone returns a deep copy so stores never share mutable state with callers.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	cp := *s
	cp.FreeMessagesUsed = make(map[string]int, len(s.FreeMessagesUsed))
	for k, v := range s.FreeMessagesUsed {
		cp.FreeMessagesUsed[k] = v
	}
	if s.Escrow != nil {
		e := *s.Escrow
		cp.Escrow = &e
	}
	cp.FirstPaidMessageAt = cloneTime(s.FirstPaidMessageAt)
	cp.ExpiresAt = cloneTime(s.ExpiresAt)
	cp.ClosedAt = cloneTime(s.ClosedAt)
	return &cp
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// Content is an outgoing message payload as seen by metering.
type Content struct {
	Type      ContentType `json:"type"`
	Text      string      `json:"text,omitempty"`
	WordCount int64       `json:"word_count"`
	MediaRef  string      `json:"media_ref,omitempty"`
}

// MaxMediaWords bounds the word count a media message may declare.
const MaxMediaWords = 10_000

// Words counts whitespace separated fields of Text. Only media may declare its
// own count, for bodies such as voice transcripts that carry no text here.
func (c Content) Words() int64 {
	if c.Type == ContentMedia && c.WordCount > 0 {
		return c.WordCount
	}
	return int64(len(strings.Fields(c.Text)))
}

// Validate rejects unknown content types and out of range media word counts.
// A declared count on text is ignored rather than rejected.
func (c Content) Validate() error {
	switch c.Type {
	case ContentText:
	case ContentMedia:
		if c.WordCount < 0 || c.WordCount > MaxMediaWords {
			return fmt.Errorf("%w: media word_count %d outside 0..%d", ErrUnsupportedContent, c.WordCount, MaxMediaWords)
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedContent, c.Type)
	}
	return nil
}

// Message is an immutable record of a delivered message.
type Message struct {
	ID          string      `json:"id"`
	SessionID   string      `json:"session_id"`
	SenderID    string      `json:"sender_id"`
	ReceiverID  string      `json:"receiver_id"`
	ContentType ContentType `json:"content_type"`
	WordCount   int64       `json:"word_count"`
	ContentHash string      `json:"content_hash"`
	TokenCost   int64       `json:"token_cost"`
	Free        bool        `json:"free"`
	CreatedAt   time.Time   `json:"created_at"`
}

// RefundRecord is written once per terminated session, even when nothing is returned.
type RefundRecord struct {
	ID                    string       `json:"id"`
	SessionID             string       `json:"session_id"`
	PayerID               string       `json:"payer_id,omitempty"`
	RefundedTokens        int64        `json:"refunded_tokens"`
	EscrowTokens          int64        `json:"escrow_tokens"`
	PlatformFeeTokens     int64        `json:"platform_fee_tokens"`
	Reason                RefundReason `json:"reason"`
	IncludesPlatformShare bool         `json:"includes_platform_share"`
	CreatedAt             time.Time    `json:"created_at"`
}

// EntryKind classifies a ledger journal row.
type EntryKind string

const (
	EntryDeposit           EntryKind = "deposit"
	EntryPlatformFee       EntryKind = "platform_fee"
	EntryDebit             EntryKind = "debit"
	EntryRefund            EntryKind = "refund"
	EntryPlatformFeeRefund EntryKind = "platform_fee_refund"
)

// PlatformAccount is the account id used for platform revenue rows.
const PlatformAccount = "platform"

// LedgerEntry is one value movement, journaled with the session commit.
type LedgerEntry struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Kind      EntryKind `json:"kind"`
	AccountID string    `json:"account_id"`
	Tokens    int64     `json:"tokens"`
	Reference string    `json:"reference,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}
