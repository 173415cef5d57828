package state

import (
	"errors"
	"fmt"
	"hash/fnv"
	"strconv"
	"time"

	"github.com/cloudwego/eino/schema"
)

type KYCStatus string

const (
	KYCNotVerified KYCStatus = "not_verified"
	KYCVerified    KYCStatus = "verified"
	KYCFailed      KYCStatus = "failed"
)

type UnderwritingStatus string

const (
	UnderwritingPending  UnderwritingStatus = "pending"
	UnderwritingApproved UnderwritingStatus = "approved"
	UnderwritingRejected UnderwritingStatus = "rejected"
)

var (
	ErrMessagesShrank  = errors.New("message history must not shrink")
	ErrTermsIncomplete = errors.New("approved application requires complete final terms")
)

// FinalTerms is the risk-adjusted offer set atomically when underwriting
// approves. Never partially populated.
type FinalTerms struct {
	Rate         float64 `json:"rate"`
	TenureMonths int     `json:"tenure_months"`
	EMI          int64   `json:"emi"`
	RiskCategory string  `json:"risk_category"`
}

// Conversation is the accumulated record of one customer's loan application
// thread. Messages is the append-only replay log driving the planner; all
// other mutable facts are written exclusively by the tool dispatch step.
type Conversation struct {
	CustomerID    string            `json:"customer_id"`
	ApplicationID int64             `json:"application_id"`
	Messages      []*schema.Message `json:"messages"`

	OfferLimit            int64     `json:"offer_limit"`
	OfferRate             float64   `json:"offer_rate"`
	RequestedAmount       int64     `json:"requested_amount"`
	DeclaredMonthlySalary int64     `json:"declared_monthly_salary"`
	KYCStatus             KYCStatus `json:"kyc_status"`
	BankStatementScore    *int      `json:"bank_statement_score,omitempty"`

	UnderwritingStatus UnderwritingStatus `json:"underwriting_status"`
	FinalTerms         *FinalTerms        `json:"final_terms,omitempty"`
	DecisionReason     string             `json:"decision_reason,omitempty"`

	UpdatedAt time.Time `json:"updated_at"`
}

func NewConversation(customerID string, now time.Time) *Conversation {
	return &Conversation{
		CustomerID:         customerID,
		ApplicationID:      DeriveApplicationID(customerID),
		KYCStatus:          KYCNotVerified,
		UnderwritingStatus: UnderwritingPending,
		UpdatedAt:          now.UTC(),
	}
}

// DeriveApplicationID maps a customer id onto a stable numeric application
// id: numeric ids pass through, everything else hashes into [0, 1e6).
func DeriveApplicationID(customerID string) int64 {
	if n, err := strconv.ParseInt(customerID, 10, 64); err == nil && n >= 0 {
		return n
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(customerID))
	return int64(h.Sum32() % 1_000_000)
}

func (c *Conversation) Touch(now time.Time) {
	c.UpdatedAt = now.UTC()
}

// Append adds messages to the history. Appending is the only permitted
// history mutation.
func (c *Conversation) Append(msgs ...*schema.Message) {
	for _, m := range msgs {
		if m == nil {
			continue
		}
		c.Messages = append(c.Messages, m)
	}
}

// Decided reports whether underwriting reached a terminal status.
func (c *Conversation) Decided() bool {
	return c.UnderwritingStatus == UnderwritingApproved || c.UnderwritingStatus == UnderwritingRejected
}

func (c *Conversation) ApplyOffer(limit int64, rate float64) {
	c.OfferLimit = limit
	c.OfferRate = rate
}

func (c *Conversation) ApplyKYC(status KYCStatus) {
	switch status {
	case KYCVerified, KYCFailed:
		c.KYCStatus = status
	default:
		c.KYCStatus = KYCNotVerified
	}
}

func (c *Conversation) ApplyBankStatementScore(score int) {
	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}
	c.BankStatementScore = &score
}

// UnderwritingOutcome is the consumed portion of the underwriting tool
// result. Terms must be non-nil exactly when Status is approved.
type UnderwritingOutcome struct {
	Status UnderwritingStatus
	Terms  *FinalTerms
	Reason string
}

// ApplyUnderwriting records a terminal underwriting decision. The final-terms
// group is written atomically with the approved status; a rejection clears
// it. Each call is an explicit (re-)run by the planner and overwrites the
// previous terminal result; callers enforce at-most-one terminal mutation per
// dispatch batch.
func (c *Conversation) ApplyUnderwriting(out UnderwritingOutcome) error {
	switch out.Status {
	case UnderwritingApproved:
		if out.Terms == nil || out.Terms.TenureMonths <= 0 || out.Terms.Rate <= 0 {
			return ErrTermsIncomplete
		}
		terms := *out.Terms
		c.UnderwritingStatus = UnderwritingApproved
		c.FinalTerms = &terms
		c.DecisionReason = out.Reason
	case UnderwritingRejected:
		c.UnderwritingStatus = UnderwritingRejected
		c.FinalTerms = nil
		c.DecisionReason = out.Reason
	default:
		return fmt.Errorf("non-terminal underwriting status %q", out.Status)
	}
	return nil
}

// Validate checks the conversation invariants before persisting.
func (c *Conversation) Validate() error {
	if c.CustomerID == "" {
		return errors.New("customer id is empty")
	}
	if c.UnderwritingStatus == UnderwritingApproved {
		if c.FinalTerms == nil || c.FinalTerms.TenureMonths <= 0 || c.FinalTerms.Rate <= 0 {
			return ErrTermsIncomplete
		}
	}
	if c.UnderwritingStatus != UnderwritingApproved && c.FinalTerms != nil {
		return errors.New("final terms present without approval")
	}
	if c.BankStatementScore != nil && (*c.BankStatementScore < 0 || *c.BankStatementScore > 100) {
		return errors.New("bank statement score out of range")
	}
	return nil
}

// Clone deep-copies the conversation so stores can hand out records without
// aliasing the caller's messages slice.
func (c *Conversation) Clone() *Conversation {
	if c == nil {
		return nil
	}
	cp := *c
	cp.Messages = make([]*schema.Message, len(c.Messages))
	copy(cp.Messages, c.Messages)
	if c.BankStatementScore != nil {
		score := *c.BankStatementScore
		cp.BankStatementScore = &score
	}
	if c.FinalTerms != nil {
		terms := *c.FinalTerms
		cp.FinalTerms = &terms
	}
	return &cp
}
