package domain

import "time"

// ReasonCode classifies a credit transaction.
type ReasonCode string

const (
	ReasonFreeTestCredits    ReasonCode = "free-test-credits"
	ReasonBonus              ReasonCode = "bonus"
	ReasonReferralCommission ReasonCode = "referral-commission"
	ReasonAIEnrichment       ReasonCode = "ai-enrichment"
)

// Valid reports whether r is a known reason code.
func (r ReasonCode) Valid() bool {
	switch r {
	case ReasonFreeTestCredits, ReasonBonus, ReasonReferralCommission, ReasonAIEnrichment:
		return true
	default:
		return false
	}
}

// CreditAccount is the cached balance projection of a user's transaction log.
type CreditAccount struct {
	UserID    string    `db:"user_id"    json:"user_id"`
	Balance   int64     `db:"balance"    json:"balance"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// CreditTransaction is one append-only ledger entry. Amount is signed and never zero.
type CreditTransaction struct {
	ID             string     `db:"id"              json:"id"`
	UserID         string     `db:"user_id"         json:"user_id"`
	Amount         int64      `db:"amount"          json:"amount"`
	Reason         ReasonCode `db:"reason"          json:"reason"`
	Metadata       JSONBMap   `db:"metadata"        json:"metadata,omitempty"`
	IdempotencyKey *string    `db:"idempotency_key" json:"idempotency_key,omitempty"`
	BalanceAfter   int64      `db:"balance_after"   json:"balance_after"`
	CreatedAt      time.Time  `db:"created_at"      json:"created_at"`
}

// ModelSpend is the net ai-enrichment spend for one model.
type ModelSpend struct {
	Model        string `db:"model"        json:"model"`
	Credits      int64  `db:"credits"      json:"credits"`
	Transactions int    `db:"transactions" json:"transactions"`
}
