package domain

import (
	"time"
)

// LedgerReason classifies a ledger entry.
type LedgerReason string

const (
	ReasonUsage         LedgerReason = "usage"
	ReasonPurchase      LedgerReason = "purchase"
	ReasonRefund        LedgerReason = "refund"
	ReasonFreeTierGrant LedgerReason = "free_tier_grant"
)

// LedgerEntry is an immutable credit ledger record. Amounts are integer
// cents; debits are negative. BalanceAfterCents is the running total at the
// moment the entry was inserted, written in the same transaction so a
// duplicate idempotency key can return the original result.
type LedgerEntry struct {
	ID                string       `json:"id"`
	UserID            string       `json:"user_id"`
	AmountCents       int64        `json:"amount_cents"`
	Reason            LedgerReason `json:"reason"`
	IdempotencyKey    string       `json:"idempotency_key"`
	BalanceAfterCents int64        `json:"balance_after_cents"`
	CreatedAt         time.Time    `json:"created_at"`
}
