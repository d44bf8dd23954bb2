package model

import "time"

// Credit transaction types
const (
	CreditTxnUsage  = "usage"
	CreditTxnRefund = "refund"
	CreditTxnGrant  = "grant"
)

// CreditLedgerEntry is a grant of credits consumed soonest-to-expire first.
type CreditLedgerEntry struct {
	ID        int64      `json:"id"`
	UserID    int64      `json:"user_id"`
	Credits   int64      `json:"credits"`
	Remaining int64      `json:"remaining"`
	Source    string     `json:"source"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// CreditTransaction is an append-only audit row for credit movements.
type CreditTransaction struct {
	ID           int64     `json:"id"`
	UserID       int64     `json:"user_id"`
	Type         string    `json:"type"`
	Amount       int64     `json:"amount"`
	BalanceAfter int64     `json:"balance_after"`
	Description  string    `json:"description"`
	ReferenceID  string    `json:"reference_id"`
	CreatedAt    time.Time `json:"created_at"`
}
