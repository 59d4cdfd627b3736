package models

import (
	"time"
)

// OperationType classifies a ledger entry.
type OperationType string

const (
	OpPurchaseCredit    OperationType = "purchase-credit"
	OpActivationDebit   OperationType = "activation-debit"
	OpNotificationDebit OperationType = "notification-debit"
	OpReopenDebit       OperationType = "reopen-debit"
	OpOther             OperationType = "other"
)

// ManagerAccount holds the prepaid credit balance for an account manager.
// LegacyUserID is a migration leftover; lookups accept either key but every
// write targets ManagerID.
type ManagerAccount struct {
	ManagerID    string    `json:"manager_id" db:"manager_id"`
	LegacyUserID string    `json:"legacy_user_id,omitempty" db:"legacy_user_id"`
	Balance      int64     `json:"balance" db:"balance"` // credits, never negative
	UpdatedAt    time.Time `json:"updated_at" db:"updated_at"`
}

// LedgerEntry is the append-only audit record of a ledger operation.
// Amount is signed by direction (credits positive, debits negative).
type LedgerEntry struct {
	ID                    int            `json:"id" db:"id"`
	ManagerID             string         `json:"manager_id" db:"manager_id"`
	OperationType         OperationType  `json:"operation_type" db:"operation_type"`
	Amount                int64          `json:"amount" db:"amount"`
	ResultingBalance      int64          `json:"resulting_balance" db:"resulting_balance"`
	AssemblyID            string         `json:"assembly_id,omitempty" db:"assembly_id"`
	OrganizationID        string         `json:"organization_id,omitempty" db:"organization_id"`
	ExternalTransactionID string         `json:"external_transaction_id,omitempty" db:"external_transaction_id"`
	Metadata              map[string]any `json:"metadata,omitempty" db:"metadata"`
	CreatedAt             time.Time      `json:"created_at" db:"created_at"`
}
