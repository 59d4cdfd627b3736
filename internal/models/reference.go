package models

import "time"

// PaymentReference maps an opaque checkout reference back to the manager
// that initiated the purchase. Written once at checkout time, read by the
// webhook and reconciliation paths, never mutated.
type PaymentReference struct {
	Reference           string    `json:"reference" db:"reference"`
	ManagerID           string    `json:"manager_id" db:"manager_id"`
	OrganizationID      string    `json:"organization_id,omitempty" db:"organization_id"`
	AmountExpectedMinor int64     `json:"amount_expected_minor" db:"amount_expected_minor"`
	CreatedAt           time.Time `json:"created_at" db:"created_at"`
	ExpiresAt           time.Time `json:"expires_at" db:"expires_at"`
}
