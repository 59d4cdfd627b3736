package models

// Provider transaction statuses as delivered on webhook events.
const (
	TxStatusApproved = "APPROVED"
	TxStatusDeclined = "DECLINED"
	TxStatusPending  = "PENDING"
	TxStatusVoided   = "VOIDED"
	TxStatusError    = "ERROR"
)

// EventTransactionUpdated is the only webhook event type that carries a
// payment result. Everything else is acknowledged and ignored.
const EventTransactionUpdated = "transaction.updated"

// PaymentEvent is the payment provider's webhook payload.
// @Description Asynchronous payment notification from the provider
type PaymentEvent struct {
	Event     string           `json:"event"`
	Data      PaymentEventData `json:"data"`
	Signature EventSignature   `json:"signature"`
	SentAt    string           `json:"sent_at,omitempty"`
}

type PaymentEventData struct {
	Transaction ProviderTransaction `json:"transaction"`
}

// ProviderTransaction mirrors the provider's transaction object, both on
// webhook events and on direct REST lookups.
type ProviderTransaction struct {
	ID            string `json:"id"`
	Reference     string `json:"reference"`
	Status        string `json:"status"`
	AmountInCents int64  `json:"amount_in_cents"`
	Currency      string `json:"currency"`
	PaymentLinkID string `json:"payment_link_id,omitempty"`
}

// EventSignature authenticates a webhook payload. Properties is the
// provider-supplied, ordered list of dotted field paths covered by the
// checksum.
type EventSignature struct {
	Properties []string `json:"properties"`
	Timestamp  int64    `json:"timestamp"`
	Checksum   string   `json:"checksum"`
}
