package services

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"

	"github.com/condoledger/backend/internal/audit"
	"github.com/condoledger/backend/internal/config"
	"github.com/condoledger/backend/internal/models"
	"github.com/condoledger/backend/internal/provider"
)

// WebhookService receives the payment provider's asynchronous transaction
// notifications and turns approved payments into credits. Signature
// verification is the authentication mechanism for this endpoint; once a
// payload verifies, the response is HTTP 200 for every business outcome
// retries cannot fix, so the provider stops redelivering.
type WebhookService struct {
	cfg     *config.BillingConfig
	ledger  *CreditLedgerService
	refs    *ReferenceService
	pricing *PricingService
	audit   *audit.Logger
}

func NewWebhookService(cfg *config.BillingConfig, ledger *CreditLedgerService, refs *ReferenceService, pricing *PricingService) *WebhookService {
	return &WebhookService{
		cfg:     cfg,
		ledger:  ledger,
		refs:    refs,
		pricing: pricing,
		audit:   audit.NewLogger(),
	}
}

// HandlePaymentEvent processes the provider webhook.
// @Summary Payment provider webhook
// @Description Receives transaction.updated events and credits the purchasing manager, idempotently
// @Tags billing
// @Accept json
// @Produce json
// @Success 200 {object} map[string]interface{}
// @Failure 400 {object} map[string]string
// @Failure 401 {object} map[string]string
// @Failure 500 {object} map[string]string
// @Router /payments/webhook [post]
func (s *WebhookService) HandlePaymentEvent(w http.ResponseWriter, r *http.Request) {
	maxBytes := 1_048_576 // 1 MB
	r.Body = http.MaxBytesReader(w, r.Body, int64(maxBytes))

	body, err := io.ReadAll(r.Body)
	if err != nil {
		SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return
	}

	var event paymentEventEnvelope
	if err := json.Unmarshal(body, &event.typed); err != nil {
		log.Printf("[WEBHOOK] Malformed payload: %v", err)
		SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return
	}
	// The signature covers provider-chosen field paths, so the raw data
	// object is kept alongside the typed view.
	if err := json.Unmarshal(body, &event.raw); err != nil {
		SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return
	}

	// Other event types are acknowledged, never treated as errors.
	if event.typed.Event != models.EventTransactionUpdated {
		log.Printf("[WEBHOOK] Ignoring event type %q", event.typed.Event)
		writeJSON(w, http.StatusOK, map[string]any{"ignored": true})
		return
	}

	if s.cfg.WebhookSecret == "" {
		log.Printf("[WEBHOOK] BILLING_WEBHOOK_SECRET is not configured")
		SendErrorResponse(w, "Webhook not configured", http.StatusInternalServerError, nil)
		return
	}

	if !provider.VerifyEventSignature(event.raw.Data, event.typed.Signature, s.cfg.WebhookSecret) {
		log.Printf("[WEBHOOK] Signature verification failed for tx %q", event.typed.Data.Transaction.ID)
		SendErrorResponse(w, "Invalid signature", http.StatusUnauthorized, nil)
		return
	}

	s.processVerifiedEvent(w, r.Context(), event)
}

func (s *WebhookService) processVerifiedEvent(w http.ResponseWriter, ctx context.Context, event paymentEventEnvelope) {
	tx := event.typed.Data.Transaction

	if tx.Status != models.TxStatusApproved {
		// Keep the raw status visible for dispute handling, then
		// acknowledge: the provider cannot fix a declined payment by
		// retrying.
		managerID := s.tryResolveManager(ctx, tx.Reference)
		if managerID == "" {
			log.Printf("[WEBHOOK] Non-approved tx %s (%s) with unresolvable reference %q", tx.ID, tx.Status, tx.Reference)
		}
		if err := s.ledger.RecordUnappliedEvent(ctx, managerID, tx.ID, tx.AmountInCents, tx.Status, "non-approved transaction"); err != nil {
			log.Printf("[WEBHOOK] Failed to record non-approved event %s: %v", tx.ID, err)
		}
		writeJSON(w, http.StatusOK, map[string]any{"applied": false, "status": tx.Status})
		return
	}

	result, err := s.creditApproved(ctx, tx.ID, tx.Reference, tx.AmountInCents)
	if err != nil {
		switch {
		case errors.Is(err, ErrUnresolvableReference), errors.Is(err, ErrManagerNotFound):
			// Data-integrity problem: surface it so an operator
			// investigates, but keep the triage trail.
			if recErr := s.ledger.RecordUnappliedEvent(ctx, "", tx.ID, tx.AmountInCents, tx.Status, "unresolvable reference "+tx.Reference); recErr != nil {
				log.Printf("[WEBHOOK] Failed to record unresolvable event %s: %v", tx.ID, recErr)
			}
			SendErrorResponse(w, "Unresolvable payment reference", http.StatusBadRequest, nil)
		case errors.Is(err, ErrConfigurationMissing):
			SendErrorResponse(w, "Billing configuration missing", http.StatusInternalServerError, nil)
		default:
			// Transient storage failure: a 500 makes the provider
			// retry, and idempotency makes the retry safe.
			log.Printf("[WEBHOOK] Credit failed for tx %s: %v", tx.ID, err)
			s.audit.LogError("", tx.ID, err)
			SendErrorResponse(w, "Failed to process payment", http.StatusInternalServerError, nil)
		}
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"applied":    result.Applied,
		"managerId":  result.ManagerID,
		"newBalance": result.NewBalance,
	})
}

// creditApproved is the shared idempotent credit application: resolve the
// reference, quantize the paid amount into credits, apply. The
// reconciliation path calls the same function so both arrival paths share
// one invariant.
func (s *WebhookService) creditApproved(ctx context.Context, externalTxID, reference string, amountMinor int64) (*CreditResult, error) {
	ref, err := s.refs.ResolveReference(ctx, reference)
	if err != nil {
		return nil, err
	}

	managerID, err := s.ledger.ResolveManagerID(ctx, ref.ManagerID)
	if err != nil {
		return nil, err
	}

	if processed, err := s.ledger.HasProcessed(ctx, externalTxID); err != nil {
		return nil, err
	} else if processed {
		balance, err := s.ledger.GetBalance(ctx, managerID)
		if err != nil {
			return nil, err
		}
		return &CreditResult{Applied: false, ManagerID: managerID, NewBalance: balance}, nil
	}

	unitPrice, err := s.pricing.UnitPriceMinor(ctx)
	if err != nil {
		return nil, err
	}

	credits := amountMinor / unitPrice
	if credits < 1 {
		if err := s.ledger.RecordUnappliedEvent(ctx, managerID, externalTxID, amountMinor, models.TxStatusApproved, "amount below one credit"); err != nil {
			return nil, err
		}
		balance, err := s.ledger.GetBalance(ctx, managerID)
		if err != nil {
			return nil, err
		}
		return &CreditResult{Applied: false, ManagerID: managerID, NewBalance: balance}, nil
	}

	metadata := map[string]any{
		"reference":        reference,
		"amount_minor":     amountMinor,
		"unit_price_minor": unitPrice,
	}
	if ref.OrganizationID != "" {
		metadata["organization_id"] = ref.OrganizationID
	}

	return s.ledger.CreditPurchase(ctx, managerID, credits, externalTxID, metadata)
}

func (s *WebhookService) tryResolveManager(ctx context.Context, reference string) string {
	ref, err := s.refs.ResolveReference(ctx, reference)
	if err != nil {
		return ""
	}
	managerID, err := s.ledger.ResolveManagerID(ctx, ref.ManagerID)
	if err != nil {
		return ""
	}
	return managerID
}

type paymentEventEnvelope struct {
	typed models.PaymentEvent
	raw   struct {
		Data map[string]any `json:"data"`
	}
}
