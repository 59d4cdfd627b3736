package services

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"

	"github.com/condoledger/backend/internal/config"
	"github.com/condoledger/backend/internal/models"
	"github.com/condoledger/backend/internal/provider"
)

// ReconcileService replays crediting for payments whose webhook never
// arrived or failed partway. It asks the provider for the transaction's
// authoritative status and then runs the exact same idempotent credit
// application as the webhook path, so a transaction is credited at most
// once no matter how it reaches us.
type ReconcileService struct {
	cfg       *config.BillingConfig
	provider  *provider.Client
	webhook   *WebhookService
	refs      *ReferenceService
	validator *ValidationHelper
}

func NewReconcileService(cfg *config.BillingConfig, providerClient *provider.Client, webhook *WebhookService, refs *ReferenceService) *ReconcileService {
	return &ReconcileService{
		cfg:       cfg,
		provider:  providerClient,
		webhook:   webhook,
		refs:      refs,
		validator: NewValidationHelper(),
	}
}

type reconcileRequest struct {
	ExternalTransactionID string `json:"externalTransactionId" validate:"required,max=128"`
}

// HandleReconcile replays the credit for a provider transaction.
// @Summary Reconcile a payment transaction
// @Description Operator-only: queries the provider for the transaction's true status and replays the idempotent credit
// @Tags billing
// @Accept json
// @Produce json
// @Param reconcile body reconcileRequest true "Transaction to reconcile"
// @Success 200 {object} map[string]interface{}
// @Failure 400 {object} map[string]string
// @Failure 404 {object} map[string]string
// @Failure 409 {object} map[string]string
// @Failure 502 {object} map[string]string
// @Router /billing/reconcile [post]
func (s *ReconcileService) HandleReconcile(w http.ResponseWriter, r *http.Request) {
	maxBytes := 1_048_576 // 1 MB
	r.Body = http.MaxBytesReader(w, r.Body, int64(maxBytes))

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	var req reconcileRequest
	if err := dec.Decode(&req); err != nil {
		SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		SendErrorResponse(w, "Request body must only contain a single JSON object", http.StatusBadRequest, nil)
		return
	}
	if err := s.validator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	tx, err := s.provider.GetTransaction(r.Context(), req.ExternalTransactionID)
	if err != nil {
		if errors.Is(err, provider.ErrTransactionNotFound) {
			SendErrorResponse(w, "Transaction not found at provider", http.StatusNotFound, nil)
			return
		}
		log.Printf("[RECONCILE] Provider lookup failed for %s: %v", req.ExternalTransactionID, err)
		SendErrorResponse(w, "Provider lookup failed", http.StatusBadGateway, nil)
		return
	}

	if tx.Status != models.TxStatusApproved {
		writeJSON(w, http.StatusConflict, map[string]any{
			"applied": false,
			"reason":  "not_approved",
			"status":  tx.Status,
		})
		return
	}

	reference, err := s.resolveTransactionReference(r.Context(), tx)
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]any{
			"applied": false,
			"reason":  "unresolvable_reference",
		})
		return
	}

	result, err := s.webhook.creditApproved(r.Context(), tx.ID, reference, tx.AmountInCents)
	if err != nil {
		switch {
		case errors.Is(err, ErrUnresolvableReference):
			writeJSON(w, http.StatusNotFound, map[string]any{"applied": false, "reason": "unresolvable_reference"})
		case errors.Is(err, ErrManagerNotFound):
			writeJSON(w, http.StatusNotFound, map[string]any{"applied": false, "reason": "unknown_manager"})
		case errors.Is(err, ErrConfigurationMissing):
			SendErrorResponse(w, "Billing configuration missing", http.StatusInternalServerError, nil)
		default:
			log.Printf("[RECONCILE] Credit failed for %s: %v", tx.ID, err)
			SendErrorResponse(w, "Failed to apply credit", http.StatusInternalServerError, nil)
		}
		return
	}

	response := map[string]any{
		"applied":    result.Applied,
		"managerId":  result.ManagerID,
		"newBalance": result.NewBalance,
	}
	if !result.Applied {
		response["reason"] = "already_processed"
	}

	log.Printf("[RECONCILE] Transaction %s reconciled, applied=%v, manager=%s", tx.ID, result.Applied, result.ManagerID)
	writeJSON(w, http.StatusOK, response)
}

// resolveTransactionReference finds the checkout reference for a provider
// transaction. The transaction usually echoes the reference directly; when
// the payment came through a hosted payment link, only the link id is
// present and the reference has to be pulled from the link itself.
func (s *ReconcileService) resolveTransactionReference(ctx context.Context, tx *models.ProviderTransaction) (string, error) {
	if tx.Reference != "" {
		if _, err := s.refs.ResolveReference(ctx, tx.Reference); err == nil {
			return tx.Reference, nil
		}
	}

	if tx.PaymentLinkID != "" {
		link, err := s.provider.GetPaymentLink(ctx, tx.PaymentLinkID)
		if err != nil {
			log.Printf("[RECONCILE] Payment link lookup failed for %s: %v", tx.PaymentLinkID, err)
			return "", ErrUnresolvableReference
		}
		if link.Reference != "" {
			if _, err := s.refs.ResolveReference(ctx, link.Reference); err == nil {
				return link.Reference, nil
			}
		}
	}

	return "", ErrUnresolvableReference
}
