package services

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"

	"github.com/condoledger/backend/internal/config"
	"github.com/condoledger/backend/internal/provider"
	"github.com/go-redis/redis/v8"
	"github.com/skip2/go-qrcode"
)

// CheckoutService issues hosted-checkout URLs. It writes the payment
// reference that the webhook later resolves, prices the purchase, and
// rate-limits issuance per manager so a stuck client cannot flood the
// provider with abandoned checkouts.
type CheckoutService struct {
	cfg       *config.BillingConfig
	redis     *redis.Client
	ledger    *CreditLedgerService
	refs      *ReferenceService
	pricing   *PricingService
	provider  *provider.Client
	validator *ValidationHelper
}

func NewCheckoutService(cfg *config.BillingConfig, redisClient *redis.Client, ledger *CreditLedgerService, refs *ReferenceService, pricing *PricingService, providerClient *provider.Client) *CheckoutService {
	return &CheckoutService{
		cfg:       cfg,
		redis:     redisClient,
		ledger:    ledger,
		refs:      refs,
		pricing:   pricing,
		provider:  providerClient,
		validator: NewValidationHelper(),
	}
}

type checkoutRequest struct {
	ManagerID           string `json:"managerId" validate:"omitempty,max=64"`
	CreditQuantity      int64  `json:"creditQuantity" validate:"required,gt=0,max=100000"`
	OrganizationContext string `json:"organizationContext" validate:"omitempty,max=64"`
}

// HandleCheckout issues a checkout URL for a credit purchase.
// @Summary Request a credit purchase checkout URL
// @Description Writes a payment reference and returns the provider's hosted payment page URL plus a QR code of it
// @Tags billing
// @Accept json
// @Produce json
// @Param checkout body checkoutRequest true "Purchase details"
// @Success 200 {object} map[string]interface{}
// @Failure 400 {object} map[string]string
// @Failure 403 {object} map[string]string
// @Failure 429 {object} map[string]string
// @Failure 500 {object} map[string]string
// @Router /billing/checkout [post]
func (s *CheckoutService) HandleCheckout(w http.ResponseWriter, r *http.Request) {
	managerKey, ok := r.Context().Value("userID").(string)
	if !ok || managerKey == "" {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	maxBytes := 1_048_576 // 1 MB
	r.Body = http.MaxBytesReader(w, r.Body, int64(maxBytes))

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	var req checkoutRequest
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

	// managerId in the body defaults to the session manager. A different
	// manager may only be targeted by an operator.
	targetKey := managerKey
	if req.ManagerID != "" {
		targetKey = req.ManagerID
	}

	managerID, err := s.ledger.ResolveManagerID(r.Context(), targetKey)
	if err == ErrManagerNotFound {
		SendErrorResponse(w, "Manager account not found", http.StatusNotFound, nil)
		return
	}
	if err != nil {
		SendErrorResponse(w, "Failed to resolve account", http.StatusInternalServerError, nil)
		return
	}

	if req.ManagerID != "" && req.ManagerID != managerKey {
		if role, _ := r.Context().Value("role").(string); role != "operator" {
			// The body key and the session key may still be the two
			// aliases of one account; compare canonical ids.
			sessionID, err := s.ledger.ResolveManagerID(r.Context(), managerKey)
			if err != nil || sessionID != managerID {
				SendErrorResponse(w, "Cannot issue a checkout for another manager", http.StatusForbidden, nil)
				return
			}
		}
	}

	if err := s.checkRateLimit(r.Context(), managerID); err != nil {
		if errors.Is(err, ErrRateLimited) {
			SendErrorResponse(w, "Too many checkout requests, try again later", http.StatusTooManyRequests, nil)
			return
		}
		SendErrorResponse(w, "Failed to process request", http.StatusInternalServerError, nil)
		return
	}

	unitPrice, err := s.pricing.UnitPriceMinor(r.Context())
	if err != nil {
		log.Printf("[CHECKOUT] Unit price unavailable: %v", err)
		SendErrorResponse(w, "Billing configuration missing", http.StatusInternalServerError, nil)
		return
	}

	totalPriceMinor := unitPrice * req.CreditQuantity

	reference, err := s.refs.CreateReference(r.Context(), managerID, req.OrganizationContext, totalPriceMinor)
	if err != nil {
		log.Printf("[CHECKOUT] Failed to create reference for %s: %v", managerID, err)
		SendErrorResponse(w, "Failed to create checkout", http.StatusInternalServerError, nil)
		return
	}

	s.incrementRateLimit(r.Context(), managerID)

	checkoutURL := s.provider.CheckoutURL(reference, totalPriceMinor, s.cfg.Currency)

	// QR of the payment URL so the manager can hand payment to whoever
	// holds the organization's card.
	var qrImage string
	if png, err := qrcode.Encode(checkoutURL, qrcode.Medium, 256); err == nil {
		qrImage = base64.StdEncoding.EncodeToString(png)
	} else {
		log.Printf("[CHECKOUT] QR generation failed: %v", err)
	}

	log.Printf("[CHECKOUT] Issued reference %s for manager %s, %d credits, total %d", reference, managerID, req.CreditQuantity, totalPriceMinor)

	writeJSON(w, http.StatusOK, map[string]any{
		"url":             checkoutURL,
		"totalPriceMinor": totalPriceMinor,
		"reference":       reference,
		"qrPng":           qrImage,
	})
}

func (s *CheckoutService) checkRateLimit(ctx context.Context, managerID string) error {
	if s.redis == nil {
		return nil
	}
	key := fmt.Sprintf("billing:checkout_rate:%s", managerID)
	count, err := s.redis.Get(ctx, key).Int()
	if err != nil && err != redis.Nil {
		return err
	}
	if count >= s.cfg.CheckoutMaxPerWindow {
		return ErrRateLimited
	}
	return nil
}

func (s *CheckoutService) incrementRateLimit(ctx context.Context, managerID string) {
	if s.redis == nil {
		return
	}
	key := fmt.Sprintf("billing:checkout_rate:%s", managerID)
	pipe := s.redis.Pipeline()
	pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, s.cfg.RateLimitWindow)
	pipe.Exec(ctx)
}
