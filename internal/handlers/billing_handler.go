package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"

	"github.com/condoledger/backend/internal/services"
	"github.com/go-chi/chi/v5"
)

// BillingHandler exposes the billable assembly actions and the read-only
// balance/ledger views. Every debit failure with insufficient balance is a
// user-facing top-up condition, returned as 402, never logged as an error.
type BillingHandler struct {
	billing *services.AssemblyBillingService
	ledger  *services.CreditLedgerService
}

func NewBillingHandler(billing *services.AssemblyBillingService, ledger *services.CreditLedgerService) *BillingHandler {
	return &BillingHandler{billing: billing, ledger: ledger}
}

// ActivateAssembly charges and activates an assembly.
// @Summary Activate an assembly
// @Description Debits one credit per residential unit and activates the assembly
// @Tags assemblies
// @Produce json
// @Param assemblyId path string true "Assembly ID"
// @Success 200 {object} map[string]interface{}
// @Failure 402 {object} map[string]interface{}
// @Failure 404 {object} map[string]string
// @Router /assemblies/{assemblyId}/activate [post]
func (h *BillingHandler) ActivateAssembly(w http.ResponseWriter, r *http.Request) {
	managerKey, ok := r.Context().Value("userID").(string)
	if !ok || managerKey == "" {
		services.SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}
	assemblyID := chi.URLParam(r, "assemblyId")

	result, cost, err := h.billing.ActivateAssembly(r.Context(), managerKey, assemblyID)
	h.respondDebit(w, result, cost, err)
}

// ReopenAssembly charges and reopens a closed assembly.
// @Summary Reopen a closed assembly
// @Description Debits 10%% of the original activation cost (minimum 1 credit) and reopens the assembly
// @Tags assemblies
// @Produce json
// @Param assemblyId path string true "Assembly ID"
// @Success 200 {object} map[string]interface{}
// @Failure 402 {object} map[string]interface{}
// @Failure 404 {object} map[string]string
// @Router /assemblies/{assemblyId}/reopen [post]
func (h *BillingHandler) ReopenAssembly(w http.ResponseWriter, r *http.Request) {
	managerKey, ok := r.Context().Value("userID").(string)
	if !ok || managerKey == "" {
		services.SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}
	assemblyID := chi.URLParam(r, "assemblyId")

	result, cost, err := h.billing.ReopenAssembly(r.Context(), managerKey, assemblyID)
	h.respondDebit(w, result, cost, err)
}

// ChargeNotifications charges a bulk notification send.
// @Summary Charge a bulk notification send
// @Description Debits the configured multiplier per outbound message; the caller sends only after the debit succeeds
// @Tags assemblies
// @Accept json
// @Produce json
// @Param assemblyId path string true "Assembly ID"
// @Param request body object{messageCount=int} true "Send details"
// @Success 200 {object} map[string]interface{}
// @Failure 402 {object} map[string]interface{}
// @Router /assemblies/{assemblyId}/notifications [post]
func (h *BillingHandler) ChargeNotifications(w http.ResponseWriter, r *http.Request) {
	managerKey, ok := r.Context().Value("userID").(string)
	if !ok || managerKey == "" {
		services.SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}
	assemblyID := chi.URLParam(r, "assemblyId")

	maxBytes := 1_048_576 // 1 MB
	r.Body = http.MaxBytesReader(w, r.Body, int64(maxBytes))

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	var req struct {
		MessageCount int64 `json:"messageCount"`
	}
	if err := dec.Decode(&req); err != nil {
		services.SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		services.SendErrorResponse(w, "Request body must only contain a single JSON object", http.StatusBadRequest, nil)
		return
	}
	if req.MessageCount <= 0 || req.MessageCount > 100000 {
		services.SendErrorResponse(w, "messageCount must be between 1 and 100000", http.StatusBadRequest, nil)
		return
	}

	result, cost, err := h.billing.ChargeNotifications(r.Context(), managerKey, assemblyID, req.MessageCount)
	h.respondDebit(w, result, cost, err)
}

// ChargeMinutesDelivery charges the one-time minutes print/delivery action.
// @Summary Charge minutes delivery
// @Description Debits one credit per residential unit for printing and delivering the assembly minutes
// @Tags assemblies
// @Produce json
// @Param assemblyId path string true "Assembly ID"
// @Success 200 {object} map[string]interface{}
// @Failure 402 {object} map[string]interface{}
// @Router /assemblies/{assemblyId}/minutes [post]
func (h *BillingHandler) ChargeMinutesDelivery(w http.ResponseWriter, r *http.Request) {
	managerKey, ok := r.Context().Value("userID").(string)
	if !ok || managerKey == "" {
		services.SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}
	assemblyID := chi.URLParam(r, "assemblyId")

	result, cost, err := h.billing.ChargeMinutesDelivery(r.Context(), managerKey, assemblyID)
	h.respondDebit(w, result, cost, err)
}

// GetBalance returns the manager's current credit balance.
// @Summary Get credit balance
// @Tags billing
// @Produce json
// @Success 200 {object} map[string]interface{}
// @Router /billing/balance [get]
func (h *BillingHandler) GetBalance(w http.ResponseWriter, r *http.Request) {
	managerKey, ok := r.Context().Value("userID").(string)
	if !ok || managerKey == "" {
		services.SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	managerID, err := h.ledger.ResolveManagerID(r.Context(), managerKey)
	if err != nil {
		h.respondResolveError(w, err)
		return
	}

	balance, err := h.ledger.GetBalance(r.Context(), managerID)
	if err != nil {
		services.SendErrorResponse(w, "Failed to fetch balance", http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"managerId": managerID, "balance": balance})
}

// ListLedger returns the manager's recent ledger entries.
// @Summary List ledger entries
// @Tags billing
// @Produce json
// @Param limit query int false "Number of entries to return (default: 50, max: 200)"
// @Success 200 {object} map[string]interface{}
// @Router /billing/ledger [get]
func (h *BillingHandler) ListLedger(w http.ResponseWriter, r *http.Request) {
	managerKey, ok := r.Context().Value("userID").(string)
	if !ok || managerKey == "" {
		services.SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	managerID, err := h.ledger.ResolveManagerID(r.Context(), managerKey)
	if err != nil {
		h.respondResolveError(w, err)
		return
	}

	limit := 50
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil {
			limit = l
		}
	}

	entries, err := h.ledger.ListEntries(r.Context(), managerID, limit)
	if err != nil {
		services.SendErrorResponse(w, "Failed to fetch ledger entries", http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"entries": entries, "count": len(entries)})
}

// AdjustBalance applies a manual operator correction.
// @Summary Adjust a manager balance
// @Description Operator-only manual balance correction, recorded in the ledger
// @Tags billing
// @Accept json
// @Produce json
// @Param request body object{managerId=string,delta=int,note=string} true "Adjustment"
// @Success 200 {object} map[string]interface{}
// @Failure 402 {object} map[string]interface{}
// @Router /billing/adjust [post]
func (h *BillingHandler) AdjustBalance(w http.ResponseWriter, r *http.Request) {
	operatorID, _ := r.Context().Value("userID").(string)

	maxBytes := 1_048_576 // 1 MB
	r.Body = http.MaxBytesReader(w, r.Body, int64(maxBytes))

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	var req struct {
		ManagerID string `json:"managerId"`
		Delta     int64  `json:"delta"`
		Note      string `json:"note"`
	}
	if err := dec.Decode(&req); err != nil {
		services.SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		services.SendErrorResponse(w, "Request body must only contain a single JSON object", http.StatusBadRequest, nil)
		return
	}
	if req.ManagerID == "" || req.Delta == 0 {
		services.SendErrorResponse(w, "managerId and a non-zero delta are required", http.StatusBadRequest, nil)
		return
	}

	managerID, err := h.ledger.ResolveManagerID(r.Context(), req.ManagerID)
	if err != nil {
		h.respondResolveError(w, err)
		return
	}

	result, err := h.ledger.OperatorAdjust(r.Context(), managerID, req.Delta, operatorID, req.Note)
	h.respondDebit(w, result, req.Delta, err)
}

func (h *BillingHandler) respondDebit(w http.ResponseWriter, result *services.DebitResult, cost int64, err error) {
	if err != nil {
		switch {
		case errors.Is(err, services.ErrManagerNotFound):
			services.SendErrorResponse(w, "Manager account not found", http.StatusNotFound, nil)
		case errors.Is(err, services.ErrAssemblyNotFound):
			services.SendErrorResponse(w, "Assembly not found", http.StatusNotFound, nil)
		case errors.Is(err, services.ErrNoBillableUnits):
			services.SendErrorResponse(w, "Assembly has no billable units", http.StatusBadRequest, nil)
		default:
			log.Printf("[BILLING] Debit failed: %v", err)
			services.SendErrorResponse(w, "Failed to process charge", http.StatusInternalServerError, nil)
		}
		return
	}

	if !result.OK {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusPaymentRequired)
		json.NewEncoder(w).Encode(map[string]any{
			"reason":    "top_up_required",
			"required":  result.Required,
			"available": result.Available,
		})
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"success":    true,
		"cost":       cost,
		"newBalance": result.NewBalance,
	})
}

func (h *BillingHandler) respondResolveError(w http.ResponseWriter, err error) {
	if errors.Is(err, services.ErrManagerNotFound) {
		services.SendErrorResponse(w, "Manager account not found", http.StatusNotFound, nil)
		return
	}
	services.SendErrorResponse(w, "Failed to resolve account", http.StatusInternalServerError, nil)
}
