package handlers

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/condoledger/backend/internal/config"
	"github.com/condoledger/backend/internal/services"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
)

func newTestHandler(t *testing.T) (*BillingHandler, sqlmock.Sqlmock, func()) {
	t.Helper()

	db, mock, err := sqlmock.New()
	assert.NoError(t, err)

	cfg := &config.BillingConfig{CreditsPerMessage: 1, ReopenPercent: 10}
	ledger := services.NewCreditLedgerService(db)
	billing := services.NewAssemblyBillingService(db, ledger, cfg)
	return NewBillingHandler(billing, ledger), mock, func() { db.Close() }
}

func assemblyRequest(method, target, managerKey, assemblyID string) *http.Request {
	req := httptest.NewRequest(method, target, nil)
	ctx := context.WithValue(req.Context(), "userID", managerKey)
	routeCtx := chi.NewRouteContext()
	routeCtx.URLParams.Add("assemblyId", assemblyID)
	ctx = context.WithValue(ctx, chi.RouteCtxKey, routeCtx)
	return req.WithContext(ctx)
}

func TestBillingHandler_ActivateAssembly(t *testing.T) {
	t.Run("successful activation returns the cost and new balance", func(t *testing.T) {
		handler, mock, cleanup := newTestHandler(t)
		defer cleanup()

		mock.ExpectQuery("SELECT manager_id FROM manager_accounts").
			WithArgs("mgr-123").
			WillReturnRows(sqlmock.NewRows([]string{"manager_id"}).AddRow("mgr-123"))
		mock.ExpectQuery("SELECT a.organization_id, a.status, a.activation_cost").
			WithArgs("asm-1").
			WillReturnRows(sqlmock.NewRows([]string{"organization_id", "status", "activation_cost", "count"}).
				AddRow("org-1", "DRAFT", 0, 50))
		mock.ExpectBegin()
		mock.ExpectQuery("UPDATE manager_accounts").
			WithArgs(int64(50), "mgr-123").
			WillReturnRows(sqlmock.NewRows([]string{"balance"}).AddRow(0))
		mock.ExpectExec("INSERT INTO ledger_entries").
			WithArgs("mgr-123", "activation-debit", int64(-50), int64(0),
				"asm-1", "org-1", nil, sqlmock.AnyArg(), sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectCommit()
		mock.ExpectExec("UPDATE assemblies").
			WithArgs(int64(50), "asm-1").
			WillReturnResult(sqlmock.NewResult(0, 1))

		w := httptest.NewRecorder()
		handler.ActivateAssembly(w, assemblyRequest(http.MethodPost, "/api/v1/assemblies/asm-1/activate", "mgr-123", "asm-1"))

		assert.Equal(t, http.StatusOK, w.Code)
		var resp map[string]any
		assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, true, resp["success"])
		assert.Equal(t, float64(50), resp["cost"])
		assert.Equal(t, float64(0), resp["newBalance"])
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("insufficient balance is 402 with the shortfall", func(t *testing.T) {
		handler, mock, cleanup := newTestHandler(t)
		defer cleanup()

		mock.ExpectQuery("SELECT manager_id FROM manager_accounts").
			WithArgs("mgr-123").
			WillReturnRows(sqlmock.NewRows([]string{"manager_id"}).AddRow("mgr-123"))
		mock.ExpectQuery("SELECT a.organization_id, a.status, a.activation_cost").
			WithArgs("asm-huge").
			WillReturnRows(sqlmock.NewRows([]string{"organization_id", "status", "activation_cost", "count"}).
				AddRow("org-1", "DRAFT", 0, 10000))
		mock.ExpectBegin()
		mock.ExpectQuery("UPDATE manager_accounts").
			WithArgs(int64(10000), "mgr-123").
			WillReturnError(sql.ErrNoRows)
		mock.ExpectQuery("SELECT balance FROM manager_accounts").
			WithArgs("mgr-123").
			WillReturnRows(sqlmock.NewRows([]string{"balance"}).AddRow(50))
		mock.ExpectRollback()

		w := httptest.NewRecorder()
		handler.ActivateAssembly(w, assemblyRequest(http.MethodPost, "/api/v1/assemblies/asm-huge/activate", "mgr-123", "asm-huge"))

		assert.Equal(t, http.StatusPaymentRequired, w.Code)
		var resp map[string]any
		assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, "top_up_required", resp["reason"])
		assert.Equal(t, float64(10000), resp["required"])
		assert.Equal(t, float64(50), resp["available"])
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("unknown assembly is 404", func(t *testing.T) {
		handler, mock, cleanup := newTestHandler(t)
		defer cleanup()

		mock.ExpectQuery("SELECT manager_id FROM manager_accounts").
			WithArgs("mgr-123").
			WillReturnRows(sqlmock.NewRows([]string{"manager_id"}).AddRow("mgr-123"))
		mock.ExpectQuery("SELECT a.organization_id, a.status, a.activation_cost").
			WithArgs("asm-ghost").
			WillReturnError(sql.ErrNoRows)

		w := httptest.NewRecorder()
		handler.ActivateAssembly(w, assemblyRequest(http.MethodPost, "/api/v1/assemblies/asm-ghost/activate", "mgr-123", "asm-ghost"))

		assert.Equal(t, http.StatusNotFound, w.Code)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("missing identity is unauthorized", func(t *testing.T) {
		handler, _, cleanup := newTestHandler(t)
		defer cleanup()

		req := httptest.NewRequest(http.MethodPost, "/api/v1/assemblies/asm-1/activate", nil)
		w := httptest.NewRecorder()
		handler.ActivateAssembly(w, req)

		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})
}

func TestBillingHandler_GetBalance(t *testing.T) {
	handler, mock, cleanup := newTestHandler(t)
	defer cleanup()

	mock.ExpectQuery("SELECT manager_id FROM manager_accounts").
		WithArgs("legacy-7").
		WillReturnRows(sqlmock.NewRows([]string{"manager_id"}).AddRow("mgr-123"))
	mock.ExpectQuery("SELECT balance FROM manager_accounts").
		WithArgs("mgr-123").
		WillReturnRows(sqlmock.NewRows([]string{"balance"}).AddRow(50))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/billing/balance", nil)
	req = req.WithContext(context.WithValue(req.Context(), "userID", "legacy-7"))
	w := httptest.NewRecorder()
	handler.GetBalance(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	var resp map[string]any
	assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "mgr-123", resp["managerId"])
	assert.Equal(t, float64(50), resp["balance"])
	assert.NoError(t, mock.ExpectationsWereMet())
}
