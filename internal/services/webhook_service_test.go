package services

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/condoledger/backend/internal/config"
	"github.com/condoledger/backend/internal/models"
	"github.com/condoledger/backend/internal/provider"
	"github.com/stretchr/testify/assert"
)

const webhookTestSecret = "test_events_secret"

func newWebhookTestService(t *testing.T) (*WebhookService, sqlmock.Sqlmock, func()) {
	t.Helper()

	db, mock, err := sqlmock.New()
	assert.NoError(t, err)

	cfg := &config.BillingConfig{WebhookSecret: webhookTestSecret}
	ledger := NewCreditLedgerService(db)
	refs := NewReferenceService(db, 168*time.Hour)
	pricing := NewPricingService(db, nil, 5*time.Minute)

	return NewWebhookService(cfg, ledger, refs, pricing), mock, func() { db.Close() }
}

// signedEvent builds a transaction.updated payload whose checksum covers
// id, status and amount_in_cents, the way the provider signs its events.
func signedEvent(t *testing.T, txID, reference, status string, amountMinor int64, secret string) []byte {
	t.Helper()

	timestamp := int64(1716912000)
	event := models.PaymentEvent{
		Event: models.EventTransactionUpdated,
		Data: models.PaymentEventData{
			Transaction: models.ProviderTransaction{
				ID:            txID,
				Reference:     reference,
				Status:        status,
				AmountInCents: amountMinor,
				Currency:      "COP",
			},
		},
		Signature: models.EventSignature{
			Properties: []string{"transaction.id", "transaction.status", "transaction.amount_in_cents"},
			Timestamp:  timestamp,
			Checksum: provider.ComputeChecksum(
				[]string{txID, status, strconv.FormatInt(amountMinor, 10)},
				timestamp, secret,
			),
		},
	}

	body, err := json.Marshal(event)
	assert.NoError(t, err)
	return body
}

func postWebhook(service *WebhookService, body []byte) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/payments/webhook", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	service.HandlePaymentEvent(w, req)
	return w
}

func expectReferenceLookup(mock sqlmock.Sqlmock, reference, managerID string, amountMinor int64) {
	now := time.Now()
	mock.ExpectQuery("SELECT reference, manager_id").
		WithArgs(reference).
		WillReturnRows(sqlmock.NewRows([]string{
			"reference", "manager_id", "organization_id", "amount_expected_minor", "created_at", "expires_at",
		}).AddRow(reference, managerID, "", amountMinor, now, now.Add(168*time.Hour)))
	mock.ExpectQuery("SELECT manager_id FROM manager_accounts").
		WithArgs(managerID).
		WillReturnRows(sqlmock.NewRows([]string{"manager_id"}).AddRow(managerID))
}

func TestWebhookService_HandlePaymentEvent(t *testing.T) {
	t.Run("approved payment credits the purchasing manager", func(t *testing.T) {
		service, mock, cleanup := newWebhookTestService(t)
		defer cleanup()

		// Manager holds 50 credits and pays for exactly one more.
		expectReferenceLookup(mock, "ref-1", "mgr-123", 10000)
		mock.ExpectQuery("SELECT EXISTS").
			WithArgs("tx-1", "purchase-credit").
			WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
		mock.ExpectQuery("SELECT value FROM billing_settings").
			WithArgs("credit_unit_price_minor").
			WillReturnRows(sqlmock.NewRows([]string{"value"}).AddRow("10000"))
		mock.ExpectQuery("SELECT EXISTS").
			WithArgs("tx-1", "purchase-credit").
			WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
		mock.ExpectBegin()
		mock.ExpectQuery("UPDATE manager_accounts").
			WithArgs(int64(1), "mgr-123").
			WillReturnRows(sqlmock.NewRows([]string{"balance"}).AddRow(51))
		mock.ExpectExec("INSERT INTO ledger_entries").
			WithArgs("mgr-123", "purchase-credit", int64(1), int64(51),
				nil, nil, "tx-1", sqlmock.AnyArg(), sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectCommit()

		w := postWebhook(service, signedEvent(t, "tx-1", "ref-1", models.TxStatusApproved, 10000, webhookTestSecret))

		assert.Equal(t, http.StatusOK, w.Code)
		var resp map[string]any
		assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, true, resp["applied"])
		assert.Equal(t, "mgr-123", resp["managerId"])
		assert.Equal(t, float64(51), resp["newBalance"])
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("duplicate delivery acknowledges without a second credit", func(t *testing.T) {
		service, mock, cleanup := newWebhookTestService(t)
		defer cleanup()

		expectReferenceLookup(mock, "ref-1", "mgr-123", 10000)
		mock.ExpectQuery("SELECT EXISTS").
			WithArgs("tx-1", "purchase-credit").
			WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
		mock.ExpectQuery("SELECT balance FROM manager_accounts").
			WithArgs("mgr-123").
			WillReturnRows(sqlmock.NewRows([]string{"balance"}).AddRow(51))

		w := postWebhook(service, signedEvent(t, "tx-1", "ref-1", models.TxStatusApproved, 10000, webhookTestSecret))

		assert.Equal(t, http.StatusOK, w.Code)
		var resp map[string]any
		assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, false, resp["applied"])
		assert.Equal(t, float64(51), resp["newBalance"])
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("tampered payload is rejected before any storage access", func(t *testing.T) {
		service, mock, cleanup := newWebhookTestService(t)
		defer cleanup()

		body := signedEvent(t, "tx-1", "ref-1", models.TxStatusApproved, 10000, webhookTestSecret)
		tampered := bytes.Replace(body, []byte(`"amount_in_cents":10000`), []byte(`"amount_in_cents":990000`), 1)
		assert.NotEqual(t, body, tampered)

		w := postWebhook(service, tampered)

		assert.Equal(t, http.StatusUnauthorized, w.Code)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("wrong secret is rejected", func(t *testing.T) {
		service, mock, cleanup := newWebhookTestService(t)
		defer cleanup()

		w := postWebhook(service, signedEvent(t, "tx-1", "ref-1", models.TxStatusApproved, 10000, "someone_elses_secret"))

		assert.Equal(t, http.StatusUnauthorized, w.Code)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("other event types are acknowledged untouched", func(t *testing.T) {
		service, mock, cleanup := newWebhookTestService(t)
		defer cleanup()

		w := postWebhook(service, []byte(`{"event":"nequi_token.updated","data":{}}`))

		assert.Equal(t, http.StatusOK, w.Code)
		var resp map[string]any
		assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, true, resp["ignored"])
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("declined transaction is recorded but never credited", func(t *testing.T) {
		service, mock, cleanup := newWebhookTestService(t)
		defer cleanup()

		expectReferenceLookup(mock, "ref-1", "mgr-123", 10000)
		mock.ExpectQuery("SELECT balance FROM manager_accounts").
			WithArgs("mgr-123").
			WillReturnRows(sqlmock.NewRows([]string{"balance"}).AddRow(50))
		mock.ExpectExec("INSERT INTO ledger_entries").
			WithArgs("mgr-123", "other", int64(50), "tx-declined", sqlmock.AnyArg(), sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(1, 1))

		w := postWebhook(service, signedEvent(t, "tx-declined", "ref-1", models.TxStatusDeclined, 10000, webhookTestSecret))

		assert.Equal(t, http.StatusOK, w.Code)
		var resp map[string]any
		assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, false, resp["applied"])
		assert.Equal(t, models.TxStatusDeclined, resp["status"])
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("paid amount is floored to whole credits", func(t *testing.T) {
		service, mock, cleanup := newWebhookTestService(t)
		defer cleanup()

		// 25000 at 10000 per credit grants 2, never 2.5.
		expectReferenceLookup(mock, "ref-1", "mgr-123", 25000)
		mock.ExpectQuery("SELECT EXISTS").
			WithArgs("tx-2", "purchase-credit").
			WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
		mock.ExpectQuery("SELECT value FROM billing_settings").
			WithArgs("credit_unit_price_minor").
			WillReturnRows(sqlmock.NewRows([]string{"value"}).AddRow("10000"))
		mock.ExpectQuery("SELECT EXISTS").
			WithArgs("tx-2", "purchase-credit").
			WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
		mock.ExpectBegin()
		mock.ExpectQuery("UPDATE manager_accounts").
			WithArgs(int64(2), "mgr-123").
			WillReturnRows(sqlmock.NewRows([]string{"balance"}).AddRow(52))
		mock.ExpectExec("INSERT INTO ledger_entries").
			WithArgs("mgr-123", "purchase-credit", int64(2), int64(52),
				nil, nil, "tx-2", sqlmock.AnyArg(), sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectCommit()

		w := postWebhook(service, signedEvent(t, "tx-2", "ref-1", models.TxStatusApproved, 25000, webhookTestSecret))

		assert.Equal(t, http.StatusOK, w.Code)
		var resp map[string]any
		assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, true, resp["applied"])
		assert.Equal(t, float64(52), resp["newBalance"])
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("payment below one credit is recorded, not credited", func(t *testing.T) {
		service, mock, cleanup := newWebhookTestService(t)
		defer cleanup()

		expectReferenceLookup(mock, "ref-1", "mgr-123", 9999)
		mock.ExpectQuery("SELECT EXISTS").
			WithArgs("tx-small", "purchase-credit").
			WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
		mock.ExpectQuery("SELECT value FROM billing_settings").
			WithArgs("credit_unit_price_minor").
			WillReturnRows(sqlmock.NewRows([]string{"value"}).AddRow("10000"))
		mock.ExpectQuery("SELECT balance FROM manager_accounts").
			WithArgs("mgr-123").
			WillReturnRows(sqlmock.NewRows([]string{"balance"}).AddRow(50))
		mock.ExpectExec("INSERT INTO ledger_entries").
			WithArgs("mgr-123", "other", int64(50), "tx-small", sqlmock.AnyArg(), sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectQuery("SELECT balance FROM manager_accounts").
			WithArgs("mgr-123").
			WillReturnRows(sqlmock.NewRows([]string{"balance"}).AddRow(50))

		w := postWebhook(service, signedEvent(t, "tx-small", "ref-1", models.TxStatusApproved, 9999, webhookTestSecret))

		assert.Equal(t, http.StatusOK, w.Code)
		var resp map[string]any
		assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, false, resp["applied"])
		assert.Equal(t, float64(50), resp["newBalance"])
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("unresolvable reference is a 400 with a triage entry", func(t *testing.T) {
		service, mock, cleanup := newWebhookTestService(t)
		defer cleanup()

		mock.ExpectQuery("SELECT reference, manager_id").
			WithArgs("ghost-ref").
			WillReturnError(sql.ErrNoRows)
		mock.ExpectExec("INSERT INTO ledger_entries").
			WithArgs(nil, "other", int64(0), "tx-3", sqlmock.AnyArg(), sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(1, 1))

		w := postWebhook(service, signedEvent(t, "tx-3", "ghost-ref", models.TxStatusApproved, 10000, webhookTestSecret))

		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("missing webhook secret is a server error", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		assert.NoError(t, err)
		defer db.Close()

		cfg := &config.BillingConfig{WebhookSecret: ""}
		service := NewWebhookService(cfg,
			NewCreditLedgerService(db),
			NewReferenceService(db, 168*time.Hour),
			NewPricingService(db, nil, 5*time.Minute))

		w := postWebhook(service, signedEvent(t, "tx-1", "ref-1", models.TxStatusApproved, 10000, webhookTestSecret))

		assert.Equal(t, http.StatusInternalServerError, w.Code)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("unconfigured unit price is a server error", func(t *testing.T) {
		service, mock, cleanup := newWebhookTestService(t)
		defer cleanup()

		expectReferenceLookup(mock, "ref-1", "mgr-123", 10000)
		mock.ExpectQuery("SELECT EXISTS").
			WithArgs("tx-4", "purchase-credit").
			WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
		mock.ExpectQuery("SELECT value FROM billing_settings").
			WithArgs("credit_unit_price_minor").
			WillReturnError(sql.ErrNoRows)

		w := postWebhook(service, signedEvent(t, "tx-4", "ref-1", models.TxStatusApproved, 10000, webhookTestSecret))

		assert.Equal(t, http.StatusInternalServerError, w.Code)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}
