package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/condoledger/backend/internal/audit"
	"github.com/condoledger/backend/internal/models"
	"github.com/lib/pq"
)

// CreditLedgerService owns the prepaid balance per manager and the
// append-only entry trail. It enforces two invariants: a balance never goes
// negative, and an external transaction is credited at most once. How much
// an action costs is the caller's business.
type CreditLedgerService struct {
	db    *sql.DB
	audit *audit.Logger
}

func NewCreditLedgerService(db *sql.DB) *CreditLedgerService {
	return &CreditLedgerService{
		db:    db,
		audit: audit.NewLogger(),
	}
}

// DebitContext records why a debit happened, for later dispute resolution.
type DebitContext struct {
	AssemblyID     string
	OrganizationID string
	Metadata       map[string]any
}

// DebitResult is the outcome of TryDebit. OK false with Required/Available
// set is the expected "top up required" outcome, not an error.
type DebitResult struct {
	OK         bool  `json:"ok"`
	NewBalance int64 `json:"newBalance"`
	Required   int64 `json:"required,omitempty"`
	Available  int64 `json:"available,omitempty"`
}

// CreditResult is the outcome of CreditPurchase. Applied false means the
// external transaction was already credited (or granted zero credits); the
// balance reported is the current one either way.
type CreditResult struct {
	Applied    bool   `json:"applied"`
	ManagerID  string `json:"managerId"`
	NewBalance int64  `json:"newBalance"`
}

// ResolveManagerID collapses the legacy dual-key lookup into the canonical
// manager id. Callers resolve once at the boundary; everything below this
// point operates on the canonical id only.
func (s *CreditLedgerService) ResolveManagerID(ctx context.Context, key string) (string, error) {
	var managerID string
	err := s.db.QueryRowContext(ctx, `
		SELECT manager_id FROM manager_accounts
		WHERE manager_id = $1 OR legacy_user_id = $1
		LIMIT 1
	`, key).Scan(&managerID)

	if err == sql.ErrNoRows {
		return "", ErrManagerNotFound
	}
	if err != nil {
		return "", err
	}
	return managerID, nil
}

// GetBalance returns the current credit balance for a canonical manager id.
func (s *CreditLedgerService) GetBalance(ctx context.Context, managerID string) (int64, error) {
	var balance int64
	err := s.db.QueryRowContext(ctx, `
		SELECT balance FROM manager_accounts WHERE manager_id = $1
	`, managerID).Scan(&balance)

	if err == sql.ErrNoRows {
		return 0, ErrManagerNotFound
	}
	if err != nil {
		return 0, err
	}
	return balance, nil
}

// EnsureAccount creates the balance row for a manager if it does not exist.
func (s *CreditLedgerService) EnsureAccount(ctx context.Context, managerID, legacyUserID string) error {
	var legacy any
	if legacyUserID != "" {
		legacy = legacyUserID
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO manager_accounts (manager_id, legacy_user_id, balance, updated_at)
		VALUES ($1, $2, 0, NOW())
		ON CONFLICT (manager_id) DO NOTHING
	`, managerID, legacy)
	return err
}

// TryDebit decrements the balance if and only if it stays non-negative.
// The decrement and the balance check are one conditional UPDATE, so
// concurrent debits cannot both pass a stale check.
func (s *CreditLedgerService) TryDebit(ctx context.Context, managerID string, amount int64, opType models.OperationType, dctx DebitContext) (*DebitResult, error) {
	if amount <= 0 {
		return nil, errors.New("debit amount must be positive")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var newBalance int64
	err = tx.QueryRowContext(ctx, `
		UPDATE manager_accounts
		SET balance = balance - $1, updated_at = NOW()
		WHERE manager_id = $2 AND balance >= $1
		RETURNING balance
	`, amount, managerID).Scan(&newBalance)

	if err == sql.ErrNoRows {
		// Either unknown manager or insufficient balance; one more read
		// tells them apart. No state was mutated.
		var available int64
		selErr := tx.QueryRowContext(ctx, `
			SELECT balance FROM manager_accounts WHERE manager_id = $1
		`, managerID).Scan(&available)
		if selErr == sql.ErrNoRows {
			return nil, ErrManagerNotFound
		}
		if selErr != nil {
			return nil, selErr
		}
		return &DebitResult{OK: false, Required: amount, Available: available}, nil
	}
	if err != nil {
		return nil, err
	}

	if err := s.insertEntry(ctx, tx, entryRow{
		managerID:        managerID,
		opType:           opType,
		amount:           -amount,
		resultingBalance: newBalance,
		assemblyID:       dctx.AssemblyID,
		organizationID:   dctx.OrganizationID,
		metadata:         dctx.Metadata,
	}); err != nil {
		return nil, err
	}

	// A debit without its audit entry must not stand.
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	s.audit.LogDebit(managerID, string(opType), amount, newBalance, dctx.Metadata)
	return &DebitResult{OK: true, NewBalance: newBalance}, nil
}

// CreditPurchase applies a verified external payment. The only place a
// balance increases besides OperatorAdjust. The ledger entry and the
// increment commit together; a duplicate external transaction id trips the
// storage-level unique index and reports Applied false.
func (s *CreditLedgerService) CreditPurchase(ctx context.Context, managerID string, credits int64, externalTxID string, metadata map[string]any) (*CreditResult, error) {
	if credits <= 0 {
		return nil, errors.New("credit amount must be positive")
	}
	if externalTxID == "" {
		return nil, errors.New("external transaction id is required")
	}

	// Fast path for provider retries; the unique index below is the
	// actual guarantee.
	processed, err := s.HasProcessed(ctx, externalTxID)
	if err != nil {
		return nil, err
	}
	if processed {
		balance, err := s.GetBalance(ctx, managerID)
		if err != nil {
			return nil, err
		}
		return &CreditResult{Applied: false, ManagerID: managerID, NewBalance: balance}, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var newBalance int64
	err = tx.QueryRowContext(ctx, `
		UPDATE manager_accounts
		SET balance = balance + $1, updated_at = NOW()
		WHERE manager_id = $2
		RETURNING balance
	`, credits, managerID).Scan(&newBalance)

	if err == sql.ErrNoRows {
		return nil, ErrManagerNotFound
	}
	if err != nil {
		return nil, err
	}

	err = s.insertEntry(ctx, tx, entryRow{
		managerID:        managerID,
		opType:           models.OpPurchaseCredit,
		amount:           credits,
		resultingBalance: newBalance,
		externalTxID:     externalTxID,
		metadata:         metadata,
	})
	if isUniqueViolation(err) {
		// Concurrent duplicate delivery won the race. Roll back the
		// increment and report the retry outcome.
		tx.Rollback()
		balance, balErr := s.GetBalance(ctx, managerID)
		if balErr != nil {
			return nil, balErr
		}
		return &CreditResult{Applied: false, ManagerID: managerID, NewBalance: balance}, nil
	}
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	s.audit.LogCredit(managerID, externalTxID, credits, newBalance)
	return &CreditResult{Applied: true, ManagerID: managerID, NewBalance: newBalance}, nil
}

// HasProcessed reports whether an external transaction already produced a
// purchase credit.
func (s *CreditLedgerService) HasProcessed(ctx context.Context, externalTxID string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM ledger_entries
			WHERE external_transaction_id = $1 AND operation_type = $2
		)
	`, externalTxID, string(models.OpPurchaseCredit)).Scan(&exists)
	return exists, err
}

// RecordUnappliedEvent writes an audit-only entry for events that must not
// change the balance: declined payments, amounts below one credit,
// unresolvable references. managerID may be empty for manual triage rows.
// status is part of the row identity: a PENDING followed by a DECLINED for
// the same transaction leaves one row per status, so the trail shows the
// full status history. Only a redelivery of the same status is a no-op.
func (s *CreditLedgerService) RecordUnappliedEvent(ctx context.Context, managerID, externalTxID string, amountMinor int64, status, note string) error {
	var balance int64
	if managerID != "" {
		b, err := s.GetBalance(ctx, managerID)
		if err != nil && err != ErrManagerNotFound {
			return err
		}
		balance = b
	}

	metadata, _ := json.Marshal(map[string]any{
		"status":       status,
		"note":         note,
		"amount_minor": amountMinor,
	})

	var manager, extTx any
	if managerID != "" {
		manager = managerID
	}
	if externalTxID != "" {
		extTx = externalTxID
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO ledger_entries
		(manager_id, operation_type, amount, resulting_balance, external_transaction_id, metadata, created_at)
		VALUES ($1, $2, 0, $3, $4, $5, $6)
	`, manager, string(models.OpOther), balance, extTx, metadata, time.Now())

	if isUniqueViolation(err) {
		// Same transaction at the same status delivered twice; nothing
		// to add. A status transition inserts a fresh row instead.
		return nil
	}
	if err != nil {
		return err
	}

	s.audit.LogRejected(managerID, externalTxID, note, amountMinor)
	return nil
}

// OperatorAdjust applies a manual signed correction. Negative deltas still
// respect the non-negativity invariant.
func (s *CreditLedgerService) OperatorAdjust(ctx context.Context, managerID string, delta int64, operatorID, note string) (*DebitResult, error) {
	if delta == 0 {
		return nil, errors.New("adjustment delta must be non-zero")
	}
	if delta < 0 {
		return s.TryDebit(ctx, managerID, -delta, models.OpOther, DebitContext{
			Metadata: map[string]any{"adjustment": true, "operator_id": operatorID, "note": note},
		})
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var newBalance int64
	err = tx.QueryRowContext(ctx, `
		UPDATE manager_accounts
		SET balance = balance + $1, updated_at = NOW()
		WHERE manager_id = $2
		RETURNING balance
	`, delta, managerID).Scan(&newBalance)
	if err == sql.ErrNoRows {
		return nil, ErrManagerNotFound
	}
	if err != nil {
		return nil, err
	}

	if err := s.insertEntry(ctx, tx, entryRow{
		managerID:        managerID,
		opType:           models.OpOther,
		amount:           delta,
		resultingBalance: newBalance,
		metadata:         map[string]any{"adjustment": true, "operator_id": operatorID, "note": note},
	}); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	s.audit.LogCredit(managerID, "", delta, newBalance)
	return &DebitResult{OK: true, NewBalance: newBalance}, nil
}

// ListEntries returns the most recent ledger entries for a manager.
func (s *CreditLedgerService) ListEntries(ctx context.Context, managerID string, limit int) ([]models.LedgerEntry, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, manager_id, operation_type, amount, resulting_balance,
		       COALESCE(assembly_id, ''), COALESCE(organization_id, ''),
		       COALESCE(external_transaction_id, ''), COALESCE(metadata, '{}'), created_at
		FROM ledger_entries
		WHERE manager_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, managerID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := []models.LedgerEntry{}
	for rows.Next() {
		var e models.LedgerEntry
		var opType string
		var rawMeta []byte
		if err := rows.Scan(&e.ID, &e.ManagerID, &opType, &e.Amount, &e.ResultingBalance,
			&e.AssemblyID, &e.OrganizationID, &e.ExternalTransactionID, &rawMeta, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.OperationType = models.OperationType(opType)
		if len(rawMeta) > 0 {
			json.Unmarshal(rawMeta, &e.Metadata)
		}
		entries = append(entries, e)
	}

	return entries, rows.Err()
}

type entryRow struct {
	managerID        string
	opType           models.OperationType
	amount           int64
	resultingBalance int64
	assemblyID       string
	organizationID   string
	externalTxID     string
	metadata         map[string]any
}

func (s *CreditLedgerService) insertEntry(ctx context.Context, tx *sql.Tx, row entryRow) error {
	var assembly, org, extTx, metadata any
	if row.assemblyID != "" {
		assembly = row.assemblyID
	}
	if row.organizationID != "" {
		org = row.organizationID
	}
	if row.externalTxID != "" {
		extTx = row.externalTxID
	}
	if row.metadata != nil {
		data, err := json.Marshal(row.metadata)
		if err != nil {
			return err
		}
		metadata = data
	}

	_, err := tx.ExecContext(ctx, `
		INSERT INTO ledger_entries
		(manager_id, operation_type, amount, resulting_balance, assembly_id, organization_id, external_transaction_id, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, row.managerID, string(row.opType), row.amount, row.resultingBalance,
		assembly, org, extTx, metadata, time.Now())
	return err
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}
