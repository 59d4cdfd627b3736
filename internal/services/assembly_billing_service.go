package services

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/condoledger/backend/internal/config"
	"github.com/condoledger/backend/internal/models"
)

// AssemblyBillingService prices the billable assembly actions and charges
// them through the ledger. Cost rules live here; the ledger only enforces
// that balances stay non-negative and every charge is recorded.
type AssemblyBillingService struct {
	db     *sql.DB
	ledger *CreditLedgerService
	cfg    *config.BillingConfig
}

func NewAssemblyBillingService(db *sql.DB, ledger *CreditLedgerService, cfg *config.BillingConfig) *AssemblyBillingService {
	return &AssemblyBillingService{db: db, ledger: ledger, cfg: cfg}
}

type assemblyInfo struct {
	OrganizationID string
	Status         string
	ActivationCost int64
	Units          int64
}

// ActivateAssembly charges one credit per residential unit and activates
// the assembly. The cost is recorded on the assembly so reopening can be
// priced later.
func (s *AssemblyBillingService) ActivateAssembly(ctx context.Context, managerKey, assemblyID string) (*DebitResult, int64, error) {
	managerID, err := s.ledger.ResolveManagerID(ctx, managerKey)
	if err != nil {
		return nil, 0, err
	}

	info, err := s.fetchAssembly(ctx, assemblyID)
	if err != nil {
		return nil, 0, err
	}
	if info.Units == 0 {
		return nil, 0, ErrNoBillableUnits
	}

	cost := info.Units // 1 credit per unit

	result, err := s.ledger.TryDebit(ctx, managerID, cost, models.OpActivationDebit, DebitContext{
		AssemblyID:     assemblyID,
		OrganizationID: info.OrganizationID,
		Metadata:       map[string]any{"units": info.Units},
	})
	if err != nil || !result.OK {
		return result, cost, err
	}

	if _, err := s.db.ExecContext(ctx, `
		UPDATE assemblies
		SET status = 'ACTIVE', activation_cost = $1, updated_at = NOW()
		WHERE id = $2
	`, cost, assemblyID); err != nil {
		return nil, cost, fmt.Errorf("debit applied but activation failed, reconcile assembly %s: %w", assemblyID, err)
	}

	return result, cost, nil
}

// ReopenAssembly charges 10% of the original activation cost, minimum 1,
// and moves a closed assembly back to active.
func (s *AssemblyBillingService) ReopenAssembly(ctx context.Context, managerKey, assemblyID string) (*DebitResult, int64, error) {
	managerID, err := s.ledger.ResolveManagerID(ctx, managerKey)
	if err != nil {
		return nil, 0, err
	}

	info, err := s.fetchAssembly(ctx, assemblyID)
	if err != nil {
		return nil, 0, err
	}
	if info.Status != "CLOSED" {
		return nil, 0, fmt.Errorf("assembly %s is not closed", assemblyID)
	}

	cost := info.ActivationCost * s.cfg.ReopenPercent / 100
	if cost < 1 {
		cost = 1
	}

	result, err := s.ledger.TryDebit(ctx, managerID, cost, models.OpReopenDebit, DebitContext{
		AssemblyID:     assemblyID,
		OrganizationID: info.OrganizationID,
		Metadata:       map[string]any{"activation_cost": info.ActivationCost},
	})
	if err != nil || !result.OK {
		return result, cost, err
	}

	if _, err := s.db.ExecContext(ctx, `
		UPDATE assemblies SET status = 'ACTIVE', updated_at = NOW() WHERE id = $1
	`, assemblyID); err != nil {
		return nil, cost, fmt.Errorf("debit applied but reopen failed, reconcile assembly %s: %w", assemblyID, err)
	}

	return result, cost, nil
}

// ChargeNotifications charges the configured multiplier per outbound
// message for a bulk notification send. The send itself belongs to the
// caller; it must not proceed when the debit fails.
func (s *AssemblyBillingService) ChargeNotifications(ctx context.Context, managerKey, assemblyID string, messageCount int64) (*DebitResult, int64, error) {
	if messageCount <= 0 {
		return nil, 0, fmt.Errorf("message count must be positive")
	}

	managerID, err := s.ledger.ResolveManagerID(ctx, managerKey)
	if err != nil {
		return nil, 0, err
	}

	info, err := s.fetchAssembly(ctx, assemblyID)
	if err != nil {
		return nil, 0, err
	}

	cost := messageCount * s.cfg.CreditsPerMessage

	result, err := s.ledger.TryDebit(ctx, managerID, cost, models.OpNotificationDebit, DebitContext{
		AssemblyID:     assemblyID,
		OrganizationID: info.OrganizationID,
		Metadata:       map[string]any{"message_count": messageCount},
	})
	return result, cost, err
}

// ChargeMinutesDelivery charges one credit per unit for the one-time
// print-and-deliver minutes action.
func (s *AssemblyBillingService) ChargeMinutesDelivery(ctx context.Context, managerKey, assemblyID string) (*DebitResult, int64, error) {
	managerID, err := s.ledger.ResolveManagerID(ctx, managerKey)
	if err != nil {
		return nil, 0, err
	}

	info, err := s.fetchAssembly(ctx, assemblyID)
	if err != nil {
		return nil, 0, err
	}
	if info.Units == 0 {
		return nil, 0, ErrNoBillableUnits
	}

	cost := info.Units

	result, err := s.ledger.TryDebit(ctx, managerID, cost, models.OpOther, DebitContext{
		AssemblyID:     assemblyID,
		OrganizationID: info.OrganizationID,
		Metadata:       map[string]any{"action": "minutes-delivery", "units": info.Units},
	})
	return result, cost, err
}

func (s *AssemblyBillingService) fetchAssembly(ctx context.Context, assemblyID string) (*assemblyInfo, error) {
	var info assemblyInfo
	err := s.db.QueryRowContext(ctx, `
		SELECT a.organization_id, a.status, a.activation_cost,
		       (SELECT COUNT(*) FROM assembly_units u WHERE u.assembly_id = a.id)
		FROM assemblies a
		WHERE a.id = $1
	`, assemblyID).Scan(&info.OrganizationID, &info.Status, &info.ActivationCost, &info.Units)

	if err == sql.ErrNoRows {
		return nil, ErrAssemblyNotFound
	}
	if err != nil {
		return nil, err
	}
	return &info, nil
}
