package services

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/condoledger/backend/internal/models"
	"github.com/google/uuid"
)

const embeddedReferencePrefix = "REF_"

// ReferenceService issues and resolves the opaque checkout references that
// tie a provider payment back to the manager who initiated it.
type ReferenceService struct {
	db  *sql.DB
	ttl time.Duration
}

func NewReferenceService(db *sql.DB, ttl time.Duration) *ReferenceService {
	return &ReferenceService{db: db, ttl: ttl}
}

// CreateReference persists a fresh reference -> manager mapping and returns
// the reference for embedding in the outbound checkout request. Collisions
// are handled by retrying the unique insert. organizationID is the optional
// organization context the purchase was made under; it travels with the
// reference so the credit entry can carry it too.
func (s *ReferenceService) CreateReference(ctx context.Context, managerID, organizationID string, amountExpectedMinor int64) (string, error) {
	s.pruneExpired(ctx)

	var org any
	if organizationID != "" {
		org = organizationID
	}

	for attempt := 0; attempt < 5; attempt++ {
		ref := newReferenceToken()
		now := time.Now()
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO payment_references (reference, manager_id, organization_id, amount_expected_minor, created_at, expires_at)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, ref, managerID, org, amountExpectedMinor, now, now.Add(s.ttl))

		if isUniqueViolation(err) {
			continue
		}
		if err != nil {
			return "", fmt.Errorf("failed to store payment reference: %w", err)
		}
		return ref, nil
	}

	return "", fmt.Errorf("failed to generate a unique payment reference")
}

// ResolveReference recovers the manager for a reference echoed back by the
// provider. Two shapes are supported: the opaque token written at checkout
// time, and the composite REF_<uuid>_<timestamp> form used by the
// payment-link flow, where the manager uuid is embedded directly.
func (s *ReferenceService) ResolveReference(ctx context.Context, reference string) (*models.PaymentReference, error) {
	var ref models.PaymentReference
	err := s.db.QueryRowContext(ctx, `
		SELECT reference, manager_id, COALESCE(organization_id, ''), amount_expected_minor, created_at, expires_at
		FROM payment_references
		WHERE reference = $1
	`, reference).Scan(&ref.Reference, &ref.ManagerID, &ref.OrganizationID, &ref.AmountExpectedMinor, &ref.CreatedAt, &ref.ExpiresAt)

	if err == nil {
		return &ref, nil
	}
	if err != sql.ErrNoRows {
		return nil, err
	}

	if managerID, ok := parseEmbeddedReference(reference); ok {
		return &models.PaymentReference{Reference: reference, ManagerID: managerID}, nil
	}

	return nil, ErrUnresolvableReference
}

// parseEmbeddedReference extracts the manager uuid from a composite
// REF_<uuid>_<timestamp> reference.
func parseEmbeddedReference(reference string) (string, bool) {
	if !strings.HasPrefix(reference, embeddedReferencePrefix) {
		return "", false
	}
	rest := strings.TrimPrefix(reference, embeddedReferencePrefix)
	// The uuid itself contains no underscores; the first segment after the
	// prefix that parses as a uuid wins.
	parts := strings.SplitN(rest, "_", 2)
	if len(parts) == 0 {
		return "", false
	}
	id, err := uuid.Parse(parts[0])
	if err != nil {
		return "", false
	}
	return id.String(), true
}

// pruneExpired opportunistically deletes mappings expired for longer than
// one extra TTL window. Late webhooks within the grace window still
// resolve; anything older is unreachable by any legitimate payment.
func (s *ReferenceService) pruneExpired(ctx context.Context) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM payment_references WHERE expires_at < $1
	`, time.Now().Add(-s.ttl))
	if err != nil {
		log.Printf("[REFERENCE] Prune failed: %v", err)
		return
	}
	if n, _ := res.RowsAffected(); n > 0 {
		log.Printf("[REFERENCE] Pruned %d expired references", n)
	}
}

func newReferenceToken() string {
	b := make([]byte, 16)
	rand.Read(b)
	return hex.EncodeToString(b)
}
