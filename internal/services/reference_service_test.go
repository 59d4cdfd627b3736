package services

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
)

func TestReferenceService_CreateReference(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	service := NewReferenceService(db, 168*time.Hour)

	t.Run("stores a fresh mapping", func(t *testing.T) {
		mock.ExpectExec("DELETE FROM payment_references").
			WithArgs(sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectExec("INSERT INTO payment_references").
			WithArgs(sqlmock.AnyArg(), "mgr-123", nil, int64(600000), sqlmock.AnyArg(), sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(1, 1))

		ref, err := service.CreateReference(context.Background(), "mgr-123", "", 600000)
		assert.NoError(t, err)
		assert.Len(t, ref, 32) // 16 random bytes, hex encoded
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("stores the organization context alongside the manager", func(t *testing.T) {
		mock.ExpectExec("DELETE FROM payment_references").
			WithArgs(sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectExec("INSERT INTO payment_references").
			WithArgs(sqlmock.AnyArg(), "mgr-123", "org-9", int64(600000), sqlmock.AnyArg(), sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(1, 1))

		_, err := service.CreateReference(context.Background(), "mgr-123", "org-9", 600000)
		assert.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestReferenceService_ResolveReference(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	service := NewReferenceService(db, 168*time.Hour)

	t.Run("resolves a stored reference", func(t *testing.T) {
		now := time.Now()
		mock.ExpectQuery("SELECT reference, manager_id").
			WithArgs("abc123").
			WillReturnRows(sqlmock.NewRows([]string{
				"reference", "manager_id", "organization_id", "amount_expected_minor", "created_at", "expires_at",
			}).AddRow("abc123", "mgr-123", "org-9", int64(600000), now, now.Add(168*time.Hour)))

		ref, err := service.ResolveReference(context.Background(), "abc123")
		assert.NoError(t, err)
		assert.Equal(t, "mgr-123", ref.ManagerID)
		assert.Equal(t, "org-9", ref.OrganizationID)
		assert.Equal(t, int64(600000), ref.AmountExpectedMinor)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("falls back to the embedded uuid form", func(t *testing.T) {
		mock.ExpectQuery("SELECT reference, manager_id").
			WithArgs("REF_a1b2c3d4-e5f6-4789-8abc-def012345678_1716912000").
			WillReturnError(sql.ErrNoRows)

		ref, err := service.ResolveReference(context.Background(),
			"REF_a1b2c3d4-e5f6-4789-8abc-def012345678_1716912000")
		assert.NoError(t, err)
		assert.Equal(t, "a1b2c3d4-e5f6-4789-8abc-def012345678", ref.ManagerID)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("unknown reference", func(t *testing.T) {
		mock.ExpectQuery("SELECT reference, manager_id").
			WithArgs("nothing-here").
			WillReturnError(sql.ErrNoRows)

		_, err := service.ResolveReference(context.Background(), "nothing-here")
		assert.ErrorIs(t, err, ErrUnresolvableReference)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("embedded form with garbage uuid does not resolve", func(t *testing.T) {
		mock.ExpectQuery("SELECT reference, manager_id").
			WithArgs("REF_not-a-uuid_1716912000").
			WillReturnError(sql.ErrNoRows)

		_, err := service.ResolveReference(context.Background(), "REF_not-a-uuid_1716912000")
		assert.ErrorIs(t, err, ErrUnresolvableReference)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestParseEmbeddedReference(t *testing.T) {
	t.Run("valid composite reference", func(t *testing.T) {
		managerID, ok := parseEmbeddedReference("REF_a1b2c3d4-e5f6-4789-8abc-def012345678_1716912000")
		assert.True(t, ok)
		assert.Equal(t, "a1b2c3d4-e5f6-4789-8abc-def012345678", managerID)
	})

	t.Run("missing prefix", func(t *testing.T) {
		_, ok := parseEmbeddedReference("a1b2c3d4-e5f6-4789-8abc-def012345678_1716912000")
		assert.False(t, ok)
	})

	t.Run("missing timestamp segment still parses", func(t *testing.T) {
		managerID, ok := parseEmbeddedReference("REF_a1b2c3d4-e5f6-4789-8abc-def012345678")
		assert.True(t, ok)
		assert.Equal(t, "a1b2c3d4-e5f6-4789-8abc-def012345678", managerID)
	})
}
