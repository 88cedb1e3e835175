// Package postgres implements the billing store contracts on GORM. Status
// transitions are conditional UPDATEs guarded by the current status, so
// concurrent webhook, poll and sweep paths race safely at the database.
package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"

	"github.com/creatorhub/membership-billing/internal/billing"
)

type Store struct {
	db *gorm.DB
}

func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Transactions() billing.TransactionRepository {
	return &TransactionRepository{db: s.db}
}

func (s *Store) WebhookEvents() billing.WebhookEventRepository {
	return &WebhookEventRepository{db: s.db}
}

func (s *Store) Audit() billing.AuditRepository {
	return &AuditRepository{db: s.db}
}

func (s *Store) Profiles() billing.ProfileStore {
	return &ProfileRepository{db: s.db}
}

// WithinTx runs fn against a store bound to one database transaction. Any
// error rolls the whole transaction back.
func (s *Store) WithinTx(ctx context.Context, fn func(billing.Store) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&Store{db: tx})
	})
}

// isUniqueViolation detects a unique-constraint rejection from either the
// postgres driver or gorm's translated error (sqlite in tests).
func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
