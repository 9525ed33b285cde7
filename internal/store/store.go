// Package store persists the file transfer ledger.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/rudransh-shrivastava/peer-chat/internal/db"
	"gorm.io/gorm"
)

var ErrNotFound = errors.New("transfer not found")

// TransferRepository records finished transfers.
type TransferRepository interface {
	Create(ctx context.Context, t *db.Transfer) error
	Get(ctx context.Context, id string) (db.Transfer, error)
	List(ctx context.Context, limit int) ([]db.Transfer, error)
	ListByDirection(ctx context.Context, dir db.Direction, limit int) ([]db.Transfer, error)
}

type TransferStore struct {
	db *gorm.DB
}

func NewTransferStore(gdb *gorm.DB) *TransferStore {
	return &TransferStore{db: gdb}
}

func (s *TransferStore) Create(ctx context.Context, t *db.Transfer) error {
	if err := s.db.WithContext(ctx).Create(t).Error; err != nil {
		return fmt.Errorf("recording transfer %s: %w", t.Filename, err)
	}
	return nil
}

func (s *TransferStore) Get(ctx context.Context, id string) (db.Transfer, error) {
	var t db.Transfer
	err := s.db.WithContext(ctx).First(&t, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return db.Transfer{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return t, err
}

// List returns the newest transfers first. A limit of 0 returns all.
func (s *TransferStore) List(ctx context.Context, limit int) ([]db.Transfer, error) {
	return s.find(s.db.WithContext(ctx), limit)
}

func (s *TransferStore) ListByDirection(ctx context.Context, dir db.Direction, limit int) ([]db.Transfer, error) {
	return s.find(s.db.WithContext(ctx).Where("direction = ?", dir), limit)
}

func (s *TransferStore) find(q *gorm.DB, limit int) ([]db.Transfer, error) {
	q = q.Order("created_at DESC").Order("id")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var out []db.Transfer
	if err := q.Find(&out).Error; err != nil {
		return nil, fmt.Errorf("listing transfers: %w", err)
	}
	return out, nil
}
