package database

import (
	"context"
	"time"

	"emperror.dev/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/opentuwa/mediagate/internal/models"
)

// Ledger is a nonce ledger persisted in SQLite. Consumption is a single
// INSERT .. ON CONFLICT DO NOTHING, so the database decides which of two
// concurrent verifications wins. Every process pointed at the same database
// file shares the ledger, and consumed nonces survive a restart.
type Ledger struct {
	db *gorm.DB
}

// NewLedger returns a ledger backed by the given database.
func NewLedger(db *gorm.DB) *Ledger {
	return &Ledger{db: db}
}

func (l *Ledger) Has(ctx context.Context, nonce string) (bool, error) {
	var count int64
	err := l.db.WithContext(ctx).Model(&models.ConsumedNonce{}).Where("nonce = ?", nonce).Count(&count).Error
	if err != nil {
		return false, errors.WithStack(err)
	}
	return count > 0, nil
}

func (l *Ledger) TryConsume(ctx context.Context, nonce string, at time.Time) (bool, error) {
	res := l.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&models.ConsumedNonce{Nonce: nonce, ConsumedAt: at})
	if res.Error != nil {
		return false, errors.WithStack(res.Error)
	}
	return res.RowsAffected == 1, nil
}

func (l *Ledger) Prune(ctx context.Context, retention time.Duration, now time.Time) (int, error) {
	res := l.db.WithContext(ctx).
		Where("consumed_at < ?", now.Add(-retention).UTC()).
		Delete(&models.ConsumedNonce{})
	if res.Error != nil {
		return 0, errors.WithStack(res.Error)
	}
	return int(res.RowsAffected), nil
}
