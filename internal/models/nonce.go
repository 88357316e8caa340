package models

import (
	"time"

	"gorm.io/gorm"
)

// ConsumedNonce records a capability token nonce that has already authorized
// a fetch through the media tunnel. The primary key on Nonce is what makes a
// second insert of the same nonce fail.
type ConsumedNonce struct {
	Nonce      string    `gorm:"primaryKey;not null"`
	ConsumedAt time.Time `gorm:"index;not null"`
}

// BeforeCreate stores every timestamp as UTC so that retention comparisons
// are consistent regardless of the host timezone.
func (n *ConsumedNonce) BeforeCreate(_ *gorm.DB) error {
	if n.ConsumedAt.IsZero() {
		n.ConsumedAt = time.Now()
	}
	n.ConsumedAt = n.ConsumedAt.UTC()
	return nil
}
