package db

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type Direction string

const (
	Inbound  Direction = "in"
	Outbound Direction = "out"
)

type TransferStatus string

const (
	TransferComplete   TransferStatus = "complete"
	TransferIncomplete TransferStatus = "incomplete"
	TransferFailed     TransferStatus = "failed"
)

// Transfer is one row of the file transfer ledger.
type Transfer struct {
	ID        string    `gorm:"primaryKey;size:36"`
	Direction Direction `gorm:"index;not null"`
	PeerID    uint64
	PeerAddr  string
	Filename  string `gorm:"not null"`
	Size      int64
	SHA256    string `gorm:"column:sha256;size:64"`
	Path      string
	Status    TransferStatus `gorm:"not null"`
	Error     string
	CreatedAt time.Time `gorm:"index"`
}

func (t *Transfer) BeforeCreate(*gorm.DB) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	return nil
}
