package gormstore

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// RevenueLedger represents the revenue_ledgers table (one row per ledger name).
type RevenueLedger struct {
	Name           string    `gorm:"primaryKey"`
	TotalCents     int64     `gorm:"not null"`
	AvailableCents int64     `gorm:"not null"`
	ReservedCents  int64     `gorm:"not null"`
	Currency       string    `gorm:"not null"`
	UpdatedAt      time.Time `gorm:"not null"`
}

func (RevenueLedger) TableName() string { return "revenue_ledgers" }

// LedgerTransaction mirrors the append-only ledger_transactions table.
type LedgerTransaction struct {
	TransactionID string    `gorm:"type:uuid;primaryKey"`
	LedgerName    string    `gorm:"not null;index:idx_transactions_ledger_created,priority:1"`
	Type          string    `gorm:"not null"`
	AmountCents   int64     `gorm:"not null"`
	Currency      string    `gorm:"not null"`
	Reference     string    `gorm:"not null"`
	CreatedAt     time.Time `gorm:"not null;index:idx_transactions_ledger_created,priority:2"`
}

func (LedgerTransaction) TableName() string { return "ledger_transactions" }

func (transaction *LedgerTransaction) BeforeCreate(tx *gorm.DB) error {
	if transaction.TransactionID == "" {
		transaction.TransactionID = uuid.NewString()
	}
	return nil
}

// LedgerReservation mirrors the ledger_reservations table.
type LedgerReservation struct {
	LedgerName  string    `gorm:"primaryKey"`
	Reference   string    `gorm:"primaryKey"`
	AmountCents int64     `gorm:"not null"`
	Status      string    `gorm:"not null"`
	CreatedAt   time.Time `gorm:"not null"`
	UpdatedAt   time.Time `gorm:"not null"`
}

func (LedgerReservation) TableName() string { return "ledger_reservations" }

// PaymentMethod mirrors the payment_methods table.
type PaymentMethod struct {
	MethodID       string         `gorm:"type:uuid;primaryKey"`
	Kind           string         `gorm:"not null"`
	AvailableCents int64          `gorm:"not null"`
	Currency       string         `gorm:"not null"`
	Metadata       datatypes.JSON `gorm:"not null"`
	CreatedAt      time.Time      `gorm:"not null"`
}

func (PaymentMethod) TableName() string { return "payment_methods" }

func (method *PaymentMethod) BeforeCreate(tx *gorm.DB) error {
	if method.MethodID == "" {
		method.MethodID = uuid.NewString()
	}
	return nil
}
