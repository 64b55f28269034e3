package model

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type DebtStatus string

const (
	DebtOpen       DebtStatus = "open"
	DebtReclaimed  DebtStatus = "reclaimed"
	DebtWrittenOff DebtStatus = "written_off"
)

// TipDebt is the shortfall left when a reversal exceeded the ledger balance.
type TipDebt struct {
	ID             string     `gorm:"primaryKey;size:36" json:"id"`
	LedgerID       string     `gorm:"size:36;not null;index:idx_debt_ledger" json:"ledger_id"`
	EmployeeID     string     `gorm:"size:64;not null" json:"employee_id"`
	TransactionID  string     `gorm:"size:36;index" json:"transaction_id"`
	OriginalAmount int64      `gorm:"not null" json:"original_amount"`
	Remaining      int64      `gorm:"not null" json:"remaining"`
	Status         DebtStatus `gorm:"size:16;not null;index:idx_debt_ledger" json:"status"`
	ClosedAt       *time.Time `json:"closed_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

func (TipDebt) TableName() string {
	return "tip_debts"
}

func (d *TipDebt) BeforeCreate(*gorm.DB) error {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	return nil
}

// AdjustmentContext is the before/after picture stored with an adjustment.
type AdjustmentContext struct {
	BalanceBefore      int64             `json:"balance_before"`
	BalanceAfter       int64             `json:"balance_after"`
	Delta              int64             `json:"delta"`
	Reason             string            `json:"reason"`
	Actor              string            `json:"actor"`
	CounterpartyLedger string            `json:"counterparty_ledger,omitempty"`
	Attributes         map[string]string `json:"attributes,omitempty"`
}

// TipAdjustment is the audit record of a manager or system correction. The
// balance change itself lives in the ledger entry referenced by EntryID.
type TipAdjustment struct {
	ID        string                                 `gorm:"primaryKey;size:36" json:"id"`
	LedgerID  string                                 `gorm:"size:36;not null;index" json:"ledger_id"`
	EntryID   string                                 `gorm:"size:36;not null" json:"entry_id"`
	Delta     int64                                  `gorm:"not null" json:"delta"`
	Reason    string                                 `gorm:"size:255;not null" json:"reason"`
	Actor     string                                 `gorm:"size:128;not null" json:"actor"`
	RequestID string                                 `gorm:"size:191;not null;uniqueIndex" json:"request_id"`
	Context   datatypes.JSONType[AdjustmentContext] `json:"context"`
	CreatedAt time.Time                              `json:"created_at"`
}

func (TipAdjustment) TableName() string {
	return "tip_adjustments"
}

func (a *TipAdjustment) BeforeCreate(*gorm.DB) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	return nil
}

// ReviewFlag queues a request the engine refused to apply for an operator.
type ReviewFlag struct {
	ID        uint           `gorm:"primaryKey" json:"id"`
	Kind      string         `gorm:"size:64;not null;index" json:"kind"`
	Reference string         `gorm:"size:191;not null;index" json:"reference"`
	Reason    string         `gorm:"size:512;not null" json:"reason"`
	Payload   datatypes.JSON `json:"payload,omitempty"`
	Resolved  bool           `gorm:"not null;default:false" json:"resolved"`
	CreatedAt time.Time      `json:"created_at"`
}

func (ReviewFlag) TableName() string {
	return "review_flags"
}
