package model

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// LedgerKind distinguishes who owns a ledger.
type LedgerKind string

const (
	LedgerEmployee LedgerKind = "employee"
	LedgerPool     LedgerKind = "pool"
	LedgerSuspense LedgerKind = "suspense"
)

// EntryKind is the accounting side of an entry. It always agrees with the sign
// of the amount.
type EntryKind string

const (
	EntryCredit EntryKind = "CREDIT"
	EntryDebit  EntryKind = "DEBIT"
)

type SourceType string

const (
	SourcePaymentTip          SourceType = "payment_tip"
	SourceTipOut              SourceType = "tip_out"
	SourceManualTransfer      SourceType = "manual_transfer"
	SourcePayout              SourceType = "payout"
	SourceChargeback          SourceType = "chargeback"
	SourceAdjustment          SourceType = "adjustment"
	SourceDebtReclaim         SourceType = "debt_reclaim"
	SourcePoolContribution    SourceType = "pool_contribution"
	SourcePoolSettlement      SourceType = "pool_settlement"
	SourceIntegrityCorrection SourceType = "integrity_correction"
)

// TransactionKind keeps service charges and auto-gratuity apart from
// qualified tips for payroll compliance.
type TransactionKind string

const (
	TransactionTip           TransactionKind = "tip"
	TransactionServiceCharge TransactionKind = "service_charge"
	TransactionAutoGratuity  TransactionKind = "auto_gratuity"
)

func (k TransactionKind) Valid() bool {
	switch k {
	case TransactionTip, TransactionServiceCharge, TransactionAutoGratuity:
		return true
	}
	return false
}

// ReversalPolicy decides who carries the cost of a void or chargeback.
type ReversalPolicy string

const (
	PolicyBusinessAbsorbs    ReversalPolicy = "BUSINESS_ABSORBS"
	PolicyEmployeeChargeback ReversalPolicy = "EMPLOYEE_CHARGEBACK"
)

func (p ReversalPolicy) Valid() bool {
	return p == PolicyBusinessAbsorbs || p == PolicyEmployeeChargeback
}

// LedgerKey identifies a ledger by owner and location.
type LedgerKey struct {
	Kind       LedgerKind
	OwnerID    string
	LocationID string
}

func EmployeeKey(employeeID, locationID string) LedgerKey {
	return LedgerKey{Kind: LedgerEmployee, OwnerID: employeeID, LocationID: locationID}
}

func PoolKey(groupID, locationID string) LedgerKey {
	return LedgerKey{Kind: LedgerPool, OwnerID: groupID, LocationID: locationID}
}

// SuspenseKey is the business-owned account of a location.
func SuspenseKey(locationID string) LedgerKey {
	return LedgerKey{Kind: LedgerSuspense, OwnerID: "business", LocationID: locationID}
}

var lockRank = map[LedgerKind]int{LedgerEmployee: 0, LedgerSuspense: 1, LedgerPool: 2}

// Less is the order ledger rows are locked in: employees, then suspense, then
// pools, each by location and owner.
func (k LedgerKey) Less(o LedgerKey) bool {
	if k.Kind != o.Kind {
		return lockRank[k.Kind] < lockRank[o.Kind]
	}
	if k.LocationID != o.LocationID {
		return k.LocationID < o.LocationID
	}
	return k.OwnerID < o.OwnerID
}

// TipLedger is the running account of one owner at one location.
// Balance is a cache of the sum of its entries.
type TipLedger struct {
	ID         string     `gorm:"primaryKey;size:36" json:"id"`
	Kind       LedgerKind `gorm:"size:16;not null;uniqueIndex:idx_ledger_owner" json:"kind"`
	OwnerID    string     `gorm:"size:64;not null;uniqueIndex:idx_ledger_owner" json:"owner_id"`
	LocationID string     `gorm:"size:64;not null;uniqueIndex:idx_ledger_owner" json:"location_id"`
	Balance    int64      `gorm:"not null;default:0" json:"balance"`
	Archived   bool       `gorm:"not null;default:false" json:"archived"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

func (TipLedger) TableName() string {
	return "tip_ledgers"
}

func (l *TipLedger) BeforeCreate(*gorm.DB) error {
	if l.ID == "" {
		l.ID = uuid.NewString()
	}
	return nil
}

func (l *TipLedger) Key() LedgerKey {
	return LedgerKey{Kind: l.Kind, OwnerID: l.OwnerID, LocationID: l.LocationID}
}

// TipLedgerEntry is an immutable signed balance change. Rows are inserted and
// never updated or deleted. RuleID names the tip-out rule behind a tip_out
// entry. IncomeKind is set on entries that carry money of a known kind without
// belonging to its transaction, such as pool settlements, and wins over the
// transaction kind in payroll.
type TipLedgerEntry struct {
	ID             string          `gorm:"primaryKey;size:36" json:"id"`
	LedgerID       string          `gorm:"size:36;not null;index:idx_entry_ledger" json:"ledger_id"`
	Amount         int64           `gorm:"not null" json:"amount"`
	Kind           EntryKind       `gorm:"size:8;not null" json:"kind"`
	SourceType     SourceType      `gorm:"size:32;not null;index" json:"source_type"`
	IdempotencyKey string          `gorm:"size:191;not null;uniqueIndex" json:"idempotency_key"`
	OperationKey   string          `gorm:"size:191;not null;index" json:"operation_key"`
	TransactionID  string          `gorm:"size:36;index" json:"transaction_id,omitempty"`
	BusinessDate   string          `gorm:"size:10;not null;index" json:"business_date"`
	RuleID         *uint           `gorm:"index" json:"rule_id,omitempty"`
	IncomeKind     TransactionKind `gorm:"size:16" json:"income_kind,omitempty"`
	Memo           string          `gorm:"size:255" json:"memo,omitempty"`
	CreatedAt      time.Time       `gorm:"index:idx_entry_ledger" json:"created_at"`
}

func (TipLedgerEntry) TableName() string {
	return "tip_ledger_entries"
}

func (e *TipLedgerEntry) BeforeCreate(*gorm.DB) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	return nil
}

// TipTransaction groups the entries produced by one allocation event.
type TipTransaction struct {
	ID             string          `gorm:"primaryKey;size:36" json:"id"`
	PaymentID      string          `gorm:"size:64;not null;index" json:"payment_id"`
	OrderID        string          `gorm:"size:64;not null;index" json:"order_id"`
	LocationID     string          `gorm:"size:64;not null;index" json:"location_id"`
	Kind           TransactionKind `gorm:"size:16;not null" json:"kind"`
	TotalAmount    int64           `gorm:"not null" json:"total_amount"`
	ProcessingFee  int64           `gorm:"not null;default:0" json:"processing_fee"`
	OperationKey   string          `gorm:"size:191;not null;uniqueIndex" json:"operation_key"`
	BusinessDate   string          `gorm:"size:10;not null" json:"business_date"`
	OccurredAt     time.Time       `gorm:"not null" json:"occurred_at"`
	ReversedAt     *time.Time      `json:"reversed_at,omitempty"`
	ReversalPolicy ReversalPolicy  `gorm:"size:32" json:"reversal_policy,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

func (TipTransaction) TableName() string {
	return "tip_transactions"
}

func (t *TipTransaction) BeforeCreate(*gorm.DB) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	return nil
}
