package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Tables in this file are maintained by upstream systems (staff, orders,
// settings, POS sales). The engine only reads them.

// Role carries the configured tip weight used by role_weighted pools.
type Role struct {
	ID        string          `gorm:"primaryKey;size:64" json:"id"`
	Name      string          `gorm:"size:128;not null" json:"name"`
	TipWeight decimal.Decimal `gorm:"type:decimal(10,4);not null" json:"tip_weight"`
}

func (Role) TableName() string {
	return "roles"
}

// Employee is a staff member assigned to a location.
type Employee struct {
	ID         string `gorm:"primaryKey;size:64" json:"id"`
	LocationID string `gorm:"primaryKey;size:64" json:"location_id"`
	RoleID     string `gorm:"size:64;not null" json:"role_id"`
	Active     bool   `gorm:"not null;default:true" json:"active"`
}

func (Employee) TableName() string {
	return "employees"
}

// Order holds the fields of an order the engine needs.
type Order struct {
	ID                string `gorm:"primaryKey;size:64" json:"id"`
	LocationID        string `gorm:"size:64;not null" json:"location_id"`
	PrimaryEmployeeID string `gorm:"size:64;not null" json:"primary_employee_id"`
}

func (Order) TableName() string {
	return "orders"
}

// OrderOwnership marks an order as jointly owned.
type OrderOwnership struct {
	ID      uint                  `gorm:"primaryKey" json:"id"`
	OrderID string                `gorm:"size:64;not null;uniqueIndex" json:"order_id"`
	Entries []OrderOwnershipEntry `gorm:"foreignKey:OwnershipID" json:"entries"`
}

func (OrderOwnership) TableName() string {
	return "order_ownerships"
}

type OrderOwnershipEntry struct {
	ID          uint            `gorm:"primaryKey" json:"id"`
	OwnershipID uint            `gorm:"not null;index" json:"ownership_id"`
	EmployeeID  string          `gorm:"size:64;not null" json:"employee_id"`
	Percentage  decimal.Decimal `gorm:"type:decimal(7,4);not null" json:"percentage"`
}

func (OrderOwnershipEntry) TableName() string {
	return "order_ownership_entries"
}

type BasisType string

const (
	BasisTips       BasisType = "tips"
	BasisFoodSales  BasisType = "food_sales"
	BasisBarSales   BasisType = "bar_sales"
	BasisTotalSales BasisType = "total_sales"
	BasisNetSales   BasisType = "net_sales"
)

// TipOutRule moves a percentage of a basis from one role to another.
type TipOutRule struct {
	ID            uint                `gorm:"primaryKey" json:"id"`
	LocationID    string              `gorm:"size:64;not null;index" json:"location_id"`
	PayerRoleID   string              `gorm:"size:64;not null;index" json:"payer_role_id"`
	PayeeRoleID   string              `gorm:"size:64;not null" json:"payee_role_id"`
	Basis         BasisType           `gorm:"size:16;not null" json:"basis"`
	Percentage    decimal.Decimal     `gorm:"type:decimal(7,4);not null" json:"percentage"`
	MaxPercentage decimal.NullDecimal `gorm:"type:decimal(7,4)" json:"max_percentage"`
	EffectiveFrom *time.Time          `json:"effective_from,omitempty"`
	ExpiresAt     *time.Time          `json:"expires_at,omitempty"`
	Priority      int                 `gorm:"not null;default:0" json:"priority"`
	Position      int                 `gorm:"not null;default:0" json:"position"`
	Active        bool                `gorm:"not null;default:true" json:"active"`
}

func (TipOutRule) TableName() string {
	return "tip_out_rules"
}

// AppliesAt reports whether the rule's effective window covers at.
func (r *TipOutRule) AppliesAt(at time.Time) bool {
	if !r.Active {
		return false
	}
	if r.EffectiveFrom != nil && at.Before(*r.EffectiveFrom) {
		return false
	}
	if r.ExpiresAt != nil && !at.Before(*r.ExpiresAt) {
		return false
	}
	return true
}

// ShiftSales is the per-employee sales aggregate for one business day.
type ShiftSales struct {
	ID           uint   `gorm:"primaryKey" json:"id"`
	EmployeeID   string `gorm:"size:64;not null;uniqueIndex:idx_shift_sales" json:"employee_id"`
	LocationID   string `gorm:"size:64;not null;uniqueIndex:idx_shift_sales" json:"location_id"`
	BusinessDate string `gorm:"size:10;not null;uniqueIndex:idx_shift_sales" json:"business_date"`
	FoodSales    int64  `gorm:"not null;default:0" json:"food_sales"`
	BarSales     int64  `gorm:"not null;default:0" json:"bar_sales"`
	TotalSales   int64  `gorm:"not null;default:0" json:"total_sales"`
	NetSales     int64  `gorm:"not null;default:0" json:"net_sales"`
}

func (ShiftSales) TableName() string {
	return "shift_sales"
}

// Basis returns the aggregate matching a sales basis.
func (s ShiftSales) Basis(b BasisType) int64 {
	switch b {
	case BasisFoodSales:
		return s.FoodSales
	case BasisBarSales:
		return s.BarSales
	case BasisTotalSales:
		return s.TotalSales
	case BasisNetSales:
		return s.NetSales
	}
	return 0
}

// ShiftAssignment says an employee worked a role during a window.
type ShiftAssignment struct {
	ID         uint       `gorm:"primaryKey" json:"id"`
	EmployeeID string     `gorm:"size:64;not null" json:"employee_id"`
	LocationID string     `gorm:"size:64;not null;index:idx_shift_role" json:"location_id"`
	RoleID     string     `gorm:"size:64;not null;index:idx_shift_role" json:"role_id"`
	StartsAt   time.Time  `gorm:"not null" json:"starts_at"`
	EndsAt     *time.Time `json:"ends_at,omitempty"`
}

func (ShiftAssignment) TableName() string {
	return "shift_assignments"
}
