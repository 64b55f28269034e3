package collaborator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/GetwithitMan/gwi-pos-sub000/internal/model"
)

// Reader serves every outbound query the engine makes to its collaborators.
// It never writes.
type Reader struct {
	db  *gorm.DB
	log *logrus.Logger
}

func NewReader(db *gorm.DB, log *logrus.Logger) *Reader {
	return &Reader{
		db:  db,
		log: log,
	}
}

// EmployeeExists reports whether the employee is on staff at the location.
func (r *Reader) EmployeeExists(ctx context.Context, employeeID, locationID string) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&model.Employee{}).
		Where("id = ? AND location_id = ?", employeeID, locationID).
		Count(&count).Error
	return count > 0, err
}

// LocationExists reports whether any employee is registered at the location.
func (r *Reader) LocationExists(ctx context.Context, locationID string) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&model.Employee{}).
		Where("location_id = ?", locationID).
		Count(&count).Error
	return count > 0, err
}

func (r *Reader) Employee(ctx context.Context, employeeID, locationID string) (*model.Employee, error) {
	var e model.Employee
	err := r.db.WithContext(ctx).
		Where("id = ? AND location_id = ?", employeeID, locationID).
		First(&e).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("employee %s at %s: %w", employeeID, locationID, model.ErrLedgerNotFound)
	}
	return &e, err
}

// RoleWeight returns the configured tip weight of a role, 1 when unset.
func (r *Reader) RoleWeight(ctx context.Context, roleID string) (decimal.Decimal, error) {
	var role model.Role
	err := r.db.WithContext(ctx).Where("id = ?", roleID).First(&role).Error
	if errors.Is(err, gorm.ErrRecordNotFound) || (err == nil && !role.TipWeight.IsPositive()) {
		return decimal.NewFromInt(1), nil
	}
	if err != nil {
		return decimal.Zero, err
	}
	return role.TipWeight, nil
}

func (r *Reader) Order(ctx context.Context, orderID string) (*model.Order, error) {
	var o model.Order
	err := r.db.WithContext(ctx).Where("id = ?", orderID).First(&o).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	return &o, err
}

// Ownership returns the co-ownership record of an order, or nil.
func (r *Reader) Ownership(ctx context.Context, orderID string) (*model.OrderOwnership, error) {
	var o model.OrderOwnership
	err := r.db.WithContext(ctx).
		Preload("Entries").
		Where("order_id = ?", orderID).
		First(&o).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	return &o, err
}

// RulesForRole returns the tip-out rules configured for a payer role at a
// location, in evaluation order.
func (r *Reader) RulesForRole(ctx context.Context, locationID, roleID string) ([]model.TipOutRule, error) {
	var rules []model.TipOutRule
	err := r.db.WithContext(ctx).
		Where("location_id = ? AND payer_role_id = ? AND active = ?", locationID, roleID, true).
		Order("priority, position, id").
		Find(&rules).Error
	return rules, err
}

// ShiftSales returns the employee's sales aggregate for a business day. Missing
// rows read as zero sales.
func (r *Reader) ShiftSales(ctx context.Context, employeeID, locationID, businessDate string) (model.ShiftSales, error) {
	var s model.ShiftSales
	err := r.db.WithContext(ctx).
		Where("employee_id = ? AND location_id = ? AND business_date = ?", employeeID, locationID, businessDate).
		First(&s).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return model.ShiftSales{EmployeeID: employeeID, LocationID: locationID, BusinessDate: businessDate}, nil
	}
	return s, err
}

// OnDuty lists employees working a role at an instant, sorted by id.
func (r *Reader) OnDuty(ctx context.Context, locationID, roleID string, at time.Time) ([]string, error) {
	var shifts []model.ShiftAssignment
	err := r.db.WithContext(ctx).
		Where("location_id = ? AND role_id = ?", locationID, roleID).
		Order("employee_id").
		Find(&shifts).Error
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool, len(shifts))
	ids := make([]string, 0, len(shifts))
	for _, s := range shifts {
		if at.Before(s.StartsAt) || (s.EndsAt != nil && !at.Before(*s.EndsAt)) {
			continue
		}
		if !seen[s.EmployeeID] {
			seen[s.EmployeeID] = true
			ids = append(ids, s.EmployeeID)
		}
	}
	return ids, nil
}
