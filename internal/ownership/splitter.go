// Package ownership resolves a payment's tip into per-employee shares for
// orders that more than one employee worked.
package ownership

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/GetwithitMan/gwi-pos-sub000/internal/model"
	"github.com/GetwithitMan/gwi-pos-sub000/internal/share"
)

var hundred = decimal.NewFromInt(100)

// Source reads orders and their co-ownership records.
type Source interface {
	Order(ctx context.Context, orderID string) (*model.Order, error)
	Ownership(ctx context.Context, orderID string) (*model.OrderOwnership, error)
}

type Splitter struct {
	source Source
	log    *logrus.Logger
}

func NewSplitter(source Source, log *logrus.Logger) *Splitter {
	return &Splitter{
		source: source,
		log:    log,
	}
}

// Split divides tipAmount among the order's owners. Without an ownership
// record the primary employee receives everything.
func (s *Splitter) Split(ctx context.Context, orderID string, tipAmount int64) ([]share.Share, error) {
	if tipAmount < 0 {
		return nil, fmt.Errorf("%w: negative tip %d", model.ErrInvalidInput, tipAmount)
	}

	own, err := s.source.Ownership(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("read ownership of %s: %w", orderID, err)
	}
	if own == nil {
		order, err := s.source.Order(ctx, orderID)
		if err != nil {
			return nil, fmt.Errorf("read order %s: %w", orderID, err)
		}
		if order == nil || order.PrimaryEmployeeID == "" {
			return nil, fmt.Errorf("order %s has no primary employee: %w", orderID, model.ErrLedgerNotFound)
		}
		return []share.Share{{EmployeeID: order.PrimaryEmployeeID, Amount: tipAmount}}, nil
	}

	weights, err := Validate(own)
	if err != nil {
		return nil, fmt.Errorf("order %s: %w", orderID, err)
	}
	shares := share.Apportion(tipAmount, weights)

	s.log.WithFields(logrus.Fields{
		"order_id": orderID,
		"owners":   len(shares),
		"tip":      tipAmount,
	}).Debug("tip split across owners")
	return shares, nil
}

// Validate checks that the percentages of an ownership record add up to
// exactly 100 and returns them as weights.
func Validate(own *model.OrderOwnership) ([]share.Weight, error) {
	if len(own.Entries) == 0 {
		return nil, fmt.Errorf("%w: no owners", model.ErrInvalidOwnershipSplit)
	}

	seen := make(map[string]bool, len(own.Entries))
	weights := make([]share.Weight, 0, len(own.Entries))
	total := decimal.Zero
	for _, e := range own.Entries {
		if e.EmployeeID == "" || e.Percentage.IsNegative() {
			return nil, fmt.Errorf("%w: bad entry for %q", model.ErrInvalidOwnershipSplit, e.EmployeeID)
		}
		if seen[e.EmployeeID] {
			return nil, fmt.Errorf("%w: %s listed twice", model.ErrInvalidOwnershipSplit, e.EmployeeID)
		}
		seen[e.EmployeeID] = true
		total = total.Add(e.Percentage)
		weights = append(weights, share.Weight{EmployeeID: e.EmployeeID, Weight: e.Percentage})
	}
	if !total.Equal(hundred) {
		return nil, fmt.Errorf("%w: got %s", model.ErrInvalidOwnershipSplit, total.String())
	}
	return weights, nil
}
