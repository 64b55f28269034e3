// Package share apportions an integer amount of minor units across
// recipients without losing or inventing a cent.
package share

import (
	"sort"

	"github.com/shopspring/decimal"
)

// Share is one recipient's part of an amount.
type Share struct {
	EmployeeID string `json:"employee_id"`
	Amount     int64  `json:"amount"`
}

// Weight is a recipient's relative claim on an amount.
type Weight struct {
	EmployeeID string
	Weight     decimal.Decimal
}

// Apportion gives each recipient floor(total × weight / Σweight) and hands the
// leftover cents out one at a time in ascending employee id order, skipping
// recipients with no weight. Output is sorted by employee id. Weights must be
// non-negative with a positive sum; total must be non-negative.
func Apportion(total int64, weights []Weight) []Share {
	sorted := make([]Weight, len(weights))
	copy(sorted, weights)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].EmployeeID < sorted[j].EmployeeID })

	sum := decimal.Zero
	for _, w := range sorted {
		sum = sum.Add(w.Weight)
	}

	shares := make([]Share, len(sorted))
	if !sum.IsPositive() || total <= 0 {
		for i, w := range sorted {
			shares[i] = Share{EmployeeID: w.EmployeeID}
		}
		return shares
	}

	amount := decimal.NewFromInt(total)
	var assigned int64
	for i, w := range sorted {
		q, _ := amount.Mul(w.Weight).QuoRem(sum, 0)
		shares[i] = Share{EmployeeID: w.EmployeeID, Amount: q.IntPart()}
		assigned += shares[i].Amount
	}

	remainder := total - assigned
	for remainder > 0 {
		for i, w := range sorted {
			if remainder == 0 {
				break
			}
			if !w.Weight.IsPositive() {
				continue
			}
			shares[i].Amount++
			remainder--
		}
	}
	return shares
}

// Equal splits total evenly, remainder cents to the lowest employee ids.
func Equal(total int64, employeeIDs []string) []Share {
	weights := make([]Weight, len(employeeIDs))
	for i, id := range employeeIDs {
		weights[i] = Weight{EmployeeID: id, Weight: decimal.NewFromInt(1)}
	}
	return Apportion(total, weights)
}

// Sum adds up the shares.
func Sum(shares []Share) int64 {
	var total int64
	for _, s := range shares {
		total += s.Amount
	}
	return total
}
