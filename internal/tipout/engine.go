// Package tipout computes mandatory role-to-role tip-outs.
//
// Rules are walked in a fixed order (priority, then configured position, then
// rule id) and each one acts on whatever the earlier rules left of the gross
// tip. Rules on a sales basis are owed once per payer and business day however
// many payments that day carry tips.
package tipout

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/GetwithitMan/gwi-pos-sub000/internal/model"
	"github.com/GetwithitMan/gwi-pos-sub000/internal/share"
)

var hundred = decimal.NewFromInt(100)

// Config reads tip-out rules and the duty roster.
type Config interface {
	RulesForRole(ctx context.Context, locationID, roleID string) ([]model.TipOutRule, error)
	OnDuty(ctx context.Context, locationID, roleID string, at time.Time) ([]string, error)
}

// Transfer moves Amount from the payer's tips to a payee.
type Transfer struct {
	PayerID     string `json:"payer_id"`
	PayeeID     string `json:"payee_id"`
	PayeeRoleID string `json:"payee_role_id"`
	RuleID      uint   `json:"rule_id"`
	Amount      int64  `json:"amount"`
}

// Payer describes who tips out and from what.
type Payer struct {
	EmployeeID string
	RoleID     string
	LocationID string
	GrossTip   int64
	Sales      model.ShiftSales
	At         time.Time
	// Paid is what the payer already tipped out on the business day, by rule.
	Paid map[uint]int64
}

type Engine struct {
	config Config
	log    *logrus.Logger
}

func NewEngine(config Config, log *logrus.Logger) *Engine {
	return &Engine{
		config: config,
		log:    log,
	}
}

// Schedule is a payer's applicable rules in evaluation order with the payees
// on duty for each. Building it does every configuration read, so amounts can
// be worked out later against ledger state without calling out again.
type Schedule struct {
	payer Payer
	steps []step
}

type step struct {
	rule   model.TipOutRule
	payees []string
}

// ApplyTipOuts returns the transfers the payer owes. The sum of transfers never
// exceeds the gross tip.
func (e *Engine) ApplyTipOuts(ctx context.Context, p Payer) ([]Transfer, error) {
	s, err := e.Schedule(ctx, p)
	if err != nil {
		return nil, err
	}
	return s.Apply(p.Paid), nil
}

// Schedule reads the payer's rules and the payee rosters. A nil schedule means
// nothing is owed.
func (e *Engine) Schedule(ctx context.Context, p Payer) (*Schedule, error) {
	if p.GrossTip < 0 {
		return nil, fmt.Errorf("%w: negative gross tip", model.ErrInvalidInput)
	}
	if p.GrossTip == 0 || p.RoleID == "" {
		return nil, nil
	}

	rules, err := e.config.RulesForRole(ctx, p.LocationID, p.RoleID)
	if err != nil {
		return nil, fmt.Errorf("read tip-out rules: %w", err)
	}
	Order(rules)

	s := &Schedule{payer: p}
	for _, rule := range rules {
		if !rule.AppliesAt(p.At) {
			continue
		}
		payees, err := e.config.OnDuty(ctx, p.LocationID, rule.PayeeRoleID, p.At)
		if err != nil {
			return nil, fmt.Errorf("read roster for %s: %w", rule.PayeeRoleID, err)
		}
		payees = without(payees, p.EmployeeID)
		if len(payees) == 0 {
			e.log.WithFields(logrus.Fields{
				"rule_id":    rule.ID,
				"payer_id":   p.EmployeeID,
				"payee_role": rule.PayeeRoleID,
			}).Warn("no payee on duty, tip-out rule skipped")
			continue
		}
		s.steps = append(s.steps, step{rule: rule, payees: payees})
	}
	if len(s.steps) == 0 {
		return nil, nil
	}
	return s, nil
}

func (s *Schedule) PayerID() string { return s.payer.EmployeeID }

// Payees lists everyone the schedule may pay.
func (s *Schedule) Payees() []string {
	if s == nil {
		return nil
	}
	var out []string
	for _, st := range s.steps {
		out = append(out, st.payees...)
	}
	return out
}

// SalesBased reports whether any rule works from shift sales. Those rules are
// owed once per business day, so their amount depends on what was paid already.
func (s *Schedule) SalesBased() bool {
	if s == nil {
		return false
	}
	for _, st := range s.steps {
		if st.rule.Basis != model.BasisTips {
			return true
		}
	}
	return false
}

// Apply works out the transfers. Tips-basis rules act on what earlier rules
// left of this tip. Sales-basis rules are owed once per business day: paid
// holds what the payer already tipped out per rule that day and only the
// difference is charged, still never more than what is left of the tip.
func (s *Schedule) Apply(paid map[uint]int64) []Transfer {
	if s == nil {
		return nil
	}
	remaining := s.payer.GrossTip
	var transfers []Transfer
	for i := range s.steps {
		if remaining == 0 {
			break
		}
		st := &s.steps[i]
		rule := &st.rule

		var amount int64
		if rule.Basis == model.BasisTips {
			amount = RuleAmount(rule, remaining, remaining)
		} else {
			amount = Due(rule, s.payer.Sales.Basis(rule.Basis), paid[rule.ID], remaining)
		}
		if amount == 0 {
			continue
		}

		for _, sh := range share.Equal(amount, st.payees) {
			if sh.Amount == 0 {
				continue
			}
			transfers = append(transfers, Transfer{
				PayerID:     s.payer.EmployeeID,
				PayeeID:     sh.EmployeeID,
				PayeeRoleID: rule.PayeeRoleID,
				RuleID:      rule.ID,
				Amount:      sh.Amount,
			})
		}
		remaining -= amount
	}
	return transfers
}

// RuleAmount is floor(basis × pct / 100), capped at floor(basis × max / 100)
// and never more than what is left of the tip.
func RuleAmount(rule *model.TipOutRule, basis, remaining int64) int64 {
	if basis <= 0 || !rule.Percentage.IsPositive() {
		return 0
	}
	amount := percentOf(basis, rule.Percentage)
	if rule.MaxPercentage.Valid {
		if limit := percentOf(basis, rule.MaxPercentage.Decimal); amount > limit {
			amount = limit
		}
	}
	if amount > remaining {
		amount = remaining
	}
	return amount
}

// Due is what is still owed on a sales-basis rule after paid, limited to the
// remaining tip.
func Due(rule *model.TipOutRule, sales, paid, remaining int64) int64 {
	owed := RuleAmount(rule, sales, math.MaxInt64) - paid
	if owed <= 0 {
		return 0
	}
	if owed > remaining {
		owed = remaining
	}
	return owed
}

func percentOf(amount int64, pct decimal.Decimal) int64 {
	if pct.IsNegative() {
		return 0
	}
	q, _ := decimal.NewFromInt(amount).Mul(pct).QuoRem(hundred, 0)
	return q.IntPart()
}

func without(ids []string, exclude string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id != exclude {
			out = append(out, id)
		}
	}
	return out
}
