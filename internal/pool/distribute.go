package pool

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/GetwithitMan/gwi-pos-sub000/internal/model"
	"github.com/GetwithitMan/gwi-pos-sub000/internal/repository"
	"github.com/GetwithitMan/gwi-pos-sub000/internal/share"
)

// Distribute computes a closed segment's payout. Equal mode splits the pool
// per member; role_weighted mode weighs each member by role weight times the
// seconds they were active inside the segment. When no member accrued any
// weighted time the pool is split equally.
func Distribute(s *model.TipGroupSegment) []share.Share {
	if len(s.Members) == 0 {
		return []share.Share{}
	}

	ids := make([]string, len(s.Members))
	for i, m := range s.Members {
		ids[i] = m.EmployeeID
	}
	if s.SplitMode != model.SplitRoleWeighted {
		return share.Equal(s.PoolAmount, ids)
	}

	end := s.StartedAt
	if s.EndedAt != nil {
		end = *s.EndedAt
	}

	weights := make([]share.Weight, len(s.Members))
	total := decimal.Zero
	for i, m := range s.Members {
		seconds := activeSeconds(m, s.StartedAt, end)
		w := m.Weight.Mul(decimal.NewFromInt(seconds))
		weights[i] = share.Weight{EmployeeID: m.EmployeeID, Weight: w}
		total = total.Add(w)
	}
	if !total.IsPositive() {
		return share.Equal(s.PoolAmount, ids)
	}
	return share.Apportion(s.PoolAmount, weights)
}

func activeSeconds(m model.TipGroupSegmentMember, start, end time.Time) int64 {
	from := m.ActiveFrom
	if from.Before(start) {
		from = start
	}
	until := end
	if m.ActiveUntil != nil && m.ActiveUntil.Before(until) {
		until = *m.ActiveUntil
	}
	if !until.After(from) {
		return 0
	}
	return int64(until.Sub(from) / time.Second)
}

// Part is the distribution of one contribution bucket.
type Part struct {
	Kind         model.TransactionKind `json:"kind"`
	BusinessDate string                `json:"business_date"`
	Amount       int64                 `json:"amount"`
	Shares       []share.Share         `json:"shares"`
}

// Split distributes every bucket of the segment's pool on its own, so service
// charges and auto-gratuity reach members as what they are and on the day they
// were earned. It returns each member's total across buckets, sorted by
// employee id, with the parts.
func Split(s *model.TipGroupSegment, buckets []repository.ContributionBucket) ([]share.Share, []Part) {
	base := *s
	base.PoolAmount = 0
	totals := Distribute(&base)

	parts := make([]Part, 0, len(buckets))
	for _, b := range buckets {
		if b.Amount <= 0 {
			continue
		}
		seg := *s
		seg.PoolAmount = b.Amount
		shares := Distribute(&seg)
		for i := range shares {
			totals[i].Amount += shares[i].Amount
		}
		parts = append(parts, Part{Kind: b.Kind, BusinessDate: b.BusinessDate, Amount: b.Amount, Shares: shares})
	}
	return totals, parts
}
