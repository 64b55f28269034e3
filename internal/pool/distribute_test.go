package pool

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/GetwithitMan/gwi-pos-sub000/internal/model"
	"github.com/GetwithitMan/gwi-pos-sub000/internal/share"
)

func TestDistributeRoleWeighted(t *testing.T) {
	start := time.Date(2024, 1, 1, 18, 0, 0, 0, time.UTC)
	end := start.Add(4 * time.Hour)
	half := start.Add(2 * time.Hour)

	segment := &model.TipGroupSegment{
		SplitMode:  model.SplitRoleWeighted,
		StartedAt:  start,
		EndedAt:    &end,
		PoolAmount: 1000,
		Members: []model.TipGroupSegmentMember{
			{EmployeeID: "bar", Weight: decimal.NewFromInt(2), ActiveFrom: start},
			{EmployeeID: "srv", Weight: decimal.NewFromInt(1), ActiveFrom: start},
			{EmployeeID: "run", Weight: decimal.NewFromInt(1), ActiveFrom: start, ActiveUntil: &half},
		},
	}

	// weight-seconds: bar 2×4h, srv 1×4h, run 1×2h -> 8:4:2
	got := Distribute(segment)
	assert.Equal(t, []share.Share{
		{EmployeeID: "bar", Amount: 572},
		{EmployeeID: "run", Amount: 143},
		{EmployeeID: "srv", Amount: 285},
	}, got)
	assert.Equal(t, int64(1000), share.Sum(got))
}

func TestDistributeZeroLengthFallsBackToEqual(t *testing.T) {
	start := time.Date(2024, 1, 1, 18, 0, 0, 0, time.UTC)
	segment := &model.TipGroupSegment{
		SplitMode:  model.SplitRoleWeighted,
		StartedAt:  start,
		EndedAt:    &start,
		PoolAmount: 5,
		Members: []model.TipGroupSegmentMember{
			{EmployeeID: "a", Weight: decimal.NewFromInt(3), ActiveFrom: start},
			{EmployeeID: "b", Weight: decimal.NewFromInt(1), ActiveFrom: start},
		},
	}
	assert.Equal(t, []share.Share{{EmployeeID: "a", Amount: 3}, {EmployeeID: "b", Amount: 2}}, Distribute(segment))
}

func TestDistributeNoMembers(t *testing.T) {
	assert.Empty(t, Distribute(&model.TipGroupSegment{PoolAmount: 10}))
}
