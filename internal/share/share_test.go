package share

import (
	"math/rand"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func w(id, weight string) Weight {
	return Weight{EmployeeID: id, Weight: decimal.RequireFromString(weight)}
}

func TestEqualThreeWays(t *testing.T) {
	got := Equal(100, []string{"carol", "alice", "bob"})
	assert.Equal(t, []Share{
		{EmployeeID: "alice", Amount: 34},
		{EmployeeID: "bob", Amount: 33},
		{EmployeeID: "carol", Amount: 33},
	}, got)
}

func TestApportionPercentages(t *testing.T) {
	got := Apportion(1001, []Weight{w("B", "40"), w("A", "60")})
	assert.Equal(t, []Share{{EmployeeID: "A", Amount: 601}, {EmployeeID: "B", Amount: 400}}, got)
}

func TestApportionSkipsZeroWeightForRemainder(t *testing.T) {
	got := Apportion(5, []Weight{w("a", "0"), w("b", "1"), w("c", "1")})
	assert.Equal(t, []Share{{EmployeeID: "a"}, {EmployeeID: "b", Amount: 3}, {EmployeeID: "c", Amount: 2}}, got)
}

func TestApportionNoWeight(t *testing.T) {
	got := Apportion(10, []Weight{w("a", "0")})
	assert.Equal(t, []Share{{EmployeeID: "a"}}, got)
	assert.Empty(t, Apportion(10, nil))
}

func TestApportionNeverLeaks(t *testing.T) {
	r := rand.New(rand.NewSource(7))
	for i := 0; i < 200; i++ {
		n := r.Intn(6) + 1
		weights := make([]Weight, n)
		for j := range weights {
			weights[j] = Weight{
				EmployeeID: string(rune('a' + j)),
				Weight:     decimal.NewFromInt(int64(r.Intn(1000) + 1)).Div(decimal.NewFromInt(7)),
			}
		}
		total := r.Int63n(1_000_000)
		assert.Equal(t, total, Sum(Apportion(total, weights)))
	}
}
