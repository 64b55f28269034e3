package tipout

import (
	"sort"

	"github.com/GetwithitMan/gwi-pos-sub000/internal/model"
)

// Order sorts rules into evaluation order. Equal priorities fall back to the
// configured position and then to the rule id, so two rules never compare equal.
func Order(rules []model.TipOutRule) {
	sort.SliceStable(rules, func(i, j int) bool {
		a, b := rules[i], rules[j]
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		if a.Position != b.Position {
			return a.Position < b.Position
		}
		return a.ID < b.ID
	})
}
