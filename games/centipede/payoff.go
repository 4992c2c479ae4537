/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package centipede

// Payoff is the pair of points awarded to P1 and P2 for one settlement.
type Payoff struct {
	P1 int `json:"p1"`
	P2 int `json:"p2"`
}

// For returns the payoff owed to the given role.
func (p Payoff) For(role Role) int {
	if role == P2 {
		return p.P2
	}
	return p.P1
}

var payoffTable = [MaxK + 1]Payoff{
	{1, 1}, {0, 4}, {3, 3}, {2, 6}, {5, 5},
	{4, 8}, {7, 7}, {6, 10}, {9, 9}, {8, 12}, {11, 11},
}

// PayoffAt looks up the table entry for continuation count k. Out of range
// counts are clamped to the nearest end of the table.
func PayoffAt(k int) Payoff {
	return payoffTable[clamp(k, 0, MaxK)]
}

// PayoffTable returns a copy of the full table, indexed by continuation count.
func PayoffTable() []Payoff {
	out := make([]Payoff, len(payoffTable))
	copy(out, payoffTable[:])
	return out
}
