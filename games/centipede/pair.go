/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package centipede

import (
	"sync"
)

// Account is one participant's running payoff state. RoundPayoff holds the
// most recent settlement; CumulativePayoff never decreases.
type Account struct {
	Role             Role `json:"role"`
	RoundPayoff      int  `json:"round_payoff"`
	CumulativePayoff int  `json:"cumulative_payoff"`
}

// Settlement is the outcome of a settled round.
type Settlement struct {
	Round  int    `json:"round"`
	Index  int    `json:"k"`
	Payoff Payoff `json:"payoff"`
}

// RoundState tracks a single round. It moves from pending to settled exactly
// once.
type RoundState struct {
	Number     int        `json:"round"`
	Settled    bool       `json:"settled"`
	Decided    bool       `json:"decided"`
	Decision   Decision   `json:"decision"`
	Settlement Settlement `json:"settlement"`
}

func (s RoundState) ActingRole() Role {
	return ActingRoleForRound(s.Number)
}

func (s RoundState) ContinuationIndex() int {
	return ContinuationIndexForRound(s.Number)
}

// HistoryEntry is one logged decision.
type HistoryEntry struct {
	Round    int      `json:"round"`
	Actor    Role     `json:"actor"`
	Decision Decision `json:"action"`
}

// Settle applies the payoff for round to both accounts and returns the
// updated accounts along with the settlement.
func Settle(round int, p1, p2 Account) (Account, Account, Settlement) {
	k := ContinuationIndexForRound(round)
	pay := PayoffAt(k)

	p1.RoundPayoff = pay.P1
	p1.CumulativePayoff += pay.P1
	p2.RoundPayoff = pay.P2
	p2.CumulativePayoff += pay.P2

	return p1, p2, Settlement{Round: round, Index: k, Payoff: pay}
}

// Pair holds the fixed pairing of two participants for a whole session: both
// accounts, the state of every round and the decision history.
type Pair struct {
	mu      sync.Mutex
	p1      Account
	p2      Account
	rounds  [NumRounds]RoundState
	history []HistoryEntry
}

func NewPair() *Pair {
	p := &Pair{
		p1: Account{Role: P1},
		p2: Account{Role: P2},
	}
	for i := range p.rounds {
		p.rounds[i].Number = i + 1
	}
	return p
}

// SettleRound settles the given round and credits both accounts. Settling an
// already settled round returns the original settlement and false without
// crediting anything. Rounds outside 1..NumRounds have no state and are
// ignored.
func (p *Pair) SettleRound(round int) (Settlement, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.settleLocked(round)
}

func (p *Pair) settleLocked(round int) (Settlement, bool) {
	if !ValidRound(round) {
		return Settlement{}, false
	}

	rs := &p.rounds[round-1]
	if rs.Settled {
		return rs.Settlement, false
	}

	var s Settlement
	p.p1, p.p2, s = Settle(round, p.p1, p.p2)

	rs.Settled = true
	rs.Settlement = s

	return s, true
}

// RecordDecision appends a history entry. It does not affect payoffs.
func (p *Pair) RecordDecision(round int, actor Role, decision Decision) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.recordLocked(round, actor, decision)
}

func (p *Pair) recordLocked(round int, actor Role, decision Decision) {
	p.history = append(p.history, HistoryEntry{
		Round:    round,
		Actor:    actor,
		Decision: decision,
	})

	if ValidRound(round) {
		p.rounds[round-1].Decided = true
		p.rounds[round-1].Decision = decision
	}
}

// Decide processes the acting role's single submission for a round: the
// decision is logged and the round settled. A repeated submission for a
// settled round returns the stored settlement and false.
func (p *Pair) Decide(round int, actor Role, decision Decision) (Settlement, bool, error) {
	if !ValidRound(round) {
		return Settlement{}, false, ErrRoundOutOfRange
	}
	if actor != ActingRoleForRound(round) {
		return Settlement{}, false, ErrNotActing
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if rs := p.rounds[round-1]; rs.Settled {
		return rs.Settlement, false, nil
	}

	p.recordLocked(round, actor, decision)
	s, applied := p.settleLocked(round)

	return s, applied, nil
}

func (p *Pair) Account(role Role) Account {
	p.mu.Lock()
	defer p.mu.Unlock()

	if role == P2 {
		return p.p2
	}
	return p.p1
}

// Totals returns both cumulative payoffs.
func (p *Pair) Totals() Payoff {
	p.mu.Lock()
	defer p.mu.Unlock()

	return Payoff{P1: p.p1.CumulativePayoff, P2: p.p2.CumulativePayoff}
}

func (p *Pair) Round(round int) (RoundState, bool) {
	if !ValidRound(round) {
		return RoundState{}, false
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	return p.rounds[round-1], true
}

func (p *Pair) History() []HistoryEntry {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]HistoryEntry, len(p.history))
	copy(out, p.history)
	return out
}

// NextRound returns the first unsettled round, or NumRounds+1 once every
// round has settled.
func (p *Pair) NextRound() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, rs := range p.rounds {
		if !rs.Settled {
			return rs.Number
		}
	}
	return NumRounds + 1
}

func (p *Pair) Complete() bool {
	return p.NextRound() > NumRounds
}
