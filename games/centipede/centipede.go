/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

// Package centipede implements the payoff rules of a ten-round centipede game
// played by a fixed pair of participants.
//
// Each round consists of exactly one decision by the acting role. The round is
// settled immediately from a fixed payoff table indexed by the number of
// continuations reached so far (round number minus one), and the settlement is
// added to each participant's running total.
package centipede

import (
	"errors"
	"fmt"
	"strings"
)

const (
	NumRounds = 10
	MaxK      = 10
)

var (
	ErrRoundOutOfRange = errors.New("round out of range")
	ErrNotActing       = errors.New("role is not acting this round")
	ErrUnknownDecision = errors.New("unknown decision")
	ErrUnknownRole     = errors.New("unknown role")
)

type Role int

const (
	P1 Role = iota + 1
	P2
)

func (r Role) String() string {
	switch r {
	case P1:
		return "P1"
	case P2:
		return "P2"
	default:
		return "unknown"
	}
}

// Other returns the opposing role in the pair.
func (r Role) Other() Role {
	if r == P1 {
		return P2
	}
	return P1
}

func (r Role) MarshalText() ([]byte, error) {
	if r != P1 && r != P2 {
		return nil, fmt.Errorf("%w: %d", ErrUnknownRole, int(r))
	}
	return []byte(r.String()), nil
}

func (r *Role) UnmarshalText(b []byte) error {
	role, err := ParseRole(string(b))
	if err != nil {
		return err
	}
	*r = role
	return nil
}

func ParseRole(s string) (Role, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "P1":
		return P1, nil
	case "P2":
		return P2, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownRole, s)
	}
}

// Decision is the single move of a round. The zero value is Continue.
type Decision int

const (
	Continue Decision = iota
	Stop
)

func (d Decision) String() string {
	if d == Stop {
		return "S"
	}
	return "C"
}

func (d Decision) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Decision) UnmarshalText(b []byte) error {
	dec, err := ParseDecision(string(b))
	if err != nil {
		return err
	}
	*d = dec
	return nil
}

// ParseDecision accepts "C"/"S" or "continue"/"stop" in any case. An empty
// string is treated as Continue.
func ParseDecision(s string) (Decision, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "c", "continue":
		return Continue, nil
	case "s", "stop":
		return Stop, nil
	default:
		return Continue, fmt.Errorf("%w: %q", ErrUnknownDecision, s)
	}
}

// ActingRoleForRound returns P1 for odd rounds and P2 for even rounds.
func ActingRoleForRound(round int) Role {
	if round%2 != 0 {
		return P1
	}
	return P2
}

// ContinuationIndexForRound is the number of continuations reached when the
// given round settles, clamped to [0, MaxK].
func ContinuationIndexForRound(round int) int {
	return clamp(round-1, 0, MaxK)
}

func ValidRound(round int) bool {
	return round >= 1 && round <= NumRounds
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
