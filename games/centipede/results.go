/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package centipede

import (
	"errors"
	"fmt"
)

// Result is a settlement seen from one participant's side.
type Result struct {
	Round          int  `json:"round"`
	ContinuedTimes int  `json:"continued_times"`
	Index          int  `json:"k"`
	Role           Role `json:"role"`
	MyPayoff       int  `json:"my_pay"`
	OtherPayoff    int  `json:"opp_pay"`
}

func ResultFor(role Role, s Settlement) Result {
	return Result{
		Round:          s.Round,
		ContinuedTimes: s.Round - 1,
		Index:          s.Index,
		Role:           role,
		MyPayoff:       s.Payoff.For(role),
		OtherPayoff:    s.Payoff.For(role.Other()),
	}
}

var ErrWrongAnswer = errors.New("wrong answer")

// PracticeQuestion asks for both payoffs at a given continuation count.
type PracticeQuestion struct {
	ID       int    `json:"id"`
	K        int    `json:"k"`
	Scenario string `json:"scenario"`
}

var practiceQuestions = []PracticeQuestion{
	{ID: 1, K: 3, Scenario: "P1 C, P2 C, P1 C, P2 S"},
	{ID: 2, K: 0, Scenario: "P1 S, game ends immediately"},
}

func PracticeQuestions() []PracticeQuestion {
	out := make([]PracticeQuestion, len(practiceQuestions))
	copy(out, practiceQuestions)
	return out
}

// CheckPractice validates an answer, given in P1 then P2 order.
func CheckPractice(id, p1, p2 int) error {
	for _, q := range practiceQuestions {
		if q.ID != id {
			continue
		}

		want := PayoffAt(q.K)
		if p1 != want.P1 || p2 != want.P2 {
			return fmt.Errorf("%w: check the payoff table at k=%d (P1 first, then P2)", ErrWrongAnswer, q.K)
		}
		return nil
	}

	return fmt.Errorf("unknown practice question %d", id)
}
