/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package main

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"strconv"

	"github.com/shopspring/decimal"

	"github.com/Seednode/centipede/store"
)

var exportHeader = []string{
	"session", "pair", "participant", "username", "role", "round",
	"actor", "action", "k", "round_payoff", "cumulative_payoff", "cumulative_payout",
}

type exportRecord struct {
	store.PayoffRow
	Payout string `json:"cumulative_payout"`
}

func humanReadableSize(bytes int64) string {
	const unit int64 = 1000
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := unit, 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB",
		float64(bytes)/float64(div),
		"kMGTPE"[exp])
}

// payout converts points to currency at rate, to two places.
func payout(rate decimal.Decimal, points int) string {
	return rate.Mul(decimal.NewFromInt(int64(points))).StringFixed(2)
}

func exportRecords(rate decimal.Decimal, rows []store.PayoffRow) []exportRecord {
	out := make([]exportRecord, 0, len(rows))
	for _, row := range rows {
		out = append(out, exportRecord{
			PayoffRow: row,
			Payout:    payout(rate, row.CumulativePayoff),
		})
	}
	return out
}

func exportCSV(rate decimal.Decimal, rows []store.PayoffRow) ([]byte, error) {
	var buf bytes.Buffer

	w := csv.NewWriter(&buf)
	if err := w.Write(exportHeader); err != nil {
		return nil, err
	}

	for _, rec := range exportRecords(rate, rows) {
		err := w.Write([]string{
			rec.SessionID,
			strconv.Itoa(rec.Pair),
			rec.ParticipantID,
			rec.Username,
			rec.Role,
			strconv.Itoa(rec.Round),
			rec.Actor,
			rec.Decision,
			strconv.Itoa(rec.K),
			strconv.Itoa(rec.RoundPayoff),
			strconv.Itoa(rec.CumulativePayoff),
			rec.Payout,
		})
		if err != nil {
			return nil, err
		}
	}

	w.Flush()

	return buf.Bytes(), w.Error()
}
