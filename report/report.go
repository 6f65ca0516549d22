// Package report aggregates revenue from closed activities.
package report

import (
	"errors"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/round-cube/parking-gate/activity"
	"github.com/round-cube/parking-gate/billing"
)

var ErrInvalidRange = errors.New("report range end must be after its start")

type Line struct {
	Key         string          `json:"key"`
	Activities  int             `json:"activities"`
	BilledHours int64           `json:"billed_hours"`
	Revenue     decimal.Decimal `json:"revenue"`
}

func (l *Line) add(hours int64, fee decimal.Decimal) {
	l.Activities++
	l.BilledHours += hours
	l.Revenue = l.Revenue.Add(fee)
}

type Summary struct {
	From   time.Time `json:"from"`
	To     time.Time `json:"to"`
	ByType []Line    `json:"by_type"`
	ByDay  []Line    `json:"by_day"`
	Total  Line      `json:"total"`
}

// Summarize totals every closed, priced activity whose exit falls in
// [from, to). Days are UTC calendar days of the exit.
func Summarize(activities []activity.Activity, from, to time.Time) (Summary, error) {
	if !to.After(from) {
		return Summary{}, ErrInvalidRange
	}

	byType := make(map[string]*Line)
	byDay := make(map[string]*Line)
	s := Summary{From: from.UTC(), To: to.UTC(), Total: Line{Key: "total"}}

	for _, a := range activities {
		if a.IsOpen() || a.Fee == nil {
			continue
		}
		exit := *a.ExitTime
		if exit.Before(from) || !exit.Before(to) {
			continue
		}
		hours, err := billing.BillableHours(a.EntryTime, exit)
		if err != nil {
			continue
		}

		vt := billing.NormalizeType(a.VehicleType)
		if byType[vt] == nil {
			byType[vt] = &Line{Key: vt}
		}
		byType[vt].add(hours, *a.Fee)

		day := exit.UTC().Format(time.DateOnly)
		if byDay[day] == nil {
			byDay[day] = &Line{Key: day}
		}
		byDay[day].add(hours, *a.Fee)

		s.Total.add(hours, *a.Fee)
	}

	s.ByType = sortedLines(byType)
	s.ByDay = sortedLines(byDay)
	return s, nil
}

func sortedLines(m map[string]*Line) []Line {
	lines := make([]Line, 0, len(m))
	for _, l := range m {
		lines = append(lines, *l)
	}
	sort.Slice(lines, func(i, j int) bool { return lines[i].Key < lines[j].Key })
	return lines
}
