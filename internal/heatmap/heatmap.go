// Package heatmap buckets production ledger entries into per-day activity
// counts for operator calendars.
package heatmap

import (
	"sort"

	"prodline/internal/domain"
)

// DayRange is the planning window attached to a heatmap day.
type DayRange struct {
	StartDate string `json:"start_date"`
	EndDate   string `json:"end_date"`
}

// Cell is one calendar day of activity.
type Cell struct {
	Date     string    `json:"date"`
	Count    int       `json:"count"`
	Level    int       `json:"level"`
	Planning *DayRange `json:"planning,omitempty"`
}

// Heatmap is the per-day activity of one operator. Days holds only dates
// with at least one ledger entry, ascending.
type Heatmap struct {
	Days []Cell `json:"days"`
}

// Build aggregates ledger entries by calendar day. Counts on the same day
// accumulate. The planning window shown for a day comes from the first
// entry of that day that references a known planning.
func Build(entries []domain.OperationHistory, plannings map[string]domain.Planning) Heatmap {
	counts := make(map[string]int)
	windows := make(map[string]*DayRange)
	for _, h := range entries {
		date := day(h.CreatedAt)
		if date == "" {
			continue
		}
		counts[date] += h.Count
		if windows[date] == nil && h.PlanningID != nil {
			if p, ok := plannings[*h.PlanningID]; ok {
				windows[date] = &DayRange{StartDate: p.StartDate, EndDate: p.EndDate}
			}
		}
	}
	dates := make([]string, 0, len(counts))
	for d := range counts {
		dates = append(dates, d)
	}
	sort.Strings(dates)
	hm := Heatmap{Days: make([]Cell, 0, len(dates))}
	for _, d := range dates {
		hm.Days = append(hm.Days, Cell{
			Date:     d,
			Count:    counts[d],
			Level:    Level(counts[d]),
			Planning: windows[d],
		})
	}
	return hm
}

// Level maps a daily count to a display intensity from 0 to 4.
func Level(count int) int {
	switch {
	case count <= 0:
		return 0
	case count <= 3:
		return 1
	case count <= 6:
		return 2
	case count <= 9:
		return 3
	default:
		return 4
	}
}

// day truncates an RFC3339 timestamp to its date part.
func day(ts string) string {
	if len(ts) < 10 {
		return ""
	}
	return ts[:10]
}
