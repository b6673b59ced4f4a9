package heatmap

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"prodline/internal/domain"
)

func entry(ts string, count int, planningID string) domain.OperationHistory {
	h := domain.OperationHistory{CreatedAt: ts, Count: count}
	if planningID != "" {
		h.PlanningID = &planningID
	}
	return h
}

func TestBuildAccumulatesSameDay(t *testing.T) {
	hm := Build([]domain.OperationHistory{
		entry("2026-03-01T08:00:00Z", 3, ""),
		entry("2026-03-01T14:30:00Z", 2, ""),
		entry("2026-03-02T09:00:00Z", 1, ""),
	}, nil)

	assert.Len(t, hm.Days, 2)
	assert.Equal(t, "2026-03-01", hm.Days[0].Date)
	assert.Equal(t, 5, hm.Days[0].Count)
	assert.Equal(t, 2, hm.Days[0].Level)
	assert.Equal(t, "2026-03-02", hm.Days[1].Date)
	assert.Equal(t, 1, hm.Days[1].Count)
}

func TestBuildDaysSorted(t *testing.T) {
	hm := Build([]domain.OperationHistory{
		entry("2026-03-05T08:00:00Z", 1, ""),
		entry("2026-03-01T08:00:00Z", 1, ""),
		entry("2026-03-03T08:00:00Z", 1, ""),
	}, nil)

	assert.Equal(t, []string{"2026-03-01", "2026-03-03", "2026-03-05"},
		[]string{hm.Days[0].Date, hm.Days[1].Date, hm.Days[2].Date})
}

func TestBuildPlanningWindowFromFirstEntry(t *testing.T) {
	plannings := map[string]domain.Planning{
		"pl-1": {ID: "pl-1", StartDate: "2026-03-01", EndDate: "2026-03-07"},
		"pl-2": {ID: "pl-2", StartDate: "2026-03-08", EndDate: "2026-03-14"},
	}
	hm := Build([]domain.OperationHistory{
		entry("2026-03-02T08:00:00Z", 2, "pl-1"),
		entry("2026-03-02T16:00:00Z", 2, "pl-2"),
	}, plannings)

	assert.Len(t, hm.Days, 1)
	if assert.NotNil(t, hm.Days[0].Planning) {
		assert.Equal(t, "2026-03-01", hm.Days[0].Planning.StartDate)
		assert.Equal(t, "2026-03-07", hm.Days[0].Planning.EndDate)
	}
}

func TestBuildUnknownPlanningIgnored(t *testing.T) {
	hm := Build([]domain.OperationHistory{
		entry("2026-03-02T08:00:00Z", 2, "missing"),
	}, map[string]domain.Planning{})

	assert.Nil(t, hm.Days[0].Planning)
}

func TestLevelThresholds(t *testing.T) {
	cases := map[int]int{0: 0, 1: 1, 3: 1, 4: 2, 6: 2, 7: 3, 9: 3, 10: 4, 50: 4}
	for count, want := range cases {
		assert.Equal(t, want, Level(count), "count %d", count)
	}
}

func TestBuildEmpty(t *testing.T) {
	hm := Build(nil, nil)
	assert.Empty(t, hm.Days)
}
