package engine

import (
	"context"
	"time"

	"prodline/internal/domain"
	"prodline/internal/heatmap"
	"prodline/internal/repo"
)

// Progress is the derived state of an order line. Completed is the sum of
// ledger counts; nothing is stored, every read recomputes.
type Progress struct {
	CommandProjectID string          `json:"command_project_id"`
	Target           int             `json:"target"`
	Completed        int             `json:"completed"`
	FinalCompleted   int             `json:"final_completed"`
	Percentage       float64         `json:"percentage"`
	Sprint           *SprintProgress `json:"sprint,omitempty"`
}

// SprintProgress breaks an order line into fixed increments. Nil on lines
// with no sprint configured.
type SprintProgress struct {
	Target           int `json:"target"`
	Days             int `json:"days"`
	TotalSprints     int `json:"total_sprints"`
	CompletedSprints int `json:"completed_sprints"`
}

// CompletedCount sums ledger counts for an order line, optionally restricted
// to one operation.
func (e Engine) CompletedCount(ctx context.Context, commandProjectID, operationID string) (int, error) {
	if _, err := e.Repo.GetCommandProject(ctx, commandProjectID); err != nil {
		return 0, err
	}
	return e.Repo.SumHistory(ctx, commandProjectID, operationID)
}

// OrderLineProgress computes the full progress view of an order line.
// Percentage is 100*completed/target, 0 when the target is not positive.
func (e Engine) OrderLineProgress(ctx context.Context, commandProjectID string) (Progress, error) {
	cp, err := e.Repo.GetCommandProject(ctx, commandProjectID)
	if err != nil {
		return Progress{}, err
	}
	completed, err := e.Repo.SumHistory(ctx, commandProjectID, "")
	if err != nil {
		return Progress{}, err
	}
	finalCompleted, err := e.Repo.SumFinalHistory(ctx, commandProjectID)
	if err != nil {
		return Progress{}, err
	}
	p := Progress{
		CommandProjectID: cp.ID,
		Target:           cp.Target,
		Completed:        completed,
		FinalCompleted:   finalCompleted,
	}
	if cp.Target > 0 {
		p.Percentage = 100 * float64(completed) / float64(cp.Target)
	}
	sprint, err := e.Repo.GetSprint(ctx, commandProjectID)
	switch {
	case err == repo.ErrNotFound:
		// no sprint configured
	case err != nil:
		return Progress{}, err
	case sprint.Target > 0:
		p.Sprint = &SprintProgress{
			Target:           sprint.Target,
			Days:             sprint.Days,
			TotalSprints:     (cp.Target + sprint.Target - 1) / sprint.Target,
			CompletedSprints: completed / sprint.Target,
		}
	}
	return p, nil
}

// OperatorHeatmap buckets an operator's ledger entries by day over the
// configured window.
func (e Engine) OperatorHeatmap(ctx context.Context, operatorID string) (heatmap.Heatmap, error) {
	if _, err := e.Repo.GetOperator(ctx, operatorID); err != nil {
		return heatmap.Heatmap{}, err
	}
	windowDays := 365
	if e.Config != nil {
		windowDays = e.Config.WindowDays()
	}
	since := e.now().UTC().AddDate(0, 0, -windowDays).Format(time.RFC3339)
	entries, err := e.Repo.ListHistoryForOperatorSince(ctx, operatorID, since)
	if err != nil {
		return heatmap.Heatmap{}, err
	}
	plannings, err := e.Repo.ListPlanningsForOperator(ctx, operatorID)
	if err != nil {
		return heatmap.Heatmap{}, err
	}
	byID := make(map[string]domain.Planning, len(plannings))
	for _, p := range plannings {
		byID[p.ID] = p
	}
	return heatmap.Build(entries, byID), nil
}
