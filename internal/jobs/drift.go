package jobs

import (
	"context"
	"fmt"
)

// DriftComputation refreshes the stored drift alerts of every user.
func (j *Jobs) DriftComputation(ctx context.Context) (Summary, error) {
	summary := newSummary("drift_computation")

	users, err := j.Accounts.ListUserIDs(ctx)
	if err != nil {
		return *summary, fmt.Errorf("listing users: %w", err)
	}
	summary.Candidates = len(users)

	for _, userID := range users {
		if err := ctx.Err(); err != nil {
			return *summary, err
		}

		report, err := j.UserGraph.GetDriftReport(ctx, userID)
		if err != nil {
			j.Logger.Error("computing drift report", "user_id", userID, "err", err)
			summary.Add(OutcomeSkipped)
			continue
		}
		if err := j.UserGraph.StoreDriftAlerts(ctx, userID, report); err != nil {
			j.Logger.Error("storing drift alerts", "user_id", userID, "err", err)
			summary.Add(OutcomeFailed)
			continue
		}
		summary.Add(OutcomeSucceeded)
	}

	return *summary, nil
}
