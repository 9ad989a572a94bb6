package jobs

import (
	"context"
	"errors"
	"fmt"

	"github.com/tminus/maintenance/internal/workflow"
)

// Deletion check outcomes.
const (
	OutcomeStarted    = "started"
	OutcomeNoWorkflow = "no_workflow"
)

// DeletionCheck moves due deletion requests to processing and starts their workflow.
func (j *Jobs) DeletionCheck(ctx context.Context) (Summary, error) {
	summary := newSummary("deletion_check")
	if j.Deletions == nil {
		return *summary, errors.New("deletion store not configured")
	}

	requests, err := j.Deletions.ListDue(ctx, j.now())
	if err != nil {
		return *summary, fmt.Errorf("listing due deletion requests: %w", err)
	}
	summary.Candidates = len(requests)

	for _, req := range requests {
		if err := ctx.Err(); err != nil {
			return *summary, err
		}

		advanced, err := j.Deletions.MarkProcessing(ctx, req.ID)
		if err != nil {
			j.Logger.Error("marking deletion processing", "request_id", req.ID, "err", err)
			summary.Add(OutcomeFailed)
			continue
		}
		if !advanced {
			summary.Add(OutcomeSkipped)
			continue
		}

		if j.Workflow == nil {
			j.Logger.Warn("deletion workflow not configured, request left in processing",
				"request_id", req.ID, "user_id", req.UserID)
			summary.Add(OutcomeNoWorkflow)
			continue
		}

		id := workflow.DeletionID(req.ID)
		err = j.Workflow.Create(ctx, id, workflow.Params{RequestID: req.ID, UserID: req.UserID})
		if err != nil && !errors.Is(err, workflow.ErrAlreadyExists) {
			j.Logger.Error("creating deletion workflow", "request_id", req.ID, "workflow_id", id, "err", err)
			// Back to pending so the next run retries; the workflow id dedupes it.
			if _, relErr := j.Deletions.ReleaseProcessing(ctx, req.ID); relErr != nil {
				j.Logger.Error("releasing deletion request", "request_id", req.ID, "err", relErr)
			}
			summary.Add(OutcomeFailed)
			continue
		}
		j.Logger.Info("deletion workflow started", "request_id", req.ID, "workflow_id", id)
		summary.Add(OutcomeStarted)
	}

	return *summary, nil
}
