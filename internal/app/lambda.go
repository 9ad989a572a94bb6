package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/aws/aws-lambda-go/events"

	"github.com/tminus/maintenance/internal/jobs"
)

// ScheduledDetail is the detail payload the EventBridge rule attaches to each
// scheduled event.
type ScheduledDetail struct {
	Cron string `json:"cron"`
}

// ScheduledResult is returned to the Lambda runtime after a dispatch.
type ScheduledResult struct {
	Trigger   string         `json:"trigger"`
	Summaries []jobs.Summary `json:"summaries"`
}

// HandleScheduledEvent dispatches the trigger carried by an EventBridge
// scheduled event. Job failures are logged by the dispatcher, never returned,
// so the runtime does not retry a whole run.
func (a *App) HandleScheduledEvent(ctx context.Context, event events.CloudWatchEvent) (ScheduledResult, error) {
	var detail ScheduledDetail
	if len(event.Detail) > 0 {
		if err := json.Unmarshal(event.Detail, &detail); err != nil {
			return ScheduledResult{}, fmt.Errorf("decoding scheduled event detail: %w", err)
		}
	}
	if detail.Cron == "" {
		return ScheduledResult{}, errors.New("scheduled event has no cron trigger")
	}

	a.logger.Info("scheduled event received", "trigger", detail.Cron, "event_id", event.ID)
	return ScheduledResult{
		Trigger:   detail.Cron,
		Summaries: a.Dispatcher.Dispatch(ctx, detail.Cron),
	}, nil
}
