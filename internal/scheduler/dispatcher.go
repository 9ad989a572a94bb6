// Package scheduler maps recurring triggers to maintenance jobs.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/tminus/maintenance/internal/jobs"
)

// Trigger identifiers. Each is the cron expression the job runs on.
const (
	TriggerSubscriptions = "0 */6 * * *"
	TriggerTokenHealth   = "0 */12 * * *"
	TriggerReconcile     = "0 3 * * *"
	TriggerDrift         = "0 4 * * *"
	TriggerDeletion      = "0 * * * *"
	TriggerHoldExpiry    = "30 * * * *"
	TriggerFeedRefresh   = "*/15 * * * *"
)

// JobFunc runs one job.
type JobFunc func(ctx context.Context) (jobs.Summary, error)

// Handler is a named job.
type Handler struct {
	Name string
	Run  JobFunc
}

// Entry is one row of the schedule table.
type Entry struct {
	Trigger  string
	Handlers []Handler
}

// Table returns the fixed schedule in a stable order.
func Table(j *jobs.Jobs) []Entry {
	return []Entry{
		{TriggerSubscriptions, []Handler{
			{"channel_renewal", j.ChannelRenewal},
			{"ms_subscription_renewal", j.SubscriptionRenewal},
		}},
		{TriggerTokenHealth, []Handler{{"token_health", j.TokenHealth}}},
		{TriggerReconcile, []Handler{{"reconciliation", j.Reconciliation}}},
		{TriggerDrift, []Handler{{"drift_computation", j.DriftComputation}}},
		{TriggerDeletion, []Handler{{"deletion_check", j.DeletionCheck}}},
		{TriggerHoldExpiry, []Handler{{"hold_expiry", j.HoldExpiry}}},
		{TriggerFeedRefresh, []Handler{{"feed_refresh", j.FeedRefresh}}},
	}
}

// Dispatcher resolves a trigger to its handlers and runs them in order.
type Dispatcher struct {
	entries []Entry
	byID    map[string][]Handler
	logger  *slog.Logger
}

// NewDispatcher creates a dispatcher over a schedule table.
func NewDispatcher(entries []Entry, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	byID := make(map[string][]Handler, len(entries))
	for _, e := range entries {
		byID[e.Trigger] = append(byID[e.Trigger], e.Handlers...)
	}
	return &Dispatcher{entries: entries, byID: byID, logger: logger}
}

// Entries returns the schedule table.
func (d *Dispatcher) Entries() []Entry {
	return d.entries
}

// Known reports whether trigger is in the table.
func (d *Dispatcher) Known(trigger string) bool {
	_, ok := d.byID[trigger]
	return ok
}

// Dispatch runs every handler of trigger in sequence. An unknown trigger is
// logged and ignored. A failing handler does not stop the ones after it.
func (d *Dispatcher) Dispatch(ctx context.Context, trigger string) []jobs.Summary {
	handlers, ok := d.byID[trigger]
	if !ok {
		d.logger.Warn("unknown trigger", "trigger", trigger)
		return nil
	}

	summaries := make([]jobs.Summary, 0, len(handlers))
	for _, h := range handlers {
		start := time.Now()
		d.logger.Info("job started", "job", h.Name, "trigger", trigger)

		summary, err := d.run(ctx, h)
		summaries = append(summaries, summary)

		attrs := append(summary.LogAttrs(), "trigger", trigger, "duration", time.Since(start))
		if err != nil {
			d.logger.Error("job failed", append(attrs, "err", err)...)
			continue
		}
		d.logger.Info("job finished", attrs...)
	}
	return summaries
}

// run invokes a handler, turning a panic into an error so later handlers still run.
func (d *Dispatcher) run(ctx context.Context, h Handler) (summary jobs.Summary, err error) {
	defer func() {
		if r := recover(); r != nil {
			summary = jobs.Summary{Job: h.Name}
			err = &PanicError{Job: h.Name, Value: r}
		}
	}()
	summary, err = h.Run(ctx)
	if summary.Job == "" {
		summary.Job = h.Name
	}
	return summary, err
}

// PanicError wraps a recovered job panic.
type PanicError struct {
	Job   string
	Value any
}

func (e *PanicError) Error() string {
	return "job " + e.Job + " panicked"
}
