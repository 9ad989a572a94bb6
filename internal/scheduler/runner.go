package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Runner fires the dispatcher on the schedule table using cron, in UTC.
type Runner struct {
	cron       *cron.Cron
	dispatcher *Dispatcher
	logger     *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	entries   map[string]cron.EntryID
	entriesMu sync.RWMutex
}

// NewRunner creates a Runner. Overlapping runs of the same trigger are skipped.
func NewRunner(dispatcher *Dispatcher, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		cron: cron.New(
			cron.WithLocation(time.UTC),
			cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
		),
		dispatcher: dispatcher,
		logger:     logger,
		entries:    make(map[string]cron.EntryID),
	}
}

// Start registers every trigger and starts the cron loop.
func (r *Runner) Start(ctx context.Context) error {
	r.logger.Info("starting scheduler")
	r.ctx, r.cancel = context.WithCancel(ctx)

	r.entriesMu.Lock()
	defer r.entriesMu.Unlock()

	for _, entry := range r.dispatcher.Entries() {
		trigger := entry.Trigger
		id, err := r.cron.AddFunc(trigger, func() {
			r.dispatcher.Dispatch(r.ctx, trigger)
		})
		if err != nil {
			return fmt.Errorf("scheduling trigger %q: %w", trigger, err)
		}
		r.entries[trigger] = id
	}

	r.cron.Start()
	r.logger.Info("scheduler started", "triggers", len(r.entries))
	return nil
}

// Stop cancels running jobs and waits for them to return.
func (r *Runner) Stop() {
	r.logger.Info("stopping scheduler")
	if r.cancel != nil {
		r.cancel()
	}
	ctx := r.cron.Stop()
	<-ctx.Done()
	r.logger.Info("scheduler stopped")
}

// NextRun returns the next scheduled run of a trigger.
func (r *Runner) NextRun(trigger string) *time.Time {
	r.entriesMu.RLock()
	defer r.entriesMu.RUnlock()

	if id, exists := r.entries[trigger]; exists {
		entry := r.cron.Entry(id)
		if !entry.Next.IsZero() {
			return &entry.Next
		}
	}
	return nil
}

// NextRuns computes upcoming fire times of every trigger after from, without starting cron.
func NextRuns(entries []Entry, from time.Time) (map[string]time.Time, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	out := make(map[string]time.Time, len(entries))
	for _, e := range entries {
		schedule, err := parser.Parse(e.Trigger)
		if err != nil {
			return nil, fmt.Errorf("parsing trigger %q: %w", e.Trigger, err)
		}
		out[e.Trigger] = schedule.Next(from.UTC())
	}
	return out, nil
}
