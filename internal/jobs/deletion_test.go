package jobs

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tminus/maintenance/internal/storage/models"
	"github.com/tminus/maintenance/internal/workflow"
)

func (h *harness) addDeletion(t *testing.T, req models.DeletionRequest) {
	t.Helper()
	require.NoError(t, h.deletions.Create(context.Background(), &req))
}

func (h *harness) deletionStatus(t *testing.T, id string) string {
	t.Helper()
	req, err := h.deletions.GetByID(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, req)
	return req.Status
}

func TestDeletionCheck(t *testing.T) {
	h := newHarness(t)
	now := h.clock.Now()
	h.addDeletion(t, models.DeletionRequest{ID: "del_due", UserID: "u_1", ScheduledAt: now.Add(-time.Hour)})
	h.addDeletion(t, models.DeletionRequest{ID: "del_future", UserID: "u_2", ScheduledAt: now.Add(time.Hour)})
	h.addDeletion(t, models.DeletionRequest{ID: "del_taken", UserID: "u_3", ScheduledAt: now.Add(-time.Hour),
		Status: models.DeletionStatusProcessing})

	summary, err := h.jobs.DeletionCheck(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Count(OutcomeStarted))

	instances := h.workflow.Instances()
	require.Len(t, instances, 1)
	assert.Equal(t, "deletion-del_due", instances[0].ID)
	assert.Equal(t, workflow.Params{RequestID: "del_due", UserID: "u_1"}, instances[0].Params)

	assert.Equal(t, models.DeletionStatusProcessing, h.deletionStatus(t, "del_due"))
	assert.Equal(t, models.DeletionStatusPending, h.deletionStatus(t, "del_future"))
}

func TestDeletionCheck_SecondRunDoesNotRetrigger(t *testing.T) {
	h := newHarness(t)
	h.addDeletion(t, models.DeletionRequest{ID: "del_1", UserID: "u_1", ScheduledAt: h.clock.Now()})

	_, err := h.jobs.DeletionCheck(context.Background())
	require.NoError(t, err)
	summary, err := h.jobs.DeletionCheck(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 0, summary.Candidates)
	assert.Len(t, h.workflow.Instances(), 1)
}

func TestDeletionCheck_NoWorkflowEngine(t *testing.T) {
	h := newHarness(t)
	h.jobs.Workflow = nil
	h.addDeletion(t, models.DeletionRequest{ID: "del_1", UserID: "u_1", ScheduledAt: h.clock.Now()})

	summary, err := h.jobs.DeletionCheck(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Count(OutcomeNoWorkflow))
	assert.Equal(t, models.DeletionStatusProcessing, h.deletionStatus(t, "del_1"))
}

func TestDeletionCheck_ExistingWorkflowIsSuccess(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.workflow.Create(context.Background(), "deletion-del_1",
		workflow.Params{RequestID: "del_1", UserID: "u_1"}))
	h.addDeletion(t, models.DeletionRequest{ID: "del_1", UserID: "u_1", ScheduledAt: h.clock.Now()})

	summary, err := h.jobs.DeletionCheck(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Count(OutcomeStarted))
	assert.Equal(t, 0, summary.Count(OutcomeFailed))
}

// flakyEngine fails Create until failures runs out, then delegates.
type flakyEngine struct {
	failures int
	next     *workflow.MemoryEngine
}

func (e *flakyEngine) Create(ctx context.Context, id string, params workflow.Params) error {
	if e.failures > 0 {
		e.failures--
		return errBoom
	}
	return e.next.Create(ctx, id, params)
}

func TestDeletionCheck_WorkflowFailureIsRetriedNextRun(t *testing.T) {
	h := newHarness(t)
	h.jobs.Workflow = &flakyEngine{failures: 1, next: h.workflow}
	h.addDeletion(t, models.DeletionRequest{ID: "del_1", UserID: "u_1", ScheduledAt: h.clock.Now()})

	summary, err := h.jobs.DeletionCheck(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Count(OutcomeFailed))
	assert.Equal(t, models.DeletionStatusPending, h.deletionStatus(t, "del_1"))
	assert.Empty(t, h.workflow.Instances())

	summary, err = h.jobs.DeletionCheck(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Count(OutcomeStarted))
	assert.Equal(t, models.DeletionStatusProcessing, h.deletionStatus(t, "del_1"))
	require.Len(t, h.workflow.Instances(), 1)
	assert.Equal(t, "deletion-del_1", h.workflow.Instances()[0].ID)
}
