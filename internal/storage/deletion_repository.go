package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/tminus/maintenance/internal/storage/models"
)

// DeletionRepository provides data access for deletion requests.
type DeletionRepository struct {
	BaseRepository
}

// NewDeletionRepository creates a new deletion request repository.
func NewDeletionRepository(db *DB) *DeletionRepository {
	return &DeletionRepository{
		BaseRepository: NewBaseRepository(db),
	}
}

// Create inserts a new deletion request in pending state.
func (r *DeletionRepository) Create(ctx context.Context, req *models.DeletionRequest) error {
	if req.ID == "" {
		req.ID = "del_" + uuid.NewString()
	}
	if req.Status == "" {
		req.Status = models.DeletionStatusPending
	}
	req.CreatedAt = r.Now()
	req.UpdatedAt = req.CreatedAt

	_, err := r.DB().ExecContext(ctx, `
		INSERT INTO deletion_requests (id, user_id, scheduled_at, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, req.ID, req.UserID, req.ScheduledAt.UTC(), req.Status, req.CreatedAt, req.UpdatedAt)
	if err != nil {
		return fmt.Errorf("inserting deletion request: %w", err)
	}

	return nil
}

// GetByID retrieves a deletion request by its ID. It returns nil, nil when no row exists.
func (r *DeletionRepository) GetByID(ctx context.Context, id string) (*models.DeletionRequest, error) {
	req := &models.DeletionRequest{}

	err := r.DB().QueryRowContext(ctx, `
		SELECT id, user_id, scheduled_at, status, created_at, updated_at
		FROM deletion_requests WHERE id = ?
	`, id).Scan(&req.ID, &req.UserID, &req.ScheduledAt, &req.Status, &req.CreatedAt, &req.UpdatedAt)
	if isNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying deletion request: %w", err)
	}

	return req, nil
}

// ListDue returns pending requests whose scheduled time is at or before now.
func (r *DeletionRepository) ListDue(ctx context.Context, now time.Time) ([]models.DeletionRequest, error) {
	rows, err := r.DB().QueryContext(ctx, `
		SELECT id, user_id, scheduled_at, status, created_at, updated_at
		FROM deletion_requests
		WHERE status = ? AND scheduled_at <= ?
		ORDER BY scheduled_at, id
	`, models.DeletionStatusPending, now.UTC())
	if err != nil {
		return nil, fmt.Errorf("querying due deletion requests: %w", err)
	}
	defer rows.Close()

	var requests []models.DeletionRequest
	for rows.Next() {
		var req models.DeletionRequest
		if err := rows.Scan(&req.ID, &req.UserID, &req.ScheduledAt, &req.Status, &req.CreatedAt, &req.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning deletion request: %w", err)
		}
		requests = append(requests, req)
	}
	return requests, rows.Err()
}

// MarkProcessing advances a request from pending to processing.
// It reports false when another run already advanced it.
func (r *DeletionRepository) MarkProcessing(ctx context.Context, id string) (bool, error) {
	result, err := r.DB().ExecContext(ctx, `
		UPDATE deletion_requests SET status = ?, updated_at = ?
		WHERE id = ? AND status = ?
	`, models.DeletionStatusProcessing, r.Now(), id, models.DeletionStatusPending)
	if err != nil {
		return false, fmt.Errorf("marking deletion request processing: %w", err)
	}
	return affected(result)
}

// ReleaseProcessing returns a processing request to pending so the next run
// picks it up again. It reports false when the request was not processing.
func (r *DeletionRepository) ReleaseProcessing(ctx context.Context, id string) (bool, error) {
	result, err := r.DB().ExecContext(ctx, `
		UPDATE deletion_requests SET status = ?, updated_at = ?
		WHERE id = ? AND status = ?
	`, models.DeletionStatusPending, r.Now(), id, models.DeletionStatusProcessing)
	if err != nil {
		return false, fmt.Errorf("releasing deletion request: %w", err)
	}
	return affected(result)
}
