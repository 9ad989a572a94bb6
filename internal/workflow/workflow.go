// Package workflow starts durable deletion processes.
package workflow

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrAlreadyExists is returned when a workflow with the same id was already created.
var ErrAlreadyExists = errors.New("workflow already exists")

// Status values of a created workflow.
const (
	StatusQueued = "queued"
)

// Params are the inputs of a deletion workflow.
type Params struct {
	RequestID string `json:"request_id" dynamodbav:"request_id"`
	UserID    string `json:"user_id" dynamodbav:"user_id"`
}

// Engine creates workflow instances keyed by a caller-chosen id.
type Engine interface {
	Create(ctx context.Context, id string, params Params) error
}

// DeletionID is the deterministic workflow id for a deletion request.
func DeletionID(requestID string) string {
	return "deletion-" + requestID
}

// Instance is a created workflow as recorded by the memory engine.
type Instance struct {
	ID        string
	Params    Params
	CreatedAt time.Time
}

// MemoryEngine records workflows in process memory.
type MemoryEngine struct {
	mu        sync.Mutex
	instances map[string]Instance
	order     []string
	now       func() time.Time
}

// NewMemoryEngine creates an empty MemoryEngine.
func NewMemoryEngine() *MemoryEngine {
	return &MemoryEngine{
		instances: make(map[string]Instance),
		now:       time.Now,
	}
}

// Create records a workflow instance.
func (e *MemoryEngine) Create(_ context.Context, id string, params Params) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, exists := e.instances[id]; exists {
		return ErrAlreadyExists
	}
	e.instances[id] = Instance{ID: id, Params: params, CreatedAt: e.now().UTC()}
	e.order = append(e.order, id)
	return nil
}

// Instances returns the created workflows in creation order.
func (e *MemoryEngine) Instances() []Instance {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]Instance, 0, len(e.order))
	for _, id := range e.order {
		out = append(out, e.instances[id])
	}
	return out
}
