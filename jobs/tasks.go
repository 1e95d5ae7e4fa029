// Package jobs contains the asynq task definitions and handlers for
// background maintenance work.
package jobs

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskPendingGrantCleanup purges onboarding flows stuck past the age
	// threshold.
	TaskPendingGrantCleanup = "onboarding:pending_cleanup"
	// TaskAuditTrim trims old audit log entries.
	TaskAuditTrim = "audit:trim"
)

// PendingGrantCleanupPayload bounds the cleanup run.
type PendingGrantCleanupPayload struct {
	MaxAge time.Duration `json:"max_age"`
}

// NewPendingGrantCleanupTask builds the cleanup task.
func NewPendingGrantCleanupTask(maxAge time.Duration) (*asynq.Task, error) {
	if maxAge <= 0 {
		return nil, fmt.Errorf("jobs: cleanup max age must be positive, got %s", maxAge)
	}
	body, err := json.Marshal(PendingGrantCleanupPayload{MaxAge: maxAge})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskPendingGrantCleanup, body, asynq.Queue(QueueDefault)), nil
}

// AuditTrimPayload bounds the audit retention trim.
type AuditTrimPayload struct {
	Retention time.Duration `json:"retention"`
}

// NewAuditTrimTask builds the audit trim task.
func NewAuditTrimTask(retention time.Duration) (*asynq.Task, error) {
	if retention <= 0 {
		return nil, fmt.Errorf("jobs: audit retention must be positive, got %s", retention)
	}
	body, err := json.Marshal(AuditTrimPayload{Retention: retention})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskAuditTrim, body, asynq.Queue(QueueDefault)), nil
}
