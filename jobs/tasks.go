package jobs

import (
	"encoding/json"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskSandboxPurge removes stale test sessions and inactive overlays.
	TaskSandboxPurge = "sandbox:purge"
)

// SandboxPurgePayload controls how far back the purge reaches.
type SandboxPurgePayload struct {
	RetentionHours int `json:"retention_hours"`
}

// NewSandboxPurgeTask constructs an Asynq task.
func NewSandboxPurgeTask(retentionHours int) (*asynq.Task, error) {
	data, err := json.Marshal(SandboxPurgePayload{RetentionHours: retentionHours})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskSandboxPurge, data), nil
}
