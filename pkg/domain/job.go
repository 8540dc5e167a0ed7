package domain

import "time"

// JobState is the overall terminal state of a pipeline job
type JobState string

// pipeline job states
const (
	JobRunning          JobState = "running"
	JobCompleted        JobState = "completed"
	JobCompletedPartial JobState = "completed_partial"
	JobFailed           JobState = "failed"
)

// Terminal reports whether the state is final
func (s JobState) Terminal() bool {
	return s == JobCompleted || s == JobCompletedPartial || s == JobFailed
}

// StageStatus is the per-branch status within a job
type StageStatus string

// per-stage statuses
const (
	StagePending   StageStatus = "pending"
	StageCompleted StageStatus = "completed"
	StageFailed    StageStatus = "failed"
)

// StageRecord tracks one enrichment branch of a job
type StageRecord struct {
	Status   StageStatus `json:"status"`
	Attempts int         `json:"attempts"`
	Error    string      `json:"error,omitempty"`
}

// PipelineJob is the per-article tracking record for the enrichment chain.
// It is retained after completion for audit.
type PipelineJob struct {
	Fingerprint string
	State       JobState
	Stages      map[string]StageRecord
	StartedAt   time.Time
	FinishedAt  time.Time
}
