package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-pkgz/repeater/v2"

	"github.com/medscan/medscan/pkg/domain"
)

// dbJob is the database representation of a pipeline job
type dbJob struct {
	Fingerprint string       `db:"fingerprint"`
	State       string       `db:"state"`
	Stages      string       `db:"stages"` // JSON object, stage -> record
	StartedAt   time.Time    `db:"started_at"`
	FinishedAt  sql.NullTime `db:"finished_at"`
}

func (j *dbJob) toDomain() (*domain.PipelineJob, error) {
	stages := make(map[string]domain.StageRecord)
	if j.Stages != "" {
		if err := json.Unmarshal([]byte(j.Stages), &stages); err != nil {
			return nil, fmt.Errorf("parse job stages for %s: %w", j.Fingerprint, err)
		}
	}
	job := &domain.PipelineJob{
		Fingerprint: j.Fingerprint,
		State:       domain.JobState(j.State),
		Stages:      stages,
		StartedAt:   j.StartedAt,
	}
	if j.FinishedAt.Valid {
		job.FinishedAt = j.FinishedAt.Time
	}
	return job, nil
}

// GetJob retrieves a pipeline job by article fingerprint, nil when not found
func (s *Store) GetJob(ctx context.Context, fingerprint string) (*domain.PipelineJob, error) {
	var j dbJob
	err := s.conn.GetContext(ctx, &j, "SELECT * FROM pipeline_jobs WHERE fingerprint = ?", fingerprint)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j.toDomain()
}

// SaveJob upserts a pipeline job
func (s *Store) SaveJob(ctx context.Context, job *domain.PipelineJob) error {
	stages, err := json.Marshal(job.Stages)
	if err != nil {
		return fmt.Errorf("marshal job stages: %w", err)
	}

	finished := sql.NullTime{}
	if !job.FinishedAt.IsZero() {
		finished = sql.NullTime{Time: job.FinishedAt, Valid: true}
	}

	retrier := repeater.NewBackoff(5, 50*time.Millisecond, repeater.WithMaxDelay(2*time.Second))

	return retrier.Do(ctx, func() error {
		query := `
			INSERT INTO pipeline_jobs (fingerprint, state, stages, started_at, finished_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(fingerprint) DO UPDATE SET
				state = excluded.state,
				stages = excluded.stages,
				finished_at = excluded.finished_at
		`
		_, err := s.conn.ExecContext(ctx, query,
			job.Fingerprint, string(job.State), string(stages), job.StartedAt, finished)
		if err != nil {
			if isLockError(err) {
				return err // repeater will retry this
			}
			return &criticalError{err: fmt.Errorf("upsert job: %w", err)}
		}
		return nil
	})
}
