package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"flowplane/internal/store"

	"github.com/google/uuid"
)

// CreateJob inserts a job definition together with its declared edges.
// The command slice is stored as a JSON array.
func (s *Store) CreateJob(ctx context.Context, tx store.DBTransaction, job *store.Job, edges []store.JobEdge) error {
	executor := s.getExecutor(tx)

	cmdJSON, err := json.Marshal(job.Command)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO jobs (id, org_id, name, graph_version, operator, command, trust_class,
			update_strategy, max_attempts, lease_duration_secs, timeout_secs, max_queued, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`
	_, err = executor.ExecContext(ctx, query,
		job.ID, job.OrgID, job.Name, job.GraphVersion, job.Operator, cmdJSON,
		job.TrustClass, job.UpdateStrategy, job.MaxAttempts,
		int(job.LeaseDuration.Seconds()), int(job.Timeout.Seconds()),
		job.MaxQueued, job.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert job: %w", err)
	}

	for _, edge := range edges {
		_, err = executor.ExecContext(ctx,
			"INSERT INTO job_edges (job_id, dataset_id, direction) VALUES ($1, $2, $3)",
			edge.JobID, edge.DatasetID, edge.Direction,
		)
		if err != nil {
			return fmt.Errorf("failed to insert job edge: %w", err)
		}
	}

	return nil
}

const jobColumns = `id, org_id, name, graph_version, operator, command, trust_class,
	update_strategy, max_attempts, lease_duration_secs, timeout_secs, max_queued, created_at`

func scanJob(row interface {
	Scan(dest ...interface{}) error
}) (*store.Job, error) {
	var job store.Job
	var cmdJSON []byte
	var leaseSecs, timeoutSecs int

	err := row.Scan(
		&job.ID, &job.OrgID, &job.Name, &job.GraphVersion, &job.Operator, &cmdJSON,
		&job.TrustClass, &job.UpdateStrategy, &job.MaxAttempts,
		&leaseSecs, &timeoutSecs, &job.MaxQueued, &job.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	if len(cmdJSON) > 0 {
		if err := json.Unmarshal(cmdJSON, &job.Command); err != nil {
			return nil, fmt.Errorf("failed to decode job command: %w", err)
		}
	}
	job.LeaseDuration = time.Duration(leaseSecs) * time.Second
	job.Timeout = time.Duration(timeoutSecs) * time.Second
	return &job, nil
}

func (s *Store) GetJobByID(ctx context.Context, id uuid.UUID) (*store.Job, error) {
	job, err := scanJob(s.db.QueryRowContext(ctx,
		"SELECT "+jobColumns+" FROM jobs WHERE id = $1", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return job, nil
}

// ListConsumers returns the jobs with a declared input edge on the
// given dataset. This is the dependency graph hop the router performs.
func (s *Store) ListConsumers(ctx context.Context, datasetID uuid.UUID) ([]store.Job, error) {
	query := `
		SELECT j.id, j.org_id, j.name, j.graph_version, j.operator, j.command, j.trust_class,
			j.update_strategy, j.max_attempts, j.lease_duration_secs, j.timeout_secs, j.max_queued, j.created_at
		FROM jobs j
		JOIN job_edges e ON e.job_id = j.id
		WHERE e.dataset_id = $1 AND e.direction = $2
	`

	rows, err := s.db.QueryContext(ctx, query, datasetID, store.EdgeIn)
	if err != nil {
		return nil, fmt.Errorf("failed to list consumers: %w", err)
	}
	defer rows.Close()

	var jobs []store.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *job)
	}
	return jobs, rows.Err()
}

func (s *Store) ListEdges(ctx context.Context, jobID uuid.UUID) ([]store.JobEdge, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT job_id, dataset_id, direction FROM job_edges WHERE job_id = $1", jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var edges []store.JobEdge
	for rows.Next() {
		var e store.JobEdge
		if err := rows.Scan(&e.JobID, &e.DatasetID, &e.Direction); err != nil {
			return nil, err
		}
		edges = append(edges, e)
	}
	return edges, rows.Err()
}
