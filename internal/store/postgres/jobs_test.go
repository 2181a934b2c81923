package postgres

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"reflect"
	"testing"
	"time"

	"flowplane/internal/store"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
)

var jobRowColumns = []string{
	"id", "org_id", "name", "graph_version", "operator", "command", "trust_class",
	"update_strategy", "max_attempts", "lease_duration_secs", "timeout_secs", "max_queued", "created_at",
}

func jobRow(j *store.Job) []driver.Value {
	return []driver.Value{
		j.ID, j.OrgID, j.Name, j.GraphVersion, j.Operator, []byte(`["python","main.py"]`),
		j.TrustClass, j.UpdateStrategy, j.MaxAttempts,
		int(j.LeaseDuration.Seconds()), int(j.Timeout.Seconds()), j.MaxQueued, j.CreatedAt,
	}
}

func TestCreateJob_InsertsJobAndEdges(t *testing.T) {
	s, mock := newMockStore(t)

	job := &store.Job{
		ID:             uuid.New(),
		OrgID:          uuid.New(),
		Name:           "ingest-events",
		GraphVersion:   1,
		Operator:       "ghcr.io/acme/ingest:v3",
		Command:        []string{"python", "main.py"},
		TrustClass:     store.TrustUntrustedBundle,
		UpdateStrategy: store.UpdateReplace,
		MaxAttempts:    3,
		LeaseDuration:  5 * time.Minute,
		Timeout:        time.Hour,
		CreatedAt:      time.Now(),
	}
	edges := []store.JobEdge{
		{JobID: job.ID, DatasetID: uuid.New(), Direction: store.EdgeIn},
		{JobID: job.ID, DatasetID: uuid.New(), Direction: store.EdgeOut},
	}

	mock.ExpectExec("INSERT INTO jobs").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO job_edges").
		WithArgs(edges[0].JobID, edges[0].DatasetID, store.EdgeIn).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO job_edges").
		WithArgs(edges[1].JobID, edges[1].DatasetID, store.EdgeOut).
		WillReturnResult(sqlmock.NewResult(1, 1))

	if err := s.CreateJob(context.Background(), nil, job, edges); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestGetJobByID_DecodesDurationsAndCommand(t *testing.T) {
	s, mock := newMockStore(t)

	job := &store.Job{
		ID:             uuid.New(),
		OrgID:          uuid.New(),
		Name:           "ingest-events",
		GraphVersion:   2,
		Operator:       "ghcr.io/acme/ingest:v3",
		TrustClass:     store.TrustTrustedOperator,
		UpdateStrategy: store.UpdateAppend,
		MaxAttempts:    3,
		LeaseDuration:  5 * time.Minute,
		Timeout:        time.Hour,
		MaxQueued:      100,
		CreatedAt:      time.Now(),
	}

	mock.ExpectQuery("SELECT (.+) FROM jobs WHERE id").
		WithArgs(job.ID).
		WillReturnRows(sqlmock.NewRows(jobRowColumns).AddRow(jobRow(job)...))

	got, err := s.GetJobByID(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.LeaseDuration != 5*time.Minute {
		t.Errorf("expected lease duration 5m, got %v", got.LeaseDuration)
	}
	if got.Timeout != time.Hour {
		t.Errorf("expected timeout 1h, got %v", got.Timeout)
	}
	if !reflect.DeepEqual(got.Command, []string{"python", "main.py"}) {
		t.Errorf("expected decoded command, got %v", got.Command)
	}
}

func TestGetJobByID_NotFound(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery("SELECT (.+) FROM jobs WHERE id").
		WillReturnError(sql.ErrNoRows)

	_, err := s.GetJobByID(context.Background(), uuid.New())
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestListConsumers(t *testing.T) {
	s, mock := newMockStore(t)

	datasetID := uuid.New()
	consumer := &store.Job{
		ID: uuid.New(), OrgID: uuid.New(), Name: "derive-metrics",
		GraphVersion: 1, Operator: "ghcr.io/acme/metrics:v1",
		TrustClass: store.TrustUntrustedBundle, UpdateStrategy: store.UpdateReplace,
		MaxAttempts: 3, LeaseDuration: time.Minute, Timeout: time.Minute,
		CreatedAt: time.Now(),
	}

	mock.ExpectQuery("JOIN job_edges e ON").
		WithArgs(datasetID, store.EdgeIn).
		WillReturnRows(sqlmock.NewRows(jobRowColumns).AddRow(jobRow(consumer)...))

	jobs, err := s.ListConsumers(context.Background(), datasetID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(jobs) != 1 {
		t.Fatalf("expected 1 consumer, got %d", len(jobs))
	}
	if jobs[0].Name != "derive-metrics" {
		t.Errorf("expected derive-metrics, got %s", jobs[0].Name)
	}
}

func TestListEdges(t *testing.T) {
	s, mock := newMockStore(t)

	jobID := uuid.New()
	in := uuid.New()
	out := uuid.New()

	mock.ExpectQuery("SELECT job_id, dataset_id, direction FROM job_edges").
		WithArgs(jobID).
		WillReturnRows(sqlmock.NewRows([]string{"job_id", "dataset_id", "direction"}).
			AddRow(jobID, in, store.EdgeIn).
			AddRow(jobID, out, store.EdgeOut))

	edges, err := s.ListEdges(context.Background(), jobID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(edges) != 2 {
		t.Fatalf("expected 2 edges, got %d", len(edges))
	}
	if edges[0].Direction != store.EdgeIn || edges[1].Direction != store.EdgeOut {
		t.Error("expected one input and one output edge")
	}
}
