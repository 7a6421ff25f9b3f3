package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ILLUVRSE/neura-orchestra/internal/models"
)

var (
	jobColumns    = []string{"id", "job_id", "model_name", "status", "created_at"}
	metricColumns = []string{"id", "job_id", "metric_name", "value", "timestamp"}
	eventColumns  = []string{"id", "job_id", "kind", "payload", "status", "attempts", "last_error", "created_at", "processed_at"}
)

func newMockStore(t *testing.T) (*PGStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewPGStore(db), mock
}

func TestPGStoreCreateTrainingJobWritesOutboxInSameTx(t *testing.T) {
	st, mock := newMockStore(t)
	now := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO training_jobs").
		WithArgs("job-1", "resnet", models.StatusPending).
		WillReturnRows(sqlmock.NewRows(jobColumns).AddRow(1, "job-1", "resnet", "pending", now))
	mock.ExpectExec("INSERT INTO mirror_events").
		WithArgs("job-1", "create_run", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	job, err := st.CreateTrainingJob(context.Background(), TrainingJobInput{
		JobID:     "job-1",
		ModelName: "resnet",
		Outbox:    &MirrorEventInput{Kind: "create_run", Payload: json.RawMessage(`{"run_name":"job-1"}`)},
	})
	require.NoError(t, err)
	assert.Equal(t, "job-1", job.JobID)
	assert.Equal(t, models.StatusPending, job.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPGStoreCreateTrainingJobDuplicateIsConflict(t *testing.T) {
	st, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO training_jobs").
		WithArgs("job-1", "resnet", models.StatusPending).
		WillReturnError(&pq.Error{Code: pgUniqueViolation, Message: "duplicate key value"})
	mock.ExpectRollback()

	_, err := st.CreateTrainingJob(context.Background(), TrainingJobInput{JobID: "job-1", ModelName: "resnet"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConflict)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPGStoreGetTrainingJobNotFound(t *testing.T) {
	st, mock := newMockStore(t)

	mock.ExpectQuery("SELECT id, job_id, model_name, status, created_at").
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	_, err := st.GetTrainingJob(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPGStoreUpdateTrainingJobStatus(t *testing.T) {
	st, mock := newMockStore(t)
	now := time.Now().UTC()

	mock.ExpectQuery("UPDATE\\s+training_jobs").
		WithArgs("job-1", "done").
		WillReturnRows(sqlmock.NewRows(jobColumns).AddRow(1, "job-1", "resnet", "done", now))
	mock.ExpectQuery("UPDATE\\s+training_jobs").
		WithArgs("missing", "done").
		WillReturnError(sql.ErrNoRows)

	job, err := st.UpdateTrainingJobStatus(context.Background(), "job-1", "done")
	require.NoError(t, err)
	assert.Equal(t, "done", job.Status)

	_, err = st.UpdateTrainingJobStatus(context.Background(), "missing", "done")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPGStoreCreateMetricForeignKeyViolationIsNotFound(t *testing.T) {
	st, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO metrics").
		WithArgs("ghost", "accuracy", 0.92, sqlmock.AnyArg()).
		WillReturnError(&pq.Error{Code: pgForeignKeyViolation, Message: "violates foreign key constraint"})
	mock.ExpectRollback()

	_, err := st.CreateMetric(context.Background(), MetricInput{JobID: "ghost", MetricName: "accuracy", Value: 0.92})
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPGStoreListMetricsKeepsRowOrder(t *testing.T) {
	st, mock := newMockStore(t)
	now := time.Now().UTC()

	mock.ExpectQuery("SELECT id, job_id, metric_name, value").
		WithArgs("job-1").
		WillReturnRows(sqlmock.NewRows(metricColumns).
			AddRow(3, "job-1", "loss", 0.7, now).
			AddRow(5, "job-1", "loss", 0.4, now.Add(time.Second)))
	mock.ExpectQuery("SELECT id, job_id, metric_name, value").
		WithArgs("job-2").
		WillReturnRows(sqlmock.NewRows(metricColumns))

	got, err := st.ListMetrics(context.Background(), "job-1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, int64(3), got[0].ID)
	assert.Equal(t, 0.4, got[1].Value)

	empty, err := st.ListMetrics(context.Background(), "job-2")
	require.NoError(t, err)
	assert.NotNil(t, empty)
	assert.Empty(t, empty)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPGStoreClaimMirrorEventsSortsByID(t *testing.T) {
	st, mock := newMockStore(t)
	now := time.Now().UTC()

	mock.ExpectQuery("UPDATE mirror_events").
		WithArgs(10, 300.0).
		WillReturnRows(sqlmock.NewRows(eventColumns).
			AddRow(9, "job-1", "log_metric", []byte(`{}`), "in_progress", 1, nil, now, nil).
			AddRow(4, "job-1", "create_run", []byte(`{}`), "in_progress", 2, "boom", now, nil))

	events, err := st.ClaimMirrorEvents(context.Background(), ClaimInput{Limit: 10})
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, int64(4), events[0].ID)
	assert.Equal(t, "boom", events[0].LastError)
	assert.Equal(t, int64(9), events[1].ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPGStoreMarkMirrorEvent(t *testing.T) {
	st, mock := newMockStore(t)

	mock.ExpectExec("UPDATE\\s+mirror_events\\s+SET status='done'").
		WithArgs(int64(4)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE\\s+mirror_events\\s+SET status=\\$2").
		WithArgs(int64(5), models.MirrorEventPending, "timeout").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE\\s+mirror_events\\s+SET status=\\$2").
		WithArgs(int64(6), models.MirrorEventFailed, "rejected").
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, st.MarkMirrorEventDone(context.Background(), 4))
	require.NoError(t, st.MarkMirrorEventFailed(context.Background(), 5, "timeout", true))
	assert.ErrorIs(t, st.MarkMirrorEventFailed(context.Background(), 6, "rejected", false), ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPGStoreReleaseMirrorEventRefundsAttempt(t *testing.T) {
	st, mock := newMockStore(t)

	mock.ExpectExec("UPDATE\\s+mirror_events\\s+SET status='pending', attempts=GREATEST\\(attempts-1, 0\\)").
		WithArgs(int64(7), "deferred").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, st.ReleaseMirrorEvent(context.Background(), 7, "deferred"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPGStoreEnsureSchema(t *testing.T) {
	st, mock := newMockStore(t)

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS model_versions").
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, st.EnsureSchema(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}
