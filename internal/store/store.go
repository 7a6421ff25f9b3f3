package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/lib/pq"

	"github.com/ILLUVRSE/neura-orchestra/internal/models"
)

var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("conflict")
)

const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
)

type Store interface {
	CreateModelVersion(ctx context.Context, in ModelVersionInput) (models.ModelVersion, error)
	ListModelVersions(ctx context.Context, modelName string) ([]models.ModelVersion, error)
	CreateTrainingJob(ctx context.Context, in TrainingJobInput) (models.TrainingJob, error)
	GetTrainingJob(ctx context.Context, jobID string) (models.TrainingJob, error)
	UpdateTrainingJobStatus(ctx context.Context, jobID string, status string) (models.TrainingJob, error)
	CreateMetric(ctx context.Context, in MetricInput) (models.Metric, error)
	ListMetrics(ctx context.Context, jobID string) ([]models.Metric, error)
	CreateHyperparameter(ctx context.Context, in HyperparameterInput) (models.Hyperparameter, error)
	ListHyperparameters(ctx context.Context, jobID string) ([]models.Hyperparameter, error)
	ClaimMirrorEvents(ctx context.Context, in ClaimInput) ([]models.MirrorEvent, error)
	MarkMirrorEventDone(ctx context.Context, id int64) error
	MarkMirrorEventFailed(ctx context.Context, id int64, reason string, retry bool) error
	// ReleaseMirrorEvent returns a claimed event to pending without counting the claim as an attempt.
	ReleaseMirrorEvent(ctx context.Context, id int64, reason string) error
	Ping(ctx context.Context) error
}

type ModelVersionInput struct {
	ModelName string
	Version   string
}

type TrainingJobInput struct {
	JobID     string
	ModelName string
	Status    string
	Outbox    *MirrorEventInput
}

type MetricInput struct {
	JobID      string
	MetricName string
	Value      float64
	Timestamp  time.Time
	Outbox     *MirrorEventInput
}

type HyperparameterInput struct {
	JobID      string
	ParamName  string
	ParamValue float64
	Timestamp  time.Time
	Outbox     *MirrorEventInput
}

// MirrorEventInput is written in the same transaction as the row it accompanies.
type MirrorEventInput struct {
	Kind    string
	Payload json.RawMessage
}

type ClaimInput struct {
	Limit int
	// Lease is how long an in_progress event may stay claimed before another relay may take it.
	Lease time.Duration
}

type PGStore struct {
	db *sql.DB
}

func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

func classify(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch string(pqErr.Code) {
		case pgUniqueViolation:
			return fmt.Errorf("%w: %s", ErrConflict, pqErr.Message)
		case pgForeignKeyViolation:
			return fmt.Errorf("%w: %s", ErrNotFound, pqErr.Message)
		}
	}
	return err
}

func ensureJSON(raw json.RawMessage, fallback string) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage(fallback)
	}
	return raw
}

func stamp(ts time.Time) time.Time {
	if ts.IsZero() {
		return time.Now().UTC()
	}
	return ts.UTC()
}

func scanModelVersion(row rowScanner) (models.ModelVersion, error) {
	var mv models.ModelVersion
	if err := row.Scan(&mv.ID, &mv.ModelName, &mv.Version, &mv.CreatedAt); err != nil {
		return models.ModelVersion{}, err
	}
	return mv, nil
}

func scanTrainingJob(row rowScanner) (models.TrainingJob, error) {
	var job models.TrainingJob
	if err := row.Scan(&job.ID, &job.JobID, &job.ModelName, &job.Status, &job.CreatedAt); err != nil {
		return models.TrainingJob{}, err
	}
	return job, nil
}

func scanMetric(row rowScanner) (models.Metric, error) {
	var m models.Metric
	if err := row.Scan(&m.ID, &m.JobID, &m.MetricName, &m.Value, &m.Timestamp); err != nil {
		return models.Metric{}, err
	}
	return m, nil
}

func scanHyperparameter(row rowScanner) (models.Hyperparameter, error) {
	var h models.Hyperparameter
	if err := row.Scan(&h.ID, &h.JobID, &h.ParamName, &h.ParamValue, &h.Timestamp); err != nil {
		return models.Hyperparameter{}, err
	}
	return h, nil
}

func scanMirrorEvent(row rowScanner) (models.MirrorEvent, error) {
	var (
		ev          models.MirrorEvent
		payload     []byte
		lastError   sql.NullString
		processedAt sql.NullTime
	)
	if err := row.Scan(
		&ev.ID,
		&ev.JobID,
		&ev.Kind,
		&payload,
		&ev.Status,
		&ev.Attempts,
		&lastError,
		&ev.CreatedAt,
		&processedAt,
	); err != nil {
		return models.MirrorEvent{}, err
	}
	ev.Payload = append(json.RawMessage(nil), payload...)
	if lastError.Valid {
		ev.LastError = lastError.String
	}
	if processedAt.Valid {
		t := processedAt.Time
		ev.ProcessedAt = &t
	}
	return ev, nil
}

func (s *PGStore) CreateModelVersion(ctx context.Context, in ModelVersionInput) (models.ModelVersion, error) {
	const query = `
		INSERT INTO model_versions (model_name, version)
		VALUES ($1,$2)
		RETURNING id, model_name, version, created_at
	`
	mv, err := scanModelVersion(s.db.QueryRowContext(ctx, query, in.ModelName, in.Version))
	if err != nil {
		return models.ModelVersion{}, fmt.Errorf("insert model version: %w", err)
	}
	return mv, nil
}

func (s *PGStore) ListModelVersions(ctx context.Context, modelName string) ([]models.ModelVersion, error) {
	const query = `
		SELECT id, model_name, version, created_at
		FROM model_versions
		WHERE model_name = $1
		ORDER BY id
	`
	rows, err := s.db.QueryContext(ctx, query, modelName)
	if err != nil {
		return nil, fmt.Errorf("list model versions: %w", err)
	}
	defer rows.Close()

	versions := []models.ModelVersion{}
	for rows.Next() {
		mv, err := scanModelVersion(rows)
		if err != nil {
			return nil, fmt.Errorf("scan model version: %w", err)
		}
		versions = append(versions, mv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate model versions: %w", err)
	}
	return versions, nil
}

func (s *PGStore) CreateTrainingJob(ctx context.Context, in TrainingJobInput) (models.TrainingJob, error) {
	if in.Status == "" {
		in.Status = models.StatusPending
	}
	var job models.TrainingJob
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		const query = `
			INSERT INTO training_jobs (job_id, model_name, status)
			VALUES ($1,$2,$3)
			RETURNING id, job_id, model_name, status, created_at
		`
		var err error
		job, err = scanTrainingJob(tx.QueryRowContext(ctx, query, in.JobID, in.ModelName, in.Status))
		if err != nil {
			return fmt.Errorf("insert training job: %w", classify(err))
		}
		return insertMirrorEvent(ctx, tx, in.JobID, in.Outbox)
	})
	if err != nil {
		return models.TrainingJob{}, err
	}
	return job, nil
}

func (s *PGStore) GetTrainingJob(ctx context.Context, jobID string) (models.TrainingJob, error) {
	const query = `
		SELECT id, job_id, model_name, status, created_at
		FROM training_jobs WHERE job_id=$1
	`
	job, err := scanTrainingJob(s.db.QueryRowContext(ctx, query, jobID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.TrainingJob{}, ErrNotFound
		}
		return models.TrainingJob{}, fmt.Errorf("get training job: %w", err)
	}
	return job, nil
}

func (s *PGStore) UpdateTrainingJobStatus(ctx context.Context, jobID string, status string) (models.TrainingJob, error) {
	const query = `
		UPDATE training_jobs
		SET status=$2
		WHERE job_id=$1
		RETURNING id, job_id, model_name, status, created_at
	`
	job, err := scanTrainingJob(s.db.QueryRowContext(ctx, query, jobID, status))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.TrainingJob{}, ErrNotFound
		}
		return models.TrainingJob{}, fmt.Errorf("update training job: %w", err)
	}
	return job, nil
}

func (s *PGStore) CreateMetric(ctx context.Context, in MetricInput) (models.Metric, error) {
	var metric models.Metric
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		const query = `
			INSERT INTO metrics (job_id, metric_name, value, "timestamp")
			VALUES ($1,$2,$3,$4)
			RETURNING id, job_id, metric_name, value, "timestamp"
		`
		var err error
		metric, err = scanMetric(tx.QueryRowContext(ctx, query, in.JobID, in.MetricName, in.Value, stamp(in.Timestamp)))
		if err != nil {
			return fmt.Errorf("insert metric: %w", classify(err))
		}
		return insertMirrorEvent(ctx, tx, in.JobID, in.Outbox)
	})
	if err != nil {
		return models.Metric{}, err
	}
	return metric, nil
}

func (s *PGStore) ListMetrics(ctx context.Context, jobID string) ([]models.Metric, error) {
	const query = `
		SELECT id, job_id, metric_name, value, "timestamp"
		FROM metrics
		WHERE job_id = $1
		ORDER BY id
	`
	rows, err := s.db.QueryContext(ctx, query, jobID)
	if err != nil {
		return nil, fmt.Errorf("list metrics: %w", err)
	}
	defer rows.Close()

	metrics := []models.Metric{}
	for rows.Next() {
		m, err := scanMetric(rows)
		if err != nil {
			return nil, fmt.Errorf("scan metric: %w", err)
		}
		metrics = append(metrics, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate metrics: %w", err)
	}
	return metrics, nil
}

func (s *PGStore) CreateHyperparameter(ctx context.Context, in HyperparameterInput) (models.Hyperparameter, error) {
	var hp models.Hyperparameter
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		const query = `
			INSERT INTO hyperparameters (job_id, param_name, param_value, "timestamp")
			VALUES ($1,$2,$3,$4)
			RETURNING id, job_id, param_name, param_value, "timestamp"
		`
		var err error
		hp, err = scanHyperparameter(tx.QueryRowContext(ctx, query, in.JobID, in.ParamName, in.ParamValue, stamp(in.Timestamp)))
		if err != nil {
			return fmt.Errorf("insert hyperparameter: %w", classify(err))
		}
		return insertMirrorEvent(ctx, tx, in.JobID, in.Outbox)
	})
	if err != nil {
		return models.Hyperparameter{}, err
	}
	return hp, nil
}

func (s *PGStore) ListHyperparameters(ctx context.Context, jobID string) ([]models.Hyperparameter, error) {
	const query = `
		SELECT id, job_id, param_name, param_value, "timestamp"
		FROM hyperparameters
		WHERE job_id = $1
		ORDER BY id
	`
	rows, err := s.db.QueryContext(ctx, query, jobID)
	if err != nil {
		return nil, fmt.Errorf("list hyperparameters: %w", err)
	}
	defer rows.Close()

	params := []models.Hyperparameter{}
	for rows.Next() {
		h, err := scanHyperparameter(rows)
		if err != nil {
			return nil, fmt.Errorf("scan hyperparameter: %w", err)
		}
		params = append(params, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate hyperparameters: %w", err)
	}
	return params, nil
}

func insertMirrorEvent(ctx context.Context, db execer, jobID string, in *MirrorEventInput) error {
	if in == nil {
		return nil
	}
	const query = `
		INSERT INTO mirror_events (job_id, kind, payload)
		VALUES ($1,$2,$3)
	`
	if _, err := db.ExecContext(ctx, query, jobID, in.Kind, []byte(ensureJSON(in.Payload, "{}"))); err != nil {
		return fmt.Errorf("insert mirror event: %w", classify(err))
	}
	return nil
}

func (s *PGStore) ClaimMirrorEvents(ctx context.Context, in ClaimInput) ([]models.MirrorEvent, error) {
	limit := normalizeLimit(in.Limit)
	lease := in.Lease
	if lease <= 0 {
		lease = 5 * time.Minute
	}
	const query = `
		UPDATE mirror_events
		SET status='in_progress', attempts=attempts+1, claimed_at=NOW()
		WHERE id IN (
			SELECT id FROM mirror_events
			WHERE status='pending'
			   OR (status='in_progress' AND claimed_at < NOW() - make_interval(secs => $2))
			ORDER BY id
			FOR UPDATE SKIP LOCKED
			LIMIT $1
		)
		RETURNING id, job_id, kind, payload, status, attempts, last_error, created_at, processed_at
	`
	rows, err := s.db.QueryContext(ctx, query, limit, lease.Seconds())
	if err != nil {
		return nil, fmt.Errorf("claim mirror events: %w", err)
	}
	defer rows.Close()

	var events []models.MirrorEvent
	for rows.Next() {
		ev, err := scanMirrorEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan mirror event: %w", err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate mirror events: %w", err)
	}
	// RETURNING carries no ordering guarantee.
	sort.Slice(events, func(i, j int) bool { return events[i].ID < events[j].ID })
	return events, nil
}

func (s *PGStore) MarkMirrorEventDone(ctx context.Context, id int64) error {
	const query = `
		UPDATE mirror_events
		SET status='done', last_error=NULL, processed_at=NOW()
		WHERE id=$1
	`
	return s.execOne(ctx, "mark mirror event done", query, id)
}

func (s *PGStore) MarkMirrorEventFailed(ctx context.Context, id int64, reason string, retry bool) error {
	status := models.MirrorEventFailed
	if retry {
		status = models.MirrorEventPending
	}
	const query = `
		UPDATE mirror_events
		SET status=$2, last_error=$3, processed_at=NOW()
		WHERE id=$1
	`
	return s.execOne(ctx, "mark mirror event failed", query, id, status, reason)
}

func (s *PGStore) ReleaseMirrorEvent(ctx context.Context, id int64, reason string) error {
	const query = `
		UPDATE mirror_events
		SET status='pending', attempts=GREATEST(attempts-1, 0), last_error=$2
		WHERE id=$1
	`
	return s.execOne(ctx, "release mirror event", query, id, reason)
}

func (s *PGStore) execOne(ctx context.Context, op string, query string, args ...interface{}) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PGStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return 50
	}
	if limit > 500 {
		return 500
	}
	return limit
}

func (s *PGStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("db ping: %w", err)
	}
	return nil
}
