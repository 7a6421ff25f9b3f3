package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/ILLUVRSE/neura-orchestra/internal/models"
)

// MemoryStore keeps every table in slices so scans return rows in insertion order.
type MemoryStore struct {
	mu              sync.RWMutex
	seq             int64
	versions        []models.ModelVersion
	jobs            []models.TrainingJob
	jobIndex        map[string]int
	metrics         []models.Metric
	hyperparameters []models.Hyperparameter
	events          []memoryEvent
}

type memoryEvent struct {
	event     models.MirrorEvent
	claimedAt time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobIndex: map[string]int{},
	}
}

func (m *MemoryStore) nextID() int64 {
	m.seq++
	return m.seq
}

func (m *MemoryStore) CreateModelVersion(ctx context.Context, in ModelVersionInput) (models.ModelVersion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mv := models.ModelVersion{
		ID:        m.nextID(),
		ModelName: in.ModelName,
		Version:   in.Version,
		CreatedAt: time.Now().UTC(),
	}
	m.versions = append(m.versions, mv)
	return mv, nil
}

func (m *MemoryStore) ListModelVersions(ctx context.Context, modelName string) ([]models.ModelVersion, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := []models.ModelVersion{}
	for _, mv := range m.versions {
		if mv.ModelName == modelName {
			out = append(out, mv)
		}
	}
	return out, nil
}

func (m *MemoryStore) CreateTrainingJob(ctx context.Context, in TrainingJobInput) (models.TrainingJob, error) {
	if in.Status == "" {
		in.Status = models.StatusPending
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobIndex[in.JobID]; ok {
		return models.TrainingJob{}, fmt.Errorf("insert training job: %w: job_id %s", ErrConflict, in.JobID)
	}
	job := models.TrainingJob{
		ID:        m.nextID(),
		JobID:     in.JobID,
		ModelName: in.ModelName,
		Status:    in.Status,
		CreatedAt: time.Now().UTC(),
	}
	m.jobIndex[job.JobID] = len(m.jobs)
	m.jobs = append(m.jobs, job)
	m.appendEvent(in.JobID, in.Outbox)
	return job, nil
}

func (m *MemoryStore) GetTrainingJob(ctx context.Context, jobID string) (models.TrainingJob, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	idx, ok := m.jobIndex[jobID]
	if !ok {
		return models.TrainingJob{}, ErrNotFound
	}
	return m.jobs[idx], nil
}

func (m *MemoryStore) UpdateTrainingJobStatus(ctx context.Context, jobID string, status string) (models.TrainingJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	idx, ok := m.jobIndex[jobID]
	if !ok {
		return models.TrainingJob{}, ErrNotFound
	}
	m.jobs[idx].Status = status
	return m.jobs[idx], nil
}

func (m *MemoryStore) CreateMetric(ctx context.Context, in MetricInput) (models.Metric, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobIndex[in.JobID]; !ok {
		return models.Metric{}, fmt.Errorf("insert metric: %w", ErrNotFound)
	}
	metric := models.Metric{
		ID:         m.nextID(),
		JobID:      in.JobID,
		MetricName: in.MetricName,
		Value:      in.Value,
		Timestamp:  stamp(in.Timestamp),
	}
	m.metrics = append(m.metrics, metric)
	m.appendEvent(in.JobID, in.Outbox)
	return metric, nil
}

func (m *MemoryStore) ListMetrics(ctx context.Context, jobID string) ([]models.Metric, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := []models.Metric{}
	for _, metric := range m.metrics {
		if metric.JobID == jobID {
			out = append(out, metric)
		}
	}
	return out, nil
}

func (m *MemoryStore) CreateHyperparameter(ctx context.Context, in HyperparameterInput) (models.Hyperparameter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobIndex[in.JobID]; !ok {
		return models.Hyperparameter{}, fmt.Errorf("insert hyperparameter: %w", ErrNotFound)
	}
	hp := models.Hyperparameter{
		ID:         m.nextID(),
		JobID:      in.JobID,
		ParamName:  in.ParamName,
		ParamValue: in.ParamValue,
		Timestamp:  stamp(in.Timestamp),
	}
	m.hyperparameters = append(m.hyperparameters, hp)
	m.appendEvent(in.JobID, in.Outbox)
	return hp, nil
}

func (m *MemoryStore) ListHyperparameters(ctx context.Context, jobID string) ([]models.Hyperparameter, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := []models.Hyperparameter{}
	for _, hp := range m.hyperparameters {
		if hp.JobID == jobID {
			out = append(out, hp)
		}
	}
	return out, nil
}

// appendEvent must be called with m.mu held.
func (m *MemoryStore) appendEvent(jobID string, in *MirrorEventInput) {
	if in == nil {
		return
	}
	m.events = append(m.events, memoryEvent{event: models.MirrorEvent{
		ID:        m.nextID(),
		JobID:     jobID,
		Kind:      in.Kind,
		Payload:   append(json.RawMessage(nil), ensureJSON(in.Payload, "{}")...),
		Status:    models.MirrorEventPending,
		CreatedAt: time.Now().UTC(),
	}})
}

func (m *MemoryStore) ClaimMirrorEvents(ctx context.Context, in ClaimInput) ([]models.MirrorEvent, error) {
	limit := normalizeLimit(in.Limit)
	lease := in.Lease
	if lease <= 0 {
		lease = 5 * time.Minute
	}
	now := time.Now().UTC()
	m.mu.Lock()
	defer m.mu.Unlock()
	var claimed []models.MirrorEvent
	for i := range m.events {
		if len(claimed) == limit {
			break
		}
		e := &m.events[i]
		stale := e.event.Status == models.MirrorEventInProgress && now.Sub(e.claimedAt) > lease
		if e.event.Status != models.MirrorEventPending && !stale {
			continue
		}
		e.event.Status = models.MirrorEventInProgress
		e.event.Attempts++
		e.claimedAt = now
		claimed = append(claimed, e.event)
	}
	return claimed, nil
}

func (m *MemoryStore) MarkMirrorEventDone(ctx context.Context, id int64) error {
	return m.markEvent(id, func(ev *models.MirrorEvent) {
		ev.Status = models.MirrorEventDone
		ev.LastError = ""
	})
}

func (m *MemoryStore) MarkMirrorEventFailed(ctx context.Context, id int64, reason string, retry bool) error {
	return m.markEvent(id, func(ev *models.MirrorEvent) {
		ev.Status = models.MirrorEventFailed
		if retry {
			ev.Status = models.MirrorEventPending
		}
		ev.LastError = reason
	})
}

func (m *MemoryStore) ReleaseMirrorEvent(ctx context.Context, id int64, reason string) error {
	return m.markEvent(id, func(ev *models.MirrorEvent) {
		ev.Status = models.MirrorEventPending
		if ev.Attempts > 0 {
			ev.Attempts--
		}
		ev.LastError = reason
	})
}

func (m *MemoryStore) markEvent(id int64, apply func(ev *models.MirrorEvent)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.events {
		if m.events[i].event.ID != id {
			continue
		}
		apply(&m.events[i].event)
		now := time.Now().UTC()
		m.events[i].event.ProcessedAt = &now
		return nil
	}
	return ErrNotFound
}

// MirrorEvents returns a snapshot of the outbox, oldest first.
func (m *MemoryStore) MirrorEvents() []models.MirrorEvent {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.MirrorEvent, 0, len(m.events))
	for _, e := range m.events {
		out = append(out, e.event)
	}
	return out
}

func (m *MemoryStore) Ping(ctx context.Context) error {
	return nil
}
