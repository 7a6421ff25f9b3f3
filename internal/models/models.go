package models

import (
	"encoding/json"
	"time"
)

// Well-known job statuses. Status is an open string; these values are never enforced.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

type ModelVersion struct {
	ID        int64     `json:"id"`
	ModelName string    `json:"model_name"`
	Version   string    `json:"version"`
	CreatedAt time.Time `json:"created_at"`
}

type TrainingJob struct {
	ID        int64     `json:"id"`
	JobID     string    `json:"job_id"`
	ModelName string    `json:"model_name"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

type Metric struct {
	ID         int64     `json:"id"`
	JobID      string    `json:"job_id"`
	MetricName string    `json:"metric_name"`
	Value      float64   `json:"value"`
	Timestamp  time.Time `json:"timestamp"`
}

type Hyperparameter struct {
	ID         int64     `json:"id"`
	JobID      string    `json:"job_id"`
	ParamName  string    `json:"param_name"`
	ParamValue float64   `json:"param_value"`
	Timestamp  time.Time `json:"timestamp"`
}

// MirrorEvent is a pending tracking call persisted next to the record it mirrors.
type MirrorEvent struct {
	ID          int64           `json:"id"`
	JobID       string          `json:"job_id"`
	Kind        string          `json:"kind"`
	Payload     json.RawMessage `json:"payload"`
	Status      string          `json:"status"`
	Attempts    int             `json:"attempts"`
	LastError   string          `json:"last_error,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	ProcessedAt *time.Time      `json:"processed_at,omitempty"`
}

const (
	MirrorEventPending    = "pending"
	MirrorEventInProgress = "in_progress"
	MirrorEventDone       = "done"
	MirrorEventFailed     = "failed"
)
