package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ILLUVRSE/neura-orchestra/internal/archive"
	"github.com/ILLUVRSE/neura-orchestra/internal/models"
	"github.com/ILLUVRSE/neura-orchestra/internal/store"
	"github.com/ILLUVRSE/neura-orchestra/internal/tracking"
)

var (
	ErrInvalidInput    = errors.New("invalid input")
	ErrArchiveDisabled = errors.New("archive not configured")
)

// MirrorMode decides how a failed tracking call affects the request that caused it.
type MirrorMode string

const (
	// MirrorStrict fails the request; the store write stays committed.
	MirrorStrict MirrorMode = "strict"
	// MirrorBestEffort logs the failure and lets the request succeed.
	MirrorBestEffort MirrorMode = "best_effort"
	// MirrorOutbox records the tracking call with the store write; the relay forwards it later.
	MirrorOutbox MirrorMode = "outbox"
)

func ParseMirrorMode(s string) (MirrorMode, error) {
	switch m := MirrorMode(s); m {
	case "":
		return MirrorStrict, nil
	case MirrorStrict, MirrorBestEffort, MirrorOutbox:
		return m, nil
	default:
		return "", fmt.Errorf("unknown mirror mode %q", s)
	}
}

type Options struct {
	Mode MirrorMode
	// LegacyCreateMapping forwards creation hyperparameters as run metrics instead of params.
	LegacyCreateMapping bool
	Archiver            archive.Archiver
	Logger              zerolog.Logger
}

type Service struct {
	store    store.Store
	mirror   tracking.Mirror
	mode     MirrorMode
	legacy   bool
	archiver archive.Archiver
	log      zerolog.Logger
	now      func() time.Time
}

func New(st store.Store, mirror tracking.Mirror, opts Options) *Service {
	mode := opts.Mode
	if mode == "" {
		mode = MirrorStrict
	}
	return &Service{
		store:    st,
		mirror:   mirror,
		mode:     mode,
		legacy:   opts.LegacyCreateMapping,
		archiver: opts.Archiver,
		log:      opts.Logger.With().Str("component", "service").Logger(),
		now:      time.Now,
	}
}

func (s *Service) Mode() MirrorMode {
	return s.mode
}

type CreateJobRequest struct {
	ModelName       string                 `json:"model_name"`
	Hyperparameters map[string]float64     `json:"hyperparameters"`
	Config          map[string]interface{} `json:"config"`
}

// CreateJob records a pending job and opens a tracking run named after its job_id.
func (s *Service) CreateJob(ctx context.Context, req CreateJobRequest) (models.TrainingJob, error) {
	jobID := uuid.NewString()
	call := s.creationCall(jobID, req)
	outbox, err := s.outbox(call)
	if err != nil {
		return models.TrainingJob{}, err
	}
	job, err := s.store.CreateTrainingJob(ctx, store.TrainingJobInput{
		JobID:     jobID,
		ModelName: req.ModelName,
		Status:    models.StatusPending,
		Outbox:    outbox,
	})
	if err != nil {
		return models.TrainingJob{}, err
	}
	if err := s.forward(ctx, call); err != nil {
		return job, err
	}
	return job, nil
}

func (s *Service) creationCall(jobID string, req CreateJobRequest) tracking.Call {
	call := tracking.Call{Kind: tracking.CallCreateRun, RunName: jobID}
	params := make(map[string]interface{}, len(req.Config)+len(req.Hyperparameters))
	for k, v := range req.Config {
		params[k] = v
	}
	if s.legacy {
		if len(req.Hyperparameters) > 0 {
			call.Metrics = req.Hyperparameters
		}
	} else {
		for k, v := range req.Hyperparameters {
			params[k] = v
		}
	}
	if len(params) > 0 {
		call.Params = params
	}
	return call
}

func (s *Service) GetJob(ctx context.Context, jobID string) (models.TrainingJob, error) {
	return s.store.GetTrainingJob(ctx, jobID)
}

type StatusUpdateRequest struct {
	JobID  string `json:"job_id"`
	Status string `json:"status"`
}

// UpdateStatus overwrites the status with any string; transitions are not validated.
func (s *Service) UpdateStatus(ctx context.Context, jobID string, req StatusUpdateRequest) (models.TrainingJob, error) {
	if err := matchJobID(jobID, req.JobID); err != nil {
		return models.TrainingJob{}, err
	}
	return s.store.UpdateTrainingJobStatus(ctx, jobID, req.Status)
}

type MetricRequest struct {
	JobID      string  `json:"job_id"`
	MetricName string  `json:"metric_name"`
	Value      float64 `json:"value"`
}

// LogMetric appends a metric and returns the unchanged job. The tracking step is the
// unix second of the metric's timestamp.
func (s *Service) LogMetric(ctx context.Context, jobID string, req MetricRequest) (models.TrainingJob, error) {
	if err := matchJobID(jobID, req.JobID); err != nil {
		return models.TrainingJob{}, err
	}
	if req.MetricName == "" {
		return models.TrainingJob{}, fmt.Errorf("%w: metric_name required", ErrInvalidInput)
	}
	job, err := s.store.GetTrainingJob(ctx, jobID)
	if err != nil {
		return models.TrainingJob{}, err
	}
	ts := s.now().UTC()
	call := tracking.Call{
		Kind:    tracking.CallLogMetric,
		RunName: jobID,
		Metrics: map[string]float64{req.MetricName: req.Value},
		Step:    ts.Unix(),
	}
	outbox, err := s.outbox(call)
	if err != nil {
		return models.TrainingJob{}, err
	}
	if _, err := s.store.CreateMetric(ctx, store.MetricInput{
		JobID:      jobID,
		MetricName: req.MetricName,
		Value:      req.Value,
		Timestamp:  ts,
		Outbox:     outbox,
	}); err != nil {
		return models.TrainingJob{}, err
	}
	if err := s.forward(ctx, call); err != nil {
		return job, err
	}
	return job, nil
}

type HyperparameterRequest struct {
	JobID      string  `json:"job_id"`
	ParamName  string  `json:"param_name"`
	ParamValue float64 `json:"param_value"`
}

func (s *Service) LogHyperparameter(ctx context.Context, jobID string, req HyperparameterRequest) (models.TrainingJob, error) {
	if err := matchJobID(jobID, req.JobID); err != nil {
		return models.TrainingJob{}, err
	}
	if req.ParamName == "" {
		return models.TrainingJob{}, fmt.Errorf("%w: param_name required", ErrInvalidInput)
	}
	job, err := s.store.GetTrainingJob(ctx, jobID)
	if err != nil {
		return models.TrainingJob{}, err
	}
	call := tracking.Call{
		Kind:    tracking.CallLogParam,
		RunName: jobID,
		Params:  map[string]interface{}{req.ParamName: req.ParamValue},
	}
	outbox, err := s.outbox(call)
	if err != nil {
		return models.TrainingJob{}, err
	}
	if _, err := s.store.CreateHyperparameter(ctx, store.HyperparameterInput{
		JobID:      jobID,
		ParamName:  req.ParamName,
		ParamValue: req.ParamValue,
		Timestamp:  s.now().UTC(),
		Outbox:     outbox,
	}); err != nil {
		return models.TrainingJob{}, err
	}
	if err := s.forward(ctx, call); err != nil {
		return job, err
	}
	return job, nil
}

type ModelVersionRequest struct {
	ModelName string `json:"model_name"`
	Version   string `json:"version"`
}

func (s *Service) RegisterModelVersion(ctx context.Context, req ModelVersionRequest) (models.ModelVersion, error) {
	return s.store.CreateModelVersion(ctx, store.ModelVersionInput{
		ModelName: req.ModelName,
		Version:   req.Version,
	})
}

func (s *Service) ListModelVersions(ctx context.Context, modelName string) ([]models.ModelVersion, error) {
	return s.store.ListModelVersions(ctx, modelName)
}

// ListMetrics does not check that the job exists; an unknown job lists nothing.
func (s *Service) ListMetrics(ctx context.Context, jobID string) ([]models.Metric, error) {
	return s.store.ListMetrics(ctx, jobID)
}

func (s *Service) ListHyperparameters(ctx context.Context, jobID string) ([]models.Hyperparameter, error) {
	return s.store.ListHyperparameters(ctx, jobID)
}

// ListRuns returns the tracking collaborator's runs as it encodes them.
func (s *Service) ListRuns(ctx context.Context) ([]json.RawMessage, error) {
	if s.mirror == nil {
		return []json.RawMessage{}, nil
	}
	runs, err := s.mirror.SearchRuns(ctx)
	if err != nil {
		return nil, trackingErr(err)
	}
	return runs, nil
}

// ArchiveJob uploads a snapshot of the job with its metrics and hyperparameters.
func (s *Service) ArchiveJob(ctx context.Context, jobID string) (archive.Result, error) {
	if s.archiver == nil {
		return archive.Result{}, ErrArchiveDisabled
	}
	job, err := s.store.GetTrainingJob(ctx, jobID)
	if err != nil {
		return archive.Result{}, err
	}
	metrics, err := s.store.ListMetrics(ctx, jobID)
	if err != nil {
		return archive.Result{}, err
	}
	params, err := s.store.ListHyperparameters(ctx, jobID)
	if err != nil {
		return archive.Result{}, err
	}
	res, err := s.archiver.Archive(ctx, archive.Snapshot{
		Job:             job,
		Metrics:         metrics,
		Hyperparameters: params,
		ArchivedAt:      s.now().UTC(),
	})
	if err != nil {
		return archive.Result{}, err
	}
	s.log.Info().Str("job_id", jobID).Str("key", res.Key).Msg("job archived")
	return res, nil
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// outbox returns the event to persist with the store write, or nil outside outbox mode.
func (s *Service) outbox(call tracking.Call) (*store.MirrorEventInput, error) {
	if s.mode != MirrorOutbox {
		return nil, nil
	}
	payload, err := json.Marshal(call)
	if err != nil {
		return nil, fmt.Errorf("encode tracking call: %w", err)
	}
	return &store.MirrorEventInput{Kind: string(call.Kind), Payload: payload}, nil
}

// forward runs the call against the mirror after the store write has committed.
func (s *Service) forward(ctx context.Context, call tracking.Call) error {
	if s.mode == MirrorOutbox || s.mirror == nil {
		return nil
	}
	err := tracking.Apply(ctx, s.mirror, call)
	if err == nil {
		return nil
	}
	if s.mode == MirrorBestEffort {
		s.log.Warn().Err(err).
			Str("job_id", call.RunName).
			Str("call", string(call.Kind)).
			Msg("tracking mirror failed; record kept")
		return nil
	}
	return trackingErr(err)
}

func trackingErr(err error) error {
	if errors.Is(err, tracking.ErrTracking) {
		return err
	}
	return fmt.Errorf("%w: %w", tracking.ErrTracking, err)
}

// matchJobID rejects a body job_id that names a different job than the path.
func matchJobID(pathID, bodyID string) error {
	if bodyID != "" && bodyID != pathID {
		return fmt.Errorf("%w: body job_id %q does not match path job_id %q", ErrInvalidInput, bodyID, pathID)
	}
	return nil
}
