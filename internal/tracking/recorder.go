package tracking

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// RecordedMetric is one metric observation held by a Recorder.
type RecordedMetric struct {
	Key       string  `json:"key"`
	Value     float64 `json:"value"`
	Step      int64   `json:"step"`
	Timestamp int64   `json:"timestamp"`
}

// RecordedRun is the Recorder's copy of a run.
type RecordedRun struct {
	RunID     string
	RunName   string
	Status    RunStatus
	StartTime time.Time
	EndTime   *time.Time
	Params    map[string]string
	Metrics   []RecordedMetric
}

// Recorder is an in-process Mirror used when no tracking server is configured and in tests.
type Recorder struct {
	mu     sync.Mutex
	runs   map[string]*RecordedRun
	order  []string
	fail   error
	starts int
}

func NewRecorder() *Recorder {
	return &Recorder{runs: map[string]*RecordedRun{}}
}

// SetFailure makes every subsequent call fail with err; nil restores normal behavior.
func (r *Recorder) SetFailure(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fail = err
}

func (r *Recorder) failure() error {
	if r.fail != nil {
		return fmt.Errorf("%w: %w", ErrTracking, r.fail)
	}
	return nil
}

func (r *Recorder) StartRun(ctx context.Context, runName string) (Run, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.failure(); err != nil {
		return nil, err
	}
	r.starts++
	run, ok := r.runs[runName]
	if !ok {
		run = &RecordedRun{
			RunID:     uuid.NewString(),
			RunName:   runName,
			StartTime: time.Now().UTC(),
			Params:    map[string]string{},
		}
		r.runs[runName] = run
		r.order = append(r.order, runName)
	}
	run.Status = RunStatusRunning
	run.EndTime = nil
	return &recorderRun{recorder: r, name: runName, id: run.RunID}, nil
}

// Run returns a copy of the named run.
func (r *Recorder) Run(runName string) (RecordedRun, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.runs[runName]
	if !ok {
		return RecordedRun{}, false
	}
	cp := *run
	cp.Params = make(map[string]string, len(run.Params))
	for k, v := range run.Params {
		cp.Params[k] = v
	}
	cp.Metrics = append([]RecordedMetric(nil), run.Metrics...)
	return cp, true
}

// StartedRuns counts StartRun calls, including resumed runs.
func (r *Recorder) StartedRuns() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.starts
}

// SearchRuns encodes runs the way the MLflow REST API does, newest first.
func (r *Recorder) SearchRuns(ctx context.Context) ([]json.RawMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.failure(); err != nil {
		return nil, err
	}
	out := make([]json.RawMessage, 0, len(r.order))
	for i := len(r.order) - 1; i >= 0; i-- {
		raw, err := json.Marshal(encodeRecordedRun(r.runs[r.order[i]]))
		if err != nil {
			return nil, fmt.Errorf("%w: encode run: %v", ErrTracking, err)
		}
		out = append(out, raw)
	}
	return out, nil
}

func encodeRecordedRun(run *RecordedRun) map[string]interface{} {
	info := map[string]interface{}{
		"run_id":        run.RunID,
		"run_name":      run.RunName,
		"experiment_id": defaultExperimentID,
		"status":        string(run.Status),
		"start_time":    run.StartTime.UnixMilli(),
	}
	if run.EndTime != nil {
		info["end_time"] = run.EndTime.UnixMilli()
	}
	params := make([]mlflowKV, 0, len(run.Params))
	for _, k := range sortedKeys(run.Params) {
		params = append(params, mlflowKV{Key: k, Value: run.Params[k]})
	}
	latest := map[string]RecordedMetric{}
	for _, m := range run.Metrics {
		latest[m.Key] = m
	}
	metrics := make([]RecordedMetric, 0, len(latest))
	for _, k := range sortedKeys(latest) {
		metrics = append(metrics, latest[k])
	}
	return map[string]interface{}{
		"info": info,
		"data": map[string]interface{}{
			"params":  params,
			"metrics": metrics,
			"tags":    []mlflowKV{{Key: mlflowRunNameTag, Value: run.RunName}},
		},
	}
}

type recorderRun struct {
	recorder *Recorder
	name     string
	id       string
}

func (r *recorderRun) ID() string {
	return r.id
}

func (r *recorderRun) with(fn func(run *RecordedRun) error) error {
	r.recorder.mu.Lock()
	defer r.recorder.mu.Unlock()
	if err := r.recorder.failure(); err != nil {
		return err
	}
	return fn(r.recorder.runs[r.name])
}

// LogParams applies none of params if any of them would change a logged value.
func (r *recorderRun) LogParams(ctx context.Context, params map[string]interface{}) error {
	return r.with(func(run *RecordedRun) error {
		formatted := make(map[string]string, len(params))
		for k, v := range params {
			value := FormatParam(v)
			if err := checkParam(run, k, value); err != nil {
				return err
			}
			formatted[k] = value
		}
		for k, v := range formatted {
			run.Params[k] = v
		}
		return nil
	})
}

func (r *recorderRun) LogMetrics(ctx context.Context, metrics map[string]float64) error {
	ts := time.Now().UnixMilli()
	return r.with(func(run *RecordedRun) error {
		for _, k := range sortedKeys(metrics) {
			run.Metrics = append(run.Metrics, RecordedMetric{Key: k, Value: metrics[k], Timestamp: ts})
		}
		return nil
	})
}

func (r *recorderRun) LogMetric(ctx context.Context, key string, value float64, step int64) error {
	ts := time.Now().UnixMilli()
	return r.with(func(run *RecordedRun) error {
		run.Metrics = append(run.Metrics, RecordedMetric{Key: key, Value: value, Step: step, Timestamp: ts})
		return nil
	})
}

func (r *recorderRun) LogParam(ctx context.Context, key string, value interface{}) error {
	return r.with(func(run *RecordedRun) error {
		formatted := FormatParam(value)
		if err := checkParam(run, key, formatted); err != nil {
			return err
		}
		run.Params[key] = formatted
		return nil
	})
}

func (r *recorderRun) End(ctx context.Context, status RunStatus) error {
	return r.with(func(run *RecordedRun) error {
		now := time.Now().UTC()
		run.Status = status
		run.EndTime = &now
		return nil
	})
}

// checkParam rejects a changed value for an already logged param, as MLflow does.
func checkParam(run *RecordedRun, key, value string) error {
	if old, ok := run.Params[key]; ok && old != value {
		return fmt.Errorf("%w: INVALID_PARAMETER_VALUE: param %q already logged with value %q for run %s, attempted %q",
			ErrTracking, key, old, run.RunID, value)
	}
	return nil
}
