package tracking

import (
	"context"
	"encoding/json"
	"time"
)

// Observer receives the outcome of every call made against a Mirror.
type Observer interface {
	ObserveTrackingCall(op string, elapsed time.Duration, err error)
}

// Instrument wraps m so that every call is reported to obs.
func Instrument(m Mirror, obs Observer) Mirror {
	if obs == nil {
		return m
	}
	return &instrumented{next: m, obs: obs}
}

type instrumented struct {
	next Mirror
	obs  Observer
}

func (i *instrumented) observe(op string, start time.Time, err error) {
	i.obs.ObserveTrackingCall(op, time.Since(start), err)
}

func (i *instrumented) StartRun(ctx context.Context, runName string) (Run, error) {
	start := time.Now()
	run, err := i.next.StartRun(ctx, runName)
	i.observe("start_run", start, err)
	if err != nil {
		return nil, err
	}
	return &instrumentedRun{next: run, parent: i}, nil
}

func (i *instrumented) SearchRuns(ctx context.Context) ([]json.RawMessage, error) {
	start := time.Now()
	runs, err := i.next.SearchRuns(ctx)
	i.observe("search_runs", start, err)
	return runs, err
}

type instrumentedRun struct {
	next   Run
	parent *instrumented
}

func (r *instrumentedRun) ID() string {
	return r.next.ID()
}

func (r *instrumentedRun) LogParams(ctx context.Context, params map[string]interface{}) error {
	start := time.Now()
	err := r.next.LogParams(ctx, params)
	r.parent.observe("log_params", start, err)
	return err
}

func (r *instrumentedRun) LogMetrics(ctx context.Context, metrics map[string]float64) error {
	start := time.Now()
	err := r.next.LogMetrics(ctx, metrics)
	r.parent.observe("log_metrics", start, err)
	return err
}

func (r *instrumentedRun) LogMetric(ctx context.Context, key string, value float64, step int64) error {
	start := time.Now()
	err := r.next.LogMetric(ctx, key, value, step)
	r.parent.observe("log_metric", start, err)
	return err
}

func (r *instrumentedRun) LogParam(ctx context.Context, key string, value interface{}) error {
	start := time.Now()
	err := r.next.LogParam(ctx, key, value)
	r.parent.observe("log_param", start, err)
	return err
}

func (r *instrumentedRun) End(ctx context.Context, status RunStatus) error {
	start := time.Now()
	err := r.next.End(ctx, status)
	r.parent.observe("end_run", start, err)
	return err
}
