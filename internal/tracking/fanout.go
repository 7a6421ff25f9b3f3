package tracking

import (
	"context"
	"encoding/json"
	"errors"
)

// Fanout forwards every run operation to a primary mirror and any number of
// secondaries. Searches are answered by the primary alone.
type Fanout struct {
	primary     Mirror
	secondaries []Mirror
}

func NewFanout(primary Mirror, secondaries ...Mirror) *Fanout {
	return &Fanout{primary: primary, secondaries: secondaries}
}

func (f *Fanout) StartRun(ctx context.Context, runName string) (Run, error) {
	first, err := f.primary.StartRun(ctx, runName)
	if err != nil {
		return nil, err
	}
	runs := []Run{first}
	for _, m := range f.secondaries {
		run, err := m.StartRun(ctx, runName)
		if err != nil {
			// End whatever was already opened so no run is left RUNNING.
			for _, opened := range runs {
				_ = opened.End(ctx, RunStatusFailed)
			}
			return nil, err
		}
		runs = append(runs, run)
	}
	return fanoutRun(runs), nil
}

func (f *Fanout) SearchRuns(ctx context.Context) ([]json.RawMessage, error) {
	return f.primary.SearchRuns(ctx)
}

type fanoutRun []Run

func (r fanoutRun) ID() string {
	return r[0].ID()
}

func (r fanoutRun) each(fn func(Run) error) error {
	var errs []error
	for _, run := range r {
		if err := fn(run); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (r fanoutRun) LogParams(ctx context.Context, params map[string]interface{}) error {
	return r.each(func(run Run) error { return run.LogParams(ctx, params) })
}

func (r fanoutRun) LogMetrics(ctx context.Context, metrics map[string]float64) error {
	return r.each(func(run Run) error { return run.LogMetrics(ctx, metrics) })
}

func (r fanoutRun) LogMetric(ctx context.Context, key string, value float64, step int64) error {
	return r.each(func(run Run) error { return run.LogMetric(ctx, key, value, step) })
}

func (r fanoutRun) LogParam(ctx context.Context, key string, value interface{}) error {
	return r.each(func(run Run) error { return run.LogParam(ctx, key, value) })
}

func (r fanoutRun) End(ctx context.Context, status RunStatus) error {
	return r.each(func(run Run) error { return run.End(ctx, status) })
}
