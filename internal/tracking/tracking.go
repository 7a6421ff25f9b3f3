// Package tracking mirrors training bookkeeping into an experiment-tracking collaborator.
package tracking

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"
)

var (
	ErrTracking    = errors.New("tracking mirror failure")
	ErrUnsupported = errors.New("tracking operation not supported")
)

type RunStatus string

const (
	RunStatusRunning  RunStatus = "RUNNING"
	RunStatusFinished RunStatus = "FINISHED"
	RunStatusFailed   RunStatus = "FAILED"
	RunStatusKilled   RunStatus = "KILLED"
)

// Mirror is the experiment-tracking collaborator. Runs are keyed by name; starting a run
// whose name already exists resumes it.
type Mirror interface {
	StartRun(ctx context.Context, runName string) (Run, error)
	// SearchRuns returns the collaborator's runs as it encodes them.
	SearchRuns(ctx context.Context) ([]json.RawMessage, error)
}

// Run is scoped to a single call: callers always End it before returning.
type Run interface {
	ID() string
	LogParams(ctx context.Context, params map[string]interface{}) error
	LogMetrics(ctx context.Context, metrics map[string]float64) error
	LogMetric(ctx context.Context, key string, value float64, step int64) error
	LogParam(ctx context.Context, key string, value interface{}) error
	End(ctx context.Context, status RunStatus) error
}

type CallKind string

const (
	CallCreateRun CallKind = "create_run"
	CallLogMetric CallKind = "log_metric"
	CallLogParam  CallKind = "log_param"
)

// Call is one unit of mirrored work. It is executed inline by the service or persisted
// to the outbox and replayed by the relay, so it must round-trip through JSON.
type Call struct {
	Kind    CallKind               `json:"kind"`
	RunName string                 `json:"run_name"`
	Params  map[string]interface{} `json:"params,omitempty"`
	Metrics map[string]float64     `json:"metrics,omitempty"`
	Step    int64                  `json:"step,omitempty"`
}

func DecodeCall(raw []byte) (Call, error) {
	var call Call
	if err := json.Unmarshal(raw, &call); err != nil {
		return Call{}, fmt.Errorf("decode tracking call: %w", err)
	}
	if call.RunName == "" {
		return Call{}, fmt.Errorf("decode tracking call: run_name required")
	}
	return call, nil
}

// Apply opens the run named by the call, performs the call and closes the run.
// A failed call ends the run as FAILED.
func Apply(ctx context.Context, m Mirror, call Call) error {
	run, err := m.StartRun(ctx, call.RunName)
	if err != nil {
		return err
	}
	callErr := perform(ctx, run, call)
	status := RunStatusFinished
	if callErr != nil {
		status = RunStatusFailed
	}
	if err := run.End(ctx, status); err != nil {
		return errors.Join(callErr, err)
	}
	return callErr
}

func perform(ctx context.Context, run Run, call Call) error {
	switch call.Kind {
	case CallCreateRun:
		if len(call.Params) > 0 {
			if err := run.LogParams(ctx, call.Params); err != nil {
				return err
			}
		}
		if len(call.Metrics) > 0 {
			return run.LogMetrics(ctx, call.Metrics)
		}
		return nil
	case CallLogMetric:
		for _, key := range sortedKeys(call.Metrics) {
			if err := run.LogMetric(ctx, key, call.Metrics[key], call.Step); err != nil {
				return err
			}
		}
		return nil
	case CallLogParam:
		for _, key := range sortedKeys(call.Params) {
			if err := run.LogParam(ctx, key, call.Params[key]); err != nil {
				return err
			}
		}
		return nil
	default:
		return fmt.Errorf("%w: call kind %q", ErrUnsupported, call.Kind)
	}
}

// FormatParam renders a parameter value the way the tracking server stores it: as a string.
func FormatParam(v interface{}) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case float64:
		return strconv.FormatFloat(val, 'g', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(val), 'g', -1, 32)
	case bool:
		return strconv.FormatBool(val)
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case json.Number:
		return val.String()
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprint(val)
		}
		return string(b)
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// sleepCtx waits for d and returns early with ctx.Err() once ctx is done.
func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
