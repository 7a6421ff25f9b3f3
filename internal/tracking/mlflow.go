package tracking

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	mlflowAPIPrefix     = "/api/2.0/mlflow"
	mlflowRunNameTag    = "mlflow.runName"
	mlflowMaxParams     = 100
	mlflowMaxMetrics    = 1000
	mlflowSearchPage    = 1000
	defaultExperimentID = "0"
)

type MLflowConfig struct {
	TrackingURI  string
	ExperimentID string
	Timeout      time.Duration
	Retries      int
	HTTPClient   *http.Client
}

// MLflowClient talks to the MLflow tracking server REST API.
type MLflowClient struct {
	baseURL      string
	experimentID string
	client       *http.Client
	timeout      time.Duration
	retries      int
	now          func() time.Time
}

func NewMLflowClient(cfg MLflowConfig) (*MLflowClient, error) {
	if cfg.TrackingURI == "" {
		return nil, fmt.Errorf("mlflow tracking uri required")
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	retries := cfg.Retries
	if retries < 0 {
		retries = 0
	}
	experimentID := cfg.ExperimentID
	if experimentID == "" {
		experimentID = defaultExperimentID
	}
	return &MLflowClient{
		baseURL:      strings.TrimSuffix(cfg.TrackingURI, "/"),
		experimentID: experimentID,
		client:       client,
		timeout:      timeout,
		retries:      retries,
		now:          time.Now,
	}, nil
}

type mlflowRunInfo struct {
	RunID  string `json:"run_id"`
	Status string `json:"status"`
}

type mlflowRun struct {
	Info mlflowRunInfo `json:"info"`
}

type mlflowKV struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

type mlflowMetric struct {
	Key       string  `json:"key"`
	Value     float64 `json:"value"`
	Timestamp int64   `json:"timestamp"`
	Step      int64   `json:"step"`
}

func (c *MLflowClient) StartRun(ctx context.Context, runName string) (Run, error) {
	existing, err := c.findRun(ctx, runName)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		if existing.Info.Status != string(RunStatusRunning) {
			if err := c.updateRun(ctx, existing.Info.RunID, RunStatusRunning, false); err != nil {
				return nil, err
			}
		}
		return &mlflowActiveRun{client: c, runID: existing.Info.RunID}, nil
	}

	req := map[string]interface{}{
		"experiment_id": c.experimentID,
		"run_name":      runName,
		"start_time":    c.now().UnixMilli(),
		"tags":          []mlflowKV{{Key: mlflowRunNameTag, Value: runName}},
	}
	var resp struct {
		Run mlflowRun `json:"run"`
	}
	if err := c.post(ctx, "/runs/create", req, &resp); err != nil {
		return nil, err
	}
	if resp.Run.Info.RunID == "" {
		return nil, fmt.Errorf("%w: runs/create returned no run id", ErrTracking)
	}
	return &mlflowActiveRun{client: c, runID: resp.Run.Info.RunID}, nil
}

func (c *MLflowClient) findRun(ctx context.Context, runName string) (*mlflowRun, error) {
	req := map[string]interface{}{
		"experiment_ids": []string{c.experimentID},
		"filter":         fmt.Sprintf("tags.`%s` = '%s'", mlflowRunNameTag, strings.ReplaceAll(runName, "'", "\\'")),
		"order_by":       []string{"attributes.start_time DESC"},
		"max_results":    1,
	}
	var resp struct {
		Runs []mlflowRun `json:"runs"`
	}
	if err := c.post(ctx, "/runs/search", req, &resp); err != nil {
		return nil, err
	}
	if len(resp.Runs) == 0 {
		return nil, nil
	}
	return &resp.Runs[0], nil
}

// SearchRuns pages through every run of the configured experiment in the server's default order.
func (c *MLflowClient) SearchRuns(ctx context.Context) ([]json.RawMessage, error) {
	runs := []json.RawMessage{}
	pageToken := ""
	for {
		req := map[string]interface{}{
			"experiment_ids": []string{c.experimentID},
			"max_results":    mlflowSearchPage,
		}
		if pageToken != "" {
			req["page_token"] = pageToken
		}
		var resp struct {
			Runs          []json.RawMessage `json:"runs"`
			NextPageToken string            `json:"next_page_token"`
		}
		if err := c.post(ctx, "/runs/search", req, &resp); err != nil {
			return nil, err
		}
		runs = append(runs, resp.Runs...)
		if resp.NextPageToken == "" {
			return runs, nil
		}
		pageToken = resp.NextPageToken
	}
}

func (c *MLflowClient) updateRun(ctx context.Context, runID string, status RunStatus, ended bool) error {
	req := map[string]interface{}{
		"run_id": runID,
		"status": string(status),
	}
	if ended {
		req["end_time"] = c.now().UnixMilli()
	}
	return c.post(ctx, "/runs/update", req, nil)
}

type mlflowAPIError struct {
	ErrorCode string `json:"error_code"`
	Message   string `json:"message"`
}

// errPermanent marks responses that will not change on retry.
var errPermanent = errors.New("permanent")

func (c *MLflowClient) post(ctx context.Context, path string, payload interface{}, out interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("%w: marshal %s: %v", ErrTracking, path, err)
	}

	attempts := c.retries + 1
	var lastErr error
	for i := 0; i < attempts; i++ {
		if ctx.Err() != nil {
			return fmt.Errorf("%w: %s: %w", ErrTracking, path, ctx.Err())
		}
		reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
		httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.baseURL+mlflowAPIPrefix+path, bytes.NewReader(body))
		if err != nil {
			cancel()
			return fmt.Errorf("%w: build %s request: %v", ErrTracking, path, err)
		}
		httpReq.Header.Set("Content-Type", "application/json")
		resp, err := c.client.Do(httpReq)
		if err != nil {
			lastErr = err
		} else {
			lastErr = decodeMLflowResponse(resp, out)
			resp.Body.Close()
		}
		cancel()
		if lastErr == nil {
			return nil
		}
		if errors.Is(lastErr, errPermanent) {
			break
		}
		if i < attempts-1 {
			if err := sleepCtx(ctx, time.Duration(i+1)*100*time.Millisecond); err != nil {
				return fmt.Errorf("%w: %s: %w", ErrTracking, path, err)
			}
		}
	}
	return fmt.Errorf("%w: %s: %v", ErrTracking, path, lastErr)
}

func decodeMLflowResponse(resp *http.Response, out interface{}) error {
	if resp.StatusCode != http.StatusOK {
		var apiErr mlflowAPIError
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		if json.Unmarshal(raw, &apiErr) == nil && apiErr.Message != "" {
			err := fmt.Errorf("mlflow %s: %s: %s", resp.Status, apiErr.ErrorCode, apiErr.Message)
			if resp.StatusCode < 500 {
				return fmt.Errorf("%w: %v", errPermanent, err)
			}
			return err
		}
		if resp.StatusCode < 500 {
			return fmt.Errorf("%w: mlflow rejected request: %s", errPermanent, resp.Status)
		}
		return fmt.Errorf("mlflow unavailable: %s", resp.Status)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("mlflow decode response: %w", err)
	}
	return nil
}

type mlflowActiveRun struct {
	client *MLflowClient
	runID  string
}

func (r *mlflowActiveRun) ID() string {
	return r.runID
}

func (r *mlflowActiveRun) LogParams(ctx context.Context, params map[string]interface{}) error {
	keys := sortedKeys(params)
	for start := 0; start < len(keys); start += mlflowMaxParams {
		end := min(start+mlflowMaxParams, len(keys))
		batch := make([]mlflowKV, 0, end-start)
		for _, k := range keys[start:end] {
			batch = append(batch, mlflowKV{Key: k, Value: FormatParam(params[k])})
		}
		req := map[string]interface{}{"run_id": r.runID, "params": batch}
		if err := r.client.post(ctx, "/runs/log-batch", req, nil); err != nil {
			return err
		}
	}
	return nil
}

func (r *mlflowActiveRun) LogMetrics(ctx context.Context, metrics map[string]float64) error {
	keys := sortedKeys(metrics)
	ts := r.client.now().UnixMilli()
	for start := 0; start < len(keys); start += mlflowMaxMetrics {
		end := min(start+mlflowMaxMetrics, len(keys))
		batch := make([]mlflowMetric, 0, end-start)
		for _, k := range keys[start:end] {
			batch = append(batch, mlflowMetric{Key: k, Value: metrics[k], Timestamp: ts})
		}
		req := map[string]interface{}{"run_id": r.runID, "metrics": batch}
		if err := r.client.post(ctx, "/runs/log-batch", req, nil); err != nil {
			return err
		}
	}
	return nil
}

func (r *mlflowActiveRun) LogMetric(ctx context.Context, key string, value float64, step int64) error {
	req := map[string]interface{}{
		"run_id":    r.runID,
		"key":       key,
		"value":     value,
		"timestamp": r.client.now().UnixMilli(),
		"step":      step,
	}
	return r.client.post(ctx, "/runs/log-metric", req, nil)
}

func (r *mlflowActiveRun) LogParam(ctx context.Context, key string, value interface{}) error {
	req := map[string]interface{}{
		"run_id": r.runID,
		"key":    key,
		"value":  FormatParam(value),
	}
	return r.client.post(ctx, "/runs/log-parameter", req, nil)
}

func (r *mlflowActiveRun) End(ctx context.Context, status RunStatus) error {
	return r.client.updateRun(ctx, r.runID, status, true)
}
