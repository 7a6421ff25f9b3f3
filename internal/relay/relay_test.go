package relay

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ILLUVRSE/neura-orchestra/internal/models"
	"github.com/ILLUVRSE/neura-orchestra/internal/store"
	"github.com/ILLUVRSE/neura-orchestra/internal/tracking"
)

type countingObserver map[string]int

func (c countingObserver) ObserveRelayEvent(kind, outcome string) {
	c[outcome]++
}

func outboxFor(t *testing.T, call tracking.Call) *store.MirrorEventInput {
	t.Helper()
	payload, err := json.Marshal(call)
	require.NoError(t, err)
	return &store.MirrorEventInput{Kind: string(call.Kind), Payload: payload}
}

func seedJob(t *testing.T, st *store.MemoryStore, jobID string) {
	t.Helper()
	ctx := context.Background()
	_, err := st.CreateTrainingJob(ctx, store.TrainingJobInput{
		JobID:  jobID,
		Outbox: outboxFor(t, tracking.Call{Kind: tracking.CallCreateRun, RunName: jobID, Params: map[string]interface{}{"epochs": 10}}),
	})
	require.NoError(t, err)
	_, err = st.CreateMetric(ctx, store.MetricInput{
		JobID:      jobID,
		MetricName: "loss",
		Value:      0.3,
		Outbox:     outboxFor(t, tracking.Call{Kind: tracking.CallLogMetric, RunName: jobID, Metrics: map[string]float64{"loss": 0.3}, Step: 5}),
	})
	require.NoError(t, err)
}

func statuses(st *store.MemoryStore) []string {
	var out []string
	for _, ev := range st.MirrorEvents() {
		out = append(out, ev.Status)
	}
	return out
}

func TestProcessBatchForwardsEventsAndMarksDone(t *testing.T) {
	st := store.NewMemoryStore()
	rec := tracking.NewRecorder()
	seedJob(t, st, "job-1")
	obs := countingObserver{}

	n, err := ProcessBatch(context.Background(), st, rec, Config{Logger: zerolog.Nop(), Observer: obs})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{models.MirrorEventDone, models.MirrorEventDone}, statuses(st))
	assert.Equal(t, 2, obs[OutcomeDone])

	run, ok := rec.Run("job-1")
	require.True(t, ok)
	assert.Equal(t, "10", run.Params["epochs"])
	require.Len(t, run.Metrics, 1)
	assert.Equal(t, int64(5), run.Metrics[0].Step)
	assert.Equal(t, tracking.RunStatusFinished, run.Status)

	n, err = ProcessBatch(context.Background(), st, rec, Config{Logger: zerolog.Nop()})
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestProcessBatchRetriesThenGivesUp(t *testing.T) {
	st := store.NewMemoryStore()
	rec := tracking.NewRecorder()
	rec.SetFailure(errors.New("connection refused"))
	seedJob(t, st, "job-1")
	obs := countingObserver{}
	cfg := Config{MaxAttempts: 2, Logger: zerolog.Nop(), Observer: obs}
	ctx := context.Background()

	_, err := ProcessBatch(ctx, st, rec, cfg)
	require.NoError(t, err)
	assert.Equal(t, 1, obs[OutcomeRetry])
	assert.Equal(t, 1, obs[OutcomeDeferred], "later event for the same job waits")
	assert.Equal(t, []string{models.MirrorEventPending, models.MirrorEventPending}, statuses(st))

	_, err = ProcessBatch(ctx, st, rec, cfg)
	require.NoError(t, err)
	events := st.MirrorEvents()
	assert.Equal(t, models.MirrorEventFailed, events[0].Status)
	assert.Contains(t, events[0].LastError, "connection refused")
	assert.Equal(t, models.MirrorEventPending, events[1].Status)

	rec.SetFailure(nil)
	_, err = ProcessBatch(ctx, st, rec, cfg)
	require.NoError(t, err)
	events = st.MirrorEvents()
	assert.Equal(t, models.MirrorEventDone, events[1].Status)
}

func TestDeferredEventKeepsItsFullRetryBudget(t *testing.T) {
	st := store.NewMemoryStore()
	rec := tracking.NewRecorder()
	rec.SetFailure(errors.New("connection refused"))
	seedJob(t, st, "job-1")
	cfg := Config{MaxAttempts: 2, Logger: zerolog.Nop()}
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := ProcessBatch(ctx, st, rec, cfg)
		require.NoError(t, err)
	}
	events := st.MirrorEvents()
	require.Equal(t, models.MirrorEventFailed, events[0].Status)
	assert.Equal(t, models.MirrorEventPending, events[1].Status)
	assert.Zero(t, events[1].Attempts, "deferrals are not attempts")

	_, err := ProcessBatch(ctx, st, rec, cfg)
	require.NoError(t, err)
	events = st.MirrorEvents()
	assert.Equal(t, models.MirrorEventPending, events[1].Status, "first real failure is retried")
	assert.Equal(t, 1, events[1].Attempts)

	_, err = ProcessBatch(ctx, st, rec, cfg)
	require.NoError(t, err)
	events = st.MirrorEvents()
	assert.Equal(t, models.MirrorEventFailed, events[1].Status)
	assert.Equal(t, 2, events[1].Attempts)
}

func TestProcessBatchFailsUndecodableEvent(t *testing.T) {
	st := store.NewMemoryStore()
	_, err := st.CreateTrainingJob(context.Background(), store.TrainingJobInput{
		JobID:  "job-1",
		Outbox: &store.MirrorEventInput{Kind: "create_run", Payload: json.RawMessage(`{"kind":"create_run"}`)},
	})
	require.NoError(t, err)

	_, err = ProcessBatch(context.Background(), st, tracking.NewRecorder(), Config{Logger: zerolog.Nop()})
	require.NoError(t, err)
	assert.Equal(t, []string{models.MirrorEventFailed}, statuses(st))
}

func TestRunWorkerStopsOnCancel(t *testing.T) {
	st := store.NewMemoryStore()
	rec := tracking.NewRecorder()
	seedJob(t, st, "job-1")
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	go func() {
		RunWorker(ctx, st, rec, Config{PollInterval: 5 * time.Millisecond, Logger: zerolog.Nop()})
		close(done)
	}()

	require.Eventually(t, func() bool {
		events := st.MirrorEvents()
		return len(events) == 2 && events[1].Status == models.MirrorEventDone
	}, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop")
	}
}
