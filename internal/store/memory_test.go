package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ILLUVRSE/neura-orchestra/internal/models"
)

func TestMemoryStoreJobLifecycle(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStore()

	job, err := st.CreateTrainingJob(ctx, TrainingJobInput{JobID: "job-1", ModelName: "resnet"})
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, job.Status)

	_, err = st.CreateTrainingJob(ctx, TrainingJobInput{JobID: "job-1", ModelName: "resnet"})
	assert.ErrorIs(t, err, ErrConflict)

	updated, err := st.UpdateTrainingJobStatus(ctx, "job-1", "done")
	require.NoError(t, err)
	assert.Equal(t, "done", updated.Status)

	got, err := st.GetTrainingJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, "done", got.Status)

	_, err = st.UpdateTrainingJobStatus(ctx, "nope", "done")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStoreRejectsRowsForUnknownJob(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStore()

	_, err := st.CreateMetric(ctx, MetricInput{JobID: "ghost", MetricName: "loss", Value: 1})
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = st.CreateHyperparameter(ctx, HyperparameterInput{JobID: "ghost", ParamName: "lr", ParamValue: 0.1})
	assert.ErrorIs(t, err, ErrNotFound)

	metrics, err := st.ListMetrics(ctx, "ghost")
	require.NoError(t, err)
	assert.Empty(t, metrics)
	assert.Empty(t, st.MirrorEvents())
}

func TestMemoryStoreListsInInsertionOrderPerJob(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStore()
	for _, id := range []string{"a", "b"} {
		_, err := st.CreateTrainingJob(ctx, TrainingJobInput{JobID: id, ModelName: "m"})
		require.NoError(t, err)
	}
	for i, name := range []string{"loss", "acc", "loss"} {
		_, err := st.CreateMetric(ctx, MetricInput{JobID: "a", MetricName: name, Value: float64(i)})
		require.NoError(t, err)
		_, err = st.CreateMetric(ctx, MetricInput{JobID: "b", MetricName: "other", Value: 100})
		require.NoError(t, err)
	}

	got, err := st.ListMetrics(ctx, "a")
	require.NoError(t, err)
	require.Len(t, got, 3)
	for i, m := range got {
		assert.Equal(t, "a", m.JobID)
		assert.Equal(t, float64(i), m.Value)
	}

	_, err = st.CreateModelVersion(ctx, ModelVersionInput{ModelName: "resnet", Version: "1"})
	require.NoError(t, err)
	_, err = st.CreateModelVersion(ctx, ModelVersionInput{ModelName: "resnet", Version: "1"})
	require.NoError(t, err)
	versions, err := st.ListModelVersions(ctx, "resnet")
	require.NoError(t, err)
	assert.Len(t, versions, 2)
	assert.Less(t, versions[0].ID, versions[1].ID)
}

func TestMemoryStoreOutboxClaimAndMark(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStore()
	_, err := st.CreateTrainingJob(ctx, TrainingJobInput{
		JobID:     "job-1",
		ModelName: "m",
		Outbox:    &MirrorEventInput{Kind: "create_run"},
	})
	require.NoError(t, err)
	_, err = st.CreateMetric(ctx, MetricInput{
		JobID:      "job-1",
		MetricName: "loss",
		Value:      0.5,
		Outbox:     &MirrorEventInput{Kind: "log_metric"},
	})
	require.NoError(t, err)

	claimed, err := st.ClaimMirrorEvents(ctx, ClaimInput{Limit: 1})
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, "create_run", claimed[0].Kind)
	assert.Equal(t, 1, claimed[0].Attempts)
	assert.JSONEq(t, `{}`, string(claimed[0].Payload))

	require.NoError(t, st.MarkMirrorEventFailed(ctx, claimed[0].ID, "unavailable", true))

	claimed, err = st.ClaimMirrorEvents(ctx, ClaimInput{Limit: 10})
	require.NoError(t, err)
	require.Len(t, claimed, 2)
	assert.Equal(t, 2, claimed[0].Attempts)

	for _, ev := range claimed {
		require.NoError(t, st.MarkMirrorEventDone(ctx, ev.ID))
	}
	claimed, err = st.ClaimMirrorEvents(ctx, ClaimInput{Limit: 10})
	require.NoError(t, err)
	assert.Empty(t, claimed)
	assert.ErrorIs(t, st.MarkMirrorEventDone(ctx, 999), ErrNotFound)
}

func TestMemoryStoreReleaseRefundsClaim(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStore()
	_, err := st.CreateTrainingJob(ctx, TrainingJobInput{JobID: "job-1", Outbox: &MirrorEventInput{Kind: "create_run"}})
	require.NoError(t, err)

	claimed, err := st.ClaimMirrorEvents(ctx, ClaimInput{Limit: 1})
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	require.NoError(t, st.ReleaseMirrorEvent(ctx, claimed[0].ID, "deferred"))

	events := st.MirrorEvents()
	assert.Equal(t, models.MirrorEventPending, events[0].Status)
	assert.Zero(t, events[0].Attempts)
	assert.Equal(t, "deferred", events[0].LastError)

	claimed, err = st.ClaimMirrorEvents(ctx, ClaimInput{Limit: 1})
	require.NoError(t, err)
	assert.Equal(t, 1, claimed[0].Attempts)
	assert.ErrorIs(t, st.ReleaseMirrorEvent(ctx, 999, "deferred"), ErrNotFound)
}

func TestMemoryStoreReclaimsStaleEvents(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStore()
	_, err := st.CreateTrainingJob(ctx, TrainingJobInput{JobID: "job-1", Outbox: &MirrorEventInput{Kind: "create_run"}})
	require.NoError(t, err)

	first, err := st.ClaimMirrorEvents(ctx, ClaimInput{Limit: 5, Lease: time.Hour})
	require.NoError(t, err)
	require.Len(t, first, 1)

	again, err := st.ClaimMirrorEvents(ctx, ClaimInput{Limit: 5, Lease: time.Hour})
	require.NoError(t, err)
	assert.Empty(t, again)

	time.Sleep(5 * time.Millisecond)
	stale, err := st.ClaimMirrorEvents(ctx, ClaimInput{Limit: 5, Lease: time.Millisecond})
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, 2, stale[0].Attempts)
}
