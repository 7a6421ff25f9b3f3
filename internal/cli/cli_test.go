package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ILLUVRSE/neura-orchestra/internal/config"
	"github.com/ILLUVRSE/neura-orchestra/internal/service"
	"github.com/ILLUVRSE/neura-orchestra/internal/store"
)

func localConfig() config.Config {
	cfg := config.Defaults()
	cfg.TrackingURI = ""
	return cfg
}

func TestNewAppFallsBackToInProcessCollaborators(t *testing.T) {
	a, err := newApp(context.Background(), localConfig(), zerolog.Nop())
	require.NoError(t, err)
	defer a.Close()

	assert.IsType(t, &store.MemoryStore{}, a.store)
	assert.Equal(t, service.MirrorStrict, a.service.Mode())

	rr := httptest.NewRecorder()
	body := strings.NewReader(`{"model_name":"m","hyperparameters":{"lr":0.1}}`)
	a.router().Router().ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/training-jobs", body))
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())

	var out bytes.Buffer
	require.NoError(t, printRuns(context.Background(), a, &out))
	var decoded struct {
		Runs []json.RawMessage `json:"runs"`
	}
	require.NoError(t, json.Unmarshal(out.Bytes(), &decoded))
	assert.Len(t, decoded.Runs, 1)
}

func TestNewAppRejectsUnknownMirrorMode(t *testing.T) {
	cfg := localConfig()
	cfg.MirrorMode = "sometimes"
	_, err := newApp(context.Background(), cfg, zerolog.Nop())
	assert.Error(t, err)
}

func TestNewAppWrapsMLflowClient(t *testing.T) {
	cfg := localConfig()
	cfg.TrackingURI = "http://mlflow.invalid"
	cfg.MirrorMode = "outbox"
	a, err := newApp(context.Background(), cfg, zerolog.Nop())
	require.NoError(t, err)
	defer a.Close()

	assert.NotNil(t, a.mirror)
	assert.Equal(t, service.MirrorOutbox, a.service.Mode())

	rc := a.relayConfig()
	assert.Equal(t, cfg.RelayBatch, rc.BatchSize)
	assert.Equal(t, cfg.RelayMaxAttempts, rc.MaxAttempts)
	assert.NotNil(t, rc.Observer)
}

func TestShouldRunRelay(t *testing.T) {
	t.Setenv("NEURA_RUN_RELAY", "")
	assert.False(t, shouldRunRelay(false))
	assert.True(t, shouldRunRelay(true))

	t.Setenv("NEURA_RUN_RELAY", "true")
	assert.True(t, shouldRunRelay(false))
	t.Setenv("NEURA_RUN_RELAY", "nope")
	assert.False(t, shouldRunRelay(false))
}

func TestRootRegistersCommands(t *testing.T) {
	names := map[string]bool{}
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"serve", "init-schema", "runs"} {
		assert.True(t, names[want], want)
	}
}
