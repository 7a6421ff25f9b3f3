// Package relay forwards outbox mirror events to the tracking collaborator.
package relay

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/ILLUVRSE/neura-orchestra/internal/models"
	"github.com/ILLUVRSE/neura-orchestra/internal/store"
	"github.com/ILLUVRSE/neura-orchestra/internal/tracking"
)

const (
	OutcomeDone     = "done"
	OutcomeRetry    = "retry"
	OutcomeFailed   = "failed"
	OutcomeDeferred = "deferred"
)

// Observer is told the outcome of every event the relay handles.
type Observer interface {
	ObserveRelayEvent(kind, outcome string)
}

type Config struct {
	PollInterval time.Duration
	BatchSize    int
	// MaxAttempts is how many claims an event gets before it is marked failed for good.
	MaxAttempts int
	Lease       time.Duration
	Logger      zerolog.Logger
	Observer    Observer
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 20
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.Lease <= 0 {
		c.Lease = 5 * time.Minute
	}
	return c
}

// RunWorker polls the outbox and forwards events until ctx is cancelled.
func RunWorker(ctx context.Context, st store.Store, mirror tracking.Mirror, cfg Config) {
	cfg = cfg.withDefaults()
	log := cfg.Logger.With().Str("component", "relay").Logger()
	log.Info().Dur("interval", cfg.PollInterval).Int("batch", cfg.BatchSize).Msg("relay started")

	for {
		if ctx.Err() != nil {
			return
		}
		processed, err := ProcessBatch(ctx, st, mirror, cfg)
		if err != nil && ctx.Err() == nil {
			log.Error().Err(err).Msg("process mirror events")
		}
		if processed < cfg.BatchSize {
			select {
			case <-ctx.Done():
				return
			case <-time.After(cfg.PollInterval):
			}
		}
	}
}

// ProcessBatch claims up to BatchSize events and forwards them in id order. Once an event
// for a job fails, the job's later events in the batch are released untouched so that a
// job's calls reach the collaborator in the order they were recorded.
func ProcessBatch(ctx context.Context, st store.Store, mirror tracking.Mirror, cfg Config) (int, error) {
	if ctx.Err() != nil {
		return 0, ctx.Err()
	}
	cfg = cfg.withDefaults()
	events, err := st.ClaimMirrorEvents(ctx, store.ClaimInput{Limit: cfg.BatchSize, Lease: cfg.Lease})
	if err != nil {
		return 0, fmt.Errorf("claim mirror events: %w", err)
	}

	var errs []error
	blocked := map[string]bool{}
	for _, ev := range events {
		outcome, markErr := handle(ctx, st, mirror, cfg, ev, blocked)
		if cfg.Observer != nil {
			cfg.Observer.ObserveRelayEvent(ev.Kind, outcome)
		}
		if markErr != nil {
			errs = append(errs, markErr)
		}
	}
	return len(events), errors.Join(errs...)
}

func handle(ctx context.Context, st store.Store, mirror tracking.Mirror, cfg Config, ev models.MirrorEvent, blocked map[string]bool) (string, error) {
	log := cfg.Logger.With().Int64("event_id", ev.ID).Str("job_id", ev.JobID).Logger()

	if blocked[ev.JobID] {
		return OutcomeDeferred, st.ReleaseMirrorEvent(ctx, ev.ID, "deferred behind failed event")
	}

	call, err := tracking.DecodeCall(ev.Payload)
	if err != nil {
		blocked[ev.JobID] = true
		log.Error().Err(err).Msg("undecodable mirror event")
		return OutcomeFailed, st.MarkMirrorEventFailed(ctx, ev.ID, err.Error(), false)
	}

	if err := tracking.Apply(ctx, mirror, call); err != nil {
		blocked[ev.JobID] = true
		retry := ev.Attempts < cfg.MaxAttempts && !errors.Is(err, tracking.ErrUnsupported)
		outcome := OutcomeRetry
		if !retry {
			outcome = OutcomeFailed
			log.Error().Err(err).Int("attempts", ev.Attempts).Msg("mirror event failed permanently")
		} else {
			log.Warn().Err(err).Int("attempts", ev.Attempts).Msg("mirror event failed; will retry")
		}
		return outcome, st.MarkMirrorEventFailed(ctx, ev.ID, err.Error(), retry)
	}
	return OutcomeDone, st.MarkMirrorEventDone(ctx, ev.ID)
}
