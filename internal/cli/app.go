package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/ILLUVRSE/neura-orchestra/internal/archive"
	"github.com/ILLUVRSE/neura-orchestra/internal/auth"
	"github.com/ILLUVRSE/neura-orchestra/internal/config"
	"github.com/ILLUVRSE/neura-orchestra/internal/httpserver"
	"github.com/ILLUVRSE/neura-orchestra/internal/logging"
	"github.com/ILLUVRSE/neura-orchestra/internal/metrics"
	"github.com/ILLUVRSE/neura-orchestra/internal/relay"
	"github.com/ILLUVRSE/neura-orchestra/internal/service"
	"github.com/ILLUVRSE/neura-orchestra/internal/store"
	"github.com/ILLUVRSE/neura-orchestra/internal/tracking"
)

// app holds every long-lived component built from one Config.
type app struct {
	cfg     config.Config
	log     zerolog.Logger
	metrics *metrics.Metrics
	store   store.Store
	mirror  tracking.Mirror
	service *service.Service
	closers []func() error
}

func loadConfig() (config.Config, zerolog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, zerolog.Nop(), fmt.Errorf("config load: %w", err)
	}
	return cfg, logging.New(cfg.LogLevel, logging.Format(cfg.LogFormat)), nil
}

func newApp(ctx context.Context, cfg config.Config, logger zerolog.Logger) (*app, error) {
	a := &app{cfg: cfg, log: logger}
	var err error
	if a.metrics, err = metrics.New(nil); err != nil {
		return nil, err
	}
	if err := a.openStore(ctx); err != nil {
		return nil, err
	}
	if err := a.buildMirror(); err != nil {
		a.Close()
		return nil, err
	}

	mode, err := service.ParseMirrorMode(cfg.MirrorMode)
	if err != nil {
		a.Close()
		return nil, err
	}
	var archiver archive.Archiver
	if cfg.ArchiveBucket != "" {
		s3Archiver, err := archive.NewS3Archiver(ctx, cfg.ArchiveBucket, cfg.ArchivePrefix)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("archive init: %w", err)
		}
		archiver = s3Archiver
	}
	a.service = service.New(a.store, a.mirror, service.Options{
		Mode:                mode,
		LegacyCreateMapping: cfg.LegacyCreateMapping,
		Archiver:            archiver,
		Logger:              logger,
	})
	return a, nil
}

func (a *app) openStore(ctx context.Context) error {
	if a.cfg.DatabaseURL == "" {
		a.log.Warn().Msg("no database configured; using in-memory store")
		a.store = store.NewMemoryStore()
		return nil
	}
	st, db, err := store.Open(ctx, a.cfg.DatabaseURL, a.cfg.DBMaxOpenConns)
	if err != nil {
		return err
	}
	a.store = st
	a.closers = append(a.closers, db.Close)
	return nil
}

func (a *app) buildMirror() error {
	var primary tracking.Mirror
	if a.cfg.TrackingURI == "" {
		a.log.Warn().Msg("no tracking uri configured; recording runs in process")
		primary = tracking.NewRecorder()
	} else {
		client, err := tracking.NewMLflowClient(tracking.MLflowConfig{
			TrackingURI:  a.cfg.TrackingURI,
			ExperimentID: a.cfg.ExperimentID,
			Timeout:      a.cfg.TrackingTimeout,
			Retries:      a.cfg.TrackingRetries,
		})
		if err != nil {
			return fmt.Errorf("tracking client init: %w", err)
		}
		primary = client
	}

	mirror := primary
	if len(a.cfg.KafkaBrokers) > 0 {
		pub, err := tracking.NewKafkaPublisher(tracking.KafkaConfig{
			Brokers: a.cfg.KafkaBrokers,
			Topic:   a.cfg.KafkaTopic,
		})
		if err != nil {
			return fmt.Errorf("kafka publisher init: %w", err)
		}
		a.closers = append(a.closers, pub.Close)
		mirror = tracking.NewFanout(primary, pub)
	}
	a.mirror = tracking.Instrument(mirror, a.metrics)
	return nil
}

func (a *app) router() *httpserver.Server {
	return httpserver.New(a.service, httpserver.Options{
		Verifier:    auth.NewVerifier(a.cfg.AuthJWTSecret, a.cfg.AuthWriteScope),
		Metrics:     a.metrics,
		Logger:      a.log,
		CORSOrigins: a.cfg.CORSOrigins,
	})
}

func (a *app) relayConfig() relay.Config {
	return relay.Config{
		PollInterval: a.cfg.RelayInterval,
		BatchSize:    a.cfg.RelayBatch,
		MaxAttempts:  a.cfg.RelayMaxAttempts,
		Logger:       a.log,
		Observer:     a.metrics,
	}
}

func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
