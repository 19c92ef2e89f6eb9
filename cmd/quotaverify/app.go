package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"cocoaquota/internal/blob"
	"cocoaquota/internal/certificate"
	"cocoaquota/internal/config"
	"cocoaquota/internal/core"
	"cocoaquota/internal/jobs"
	"cocoaquota/internal/pipeline"
	"cocoaquota/pkg/domain"
)

var (
	openStore = core.OpenStore
	openBlob  = blob.Open
)

// app holds the wired collaborators of one process.
type app struct {
	cfg      config.Config
	logger   *slog.Logger
	store    domain.Store
	archive  blob.Store
	registry *prometheus.Registry
	engine   *core.Service
	certs    *certificate.Generator
	verifier *pipeline.Verifier
}

func newApp(ctx context.Context, cfg config.Config, logs io.Writer, policy string) (*app, error) {
	logger := cfg.Logger(logs)
	engineCfg, err := cfg.Core()
	if err != nil {
		return nil, err
	}
	if policy != "" {
		engineCfg.ExporterPolicy = core.ExporterPolicy(policy)
		if err := engineCfg.Validate(); err != nil {
			return nil, err
		}
	}

	store, err := openStore(ctx, cfg.StorageConfig(), logger)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	archive, err := openBlob(ctx, cfg.BlobConfig())
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("open archive: %w", err)
	}

	registry := prometheus.NewRegistry()
	prom, err := core.NewPrometheusMetricsRecorder(registry)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	opts := []core.Option{
		core.WithConfig(engineCfg),
		core.WithLogger(logger),
		core.WithMetrics(core.MultiMetricsRecorder{prom, core.NewExpvarMetricsRecorder("")}),
	}
	if logger.Enabled(ctx, slog.LevelDebug) {
		opts = append(opts, core.WithTracer(core.NewJSONTracer(logs)))
	}
	engine := core.NewService(store, opts...)
	certs := certificate.NewGenerator(store,
		certificate.WithArchive(archive),
		certificate.WithApprovedBy(engineCfg.ApprovedBy),
		certificate.WithLogger(logger),
	)
	verifier := pipeline.New(engine,
		pipeline.WithCertificates(certs),
		pipeline.WithLogger(logger),
	)
	logger.Debug("application wired", "storage", cfg.Storage.Driver, "blob", archive.Driver(), "policy", engineCfg.ExporterPolicy)
	return &app{
		cfg:      cfg,
		logger:   logger,
		store:    store,
		archive:  archive,
		registry: registry,
		engine:   engine,
		certs:    certs,
		verifier: verifier,
	}, nil
}

// refreshOnStart brings a lagging quota view up to date before the first run.
func (a *app) refreshOnStart(ctx context.Context) {
	if err := jobs.RefreshOnce(ctx, a.store, a.logger); err != nil {
		a.logger.Warn("startup quota view refresh failed", "error", err)
	}
}

func (a *app) Close() {
	if err := a.store.Close(); err != nil {
		a.logger.Error("close store", "error", err)
	}
}
