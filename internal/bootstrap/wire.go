package bootstrap

import (
	"io"
	"log/slog"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/samber/do/v2"

	"sonicres/internal/audio"
	"sonicres/internal/config"
	"sonicres/internal/metrics"
	"sonicres/internal/providers/recognizer"
	"sonicres/internal/usecase"
)

// Services is the assembled runtime graph.
type Services struct {
	Orchestrator *usecase.Orchestrator
	Config       config.Config
	Logger       *slog.Logger
	Metrics      *metrics.Metrics
	Registry     *prometheus.Registry
	Injector     do.Injector
}

// Build loads configuration and wires all backend dependencies.
func Build() (Services, error) {
	cfg, err := config.Load()
	if err != nil {
		return Services{}, err
	}
	return BuildWith(cfg, NewLogger(cfg, os.Stderr))
}

// BuildWith wires the dependency graph for an already resolved configuration.
func BuildWith(cfg config.Config, logger *slog.Logger) (Services, error) {
	url, err := recognizer.BuildURL(cfg.Server.WSURL, cfg.Server.APIBase)
	if err != nil {
		return Services{}, err
	}

	injector := do.New()
	do.ProvideValue(injector, cfg)
	do.ProvideValue(injector, logger)
	do.ProvideValue(injector, usecase.Config{
		URL:      url,
		Duration: cfg.Duration(),
		Logger:   logger,
	})
	metrics.RegisterDI(injector)
	audio.RegisterDI(injector)
	recognizer.RegisterDI(injector)
	usecase.RegisterDI(injector)

	orchestrator, err := do.Invoke[*usecase.Orchestrator](injector)
	if err != nil {
		return Services{}, err
	}
	m, err := do.Invoke[*metrics.Metrics](injector)
	if err != nil {
		return Services{}, err
	}
	registry, err := do.Invoke[*prometheus.Registry](injector)
	if err != nil {
		return Services{}, err
	}

	logger.Debug("dependency graph built", "url", url, "duration", cfg.Duration())
	return Services{
		Orchestrator: orchestrator,
		Config:       cfg,
		Logger:       logger,
		Metrics:      m,
		Registry:     registry,
		Injector:     injector,
	}, nil
}

// NewLogger builds the slog logger described by cfg.
func NewLogger(cfg config.Config, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.SlogLevel()}
	if cfg.Log.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
