package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"mp3relay/internal/api"
	"mp3relay/internal/artifact"
	"mp3relay/internal/clock"
	"mp3relay/internal/config"
	"mp3relay/internal/convert"
	"mp3relay/internal/extract"
	"mp3relay/internal/jobid"
	"mp3relay/internal/jobs"
	"mp3relay/internal/metrics"
	"mp3relay/internal/reclaim"
)

const metricsNamespace = "mp3relay"

// app owns every long-lived component of a running service.
type app struct {
	cfg       *config.Config
	logger    *slog.Logger
	store     *artifact.Store
	registry  jobs.Registry
	reclaimer *reclaim.Reclaimer
	sweeper   *jobs.Sweeper
	handler   http.Handler
}

func newLogger(c config.LogConfig, w io.Writer) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", c.Level, err)
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(c.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return slog.New(slog.NewTextHandler(w, opts)), nil
}

func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	store := artifact.NewStore(cfg.Storage.DownloadsDir)
	if err := store.Ensure(); err != nil {
		return nil, err
	}

	extractor, err := newExtractor(ctx, cfg.Extract, logger)
	if err != nil {
		return nil, err
	}

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.NewProm(metricsNamespace, promReg)

	registry := openRegistry(ctx, cfg, logger)
	clk := clock.Real()
	reclaimer := reclaim.New(clk, store, m, logger.With("component", "reclaimer"))

	svc := convert.NewService(convert.Deps{
		IDs:       jobid.UUID{},
		Extractor: extractor,
		Store:     store,
		Registry:  registry,
		Reclaimer: reclaimer,
		Clock:     clk,
		Metrics:   m,
		Logger:    logger.With("component", "convert"),
	}, convert.Config{
		BitrateKbps:    cfg.Extract.BitrateKbps,
		GracePeriod:    cfg.Storage.GracePeriod,
		ExtractTimeout: cfg.Extract.Timeout,
	})

	return &app{
		cfg:       cfg,
		logger:    logger,
		store:     store,
		registry:  registry,
		reclaimer: reclaimer,
		sweeper:   jobs.NewSweeper(registry, store, clk, cfg.Storage.JobTTL, m, logger.With("component", "sweeper")),
		handler: api.NewServer(svc, api.Options{
			PublicBaseURL: cfg.Server.PublicBaseURL,
			Reclaimer:     reclaimer,
			Metrics:       m,
			Gatherer:      promReg,
			Logger:        logger.With("component", "http"),
		}),
	}, nil
}

// newExtractor writes the cookie payload from the environment, if any, and
// warns when the external tools are missing. A missing tool is not fatal:
// every conversion will then fail with an extraction error instead.
func newExtractor(ctx context.Context, c config.ExtractConfig, logger *slog.Logger) (*extract.YTDLP, error) {
	opts := []extract.Option{
		extract.WithYTDLPPath(c.YTDLPPath),
		extract.WithFFmpegPath(c.FFmpegPath),
	}
	switch {
	case c.Cookies != "":
		if err := extract.WriteCookieFile(c.CookiesPath, c.Cookies); err != nil {
			return nil, err
		}
		logger.Info("cookie file written", "path", c.CookiesPath)
		opts = append(opts, extract.WithCookieFile(c.CookiesPath))
	case fileExists(c.CookiesPath):
		opts = append(opts, extract.WithCookieFile(c.CookiesPath))
	}

	y := extract.NewYTDLP(opts...)
	checkCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := y.VerifyInstalled(checkCtx); err != nil {
		logger.Warn("external tools unavailable", "error", err)
	}
	return y, nil
}

// openRegistry prefers Redis when configured and falls back to memory.
func openRegistry(ctx context.Context, cfg *config.Config, logger *slog.Logger) jobs.Registry {
	if cfg.Redis.URL == "" {
		return jobs.NewMemoryRegistry()
	}
	reg, err := jobs.NewRedisRegistry(ctx, cfg.Redis.URL, cfg.Storage.JobTTL)
	if err != nil {
		logger.Warn("redis not available, using in-memory job registry", "error", err)
		return jobs.NewMemoryRegistry()
	}
	logger.Info("redis job registry connected")
	return reg
}

func fileExists(path string) bool {
	if path == "" {
		return false
	}
	fi, err := os.Stat(path)
	return err == nil && fi.Mode().IsRegular()
}

// serve runs the HTTP server and the sweeper until ctx is cancelled, then
// shuts down in order: stop accepting requests, stop sweeping, delete every
// artifact still waiting for its grace period, close the registry.
func (a *app) serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              a.cfg.Addr(),
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	sweepCtx, stopSweep := context.WithCancel(context.Background())
	sweepDone := make(chan struct{})
	go func() {
		defer close(sweepDone)
		a.sweeper.Run(sweepCtx, a.cfg.Storage.SweepInterval)
	}()

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("server listening",
			"addr", srv.Addr,
			"downloads_dir", a.store.Root(),
			"grace_period", a.cfg.Storage.GracePeriod)
		errCh <- srv.ListenAndServe()
	}()

	var serveErr error
	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			serveErr = err
		}
	case <-ctx.Done():
		a.logger.Info("graceful shutdown initiated")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("server shutdown", "error", err)
		}
		cancel()
	}

	stopSweep()
	<-sweepDone
	a.close()
	a.logger.Info("shutdown complete")
	return serveErr
}

// errSweepNeedsRedis is returned by sweepExpired without a Redis registry.
// In-memory records live only inside the server process, which sweeps them
// itself.
var errSweepNeedsRedis = errors.New("sweep needs a Redis job registry (set REDIS_URL or redis.url)")

// sweepExpired runs one sweep against the shared Redis registry. It touches
// nothing else: no cookie file, no tool check, no HTTP server.
func sweepExpired(ctx context.Context, cfg *config.Config, logger *slog.Logger, out io.Writer) error {
	if cfg.Redis.URL == "" {
		return errSweepNeedsRedis
	}
	reg, err := jobs.NewRedisRegistry(ctx, cfg.Redis.URL, cfg.Storage.JobTTL)
	if err != nil {
		return err
	}
	defer reg.Close()

	store := artifact.NewStore(cfg.Storage.DownloadsDir)
	sweeper := jobs.NewSweeper(reg, store, clock.Real(), cfg.Storage.JobTTL, nil, logger.With("component", "sweeper"))
	n, err := sweeper.SweepOnce(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "removed %d expired job(s)\n", n)
	return nil
}

func (a *app) close() {
	a.reclaimer.Close()
	if err := a.registry.Close(); err != nil {
		a.logger.Error("close registry", "error", err)
	}
}
