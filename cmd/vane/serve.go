package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"marketvane/internal/ai"
	"marketvane/internal/analyze"
	"marketvane/internal/api"
	"marketvane/internal/browser"
	"marketvane/internal/config"
	"marketvane/internal/dsi"
	"marketvane/internal/enrich"
	"marketvane/internal/keywords"
	"marketvane/internal/logging"
	"marketvane/internal/metrics"
	"marketvane/internal/pipeline"
	"marketvane/internal/queue"
	"marketvane/internal/resilience"
	"marketvane/internal/scrape"
	"marketvane/internal/serp"
	"marketvane/internal/store"
	"marketvane/internal/types"
	"marketvane/internal/usage"
	"marketvane/internal/video"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the pipeline service: API, websocket hub, queue workers, scheduler",
	Long: `Starts the long-running service. On startup, runs interrupted by the
previous shutdown are resumed from their last completed phase. The process
drains gracefully on SIGINT/SIGTERM; runs still executing at the shutdown
deadline stay resumable.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

// jobTypeRun is the queue job type for a deferred pipeline start. The
// payload's "config" key carries the run's PipelineConfig.
const jobTypeRun = "pipeline_run"

// serviceDeps bundles everything serve wires into the pipeline service,
// plus the pieces with their own lifecycle.
type serviceDeps struct {
	deps      pipeline.Deps
	collector *serp.Collector
	registry  *analyze.Registry
	breakers  *resilience.Registry
	sessions  *browser.SessionManager // nil unless browser scraping enabled
}

func (d *serviceDeps) close() {
	if d.sessions != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := d.sessions.Shutdown(ctx); err != nil {
			logger.Warn("Browser shutdown incomplete", zap.Error(err))
		}
		cancel()
	}
	if err := d.registry.Close(); err != nil {
		logger.Warn("Dimension registry close failed", zap.Error(err))
	}
}

func buildDeps(st *store.Store, cfg *config.Config) (*serviceDeps, error) {
	breakers := resilience.NewRegistry(st, cfg.Breakers)
	retry, err := resilience.NewRetryManager(st)
	if err != nil {
		return nil, fmt.Errorf("load error taxonomy: %w", err)
	}

	var aiClient ai.Client
	if cfg.Providers.AI.APIKey != "" {
		aiClient, err = ai.New(cfg.Providers.AI)
		if err != nil {
			return nil, err
		}
		logging.Boot("AI backend: %s", aiClient.Name())
	} else {
		logging.BootWarn("No AI API key configured; analysis items will fail and enrichment falls back to deterministic selection")
	}

	registry, err := analyze.LoadRegistry(cfg.Pipeline.Analysis.DimensionsPath, cfg.Pipeline.Analysis.HotReload)
	if err != nil {
		return nil, fmt.Errorf("load dimensions: %w", err)
	}

	quota, err := usage.NewTracker(cfg.Providers.Video.QuotaStatePath)
	if err != nil {
		registry.Close()
		return nil, fmt.Errorf("open video quota ledger: %w", err)
	}

	var sessions *browser.SessionManager
	var headless scrape.HeadlessFetcher
	if cfg.Pipeline.Scraper.BrowserEnabled {
		bc := browser.DefaultConfig()
		bc.PoolSize = cfg.Pipeline.Scraper.BrowserPoolSize
		bc.UserAgent = cfg.Pipeline.Scraper.UserAgent
		sessions = browser.NewSessionManager(bc)
		headless = sessions
	}

	collector := serp.NewCollector(st, serp.NewHTTPProvider(cfg.Providers.Serp), breakers, retry, cfg.Providers.Serp)

	deps := pipeline.Deps{
		Keywords:  keywords.New(st, nil, breakers, retry, cfg.Pipeline.Keywords),
		Serp:      pipeline.SerpRunner{C: collector},
		Companies: enrich.NewEnricher(st, enrich.NewHTTPProvider(cfg.Providers.Company), aiClient, breakers, retry, cfg.Providers.Company, cfg.Pipeline.Enrich),
		Videos:    video.NewEnricher(st, video.NewHTTPProvider(cfg.Providers.Video), aiClient, breakers, retry, quota, cfg.Providers.Video, cfg.Pipeline.Video),
		Scraper:   scrape.NewScraper(st, retry, headless, cfg.Pipeline.Scraper),
		Analyzer:  pipeline.AnalyzerRunner{A: analyze.NewAnalyzer(st, aiClient, breakers, retry, registry, cfg.Pipeline.Analysis)},
		DSI:       dsi.NewCalculator(st),
	}
	return &serviceDeps{deps: deps, collector: collector, registry: registry, breakers: breakers, sessions: sessions}, nil
}

// queuedRunHandler starts a pipeline from a queued job. The run executes on
// the service's own goroutine; the job completes once the start is accepted.
func queuedRunHandler(svc *pipeline.Service) queue.Handler {
	return func(_ context.Context, job *types.Job) error {
		raw, err := json.Marshal(job.Payload["config"])
		if err != nil {
			return fmt.Errorf("encode queued config: %w", err)
		}
		var cfg types.PipelineConfig
		if err := json.Unmarshal(raw, &cfg); err != nil {
			return fmt.Errorf("decode queued config: %w", err)
		}
		runID, err := svc.Start(&cfg)
		if err != nil {
			return err
		}
		logging.Queue("Job %s started pipeline run %s", job.ID, runID)
		return nil
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if err := logging.Initialize(logging.Config{
		Enabled:    cfg.Logging.Enabled,
		Level:      cfg.Logging.Level,
		Dir:        cfg.Logging.Dir,
		JSONFormat: cfg.Logging.JSONFormat,
		Categories: cfg.Logging.Categories,
	}); err != nil {
		return err
	}
	defer logging.CloseAll()

	st, err := store.New(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	deps, err := buildDeps(st, cfg)
	if err != nil {
		return err
	}
	defer deps.close()

	hub := api.NewHub()
	m := metrics.New()
	deps.breakers.PublishMetrics(m)
	svc := pipeline.NewService(st, deps.deps, hub, m)

	if n := svc.RecoverInterrupted(); n > 0 {
		logger.Info("Resumed interrupted runs", zap.Int("count", n))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		<-sigCh
		logger.Info("Shutdown signal received")
		cancel()
	}()

	pool := queue.New(st, queue.Options{
		Workers:      cfg.Queue.Workers,
		PollInterval: cfg.GetQueuePollInterval(),
		LockTimeout:  cfg.GetQueueLockTimeout(),
		BaseDelay:    cfg.GetQueueBaseDelay(),
		MaxDelay:     cfg.GetQueueMaxDelay(),
		Metrics:      m,
	})
	pool.Register(jobTypeRun, queuedRunHandler(svc))
	pool.Start(ctx)

	var sched *pipeline.Scheduler
	if cfg.Scheduler.Enabled {
		sched = pipeline.NewScheduler(st, svc, cfg.GetSchedulerInterval())
		sched.Start(ctx)
	}

	server := api.NewServer(svc, hub, deps.collector, m, cfg.Server.AdminToken)
	httpSrv := &http.Server{
		Addr:         cfg.Server.Listen,
		Handler:      server.Handler(),
		ReadTimeout:  cfg.GetReadTimeout(),
		WriteTimeout: cfg.GetWriteTimeout(),
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", zap.String("addr", cfg.Server.Listen))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
		logger.Error("HTTP server failed", zap.Error(serveErr))
		cancel()
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.GetShutdownTimeout())
	defer cancelShutdown()

	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP shutdown incomplete", zap.Error(err))
	}
	if sched != nil {
		sched.Stop()
	}
	pool.Stop()
	if err := svc.Stop(shutdownCtx); err != nil {
		logger.Warn("Runs still executing; they resume on next start", zap.Error(err))
	}
	hub.Close()
	logger.Info("Shutdown complete")
	return serveErr
}
