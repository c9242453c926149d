package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"marketvane/internal/analyze"
	"marketvane/internal/dsi"
	"marketvane/internal/logging"
	"marketvane/internal/metrics"
	"marketvane/internal/serp"
	"marketvane/internal/store"
	"marketvane/internal/types"
)

// PhaseRunner is the shape shared by the phase components: run one phase
// for one run, return how many items landed.
type PhaseRunner interface {
	Run(ctx context.Context, runID string, cfg *types.PipelineConfig) (int, error)
}

// AnalysisMonitor is the live analysis session for one run.
type AnalysisMonitor interface {
	Wait(ctx context.Context) (bool, error)
	Stop()
}

// AnalyzerControl starts an analysis monitor. The monitor begins scheduling
// pages as soon as scraping produces them.
type AnalyzerControl interface {
	StartMonitor(ctx context.Context, runID string, cfg *types.PipelineConfig) AnalysisMonitor
}

// DSIRunner computes a run's rankings.
type DSIRunner interface {
	Run(ctx context.Context, runID string) (*dsi.Result, error)
}

// SerpRunner adapts the collector's Collect method to the phase runner
// shape.
type SerpRunner struct {
	C *serp.Collector
}

func (r SerpRunner) Run(ctx context.Context, runID string, cfg *types.PipelineConfig) (int, error) {
	return r.C.Collect(ctx, runID, cfg)
}

// AnalyzerRunner adapts the analyzer's concrete monitor to AnalyzerControl.
type AnalyzerRunner struct {
	A *analyze.Analyzer
}

func (r AnalyzerRunner) StartMonitor(ctx context.Context, runID string, cfg *types.PipelineConfig) AnalysisMonitor {
	return r.A.StartMonitor(ctx, runID, cfg)
}

// Deps carries the phase components the service drives. Nil entries make
// the corresponding phase fail (or skip, for the non-critical video phase)
// with a clear message.
type Deps struct {
	Keywords  PhaseRunner
	Serp      PhaseRunner
	Companies PhaseRunner
	Videos    PhaseRunner
	Scraper   PhaseRunner
	Analyzer  AnalyzerControl
	DSI       DSIRunner
}

// ErrConflict marks requests that clash with a run's current state; the
// API maps it to 409. ErrShuttingDown marks requests arriving after Stop.
var (
	ErrConflict     = errors.New("conflict")
	ErrShuttingDown = errors.New("shutting down")
)

// Service is the top-level pipeline surface: it starts, resumes, cancels
// and reports runs, executing each on its own goroutine with a context
// derived from the service rather than from any HTTP request.
type Service struct {
	st      *store.Store
	orch    *Orchestrator
	deps    Deps
	events  EventSink
	metrics *metrics.Metrics
	checks  *validator.Validate

	mu       sync.Mutex
	cancels  map[string]context.CancelFunc
	monitors map[string]AnalysisMonitor

	base context.Context
	halt context.CancelFunc
	wg   sync.WaitGroup
}

// NewService wires the orchestrator and registers the phase handlers.
// Events and metrics may be nil.
func NewService(st *store.Store, deps Deps, events EventSink, m *metrics.Metrics) *Service {
	base, halt := context.WithCancel(context.Background())
	s := &Service{
		st:       st,
		deps:     deps,
		events:   events,
		metrics:  m,
		checks:   validator.New(validator.WithRequiredStructEnabled()),
		cancels:  make(map[string]context.CancelFunc),
		monitors: make(map[string]AnalysisMonitor),
		base:     base,
		halt:     halt,
	}
	s.orch = NewOrchestrator(st, events, m)
	s.orch.RegisterHandler(types.PhaseKeywordMetrics, s.runKeywordPhase)
	s.orch.RegisterHandler(types.PhaseSerpCollection, s.runSerpPhase)
	s.orch.RegisterHandler(types.PhaseCompanyEnrichment, s.runCompanyPhase)
	s.orch.RegisterHandler(types.PhaseYouTubeEnrichment, s.runVideoPhase)
	s.orch.RegisterHandler(types.PhaseContentScraping, s.runScrapePhase)
	s.orch.RegisterHandler(types.PhaseContentAnalysis, s.runAnalysisPhase)
	s.orch.RegisterHandler(types.PhaseDSICalculation, s.runDSIPhase)
	return s
}

// Orchestrator exposes the underlying orchestrator, mainly for status
// composition.
func (s *Service) Orchestrator() *Orchestrator {
	return s.orch
}

// Start validates the config, persists a new run and launches its
// execution loop. Returns the run id immediately; progress streams over
// the event sink.
func (s *Service) Start(cfg *types.PipelineConfig) (string, error) {
	if err := s.validateConfig(cfg); err != nil {
		return "", err
	}
	if s.base.Err() != nil {
		return "", fmt.Errorf("pipeline service is %w", ErrShuttingDown)
	}

	run := &types.PipelineRun{
		ID:        uuid.NewString(),
		ClientID:  cfg.ClientID,
		Mode:      cfg.Mode,
		Status:    types.RunPending,
		Config:    *cfg,
		StartedAt: time.Now().UTC(),
	}
	if run.Mode == "" {
		run.Mode = types.ModeBatch
	}
	if err := s.st.CreateRun(run); err != nil {
		return "", err
	}
	if err := s.orch.Initialize(run.ID, cfg); err != nil {
		return "", err
	}

	s.launch(run.ID, cfg)
	logging.Pipeline("Started run %s for client %s (%d keywords, types %v)",
		run.ID, cfg.ClientID, len(cfg.Keywords), cfg.ContentTypes)
	return run.ID, nil
}

// Resume re-enters a run a previous process left behind. Completed phases
// are preserved; a phase caught mid-flight restarts from its checkpoints
// and per-item state.
func (s *Service) Resume(runID string) error {
	run, err := s.st.GetRun(runID)
	if err != nil {
		return err
	}
	if run.Status.Terminal() {
		return fmt.Errorf("run %s is %s and cannot be resumed: %w", runID, run.Status, ErrConflict)
	}

	s.mu.Lock()
	_, active := s.cancels[runID]
	s.mu.Unlock()
	if active {
		return fmt.Errorf("run %s is already executing: %w", runID, ErrConflict)
	}

	cfg := run.Config
	if err := s.orch.Initialize(runID, &cfg); err != nil {
		return err
	}
	s.launch(runID, &cfg)
	logging.Pipeline("Resumed run %s", runID)
	return nil
}

// Cancel marks the run cancelled and signals its execution loop. Phase
// workers notice between items; in-flight provider calls finish so their
// results are stored.
func (s *Service) Cancel(runID string) error {
	run, err := s.st.GetRun(runID)
	if err != nil {
		return err
	}
	if run.Status.Terminal() {
		return fmt.Errorf("run %s is already %s: %w", runID, run.Status, ErrConflict)
	}
	if err := s.st.UpdateRunStatus(runID, types.RunCancelled); err != nil {
		return err
	}
	s.publishRunStatus(runID, types.RunCancelled, "Cancellation requested")

	s.mu.Lock()
	cancel := s.cancels[runID]
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	} else if statuses, lerr := s.st.ListPhaseStatuses(runID); lerr == nil {
		// Not executing in this process; settle whatever a crashed
		// process left mid-flight.
		s.settleCancelled(runID, statuses)
	}
	logging.Pipeline("Run %s cancelled", runID)
	return nil
}

// RecoverInterrupted resumes every run a previous process left running.
// Called once at startup, before the API starts accepting traffic.
func (s *Service) RecoverInterrupted() int {
	ids, err := s.st.InterruptedRuns()
	if err != nil {
		logging.PipelineWarn("Startup recovery could not list interrupted runs: %v", err)
		return 0
	}
	resumed := 0
	for _, id := range ids {
		if err := s.Resume(id); err != nil {
			logging.PipelineWarn("Startup recovery could not resume run %s: %v", id, err)
			continue
		}
		resumed++
	}
	if resumed > 0 {
		logging.Pipeline("Startup recovery resumed %d interrupted run(s)", resumed)
	}
	return resumed
}

// RunDetail is the status API's view of one run.
type RunDetail struct {
	Run     *types.PipelineRun `json:"run"`
	Summary *Summary           `json:"summary"`
}

// Get returns a run with its per-phase summary.
func (s *Service) Get(runID string) (*RunDetail, error) {
	run, err := s.st.GetRun(runID)
	if err != nil {
		return nil, err
	}
	sum, err := s.orch.Summary(runID)
	if err != nil {
		return nil, err
	}
	return &RunDetail{Run: run, Summary: sum}, nil
}

// Recent lists the newest runs.
func (s *Service) Recent(limit int) ([]*types.PipelineRun, error) {
	return s.st.ListRecentRuns(limit)
}

// ClearHistory deletes every run and its tracking rows. Refused while runs
// are executing; shared artifact tables are untouched.
func (s *Service) ClearHistory() (int64, error) {
	s.mu.Lock()
	active := len(s.cancels)
	s.mu.Unlock()
	if active > 0 {
		return 0, fmt.Errorf("%d run(s) still executing; cancel them before clearing history: %w", active, ErrConflict)
	}
	return s.st.DeleteAllRuns()
}

// Stop cancels every executing run and waits for the loops to unwind.
// Interrupted runs stay `running` in storage and resume on the next
// startup.
func (s *Service) Stop(ctx context.Context) error {
	s.halt()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("shutdown timed out with runs still unwinding: %w", ctx.Err())
	}
}

// launch runs the execution loop on its own goroutine with a context
// derived from the service, never from a request.
func (s *Service) launch(runID string, cfg *types.PipelineConfig) {
	ctx, cancel := context.WithCancel(s.base)
	s.mu.Lock()
	s.cancels[runID] = cancel
	s.mu.Unlock()
	if s.metrics != nil {
		s.metrics.ActiveRuns.Inc()
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			s.stopMonitor(runID)
			s.mu.Lock()
			delete(s.cancels, runID)
			s.mu.Unlock()
			cancel()
			if s.metrics != nil {
				s.metrics.ActiveRuns.Dec()
			}
		}()
		s.executeRun(ctx, runID, cfg)
	}()
}

func (s *Service) executeRun(ctx context.Context, runID string, cfg *types.PipelineConfig) {
	if err := s.st.UpdateRunStatus(runID, types.RunRunning); err != nil {
		logging.PipelineError("Run %s: cannot mark running: %v", runID, err)
		return
	}
	s.publishRunStatus(runID, types.RunRunning, "Pipeline run started")

	for ctx.Err() == nil {
		phase, ok, err := s.orch.NextExecutable(runID)
		if err != nil {
			s.st.AppendRunError(runID, "phase scheduling: "+err.Error())
			break
		}
		if !ok {
			break
		}
		if err := s.orch.Execute(ctx, runID, phase, cfg); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				break
			}
			s.st.AppendRunError(runID, fmt.Sprintf("phase %s: %v", phase, err))
			break
		}
	}

	s.finishRun(ctx, runID, cfg)
}

// finishRun settles the run row once the loop drains: phase summaries are
// saved in every case, and the final status is derived from the persisted
// phase states unless the run was cancelled or the process is shutting
// down.
func (s *Service) finishRun(ctx context.Context, runID string, cfg *types.PipelineConfig) {
	run, err := s.st.GetRun(runID)
	if err != nil {
		logging.PipelineError("Run %s: cannot load for finalization: %v", runID, err)
		return
	}
	statuses, err := s.st.ListPhaseStatuses(runID)
	if err != nil {
		logging.PipelineError("Run %s: cannot load phase rows: %v", runID, err)
		return
	}

	switch {
	case run.Status == types.RunCancelled:
		s.settleCancelled(runID, statuses)
		if statuses, err = s.st.ListPhaseStatuses(runID); err == nil {
			s.saveSummaries(runID, statuses)
		}
		s.publishRunStatus(runID, types.RunCancelled, "Pipeline run cancelled")
	case ctx.Err() != nil:
		// Process shutdown mid-run: the run stays `running`, without
		// summaries, so startup recovery picks it up.
		logging.Pipeline("Run %s interrupted; it will resume on next startup", runID)
	default:
		s.saveSummaries(runID, statuses)
		final := deriveStatus(cfg, statuses)
		if err := s.st.UpdateRunStatus(runID, final); err != nil {
			logging.PipelineError("Run %s: cannot record final status: %v", runID, err)
			return
		}
		msg := "Pipeline run completed"
		if final == types.RunFailed {
			msg = "Pipeline run failed"
		}
		s.publishRunStatus(runID, final, msg)
		logging.Pipeline("Run %s finished: %s", runID, final)
	}
}

// deriveStatus applies the critical-phase rule to the persisted phase
// states: every enabled critical phase must be completed, anything else
// fails the run. Phases disabled by configuration are exempt.
func deriveStatus(cfg *types.PipelineConfig, statuses []types.PhaseStatus) types.RunStatus {
	for _, ps := range statuses {
		if !types.CriticalPhases[ps.Phase] || !phaseEnabled(cfg, ps.Phase) {
			continue
		}
		if ps.State != types.PhaseCompleted {
			return types.RunFailed
		}
	}
	return types.RunCompleted
}

func (s *Service) saveSummaries(runID string, statuses []types.PhaseStatus) {
	results := make(map[string]types.PhaseResultSummary, len(statuses))
	for _, ps := range statuses {
		summary := types.PhaseResultSummary{Success: ps.State == types.PhaseCompleted}
		if counts := intCounts(ps.Result); len(counts) > 0 {
			summary.Counts = counts
		}
		if ps.State == types.PhaseFailed || ps.State == types.PhaseBlocked {
			summary.Error = ps.Message
		}
		results[string(ps.Phase)] = summary
	}
	if err := s.st.SaveRunPhaseResults(runID, results); err != nil {
		logging.PipelineWarn("Run %s: cannot save phase summaries: %v", runID, err)
	}
}

// intCounts keeps only the numeric entries of a phase result, the bounded
// form stored on the run row.
func intCounts(result map[string]any) map[string]int {
	if len(result) == 0 {
		return nil
	}
	counts := make(map[string]int)
	for k, v := range result {
		switch n := v.(type) {
		case int:
			counts[k] = n
		case int64:
			counts[k] = int(n)
		case float64:
			counts[k] = int(n)
		}
	}
	if len(counts) == 0 {
		return nil
	}
	return counts
}

// settleCancelled closes out phase rows a cancelled run left mid-flight.
func (s *Service) settleCancelled(runID string, statuses []types.PhaseStatus) {
	for _, ps := range statuses {
		if ps.State == types.PhaseRunning {
			if err := s.st.MarkPhaseFailed(runID, ps.Phase, "run cancelled"); err != nil {
				logging.PipelineWarn("Run %s: cannot settle phase %s: %v", runID, ps.Phase, err)
			}
		}
	}
}

func (s *Service) validateConfig(cfg *types.PipelineConfig) error {
	if cfg == nil {
		return types.NewPipelineError("", types.CatValidation, errors.New("missing pipeline config"))
	}
	if err := s.checks.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			parts := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				parts = append(parts, fmt.Sprintf("%s fails %q", fe.Namespace(), fe.Tag()))
			}
			return types.NewPipelineError("", types.CatValidation,
				fmt.Errorf("invalid pipeline config: %s", strings.Join(parts, ", ")))
		}
		return err
	}
	if cfg.Testing != nil && cfg.Mode != types.ModeTesting {
		return types.NewPipelineError("", types.CatValidation,
			errors.New(`testing overrides require mode "testing"`))
	}
	return nil
}

func (s *Service) publishRunStatus(runID string, status types.RunStatus, message string) {
	if s.events == nil {
		return
	}
	s.events.Publish(types.NewEvent(types.EventRunStatus, runID, message, map[string]any{
		"status": string(status),
	}))
}

func (s *Service) bumpCounter(runID, counter string, delta int) {
	if err := s.st.IncrementRunCounter(runID, counter, delta); err != nil {
		logging.PipelineWarn("Run %s: counter %s: %v", runID, counter, err)
	}
}

// stageMonitor starts the analysis monitor alongside scraping so analysis
// begins as soon as pages land. Idempotent per run.
func (s *Service) stageMonitor(ctx context.Context, runID string, cfg *types.PipelineConfig) {
	if s.deps.Analyzer == nil || !phaseEnabled(cfg, types.PhaseContentAnalysis) {
		return
	}
	ps, err := s.st.GetPhaseStatus(runID, types.PhaseContentAnalysis)
	if err != nil || ps.State != types.PhasePending {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.monitors[runID]; exists {
		return
	}
	s.monitors[runID] = s.deps.Analyzer.StartMonitor(ctx, runID, cfg)
	logging.Pipeline("Run %s: analysis monitor started alongside scraping", runID)
}

func (s *Service) takeMonitor(runID string) AnalysisMonitor {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.monitors[runID]
	delete(s.monitors, runID)
	return m
}

// stopMonitor tears down a staged monitor that the analysis phase never
// consumed, e.g. when scraping failed and analysis was blocked.
func (s *Service) stopMonitor(runID string) {
	if m := s.takeMonitor(runID); m != nil {
		m.Stop()
	}
}
