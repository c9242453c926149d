package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"marketvane/internal/logging"
	"marketvane/internal/metrics"
	"marketvane/internal/pipeline"
	"marketvane/internal/store"
	"marketvane/internal/types"
)

var (
	runClientID     string
	runKeywords     []string
	runRegions      []string
	runContentTypes []string
	runFile         string
	runReuseSerp    string
	runMode         string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Execute one pipeline in the foreground and wait for it",
	Long: `Builds a pipeline config from flags, or loads it from --file, then
executes the run in this process and streams phase transitions to stdout.
A first interrupt cancels the run gracefully; the exit status reflects the
run's final state.

Examples:
  vane run --client acme --keyword "crm software" --region US
  vane run --file configs/acme.json --reuse-serp 7f3a...`,
	Args: cobra.NoArgs,
	RunE: runPipeline,
}

func init() {
	runCmd.Flags().StringVar(&runClientID, "client", "", "Client id the run belongs to")
	runCmd.Flags().StringSliceVar(&runKeywords, "keyword", nil, "Keyword to track (repeatable)")
	runCmd.Flags().StringSliceVar(&runRegions, "region", []string{"US"}, "Region code (repeatable)")
	runCmd.Flags().StringSliceVar(&runContentTypes, "content-type", []string{"organic", "news", "video"}, "Content type: organic, news or video (repeatable)")
	runCmd.Flags().StringVar(&runFile, "file", "", "JSON file with the full pipeline config (overrides the flags above)")
	runCmd.Flags().StringVar(&runReuseSerp, "reuse-serp", "", "Reuse SERP results from this earlier run id")
	runCmd.Flags().StringVar(&runMode, "mode", "", "Run mode override (batch, manual, testing)")
}

// runConfig assembles the PipelineConfig from --file or flags.
func runConfig() (*types.PipelineConfig, error) {
	cfg := &types.PipelineConfig{}
	if runFile != "" {
		data, err := os.ReadFile(runFile)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", runFile, err)
		}
	} else {
		cfg.ClientID = runClientID
		cfg.Keywords = runKeywords
		cfg.Regions = runRegions
		for _, ct := range runContentTypes {
			cfg.ContentTypes = append(cfg.ContentTypes, types.ContentType(ct))
		}
	}
	if runReuseSerp != "" {
		cfg.ReuseSerpFromRunID = runReuseSerp
	}
	if runMode != "" {
		cfg.Mode = types.RunMode(runMode)
	}
	return cfg, nil
}

func runPipeline(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	pcfg, err := runConfig()
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

	m := metrics.New()
	deps.breakers.PublishMetrics(m)
	svc := pipeline.NewService(st, deps.deps, nil, m)

	runID, err := svc.Start(pcfg)
	if err != nil {
		return err
	}
	fmt.Printf("Run %s started for client %s\n", runID, pcfg.ClientID)

	// First interrupt cancels the run; the loop then waits for the
	// cancellation to settle.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		<-sigCh
		fmt.Println("Interrupt received, cancelling run")
		if err := svc.Cancel(runID); err != nil {
			fmt.Fprintln(os.Stderr, "Cancel failed:", err)
		}
	}()

	detail, err := watchRun(svc, runID)

	stopCtx, cancel := context.WithTimeout(context.Background(), cfg.GetShutdownTimeout())
	defer cancel()
	if stopErr := svc.Stop(stopCtx); stopErr != nil {
		fmt.Fprintln(os.Stderr, "Warning:", stopErr)
	}
	if err != nil {
		return err
	}

	printRun(detail)
	if detail.Run.Status != types.RunCompleted {
		return fmt.Errorf("run %s %s", detail.Run.ID, detail.Run.Status)
	}
	return nil
}

// watchRun polls the run until it reaches a terminal state, printing each
// phase transition once.
func watchRun(svc *pipeline.Service, runID string) (*pipeline.RunDetail, error) {
	seen := make(map[types.PhaseName]types.PhaseState)
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		detail, err := svc.Get(runID)
		if err != nil {
			return nil, err
		}
		if detail.Summary != nil {
			for _, ph := range detail.Summary.Phases {
				if seen[ph.Phase] == ph.State {
					continue
				}
				seen[ph.Phase] = ph.State
				fmt.Printf("  %-24s %s\n", ph.Phase, ph.State)
			}
		}
		if detail.Run.Status.Terminal() {
			return detail, nil
		}
		<-ticker.C
	}
}

// printRun renders the run's final state, counters and phase outcomes.
func printRun(detail *pipeline.RunDetail) {
	run := detail.Run
	fmt.Printf("\nRun %s: %s\n", run.ID, run.Status)
	if run.CompletedAt != nil {
		fmt.Printf("Duration: %s\n", run.CompletedAt.Sub(run.StartedAt).Round(time.Second))
	}

	c := run.Counters
	fmt.Printf("Keywords %d | SERP results %d | Companies %d | Videos %d | Analyzed %d | Landscapes %d\n",
		c.KeywordsProcessed, c.SerpResultsCollected, c.CompaniesEnriched,
		c.VideosEnriched, c.ContentAnalyzed, c.LandscapesCalculated)

	if detail.Summary != nil {
		fmt.Println("\nPhases:")
		for _, ph := range detail.Summary.Phases {
			line := fmt.Sprintf("  %-24s %-10s", ph.Phase, ph.State)
			if ph.DurationSecs > 0 {
				line += fmt.Sprintf(" %6.1fs", ph.DurationSecs)
			}
			if ph.Error != "" {
				line += "  " + ph.Error
			} else if len(ph.SkipReasons) > 0 {
				line += "  " + ph.SkipReasons[0]
			}
			fmt.Println(line)
		}
	}
	for _, e := range run.Errors {
		fmt.Println("Error:", e)
	}
}
