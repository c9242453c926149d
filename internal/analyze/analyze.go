package analyze

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"marketvane/internal/ai"
	"marketvane/internal/config"
	"marketvane/internal/logging"
	"marketvane/internal/resilience"
	"marketvane/internal/store"
	"marketvane/internal/types"
)

const serviceName = "ai_analysis"

// analysisSchemaName names the JSON contract sent with every scoring call.
const analysisSchemaName = "content_analysis"

// minAnalyzableChars is the content floor below which a scraped page is not
// worth a model call.
const minAnalyzableChars = 100

// maxPromptChars bounds how much page text goes into one prompt.
const maxPromptChars = 12000

const (
	defaultWorkers = 25
	maxWorkers     = 100
)

// Analyzer scores scraped pages against the dimension registry.
type Analyzer struct {
	st       *store.Store
	ai       ai.Client
	breakers *resilience.Registry
	retry    *resilience.RetryManager
	registry *Registry
	settings config.AnalysisSettings
}

// NewAnalyzer wires the analyzer. The AI client may be nil, in which case
// scheduled pages fail with a dependency error instead of a score.
func NewAnalyzer(st *store.Store, client ai.Client, breakers *resilience.Registry, retry *resilience.RetryManager, registry *Registry, settings config.AnalysisSettings) *Analyzer {
	return &Analyzer{
		st:       st,
		ai:       client,
		breakers: breakers,
		retry:    retry,
		registry: registry,
		settings: settings,
	}
}

// Run drives a complete analysis pass: start the monitor, wait out the
// completion contract, stop. Standalone analysis runs use this; full
// pipeline runs start the monitor when scraping begins instead.
func (a *Analyzer) Run(ctx context.Context, runID string, cfg *types.PipelineConfig) (bool, error) {
	m := a.StartMonitor(ctx, runID, cfg)
	defer m.Stop()
	return m.Wait(ctx)
}

// Monitor is one run's analysis loop. It polls the scrape backlog on a
// fixed interval and schedules whatever landed since the last sweep, so
// analysis overlaps scraping instead of waiting for it to finish.
type Monitor struct {
	a         *Analyzer
	runID     string
	projectID string
	workers   int
	started   time.Time

	cancel context.CancelFunc
	done   chan struct{}
	sem    chan struct{}

	mu       sync.Mutex
	inFlight map[string]bool
}

// StartMonitor launches the analysis loop for a run. Stop halts the loop
// and waits for in-flight work to land.
func (a *Analyzer) StartMonitor(ctx context.Context, runID string, cfg *types.PipelineConfig) *Monitor {
	workers := a.workerCount(cfg)
	mctx, cancel := context.WithCancel(ctx)
	m := &Monitor{
		a:        a,
		runID:    runID,
		workers:  workers,
		started:  time.Now(),
		cancel:   cancel,
		done:     make(chan struct{}),
		sem:      make(chan struct{}, workers),
		inFlight: make(map[string]bool),
	}
	if cfg != nil {
		m.projectID = cfg.ClientID
	}
	go m.loop(mctx)
	logging.Analyze("Analysis monitor started for run %s (%d workers)", runID, workers)
	return m
}

func (m *Monitor) loop(ctx context.Context) {
	defer close(m.done)
	var wg sync.WaitGroup
	defer wg.Wait()

	ticker := time.NewTicker(m.a.settings.GetMonitorInterval())
	defer ticker.Stop()

	for {
		m.sweep(ctx, &wg)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// sweep schedules every pending page not already in flight. The in-flight
// set bridges the gap between scheduling a page and its analysis row
// landing, during which the backlog query would return it again.
func (m *Monitor) sweep(ctx context.Context, wg *sync.WaitGroup) {
	if ctx.Err() != nil {
		return
	}
	rows, err := m.a.st.PendingAnalysis(m.runID, minAnalyzableChars, m.workers*2)
	if err != nil {
		logging.AnalyzeWarn("Run %s: analysis backlog query failed: %v", m.runID, err)
		return
	}

	var fresh []store.AnalyzableRow
	m.mu.Lock()
	for _, row := range rows {
		if m.inFlight[row.URL] {
			continue
		}
		m.inFlight[row.URL] = true
		fresh = append(fresh, row)
	}
	m.mu.Unlock()
	if len(fresh) == 0 {
		return
	}

	seeds := make([]store.StateItemSeed, len(fresh))
	for i, row := range fresh {
		seeds[i] = store.StateItemSeed{ItemID: row.URL, ItemType: types.ItemURL}
	}
	if _, err := m.a.st.InitStateItems(m.runID, types.PhaseContentAnalysis, seeds); err != nil {
		logging.AnalyzeWarn("Run %s: failed to register analysis items: %v", m.runID, err)
	}
	logging.AnalyzeDebug("Run %s: scheduling %d pages for analysis", m.runID, len(fresh))

	for _, row := range fresh {
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer m.release(row.URL)
			select {
			case m.sem <- struct{}{}:
			case <-ctx.Done():
				return
			}
			defer func() { <-m.sem }()
			m.a.analyzeOne(ctx, m.runID, m.projectID, row)
		}()
	}
}

func (m *Monitor) release(url string) {
	m.mu.Lock()
	delete(m.inFlight, url)
	m.mu.Unlock()
}

func (m *Monitor) busy() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.inFlight)
}

// Stop halts scheduling and waits for in-flight analyses to finish.
func (m *Monitor) Stop() {
	m.cancel()
	<-m.done
}

type completionState struct {
	done       bool
	flexible   bool
	analyzed   int
	analyzable int
}

// Wait blocks until the run's analysis satisfies the completion contract:
// every analyzable page analyzed with all referenced channels resolved, a
// flexible cut (ratio over threshold or elapsed time), or the hard ceiling,
// which fails the phase. It reports whether completion was flexible.
//
// The clock runs from monitor start, not from Wait: a long scraping phase
// counts against the flexible window because analysis had that whole time
// to keep up.
func (m *Monitor) Wait(ctx context.Context) (bool, error) {
	ticker := time.NewTicker(m.a.settings.GetMonitorInterval())
	defer ticker.Stop()

	for {
		state, err := m.completion()
		if err != nil {
			return false, err
		}
		if state.done {
			m.checkpoint(state)
			if state.flexible {
				logging.Analyze("Run %s: analysis complete on flexible cut (%d/%d after %s)",
					m.runID, state.analyzed, state.analyzable, time.Since(m.started).Round(time.Second))
			} else {
				logging.Analyze("Run %s: analysis complete (%d pages)", m.runID, state.analyzed)
			}
			return state.flexible, nil
		}
		if elapsed := time.Since(m.started); elapsed >= m.a.settings.GetHardTimeout() {
			return false, types.NewPipelineError(types.PhaseContentAnalysis, types.CatTimeout,
				fmt.Errorf("analysis incomplete after %s: %d of %d pages analyzed",
					elapsed.Round(time.Second), state.analyzed, state.analyzable))
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (m *Monitor) completion() (completionState, error) {
	var state completionState
	var err error

	state.analyzable, err = m.a.st.CountAnalyzableContent(m.runID, minAnalyzableChars)
	if err != nil {
		return state, err
	}
	state.analyzed, err = m.a.st.CountAnalyses(m.runID)
	if err != nil {
		return state, err
	}

	if state.analyzed >= state.analyzable && m.busy() == 0 {
		unresolved, err := m.a.st.UnresolvedChannelIDs(m.runID)
		if err != nil {
			return state, err
		}
		if len(unresolved) == 0 {
			state.done = true
			return state, nil
		}
		logging.AnalyzeDebug("Run %s: all pages analyzed but %d channels unresolved", m.runID, len(unresolved))
	}

	if state.analyzable > 0 && state.analyzed*100 >= state.analyzable*m.a.flexiblePercent() {
		state.done, state.flexible = true, true
		return state, nil
	}
	if time.Since(m.started) >= m.a.settings.GetFlexibleAfter() {
		state.done, state.flexible = true, true
		return state, nil
	}
	return state, nil
}

func (m *Monitor) checkpoint(state completionState) {
	data := map[string]any{
		"flexible_completion": state.flexible,
		"analyzed":            state.analyzed,
		"analyzable":          state.analyzable,
	}
	if err := m.a.st.SaveCheckpoint(m.runID, types.PhaseContentAnalysis, "completion", data, state.analyzable, state.analyzed); err != nil {
		logging.AnalyzeWarn("Run %s: failed to checkpoint analysis completion: %v", m.runID, err)
	}
}

// analyzeOne scores a single page and persists the result. Failures land on
// the page's state item so a resumed run can retry exactly what is missing.
func (a *Analyzer) analyzeOne(ctx context.Context, runID, projectID string, row store.AnalyzableRow) {
	item, err := a.st.GetStateItem(runID, types.PhaseContentAnalysis, row.URL)
	if err != nil {
		logging.AnalyzeWarn("State item missing for %s: %v", row.URL, err)
		return
	}
	if item.Status == types.StateCompleted {
		return
	}
	if err := a.st.UpdateStateItem(item.ID, types.StateProcessing, nil, "", ""); err != nil {
		logging.AnalyzeWarn("Failed to mark %s processing: %v", row.URL, err)
	}

	if a.ai == nil {
		a.failItem(item.ID, row.URL, "no AI client configured for analysis", types.CatDependencyMissing)
		return
	}

	dims := a.registry.Dimensions()
	resp, err := a.score(ctx, runID, row, dims)
	if err != nil {
		a.failItem(item.ID, row.URL, err.Error(), a.retry.Categorize(err).Code)
		return
	}

	analysis := a.assemble(runID, projectID, row, dims, resp)
	if err := a.st.SaveContentAnalysis(analysis, a.ai.Name()); err != nil {
		a.failItem(item.ID, row.URL, "store analysis: "+err.Error(), types.CatUnknown)
		return
	}
	a.completeItem(item.ID, row.URL, map[string]any{
		"persona_score": analysis.PersonaScore,
		"dimensions":    len(analysis.Dimensions),
	})
}

type modelDimension struct {
	Name          string  `json:"name"`
	Score         float64 `json:"score"`
	RelevantWords int     `json:"relevant_words"`
	Rationale     string  `json:"rationale,omitempty"`
}

type modelResponse struct {
	Classification string           `json:"classification"`
	Source         string           `json:"source_classification"`
	Sentiment      string           `json:"sentiment"`
	Confidence     float64          `json:"confidence"`
	Mentions       map[string]any   `json:"mentions,omitempty"`
	Dimensions     []modelDimension `json:"dimensions"`
}

func (a *Analyzer) score(ctx context.Context, runID string, row store.AnalyzableRow, dims []Dimension) (*modelResponse, error) {
	scope := resilience.RetryScope{RunID: runID, Phase: types.PhaseContentAnalysis, ItemID: row.URL}
	user := userPrompt(row, dims)
	schema := analysisSchema(dims)

	raw, err := callValue(ctx, a, scope, func(ctx context.Context) (string, error) {
		return a.ai.CompleteJSON(ctx, systemPrompt, user, analysisSchemaName, schema)
	})
	if err != nil {
		return nil, err
	}
	var resp modelResponse
	if err := json.Unmarshal([]byte(ai.CleanJSON(raw)), &resp); err != nil {
		return nil, types.NewPipelineError(types.PhaseContentAnalysis, types.CatValidation,
			fmt.Errorf("model returned invalid JSON: %w", err))
	}
	return &resp, nil
}

// assemble turns a raw model response into the persisted analysis. Scores
// pass through the evidence floor and contextual rules; persona and jtbd
// feed the top-level columns the DSI formulas read.
func (a *Analyzer) assemble(runID, projectID string, row store.AnalyzableRow, dims []Dimension, resp *modelResponse) types.ContentAnalysis {
	byName := make(map[string]modelDimension, len(resp.Dimensions))
	for _, d := range resp.Dimensions {
		byName[d.Name] = d
	}

	analysis := types.ContentAnalysis{
		URL:            row.URL,
		ProjectID:      projectID,
		Domain:         row.Domain,
		Classification: resp.Classification,
		SourceClass:    resp.Source,
		Sentiment:      resp.Sentiment,
		Confidence:     clamp(resp.Confidence, 0, 1),
		Mentions:       resp.Mentions,
		RunID:          runID,
		AnalyzedAt:     time.Now().UTC(),
	}

	for _, dim := range dims {
		md, ok := byName[dim.Name]
		if !ok {
			logging.AnalyzeDebug("Model skipped dimension %s for %s", dim.Name, row.URL)
			continue
		}
		ds := a.scoreDimension(dim, md, resp)
		analysis.Dimensions = append(analysis.Dimensions, ds)
		switch dim.Name {
		case "persona":
			analysis.PersonaScore = ds.Score
		case "jtbd":
			analysis.JTBDScore = ds.Score
		}
	}
	return analysis
}

// scoreDimension enforces the scoring duties the model cannot be trusted
// with: the evidence floor caps thinly supported scores before rules run,
// and every rule application lands in the breakdown so a reported score is
// always explainable.
func (a *Analyzer) scoreDimension(dim Dimension, md modelDimension, resp *modelResponse) types.DimensionScore {
	ds := types.DimensionScore{
		Dimension:     dim.Name,
		Score:         clamp(md.Score, 0, 10),
		EvidenceWords: md.RelevantWords,
		Rationale:     md.Rationale,
	}

	minWords := dim.Evidence.MinWords
	if minWords <= 0 {
		minWords = a.minEvidenceWords()
	}
	ceiling := dim.Evidence.CapScore
	if ceiling <= 0 {
		ceiling = a.evidenceCap()
	}
	if md.RelevantWords < minWords && ds.Score > ceiling {
		ds.Score = ceiling
		ds.EvidenceCapped = true
	}

	for _, rule := range dim.Rules {
		if !strings.EqualFold(ruleValue(rule.Field, resp), rule.Equals) {
			continue
		}
		ds.Score = clamp(ds.Score+rule.Adjust, 0, 10)
		ds.ScoringBreakdown = append(ds.ScoringBreakdown, types.ScoreAdjust{
			Rule:      rule.Name,
			Delta:     rule.Adjust,
			Rationale: rule.Rationale,
		})
	}
	return ds
}

func ruleValue(field string, resp *modelResponse) string {
	switch field {
	case FieldClassification:
		return resp.Classification
	case FieldSource:
		return resp.Source
	case FieldSentiment:
		return resp.Sentiment
	}
	return ""
}

const systemPrompt = "You are a competitive intelligence analyst scoring web pages. " +
	"Score every dimension on its 0-10 ladder, count how many words of the page " +
	"are genuinely relevant to each dimension, and answer with JSON only."

func userPrompt(row store.AnalyzableRow, dims []Dimension) string {
	var b strings.Builder
	b.WriteString("Dimensions to score:\n")
	for _, d := range dims {
		fmt.Fprintf(&b, "\n## %s", d.Name)
		if d.Label != "" {
			fmt.Fprintf(&b, " (%s)", d.Label)
		}
		b.WriteString("\n")
		if d.Context != "" {
			fmt.Fprintf(&b, "%s\n", strings.TrimSpace(d.Context))
		}
		if len(d.Criteria) > 0 {
			b.WriteString("What counts:\n")
			for _, c := range d.Criteria {
				fmt.Fprintf(&b, "- %s\n", c)
			}
		}
		for _, l := range d.Levels {
			fmt.Fprintf(&b, "%d: %s\n", l.Score, l.Meaning)
		}
	}
	fmt.Fprintf(&b, "\nPage URL: %s\nDomain: %s\nTitle: %s\n\nContent:\n%s\n",
		row.URL, row.Domain, row.Title, truncate(row.Content, maxPromptChars))
	return b.String()
}

func analysisSchema(dims []Dimension) map[string]any {
	names := make([]string, len(dims))
	for i, d := range dims {
		names[i] = d.Name
	}
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"classification": map[string]any{
				"type":        "string",
				"description": "Content form: article, product_page, press_release, review, documentation, forum, other",
			},
			"source_classification": map[string]any{
				"type":        "string",
				"description": "Who publishes it: vendor, competitor, independent, news, community, other",
			},
			"sentiment": map[string]any{
				"type": "string",
				"enum": []string{"positive", "neutral", "negative"},
			},
			"confidence": map[string]any{"type": "number", "minimum": 0, "maximum": 1},
			"mentions": map[string]any{
				"type":                 "object",
				"description":          "Company and product names mentioned, mapped to mention counts",
				"additionalProperties": map[string]any{"type": "integer"},
			},
			"dimensions": map[string]any{
				"type": "array",
				"items": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"name":           map[string]any{"type": "string", "enum": names},
						"score":          map[string]any{"type": "number", "minimum": 0, "maximum": 10},
						"relevant_words": map[string]any{"type": "integer", "minimum": 0},
						"rationale":      map[string]any{"type": "string"},
					},
					"required":             []string{"name", "score", "relevant_words"},
					"additionalProperties": false,
				},
			},
		},
		"required":             []string{"classification", "source_classification", "sentiment", "confidence", "dimensions"},
		"additionalProperties": false,
	}
}

// truncate cuts s near n bytes, backing up to a word boundary so the model
// never sees a torn token.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := s[:n]
	if i := strings.LastIndexByte(cut, ' '); i > 0 {
		cut = cut[:i]
	}
	return cut + " ..."
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func (a *Analyzer) workerCount(cfg *types.PipelineConfig) int {
	n := a.settings.Concurrency
	if cfg != nil && cfg.AnalysisConcurrency > 0 {
		n = cfg.AnalysisConcurrency
	}
	if n <= 0 {
		n = defaultWorkers
	}
	if n > maxWorkers {
		n = maxWorkers
	}
	return n
}

func (a *Analyzer) flexiblePercent() int {
	if a.settings.FlexibleCompletionPercent > 0 {
		return a.settings.FlexibleCompletionPercent
	}
	return 95
}

func (a *Analyzer) minEvidenceWords() int {
	if a.settings.MinEvidenceWords > 0 {
		return a.settings.MinEvidenceWords
	}
	return 20
}

func (a *Analyzer) evidenceCap() float64 {
	if a.settings.EvidenceCapScore > 0 {
		return float64(a.settings.EvidenceCapScore)
	}
	return 4
}

func (a *Analyzer) completeItem(stateID int64, url string, progress map[string]any) {
	if err := a.st.UpdateStateItem(stateID, types.StateCompleted, progress, "", ""); err != nil {
		logging.AnalyzeWarn("Failed to complete analysis item %s: %v", url, err)
	}
}

func (a *Analyzer) failItem(stateID int64, url, msg, category string) {
	if err := a.st.UpdateStateItem(stateID, types.StateFailed, nil, msg, category); err != nil {
		logging.AnalyzeWarn("Failed to mark analysis item %s failed: %v", url, err)
	}
	logging.AnalyzeWarn("Analysis failed for %s: %s", url, msg)
}

// callValue wraps an AI call in retry and breaker protection.
func callValue[T any](ctx context.Context, a *Analyzer, scope resilience.RetryScope, fn func(context.Context) (T, error)) (T, error) {
	var out T
	err := a.retry.Do(ctx, scope, func(ctx context.Context) error {
		v, err := a.breakers.Get(serviceName).Execute(ctx, func(ctx context.Context) (any, error) {
			return fn(ctx)
		})
		if err != nil {
			return err
		}
		out, _ = v.(T)
		return nil
	})
	return out, err
}
