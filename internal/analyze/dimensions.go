// Package analyze scores scraped pages against a configurable set of
// dimensions using an AI backend. A monitor watches the scrape backlog and
// analyzes pages as they land, so analysis overlaps scraping instead of
// waiting for it.
package analyze

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"marketvane/internal/logging"
)

// Rule condition fields a contextual rule may match on.
const (
	FieldClassification = "classification"
	FieldSource         = "source"
	FieldSentiment      = "sentiment"
)

var ruleFields = map[string]bool{
	FieldClassification: true,
	FieldSource:         true,
	FieldSentiment:      true,
}

// Dimension is one scoring axis: the context handed to the model, what
// counts as evidence, the 0-10 level ladder, the evidence floor, and any
// contextual adjustment rules.
type Dimension struct {
	Name     string           `yaml:"name"`
	Label    string           `yaml:"label,omitempty"`
	Context  string           `yaml:"context"`
	Criteria []string         `yaml:"criteria,omitempty"`
	Levels   []ScoringLevel   `yaml:"levels,omitempty"`
	Evidence EvidenceRule     `yaml:"evidence,omitempty"`
	Rules    []ContextualRule `yaml:"rules,omitempty"`
}

// ScoringLevel anchors one point of the 0-10 ladder.
type ScoringLevel struct {
	Score   int    `yaml:"score"`
	Meaning string `yaml:"meaning"`
}

// EvidenceRule caps the score of thinly evidenced dimensions. Zero values
// fall back to the analysis settings.
type EvidenceRule struct {
	MinWords int     `yaml:"min_words,omitempty"`
	CapScore float64 `yaml:"cap_score,omitempty"`
}

// ContextualRule applies an additive adjustment when a classification field
// of the analyzed page equals a value. Every application is recorded in the
// dimension's scoring breakdown.
type ContextualRule struct {
	Name      string  `yaml:"name"`
	Field     string  `yaml:"field"`
	Equals    string  `yaml:"equals"`
	Adjust    float64 `yaml:"adjust"`
	Rationale string  `yaml:"rationale,omitempty"`
}

type dimensionFile struct {
	Version    int         `yaml:"version"`
	Dimensions []Dimension `yaml:"dimensions"`
}

// DefaultDimensions returns the built-in persona and jtbd axes used when no
// dimension file is configured. Client deployments override these with a
// dimensions.yaml tuned to their market.
func DefaultDimensions() []Dimension {
	return []Dimension{
		{
			Name:    "persona",
			Label:   "Persona Alignment",
			Context: "How directly the page speaks to the buying persona: their responsibilities, pains, and success measures.",
			Criteria: []string{
				"Names the persona's problems or goals explicitly",
				"Offers guidance the persona could act on",
			},
			Levels: []ScoringLevel{
				{Score: 0, Meaning: "No connection to the persona"},
				{Score: 5, Meaning: "Relevant topic but generic treatment"},
				{Score: 10, Meaning: "Written for this persona, specific and actionable"},
			},
		},
		{
			Name:    "jtbd",
			Label:   "Jobs To Be Done",
			Context: "Whether the page helps the reader make progress on the jobs the product category exists to do.",
			Criteria: []string{
				"Addresses a concrete job: evaluate, compare, implement, troubleshoot",
				"Moves the reader toward completing that job",
			},
			Levels: []ScoringLevel{
				{Score: 0, Meaning: "No job addressed"},
				{Score: 5, Meaning: "Touches a job without completing it"},
				{Score: 10, Meaning: "Takes the reader through a job end to end"},
			},
		},
	}
}

func parseDimensions(data []byte) ([]Dimension, error) {
	var f dimensionFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse dimensions: %w", err)
	}
	if len(f.Dimensions) == 0 {
		return nil, fmt.Errorf("dimension file declares no dimensions")
	}
	seen := make(map[string]bool, len(f.Dimensions))
	for i, d := range f.Dimensions {
		if d.Name == "" {
			return nil, fmt.Errorf("dimension %d has no name", i)
		}
		if seen[d.Name] {
			return nil, fmt.Errorf("duplicate dimension %q", d.Name)
		}
		seen[d.Name] = true
		if d.Evidence.CapScore < 0 || d.Evidence.CapScore > 10 {
			return nil, fmt.Errorf("dimension %q: cap_score %v out of range", d.Name, d.Evidence.CapScore)
		}
		for _, r := range d.Rules {
			if r.Name == "" {
				return nil, fmt.Errorf("dimension %q has an unnamed rule", d.Name)
			}
			if !ruleFields[r.Field] {
				return nil, fmt.Errorf("dimension %q rule %q: unknown field %q", d.Name, r.Name, r.Field)
			}
		}
	}
	return f.Dimensions, nil
}

// Registry serves the current dimension set. When hot reload is enabled it
// watches the file's directory and swaps the set in place on edits; a bad
// edit keeps the previous set live.
type Registry struct {
	path string

	mu   sync.RWMutex
	dims []Dimension

	watcher *fsnotify.Watcher
	done    chan struct{}
}

// LoadRegistry reads the dimension file at path. A missing file falls back
// to the built-in defaults; an unreadable one is an error. With hotReload
// set the registry keeps watching the file for edits until Close.
func LoadRegistry(path string, hotReload bool) (*Registry, error) {
	r := &Registry{path: path, dims: DefaultDimensions()}
	if path == "" {
		return r, nil
	}

	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		logging.AnalyzeWarn("Dimension file %s not found, using built-in defaults", path)
	case err != nil:
		return nil, fmt.Errorf("read dimensions %s: %w", path, err)
	default:
		dims, perr := parseDimensions(data)
		if perr != nil {
			return nil, fmt.Errorf("load %s: %w", path, perr)
		}
		r.dims = dims
		logging.Analyze("Loaded %d dimensions from %s", len(dims), path)
	}

	if hotReload {
		if err := r.startWatcher(); err != nil {
			logging.AnalyzeWarn("Dimension hot reload unavailable for %s: %v", path, err)
		}
	}
	return r, nil
}

// Dimensions returns the current set. The slice is a copy; callers may hold
// it across a reload.
func (r *Registry) Dimensions() []Dimension {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Dimension, len(r.dims))
	copy(out, r.dims)
	return out
}

// Dimension looks up one axis by name.
func (r *Registry) Dimension(name string) (Dimension, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, d := range r.dims {
		if d.Name == name {
			return d, true
		}
	}
	return Dimension{}, false
}

// Close stops the hot-reload watcher, if one is running.
func (r *Registry) Close() error {
	if r.watcher == nil {
		return nil
	}
	err := r.watcher.Close()
	<-r.done
	return err
}

// startWatcher watches the file's directory rather than the file itself:
// editors replace files via rename, which detaches a direct watch.
func (r *Registry) startWatcher() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := w.Add(filepath.Dir(r.path)); err != nil {
		w.Close()
		return err
	}
	r.watcher = w
	r.done = make(chan struct{})
	go r.watch()
	return nil
}

func (r *Registry) watch() {
	defer close(r.done)
	target := filepath.Clean(r.path)

	// Editors fire several events per save; the timer coalesces them into
	// one reload.
	var pending *time.Timer
	defer func() {
		if pending != nil {
			pending.Stop()
		}
	}()

	for {
		select {
		case ev, ok := <-r.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if pending != nil {
				pending.Stop()
			}
			pending = time.AfterFunc(200*time.Millisecond, r.reload)
		case err, ok := <-r.watcher.Errors:
			if !ok {
				return
			}
			logging.AnalyzeWarn("Dimension watcher error: %v", err)
		}
	}
}

func (r *Registry) reload() {
	data, err := os.ReadFile(r.path)
	if err != nil {
		logging.AnalyzeWarn("Dimension reload failed, keeping current set: %v", err)
		return
	}
	dims, err := parseDimensions(data)
	if err != nil {
		logging.AnalyzeWarn("Dimension reload rejected, keeping current set: %v", err)
		return
	}
	r.mu.Lock()
	r.dims = dims
	r.mu.Unlock()
	logging.Analyze("Reloaded %d dimensions from %s", len(dims), r.path)
}
