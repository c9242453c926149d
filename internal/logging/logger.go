// Package logging provides config-driven categorized file-based logging for
// marketvane. Logs are written to the configured log directory with separate
// files per category. When logging is disabled every call is a silent no-op,
// so hot paths may log unconditionally.
package logging

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Category represents a log category/subsystem.
type Category string

const (
	// Core categories
	CategoryBoot  Category = "boot"  // Startup/shutdown
	CategoryStore Category = "store" // Database operations
	CategoryAPI   Category = "api"   // HTTP/websocket surface

	// Pipeline categories
	CategoryPipeline Category = "pipeline" // Run lifecycle, orchestrator
	CategoryState    Category = "state"    // Per-item state tracking
	CategoryQueue    Category = "queue"    // Job queue and workers
	CategorySched    Category = "sched"    // Scheduler

	// Reliability categories
	CategoryBreaker Category = "breaker" // Circuit breakers
	CategoryRetry   Category = "retry"   // Retry manager

	// Phase categories
	CategoryKeyword Category = "keyword" // Keyword registration and metrics
	CategorySerp    Category = "serp"    // SERP batch collection
	CategoryEnrich  Category = "enrich"  // Company enrichment
	CategoryVideo   Category = "video"   // Video/channel enrichment
	CategoryScrape  Category = "scrape"  // Content scraping
	CategoryBrowser Category = "browser" // Headless browser sessions
	CategoryAnalyze Category = "analyze" // AI content analysis
	CategoryDSI     Category = "dsi"     // DSI calculation
)

// Config controls the logging subsystem. It mirrors config.LoggingConfig to
// avoid a circular import; cmd wires the two together at startup.
type Config struct {
	Enabled    bool
	Level      string
	Dir        string
	JSONFormat bool
	Categories map[string]bool // nil = all categories enabled
}

// StructuredLogEntry is the JSON form of one log line.
type StructuredLogEntry struct {
	Timestamp int64          `json:"ts"` // Unix milliseconds
	Category  string         `json:"cat"`
	Level     string         `json:"lvl"`
	Message   string         `json:"msg"`
	RequestID string         `json:"req,omitempty"`
	Fields    map[string]any `json:"fields,omitempty"`
}

// Logger wraps a standard logger with category and file output.
type Logger struct {
	category Category
	logger   *log.Logger
	file     *os.File
}

var (
	loggers   = make(map[Category]*Logger)
	loggersMu sync.RWMutex
	cfg       Config
	cfgMu     sync.RWMutex
	logLevel  int // 0=debug, 1=info, 2=warn, 3=error
)

// Log levels
const (
	LevelDebug = 0
	LevelInfo  = 1
	LevelWarn  = 2
	LevelError = 3
)

// Initialize sets up the logging directory from the given config. Call once
// at startup; before it runs, Get returns no-op loggers.
func Initialize(c Config) error {
	cfgMu.Lock()
	cfg = c
	switch c.Level {
	case "debug":
		logLevel = LevelDebug
	case "info", "":
		logLevel = LevelInfo
	case "warn", "warning":
		logLevel = LevelWarn
	case "error":
		logLevel = LevelError
	default:
		logLevel = LevelInfo
	}
	cfgMu.Unlock()

	if !c.Enabled {
		return nil // Silent no-op in production mode
	}
	if c.Dir == "" {
		return fmt.Errorf("log directory required when logging is enabled")
	}
	if err := os.MkdirAll(c.Dir, 0755); err != nil {
		return fmt.Errorf("failed to create logs directory: %w", err)
	}

	boot := Get(CategoryBoot)
	boot.Info("=== marketvane logging initialized ===")
	boot.Info("Logs directory: %s", c.Dir)
	boot.Info("Log level: %s", c.Level)
	if len(c.Categories) > 0 {
		enabled := 0
		for _, on := range c.Categories {
			if on {
				enabled++
			}
		}
		boot.Info("Enabled categories: %d/%d", enabled, len(c.Categories))
	} else {
		boot.Info("All categories enabled (no category filter)")
	}
	return nil
}

// IsEnabled returns whether logging is active at all.
func IsEnabled() bool {
	cfgMu.RLock()
	defer cfgMu.RUnlock()
	return cfg.Enabled
}

// IsCategoryEnabled returns whether a specific category is enabled.
func IsCategoryEnabled(category Category) bool {
	cfgMu.RLock()
	defer cfgMu.RUnlock()

	if !cfg.Enabled {
		return false
	}
	if cfg.Categories == nil {
		return true
	}
	enabled, exists := cfg.Categories[string(category)]
	if !exists {
		return true // Enable by default if not specified
	}
	return enabled
}

// Get returns (or creates) a logger for the given category. Returns a no-op
// logger if logging or the category is disabled.
func Get(category Category) *Logger {
	if !IsCategoryEnabled(category) {
		return &Logger{category: category}
	}

	cfgMu.RLock()
	dir := cfg.Dir
	cfgMu.RUnlock()
	if dir == "" {
		return &Logger{category: category}
	}

	loggersMu.RLock()
	if l, ok := loggers[category]; ok {
		loggersMu.RUnlock()
		return l
	}
	loggersMu.RUnlock()

	loggersMu.Lock()
	defer loggersMu.Unlock()

	// Double-check after acquiring write lock
	if l, ok := loggers[category]; ok {
		return l
	}

	// Date prefix for easy rotation
	date := time.Now().Format("2006-01-02")
	filename := fmt.Sprintf("%s_%s.log", date, category)
	logPath := filepath.Join(dir, filename)

	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "[logging] Warning: could not open log file %s: %v\n", logPath, err)
		return &Logger{category: category}
	}

	l := &Logger{
		category: category,
		file:     file,
		logger:   log.New(file, "", log.Ldate|log.Ltime|log.Lmicroseconds),
	}
	loggers[category] = l
	return l
}

func (l *Logger) logJSON(level, msg string) {
	entry := StructuredLogEntry{
		Timestamp: time.Now().UnixMilli(),
		Category:  string(l.category),
		Level:     level,
		Message:   msg,
	}
	data, err := json.Marshal(entry)
	if err != nil {
		l.logger.Printf("[%s] %s", level, msg) // Fallback to text
		return
	}
	l.logger.Printf("%s", data)
}

// Debug logs a debug message (only if level <= debug).
func (l *Logger) Debug(format string, args ...interface{}) {
	if l.logger == nil || logLevel > LevelDebug {
		return
	}
	msg := fmt.Sprintf(format, args...)
	if cfg.JSONFormat {
		l.logJSON("debug", msg)
	} else {
		l.logger.Printf("[DEBUG] %s", msg)
	}
}

// Info logs an informational message (only if level <= info).
func (l *Logger) Info(format string, args ...interface{}) {
	if l.logger == nil || logLevel > LevelInfo {
		return
	}
	msg := fmt.Sprintf(format, args...)
	if cfg.JSONFormat {
		l.logJSON("info", msg)
	} else {
		l.logger.Printf("[INFO] %s", msg)
	}
}

// Warn logs a warning message (only if level <= warn).
func (l *Logger) Warn(format string, args ...interface{}) {
	if l.logger == nil || logLevel > LevelWarn {
		return
	}
	msg := fmt.Sprintf(format, args...)
	if cfg.JSONFormat {
		l.logJSON("warn", msg)
	} else {
		l.logger.Printf("[WARN] %s", msg)
	}
}

// Error logs an error message (always logged if logger exists).
func (l *Logger) Error(format string, args ...interface{}) {
	if l.logger == nil {
		return
	}
	msg := fmt.Sprintf(format, args...)
	if cfg.JSONFormat {
		l.logJSON("error", msg)
	} else {
		l.logger.Printf("[ERROR] %s", msg)
	}
}

// StructuredLog writes a fully structured entry with custom fields.
func (l *Logger) StructuredLog(level string, msg string, fields map[string]any) {
	if l.logger == nil {
		return
	}
	entry := StructuredLogEntry{
		Timestamp: time.Now().UnixMilli(),
		Category:  string(l.category),
		Level:     level,
		Message:   msg,
		Fields:    fields,
	}
	if cfg.JSONFormat {
		if data, err := json.Marshal(entry); err == nil {
			l.logger.Printf("%s", data)
			return
		}
	}
	l.logger.Printf("[%s] %s | fields=%v", level, msg, fields)
}

// CloseAll closes all open log files (call at shutdown).
func CloseAll() {
	loggersMu.Lock()
	defer loggersMu.Unlock()

	for _, l := range loggers {
		if l.file != nil {
			l.file.Close()
		}
	}
	loggers = make(map[Category]*Logger)
}

// =============================================================================
// CONVENIENCE FUNCTIONS - Quick logging without getting a logger first
// These are no-ops if the category is disabled
// =============================================================================

// Boot logs to the boot category
func Boot(format string, args ...interface{}) {
	Get(CategoryBoot).Info(format, args...)
}

// BootDebug logs debug to the boot category
func BootDebug(format string, args ...interface{}) {
	Get(CategoryBoot).Debug(format, args...)
}

// BootWarn logs warning to the boot category
func BootWarn(format string, args ...interface{}) {
	Get(CategoryBoot).Warn(format, args...)
}

// BootError logs error to the boot category
func BootError(format string, args ...interface{}) {
	Get(CategoryBoot).Error(format, args...)
}

// Pipeline logs to the pipeline category
func Pipeline(format string, args ...interface{}) {
	Get(CategoryPipeline).Info(format, args...)
}

// PipelineDebug logs debug to the pipeline category
func PipelineDebug(format string, args ...interface{}) {
	Get(CategoryPipeline).Debug(format, args...)
}

// PipelineWarn logs warning to the pipeline category
func PipelineWarn(format string, args ...interface{}) {
	Get(CategoryPipeline).Warn(format, args...)
}

// PipelineError logs error to the pipeline category
func PipelineError(format string, args ...interface{}) {
	Get(CategoryPipeline).Error(format, args...)
}

// State logs to the state category
func State(format string, args ...interface{}) {
	Get(CategoryState).Info(format, args...)
}

// StateDebug logs debug to the state category
func StateDebug(format string, args ...interface{}) {
	Get(CategoryState).Debug(format, args...)
}

// StateWarn logs warning to the state category
func StateWarn(format string, args ...interface{}) {
	Get(CategoryState).Warn(format, args...)
}

// StateError logs error to the state category
func StateError(format string, args ...interface{}) {
	Get(CategoryState).Error(format, args...)
}

// Queue logs to the queue category
func Queue(format string, args ...interface{}) {
	Get(CategoryQueue).Info(format, args...)
}

// QueueDebug logs debug to the queue category
func QueueDebug(format string, args ...interface{}) {
	Get(CategoryQueue).Debug(format, args...)
}

// QueueWarn logs warning to the queue category
func QueueWarn(format string, args ...interface{}) {
	Get(CategoryQueue).Warn(format, args...)
}

// QueueError logs error to the queue category
func QueueError(format string, args ...interface{}) {
	Get(CategoryQueue).Error(format, args...)
}

// Sched logs to the sched category
func Sched(format string, args ...interface{}) {
	Get(CategorySched).Info(format, args...)
}

// SchedDebug logs debug to the sched category
func SchedDebug(format string, args ...interface{}) {
	Get(CategorySched).Debug(format, args...)
}

// SchedWarn logs warning to the sched category
func SchedWarn(format string, args ...interface{}) {
	Get(CategorySched).Warn(format, args...)
}

// SchedError logs error to the sched category
func SchedError(format string, args ...interface{}) {
	Get(CategorySched).Error(format, args...)
}

// Breaker logs to the breaker category
func Breaker(format string, args ...interface{}) {
	Get(CategoryBreaker).Info(format, args...)
}

// BreakerDebug logs debug to the breaker category
func BreakerDebug(format string, args ...interface{}) {
	Get(CategoryBreaker).Debug(format, args...)
}

// BreakerWarn logs warning to the breaker category
func BreakerWarn(format string, args ...interface{}) {
	Get(CategoryBreaker).Warn(format, args...)
}

// BreakerError logs error to the breaker category
func BreakerError(format string, args ...interface{}) {
	Get(CategoryBreaker).Error(format, args...)
}

// Retry logs to the retry category
func Retry(format string, args ...interface{}) {
	Get(CategoryRetry).Info(format, args...)
}

// RetryDebug logs debug to the retry category
func RetryDebug(format string, args ...interface{}) {
	Get(CategoryRetry).Debug(format, args...)
}

// RetryWarn logs warning to the retry category
func RetryWarn(format string, args ...interface{}) {
	Get(CategoryRetry).Warn(format, args...)
}

// RetryError logs error to the retry category
func RetryError(format string, args ...interface{}) {
	Get(CategoryRetry).Error(format, args...)
}

// Keyword logs to the keyword category
func Keyword(format string, args ...interface{}) {
	Get(CategoryKeyword).Info(format, args...)
}

// KeywordDebug logs debug to the keyword category
func KeywordDebug(format string, args ...interface{}) {
	Get(CategoryKeyword).Debug(format, args...)
}

// KeywordWarn logs warning to the keyword category
func KeywordWarn(format string, args ...interface{}) {
	Get(CategoryKeyword).Warn(format, args...)
}

// KeywordError logs error to the keyword category
func KeywordError(format string, args ...interface{}) {
	Get(CategoryKeyword).Error(format, args...)
}

// Serp logs to the serp category
func Serp(format string, args ...interface{}) {
	Get(CategorySerp).Info(format, args...)
}

// SerpDebug logs debug to the serp category
func SerpDebug(format string, args ...interface{}) {
	Get(CategorySerp).Debug(format, args...)
}

// SerpWarn logs warning to the serp category
func SerpWarn(format string, args ...interface{}) {
	Get(CategorySerp).Warn(format, args...)
}

// SerpError logs error to the serp category
func SerpError(format string, args ...interface{}) {
	Get(CategorySerp).Error(format, args...)
}

// Enrich logs to the enrich category
func Enrich(format string, args ...interface{}) {
	Get(CategoryEnrich).Info(format, args...)
}

// EnrichDebug logs debug to the enrich category
func EnrichDebug(format string, args ...interface{}) {
	Get(CategoryEnrich).Debug(format, args...)
}

// EnrichWarn logs warning to the enrich category
func EnrichWarn(format string, args ...interface{}) {
	Get(CategoryEnrich).Warn(format, args...)
}

// EnrichError logs error to the enrich category
func EnrichError(format string, args ...interface{}) {
	Get(CategoryEnrich).Error(format, args...)
}

// Video logs to the video category
func Video(format string, args ...interface{}) {
	Get(CategoryVideo).Info(format, args...)
}

// VideoDebug logs debug to the video category
func VideoDebug(format string, args ...interface{}) {
	Get(CategoryVideo).Debug(format, args...)
}

// VideoWarn logs warning to the video category
func VideoWarn(format string, args ...interface{}) {
	Get(CategoryVideo).Warn(format, args...)
}

// VideoError logs error to the video category
func VideoError(format string, args ...interface{}) {
	Get(CategoryVideo).Error(format, args...)
}

// Scrape logs to the scrape category
func Scrape(format string, args ...interface{}) {
	Get(CategoryScrape).Info(format, args...)
}

// ScrapeDebug logs debug to the scrape category
func ScrapeDebug(format string, args ...interface{}) {
	Get(CategoryScrape).Debug(format, args...)
}

// ScrapeWarn logs warning to the scrape category
func ScrapeWarn(format string, args ...interface{}) {
	Get(CategoryScrape).Warn(format, args...)
}

// ScrapeError logs error to the scrape category
func ScrapeError(format string, args ...interface{}) {
	Get(CategoryScrape).Error(format, args...)
}

// Browser logs to the browser category
func Browser(format string, args ...interface{}) {
	Get(CategoryBrowser).Info(format, args...)
}

// BrowserDebug logs debug to the browser category
func BrowserDebug(format string, args ...interface{}) {
	Get(CategoryBrowser).Debug(format, args...)
}

// BrowserWarn logs warning to the browser category
func BrowserWarn(format string, args ...interface{}) {
	Get(CategoryBrowser).Warn(format, args...)
}

// BrowserError logs error to the browser category
func BrowserError(format string, args ...interface{}) {
	Get(CategoryBrowser).Error(format, args...)
}

// Analyze logs to the analyze category
func Analyze(format string, args ...interface{}) {
	Get(CategoryAnalyze).Info(format, args...)
}

// AnalyzeDebug logs debug to the analyze category
func AnalyzeDebug(format string, args ...interface{}) {
	Get(CategoryAnalyze).Debug(format, args...)
}

// AnalyzeWarn logs warning to the analyze category
func AnalyzeWarn(format string, args ...interface{}) {
	Get(CategoryAnalyze).Warn(format, args...)
}

// AnalyzeError logs error to the analyze category
func AnalyzeError(format string, args ...interface{}) {
	Get(CategoryAnalyze).Error(format, args...)
}

// DSI logs to the dsi category
func DSI(format string, args ...interface{}) {
	Get(CategoryDSI).Info(format, args...)
}

// DSIDebug logs debug to the dsi category
func DSIDebug(format string, args ...interface{}) {
	Get(CategoryDSI).Debug(format, args...)
}

// DSIWarn logs warning to the dsi category
func DSIWarn(format string, args ...interface{}) {
	Get(CategoryDSI).Warn(format, args...)
}

// DSIError logs error to the dsi category
func DSIError(format string, args ...interface{}) {
	Get(CategoryDSI).Error(format, args...)
}

// Store logs to the store category
func Store(format string, args ...interface{}) {
	Get(CategoryStore).Info(format, args...)
}

// StoreDebug logs debug to the store category
func StoreDebug(format string, args ...interface{}) {
	Get(CategoryStore).Debug(format, args...)
}

// StoreWarn logs warning to the store category
func StoreWarn(format string, args ...interface{}) {
	Get(CategoryStore).Warn(format, args...)
}

// StoreError logs error to the store category
func StoreError(format string, args ...interface{}) {
	Get(CategoryStore).Error(format, args...)
}

// API logs to the api category
func API(format string, args ...interface{}) {
	Get(CategoryAPI).Info(format, args...)
}

// APIDebug logs debug to the api category
func APIDebug(format string, args ...interface{}) {
	Get(CategoryAPI).Debug(format, args...)
}

// APIWarn logs warning to the api category
func APIWarn(format string, args ...interface{}) {
	Get(CategoryAPI).Warn(format, args...)
}

// APIError logs error to the api category
func APIError(format string, args ...interface{}) {
	Get(CategoryAPI).Error(format, args...)
}

// =============================================================================
// REQUEST ID TRACING - run-scoped correlation
// =============================================================================

// RequestLogger provides run-scoped logging with a correlation ID.
type RequestLogger struct {
	logger    *Logger
	requestID string
	fields    map[string]any
}

// WithRequestID creates a request-scoped logger, typically keyed by run id.
func WithRequestID(category Category, requestID string) *RequestLogger {
	return &RequestLogger{
		logger:    Get(category),
		requestID: requestID,
		fields:    make(map[string]any),
	}
}

// WithField adds a field to the request logger.
func (r *RequestLogger) WithField(key string, value any) *RequestLogger {
	r.fields[key] = value
	return r
}

func (r *RequestLogger) formatMsg(format string, args ...interface{}) string {
	msg := fmt.Sprintf(format, args...)
	if len(r.fields) > 0 {
		return fmt.Sprintf("[req:%s] %s | %v", r.requestID, msg, r.fields)
	}
	return fmt.Sprintf("[req:%s] %s", r.requestID, msg)
}

func (r *RequestLogger) Debug(format string, args ...interface{}) {
	if r.logger.logger == nil || logLevel > LevelDebug {
		return
	}
	r.logger.logger.Printf("[DEBUG] %s", r.formatMsg(format, args...))
}

func (r *RequestLogger) Info(format string, args ...interface{}) {
	if r.logger.logger == nil || logLevel > LevelInfo {
		return
	}
	r.logger.logger.Printf("[INFO] %s", r.formatMsg(format, args...))
}

func (r *RequestLogger) Warn(format string, args ...interface{}) {
	if r.logger.logger == nil || logLevel > LevelWarn {
		return
	}
	r.logger.logger.Printf("[WARN] %s", r.formatMsg(format, args...))
}

func (r *RequestLogger) Error(format string, args ...interface{}) {
	if r.logger.logger == nil {
		return
	}
	r.logger.logger.Printf("[ERROR] %s", r.formatMsg(format, args...))
}

// =============================================================================
// TIMING HELPERS - For performance logging
// =============================================================================

// Timer helps measure operation duration.
type Timer struct {
	category Category
	op       string
	start    time.Time
}

// StartTimer begins timing an operation.
func StartTimer(category Category, operation string) *Timer {
	return &Timer{
		category: category,
		op:       operation,
		start:    time.Now(),
	}
}

// Stop ends the timer and logs the duration at debug level.
func (t *Timer) Stop() time.Duration {
	elapsed := time.Since(t.start)
	Get(t.category).Debug("%s completed in %v", t.op, elapsed)
	return elapsed
}

// StopWithInfo ends the timer and logs at info level.
func (t *Timer) StopWithInfo() time.Duration {
	elapsed := time.Since(t.start)
	Get(t.category).Info("%s completed in %v", t.op, elapsed)
	return elapsed
}

// StopWithThreshold logs a warning if duration exceeds threshold.
func (t *Timer) StopWithThreshold(threshold time.Duration) time.Duration {
	elapsed := time.Since(t.start)
	if elapsed > threshold {
		Get(t.category).Warn("%s took %v (threshold: %v)", t.op, elapsed, threshold)
	} else {
		Get(t.category).Debug("%s completed in %v", t.op, elapsed)
	}
	return elapsed
}
