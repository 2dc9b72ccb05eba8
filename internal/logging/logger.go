// Package logging provides config-gated categorized file-based logging for
// ciris. Logs are written under <data-dir>/logs with separate files per
// category. When debug mode is disabled the whole package is a silent no-op;
// the audit trail in internal/audit is unaffected by this switch.
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
	// Core lifecycle categories
	CategoryBoot      Category = "boot"      // Startup and wiring
	CategoryProcessor Category = "processor" // State machine, round loop
	CategoryWakeup    Category = "wakeup"    // Wakeup self-checks
	CategoryDream     Category = "dream"     // Dream-state consolidation
	CategorySolitude  Category = "solitude"  // Solitude maintenance
	CategoryScheduler Category = "scheduler" // Scheduled task triggering

	// Reasoning categories
	CategoryDMA        Category = "dma"        // DMA pipeline evaluations
	CategoryConscience Category = "conscience" // Conscience faculties, overrides
	CategoryHandler    Category = "handler"    // Action handler dispatch

	// Infrastructure categories
	CategoryBus         Category = "bus"         // Service bus calls, retries
	CategoryRegistry    Category = "registry"    // Provider selection, breakers
	CategoryAudit       Category = "audit"       // Audit chain operations
	CategoryPersistence Category = "persistence" // Store operations
	CategoryMemory      Category = "memory"      // Graph memory operations
	CategoryConfig      Category = "config"      // Config loads, scope writes
	CategoryTelemetry   Category = "telemetry"   // Correlations, metrics
	CategorySecrets     Category = "secrets"     // Secret detection, refs
	CategoryLLM         Category = "llm"         // LLM provider calls
)

// Options controls the logging subsystem. The composition root fills it from
// the config tree; callers elsewhere never construct their own loggers.
type Options struct {
	Debug      bool
	Level      string
	JSONFormat bool
	Categories map[string]bool
}

// StructuredLogEntry is the JSON line written when JSONFormat is on.
type StructuredLogEntry struct {
	Timestamp int64          `json:"ts"` // Unix milliseconds
	Category  string         `json:"cat"`
	Level     string         `json:"lvl"`
	Message   string         `json:"msg"`
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
	logsDir   string
	opts      Options
	optsMu    sync.RWMutex
	logLevel  int
)

// Log levels
const (
	LevelDebug = 0
	LevelInfo  = 1
	LevelWarn  = 2
	LevelError = 3
)

// Initialize sets up the logging directory. Call once at startup with the
// data directory and the logging options from config.
func Initialize(dataDir string, o Options) error {
	if dataDir == "" {
		return fmt.Errorf("data directory required")
	}

	applyOptions(o)
	logsDir = filepath.Join(dataDir, "logs")

	if !o.Debug {
		return nil // Silent no-op in production mode
	}

	if err := os.MkdirAll(logsDir, 0o755); err != nil {
		return fmt.Errorf("failed to create logs directory: %w", err)
	}

	boot := Get(CategoryBoot)
	boot.Info("=== ciris logging initialized ===")
	boot.Info("Logs directory: %s", logsDir)
	boot.Info("Level: %s  JSON: %v", o.Level, o.JSONFormat)
	return nil
}

// Reconfigure applies new options at runtime (config hot reload).
func Reconfigure(o Options) {
	applyOptions(o)
}

func applyOptions(o Options) {
	optsMu.Lock()
	defer optsMu.Unlock()
	opts = o
	switch o.Level {
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
}

// IsDebugMode returns whether debug logging is enabled.
func IsDebugMode() bool {
	optsMu.RLock()
	defer optsMu.RUnlock()
	return opts.Debug
}

// IsCategoryEnabled returns whether a specific category is enabled.
func IsCategoryEnabled(category Category) bool {
	optsMu.RLock()
	defer optsMu.RUnlock()

	if !opts.Debug {
		return false
	}
	if opts.Categories == nil {
		return true // All enabled by default in debug mode
	}
	enabled, exists := opts.Categories[string(category)]
	if !exists {
		return true // Enable by default if not specified
	}
	return enabled
}

// Get returns (or creates) a logger for the given category. Returns a no-op
// logger if debug mode or the category is disabled.
func Get(category Category) *Logger {
	if !IsCategoryEnabled(category) {
		return &Logger{category: category}
	}
	if logsDir == "" {
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

	// Date prefix keeps rotation trivial
	date := time.Now().Format("2006-01-02")
	filename := fmt.Sprintf("%s_%s.log", date, category)
	logPath := filepath.Join(logsDir, filename)

	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
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
		l.logger.Printf("[%s] %s", level, msg)
		return
	}
	l.logger.Printf("%s", data)
}

func jsonFormat() bool {
	optsMu.RLock()
	defer optsMu.RUnlock()
	return opts.JSONFormat
}

// Debug logs a debug message (only if level <= debug).
func (l *Logger) Debug(format string, args ...any) {
	if l.logger == nil || logLevel > LevelDebug {
		return
	}
	msg := fmt.Sprintf(format, args...)
	if jsonFormat() {
		l.logJSON("debug", msg)
	} else {
		l.logger.Printf("[DEBUG] %s", msg)
	}
}

// Info logs an informational message (only if level <= info).
func (l *Logger) Info(format string, args ...any) {
	if l.logger == nil || logLevel > LevelInfo {
		return
	}
	msg := fmt.Sprintf(format, args...)
	if jsonFormat() {
		l.logJSON("info", msg)
	} else {
		l.logger.Printf("[INFO] %s", msg)
	}
}

// Warn logs a warning message (only if level <= warn).
func (l *Logger) Warn(format string, args ...any) {
	if l.logger == nil || logLevel > LevelWarn {
		return
	}
	msg := fmt.Sprintf(format, args...)
	if jsonFormat() {
		l.logJSON("warn", msg)
	} else {
		l.logger.Printf("[WARN] %s", msg)
	}
}

// Error logs an error message (always logged if logger exists).
func (l *Logger) Error(format string, args ...any) {
	if l.logger == nil {
		return
	}
	msg := fmt.Sprintf(format, args...)
	if jsonFormat() {
		l.logJSON("error", msg)
	} else {
		l.logger.Printf("[ERROR] %s", msg)
	}
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

// resetForTest clears package state so tests can re-initialize.
func resetForTest() {
	CloseAll()
	logsDir = ""
	applyOptions(Options{})
}

// =============================================================================
// CONVENIENCE FUNCTIONS - Quick logging without getting a logger first
// These are no-ops if the category is disabled
// =============================================================================

// Boot logs to the boot category
func Boot(format string, args ...any) {
	Get(CategoryBoot).Info(format, args...)
}

// BootDebug logs debug to the boot category
func BootDebug(format string, args ...any) {
	Get(CategoryBoot).Debug(format, args...)
}

// BootError logs error to the boot category
func BootError(format string, args ...any) {
	Get(CategoryBoot).Error(format, args...)
}

// Processor logs to the processor category
func Processor(format string, args ...any) {
	Get(CategoryProcessor).Info(format, args...)
}

// ProcessorDebug logs debug to the processor category
func ProcessorDebug(format string, args ...any) {
	Get(CategoryProcessor).Debug(format, args...)
}

// ProcessorWarn logs warning to the processor category
func ProcessorWarn(format string, args ...any) {
	Get(CategoryProcessor).Warn(format, args...)
}

// ProcessorError logs error to the processor category
func ProcessorError(format string, args ...any) {
	Get(CategoryProcessor).Error(format, args...)
}

// Wakeup logs to the wakeup category
func Wakeup(format string, args ...any) {
	Get(CategoryWakeup).Info(format, args...)
}

// WakeupError logs error to the wakeup category
func WakeupError(format string, args ...any) {
	Get(CategoryWakeup).Error(format, args...)
}

// Dream logs to the dream category
func Dream(format string, args ...any) {
	Get(CategoryDream).Info(format, args...)
}

// DreamDebug logs debug to the dream category
func DreamDebug(format string, args ...any) {
	Get(CategoryDream).Debug(format, args...)
}

// Solitude logs to the solitude category
func Solitude(format string, args ...any) {
	Get(CategorySolitude).Info(format, args...)
}

// Scheduler logs to the scheduler category
func Scheduler(format string, args ...any) {
	Get(CategoryScheduler).Info(format, args...)
}

// SchedulerDebug logs debug to the scheduler category
func SchedulerDebug(format string, args ...any) {
	Get(CategoryScheduler).Debug(format, args...)
}

// DMA logs to the dma category
func DMA(format string, args ...any) {
	Get(CategoryDMA).Info(format, args...)
}

// DMADebug logs debug to the dma category
func DMADebug(format string, args ...any) {
	Get(CategoryDMA).Debug(format, args...)
}

// DMAWarn logs warning to the dma category
func DMAWarn(format string, args ...any) {
	Get(CategoryDMA).Warn(format, args...)
}

// DMAError logs error to the dma category
func DMAError(format string, args ...any) {
	Get(CategoryDMA).Error(format, args...)
}

// Conscience logs to the conscience category
func Conscience(format string, args ...any) {
	Get(CategoryConscience).Info(format, args...)
}

// ConscienceDebug logs debug to the conscience category
func ConscienceDebug(format string, args ...any) {
	Get(CategoryConscience).Debug(format, args...)
}

// Handler logs to the handler category
func Handler(format string, args ...any) {
	Get(CategoryHandler).Info(format, args...)
}

// HandlerDebug logs debug to the handler category
func HandlerDebug(format string, args ...any) {
	Get(CategoryHandler).Debug(format, args...)
}

// HandlerWarn logs warning to the handler category
func HandlerWarn(format string, args ...any) {
	Get(CategoryHandler).Warn(format, args...)
}

// HandlerError logs error to the handler category
func HandlerError(format string, args ...any) {
	Get(CategoryHandler).Error(format, args...)
}

// Bus logs to the bus category
func Bus(format string, args ...any) {
	Get(CategoryBus).Info(format, args...)
}

// BusDebug logs debug to the bus category
func BusDebug(format string, args ...any) {
	Get(CategoryBus).Debug(format, args...)
}

// BusWarn logs warning to the bus category
func BusWarn(format string, args ...any) {
	Get(CategoryBus).Warn(format, args...)
}

// BusError logs error to the bus category
func BusError(format string, args ...any) {
	Get(CategoryBus).Error(format, args...)
}

// Registry logs to the registry category
func Registry(format string, args ...any) {
	Get(CategoryRegistry).Info(format, args...)
}

// RegistryDebug logs debug to the registry category
func RegistryDebug(format string, args ...any) {
	Get(CategoryRegistry).Debug(format, args...)
}

// RegistryWarn logs warning to the registry category
func RegistryWarn(format string, args ...any) {
	Get(CategoryRegistry).Warn(format, args...)
}

// Audit logs to the audit category
func Audit(format string, args ...any) {
	Get(CategoryAudit).Info(format, args...)
}

// AuditDebug logs debug to the audit category
func AuditDebug(format string, args ...any) {
	Get(CategoryAudit).Debug(format, args...)
}

// AuditError logs error to the audit category
func AuditError(format string, args ...any) {
	Get(CategoryAudit).Error(format, args...)
}

// Persistence logs to the persistence category
func Persistence(format string, args ...any) {
	Get(CategoryPersistence).Info(format, args...)
}

// PersistenceDebug logs debug to the persistence category
func PersistenceDebug(format string, args ...any) {
	Get(CategoryPersistence).Debug(format, args...)
}

// PersistenceWarn logs warning to the persistence category
func PersistenceWarn(format string, args ...any) {
	Get(CategoryPersistence).Warn(format, args...)
}

// Memory logs to the memory category
func Memory(format string, args ...any) {
	Get(CategoryMemory).Info(format, args...)
}

// MemoryDebug logs debug to the memory category
func MemoryDebug(format string, args ...any) {
	Get(CategoryMemory).Debug(format, args...)
}

// Config logs to the config category
func Config(format string, args ...any) {
	Get(CategoryConfig).Info(format, args...)
}

// ConfigDebug logs debug to the config category
func ConfigDebug(format string, args ...any) {
	Get(CategoryConfig).Debug(format, args...)
}

// ConfigWarn logs warning to the config category
func ConfigWarn(format string, args ...any) {
	Get(CategoryConfig).Warn(format, args...)
}

// ConfigError logs error to the config category
func ConfigError(format string, args ...any) {
	Get(CategoryConfig).Error(format, args...)
}

// Telemetry logs to the telemetry category
func Telemetry(format string, args ...any) {
	Get(CategoryTelemetry).Info(format, args...)
}

// TelemetryDebug logs debug to the telemetry category
func TelemetryDebug(format string, args ...any) {
	Get(CategoryTelemetry).Debug(format, args...)
}

// Secrets logs to the secrets category
func Secrets(format string, args ...any) {
	Get(CategorySecrets).Info(format, args...)
}

// SecretsDebug logs debug to the secrets category
func SecretsDebug(format string, args ...any) {
	Get(CategorySecrets).Debug(format, args...)
}

// LLM logs to the llm category
func LLM(format string, args ...any) {
	Get(CategoryLLM).Info(format, args...)
}

// LLMDebug logs debug to the llm category
func LLMDebug(format string, args ...any) {
	Get(CategoryLLM).Debug(format, args...)
}

// LLMWarn logs warning to the llm category
func LLMWarn(format string, args ...any) {
	Get(CategoryLLM).Warn(format, args...)
}

// LLMError logs error to the llm category
func LLMError(format string, args ...any) {
	Get(CategoryLLM).Error(format, args...)
}

// =============================================================================
// REQUEST ID TRACING - Correlation-scoped logging
// =============================================================================

// RequestLogger provides request-scoped logging with a correlation ID.
type RequestLogger struct {
	logger    *Logger
	requestID string
	fields    map[string]any
}

// WithRequestID creates a correlation-scoped logger.
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

func (r *RequestLogger) formatMsg(format string, args ...any) string {
	msg := fmt.Sprintf(format, args...)
	if len(r.fields) > 0 {
		return fmt.Sprintf("[req:%s] %s | %v", r.requestID, msg, r.fields)
	}
	return fmt.Sprintf("[req:%s] %s", r.requestID, msg)
}

func (r *RequestLogger) Debug(format string, args ...any) {
	if r.logger.logger == nil || logLevel > LevelDebug {
		return
	}
	r.logger.logger.Printf("[DEBUG] %s", r.formatMsg(format, args...))
}

func (r *RequestLogger) Info(format string, args ...any) {
	if r.logger.logger == nil || logLevel > LevelInfo {
		return
	}
	r.logger.logger.Printf("[INFO] %s", r.formatMsg(format, args...))
}

func (r *RequestLogger) Warn(format string, args ...any) {
	if r.logger.logger == nil || logLevel > LevelWarn {
		return
	}
	r.logger.logger.Printf("[WARN] %s", r.formatMsg(format, args...))
}

func (r *RequestLogger) Error(format string, args ...any) {
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
