// Package logx provides leveled, component-tagged logging with optional
// rotating file output and domain-filtered debug logging.
package logx

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Level is a log severity.
type Level string

const (
	LevelDebug Level = "DEBUG"
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
)

const timestampFormat = "2006-01-02T15:04:05.000Z"

// FileConfig controls the rotating log file.
type FileConfig struct {
	MaxSizeMB  int  // Rotate when the file exceeds this size
	MaxBackups int  // Rotated files to keep
	MaxAgeDays int  // Days to keep rotated files (0 = forever)
	Compress   bool // Gzip rotated files
	Tee        bool // Also write to stderr
}

// DebugConfig controls debug logging behavior.
type DebugConfig struct {
	Enabled bool
	Domains map[string]bool // nil enables all domains
}

// Logger writes lines tagged with a component name.
type Logger struct {
	component string
}

//nolint:gochecknoglobals // Process-wide log sink and filters
var (
	logWriter     io.Writer // nil means stderr
	logFile       *lumberjack.Logger
	logWriterLock sync.Mutex

	minLevel   = LevelInfo
	levelMu    sync.RWMutex
	debugState = &DebugConfig{}
	debugMutex sync.RWMutex
)

func init() { //nolint:gochecknoinits // Required for env var initialization
	initDebugFromEnv()
}

// initDebugFromEnv reads DEBUG=1|true and DEBUG_DOMAINS=a,b.
func initDebugFromEnv() {
	debugMutex.Lock()
	defer debugMutex.Unlock()

	if debug := os.Getenv("DEBUG"); debug == "1" || strings.EqualFold(debug, "true") {
		debugState.Enabled = true
	}
	if domains := os.Getenv("DEBUG_DOMAINS"); domains != "" {
		debugState.Domains = parseDomains(strings.Split(domains, ","))
	}
}

func parseDomains(domains []string) map[string]bool {
	if len(domains) == 0 {
		return nil
	}
	out := make(map[string]bool, len(domains))
	for _, d := range domains {
		if d = strings.TrimSpace(d); d != "" {
			out[d] = true
		}
	}
	return out
}

// NewLogger returns a logger tagged with component.
func NewLogger(component string) *Logger {
	return &Logger{component: component}
}

// Component returns the logger's tag.
func (l *Logger) Component() string {
	return l.component
}

// WithComponent returns a logger with a different tag.
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{component: component}
}

// InitializeLogFile routes all log output to dir/switchyard.log, rotated by
// lumberjack. With cfg.Tee the output is also copied to stderr.
func InitializeLogFile(dir string, cfg FileConfig) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create log directory %s: %w", dir, err)
	}
	if cfg.MaxSizeMB <= 0 {
		cfg.MaxSizeMB = 10
	}

	file := &lumberjack.Logger{
		Filename:   filepath.Join(dir, "switchyard.log"),
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   cfg.Compress,
	}

	logWriterLock.Lock()
	defer logWriterLock.Unlock()

	if logFile != nil {
		_ = logFile.Close()
	}
	logFile = file
	if cfg.Tee {
		logWriter = io.MultiWriter(file, os.Stderr)
	} else {
		logWriter = file
	}
	return nil
}

// CloseLogFile closes the rotating log file and restores stderr output.
func CloseLogFile() error {
	logWriterLock.Lock()
	defer logWriterLock.Unlock()

	logWriter = nil
	if logFile == nil {
		return nil
	}
	err := logFile.Close()
	logFile = nil
	if err != nil {
		return fmt.Errorf("failed to close log file: %w", err)
	}
	return nil
}

// SetOutput redirects log output; nil restores stderr.
func SetOutput(w io.Writer) {
	logWriterLock.Lock()
	logWriter = w
	logWriterLock.Unlock()
}

// SetLevel sets the minimum level written by Info/Warn/Error.
// Debug output is governed separately by the debug configuration.
func SetLevel(level Level) {
	levelMu.Lock()
	minLevel = level
	levelMu.Unlock()
}

// ParseLevel normalizes a user-provided level, defaulting to INFO.
func ParseLevel(s string) Level {
	switch Level(strings.ToUpper(strings.TrimSpace(s))) {
	case LevelDebug:
		return LevelDebug
	case LevelWarn:
		return LevelWarn
	case LevelError:
		return LevelError
	default:
		return LevelInfo
	}
}

// SetDebugConfig toggles debug logging and restricts it to domains
// (empty enables every domain).
func SetDebugConfig(enabled bool, domains ...string) {
	debugMutex.Lock()
	defer debugMutex.Unlock()
	debugState.Enabled = enabled
	debugState.Domains = parseDomains(domains)
}

// IsDebugEnabled returns whether debug logging is enabled.
func IsDebugEnabled() bool {
	debugMutex.RLock()
	defer debugMutex.RUnlock()
	return debugState.Enabled
}

// IsDebugEnabledForDomain returns whether debug logging is enabled for domain.
func IsDebugEnabledForDomain(domain string) bool {
	debugMutex.RLock()
	defer debugMutex.RUnlock()

	if !debugState.Enabled {
		return false
	}
	if debugState.Domains == nil {
		return true
	}
	return debugState.Domains[domain]
}

func rank(level Level) int {
	switch level {
	case LevelDebug:
		return 0
	case LevelInfo:
		return 1
	case LevelWarn:
		return 2
	default:
		return 3
	}
}

func write(component string, level Level, message string) {
	if level != LevelDebug {
		levelMu.RLock()
		skip := rank(level) < rank(minLevel)
		levelMu.RUnlock()
		if skip {
			return
		}
	}

	line := fmt.Sprintf("[%s] [%s] %s: %s\n",
		time.Now().UTC().Format(timestampFormat), component, level, message)

	logWriterLock.Lock()
	defer logWriterLock.Unlock()
	out := logWriter
	if out == nil {
		out = os.Stderr
	}
	_, _ = io.WriteString(out, line)
}

func (l *Logger) log(level Level, format string, args ...any) {
	write(l.component, level, fmt.Sprintf(format, args...))
}

// Debug logs when debug logging is enabled for the logger's component.
func (l *Logger) Debug(format string, args ...any) {
	if !IsDebugEnabledForDomain(l.component) {
		return
	}
	l.log(LevelDebug, format, args...)
}

func (l *Logger) Info(format string, args ...any) {
	l.log(LevelInfo, format, args...)
}

func (l *Logger) Warn(format string, args ...any) {
	l.log(LevelWarn, format, args...)
}

func (l *Logger) Error(format string, args ...any) {
	l.log(LevelError, format, args...)
}

type contextKey struct{}

// WithTransition returns a ctx carrying a transition ID for Debug.
func WithTransition(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, contextKey{}, id)
}

// TransitionID returns the transition ID stored in ctx, if any.
func TransitionID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(contextKey{}).(string)
	return id
}

// Debug logs a domain-filtered debug message, tagged with the transition
// ID from ctx when present.
//
//	DEBUG=1                               # every domain
//	DEBUG=1 DEBUG_DOMAINS=transition      # one domain
//	DEBUG=1 DEBUG_DOMAINS=transition,hooks
func Debug(ctx context.Context, domain, format string, args ...any) {
	if !IsDebugEnabledForDomain(domain) {
		return
	}
	component := domain
	if id := TransitionID(ctx); id != "" {
		component = domain + "/" + id
	}
	write(component, LevelDebug, fmt.Sprintf(format, args...))
}

// DebugFlow logs a pipeline step with its status.
func DebugFlow(ctx context.Context, domain, step, status string) {
	Debug(ctx, domain, "Flow %s: %s", step, status)
}

//nolint:gochecknoglobals // Shared default logger
var defaultLogger = NewLogger("system")

func Infof(format string, args ...any) {
	defaultLogger.Info(format, args...)
}

func Warnf(format string, args ...any) {
	defaultLogger.Warn(format, args...)
}

// Errorf logs and returns the formatted error.
//
//	err := logx.Errorf("open catalog: %w", err)
func Errorf(format string, args ...any) error {
	err := fmt.Errorf(format, args...)
	defaultLogger.Error("%s", err.Error())
	return err
}

// Wrap logs msg + ": " + err and returns fmt.Errorf("%s: %w", msg, err).
func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	wrapped := fmt.Errorf("%s: %w", msg, err)
	defaultLogger.Error("%s", wrapped.Error())
	return wrapped
}
