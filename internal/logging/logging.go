package logging

import (
	"encoding/json"
	"io"
	"os"
	"sync"
	"time"
)

// Level represents log severity level.
type Level string

const (
	LevelDebug Level = "DEBUG"
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
	LevelFatal Level = "FATAL"
)

// severityNumbers maps OTEL severity text to OTEL severity number.
// See https://opentelemetry.io/docs/specs/otel/logs/data-model/#severity-fields
var severityNumbers = map[Level]int{
	LevelDebug: 5,  // DEBUG
	LevelInfo:  9,  // INFO
	LevelWarn:  13, // WARN
	LevelError: 17, // ERROR
	LevelFatal: 21, // FATAL
}

// SeverityNumber returns the OTEL severity number for a level.
func SeverityNumber(level Level) int {
	return severityNumbers[level]
}

// ParseLevel maps a level name to a Level, defaulting to INFO.
func ParseLevel(s string) Level {
	switch Level(s) {
	case LevelDebug, LevelInfo, LevelWarn, LevelError, LevelFatal:
		return Level(s)
	}
	switch s {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	}
	return LevelInfo
}

// LogHook is called for every log entry, allowing secondary log sinks
// without the logging package importing them.
type LogHook func(level Level, msg string, attrs map[string]interface{})

// sink is the output shared by a logger and every logger derived from it.
type sink struct {
	mu       sync.Mutex
	output   io.Writer
	resource map[string]string
	hook     LogHook
	minLevel Level
}

// Logger provides JSON structured logging in OTEL-compatible format.
// Loggers derived with With share their parent's output.
type Logger struct {
	sink  *sink
	attrs map[string]interface{}
}

// LogEntry represents a single log entry in OTEL-compatible JSON format.
type LogEntry struct {
	Timestamp      string                 `json:"Timestamp"`
	SeverityText   string                 `json:"SeverityText"`
	SeverityNumber int                    `json:"SeverityNumber"`
	Body           string                 `json:"Body"`
	Attributes     map[string]interface{} `json:"Attributes,omitempty"`
	Resource       map[string]string      `json:"Resource,omitempty"`
}

var defaultLogger = New(os.Stdout)

// New creates a logger writing JSON lines to w.
func New(w io.Writer) *Logger {
	return &Logger{sink: &sink{output: w, minLevel: LevelInfo}}
}

// Default returns the package-level logger.
func Default() *Logger {
	return defaultLogger
}

// With returns a logger that adds attrs to every entry.
func (l *Logger) With(attrs map[string]interface{}) *Logger {
	merged := make(map[string]interface{}, len(l.attrs)+len(attrs))
	for k, v := range l.attrs {
		merged[k] = v
	}
	for k, v := range attrs {
		merged[k] = v
	}
	return &Logger{sink: l.sink, attrs: merged}
}

// SetOutput sets the output writer for the default logger.
func SetOutput(w io.Writer) {
	defaultLogger.sink.mu.Lock()
	defer defaultLogger.sink.mu.Unlock()
	if w == nil {
		w = io.Discard
	}
	defaultLogger.sink.output = w
}

// SetResource sets the OTEL resource attributes (service.name, service.version, etc.)
// for the default logger. Should be called once at startup.
func SetResource(resource map[string]string) {
	defaultLogger.sink.mu.Lock()
	defer defaultLogger.sink.mu.Unlock()
	defaultLogger.sink.resource = resource
}

// SetHook registers a hook that is called for every log entry.
func SetHook(hook LogHook) {
	defaultLogger.sink.mu.Lock()
	defer defaultLogger.sink.mu.Unlock()
	defaultLogger.sink.hook = hook
}

// SetLevel suppresses default logger entries below level.
func SetLevel(level Level) {
	defaultLogger.SetLevel(level)
}

// SetLevel suppresses entries below level for l and every logger sharing its output.
func (l *Logger) SetLevel(level Level) {
	l.sink.mu.Lock()
	defer l.sink.mu.Unlock()
	l.sink.minLevel = level
}

// log writes a structured log entry in OTEL-compatible JSON format.
func (l *Logger) log(level Level, msg string, fields map[string]interface{}) {
	attrs := fields
	if len(l.attrs) > 0 {
		attrs = make(map[string]interface{}, len(l.attrs)+len(fields))
		for k, v := range l.attrs {
			attrs[k] = v
		}
		for k, v := range fields {
			attrs[k] = v
		}
	}

	entry := LogEntry{
		Timestamp:      time.Now().UTC().Format(time.RFC3339),
		SeverityText:   string(level),
		SeverityNumber: severityNumbers[level],
		Body:           msg,
		Attributes:     attrs,
	}

	s := l.sink
	s.mu.Lock()
	if severityNumbers[level] < severityNumbers[s.minLevel] {
		s.mu.Unlock()
		return
	}
	if s.resource != nil {
		entry.Resource = s.resource
	}
	hook := s.hook
	data, _ := json.Marshal(entry)
	_, _ = s.output.Write(append(data, '\n'))
	s.mu.Unlock()

	// Call hook outside the lock to avoid deadlocks
	if hook != nil {
		hook(level, msg, attrs)
	}
}

func first(fields []map[string]interface{}) map[string]interface{} {
	if len(fields) > 0 {
		return fields[0]
	}
	return nil
}

// Debug logs a debug level message.
func (l *Logger) Debug(msg string, fields ...map[string]interface{}) {
	l.log(LevelDebug, msg, first(fields))
}

// Info logs an info level message.
func (l *Logger) Info(msg string, fields ...map[string]interface{}) {
	l.log(LevelInfo, msg, first(fields))
}

// Warn logs a warning level message.
func (l *Logger) Warn(msg string, fields ...map[string]interface{}) {
	l.log(LevelWarn, msg, first(fields))
}

// Error logs an error level message.
func (l *Logger) Error(msg string, fields ...map[string]interface{}) {
	l.log(LevelError, msg, first(fields))
}

// Debug logs a debug level message on the default logger.
func Debug(msg string, fields ...map[string]interface{}) {
	defaultLogger.log(LevelDebug, msg, first(fields))
}

// Info logs an info level message on the default logger.
func Info(msg string, fields ...map[string]interface{}) {
	defaultLogger.log(LevelInfo, msg, first(fields))
}

// Warn logs a warning level message on the default logger.
func Warn(msg string, fields ...map[string]interface{}) {
	defaultLogger.log(LevelWarn, msg, first(fields))
}

// Error logs an error level message on the default logger.
func Error(msg string, fields ...map[string]interface{}) {
	defaultLogger.log(LevelError, msg, first(fields))
}

// Fatal logs a fatal level message and exits.
func Fatal(msg string, fields ...map[string]interface{}) {
	defaultLogger.log(LevelFatal, msg, first(fields))
	os.Exit(1)
}

// F is a helper to create fields map.
func F(keyvals ...interface{}) map[string]interface{} {
	fields := make(map[string]interface{})
	for i := 0; i < len(keyvals)-1; i += 2 {
		if key, ok := keyvals[i].(string); ok {
			fields[key] = keyvals[i+1]
		}
	}
	return fields
}
