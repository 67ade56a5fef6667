package report

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// EventType names the mutation an event records
type EventType string

const (
	EventBundleCreate    EventType = "bundle.create"
	EventBundleUpdate    EventType = "bundle.update"
	EventBundleDelete    EventType = "bundle.delete"
	EventWorksheetCreate EventType = "worksheet.create"
	EventWorksheetUpdate EventType = "worksheet.update"
	EventWorksheetDelete EventType = "worksheet.delete"
	EventGroupCreate     EventType = "group.create"
	EventGroupDelete     EventType = "group.delete"
	EventGroupMember     EventType = "group.member"
	EventPermGrant       EventType = "perm.grant"
	EventPermRevoke      EventType = "perm.revoke"
	EventActionPop       EventType = "action.pop"
	EventImport          EventType = "import"
	EventSearch          EventType = "search"
	EventError           EventType = "error"
)

// EventLevel represents the severity level
type EventLevel string

const (
	LevelDebug   EventLevel = "debug"
	LevelInfo    EventLevel = "info"
	LevelWarning EventLevel = "warning"
	LevelError   EventLevel = "error"
)

var levelPriority = map[EventLevel]int{
	LevelDebug:   0,
	LevelInfo:    1,
	LevelWarning: 2,
	LevelError:   3,
}

// ParseLevel maps a flag value to an EventLevel, defaulting to info.
func ParseLevel(s string) EventLevel {
	level := EventLevel(s)
	if _, ok := levelPriority[level]; ok {
		return level
	}
	return LevelInfo
}

// Event is one line of the audit log
type Event struct {
	Timestamp  time.Time         `json:"ts"`
	Level      EventLevel        `json:"level"`
	Event      EventType         `json:"event"`
	User       string            `json:"user,omitempty"`
	ObjectUUID string            `json:"object_uuid,omitempty"`
	Objects    []string          `json:"objects,omitempty"`
	Action     string            `json:"action,omitempty"`
	Count      int               `json:"count,omitempty"`
	Duration   int64             `json:"duration_ms,omitempty"`
	Error      string            `json:"error,omitempty"`
	Extra      map[string]string `json:"extra,omitempty"`
}

// EventLogger writes events to a JSONL file. A nil *EventLogger discards
// everything, so callers never need to check.
type EventLogger struct {
	file     *os.File
	encoder  *json.Encoder
	mu       sync.Mutex
	path     string
	user     string
	minLevel EventLevel
}

// NewEventLogger creates events-<timestamp>.jsonl in outputDir. Events below
// minLevel are dropped. user is stamped on events that do not set one.
func NewEventLogger(outputDir, user string, minLevel EventLevel) (*EventLogger, error) {
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}

	timestamp := time.Now().Format("20060102-150405")
	path := filepath.Join(outputDir, fmt.Sprintf("events-%s.jsonl", timestamp))

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to create event log: %w", err)
	}

	return &EventLogger{
		file:     file,
		encoder:  json.NewEncoder(file),
		path:     path,
		user:     user,
		minLevel: minLevel,
	}, nil
}

// Log writes an event to the JSONL file
func (l *EventLogger) Log(event *Event) error {
	if l == nil || l.file == nil {
		return nil
	}

	if levelPriority[event.Level] < levelPriority[l.minLevel] {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if event.User == "" {
		event.User = l.user
	}

	if err := l.encoder.Encode(event); err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}
	return nil
}

// LogMutation records a completed mutating call. A non-nil err turns the
// event into an error-level record of the failed attempt.
func (l *EventLogger) LogMutation(event EventType, objectUUID string, err error, extra map[string]string) error {
	e := &Event{
		Level:      LevelInfo,
		Event:      event,
		ObjectUUID: objectUUID,
		Extra:      extra,
	}
	if err != nil {
		e.Level = LevelError
		e.Error = err.Error()
	}
	return l.Log(e)
}

// LogBatch records a mutation over several objects, such as a bulk delete.
func (l *EventLogger) LogBatch(event EventType, uuids []string, err error) error {
	e := &Event{
		Level:   LevelInfo,
		Event:   event,
		Objects: uuids,
		Count:   len(uuids),
	}
	if err != nil {
		e.Level = LevelError
		e.Error = err.Error()
	}
	return l.Log(e)
}

// LogPermission records a grant or revoke of level for group on object.
func (l *EventLogger) LogPermission(event EventType, table, groupUUID, objectUUID, level string) error {
	return l.Log(&Event{
		Level:      LevelInfo,
		Event:      event,
		ObjectUUID: objectUUID,
		Action:     level,
		Extra: map[string]string{
			"table": table,
			"group": groupUUID,
		},
	})
}

// LogSearch records a search at debug level
func (l *EventLogger) LogSearch(keywords []string, results int, duration time.Duration) error {
	return l.Log(&Event{
		Level:    LevelDebug,
		Event:    EventSearch,
		Objects:  keywords,
		Count:    results,
		Duration: duration.Milliseconds(),
	})
}

// LogImport records one manifest entry. Skipped entries are warnings.
func (l *EventLogger) LogImport(objectUUID, action string, err error) error {
	level := LevelInfo
	errMsg := ""
	switch {
	case err != nil:
		level = LevelError
		errMsg = err.Error()
	case action == "skip":
		level = LevelWarning
	}
	return l.Log(&Event{
		Level:      level,
		Event:      EventImport,
		ObjectUUID: objectUUID,
		Action:     action,
		Error:      errMsg,
	})
}

// LogError logs an error event
func (l *EventLogger) LogError(action string, err error) error {
	return l.Log(&Event{
		Level:  LevelError,
		Event:  EventError,
		Action: action,
		Error:  err.Error(),
	})
}

// Close closes the event log file
func (l *EventLogger) Close() error {
	if l == nil || l.file == nil {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	return l.file.Close()
}

// Path returns the path to the event log file
func (l *EventLogger) Path() string {
	if l == nil {
		return ""
	}
	return l.path
}

// NullLogger returns a no-op event logger
func NullLogger() *EventLogger {
	return nil
}
