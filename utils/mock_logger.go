package utils

import "sync"

// LogEntry is a single recorded log call.
type LogEntry struct {
	Level   LogLevel
	Message string
	Fields  []any
}

// MockLogger records log calls for assertions in tests. It is safe
// for concurrent use so it can sit behind workers and the scheduler.
type MockLogger struct {
	mu      sync.Mutex
	entries []LogEntry
	level   LogLevel
}

// NewMockLogger returns a recorder that accepts every level.
func NewMockLogger() *MockLogger {
	return &MockLogger{level: LogLevelDebug}
}

func (m *MockLogger) record(level LogLevel, msg string, fields []any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.level < level {
		return
	}
	m.entries = append(m.entries, LogEntry{Level: level, Message: msg, Fields: fields})
}

func (m *MockLogger) Debug(msg string, keysAndValues ...any) {
	m.record(LogLevelDebug, msg, keysAndValues)
}

func (m *MockLogger) Info(msg string, keysAndValues ...any) {
	m.record(LogLevelInfo, msg, keysAndValues)
}

func (m *MockLogger) Warn(msg string, keysAndValues ...any) {
	m.record(LogLevelWarn, msg, keysAndValues)
}

func (m *MockLogger) Error(msg string, keysAndValues ...any) {
	m.record(LogLevelError, msg, keysAndValues)
}

func (m *MockLogger) SetLevel(level LogLevel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.level = level
}

// Entries returns a copy of everything recorded so far.
func (m *MockLogger) Entries() []LogEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]LogEntry, len(m.entries))
	copy(out, m.entries)
	return out
}

// Count returns how many calls were recorded at the given level.
func (m *MockLogger) Count(level LogLevel) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, e := range m.entries {
		if e.Level == level {
			n++
		}
	}
	return n
}

// Last returns the most recent message at the given level, or "" if
// none was recorded.
func (m *MockLogger) Last(level LogLevel) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.entries) - 1; i >= 0; i-- {
		if m.entries[i].Level == level {
			return m.entries[i].Message
		}
	}
	return ""
}
