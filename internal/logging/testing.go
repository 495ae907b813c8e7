package logging

import (
	"reflect"
	"strings"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// TestLogger records every entry in memory. It does not redact, so
// AssertNoSecrets can catch code that logs credentials.
type TestLogger struct {
	*Logger
	observed *observer.ObservedLogs
}

// NewTestLogger creates a logger that observes every level. Pass
// Underlying() to components that take a *zap.Logger.
func NewTestLogger() *TestLogger {
	core, observed := observer.New(TraceLevel)
	return &TestLogger{Logger: &Logger{zap: zap.New(core)}, observed: observed}
}

// All returns all logged entries.
func (t *TestLogger) All() []observer.LoggedEntry {
	return t.observed.All()
}

// FilterMessage returns entries whose message contains msg.
func (t *TestLogger) FilterMessage(msg string) *observer.ObservedLogs {
	return t.observed.FilterMessageSnippet(msg)
}

// Reset clears all logged entries.
func (t *TestLogger) Reset() {
	t.observed.TakeAll()
}

func (t *TestLogger) logged(level zapcore.Level, msg string) bool {
	for _, e := range t.observed.All() {
		if e.Level == level && strings.Contains(e.Message, msg) {
			return true
		}
	}
	return false
}

// AssertLogged fails tb unless an entry at level contains msg.
func (t *TestLogger) AssertLogged(tb testing.TB, level zapcore.Level, msg string) {
	tb.Helper()
	if !t.logged(level, msg) {
		tb.Errorf("no %s entry containing %q; got %d entries", level, msg, t.observed.Len())
	}
}

// AssertNotLogged fails tb if an entry at level contains msg.
func (t *TestLogger) AssertNotLogged(tb testing.TB, level zapcore.Level, msg string) {
	tb.Helper()
	if t.logged(level, msg) {
		tb.Errorf("unexpected %s entry containing %q", level, msg)
	}
}

// AssertField fails tb unless an entry whose message contains msg carries
// key=expected.
func (t *TestLogger) AssertField(tb testing.TB, msg, key string, expected interface{}) {
	tb.Helper()
	for _, e := range t.FilterMessage(msg).All() {
		if v, ok := e.ContextMap()[key]; ok && reflect.DeepEqual(v, expected) {
			return
		}
	}
	tb.Errorf("no entry %q with %s=%v", msg, key, expected)
}

// AssertNoSecrets fails tb if a string field named after a redaction key has
// a value, or if the default scrubber finds anything in a message or string.
func (t *TestLogger) AssertNoSecrets(tb testing.TB) {
	tb.Helper()
	keys := NewDefaultConfig().Redaction.Keys
	leaks := func(s string) bool {
		_, n := defaultScrubber.Redact(s)
		return n > 0
	}
	for _, e := range t.observed.All() {
		if leaks(e.Message) {
			tb.Errorf("secret in message %q", e.Message)
		}
		for _, f := range e.Context {
			if f.Type != zapcore.StringType {
				continue
			}
			for _, k := range keys {
				if strings.EqualFold(f.Key, k) && f.String != "" {
					tb.Errorf("credential field %q logged", f.Key)
				}
			}
			if leaks(f.String) {
				tb.Errorf("secret in field %q", f.Key)
			}
		}
	}
}
