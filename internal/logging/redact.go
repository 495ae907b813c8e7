package logging

import (
	"regexp"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/buffer"
	"go.uber.org/zap/zapcore"

	"github.com/cloveric/awe-agentforge-sub000/internal/config"
)

const redacted = "[REDACTED]"

// Scrubber replaces secrets in free text and reports how many it replaced.
// *secrets.Detector implements it.
type Scrubber interface {
	Redact(content string) (string, int)
}

// patternScrubber is the fallback when no detector is configured.
type patternScrubber []*regexp.Regexp

var defaultScrubber = patternScrubber{
	regexp.MustCompile(`(?i)bearer\s+\S+`),
	regexp.MustCompile(`(?i)api[_-]?key[=:]\s*\S+`),
	regexp.MustCompile(`\b(sk|ghp|xox[bap])-?[A-Za-z0-9_-]{16,}\b`),
}

func (p patternScrubber) Redact(content string) (string, int) {
	n := 0
	for _, re := range p {
		content = re.ReplaceAllStringFunc(content, func(string) string {
			n++
			return redacted
		})
	}
	return content, n
}

// Secret records whether a credential is configured, never its value.
func Secret(key string, val config.Secret) zap.Field {
	return zap.Bool(key+"_set", val.IsSet())
}

// redactingEncoder replaces values of sensitive keys and scrubs secrets out
// of messages, strings and errors before they are encoded.
type redactingEncoder struct {
	zapcore.Encoder
	keys     map[string]bool
	scrubber Scrubber
}

func newRedactingEncoder(base zapcore.Encoder, cfg RedactionConfig) *redactingEncoder {
	keys := make(map[string]bool, len(cfg.Keys))
	for _, k := range cfg.Keys {
		keys[strings.ToLower(k)] = true
	}
	s := cfg.Scrubber
	if s == nil {
		s = defaultScrubber
	}
	return &redactingEncoder{Encoder: base, keys: keys, scrubber: s}
}

func (e *redactingEncoder) sensitive(key string) bool {
	return e.keys[strings.ToLower(key)]
}

func (e *redactingEncoder) scrub(s string) string {
	out, _ := e.scrubber.Redact(s)
	return out
}

// The Add methods see fields attached through With.

func (e *redactingEncoder) AddString(key, val string) {
	if e.sensitive(key) {
		val = redacted
	}
	e.Encoder.AddString(key, e.scrub(val))
}

func (e *redactingEncoder) AddByteString(key string, val []byte) {
	e.AddString(key, string(val))
}

func (e *redactingEncoder) AddReflected(key string, val interface{}) error {
	if e.sensitive(key) {
		e.Encoder.AddString(key, redacted)
		return nil
	}
	return e.Encoder.AddReflected(key, val)
}

func (e *redactingEncoder) AddObject(key string, obj zapcore.ObjectMarshaler) error {
	if e.sensitive(key) {
		e.Encoder.AddString(key, redacted)
		return nil
	}
	return e.Encoder.AddObject(key, obj)
}

func (e *redactingEncoder) Clone() zapcore.Encoder {
	return &redactingEncoder{Encoder: e.Encoder.Clone(), keys: e.keys, scrubber: e.scrubber}
}

// EncodeEntry scrubs the message and the fields passed at the call site.
func (e *redactingEncoder) EncodeEntry(ent zapcore.Entry, fields []zapcore.Field) (*buffer.Buffer, error) {
	ent.Message = e.scrub(ent.Message)
	return e.Encoder.EncodeEntry(ent, e.fields(fields))
}

// fields returns a scrubbed copy of fields. Errors are flattened to their
// scrubbed message since participant failures often quote command output.
func (e *redactingEncoder) fields(fields []zapcore.Field) []zapcore.Field {
	out := make([]zapcore.Field, len(fields))
	for i, f := range fields {
		switch {
		case e.sensitive(f.Key):
			f = zap.String(f.Key, redacted)
		case f.Type == zapcore.StringType:
			f.String = e.scrub(f.String)
		case f.Type == zapcore.ErrorType:
			if err, ok := f.Interface.(error); ok && err != nil {
				f = zap.String(f.Key, e.scrub(err.Error()))
			}
		}
		out[i] = f
	}
	return out
}

// scrubbedCore applies the encoder's redaction to a core that does not
// encode, such as the OTEL bridge.
type scrubbedCore struct {
	zapcore.Core
	enc *redactingEncoder
}

func (c scrubbedCore) With(fields []zapcore.Field) zapcore.Core {
	return scrubbedCore{Core: c.Core.With(c.enc.fields(fields)), enc: c.enc}
}

func (c scrubbedCore) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(ent.Level) {
		return ce.AddCore(ent, c)
	}
	return ce
}

func (c scrubbedCore) Write(ent zapcore.Entry, fields []zapcore.Field) error {
	ent.Message = c.enc.scrub(ent.Message)
	return c.Core.Write(ent, c.enc.fields(fields))
}
