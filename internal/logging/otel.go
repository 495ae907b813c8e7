package logging

import (
	"go.opentelemetry.io/contrib/bridges/otelzap"
	"go.opentelemetry.io/otel/log"
	"go.uber.org/zap/zapcore"
)

// newCore builds the encoder core over w, tees it with an otelzap core when
// OTEL output is on and a provider is given, then applies sampling.
func newCore(cfg *Config, provider log.LoggerProvider, w zapcore.WriteSyncer) zapcore.Core {
	enc := newRedactingEncoder(newEncoder(cfg.Format), cfg.Redaction)
	core := zapcore.NewCore(enc, w, cfg.Level)

	if cfg.OTEL && provider != nil {
		bridge := otelzap.NewCore(cfg.Service, otelzap.WithLoggerProvider(provider))
		core = zapcore.NewTee(core, scrubbedCore{Core: bridge, enc: enc})
	}
	return newSampledCore(core, cfg.Sampling)
}
