// Package logging is the server's structured logger: zap with correlation
// fields taken from the context, a Trace level for streamed participant
// output, secret scrubbing at the encoder, per-level sampling and optional
// forwarding to OpenTelemetry through the otelzap bridge.
//
//	cfg, err := logging.FromSettings(appCfg.Logging, appCfg.Observability.ServiceName)
//	if err != nil {
//	    return err
//	}
//	cfg.Redaction.Scrubber = detector // *secrets.Detector
//	logger, err := logging.NewLogger(cfg, nil)
//	if err != nil {
//	    return err
//	}
//	defer logger.Sync()
//
//	ctx = logging.WithTask(ctx, t.ID)
//	ctx = logging.WithRound(ctx, 2)
//	logger.Info(ctx, "round started")
//
// Services that take a *zap.Logger receive logger.Underlying(); their entries
// are scrubbed too but carry no context fields.
//
// Without a Scrubber, bearer tokens and api keys are replaced by a small
// pattern set. Values of keys such as token or api_key are always replaced
// whole.
package logging
