// Package logging builds the process-wide zap logger.
//
// Components never construct loggers themselves; they take a *zap.Logger
// and fall back to zap.NewNop() when given nil. This package owns the
// encoder choice, the custom trace level, sampling, constant fields and
// the redaction of sensitive field values.
//
//	logger, err := logging.New(cfg.Logging)
//	if err != nil { ... }
//	defer logging.Sync(logger)
//
// Logs go to stderr so CLI output on stdout stays machine readable.
package logging
