/*
Package log provides structured logging for Relay using zerolog.

The relay is an embedded library, so the root logger starts out
discarding everything; a host process opts into output by calling Setup
once at startup:

	if err := log.Setup(log.Options{Level: "info", JSON: true}); err != nil {
		return err
	}

Components take child loggers via Component and attach their own
context fields:

	logger := log.Component("watcher")
	logger.Info().Str("endpoint_hash", hash).Msg("watcher started")
*/
package log
