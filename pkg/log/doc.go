/*
Package log provides structured logging for brook using zerolog.

The log package wraps zerolog to give every brook component JSON or
console-formatted logs with timestamps, configurable severity filtering,
and context loggers scoped to the things brook actually operates on:
databases, collections, views, and client sessions.

# Usage

	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
		Output:     os.Stdout,
	})

	log.Info("brookd starting")

	dbLog := log.WithDatabase("shop")
	dbLog.Info().Msg("database opened")

	sessionLog := log.WithSession(sessionID.String())
	sessionLog.Error().Err(err).Msg("request denied")

# Context Loggers

  - WithComponent: tag logs with a component name (dispatcher, catalog, ...)
  - WithDatabase: tag logs with the database name they concern
  - WithCollection: tag logs with the collection name they concern
  - WithView: tag logs with the view name they concern
  - WithSession: tag logs with the client session id they concern

Context loggers compose: build one with .With() chained off another to
add more than one field, the same way zerolog itself composes loggers.
*/
package log
