/*
Package log provides structured logging for poolwarden using zerolog.

Initialize once at startup, then derive context loggers per component:

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true, Output: os.Stdout})

	nodeLog := log.WithNodeID("pool-node-1")
	nodeLog.Info().Msg("node started")

	epochLog := log.WithEpoch(312)
	epochLog.Warn().Msg("slots not yet sent")

Fatal logs and exits the process; reserve it for unrecoverable startup
failures such as a malformed config file.
*/
package log
