// Package logging is substrate's structured logger.
//
// Logger wraps zap with context-first methods. Every entry logged with a
// context carries the OpenTelemetry trace correlation plus any replication
// identifiers stored with WithAgentHash, WithPeer, WithBatchID and WithRequestID:
//
//	ctx = logging.WithPeer(ctx, "laptop")
//	ctx = logging.WithBatchID(ctx, batchID)
//	logger.Info(ctx, "batch imported", zap.Int("observations", n))
//
// Output goes to stderr so that CLI commands keep stdout for their results.
// An OpenTelemetry log core can be teed in when a LoggerProvider is supplied.
// Sensitive keys such as api_key and authorization are redacted by the encoder.
//
// Tests use NewTestLogger and its Assert helpers instead of parsing output.
package logging
