package logging

import (
	"context"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type (
	agentCtxKey   struct{}
	peerCtxKey    struct{}
	batchCtxKey   struct{}
	requestCtxKey struct{}
	loggerCtxKey  struct{}
)

// maxIDLen caps identifiers copied from context into log entries.
const maxIDLen = 128

// ContextFields extracts correlation fields from ctx.
func ContextFields(ctx context.Context) []zap.Field {
	fields := make([]zap.Field, 0, 6)

	if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() {
		sc := span.SpanContext()
		fields = append(fields,
			zap.String("trace_id", sc.TraceID().String()),
			zap.String("span_id", sc.SpanID().String()),
		)
	}
	if v := stringValue(ctx, agentCtxKey{}); v != "" {
		fields = append(fields, zap.String("agent.hash", v))
	}
	if v := stringValue(ctx, peerCtxKey{}); v != "" {
		fields = append(fields, zap.String("peer.name", v))
	}
	if v := stringValue(ctx, batchCtxKey{}); v != "" {
		fields = append(fields, zap.String("batch.id", v))
	}
	if v := stringValue(ctx, requestCtxKey{}); v != "" {
		fields = append(fields, zap.String("request.id", v))
	}
	return fields
}

func stringValue(ctx context.Context, key any) string {
	v, _ := ctx.Value(key).(string)
	return v
}

func truncateID(id string) string {
	if len(id) > maxIDLen {
		return id[:maxIDLen]
	}
	return id
}

// WithAgentHash tags ctx with the submitting agent's digest.
func WithAgentHash(ctx context.Context, agentHash string) context.Context {
	return context.WithValue(ctx, agentCtxKey{}, truncateID(agentHash))
}

// AgentHashFromContext returns the agent digest stored in ctx, if any.
func AgentHashFromContext(ctx context.Context) string {
	return stringValue(ctx, agentCtxKey{})
}

// WithPeer tags ctx with the replication peer being synced.
func WithPeer(ctx context.Context, peer string) context.Context {
	return context.WithValue(ctx, peerCtxKey{}, truncateID(peer))
}

// PeerFromContext returns the peer name stored in ctx, if any.
func PeerFromContext(ctx context.Context) string {
	return stringValue(ctx, peerCtxKey{})
}

// WithBatchID tags ctx with the outbox batch being written or imported.
func WithBatchID(ctx context.Context, batchID string) context.Context {
	return context.WithValue(ctx, batchCtxKey{}, truncateID(batchID))
}

// BatchIDFromContext returns the batch id stored in ctx, if any.
func BatchIDFromContext(ctx context.Context) string {
	return stringValue(ctx, batchCtxKey{})
}

// WithRequestID tags ctx with an HTTP request id.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestCtxKey{}, truncateID(requestID))
}

// RequestIDFromContext returns the request id stored in ctx, if any.
func RequestIDFromContext(ctx context.Context) string {
	return stringValue(ctx, requestCtxKey{})
}

// WithLogger stores logger in ctx.
func WithLogger(ctx context.Context, logger *Logger) context.Context {
	return context.WithValue(ctx, loggerCtxKey{}, logger)
}

// FromContext returns the logger stored in ctx, or a no-op logger.
func FromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(loggerCtxKey{}).(*Logger); ok && l != nil {
		return l
	}
	return NewNop()
}
