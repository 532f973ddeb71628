package logging

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func fieldMap(ctx context.Context) map[string]string {
	out := map[string]string{}
	for _, f := range ContextFields(ctx) {
		out[f.Key] = f.String
	}
	return out
}

func TestContextFields(t *testing.T) {
	assert.Empty(t, ContextFields(context.Background()))

	ctx := WithAgentHash(context.Background(), "b5368c17")
	ctx = WithPeer(ctx, "desktop")
	ctx = WithBatchID(ctx, "sync_m1_abcd1234")
	ctx = WithRequestID(ctx, "req-1")

	assert.Equal(t, map[string]string{
		"agent.hash": "b5368c17",
		"peer.name":  "desktop",
		"batch.id":   "sync_m1_abcd1234",
		"request.id": "req-1",
	}, fieldMap(ctx))

	assert.Equal(t, "b5368c17", AgentHashFromContext(ctx))
	assert.Equal(t, "desktop", PeerFromContext(ctx))
	assert.Equal(t, "sync_m1_abcd1234", BatchIDFromContext(ctx))
	assert.Equal(t, "req-1", RequestIDFromContext(ctx))
}

func TestContextFields_TruncatesLongIDs(t *testing.T) {
	ctx := WithPeer(context.Background(), strings.Repeat("p", 500))
	assert.Len(t, PeerFromContext(ctx), maxIDLen)
}
