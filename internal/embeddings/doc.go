// Package embeddings turns observation text into vectors using a
// Text Embeddings Inference (TEI) server.
//
// Requests are rate limited client-side and instrumented with OpenTelemetry
// histograms and counters. The vector index treats every failure here as a
// degradation, never as a fatal error.
package embeddings
