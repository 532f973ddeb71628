// Package knowledge is the application layer of substrate.
//
// Service accepts observations from agents, stores them, indexes them for
// similarity search, runs them through the confirmation engine and hands
// urgent ones to replication. It also answers lookups, semantic searches,
// failure listings and statistics, records impact reports, and exposes the
// manual confirm/reject/stale transitions.
//
// Service holds no state of its own beyond per-agent rate limiters; storage
// is the source of truth and the similarity index is a best-effort view.
package knowledge
