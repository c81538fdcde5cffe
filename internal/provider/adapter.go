// Package provider defines the adapter contract between the gateway and
// upstream LLM APIs. One adapter exists per provider family; the wire format
// and authentication live entirely inside the adapter, and the rest of the
// system sees only normalized chunks.
package provider

import (
	"context"

	"deptgate/internal/domain"
)

// ChunkStream is a finite, non-restartable pull iterator over normalized
// chunks. Recv returns chunks in provider order; after the terminal chunk
// (Done or Err) it returns io.EOF. Close aborts the upstream call and is
// safe to call at any point, including concurrently with Recv.
type ChunkStream interface {
	Recv() (domain.Chunk, error)
	Close() error
}

// Adapter streams one chat request against a bound model config.
//
// Contract:
//   - a successful stream ends with exactly one Done chunk carrying the
//     provider's authoritative usage;
//   - a transport failure yields exactly one Err chunk with nothing after;
//   - adapters never retry internally; retry policy belongs to the caller.
//
// An error return from Stream means the call never got off the ground
// (request construction, connection refused); it is equivalent to an
// immediate Err chunk.
type Adapter interface {
	Family() domain.Provider
	Stream(ctx context.Context, req domain.ChatRequest, cfg *domain.ModelConfig) (ChunkStream, error)
}
