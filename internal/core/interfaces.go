package core

import (
	"context"

	"github.com/ringline/ringline/internal/domain"
)

// Frame is a raw signaling payload.
type Frame []byte

// ConnID identifies one transport session. A single identity may own
// several of them (multiple devices or tabs).
type ConnID string

// Conn is one live transport session belonging to an identity.
// Owned by the adapter; the adapter must Close() it.
type Conn interface {
	ID() ConnID
	Identity() domain.Identity
	TrySend(Frame) error
	Close()
}

// Directory resolves UI display info for an identity. Enrichment only,
// never used for routing.
type Directory interface {
	ResolveDisplayInfo(ctx context.Context, id domain.Identity) (domain.DisplayInfo, error)
}

// Recorder persists terminal call metadata. Called at most once per
// session, fire-and-forget.
type Recorder interface {
	RecordOutcome(ctx context.Context, o domain.Outcome) error
}
