package activity

import (
	"context"
)

// Log is an append-only, per-user activity sink capped at a fixed number of
// entries. Appending beyond the cap evicts that user's oldest entries.
type Log interface {
	Append(ctx context.Context, e *Entry) error
	Recent(ctx context.Context, user string) ([]*Entry, error)
	Clear(ctx context.Context, user string) error
}
