package surgery

import (
	"context"

	"github.com/google/uuid"
)

// CaseRepository persists cases and their deferral history. Update and
// Delete return ErrNotFound when the row does not exist.
type CaseRepository interface {
	Create(ctx context.Context, c *Case) (*Case, error)
	GetByID(ctx context.Context, id uuid.UUID) (*Case, error)
	Update(ctx context.Context, c *Case) (*Case, error)
	Delete(ctx context.Context, id uuid.UUID) error
	List(ctx context.Context) ([]*Case, error)

	AddDeferral(ctx context.Context, d *DeferralEntry) (*DeferralEntry, error)
	ListDeferrals(ctx context.Context, caseID uuid.UUID) ([]DeferralEntry, error)
	ListAllDeferrals(ctx context.Context) ([]DeferralEntry, error)

	// WithinTx runs fn so that every repository call made with the ctx it
	// receives commits or rolls back together.
	WithinTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// Tables that publish change notifications.
const (
	TableCases     = "surgical_cases"
	TableDeferrals = "deferral_history"
)

// RemoteChange is a row-level change committed by any writer, this process
// included. For deferral_history rows ID is the entry id and CaseID the
// owning case.
type RemoteChange struct {
	Table  string     `json:"table"`
	Op     ChangeType `json:"op"`
	ID     uuid.UUID  `json:"id"`
	CaseID uuid.UUID  `json:"case_id"`
}

// ChangeResync is the Op of a RemoteChange telling the store that the feed
// may have missed changes and everything must be reloaded.
const ChangeResync ChangeType = "resync"

// ChangeFeed streams committed changes until ctx is cancelled.
type ChangeFeed interface {
	Changes(ctx context.Context) (<-chan RemoteChange, error)
}
