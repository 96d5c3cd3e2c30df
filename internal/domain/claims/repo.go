package claims

import (
	"context"
)

// Repository is the persistence port of the claim store. Implementations
// must return copies, never shared pointers, and must apply each method
// atomically.
type Repository interface {
	// CreateClaim inserts a claim and, when d is non-nil, its denial.
	// Fails with ErrConflict if the id or claim number already exists.
	CreateClaim(ctx context.Context, c *Claim, d *ClaimDenial) error
	GetClaim(ctx context.Context, id string) (*Claim, error)
	// UpdateClaim writes c only if the stored version equals expectedVersion,
	// otherwise it returns ErrConflict. On success c.Version is advanced.
	// A non-nil d is inserted in the same transaction.
	UpdateClaim(ctx context.Context, c *Claim, expectedVersion int, d *ClaimDenial) error
	// ListChain returns the root claim followed by every successor, ordered
	// by resubmission attempt.
	ListChain(ctx context.Context, rootID string) ([]*Claim, error)

	GetDenial(ctx context.Context, claimID string) (*ClaimDenial, error)
	UpdateDenial(ctx context.Context, d *ClaimDenial) error

	// CreateResubmission stores the successor claim and the audit record and
	// updates the parent denial (when non-nil) in one transaction. Fails with
	// ErrConflict if (OriginalClaimID, ResubmissionAttempt) already exists.
	CreateResubmission(ctx context.Context, successor *Claim, rec *Resubmission, parentDenial *ClaimDenial) error
	GetResubmission(ctx context.Context, id string) (*Resubmission, error)
	FindResubmissionByParent(ctx context.Context, parentClaimID string) (*Resubmission, error)
	ListResubmissions(ctx context.Context, rootID string) ([]*Resubmission, error)
	RecordOutcome(ctx context.Context, rec *Resubmission, parentDenial *ClaimDenial) error

	// Snapshot returns a consistent view of every claim in store order and
	// the denials keyed by claim id.
	Snapshot(ctx context.Context) (*Snapshot, error)
}

// ViewRepository persists saved filter views.
type ViewRepository interface {
	CreateView(ctx context.Context, v *SavedView) error
	GetView(ctx context.Context, id string) (*SavedView, error)
	ListViews(ctx context.Context) ([]*SavedView, error)
	DeleteView(ctx context.Context, id string) error
	// SetDefault marks id as the single default view.
	SetDefault(ctx context.Context, id string) error
}

// Snapshot is a point-in-time read of the claim collection.
type Snapshot struct {
	Claims  []*Claim
	Denials map[string]*ClaimDenial
}

// DenialFor returns the denial attached to claimID, or nil.
func (s *Snapshot) DenialFor(claimID string) *ClaimDenial {
	if s == nil || s.Denials == nil {
		return nil
	}
	return s.Denials[claimID]
}

// subset returns a snapshot restricted to the given claims.
func (s *Snapshot) subset(claims []*Claim) *Snapshot {
	out := &Snapshot{Claims: claims, Denials: make(map[string]*ClaimDenial, len(claims))}
	for _, c := range claims {
		if d := s.DenialFor(c.ID); d != nil {
			out.Denials[c.ID] = d
		}
	}
	return out
}
