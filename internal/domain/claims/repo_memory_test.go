package claims

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryRepository_CreateClaimConflicts(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	require.NoError(t, repo.CreateClaim(ctx, &Claim{ID: "a", ClaimNumber: "CLM-1"}, nil))

	assert.ErrorIs(t, repo.CreateClaim(ctx, &Claim{ID: "a", ClaimNumber: "CLM-2"}, nil), ErrConflict)
	assert.ErrorIs(t, repo.CreateClaim(ctx, &Claim{ID: "b", ClaimNumber: "CLM-1"}, nil), ErrConflict)
}

func TestMemoryRepository_ReturnsCopies(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	c := &Claim{ID: "a", ClaimNumber: "CLM-1", ProcedureCodes: []string{"99213"}}
	require.NoError(t, repo.CreateClaim(ctx, c, nil))

	c.ProcedureCodes[0] = "mutated"
	got, err := repo.GetClaim(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "99213", got.ProcedureCodes[0])

	got.ProcedureCodes[0] = "mutated again"
	again, err := repo.GetClaim(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "99213", again.ProcedureCodes[0])
}

func TestMemoryRepository_UpdateClaimVersion(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	require.NoError(t, repo.CreateClaim(ctx, &Claim{ID: "a", ClaimNumber: "CLM-1", Version: 1, Status: StatusDraft}, nil))

	c, err := repo.GetClaim(ctx, "a")
	require.NoError(t, err)
	c.Status = StatusSubmitted
	require.NoError(t, repo.UpdateClaim(ctx, c, 1, nil))
	assert.Equal(t, 2, c.Version)

	stale := c.Clone()
	assert.ErrorIs(t, repo.UpdateClaim(ctx, stale, 1, nil), ErrConflict)
	assert.ErrorIs(t, repo.UpdateClaim(ctx, &Claim{ID: "zz"}, 1, nil), ErrNotFound)
}

func TestMemoryRepository_ResubmissionUniqueness(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	require.NoError(t, repo.CreateClaim(ctx, &Claim{ID: "root", ClaimNumber: "CLM-1"}, nil))

	rec := func(id, parent, newID string, attempt int) *Resubmission {
		return &Resubmission{ID: id, OriginalClaimID: "root", ParentClaimID: parent, NewClaimID: newID, ResubmissionAttempt: attempt}
	}
	require.NoError(t, repo.CreateResubmission(ctx,
		&Claim{ID: "s1", ClaimNumber: "CLM-2", OriginalClaimID: "root", ResubmissionAttempt: 1},
		rec("r1", "root", "s1", 1), nil))

	// Same attempt number on the chain.
	err := repo.CreateResubmission(ctx,
		&Claim{ID: "s2", ClaimNumber: "CLM-3", OriginalClaimID: "root", ResubmissionAttempt: 1},
		rec("r2", "s1", "s2", 1), nil)
	assert.ErrorIs(t, err, ErrConflict)

	// Same parent resubmitted twice.
	err = repo.CreateResubmission(ctx,
		&Claim{ID: "s3", ClaimNumber: "CLM-4", OriginalClaimID: "root", ResubmissionAttempt: 2},
		rec("r3", "root", "s3", 2), nil)
	assert.ErrorIs(t, err, ErrConflict)

	// Failed writes leave nothing behind.
	snap, err := repo.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"root", "s1"}, ids(snap.Claims))

	recs, err := repo.ListResubmissions(ctx, "root")
	require.NoError(t, err)
	assert.Len(t, recs, 1)
}

func TestMemoryRepository_RecordOutcomeOnce(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	require.NoError(t, repo.CreateClaim(ctx, &Claim{ID: "root", ClaimNumber: "CLM-1"}, nil))
	require.NoError(t, repo.CreateResubmission(ctx,
		&Claim{ID: "s1", ClaimNumber: "CLM-2", OriginalClaimID: "root", ResubmissionAttempt: 1},
		&Resubmission{ID: "r1", OriginalClaimID: "root", ParentClaimID: "root", NewClaimID: "s1", ResubmissionAttempt: 1}, nil))

	rec, err := repo.GetResubmission(ctx, "r1")
	require.NoError(t, err)
	rec.Outcome = OutcomeAccepted
	require.NoError(t, repo.RecordOutcome(ctx, rec, nil))
	assert.ErrorIs(t, repo.RecordOutcome(ctx, rec, nil), ErrConflict)
	assert.ErrorIs(t, repo.RecordOutcome(ctx, &Resubmission{ID: "nope"}, nil), ErrNotFound)
}

func TestMemoryRepository_ListChainOrder(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	require.NoError(t, repo.CreateClaim(ctx, &Claim{ID: "root", ClaimNumber: "CLM-1"}, nil))
	// Inserted out of attempt order.
	require.NoError(t, repo.CreateClaim(ctx, &Claim{ID: "s2", ClaimNumber: "CLM-3", OriginalClaimID: "root", ResubmissionAttempt: 2}, nil))
	require.NoError(t, repo.CreateClaim(ctx, &Claim{ID: "s1", ClaimNumber: "CLM-2", OriginalClaimID: "root", ResubmissionAttempt: 1}, nil))
	require.NoError(t, repo.CreateClaim(ctx, &Claim{ID: "other", ClaimNumber: "CLM-4"}, nil))

	chain, err := repo.ListChain(ctx, "root")
	require.NoError(t, err)
	assert.Equal(t, []string{"root", "s1", "s2"}, ids(chain))

	_, err = repo.ListChain(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSeed_Idempotent(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	n, err := Seed(ctx, repo, testNow)
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	n, err = Seed(ctx, repo, testNow)
	require.NoError(t, err)
	assert.Zero(t, n)

	d, err := repo.GetDenial(ctx, "CLM-002")
	require.NoError(t, err)
	assert.Equal(t, "PRIOR_AUTH", d.DenialCode)
	assert.Equal(t, PriorityHigh, d.PriorityLevel)
}

func TestSnowflakeNumbers(t *testing.T) {
	gen, err := NewSnowflakeNumbers(1)
	require.NoError(t, err)

	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		n := gen.Next()
		assert.Regexp(t, `^CLM-\d+$`, n)
		require.False(t, seen[n], "duplicate claim number %s", n)
		seen[n] = true
	}

	_, err = NewSnowflakeNumbers(-1)
	assert.Error(t, err)
}
