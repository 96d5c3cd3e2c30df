package claims

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResubmit_CorrectableDenial(t *testing.T) {
	svc, _ := newSeededService(t)
	rec := &countingRecorder{}
	svc.SetMetrics(rec)
	ctx := context.Background()

	res, err := svc.Resubmit(ctx, validResubmit("CLM-002"))
	require.NoError(t, err)
	assert.False(t, res.Replayed)
	assert.Equal(t, 1, res.ResubmissionAttempt)

	successor, err := svc.GetClaim(ctx, res.NewClaimID)
	require.NoError(t, err)
	assert.Equal(t, StatusSubmitted, successor.Status)
	assert.Equal(t, 1, successor.ResubmissionAttempt)
	assert.Equal(t, "CLM-002", successor.OriginalClaimID)
	assert.Equal(t, "CLM-002", successor.ResubmittedFromID)
	assert.Equal(t, Cents(1250, 0), successor.TotalAmount)
	assert.Equal(t, "Aetna", successor.PayerName)
	assert.NotEqual(t, "CLM-002", successor.ClaimNumber)
	require.NotNil(t, successor.SubmissionDate)
	assert.Equal(t, testNow, *successor.SubmissionDate)
	assert.Nil(t, successor.ResponseDate)

	parent, err := svc.GetClaim(ctx, "CLM-002")
	require.NoError(t, err)
	assert.Equal(t, StatusDenied, parent.Status)
	assert.Equal(t, 1, parent.Version)

	d, err := svc.GetDenial(ctx, "CLM-002")
	require.NoError(t, err)
	assert.Equal(t, ResolutionInProgress, d.ResolutionStatus)

	recs, err := svc.ListResubmissions(ctx, "CLM-002")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, res.ResubmissionRecordID, recs[0].ID)
	assert.Equal(t, "DEN-002", recs[0].DenialID)
	assert.Equal(t, "biller-1", recs[0].ResubmittedBy)
	assert.Equal(t, "Attached authorization number AUTH-88213", recs[0].CorrectedFields.CorrectionsMade)

	assert.Equal(t, []string{"PRIOR_AUTH:created"}, rec.resubmissions)
}

func TestResubmit_NotCorrectable(t *testing.T) {
	svc, repo := newTestService()
	ctx := context.Background()
	c := deniedClaim(t, svc, "NOT_COVERED")

	before, err := repo.Snapshot(ctx)
	require.NoError(t, err)

	in := validResubmit(c.ID)
	in.DenialReasonCode = "NOT_COVERED"
	_, err = svc.Resubmit(ctx, in)
	assert.ErrorIs(t, err, ErrCorrectionNotAllowed)

	// Claiming a correctable reason does not bypass the recorded denial.
	_, err = svc.Resubmit(ctx, validResubmit(c.ID))
	assert.ErrorIs(t, err, ErrCorrectionNotAllowed)

	after, err := repo.Snapshot(ctx)
	require.NoError(t, err)
	assert.Len(t, after.Claims, len(before.Claims))
	recs, err := svc.ListResubmissions(ctx, c.ID)
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestResubmit_UnknownCode(t *testing.T) {
	svc, _ := newSeededService(t)
	in := validResubmit("CLM-002")
	in.DenialReasonCode = "MADE_UP"
	_, err := svc.Resubmit(context.Background(), in)
	assert.ErrorIs(t, err, ErrUnknownDenialCode)
}

func TestResubmit_Validation(t *testing.T) {
	svc, _ := newSeededService(t)
	_, err := svc.Resubmit(context.Background(), ResubmitInput{
		OriginalClaimID: "CLM-002",
		CorrectionsMade: "too short",
		ProcedureCodes:  []string{"99213", " "},
	})

	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	for _, f := range []string{"denial_reason_code", "corrections_made", "procedure_codes", "diagnosis_codes", "total_amount"} {
		assert.True(t, ve.Has(f), f)
	}
	assert.False(t, ve.Has("original_claim_id"))
}

func TestResubmit_RequiresDeniedParent(t *testing.T) {
	svc, _ := newSeededService(t)
	for _, id := range []string{"CLM-001", "CLM-003", "CLM-004", "CLM-005"} {
		_, err := svc.Resubmit(context.Background(), validResubmit(id))
		assert.ErrorIs(t, err, ErrInvalidTransition, id)
	}
	_, err := svc.Resubmit(context.Background(), validResubmit("CLM-404"))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestResubmit_RejectedClaim(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	c := draftClaim()
	require.NoError(t, svc.CreateClaim(ctx, c))
	_, err := svc.TransitionClaim(ctx, TransitionInput{ClaimID: c.ID, Status: StatusSubmitted})
	require.NoError(t, err)
	_, err = svc.TransitionClaim(ctx, TransitionInput{ClaimID: c.ID, Status: StatusRejected, DenialCode: "MISSING_INFO"})
	require.NoError(t, err)

	in := validResubmit(c.ID)
	in.DenialReasonCode = "MISSING_INFO"
	res, err := svc.Resubmit(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, 1, res.ResubmissionAttempt)
	assert.Equal(t, c.ID, res.Claim.OriginalClaimID)
}

func TestResubmit_AttemptsAreMonotonic(t *testing.T) {
	svc, _ := newSeededService(t)
	ctx := context.Background()

	parent := "CLM-002"
	var ids []string
	for attempt := 1; attempt <= 3; attempt++ {
		res, err := svc.Resubmit(ctx, validResubmit(parent))
		require.NoError(t, err)
		assert.Equal(t, attempt, res.ResubmissionAttempt)
		assert.Equal(t, "CLM-002", res.Claim.OriginalClaimID)
		assert.Equal(t, parent, res.Claim.ResubmittedFromID)
		ids = append(ids, res.NewClaimID)

		// The payer denies the corrected claim again.
		_, err = svc.TransitionClaim(ctx, TransitionInput{ClaimID: res.NewClaimID, Status: StatusDenied, DenialCode: "MEDICAL_NECESSITY"})
		require.NoError(t, err)
		parent = res.NewClaimID
	}

	chain, err := svc.ResubmissionChain(ctx, parent)
	require.NoError(t, err)
	require.Len(t, chain, 4)
	assert.Equal(t, "CLM-002", chain[0].ID)
	for i, c := range chain[1:] {
		assert.Equal(t, ids[i], c.ID)
		assert.Equal(t, i+1, c.ResubmissionAttempt)
	}

	recs, err := svc.ListResubmissions(ctx, ids[1])
	require.NoError(t, err)
	require.Len(t, recs, 3)
	for i, r := range recs {
		assert.Equal(t, i+1, r.ResubmissionAttempt)
	}
}

func TestResubmit_Replay(t *testing.T) {
	svc, repo := newSeededService(t)
	ctx := context.Background()

	first, err := svc.Resubmit(ctx, validResubmit("CLM-002"))
	require.NoError(t, err)

	again := validResubmit("CLM-002")
	again.ProcedureCodes = []string{" 72148 "}
	again.ResubmittedBy = "someone-else"
	second, err := svc.Resubmit(ctx, again)
	require.NoError(t, err)
	assert.True(t, second.Replayed)
	assert.Equal(t, first.NewClaimID, second.NewClaimID)
	assert.Equal(t, first.ResubmissionRecordID, second.ResubmissionRecordID)

	snap, err := repo.Snapshot(ctx)
	require.NoError(t, err)
	assert.Len(t, snap.Claims, 6)
}

func TestResubmit_DifferentPayloadConflicts(t *testing.T) {
	svc, _ := newSeededService(t)
	ctx := context.Background()
	_, err := svc.Resubmit(ctx, validResubmit("CLM-002"))
	require.NoError(t, err)

	changed := validResubmit("CLM-002")
	changed.TotalAmount = Cents(900, 0)
	_, err = svc.Resubmit(ctx, changed)
	assert.ErrorIs(t, err, ErrConflict)
}

func TestResubmit_ConcurrentSameParent(t *testing.T) {
	svc, repo := newSeededService(t)
	ctx := context.Background()

	const workers = 10
	results := make([]*ResubmitResult, workers)
	errs := make([]error, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = svc.Resubmit(ctx, validResubmit("CLM-002"))
		}(i)
	}
	wg.Wait()

	created := 0
	for i := range results {
		require.NoError(t, errs[i])
		if !results[i].Replayed {
			created++
		}
		assert.Equal(t, 1, results[i].ResubmissionAttempt)
	}
	assert.Equal(t, 1, created)

	recs, err := repo.ListResubmissions(ctx, "CLM-002")
	require.NoError(t, err)
	assert.Len(t, recs, 1)
}

func TestResubmit_ConcurrentDistinctParentsInChain(t *testing.T) {
	svc, _ := newSeededService(t)
	ctx := context.Background()

	first, err := svc.Resubmit(ctx, validResubmit("CLM-002"))
	require.NoError(t, err)
	_, err = svc.TransitionClaim(ctx, TransitionInput{ClaimID: first.NewClaimID, Status: StatusDenied, DenialCode: "CODING_ERROR"})
	require.NoError(t, err)

	// Two branches of the same chain race; attempts must stay unique.
	var wg sync.WaitGroup
	attempts := make(chan int, 2)
	for _, parent := range []string{"CLM-002", first.NewClaimID} {
		wg.Add(1)
		go func(parent string) {
			defer wg.Done()
			in := validResubmit(parent)
			in.CorrectionsMade = "Corrected codes for " + parent
			res, err := svc.Resubmit(ctx, in)
			if err != nil {
				if !errors.Is(err, ErrConflict) {
					t.Errorf("unexpected error: %v", err)
				}
				return
			}
			attempts <- res.ResubmissionAttempt
		}(parent)
	}
	wg.Wait()
	close(attempts)

	recs, err := svc.ListResubmissions(ctx, "CLM-002")
	require.NoError(t, err)
	seen := map[int]bool{}
	for _, r := range recs {
		assert.False(t, seen[r.ResubmissionAttempt], "duplicate attempt %d", r.ResubmissionAttempt)
		seen[r.ResubmissionAttempt] = true
	}
}

func TestRecordOutcome(t *testing.T) {
	tests := []struct {
		outcome ResubmissionOutcome
		want    ResolutionStatus
	}{
		{OutcomeAccepted, ResolutionResolved},
		{OutcomeDenied, ResolutionEscalated},
		{OutcomeRejected, ResolutionEscalated},
	}
	for _, tt := range tests {
		t.Run(string(tt.outcome), func(t *testing.T) {
			svc, _ := newSeededService(t)
			rec := &countingRecorder{}
			svc.SetMetrics(rec)
			ctx := context.Background()
			res, err := svc.Resubmit(ctx, validResubmit("CLM-002"))
			require.NoError(t, err)

			got, err := svc.RecordOutcome(ctx, res.ResubmissionRecordID, tt.outcome)
			require.NoError(t, err)
			assert.Equal(t, tt.outcome, got.Outcome)
			require.NotNil(t, got.OutcomeDate)

			d, err := svc.GetDenial(ctx, "CLM-002")
			require.NoError(t, err)
			assert.Equal(t, tt.want, d.ResolutionStatus)

			successor, err := svc.GetClaim(ctx, res.NewClaimID)
			require.NoError(t, err)
			assert.Equal(t, StatusSubmitted, successor.Status)

			_, err = svc.RecordOutcome(ctx, res.ResubmissionRecordID, OutcomeAccepted)
			assert.ErrorIs(t, err, ErrConflict)
			assert.Equal(t, []string{string(tt.outcome)}, rec.outcomes)
		})
	}
}

func TestRecordOutcome_Errors(t *testing.T) {
	svc, _ := newSeededService(t)
	_, err := svc.RecordOutcome(context.Background(), "missing", OutcomeAccepted)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = svc.RecordOutcome(context.Background(), "missing", "maybe")
	assert.ErrorIs(t, err, ErrValidation)
}

func TestResubmitInput_Normalize(t *testing.T) {
	in := ResubmitInput{
		OriginalClaimID:  " CLM-002 ",
		DenialReasonCode: " prior_auth ",
		CorrectionsMade:  "  added auth number  ",
		ProcedureCodes:   []string{" 99213", "99214 "},
	}
	in.normalize()
	assert.Equal(t, "CLM-002", in.OriginalClaimID)
	assert.Equal(t, "PRIOR_AUTH", in.DenialReasonCode)
	assert.Equal(t, "added auth number", in.CorrectionsMade)
	assert.Equal(t, []string{"99213", "99214"}, in.ProcedureCodes)
	assert.Equal(t, "system", in.ResubmittedBy)
}
