package claims

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
)

const (
	minCorrectionLength  = 10
	defaultResubmittedBy = "system"
)

// ResubmitInput is the correction payload for a denied or rejected claim.
// OriginalClaimID names the claim being corrected, which may itself be a
// resubmission.
type ResubmitInput struct {
	OriginalClaimID         string   `json:"original_claim_id"`
	DenialReasonCode        string   `json:"denial_reason_code"`
	CorrectionsMade         string   `json:"corrections_made"`
	ProcedureCodes          []string `json:"procedure_codes"`
	DiagnosisCodes          []string `json:"diagnosis_codes"`
	TotalAmount             Money    `json:"total_amount"`
	AdditionalDocumentation string   `json:"additional_documentation,omitempty"`
	ResubmittedBy           string   `json:"resubmitted_by,omitempty"`
}

// ResubmitResult identifies the successor claim and its audit record.
// Replayed is set when an identical earlier request already produced them.
type ResubmitResult struct {
	NewClaimID           string        `json:"new_claim_id"`
	ResubmissionRecordID string        `json:"resubmission_record_id"`
	ResubmissionAttempt  int           `json:"resubmission_attempt"`
	Replayed             bool          `json:"replayed"`
	Claim                *Claim        `json:"claim,omitempty"`
	Record               *Resubmission `json:"record,omitempty"`
}

func (in *ResubmitInput) normalize() {
	in.OriginalClaimID = strings.TrimSpace(in.OriginalClaimID)
	in.DenialReasonCode = normalizeCode(in.DenialReasonCode)
	in.CorrectionsMade = strings.TrimSpace(in.CorrectionsMade)
	in.AdditionalDocumentation = strings.TrimSpace(in.AdditionalDocumentation)
	in.ResubmittedBy = strings.TrimSpace(in.ResubmittedBy)
	if in.ResubmittedBy == "" {
		in.ResubmittedBy = defaultResubmittedBy
	}
	in.ProcedureCodes = trimCodes(in.ProcedureCodes)
	in.DiagnosisCodes = trimCodes(in.DiagnosisCodes)
}

func trimCodes(codes []string) []string {
	if codes == nil {
		return nil
	}
	out := make([]string, len(codes))
	for i, c := range codes {
		out[i] = strings.TrimSpace(c)
	}
	return out
}

// Validate reports every malformed field of the payload.
func (in ResubmitInput) Validate() error {
	ve := &ValidationError{}
	if in.OriginalClaimID == "" {
		ve.add("original_claim_id", "is required")
	}
	if in.DenialReasonCode == "" {
		ve.add("denial_reason_code", "is required")
	}
	if utf8.RuneCountInString(in.CorrectionsMade) < minCorrectionLength {
		ve.add("corrections_made", fmt.Sprintf("must be at least %d characters", minCorrectionLength))
	}
	validateCodeList(ve, "procedure_codes", in.ProcedureCodes)
	validateCodeList(ve, "diagnosis_codes", in.DiagnosisCodes)
	if in.TotalAmount <= 0 {
		ve.add("total_amount", "must be greater than zero")
	}
	return ve.orNil()
}

func validateCodeList(ve *ValidationError, field string, codes []string) {
	if len(codes) == 0 {
		ve.add(field, "at least one code is required")
		return
	}
	for _, c := range codes {
		if c == "" {
			ve.add(field, "must not contain blank codes")
			return
		}
	}
}

func (in ResubmitInput) corrections() CorrectedFields {
	return CorrectedFields{
		DenialReasonCode:        in.DenialReasonCode,
		CorrectionsMade:         in.CorrectionsMade,
		ProcedureCodes:          append([]string(nil), in.ProcedureCodes...),
		DiagnosisCodes:          append([]string(nil), in.DiagnosisCodes...),
		TotalAmount:             in.TotalAmount,
		AdditionalDocumentation: in.AdditionalDocumentation,
	}
}

// Resubmit corrects a denied or rejected claim by creating a linked
// successor claim in submitted status. The original claim is not modified.
func (s *Service) Resubmit(ctx context.Context, in ResubmitInput) (*ResubmitResult, error) {
	in.normalize()
	if err := in.Validate(); err != nil {
		return nil, err
	}
	if err := s.checkCorrectable(in.DenialReasonCode); err != nil {
		s.metrics.Resubmission(in.DenialReasonCode, "rejected")
		return nil, err
	}

	parent, err := s.claims.GetClaim(ctx, in.OriginalClaimID)
	if err != nil {
		return nil, err
	}
	root := parent.RootID()

	releaseChain, err := s.locker.Lock(ctx, chainLockKey(root))
	if err != nil {
		return nil, fmt.Errorf("lock chain %s: %w", root, err)
	}
	defer releaseChain()
	releaseClaim, err := s.locker.Lock(ctx, claimLockKey(parent.ID))
	if err != nil {
		return nil, fmt.Errorf("lock claim %s: %w", parent.ID, err)
	}
	defer releaseClaim()

	if parent, err = s.claims.GetClaim(ctx, in.OriginalClaimID); err != nil {
		return nil, err
	}
	if !parent.Status.IsDenial() {
		return nil, fmt.Errorf("%w: claim %s is %s; only denied or rejected claims can be resubmitted",
			ErrInvalidTransition, parent.ID, parent.Status)
	}

	parentDenial, err := s.claims.GetDenial(ctx, parent.ID)
	switch {
	case errors.Is(err, ErrNotFound):
		parentDenial = nil
	case err != nil:
		return nil, err
	default:
		if err := s.checkCorrectable(parentDenial.DenialCode); err != nil {
			s.metrics.Resubmission(in.DenialReasonCode, "rejected")
			return nil, err
		}
	}

	fields := in.corrections()
	if res, err := s.replay(ctx, parent.ID, fields); res != nil || err != nil {
		return res, err
	}

	prior, err := s.claims.ListResubmissions(ctx, root)
	if err != nil {
		return nil, fmt.Errorf("list resubmissions of %s: %w", root, err)
	}
	attempt := len(prior) + 1
	now := s.now().UTC()

	successor := parent.Clone()
	successor.ID = uuid.NewString()
	successor.ClaimNumber = s.numbers.Next()
	successor.Status = StatusSubmitted
	successor.ProcedureCodes = fields.ProcedureCodes
	successor.DiagnosisCodes = fields.DiagnosisCodes
	successor.TotalAmount = fields.TotalAmount
	successor.AllowedAmount = nil
	successor.PaidAmount = 0
	successor.SubmissionDate = timePtr(now)
	successor.ResponseDate = nil
	successor.PaymentDate = nil
	successor.ClearinghouseClaimID = ""
	successor.OriginalClaimID = root
	successor.ResubmittedFromID = parent.ID
	successor.ResubmissionAttempt = attempt
	successor.Version = 1
	successor.CreatedAt = now
	successor.UpdatedAt = now
	ve := &ValidationError{}
	successor.validateAmounts(ve)
	if err := ve.orNil(); err != nil {
		return nil, err
	}

	rec := &Resubmission{
		ID:                  uuid.NewString(),
		OriginalClaimID:     root,
		ParentClaimID:       parent.ID,
		ResubmissionAttempt: attempt,
		CorrectedFields:     fields,
		ResubmittedBy:       in.ResubmittedBy,
		ResubmissionDate:    now,
		NewClaimID:          successor.ID,
		Status:              StatusSubmitted,
	}
	var updatedDenial *ClaimDenial
	if parentDenial != nil {
		rec.DenialID = parentDenial.ID
		updatedDenial = parentDenial.Clone()
		updatedDenial.ResolutionStatus = ResolutionInProgress
		updatedDenial.UpdatedAt = now
	}

	if err := s.claims.CreateResubmission(ctx, successor, rec, updatedDenial); err != nil {
		if errors.Is(err, ErrConflict) {
			s.metrics.Conflict("resubmit")
		}
		return nil, fmt.Errorf("resubmit claim %s: %w", parent.ID, err)
	}

	s.metrics.Resubmission(in.DenialReasonCode, "created")
	s.logger.Info().
		Str("claim_id", parent.ID).
		Str("original_claim_id", root).
		Str("new_claim_id", successor.ID).
		Int("attempt", attempt).
		Str("denial_code", in.DenialReasonCode).
		Str("resubmitted_by", in.ResubmittedBy).
		Msg("claim resubmitted")

	return &ResubmitResult{
		NewClaimID:           successor.ID,
		ResubmissionRecordID: rec.ID,
		ResubmissionAttempt:  attempt,
		Claim:                successor,
		Record:               rec,
	}, nil
}

func (s *Service) checkCorrectable(code string) error {
	entry, err := s.registry.Lookup(code)
	if err != nil {
		return err
	}
	if !entry.IsCorrectable {
		return fmt.Errorf("%w: %s (%s)", ErrCorrectionNotAllowed, entry.Code, entry.Description)
	}
	return nil
}

// replay returns the earlier result when parentID was already resubmitted
// with the same corrections, and ErrConflict when it was resubmitted with
// different ones. Both results are nil when there is no earlier record.
func (s *Service) replay(ctx context.Context, parentID string, fields CorrectedFields) (*ResubmitResult, error) {
	existing, err := s.claims.FindResubmissionByParent(ctx, parentID)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if !existing.CorrectedFields.equal(fields) {
		s.metrics.Conflict("resubmit")
		return nil, fmt.Errorf("%w: claim %s was already resubmitted as attempt %d with different corrections",
			ErrConflict, parentID, existing.ResubmissionAttempt)
	}
	successor, err := s.claims.GetClaim(ctx, existing.NewClaimID)
	if err != nil {
		return nil, err
	}
	s.metrics.Resubmission(fields.DenialReasonCode, "replayed")
	return &ResubmitResult{
		NewClaimID:           existing.NewClaimID,
		ResubmissionRecordID: existing.ID,
		ResubmissionAttempt:  existing.ResubmissionAttempt,
		Replayed:             true,
		Claim:                successor,
		Record:               existing,
	}, nil
}

// RecordOutcome stores the payer's answer to a resubmission and resolves or
// escalates the denial it addressed. An outcome can be recorded only once.
func (s *Service) RecordOutcome(ctx context.Context, id string, outcome ResubmissionOutcome) (*Resubmission, error) {
	o, err := ParseOutcome(string(outcome))
	if err != nil {
		return nil, fieldError("outcome", err.Error())
	}
	rec, err := s.claims.GetResubmission(ctx, id)
	if err != nil {
		return nil, err
	}

	releaseChain, err := s.locker.Lock(ctx, chainLockKey(rec.OriginalClaimID))
	if err != nil {
		return nil, fmt.Errorf("lock chain %s: %w", rec.OriginalClaimID, err)
	}
	defer releaseChain()
	releaseClaim, err := s.locker.Lock(ctx, claimLockKey(rec.ParentClaimID))
	if err != nil {
		return nil, fmt.Errorf("lock claim %s: %w", rec.ParentClaimID, err)
	}
	defer releaseClaim()

	if rec, err = s.claims.GetResubmission(ctx, id); err != nil {
		return nil, err
	}
	if rec.Outcome != "" {
		return nil, fmt.Errorf("%w: resubmission %s already has outcome %s", ErrConflict, id, rec.Outcome)
	}
	now := s.now().UTC()
	rec.Outcome = o
	rec.OutcomeDate = timePtr(now)

	denial, err := s.claims.GetDenial(ctx, rec.ParentClaimID)
	switch {
	case errors.Is(err, ErrNotFound):
		denial = nil
	case err != nil:
		return nil, err
	default:
		if o == OutcomeAccepted {
			denial.ResolutionStatus = ResolutionResolved
		} else {
			denial.ResolutionStatus = ResolutionEscalated
		}
		denial.UpdatedAt = now
	}

	if err := s.claims.RecordOutcome(ctx, rec, denial); err != nil {
		return nil, fmt.Errorf("record outcome of %s: %w", id, err)
	}
	s.metrics.Outcome(string(o))
	s.logger.Info().Str("resubmission_id", id).Str("claim_id", rec.ParentClaimID).
		Str("outcome", string(o)).Msg("resubmission outcome recorded")
	return rec, nil
}

// ListResubmissions returns the audit records of the chain containing
// claimID in attempt order.
func (s *Service) ListResubmissions(ctx context.Context, claimID string) ([]*Resubmission, error) {
	c, err := s.claims.GetClaim(ctx, claimID)
	if err != nil {
		return nil, err
	}
	recs, err := s.claims.ListResubmissions(ctx, c.RootID())
	if err != nil {
		return nil, err
	}
	if recs == nil {
		recs = []*Resubmission{}
	}
	return recs, nil
}
