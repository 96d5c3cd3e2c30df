package claims

import (
	"fmt"
	"strings"
	"time"
)

// Claim is a billing request sent to a payer.
type Claim struct {
	ID                    string     `json:"id"`
	ClaimNumber           string     `json:"claim_number"`
	PatientID             string     `json:"patient_id"`
	ClinicID              string     `json:"clinic_id"`
	PayerName             string     `json:"payer_name"`
	PayerID               string     `json:"payer_id"`
	ServiceDate           time.Time  `json:"service_date"`
	ProcedureCodes        []string   `json:"procedure_codes"`
	DiagnosisCodes        []string   `json:"diagnosis_codes"`
	TotalAmount           Money      `json:"total_amount"`
	AllowedAmount         *Money     `json:"allowed_amount,omitempty"`
	PaidAmount            Money      `json:"paid_amount"`
	PatientResponsibility Money      `json:"patient_responsibility"`
	Status                Status     `json:"status"`
	SubmissionDate        *time.Time `json:"submission_date,omitempty"`
	ResponseDate          *time.Time `json:"response_date,omitempty"`
	PaymentDate           *time.Time `json:"payment_date,omitempty"`
	ClearinghouseID       string     `json:"clearinghouse_id,omitempty"`
	ClearinghouseClaimID  string     `json:"clearinghouse_claim_id,omitempty"`
	OriginalClaimID       string     `json:"original_claim_id,omitempty"`
	ResubmittedFromID     string     `json:"resubmitted_from_id,omitempty"`
	ResubmissionAttempt   int        `json:"resubmission_attempt"`
	Version               int        `json:"version"`
	CreatedAt             time.Time  `json:"created_at"`
	UpdatedAt             time.Time  `json:"updated_at"`
}

// RootID returns the id of the first claim in this claim's resubmission chain.
func (c *Claim) RootID() string {
	if c.OriginalClaimID != "" {
		return c.OriginalClaimID
	}
	return c.ID
}

// Clone returns a deep copy so stored records never alias caller memory.
func (c *Claim) Clone() *Claim {
	if c == nil {
		return nil
	}
	cp := *c
	cp.ProcedureCodes = append([]string(nil), c.ProcedureCodes...)
	cp.DiagnosisCodes = append([]string(nil), c.DiagnosisCodes...)
	if c.AllowedAmount != nil {
		cp.AllowedAmount = moneyPtr(*c.AllowedAmount)
	}
	cp.SubmissionDate = cloneTime(c.SubmissionDate)
	cp.ResponseDate = cloneTime(c.ResponseDate)
	cp.PaymentDate = cloneTime(c.PaymentDate)
	return &cp
}

// validateAmounts enforces non-negative amounts and
// paid <= allowed <= total whenever an allowed amount is known.
func (c *Claim) validateAmounts(ve *ValidationError) {
	if c.TotalAmount < 0 {
		ve.add("total_amount", "must not be negative")
	}
	if c.PaidAmount < 0 {
		ve.add("paid_amount", "must not be negative")
	}
	if c.PatientResponsibility < 0 {
		ve.add("patient_responsibility", "must not be negative")
	}
	if c.AllowedAmount == nil {
		return
	}
	allowed := *c.AllowedAmount
	if allowed < 0 {
		ve.add("allowed_amount", "must not be negative")
	}
	if allowed > c.TotalAmount {
		ve.add("allowed_amount", fmt.Sprintf("must not exceed total amount %s", c.TotalAmount))
	}
	if c.PaidAmount > allowed {
		ve.add("paid_amount", fmt.Sprintf("must not exceed allowed amount %s", allowed))
	}
}

// Priority ranks a denial in the follow-up work queue.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

var priorityRank = map[Priority]int{
	PriorityLow: 1, PriorityMedium: 2, PriorityHigh: 3, PriorityUrgent: 4,
}

func ParsePriority(s string) (Priority, error) {
	p := Priority(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := priorityRank[p]; !ok {
		return "", fmt.Errorf("invalid priority level: %s", s)
	}
	return p, nil
}

// ResolutionStatus tracks work on a denial.
type ResolutionStatus string

const (
	ResolutionPending    ResolutionStatus = "pending"
	ResolutionInProgress ResolutionStatus = "in_progress"
	ResolutionResolved   ResolutionStatus = "resolved"
	ResolutionEscalated  ResolutionStatus = "escalated"
)

func ParseResolutionStatus(s string) (ResolutionStatus, error) {
	r := ResolutionStatus(strings.ToLower(strings.TrimSpace(s)))
	switch r {
	case ResolutionPending, ResolutionInProgress, ResolutionResolved, ResolutionEscalated:
		return r, nil
	}
	return "", fmt.Errorf("invalid resolution status: %s", s)
}

// ClaimDenial records a payer refusal of one claim. AgingDays is derived
// at read time and never persisted.
type ClaimDenial struct {
	ID               string           `json:"id"`
	ClaimID          string           `json:"claim_id"`
	DenialCode       string           `json:"denial_code"`
	DenialDate       time.Time        `json:"denial_date"`
	PriorityLevel    Priority         `json:"priority_level"`
	ResolutionStatus ResolutionStatus `json:"resolution_status"`
	Notes            string           `json:"notes,omitempty"`
	AgingDays        int              `json:"aging_days"`
	UpdatedAt        time.Time        `json:"updated_at"`
}

func (d *ClaimDenial) Clone() *ClaimDenial {
	if d == nil {
		return nil
	}
	cp := *d
	return &cp
}

// IsOpen reports whether the denial still needs work.
func (d *ClaimDenial) IsOpen() bool {
	return d.ResolutionStatus != ResolutionResolved
}

// ResubmissionOutcome is the payer's eventual answer to a resubmitted claim.
type ResubmissionOutcome string

const (
	OutcomeAccepted ResubmissionOutcome = "accepted"
	OutcomeDenied   ResubmissionOutcome = "denied"
	OutcomeRejected ResubmissionOutcome = "rejected"
)

func ParseOutcome(s string) (ResubmissionOutcome, error) {
	o := ResubmissionOutcome(strings.ToLower(strings.TrimSpace(s)))
	switch o {
	case OutcomeAccepted, OutcomeDenied, OutcomeRejected:
		return o, nil
	}
	return "", fmt.Errorf("invalid resubmission outcome: %s", s)
}

// CorrectedFields is the correction payload captured on a resubmission.
type CorrectedFields struct {
	DenialReasonCode        string   `json:"denial_reason_code"`
	CorrectionsMade         string   `json:"corrections_made"`
	ProcedureCodes          []string `json:"procedure_codes"`
	DiagnosisCodes          []string `json:"diagnosis_codes"`
	TotalAmount             Money    `json:"total_amount"`
	AdditionalDocumentation string   `json:"additional_documentation,omitempty"`
}

func (f CorrectedFields) equal(o CorrectedFields) bool {
	return f.DenialReasonCode == o.DenialReasonCode &&
		f.CorrectionsMade == o.CorrectionsMade &&
		f.TotalAmount == o.TotalAmount &&
		f.AdditionalDocumentation == o.AdditionalDocumentation &&
		equalStrings(f.ProcedureCodes, o.ProcedureCodes) &&
		equalStrings(f.DiagnosisCodes, o.DiagnosisCodes)
}

// Resubmission is the append-only audit record of one corrected resubmission.
// Only Outcome and OutcomeDate may be set after creation.
type Resubmission struct {
	ID                  string              `json:"id"`
	OriginalClaimID     string              `json:"original_claim_id"`
	ParentClaimID       string              `json:"parent_claim_id"`
	DenialID            string              `json:"denial_id,omitempty"`
	ResubmissionAttempt int                 `json:"resubmission_attempt"`
	CorrectedFields     CorrectedFields     `json:"corrected_fields"`
	ResubmittedBy       string              `json:"resubmitted_by"`
	ResubmissionDate    time.Time           `json:"resubmission_date"`
	NewClaimID          string              `json:"new_claim_id"`
	Status              Status              `json:"status"`
	Outcome             ResubmissionOutcome `json:"outcome,omitempty"`
	OutcomeDate         *time.Time          `json:"outcome_date,omitempty"`
}

func (r *Resubmission) Clone() *Resubmission {
	if r == nil {
		return nil
	}
	cp := *r
	cp.CorrectedFields.ProcedureCodes = append([]string(nil), r.CorrectedFields.ProcedureCodes...)
	cp.CorrectedFields.DiagnosisCodes = append([]string(nil), r.CorrectedFields.DiagnosisCodes...)
	cp.OutcomeDate = cloneTime(r.OutcomeDate)
	return &cp
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func timePtr(t time.Time) *time.Time { return &t }

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
