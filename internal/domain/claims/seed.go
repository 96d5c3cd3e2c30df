package claims

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// SeedClaims returns a small demo portfolio anchored at now: one claim in
// each of paid, denied, submitted, pending and accepted.
func SeedClaims(now time.Time) ([]*Claim, []*ClaimDenial) {
	now = now.UTC()
	ago := func(days int) time.Time { return now.Add(-time.Duration(days) * day) }
	at := func(days int) *time.Time { return timePtr(ago(days)) }

	claims := []*Claim{
		{
			ID:                    "CLM-001",
			ClaimNumber:           "CLM-001",
			PatientID:             "PT-1001",
			ClinicID:              "CLN-01",
			PayerName:             "Blue Cross",
			PayerID:               "BCBS-001",
			ServiceDate:           ago(40),
			ProcedureCodes:        []string{"99213"},
			DiagnosisCodes:        []string{"J06.9"},
			TotalAmount:           Cents(150, 0),
			AllowedAmount:         moneyPtr(Cents(120, 0)),
			PaidAmount:            Cents(100, 0),
			PatientResponsibility: Cents(20, 0),
			Status:                StatusPaid,
			SubmissionDate:        at(38),
			ResponseDate:          at(30),
			PaymentDate:           at(24),
			ClearinghouseID:       "CH-AVAILITY",
			ClearinghouseClaimID:  "AV-55201",
		},
		{
			ID:                   "CLM-002",
			ClaimNumber:          "CLM-002",
			PatientID:            "PT-1002",
			ClinicID:             "CLN-01",
			PayerName:            "Aetna",
			PayerID:              "AETNA-001",
			ServiceDate:          ago(25),
			ProcedureCodes:       []string{"72148"},
			DiagnosisCodes:       []string{"M54.5"},
			TotalAmount:          Cents(1250, 0),
			Status:               StatusDenied,
			SubmissionDate:       at(20),
			ResponseDate:         at(10),
			ClearinghouseID:      "CH-AVAILITY",
			ClearinghouseClaimID: "AV-55202",
		},
		{
			ID:             "CLM-003",
			ClaimNumber:    "CLM-003",
			PatientID:      "PT-1003",
			ClinicID:       "CLN-02",
			PayerName:      "Aetna",
			PayerID:        "AETNA-001",
			ServiceDate:    ago(6),
			ProcedureCodes: []string{"99214", "85025"},
			DiagnosisCodes: []string{"E11.9"},
			TotalAmount:    Cents(310, 50),
			Status:         StatusSubmitted,
			SubmissionDate: at(5),
		},
		{
			ID:             "CLM-004",
			ClaimNumber:    "CLM-004",
			PatientID:      "PT-1004",
			ClinicID:       "CLN-02",
			PayerName:      "UnitedHealthcare",
			PayerID:        "UHC-001",
			ServiceDate:    ago(15),
			ProcedureCodes: []string{"93000"},
			DiagnosisCodes: []string{"I10"},
			TotalAmount:    Cents(95, 25),
			Status:         StatusPending,
			SubmissionDate: at(12),
			ResponseDate:   at(9),
		},
		{
			ID:             "CLM-005",
			ClaimNumber:    "CLM-005",
			PatientID:      "PT-1005",
			ClinicID:       "CLN-01",
			PayerName:      "Cigna",
			PayerID:        "CIGNA-001",
			ServiceDate:    ago(18),
			ProcedureCodes: []string{"97110"},
			DiagnosisCodes: []string{"M25.561"},
			TotalAmount:    Cents(200, 0),
			AllowedAmount:  moneyPtr(Cents(180, 0)),
			Status:         StatusAccepted,
			SubmissionDate: at(16),
			ResponseDate:   at(3),
		},
	}
	for i, c := range claims {
		c.Version = 1
		c.CreatedAt = c.ServiceDate.Add(time.Duration(i) * time.Hour)
		c.UpdatedAt = now
	}

	denials := []*ClaimDenial{
		{
			ID:               "DEN-002",
			ClaimID:          "CLM-002",
			DenialCode:       "PRIOR_AUTH",
			DenialDate:       ago(10),
			PriorityLevel:    PriorityHigh,
			ResolutionStatus: ResolutionPending,
			Notes:            "MRI lumbar spine billed without authorization on file",
			UpdatedAt:        ago(10),
		},
	}
	return claims, denials
}

// Seed loads the demo portfolio into repo. Claims that already exist are
// skipped so seeding can be repeated.
func Seed(ctx context.Context, repo Repository, now time.Time) (int, error) {
	claims, denials := SeedClaims(now)
	byClaim := make(map[string]*ClaimDenial, len(denials))
	for _, d := range denials {
		byClaim[d.ClaimID] = d
	}
	created := 0
	for _, c := range claims {
		err := repo.CreateClaim(ctx, c, byClaim[c.ID])
		if errors.Is(err, ErrConflict) {
			continue
		}
		if err != nil {
			return created, fmt.Errorf("seed claim %s: %w", c.ID, err)
		}
		created++
	}
	return created, nil
}
