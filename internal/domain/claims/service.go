package claims

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/ehr/revcycle/internal/platform/lock"
)

// Recorder receives lifecycle events for metrics.
type Recorder interface {
	Transition(from, to string)
	Denial(code string)
	Resubmission(code, result string)
	Outcome(outcome string)
	Conflict(operation string)
}

type nopRecorder struct{}

func (nopRecorder) Transition(string, string)   {}
func (nopRecorder) Denial(string)               {}
func (nopRecorder) Resubmission(string, string) {}
func (nopRecorder) Outcome(string)              {}
func (nopRecorder) Conflict(string)             {}

type Service struct {
	claims   Repository
	views    ViewRepository
	registry *Registry
	numbers  NumberGenerator
	locker   lock.Locker
	metrics  Recorder
	logger   zerolog.Logger
	now      func() time.Time
}

func NewService(repo Repository, views ViewRepository, reg *Registry, numbers NumberGenerator) *Service {
	if reg == nil {
		reg = DefaultRegistry()
	}
	return &Service{
		claims:   repo,
		views:    views,
		registry: reg,
		numbers:  numbers,
		locker:   lock.NewKeyedMutex(),
		metrics:  nopRecorder{},
		logger:   zerolog.Nop(),
		now:      time.Now,
	}
}

// SetLocker replaces the default in-process locker, e.g. with a Redis lock
// shared by several instances.
func (s *Service) SetLocker(l lock.Locker) {
	if l != nil {
		s.locker = l
	}
}

func (s *Service) SetMetrics(r Recorder) {
	if r != nil {
		s.metrics = r
	}
}

func (s *Service) SetLogger(l zerolog.Logger) {
	s.logger = l.With().Str("component", "claims").Logger()
}

// SetClock overrides the time source.
func (s *Service) SetClock(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// Registry returns the denial codebook used by the service.
func (s *Service) Registry() *Registry {
	return s.registry
}

func claimLockKey(id string) string { return "claim:" + id }
func chainLockKey(id string) string { return "chain:" + id }

// -- Claims --

func (s *Service) CreateClaim(ctx context.Context, c *Claim) error {
	ve := &ValidationError{}
	if strings.TrimSpace(c.PatientID) == "" {
		ve.add("patient_id", "is required")
	}
	if strings.TrimSpace(c.PayerName) == "" {
		ve.add("payer_name", "is required")
	}
	if c.ServiceDate.IsZero() {
		ve.add("service_date", "is required")
	}
	c.validateAmounts(ve)
	if err := ve.orNil(); err != nil {
		return err
	}

	now := s.now().UTC()
	c.ID = uuid.NewString()
	c.ClaimNumber = s.numbers.Next()
	c.Status = StatusDraft
	c.ServiceDate = c.ServiceDate.UTC()
	c.SubmissionDate, c.ResponseDate, c.PaymentDate = nil, nil, nil
	c.OriginalClaimID, c.ResubmittedFromID, c.ResubmissionAttempt = "", "", 0
	c.Version = 1
	c.CreatedAt = now
	c.UpdatedAt = now
	if c.ProcedureCodes == nil {
		c.ProcedureCodes = []string{}
	}
	if c.DiagnosisCodes == nil {
		c.DiagnosisCodes = []string{}
	}
	if err := s.claims.CreateClaim(ctx, c, nil); err != nil {
		return fmt.Errorf("create claim: %w", err)
	}
	s.logger.Info().Str("claim_id", c.ID).Str("claim_number", c.ClaimNumber).Msg("claim created")
	return nil
}

func (s *Service) GetClaim(ctx context.Context, id string) (*Claim, error) {
	return s.claims.GetClaim(ctx, id)
}

// ListClaims returns the claims matching f in store order.
func (s *Service) ListClaims(ctx context.Context, f Filter) ([]*Claim, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	snap, err := s.claims.Snapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("snapshot claims: %w", err)
	}
	return Apply(snap, f, s.now()), nil
}

// TransitionInput moves one claim to a new status.
type TransitionInput struct {
	ClaimID string
	Status  Status
	// ExpectedVersion, when non-zero, must equal the stored version.
	ExpectedVersion int
	// DenialCode, Priority and Notes apply when entering denied or rejected.
	DenialCode string
	Priority   Priority
	Notes      string
	// PaidAmount and AllowedAmount apply when entering accepted or paid.
	PaidAmount    *Money
	AllowedAmount *Money
}

func (s *Service) TransitionClaim(ctx context.Context, in TransitionInput) (*Claim, error) {
	to, err := ParseStatus(string(in.Status))
	if err != nil {
		return nil, fieldError("status", err.Error())
	}

	release, err := s.locker.Lock(ctx, claimLockKey(in.ClaimID))
	if err != nil {
		return nil, fmt.Errorf("lock claim %s: %w", in.ClaimID, err)
	}
	defer release()

	c, err := s.claims.GetClaim(ctx, in.ClaimID)
	if err != nil {
		return nil, err
	}
	if in.ExpectedVersion != 0 && c.Version != in.ExpectedVersion {
		s.metrics.Conflict("transition")
		return nil, fmt.Errorf("%w: claim %s is at version %d, not %d", ErrConflict, c.ID, c.Version, in.ExpectedVersion)
	}
	from := c.Status
	if !CanTransition(from, to) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}

	now := s.now().UTC()
	ve := &ValidationError{}
	var denial *ClaimDenial

	switch to {
	case StatusSubmitted:
		c.SubmissionDate = timePtr(now)
	case StatusPaid:
		c.PaymentDate = timePtr(now)
	default:
		c.ResponseDate = timePtr(now)
	}

	if to.IsDenial() {
		if denial, err = s.newDenial(c.ID, in, now, ve); err != nil {
			return nil, err
		}
	} else if in.DenialCode != "" {
		ve.add("denial_code", fmt.Sprintf("not allowed when entering %s", to))
	}

	if in.PaidAmount != nil || in.AllowedAmount != nil {
		if to != StatusAccepted && to != StatusPaid {
			ve.add("amounts", fmt.Sprintf("cannot be set when entering %s", to))
		}
		if in.AllowedAmount != nil {
			c.AllowedAmount = moneyPtr(*in.AllowedAmount)
		}
		if in.PaidAmount != nil {
			c.PaidAmount = *in.PaidAmount
		}
		c.validateAmounts(ve)
	}
	if err := ve.orNil(); err != nil {
		return nil, err
	}

	c.Status = to
	c.UpdatedAt = now
	if err := s.claims.UpdateClaim(ctx, c, c.Version, denial); err != nil {
		if errors.Is(err, ErrConflict) {
			s.metrics.Conflict("transition")
		}
		return nil, fmt.Errorf("update claim %s: %w", c.ID, err)
	}

	s.metrics.Transition(string(from), string(to))
	ev := s.logger.Info().Str("claim_id", c.ID).Str("from", string(from)).Str("to", string(to)).Int("version", c.Version)
	if denial != nil {
		s.metrics.Denial(denial.DenialCode)
		ev = ev.Str("denial_code", denial.DenialCode)
	}
	ev.Msg("claim transitioned")
	return c, nil
}

// newDenial builds the denial record for a claim entering denied or rejected.
// Input problems are added to ve; an unknown code is returned as an error.
func (s *Service) newDenial(claimID string, in TransitionInput, now time.Time, ve *ValidationError) (*ClaimDenial, error) {
	if strings.TrimSpace(in.DenialCode) == "" {
		ve.add("denial_code", "is required when denying or rejecting a claim")
		return nil, nil
	}
	entry, err := s.registry.Lookup(in.DenialCode)
	if err != nil {
		return nil, err
	}
	priority := PriorityMedium
	if in.Priority != "" {
		p, err := ParsePriority(string(in.Priority))
		if err != nil {
			ve.add("priority_level", err.Error())
			return nil, nil
		}
		priority = p
	}
	return &ClaimDenial{
		ID:               uuid.NewString(),
		ClaimID:          claimID,
		DenialCode:       entry.Code,
		DenialDate:       now,
		PriorityLevel:    priority,
		ResolutionStatus: ResolutionPending,
		Notes:            strings.TrimSpace(in.Notes),
		UpdatedAt:        now,
	}, nil
}

// ResubmissionChain returns the root of id's chain followed by every
// successor in attempt order.
func (s *Service) ResubmissionChain(ctx context.Context, id string) ([]*Claim, error) {
	c, err := s.claims.GetClaim(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.claims.ListChain(ctx, c.RootID())
}

// -- Denials --

// GetDenial returns the denial of a claim with its aging filled in.
func (s *Service) GetDenial(ctx context.Context, claimID string) (*ClaimDenial, error) {
	d, err := s.claims.GetDenial(ctx, claimID)
	if err != nil {
		return nil, err
	}
	d.AgingDays = AgingDays(d.DenialDate, s.now())
	return d, nil
}

// DenialUpdate carries explicit changes to a denial. Nil fields are left
// untouched.
type DenialUpdate struct {
	Priority         *Priority
	ResolutionStatus *ResolutionStatus
	Notes            *string
}

func (s *Service) UpdateDenial(ctx context.Context, claimID string, u DenialUpdate) (*ClaimDenial, error) {
	ve := &ValidationError{}
	var priority Priority
	var resolution ResolutionStatus
	if u.Priority != nil {
		p, err := ParsePriority(string(*u.Priority))
		if err != nil {
			ve.add("priority_level", err.Error())
		}
		priority = p
	}
	if u.ResolutionStatus != nil {
		r, err := ParseResolutionStatus(string(*u.ResolutionStatus))
		if err != nil {
			ve.add("resolution_status", err.Error())
		}
		resolution = r
	}
	if err := ve.orNil(); err != nil {
		return nil, err
	}

	release, err := s.locker.Lock(ctx, claimLockKey(claimID))
	if err != nil {
		return nil, fmt.Errorf("lock claim %s: %w", claimID, err)
	}
	defer release()

	d, err := s.claims.GetDenial(ctx, claimID)
	if err != nil {
		return nil, err
	}
	if u.Priority != nil {
		d.PriorityLevel = priority
	}
	if u.ResolutionStatus != nil {
		d.ResolutionStatus = resolution
	}
	if u.Notes != nil {
		d.Notes = strings.TrimSpace(*u.Notes)
	}
	d.UpdatedAt = s.now().UTC()
	if err := s.claims.UpdateDenial(ctx, d); err != nil {
		return nil, fmt.Errorf("update denial of claim %s: %w", claimID, err)
	}
	d.AgingDays = AgingDays(d.DenialDate, s.now())
	s.logger.Info().Str("claim_id", claimID).Str("priority", string(d.PriorityLevel)).
		Str("resolution", string(d.ResolutionStatus)).Msg("denial updated")
	return d, nil
}

// -- Metrics --

// KPIs computes the portfolio metrics over the claims matching f.
func (s *Service) KPIs(ctx context.Context, f Filter) (KPISet, error) {
	if err := f.Validate(); err != nil {
		return KPISet{}, err
	}
	snap, err := s.claims.Snapshot(ctx)
	if err != nil {
		return KPISet{}, fmt.Errorf("snapshot claims: %w", err)
	}
	now := s.now()
	if !f.IsEmpty() {
		snap = snap.subset(Apply(snap, f, now))
	}
	return ComputeKPIs(snap, s.registry, now), nil
}

// WorkItem is one open denial in the follow-up queue.
type WorkItem struct {
	Claim       *Claim       `json:"claim"`
	Denial      *ClaimDenial `json:"denial"`
	AgingDays   int          `json:"aging_days"`
	AgingBucket AgingBucket  `json:"aging_bucket"`
	Correctable bool         `json:"correctable"`
	Guidance    string       `json:"guidance,omitempty"`
}

// Dashboard is the claims overview: metrics, the filtered list and the
// denial work queue, all computed from one snapshot.
type Dashboard struct {
	KPIs      KPISet      `json:"kpis"`
	Claims    []*Claim    `json:"claims"`
	WorkQueue []*WorkItem `json:"work_queue"`
}

func (s *Service) Dashboard(ctx context.Context, f Filter) (*Dashboard, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	snap, err := s.claims.Snapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("snapshot claims: %w", err)
	}
	now := s.now()
	out := &Dashboard{}

	g, _ := errgroup.WithContext(ctx)
	g.Go(func() error {
		scoped := snap
		if !f.IsEmpty() {
			scoped = snap.subset(Apply(snap, f, now))
		}
		out.KPIs = ComputeKPIs(scoped, s.registry, now)
		return nil
	})
	g.Go(func() error {
		out.Claims = Apply(snap, f, now)
		return nil
	})
	g.Go(func() error {
		out.WorkQueue = s.workQueue(snap, now)
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// workQueue lists open denials, highest priority first, then oldest first.
func (s *Service) workQueue(snap *Snapshot, now time.Time) []*WorkItem {
	items := make([]*WorkItem, 0)
	for _, c := range snap.Claims {
		d := snap.DenialFor(c.ID)
		if d == nil || !d.IsOpen() || !c.Status.IsDenial() {
			continue
		}
		days, _ := ClaimAging(c, d, now)
		item := &WorkItem{
			Claim:       c,
			Denial:      d.Clone(),
			AgingDays:   days,
			AgingBucket: BucketFor(days),
		}
		item.Denial.AgingDays = days
		if entry, err := s.registry.Lookup(d.DenialCode); err == nil {
			item.Correctable = entry.IsCorrectable
			item.Guidance = entry.Guidance
		}
		items = append(items, item)
	}
	sort.SliceStable(items, func(i, j int) bool {
		pi, pj := priorityRank[items[i].Denial.PriorityLevel], priorityRank[items[j].Denial.PriorityLevel]
		if pi != pj {
			return pi > pj
		}
		return items[i].AgingDays > items[j].AgingDays
	})
	return items
}
