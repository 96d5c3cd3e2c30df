package claims

import (
	"strings"
	"time"
)

// StatusAll disables the status predicate.
const StatusAll = "all"

// Filter is a compound predicate over the claim collection. Every set field
// is ANDed; zero values are inactive.
type Filter struct {
	SearchTerm  string      `json:"search_term,omitempty"`
	Status      string      `json:"status,omitempty"`
	Payer       string      `json:"payer,omitempty"`
	DateFrom    *time.Time  `json:"date_from,omitempty"`
	DateTo      *time.Time  `json:"date_to,omitempty"`
	AgingBucket AgingBucket `json:"aging_days,omitempty"`
	Priority    Priority    `json:"priority_level,omitempty"`
}

// Validate checks enumerated fields and the date range.
func (f Filter) Validate() error {
	ve := &ValidationError{}
	if f.Status != "" && !isAllStatus(f.Status) {
		if _, err := ParseStatus(f.Status); err != nil {
			ve.add("status", err.Error())
		}
	}
	if f.AgingBucket != "" {
		if _, err := ParseAgingBucket(string(f.AgingBucket)); err != nil {
			ve.add("aging_days", err.Error())
		}
	}
	if f.Priority != "" {
		if _, err := ParsePriority(string(f.Priority)); err != nil {
			ve.add("priority_level", err.Error())
		}
	}
	if f.DateFrom != nil && f.DateTo != nil && dateOnly(*f.DateTo).Before(dateOnly(*f.DateFrom)) {
		ve.add("date_range", "end date is before start date")
	}
	return ve.orNil()
}

// IsEmpty reports whether no predicate is active.
func (f Filter) IsEmpty() bool {
	return len(f.predicates(time.Time{})) == 0
}

type predicate func(c *Claim, d *ClaimDenial) bool

// predicates returns one function per active criterion. Their evaluation
// order does not affect the result.
func (f Filter) predicates(now time.Time) []predicate {
	var ps []predicate

	if term := strings.ToLower(strings.TrimSpace(f.SearchTerm)); term != "" {
		ps = append(ps, func(c *Claim, _ *ClaimDenial) bool {
			return strings.Contains(strings.ToLower(c.ClaimNumber), term) ||
				strings.Contains(strings.ToLower(c.PatientID), term) ||
				strings.Contains(strings.ToLower(c.PayerName), term)
		})
	}
	if status, ok := f.statusPredicate(); ok {
		ps = append(ps, func(c *Claim, _ *ClaimDenial) bool {
			return c.Status == status
		})
	}
	if f.Payer != "" {
		payer := f.Payer
		ps = append(ps, func(c *Claim, _ *ClaimDenial) bool {
			return c.PayerName == payer
		})
	}
	if f.DateFrom != nil {
		from := dateOnly(*f.DateFrom)
		ps = append(ps, func(c *Claim, _ *ClaimDenial) bool {
			return !dateOnly(c.ServiceDate).Before(from)
		})
	}
	if f.DateTo != nil {
		to := dateOnly(*f.DateTo)
		ps = append(ps, func(c *Claim, _ *ClaimDenial) bool {
			return !dateOnly(c.ServiceDate).After(to)
		})
	}
	if f.AgingBucket != "" {
		bucket := f.AgingBucket
		ps = append(ps, func(c *Claim, d *ClaimDenial) bool {
			days, ok := ClaimAging(c, d, now)
			return ok && bucket.Contains(days)
		})
	}
	if f.Priority != "" {
		priority := f.Priority
		ps = append(ps, func(_ *Claim, d *ClaimDenial) bool {
			return d != nil && d.PriorityLevel == priority
		})
	}
	return ps
}

func isAllStatus(s string) bool {
	return strings.EqualFold(strings.TrimSpace(s), StatusAll)
}

// statusPredicate returns the normalized status to match, if any.
func (f Filter) statusPredicate() (Status, bool) {
	if f.Status == "" || isAllStatus(f.Status) {
		return "", false
	}
	st, err := ParseStatus(f.Status)
	if err != nil {
		// Unvalidated filters still compare literally.
		return Status(strings.ToLower(strings.TrimSpace(f.Status))), true
	}
	return st, true
}

// Matches reports whether c satisfies every active predicate.
func (f Filter) Matches(c *Claim, d *ClaimDenial, now time.Time) bool {
	return matchAll(f.predicates(now), c, d)
}

func matchAll(ps []predicate, c *Claim, d *ClaimDenial) bool {
	for _, p := range ps {
		if !p(c, d) {
			return false
		}
	}
	return true
}

// Apply returns the claims of snap that satisfy f, in store order.
func Apply(snap *Snapshot, f Filter, now time.Time) []*Claim {
	if snap == nil {
		return nil
	}
	ps := f.predicates(now)
	out := make([]*Claim, 0, len(snap.Claims))
	for _, c := range snap.Claims {
		if matchAll(ps, c, snap.DenialFor(c.ID)) {
			out = append(out, c)
		}
	}
	return out
}

// dateOnly truncates t to its UTC calendar date.
func dateOnly(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
