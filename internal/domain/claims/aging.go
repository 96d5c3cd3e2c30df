package claims

import (
	"fmt"
	"strings"
	"time"
)

// AgingBucket groups elapsed days for follow-up prioritisation.
type AgingBucket string

const (
	Bucket0To3   AgingBucket = "0-3"
	Bucket4To7   AgingBucket = "4-7"
	Bucket8To14  AgingBucket = "8-14"
	Bucket15Plus AgingBucket = "15+"
)

// AllBuckets lists the buckets in ascending order. Together they partition
// [0, inf) with no gap or overlap.
var AllBuckets = []AgingBucket{Bucket0To3, Bucket4To7, Bucket8To14, Bucket15Plus}

func ParseAgingBucket(s string) (AgingBucket, error) {
	b := AgingBucket(strings.TrimSpace(s))
	for _, known := range AllBuckets {
		if b == known {
			return b, nil
		}
	}
	return "", fmt.Errorf("invalid aging bucket: %s", s)
}

const day = 24 * time.Hour

// AgingDays returns the whole days elapsed from ref to now, never negative.
func AgingDays(ref, now time.Time) int {
	if !now.After(ref) {
		return 0
	}
	return int(now.Sub(ref) / day)
}

// BucketFor maps a day count to its bucket. Negative counts fall in 0-3.
func BucketFor(days int) AgingBucket {
	switch {
	case days <= 3:
		return Bucket0To3
	case days <= 7:
		return Bucket4To7
	case days <= 14:
		return Bucket8To14
	default:
		return Bucket15Plus
	}
}

// Contains reports whether days falls in b.
func (b AgingBucket) Contains(days int) bool {
	return BucketFor(days) == b
}

// ReferenceDate picks the event aging is measured from: the denial date for
// denied or rejected claims and the submission date for claims still with
// the payer. Other claims do not age.
func ReferenceDate(c *Claim, d *ClaimDenial) (time.Time, bool) {
	switch {
	case c.Status.IsDenial():
		if d != nil && !d.DenialDate.IsZero() {
			return d.DenialDate, true
		}
		if c.ResponseDate != nil {
			return *c.ResponseDate, true
		}
	case c.Status.AwaitingResponse():
		if c.SubmissionDate != nil {
			return *c.SubmissionDate, true
		}
	}
	return time.Time{}, false
}

// ClaimAging returns the aging of c at now, or false when c does not age.
func ClaimAging(c *Claim, d *ClaimDenial, now time.Time) (int, bool) {
	ref, ok := ReferenceDate(c, d)
	if !ok {
		return 0, false
	}
	return AgingDays(ref, now), true
}

// IsTerminal reports whether no further lifecycle work is possible: the
// claim is paid, or it was refused for a reason that cannot be corrected.
func IsTerminal(c *Claim, d *ClaimDenial, reg *Registry) bool {
	if c.Status == StatusPaid {
		return true
	}
	if !c.Status.IsDenial() || d == nil || reg == nil {
		return false
	}
	entry, err := reg.Lookup(d.DenialCode)
	if err != nil {
		return false
	}
	return !entry.IsCorrectable
}

// KPISet holds the portfolio metrics shown on the claims dashboard.
type KPISet struct {
	TotalClaims      int                 `json:"total_claims"`
	AwaitingAction   int                 `json:"awaiting_action"`
	AvgTimeToFund    float64             `json:"avg_time_to_fund_days"`
	InfoNeededAmount Money               `json:"info_needed_amount"`
	DenialRate       float64             `json:"denial_rate"`
	AgingOver7Days   int                 `json:"aging_over_7_days"`
	DeniedAmount     Money               `json:"denied_amount"`
	AgingBuckets     map[AgingBucket]int `json:"aging_buckets"`
	ComputedAt       time.Time           `json:"computed_at"`
}

// ComputeKPIs derives the portfolio metrics from one snapshot.
func ComputeKPIs(snap *Snapshot, reg *Registry, now time.Time) KPISet {
	k := KPISet{
		AgingBuckets: make(map[AgingBucket]int, len(AllBuckets)),
		ComputedAt:   now,
	}
	for _, b := range AllBuckets {
		k.AgingBuckets[b] = 0
	}
	if snap == nil {
		return k
	}

	var denied, fundedCount int
	var funded time.Duration
	for _, c := range snap.Claims {
		d := snap.DenialFor(c.ID)
		k.TotalClaims++

		switch c.Status {
		case StatusSubmitted, StatusPending, StatusDenied, StatusRejected:
			k.AwaitingAction++
		}
		if c.Status == StatusPending {
			k.InfoNeededAmount += c.TotalAmount
		}
		if c.Status == StatusDenied {
			denied++
			k.DeniedAmount += c.TotalAmount
		}
		if c.Status == StatusPaid && c.SubmissionDate != nil && c.PaymentDate != nil {
			fundedCount++
			if d := c.PaymentDate.Sub(*c.SubmissionDate); d > 0 {
				funded += d
			}
		}

		if days, ok := ClaimAging(c, d, now); ok && !IsTerminal(c, d, reg) {
			k.AgingBuckets[BucketFor(days)]++
			if days > 7 {
				k.AgingOver7Days++
			}
		}
	}

	if fundedCount > 0 {
		k.AvgTimeToFund = float64(funded) / float64(day*time.Duration(fundedCount))
	}
	k.DenialRate = denialRate(denied, k.TotalClaims)
	return k
}

func denialRate(denied, total int) float64 {
	if total <= 0 {
		return 0
	}
	rate := float64(denied) * 100 / float64(total)
	switch {
	case rate < 0:
		return 0
	case rate > 100:
		return 100
	}
	return rate
}
