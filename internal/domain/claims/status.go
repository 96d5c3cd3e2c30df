package claims

import (
	"fmt"
	"strings"
)

// Status is the lifecycle state of a claim.
type Status string

const (
	StatusDraft     Status = "draft"
	StatusSubmitted Status = "submitted"
	StatusAccepted  Status = "accepted"
	StatusRejected  Status = "rejected"
	StatusDenied    Status = "denied"
	StatusPaid      Status = "paid"
	StatusPending   Status = "pending"
)

// AllStatuses lists every claim status in lifecycle order.
var AllStatuses = []Status{
	StatusDraft, StatusSubmitted, StatusAccepted, StatusRejected,
	StatusDenied, StatusPaid, StatusPending,
}

// transitions is the complete table of permitted status changes.
var transitions = map[Status][]Status{
	StatusDraft:     {StatusSubmitted},
	StatusSubmitted: {StatusAccepted, StatusRejected, StatusDenied, StatusPending},
	StatusPending:   {StatusSubmitted, StatusDenied},
	StatusAccepted:  {StatusPaid},
	StatusDenied:    {StatusSubmitted},
	StatusRejected:  {StatusSubmitted},
	StatusPaid:      {},
}

// Edges leaving these states are reserved for the resubmission workflow,
// which produces a successor claim instead of mutating the original.
var resubmissionOnly = map[Status]bool{
	StatusDenied:   true,
	StatusRejected: true,
}

func ParseStatus(s string) (Status, error) {
	st := Status(strings.ToLower(strings.TrimSpace(s)))
	if !st.Valid() {
		return "", fmt.Errorf("invalid claim status: %s", s)
	}
	return st, nil
}

func (s Status) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// IsDenial reports whether the payer refused the claim.
func (s Status) IsDenial() bool {
	return s == StatusDenied || s == StatusRejected
}

// AwaitingResponse reports whether the claim is out with the payer.
func (s Status) AwaitingResponse() bool {
	return s == StatusSubmitted || s == StatusPending
}

// inTable reports whether from -> to appears in the transition table at all.
func inTable(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// CanTransition reports whether a direct status change is allowed. Edges
// out of denied/rejected are never direct.
func CanTransition(from, to Status) bool {
	if resubmissionOnly[from] {
		return false
	}
	return inTable(from, to)
}

// NextStatuses returns the statuses reachable by a direct transition.
func NextStatuses(from Status) []Status {
	if resubmissionOnly[from] {
		return nil
	}
	out := make([]Status, len(transitions[from]))
	copy(out, transitions[from])
	return out
}
