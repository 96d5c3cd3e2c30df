package claims

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// MemoryRepository keeps claims in process memory. It backs the default
// single-instance deployment and the tests.
type MemoryRepository struct {
	mu sync.RWMutex

	claims   map[string]*Claim
	order    []string
	numbers  map[string]string
	denials  map[string]*ClaimDenial
	resubs   map[string]*Resubmission
	byParent map[string]string
	attempts map[string]string
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		claims:   make(map[string]*Claim),
		numbers:  make(map[string]string),
		denials:  make(map[string]*ClaimDenial),
		resubs:   make(map[string]*Resubmission),
		byParent: make(map[string]string),
		attempts: make(map[string]string),
	}
}

func attemptKey(rootID string, attempt int) string {
	return fmt.Sprintf("%s#%d", rootID, attempt)
}

func (r *MemoryRepository) insertClaimLocked(c *Claim) error {
	if _, ok := r.claims[c.ID]; ok {
		return fmt.Errorf("%w: claim %s already exists", ErrConflict, c.ID)
	}
	if _, ok := r.numbers[c.ClaimNumber]; ok {
		return fmt.Errorf("%w: claim number %s already exists", ErrConflict, c.ClaimNumber)
	}
	r.claims[c.ID] = c.Clone()
	r.order = append(r.order, c.ID)
	r.numbers[c.ClaimNumber] = c.ID
	return nil
}

func (r *MemoryRepository) CreateClaim(_ context.Context, c *Claim, d *ClaimDenial) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.insertClaimLocked(c); err != nil {
		return err
	}
	if d != nil {
		r.denials[c.ID] = d.Clone()
	}
	return nil
}

func (r *MemoryRepository) GetClaim(_ context.Context, id string) (*Claim, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.claims[id]
	if !ok {
		return nil, fmt.Errorf("%w: claim %s", ErrNotFound, id)
	}
	return c.Clone(), nil
}

func (r *MemoryRepository) UpdateClaim(_ context.Context, c *Claim, expectedVersion int, d *ClaimDenial) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.claims[c.ID]
	if !ok {
		return fmt.Errorf("%w: claim %s", ErrNotFound, c.ID)
	}
	if cur.Version != expectedVersion {
		return fmt.Errorf("%w: claim %s is at version %d, not %d", ErrConflict, c.ID, cur.Version, expectedVersion)
	}
	c.Version = expectedVersion + 1
	r.claims[c.ID] = c.Clone()
	if d != nil {
		r.denials[c.ID] = d.Clone()
	}
	return nil
}

func (r *MemoryRepository) ListChain(_ context.Context, rootID string) ([]*Claim, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	root, ok := r.claims[rootID]
	if !ok {
		return nil, fmt.Errorf("%w: claim %s", ErrNotFound, rootID)
	}
	chain := []*Claim{root.Clone()}
	for _, id := range r.order {
		if c := r.claims[id]; c.OriginalClaimID == rootID && c.ID != rootID {
			chain = append(chain, c.Clone())
		}
	}
	sort.SliceStable(chain[1:], func(i, j int) bool {
		return chain[1+i].ResubmissionAttempt < chain[1+j].ResubmissionAttempt
	})
	return chain, nil
}

func (r *MemoryRepository) GetDenial(_ context.Context, claimID string) (*ClaimDenial, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.denials[claimID]
	if !ok {
		return nil, fmt.Errorf("%w: denial for claim %s", ErrNotFound, claimID)
	}
	return d.Clone(), nil
}

func (r *MemoryRepository) UpdateDenial(_ context.Context, d *ClaimDenial) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.denials[d.ClaimID]; !ok {
		return fmt.Errorf("%w: denial for claim %s", ErrNotFound, d.ClaimID)
	}
	r.denials[d.ClaimID] = d.Clone()
	return nil
}

func (r *MemoryRepository) CreateResubmission(_ context.Context, successor *Claim, rec *Resubmission, parentDenial *ClaimDenial) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := attemptKey(rec.OriginalClaimID, rec.ResubmissionAttempt)
	if _, ok := r.attempts[key]; ok {
		return fmt.Errorf("%w: attempt %d of claim %s already exists", ErrConflict, rec.ResubmissionAttempt, rec.OriginalClaimID)
	}
	if _, ok := r.byParent[rec.ParentClaimID]; ok {
		return fmt.Errorf("%w: claim %s was already resubmitted", ErrConflict, rec.ParentClaimID)
	}
	if err := r.insertClaimLocked(successor); err != nil {
		return err
	}
	r.resubs[rec.ID] = rec.Clone()
	r.byParent[rec.ParentClaimID] = rec.ID
	r.attempts[key] = rec.ID
	if parentDenial != nil {
		r.denials[parentDenial.ClaimID] = parentDenial.Clone()
	}
	return nil
}

func (r *MemoryRepository) GetResubmission(_ context.Context, id string) (*Resubmission, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.resubs[id]
	if !ok {
		return nil, fmt.Errorf("%w: resubmission %s", ErrNotFound, id)
	}
	return rec.Clone(), nil
}

func (r *MemoryRepository) FindResubmissionByParent(_ context.Context, parentClaimID string) (*Resubmission, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byParent[parentClaimID]
	if !ok {
		return nil, fmt.Errorf("%w: resubmission of claim %s", ErrNotFound, parentClaimID)
	}
	return r.resubs[id].Clone(), nil
}

func (r *MemoryRepository) ListResubmissions(_ context.Context, rootID string) ([]*Resubmission, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Resubmission
	for _, rec := range r.resubs {
		if rec.OriginalClaimID == rootID {
			out = append(out, rec.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ResubmissionAttempt < out[j].ResubmissionAttempt })
	return out, nil
}

func (r *MemoryRepository) RecordOutcome(_ context.Context, rec *Resubmission, parentDenial *ClaimDenial) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.resubs[rec.ID]
	if !ok {
		return fmt.Errorf("%w: resubmission %s", ErrNotFound, rec.ID)
	}
	if cur.Outcome != "" {
		return fmt.Errorf("%w: resubmission %s already has outcome %s", ErrConflict, rec.ID, cur.Outcome)
	}
	r.resubs[rec.ID] = rec.Clone()
	if parentDenial != nil {
		r.denials[parentDenial.ClaimID] = parentDenial.Clone()
	}
	return nil
}

func (r *MemoryRepository) Snapshot(_ context.Context) (*Snapshot, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	snap := &Snapshot{
		Claims:  make([]*Claim, 0, len(r.order)),
		Denials: make(map[string]*ClaimDenial, len(r.denials)),
	}
	for _, id := range r.order {
		snap.Claims = append(snap.Claims, r.claims[id].Clone())
	}
	for id, d := range r.denials {
		snap.Denials[id] = d.Clone()
	}
	return snap, nil
}

// MemoryViewRepository keeps saved views in process memory.
type MemoryViewRepository struct {
	mu    sync.RWMutex
	views map[string]*SavedView
	order []string
}

func NewMemoryViewRepository() *MemoryViewRepository {
	return &MemoryViewRepository{views: make(map[string]*SavedView)}
}

func (r *MemoryViewRepository) CreateView(_ context.Context, v *SavedView) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.views[v.ID]; ok {
		return fmt.Errorf("%w: view %s already exists", ErrConflict, v.ID)
	}
	for _, existing := range r.views {
		if existing.Name == v.Name {
			return fmt.Errorf("%w: view named %q already exists", ErrConflict, v.Name)
		}
	}
	r.views[v.ID] = v.Clone()
	r.order = append(r.order, v.ID)
	return nil
}

func (r *MemoryViewRepository) GetView(_ context.Context, id string) (*SavedView, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.views[id]
	if !ok {
		return nil, fmt.Errorf("%w: view %s", ErrNotFound, id)
	}
	return v.Clone(), nil
}

func (r *MemoryViewRepository) ListViews(_ context.Context) ([]*SavedView, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*SavedView, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.views[id].Clone())
	}
	return out, nil
}

func (r *MemoryViewRepository) DeleteView(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.views[id]; !ok {
		return fmt.Errorf("%w: view %s", ErrNotFound, id)
	}
	delete(r.views, id)
	for i, vid := range r.order {
		if vid == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return nil
}

func (r *MemoryViewRepository) SetDefault(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.views[id]; !ok {
		return fmt.Errorf("%w: view %s", ErrNotFound, id)
	}
	for vid, v := range r.views {
		v.IsDefault = vid == id
	}
	return nil
}
