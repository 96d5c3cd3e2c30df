package claims

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// SavedView is a named filter snapshot.
type SavedView struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Filter    Filter    `json:"filter"`
	IsDefault bool      `json:"is_default"`
	CreatedBy string    `json:"created_by,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

func (v *SavedView) Clone() *SavedView {
	if v == nil {
		return nil
	}
	cp := *v
	cp.Filter.DateFrom = cloneTime(v.Filter.DateFrom)
	cp.Filter.DateTo = cloneTime(v.Filter.DateTo)
	return &cp
}

func (s *Service) CreateView(ctx context.Context, v *SavedView) error {
	v.Name = strings.TrimSpace(v.Name)
	if v.Name == "" {
		return fieldError("name", "is required")
	}
	if err := v.Filter.Validate(); err != nil {
		return err
	}
	v.ID = uuid.NewString()
	v.CreatedAt = s.now().UTC()
	makeDefault := v.IsDefault
	v.IsDefault = false
	if err := s.views.CreateView(ctx, v); err != nil {
		return fmt.Errorf("create view: %w", err)
	}
	if makeDefault {
		if err := s.views.SetDefault(ctx, v.ID); err != nil {
			return fmt.Errorf("set default view: %w", err)
		}
		v.IsDefault = true
	}
	return nil
}

func (s *Service) GetView(ctx context.Context, id string) (*SavedView, error) {
	return s.views.GetView(ctx, id)
}

func (s *Service) ListViews(ctx context.Context) ([]*SavedView, error) {
	return s.views.ListViews(ctx)
}

func (s *Service) DeleteView(ctx context.Context, id string) error {
	return s.views.DeleteView(ctx, id)
}

// SetDefaultView makes id the only default view.
func (s *Service) SetDefaultView(ctx context.Context, id string) (*SavedView, error) {
	if err := s.views.SetDefault(ctx, id); err != nil {
		return nil, err
	}
	return s.views.GetView(ctx, id)
}

// ListClaimsByView evaluates the stored filter of a view as saved.
func (s *Service) ListClaimsByView(ctx context.Context, id string) ([]*Claim, *SavedView, error) {
	v, err := s.views.GetView(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	items, err := s.ListClaims(ctx, v.Filter)
	if err != nil {
		return nil, nil, err
	}
	return items, v, nil
}
