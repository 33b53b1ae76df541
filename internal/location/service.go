package location

import (
	"context"
	"fmt"

	"github.com/labstock/labstock/internal/shared"
)

// Service answers location lookups for the workflow engine.
type Service struct {
	repo Repository
}

// NewService constructs the location service.
func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

// GetLocation returns a location by ID.
func (s *Service) GetLocation(ctx context.Context, id int64) (Location, error) {
	l, err := s.repo.Get(ctx, id)
	if err != nil {
		if err == ErrNotFound {
			return Location{}, fmt.Errorf("location: %d: %w", id, shared.ErrNotFound)
		}
		return Location{}, err
	}
	return l, nil
}

// ListLocations returns active locations ordered by name.
func (s *Service) ListLocations(ctx context.Context) ([]Location, error) {
	return s.repo.List(ctx, true)
}
