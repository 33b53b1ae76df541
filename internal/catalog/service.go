package catalog

import (
	"context"
	"fmt"

	"github.com/labstock/labstock/internal/shared"
)

// Service answers product lookups for the workflow engine.
type Service struct {
	repo Repository
}

// NewService constructs the catalog service.
func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

// GetProduct returns a product by ID.
func (s *Service) GetProduct(ctx context.Context, id int64) (Product, error) {
	p, err := s.repo.Get(ctx, id)
	if err != nil {
		if err == ErrNotFound {
			return Product{}, fmt.Errorf("catalog: product %d: %w", id, shared.ErrNotFound)
		}
		return Product{}, err
	}
	return p, nil
}

// ListProducts returns active products ordered by name.
func (s *Service) ListProducts(ctx context.Context) ([]Product, error) {
	return s.repo.List(ctx, true)
}
