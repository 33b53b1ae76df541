package location

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound indicates the location does not exist.
var ErrNotFound = errors.New("location: not found")

type Repository interface {
	Get(ctx context.Context, id int64) (Location, error)
	List(ctx context.Context, activeOnly bool) ([]Location, error)
}

type repository struct {
	db *pgxpool.Pool
}

func NewRepository(db *pgxpool.Pool) Repository {
	return &repository{db: db}
}

func (r *repository) Get(ctx context.Context, id int64) (Location, error) {
	var l Location
	err := r.db.QueryRow(ctx, `SELECT id, code, name, type, can_test, is_active, created_at, updated_at FROM locations WHERE id = $1`, id).
		Scan(&l.ID, &l.Code, &l.Name, &l.Type, &l.CanTest, &l.IsActive, &l.CreatedAt, &l.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Location{}, ErrNotFound
		}
		return Location{}, err
	}
	return l, nil
}

func (r *repository) List(ctx context.Context, activeOnly bool) ([]Location, error) {
	query := `SELECT id, code, name, type, can_test, is_active, created_at, updated_at FROM locations`
	if activeOnly {
		query += ` WHERE is_active`
	}
	query += ` ORDER BY name`
	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var locations []Location
	for rows.Next() {
		var l Location
		if err := rows.Scan(&l.ID, &l.Code, &l.Name, &l.Type, &l.CanTest, &l.IsActive, &l.CreatedAt, &l.UpdatedAt); err != nil {
			return nil, err
		}
		locations = append(locations, l)
	}
	return locations, rows.Err()
}
