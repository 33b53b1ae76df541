package rbac

import (
	"context"
	"errors"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/labstock/labstock/internal/shared"
)

// ErrNotFound indicates that the requested record does not exist.
var ErrNotFound = errors.New("rbac: not found")

// Service answers capability checks from roles, grants and user-role links.
// It implements shared.CapabilityOracle.
type Service struct {
	pool *pgxpool.Pool
}

// NewService constructs a Service backed by the provided pool.
func NewService(pool *pgxpool.Pool) *Service {
	return &Service{pool: pool}
}

// HasCapability reports whether any of the actor's roles grants the capability.
func (s *Service) HasCapability(ctx context.Context, actor shared.Actor, cap shared.Capability) (bool, error) {
	var granted bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1
			FROM user_roles ur
			JOIN role_grants rg ON rg.role_id = ur.role_id
			WHERE ur.user_id = $1 AND rg.capability = $2
		)`, actor.ID, string(cap)).Scan(&granted)
	if err != nil {
		return false, err
	}
	return granted, nil
}

// EffectiveCapabilities returns deduplicated capability names for a user.
func (s *Service) EffectiveCapabilities(ctx context.Context, userID int64) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT rg.capability
		FROM user_roles ur
		JOIN role_grants rg ON rg.role_id = ur.role_id
		WHERE ur.user_id = $1
		ORDER BY rg.capability`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var caps []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		caps = append(caps, name)
	}
	return caps, rows.Err()
}

// ListRoles returns all roles ordered by name.
func (s *Service) ListRoles(ctx context.Context) ([]Role, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, name, COALESCE(description, ''), created_at, updated_at
		FROM roles
		ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var roles []Role
	for rows.Next() {
		var role Role
		if err := rows.Scan(&role.ID, &role.Name, &role.Description, &role.CreatedAt, &role.UpdatedAt); err != nil {
			return nil, err
		}
		roles = append(roles, role)
	}
	return roles, rows.Err()
}

// CreateRole inserts a new role.
func (s *Service) CreateRole(ctx context.Context, name, description string) (Role, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Role{}, errors.New("rbac: role name required")
	}
	var role Role
	err := s.pool.QueryRow(ctx, `
		INSERT INTO roles (name, description, created_at, updated_at)
		VALUES ($1, $2, NOW(), NOW())
		RETURNING id, name, COALESCE(description, ''), created_at, updated_at`,
		name, strings.TrimSpace(description)).Scan(
		&role.ID, &role.Name, &role.Description, &role.CreatedAt, &role.UpdatedAt)
	if err != nil {
		return Role{}, err
	}
	return role, nil
}

// SetRoleGrants replaces the capability grants of a role with the given set.
func (s *Service) SetRoleGrants(ctx context.Context, roleID int64, caps []shared.Capability) error {
	existing, err := s.roleGrants(ctx, roleID)
	if err != nil {
		return err
	}
	keep := make(map[string]struct{}, len(caps))
	for _, cap := range caps {
		name := string(cap)
		keep[name] = struct{}{}
		if _, ok := existing[name]; !ok {
			_, err := s.pool.Exec(ctx, `
				INSERT INTO role_grants (role_id, capability, created_at)
				VALUES ($1, $2, NOW())
				ON CONFLICT DO NOTHING`, roleID, name)
			if err != nil {
				return err
			}
		}
	}
	for name := range existing {
		if _, ok := keep[name]; !ok {
			_, err := s.pool.Exec(ctx, `DELETE FROM role_grants WHERE role_id = $1 AND capability = $2`, roleID, name)
			if err != nil {
				return err
			}
		}
	}
	return nil
}

// AssignRole assigns a role to the given user.
func (s *Service) AssignRole(ctx context.Context, userID, roleID int64) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO user_roles (user_id, role_id, created_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT DO NOTHING`, userID, roleID)
	return err
}

// RemoveRole removes a role from a user.
func (s *Service) RemoveRole(ctx context.Context, userID, roleID int64) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM user_roles WHERE user_id = $1 AND role_id = $2`, userID, roleID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Service) roleGrants(ctx context.Context, roleID int64) (map[string]struct{}, error) {
	rows, err := s.pool.Query(ctx, `SELECT capability FROM role_grants WHERE role_id = $1`, roleID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return map[string]struct{}{}, nil
		}
		return nil, err
	}
	defer rows.Close()

	grants := map[string]struct{}{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		grants[name] = struct{}{}
	}
	return grants, rows.Err()
}
