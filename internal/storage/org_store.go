package storage

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wardenhq/warden/internal/apierr"
)

// MaxOrgDepth caps the organization tree depth.
const MaxOrgDepth = 10

// OrgStore persists the organization tree with materialized paths. A
// child's path strictly extends its parent's, so cycles are impossible.
type OrgStore struct {
	pool *pgxpool.Pool
}

func NewOrgStore(pool *pgxpool.Pool) *OrgStore {
	return &OrgStore{pool: pool}
}

// Create inserts an organization under parentID (nil for a root).
// Path and Level are derived here, never supplied by the caller.
func (s *OrgStore) Create(ctx context.Context, name string, parentID *uuid.UUID) (*Organization, error) {
	org := Organization{
		ID:       uuid.New(),
		ParentID: parentID,
		Name:     name,
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if parentID == nil {
		org.Path = "/" + name
		org.Level = 0
	} else {
		var parentPath string
		var parentLevel int
		err := tx.QueryRow(ctx, `
			SELECT path, level FROM organizations WHERE id = $1
		`, *parentID).Scan(&parentPath, &parentLevel)
		if err != nil {
			return nil, mapNoRows(err)
		}
		if parentLevel+1 > MaxOrgDepth {
			return nil, apierr.Validation("organization tree depth limit reached")
		}
		org.Path = parentPath + "/" + name
		org.Level = parentLevel + 1
	}

	err = tx.QueryRow(ctx, `
		INSERT INTO organizations (id, parent_id, name, path, level, created_at)
		VALUES ($1, $2, $3, $4, $5, now())
		RETURNING created_at
	`, org.ID, org.ParentID, org.Name, org.Path, org.Level).Scan(&org.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("create organization: %w", err)
	}

	return &org, tx.Commit(ctx)
}

func (s *OrgStore) GetByID(ctx context.Context, id uuid.UUID) (*Organization, error) {
	var o Organization
	err := s.pool.QueryRow(ctx, `
		SELECT id, parent_id, name, path, level, created_at FROM organizations WHERE id = $1
	`, id).Scan(&o.ID, &o.ParentID, &o.Name, &o.Path, &o.Level, &o.CreatedAt)
	if err != nil {
		return nil, mapNoRows(err)
	}
	return &o, nil
}

func (s *OrgStore) List(ctx context.Context) ([]Organization, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, parent_id, name, path, level, created_at FROM organizations ORDER BY path
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orgs []Organization
	for rows.Next() {
		var o Organization
		if err := rows.Scan(&o.ID, &o.ParentID, &o.Name, &o.Path, &o.Level, &o.CreatedAt); err != nil {
			return nil, err
		}
		orgs = append(orgs, o)
	}
	return orgs, rows.Err()
}

// AddUser binds a user to an organization. Idempotent.
func (s *OrgStore) AddUser(ctx context.Context, userID, orgID uuid.UUID) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO user_organizations (user_id, org_id)
		VALUES ($1, $2) ON CONFLICT DO NOTHING
	`, userID, orgID)
	if isForeignKeyViolation(err) {
		return apierr.Validation("unknown user or organization")
	}
	return err
}

// RemoveUser unbinds a user from an organization.
func (s *OrgStore) RemoveUser(ctx context.Context, userID, orgID uuid.UUID) error {
	_, err := s.pool.Exec(ctx, `
		DELETE FROM user_organizations WHERE user_id = $1 AND org_id = $2
	`, userID, orgID)
	return err
}

// ListUserOrganizations returns the orgs a user belongs to.
func (s *OrgStore) ListUserOrganizations(ctx context.Context, userID uuid.UUID) ([]Organization, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT o.id, o.parent_id, o.name, o.path, o.level, o.created_at
		FROM organizations o JOIN user_organizations uo ON uo.org_id = o.id
		WHERE uo.user_id = $1 ORDER BY o.path
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orgs []Organization
	for rows.Next() {
		var o Organization
		if err := rows.Scan(&o.ID, &o.ParentID, &o.Name, &o.Path, &o.Level, &o.CreatedAt); err != nil {
			return nil, err
		}
		orgs = append(orgs, o)
	}
	return orgs, rows.Err()
}
