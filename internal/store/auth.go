package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type UserWithTenant struct {
	ID           uuid.UUID
	TenantID     uuid.UUID
	Email        string
	FullName     string
	PasswordHash string
	IsActive     bool
	TenantSlug   string
	TenantName   string
}

func (s *Store) ListUsersByEmail(ctx context.Context, email string) ([]UserWithTenant, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT u.id, u.tenant_id, u.email, u.full_name, u.password_hash, u.is_active, t.slug, t.name
		FROM users u
		JOIN tenants t ON t.id = u.tenant_id
		WHERE u.email = $1
		ORDER BY u.created_at`, email)
	if err != nil {
		return nil, fmt.Errorf("list users by email: %w", err)
	}
	defer rows.Close()

	var users []UserWithTenant
	for rows.Next() {
		var u UserWithTenant
		if err := rows.Scan(&u.ID, &u.TenantID, &u.Email, &u.FullName, &u.PasswordHash, &u.IsActive, &u.TenantSlug, &u.TenantName); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

type CreateSessionParams struct {
	TenantID  uuid.UUID
	UserID    uuid.UUID
	TokenHash string
	CsrfToken string
	ExpiresAt time.Time
}

func (s *Store) CreateSession(ctx context.Context, p CreateSessionParams) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO sessions (tenant_id, user_id, token_hash, csrf_token, expires_at)
		VALUES ($1, $2, $3, $4, $5)`,
		p.TenantID, p.UserID, p.TokenHash, p.CsrfToken, p.ExpiresAt)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

func (s *Store) RevokeSessionByTokenHash(ctx context.Context, tokenHash string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE sessions SET revoked_at = now() WHERE token_hash = $1 AND revoked_at IS NULL`, tokenHash)
	return err
}

func (s *Store) RevokeSessionByID(ctx context.Context, id, tenantID uuid.UUID) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE sessions SET revoked_at = now() WHERE id = $1 AND tenant_id = $2 AND revoked_at IS NULL`, id, tenantID)
	return err
}

type SessionPrincipal struct {
	SessionID  uuid.UUID
	UserID     uuid.UUID
	TenantID   uuid.UUID
	Email      string
	FullName   string
	TenantSlug string
	TenantName string
	CsrfToken  string
	ExpiresAt  time.Time
}

func (s *Store) GetSessionPrincipalByTokenHash(ctx context.Context, tokenHash string) (SessionPrincipal, error) {
	var p SessionPrincipal
	err := s.pool.QueryRow(ctx, `
		SELECT se.id, u.id, u.tenant_id, u.email, u.full_name, t.slug, t.name, se.csrf_token, se.expires_at
		FROM sessions se
		JOIN users u ON u.id = se.user_id
		JOIN tenants t ON t.id = u.tenant_id
		WHERE se.token_hash = $1
		  AND se.revoked_at IS NULL
		  AND se.expires_at > now()
		  AND u.is_active`, tokenHash).
		Scan(&p.SessionID, &p.UserID, &p.TenantID, &p.Email, &p.FullName, &p.TenantSlug, &p.TenantName, &p.CsrfToken, &p.ExpiresAt)
	if err != nil {
		return SessionPrincipal{}, err
	}
	return p, nil
}

func (s *Store) TouchSession(ctx context.Context, sessionID uuid.UUID) error {
	_, err := s.pool.Exec(ctx, `UPDATE sessions SET last_seen_at = now() WHERE id = $1`, sessionID)
	return err
}

func (s *Store) UserHasPermission(ctx context.Context, userID, tenantID uuid.UUID, permission string) (bool, error) {
	var has bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM user_permissions
			WHERE user_id = $1 AND tenant_id = $2 AND permission = $3
		)`, userID, tenantID, permission).Scan(&has)
	if err != nil {
		return false, fmt.Errorf("check permission: %w", err)
	}
	return has, nil
}

type AuditLogParams struct {
	TenantID   uuid.UUID
	UserID     *uuid.UUID
	Action     string
	EntityType string
	EntityID   *uuid.UUID
	RequestID  *string
	Metadata   []byte
}

func (s *Store) InsertAuditLog(ctx context.Context, p AuditLogParams) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO audit_log (tenant_id, user_id, action, entity_type, entity_id, request_id, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		p.TenantID, p.UserID, p.Action, p.EntityType, p.EntityID, p.RequestID, p.Metadata)
	return err
}

// Seed helpers used by cmd/seed and the integration tests.

func (s *Store) CreateTenant(ctx context.Context, slug, name string) (uuid.UUID, error) {
	var id uuid.UUID
	err := s.pool.QueryRow(ctx, `
		INSERT INTO tenants (slug, name) VALUES ($1, $2)
		ON CONFLICT (slug) DO UPDATE SET name = EXCLUDED.name
		RETURNING id`, slug, name).Scan(&id)
	if err != nil {
		return uuid.Nil, fmt.Errorf("create tenant: %w", err)
	}
	return id, nil
}

func (s *Store) CreateUser(ctx context.Context, tenantID uuid.UUID, email, fullName, passwordHash string) (uuid.UUID, error) {
	var id uuid.UUID
	err := s.pool.QueryRow(ctx, `
		INSERT INTO users (tenant_id, email, full_name, password_hash, is_active)
		VALUES ($1, $2, $3, $4, TRUE)
		ON CONFLICT (tenant_id, email) DO UPDATE SET full_name = EXCLUDED.full_name, password_hash = EXCLUDED.password_hash
		RETURNING id`, tenantID, email, fullName, passwordHash).Scan(&id)
	if err != nil {
		return uuid.Nil, fmt.Errorf("create user: %w", err)
	}
	return id, nil
}

func (s *Store) GrantPermission(ctx context.Context, tenantID, userID uuid.UUID, permission string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO user_permissions (tenant_id, user_id, permission)
		VALUES ($1, $2, $3)
		ON CONFLICT DO NOTHING`, tenantID, userID, permission)
	return err
}
