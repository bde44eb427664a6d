package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/leozw/helpdesk-gateway/internal/auth"
	"github.com/leozw/helpdesk-gateway/internal/core"
)

// Repository resolves identities against the platform's user table.
// The gateway only reads accounts and flips presence; all other user
// management belongs to the main application.
type Repository struct {
	db *sqlx.DB
}

func NewConnection(databaseURL string, maxConns, maxIdle int) (*sqlx.DB, error) {
	db, err := sqlx.Connect("postgres", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(maxIdle)
	db.SetConnMaxLifetime(5 * time.Minute)

	return db, nil
}

func NewRepository(db *sqlx.DB) *Repository {
	return &Repository{db: db}
}

type identityRow struct {
	UserID       string `db:"id"`
	TenantID     string `db:"tenant_id"`
	Email        string `db:"email"`
	IsAdmin      bool   `db:"is_admin"`
	TokenVersion int    `db:"token_version"`
	IsActive     bool   `db:"is_active"`
}

func (r *Repository) GetIdentity(ctx context.Context, tenantID, userID string) (core.Identity, error) {
	var row identityRow
	query := `
        SELECT id, tenant_id, email, is_admin, token_version, is_active
        FROM users
        WHERE id = $1 AND tenant_id = $2`

	err := r.db.GetContext(ctx, &row, query, userID, tenantID)
	if errors.Is(err, sql.ErrNoRows) {
		return core.Identity{}, auth.ErrIdentityNotFound
	}
	if err != nil {
		return core.Identity{}, err
	}

	return core.Identity{
		UserID:       row.UserID,
		TenantID:     row.TenantID,
		Email:        row.Email,
		IsAdmin:      row.IsAdmin,
		TokenVersion: row.TokenVersion,
		IsActive:     row.IsActive,
	}, nil
}

func (r *Repository) MarkOnline(ctx context.Context, tenantID, userID string) error {
	query := `
        UPDATE users
        SET is_online = true, last_seen_at = NOW()
        WHERE id = $1 AND tenant_id = $2`

	_, err := r.db.ExecContext(ctx, query, userID, tenantID)
	return err
}

func (r *Repository) MarkOffline(ctx context.Context, tenantID, userID string) error {
	query := `
        UPDATE users
        SET is_online = false, last_seen_at = NOW()
        WHERE id = $1 AND tenant_id = $2`

	_, err := r.db.ExecContext(ctx, query, userID, tenantID)
	return err
}

func (r *Repository) Ping() error {
	return r.db.Ping()
}
