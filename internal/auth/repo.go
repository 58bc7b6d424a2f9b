package auth

import (
	"context"
	"database/sql"
	"errors"

	"geoattend/internal/model"
	"geoattend/internal/store"
)

// ErrAdminExists is returned when the username is taken.
var ErrAdminExists = errors.New("admin already exists")

// Repository persists admins.
type Repository struct {
	db *store.DB
}

// NewRepository creates a repo.
func NewRepository(db *store.DB) *Repository {
	return &Repository{db: db}
}

// FindByUsername returns nil, nil when the admin does not exist.
func (r *Repository) FindByUsername(ctx context.Context, username string) (*model.Admin, error) {
	var a model.Admin
	err := r.db.Client.GetContext(ctx, &a, r.db.Client.Rebind(`
		SELECT id, username, password_hash, created_at FROM admins WHERE username = ?
	`), username)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// Create inserts an admin.
func (r *Repository) Create(ctx context.Context, a model.Admin) error {
	_, err := r.db.Client.ExecContext(ctx, r.db.Client.Rebind(`
		INSERT INTO admins (id, username, password_hash, created_at) VALUES (?, ?, ?, ?)
	`), a.ID, a.Username, a.PasswordHash, a.CreatedAt.UTC())
	if store.IsUniqueViolation(err) {
		return ErrAdminExists
	}
	return err
}
