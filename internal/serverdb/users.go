package serverdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/vertexads/finsync/internal/models"
)

// ErrEmailTaken is returned by CreateUser when the email is registered.
var ErrEmailTaken = errors.New("email already registered")

// User represents a registered user.
type User struct {
	ID           string
	Email        string
	Name         string
	PasswordHash string
	CreatedAt    string
	UpdatedAt    string
}

// DisplayName returns the name, or the email when no name was given.
func (u *User) DisplayName() string {
	if u.Name != "" {
		return u.Name
	}
	return u.Email
}

// CreateUser inserts a new user. The password must already be hashed.
func (db *ServerDB) CreateUser(ctx context.Context, email, name, passwordHash string) (*User, error) {
	email = strings.TrimSpace(email)
	if email == "" {
		return nil, fmt.Errorf("email is required")
	}
	if passwordHash == "" {
		return nil, fmt.Errorf("password hash is required")
	}

	existing, err := db.GetUserByEmail(ctx, email)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, ErrEmailTaken
	}

	now := db.stamp()
	u := &User{
		ID:           models.NewID("u"),
		Email:        email,
		Name:         strings.TrimSpace(name),
		PasswordHash: passwordHash,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	_, err = db.conn.ExecContext(ctx,
		`INSERT INTO users (id, email, nome, password_hash, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
		u.ID, u.Email, u.Name, u.PasswordHash, u.CreatedAt, u.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert user: %w", err)
	}
	return u, nil
}

// GetUserByID returns the user with the given ID, or nil if not found.
func (db *ServerDB) GetUserByID(ctx context.Context, id string) (*User, error) {
	return db.getUser(ctx, `WHERE id = ?`, id)
}

// GetUserByEmail returns the user with the given email (case-insensitive), or nil if not found.
func (db *ServerDB) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	return db.getUser(ctx, `WHERE LOWER(email) = LOWER(?)`, strings.TrimSpace(email))
}

func (db *ServerDB) getUser(ctx context.Context, where string, arg any) (*User, error) {
	u := &User{}
	err := db.conn.QueryRowContext(ctx,
		`SELECT id, email, nome, password_hash, created_at, updated_at FROM users `+where, arg,
	).Scan(&u.ID, &u.Email, &u.Name, &u.PasswordHash, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	return u, nil
}

// ListUsers returns all users.
func (db *ServerDB) ListUsers(ctx context.Context) ([]*User, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT id, email, nome, password_hash, created_at, updated_at FROM users ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	var users []*User
	for rows.Next() {
		u := &User{}
		if err := rows.Scan(&u.ID, &u.Email, &u.Name, &u.PasswordHash, &u.CreatedAt, &u.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// CountUsers returns the number of registered users.
func (db *ServerDB) CountUsers(ctx context.Context) (int, error) {
	var n int
	if err := db.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM users`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count users: %w", err)
	}
	return n, nil
}

// SetPasswordHash replaces a user's password hash.
func (db *ServerDB) SetPasswordHash(ctx context.Context, userID, passwordHash string) error {
	res, err := db.conn.ExecContext(ctx,
		`UPDATE users SET password_hash = ?, updated_at = ? WHERE id = ?`,
		passwordHash, db.stamp(), userID,
	)
	if err != nil {
		return fmt.Errorf("update password: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("user %s not found", userID)
	}
	return nil
}

// EnsureSeedUser creates the given user only when no user exists yet.
// It reports whether a user was created.
func (db *ServerDB) EnsureSeedUser(ctx context.Context, email, name, passwordHash string) (bool, error) {
	n, err := db.CountUsers(ctx)
	if err != nil {
		return false, err
	}
	if n > 0 {
		return false, nil
	}
	if _, err := db.CreateUser(ctx, email, name, passwordHash); err != nil {
		return false, err
	}
	return true, nil
}
