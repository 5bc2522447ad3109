package user

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"realtime-chat/internal/apperr"
)

const uniqueViolation = "23505"

type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) CreateUser(ctx context.Context, user *User) (*User, error) {
	var id int
	query := "INSERT INTO users (username, password) VALUES ($1, $2) RETURNING id"

	err := r.db.QueryRowContext(ctx, query, user.Username, user.Password).Scan(&id)
	if err != nil {
		return nil, createUserError(err)
	}

	user.ID = id
	user.Status = StatusOffline
	return user, nil
}

func createUserError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return apperr.Validation("username already taken")
	}
	return apperr.Persistence(err, "create user")
}

func (r *Repository) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	u := &User{}
	query := "SELECT id, username, password, status, last_seen FROM users WHERE username = $1"

	var lastSeen sql.NullTime
	err := r.db.QueryRowContext(ctx, query, username).Scan(&u.ID, &u.Username, &u.Password, &u.Status, &lastSeen)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.NotFound("user not found")
		}
		return nil, apperr.Persistence(err, "get user")
	}
	if lastSeen.Valid {
		u.LastSeen = &lastSeen.Time
	}

	return u, nil
}

// SearchUsers matches usernames case-insensitively, leaving out the caller.
func (r *Repository) SearchUsers(ctx context.Context, query string, excludeID int) ([]User, error) {
	// We limit to 10 to keep it fast
	q := `SELECT id, username, status, last_seen FROM users WHERE username ILIKE $1 AND id <> $2 ORDER BY username LIMIT 10`
	rows, err := r.db.QueryContext(ctx, q, "%"+query+"%", excludeID)
	if err != nil {
		return nil, apperr.Persistence(err, "search users")
	}
	defer rows.Close()

	users := []User{}
	for rows.Next() {
		var u User
		var lastSeen sql.NullTime
		if err := rows.Scan(&u.ID, &u.Username, &u.Status, &lastSeen); err != nil {
			return nil, apperr.Persistence(err, "scan user")
		}
		if lastSeen.Valid {
			u.LastSeen = &lastSeen.Time
		}
		users = append(users, u)
	}
	return users, apperr.Persistence(rows.Err(), "search users")
}

// SetStatus writes the presence columns. lastSeen is always bumped.
func (r *Repository) SetStatus(ctx context.Context, userID int, status Status, lastSeen time.Time) error {
	res, err := r.db.ExecContext(ctx,
		"UPDATE users SET status = $2, last_seen = $3 WHERE id = $1",
		userID, status, lastSeen)
	if err != nil {
		return apperr.Persistence(err, "set user status")
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return apperr.NotFound("user %d not found", userID)
	}
	return nil
}
