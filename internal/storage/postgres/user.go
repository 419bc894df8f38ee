package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// User is a persisted identity. A client-supplied name is accepted as
// identity; there are no credentials. Label is an optional display name
// shown in place of the raw name when set.
type User struct {
	ID    int64
	Name  string
	Label *string
}

// DisplayName returns the label when set, otherwise the raw name.
func (u User) DisplayName() string {
	if u.Label != nil && *u.Label != "" {
		return *u.Label
	}
	return u.Name
}

// ErrUserNotFound is returned when a user lookup yields no results.
var ErrUserNotFound = errors.New("user not found")

// ErrUserExists is returned when attempting to create a duplicate name.
var ErrUserExists = errors.New("user already exists")

// UserRepository provides user persistence operations.
type UserRepository struct {
	db *pgxpool.Pool
}

// NewUserRepository creates a UserRepository backed by the given pool.
//
// Precondition: db must be a valid, open connection pool.
func NewUserRepository(db *pgxpool.Pool) *UserRepository {
	return &UserRepository{db: db}
}

// Create inserts a new user with the given name.
//
// Precondition: name must be non-empty.
// Postcondition: Returns the created User with ID set, or ErrUserExists
// if the name is taken.
func (r *UserRepository) Create(ctx context.Context, name string) (User, error) {
	var u User
	err := r.db.QueryRow(ctx,
		`INSERT INTO users (name)
		 VALUES ($1)
		 RETURNING id, name, label`,
		name,
	).Scan(&u.ID, &u.Name, &u.Label)
	if err != nil {
		if isDuplicateKeyError(err) {
			return User{}, ErrUserExists
		}
		return User{}, fmt.Errorf("inserting user: %w", err)
	}
	return u, nil
}

// GetByName retrieves a user by name.
//
// Postcondition: Returns the User or ErrUserNotFound.
func (r *UserRepository) GetByName(ctx context.Context, name string) (User, error) {
	var u User
	err := r.db.QueryRow(ctx,
		`SELECT id, name, label FROM users WHERE name = $1`,
		name,
	).Scan(&u.ID, &u.Name, &u.Label)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return User{}, ErrUserNotFound
		}
		return User{}, fmt.Errorf("querying user: %w", err)
	}
	return u, nil
}

// GetByID retrieves a user by id.
//
// Postcondition: Returns the User or ErrUserNotFound.
func (r *UserRepository) GetByID(ctx context.Context, id int64) (User, error) {
	var u User
	err := r.db.QueryRow(ctx,
		`SELECT id, name, label FROM users WHERE id = $1`,
		id,
	).Scan(&u.ID, &u.Name, &u.Label)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return User{}, ErrUserNotFound
		}
		return User{}, fmt.Errorf("querying user: %w", err)
	}
	return u, nil
}

// FindOrCreate returns the user with the given name, creating it when
// absent. A create racing another connection's create of the same name
// falls back to the lookup.
func (r *UserRepository) FindOrCreate(ctx context.Context, name string) (User, error) {
	u, err := r.GetByName(ctx, name)
	if err == nil {
		return u, nil
	}
	if !errors.Is(err, ErrUserNotFound) {
		return User{}, err
	}

	u, err = r.Create(ctx, name)
	if errors.Is(err, ErrUserExists) {
		return r.GetByName(ctx, name)
	}
	return u, err
}

// List returns all users ordered by id.
func (r *UserRepository) List(ctx context.Context) ([]User, error) {
	rows, err := r.db.Query(ctx,
		`SELECT id, name, label FROM users ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("listing users: %w", err)
	}
	defer rows.Close()

	var out []User
	for rows.Next() {
		var u User
		if err := rows.Scan(&u.ID, &u.Name, &u.Label); err != nil {
			return nil, fmt.Errorf("scanning user: %w", err)
		}
		out = append(out, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating users: %w", err)
	}
	return out, nil
}

// isDuplicateKeyError checks if a pgx error is a unique constraint violation.
func isDuplicateKeyError(err error) bool {
	// pgx wraps PostgreSQL errors; check for SQLSTATE 23505 (unique_violation)
	var pgErr interface{ SQLState() string }
	if errors.As(err, &pgErr) {
		return pgErr.SQLState() == "23505"
	}
	return false
}
