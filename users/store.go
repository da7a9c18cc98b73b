package users

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/user/nutrisync-go/apperror"
)

// Store persists User records. Lookups return an apperror NotFoundError when
// nothing matches; writes that break a uniqueness rule return a
// ValidationError naming the field.
type Store interface {
	Create(ctx context.Context, u *User) (*User, error)
	FindByID(ctx context.Context, id uuid.UUID) (*User, error)
	FindByEmail(ctx context.Context, email string) (*User, error)
	FindByUsername(ctx context.Context, username string) (*User, error)
	FindByToken(ctx context.Context, token string) (*User, error)
	FindByAuthMethod(ctx context.Context, provider, providerID string) (*User, error)
	Update(ctx context.Context, id uuid.UUID, fields UpdateFields) (*User, error)
	// ConsumeVerificationToken marks the owner of token verified and clears
	// the token in one statement, so a token can succeed at most once.
	ConsumeVerificationToken(ctx context.Context, token string) (*User, error)
	// LinkAuthMethod attaches a provider identity whose email the provider has
	// verified. The account becomes verified in the same write; if it was not
	// verified before, its password and pending token are discarded, since
	// nobody ever proved they owned the address.
	LinkAuthMethod(ctx context.Context, id uuid.UUID, m AuthMethod) (*User, error)
}

// UpdateFields is a partial update: nil fields are left untouched.
// PasswordHash must come from HashPassword.
type UpdateFields struct {
	DisplayName  *string
	Bio          *string
	ProfileImage *string
	PasswordHash *string
}

// Empty reports whether the update changes nothing.
func (f UpdateFields) Empty() bool {
	return f.DisplayName == nil && f.Bio == nil && f.ProfileImage == nil && f.PasswordHash == nil
}

// NormalizeAndValidate applies the same trimming and rules Create uses, but
// only to the fields being changed.
func (f *UpdateFields) NormalizeAndValidate() error {
	errs := map[string]string{}
	if f.DisplayName != nil {
		v := strings.TrimSpace(*f.DisplayName)
		f.DisplayName = &v
		if err := validate.Var(v, "required,max=50"); err != nil {
			errs["displayName"] = messageFor("displayName", err)
		}
	}
	if f.Bio != nil {
		v := strings.TrimSpace(*f.Bio)
		f.Bio = &v
		if err := validate.Var(v, "max=160"); err != nil {
			errs["bio"] = messageFor("bio", err)
		}
	}
	if f.ProfileImage != nil {
		v := strings.TrimSpace(*f.ProfileImage)
		f.ProfileImage = &v
		if err := validate.Var(v, "omitempty,url"); err != nil {
			errs["profileImage"] = messageFor("profileImage", err)
		}
	}
	if len(errs) > 0 {
		return apperror.NewFieldValidationError("User validation failed", errs)
	}
	return nil
}

// poolIface is the subset of pgxpool.Pool the store uses. It lets tests swap
// in pgxmock.
type poolIface interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore implements Store using PostgreSQL.
type PostgresStore struct {
	pool poolIface
}

// NewPostgresStore creates a new PostgreSQL credential store.
func NewPostgresStore(pool poolIface) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// userColumns is the column list every query returns, in scanUser order.
const userColumns = `id, username, display_name, email, password, verification_token, is_verified,
	profile_image, bio, auth_methods, created_at, updated_at`

// Create normalizes and validates u, then inserts it. The returned user
// carries the database timestamps.
func (s *PostgresStore) Create(ctx context.Context, u *User) (*User, error) {
	u.Normalize()
	if err := Validate(u); err != nil {
		return nil, err
	}
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	if u.AuthMethods == nil {
		u.AuthMethods = []AuthMethod{}
	}
	methods, err := json.Marshal(u.AuthMethods)
	if err != nil {
		return nil, apperror.NewInternalError("failed to encode auth methods", err)
	}

	query := `INSERT INTO users (id, username, display_name, email, password, verification_token,
		is_verified, profile_image, bio, auth_methods)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING created_at, updated_at`
	err = s.pool.QueryRow(ctx, query,
		u.ID, u.Username, u.DisplayName, u.Email, nullIfEmpty(u.PasswordHash), u.VerificationToken,
		u.IsVerified, u.ProfileImage, u.Bio, string(methods),
	).Scan(&u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return nil, mapWriteError("failed to create user", err)
	}
	return u, nil
}

// FindByID retrieves a user by primary key.
func (s *PostgresStore) FindByID(ctx context.Context, id uuid.UUID) (*User, error) {
	return s.findOne(ctx, "user not found", `SELECT `+userColumns+` FROM users WHERE id = $1`, id)
}

// FindByEmail retrieves a user by email address, in canonical form.
func (s *PostgresStore) FindByEmail(ctx context.Context, email string) (*User, error) {
	return s.findOne(ctx, "user not found", `SELECT `+userColumns+` FROM users WHERE email = $1`, CanonicalEmail(email))
}

// FindByUsername retrieves a user by username, in canonical form.
func (s *PostgresStore) FindByUsername(ctx context.Context, username string) (*User, error) {
	return s.findOne(ctx, "user not found", `SELECT `+userColumns+` FROM users WHERE username = $1`, CanonicalUsername(username))
}

// FindByToken retrieves the user holding an outstanding verification token.
func (s *PostgresStore) FindByToken(ctx context.Context, token string) (*User, error) {
	if token == "" {
		return nil, apperror.NewNotFoundError("verification token not found", nil)
	}
	return s.findOne(ctx, "verification token not found", `SELECT `+userColumns+` FROM users WHERE verification_token = $1`, token)
}

// FindByAuthMethod retrieves the user linked to a provider identity.
// The JSONB containment check is served by the GIN index on auth_methods.
func (s *PostgresStore) FindByAuthMethod(ctx context.Context, provider, providerID string) (*User, error) {
	needle, err := json.Marshal([]map[string]string{{"provider": provider, "providerId": providerID}})
	if err != nil {
		return nil, apperror.NewInternalError("failed to encode auth method filter", err)
	}
	return s.findOne(ctx, "user not found", `SELECT `+userColumns+` FROM users WHERE auth_methods @> $1::jsonb`, string(needle))
}

// Update applies a partial update and returns the updated user.
func (s *PostgresStore) Update(ctx context.Context, id uuid.UUID, fields UpdateFields) (*User, error) {
	if err := fields.NormalizeAndValidate(); err != nil {
		return nil, err
	}
	if fields.Empty() {
		return s.FindByID(ctx, id)
	}

	// Construct the UPDATE query dynamically based on provided fields.
	var setClauses []string
	var args []interface{}
	argID := 1
	add := func(column string, value interface{}) {
		setClauses = append(setClauses, fmt.Sprintf("%s = $%d", column, argID))
		args = append(args, value)
		argID++
	}

	if fields.DisplayName != nil {
		add("display_name", *fields.DisplayName)
	}
	if fields.Bio != nil {
		add("bio", nullIfEmpty(*fields.Bio))
	}
	if fields.ProfileImage != nil {
		add("profile_image", nullIfEmpty(*fields.ProfileImage))
	}
	if fields.PasswordHash != nil {
		add("password", *fields.PasswordHash)
	}
	setClauses = append(setClauses, "updated_at = now()")
	args = append(args, id)

	query := fmt.Sprintf(`UPDATE users SET %s WHERE id = $%d RETURNING %s`,
		strings.Join(setClauses, ", "), argID, userColumns)

	u, err := scanUser(s.pool.QueryRow(ctx, query, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperror.NewNotFoundError("user not found", nil)
		}
		return nil, mapWriteError("failed to update user", err)
	}
	return u, nil
}

// ConsumeVerificationToken verifies the owner of token and clears the token.
func (s *PostgresStore) ConsumeVerificationToken(ctx context.Context, token string) (*User, error) {
	if token == "" {
		return nil, apperror.NewNotFoundError("verification token not found", nil)
	}
	query := `UPDATE users
		SET is_verified = TRUE, verification_token = NULL, updated_at = now()
		WHERE verification_token = $1
		RETURNING ` + userColumns
	return s.findOne(ctx, "verification token not found", query, token)
}

// LinkAuthMethod appends m to the user's auth methods and verifies the account.
func (s *PostgresStore) LinkAuthMethod(ctx context.Context, id uuid.UUID, m AuthMethod) (*User, error) {
	encoded, err := json.Marshal([]AuthMethod{m})
	if err != nil {
		return nil, apperror.NewInternalError("failed to encode auth method", err)
	}
	// Every right-hand side sees the row as it was before the UPDATE, so the
	// CASE expressions test the old is_verified value.
	query := `UPDATE users
		SET auth_methods = auth_methods || $2::jsonb,
			password = CASE WHEN is_verified THEN password ELSE NULL END,
			verification_token = CASE WHEN is_verified THEN verification_token ELSE NULL END,
			is_verified = TRUE,
			updated_at = now()
		WHERE id = $1
		RETURNING ` + userColumns
	return s.findOne(ctx, "user not found", query, id, string(encoded))
}

// findOne runs a single-row query and maps "no rows" to a NotFoundError.
func (s *PostgresStore) findOne(ctx context.Context, notFound, query string, args ...any) (*User, error) {
	u, err := scanUser(s.pool.QueryRow(ctx, query, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperror.NewNotFoundError(notFound, nil)
		}
		return nil, apperror.NewDatabaseError("failed to load user", err)
	}
	return u, nil
}

func scanUser(row pgx.Row) (*User, error) {
	var (
		u        User
		password *string
		methods  []byte
	)
	err := row.Scan(
		&u.ID,
		&u.Username,
		&u.DisplayName,
		&u.Email,
		&password,
		&u.VerificationToken,
		&u.IsVerified,
		&u.ProfileImage,
		&u.Bio,
		&methods,
		&u.CreatedAt,
		&u.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if password != nil {
		u.PasswordHash = *password
	}
	u.AuthMethods = []AuthMethod{}
	if len(methods) > 0 {
		if err := json.Unmarshal(methods, &u.AuthMethods); err != nil {
			return nil, fmt.Errorf("decode auth_methods: %w", err)
		}
	}
	return &u, nil
}

// mapWriteError turns unique violations into field-level validation errors.
// Everything else is a database error.
func mapWriteError(message string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
		switch {
		case strings.Contains(pgErr.ConstraintName, "username"):
			return apperror.NewFieldValidationError("User validation failed", map[string]string{
				"username": "Username is already taken",
			})
		case strings.Contains(pgErr.ConstraintName, "email"):
			return apperror.NewFieldValidationError("User validation failed", map[string]string{
				"email": "Email address is already registered",
			})
		default:
			return apperror.NewValidationError("User validation failed", err)
		}
	}
	return apperror.NewDatabaseError(message, err)
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
