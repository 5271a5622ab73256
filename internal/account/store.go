// Package account provides Hall's linked-account storage and credential
// management. It reads and writes the same SQLite database (hall.db) used
// by the OAuth linking flow, so accounts connected there are immediately
// usable by the assistant.
package account

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Resolution errors. Tool executions translate these into model-visible
// error payloads; they are never fatal for a conversation.
var (
	// ErrNoAccount means the user has no active account for the provider.
	ErrNoAccount = errors.New("no active account found")
	// ErrNotFound means an explicit account id does not exist or does not
	// belong to the requesting user. Ownership failures are deliberately
	// indistinguishable from missing accounts.
	ErrNotFound = errors.New("account not found")
)

// Account is a linked third-party account.
type Account struct {
	ID           string
	UserID       string
	Name         string
	Type         string // email, calendar, messaging — display grouping
	Provider     string // google, twilio
	AccessToken  string
	RefreshToken string
	TokenExpiry  time.Time
	Active       bool
	CreatedAt    time.Time
}

// User is an authenticated Hall user.
type User struct {
	ID    string
	Email string
	Name  string
}

// Store manages users, accounts, and sessions in SQLite.
type Store struct {
	db *sql.DB
}

// Open opens (and migrates) the account database at the given path.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open account db: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping account db: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate account db: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			email TEXT UNIQUE NOT NULL,
			name TEXT,
			password_hash TEXT,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);

		CREATE TABLE IF NOT EXISTS accounts (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			name TEXT NOT NULL,
			type TEXT NOT NULL,
			provider TEXT NOT NULL,
			access_token TEXT,
			refresh_token TEXT,
			token_expiry DATETIME,
			is_active INTEGER DEFAULT 1,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY (user_id) REFERENCES users(id)
		);

		CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			token TEXT NOT NULL,
			expires_at DATETIME,
			FOREIGN KEY (user_id) REFERENCES users(id)
		);

		CREATE INDEX IF NOT EXISTS idx_accounts_user ON accounts(user_id);
		CREATE INDEX IF NOT EXISTS idx_sessions_token ON sessions(token);
	`)
	return err
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

const accountColumns = "id, user_id, name, type, provider, access_token, refresh_token, token_expiry, is_active, created_at"

func scanAccount(row interface{ Scan(...any) error }) (*Account, error) {
	var a Account
	var expiry, created sql.NullString
	var active int
	err := row.Scan(&a.ID, &a.UserID, &a.Name, &a.Type, &a.Provider,
		&a.AccessToken, &a.RefreshToken, &expiry, &active, &created)
	if err != nil {
		return nil, err
	}
	a.Active = active != 0
	a.TokenExpiry = parseTime(expiry.String)
	a.CreatedAt = parseTime(created.String)
	return &a, nil
}

func parseTime(s string) time.Time {
	for _, layout := range []string{time.RFC3339, "2006-01-02 15:04:05", time.DateOnly} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}

// CreateUser inserts a user, generating an id when empty.
func (s *Store) CreateUser(u User) (string, error) {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	_, err := s.db.Exec(`INSERT INTO users (id, email, name) VALUES (?, ?, ?)`, u.ID, u.Email, u.Name)
	if err != nil {
		return "", fmt.Errorf("create user: %w", err)
	}
	return u.ID, nil
}

// CreateAccount inserts a linked account, generating an id when empty.
func (s *Store) CreateAccount(a Account) (string, error) {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	active := 0
	if a.Active {
		active = 1
	}
	_, err := s.db.Exec(`
		INSERT INTO accounts (id, user_id, name, type, provider, access_token, refresh_token, token_expiry, is_active)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.UserID, a.Name, a.Type, a.Provider,
		a.AccessToken, a.RefreshToken, a.TokenExpiry.UTC().Format(time.RFC3339), active)
	if err != nil {
		return "", fmt.Errorf("create account: %w", err)
	}
	return a.ID, nil
}

// ByID returns the account with the given id, regardless of owner.
func (s *Store) ByID(id string) (*Account, error) {
	row := s.db.QueryRow(`SELECT `+accountColumns+` FROM accounts WHERE id = ?`, id)
	a, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("account by id: %w", err)
	}
	return a, nil
}

// ActiveForUser returns all active accounts for a user, oldest first.
func (s *Store) ActiveForUser(userID string) ([]Account, error) {
	rows, err := s.db.Query(`
		SELECT `+accountColumns+` FROM accounts
		WHERE user_id = ? AND is_active = 1
		ORDER BY created_at, id`, userID)
	if err != nil {
		return nil, fmt.Errorf("active accounts: %w", err)
	}
	defer rows.Close()

	var out []Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("scan account: %w", err)
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

// Resolve selects exactly one account for a tool execution, or fails.
//
// When explicitID is set it must exist AND belong to userID — an
// ownership mismatch is a hard ErrNotFound, never a silent fallback to
// the default account. Otherwise the first active account for the
// user matching the provider is chosen (oldest first, deterministic).
func (s *Store) Resolve(userID, explicitID, provider string) (*Account, error) {
	if explicitID != "" {
		a, err := s.ByID(explicitID)
		if err != nil {
			return nil, err
		}
		if a.UserID != userID {
			return nil, ErrNotFound
		}
		return a, nil
	}

	row := s.db.QueryRow(`
		SELECT `+accountColumns+` FROM accounts
		WHERE user_id = ? AND provider = ? AND is_active = 1
		ORDER BY created_at, id LIMIT 1`, userID, provider)
	a, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoAccount
	}
	if err != nil {
		return nil, fmt.Errorf("resolve account: %w", err)
	}
	return a, nil
}

// UpdateToken persists a rotated access token and its expiry.
func (s *Store) UpdateToken(accountID, accessToken string, expiry time.Time) error {
	_, err := s.db.Exec(`UPDATE accounts SET access_token = ?, token_expiry = ? WHERE id = ?`,
		accessToken, expiry.UTC().Format(time.RFC3339), accountID)
	if err != nil {
		return fmt.Errorf("update token: %w", err)
	}
	return nil
}

// Expiring returns active accounts whose tokens expire within the window.
// Accounts with no refresh token are skipped — nothing can be done for them.
func (s *Store) Expiring(within time.Duration) ([]Account, error) {
	cutoff := time.Now().Add(within).UTC().Format(time.RFC3339)
	rows, err := s.db.Query(`
		SELECT `+accountColumns+` FROM accounts
		WHERE is_active = 1 AND refresh_token != '' AND token_expiry <= ?
		ORDER BY token_expiry`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("expiring accounts: %w", err)
	}
	defer rows.Close()

	var out []Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("scan account: %w", err)
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

// --- Sessions ---

// CreateSession records a bearer session token for a user.
func (s *Store) CreateSession(ctx context.Context, userID, token string, expires time.Time) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO sessions (id, user_id, token, expires_at) VALUES (?, ?, ?, ?)`,
		uuid.NewString(), userID, token, expires.UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

// UserForSession resolves a bearer token to its user, rejecting expired
// sessions.
func (s *Store) UserForSession(ctx context.Context, token string) (*User, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT u.id, u.email, u.name
		FROM sessions s JOIN users u ON u.id = s.user_id
		WHERE s.token = ? AND s.expires_at > ?`,
		token, time.Now().UTC().Format(time.RFC3339))

	var u User
	var name sql.NullString
	err := row.Scan(&u.ID, &u.Email, &name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("invalid or expired session")
	}
	if err != nil {
		return nil, fmt.Errorf("session lookup: %w", err)
	}
	u.Name = name.String
	return &u, nil
}

// Stats logs basic store counts at startup.
func (s *Store) Stats() (users, accounts int) {
	s.db.QueryRow(`SELECT COUNT(*) FROM users`).Scan(&users)
	s.db.QueryRow(`SELECT COUNT(*) FROM accounts`).Scan(&accounts)
	return users, accounts
}

// LogStats writes store counts to the default logger.
func (s *Store) LogStats() {
	users, accounts := s.Stats()
	slog.Info("account store opened", "users", users, "accounts", accounts)
}
