package storage

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	sqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store wraps a SQLite database with methods for users, generations, and the
// idempotency ledger.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite database in dataDir and runs pending migrations.
// Pass ":memory:" as dataDir for an in-memory database (used by tests).
func Open(dataDir string) (*Store, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "atelier.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// Limit to single connection to avoid "database is locked" errors.
	db.SetMaxOpenConns(1)

	// Set busy timeout so concurrent access waits briefly instead of failing immediately.
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate reads embedded SQL migration files and applies any that haven't been run yet.
func (s *Store) migrate() error {
	// Ensure schema_version table exists (bootstrap).
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}

	// Sort by filename to guarantee ascending order.
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		version, err := parseMigrationVersion(entry.Name())
		if err != nil {
			return err
		}

		// Check if already applied.
		var exists int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}

		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}

		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}

	return nil
}

func parseMigrationVersion(filename string) (int, error) {
	var version int
	if _, err := fmt.Sscanf(filename, "%d_", &version); err != nil {
		return 0, fmt.Errorf("parsing migration version from %q: %w", filename, err)
	}
	return version, nil
}

// AppliedMigrations returns the list of applied migration versions in ascending order.
func (s *Store) AppliedMigrations() ([]int, error) {
	rows, err := s.db.Query("SELECT version FROM schema_version ORDER BY version ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

// isUniqueConstraint reports whether err is a SQLite unique or primary key
// constraint violation.
func isUniqueConstraint(err error) bool {
	var se *sqlite.Error
	if errors.As(err, &se) {
		switch se.Code() {
		case sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3.SQLITE_CONSTRAINT_UNIQUE:
			return true
		}
	}
	return false
}

// --- Users ---

func (s *Store) CreateUser(email, passwordHash string) (User, error) {
	createdAt := time.Now().UTC()
	res, err := s.db.Exec(`INSERT INTO users (email, password_hash, created_at) VALUES (?, ?, ?)`,
		email, passwordHash, createdAt.Format(time.RFC3339))
	if isUniqueConstraint(err) {
		return User{}, ErrEmailTaken
	}
	if err != nil {
		return User{}, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return User{}, err
	}
	return User{ID: id, Email: email, PasswordHash: passwordHash, CreatedAt: createdAt}, nil
}

func (s *Store) GetUserByEmail(email string) (User, error) {
	var u User
	var createdAt string
	err := s.db.QueryRow(`SELECT id, email, password_hash, created_at FROM users WHERE email = ?`, email).
		Scan(&u.ID, &u.Email, &u.PasswordHash, &createdAt)
	if err == sql.ErrNoRows {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, err
	}
	t, err := time.Parse(time.RFC3339, createdAt)
	if err != nil {
		return User{}, fmt.Errorf("parsing created_at: %w", err)
	}
	u.CreatedAt = t
	return u, nil
}

// --- Generations ---

// InsertGeneration appends a completed generation and returns its assigned ID.
func (s *Store) InsertGeneration(g Generation) (int64, error) {
	var imageURL any
	if g.ImageURL != "" {
		imageURL = g.ImageURL
	}
	res, err := s.db.Exec(`
		INSERT INTO generations (user_id, prompt, style, image_url, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		g.UserID, g.Prompt, g.Style, imageURL, g.Status, g.CreatedAt,
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (s *Store) GetGeneration(id int64) (Generation, error) {
	var g Generation
	var imageURL sql.NullString
	err := s.db.QueryRow(`
		SELECT id, user_id, prompt, style, image_url, status, created_at
		FROM generations WHERE id = ?`, id,
	).Scan(&g.ID, &g.UserID, &g.Prompt, &g.Style, &imageURL, &g.Status, &g.CreatedAt)
	if err == sql.ErrNoRows {
		return Generation{}, ErrNotFound
	}
	if err != nil {
		return Generation{}, err
	}
	g.ImageURL = imageURL.String
	return g, nil
}

// ListRecentGenerations returns the user's most recent generations ordered by
// ID descending. The limit is clamped to [1, 100].
func (s *Store) ListRecentGenerations(userID int64, limit int) ([]Generation, error) {
	if limit < 1 {
		limit = 1
	}
	if limit > 100 {
		limit = 100
	}
	rows, err := s.db.Query(`
		SELECT id, user_id, prompt, style, image_url, status, created_at
		FROM generations WHERE user_id = ? ORDER BY id DESC LIMIT ?`, userID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Generation
	for rows.Next() {
		var g Generation
		var imageURL sql.NullString
		if err := rows.Scan(&g.ID, &g.UserID, &g.Prompt, &g.Style, &imageURL, &g.Status, &g.CreatedAt); err != nil {
			return nil, err
		}
		g.ImageURL = imageURL.String
		results = append(results, g)
	}
	return results, rows.Err()
}

// --- Idempotency ledger ---

func (s *Store) GetIdempotency(key string) (IdempotencyRecord, error) {
	var rec IdempotencyRecord
	var userID, generationID sql.NullInt64
	var createdAt string
	err := s.db.QueryRow(`
		SELECT key, user_id, generation_id, status, created_at
		FROM idempotency_keys WHERE key = ?`, key,
	).Scan(&rec.Key, &userID, &generationID, &rec.Status, &createdAt)
	if err == sql.ErrNoRows {
		return IdempotencyRecord{}, ErrNotFound
	}
	if err != nil {
		return IdempotencyRecord{}, err
	}
	rec.UserID = userID.Int64
	rec.GenerationID = generationID.Int64
	t, err := time.Parse(time.RFC3339, createdAt)
	if err != nil {
		return IdempotencyRecord{}, fmt.Errorf("parsing created_at: %w", err)
	}
	rec.CreatedAt = t
	return rec, nil
}

// CreateIdempotency inserts an in-progress record for key. It returns
// ErrKeyExists when the key is already present; callers resolve the race by
// re-reading the winner's record instead of retrying the insert.
func (s *Store) CreateIdempotency(key string, userID int64) error {
	_, err := s.db.Exec(`
		INSERT INTO idempotency_keys (key, user_id, generation_id, status, created_at)
		VALUES (?, ?, NULL, ?, ?)`,
		key, userID, StatusInProgress, time.Now().UTC().Format(time.RFC3339),
	)
	if isUniqueConstraint(err) {
		return ErrKeyExists
	}
	return err
}

// MarkIdempotencyDone transitions the record to done and attaches the
// generation ID. Calling it twice with the same arguments is harmless. A
// failed record is never touched.
func (s *Store) MarkIdempotencyDone(key string, generationID int64) error {
	res, err := s.db.Exec(`
		UPDATE idempotency_keys SET generation_id = ?, status = ?
		WHERE key = ? AND status != ?`,
		generationID, StatusDone, key, StatusFailed,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkIdempotencyFailed transitions an in-progress record to failed.
// Best-effort: if the record is absent or already terminal, nothing changes
// and no error is reported.
func (s *Store) MarkIdempotencyFailed(key string) error {
	_, err := s.db.Exec(`
		UPDATE idempotency_keys SET status = ? WHERE key = ? AND status = ?`,
		StatusFailed, key, StatusInProgress,
	)
	return err
}

// PruneTerminalIdempotency deletes done/failed ledger records created before
// cutoff and returns the number removed. In-progress records are never pruned.
func (s *Store) PruneTerminalIdempotency(cutoff time.Time) (int64, error) {
	res, err := s.db.Exec(`
		DELETE FROM idempotency_keys
		WHERE status IN (?, ?) AND created_at < ?`,
		StatusDone, StatusFailed, cutoff.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// CountGenerations returns the total number of generation rows.
func (s *Store) CountGenerations() (int64, error) {
	var n int64
	err := s.db.QueryRow("SELECT COUNT(*) FROM generations").Scan(&n)
	return n, err
}
