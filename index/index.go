// Package index maintains the relational object index: one row per cached
// ref, mapping it to a storage key plus probed metadata and access times.
package index

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	_ "modernc.org/sqlite"
)

const (
	busyTimeoutMS   = 5000
	maxOpenConns    = 1
	maxIdleConns    = 1
	connMaxLifetime = 5 * time.Minute

	// timeFormat is a fixed-width RFC 3339 layout. Timestamps are compared
	// as TEXT in SQL, so the fractional part must not be trimmed: with
	// time.RFC3339Nano "10:00:00.5Z" would sort after "10:00:00.51Z".
	timeFormat = "2006-01-02T15:04:05.000000000Z07:00"
)

// formatTime renders t for storage. Always UTC so the offset suffix is a
// constant "Z" and lexicographic order matches chronological order.
func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

var (
	// ErrNotFound is returned when no row exists for a ref.
	ErrNotFound = errors.New("index: object not found")

	// ErrConflict is returned by Insert when a row for the ref already exists.
	ErrConflict = errors.New("index: object already indexed")
)

// Record is one indexed object.
type Record struct {
	Ref            string
	StorageKey     string
	ByteSize       int64
	MIMEType       string
	Width          *int
	Height         *int
	CreatedAt      time.Time
	LastAccessedAt time.Time
}

// Stats summarises the index contents.
type Stats struct {
	Objects      int64     `json:"objects"`
	TotalBytes   int64     `json:"total_bytes"`
	OldestAccess time.Time `json:"oldest_access,omitzero"`
	NewestAccess time.Time `json:"newest_access,omitzero"`
}

// Index wraps the SQLite database holding object rows.
type Index struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time
}

// Option configures an Index.
type Option func(*Index)

// WithLogger sets the logger for the index.
func WithLogger(logger *slog.Logger) Option {
	return func(ix *Index) {
		ix.logger = logger
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) Option {
	return func(ix *Index) {
		ix.now = now
	}
}

// Open opens the SQLite database at path and applies pending migrations.
func Open(path string, opts ...Option) (*Index, error) {
	dsn, err := sqliteDSN(path)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open index db: %w", err)
	}

	if err := configureDB(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := runMigrations(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	ix := &Index{
		db:     db,
		logger: slog.Default().With("component", "index"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(ix)
	}

	return ix, nil
}

// Close closes the underlying database connection.
func (ix *Index) Close() error {
	if ix == nil || ix.db == nil {
		return nil
	}
	return ix.db.Close()
}

// DB exposes the underlying handle for migration tooling.
func (ix *Index) DB() *sql.DB {
	return ix.db
}

const recordColumns = "ref, storage_key, byte_size, mime_type, width, height, created_at, last_accessed_at"

// Lookup returns the record for ref, or ErrNotFound.
func (ix *Index) Lookup(ctx context.Context, ref string) (*Record, error) {
	row := ix.db.QueryRowContext(ctx,
		"SELECT "+recordColumns+" FROM objects WHERE ref = ?", ref)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lookup %q: %w", ref, err)
	}
	return rec, nil
}

// Insert adds a row for a newly stored object. CreatedAt and LastAccessedAt
// are set from the index clock when zero. Returns ErrConflict if a row for
// the ref already exists; the existing row is left untouched.
func (ix *Index) Insert(ctx context.Context, rec *Record) error {
	created := rec.CreatedAt
	if created.IsZero() {
		created = ix.now().UTC()
	}
	accessed := rec.LastAccessedAt
	if accessed.IsZero() {
		accessed = created
	}

	res, err := ix.db.ExecContext(ctx, `
INSERT INTO objects (ref, storage_key, byte_size, mime_type, width, height, created_at, last_accessed_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(ref) DO NOTHING`,
		rec.Ref, rec.StorageKey, rec.ByteSize, rec.MIMEType, rec.Width, rec.Height,
		formatTime(created), formatTime(accessed))
	if err != nil {
		return fmt.Errorf("insert %q: %w", rec.Ref, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("insert %q: %w", rec.Ref, err)
	}
	if n == 0 {
		return ErrConflict
	}

	rec.CreatedAt = created
	rec.LastAccessedAt = accessed
	return nil
}

// Update rewrites the stored metadata for an existing row after its blob has
// been replaced. created_at is preserved; last_accessed_at moves to now.
// Returns ErrNotFound if no row exists for the ref.
func (ix *Index) Update(ctx context.Context, rec *Record) error {
	accessed := ix.now().UTC()
	res, err := ix.db.ExecContext(ctx, `
UPDATE objects SET storage_key = ?, byte_size = ?, mime_type = ?, width = ?, height = ?, last_accessed_at = ?
WHERE ref = ?`,
		rec.StorageKey, rec.ByteSize, rec.MIMEType, rec.Width, rec.Height,
		formatTime(accessed), rec.Ref)
	if err != nil {
		return fmt.Errorf("update %q: %w", rec.Ref, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update %q: %w", rec.Ref, err)
	}
	if n == 0 {
		return ErrNotFound
	}

	rec.LastAccessedAt = accessed
	return nil
}

// Touch advances last_accessed_at for ref. Touching an absent ref is not an
// error; the caller treats access-time updates as best effort.
func (ix *Index) Touch(ctx context.Context, ref string) error {
	_, err := ix.db.ExecContext(ctx,
		"UPDATE objects SET last_accessed_at = ? WHERE ref = ?",
		formatTime(ix.now()), ref)
	if err != nil {
		return fmt.Errorf("touch %q: %w", ref, err)
	}
	return nil
}

// Delete removes the row for ref. Returns ErrNotFound if no row existed.
func (ix *Index) Delete(ctx context.Context, ref string) error {
	res, err := ix.db.ExecContext(ctx, "DELETE FROM objects WHERE ref = ?", ref)
	if err != nil {
		return fmt.Errorf("delete %q: %w", ref, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete %q: %w", ref, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// EvictionCandidates returns up to limit records ordered coldest first:
// oldest last_accessed_at, then largest byte_size.
func (ix *Index) EvictionCandidates(ctx context.Context, limit int) ([]*Record, error) {
	rows, err := ix.db.QueryContext(ctx,
		"SELECT "+recordColumns+" FROM objects ORDER BY last_accessed_at ASC, byte_size DESC LIMIT ?",
		limit)
	if err != nil {
		return nil, fmt.Errorf("eviction candidates: %w", err)
	}
	defer rows.Close()
	return collectRecords(rows)
}

// CandidatesOlderThan returns up to limit records whose last access predates
// cutoff, oldest first.
func (ix *Index) CandidatesOlderThan(ctx context.Context, cutoff time.Time, limit int) ([]*Record, error) {
	rows, err := ix.db.QueryContext(ctx,
		"SELECT "+recordColumns+" FROM objects WHERE last_accessed_at < ? ORDER BY last_accessed_at ASC LIMIT ?",
		formatTime(cutoff), limit)
	if err != nil {
		return nil, fmt.Errorf("candidates older than: %w", err)
	}
	defer rows.Close()
	return collectRecords(rows)
}

// TotalSize returns the sum of byte_size over all rows.
func (ix *Index) TotalSize(ctx context.Context) (int64, error) {
	var total int64
	err := ix.db.QueryRowContext(ctx, "SELECT COALESCE(SUM(byte_size), 0) FROM objects").Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("total size: %w", err)
	}
	return total, nil
}

// Count returns the number of rows.
func (ix *Index) Count(ctx context.Context) (int64, error) {
	var n int64
	err := ix.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM objects").Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count: %w", err)
	}
	return n, nil
}

// StorageKeys returns the set of storage keys currently referenced by rows.
// Used to reconcile the file tree against the index.
func (ix *Index) StorageKeys(ctx context.Context) (map[string]struct{}, error) {
	rows, err := ix.db.QueryContext(ctx, "SELECT storage_key FROM objects")
	if err != nil {
		return nil, fmt.Errorf("storage keys: %w", err)
	}
	defer rows.Close()

	keys := make(map[string]struct{})
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("storage keys: %w", err)
		}
		keys[key] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage keys: %w", err)
	}
	return keys, nil
}

// Stats returns summary statistics over the index.
func (ix *Index) Stats(ctx context.Context) (*Stats, error) {
	var (
		st     Stats
		oldest sql.NullString
		newest sql.NullString
	)
	err := ix.db.QueryRowContext(ctx, `
SELECT COUNT(*), COALESCE(SUM(byte_size), 0), MIN(last_accessed_at), MAX(last_accessed_at)
FROM objects`).Scan(&st.Objects, &st.TotalBytes, &oldest, &newest)
	if err != nil {
		return nil, fmt.Errorf("stats: %w", err)
	}

	if oldest.Valid {
		if st.OldestAccess, err = time.Parse(timeFormat, oldest.String); err != nil {
			return nil, fmt.Errorf("stats: %w", err)
		}
	}
	if newest.Valid {
		if st.NewestAccess, err = time.Parse(timeFormat, newest.String); err != nil {
			return nil, fmt.Errorf("stats: %w", err)
		}
	}
	return &st, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*Record, error) {
	var (
		rec      Record
		created  string
		accessed string
	)
	err := row.Scan(&rec.Ref, &rec.StorageKey, &rec.ByteSize, &rec.MIMEType,
		&rec.Width, &rec.Height, &created, &accessed)
	if err != nil {
		return nil, err
	}

	if rec.CreatedAt, err = time.Parse(timeFormat, created); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if rec.LastAccessedAt, err = time.Parse(timeFormat, accessed); err != nil {
		return nil, fmt.Errorf("parse last_accessed_at: %w", err)
	}
	return &rec, nil
}

func collectRecords(rows *sql.Rows) ([]*Record, error) {
	var recs []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return recs, nil
}

func configureDB(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL;",
		"PRAGMA synchronous = NORMAL;",
		fmt.Sprintf("PRAGMA busy_timeout = %d;", busyTimeoutMS),
	}
	for _, stmt := range pragmas {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("configure index db: %w", err)
		}
	}

	// Tune connection pool for local usage.
	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxIdleConns)
	db.SetConnMaxLifetime(connMaxLifetime)

	return nil
}

func sqliteDSN(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("index db path is required")
	}
	u := url.URL{Scheme: "file", Path: path}
	return u.String(), nil
}
