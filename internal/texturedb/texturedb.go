package texturedb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite3 driver

	"texture-cache/internal/logging"
	"texture-cache/internal/metrics"
)

// Default timeout for database operations
const defaultTimeout = 5 * time.Second

// Entry is one cached-texture metadata row.
type Entry struct {
	// ID is the numeric row identity, -1 until persisted.
	ID int64
	// Key is the stable cache key derived from the canonical locator.
	Key string
	// URL is the canonical underlying-image locator the derivative was
	// produced from.
	URL string
	// DerivativeFile is the relative filename of the stored derivative,
	// extension included.
	DerivativeFile string
	// Fingerprint captures the source mutability state; empty means the
	// source is exempt from freshness checks.
	Fingerprint string
	// Width and Height are the dimensions actually stored.
	Width  int
	Height int
	// Updateable marks entries that must be periodically re-checked
	// against the live source.
	Updateable bool
	// UseCount and LastUsed drive the unused-texture cleanup sweep.
	UseCount int
	LastUsed time.Time
}

// NewEntry returns an Entry with an unpersisted identity.
func NewEntry(key string) *Entry {
	return &Entry{ID: -1, Key: key}
}

// Usage is one buffered access waiting to be flushed.
type Usage struct {
	ID   int64
	When time.Time
}

// Store persists texture cache metadata in SQLite. All operations are
// serialized under one coarse lock shared with handle lifecycle; after
// Close (or if opening failed) every operation degrades to a cache miss
// instead of an error the caller has to handle.
type Store struct {
	mu     sync.Mutex
	db     *sql.DB
	dbPath string
	closed bool
}

// Open opens (creating if needed) the texture database at dbPath. The
// parent directory must already exist and be writable.
func Open(ctx context.Context, dbPath string) (*Store, error) {
	logging.Info("Texture database path: %s", dbPath)

	// busy_timeout helps prevent "database is locked" errors
	connStr := fmt.Sprintf("%s?_journal_mode=WAL&_synchronous=NORMAL&_cache_size=10000&_temp_store=MEMORY&_busy_timeout=5000", dbPath)

	db, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open texture database: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	if err := db.PingContext(pingCtx); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			logging.Error("failed to close texture database after ping failure: %v", closeErr)
		}
		return nil, fmt.Errorf("failed to connect to texture database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	s := &Store{db: db, dbPath: dbPath}

	if err := s.initialize(ctx); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			logging.Error("failed to close texture database after init failure: %v", closeErr)
		}
		return nil, fmt.Errorf("failed to initialize texture schema: %w", err)
	}

	logging.Info("Texture database initialized at %s", dbPath)
	return s, nil
}

func (s *Store) initialize(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS texture (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		key TEXT NOT NULL UNIQUE,
		url TEXT NOT NULL,
		cachedurl TEXT NOT NULL,
		imagehash TEXT NOT NULL DEFAULT '',
		width INTEGER NOT NULL DEFAULT 0,
		height INTEGER NOT NULL DEFAULT 0,
		updateable INTEGER NOT NULL DEFAULT 0,
		usecount INTEGER NOT NULL DEFAULT 0,
		lastused INTEGER NOT NULL DEFAULT (strftime('%s', 'now'))
	);

	CREATE INDEX IF NOT EXISTS idx_texture_url ON texture(url);
	CREATE INDEX IF NOT EXISTS idx_texture_lastused ON texture(lastused);
	`

	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// Close closes the database handle. Operations issued afterwards behave
// as cache misses.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// Lookup returns the entry for key, or nil when absent. A closed store
// is indistinguishable from a miss.
func (s *Store) Lookup(ctx context.Context, key string) *Entry {
	start := time.Now()
	var err error
	defer func() { recordQuery("lookup", start, err) }()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	query := `
	SELECT id, key, url, cachedurl, imagehash, width, height, updateable, usecount, lastused
	FROM texture WHERE key = ?
	`

	var e Entry
	var updateable int
	var lastUsed int64

	err = s.db.QueryRowContext(ctx, query, key).Scan(
		&e.ID, &e.Key, &e.URL, &e.DerivativeFile, &e.Fingerprint,
		&e.Width, &e.Height, &updateable, &e.UseCount, &lastUsed,
	)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			logging.Warn("texture lookup for %s failed: %v", key, err)
		}
		return nil
	}

	e.Updateable = updateable != 0
	e.LastUsed = time.Unix(lastUsed, 0)
	return &e
}

// Upsert inserts the entry if its key is absent, else updates the
// existing row. On success e.ID carries the persisted identity.
func (s *Store) Upsert(ctx context.Context, e *Entry) bool {
	start := time.Now()
	var err error
	defer func() { recordQuery("upsert", start, err) }()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}

	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	query := `
	INSERT INTO texture (key, url, cachedurl, imagehash, width, height, updateable, lastused)
	VALUES (?, ?, ?, ?, ?, ?, ?, strftime('%s', 'now'))
	ON CONFLICT(key) DO UPDATE SET
		url = excluded.url,
		cachedurl = excluded.cachedurl,
		imagehash = excluded.imagehash,
		width = excluded.width,
		height = excluded.height,
		updateable = excluded.updateable,
		lastused = strftime('%s', 'now')
	`

	updateable := 0
	if e.Updateable {
		updateable = 1
	}

	_, err = s.db.ExecContext(ctx, query,
		e.Key, e.URL, e.DerivativeFile, e.Fingerprint, e.Width, e.Height, updateable)
	if err != nil {
		logging.Warn("texture upsert for %s failed: %v", e.Key, err)
		return false
	}

	// The conflict path keeps the original rowid, so read it back
	// rather than trusting LastInsertId.
	var id int64
	if scanErr := s.db.QueryRowContext(ctx, "SELECT id FROM texture WHERE key = ?", e.Key).Scan(&id); scanErr == nil {
		e.ID = id
	}
	return true
}

// MarkValid refreshes an entry after a freshness check confirmed the
// source is unchanged, without rewriting the derivative.
func (s *Store) MarkValid(ctx context.Context, key string, updateable bool) bool {
	start := time.Now()
	var err error
	defer func() { recordQuery("mark_valid", start, err) }()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}

	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	flag := 0
	if updateable {
		flag = 1
	}
	_, err = s.db.ExecContext(ctx,
		"UPDATE texture SET updateable = ?, lastused = strftime('%s', 'now') WHERE key = ?",
		flag, key)
	if err != nil {
		logging.Warn("texture mark-valid for %s failed: %v", key, err)
		return false
	}
	return true
}

// DeleteByKey removes the row for key and returns the derivative file
// the caller must remove from disk. Empty when nothing was cached.
func (s *Store) DeleteByKey(ctx context.Context, key string) string {
	file, _ := s.deleteWhere(ctx, "delete_by_key", "key = ?", key)
	return file
}

// DeleteByID removes the row with the numeric identity and returns the
// derivative file the caller must remove from disk, plus the source
// locator the row pointed at.
func (s *Store) DeleteByID(ctx context.Context, id int64) (file, url string) {
	return s.deleteWhere(ctx, "delete_by_id", "id = ?", id)
}

func (s *Store) deleteWhere(ctx context.Context, op, cond string, arg interface{}) (file, url string) {
	start := time.Now()
	var err error
	defer func() { recordQuery(op, start, err) }()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", ""
	}

	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	err = s.db.QueryRowContext(ctx, "SELECT cachedurl, url FROM texture WHERE "+cond, arg).Scan(&file, &url)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			logging.Warn("texture %s select failed: %v", op, err)
		}
		return "", ""
	}

	if _, err = s.db.ExecContext(ctx, "DELETE FROM texture WHERE "+cond, arg); err != nil {
		logging.Warn("texture %s failed: %v", op, err)
		return "", ""
	}
	return file, url
}

// FlushUsage applies a batch of buffered accesses transactionally:
// usecount increments plus last-used timestamps.
func (s *Store) FlushUsage(ctx context.Context, batch []Usage) bool {
	if len(batch) == 0 {
		return true
	}

	start := time.Now()
	var err error
	defer func() { recordQuery("flush_usage", start, err) }()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}

	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	var tx *sql.Tx
	tx, err = s.db.BeginTx(ctx, nil)
	if err != nil {
		logging.Warn("usage flush begin failed: %v", err)
		return false
	}

	for _, u := range batch {
		if _, err = tx.ExecContext(ctx,
			"UPDATE texture SET usecount = usecount + 1, lastused = ? WHERE id = ?",
			u.When.Unix(), u.ID); err != nil {
			break
		}
	}

	if err != nil {
		metrics.DBTransactionDuration.WithLabelValues("rollback").Observe(time.Since(start).Seconds())
		if rbErr := tx.Rollback(); rbErr != nil {
			logging.Error("usage flush rollback failed: %v", rbErr)
		}
		logging.Warn("usage flush failed: %v", err)
		return false
	}

	metrics.DBTransactionDuration.WithLabelValues("commit").Observe(time.Since(start).Seconds())
	if err = tx.Commit(); err != nil {
		logging.Warn("usage flush commit failed: %v", err)
		return false
	}
	return true
}

// UnusedSince returns entries whose last use is older than cutoff, for
// the cleanup sweep. Limited to limit rows per call.
func (s *Store) UnusedSince(ctx context.Context, cutoff time.Time, limit int) []Entry {
	start := time.Now()
	var err error
	defer func() { recordQuery("unused_since", start, err) }()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	var rows *sql.Rows
	rows, err = s.db.QueryContext(ctx,
		"SELECT id, key, cachedurl FROM texture WHERE lastused < ? ORDER BY lastused LIMIT ?",
		cutoff.Unix(), limit)
	if err != nil {
		logging.Warn("unused-texture query failed: %v", err)
		return nil
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			logging.Warn("unused-texture rows close failed: %v", closeErr)
		}
	}()

	var out []Entry
	for rows.Next() {
		var e Entry
		if scanErr := rows.Scan(&e.ID, &e.Key, &e.DerivativeFile); scanErr != nil {
			err = scanErr
			return nil
		}
		out = append(out, e)
	}
	if err = rows.Err(); err != nil {
		return nil
	}
	return out
}

// Count returns the number of cached entries, for the stats endpoint.
func (s *Store) Count(ctx context.Context) int64 {
	start := time.Now()
	var err error
	defer func() { recordQuery("count", start, err) }()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0
	}

	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	var n int64
	if err = s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM texture").Scan(&n); err != nil {
		return 0
	}
	return n
}

// SiblingFiles returns the on-disk names to remove for a derivative:
// the file itself plus the pre-converted alternate-extension variant
// some converters leave behind.
func SiblingFiles(derivativeFile string) []string {
	if derivativeFile == "" {
		return nil
	}
	files := []string{derivativeFile}
	if ext := extOf(derivativeFile); ext != "" {
		files = append(files, strings.TrimSuffix(derivativeFile, ext)+".dds")
	}
	return files
}

func extOf(file string) string {
	if idx := strings.LastIndex(file, "."); idx >= 0 {
		return file[idx:]
	}
	return ""
}

// recordQuery records texture database query metrics
func recordQuery(operation string, start time.Time, err error) {
	duration := time.Since(start).Seconds()
	status := "success"
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		status = "error"
	}
	metrics.DBQueryTotal.WithLabelValues(operation, status).Inc()
	metrics.DBQueryDuration.WithLabelValues(operation).Observe(duration)
}
