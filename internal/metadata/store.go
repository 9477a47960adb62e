// Package metadata persists shared dictionary records in SQLite. One row per
// (isolation key, origin, match pattern); the disk cache key token links a row
// to its body in the disk cache.
package metadata

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/any-hub/dict-hub/internal/dictionary"
)

// Store provides SQLite-backed dictionary metadata persistence.
type Store struct {
	sqlDB *sql.DB
}

var _ dictionary.MetadataStore = (*Store)(nil)

// Open opens the metadata database at path and applies migrations.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("metadata path is required")
	}
	cleanPath := filepath.Clean(path)
	if err := os.MkdirAll(filepath.Dir(cleanPath), 0o755); err != nil {
		return nil, fmt.Errorf("create metadata dir: %w", err)
	}
	dsn := cleanPath + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// 单连接避免 SQLite 写锁竞争。
	sqlDB.SetMaxOpenConns(1)
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}

	if err := applyMigrations(context.Background(), sqlDB, migrationFS, migrationRoot); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{sqlDB: sqlDB}, nil
}

// Close releases the SQLite connection.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

func (s *Store) ready(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	return nil
}

const selectColumns = `
	id,
	url,
	match_pattern,
	res_time,
	expiration_ms,
	last_used_time,
	size,
	sha256,
	token`

// GetDictionaries lists every record stored under key.
func (s *Store) GetDictionaries(ctx context.Context, key dictionary.IsolationKey) ([]dictionary.Record, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}

	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT`+selectColumns+`
FROM dictionaries
WHERE frame_origin = ? AND top_frame_site = ?
ORDER BY id
`, key.FrameOrigin, key.TopFrameSite)
	if err != nil {
		return nil, fmt.Errorf("get dictionaries: %w", err)
	}
	defer rows.Close()

	var records []dictionary.Record
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate dictionaries: %w", err)
	}
	return records, nil
}

// RegisterDictionary inserts record, replacing the row with the same
// (isolation key, origin, match pattern).
func (s *Store) RegisterDictionary(ctx context.Context, key dictionary.IsolationKey, record dictionary.Record) (dictionary.RegisterResult, error) {
	if err := s.ready(ctx); err != nil {
		return dictionary.RegisterResult{}, err
	}
	host := record.Origin()
	if host == "" {
		return dictionary.RegisterResult{}, fmt.Errorf("dictionary url is invalid: %q", record.URL)
	}
	if record.Token == uuid.Nil {
		return dictionary.RegisterResult{}, fmt.Errorf("disk cache key token is required")
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return dictionary.RegisterResult{}, fmt.Errorf("begin register: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var result dictionary.RegisterResult
	var replaced string
	err = tx.QueryRowContext(ctx, `
SELECT token FROM dictionaries
WHERE frame_origin = ? AND top_frame_site = ? AND host = ? AND match_pattern = ?
`, key.FrameOrigin, key.TopFrameSite, host, record.Match).Scan(&replaced)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return result, fmt.Errorf("find replaced dictionary: %w", err)
	default:
		token, err := uuid.Parse(replaced)
		if err != nil {
			return result, fmt.Errorf("parse replaced token: %w", err)
		}
		result.ReplacedToken = token
		if _, err := tx.ExecContext(ctx, `DELETE FROM dictionaries WHERE token = ?`, replaced); err != nil {
			return result, fmt.Errorf("delete replaced dictionary: %w", err)
		}
	}

	var expTime int64
	if exp := record.ExpirationTime(); !exp.IsZero() {
		expTime = exp.UTC().UnixMilli()
	}
	lastUsed := record.LastUsedTime
	if lastUsed.IsZero() {
		lastUsed = record.ResponseTime
	}

	res, err := tx.ExecContext(ctx, `
INSERT INTO dictionaries (
	frame_origin,
	top_frame_site,
	host,
	match_pattern,
	url,
	res_time,
	expiration_ms,
	exp_time,
	last_used_time,
	size,
	sha256,
	token
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`,
		key.FrameOrigin,
		key.TopFrameSite,
		host,
		record.Match,
		record.URL,
		record.ResponseTime.UTC().UnixMilli(),
		record.Expiration.Milliseconds(),
		expTime,
		lastUsed.UTC().UnixMilli(),
		record.Size,
		record.Hash[:],
		record.Token.String(),
	)
	if err != nil {
		return result, fmt.Errorf("insert dictionary: %w", err)
	}
	if result.ID, err = res.LastInsertId(); err != nil {
		return result, fmt.Errorf("read dictionary id: %w", err)
	}

	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(SUM(size), 0) FROM dictionaries`).Scan(&result.TotalSize); err != nil {
		return result, fmt.Errorf("sum dictionary sizes: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return result, fmt.Errorf("commit register: %w", err)
	}
	return result, nil
}

// UpdateLastUsedTime records the last time the dictionary was handed out.
func (s *Store) UpdateLastUsedTime(ctx context.Context, id int64, lastUsed time.Time) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	if _, err := s.sqlDB.ExecContext(ctx,
		`UPDATE dictionaries SET last_used_time = ? WHERE id = ?`,
		lastUsed.UTC().UnixMilli(), id,
	); err != nil {
		return fmt.Errorf("update last used time: %w", err)
	}
	return nil
}

// DeleteExpiredEntries removes rows whose expiration time is at or before now
// and returns their tokens.
func (s *Store) DeleteExpiredEntries(ctx context.Context, now time.Time) ([]uuid.UUID, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	return s.deleteWhere(ctx, `exp_time > 0 AND exp_time <= ?`, now.UTC().UnixMilli())
}

// ProcessEviction deletes least recently used rows until the total size drops
// to lowWaterMark. Nothing happens while the total is within maxSize.
func (s *Store) ProcessEviction(ctx context.Context, maxSize, lowWaterMark int64) ([]uuid.UUID, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin eviction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var total int64
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(SUM(size), 0) FROM dictionaries`).Scan(&total); err != nil {
		return nil, fmt.Errorf("sum dictionary sizes: %w", err)
	}
	if total <= maxSize {
		return nil, nil
	}

	rows, err := tx.QueryContext(ctx, `SELECT id, size, token FROM dictionaries ORDER BY last_used_time, id`)
	if err != nil {
		return nil, fmt.Errorf("list eviction candidates: %w", err)
	}
	var (
		ids    []int64
		tokens []uuid.UUID
	)
	for rows.Next() && total > lowWaterMark {
		var (
			id    int64
			size  int64
			token string
		)
		if err := rows.Scan(&id, &size, &token); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan eviction candidate: %w", err)
		}
		parsed, err := uuid.Parse(token)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("parse token: %w", err)
		}
		ids = append(ids, id)
		tokens = append(tokens, parsed)
		total -= size
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}

	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, `DELETE FROM dictionaries WHERE id = ?`, id); err != nil {
			return nil, fmt.Errorf("evict dictionary: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit eviction: %w", err)
	}
	return tokens, nil
}

// DeleteDictionariesByTokens removes the rows holding any of tokens.
func (s *Store) DeleteDictionariesByTokens(ctx context.Context, tokens []uuid.UUID) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	if len(tokens) == 0 {
		return nil
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	for _, token := range tokens {
		if _, err := tx.ExecContext(ctx, `DELETE FROM dictionaries WHERE token = ?`, token.String()); err != nil {
			return fmt.Errorf("delete dictionary %s: %w", token, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit delete: %w", err)
	}
	return nil
}

// GetAllDiskCacheKeyTokens lists the token of every stored row.
func (s *Store) GetAllDiskCacheKeyTokens(ctx context.Context) ([]uuid.UUID, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	rows, err := s.sqlDB.QueryContext(ctx, `SELECT token FROM dictionaries ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list tokens: %w", err)
	}
	return scanTokens(rows)
}

// ClearAll removes every row and returns the removed tokens.
func (s *Store) ClearAll(ctx context.Context) ([]uuid.UUID, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	return s.deleteWhere(ctx, `1 = 1`)
}

// TotalSize returns the sum of all stored dictionary sizes.
func (s *Store) TotalSize(ctx context.Context) (int64, error) {
	if err := s.ready(ctx); err != nil {
		return 0, err
	}
	var total int64
	if err := s.sqlDB.QueryRowContext(ctx, `SELECT COALESCE(SUM(size), 0) FROM dictionaries`).Scan(&total); err != nil {
		return 0, fmt.Errorf("sum dictionary sizes: %w", err)
	}
	return total, nil
}

func (s *Store) deleteWhere(ctx context.Context, where string, args ...any) ([]uuid.UUID, error) {
	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin delete: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `SELECT token FROM dictionaries WHERE `+where+` ORDER BY id`, args...)
	if err != nil {
		return nil, fmt.Errorf("select deleted tokens: %w", err)
	}
	tokens, err := scanTokens(rows)
	if err != nil {
		return nil, err
	}
	if len(tokens) == 0 {
		return nil, nil
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM dictionaries WHERE `+where, args...); err != nil {
		return nil, fmt.Errorf("delete dictionaries: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit delete: %w", err)
	}
	return tokens, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (dictionary.Record, error) {
	var (
		record       dictionary.Record
		resTime      int64
		expirationMS int64
		lastUsed     int64
		hash         []byte
		token        string
	)
	if err := row.Scan(
		&record.ID,
		&record.URL,
		&record.Match,
		&resTime,
		&expirationMS,
		&lastUsed,
		&record.Size,
		&hash,
		&token,
	); err != nil {
		return dictionary.Record{}, fmt.Errorf("scan dictionary: %w", err)
	}
	if len(hash) != len(record.Hash) {
		return dictionary.Record{}, fmt.Errorf("dictionary %d has a %d byte hash", record.ID, len(hash))
	}
	copy(record.Hash[:], hash)
	parsed, err := uuid.Parse(token)
	if err != nil {
		return dictionary.Record{}, fmt.Errorf("parse token: %w", err)
	}
	record.Token = parsed
	record.ResponseTime = time.UnixMilli(resTime).UTC()
	record.Expiration = time.Duration(expirationMS) * time.Millisecond
	record.LastUsedTime = time.UnixMilli(lastUsed).UTC()
	return record, nil
}

func scanTokens(rows *sql.Rows) ([]uuid.UUID, error) {
	defer rows.Close()
	var tokens []uuid.UUID
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan token: %w", err)
		}
		token, err := uuid.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("parse token: %w", err)
		}
		tokens = append(tokens, token)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tokens: %w", err)
	}
	return tokens, nil
}
