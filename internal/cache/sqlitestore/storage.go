// Package sqlitestore implements cache.Storage on SQLite via modernc.org/sqlite.
package sqlitestore

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"runtime"
	"time"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"github.com/any-hub/swcache/internal/cache"
	"github.com/any-hub/swcache/internal/fetch"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Storage implements cache.Storage using SQLite.
type Storage struct {
	write *sql.DB // single-writer connection
	read  *sql.DB // multi-reader pool
}

// New opens a SQLite database, runs migrations, and returns a Storage.
func New(dsn string) (*Storage, error) {
	pragmas := "_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(1)"

	var fullDSN string
	if dsn == ":memory:" {
		fullDSN = "file::memory:?mode=memory&cache=shared&" + pragmas
	} else {
		fullDSN = "file:" + dsn + "?" + pragmas
	}

	write, err := sql.Open("sqlite", fullDSN)
	if err != nil {
		return nil, fmt.Errorf("open write db: %w", err)
	}
	write.SetMaxOpenConns(1)

	read, err := sql.Open("sqlite", fullDSN)
	if err != nil {
		write.Close()
		return nil, fmt.Errorf("open read db: %w", err)
	}
	read.SetMaxOpenConns(max(4, runtime.NumCPU()))

	if err := runMigrations(write); err != nil {
		write.Close()
		read.Close()
		return nil, fmt.Errorf("migrations: %w", err)
	}

	return &Storage{write: write, read: read}, nil
}

func runMigrations(db *sql.DB) error {
	fsys, err := fs.Sub(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("sub fs: %w", err)
	}
	provider, err := goose.NewProvider(goose.DialectSQLite3, db, fsys)
	if err != nil {
		return fmt.Errorf("create migration provider: %w", err)
	}
	_, err = provider.Up(context.Background())
	return err
}

// Ping verifies database connectivity by pinging the read pool.
func (s *Storage) Ping(ctx context.Context) error {
	return s.read.PingContext(ctx)
}

func (s *Storage) Close() error {
	return errors.Join(s.write.Close(), s.read.Close())
}

func (s *Storage) Open(ctx context.Context, name string) (cache.Bucket, error) {
	if err := cache.ValidateName(name); err != nil {
		return nil, err
	}
	if _, err := s.write.ExecContext(ctx,
		`INSERT INTO buckets (name, created_at) VALUES (?, ?) ON CONFLICT(name) DO NOTHING`,
		name, time.Now().UnixNano(),
	); err != nil {
		return nil, fmt.Errorf("insert bucket: %w", err)
	}
	return s.Lookup(ctx, name)
}

func (s *Storage) Lookup(ctx context.Context, name string) (cache.Bucket, error) {
	var id int64
	err := s.read.QueryRowContext(ctx, `SELECT id FROM buckets WHERE name = ?`, name).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, cache.ErrBucketNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lookup bucket: %w", err)
	}
	return &bucket{storage: s, id: id, name: name}, nil
}

func (s *Storage) Has(ctx context.Context, name string) (bool, error) {
	_, err := s.Lookup(ctx, name)
	if errors.Is(err, cache.ErrBucketNotFound) {
		return false, nil
	}
	return err == nil, err
}

func (s *Storage) Delete(ctx context.Context, name string) (bool, error) {
	res, err := s.write.ExecContext(ctx, `DELETE FROM buckets WHERE name = ?`, name)
	if err != nil {
		return false, fmt.Errorf("delete bucket: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *Storage) Keys(ctx context.Context) ([]string, error) {
	rows, err := s.read.QueryContext(ctx, `SELECT name FROM buckets ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list buckets: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// Match resolves the first hit across buckets in creation order with one query.
func (s *Storage) Match(ctx context.Context, req *fetch.Request) (*fetch.Response, error) {
	if !cache.Cacheable(req) {
		return nil, cache.ErrNotFound
	}
	key := fetch.Key(req)
	var data []byte
	err := s.read.QueryRowContext(ctx,
		`SELECT e.response FROM entries e JOIN buckets b ON b.id = e.bucket_id
		 WHERE e.url = ? ORDER BY b.id LIMIT 1`, key,
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, cache.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("match entry: %w", err)
	}
	return fetch.Decode(key, data)
}

// bucket is pinned to a row id, so a handle outliving its bucket never
// writes into a later bucket of the same name.
type bucket struct {
	storage *Storage
	id      int64
	name    string
}

func (b *bucket) Name() string {
	return b.name
}

func (b *bucket) exists(ctx context.Context, q interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}) error {
	var one int
	err := q.QueryRowContext(ctx, `SELECT 1 FROM buckets WHERE id = ?`, b.id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return cache.ErrBucketNotFound
	}
	return err
}

func (b *bucket) Match(ctx context.Context, req *fetch.Request) (*fetch.Response, error) {
	if !cache.Cacheable(req) {
		return nil, cache.ErrNotFound
	}
	key := fetch.Key(req)
	var data []byte
	err := b.storage.read.QueryRowContext(ctx,
		`SELECT response FROM entries WHERE bucket_id = ? AND url = ?`, b.id, key,
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		if err := b.exists(ctx, b.storage.read); err != nil {
			return nil, err
		}
		return nil, cache.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("match entry: %w", err)
	}
	return fetch.Decode(key, data)
}

func (b *bucket) Put(ctx context.Context, req *fetch.Request, resp *fetch.Response) error {
	return b.PutAll(ctx, []cache.Entry{{Request: req, Response: resp}})
}

// PutAll writes every entry inside one transaction.
func (b *bucket) PutAll(ctx context.Context, entries []cache.Entry) error {
	type row struct {
		key  string
		data []byte
	}
	rows := make([]row, len(entries))
	for i, e := range entries {
		key, data, err := cache.EncodeEntry(e.Request, e.Response)
		if err != nil {
			return err
		}
		rows[i] = row{key: key, data: data}
	}

	tx, err := b.storage.write.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := b.exists(ctx, tx); err != nil {
		return err
	}
	now := time.Now().UnixNano()
	for _, r := range rows {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO entries (bucket_id, url, response, stored_at) VALUES (?, ?, ?, ?)
			 ON CONFLICT(bucket_id, url) DO UPDATE SET response = excluded.response, stored_at = excluded.stored_at`,
			b.id, r.key, r.data, now,
		); err != nil {
			return fmt.Errorf("upsert entry: %w", err)
		}
	}
	return tx.Commit()
}

func (b *bucket) Delete(ctx context.Context, req *fetch.Request) (bool, error) {
	if !cache.Cacheable(req) {
		return false, nil
	}
	tx, err := b.storage.write.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := b.exists(ctx, tx); err != nil {
		return false, err
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM entries WHERE bucket_id = ? AND url = ?`, b.id, fetch.Key(req))
	if err != nil {
		return false, fmt.Errorf("delete entry: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, tx.Commit()
}

func (b *bucket) Keys(ctx context.Context) ([]string, error) {
	if err := b.exists(ctx, b.storage.read); err != nil {
		return nil, err
	}
	rows, err := b.storage.read.QueryContext(ctx, `SELECT url FROM entries WHERE bucket_id = ? ORDER BY url`, b.id)
	if err != nil {
		return nil, fmt.Errorf("list entries: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}
