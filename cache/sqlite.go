package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "github.com/glebarez/go-sqlite"
	"github.com/klauspost/compress/zstd"
)

// Bodies smaller than this are stored as is.
const compressThreshold = 1024

type SQLiteStorage struct {
	db         *sql.DB
	writeMutex *sync.Mutex
	encoder    *zstd.Encoder
	decoder    *zstd.Decoder
}

// NewSQLiteStorage creates a new storage with the given filename as the db.
// If file name is empty, a new in-memory db is opened.
func NewSQLiteStorage(filename string) (*SQLiteStorage, error) {
	if filename == "" {
		filename = "file::memory:?cache=shared"
	}
	db, err := sql.Open("sqlite", filename)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", filename, err)
	}
	// one connection keeps the in-memory db shared and avoids SQLITE_BUSY
	db.SetMaxOpenConns(1)
	for _, stmt := range []string{
		`CREATE TABLE IF NOT EXISTS buckets (
			name TEXT PRIMARY KEY,
			created_at INTEGER
		)`,
		`CREATE TABLE IF NOT EXISTS entries (
			bucket TEXT,
			key TEXT,
			stored_at INTEGER,
			compressed INTEGER,
			bytes BLOB,
			PRIMARY KEY (bucket, key)
		)`,
		"PRAGMA journal_mode=WAL",
	} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("init schema: %w", err)
		}
	}
	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}
	return &SQLiteStorage{
		db:         db,
		writeMutex: &sync.Mutex{},
		encoder:    encoder,
		decoder:    decoder,
	}, nil
}

func (s *SQLiteStorage) Close() error {
	s.encoder.Close()
	s.decoder.Close()
	return s.db.Close()
}

func (s *SQLiteStorage) Open(ctx context.Context, name string) (Bucket, error) {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	_, err := s.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO buckets (name, created_at) VALUES (?, ?)",
		name, time.Now().UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("open bucket %s: %w", name, err)
	}
	return SQLiteBucket{storage: s, name: name}, nil
}

func (s *SQLiteStorage) Keys(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT name FROM buckets ORDER BY rowid")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	names := make([]string, 0)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return names, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func (s *SQLiteStorage) Has(ctx context.Context, name string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, "SELECT 1 FROM buckets WHERE name = ?", name).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

func (s *SQLiteStorage) Delete(ctx context.Context, name string) (bool, error) {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, "DELETE FROM entries WHERE bucket = ?", name); err != nil {
		return false, err
	}
	result, err := tx.ExecContext(ctx, "DELETE FROM buckets WHERE name = ?", name)
	if err != nil {
		return false, err
	}
	deleted, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return deleted > 0, tx.Commit()
}

func (s *SQLiteStorage) encode(b []byte) ([]byte, int) {
	if len(b) < compressThreshold {
		return b, 0
	}
	return s.encoder.EncodeAll(b, make([]byte, 0, len(b)/2)), 1
}

func (s *SQLiteStorage) decode(b []byte, compressed int) ([]byte, error) {
	if compressed == 0 {
		return b, nil
	}
	return s.decoder.DecodeAll(b, nil)
}

type SQLiteBucket struct {
	storage *SQLiteStorage
	name    string
}

func (b SQLiteBucket) Name() string {
	return b.name
}

func (b SQLiteBucket) Match(ctx context.Context, key string) (Entry, bool, error) {
	var (
		storedAt   int64
		compressed int
		bytes      []byte
	)
	err := b.storage.db.QueryRowContext(ctx,
		"SELECT stored_at, compressed, bytes FROM entries WHERE bucket = ? AND key = ?",
		b.name, key).Scan(&storedAt, &compressed, &bytes)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, err
	}
	bytes, err = b.storage.decode(bytes, compressed)
	if err != nil {
		return Entry{}, false, fmt.Errorf("decompress %s: %w", key, err)
	}
	return Entry{Key: key, StoredAt: time.UnixMilli(storedAt), Bytes: bytes}, true, nil
}

func (b SQLiteBucket) Put(ctx context.Context, entry Entry) error {
	return b.PutAll(ctx, []Entry{entry})
}

// PutAll writes the entries in a single transaction.
// Rows are only inserted while the bucket still exists.
func (b SQLiteBucket) PutAll(ctx context.Context, entries []Entry) error {
	b.storage.writeMutex.Lock()
	defer b.storage.writeMutex.Unlock()
	tx, err := b.storage.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, entry := range entries {
		bytes, compressed := b.storage.encode(entry.Bytes)
		_, err := tx.ExecContext(ctx, `INSERT INTO entries
			(bucket, key, stored_at, compressed, bytes)
			SELECT ?, ?, ?, ?, ? WHERE EXISTS (SELECT 1 FROM buckets WHERE name = ?)
			ON CONFLICT (bucket, key) DO UPDATE SET
			stored_at = excluded.stored_at, compressed = excluded.compressed, bytes = excluded.bytes`,
			b.name, entry.Key, entry.StoredAt.UnixMilli(), compressed, bytes, b.name)
		if err != nil {
			return fmt.Errorf("put %s: %w", entry.Key, err)
		}
	}
	return tx.Commit()
}

func (b SQLiteBucket) Delete(ctx context.Context, key string) (bool, error) {
	b.storage.writeMutex.Lock()
	defer b.storage.writeMutex.Unlock()
	result, err := b.storage.db.ExecContext(ctx,
		"DELETE FROM entries WHERE bucket = ? AND key = ?", b.name, key)
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	return rows > 0, err
}

func (b SQLiteBucket) Keys(ctx context.Context) ([]string, error) {
	if ok, err := b.storage.Has(ctx, b.name); err != nil {
		return nil, err
	} else if !ok {
		return nil, ErrBucketNotFound
	}
	rows, err := b.storage.db.QueryContext(ctx,
		"SELECT key FROM entries WHERE bucket = ? ORDER BY rowid", b.name)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	keys := make([]string, 0)
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return keys, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}
