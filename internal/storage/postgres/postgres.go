// Package postgres stores files as rows of a PostgreSQL table. It plugs
// into the flat backend, which provides directory semantics.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/lib/pq"

	"github.com/s3fs-fuse/gcsfs-go/internal/storage/flat"
	"github.com/s3fs-fuse/gcsfs-go/internal/storage/types"
)

// Store implements flat.Store on PostgreSQL.
type Store struct {
	db     *sql.DB
	table  string // quoted identifier
	name   string // raw table name
	bucket string // namespace inside the table
}

// New opens a store and creates its table when missing.
func New(ctx context.Context, connStr, table, bucket string) (*Store, error) {
	if table == "" {
		table = "files"
	}
	if bucket == "" {
		bucket = "default"
	}
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}
	s := &Store{
		db:     db,
		table:  pq.QuoteIdentifier(table),
		name:   table,
		bucket: bucket,
	}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			bucket VARCHAR(255) NOT NULL,
			path VARCHAR(4096) NOT NULL,
			data BYTEA,
			size BIGINT NOT NULL DEFAULT 0,
			mtime TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (bucket, path)
		);
		CREATE INDEX IF NOT EXISTS %s ON %s(bucket, path text_pattern_ops);
	`, s.table, pq.QuoteIdentifier("idx_"+s.name+"_prefix"), s.table)
	_, err := s.db.ExecContext(ctx, query)
	return err
}

func (s *Store) Head(ctx context.Context, key string) (types.FlatRecord, error) {
	query := fmt.Sprintf("SELECT size, mtime FROM %s WHERE bucket = $1 AND path = $2", s.table)
	rec := types.FlatRecord{Key: key}
	var size int64
	err := s.db.QueryRowContext(ctx, query, s.bucket, key).Scan(&size, &rec.ModTime)
	if err != nil {
		return types.FlatRecord{}, wrapError("head", key, err)
	}
	rec.Size = uint64(size)
	return rec, nil
}

func (s *Store) Read(ctx context.Context, key string) ([]byte, error) {
	query := fmt.Sprintf("SELECT data FROM %s WHERE bucket = $1 AND path = $2", s.table)
	var data []byte
	if err := s.db.QueryRowContext(ctx, query, s.bucket, key).Scan(&data); err != nil {
		return nil, wrapError("read", key, err)
	}
	return data, nil
}

func (s *Store) Write(ctx context.Context, key string, data []byte) (types.FlatRecord, error) {
	query := fmt.Sprintf(`
		INSERT INTO %s (bucket, path, data, size, mtime)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (bucket, path)
		DO UPDATE SET
			data = EXCLUDED.data,
			size = EXCLUDED.size,
			mtime = EXCLUDED.mtime
		RETURNING size, mtime
	`, s.table)
	if data == nil {
		data = []byte{}
	}
	rec := types.FlatRecord{Key: key}
	var size int64
	if err := s.db.QueryRowContext(ctx, query, s.bucket, key, data, len(data)).Scan(&size, &rec.ModTime); err != nil {
		return types.FlatRecord{}, wrapError("write", key, err)
	}
	rec.Size = uint64(size)
	return rec, nil
}

func (s *Store) Remove(ctx context.Context, key string) error {
	query := fmt.Sprintf("DELETE FROM %s WHERE bucket = $1 AND path = $2", s.table)
	result, err := s.db.ExecContext(ctx, query, s.bucket, key)
	if err != nil {
		return wrapError("remove", key, err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return wrapError("remove", key, err)
	}
	if rows == 0 {
		return types.NewOpError("remove", key, types.ErrNotFound)
	}
	return nil
}

func (s *Store) Scan(ctx context.Context, prefix string, limit int) ([]types.FlatRecord, error) {
	query := fmt.Sprintf(`SELECT path, size, mtime FROM %s WHERE bucket = $1 AND path LIKE $2 ESCAPE '\' ORDER BY path`, s.table)
	args := []any{s.bucket, likePrefix(prefix)}
	if limit > 0 {
		query += " LIMIT $3"
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapError("scan", prefix, err)
	}
	defer rows.Close()

	var out []types.FlatRecord
	for rows.Next() {
		var (
			rec  types.FlatRecord
			size int64
		)
		if err := rows.Scan(&rec.Key, &size, &rec.ModTime); err != nil {
			return nil, wrapError("scan", prefix, err)
		}
		rec.Size = uint64(size)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapError("scan", prefix, err)
	}
	return out, nil
}

// Move renames every key inside one transaction, so a directory rename is
// atomic on this store.
func (s *Store) Move(ctx context.Context, moves []flat.Move) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrapError("move", "", err)
	}
	defer tx.Rollback()

	clearDst := fmt.Sprintf("DELETE FROM %s WHERE bucket = $1 AND path = $2", s.table)
	update := fmt.Sprintf("UPDATE %s SET path = $3, mtime = NOW() WHERE bucket = $1 AND path = $2", s.table)
	for _, mv := range moves {
		if _, err := tx.ExecContext(ctx, clearDst, s.bucket, mv.To); err != nil {
			return wrapError("move", mv.To, err)
		}
		result, err := tx.ExecContext(ctx, update, s.bucket, mv.From, mv.To)
		if err != nil {
			return wrapError("move", mv.From, err)
		}
		if rows, err := result.RowsAffected(); err == nil && rows == 0 {
			return types.NewOpError("move", mv.From, types.ErrNotFound)
		}
	}
	if err := tx.Commit(); err != nil {
		return wrapError("move", "", err)
	}
	return nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

func likePrefix(prefix string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(prefix) + "%"
}

// wrapError maps database failures into the storage taxonomy. Driver
// errors with a server error code are rejected requests; anything else
// (connection loss, pool exhaustion) is unavailability.
func wrapError(op, key string, err error) error {
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return types.NewOpError(op, key, types.ErrNotFound)
	case types.KindOf(err) == types.KindCanceled:
		return err
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		if pqErr.Code.Class() == "08" || pqErr.Code.Class() == "53" || pqErr.Code.Class() == "57" {
			return types.NewOpError(op, key, fmt.Errorf("%w: %s", types.ErrUnavailable, pqErr.Message))
		}
		return types.NewOpError(op, key, fmt.Errorf("%w: %s", types.ErrRequestRejected, pqErr.Message))
	}
	return types.NewOpError(op, key, fmt.Errorf("%w: %v", types.ErrUnavailable, err))
}

var _ flat.Store = (*Store)(nil)
