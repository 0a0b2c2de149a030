package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/codewandler/evsrc/ports/kv"
)

// KVStore is a kv.Store on the kv table of DB. Expired entries are ignored on
// read and removed by Get.
type KVStore struct {
	db *DB
}

func NewKVStore(db *DB) *KVStore {
	return &KVStore{db: db}
}

func (s *KVStore) Put(ctx context.Context, key string, entry kv.Entry, opts kv.PutOptions) error {
	var meta sql.NullString
	if len(entry.Meta) > 0 {
		b, err := json.Marshal(entry.Meta)
		if err != nil {
			return fmt.Errorf("encode meta of %s: %w", key, err)
		}
		meta = sql.NullString{String: string(b), Valid: true}
	}
	var expiresAt sql.NullInt64
	if opts.TTL > 0 {
		expiresAt = sql.NullInt64{Int64: time.Now().Add(opts.TTL).UnixMilli(), Valid: true}
	}
	data := entry.Data
	if data == nil {
		data = []byte{}
	}

	_, err := s.db.sql.ExecContext(ctx, `
INSERT INTO kv (key, data, meta, expires_at) VALUES (?, ?, ?, ?)
ON CONFLICT (key) DO UPDATE SET data = excluded.data, meta = excluded.meta, expires_at = excluded.expires_at`,
		key, data, meta, expiresAt,
	)
	if err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

func (s *KVStore) Get(ctx context.Context, key string) (entry kv.Entry, err error) {
	var (
		meta      sql.NullString
		expiresAt sql.NullInt64
	)
	err = s.db.sql.QueryRowContext(ctx,
		`SELECT data, meta, expires_at FROM kv WHERE key = ?`, key,
	).Scan(&entry.Data, &meta, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return entry, kv.ErrNotFound
	}
	if err != nil {
		return entry, fmt.Errorf("get %s: %w", key, err)
	}
	if expiresAt.Valid && time.Now().UnixMilli() >= expiresAt.Int64 {
		_, _ = s.db.sql.ExecContext(ctx, `DELETE FROM kv WHERE key = ? AND expires_at = ?`, key, expiresAt.Int64)
		return kv.Entry{}, kv.ErrNotFound
	}
	if meta.Valid {
		if err := json.Unmarshal([]byte(meta.String), &entry.Meta); err != nil {
			return entry, fmt.Errorf("decode meta of %s: %w", key, err)
		}
	}
	return entry, nil
}

func (s *KVStore) Delete(ctx context.Context, key string) error {
	if _, err := s.db.sql.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key); err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

func (s *KVStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	rows, err := s.db.sql.QueryContext(ctx,
		`SELECT key FROM kv WHERE key LIKE ? ESCAPE '\' AND (expires_at IS NULL OR expires_at > ?) ORDER BY key`,
		likePrefix(prefix), time.Now().UnixMilli(),
	)
	if err != nil {
		return nil, fmt.Errorf("keys %s: %w", prefix, err)
	}
	defer func() { _ = rows.Close() }()

	out := make([]string, 0)
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func likePrefix(prefix string) string {
	return likeEscaper.Replace(prefix) + "%"
}

var _ kv.Store = (*KVStore)(nil)
