// Package redis provides a kv.Store on Redis, meant for read models shared by
// several processes.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/codewandler/evsrc/ports/kv"
)

const scanCount = 256

type Config struct {
	Addr     string
	Password string
	DB       int
	// KeyPrefix namespaces every key, e.g. "evsrc:". It is not part of the
	// keys returned by Keys.
	KeyPrefix string
	Log       *slog.Logger
}

// KVStore stores entries as JSON strings. TTLs map to Redis expiry.
type KVStore struct {
	rdb    goredis.UniversalClient
	prefix string
	log    *slog.Logger
	owned  bool
}

// NewKVStore connects to cfg.Addr and pings the server.
func NewKVStore(ctx context.Context, cfg Config) (*KVStore, error) {
	if strings.TrimSpace(cfg.Addr) == "" {
		return nil, errors.New("redis: addr is required")
	}
	rdb := goredis.NewClient(&goredis.Options{
		Addr:        cfg.Addr,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: 5 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	s := NewKVStoreFromClient(rdb, cfg.KeyPrefix, cfg.Log)
	s.owned = true
	return s, nil
}

// NewKVStoreFromClient uses an existing client. Close leaves it open.
func NewKVStoreFromClient(rdb goredis.UniversalClient, keyPrefix string, log *slog.Logger) *KVStore {
	if log == nil {
		log = slog.Default()
	}
	return &KVStore{
		rdb:    rdb,
		prefix: keyPrefix,
		log:    log.With(slog.String("kv", "redis"), slog.String("prefix", keyPrefix)),
	}
}

func (s *KVStore) Put(ctx context.Context, key string, entry kv.Entry, opts kv.PutOptions) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	if err := s.rdb.Set(ctx, s.prefix+key, data, opts.TTL).Err(); err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

func (s *KVStore) Get(ctx context.Context, key string) (entry kv.Entry, err error) {
	data, err := s.rdb.Get(ctx, s.prefix+key).Bytes()
	if errors.Is(err, goredis.Nil) {
		return entry, kv.ErrNotFound
	}
	if err != nil {
		return entry, fmt.Errorf("get %s: %w", key, err)
	}
	if err := json.Unmarshal(data, &entry); err != nil {
		return entry, fmt.Errorf("decode %s: %w", key, err)
	}
	return entry, nil
}

func (s *KVStore) Delete(ctx context.Context, key string) error {
	if err := s.rdb.Del(ctx, s.prefix+key).Err(); err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

// Keys walks the keyspace with SCAN, so it does not block the server.
func (s *KVStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	var (
		out    = make([]string, 0)
		match  = globEscape(s.prefix+prefix) + "*"
		cursor uint64
	)
	for {
		keys, next, err := s.rdb.Scan(ctx, cursor, match, scanCount).Result()
		if err != nil {
			return nil, fmt.Errorf("scan %s: %w", prefix, err)
		}
		for _, k := range keys {
			out = append(out, strings.TrimPrefix(k, s.prefix))
		}
		if next == 0 {
			break
		}
		cursor = next
	}
	return dedup(out), nil
}

func (s *KVStore) Close() error {
	if !s.owned {
		return nil
	}
	return s.rdb.Close()
}

var globEscaper = strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)

func globEscape(s string) string { return globEscaper.Replace(s) }

// dedup drops repeats; SCAN may return a key more than once.
func dedup(keys []string) []string {
	seen := make(map[string]struct{}, len(keys))
	out := keys[:0]
	for _, k := range keys {
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	return out
}

var _ kv.Store = (*KVStore)(nil)
