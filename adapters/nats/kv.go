package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/codewandler/evsrc/ports/kv"
)

const defaultBucket = "evsrc_kv"

type KVConfig struct {
	Connect Connector
	Log     *slog.Logger
	Bucket  string
	// TTL applies to the whole bucket. Shorter per-entry TTLs are stored with
	// the entry and honored on read.
	TTL      time.Duration
	MaxBytes int64
	Storage  jetstream.StorageType
}

// KVStore is a kv.Store backed by a JetStream key-value bucket.
type KVStore struct {
	kv    jetstream.KeyValue
	log   *slog.Logger
	close closeFunc
}

type kvRecord struct {
	kv.Entry
	ExpiresAt time.Time `json:"expires_at,omitzero"`
}

func NewKVStore(ctx context.Context, cfg KVConfig) (*KVStore, error) {
	doConnect := cfg.Connect
	if doConnect == nil {
		doConnect = ConnectDefault()
	}
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	bucket := cfg.Bucket
	if bucket == "" {
		bucket = defaultBucket
	}

	nc, closeConn, err := doConnect()
	if err != nil {
		return nil, err
	}
	js, err := jetstream.New(nc)
	if err != nil {
		closeConn()
		return nil, err
	}

	maxBytes := cfg.MaxBytes
	if maxBytes == 0 {
		maxBytes = -1
	}
	bkt, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:   bucket,
		Storage:  cfg.Storage,
		TTL:      cfg.TTL,
		MaxBytes: maxBytes,
	})
	if err != nil {
		closeConn()
		return nil, fmt.Errorf("create bucket %s: %w", bucket, err)
	}

	return &KVStore{
		kv:    bkt,
		log:   log.With(slog.String("bucket", bucket)),
		close: closeConn,
	}, nil
}

func (s *KVStore) Put(ctx context.Context, key string, entry kv.Entry, opts kv.PutOptions) error {
	rec := kvRecord{Entry: entry}
	if opts.TTL > 0 {
		rec.ExpiresAt = time.Now().Add(opts.TTL)
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	if _, err := s.kv.Put(ctx, key, data); err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

func (s *KVStore) Get(ctx context.Context, key string) (kv.Entry, error) {
	rec, err := s.get(ctx, key)
	if err != nil {
		return kv.Entry{}, err
	}
	return rec.Entry, nil
}

func (s *KVStore) get(ctx context.Context, key string) (rec kvRecord, err error) {
	v, err := s.kv.Get(ctx, key)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return rec, kv.ErrNotFound
		}
		return rec, fmt.Errorf("get %s: %w", key, err)
	}
	if err = json.Unmarshal(v.Value(), &rec); err != nil {
		return rec, fmt.Errorf("decode %s: %w", key, err)
	}
	if !rec.ExpiresAt.IsZero() && time.Now().After(rec.ExpiresAt) {
		if err := s.kv.Delete(ctx, key); err != nil {
			s.log.Debug("failed to delete expired key", slog.String("key", key), slog.Any("error", err))
		}
		return kvRecord{}, kv.ErrNotFound
	}
	return rec, nil
}

func (s *KVStore) Delete(ctx context.Context, key string) error {
	if err := s.kv.Delete(ctx, key); err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

// Keys lists the live keys with the given prefix. Entries carrying their own
// TTL are read to drop the expired ones.
func (s *KVStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	lister, err := s.kv.ListKeys(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = lister.Stop() }()

	out := make([]string, 0)
	for key := range lister.Keys() {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		if _, err := s.get(ctx, key); err != nil {
			if errors.Is(err, kv.ErrNotFound) {
				continue
			}
			return nil, err
		}
		out = append(out, key)
	}
	return out, ctx.Err()
}

func (s *KVStore) Close() {
	if s.close != nil {
		s.close()
	}
}

var _ kv.Store = (*KVStore)(nil)
