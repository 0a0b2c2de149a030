package es

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/codewandler/evsrc/ports/kv"
)

// CpStore persists the position of one reader. A missing checkpoint reads as 0.
type CpStore interface {
	Get(ctx context.Context) (lastPos uint64, err error)
	Set(ctx context.Context, lastPos uint64) error
}

type InMemCpStore struct {
	mu sync.RWMutex
	v  uint64
}

func NewInMemCpStore() *InMemCpStore {
	return &InMemCpStore{}
}

func (s *InMemCpStore) Get(context.Context) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.v, nil
}

func (s *InMemCpStore) Set(_ context.Context, v uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.v = v
	return nil
}

// KVCpStore keeps a checkpoint under one key of a kv.Store.
type KVCpStore struct {
	kv  kv.Store
	key string
}

func NewKVCpStore(store kv.Store, name string) *KVCpStore {
	return &KVCpStore{kv: store, key: kv.Key("checkpoint", name)}
}

func (s *KVCpStore) Get(ctx context.Context) (uint64, error) {
	v, err := kv.Get[uint64](ctx, s.kv, s.key)
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to get checkpoint %s: %w", s.key, err)
	}
	return v, nil
}

func (s *KVCpStore) Set(ctx context.Context, lastPos uint64) error {
	return kv.Put(ctx, s.kv, s.key, lastPos, kv.PutOptions{})
}

var (
	_ CpStore = (*InMemCpStore)(nil)
	_ CpStore = (*KVCpStore)(nil)
)
