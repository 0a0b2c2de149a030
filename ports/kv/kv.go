// Package kv is the key-value port used for snapshots, checkpoints and read
// models. Adapters live in adapters/nats, adapters/redis and adapters/sqlite.
package kv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var (
	ErrNotFound = errors.New("not found")
)

type Entry struct {
	Data []byte         `json:"data"`
	Meta map[string]any `json:"meta,omitempty"`
}

type PutOptions struct {
	TTL time.Duration
}

type Store interface {
	Put(ctx context.Context, key string, entry Entry, opts PutOptions) error
	Get(ctx context.Context, key string) (entry Entry, err error)
	Delete(ctx context.Context, key string) error
	// Keys lists the keys starting with prefix, in no particular order.
	Keys(ctx context.Context, prefix string) ([]string, error)
}

func Put[T any](ctx context.Context, store Store, key string, v T, opts PutOptions) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("kv: encode %s: %w", key, err)
	}
	return store.Put(ctx, key, Entry{Data: data}, opts)
}

func Get[T any](ctx context.Context, store Store, key string) (out T, err error) {
	entry, err := store.Get(ctx, key)
	if err != nil {
		return
	}
	if err = json.Unmarshal(entry.Data, &out); err != nil {
		return out, fmt.Errorf("kv: decode %s: %w", key, err)
	}
	return
}

// Key joins parts with dots. Bytes outside [A-Za-z0-9_/-], dots included,
// are written as '=' and two hex digits, so distinct parts never produce the
// same key and every adapter accepts the result.
func Key(parts ...string) string {
	n := 0
	for _, p := range parts {
		n += len(p) + 1
	}
	b := make([]byte, 0, n)
	for i, p := range parts {
		if i > 0 {
			b = append(b, '.')
		}
		b = appendEscaped(b, p)
	}
	return string(b)
}

const hexDigits = "0123456789ABCDEF"

func appendEscaped(b []byte, part string) []byte {
	for i := 0; i < len(part); i++ {
		c := part[i]
		if isKeyByte(c) {
			b = append(b, c)
			continue
		}
		b = append(b, '=', hexDigits[c>>4], hexDigits[c&0xf])
	}
	return b
}

func isKeyByte(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' || c == '-' || c == '_' || c == '/'
}

// Unescape returns the original of a single part written by Key.
func Unescape(part string) (string, error) {
	if strings.IndexByte(part, '=') < 0 {
		return part, nil
	}
	b := make([]byte, 0, len(part))
	for i := 0; i < len(part); i++ {
		if part[i] != '=' {
			b = append(b, part[i])
			continue
		}
		if i+2 >= len(part) {
			return "", fmt.Errorf("kv: truncated escape in %q", part)
		}
		v, err := strconv.ParseUint(part[i+1:i+3], 16, 8)
		if err != nil {
			return "", fmt.Errorf("kv: bad escape in %q: %w", part, err)
		}
		b = append(b, byte(v))
		i += 2
	}
	return string(b), nil
}
