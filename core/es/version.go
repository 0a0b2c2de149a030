package es

import (
	"fmt"
	"log/slog"
	"math"
)

// Version is the number of events folded into an aggregate. A new aggregate
// is at version 0; the n-th event of a stream carries version n.
type Version uint64

// MaxVersion asks snapshot stores for their newest snapshot.
const MaxVersion = Version(math.MaxUint64)

func (v Version) Uint64() uint64                         { return uint64(v) }
func (v Version) SlogAttr() slog.Attr                    { return newSlogVersionAttr("version", v) }
func (v Version) SlogAttrWithKey(key string) slog.Attr   { return newSlogVersionAttr(key, v) }
func newSlogVersionAttr(key string, v Version) slog.Attr { return slog.Uint64(key, uint64(v)) }

type expectKind uint8

const (
	expectExact expectKind = iota
	expectNoStream
	expectAny
)

// ExpectedVersion is the precondition of an append.
type ExpectedVersion struct {
	kind expectKind
	v    Version
}

// NoStream requires that the stream does not exist yet.
func NoStream() ExpectedVersion { return ExpectedVersion{kind: expectNoStream} }

// AnyVersion skips the check. Meant for imports and tooling, never for
// command handling.
func AnyVersion() ExpectedVersion { return ExpectedVersion{kind: expectAny} }

// Exact requires the stream to be at version v.
func Exact(v Version) ExpectedVersion { return ExpectedVersion{kind: expectExact, v: v} }

// ExpectVersion maps an aggregate version to its append precondition:
// version 0 means the stream must not exist.
func ExpectVersion(v Version) ExpectedVersion {
	if v == 0 {
		return NoStream()
	}
	return Exact(v)
}

func (e ExpectedVersion) IsNoStream() bool { return e.kind == expectNoStream }
func (e ExpectedVersion) IsAny() bool      { return e.kind == expectAny }
func (e ExpectedVersion) IsExact() bool    { return e.kind == expectExact }
func (e ExpectedVersion) Version() Version { return e.v }

// Matches reports whether a stream at current satisfies e. A stream exists
// once it holds at least one event.
func (e ExpectedVersion) Matches(current Version) bool {
	switch e.kind {
	case expectAny:
		return true
	case expectNoStream:
		return current == 0
	default:
		return current == e.v
	}
}

func (e ExpectedVersion) String() string {
	switch e.kind {
	case expectAny:
		return "any"
	case expectNoStream:
		return "no_stream"
	default:
		return fmt.Sprintf("exact(%d)", e.v)
	}
}
