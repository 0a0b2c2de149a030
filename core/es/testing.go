package es

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

// === Helpers ===

type TestingEnv struct {
	*Env
	t *testing.T
}

func (e *TestingEnv) Assert() *TestingEnvAssert {
	return &TestingEnvAssert{env: e}
}

// StartTestEnv starts an in-memory Env that is shut down with the test.
func StartTestEnv(
	t *testing.T,
	opts ...EnvOption,
) *TestingEnv {
	t.Helper()
	e := NewEnv(
		WithCtx(t.Context()),
		WithInMemory(),
		WithEnvOpts(opts...),
	)
	require.NoError(t, e.Start())
	t.Cleanup(e.Shutdown)
	return &TestingEnv{
		t:   t,
		Env: e,
	}
}

type TestingEnvAssert struct {
	env *TestingEnv
}

func (t *TestingEnvAssert) Append(
	ctx context.Context,
	aggType string,
	aggID string,
	expected ExpectedVersion,
	events ...any,
) {
	t.env.t.Helper()
	require.NoError(t.env.t, t.env.Append(ctx, aggType, aggID, expected, events...))
}

// Version asserts the head version of a stream.
func (t *TestingEnvAssert) Version(ctx context.Context, aggType, aggID string, want Version) {
	t.env.t.Helper()
	slice, err := t.env.Store().ReadStream(ctx, aggType, aggID, want)
	require.NoError(t.env.t, err)
	require.Equal(t.env.t, want, slice.Head)
}
