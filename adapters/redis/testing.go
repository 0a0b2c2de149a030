package redis

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

type Testing interface {
	require.TestingT
	Context() context.Context
	Logf(format string, args ...any)
	Cleanup(func())
	Skip(args ...any)
}

// NewTestContainer starts a Redis server for the test and returns its
// address. Short test runs skip.
func NewTestContainer(t Testing) string {
	if testing.Short() {
		t.Skip("redis container test skipped in short mode")
	}
	ctx := t.Context()
	redisC, err := testcontainers.Run(
		ctx, "redis:7-alpine",
		testcontainers.WithExposedPorts("6379/tcp"),
		testcontainers.WithWaitStrategy(
			wait.ForListeningPort("6379/tcp"),
			wait.ForLog("Ready to accept connections"),
		),
	)
	require.NoError(t, err)

	t.Cleanup(func() {
		if err := testcontainers.TerminateContainer(redisC); err != nil {
			t.Errorf("failed to terminate container: %s", err.Error())
		}
	})

	ip, err := redisC.ContainerIP(ctx)
	require.NoError(t, err)
	t.Logf("redis ip: %s", ip)
	return ip + ":6379"
}
