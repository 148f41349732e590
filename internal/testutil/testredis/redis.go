package testredis

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// StartRedis starts a disposable Redis container and returns a redis:// URL.
// Skipped under -short.
func StartRedis(tb testing.TB) string {
	tb.Helper()
	if testing.Short() {
		tb.Skip("requires docker")
	}

	ctx := context.Background()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			// Persistence only slows the cache tests down.
			Cmd: []string{"redis-server", "--save", "", "--appendonly", "no"},
			WaitingFor: wait.ForAll(
				wait.ForListeningPort("6379/tcp"),
				wait.ForLog("Ready to accept connections"),
			).WithDeadline(60 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		tb.Fatalf("start redis container: %v", err)
	}
	tb.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := container.Terminate(ctx); err != nil {
			tb.Errorf("terminate redis container: %v", err)
		}
	})

	endpoint, err := container.PortEndpoint(ctx, "6379/tcp", "")
	if err != nil {
		tb.Fatalf("get redis endpoint: %v", err)
	}
	return fmt.Sprintf("redis://%s/0", endpoint)
}
