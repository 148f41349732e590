package testqdrant

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// StartQdrant starts a disposable Qdrant container and returns the gRPC
// host:port. It waits for the REST readiness probe so the first gRPC call
// does not race collection loading. Skipped under -short.
func StartQdrant(tb testing.TB) string {
	tb.Helper()
	if testing.Short() {
		tb.Skip("requires docker")
	}

	ctx := context.Background()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "qdrant/qdrant:v1.13.4",
			ExposedPorts: []string{"6333/tcp", "6334/tcp"},
			WaitingFor: wait.ForAll(
				wait.ForListeningPort("6334/tcp"),
				wait.ForHTTP("/readyz").WithPort("6333/tcp").WithStatusCodeMatcher(func(status int) bool {
					return status == http.StatusOK
				}),
			).WithDeadline(60 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		tb.Fatalf("start qdrant container: %v", err)
	}
	tb.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := container.Terminate(ctx); err != nil {
			tb.Errorf("terminate qdrant container: %v", err)
		}
	})

	endpoint, err := container.PortEndpoint(ctx, "6334/tcp", "")
	if err != nil {
		tb.Fatalf("get qdrant endpoint: %v", err)
	}
	return endpoint
}
