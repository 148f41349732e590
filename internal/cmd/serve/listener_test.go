package serve

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/chirino/chat-service/internal/config"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
)

func TestGenerateSelfSignedCertificate(t *testing.T) {
	cert, err := generateSelfSignedCertificate()
	require.NoError(t, err)
	require.NotNil(t, cert.Leaf)
	require.NoError(t, cert.Leaf.VerifyHostname("localhost"))
	require.NoError(t, cert.Leaf.VerifyHostname("127.0.0.1"))
}

func TestStartSinglePort_RequiresAMode(t *testing.T) {
	_, err := StartSinglePortHTTPAndGRPC(context.Background(), config.ListenerConfig{}, http.NotFoundHandler(), grpc.NewServer())
	require.Error(t, err)
}

func TestStartListener_PlainAndTLSOnOnePort(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = fmt.Fprintf(w, "tls=%t", r.TLS != nil)
	})
	running, err := StartSinglePortHTTPAndGRPC(context.Background(), config.ListenerConfig{
		EnablePlainText: true,
		EnableTLS:       true,
	}, handler, grpc.NewServer())
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, running.Close(ctx))
	})

	get := func(client *http.Client, scheme string) string {
		resp, err := client.Get(fmt.Sprintf("%s://127.0.0.1:%d/", scheme, running.Port))
		require.NoError(t, err)
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		return string(body)
	}

	require.Equal(t, "tls=false", get(http.DefaultClient, "http"))
	insecureClient := &http.Client{Transport: &http.Transport{
		TLSClientConfig: &tls.Config{InsecureSkipVerify: true}, //nolint:gosec // self-signed test certificate
	}}
	require.Equal(t, "tls=true", get(insecureClient, "https"))
}

func TestStartManagementServer_DefaultsToPlaintext(t *testing.T) {
	addr, closeFn, err := startManagementServer(config.ListenerConfig{}, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	require.NoError(t, err)
	defer func() { _ = closeFn(context.Background()) }()

	resp, err := http.Get("http://" + addr.String() + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusTeapot, resp.StatusCode)
}
