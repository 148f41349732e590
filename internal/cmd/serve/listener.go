package serve

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"fmt"
	"math/big"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/chirino/chat-service/internal/config"
	"github.com/soheilhy/cmux"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
	"google.golang.org/grpc"
)

// RunningServers is one bound port and the servers multiplexed on it.
type RunningServers struct {
	Addr            net.Addr
	Port            int
	HTTPServerPlain *http.Server
	HTTPServerTLS   *http.Server
	GRPCServer      *grpc.Server
	Close           func(ctx context.Context) error
}

// StartSinglePortHTTPAndGRPC serves the API, the websocket endpoint and gRPC
// on one port. Plaintext and TLS connections are told apart by cmux.
func StartSinglePortHTTPAndGRPC(
	_ context.Context,
	cfg config.ListenerConfig,
	httpHandler http.Handler,
	grpcServer *grpc.Server,
) (*RunningServers, error) {
	if !cfg.EnablePlainText && !cfg.EnableTLS {
		return nil, fmt.Errorf("single-port configuration requires plaintext and/or tls enabled")
	}
	return startListener("single-port", cfg, httpHandler, grpcServer)
}

// startManagementServer serves probes and metrics on their own port, without
// gRPC. Plaintext is enabled when neither mode is.
func startManagementServer(cfg config.ListenerConfig, handler http.Handler) (net.Addr, func(context.Context) error, error) {
	if !cfg.EnablePlainText && !cfg.EnableTLS {
		cfg.EnablePlainText = true
	}
	running, err := startListener("management", cfg, handler, nil)
	if err != nil {
		return nil, nil, err
	}
	log.Info("Management server listening", "addr", running.Addr)
	return running.Addr, running.Close, nil
}

func startListener(name string, cfg config.ListenerConfig, handler http.Handler, grpcServer *grpc.Server) (*RunningServers, error) {
	if cfg.ReadHeaderTimeout == 0 {
		cfg.ReadHeaderTimeout = 5 * time.Second
	}

	// Load the certificate before binding so a bad file never leaves a port open.
	var cert tls.Certificate
	if cfg.EnableTLS {
		var err error
		if cert, err = loadServerCertificate(cfg.TLSCertFile, cfg.TLSKeyFile); err != nil {
			return nil, err
		}
	}

	baseLis, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Port))
	if err != nil {
		return nil, fmt.Errorf("%s listen failed: %w", name, err)
	}

	dispatch := handler
	if grpcServer != nil {
		dispatch = grpcOrHTTPHandler(grpcServer, handler)
	}

	muxer := cmux.New(baseLis)
	// TLS must be matched first; cmux.Any would swallow the handshake.
	var tlsLis, plainLis net.Listener
	if cfg.EnableTLS {
		tlsLis = muxer.Match(cmux.TLS())
	}
	if cfg.EnablePlainText {
		plainLis = muxer.Match(cmux.Any())
	}

	running := &RunningServers{Addr: baseLis.Addr(), GRPCServer: grpcServer}
	if tcpAddr, ok := baseLis.Addr().(*net.TCPAddr); ok {
		running.Port = tcpAddr.Port
	}

	if plainLis != nil {
		running.HTTPServerPlain = &http.Server{
			Handler:           h2c.NewHandler(dispatch, &http2.Server{}),
			ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		}
		go serveOn(name+" plaintext", running.HTTPServerPlain, plainLis)
	}
	if tlsLis != nil {
		running.HTTPServerTLS = &http.Server{
			Handler:           dispatch,
			ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		}
		go serveOn(name+" tls", running.HTTPServerTLS, tls.NewListener(tlsLis, &tls.Config{
			Certificates: []tls.Certificate{cert},
			NextProtos:   []string{"h2", "http/1.1"},
			MinVersion:   tls.VersionTLS12,
		}))
	}

	go func() {
		if err := muxer.Serve(); err != nil && !errors.Is(err, net.ErrClosed) &&
			!strings.Contains(err.Error(), "use of closed network connection") {
			log.Error(name+" mux failed", "err", err)
		}
	}()

	var closeOnce sync.Once
	running.Close = func(ctx context.Context) error {
		var shutdownErr error
		closeOnce.Do(func() {
			for _, srv := range []*http.Server{running.HTTPServerPlain, running.HTTPServerTLS} {
				if srv == nil {
					continue
				}
				if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, context.Canceled) && shutdownErr == nil {
					shutdownErr = err
				}
			}
			if grpcServer != nil {
				stopGRPC(ctx, grpcServer)
			}
			_ = baseLis.Close()
		})
		return shutdownErr
	}
	return running, nil
}

func serveOn(name string, srv *http.Server, lis net.Listener) {
	if err := srv.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error(name+" server failed", "err", err)
	}
}

// stopGRPC drains in-flight RPCs until ctx ends, then cuts them off.
func stopGRPC(ctx context.Context, grpcServer *grpc.Server) {
	done := make(chan struct{})
	go func() {
		grpcServer.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		grpcServer.Stop()
	}
}

func grpcOrHTTPHandler(grpcServer *grpc.Server, httpHandler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		contentType := strings.ToLower(r.Header.Get("Content-Type"))
		if r.ProtoMajor == 2 && strings.HasPrefix(contentType, "application/grpc") {
			grpcServer.ServeHTTP(w, r)
			return
		}
		httpHandler.ServeHTTP(w, r)
	})
}

func loadServerCertificate(certFile, keyFile string) (tls.Certificate, error) {
	if strings.TrimSpace(certFile) != "" && strings.TrimSpace(keyFile) != "" {
		cert, err := tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			return tls.Certificate{}, fmt.Errorf("failed to load tls certificate: %w", err)
		}
		return cert, nil
	}
	return generateSelfSignedCertificate()
}

// generateSelfSignedCertificate covers localhost for development TLS.
func generateSelfSignedCertificate() (tls.Certificate, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("generate tls key failed: %w", err)
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("generate tls serial failed: %w", err)
	}

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: "localhost", Organization: []string{"chat-service"}},
		NotBefore:             now.Add(-5 * time.Minute),
		NotAfter:              now.Add(365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		DNSNames:              []string{"localhost"},
		IPAddresses:           []net.IP{net.IPv4(127, 0, 0, 1), net.IPv6loopback},
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("generate tls certificate failed: %w", err)
	}
	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("parse tls certificate failed: %w", err)
	}
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key, Leaf: leaf}, nil
}
