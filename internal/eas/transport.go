package eas

import (
	"context"
	"crypto/tls"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zjrosen/easync/internal/log"
)

const (
	maxConnsTotal   = 25
	maxConnsPerHost = 8
	connectTimeout  = 15 * time.Second
)

// Transport is the process-wide HTTP connection manager shared by all
// workers. It carries two connection pools: a standard one and an
// allow-all variant for accounts that trust self-signed certificates.
//
// Shutdown is the break glass: it fails every in-flight request and
// drops idle connections, then rearms. A host binary may watch the
// shutdown count and self-terminate when it climbs, matching the
// behavior of stuck-socket recovery on platforms without interruptible
// I/O.
type Transport struct {
	standard *http.Transport
	insecure *http.Transport

	mu        sync.Mutex
	gen       context.Context
	genCancel context.CancelFunc

	shutdowns atomic.Int32
}

// NewTransport builds the shared connection manager.
func NewTransport() *Transport {
	t := &Transport{
		standard: newPool(&tls.Config{}),
		insecure: newPool(&tls.Config{InsecureSkipVerify: true}),
	}
	t.gen, t.genCancel = context.WithCancel(context.Background())
	return t
}

func newPool(tlsConfig *tls.Config) *http.Transport {
	dialer := &net.Dialer{Timeout: connectTimeout, KeepAlive: 30 * time.Second}
	return &http.Transport{
		DialContext:         dialer.DialContext,
		TLSClientConfig:     tlsConfig,
		TLSHandshakeTimeout: connectTimeout,
		MaxConnsPerHost:     maxConnsPerHost,
		MaxIdleConns:        maxConnsTotal,
		MaxIdleConnsPerHost: maxConnsPerHost,
		IdleConnTimeout:     90 * time.Second,
	}
}

// RoundTripper returns the pool matching the account's TLS trust policy.
func (t *Transport) RoundTripper(trustAllCerts bool) http.RoundTripper {
	if trustAllCerts {
		return t.insecure
	}
	return t.standard
}

// RequestContext derives a context that is cancelled when either the
// parent is cancelled or Shutdown fires. Every protocol request must go
// through this so the break glass reaches in-flight sockets.
func (t *Transport) RequestContext(parent context.Context) (context.Context, context.CancelFunc) {
	t.mu.Lock()
	gen := t.gen
	t.mu.Unlock()

	ctx, cancel := context.WithCancel(parent)
	stop := context.AfterFunc(gen, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

// Shutdown fails all in-flight requests, drops idle connections and
// rearms the transport for new requests. Returns the total number of
// shutdowns performed since process start.
func (t *Transport) Shutdown() int {
	t.mu.Lock()
	t.genCancel()
	t.gen, t.genCancel = context.WithCancel(context.Background())
	t.mu.Unlock()

	t.standard.CloseIdleConnections()
	t.insecure.CloseIdleConnections()

	n := int(t.shutdowns.Add(1))
	log.Warn(log.CatHTTP, "Transport shutdown", "count", n)
	return n
}

// ShutdownCount returns how many times Shutdown has fired.
func (t *Transport) ShutdownCount() int {
	return int(t.shutdowns.Load())
}

// ResetShutdownCount clears the counter after a clean worker exit.
func (t *Transport) ResetShutdownCount() {
	t.shutdowns.Store(0)
}
