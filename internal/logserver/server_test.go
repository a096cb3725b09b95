package logserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"connectrpc.com/connect"
	"github.com/cusdeb/dominion/internal/endpoint"
	"github.com/cusdeb/dominion/internal/pubsub"
	"github.com/cusdeb/dominion/internal/store"
)

type endedSubscription struct {
	dropped bool
}

func (s endedSubscription) Messages() <-chan string { return nil }
func (s endedSubscription) Dropped() bool           { return s.dropped }
func (s endedSubscription) Close() error            { return nil }

func TestSubscriptionEndedErrDistinguishesDroppedReader(t *testing.T) {
	err := subscriptionEndedErr(endedSubscription{dropped: true}, "b1")
	if got, want := connect.CodeOf(err), connect.CodeResourceExhausted; got != want {
		t.Fatalf("unexpected connect code: got %v want %v", got, want)
	}
	err = subscriptionEndedErr(endedSubscription{}, "b1")
	if got, want := connect.CodeOf(err), connect.CodeUnavailable; got != want {
		t.Fatalf("unexpected connect code: got %v want %v", got, want)
	}
}

func TestToConnectErrorCodes(t *testing.T) {
	tests := []struct {
		err  error
		code connect.Code
	}{
		{err: fmt.Errorf("%w: b1", store.ErrNotFound), code: connect.CodeNotFound},
		{err: pubsub.ErrClosed, code: connect.CodeUnavailable},
		{err: errors.New("missing build id"), code: connect.CodeInvalidArgument},
		{err: context.Canceled, code: connect.CodeCanceled},
		{err: errors.New("disk on fire"), code: connect.CodeInternal},
		{err: connect.NewError(connect.CodeAborted, errors.New("x")), code: connect.CodeAborted},
	}
	for _, tc := range tests {
		if got := connect.CodeOf(toConnectError(tc.err)); got != tc.code {
			t.Fatalf("toConnectError(%v): got %v want %v", tc.err, got, tc.code)
		}
	}
	if toConnectError(nil) != nil {
		t.Fatal("expected nil for nil error")
	}
}

func TestTokenFromRequest(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/", nil)
	req.Header.Set("Authorization", "Bearer abc")
	if got := tokenFromRequest(req); got != "abc" {
		t.Fatalf("unexpected bearer token: %q", got)
	}

	req = httptest.NewRequest(http.MethodPost, "/", nil)
	req.Header.Set(TokenHeader, " xyz ")
	if got := tokenFromRequest(req); got != "xyz" {
		t.Fatalf("unexpected header token: %q", got)
	}

	req = httptest.NewRequest(http.MethodPost, "/", nil)
	req.Header.Set("Authorization", "Basic Zm9v")
	if got := tokenFromRequest(req); got != "" {
		t.Fatalf("expected basic auth to be ignored, got %q", got)
	}
}

func TestStaticTokens(t *testing.T) {
	tokens := NewStaticTokens(map[string]string{"alice": "s1", "bob": " "})
	if subject, err := tokens.Verify(context.Background(), "s1"); err != nil || subject != "alice" {
		t.Fatalf("unexpected verify result: %q %v", subject, err)
	}
	if _, err := tokens.Verify(context.Background(), "nope"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
	if _, err := (StaticTokens{}).Verify(context.Background(), "anything"); err != nil {
		t.Fatalf("expected empty set to accept any token, got %v", err)
	}
}

func TestHealthzBypassesAuth(t *testing.T) {
	srv := New(nil, pubsub.NewMemory(1), nil, nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected healthz status: %d", rec.Code)
	}
}

func TestListenHTTPAcceptsHTTPPrefix(t *testing.T) {
	t.Parallel()

	ep := endpoint.Endpoint{
		Scheme:  "http",
		Address: "http://127.0.0.1:0",
	}
	ln, cleanup, err := listen(ep, nil, nil)
	if err != nil {
		t.Fatalf("listen http endpoint: %v", err)
	}
	if cleanup != nil {
		t.Fatal("expected no cleanup callback for tcp/http listener")
	}
	t.Cleanup(func() { _ = ln.Close() })
	if _, ok := ln.Addr().(*net.TCPAddr); !ok {
		t.Fatalf("expected tcp listener, got %T", ln.Addr())
	}
}

func TestListenUnixRestrictsSocketPermissions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run", "dominion.sock")
	ln, _, err := listen(endpoint.Endpoint{Scheme: "unix", Address: path}, nil, nil)
	if err != nil {
		t.Fatalf("listen unix endpoint: %v", err)
	}
	defer ln.Close()
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat socket: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Fatalf("unexpected socket permissions: %o", perm)
	}
}

func TestListenRejectsUnsupportedScheme(t *testing.T) {
	t.Parallel()

	_, _, err := listen(endpoint.Endpoint{Scheme: "tssvc", Address: "127.0.0.1:0"}, nil, nil)
	if err == nil {
		t.Fatal("expected unsupported scheme error")
	}
}

func TestListenHTTPSRequiresCertificate(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	_, _, err := listen(endpoint.Endpoint{Scheme: "https", Address: "https://127.0.0.1:0"}, nil, nil)
	if err == nil {
		t.Fatal("expected https without certificate to fail")
	}
}

type fakeTSNet struct {
	addr   string
	closed bool
	ln     net.Listener
}

func (f *fakeTSNet) Listen(network, addr string) (net.Listener, error) {
	f.addr = addr
	ln, err := net.Listen(network, "127.0.0.1:0")
	f.ln = ln
	return ln, err
}

func (f *fakeTSNet) Close() error {
	f.closed = true
	return nil
}

func TestListenTSNetUsesStateDirAndHostname(t *testing.T) {
	stateHome := t.TempDir()
	t.Setenv("XDG_STATE_HOME", stateHome)

	fake := &fakeTSNet{}
	var gotHostname, gotDir string
	orig := newTSNetServer
	newTSNetServer = func(ep endpoint.Endpoint, stateDir string, _ func(string, ...any)) tsnetServer {
		gotHostname = ep.TSNetHostname
		gotDir = stateDir
		return fake
	}
	t.Cleanup(func() { newTSNetServer = orig })

	ep, err := endpoint.ResolveListen("tsnet://builds:8443")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	ln, cleanup, err := listen(ep, nil, nil)
	if err != nil {
		t.Fatalf("listen tsnet endpoint: %v", err)
	}
	defer ln.Close()

	if gotHostname != "builds" || fake.addr != ":8443" {
		t.Fatalf("unexpected tsnet setup: hostname=%q addr=%q", gotHostname, fake.addr)
	}
	if want := filepath.Join(stateHome, "dominion", "tsnet"); gotDir != want {
		t.Fatalf("unexpected state dir: got %q want %q", gotDir, want)
	}
	if cleanup == nil {
		t.Fatal("expected cleanup to close the tsnet server")
	}
	_ = cleanup()
	if !fake.closed {
		t.Fatal("expected tsnet server closed")
	}
}

func TestServeStopsOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- Serve(ctx, endpoint.Endpoint{Scheme: "http", Address: "127.0.0.1:0"}, http.NotFoundHandler(), nil, nil)
	}()
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Serve returned error: %v", err)
	}
}
