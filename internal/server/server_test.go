package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/vivars7/payload-sentinel/internal/config"
	"github.com/vivars7/payload-sentinel/internal/health"
	"github.com/vivars7/payload-sentinel/internal/sizing"
)

// testConfig creates a minimal valid config with one default API pointing
// at backendURL and a one megabyte limit.
func testConfig(backendURL string, enforce bool) *config.Config {
	cfg := &config.Config{}
	cfg.Payload.SizeLimit = "1"
	cfg.Payload.Enforce = enforce
	cfg.APIs = []config.APIConfig{
		{
			Name:       "orders",
			PathPrefix: "/orders",
			Upstream:   backendURL,
			Default:    true,
		},
	}
	config.ApplyDefaults(cfg)
	cfg.Listen.GlobalRateLimit = 0
	cfg.Logging.Level = "error"
	return cfg
}

// setLimit applies limit to the payload section and both flows of every API.
func setLimit(cfg *config.Config, limit string) {
	cfg.Payload.SizeLimit = limit
	for i := range cfg.APIs {
		cfg.APIs[i].Inbound.SizeLimit = limit
		cfg.APIs[i].Outbound.SizeLimit = limit
	}
}

// startTestServer creates a Server with the given config, builds its handler,
// and returns an httptest.Server for integration testing.
func startTestServer(t *testing.T, cfg *config.Config) (*Server, *httptest.Server) {
	t.Helper()
	srv, err := New(cfg, "test-version")
	if err != nil {
		t.Fatalf("failed to create server: %v", err)
	}
	ts := httptest.NewServer(srv.handler())
	t.Cleanup(ts.Close)
	return srv, ts
}

// echoBackend records the length of every body it receives.
type echoBackend struct {
	mu       sync.Mutex
	received []int
}

func (b *echoBackend) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	data, _ := io.ReadAll(r.Body)
	b.mu.Lock()
	b.received = append(b.received, len(data))
	b.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Upstream-Path", r.URL.Path)
	w.Write([]byte(`{"ok":true}`))
}

func (b *echoBackend) calls() []int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]int(nil), b.received...)
}

func postJSON(t *testing.T, url string, body []byte) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestServer_Healthz(t *testing.T) {
	_, ts := startTestServer(t, testConfig("http://127.0.0.1:1", false))

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("healthz request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected status 200, got %d", resp.StatusCode)
	}
	var body health.LivenessResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if body.Status != "ok" || body.Version != "test-version" {
		t.Errorf("unexpected liveness body: %+v", body)
	}
}

func TestServer_Readyz(t *testing.T) {
	_, ts := startTestServer(t, testConfig("http://127.0.0.1:1", false))

	resp, err := http.Get(ts.URL + "/readyz")
	if err != nil {
		t.Fatalf("readyz request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected status 200, got %d", resp.StatusCode)
	}
	var body health.ReadinessResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(body.APIs) != 1 || body.APIs[0] != "orders" {
		t.Errorf("apis = %v", body.APIs)
	}
	if body.InspectedFlows != 2 {
		t.Errorf("inspected flows = %d, want 2", body.InspectedFlows)
	}
}

func TestServer_ProxiesSmallPayload(t *testing.T) {
	backend := &echoBackend{}
	upstream := httptest.NewServer(backend)
	defer upstream.Close()

	_, ts := startTestServer(t, testConfig(upstream.URL, true))

	resp := postJSON(t, ts.URL+"/orders/items", []byte(`{"id":1}`))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if got := resp.Header.Get("X-Upstream-Path"); got != "/items" {
		t.Errorf("upstream path = %q, want /items", got)
	}
	if calls := backend.calls(); len(calls) != 1 || calls[0] != len(`{"id":1}`) {
		t.Errorf("backend received %v", calls)
	}
}

func TestServer_OversizeEnforcedIs413(t *testing.T) {
	backend := &echoBackend{}
	upstream := httptest.NewServer(backend)
	defer upstream.Close()

	// A zero limit flags any body, so the rejection can be exercised
	// without the client still writing when the gateway answers.
	cfg := testConfig(upstream.URL, true)
	setLimit(cfg, "0")
	_, ts := startTestServer(t, cfg)

	resp := postJSON(t, ts.URL+"/orders", []byte(`{"id":1}`))
	if resp.StatusCode != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", resp.StatusCode)
	}
	if calls := backend.calls(); len(calls) != 0 {
		t.Errorf("blocked request reached the backend: %v", calls)
	}
}

func TestServer_OversizePermissiveForwardsEveryByte(t *testing.T) {
	backend := &echoBackend{}
	upstream := httptest.NewServer(backend)
	defer upstream.Close()

	_, ts := startTestServer(t, testConfig(upstream.URL, false))

	size := 2*sizing.BytesPerMegabyte + 17
	resp := postJSON(t, ts.URL+"/orders", bytes.Repeat([]byte("a"), size))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if calls := backend.calls(); len(calls) != 1 || calls[0] != size {
		t.Errorf("backend received %v, want [%d]", calls, size)
	}
}

func TestServer_NoRouteIs404(t *testing.T) {
	cfg := testConfig("http://127.0.0.1:1", false)
	cfg.APIs[0].Default = false
	_, ts := startTestServer(t, cfg)

	resp := postJSON(t, ts.URL+"/inventory", []byte(`{}`))
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404, got %d", resp.StatusCode)
	}
}

func TestServer_UpstreamDownIs503(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	_, ts := startTestServer(t, testConfig("http://"+addr, false))

	resp := postJSON(t, ts.URL+"/orders", []byte(`{}`))
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", resp.StatusCode)
	}
}

func TestServer_MetricsEndpoint(t *testing.T) {
	backend := &echoBackend{}
	upstream := httptest.NewServer(backend)
	defer upstream.Close()

	_, ts := startTestServer(t, testConfig(upstream.URL, false))
	postJSON(t, ts.URL+"/orders", []byte(`{"id":1}`))

	resp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("metrics request failed: %v", err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)

	for _, want := range []string{
		"payload_sentinel_requests_total",
		"payload_sentinel_inspections_total",
		"payload_sentinel_build_info",
	} {
		if !strings.Contains(string(data), want) {
			t.Errorf("metrics output missing %s", want)
		}
	}
}

func TestServer_OnConfigReload_ChangesLimit(t *testing.T) {
	backend := &echoBackend{}
	upstream := httptest.NewServer(backend)
	defer upstream.Close()

	cfg := testConfig(upstream.URL, true)
	setLimit(cfg, "0")
	srv, ts := startTestServer(t, cfg)
	body := []byte(`{"id":1}`)

	if resp := postJSON(t, ts.URL+"/orders", body); resp.StatusCode != http.StatusRequestEntityTooLarge {
		t.Fatalf("before reload: expected 413, got %d", resp.StatusCode)
	}

	next := testConfig(upstream.URL, true)
	setLimit(next, "5")
	if err := srv.OnConfigReload(next); err != nil {
		t.Fatalf("OnConfigReload: %v", err)
	}

	if resp := postJSON(t, ts.URL+"/orders", body); resp.StatusCode != http.StatusOK {
		t.Fatalf("after reload: expected 200, got %d", resp.StatusCode)
	}
}

func TestServer_OnConfigReload_RejectsBadLimit(t *testing.T) {
	srv, err := New(testConfig("http://127.0.0.1:1", false), "test")
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	bad := testConfig("http://127.0.0.1:1", false)
	bad.APIs[0].Inbound.SizeLimit = "ten"
	if err := srv.OnConfigReload(bad); err == nil {
		t.Fatal("expected error for non-integer limit")
	}
	flow, ok := srv.flows.Flow("orders", "inbound")
	if !ok || flow.Inspector.LimitMB() != 1 {
		t.Error("previous inspectors must stay in place after a failed reload")
	}
}

func TestServer_New_InvalidLimit(t *testing.T) {
	cfg := testConfig("http://127.0.0.1:1", false)
	cfg.APIs[0].Outbound.SizeLimit = "-3"
	if _, err := New(cfg, "test"); err == nil {
		t.Fatal("expected error for negative limit")
	}
}

func TestServer_TraceIDFromRequestHeader(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("X-Request-ID", "req-42")
	if got := traceID(r); got != "req-42" {
		t.Errorf("traceID = %q", got)
	}
	r.Header.Del("X-Request-ID")
	if got := traceID(r); got == "" {
		t.Error("expected a generated trace id")
	}
}

func TestServer_LimitedListener(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to create listener: %v", err)
	}

	limited := newLimitedListener(ln, 2)

	var mu sync.Mutex
	activeConns := 0
	maxActive := 0
	connReady := make(chan struct{}, 3)
	holdConns := make(chan struct{})

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		activeConns++
		if activeConns > maxActive {
			maxActive = activeConns
		}
		mu.Unlock()

		connReady <- struct{}{}
		<-holdConns

		mu.Lock()
		activeConns--
		mu.Unlock()

		w.WriteHeader(http.StatusOK)
	})

	srv := &http.Server{Handler: handler}
	go srv.Serve(limited)
	defer srv.Close()

	addr := ln.Addr().String()

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			client := &http.Client{Timeout: 5 * time.Second}
			resp, err := client.Get("http://" + addr + "/")
			if err != nil {
				return
			}
			resp.Body.Close()
		}()
	}

	<-connReady
	<-connReady
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	current := activeConns
	mu.Unlock()
	if current != 2 {
		t.Errorf("expected 2 active connections, got %d", current)
	}

	close(holdConns)
	wg.Wait()

	mu.Lock()
	observed := maxActive
	mu.Unlock()
	if observed > 2 {
		t.Errorf("max concurrent connections should be <= 2, got %d", observed)
	}
}

func TestServer_LimitedConn_CloseOnce(t *testing.T) {
	sem := make(chan struct{}, 10)
	sem <- struct{}{}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to create listener: %v", err)
	}
	defer ln.Close()

	done := make(chan net.Conn, 1)
	go func() {
		c, _ := ln.Accept()
		done <- c
	}()

	clientConn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	serverConn := <-done
	defer serverConn.Close()

	lc := &limitedConn{Conn: clientConn, sem: sem}
	lc.Close()
	lc.Close()

	if len(sem) != 0 {
		t.Errorf("expected semaphore to be empty after close, got %d", len(sem))
	}
}

func TestServer_StartAndShutdown(t *testing.T) {
	cfg := testConfig("http://127.0.0.1:1", false)
	cfg.Listen.Host = "127.0.0.1"
	cfg.Listen.Port = 0

	srv, err := New(cfg, "test")
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start(ctx)
	}()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("Start() returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down within 5 seconds")
	}
}

func TestServer_StartWithInjectedListener(t *testing.T) {
	backend := &echoBackend{}
	upstream := httptest.NewServer(backend)
	defer upstream.Close()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv, err := New(testConfig(upstream.URL, false), "test")
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	srv.listener = ln

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start(ctx) }()

	url := "http://" + ln.Addr().String() + "/readyz"
	var resp *http.Response
	for i := 0; i < 50; i++ {
		resp, err = http.Get(url)
		if err == nil {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("server never came up: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("readyz = %d, want 200", resp.StatusCode)
	}

	cancel()
	if err := <-errCh; err != nil {
		t.Errorf("Start() returned error: %v", err)
	}
}

func TestServer_Start_ListenError(t *testing.T) {
	cfg := testConfig("http://127.0.0.1:1", false)
	cfg.Listen.Host = "256.256.256.256"
	cfg.Listen.Port = 9999

	srv, err := New(cfg, "test")
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	if err := srv.Start(context.Background()); err == nil {
		t.Fatal("expected error for invalid listen address")
	}
}

// failingListener fails every Accept so Serve returns at once.
type failingListener struct{ net.Listener }

func (failingListener) Accept() (net.Conn, error) {
	return nil, errors.New("accept failed")
}

func TestServer_ServeErrorStopsGRPC(t *testing.T) {
	probe, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	grpcPort := probe.Addr().(*net.TCPAddr).Port
	probe.Close()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	cfg := testConfig("http://127.0.0.1:1", false)
	cfg.Listen.Host = "127.0.0.1"
	cfg.Listen.GRPCPort = grpcPort
	srv, err := New(cfg, "test")
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	srv.listener = failingListener{Listener: ln}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start(context.Background()) }()

	select {
	case err := <-errCh:
		if err == nil {
			t.Fatal("expected Start to return the serve error")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Start did not return after the serve error")
	}

	grpcAddr := fmt.Sprintf("127.0.0.1:%d", grpcPort)
	deadline := time.Now().Add(2 * time.Second)
	for {
		conn, err := net.DialTimeout("tcp", grpcAddr, 100*time.Millisecond)
		if err != nil {
			break
		}
		conn.Close()
		if time.Now().After(deadline) {
			t.Fatal("gRPC listener still accepting after Start returned")
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestServer_ShutdownMarksNotReady(t *testing.T) {
	srv, ts := startTestServer(t, testConfig("http://127.0.0.1:1", false))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown with nil httpServer should not error, got: %v", err)
	}

	resp, err := http.Get(ts.URL + "/readyz")
	if err != nil {
		t.Fatalf("readyz request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("expected 503 while draining, got %d", resp.StatusCode)
	}
}

func TestServer_GRPCConfigured(t *testing.T) {
	cfg := testConfig("http://127.0.0.1:1", false)
	cfg.Listen.GRPCPort = 50051
	srv, err := New(cfg, "test")
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	if srv.grpcServer == nil {
		t.Fatal("expected gRPC server when grpc_port is set")
	}
	srv.grpcServer.GracefulStop()
}

func TestParseLevel(t *testing.T) {
	tests := map[string]string{
		"debug": "DEBUG",
		"warn":  "WARN",
		"error": "ERROR",
		"info":  "INFO",
		"":      "INFO",
	}
	for in, want := range tests {
		if got := parseLevel(in).String(); got != want {
			t.Errorf("parseLevel(%q) = %s, want %s", in, got, want)
		}
	}
}
