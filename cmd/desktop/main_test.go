// Package main tests for agent wiring, routing and the event stream.
package main

import (
	"bytes"
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"github.com/nf-motors/vehicle-eval/backend/cmd/desktop/handlers"
	"github.com/nf-motors/vehicle-eval/backend/internal/config"
	"github.com/nf-motors/vehicle-eval/backend/internal/db"
	"github.com/nf-motors/vehicle-eval/backend/internal/models"
	"github.com/nf-motors/vehicle-eval/backend/internal/sync"
	"github.com/nf-motors/vehicle-eval/backend/internal/sync/monitor"
)

// =====================================================
// Test Helpers
// =====================================================

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Remote.URL = "http://remote.test"
	cfg.Sync.ProbeDelay = 10 * time.Millisecond
	cfg.Sync.CheckInterval = time.Hour
	cfg.Sync.ProbeTimeout = 100 * time.Millisecond
	cfg.Sync.MaxImageBytes = 1 << 20
	return cfg
}

func newTestApp(t *testing.T, gw *sync.MockGateway) *app {
	t.Helper()
	database, err := db.OpenFile(":memory:")
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}
	a := newApp(testConfig(), database, gw, false)
	t.Cleanup(func() {
		a.repo.Close()
		database.Close()
	})
	return a
}

// setupTestServer runs the monitor and hub of a test app behind an
// httptest server.
func setupTestServer(t *testing.T) (*app, *httptest.Server) {
	t.Helper()
	a := newTestApp(t, sync.NewMockGateway())

	ctx, cancel := context.WithCancel(context.Background())
	events, unsubscribe := a.monitor.Subscribe(16)
	a.monitor.Start(ctx)
	hubDone := make(chan struct{})
	go func() {
		a.hub.Run(ctx)
		close(hubDone)
	}()
	forwardDone := make(chan struct{})
	go func() {
		a.hub.Forward(ctx, events)
		close(forwardDone)
	}()

	srv := httptest.NewServer(a.routes())
	t.Cleanup(func() {
		cancel()
		<-hubDone
		<-forwardDone
		a.monitor.Stop()
		unsubscribe()
		srv.Close()
	})
	return a, srv
}

func doJSON(t *testing.T, method, url string, body interface{}) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req, err := http.NewRequest(method, url, &buf)
	if err != nil {
		t.Fatalf("NewRequest failed: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(handlers.UserHeader, "user-1")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s failed: %v", method, url, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

// =====================================================
// Routing Tests
// =====================================================

func TestRoutes_health(t *testing.T) {
	_, srv := setupTestServer(t)

	resp := doJSON(t, http.MethodGet, srv.URL+"/api/health", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var body map[string]string
	json.NewDecoder(resp.Body).Decode(&body)
	if body["status"] != "ok" || body["mode"] != "offline" {
		t.Errorf("health = %v", body)
	}

	resp = doJSON(t, http.MethodPost, srv.URL+"/api/health", nil)
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("POST status = %d, want 405", resp.StatusCode)
	}
}

func TestRoutes_records(t *testing.T) {
	_, srv := setupTestServer(t)

	resp := doJSON(t, http.MethodPost, srv.URL+"/api/records", map[string]any{"model": "Corolla"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d", resp.StatusCode)
	}
	var rec models.Record
	json.NewDecoder(resp.Body).Decode(&rec)

	resp = doJSON(t, http.MethodGet, srv.URL+"/api/records/"+rec.ID, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get status = %d", resp.StatusCode)
	}
	resp = doJSON(t, http.MethodPatch, srv.URL+"/api/records/"+rec.ID, map[string]any{"color": "red"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("patch status = %d", resp.StatusCode)
	}
	resp = doJSON(t, http.MethodDelete, srv.URL+"/api/records/"+rec.ID, nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete status = %d", resp.StatusCode)
	}

	resp = doJSON(t, http.MethodGet, srv.URL+"/api/sync/status", nil)
	var status struct {
		Queue struct {
			Total int `json:"total"`
		} `json:"queue"`
	}
	json.NewDecoder(resp.Body).Decode(&status)
	if status.Queue.Total != 3 {
		t.Errorf("queue total = %d, want 3", status.Queue.Total)
	}
}

func TestRoutes_metrics(t *testing.T) {
	_, srv := setupTestServer(t)

	resp := doJSON(t, http.MethodGet, srv.URL+"/metrics", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	for _, name := range []string{"vehicle_eval_sync_queue_depth", "vehicle_eval_sync_connectivity_state", "go_goroutines"} {
		if !strings.Contains(string(body), name) {
			t.Errorf("metrics missing %s", name)
		}
	}
}

// =====================================================
// WebSocket Tests
// =====================================================

func TestLocalOrigin(t *testing.T) {
	tests := []struct {
		origin string
		want   bool
	}{
		{"", true},
		{"http://localhost:5173", true},
		{"http://127.0.0.1:8090", true},
		{"https://evil.example", false},
		{"::not a url", false},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodGet, "/ws", nil)
		if tt.origin != "" {
			req.Header.Set("Origin", tt.origin)
		}
		if got := localOrigin(req); got != tt.want {
			t.Errorf("localOrigin(%q) = %v, want %v", tt.origin, got, tt.want)
		}
	}
}

func TestWebSocket_events(t *testing.T) {
	_, srv := setupTestServer(t)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close()

	if err := conn.WriteJSON(map[string]any{"action": "subscribe", "events": []string{"connection.changed"}}); err != nil {
		t.Fatalf("WriteJSON failed: %v", err)
	}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ack map[string]any
	if err := conn.ReadJSON(&ack); err != nil || ack["action"] != "subscribe_ack" {
		t.Fatalf("ack = %v, %v", ack, err)
	}

	resp := doJSON(t, http.MethodPost, srv.URL+"/api/network", map[string]any{"online": true})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("network status = %d", resp.StatusCode)
	}

	var modes []string
	for len(modes) < 2 {
		var env WSEnvelope
		if err := conn.ReadJSON(&env); err != nil {
			t.Fatalf("ReadJSON failed after %v: %v", modes, err)
		}
		if env.Type != "connection.changed" {
			t.Fatalf("received unsubscribed event %q", env.Type)
		}
		modes = append(modes, env.Message)
	}
	if modes[0] != "server unreachable, changes are saved locally" || modes[1] != "connected" {
		t.Errorf("messages = %v", modes)
	}
}

func TestBroadcast_afterStop(t *testing.T) {
	hub := NewWSHub()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	hub.Run(ctx)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 300; i++ {
			hub.Broadcast(monitor.SyncStarted{Queued: i})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Broadcast() blocked on a stopped hub")
	}
	if hub.add(&WSClient{id: "late"}) {
		t.Error("add() accepted a client after stop")
	}
}

// =====================================================
// Lifecycle Tests
// =====================================================

func TestServe_shutdown(t *testing.T) {
	a := newTestApp(t, sync.NewMockGateway())

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	ctx, cancel := context.WithCancel(context.Background())
	srv := &http.Server{Addr: addr, Handler: a.routes()}
	errc := make(chan error, 1)
	go func() { errc <- a.serve(ctx, srv) }()

	deadline := time.Now().Add(2 * time.Second)
	for {
		resp, err := http.Get("http://" + addr + "/api/health")
		if err == nil {
			resp.Body.Close()
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("server never came up: %v", err)
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-errc:
		if err != nil {
			t.Errorf("serve() = %v", err)
		}
	case <-time.After(shutdownTimeout + time.Second):
		t.Fatal("serve() did not return")
	}
}
