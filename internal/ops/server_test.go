package ops

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"testing"
	"time"

	"noisegate/internal/gate"
	logx "noisegate/pkg/logx"
)

func waitForHTTP(ctx context.Context, url string) error {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		reqCtx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
		req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, http.NoBody)
		if err != nil {
			cancel()
			return err
		}
		resp, err := http.DefaultClient.Do(req)
		cancel()
		if err == nil && resp != nil {
			_ = resp.Body.Close()
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func startTestServer(t *testing.T, cfg Config, g *gate.Service) *Service {
	t.Helper()
	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:0"
	}
	cfg.Enabled = true
	srv := New(cfg, g, nil, logx.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	t.Cleanup(cancel)

	srv.Start(ctx)
	t.Cleanup(func() { srv.Stop(context.Background()) })

	addr := srv.Addr()
	if addr == "" {
		t.Fatal("ops server did not bind")
	}
	if err := waitForHTTP(ctx, "http://"+addr+"/healthz"); err != nil {
		t.Fatalf("ops server not reachable: %v", err)
	}
	return srv
}

func testGate() *gate.Service {
	return gate.New(gate.Config{Enabled: true, Window: time.Hour, DedupWindow: time.Hour}, logx.Nop(), nil)
}

func TestSnapshotEndpoint(t *testing.T) {
	g := testGate()
	g.RecordContent("general", "alice")
	srv := startTestServer(t, Config{}, g)

	resp, err := http.Get("http://" + srv.Addr() + "/api/v1/snapshot")
	if err != nil {
		t.Fatalf("get snapshot: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	var snap struct {
		Enabled  bool `json:"enabled"`
		Channels []struct {
			Channel string `json:"channel"`
			Total   int    `json:"total"`
		} `json:"channels"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !snap.Enabled || len(snap.Channels) != 1 || snap.Channels[0].Total != 1 {
		t.Fatalf("snapshot = %+v", snap)
	}
}

func TestCanaryEndpoint(t *testing.T) {
	srv := startTestServer(t, Config{}, testGate())

	resp, err := http.Get("http://" + srv.Addr() + "/api/v1/canary")
	if err != nil {
		t.Fatalf("get canary: %v", err)
	}
	defer resp.Body.Close()

	var m struct {
		Rollback struct {
			Threshold         int  `json:"threshold"`
			RollbackTriggered bool `json:"rollback_triggered"`
		} `json:"rollback"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&m); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if m.Rollback.Threshold == 0 || m.Rollback.RollbackTriggered {
		t.Fatalf("rollback = %+v", m.Rollback)
	}
}

func TestSuppressionsEndpointValidation(t *testing.T) {
	srv := startTestServer(t, Config{}, testGate())

	for _, q := range []string{"limit=-1", "limit=abc", "since=yesterday"} {
		resp, err := http.Get("http://" + srv.Addr() + "/api/v1/suppressions?" + q)
		if err != nil {
			t.Fatalf("get suppressions: %v", err)
		}
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("query %q: status = %d, body %q", q, resp.StatusCode, body)
		}
	}

	resp, err := http.Get("http://" + srv.Addr() + "/api/v1/suppressions?limit=5&since=" + time.Now().Add(-time.Hour).UTC().Format(time.RFC3339))
	if err != nil {
		t.Fatalf("get suppressions: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestBearerTokenAuth(t *testing.T) {
	srv := startTestServer(t, Config{Token: "s3cret"}, testGate())

	// Health stays open for probes.
	resp, err := http.Get("http://" + srv.Addr() + "/healthz")
	if err != nil {
		t.Fatalf("get healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz status = %d", resp.StatusCode)
	}

	resp, err = http.Get("http://" + srv.Addr() + "/api/v1/snapshot")
	if err != nil {
		t.Fatalf("get snapshot: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unauthenticated status = %d, want 401", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodGet, "http://"+srv.Addr()+"/api/v1/snapshot", http.NoBody)
	req.Header.Set("Authorization", "Bearer s3cret")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("authorized get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("authorized status = %d", resp.StatusCode)
	}
}

func TestReconfigureDisableStopsServer(t *testing.T) {
	srv := startTestServer(t, Config{}, testGate())
	addr := srv.Addr()

	srv.Reconfigure(context.Background(), Config{Enabled: false})
	if got := srv.Addr(); got != "" {
		t.Fatalf("server still bound at %s", got)
	}

	_, err := http.Get("http://" + addr + "/healthz")
	if err == nil {
		t.Fatal("expected connection failure after disable")
	}
}
