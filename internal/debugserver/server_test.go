package debugserver

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"testing"

	"agentcore/pkg/logx"
)

func startTestServer(t *testing.T, cfg Config, health HealthFunc) *Server {
	t.Helper()
	cfg.Enabled = true
	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:0"
	}
	s := New(cfg, logx.Nop(), nil, health)
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { s.Stop(context.Background()) })
	return s
}

func TestHealthzLiveness(t *testing.T) {
	s := startTestServer(t, Config{}, nil)

	resp, err := http.Get("http://" + s.Addr() + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	b, _ := io.ReadAll(resp.Body)
	if string(b) != "ok" {
		t.Fatalf("body = %q, want ok", b)
	}
}

func TestHealthzDetailAndStatusCode(t *testing.T) {
	s := startTestServer(t, Config{}, func() (any, bool) {
		return map[string]string{"overall": "unhealthy"}, false
	})

	resp, err := http.Get("http://" + s.Addr() + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", resp.StatusCode)
	}
	var got map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if got["overall"] != "unhealthy" {
		t.Fatalf("body = %v", got)
	}
}

func TestTokenGuard(t *testing.T) {
	s := startTestServer(t, Config{Token: "sekrit"}, nil)
	base := "http://" + s.Addr()

	resp, err := http.Get(base + "/healthz")
	if err != nil {
		t.Fatalf("GET without token: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status without token = %d, want 401", resp.StatusCode)
	}

	resp, err = http.Get(base + "/healthz?token=sekrit")
	if err != nil {
		t.Fatalf("GET with query token: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status with query token = %d, want 200", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodGet, base+"/healthz", nil)
	req.Header.Set("Authorization", "Bearer sekrit")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET with bearer: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status with bearer = %d, want 200", resp.StatusCode)
	}
}

func TestInsecureBindRefused(t *testing.T) {
	s := New(Config{Enabled: true, Addr: "0.0.0.0:0"}, logx.Nop(), nil, nil)
	if err := s.Start(); err == nil {
		s.Stop(context.Background())
		t.Fatal("expected refusal for tokenless non-loopback bind")
	}
}

func TestStartDisabledNoop(t *testing.T) {
	s := New(Config{Enabled: false}, logx.Nop(), nil, nil)
	if err := s.Start(); err != nil {
		t.Fatalf("Start disabled: %v", err)
	}
	if s.Addr() != "" {
		t.Fatal("disabled server must not listen")
	}
}
