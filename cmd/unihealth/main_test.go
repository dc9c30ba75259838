package main

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/unihealth/unihealth/internal/config"
	"github.com/unihealth/unihealth/internal/domain/account"
	"github.com/unihealth/unihealth/internal/platform/changefeed"
	"github.com/unihealth/unihealth/internal/platform/tree"
)

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func testConfig() *config.Config {
	return &config.Config{
		Env:           "development",
		LogLevel:      "info",
		AuthIssuer:    "unihealth-test",
		AuthTokenTTL:  time.Hour,
		CORSOrigins:   []string{"*"},
		BodyLimit:     "1M",
		TreeBodyLimit: "10M",
		KafkaTopic:    "unihealth.changes",
	}
}

func newTestServer(t *testing.T, cfg *config.Config) *httptest.Server {
	t.Helper()
	m := tree.NewMemory()
	b := &backend{tree: m, stop: func() { m.Close() }}
	srv := newServer(cfg, zerolog.Nop(), b, changefeed.NewLogPublisher(zerolog.Nop()))
	ts := httptest.NewServer(srv.echo)
	t.Cleanup(func() {
		ts.Close()
		b.Close()
	})
	return ts
}

func do(t *testing.T, method, url, token, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func signUp(t *testing.T, base string) account.Session {
	t.Helper()
	resp := do(t, http.MethodPost, base+"/auth/signup", "", `{"name":"Ana","email":"ana@example.com","password":"secret1"}`)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("signup status = %d", resp.StatusCode)
	}
	var sess account.Session
	if err := json.NewDecoder(resp.Body).Decode(&sess); err != nil {
		t.Fatal(err)
	}
	return sess
}

// ---------------------------------------------------------------------------
// Server wiring
// ---------------------------------------------------------------------------

func TestServer_PublicEndpoints(t *testing.T) {
	ts := newTestServer(t, testConfig())

	for _, path := range []string{"/health", "/health/db", "/metrics"} {
		resp := do(t, http.MethodGet, ts.URL+path, "", "")
		if resp.StatusCode != http.StatusOK {
			t.Errorf("GET %s = %d, want 200", path, resp.StatusCode)
		}
		if resp.Header.Get("X-Request-ID") == "" {
			t.Errorf("GET %s: missing request id", path)
		}
		if resp.Header.Get("X-Content-Type-Options") != "nosniff" {
			t.Errorf("GET %s: missing security headers", path)
		}
	}
}

func TestServer_TreeRequiresSession(t *testing.T) {
	ts := newTestServer(t, testConfig())

	resp := do(t, http.MethodGet, ts.URL+"/tree/users", "", "")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", resp.StatusCode)
	}
	resp = do(t, http.MethodGet, ts.URL+"/tree/users", "not-a-token", "")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("bad token status = %d, want 401", resp.StatusCode)
	}
}

func TestServer_SignUpThenReadProfile(t *testing.T) {
	ts := newTestServer(t, testConfig())
	sess := signUp(t, ts.URL)

	resp := do(t, http.MethodGet, ts.URL+"/tree/users/"+sess.Identity.UID, sess.Token, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var profile map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&profile); err != nil {
		t.Fatal(err)
	}
	if profile["email"] != "ana@example.com" || profile["role"] != "patient" {
		t.Errorf("profile = %v", profile)
	}

	me := do(t, http.MethodGet, ts.URL+"/auth/me", sess.Token, "")
	if me.StatusCode != http.StatusOK {
		t.Errorf("/auth/me status = %d", me.StatusCode)
	}
}

func TestServer_MetricsCountChanges(t *testing.T) {
	ts := newTestServer(t, testConfig())
	signUp(t, ts.URL)

	resp := do(t, http.MethodGet, ts.URL+"/metrics", "", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{
		`tree_changes_total{collection="users",op="set"}`,
		`http_requests_total{method="POST",route="/auth/signup",status="201"}`,
		"websocket_clients 0",
	} {
		if !strings.Contains(string(body), want) {
			t.Errorf("metrics missing %q", want)
		}
	}
}

func TestServer_CredentialsNeverExposed(t *testing.T) {
	ts := newTestServer(t, testConfig())
	sess := signUp(t, ts.URL)

	for _, p := range []string{"/tree/credentials", "/tree/"} {
		resp := do(t, http.MethodGet, ts.URL+p, sess.Token, "")
		if resp.StatusCode == http.StatusOK {
			t.Errorf("GET %s returned 200", p)
		}
	}
}

func TestServer_SandboxOnlyInDevelopment(t *testing.T) {
	cfg := testConfig()
	dev := newTestServer(t, cfg)
	sess := signUp(t, dev.URL)

	body := `{"doctorCount":1,"patientCount":1,"appointmentsPerPatient":1,"password":"secret1","emailDomain":"seed.test","seed":3}`
	resp := do(t, http.MethodPost, dev.URL+"/sandbox/seed", sess.Token, body)
	if resp.StatusCode != http.StatusCreated {
		t.Errorf("dev seed status = %d, want 201", resp.StatusCode)
	}

	cfg = testConfig()
	cfg.Env = "staging"
	staging := newTestServer(t, cfg)
	sess = signUp(t, staging.URL)
	resp = do(t, http.MethodPost, staging.URL+"/sandbox/seed", sess.Token, body)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("staging seed status = %d, want 404", resp.StatusCode)
	}
}

// ---------------------------------------------------------------------------
// Backend and publishers
// ---------------------------------------------------------------------------

func TestOpenBackend_Memory(t *testing.T) {
	b, err := openBackend(context.Background(), testConfig(), zerolog.Nop(), true)
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()
	if _, ok := b.tree.(*tree.Memory); !ok {
		t.Errorf("backend = %T, want *tree.Memory", b.tree)
	}
	if b.pool != nil {
		t.Error("memory backend has a pool")
	}
}

func TestOpenPool_RequiresDatabaseURL(t *testing.T) {
	if _, err := openPool(context.Background(), testConfig()); err != errPostgresRequired {
		t.Errorf("got %v, want errPostgresRequired", err)
	}
}

func TestNewPublisher(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *config.Config)
		check  func(t *testing.T, p changefeed.Publisher)
	}{
		{"log by default", func(c *config.Config) {}, func(t *testing.T, p changefeed.Publisher) {
			if _, ok := p.(*changefeed.LogPublisher); !ok {
				t.Errorf("got %T", p)
			}
		}},
		{"kafka", func(c *config.Config) { c.KafkaBrokers = []string{"localhost:9092"} }, func(t *testing.T, p changefeed.Publisher) {
			if _, ok := p.(*changefeed.KafkaPublisher); !ok {
				t.Errorf("got %T", p)
			}
		}},
		{"kafka and webhook", func(c *config.Config) {
			c.KafkaBrokers = []string{"localhost:9092"}
			c.WebhookURL = "https://hooks.example.com/changes"
			c.WebhookSecret = "s3cret"
		}, func(t *testing.T, p changefeed.Publisher) {
			m, ok := p.(changefeed.Multi)
			if !ok || len(m) != 2 {
				t.Errorf("got %T %v", p, p)
			}
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			tt.mutate(cfg)
			p, err := newPublisher(cfg, zerolog.Nop())
			if err != nil {
				t.Fatal(err)
			}
			defer p.Close()
			tt.check(t, p)
		})
	}
}

func TestNewBlobStore_RequiresBucket(t *testing.T) {
	if _, err := newBlobStore(context.Background(), testConfig()); err == nil {
		t.Error("expected error without S3_BUCKET")
	}
}
