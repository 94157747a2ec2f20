package app_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/parleyvoice/parley/internal/app"
	"github.com/parleyvoice/parley/internal/config"
	"github.com/parleyvoice/parley/internal/deploy"
	llmmock "github.com/parleyvoice/parley/pkg/provider/llm/mock"
	sttmock "github.com/parleyvoice/parley/pkg/provider/stt/mock"
	ttsmock "github.com/parleyvoice/parley/pkg/provider/tts/mock"
)

const workerSource = `
registerAgent({
	instructions: "You are the hotel concierge.",
	greeting: "Welcome!",
	voice: "luna",
	tools: [{
		name: "get_weather",
		description: "Get the weather for a city.",
		parameters: {type: "object", properties: {city: {type: "string"}}},
		handler: async (args, ctx) => "Sunny, 72F",
	}],
});
`

// testConfig returns a minimal valid config with an isolated bundle dir.
func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Server.ListenAddr = "127.0.0.1:0"
	cfg.Deploy.BundleDir = t.TempDir()
	return cfg
}

// testProviders returns providers with mock STT/TTS/LLM.
func testProviders() *app.Providers {
	return &app.Providers{
		STT: &sttmock.Provider{},
		TTS: &ttsmock.Provider{},
		LLM: &llmmock.Provider{},
	}
}

func newTestApp(t *testing.T, cfg *config.Config) *app.App {
	t.Helper()
	a, err := app.New(context.Background(), cfg, testProviders(),
		app.WithIndex(deploy.NewMemoryIndex()),
	)
	if err != nil {
		t.Fatalf("New() returned error: %v", err)
	}
	return a
}

func TestNew_WithMocks(t *testing.T) {
	t.Parallel()

	a := newTestApp(t, testConfig(t))
	if a.Handler() == nil {
		t.Fatal("Handler() returned nil")
	}
}

func TestNew_RequiresProviders(t *testing.T) {
	t.Parallel()

	if _, err := app.New(context.Background(), testConfig(t), &app.Providers{}); err == nil {
		t.Fatal("New() accepted empty providers")
	}
}

func TestHealthAndMetricsRoutes(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(newTestApp(t, testConfig(t)).Handler())
	defer srv.Close()

	for _, path := range []string{"/healthz", "/readyz", "/metrics"} {
		resp, err := http.Get(srv.URL + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("GET %s status = %d, want 200", path, resp.StatusCode)
		}
	}
}

func TestDeployAndServeClient(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(newTestApp(t, testConfig(t)).Handler())
	defer srv.Close()

	body := `{
		"slug": "concierge",
		"env": {"ASSEMBLYAI_API_KEY": "k1", "ASSEMBLYAI_TTS_API_KEY": "k2"},
		"worker": ` + jsonString(workerSource) + `,
		"client": "export {};"
	}`
	resp, err := http.Post(srv.URL+"/deploy", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST /deploy: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("POST /deploy status = %d, want 200", resp.StatusCode)
	}

	clientResp, err := http.Get(srv.URL + "/concierge/client.js")
	if err != nil {
		t.Fatalf("GET client.js: %v", err)
	}
	defer clientResp.Body.Close()
	src, _ := io.ReadAll(clientResp.Body)
	if string(src) != "export {};" {
		t.Errorf("client source = %q", src)
	}

	pageResp, err := http.Get(srv.URL + "/concierge/")
	if err != nil {
		t.Fatalf("GET page: %v", err)
	}
	pageResp.Body.Close()
	if got := pageResp.Header.Get("Content-Type"); !strings.HasPrefix(got, "text/html") {
		t.Errorf("page content type = %q", got)
	}
}

func TestDeploy_MissingSecretsRejected(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(newTestApp(t, testConfig(t)).Handler())
	defer srv.Close()

	body := `{"slug": "concierge", "env": {}, "worker": ` + jsonString(workerSource) + `, "client": ""}`
	resp, err := http.Post(srv.URL+"/deploy", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST /deploy: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestFixedAgentMode(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	workerPath := filepath.Join(dir, "worker.js")
	clientPath := filepath.Join(dir, "client.js")
	if err := os.WriteFile(workerPath, []byte(workerSource), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(clientPath, []byte("// fixed client"), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg := testConfig(t)
	cfg.Agent.WorkerFile = workerPath
	cfg.Agent.ClientFile = clientPath
	cfg.Agent.Slug = "front-desk"

	srv := httptest.NewServer(newTestApp(t, cfg).Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/front-desk/client.js")
	if err != nil {
		t.Fatalf("GET client.js: %v", err)
	}
	defer resp.Body.Close()
	src, _ := io.ReadAll(resp.Body)
	if string(src) != "// fixed client" {
		t.Errorf("client source = %q", src)
	}
}

func TestNew_FixedAgentMissingFile(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.Agent.WorkerFile = filepath.Join(t.TempDir(), "nope.js")

	_, err := app.New(context.Background(), cfg, testProviders(),
		app.WithIndex(deploy.NewMemoryIndex()),
	)
	if err == nil {
		t.Fatal("New() accepted a missing worker file")
	}
}

func TestApp_Shutdown(t *testing.T) {
	t.Parallel()

	a := newTestApp(t, testConfig(t))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := a.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error: %v", err)
	}
	// Second call is a guarded no-op.
	if err := a.Shutdown(ctx); err != nil {
		t.Fatalf("second Shutdown() error: %v", err)
	}
}

func TestApp_RunAndShutdown(t *testing.T) {
	t.Parallel()

	a := newTestApp(t, testConfig(t))

	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() {
		errCh <- a.Run(ctx)
	}()

	// Give Run a moment to bind the listener.
	time.Sleep(50 * time.Millisecond)

	cancel()

	select {
	case err := <-errCh:
		if err != nil && err != context.Canceled {
			t.Fatalf("Run() returned unexpected error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run() did not return within 5s after context cancellation")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := a.Shutdown(shutdownCtx); err != nil {
		t.Fatalf("Shutdown() error: %v", err)
	}
}

// jsonString quotes s as a JSON string literal.
func jsonString(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}
