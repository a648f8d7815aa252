//go:build integration

package daemon_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/phantomvault/phantomd/pkg/config"
	"github.com/phantomvault/phantomd/pkg/crypto"
	"github.com/phantomvault/phantomd/pkg/server"
)

// TestDaemon_Integration boots a full phantomd daemon and drives the
// lock/unlock lifecycle over the loopback control plane.
//
// Prerequisites:
//   - None (everything runs against temp directories on loopback)
//   - Run with: go test -tags=integration ./test/integration/daemon/...
//
// This test verifies that the daemon:
//   - Starts, answers /health, and shuts down on context cancellation
//   - Creates a profile and locks/unlocks a real folder over RPC
//   - Relocks temporarily unlocked folders during shutdown
func TestDaemon_Integration(t *testing.T) {
	// ========================================================================
	// Setup: configuration against temp directories and a free port
	// ========================================================================

	tempDir, err := os.MkdirTemp("", "phantomd-daemon-*")
	if err != nil {
		t.Fatalf("Failed to create temp directory: %v", err)
	}
	defer os.RemoveAll(tempDir)

	port := freePort(t)

	cfg := &config.Config{}
	config.ApplyDefaults(cfg)
	cfg.Control.Port = port
	cfg.Vault.Root = filepath.Join(tempDir, "vaults")
	cfg.Crypto.KDFIterations = crypto.MinIterations
	cfg.Analytics.Enabled = true
	cfg.Analytics.Path = filepath.Join(tempDir, "analytics")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	srv, err := server.New(ctx, cfg, "integration")
	if err != nil {
		t.Fatalf("Failed to build server: %v", err)
	}

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve(ctx) }()

	base := fmt.Sprintf("http://127.0.0.1:%d", port)
	waitHealthy(t, base)

	// ========================================================================
	// Lifecycle: create profile, lock, unlock over RPC
	// ========================================================================

	const masterKey = "correct horse battery staple"

	resp := rpc(t, base, "create_profile", map[string]string{
		"name":       "integration",
		"master_key": masterKey,
	})
	profileID, _ := resp["profile_id"].(string)
	if profileID == "" {
		t.Fatalf("create_profile returned no profile id: %v", resp)
	}

	folder := filepath.Join(tempDir, "docs")
	if err := os.MkdirAll(folder, 0o755); err != nil {
		t.Fatalf("Failed to create folder: %v", err)
	}
	if err := os.WriteFile(filepath.Join(folder, "a.txt"), []byte("alpha"), 0o644); err != nil {
		t.Fatalf("Failed to write file: %v", err)
	}

	rpc(t, base, "lock_folder", map[string]string{
		"profile_id": profileID,
		"path":       folder,
		"master_key": masterKey,
	})
	if _, err := os.Stat(folder); !os.IsNotExist(err) {
		t.Fatalf("Folder still present after lock: %v", err)
	}

	rpc(t, base, "unlock_folder", map[string]string{
		"profile_id": profileID,
		"path":       folder,
		"master_key": masterKey,
		"mode":       "temporary",
	})
	content, err := os.ReadFile(filepath.Join(folder, "a.txt"))
	if err != nil {
		t.Fatalf("Failed to read restored file: %v", err)
	}
	if string(content) != "alpha" {
		t.Fatalf("Restored content mismatch: %q", content)
	}

	// ========================================================================
	// Shutdown: cancellation must relock the temporary folder
	// ========================================================================

	cancel()
	select {
	case err := <-serveErr:
		if err != nil && err != context.Canceled {
			t.Fatalf("Serve returned error: %v", err)
		}
	case <-time.After(30 * time.Second):
		t.Fatal("Daemon did not shut down in time")
	}

	if _, err := os.Stat(folder); !os.IsNotExist(err) {
		t.Fatalf("Temporarily unlocked folder not relocked at shutdown: %v", err)
	}
}

// freePort grabs an ephemeral loopback port and releases it for the daemon.
func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to allocate port: %v", err)
	}
	port := l.Addr().(*net.TCPAddr).Port
	_ = l.Close()
	return port
}

func waitHealthy(t *testing.T, base string) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := http.Get(base + "/health")
		if err == nil {
			_ = resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return
			}
		}
		time.Sleep(100 * time.Millisecond)
	}
	t.Fatal("Daemon never became healthy")
}

// rpc posts one control-plane command and fails the test on a non-2xx
// status. Returns the response data object (possibly nil).
func rpc(t *testing.T, base, kind string, payload interface{}) map[string]interface{} {
	t.Helper()

	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("Failed to marshal payload: %v", err)
	}
	body, err := json.Marshal(map[string]interface{}{
		"kind":    kind,
		"payload": json.RawMessage(raw),
	})
	if err != nil {
		t.Fatalf("Failed to marshal request: %v", err)
	}

	resp, err := http.Post(base+"/v1/rpc", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("RPC %s failed: %v", kind, err)
	}
	defer resp.Body.Close()

	var out struct {
		Success bool                   `json:"success"`
		Message string                 `json:"message"`
		Data    map[string]interface{} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("RPC %s: failed to decode response: %v", kind, err)
	}
	if resp.StatusCode != http.StatusOK || !out.Success {
		t.Fatalf("RPC %s: status %d message %q", kind, resp.StatusCode, out.Message)
	}
	return out.Data
}
