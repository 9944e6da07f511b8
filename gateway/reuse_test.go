package gateway

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDockerConfigHash(t *testing.T) {
	tests := []struct {
		name  string
		a, b  DockerConfig
		equal bool
	}{
		{
			name:  "deterministic",
			a:     DockerConfig{Image: "jupyter/kernel-gateway:3.0", HostPort: 8888},
			b:     DockerConfig{Image: "jupyter/kernel-gateway:3.0", HostPort: 8888},
			equal: true,
		},
		{
			name:  "image matters",
			a:     DockerConfig{Image: "jupyter/kernel-gateway:3.0"},
			b:     DockerConfig{Image: "jupyter/kernel-gateway:2.5"},
			equal: false,
		},
		{
			name:  "host port matters",
			a:     DockerConfig{Image: "jupyter/kernel-gateway:3.0", HostPort: 8888},
			b:     DockerConfig{Image: "jupyter/kernel-gateway:3.0", HostPort: 9999},
			equal: false,
		},
		{
			name:  "start timeout excluded",
			a:     DockerConfig{Image: "jupyter/kernel-gateway:3.0", StartTimeout: time.Minute},
			b:     DockerConfig{Image: "jupyter/kernel-gateway:3.0", StartTimeout: 5 * time.Minute},
			equal: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ha, hb := dockerConfigHash(tt.a), dockerConfigHash(tt.b)
			if tt.equal && ha != hb {
				t.Errorf("expected equal hashes: %q != %q", ha, hb)
			}
			if !tt.equal && ha == hb {
				t.Errorf("expected different hashes: %q == %q", ha, hb)
			}
		})
	}
}

func TestDiscoveryDir_XDG(t *testing.T) {
	tmpDir := t.TempDir()
	t.Setenv("XDG_RUNTIME_DIR", tmpDir)

	dir, err := discoveryDir()
	if err != nil {
		t.Fatalf("discoveryDir failed: %v", err)
	}

	expected := filepath.Join(tmpDir, "nbcheck")
	if dir != expected {
		t.Errorf("expected %q, got %q", expected, dir)
	}

	info, err := os.Stat(dir)
	if err != nil {
		t.Fatalf("discovery dir not created: %v", err)
	}
	if !info.IsDir() {
		t.Error("discovery dir is not a directory")
	}
}

func TestDiscoveryDir_Fallback(t *testing.T) {
	t.Setenv("XDG_RUNTIME_DIR", "")

	dir, err := discoveryDir()
	if err != nil {
		t.Fatalf("discoveryDir failed: %v", err)
	}
	if dir == "" {
		t.Fatal("expected non-empty discovery dir")
	}

	info, err := os.Stat(dir)
	if err != nil {
		t.Fatalf("discovery dir does not exist: %v", err)
	}
	if !info.IsDir() {
		t.Error("discovery dir is not a directory")
	}
}

func TestReadWriteDiscovery(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gateway.json")

	disc := &Discovery{
		URL:         "http://127.0.0.1:8888",
		ContainerID: "abc123def456",
		ConfigHash:  "sha256:deadbeef",
		StartedAt:   time.Now().UTC().Format(time.RFC3339),
	}

	if err := writeDiscovery(path, disc); err != nil {
		t.Fatalf("writeDiscovery: %v", err)
	}

	got, err := readDiscovery(path)
	if err != nil {
		t.Fatalf("readDiscovery: %v", err)
	}

	if got.URL != disc.URL {
		t.Errorf("URL: got %q, want %q", got.URL, disc.URL)
	}
	if got.ContainerID != disc.ContainerID {
		t.Errorf("ContainerID: got %q, want %q", got.ContainerID, disc.ContainerID)
	}
	if got.ConfigHash != disc.ConfigHash {
		t.Errorf("ConfigHash: got %q, want %q", got.ConfigHash, disc.ConfigHash)
	}
	if got.StartedAt != disc.StartedAt {
		t.Errorf("StartedAt: got %q, want %q", got.StartedAt, disc.StartedAt)
	}
}

func TestReadDiscovery_Errors(t *testing.T) {
	tests := []struct {
		name  string
		setup func(t *testing.T) string
	}{
		{
			name: "missing file",
			setup: func(t *testing.T) string {
				return filepath.Join(t.TempDir(), "nonexistent.json")
			},
		},
		{
			name: "invalid JSON",
			setup: func(t *testing.T) string {
				path := filepath.Join(t.TempDir(), "gateway.json")
				if err := os.WriteFile(path, []byte("not json"), 0600); err != nil {
					t.Fatal(err)
				}
				return path
			},
		},
		{
			name: "missing url",
			setup: func(t *testing.T) string {
				path := filepath.Join(t.TempDir(), "gateway.json")
				data, _ := json.Marshal(Discovery{ContainerID: "abc"})
				if err := os.WriteFile(path, data, 0600); err != nil {
					t.Fatal(err)
				}
				return path
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := tt.setup(t)
			if _, err := readDiscovery(path); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestWriteDiscovery_Atomic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gateway.json")

	disc := &Discovery{
		URL:       "http://127.0.0.1:8888",
		StartedAt: time.Now().UTC().Format(time.RFC3339),
	}

	if err := writeDiscovery(path, disc); err != nil {
		t.Fatal(err)
	}

	entries, _ := os.ReadDir(dir)
	for _, e := range entries {
		if e.Name() == "gateway.json.tmp" {
			t.Error("temp file should be renamed, not left behind")
		}
	}
}

func TestHealthCheck(t *testing.T) {
	t.Run("healthy gateway", func(t *testing.T) {
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path != "/api/kernelspecs" {
				t.Errorf("unexpected path %s", r.URL.Path)
			}
			w.WriteHeader(http.StatusOK)
		}))
		defer ts.Close()

		if err := healthCheck(ts.URL); err != nil {
			t.Errorf("expected healthy, got %v", err)
		}
	})

	t.Run("erroring gateway", func(t *testing.T) {
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		}))
		defer ts.Close()

		if err := healthCheck(ts.URL); err == nil {
			t.Error("expected error for 500")
		}
	})

	t.Run("unreachable gateway", func(t *testing.T) {
		if err := healthCheck("http://127.0.0.1:19999"); err == nil {
			t.Error("expected error for unreachable gateway")
		}
	})
}

func TestMustParseTime(t *testing.T) {
	t.Run("valid", func(t *testing.T) {
		if mustParseTime("2026-08-26T12:00:00Z").IsZero() {
			t.Error("expected non-zero time")
		}
	})
	t.Run("invalid", func(t *testing.T) {
		if !mustParseTime("not-a-time").IsZero() {
			t.Error("expected zero time")
		}
	})
}
