package gateway

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/openkickstartai/nbcheck/iox"
	"github.com/openkickstartai/nbcheck/log"
)

// Discovery is the on-disk schema for a reusable gateway container.
// Written to $XDG_RUNTIME_DIR/nbcheck/gateway.json.
type Discovery struct {
	URL         string `json:"url"`
	ContainerID string `json:"container_id"`
	ConfigHash  string `json:"config_hash"`
	StartedAt   string `json:"started_at"`
}

// AcquireReusableGateway returns the base URL of a shared local gateway
// container, starting one when none is alive.
//
// Flow:
//  1. Resolve discovery dir
//  2. Acquire flock on gateway.lock
//  3. Read gateway.json: if healthy and config hash matches, reuse
//  4. If stale or mismatched, remove the old container, start fresh, write gateway.json
//  5. Release lock
//
// The container outlives the process; that is the point of reuse. It is
// replaced when the container config changes and reaped when stale.
func AcquireReusableGateway(ctx context.Context, cfg DockerConfig, logger *log.Logger) (string, error) {
	if cfg.Image == "" {
		cfg.Image = DefaultImage
	}

	dir, err := discoveryDir()
	if err != nil {
		return "", fmt.Errorf("gateway reuse: %w", err)
	}

	lockPath := filepath.Join(dir, "gateway.lock")
	discoveryPath := filepath.Join(dir, "gateway.json")

	// Acquire exclusive file lock
	lockFile, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return "", fmt.Errorf("gateway reuse: open lock: %w", err)
	}
	defer func() {
		_ = syscall.Flock(int(lockFile.Fd()), syscall.LOCK_UN)
		_ = lockFile.Close()
	}()

	if err := syscall.Flock(int(lockFile.Fd()), syscall.LOCK_EX); err != nil {
		return "", fmt.Errorf("gateway reuse: flock: %w", err)
	}

	wantHash := dockerConfigHash(cfg)

	// Try existing discovery file
	disc, err := readDiscovery(discoveryPath)
	if err == nil {
		if disc.ConfigHash == wantHash {
			if err := healthCheck(disc.URL); err == nil {
				age := time.Since(mustParseTime(disc.StartedAt))
				logger.Info("reusing gateway container", map[string]any{
					"container_id": shortID(disc.ContainerID),
					"url":          disc.URL,
					"age":          age.Round(time.Second).String(),
				})
				return disc.URL, nil
			}
			logger.Warn("stale gateway container detected, replacing", map[string]any{
				"container_id": shortID(disc.ContainerID),
			})
		} else {
			logger.Warn("gateway config changed, replacing container", map[string]any{
				"container_id": shortID(disc.ContainerID),
			})
		}
		removeStaleContainer(disc.ContainerID, logger)
		_ = os.Remove(discoveryPath)
	}

	gw, err := StartEphemeralGateway(ctx, cfg, logger)
	if err != nil {
		return "", fmt.Errorf("gateway reuse: start: %w", err)
	}
	// Drop the SDK handle without stopping the container; the next
	// invocation picks it up through the discovery file.
	gw.Detach()

	disc = &Discovery{
		URL:         gw.URL(),
		ContainerID: gw.ContainerID(),
		ConfigHash:  wantHash,
		StartedAt:   time.Now().UTC().Format(time.RFC3339),
	}
	if err := writeDiscovery(discoveryPath, disc); err != nil {
		return "", fmt.Errorf("gateway reuse: write discovery: %w", err)
	}

	return gw.URL(), nil
}

// discoveryDir returns the directory for gateway discovery files.
// Uses $XDG_RUNTIME_DIR/nbcheck on Linux, falls back to $TMPDIR/nbcheck-$UID.
func discoveryDir() (string, error) {
	var dir string
	if xdg := os.Getenv("XDG_RUNTIME_DIR"); xdg != "" {
		dir = filepath.Join(xdg, "nbcheck")
	} else {
		dir = filepath.Join(os.TempDir(), fmt.Sprintf("nbcheck-%d", os.Getuid()))
	}

	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", fmt.Errorf("create discovery dir %s: %w", dir, err)
	}
	return dir, nil
}

// healthCheck verifies a gateway is alive by listing its kernelspecs.
func healthCheck(baseURL string) error {
	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get(strings.TrimSuffix(baseURL, "/") + "/api/kernelspecs")
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	iox.DrainClose(resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned %d", resp.StatusCode)
	}
	return nil
}

// dockerConfigHash fingerprints the container identity so a reusable
// gateway is replaced when its image or published port change. The
// start timeout is excluded: it affects waiting, not the container.
func dockerConfigHash(cfg DockerConfig) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s:%d", cfg.Image, cfg.HostPort)
	return fmt.Sprintf("sha256:%x", h.Sum(nil))
}

// readDiscovery reads and parses a gateway discovery file.
func readDiscovery(path string) (*Discovery, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var disc Discovery
	if err := json.Unmarshal(data, &disc); err != nil {
		return nil, fmt.Errorf("parse discovery: %w", err)
	}
	if disc.URL == "" {
		return nil, errors.New("discovery file missing url")
	}
	return &disc, nil
}

// writeDiscovery atomically writes a discovery file.
func writeDiscovery(path string, disc *Discovery) error {
	data, err := json.MarshalIndent(disc, "", "  ")
	if err != nil {
		return err
	}

	// Write to temp file, then rename for atomicity
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// mustParseTime parses an RFC3339 time string, returning zero time on error.
func mustParseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
