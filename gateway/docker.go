package gateway

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"

	"github.com/openkickstartai/nbcheck/iox"
	"github.com/openkickstartai/nbcheck/log"
)

// DefaultImage is the gateway image launched when none is configured.
const DefaultImage = "jupyter/kernel-gateway:latest"

// DefaultStartTimeout bounds how long an ephemeral gateway may take to
// answer its first API call. Cold image pulls are counted separately.
const DefaultStartTimeout = 60 * time.Second

// gatewayPort is the port the kernel gateway listens on inside the
// container.
const gatewayPort = nat.Port("8888/tcp")

// DockerConfig configures an ephemeral gateway container.
type DockerConfig struct {
	// Image is the gateway image (default jupyter/kernel-gateway:latest).
	Image string
	// HostPort fixes the published host port; 0 lets the daemon assign one.
	HostPort int
	// StartTimeout bounds the readiness wait (default 60s).
	StartTimeout time.Duration
}

// EphemeralGateway is a kernel gateway container owned by this process,
// started when no external gateway is configured and removed on Close.
type EphemeralGateway struct {
	cli         *client.Client
	containerID string
	url         string
	logger      *log.Logger
}

// StartEphemeralGateway pulls the image, starts a container with the
// gateway port published on the loopback interface and waits until the
// REST API answers.
func StartEphemeralGateway(ctx context.Context, cfg DockerConfig, logger *log.Logger) (*EphemeralGateway, error) {
	if cfg.Image == "" {
		cfg.Image = DefaultImage
	}
	if cfg.StartTimeout <= 0 {
		cfg.StartTimeout = DefaultStartTimeout
	}

	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	if _, err := cli.Ping(ctx); err != nil {
		_ = cli.Close()
		return nil, fmt.Errorf("docker daemon unreachable: %w", err)
	}

	// Pull failures are tolerated: the image may already be local.
	if reader, err := cli.ImagePull(ctx, cfg.Image, image.PullOptions{}); err != nil {
		logger.Warn("image pull failed, trying local image", map[string]any{
			"image": cfg.Image,
			"error": err.Error(),
		})
	} else {
		// Drain so the pull completes before the container is created.
		_, _ = io.Copy(io.Discard, reader)
		iox.DiscardClose(reader)
	}

	hostPort := ""
	if cfg.HostPort > 0 {
		hostPort = strconv.Itoa(cfg.HostPort)
	}

	resp, err := cli.ContainerCreate(ctx, &container.Config{
		Image:        cfg.Image,
		ExposedPorts: nat.PortSet{gatewayPort: struct{}{}},
	}, &container.HostConfig{
		PortBindings: nat.PortMap{
			gatewayPort: []nat.PortBinding{{HostIP: "127.0.0.1", HostPort: hostPort}},
		},
	}, nil, nil, "")
	if err != nil {
		_ = cli.Close()
		return nil, fmt.Errorf("create gateway container: %w", err)
	}

	gw := &EphemeralGateway{cli: cli, containerID: resp.ID, logger: logger}

	if err := cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		gw.remove()
		return nil, fmt.Errorf("start gateway container: %w", err)
	}

	boundPort, err := gw.publishedPort(ctx)
	if err != nil {
		gw.remove()
		return nil, err
	}
	gw.url = "http://127.0.0.1:" + boundPort

	if err := gw.waitReady(ctx, cfg.StartTimeout); err != nil {
		gw.remove()
		return nil, err
	}

	logger.Info("ephemeral gateway ready", map[string]any{
		"image":        cfg.Image,
		"container_id": shortID(resp.ID),
		"url":          gw.url,
	})
	return gw, nil
}

// URL returns the gateway base URL on the host.
func (g *EphemeralGateway) URL() string {
	return g.url
}

// ContainerID returns the backing container's ID.
func (g *EphemeralGateway) ContainerID() string {
	return g.containerID
}

// publishedPort inspects the container for the host port the daemon
// bound to the gateway port.
func (g *EphemeralGateway) publishedPort(ctx context.Context) (string, error) {
	info, err := g.cli.ContainerInspect(ctx, g.containerID)
	if err != nil {
		return "", fmt.Errorf("inspect gateway container: %w", err)
	}
	bindings := info.NetworkSettings.Ports[gatewayPort]
	if len(bindings) == 0 || bindings[0].HostPort == "" {
		return "", fmt.Errorf("gateway port %s is not published", gatewayPort)
	}
	return bindings[0].HostPort, nil
}

// waitReady polls the kernelspecs endpoint until the gateway answers.
func (g *EphemeralGateway) waitReady(ctx context.Context, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		if err := healthCheck(g.url); err == nil {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("gateway at %s not ready after %s", g.url, timeout)
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for gateway: %w", ctx.Err())
		case <-time.After(500 * time.Millisecond):
		}
	}
}

// Close stops and removes the container.
func (g *EphemeralGateway) Close(ctx context.Context) error {
	stopTimeout := 10
	if err := g.cli.ContainerStop(ctx, g.containerID, container.StopOptions{Timeout: &stopTimeout}); err != nil {
		g.logger.Warn("failed to stop gateway container", map[string]any{
			"container_id": shortID(g.containerID),
			"error":        err.Error(),
		})
	}
	err := g.cli.ContainerRemove(ctx, g.containerID, container.RemoveOptions{Force: true})
	_ = g.cli.Close()
	if err != nil {
		return fmt.Errorf("remove gateway container: %w", err)
	}
	g.logger.Debug("ephemeral gateway removed", map[string]any{
		"container_id": shortID(g.containerID),
	})
	return nil
}

// Detach releases the SDK handle without stopping the container. Used
// by gateway reuse, where the container must outlive the process.
func (g *EphemeralGateway) Detach() {
	_ = g.cli.Close()
}

// remove force-removes a container that never became usable.
func (g *EphemeralGateway) remove() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = g.cli.ContainerRemove(ctx, g.containerID, container.RemoveOptions{Force: true})
	_ = g.cli.Close()
}

// removeStaleContainer force-removes a dead or outdated gateway
// container left behind by a previous run. Best effort: the daemon may
// already have reaped it.
func removeStaleContainer(containerID string, logger *log.Logger) {
	if containerID == "" {
		return
	}
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return
	}
	defer cli.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := cli.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true}); err != nil {
		logger.Debug("stale container removal failed", map[string]any{
			"container_id": shortID(containerID),
			"error":        err.Error(),
		})
	}
}

// shortID truncates a container ID for log fields.
func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
