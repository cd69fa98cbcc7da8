package browser

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
)

const cdpPort = "3000/tcp"

// Instance is a running browser container for one session.
type Instance struct {
	ContainerID string
	SessionID   string
	ConnectURL  string
	Port        string
}

// Pool launches one browserless Chrome container per session.
type Pool struct {
	client *client.Client
	image  string
	host   string
}

// NewPool creates a pool using the Docker environment (DOCKER_HOST etc).
func NewPool(image string) (*Pool, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	if image == "" {
		image = "browserless/chrome:latest"
	}

	return &Pool{
		client: cli,
		image:  image,
		host:   "localhost",
	}, nil
}

// LaunchBrowser starts a container and waits until its CDP endpoint answers.
func (p *Pool) LaunchBrowser(ctx context.Context, sessionID string) (*Instance, error) {
	containerConfig := &container.Config{
		Image: p.image,
		Labels: map[string]string{
			"session-id": sessionID,
			"managed-by": "browserpilot",
		},
		Env: []string{
			"CONNECTION_TIMEOUT=-1",
			"MAX_CONCURRENT_SESSIONS=1",
			"PREBOOT_CHROME=true",
			"KEEP_ALIVE=true",
			"EXIT_ON_HEALTH_FAILURE=false",
		},
		ExposedPorts: nat.PortSet{
			cdpPort: struct{}{},
		},
	}

	hostConfig := &container.HostConfig{
		PortBindings: nat.PortMap{
			cdpPort: []nat.PortBinding{
				{
					HostIP:   "127.0.0.1",
					HostPort: "0",
				},
			},
		},
		AutoRemove: false,
	}

	name := sessionID
	if len(name) > 8 {
		name = name[:8]
	}
	resp, err := p.client.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, fmt.Sprintf("browserpilot-%s", name))
	if err != nil {
		return nil, fmt.Errorf("failed to create container: %w", err)
	}

	if err := p.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		p.remove(resp.ID)
		return nil, fmt.Errorf("failed to start container: %w", err)
	}

	inspect, err := p.client.ContainerInspect(ctx, resp.ID)
	if err != nil {
		p.remove(resp.ID)
		return nil, fmt.Errorf("failed to inspect container: %w", err)
	}

	bindings := inspect.NetworkSettings.Ports[cdpPort]
	if len(bindings) == 0 {
		p.remove(resp.ID)
		return nil, fmt.Errorf("container %s exposes no CDP port", resp.ID[:12])
	}
	port := bindings[0].HostPort

	if err := p.waitForBrowserReady(ctx, port); err != nil {
		p.remove(resp.ID)
		return nil, fmt.Errorf("browser failed to become ready: %w", err)
	}

	return &Instance{
		ContainerID: resp.ID,
		SessionID:   sessionID,
		ConnectURL:  fmt.Sprintf("ws://%s:%s", p.host, port),
		Port:        port,
	}, nil
}

// StopBrowser stops and removes a container.
func (p *Pool) StopBrowser(ctx context.Context, containerID string) error {
	timeout := 10
	if err := p.client.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &timeout}); err != nil {
		return fmt.Errorf("failed to stop container: %w", err)
	}
	if err := p.client.ContainerRemove(ctx, containerID, container.RemoveOptions{}); err != nil {
		return fmt.Errorf("failed to remove container: %w", err)
	}
	return nil
}

// EnsureImage pulls the browser image when it is not present locally.
func (p *Pool) EnsureImage(ctx context.Context) error {
	images, err := p.client.ImageList(ctx, image.ListOptions{})
	if err != nil {
		return err
	}

	for _, img := range images {
		for _, tag := range img.RepoTags {
			if tag == p.image {
				return nil
			}
		}
	}

	reader, err := p.client.ImagePull(ctx, p.image, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image: %w", err)
	}
	defer reader.Close()

	_, err = io.Copy(io.Discard, reader)
	return err
}

// Close releases the Docker client.
func (p *Pool) Close() error {
	return p.client.Close()
}

func (p *Pool) remove(containerID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	_ = p.client.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true})
}

// waitForBrowserReady polls /json/version until Chrome answers.
func (p *Pool) waitForBrowserReady(ctx context.Context, port string) error {
	url := fmt.Sprintf("http://%s:%s/json/version", p.host, port)
	httpClient := &http.Client{Timeout: 2 * time.Second}
	maxRetries := 20

	for i := 0; i < maxRetries; i++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return err
		}
		resp, err := httpClient.Do(req)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(500 * time.Millisecond):
		}
	}

	return fmt.Errorf("browser did not become ready after %d retries", maxRetries)
}
