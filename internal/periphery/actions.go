package periphery

import (
	"context"

	"github.com/chis/corectl/internal/domain"
)

// Log is the periphery agent's report of one command's outcome — the
// payload that flows straight into a domain.LogEntry.
type Log struct {
	Stage   string `json:"stage"`
	Stdout  string `json:"stdout"`
	Stderr  string `json:"stderr"`
	Command string `json:"command"`
	Success bool   `json:"success"`
}

// HealthOk is returned by GET /health: presence of a 2xx is the signal, the
// body carries nothing.
type HealthOk struct{}

type VersionResponse struct {
	Version string `json:"version"`
}

type StatsResponse struct {
	Stats domain.SystemStats `json:"stats"`
}

type ContainerListResponse struct {
	Containers []domain.ContainerSummary `json:"containers"`
}

type DeployContainerRequest struct {
	Name          string            `json:"name"`
	Image         string            `json:"image"`
	DockerAccount string            `json:"docker_account,omitempty"`
	Env           map[string]string `json:"env,omitempty"`
	ExtraArgs     []string          `json:"extra_args,omitempty"`
}

type StopContainerRequest struct {
	Name   string `json:"name"`
	Signal string `json:"signal,omitempty"`
	Time   int    `json:"time,omitempty"`
}

type RemoveContainerRequest struct {
	Name   string `json:"name"`
	Signal string `json:"signal,omitempty"`
	Time   int    `json:"time,omitempty"`
}

type PruneRequest struct{}

// Health pings the agent; callers treat any non-nil error as unreachable.
func (c *Client) Health(ctx context.Context) error {
	return c.Get(ctx, "/health", &HealthOk{})
}

func (c *Client) Version(ctx context.Context) (string, error) {
	var resp VersionResponse
	if err := c.Get(ctx, "/version", &resp); err != nil {
		return "", err
	}
	return resp.Version, nil
}

func (c *Client) Stats(ctx context.Context) (domain.SystemStats, error) {
	var resp StatsResponse
	if err := c.Get(ctx, "/stats", &resp); err != nil {
		return domain.SystemStats{}, err
	}
	return resp.Stats, nil
}

func (c *Client) ListContainers(ctx context.Context) ([]domain.ContainerSummary, error) {
	var resp ContainerListResponse
	if err := c.Get(ctx, "/container/list", &resp); err != nil {
		return nil, err
	}
	return resp.Containers, nil
}

func (c *Client) DeployContainer(ctx context.Context, req DeployContainerRequest) (Log, error) {
	var log Log
	err := c.Call(ctx, "/container/deploy", req, &log)
	return log, err
}

func (c *Client) StartContainer(ctx context.Context, name string) (Log, error) {
	var log Log
	err := c.Call(ctx, "/container/start", map[string]string{"name": name}, &log)
	return log, err
}

func (c *Client) StopContainer(ctx context.Context, req StopContainerRequest) (Log, error) {
	var log Log
	err := c.Call(ctx, "/container/stop", req, &log)
	return log, err
}

func (c *Client) RemoveContainer(ctx context.Context, req RemoveContainerRequest) (Log, error) {
	var log Log
	err := c.Call(ctx, "/container/remove", req, &log)
	return log, err
}

func (c *Client) PruneContainers(ctx context.Context) (Log, error) {
	var log Log
	err := c.Call(ctx, "/container/prune", PruneRequest{}, &log)
	return log, err
}

func (c *Client) PruneNetworks(ctx context.Context) (Log, error) {
	var log Log
	err := c.Call(ctx, "/network/prune", PruneRequest{}, &log)
	return log, err
}

func (c *Client) PruneImages(ctx context.Context) (Log, error) {
	var log Log
	err := c.Call(ctx, "/image/prune", PruneRequest{}, &log)
	return log, err
}

func (c *Client) RunBuild(ctx context.Context, image domain.ResolvedImage) (Log, error) {
	var log Log
	err := c.Call(ctx, "/build/run", image, &log)
	return log, err
}
