// Package docker implements the Runtime Adapter against the Docker Engine API.
package docker

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/runnerctl/runnerctl/internal/config"
	"github.com/runnerctl/runnerctl/internal/provider"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/volume"
	"github.com/docker/docker/client"
)

const (
	labelPrefix    = "runnerctl"
	labelManagedBy = labelPrefix + ".managed-by"
	labelWorker    = labelPrefix + ".worker-name"
	labelComponent = labelPrefix + ".component"
	componentValue = "worker"
)

// Provider implements provider.Provider against a Docker Engine socket.
type Provider struct {
	client       *client.Client
	config       config.RuntimeConfig
	controllerID string
	logger       *slog.Logger
	mu           sync.RWMutex
}

// New creates a new Docker runtime adapter.
func New(cfg config.RuntimeConfig, controllerID string, logger *slog.Logger) (*Provider, error) {
	cli, err := client.NewClientWithOpts(
		client.WithHost(cfg.DockerSocket),
		client.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}

	return &Provider{
		client:       cli,
		config:       cfg,
		controllerID: controllerID,
		logger:       logger.With("component", "docker"),
	}, nil
}

func (p *Provider) Name() string { return "docker" }

func (p *Provider) managedByFilter() filters.Args {
	return filters.NewArgs(filters.Arg("label", labelManagedBy+"="+p.controllerID))
}

func (p *Provider) ListRunners(ctx context.Context) ([]*provider.Runner, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	containers, err := p.client.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: p.managedByFilter(),
	})
	if err != nil {
		return nil, fmt.Errorf("list containers: %w", err)
	}

	runners := make([]*provider.Runner, 0, len(containers))
	for _, c := range containers {
		name := strings.TrimPrefix(firstOrEmpty(c.Names), "/")
		runners = append(runners, &provider.Runner{
			ID:         c.ID,
			Name:       name,
			WorkerName: c.Labels[labelWorker],
			Status:     mapContainerState(c.State),
			Labels:     c.Labels,
			Provider:   "docker",
			ProviderID: c.ID,
			Image:      c.Image,
			CreatedAt:  time.Unix(c.Created, 0),
			Metadata: map[string]string{
				"container_id": c.ID,
				"state":        c.State,
			},
		})
	}

	return runners, nil
}

func firstOrEmpty(ss []string) string {
	if len(ss) == 0 {
		return ""
	}
	return ss[0]
}

func (p *Provider) GetRunner(ctx context.Context, id string) (*provider.Runner, error) {
	runners, err := p.ListRunners(ctx)
	if err != nil {
		return nil, err
	}
	for _, r := range runners {
		if r.ID == id {
			return r, nil
		}
	}
	return nil, fmt.Errorf("runner %s not found", id)
}

func (p *Provider) CreateRunner(ctx context.Context, req *provider.CreateRunnerRequest) (*provider.Runner, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	prefix := req.NamePrefix
	if prefix == "" {
		prefix = "github-runner"
	}
	containerName := fmt.Sprintf("%s-%s", prefix, req.Name)
	volumeName := containerName + "-work"

	p.logger.Info("creating worker", "worker_name", req.Name, "container_name", containerName)

	if p.config.PullPolicy == "always" || p.config.PullPolicy == "if-not-present" {
		if err := p.pullImage(ctx); err != nil {
			return nil, fmt.Errorf("pull image: %w", err)
		}
	}

	if _, err := p.client.VolumeCreate(ctx, volume.CreateOptions{
		Name:   volumeName,
		Labels: map[string]string{labelManagedBy: p.controllerID, labelWorker: req.Name},
	}); err != nil {
		return nil, fmt.Errorf("create work volume: %w", err)
	}

	env := p.buildEnv(req)
	labels := p.buildLabels(req)

	containerConfig := &container.Config{
		Image:  p.config.RunnerImage,
		Env:    env,
		Labels: labels,
	}

	hostConfig := &container.HostConfig{
		Privileged:    p.config.Privileged,
		RestartPolicy: container.RestartPolicy{Name: "unless-stopped"},
		Resources: container.Resources{
			NanoCPUs: int64(p.config.CPULimit * 1e9),
			Memory:   p.config.MemoryLimit,
		},
		Binds: append(append([]string{}, p.config.Volumes...), volumeName+":"+"/runner/_work"),
	}

	networkName := p.config.RunnerNetwork
	netConfig := &network.NetworkingConfig{
		EndpointsConfig: map[string]*network.EndpointSettings{
			networkName: {},
		},
	}

	resp, err := p.client.ContainerCreate(ctx, containerConfig, hostConfig, netConfig, nil, containerName)
	if err != nil {
		_ = p.client.VolumeRemove(ctx, volumeName, true)
		return nil, fmt.Errorf("create container: %w", err)
	}

	if err := p.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		_ = p.client.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true, RemoveVolumes: true})
		return nil, fmt.Errorf("start container: %w", err)
	}

	p.logger.Info("worker created", "worker_name", req.Name, "container_id", resp.ID)

	return &provider.Runner{
		ID:         resp.ID,
		Name:       containerName,
		WorkerName: req.Name,
		Status:     provider.StatusProvisioning,
		Labels:     labels,
		Provider:   "docker",
		ProviderID: resp.ID,
		Image:      p.config.RunnerImage,
		CreatedAt:  time.Now(),
	}, nil
}

func (p *Provider) RemoveRunner(ctx context.Context, id string, graceful bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.removeRunnerLocked(ctx, id, graceful)
}

func (p *Provider) removeRunnerLocked(ctx context.Context, id string, graceful bool) error {
	inspect, err := p.client.ContainerInspect(ctx, id)
	if err != nil {
		if client.IsErrNotFound(err) {
			return nil
		}
		return fmt.Errorf("inspect container: %w", err)
	}

	p.logger.Info("removing worker", "container_id", id, "graceful", graceful)

	removeOpts := container.RemoveOptions{Force: !graceful, RemoveVolumes: true}

	if graceful {
		timeout := int(p.config.StopGrace.Seconds())
		if timeout <= 0 {
			timeout = 30
		}
		if err := p.client.ContainerStop(ctx, id, container.StopOptions{Timeout: &timeout}); err != nil {
			p.logger.Warn("graceful stop failed, forcing removal", "error", err)
			removeOpts.Force = true
		}
	}

	if err := p.client.ContainerRemove(ctx, id, removeOpts); err != nil {
		if !client.IsErrNotFound(err) {
			return fmt.Errorf("remove container: %w", err)
		}
	}

	_ = p.client.VolumeRemove(ctx, strings.TrimPrefix(inspect.Name, "/")+"-work", true)
	return nil
}

// ReapDead removes containers in a terminal state (exited/dead) and returns
// the worker names it removed.
func (p *Provider) ReapDead(ctx context.Context) ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	f := p.managedByFilter()
	f.Add("status", "exited")
	f.Add("status", "dead")

	containers, err := p.client.ContainerList(ctx, container.ListOptions{All: true, Filters: f})
	if err != nil {
		return nil, fmt.Errorf("list dead containers: %w", err)
	}

	var removed []string
	for _, c := range containers {
		workerName := c.Labels[labelWorker]
		if err := p.removeRunnerLocked(ctx, c.ID, false); err != nil {
			p.logger.Warn("failed to reap dead container", "container_id", c.ID, "error", err)
			continue
		}
		removed = append(removed, workerName)
	}
	return removed, nil
}

func (p *Provider) GetLogs(ctx context.Context, id string, opts provider.LogOptions) (string, error) {
	tail := "all"
	if opts.Tail > 0 {
		tail = strconv.Itoa(opts.Tail)
	}

	reader, err := p.client.ContainerLogs(ctx, id, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Tail:       tail,
	})
	if err != nil {
		return "", fmt.Errorf("container logs: %w", err)
	}
	defer reader.Close()

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, reader); err != nil {
		return "", fmt.Errorf("read logs: %w", err)
	}
	return buf.String(), nil
}

// EnsureNetwork idempotently creates the worker bridge network.
func (p *Provider) EnsureNetwork(ctx context.Context, name string) error {
	nets, err := p.client.NetworkList(ctx, types.NetworkListOptions{
		Filters: filters.NewArgs(filters.Arg("name", name)),
	})
	if err != nil {
		return fmt.Errorf("list networks: %w", err)
	}
	for _, n := range nets {
		if n.Name == name {
			return nil
		}
	}

	_, err = p.client.NetworkCreate(ctx, name, types.NetworkCreate{
		Driver:     "bridge",
		Attachable: true,
		Labels:     map[string]string{labelManagedBy: p.controllerID},
	})
	if err != nil {
		return fmt.Errorf("create network %q: %w", name, err)
	}
	return nil
}

// ListVolumes lists anonymous work volumes owned by this controller.
func (p *Provider) ListVolumes(ctx context.Context) ([]string, error) {
	resp, err := p.client.VolumeList(ctx, volume.ListOptions{
		Filters: filters.NewArgs(filters.Arg("label", labelManagedBy+"="+p.controllerID)),
	})
	if err != nil {
		return nil, fmt.Errorf("list volumes: %w", err)
	}

	names := make([]string, 0, len(resp.Volumes))
	for _, v := range resp.Volumes {
		names = append(names, v.Name)
	}
	return names, nil
}

func (p *Provider) HealthCheck(ctx context.Context) error {
	if _, err := p.client.Ping(ctx); err != nil {
		return fmt.Errorf("docker health check: %w", err)
	}
	return nil
}

func (p *Provider) Close() error {
	if p.client != nil {
		return p.client.Close()
	}
	return nil
}

func (p *Provider) pullImage(ctx context.Context) error {
	p.logger.Info("pulling image", "image", p.config.RunnerImage)

	reader, err := p.client.ImagePull(ctx, p.config.RunnerImage, types.ImagePullOptions{})
	if err != nil {
		return err
	}
	defer reader.Close()

	_, err = io.Copy(io.Discard, reader)
	return err
}

func (p *Provider) buildEnv(req *provider.CreateRunnerRequest) []string {
	env := []string{
		fmt.Sprintf("RUNNER_NAME=%s", req.Name),
		fmt.Sprintf("RUNNER_TOKEN=%s", req.RegistrationID),
		"RUNNER_WORKDIR=/runner/_work",
		fmt.Sprintf("REPO_URL=%s", req.ScopeURL),
		fmt.Sprintf("RUNNER_LABELS=%s", strings.Join(req.Labels, ",")),
	}
	return env
}

func (p *Provider) buildLabels(req *provider.CreateRunnerRequest) map[string]string {
	labels := map[string]string{
		labelManagedBy: p.controllerID,
		labelWorker:    req.Name,
		labelComponent: componentValue,
	}
	for k, v := range p.config.Labels {
		labels[k] = v
	}
	for k, v := range req.Metadata {
		labels[labelPrefix+"."+k] = v
	}
	return labels
}

func mapContainerState(state string) provider.RunnerStatus {
	switch state {
	case "running":
		return provider.StatusRunning
	case "exited", "dead":
		return provider.StatusTerminated
	case "paused":
		return provider.StatusIdle
	case "restarting":
		return provider.StatusProvisioning
	case "removing":
		return provider.StatusTerminating
	case "created":
		return provider.StatusPending
	default:
		return provider.StatusFailed
	}
}
