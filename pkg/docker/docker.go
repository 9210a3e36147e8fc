// Package docker runs worker containers through the Docker Engine API.
package docker

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/sirupsen/logrus"
)

// Labels applied to containers so orphans can be found after a restart.
const (
	LabelManagedBy = "runoor.managed-by"
	LabelIssueID   = "runoor.issue-id"
	LabelRunID     = "runoor.run-id"

	ManagedByValue = "runoor"
)

// Runtime abstracts the container engine that runs worker containers.
type Runtime interface {
	Start(ctx context.Context) error
	Stop() error

	EnsureNetwork(ctx context.Context, name string) error
	PullImage(ctx context.Context, imageName, policy string) error

	// RunContainer creates and starts a container, returning its ID.
	RunContainer(ctx context.Context, spec *ContainerSpec) (string, error)

	// WaitContainer blocks until the container exits and returns its
	// exit code.
	WaitContainer(ctx context.Context, containerID string) (int64, error)

	// ContainerLogs returns the container's collected stdout and stderr.
	ContainerLogs(ctx context.Context, containerID string) (string, string, error)

	RemoveContainer(ctx context.Context, containerID string) error

	// ListManagedContainers returns containers carrying the managed-by
	// label, including stopped ones.
	ListManagedContainers(ctx context.Context) ([]ContainerInfo, error)
}

// ContainerSpec defines a worker container.
type ContainerSpec struct {
	Name        string
	Image       string
	Env         map[string]string
	NetworkName string
	Labels      map[string]string
	MemoryBytes int64
	NanoCPUs    int64
}

// ContainerInfo identifies a managed container for cleanup.
type ContainerInfo struct {
	ID     string
	Name   string
	Labels map[string]string
}

// NewRuntime creates a Docker-backed Runtime.
func NewRuntime(log logrus.FieldLogger) (Runtime, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("creating docker client: %w", err)
	}

	return &runtime{
		log:    log.WithField("component", "docker"),
		client: cli,
	}, nil
}

type runtime struct {
	log    logrus.FieldLogger
	client *client.Client
}

// Ensure interface compliance.
var _ Runtime = (*runtime)(nil)

// Start verifies connectivity to the Docker daemon.
func (r *runtime) Start(ctx context.Context) error {
	_, err := r.client.Ping(ctx)
	if err != nil {
		return fmt.Errorf("connecting to docker daemon: %w", err)
	}

	r.log.Debug("Connected to Docker daemon")

	return nil
}

// Stop closes the Docker client.
func (r *runtime) Stop() error {
	if err := r.client.Close(); err != nil {
		return fmt.Errorf("closing docker client: %w", err)
	}

	return nil
}

// EnsureNetwork creates the worker network if it doesn't exist.
func (r *runtime) EnsureNetwork(ctx context.Context, name string) error {
	networks, err := r.client.NetworkList(ctx, network.ListOptions{
		Filters: filters.NewArgs(filters.Arg("name", name)),
	})
	if err != nil {
		return fmt.Errorf("listing networks: %w", err)
	}

	for _, net := range networks {
		if net.Name == name {
			r.log.WithField("network", name).Debug("Network already exists")

			return nil
		}
	}

	_, err = r.client.NetworkCreate(ctx, name, network.CreateOptions{
		Driver: "bridge",
	})
	if err != nil {
		return fmt.Errorf("creating network %s: %w", name, err)
	}

	r.log.WithField("network", name).Info("Created Docker network")

	return nil
}

// PullImage pulls a worker image according to the pull policy.
func (r *runtime) PullImage(ctx context.Context, imageName, policy string) error {
	log := r.log.WithField("image", imageName)

	if policy == "never" {
		log.Debug("Skipping image pull (policy: never)")

		return nil
	}

	if policy == "if-not-present" {
		images, err := r.client.ImageList(ctx, image.ListOptions{
			Filters: filters.NewArgs(filters.Arg("reference", imageName)),
		})
		if err != nil {
			return fmt.Errorf("listing images: %w", err)
		}

		if len(images) > 0 {
			log.Debug("Image already exists (policy: if-not-present)")

			return nil
		}
	}

	log.Info("Pulling image")

	reader, err := r.client.ImagePull(ctx, imageName, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pulling image %s: %w", imageName, err)
	}
	defer func() { _ = reader.Close() }()

	// Consume the pull output.
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("reading pull response: %w", err)
	}

	log.Info("Image pulled successfully")

	return nil
}

// RunContainer creates and starts a worker container.
func (r *runtime) RunContainer(ctx context.Context, spec *ContainerSpec) (string, error) {
	log := r.log.WithField("container", spec.Name)

	env := make([]string, 0, len(spec.Env))
	for k, v := range spec.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}

	containerCfg := &container.Config{
		Image:  spec.Image,
		Env:    env,
		Labels: spec.Labels,
	}

	hostCfg := &container.HostConfig{
		NetworkMode: container.NetworkMode(spec.NetworkName),
	}
	hostCfg.Memory = spec.MemoryBytes
	hostCfg.NanoCPUs = spec.NanoCPUs

	resp, err := r.client.ContainerCreate(
		ctx, containerCfg, hostCfg, &network.NetworkingConfig{}, nil, spec.Name,
	)
	if err != nil {
		return "", fmt.Errorf("creating container: %w", err)
	}

	log.WithField("id", resp.ID[:12]).Debug("Created container")

	if err := r.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		// The created container would otherwise leak.
		if rmErr := r.RemoveContainer(context.WithoutCancel(ctx), resp.ID); rmErr != nil {
			log.WithError(rmErr).Warn("Failed to remove unstarted container")
		}

		return "", fmt.Errorf("starting container %s: %w", resp.ID[:12], err)
	}

	log.WithField("id", resp.ID[:12]).Debug("Started container")

	return resp.ID, nil
}

// WaitContainer blocks until the container stops running.
func (r *runtime) WaitContainer(ctx context.Context, containerID string) (int64, error) {
	statusCh, errCh := r.client.ContainerWait(
		ctx, containerID, container.WaitConditionNotRunning,
	)

	select {
	case status := <-statusCh:
		return status.StatusCode, nil
	case err := <-errCh:
		return 0, fmt.Errorf("waiting for container %s: %w", containerID[:12], err)
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// ContainerLogs collects the container's stdout and stderr.
func (r *runtime) ContainerLogs(
	ctx context.Context,
	containerID string,
) (string, string, error) {
	reader, err := r.client.ContainerLogs(ctx, containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
	})
	if err != nil {
		return "", "", fmt.Errorf("getting container logs: %w", err)
	}
	defer func() { _ = reader.Close() }()

	var stdout, stderr bytes.Buffer

	if _, err := stdcopy.StdCopy(&stdout, &stderr, reader); err != nil {
		return "", "", fmt.Errorf("copying logs: %w", err)
	}

	return stdout.String(), stderr.String(), nil
}

// RemoveContainer force-removes a container and its volumes.
func (r *runtime) RemoveContainer(ctx context.Context, containerID string) error {
	if err := r.client.ContainerRemove(ctx, containerID, container.RemoveOptions{
		Force:         true,
		RemoveVolumes: true,
	}); err != nil {
		return fmt.Errorf("removing container %s: %w", containerID[:12], err)
	}

	r.log.WithField("id", containerID[:12]).Debug("Removed container")

	return nil
}

// ListManagedContainers returns all containers carrying the managed-by
// label.
func (r *runtime) ListManagedContainers(ctx context.Context) ([]ContainerInfo, error) {
	containers, err := r.client.ContainerList(ctx, container.ListOptions{
		All: true,
		Filters: filters.NewArgs(
			filters.Arg("label", LabelManagedBy+"="+ManagedByValue),
		),
	})
	if err != nil {
		return nil, fmt.Errorf("listing containers: %w", err)
	}

	result := make([]ContainerInfo, 0, len(containers))

	for _, c := range containers {
		name := ""
		if len(c.Names) > 0 {
			name = c.Names[0]
			if len(name) > 0 && name[0] == '/' {
				name = name[1:]
			}
		}

		result = append(result, ContainerInfo{
			ID:     c.ID,
			Name:   name,
			Labels: c.Labels,
		})
	}

	return result, nil
}
