// Package podman runs worker containers through the Podman bindings.
package podman

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/containers/podman/v5/pkg/bindings"
	"github.com/containers/podman/v5/pkg/bindings/containers"
	"github.com/containers/podman/v5/pkg/bindings/images"
	"github.com/containers/podman/v5/pkg/bindings/network"
	"github.com/containers/podman/v5/pkg/bindings/system"
	"github.com/containers/podman/v5/pkg/specgen"
	"github.com/ethpandaops/runoor/pkg/docker"
	specs "github.com/opencontainers/runtime-spec/specs-go"
	"github.com/sirupsen/logrus"
	nettypes "go.podman.io/common/libnetwork/types"
)

// DefaultSocket is the default rootful Podman socket path.
const DefaultSocket = "unix:///run/podman/podman.sock"

// cpuPeriod is the CFS scheduler period used when translating NanoCPUs
// into a quota.
const cpuPeriod = uint64(100000)

// qualifyImageName ensures the image name is fully qualified for Podman.
// Docker defaults short names like "runoor/worker:tag" to
// "docker.io/runoor/worker:tag", but Podman requires fully-qualified
// names unless unqualified-search registries are configured.
func qualifyImageName(name string) string {
	// Already has a registry (contains a dot before the first slash).
	parts := strings.SplitN(name, "/", 2)
	if len(parts) == 2 && strings.Contains(parts[0], ".") {
		return name
	}

	return "docker.io/" + name
}

// runtime implements docker.Runtime using Podman Go bindings.
type runtime struct {
	log    logrus.FieldLogger
	socket string
	conn   context.Context // Podman connection context.
}

// Ensure interface compliance.
var _ docker.Runtime = (*runtime)(nil)

// NewRuntime creates a Podman-backed Runtime. An empty socket selects
// the default rootful socket.
func NewRuntime(log logrus.FieldLogger, socket string) (docker.Runtime, error) {
	if socket == "" {
		socket = DefaultSocket
	}

	return &runtime{
		log:    log.WithField("component", "podman"),
		socket: socket,
	}, nil
}

// Start initializes the Podman connection.
func (r *runtime) Start(ctx context.Context) error {
	conn, err := bindings.NewConnection(ctx, r.socket)
	if err != nil {
		return fmt.Errorf(
			"connecting to podman socket (%s): %w\n"+
				"Ensure the Podman service is running: systemctl start podman.socket",
			r.socket, err,
		)
	}

	r.conn = conn

	info, err := system.Info(r.conn, nil)
	if err != nil {
		return fmt.Errorf("querying podman info: %w", err)
	}

	r.log.WithFields(logrus.Fields{
		"version":  info.Version.Version,
		"runtime":  info.Host.OCIRuntime.Name,
		"rootless": info.Host.Security.Rootless,
	}).Debug("Connected to Podman daemon")

	return nil
}

// Stop releases the Podman connection.
func (r *runtime) Stop() error {
	return nil
}

// EnsureNetwork creates the worker network if it doesn't exist.
func (r *runtime) EnsureNetwork(ctx context.Context, name string) error {
	nets, err := network.List(r.conn, &network.ListOptions{
		Filters: map[string][]string{"name": {name}},
	})
	if err != nil {
		return fmt.Errorf("listing networks: %w", err)
	}

	for _, n := range nets {
		if n.Name == name {
			r.log.WithField("network", name).Debug("Network already exists")

			return nil
		}
	}

	netCfg := nettypes.Network{
		Name:   name,
		Driver: "bridge",
	}

	if _, err := network.Create(r.conn, &netCfg); err != nil {
		return fmt.Errorf("creating network %s: %w", name, err)
	}

	r.log.WithField("network", name).Info("Created Podman network")

	return nil
}

// PullImage pulls a worker image according to the pull policy.
func (r *runtime) PullImage(ctx context.Context, imageName, policy string) error {
	imageName = qualifyImageName(imageName)
	log := r.log.WithField("image", imageName)

	if policy == "never" {
		log.Debug("Skipping image pull (policy: never)")

		return nil
	}

	if policy == "if-not-present" {
		_, err := images.GetImage(r.conn, imageName, nil)
		if err == nil {
			log.Debug("Image already exists (policy: if-not-present)")

			return nil
		}
	}

	log.Info("Pulling image")

	if _, err := images.Pull(r.conn, imageName, nil); err != nil {
		return fmt.Errorf("pulling image %s: %w", imageName, err)
	}

	log.Info("Image pulled successfully")

	return nil
}

// RunContainer creates and starts a worker container.
func (r *runtime) RunContainer(
	ctx context.Context,
	spec *docker.ContainerSpec,
) (string, error) {
	log := r.log.WithField("container", spec.Name)

	s := &specgen.SpecGenerator{}
	s.Name = spec.Name
	s.Image = qualifyImageName(spec.Image)
	s.Labels = spec.Labels

	if len(spec.Env) > 0 {
		s.Env = make(map[string]string, len(spec.Env))
		for k, v := range spec.Env {
			s.Env[k] = v
		}
	}

	if spec.NetworkName != "" {
		s.Networks = map[string]nettypes.PerNetworkOptions{
			spec.NetworkName: {},
		}
	}

	if spec.MemoryBytes > 0 || spec.NanoCPUs > 0 {
		s.ResourceLimits = &specs.LinuxResources{}

		if spec.MemoryBytes > 0 {
			mem := spec.MemoryBytes
			s.ResourceLimits.Memory = &specs.LinuxMemory{
				Limit: &mem,
			}
		}

		if spec.NanoCPUs > 0 {
			period := cpuPeriod
			quota := spec.NanoCPUs / 10000
			s.ResourceLimits.CPU = &specs.LinuxCPU{
				Period: &period,
				Quota:  &quota,
			}
		}
	}

	resp, err := containers.CreateWithSpec(r.conn, s, nil)
	if err != nil {
		return "", fmt.Errorf("creating container: %w", err)
	}

	log.WithField("id", resp.ID[:12]).Debug("Created container")

	if err := containers.Start(r.conn, resp.ID, nil); err != nil {
		if rmErr := r.RemoveContainer(ctx, resp.ID); rmErr != nil {
			log.WithError(rmErr).Warn("Failed to remove unstarted container")
		}

		return "", fmt.Errorf("starting container %s: %w", resp.ID[:12], err)
	}

	log.WithField("id", resp.ID[:12]).Debug("Started container")

	return resp.ID, nil
}

// WaitContainer blocks until the container exits and returns its exit
// code.
func (r *runtime) WaitContainer(ctx context.Context, containerID string) (int64, error) {
	exitCode, err := containers.Wait(r.conn, containerID, nil)
	if err != nil {
		return 0, fmt.Errorf("waiting for container %s: %w", containerID[:12], err)
	}

	return int64(exitCode), nil
}

// ContainerLogs collects the container's stdout and stderr.
func (r *runtime) ContainerLogs(
	ctx context.Context,
	containerID string,
) (string, string, error) {
	showStdout := true
	showStderr := true

	stdoutCh := make(chan string, 100)
	stderrCh := make(chan string, 100)

	var stdout, stderr strings.Builder

	var wg sync.WaitGroup

	wg.Add(1)

	go func() {
		defer wg.Done()

		for line := range stdoutCh {
			stdout.WriteString(line)
			stdout.WriteString("\n")
		}
	}()

	wg.Add(1)

	go func() {
		defer wg.Done()

		for line := range stderrCh {
			stderr.WriteString(line)
			stderr.WriteString("\n")
		}
	}()

	err := containers.Logs(r.conn, containerID, &containers.LogOptions{
		Stdout: &showStdout,
		Stderr: &showStderr,
	}, stdoutCh, stderrCh)

	// Podman's Logs does not close the channels on return. Close them so
	// the reader goroutines exit their range loops.
	close(stdoutCh)
	close(stderrCh)

	wg.Wait()

	if err != nil {
		return "", "", fmt.Errorf("reading logs: %w", err)
	}

	return stdout.String(), stderr.String(), nil
}

// RemoveContainer force-removes a container and its volumes.
func (r *runtime) RemoveContainer(ctx context.Context, containerID string) error {
	force := true
	vols := true
	timeout := uint(0) // SIGKILL immediately, skip SIGTERM grace period.

	if _, err := containers.Remove(r.conn, containerID, &containers.RemoveOptions{
		Force:   &force,
		Volumes: &vols,
		Timeout: &timeout,
	}); err != nil {
		return fmt.Errorf("removing container %s: %w", containerID[:12], err)
	}

	r.log.WithField("id", containerID[:12]).Debug("Removed container")

	return nil
}

// ListManagedContainers returns all containers carrying the managed-by
// label.
func (r *runtime) ListManagedContainers(ctx context.Context) ([]docker.ContainerInfo, error) {
	all := true

	podmanContainers, err := containers.List(r.conn, &containers.ListOptions{
		All: &all,
		Filters: map[string][]string{
			"label": {docker.LabelManagedBy + "=" + docker.ManagedByValue},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("listing containers: %w", err)
	}

	result := make([]docker.ContainerInfo, 0, len(podmanContainers))

	for _, c := range podmanContainers {
		name := ""

		if len(c.Names) > 0 {
			name = c.Names[0]
			if len(name) > 0 && name[0] == '/' {
				name = name[1:]
			}
		}

		result = append(result, docker.ContainerInfo{
			ID:     c.ID,
			Name:   name,
			Labels: c.Labels,
		})
	}

	return result, nil
}
