package config

import (
	"fmt"
	"time"
)

const (
	// DefaultDispatchMode is the default worker dispatch mode.
	DefaultDispatchMode = "webhook"

	// DefaultWebhookTimeout is the default per-request timeout for
	// webhook dispatch.
	DefaultWebhookTimeout = "30s"

	// DefaultContainerRuntime is the default container runtime for
	// container dispatch.
	DefaultContainerRuntime = "docker"

	// DefaultContainerNetwork is the default container network name.
	DefaultContainerNetwork = "runoor"

	// DefaultPullPolicy is the default worker image pull policy.
	DefaultPullPolicy = "if-not-present"

	// DefaultContainerMemory is the default memory limit for worker
	// containers, parsed with go-units (so "2g", "512m" work).
	DefaultContainerMemory = "2g"
)

// DispatchConfig selects how run issues reach their workers. Exactly
// one mode is active: "webhook" POSTs issues to per-worker-type HTTP
// endpoints, "container" launches one worker container per issue.
type DispatchConfig struct {
	Mode      string                   `yaml:"mode,omitempty" mapstructure:"mode"`
	Webhook   *WebhookDispatchConfig   `yaml:"webhook,omitempty" mapstructure:"webhook"`
	Container *ContainerDispatchConfig `yaml:"container,omitempty" mapstructure:"container"`
}

// WebhookDispatchConfig contains webhook dispatch settings. Endpoints
// map worker types to URLs.
type WebhookDispatchConfig struct {
	Endpoints   map[string]string `yaml:"endpoints" mapstructure:"endpoints"`
	CallbackURL string            `yaml:"callback_url,omitempty" mapstructure:"callback_url"`
	AuthToken   string            `yaml:"auth_token,omitempty" mapstructure:"auth_token"`
	Timeout     string            `yaml:"timeout,omitempty" mapstructure:"timeout"`
}

// ContainerDispatchConfig contains container dispatch settings. Images
// map worker types to container images.
type ContainerDispatchConfig struct {
	Runtime      string            `yaml:"runtime,omitempty" mapstructure:"runtime"`
	PodmanSocket string            `yaml:"podman_socket,omitempty" mapstructure:"podman_socket"`
	Network      string            `yaml:"network,omitempty" mapstructure:"network"`
	PullPolicy   string            `yaml:"pull_policy,omitempty" mapstructure:"pull_policy"`
	Images       map[string]string `yaml:"images" mapstructure:"images"`
	Memory       string            `yaml:"memory,omitempty" mapstructure:"memory"`
	CPUs         float64           `yaml:"cpus,omitempty" mapstructure:"cpus"`
	Environment  map[string]string `yaml:"environment,omitempty" mapstructure:"environment"`
}

func (d *DispatchConfig) applyDefaults() {
	if d.Mode == "" {
		d.Mode = DefaultDispatchMode
	}

	if d.Webhook != nil && d.Webhook.Timeout == "" {
		d.Webhook.Timeout = DefaultWebhookTimeout
	}

	if d.Container != nil {
		if d.Container.Runtime == "" {
			d.Container.Runtime = DefaultContainerRuntime
		}

		if d.Container.Network == "" {
			d.Container.Network = DefaultContainerNetwork
		}

		if d.Container.PullPolicy == "" {
			d.Container.PullPolicy = DefaultPullPolicy
		}

		if d.Container.Memory == "" {
			d.Container.Memory = DefaultContainerMemory
		}
	}
}

// Validate checks the dispatch configuration for errors.
func (d *DispatchConfig) Validate() error {
	switch d.Mode {
	case "webhook":
		if d.Webhook == nil {
			return fmt.Errorf("webhook section is required for webhook mode")
		}

		if len(d.Webhook.Endpoints) == 0 {
			return fmt.Errorf("webhook.endpoints must map at least one worker type to a URL")
		}

		for workerType, url := range d.Webhook.Endpoints {
			if !isValidWorkerType(workerType) {
				return fmt.Errorf("webhook.endpoints: unknown worker type %q", workerType)
			}

			if url == "" {
				return fmt.Errorf("webhook.endpoints.%s: URL is required", workerType)
			}
		}

		if d.Webhook.Timeout != "" {
			if _, err := time.ParseDuration(d.Webhook.Timeout); err != nil {
				return fmt.Errorf("webhook.timeout: %w", err)
			}
		}
	case "container":
		if d.Container == nil {
			return fmt.Errorf("container section is required for container mode")
		}

		if len(d.Container.Images) == 0 {
			return fmt.Errorf("container.images must map at least one worker type to an image")
		}

		for workerType, image := range d.Container.Images {
			if !isValidWorkerType(workerType) {
				return fmt.Errorf("container.images: unknown worker type %q", workerType)
			}

			if image == "" {
				return fmt.Errorf("container.images.%s: image is required", workerType)
			}
		}

		if !isValidRuntime(d.Container.Runtime) {
			return fmt.Errorf("container.runtime %q is not supported", d.Container.Runtime)
		}

		if !isValidPullPolicy(d.Container.PullPolicy) {
			return fmt.Errorf("container.pull_policy %q is not supported", d.Container.PullPolicy)
		}
	default:
		return fmt.Errorf("mode %q is not supported (want webhook or container)", d.Mode)
	}

	return nil
}

// validRuntimes is the list of supported container runtimes.
var validRuntimes = map[string]struct{}{
	"docker": {},
	"podman": {},
}

func isValidRuntime(runtime string) bool {
	_, ok := validRuntimes[runtime]

	return ok
}

// validPullPolicies is the list of supported image pull policies.
var validPullPolicies = map[string]struct{}{
	"always":         {},
	"if-not-present": {},
	"never":          {},
}

func isValidPullPolicy(policy string) bool {
	_, ok := validPullPolicies[policy]

	return ok
}
