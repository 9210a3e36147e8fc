// Package dispatch hands run issues to workers and collects their
// results.
package dispatch

import (
	"context"
	"fmt"

	"github.com/ethpandaops/runoor/pkg/config"
	"github.com/ethpandaops/runoor/pkg/docker"
	"github.com/ethpandaops/runoor/pkg/podman"
	"github.com/ethpandaops/runoor/pkg/store"
	"github.com/sirupsen/logrus"
)

// Dispatcher delivers issues to workers. Webhook dispatch expects the
// worker to report back through the API; container dispatch watches the
// worker container and records the result itself.
type Dispatcher interface {
	Start(ctx context.Context) error
	Stop() error

	Dispatch(ctx context.Context, run *store.Run, issue *store.RunIssue) error
}

// NewFromConfig builds the Dispatcher for the configured mode.
func NewFromConfig(
	log logrus.FieldLogger,
	cfg *config.DispatchConfig,
	st store.Store,
) (Dispatcher, error) {
	switch cfg.Mode {
	case "webhook":
		return NewWebhookDispatcher(log, cfg.Webhook)
	case "container":
		var (
			rt  docker.Runtime
			err error
		)

		if cfg.Container.Runtime == "podman" {
			rt, err = podman.NewRuntime(log, cfg.Container.PodmanSocket)
		} else {
			rt, err = docker.NewRuntime(log)
		}

		if err != nil {
			return nil, fmt.Errorf("creating %s runtime: %w", cfg.Container.Runtime, err)
		}

		return NewContainerDispatcher(log, cfg.Container, st, rt)
	default:
		return nil, fmt.Errorf("dispatch mode %q is not supported", cfg.Mode)
	}
}
