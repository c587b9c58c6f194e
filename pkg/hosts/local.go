// Package hosts provides the built-in engine.Host implementations: the local
// machine, bring-your-own machines reached over SSH, and machines provisioned
// on demand through a cloud Provisioner.
package hosts

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/skeinlab/skein/pkg/build"
	"github.com/skeinlab/skein/pkg/engine"
	"github.com/skeinlab/skein/pkg/network"
	"github.com/skeinlab/skein/pkg/supervise"
	"github.com/skeinlab/skein/pkg/transports/local"
)

// LocalHost runs services on the machine the engine runs on. Provisioning
// only creates a staging directory, so it never fails transiently.
type LocalHost struct {
	id string

	mu       sync.Mutex
	state    engine.HostState
	stageDir string
	runner   *local.Runner
}

// NewLocalHost creates a local host with the given ID.
func NewLocalHost(id string) *LocalHost {
	return &LocalHost{id: id, state: engine.HostDeclared}
}

// ID implements network.Peer.
func (h *LocalHost) ID() string { return h.id }

// Kind implements engine.Host.
func (h *LocalHost) Kind() string { return "local" }

// Locality implements network.Peer.
func (h *LocalHost) Locality() network.Locality {
	return network.Locality{Class: network.LocalityLocal}
}

// Addresses implements network.Peer.
func (h *LocalHost) Addresses() (network.Addresses, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return network.Addresses{Loopback: "127.0.0.1"}, h.state == engine.HostProvisioned
}

// State implements engine.Host.
func (h *LocalHost) State() engine.HostState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Target implements engine.Host.
func (h *LocalHost) Target() build.TargetKind { return build.TargetLocal }

// Provision creates the staging directory. Idempotent.
func (h *LocalHost) Provision(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.state == engine.HostProvisioned {
		return nil
	}
	dir, err := os.MkdirTemp("", "skein-"+h.id+"-")
	if err != nil {
		return engine.NewFatalError(engine.CodeProvision, "create staging directory", err).WithHost(h.id)
	}
	h.stageDir = dir
	h.runner = local.NewRunner(dir)
	h.state = engine.HostProvisioned

	log.Debug().Str("host", h.id).Str("dir", dir).Msg("local host provisioned")
	return nil
}

// Deprovision removes the staging directory. Idempotent.
func (h *LocalHost) Deprovision(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.state != engine.HostProvisioned {
		return nil
	}
	h.state = engine.HostReleased
	if h.runner != nil {
		return h.runner.Close()
	}
	return nil
}

// Runner implements engine.Host.
func (h *LocalHost) Runner() (supervise.Runner, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.state != engine.HostProvisioned {
		return nil, fmt.Errorf("host %s is not provisioned", h.id)
	}
	return h.runner, nil
}
