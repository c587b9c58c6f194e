package hosts

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/skeinlab/skein/pkg/build"
	"github.com/skeinlab/skein/pkg/engine"
	"github.com/skeinlab/skein/pkg/network"
	"github.com/skeinlab/skein/pkg/supervise"
	"github.com/skeinlab/skein/pkg/transports/ssh"
)

// SSHSpec describes a bring-your-own machine reached over SSH. The machine
// already exists; provisioning only verifies reachability.
type SSHSpec struct {
	// SSH is the connection configuration.
	SSH *ssh.Config

	// Network names the private network the machine sits on, if any.
	// Machines without a network are treated as public-only.
	Network string

	// PrivateAddr is the machine's address on its private network.
	PrivateAddr string

	// PublicAddr is the machine's publicly reachable address. Defaults to
	// the SSH host.
	PublicAddr string
}

// SSHHost is an existing machine the deployment does not own. Deprovisioning
// disconnects but never destroys it, and it exposes no firewall control:
// required ports are assumed open.
type SSHHost struct {
	id   string
	spec SSHSpec

	mu     sync.Mutex
	state  engine.HostState
	client *ssh.Client
	runner *ssh.Runner
}

// NewSSHHost creates a host for an existing machine.
func NewSSHHost(id string, spec SSHSpec) (*SSHHost, error) {
	if spec.SSH == nil {
		return nil, fmt.Errorf("host %s: ssh config is required", id)
	}
	if spec.PublicAddr == "" {
		spec.PublicAddr = spec.SSH.Host
	}
	return &SSHHost{id: id, spec: spec, state: engine.HostDeclared}, nil
}

// ID implements network.Peer.
func (h *SSHHost) ID() string { return h.id }

// Kind implements engine.Host.
func (h *SSHHost) Kind() string { return "ssh" }

// Locality implements network.Peer.
func (h *SSHHost) Locality() network.Locality {
	if h.spec.Network != "" {
		return network.Locality{Class: network.LocalityPrivate, Network: h.spec.Network}
	}
	return network.Locality{Class: network.LocalityPublic}
}

// Addresses implements network.Peer.
func (h *SSHHost) Addresses() (network.Addresses, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return network.Addresses{
		Loopback: "127.0.0.1",
		Private:  h.spec.PrivateAddr,
		Public:   h.spec.PublicAddr,
	}, h.state == engine.HostProvisioned
}

// State implements engine.Host.
func (h *SSHHost) State() engine.HostState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Target implements engine.Host. Remote machines run linux/amd64 artifacts.
func (h *SSHHost) Target() build.TargetKind { return build.TargetLinuxAMD64 }

// Provision connects to the machine and verifies it responds. Connection
// failures are transient: the machine may still be booting.
func (h *SSHHost) Provision(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.state == engine.HostProvisioned {
		return nil
	}

	client, err := ssh.NewClient(h.spec.SSH)
	if err != nil {
		return engine.NewFatalError(engine.CodeProvision, "invalid ssh configuration", err).WithHost(h.id)
	}
	if err := client.Connect(ctx); err != nil {
		return engine.NewTransientError("connect to host", err).WithHost(h.id)
	}

	h.client = client
	h.runner = ssh.NewRunner(client)
	h.state = engine.HostProvisioned

	log.Info().Str("host", h.id).Str("address", h.spec.SSH.Address()).Msg("ssh host reachable")
	return nil
}

// Deprovision disconnects. The machine itself is left untouched.
func (h *SSHHost) Deprovision(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.state != engine.HostProvisioned {
		return nil
	}
	h.state = engine.HostReleased
	if h.client != nil {
		return h.client.Disconnect()
	}
	return nil
}

// Runner implements engine.Host.
func (h *SSHHost) Runner() (supervise.Runner, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.state != engine.HostProvisioned {
		return nil, fmt.Errorf("host %s is not provisioned", h.id)
	}
	return h.runner, nil
}
