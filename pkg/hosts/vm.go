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

// MachineSpec describes the virtual machine a Provisioner should create.
type MachineSpec struct {
	// Name labels the machine at the provider.
	Name string

	// Region is the provider region or zone.
	Region string

	// Size is the provider instance size.
	Size string

	// Image is the provider machine image.
	Image string

	// Network names the private network to attach the machine to.
	Network string
}

// Machine is a created virtual machine as reported by the provider.
type Machine struct {
	// ID is the provider-side machine identifier, used for teardown.
	ID string

	// PublicAddr is the machine's public address.
	PublicAddr string

	// PrivateAddr is the machine's address on its private network.
	PrivateAddr string

	// SSH is how to reach the machine once it is up.
	SSH *ssh.Config
}

// Provisioner is the cloud capability VM hosts are built on. Implementations
// should return engine classified errors so transient provider failures and
// rate limits are retried; unclassified errors are treated as fatal.
type Provisioner interface {
	// Create brings up a machine and blocks until it is reachable.
	Create(ctx context.Context, spec MachineSpec) (*Machine, error)

	// Destroy releases the machine. Must be idempotent.
	Destroy(ctx context.Context, machineID string) error

	// OpenIngress allows inbound TCP traffic to the machine's port.
	OpenIngress(ctx context.Context, machineID string, port int) (string, error)

	// CloseIngress revokes a rule created by OpenIngress.
	CloseIngress(ctx context.Context, machineID string, handle string) error
}

// VMHost is a machine created on demand through a Provisioner and destroyed
// at teardown. It controls its own firewall, so it implements
// network.IngressController.
type VMHost struct {
	id          string
	spec        MachineSpec
	provisioner Provisioner

	mu      sync.Mutex
	state   engine.HostState
	machine *Machine
	client  *ssh.Client
	runner  *ssh.Runner
}

// NewVMHost declares a machine to be created at deploy time.
func NewVMHost(id string, spec MachineSpec, p Provisioner) *VMHost {
	if spec.Name == "" {
		spec.Name = id
	}
	return &VMHost{id: id, spec: spec, provisioner: p, state: engine.HostDeclared}
}

// ID implements network.Peer.
func (h *VMHost) ID() string { return h.id }

// Kind implements engine.Host.
func (h *VMHost) Kind() string { return "vm" }

// Locality implements network.Peer.
func (h *VMHost) Locality() network.Locality {
	if h.spec.Network != "" {
		return network.Locality{Class: network.LocalityPrivate, Network: h.spec.Network}
	}
	return network.Locality{Class: network.LocalityPublic}
}

// Addresses implements network.Peer.
func (h *VMHost) Addresses() (network.Addresses, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != engine.HostProvisioned || h.machine == nil {
		return network.Addresses{}, false
	}
	return network.Addresses{
		Loopback: "127.0.0.1",
		Private:  h.machine.PrivateAddr,
		Public:   h.machine.PublicAddr,
	}, true
}

// State implements engine.Host.
func (h *VMHost) State() engine.HostState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Target implements engine.Host.
func (h *VMHost) Target() build.TargetKind { return build.TargetLinuxAMD64 }

// Provision creates the machine and connects to it. A machine that was
// created but cannot be reached is destroyed again before the error returns,
// so a failed provision never leaks the instance.
func (h *VMHost) Provision(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.state == engine.HostProvisioned {
		return nil
	}

	machine, err := h.provisioner.Create(ctx, h.spec)
	if err != nil {
		return classify(err, "create machine", h.id)
	}

	client, err := ssh.NewClient(machine.SSH)
	if err == nil {
		err = client.Connect(ctx)
	}
	if err != nil {
		if destroyErr := h.provisioner.Destroy(ctx, machine.ID); destroyErr != nil {
			log.Warn().Err(destroyErr).Str("host", h.id).Str("machine", machine.ID).
				Msg("failed to destroy unreachable machine")
		}
		return engine.NewTransientError("connect to created machine", err).WithHost(h.id)
	}

	h.machine = machine
	h.client = client
	h.runner = ssh.NewRunner(client)
	h.state = engine.HostProvisioned

	log.Info().Str("host", h.id).Str("machine", machine.ID).
		Str("public", machine.PublicAddr).Msg("machine provisioned")
	return nil
}

// Deprovision disconnects and destroys the machine. Idempotent.
func (h *VMHost) Deprovision(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.state != engine.HostProvisioned {
		return nil
	}
	h.state = engine.HostReleased

	if h.client != nil {
		_ = h.client.Disconnect()
	}
	if h.machine == nil {
		return nil
	}
	if err := h.provisioner.Destroy(ctx, h.machine.ID); err != nil {
		return fmt.Errorf("destroy machine %s: %w", h.machine.ID, err)
	}
	log.Info().Str("host", h.id).Str("machine", h.machine.ID).Msg("machine destroyed")
	return nil
}

// Runner implements engine.Host.
func (h *VMHost) Runner() (supervise.Runner, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.state != engine.HostProvisioned {
		return nil, fmt.Errorf("host %s is not provisioned", h.id)
	}
	return h.runner, nil
}

// OpenIngress implements network.IngressController.
func (h *VMHost) OpenIngress(ctx context.Context, port int) (string, error) {
	h.mu.Lock()
	machine := h.machine
	h.mu.Unlock()
	if machine == nil {
		return "", fmt.Errorf("host %s has no machine", h.id)
	}
	return h.provisioner.OpenIngress(ctx, machine.ID, port)
}

// CloseIngress implements network.IngressController.
func (h *VMHost) CloseIngress(ctx context.Context, handle string) error {
	h.mu.Lock()
	machine := h.machine
	h.mu.Unlock()
	if machine == nil {
		return fmt.Errorf("host %s has no machine", h.id)
	}
	return h.provisioner.CloseIngress(ctx, machine.ID, handle)
}

// classify preserves classified provider errors and wraps everything else as
// fatal.
func classify(err error, op, hostID string) error {
	if engine.IsTransient(err) || engine.IsThrottled(err) || engine.IsFatal(err) {
		return err
	}
	return engine.NewFatalError(engine.CodeProvision, op, err).WithHost(hostID)
}
