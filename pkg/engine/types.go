package engine

import (
	"context"

	"github.com/skeinlab/skein/pkg/build"
	"github.com/skeinlab/skein/pkg/network"
	"github.com/skeinlab/skein/pkg/supervise"
)

// HostState is the lifecycle state of a host.
type HostState string

const (
	// HostDeclared means the host is registered but has no resource yet.
	HostDeclared HostState = "declared"

	// HostProvisioned means the external resource exists and is reachable.
	HostProvisioned HostState = "provisioned"

	// HostReleased means the external resource has been deprovisioned.
	HostReleased HostState = "released"
)

// Host abstracts a compute resource with a reachable network identity. A host
// is exclusively owned by the deployment that registered it.
//
// Provision must be idempotent: a second call in the provisioned state
// returns the cached result. Deprovision must be an idempotent no-op after
// the first success. Hosts that can open firewall ingress for their own ports
// additionally implement network.IngressController.
type Host interface {
	network.Peer

	// Kind names the host implementation ("local", "ssh", "vm", "pod").
	Kind() string

	// State reports the host's lifecycle state.
	State() HostState

	// Target is the artifact platform this host runs.
	Target() build.TargetKind

	// Provision acquires the external resource.
	Provision(ctx context.Context) error

	// Deprovision releases the external resource.
	Deprovision(ctx context.Context) error

	// Runner returns the execution capability for the provisioned host.
	Runner() (supervise.Runner, error)
}

// ServiceState is the lifecycle state of a service.
type ServiceState string

const (
	// ServiceDeclared means the service is registered, nothing built.
	ServiceDeclared ServiceState = "declared"

	// ServiceArtifactReady means the artifact has been built.
	ServiceArtifactReady ServiceState = "artifact-ready"

	// ServiceDeployed means artifact and config are placed on the host;
	// the process has not started.
	ServiceDeployed ServiceState = "deployed"

	// ServiceRunning means the process is running.
	ServiceRunning ServiceState = "running"

	// ServiceStopped means the process exited after a requested stop.
	ServiceStopped ServiceState = "stopped"

	// ServiceFailed means the process exited before stop was requested.
	ServiceFailed ServiceState = "failed"
)

// State is the lifecycle state of a deployment. No state is skippable;
// calling an operation out of order is a declaration error.
type State string

const (
	// StateEmpty is a deployment with nothing registered.
	StateEmpty State = "empty"

	// StateDeclared has hosts, services or connections registered.
	StateDeclared State = "declared"

	// StateProvisioned has every host provisioned.
	StateProvisioned State = "provisioned"

	// StateDeployed has artifacts placed and addresses wired.
	StateDeployed State = "deployed"

	// StateStarted has every service process running.
	StateStarted State = "started"

	// StateStopped has all services stopped, hosts not yet released.
	StateStopped State = "stopped"

	// StatePartiallyFailed is a started deployment in which at least one
	// service crashed.
	StatePartiallyFailed State = "partially-failed"

	// StateTornDown has every resource released.
	StateTornDown State = "torn-down"
)

// PortSpec declares a named port on a service.
type PortSpec struct {
	// Name is the port name, unique within the service.
	Name string

	// Merge marks the port as a merged sink: a single logical endpoint
	// aggregating every connection that targets it, with no ordering
	// guarantee among senders.
	Merge bool
}

// ServiceSpec declares a deployable unit bound to one host.
type ServiceSpec struct {
	// Name identifies the service within the deployment.
	Name string

	// Source is the opaque source reference handed to the build capability.
	Source build.SourceRef

	// Args are the process's runtime arguments.
	Args []string

	// Ports are the service's declared ports, in declaration order.
	Ports []PortSpec

	// ExternalPorts are fixed ports the service exposes to the public
	// internet; the resolver opens firewall rules for them.
	ExternalPorts []int
}

// BindConfig tells a destination service to listen on a local port.
type BindConfig struct {
	network.Bind

	// Merge is true when multiple inbound connections share this listener.
	Merge bool `json:"merge,omitempty"`
}

// ConnectKind distinguishes plain and demultiplexed connect entries.
type ConnectKind string

const (
	// ConnectDirect is a single peer endpoint.
	ConnectDirect ConnectKind = "direct"

	// ConnectDemux is a key-to-endpoint fan-out.
	ConnectDemux ConnectKind = "demux"
)

// ConnectConfig tells a source service where a named port's peers live.
type ConnectConfig struct {
	// Kind selects between Endpoint and Keys.
	Kind ConnectKind `json:"kind"`

	// Endpoint is the single peer for direct connections.
	Endpoint *network.Endpoint `json:"endpoint,omitempty"`

	// Keys maps partition keys to per-key endpoints for demux connections.
	Keys map[uint32]network.Endpoint `json:"keys,omitempty"`
}

// LaunchConfig is the runtime configuration injected into every service
// before its process starts: what to bind at launch, and whom to dial once
// the start command arrives.
type LaunchConfig struct {
	// Binds maps sink port names to listen instructions.
	Binds map[string]BindConfig `json:"binds"`

	// Connects maps source port names to peer endpoints.
	Connects map[string]ConnectConfig `json:"connects"`
}
