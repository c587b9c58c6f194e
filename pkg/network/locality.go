package network

// LocalityClass describes where a host sits in the network from the engine's
// point of view.
type LocalityClass string

const (
	// LocalityLocal is the machine the engine itself runs on.
	LocalityLocal LocalityClass = "local"

	// LocalityPrivate is a host on a named private network (VPC, LAN).
	LocalityPrivate LocalityClass = "private"

	// LocalityPublic is a host only reachable through a public address.
	LocalityPublic LocalityClass = "public"
)

// Locality is the network position of a host.
type Locality struct {
	// Class is the locality class.
	Class LocalityClass

	// Network names the private network for LocalityPrivate hosts. Two
	// private hosts are directly reachable only if their Network matches.
	Network string
}

// Addresses are the reachable addresses of a provisioned host. Fields that do
// not apply to the host's locality are empty.
type Addresses struct {
	// Loopback is the address used by peers on the same machine.
	Loopback string

	// Private is the address used by peers on the same private network.
	Private string

	// Public is the address used by peers on other networks.
	Public string
}

// Peer is the view of a host the resolver needs. The engine's Host interface
// satisfies it.
type Peer interface {
	// ID uniquely identifies the host within a deployment.
	ID() string

	// Locality reports the host's network position.
	Locality() Locality

	// Addresses returns the host's reachable addresses. The second return
	// is false until the host has been provisioned.
	Addresses() (Addresses, bool)
}

// Relation is the reachability relationship between two hosts.
type Relation string

const (
	// RelationSameHost means both endpoints share one machine; loopback.
	RelationSameHost Relation = "same-host"

	// RelationSameNetwork means both hosts share a private network.
	RelationSameNetwork Relation = "same-network"

	// RelationCrossNetwork means traffic must use a public endpoint and a
	// firewall ingress rule on the listening side.
	RelationCrossNetwork Relation = "cross-network"
)

// Classify determines the relation between two hosts. It is symmetric:
// Classify(a, b) == Classify(b, a).
func Classify(a, b Peer) Relation {
	if a.ID() == b.ID() {
		return RelationSameHost
	}

	la, lb := a.Locality(), b.Locality()
	if la.Class == LocalityLocal && lb.Class == LocalityLocal {
		return RelationSameHost
	}
	if la.Class == LocalityPrivate && lb.Class == LocalityPrivate && la.Network == lb.Network {
		return RelationSameNetwork
	}
	return RelationCrossNetwork
}
