package network

import (
	"context"
	"fmt"
)

// Resolver produces concrete endpoints for declared connections and owns the
// listen-port allocator and firewall ledger used while doing so.
type Resolver struct {
	allocator *PortAllocator
	ledger    *RuleLedger
}

// NewResolver creates a resolver with a fresh allocator and rule ledger.
func NewResolver() *Resolver {
	return &Resolver{
		allocator: NewPortAllocator(),
		ledger:    NewRuleLedger(),
	}
}

// AllocateBind picks a listen port for a sink port on the given host and
// returns the bind the destination service should use. The bind address
// depends on the widest relation any peer has to this host: loopback-only
// when every source shares the machine, all interfaces otherwise.
func (r *Resolver) AllocateBind(host Peer, loopbackOnly bool) Bind {
	addr := "0.0.0.0"
	if loopbackOnly {
		addr = "127.0.0.1"
	}
	return Bind{
		Address:   addr,
		Port:      r.allocator.Next(host.ID()),
		Transport: TransportTCP,
	}
}

// ReservePort marks an externally required port as taken on a host.
func (r *Resolver) ReservePort(host Peer, port int) {
	r.allocator.Reserve(host.ID(), port)
}

// Resolve returns the endpoint at which dst's listen port is reachable from
// src. For cross-network relations it opens a firewall ingress rule on dst if
// dst controls one; the rule is tracked for teardown.
func (r *Resolver) Resolve(ctx context.Context, src, dst Peer, bind Bind) (Endpoint, error) {
	addrs, ok := dst.Addresses()
	if !ok {
		return Endpoint{}, fmt.Errorf("host %s is not provisioned", dst.ID())
	}

	switch Classify(src, dst) {
	case RelationSameHost:
		return Endpoint{Address: addrs.Loopback, Port: bind.Port, Transport: bind.Transport}, nil

	case RelationSameNetwork:
		if addrs.Private == "" {
			return Endpoint{}, fmt.Errorf("host %s has no private address", dst.ID())
		}
		return Endpoint{Address: addrs.Private, Port: bind.Port, Transport: bind.Transport}, nil

	case RelationCrossNetwork:
		if addrs.Public == "" {
			return Endpoint{}, fmt.Errorf("host %s has no public address for cross-network connection", dst.ID())
		}
		if ctrl, ok := dst.(IngressController); ok {
			if err := r.ledger.Open(ctx, dst, ctrl, bind.Port); err != nil {
				return Endpoint{}, err
			}
		}
		return Endpoint{Address: addrs.Public, Port: bind.Port, Transport: bind.Transport}, nil
	}

	return Endpoint{}, fmt.Errorf("unknown relation between %s and %s", src.ID(), dst.ID())
}

// OpenExternal opens a firewall ingress rule for an externally exposed port.
func (r *Resolver) OpenExternal(ctx context.Context, host Peer, port int) error {
	ctrl, ok := host.(IngressController)
	if !ok {
		return nil
	}
	return r.ledger.Open(ctx, host, ctrl, port)
}

// ReleaseRules revokes every firewall rule opened during resolution.
func (r *Resolver) ReleaseRules(ctx context.Context) []error {
	return r.ledger.ReleaseAll(ctx)
}

// Rules exposes the tracked firewall rules, mainly for tests and teardown
// reporting.
func (r *Resolver) Rules() []Rule {
	return r.ledger.Rules()
}
