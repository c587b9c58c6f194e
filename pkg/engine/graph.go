package engine

import (
	"context"
	"fmt"
	"sort"

	"github.com/skeinlab/skein/pkg/network"
)

// Connection is a directed edge from a source port to a destination port, or
// to a keyed set of destination ports for demux connections.
type Connection struct {
	source *Port
	dest   *Port
	demux  map[uint32]*Port
}

// Source returns the originating port.
func (c *Connection) Source() *Port { return c.source }

// IsDemux reports whether the connection fans out by partition key.
func (c *Connection) IsDemux() bool { return c.demux != nil }

// Targets returns every destination port of the connection.
func (c *Connection) Targets() []*Port {
	if c.demux == nil {
		return []*Port{c.dest}
	}
	out := make([]*Port, 0, len(c.demux))
	for _, p := range c.demux {
		out = append(out, p)
	}
	return out
}

// validateSource checks that a port can originate a connection.
func (d *Deployment) validateSource(p *Port) error {
	if err := d.owns(p); err != nil {
		return err
	}
	switch p.role {
	case roleUnused:
		return nil
	case roleSink:
		return NewDeclarationError(CodePortRoleConflict,
			"port is already a connection target").WithService(p.service.name).WithPort(p.name)
	default:
		return NewDeclarationError(CodePortRoleConflict,
			"port already originates a connection").WithService(p.service.name).WithPort(p.name)
	}
}

// validateSink checks that a port can receive one more connection. Only
// merged ports accept more than one inbound edge.
func (d *Deployment) validateSink(p *Port) error {
	if err := d.owns(p); err != nil {
		return err
	}
	switch p.role {
	case roleUnused:
		return nil
	case roleSink:
		if !p.merge {
			return NewDeclarationError(CodeDuplicateTarget,
				"port is already a connection target and is not merged").WithService(p.service.name).WithPort(p.name)
		}
		return nil
	default:
		return NewDeclarationError(CodePortRoleConflict,
			"port already originates a connection and cannot be a target").WithService(p.service.name).WithPort(p.name)
	}
}

// owns verifies the port belongs to a service registered in this deployment.
func (d *Deployment) owns(p *Port) error {
	if p == nil {
		return NewDeclarationError(CodeDanglingPort, "nil port in connection")
	}
	if registered, ok := d.services[p.service.name]; !ok || registered != p.service {
		return NewDeclarationError(CodeDanglingPort,
			"port belongs to a service not registered in this deployment").WithService(p.service.name).WithPort(p.name)
	}
	return nil
}

// wire resolves the whole connection set into per-service launch
// configurations: every sink port gets a listen instruction, every source
// port gets the endpoint (or key→endpoint map) of its peers, as seen from
// the source's host. Both endpoints' hosts must be provisioned.
func (d *Deployment) wire(ctx context.Context) error {
	// External ports are fixed, so they must be reserved before any bind is
	// allocated or the allocator could hand the same port to a sink. Open
	// ingress for them while here.
	for _, svc := range d.serviceOrder {
		for _, port := range svc.externalPorts {
			d.resolver.ReservePort(svc.host, port)
			if err := d.resolver.OpenExternal(ctx, svc.host, port); err != nil {
				return NewFatalError(CodeWiring, "open external port", err).
					WithService(svc.name).WithHost(svc.host.ID())
			}
		}
	}

	// First pass: allocate one bind per sink port. Merged sinks listen
	// once and accept every inbound connection on the same port.
	binds := make(map[*Port]network.Bind)
	for _, c := range d.connections {
		for _, target := range c.Targets() {
			if _, done := binds[target]; done {
				continue
			}
			binds[target] = d.resolver.AllocateBind(target.service.host, d.loopbackOnly(target))
		}
	}

	// Second pass: resolve every edge to the endpoint at which the target
	// is reachable from the source's host.
	configs := make(map[*Service]*LaunchConfig)
	cfg := func(svc *Service) *LaunchConfig {
		c, ok := configs[svc]
		if !ok {
			c = &LaunchConfig{
				Binds:    make(map[string]BindConfig),
				Connects: make(map[string]ConnectConfig),
			}
			configs[svc] = c
		}
		return c
	}

	for _, c := range d.connections {
		srcHost := c.source.service.host

		if !c.IsDemux() {
			bind := binds[c.dest]
			ep, err := d.resolver.Resolve(ctx, srcHost, c.dest.service.host, bind)
			if err != nil {
				return NewFatalError(CodeWiring, "resolve connection", err).
					WithService(c.dest.service.name).WithPort(c.dest.name)
			}
			cfg(c.source.service).Connects[c.source.name] = ConnectConfig{
				Kind:     ConnectDirect,
				Endpoint: &ep,
			}
			cfg(c.dest.service).Binds[c.dest.name] = BindConfig{Bind: bind, Merge: c.dest.merge}
			continue
		}

		// One physical sub-connection per mapping entry, all sharing the
		// same logical source port.
		keys := make([]uint32, 0, len(c.demux))
		for k := range c.demux {
			keys = append(keys, k)
		}
		sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

		endpoints := make(map[uint32]network.Endpoint, len(keys))
		for _, k := range keys {
			target := c.demux[k]
			bind := binds[target]
			ep, err := d.resolver.Resolve(ctx, srcHost, target.service.host, bind)
			if err != nil {
				return NewFatalError(CodeWiring,
					fmt.Sprintf("resolve demux key %d", k), err).
					WithService(target.service.name).WithPort(target.name)
			}
			endpoints[k] = ep
			cfg(target.service).Binds[target.name] = BindConfig{Bind: bind, Merge: target.merge}
		}
		cfg(c.source.service).Connects[c.source.name] = ConnectConfig{
			Kind: ConnectDemux,
			Keys: endpoints,
		}
	}

	for _, svc := range d.serviceOrder {
		if c, ok := configs[svc]; ok {
			svc.setConfig(*c)
		} else {
			svc.setConfig(LaunchConfig{
				Binds:    map[string]BindConfig{},
				Connects: map[string]ConnectConfig{},
			})
		}
	}
	return nil
}

// loopbackOnly reports whether every source dialing the sink port shares its
// machine, in which case the sink binds loopback instead of all interfaces.
func (d *Deployment) loopbackOnly(sink *Port) bool {
	for _, c := range d.connections {
		for _, target := range c.Targets() {
			if target != sink {
				continue
			}
			if network.Classify(c.source.service.host, sink.service.host) != network.RelationSameHost {
				return false
			}
		}
	}
	return true
}
