package manifest

import (
	"fmt"

	"github.com/skeinlab/skein/pkg/build"
	"github.com/skeinlab/skein/pkg/engine"
	"github.com/skeinlab/skein/pkg/hosts"
	"github.com/skeinlab/skein/pkg/transports/ssh"
)

// Apply declares the manifest's hosts, services and connections on the
// deployment. VM hosts require a provisioner; manifests without VM hosts may
// pass nil.
func Apply(d *engine.Deployment, m *Manifest, provisioner hosts.Provisioner) error {
	hostByID := make(map[string]engine.Host, len(m.Hosts))
	for _, decl := range m.Hosts {
		host, err := buildHost(decl, provisioner)
		if err != nil {
			return err
		}
		if err := d.RegisterHost(host); err != nil {
			return err
		}
		hostByID[decl.ID] = host
	}

	serviceByName := make(map[string]*engine.Service, len(m.Services))
	for _, decl := range m.Services {
		svc, err := d.RegisterService(engine.ServiceSpec{
			Name:          decl.Name,
			Source:        build.SourceRef(decl.Source),
			Args:          decl.Args,
			Ports:         portSpecs(decl.Ports),
			ExternalPorts: decl.ExternalPorts,
		}, hostByID[decl.Host])
		if err != nil {
			return err
		}
		serviceByName[decl.Name] = svc
	}

	for i, conn := range m.Connections {
		src, err := lookupPort(serviceByName, conn.From)
		if err != nil {
			return fmt.Errorf("connection %d: %w", i, err)
		}

		if conn.To != "" {
			dst, err := lookupPort(serviceByName, conn.To)
			if err != nil {
				return fmt.Errorf("connection %d: %w", i, err)
			}
			if err := d.Connect(src, dst); err != nil {
				return fmt.Errorf("connection %d: %w", i, err)
			}
			continue
		}

		targets := make(map[uint32]*engine.Port, len(conn.Demux))
		for key, ref := range conn.Demux {
			target, err := lookupPort(serviceByName, ref)
			if err != nil {
				return fmt.Errorf("connection %d key %d: %w", i, key, err)
			}
			targets[key] = target
		}
		if err := d.ConnectDemux(src, targets); err != nil {
			return fmt.Errorf("connection %d: %w", i, err)
		}
	}
	return nil
}

func buildHost(decl HostDecl, provisioner hosts.Provisioner) (engine.Host, error) {
	switch decl.Kind {
	case "local":
		return hosts.NewLocalHost(decl.ID), nil

	case "ssh":
		cfg := ssh.DefaultConfig(decl.SSH.Host, decl.SSH.User)
		if decl.SSH.Port != 0 {
			cfg.Port = decl.SSH.Port
		}
		if decl.SSH.KeyPath != "" {
			cfg.PrivateKeyPath = decl.SSH.KeyPath
		}
		return hosts.NewSSHHost(decl.ID, hosts.SSHSpec{
			SSH:         cfg,
			Network:     decl.SSH.Network,
			PrivateAddr: decl.SSH.PrivateAddr,
			PublicAddr:  decl.SSH.PublicAddr,
		})

	case "vm":
		if provisioner == nil {
			return nil, fmt.Errorf("host %s: vm hosts require a provisioner", decl.ID)
		}
		return hosts.NewVMHost(decl.ID, hosts.MachineSpec{
			Region:  decl.VM.Region,
			Size:    decl.VM.Size,
			Image:   decl.VM.Image,
			Network: decl.VM.Network,
		}, provisioner), nil

	default:
		return nil, fmt.Errorf("host %s: unknown kind %q", decl.ID, decl.Kind)
	}
}

func portSpecs(decls []PortDecl) []engine.PortSpec {
	specs := make([]engine.PortSpec, len(decls))
	for i, p := range decls {
		specs[i] = engine.PortSpec{Name: p.Name, Merge: p.Merge}
	}
	return specs
}

func lookupPort(services map[string]*engine.Service, ref string) (*engine.Port, error) {
	parsed, err := ParsePortRef(ref)
	if err != nil {
		return nil, err
	}
	svc, ok := services[parsed.Service]
	if !ok {
		return nil, fmt.Errorf("unknown service %q", parsed.Service)
	}
	return svc.Port(parsed.Port)
}
