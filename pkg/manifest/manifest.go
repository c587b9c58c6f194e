// Package manifest loads declarative deployment topologies from YAML and
// turns them into engine declarations.
package manifest

import (
	"fmt"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Manifest is the root of a topology file.
type Manifest struct {
	// Version is the manifest schema version.
	Version int `yaml:"version" validate:"required,eq=1"`

	// Name labels the deployment.
	Name string `yaml:"name" validate:"required"`

	// Hosts are the compute resources services run on.
	Hosts []HostDecl `yaml:"hosts" validate:"required,min=1,dive"`

	// Services are the deployable units.
	Services []ServiceDecl `yaml:"services" validate:"required,min=1,dive"`

	// Connections wire service ports together.
	Connections []ConnectionDecl `yaml:"connections" validate:"dive"`
}

// HostDecl declares one host.
type HostDecl struct {
	// ID uniquely names the host within the manifest.
	ID string `yaml:"id" validate:"required"`

	// Kind is local, ssh or vm.
	Kind string `yaml:"kind" validate:"required,oneof=local ssh vm"`

	// SSH configures ssh hosts.
	SSH *SSHDecl `yaml:"ssh,omitempty" validate:"required_if=Kind ssh"`

	// VM configures vm hosts.
	VM *VMDecl `yaml:"vm,omitempty" validate:"required_if=Kind vm"`
}

// SSHDecl configures a bring-your-own machine.
type SSHDecl struct {
	Host        string `yaml:"host" validate:"required"`
	Port        int    `yaml:"port"`
	User        string `yaml:"user" validate:"required"`
	KeyPath     string `yaml:"key_path"`
	Network     string `yaml:"network"`
	PrivateAddr string `yaml:"private_addr"`
	PublicAddr  string `yaml:"public_addr"`
}

// VMDecl configures an on-demand machine.
type VMDecl struct {
	Region  string `yaml:"region" validate:"required"`
	Size    string `yaml:"size" validate:"required"`
	Image   string `yaml:"image" validate:"required"`
	Network string `yaml:"network"`
}

// ServiceDecl declares one service.
type ServiceDecl struct {
	// Name uniquely names the service within the manifest.
	Name string `yaml:"name" validate:"required"`

	// Host is the ID of the host the service runs on.
	Host string `yaml:"host" validate:"required"`

	// Source is the build source reference (bin:<path> or go:<dir>).
	Source string `yaml:"source" validate:"required"`

	// Args are runtime process arguments.
	Args []string `yaml:"args,omitempty"`

	// Ports are the service's named ports.
	Ports []PortDecl `yaml:"ports,omitempty" validate:"dive"`

	// ExternalPorts are fixed public ports.
	ExternalPorts []int `yaml:"external_ports,omitempty" validate:"dive,min=1,max=65535"`
}

// PortDecl declares a named port.
type PortDecl struct {
	Name  string `yaml:"name" validate:"required"`
	Merge bool   `yaml:"merge,omitempty"`
}

// ConnectionDecl wires one source port to either one destination or a keyed
// fan-out.
type ConnectionDecl struct {
	// From is the source port as service.port.
	From string `yaml:"from" validate:"required"`

	// To is the destination port as service.port, for direct connections.
	To string `yaml:"to,omitempty"`

	// Demux maps partition keys to destination ports, for fan-out.
	Demux map[uint32]string `yaml:"demux,omitempty"`
}

// PortRef is a parsed service.port reference.
type PortRef struct {
	Service string
	Port    string
}

// ParsePortRef splits a service.port reference.
func ParsePortRef(s string) (PortRef, error) {
	service, port, found := strings.Cut(s, ".")
	if !found || service == "" || port == "" {
		return PortRef{}, fmt.Errorf("invalid port reference %q, want service.port", s)
	}
	return PortRef{Service: service, Port: port}, nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Parse decodes and validates a manifest.
func Parse(data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Load reads and parses a manifest file.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	return Parse(data)
}

// Validate checks structural and referential integrity.
func (m *Manifest) Validate() error {
	if err := validate.Struct(m); err != nil {
		return fmt.Errorf("invalid manifest: %w", err)
	}

	hostIDs := make(map[string]bool, len(m.Hosts))
	for _, h := range m.Hosts {
		if hostIDs[h.ID] {
			return fmt.Errorf("invalid manifest: duplicate host %q", h.ID)
		}
		hostIDs[h.ID] = true
	}

	serviceNames := make(map[string]bool, len(m.Services))
	for _, s := range m.Services {
		if serviceNames[s.Name] {
			return fmt.Errorf("invalid manifest: duplicate service %q", s.Name)
		}
		serviceNames[s.Name] = true
		if !hostIDs[s.Host] {
			return fmt.Errorf("invalid manifest: service %q references unknown host %q", s.Name, s.Host)
		}
	}

	for i, c := range m.Connections {
		if (c.To == "") == (len(c.Demux) == 0) {
			return fmt.Errorf("invalid manifest: connection %d needs exactly one of to or demux", i)
		}
		refs := []string{c.From}
		if c.To != "" {
			refs = append(refs, c.To)
		}
		for _, target := range c.Demux {
			refs = append(refs, target)
		}
		for _, ref := range refs {
			parsed, err := ParsePortRef(ref)
			if err != nil {
				return fmt.Errorf("invalid manifest: connection %d: %w", i, err)
			}
			if !serviceNames[parsed.Service] {
				return fmt.Errorf("invalid manifest: connection %d references unknown service %q", i, parsed.Service)
			}
		}
	}
	return nil
}
