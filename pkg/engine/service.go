package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/skeinlab/skein/pkg/build"
	"github.com/skeinlab/skein/pkg/supervise"
)

// portRole tracks how a port is used by declared connections. A port gets
// exactly one role; conflicting declarations are rejected when the connection
// is declared, not at deploy time.
type portRole int

const (
	roleUnused portRole = iota
	roleSource
	roleDemuxSource
	roleSink
)

// Port is a named connection endpoint on a service, identified by the pair
// (service, port name).
type Port struct {
	service *Service
	name    string
	merge   bool
	role    portRole

	// inbound counts connections targeting this port as a sink.
	inbound int
}

// Name returns the port name.
func (p *Port) Name() string { return p.name }

// Service returns the owning service.
func (p *Port) Service() *Service { return p.service }

// Merged reports whether the port aggregates multiple inbound connections.
func (p *Port) Merged() bool { return p.merge }

// String renders the port as service.port.
func (p *Port) String() string { return p.service.name + "." + p.name }

// Service is a deployable unit bound to exactly one host. It is owned by its
// deployment and holds a non-owning reference to its host.
type Service struct {
	name          string
	source        build.SourceRef
	host          Host
	args          []string
	portOrder     []string
	ports         map[string]*Port
	externalPorts []int

	mu       sync.Mutex
	state    ServiceState
	artifact *build.Artifact
	config   LaunchConfig
	sup      *supervise.Supervisor
}

func newService(spec ServiceSpec, host Host) (*Service, error) {
	s := &Service{
		name:          spec.Name,
		source:        spec.Source,
		host:          host,
		args:          append([]string(nil), spec.Args...),
		ports:         make(map[string]*Port, len(spec.Ports)),
		externalPorts: append([]int(nil), spec.ExternalPorts...),
		state:         ServiceDeclared,
	}
	for _, ps := range spec.Ports {
		if ps.Name == "" {
			return nil, NewDeclarationError(CodeUnknownPort, "port name must not be empty").WithService(spec.Name)
		}
		if _, dup := s.ports[ps.Name]; dup {
			return nil, NewDeclarationError(CodeUnknownPort,
				fmt.Sprintf("port %q declared twice", ps.Name)).WithService(spec.Name)
		}
		s.ports[ps.Name] = &Port{service: s, name: ps.Name, merge: ps.Merge}
		s.portOrder = append(s.portOrder, ps.Name)
	}
	return s, nil
}

// Name returns the service name.
func (s *Service) Name() string { return s.name }

// Host returns the host the service is bound to.
func (s *Service) Host() Host { return s.host }

// Source returns the service's source reference.
func (s *Service) Source() build.SourceRef { return s.source }

// State reports the service's lifecycle state.
func (s *Service) State() ServiceState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Port looks up a declared port by name. Referencing an undeclared port is a
// declaration error; ports are never created implicitly.
func (s *Service) Port(name string) (*Port, error) {
	p, ok := s.ports[name]
	if !ok {
		return nil, NewDeclarationError(CodeUnknownPort,
			fmt.Sprintf("port %q is not declared", name)).WithService(s.name)
	}
	return p, nil
}

// Ports returns the declared port names in declaration order.
func (s *Service) Ports() []string {
	return append([]string(nil), s.portOrder...)
}

// Config returns the launch configuration wired at deploy time.
func (s *Service) Config() LaunchConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.config
}

// Stdout streams the process's standard output lines emitted after this
// call. Multiple observers each receive every subsequent line.
func (s *Service) Stdout(ctx context.Context) (<-chan string, error) {
	sup, err := s.supervisor()
	if err != nil {
		return nil, err
	}
	return sup.Stdout(ctx), nil
}

// Stderr streams the process's standard error lines emitted after this call.
func (s *Service) Stderr(ctx context.Context) (<-chan string, error) {
	sup, err := s.supervisor()
	if err != nil {
		return nil, err
	}
	return sup.Stderr(ctx), nil
}

// StdoutFilter streams stdout lines with the given prefix, prefix stripped.
func (s *Service) StdoutFilter(ctx context.Context, prefix string) (<-chan string, error) {
	sup, err := s.supervisor()
	if err != nil {
		return nil, err
	}
	return sup.StdoutFilter(ctx, prefix), nil
}

// ExitCode returns the process's exit status. It fails with
// supervise.ErrStillRunning if the process has not exited.
func (s *Service) ExitCode() (int, error) {
	sup, err := s.supervisor()
	if err != nil {
		return 0, err
	}
	return sup.ExitCode()
}

// Wait suspends the caller until the process exits and returns its status.
func (s *Service) Wait(ctx context.Context) (int, error) {
	sup, err := s.supervisor()
	if err != nil {
		return 0, err
	}
	return sup.Wait(ctx)
}

func (s *Service) supervisor() (*supervise.Supervisor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sup == nil {
		return nil, NewDeclarationError(CodeLifecycle,
			fmt.Sprintf("service %s has not been started", s.name)).WithService(s.name)
	}
	return s.sup, nil
}

func (s *Service) setState(st ServiceState) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *Service) setArtifact(a *build.Artifact) {
	s.mu.Lock()
	s.artifact = a
	if s.state == ServiceDeclared {
		s.state = ServiceArtifactReady
	}
	s.mu.Unlock()
}

func (s *Service) setConfig(cfg LaunchConfig) {
	s.mu.Lock()
	s.config = cfg
	s.mu.Unlock()
}

func (s *Service) setSupervisor(sup *supervise.Supervisor) {
	s.mu.Lock()
	s.sup = sup
	s.mu.Unlock()
}

// markExited records the process exit, distinguishing requested stops from
// crashes.
func (s *Service) markExited(unexpected bool) {
	s.mu.Lock()
	if unexpected {
		s.state = ServiceFailed
	} else {
		s.state = ServiceStopped
	}
	s.mu.Unlock()
}
