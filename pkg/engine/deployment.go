package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/skeinlab/skein/pkg/build"
	"github.com/skeinlab/skein/pkg/network"
	"github.com/skeinlab/skein/pkg/supervise"
)

// Options configures a deployment.
type Options struct {
	// Builder is the external build capability. Required before Deploy.
	Builder build.Builder

	// Retry bounds host provisioning retries.
	Retry RetryPolicy

	// ProvisionParallelism bounds concurrent provisioning calls to respect
	// provider rate limits. Defaults to 8.
	ProvisionParallelism int

	// ReadyTimeout bounds how long a launched process may take to bind its
	// listen sockets. Defaults to 60s.
	ReadyTimeout time.Duration

	// AckTimeout bounds how long a process may take to ack the start
	// command. Defaults to 60s.
	AckTimeout time.Duration

	// StopGrace is the grace period between a stop request and a forced
	// kill. Defaults to 30s.
	StopGrace time.Duration
}

func (o *Options) withDefaults() {
	if o.ProvisionParallelism <= 0 {
		o.ProvisionParallelism = 8
	}
	if o.Retry.MaxAttempts == 0 {
		o.Retry = DefaultRetryPolicy()
	}
	if o.ReadyTimeout <= 0 {
		o.ReadyTimeout = 60 * time.Second
	}
	if o.AckTimeout <= 0 {
		o.AckTimeout = 60 * time.Second
	}
	if o.StopGrace <= 0 {
		o.StopGrace = 30 * time.Second
	}
}

// Deployment is the top-level aggregate owning hosts, services and
// connections, and the sole mutator of its graph. Lifecycle calls are
// serialized; the state machine never reorders operations on the caller's
// behalf.
type Deployment struct {
	id   string
	opts Options

	resolver *network.Resolver
	events   *EventBus
	tracer   trace.Tracer

	// lifecycleMu serializes Deploy/Start/Stop end to end.
	lifecycleMu sync.Mutex

	// stateMu guards state and the declaration collections.
	stateMu      sync.Mutex
	state        State
	hosts        []Host
	hostIDs      map[string]Host
	services     map[string]*Service
	serviceOrder []*Service
	connections  []*Connection

	// crashCh surfaces unexpected process exits to an in-flight start
	// barrier.
	crashCh chan string
}

// New creates an empty deployment.
func New(opts Options) *Deployment {
	opts.withDefaults()
	return &Deployment{
		id:       uuid.New().String(),
		opts:     opts,
		resolver: network.NewResolver(),
		events:   NewEventBus(),
		tracer:   otel.Tracer("skein/engine"),
		state:    StateEmpty,
		hostIDs:  make(map[string]Host),
		services: make(map[string]*Service),
		crashCh:  make(chan string, 128),
	}
}

// ID returns the deployment's unique identifier.
func (d *Deployment) ID() string { return d.id }

// State reports the deployment's lifecycle state.
func (d *Deployment) State() State {
	d.stateMu.Lock()
	defer d.stateMu.Unlock()
	return d.state
}

// Events exposes the deployment's event bus.
func (d *Deployment) Events() *EventBus { return d.events }

// Resolver exposes the network resolver, mainly for inspection in tests.
func (d *Deployment) Resolver() *network.Resolver { return d.resolver }

// Hosts returns the registered hosts in registration order.
func (d *Deployment) Hosts() []Host {
	d.stateMu.Lock()
	defer d.stateMu.Unlock()
	return append([]Host(nil), d.hosts...)
}

// Services returns the registered services in registration order.
func (d *Deployment) Services() []*Service {
	d.stateMu.Lock()
	defer d.stateMu.Unlock()
	return append([]*Service(nil), d.serviceOrder...)
}

// Service looks up a registered service by name.
func (d *Deployment) Service(name string) (*Service, bool) {
	d.stateMu.Lock()
	defer d.stateMu.Unlock()
	svc, ok := d.services[name]
	return svc, ok
}

// RegisterHost adds a host to the deployment. Hosts may only be registered
// before deploy.
func (d *Deployment) RegisterHost(h Host) error {
	d.stateMu.Lock()
	defer d.stateMu.Unlock()

	if err := d.declarableLocked("register host"); err != nil {
		return err
	}
	if _, dup := d.hostIDs[h.ID()]; dup {
		return NewDeclarationError(CodeLifecycle,
			fmt.Sprintf("host %s is already registered", h.ID())).WithHost(h.ID())
	}
	d.hosts = append(d.hosts, h)
	d.hostIDs[h.ID()] = h
	d.state = StateDeclared
	return nil
}

// RegisterService adds a service bound to a previously registered host.
func (d *Deployment) RegisterService(spec ServiceSpec, host Host) (*Service, error) {
	d.stateMu.Lock()
	defer d.stateMu.Unlock()

	if err := d.declarableLocked("register service"); err != nil {
		return nil, err
	}
	if spec.Name == "" {
		return nil, NewDeclarationError(CodeLifecycle, "service name must not be empty")
	}
	if _, dup := d.services[spec.Name]; dup {
		return nil, NewDeclarationError(CodeLifecycle,
			fmt.Sprintf("service %s is already registered", spec.Name)).WithService(spec.Name)
	}
	if _, known := d.hostIDs[host.ID()]; !known {
		return nil, NewDeclarationError(CodeLifecycle,
			"service host is not registered in this deployment").WithService(spec.Name).WithHost(host.ID())
	}

	svc, err := newService(spec, host)
	if err != nil {
		return nil, err
	}
	d.services[spec.Name] = svc
	d.serviceOrder = append(d.serviceOrder, svc)
	d.state = StateDeclared
	return svc, nil
}

// Connect declares a directed edge from a source port to a destination port.
// Declaring a connection after deploy is a usage error and leaves the graph
// unchanged.
func (d *Deployment) Connect(src, dst *Port) error {
	d.stateMu.Lock()
	defer d.stateMu.Unlock()

	if err := d.connectableLocked(); err != nil {
		return err
	}
	if src == dst {
		return NewDeclarationError(CodePortRoleConflict,
			"a port cannot connect to itself").WithService(src.service.name).WithPort(src.name)
	}
	if err := d.validateSource(src); err != nil {
		return err
	}
	if err := d.validateSink(dst); err != nil {
		return err
	}

	src.role = roleSource
	dst.role = roleSink
	dst.inbound++
	d.connections = append(d.connections, &Connection{source: src, dest: dst})
	return nil
}

// ConnectDemux declares a fan-out edge: one source port, one physical
// sub-connection per partition key, each with its own destination port.
func (d *Deployment) ConnectDemux(src *Port, targets map[uint32]*Port) error {
	d.stateMu.Lock()
	defer d.stateMu.Unlock()

	if err := d.connectableLocked(); err != nil {
		return err
	}
	if len(targets) == 0 {
		return NewDeclarationError(CodeDanglingPort,
			"demux connection has no targets").WithService(src.service.name).WithPort(src.name)
	}
	if err := d.validateSource(src); err != nil {
		return err
	}

	// Validate every target before mutating anything, simulating the
	// inbound counts the whole demux would add.
	added := make(map[*Port]int)
	for _, target := range targets {
		if target == src {
			return NewDeclarationError(CodePortRoleConflict,
				"a port cannot connect to itself").WithService(src.service.name).WithPort(src.name)
		}
		if err := d.validateSink(target); err != nil {
			return err
		}
		if added[target] > 0 && !target.merge {
			return NewDeclarationError(CodeDuplicateTarget,
				"two demux keys target the same non-merged port").WithService(target.service.name).WithPort(target.name)
		}
		added[target]++
	}

	src.role = roleDemuxSource
	demux := make(map[uint32]*Port, len(targets))
	for k, target := range targets {
		target.role = roleSink
		target.inbound++
		demux[k] = target
	}
	d.connections = append(d.connections, &Connection{source: src, demux: demux})
	return nil
}

// Connections returns the declared connections.
func (d *Deployment) Connections() []*Connection {
	d.stateMu.Lock()
	defer d.stateMu.Unlock()
	return append([]*Connection(nil), d.connections...)
}

func (d *Deployment) declarableLocked(op string) error {
	if d.state != StateEmpty && d.state != StateDeclared {
		return NewDeclarationError(CodeLifecycle,
			fmt.Sprintf("cannot %s in state %s", op, d.state))
	}
	return nil
}

func (d *Deployment) connectableLocked() error {
	if d.state != StateEmpty && d.state != StateDeclared {
		return NewDeclarationError(CodeConnectAfterDeploy,
			fmt.Sprintf("connections must be declared before deploy (state %s)", d.state))
	}
	return nil
}

func (d *Deployment) setState(st State) {
	d.stateMu.Lock()
	prev := d.state
	d.state = st
	d.stateMu.Unlock()
	if prev != st {
		d.publish(EventStateChanged, "", "", fmt.Sprintf("%s -> %s", prev, st), 0)
	}
}

func (d *Deployment) requireState(want State, op string) error {
	d.stateMu.Lock()
	defer d.stateMu.Unlock()
	if d.state != want {
		return NewDeclarationError(CodeLifecycle,
			fmt.Sprintf("%s requires state %s, deployment is %s", op, want, d.state))
	}
	return nil
}

// Deploy provisions every host, resolves the full connection graph, builds
// and places every artifact, and injects the resolved endpoint tables into
// each service's runtime configuration. No process is started. Any failure
// tears down everything already provisioned before the error is returned: a
// failed deploy never leaks resources.
func (d *Deployment) Deploy(ctx context.Context) error {
	d.lifecycleMu.Lock()
	defer d.lifecycleMu.Unlock()

	if err := d.requireState(StateDeclared, "deploy"); err != nil {
		return err
	}
	if d.opts.Builder == nil {
		return NewDeclarationError(CodeLifecycle, "deployment has no builder configured")
	}

	ctx, span := d.tracer.Start(ctx, "deployment.deploy")
	defer span.End()

	if err := d.deploy(ctx); err != nil {
		span.RecordError(err)
		d.publish(EventDeployFailed, "", "", err.Error(), 0)

		// Cleanup must run even when the failure is a cancellation.
		report := d.teardown(context.WithoutCancel(ctx))
		if !report.Empty() {
			log.Warn().Str("deployment", d.id).Msg(report.String())
		}
		d.setState(StateTornDown)
		return err
	}

	d.setState(StateDeployed)
	return nil
}

func (d *Deployment) deploy(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Provisioning for independent hosts proceeds in parallel, bounded to
	// respect provider rate limits. Builds run concurrently with
	// provisioning; neither depends on the other.
	var wg sync.WaitGroup
	var firstErr onceError
	sem := make(chan struct{}, d.opts.ProvisionParallelism)

	for _, h := range d.Hosts() {
		wg.Add(1)
		go func(h Host) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			err := d.opts.Retry.retry(ctx, "provision "+h.ID(), h.Provision)
			if err != nil {
				firstErr.set(classifyProvision(err, h))
				cancel()
				return
			}
			d.publish(EventHostProvisioned, h.ID(), "", "host provisioned", 0)
		}(h)
	}

	for _, svc := range d.Services() {
		wg.Add(1)
		go func(svc *Service) {
			defer wg.Done()
			artifact, err := d.opts.Builder.Build(ctx, svc.source, svc.host.Target())
			if err != nil {
				firstErr.set(NewFatalError(CodeBuild, "build artifact", err).WithService(svc.name))
				cancel()
				return
			}
			svc.setArtifact(artifact)
		}(svc)
	}

	wg.Wait()
	if err := firstErr.get(); err != nil {
		return err
	}
	d.setState(StateProvisioned)

	// Connection resolution only begins once both endpoints' hosts are
	// provisioned, which the barrier above guarantees globally.
	if err := d.wire(ctx); err != nil {
		return err
	}

	// Placement: artifact plus fully-resolved endpoint table onto each
	// target host.
	var placeWg sync.WaitGroup
	for _, svc := range d.Services() {
		placeWg.Add(1)
		go func(svc *Service) {
			defer placeWg.Done()
			if err := d.place(ctx, svc); err != nil {
				firstErr.set(err)
				cancel()
			}
		}(svc)
	}
	placeWg.Wait()
	return firstErr.get()
}

func (d *Deployment) place(ctx context.Context, svc *Service) error {
	runner, err := svc.host.Runner()
	if err != nil {
		return NewFatalError(CodePlacement, "host runner unavailable", err).
			WithService(svc.name).WithHost(svc.host.ID())
	}

	cfg, err := json.Marshal(svc.Config())
	if err != nil {
		return NewFatalError(CodePlacement, "encode launch config", err).WithService(svc.name)
	}

	svc.mu.Lock()
	artifact := svc.artifact
	svc.mu.Unlock()

	if err := runner.Place(ctx, artifact, cfg); err != nil {
		return NewFatalError(CodePlacement, "place artifact", err).
			WithService(svc.name).WithHost(svc.host.ID())
	}
	svc.setState(ServiceDeployed)
	d.publish(EventServiceDeployed, svc.host.ID(), svc.name, "artifact and config placed", 0)
	return nil
}

// Start launches every service so that each connection's destination is
// listening before its source dials. Launch order is a topological sort of
// the connection graph with cycles grouped: all binds in a group complete
// before any connect is issued, so mutual connections cannot deadlock. A
// failure or crash during the barrier tears the whole deployment down.
func (d *Deployment) Start(ctx context.Context) error {
	d.lifecycleMu.Lock()
	defer d.lifecycleMu.Unlock()

	if err := d.requireState(StateDeployed, "start"); err != nil {
		return err
	}

	ctx, span := d.tracer.Start(ctx, "deployment.start")
	defer span.End()

	d.drainCrashes()

	if err := d.startAll(ctx); err != nil {
		span.RecordError(err)
		d.publish(EventStartFailed, "", "", err.Error(), 0)

		cleanupCtx := context.WithoutCancel(ctx)
		report := d.stopServices(cleanupCtx)
		report.Merge(d.teardown(cleanupCtx).Errors)
		if !report.Empty() {
			log.Warn().Str("deployment", d.id).Msg(report.String())
		}
		d.setState(StateTornDown)
		return err
	}

	d.setState(StateStarted)
	d.markLateCrashes()
	return nil
}

// markLateCrashes downgrades a freshly started deployment when a process died
// between the last barrier check and the state flip. The exit callback only
// records partial failure once the deployment is started, so that window is
// re-checked here; a crash landing after the flip is handled by the callback
// itself.
func (d *Deployment) markLateCrashes() {
	for _, svc := range d.Services() {
		if svc.State() == ServiceFailed {
			d.setState(StatePartiallyFailed)
			return
		}
	}
}

func (d *Deployment) startAll(ctx context.Context) error {
	graph := buildLaunchGraph(d.Services(), d.Connections())

	for _, level := range graph.Levels() {
		// Bind phase: launch every service in the level and wait until
		// all of them report their listen sockets bound.
		if err := d.forEach(ctx, level, d.launch); err != nil {
			return err
		}
		if err := d.checkCrashes(); err != nil {
			return err
		}

		// Connect phase: only now are the level's services told to dial
		// their peers, all of which are already listening.
		if err := d.forEach(ctx, level, d.connect); err != nil {
			return err
		}
		if err := d.checkCrashes(); err != nil {
			return err
		}
	}
	return nil
}

func (d *Deployment) launch(ctx context.Context, svc *Service) error {
	runner, err := svc.host.Runner()
	if err != nil {
		return NewFatalError(CodeLaunch, "host runner unavailable", err).
			WithService(svc.name).WithHost(svc.host.ID())
	}

	svc.mu.Lock()
	artifact := svc.artifact
	svc.mu.Unlock()

	proc, err := runner.Launch(ctx, artifact, svc.args)
	if err != nil {
		return NewFatalError(CodeLaunch, "launch process", err).
			WithService(svc.name).WithHost(svc.host.ID())
	}

	sup := supervise.New(svc.name, proc, d.opts.StopGrace, d.onServiceExit(svc))
	svc.setSupervisor(sup)

	readyCtx, cancel := context.WithTimeout(ctx, d.opts.ReadyTimeout)
	defer cancel()
	if err := sup.WaitReady(readyCtx); err != nil {
		return NewFatalError(CodeLaunch, "service never reported listening", err).WithService(svc.name)
	}
	return nil
}

func (d *Deployment) connect(ctx context.Context, svc *Service) error {
	sup, err := svc.supervisor()
	if err != nil {
		return err
	}

	connects, err := json.Marshal(svc.Config().Connects)
	if err != nil {
		return NewFatalError(CodeLaunch, "encode connect table", err).WithService(svc.name)
	}

	ackCtx, cancel := context.WithTimeout(ctx, d.opts.AckTimeout)
	defer cancel()
	if err := sup.Start(ackCtx, connects); err != nil {
		return NewFatalError(CodeLaunch, "service never acked start", err).WithService(svc.name)
	}

	svc.setState(ServiceRunning)
	d.publish(EventServiceStarted, svc.host.ID(), svc.name, "process running", 0)
	return nil
}

// Stop requests graceful termination of every running service
// (order-independent), then releases resolver-created firewall rules and
// deprovisions every host. Teardown failures are collected and reported via
// events, never re-raised: the caller has no remaining corrective action.
func (d *Deployment) Stop(ctx context.Context) error {
	d.lifecycleMu.Lock()
	defer d.lifecycleMu.Unlock()

	d.stateMu.Lock()
	if d.state != StateStarted && d.state != StatePartiallyFailed {
		st := d.state
		d.stateMu.Unlock()
		return NewDeclarationError(CodeLifecycle,
			fmt.Sprintf("stop requires a started deployment, state is %s", st))
	}
	d.stateMu.Unlock()

	ctx, span := d.tracer.Start(ctx, "deployment.stop")
	defer span.End()

	report := d.stopServices(ctx)
	d.setState(StateStopped)

	report.Merge(d.teardown(ctx).Errors)
	d.setState(StateTornDown)

	if !report.Empty() {
		log.Warn().Str("deployment", d.id).Msg(report.String())
	}
	return nil
}

func (d *Deployment) stopServices(ctx context.Context) *TeardownReport {
	report := &TeardownReport{}
	var mu sync.Mutex
	var wg sync.WaitGroup

	for _, svc := range d.Services() {
		svc.mu.Lock()
		sup := svc.sup
		svc.mu.Unlock()
		if sup == nil {
			continue
		}

		wg.Add(1)
		go func(svc *Service, sup *supervise.Supervisor) {
			defer wg.Done()
			if err := sup.Stop(ctx); err != nil {
				mu.Lock()
				report.Add(fmt.Errorf("stop %s: %w", svc.name, err))
				mu.Unlock()
				d.publish(EventTeardownError, svc.host.ID(), svc.name, err.Error(), 0)
			}
		}(svc, sup)
	}
	wg.Wait()
	return report
}

// teardown releases every external resource: firewall rules first, then the
// hosts themselves. Best-effort throughout.
func (d *Deployment) teardown(ctx context.Context) *TeardownReport {
	report := &TeardownReport{}

	for _, err := range d.resolver.ReleaseRules(ctx) {
		report.Add(err)
		d.publish(EventTeardownError, "", "", err.Error(), 0)
	}

	for _, h := range d.Hosts() {
		if h.State() != HostProvisioned {
			continue
		}
		if err := h.Deprovision(ctx); err != nil {
			report.Add(fmt.Errorf("deprovision %s: %w", h.ID(), err))
			d.publish(EventTeardownError, h.ID(), "", err.Error(), 0)
			continue
		}
		d.publish(EventHostReleased, h.ID(), "", "host released", 0)
	}
	return report
}

// onServiceExit is the crash surface: a process exiting before stop was
// requested fails the service and is reported asynchronously, failing an
// in-flight start barrier.
func (d *Deployment) onServiceExit(svc *Service) supervise.ExitFunc {
	return func(code int, unexpected bool) {
		svc.markExited(unexpected)
		if !unexpected {
			d.publish(EventServiceStopped, svc.host.ID(), svc.name, "process stopped", code)
			return
		}

		d.stateMu.Lock()
		if d.state == StateStarted {
			d.state = StatePartiallyFailed
		}
		d.stateMu.Unlock()

		select {
		case d.crashCh <- svc.name:
		default:
		}

		d.publish(EventServiceCrashed, svc.host.ID(), svc.name,
			fmt.Sprintf("process exited unexpectedly with code %d", code), code)
	}
}

func (d *Deployment) drainCrashes() {
	for {
		select {
		case <-d.crashCh:
		default:
			return
		}
	}
}

func (d *Deployment) checkCrashes() error {
	select {
	case name := <-d.crashCh:
		svc, _ := d.Service(name)
		code := 0
		if svc != nil {
			if c, err := svc.ExitCode(); err == nil {
				code = c
			}
		}
		return NewCrashError(name, code)
	default:
		return nil
	}
}

// forEach runs fn for every service in the group concurrently and returns
// the first error.
func (d *Deployment) forEach(ctx context.Context, group []*Service, fn func(context.Context, *Service) error) error {
	var wg sync.WaitGroup
	var firstErr onceError

	for _, svc := range group {
		wg.Add(1)
		go func(svc *Service) {
			defer wg.Done()
			if err := fn(ctx, svc); err != nil {
				firstErr.set(err)
			}
		}(svc)
	}
	wg.Wait()
	return firstErr.get()
}

// classifyProvision wraps raw provider errors so rollback reporting always
// carries host context.
func classifyProvision(err error, h Host) error {
	var e *Error
	if errors.As(err, &e) {
		if e.Host == "" {
			e.Host = h.ID()
		}
		return err
	}
	return NewFatalError(CodeProvision, "provision host", err).WithHost(h.ID())
}

// onceError records the first error set on it.
type onceError struct {
	mu  sync.Mutex
	err error
}

func (o *onceError) set(err error) {
	o.mu.Lock()
	if o.err == nil {
		o.err = err
	}
	o.mu.Unlock()
}

func (o *onceError) get() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.err
}
