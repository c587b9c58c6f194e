package engine

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/skeinlab/skein/pkg/build"
	"github.com/skeinlab/skein/pkg/network"
	"github.com/skeinlab/skein/pkg/supervise"
)

// recorder collects ordered marks from fakes so tests can assert ordering
// across hosts and processes.
type recorder struct {
	mu    sync.Mutex
	marks []string
}

func (r *recorder) mark(s string) {
	r.mu.Lock()
	r.marks = append(r.marks, s)
	r.mu.Unlock()
}

func (r *recorder) index(s string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, m := range r.marks {
		if m == s {
			return i
		}
	}
	return -1
}

func (r *recorder) all() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.marks...)
}

// fakeProcess speaks the stdio control protocol: it announces ready on
// launch, acks start commands, and exits cleanly on stop.
type fakeProcess struct {
	name string
	rec  *recorder

	stdoutR *io.PipeReader
	stdoutW *io.PipeWriter
	stderrR *io.PipeReader
	stderrW *io.PipeWriter

	crashOnStart bool

	stdinMu  sync.Mutex
	stdinBuf bytes.Buffer

	exitOnce sync.Once
	exitedCh chan struct{}
	code     int
}

type fakeProcessOptions struct {
	neverReady      bool
	crashBeforeRead bool
	crashOnStart    bool
}

func newFakeProcess(name string, rec *recorder, opts fakeProcessOptions) *fakeProcess {
	p := &fakeProcess{
		name:         name,
		rec:          rec,
		crashOnStart: opts.crashOnStart,
		exitedCh:     make(chan struct{}),
	}
	p.stdoutR, p.stdoutW = io.Pipe()
	p.stderrR, p.stderrW = io.Pipe()

	switch {
	case opts.crashBeforeRead:
		go p.exit(7)
	case opts.neverReady:
	default:
		go func() {
			rec.mark("ready " + name)
			fmt.Fprintln(p.stdoutW, "ready")
		}()
	}
	return p
}

func (p *fakeProcess) Stdin() io.Writer  { return fakeStdin{p} }
func (p *fakeProcess) Stdout() io.Reader { return p.stdoutR }
func (p *fakeProcess) Stderr() io.Reader { return p.stderrR }

func (p *fakeProcess) Signal(sig supervise.Signal) error {
	if sig == supervise.SignalKill {
		p.exit(137)
	} else {
		p.exit(0)
	}
	return nil
}

func (p *fakeProcess) Wait() (int, error) {
	<-p.exitedCh
	return p.code, nil
}

// emit writes an application output line to the process's stdout.
func (p *fakeProcess) emit(line string) {
	fmt.Fprintln(p.stdoutW, line)
}

func (p *fakeProcess) exit(code int) {
	p.exitOnce.Do(func() {
		p.code = code
		p.stdoutW.Close()
		p.stderrW.Close()
		close(p.exitedCh)
	})
}

type fakeStdin struct{ p *fakeProcess }

func (w fakeStdin) Write(b []byte) (int, error) {
	p := w.p
	p.stdinMu.Lock()
	p.stdinBuf.Write(b)
	var lines []string
	for {
		data := p.stdinBuf.String()
		i := strings.IndexByte(data, '\n')
		if i < 0 {
			break
		}
		lines = append(lines, data[:i])
		p.stdinBuf.Next(i + 1)
	}
	p.stdinMu.Unlock()

	for _, line := range lines {
		switch {
		case strings.HasPrefix(line, "start: "):
			p.rec.mark("start " + p.name)
			if p.crashOnStart {
				p.exit(3)
				return len(b), nil
			}
			fmt.Fprintln(p.stdoutW, "ack start")
		case line == "stop":
			p.rec.mark("stop " + p.name)
			p.exit(0)
		}
	}
	return len(b), nil
}

// fakeRunner executes services as fakeProcesses. The service name travels in
// args[0] by test convention.
type fakeRunner struct {
	rec *recorder

	mu        sync.Mutex
	placed    int
	closed    bool
	procs     map[string]*fakeProcess
	procOpts  map[string]fakeProcessOptions
	launchErr map[string]error
}

func newFakeRunner(rec *recorder) *fakeRunner {
	return &fakeRunner{
		rec:       rec,
		procs:     make(map[string]*fakeProcess),
		procOpts:  make(map[string]fakeProcessOptions),
		launchErr: make(map[string]error),
	}
}

func (r *fakeRunner) Place(ctx context.Context, art *build.Artifact, config []byte) error {
	r.mu.Lock()
	r.placed++
	r.mu.Unlock()
	return nil
}

func (r *fakeRunner) Launch(ctx context.Context, art *build.Artifact, args []string) (supervise.Process, error) {
	name := "?"
	if len(args) > 0 {
		name = args[0]
	}

	r.mu.Lock()
	err := r.launchErr[name]
	opts := r.procOpts[name]
	r.mu.Unlock()
	if err != nil {
		return nil, err
	}

	r.rec.mark("launch " + name)
	p := newFakeProcess(name, r.rec, opts)
	r.mu.Lock()
	r.procs[name] = p
	r.mu.Unlock()
	return p, nil
}

func (r *fakeRunner) Close() error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	return nil
}

func (r *fakeRunner) process(name string) *fakeProcess {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.procs[name]
}

// fakeHost is an in-memory host with a configurable locality and provisioning
// behavior.
type fakeHost struct {
	id       string
	locality network.Locality
	addrs    network.Addresses

	mu             sync.Mutex
	state          HostState
	provisionCalls int
	provisionErrs  []error
	deprovisions   int

	runner *fakeRunner
}

func newFakeHost(id string, rec *recorder, locality network.Locality, addrs network.Addresses) *fakeHost {
	return &fakeHost{
		id:       id,
		locality: locality,
		addrs:    addrs,
		state:    HostDeclared,
		runner:   newFakeRunner(rec),
	}
}

// localFakeHost is a host on the engine machine.
func localFakeHost(id string, rec *recorder) *fakeHost {
	return newFakeHost(id, rec,
		network.Locality{Class: network.LocalityLocal},
		network.Addresses{Loopback: "127.0.0.1"})
}

// privateFakeHost is a host on the named private network.
func privateFakeHost(id, net, privateAddr string, rec *recorder) *fakeHost {
	return newFakeHost(id, rec,
		network.Locality{Class: network.LocalityPrivate, Network: net},
		network.Addresses{Loopback: "127.0.0.1", Private: privateAddr})
}

func (h *fakeHost) ID() string                  { return h.id }
func (h *fakeHost) Kind() string                { return "fake" }
func (h *fakeHost) Locality() network.Locality  { return h.locality }
func (h *fakeHost) Target() build.TargetKind    { return build.TargetLocal }

func (h *fakeHost) Addresses() (network.Addresses, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.addrs, h.state == HostProvisioned
}

func (h *fakeHost) State() HostState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

func (h *fakeHost) Provision(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state == HostProvisioned {
		return nil
	}
	call := h.provisionCalls
	h.provisionCalls++
	if call < len(h.provisionErrs) && h.provisionErrs[call] != nil {
		return h.provisionErrs[call]
	}
	h.state = HostProvisioned
	return nil
}

func (h *fakeHost) Deprovision(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != HostProvisioned {
		return nil
	}
	h.deprovisions++
	h.state = HostReleased
	return h.runner.Close()
}

func (h *fakeHost) Runner() (supervise.Runner, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != HostProvisioned {
		return nil, fmt.Errorf("host %s is not provisioned", h.id)
	}
	return h.runner, nil
}

// ingressHost adds firewall control to a public fakeHost.
type ingressHost struct {
	*fakeHost

	ruleMu sync.Mutex
	open   map[string]int
	next   int
}

func publicIngressHost(id, publicAddr string, rec *recorder) *ingressHost {
	return &ingressHost{
		fakeHost: newFakeHost(id, rec,
			network.Locality{Class: network.LocalityPublic},
			network.Addresses{Loopback: "127.0.0.1", Public: publicAddr}),
		open: make(map[string]int),
	}
}

func (h *ingressHost) OpenIngress(ctx context.Context, port int) (string, error) {
	h.ruleMu.Lock()
	defer h.ruleMu.Unlock()
	h.next++
	handle := fmt.Sprintf("rule-%d", h.next)
	h.open[handle] = port
	return handle, nil
}

func (h *ingressHost) CloseIngress(ctx context.Context, handle string) error {
	h.ruleMu.Lock()
	defer h.ruleMu.Unlock()
	if _, ok := h.open[handle]; !ok {
		return fmt.Errorf("unknown ingress handle %q", handle)
	}
	delete(h.open, handle)
	return nil
}

func (h *ingressHost) openRules() int {
	h.ruleMu.Lock()
	defer h.ruleMu.Unlock()
	return len(h.open)
}

// fakeBuilder returns a synthetic artifact per source.
type fakeBuilder struct {
	mu     sync.Mutex
	builds int
	fail   map[build.SourceRef]error
}

func (b *fakeBuilder) Build(ctx context.Context, src build.SourceRef, target build.TargetKind) (*build.Artifact, error) {
	b.mu.Lock()
	b.builds++
	err := b.fail[src]
	b.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return &build.Artifact{
		ID:        "artifact-" + src.Path(),
		LocalPath: "/tmp/" + src.Path(),
		Checksum:  "0000",
		Target:    target,
	}, nil
}

func testOptions() Options {
	return Options{
		Builder:      &fakeBuilder{},
		Retry:        RetryPolicy{MaxAttempts: 3, BaseDelay: time.Microsecond, MaxDelay: time.Millisecond},
		ReadyTimeout: 2 * time.Second,
		AckTimeout:   2 * time.Second,
		StopGrace:    100 * time.Millisecond,
	}
}

// addService registers a service whose process announces itself via args[0].
func addService(d *Deployment, host Host, name string, ports ...PortSpec) (*Service, error) {
	return d.RegisterService(ServiceSpec{
		Name:   name,
		Source: build.SourceRef("bin:" + name),
		Args:   []string{name},
		Ports:  ports,
	}, host)
}

// mustPort fetches a declared port or panics; for test graph setup only.
func mustPort(svc *Service, name string) *Port {
	p, err := svc.Port(name)
	if err != nil {
		panic(err)
	}
	return p
}
