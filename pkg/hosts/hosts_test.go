package hosts

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/skeinlab/skein/pkg/engine"
	"github.com/skeinlab/skein/pkg/network"
	"github.com/skeinlab/skein/pkg/transports/ssh"
)

// Every host implementation must satisfy engine.Host; VMs additionally
// control their own firewall.
var (
	_ engine.Host               = (*LocalHost)(nil)
	_ engine.Host               = (*SSHHost)(nil)
	_ engine.Host               = (*VMHost)(nil)
	_ network.IngressController = (*VMHost)(nil)
)

func TestLocalHostLifecycle(t *testing.T) {
	ctx := context.Background()
	h := NewLocalHost("laptop")

	if h.State() != engine.HostDeclared {
		t.Fatalf("initial state = %s", h.State())
	}
	if _, ok := h.Addresses(); ok {
		t.Fatal("addresses available before provisioning")
	}
	if _, err := h.Runner(); err == nil {
		t.Fatal("runner available before provisioning")
	}

	if err := h.Provision(ctx); err != nil {
		t.Fatalf("provision: %v", err)
	}
	// Idempotent.
	if err := h.Provision(ctx); err != nil {
		t.Fatalf("second provision: %v", err)
	}

	addrs, ok := h.Addresses()
	if !ok || addrs.Loopback != "127.0.0.1" {
		t.Fatalf("addresses = %+v, %v", addrs, ok)
	}
	if _, err := h.Runner(); err != nil {
		t.Fatalf("runner: %v", err)
	}
	stageDir := h.stageDir
	if _, err := os.Stat(stageDir); err != nil {
		t.Fatalf("staging dir missing: %v", err)
	}

	if err := h.Deprovision(ctx); err != nil {
		t.Fatalf("deprovision: %v", err)
	}
	if err := h.Deprovision(ctx); err != nil {
		t.Fatalf("second deprovision: %v", err)
	}
	if h.State() != engine.HostReleased {
		t.Fatalf("state after deprovision = %s", h.State())
	}
	if _, err := os.Stat(stageDir); !os.IsNotExist(err) {
		t.Fatalf("staging dir not removed: %v", err)
	}
}

func TestSSHHostLocality(t *testing.T) {
	cfg := ssh.DefaultConfig("198.51.100.3", "deploy")

	private, err := NewSSHHost("db", SSHSpec{SSH: cfg, Network: "vpc-1", PrivateAddr: "10.0.0.3"})
	if err != nil {
		t.Fatal(err)
	}
	if loc := private.Locality(); loc.Class != network.LocalityPrivate || loc.Network != "vpc-1" {
		t.Errorf("locality = %+v", loc)
	}

	public, err := NewSSHHost("edge", SSHSpec{SSH: cfg})
	if err != nil {
		t.Fatal(err)
	}
	if loc := public.Locality(); loc.Class != network.LocalityPublic {
		t.Errorf("locality = %+v", loc)
	}
	if public.spec.PublicAddr != "198.51.100.3" {
		t.Errorf("public address not defaulted from ssh host: %s", public.spec.PublicAddr)
	}

	if _, err := NewSSHHost("broken", SSHSpec{}); err == nil {
		t.Error("host without ssh config accepted")
	}
}

// fakeProvisioner fabricates machines whose SSH config can never connect, so
// tests can exercise the create/destroy paths without a network.
type fakeProvisioner struct {
	keyPath string

	mu        sync.Mutex
	created   []string
	destroyed []string
	createErr error
}

func (p *fakeProvisioner) Create(ctx context.Context, spec MachineSpec) (*Machine, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.createErr != nil {
		return nil, p.createErr
	}
	id := "m-" + spec.Name
	p.created = append(p.created, id)
	cfg := ssh.DefaultConfig("192.0.2.1", "root")
	cfg.PrivateKeyPath = p.keyPath
	return &Machine{ID: id, PublicAddr: "192.0.2.1", PrivateAddr: "10.0.0.9", SSH: cfg}, nil
}

func (p *fakeProvisioner) Destroy(ctx context.Context, machineID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.destroyed = append(p.destroyed, machineID)
	return nil
}

func (p *fakeProvisioner) OpenIngress(ctx context.Context, machineID string, port int) (string, error) {
	return "h1", nil
}

func (p *fakeProvisioner) CloseIngress(ctx context.Context, machineID string, handle string) error {
	return nil
}

func fakeKey(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "id_ed25519")
	if err := os.WriteFile(path, []byte("not a real key"), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestVMHostDestroysUnreachableMachine(t *testing.T) {
	ctx := context.Background()
	p := &fakeProvisioner{keyPath: fakeKey(t)}
	h := NewVMHost("worker-1", MachineSpec{Region: "fra1", Size: "s-1vcpu-1gb", Network: "vpc-1"}, p)

	// The fabricated machine is unreachable, so provisioning must fail
	// transiently and destroy what it created.
	err := h.Provision(ctx)
	if !engine.IsTransient(err) {
		t.Fatalf("provision: %v, want transient error", err)
	}
	if len(p.created) != 1 || len(p.destroyed) != 1 || p.destroyed[0] != p.created[0] {
		t.Fatalf("created %v destroyed %v, want the machine destroyed again", p.created, p.destroyed)
	}
	if h.State() != engine.HostDeclared {
		t.Fatalf("state after failed provision = %s", h.State())
	}
	if _, ok := h.Addresses(); ok {
		t.Fatal("addresses available after failed provision")
	}
}

func TestVMHostCreateErrorClassification(t *testing.T) {
	ctx := context.Background()
	p := &fakeProvisioner{keyPath: fakeKey(t)}

	p.createErr = engine.NewThrottledError("rate limited", nil)
	h := NewVMHost("w", MachineSpec{}, p)
	if err := h.Provision(ctx); !engine.IsThrottled(err) {
		t.Errorf("classified error not preserved: %v", err)
	}

	p.createErr = os.ErrPermission
	h = NewVMHost("w2", MachineSpec{}, p)
	if err := h.Provision(ctx); !engine.IsFatal(err) {
		t.Errorf("raw error not wrapped fatal: %v", err)
	}
}

func TestVMHostSpecNameDefaults(t *testing.T) {
	h := NewVMHost("worker-2", MachineSpec{Network: "vpc-1"}, &fakeProvisioner{})
	if h.spec.Name != "worker-2" {
		t.Errorf("spec name = %q, want host id", h.spec.Name)
	}
	if loc := h.Locality(); loc.Class != network.LocalityPrivate {
		t.Errorf("locality = %+v", loc)
	}
}
