package network

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
)

// testPeer is a minimal Peer for resolver and ledger tests.
type testPeer struct {
	id          string
	locality    Locality
	addrs       Addresses
	provisioned bool
}

func (p *testPeer) ID() string                  { return p.id }
func (p *testPeer) Locality() Locality          { return p.locality }
func (p *testPeer) Addresses() (Addresses, bool) { return p.addrs, p.provisioned }

func localPeer(id string) *testPeer {
	return &testPeer{
		id:          id,
		locality:    Locality{Class: LocalityLocal},
		addrs:       Addresses{Loopback: "127.0.0.1"},
		provisioned: true,
	}
}

func privatePeer(id, net, addr string) *testPeer {
	return &testPeer{
		id:          id,
		locality:    Locality{Class: LocalityPrivate, Network: net},
		addrs:       Addresses{Loopback: "127.0.0.1", Private: addr},
		provisioned: true,
	}
}

func publicPeer(id, addr string) *testPeer {
	return &testPeer{
		id:          id,
		locality:    Locality{Class: LocalityPublic},
		addrs:       Addresses{Loopback: "127.0.0.1", Public: addr},
		provisioned: true,
	}
}

// firewallPeer is a public peer that controls its own ingress.
type firewallPeer struct {
	*testPeer

	mu      sync.Mutex
	next    int
	open    map[string]int
	openErr error
}

func newFirewallPeer(id, addr string) *firewallPeer {
	return &firewallPeer{testPeer: publicPeer(id, addr), open: make(map[string]int)}
}

func (p *firewallPeer) OpenIngress(ctx context.Context, port int) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.openErr != nil {
		return "", p.openErr
	}
	p.next++
	handle := fmt.Sprintf("h%d", p.next)
	p.open[handle] = port
	return handle, nil
}

func (p *firewallPeer) CloseIngress(ctx context.Context, handle string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.open[handle]; !ok {
		return fmt.Errorf("unknown handle %q", handle)
	}
	delete(p.open, handle)
	return nil
}

func TestClassify(t *testing.T) {
	local1 := localPeer("l1")
	local2 := localPeer("l2")
	privA1 := privatePeer("a1", "vpc-a", "10.0.0.1")
	privA2 := privatePeer("a2", "vpc-a", "10.0.0.2")
	privB := privatePeer("b1", "vpc-b", "10.1.0.1")
	pub := publicPeer("p1", "198.51.100.1")

	tests := []struct {
		a, b Peer
		want Relation
	}{
		{local1, local1, RelationSameHost},
		{local1, local2, RelationSameHost},
		{privA1, privA1, RelationSameHost},
		{privA1, privA2, RelationSameNetwork},
		{privA1, privB, RelationCrossNetwork},
		{privA1, pub, RelationCrossNetwork},
		{local1, privA1, RelationCrossNetwork},
		{pub, pub, RelationSameHost},
	}
	for _, tt := range tests {
		if got := Classify(tt.a, tt.b); got != tt.want {
			t.Errorf("Classify(%s, %s) = %s, want %s", tt.a.ID(), tt.b.ID(), got, tt.want)
		}
		// Classification is symmetric.
		if got := Classify(tt.b, tt.a); got != tt.want {
			t.Errorf("Classify(%s, %s) = %s, want %s", tt.b.ID(), tt.a.ID(), got, tt.want)
		}
	}
}

func TestPortAllocatorSequencesPerHost(t *testing.T) {
	a := NewPortAllocator()

	if got := a.Next("h1"); got != basePort {
		t.Fatalf("first port = %d, want %d", got, basePort)
	}
	if got := a.Next("h1"); got != basePort+1 {
		t.Fatalf("second port = %d, want %d", got, basePort+1)
	}
	// Independent sequence per host.
	if got := a.Next("h2"); got != basePort {
		t.Fatalf("other host first port = %d, want %d", got, basePort)
	}
}

func TestPortAllocatorReserveSkips(t *testing.T) {
	a := NewPortAllocator()
	a.Reserve("h1", basePort+5)
	if got := a.Next("h1"); got <= basePort+5 {
		t.Fatalf("allocated %d, want above reserved %d", got, basePort+5)
	}

	// Reserving below the base range does not drag allocations below it.
	b := NewPortAllocator()
	b.Reserve("h1", 8080)
	if got := b.Next("h1"); got < basePort {
		t.Fatalf("allocated %d, want >= %d", got, basePort)
	}
}

func TestRuleLedgerCoalescesAndReleases(t *testing.T) {
	ctx := context.Background()
	l := NewRuleLedger()
	peer := newFirewallPeer("p1", "198.51.100.1")

	if err := l.Open(ctx, peer, peer, 20000); err != nil {
		t.Fatal(err)
	}
	if err := l.Open(ctx, peer, peer, 20000); err != nil {
		t.Fatal(err)
	}
	if err := l.Open(ctx, peer, peer, 20001); err != nil {
		t.Fatal(err)
	}
	if got := len(l.Rules()); got != 2 {
		t.Fatalf("rules = %d, want 2 (duplicate coalesced)", got)
	}

	if errs := l.ReleaseAll(ctx); len(errs) != 0 {
		t.Fatalf("release errors: %v", errs)
	}
	if got := len(l.Rules()); got != 0 {
		t.Fatalf("rules after release = %d, want 0", got)
	}
	if got := len(peer.open); got != 0 {
		t.Fatalf("provider rules still open: %d", got)
	}
}

func TestRuleLedgerReleaseCollectsErrors(t *testing.T) {
	ctx := context.Background()
	l := NewRuleLedger()
	peer := newFirewallPeer("p1", "198.51.100.1")

	if err := l.Open(ctx, peer, peer, 20000); err != nil {
		t.Fatal(err)
	}
	// Sabotage the handle so CloseIngress fails.
	peer.mu.Lock()
	peer.open = map[string]int{}
	peer.mu.Unlock()

	errs := l.ReleaseAll(ctx)
	if len(errs) != 1 {
		t.Fatalf("release errors = %d, want 1", len(errs))
	}
	if got := len(l.Rules()); got != 0 {
		t.Fatal("ledger not emptied despite release errors")
	}
}

func TestResolverBindAddress(t *testing.T) {
	r := NewResolver()
	host := privatePeer("h1", "vpc-a", "10.0.0.1")

	loop := r.AllocateBind(host, true)
	if loop.Address != "127.0.0.1" {
		t.Errorf("loopback bind address = %s", loop.Address)
	}
	wide := r.AllocateBind(host, false)
	if wide.Address != "0.0.0.0" {
		t.Errorf("wide bind address = %s", wide.Address)
	}
	if loop.Port == wide.Port {
		t.Error("binds on one host share a port")
	}
	if loop.Transport != TransportTCP {
		t.Errorf("transport = %s, want tcp", loop.Transport)
	}
}

func TestResolverRelations(t *testing.T) {
	ctx := context.Background()
	r := NewResolver()

	a := privatePeer("a", "vpc", "10.0.0.1")
	b := privatePeer("b", "vpc", "10.0.0.2")
	far := newFirewallPeer("far", "198.51.100.9")

	bind := r.AllocateBind(b, false)

	// Same host: loopback.
	ep, err := r.Resolve(ctx, a, a, bind)
	if err != nil {
		t.Fatal(err)
	}
	if ep.Address != "127.0.0.1" {
		t.Errorf("same-host endpoint = %s, want loopback", ep.Address)
	}

	// Same network: private address.
	ep, err = r.Resolve(ctx, a, b, bind)
	if err != nil {
		t.Fatal(err)
	}
	if ep.Address != "10.0.0.2" || ep.Port != bind.Port {
		t.Errorf("same-network endpoint = %v", ep)
	}

	// Cross network: public address plus an ingress rule.
	farBind := r.AllocateBind(far, false)
	ep, err = r.Resolve(ctx, a, far, farBind)
	if err != nil {
		t.Fatal(err)
	}
	if ep.Address != "198.51.100.9" {
		t.Errorf("cross-network endpoint = %v", ep)
	}
	if got := len(r.Rules()); got != 1 {
		t.Fatalf("tracked rules = %d, want 1", got)
	}
	if errs := r.ReleaseRules(ctx); len(errs) != 0 {
		t.Fatalf("release: %v", errs)
	}
}

func TestResolverErrors(t *testing.T) {
	ctx := context.Background()
	r := NewResolver()

	unprovisioned := privatePeer("u", "vpc", "10.0.0.9")
	unprovisioned.provisioned = false
	src := privatePeer("s", "vpc", "10.0.0.1")

	if _, err := r.Resolve(ctx, src, unprovisioned, Bind{Port: 20000}); err == nil {
		t.Error("resolve against unprovisioned host succeeded")
	}

	noPrivate := &testPeer{
		id:          "np",
		locality:    Locality{Class: LocalityPrivate, Network: "vpc"},
		addrs:       Addresses{Loopback: "127.0.0.1"},
		provisioned: true,
	}
	if _, err := r.Resolve(ctx, src, noPrivate, Bind{Port: 20000}); err == nil {
		t.Error("resolve without private address succeeded")
	}

	noPublic := privatePeer("other", "elsewhere", "10.9.0.1")
	noPublic.addrs.Public = ""
	if _, err := r.Resolve(ctx, src, noPublic, Bind{Port: 20000}); err == nil {
		t.Error("cross-network resolve without public address succeeded")
	}

	failing := newFirewallPeer("fw", "198.51.100.1")
	failing.openErr = errors.New("denied")
	if _, err := r.Resolve(ctx, src, failing, Bind{Port: 20000}); err == nil {
		t.Error("resolve succeeded despite ingress failure")
	}
}
