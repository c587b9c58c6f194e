package network

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// IngressController is implemented by hosts that can open firewall ingress
// rules for their own listen ports (cloud security groups, host firewalls).
// Hosts that cannot (local processes, pre-opened machines) simply do not
// implement it and cross-network listens are assumed reachable.
type IngressController interface {
	// OpenIngress allows inbound TCP traffic to the given port and returns
	// a provider-side handle for the created rule.
	OpenIngress(ctx context.Context, port int) (string, error)

	// CloseIngress revokes a rule previously created by OpenIngress.
	CloseIngress(ctx context.Context, handle string) error
}

// Rule is a firewall ingress rule tracked by the ledger.
type Rule struct {
	// ID identifies the rule within the ledger.
	ID string

	// HostID is the host the rule was opened on.
	HostID string

	// Port is the TCP port the rule allows.
	Port int

	// Handle is the provider-side handle used to revoke the rule.
	Handle string

	controller IngressController
}

// RuleLedger tracks firewall rules opened during wiring so they can be
// released at teardown. Releasing is best-effort: failures are collected,
// never escalated.
type RuleLedger struct {
	mu    sync.Mutex
	rules []Rule
}

// NewRuleLedger creates an empty ledger.
func NewRuleLedger() *RuleLedger {
	return &RuleLedger{}
}

// Open opens an ingress rule on the host and records it. Opening the same
// host/port pair twice is coalesced into a single rule.
func (l *RuleLedger) Open(ctx context.Context, host Peer, ctrl IngressController, port int) error {
	l.mu.Lock()
	for _, r := range l.rules {
		if r.HostID == host.ID() && r.Port == port {
			l.mu.Unlock()
			return nil
		}
	}
	l.mu.Unlock()

	handle, err := ctrl.OpenIngress(ctx, port)
	if err != nil {
		return fmt.Errorf("open ingress on %s port %d: %w", host.ID(), port, err)
	}

	l.mu.Lock()
	l.rules = append(l.rules, Rule{
		ID:         uuid.New().String(),
		HostID:     host.ID(),
		Port:       port,
		Handle:     handle,
		controller: ctrl,
	})
	l.mu.Unlock()

	log.Debug().Str("host", host.ID()).Int("port", port).Msg("firewall ingress opened")
	return nil
}

// Rules returns a snapshot of the tracked rules.
func (l *RuleLedger) Rules() []Rule {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Rule, len(l.rules))
	copy(out, l.rules)
	return out
}

// ReleaseAll revokes every tracked rule and empties the ledger. Errors are
// collected and returned; callers log them and move on.
func (l *RuleLedger) ReleaseAll(ctx context.Context) []error {
	l.mu.Lock()
	rules := l.rules
	l.rules = nil
	l.mu.Unlock()

	var errs []error
	for _, r := range rules {
		if err := r.controller.CloseIngress(ctx, r.Handle); err != nil {
			errs = append(errs, fmt.Errorf("close ingress %s (host %s port %d): %w", r.ID, r.HostID, r.Port, err))
		}
	}
	return errs
}
