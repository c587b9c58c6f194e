package engine

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType identifies a lifecycle event.
type EventType string

const (
	// EventHostProvisioned fires when a host reaches the provisioned state.
	EventHostProvisioned EventType = "host.provisioned"

	// EventHostReleased fires when a host's resource is released.
	EventHostReleased EventType = "host.released"

	// EventServiceDeployed fires when artifact and config are placed.
	EventServiceDeployed EventType = "service.deployed"

	// EventServiceStarted fires when a service process is running.
	EventServiceStarted EventType = "service.started"

	// EventServiceStopped fires when a service stops on request.
	EventServiceStopped EventType = "service.stopped"

	// EventServiceCrashed fires when a process exits before stop was
	// requested. Crashes are surfaced, never silently swallowed.
	EventServiceCrashed EventType = "service.crashed"

	// EventDeployFailed fires when deploy aborts and rolls back.
	EventDeployFailed EventType = "deploy.failed"

	// EventStartFailed fires when the startup barrier fails.
	EventStartFailed EventType = "start.failed"

	// EventTeardownError records a best-effort teardown failure.
	EventTeardownError EventType = "teardown.error"

	// EventStateChanged records a deployment state transition.
	EventStateChanged EventType = "deployment.state"
)

// Event is an asynchronous notification from the deployment.
type Event struct {
	// ID uniquely identifies the event.
	ID string `json:"id"`

	// Type is the event type.
	Type EventType `json:"type"`

	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`

	// DeploymentID is the owning deployment.
	DeploymentID string `json:"deployment_id"`

	// HostID is the host involved, if any.
	HostID string `json:"host_id,omitempty"`

	// Service is the service involved, if any.
	Service string `json:"service,omitempty"`

	// Message is a human-readable description.
	Message string `json:"message"`

	// ExitCode carries the process exit status for crash events.
	ExitCode int `json:"exit_code,omitempty"`
}

// EventBus fans deployment events out to subscribers. Publishing never
// blocks the engine: slow subscribers lose events rather than stalling a
// lifecycle operation.
type EventBus struct {
	mu   sync.Mutex
	subs map[int]chan Event
	next int
}

// NewEventBus creates an empty bus.
func NewEventBus() *EventBus {
	return &EventBus{subs: make(map[int]chan Event)}
}

// Publish delivers the event to every subscriber.
func (b *EventBus) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Subscribe returns a channel of events published after this call. The
// subscription ends when the context is cancelled.
func (b *EventBus) Subscribe(ctx context.Context) <-chan Event {
	ch := make(chan Event, 64)

	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = ch
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
		close(ch)
	}()

	return ch
}

func (d *Deployment) publish(t EventType, hostID, service, message string, exitCode int) {
	d.events.Publish(Event{
		ID:           uuid.New().String(),
		Type:         t,
		Timestamp:    time.Now(),
		DeploymentID: d.id,
		HostID:       hostID,
		Service:      service,
		Message:      message,
		ExitCode:     exitCode,
	})
}
