package supervise

import (
	"bufio"
	"context"
	"io"
	"strings"
	"sync"
)

// Broadcaster fans one sequence of lines out to any number of observers. Each
// observer registers a cursor at subscription time and receives every line
// appended after that point; lines emitted earlier are never replayed.
type Broadcaster struct {
	mu     sync.Mutex
	cond   *sync.Cond
	lines  []string
	closed bool
	done   chan struct{}
}

// NewBroadcaster creates an empty broadcaster.
func NewBroadcaster() *Broadcaster {
	b := &Broadcaster{done: make(chan struct{})}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// Append publishes a line to all current subscribers.
func (b *Broadcaster) Append(line string) {
	b.mu.Lock()
	if !b.closed {
		b.lines = append(b.lines, line)
	}
	b.mu.Unlock()
	b.cond.Broadcast()
}

// Close marks the stream finished. Subscriber channels are closed once they
// have drained every line appended before Close.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	if !b.closed {
		b.closed = true
		close(b.done)
	}
	b.mu.Unlock()
	b.cond.Broadcast()
}

// Subscribe returns a channel of all lines appended after this call. The
// channel closes when the stream closes or the context is cancelled.
func (b *Broadcaster) Subscribe(ctx context.Context) <-chan string {
	return b.subscribe(ctx, nil)
}

// SubscribeFilter is Subscribe restricted to lines with the given prefix.
// The prefix is stripped from delivered lines.
func (b *Broadcaster) SubscribeFilter(ctx context.Context, prefix string) <-chan string {
	return b.subscribe(ctx, func(line string) (string, bool) {
		if strings.HasPrefix(line, prefix) {
			return strings.TrimPrefix(line, prefix), true
		}
		return "", false
	})
}

func (b *Broadcaster) subscribe(ctx context.Context, filter func(string) (string, bool)) <-chan string {
	out := make(chan string, 16)

	b.mu.Lock()
	cursor := len(b.lines)
	b.mu.Unlock()

	// Wake the pump when the subscriber goes away, since cond.Wait cannot
	// observe context cancellation by itself. The watcher also exits when
	// the stream closes, so non-cancellable subscribers don't pin it.
	go func() {
		select {
		case <-ctx.Done():
			b.cond.Broadcast()
		case <-b.done:
		}
	}()

	go func() {
		defer close(out)
		for {
			b.mu.Lock()
			for cursor == len(b.lines) && !b.closed && ctx.Err() == nil {
				b.cond.Wait()
			}
			if ctx.Err() != nil {
				b.mu.Unlock()
				return
			}
			batch := b.lines[cursor:]
			cursor = len(b.lines)
			closed := b.closed
			b.mu.Unlock()

			for _, line := range batch {
				if filter != nil {
					trimmed, ok := filter(line)
					if !ok {
						continue
					}
					line = trimmed
				}
				select {
				case out <- line:
				case <-ctx.Done():
					return
				}
			}
			if closed {
				return
			}
		}
	}()

	return out
}

// pumpLines reads r line by line into the broadcaster, routing control lines
// to the control channel instead of the stream. It closes the broadcaster at
// EOF.
func pumpLines(r io.Reader, b *Broadcaster, control chan<- string) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if control != nil && isControlLine(line) {
			select {
			case control <- line:
			default:
			}
			continue
		}
		b.Append(line)
	}
	b.Close()
}
