// negotiation/transport.go
package negotiation

import (
	"context"
	"fmt"
	"sync"
)

// Transport hands structured messages to an already-framed control
// channel. Implementations must not block the caller beyond enqueueing:
// proposal and feedback sends happen on telemetry and operator paths
// that may never stall on the radio.
//
// The channel is assumed unreliable and unordered; the engine builds
// its own timeout recovery on top.
type Transport interface {
	Send(ctx context.Context, msg Message) error
}

// pipeBuffer bounds the in-memory pipe. Sends beyond it fail rather
// than block, mirroring a saturated control channel.
const pipeBuffer = 16

// PipeEndpoint is one end of an in-process control channel, used by
// tests and the loopback example. Send enqueues onto the remote end's
// inbox; Inbox exposes the local end's received messages.
type PipeEndpoint struct {
	mu     sync.Mutex
	remote *PipeEndpoint
	inbox  chan Message
	closed bool
}

// Pipe creates two linked in-memory endpoints.
func Pipe() (*PipeEndpoint, *PipeEndpoint) {
	a := &PipeEndpoint{inbox: make(chan Message, pipeBuffer)}
	b := &PipeEndpoint{inbox: make(chan Message, pipeBuffer)}
	a.remote = b
	b.remote = a
	return a, b
}

// Send enqueues msg for the remote endpoint without blocking.
func (p *PipeEndpoint) Send(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrSendFailed, err)
	}

	p.remote.mu.Lock()
	closed := p.remote.closed
	p.remote.mu.Unlock()
	if closed {
		return fmt.Errorf("%w: pipe closed", ErrSendFailed)
	}

	select {
	case p.remote.inbox <- msg:
		return nil
	default:
		return fmt.Errorf("%w: pipe full", ErrSendFailed)
	}
}

// Inbox returns the channel of messages delivered to this endpoint.
func (p *PipeEndpoint) Inbox() <-chan Message {
	return p.inbox
}

// Close marks the endpoint as unreachable; subsequent sends toward it
// fail with ErrSendFailed.
func (p *PipeEndpoint) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
}
