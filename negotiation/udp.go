// negotiation/udp.go
package negotiation

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"

	"github.com/signalsfoundry/adaptive-link/internal/logging"
)

// maxDatagram bounds inbound control datagrams. Messages are small
// JSON objects; anything larger is not ours.
const maxDatagram = 2048

// UDPTransport exchanges JSON-encoded control messages as UDP
// datagrams, one message per datagram. The datagram boundary is the
// framing unit, so the engine always receives whole messages; there is
// no reliability below the negotiation layer, which is exactly the
// channel model the engine is built for.
type UDPTransport struct {
	conn *net.UDPConn
	peer *net.UDPAddr
	log  logging.Logger

	mu     sync.Mutex
	closed bool
}

// NewUDPTransport binds the local control endpoint and resolves the
// peer address datagrams are sent to.
func NewUDPTransport(localAddr, peerAddr string, log logging.Logger) (*UDPTransport, error) {
	if log == nil {
		log = logging.Noop()
	}

	local, err := net.ResolveUDPAddr("udp", localAddr)
	if err != nil {
		return nil, fmt.Errorf("resolve local addr %q: %w", localAddr, err)
	}
	peer, err := net.ResolveUDPAddr("udp", peerAddr)
	if err != nil {
		return nil, fmt.Errorf("resolve peer addr %q: %w", peerAddr, err)
	}

	conn, err := net.ListenUDP("udp", local)
	if err != nil {
		return nil, fmt.Errorf("listen %q: %w", localAddr, err)
	}

	return &UDPTransport{conn: conn, peer: peer, log: log}, nil
}

// Send marshals the message and writes one datagram toward the peer.
// UDP writes never block on the remote side, so this satisfies the
// non-blocking Transport contract.
func (t *UDPTransport) Send(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrSendFailed, err)
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("%w: marshal: %v", ErrSendFailed, err)
	}
	if _, err := t.conn.WriteToUDP(payload, t.peer); err != nil {
		return fmt.Errorf("%w: %v", ErrSendFailed, err)
	}
	return nil
}

// Receive reads datagrams until the context ends or the socket
// closes, decoding each into a message on the returned channel.
// Undecodable datagrams are logged and dropped.
func (t *UDPTransport) Receive(ctx context.Context) <-chan Message {
	out := make(chan Message, pipeBuffer)

	go func() {
		defer close(out)
		buf := make([]byte, maxDatagram)
		for {
			n, from, err := t.conn.ReadFromUDP(buf)
			if err != nil {
				t.mu.Lock()
				closed := t.closed
				t.mu.Unlock()
				if !closed && ctx.Err() == nil {
					t.log.Warn(ctx, "control channel read failed",
						logging.String("error", err.Error()),
					)
				}
				return
			}

			var msg Message
			if err := json.Unmarshal(buf[:n], &msg); err != nil {
				t.log.Warn(ctx, "undecodable control datagram dropped",
					logging.String("from", from.String()),
					logging.Int("bytes", n),
				)
				continue
			}

			select {
			case out <- msg:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out
}

// Close shuts the local socket down, unblocking any receive loop.
func (t *UDPTransport) Close() error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	return t.conn.Close()
}
