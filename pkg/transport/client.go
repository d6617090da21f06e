package transport

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"time"

	"github.com/yairfalse/flowreg/pkg/domain"
)

// Client sends framed messages to component endpoints. Connections are
// per-call: coordination traffic is sparse enough that pooling buys
// nothing over a unix socket connect.
type Client struct {
	timeout    time.Duration
	maxPayload uint32
}

// NewClient builds a client with the given default per-message timeout.
func NewClient(timeout time.Duration, maxPayload uint32) *Client {
	if timeout <= 0 {
		timeout = defaultMessageTimeout
	}
	if maxPayload == 0 {
		maxPayload = DefaultMaxPayload
	}
	return &Client{timeout: timeout, maxPayload: maxPayload}
}

// Send delivers msg to the endpoint at socketPath. Request frames wait
// for the correlated response; oneway and heartbeat-probe calls return
// as soon as the frame is written. The context and the client timeout
// both bound the call, whichever is tighter.
func (c *Client) Send(ctx context.Context, socketPath string, msg *Message) (*Message, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "unix", socketPath)
	if err != nil {
		return nil, &domain.CoordinationError{Component: msg.To, Op: "dial", Err: err}
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	if err := WriteMessage(conn, msg, c.maxPayload); err != nil {
		return nil, &domain.CoordinationError{Component: msg.To, Op: "send", Err: err}
	}

	if msg.Type == FrameOneway {
		return nil, nil
	}

	resp, err := ReadMessage(conn, c.maxPayload)
	if err != nil {
		return nil, &domain.CoordinationError{Component: msg.To, Op: "receive", Err: err}
	}
	if resp.ID != msg.ID {
		return nil, &domain.CoordinationError{Component: msg.To, Op: "receive",
			Err: fmt.Errorf("response id %s does not match request %s", resp.ID, msg.ID)}
	}
	if resp.Type == FrameError {
		return nil, &domain.CoordinationError{Component: msg.To, Op: "handle",
			Err: fmt.Errorf("remote error: %s", resp.Payload)}
	}
	return resp, nil
}

// Heartbeat probes the endpoint at socketPath. On success it returns
// the responder's PID as reported in the heartbeat reply.
func (c *Client) Heartbeat(ctx context.Context, socketPath string, from, to domain.ComponentID) (int, error) {
	msg := NewMessage(FrameHeartbeat, from, to, nil)
	resp, err := c.Send(ctx, socketPath, msg)
	if err != nil {
		return 0, err
	}
	if len(resp.Payload) >= 8 {
		return int(binary.BigEndian.Uint64(resp.Payload[:8])), nil
	}
	return 0, nil
}
