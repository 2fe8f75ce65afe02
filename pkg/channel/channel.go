package channel

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/SoftCheck-app/agents/pkg/wire"
)

var (
	ErrConnectionRefused = errors.New("authority already connected")
	ErrNotConnected      = errors.New("no authority connected")
	ErrInvalidMessage    = errors.New("invalid authority message")
	ErrClosed            = errors.New("channel closed")
)

// Client is one connected authority session.
type Client interface {
	ID() string
	Send(ctx context.Context, msg []byte) error
	Close(reason string) error
}

// Handler receives decoded authority messages and connection loss.
type Handler interface {
	HandleResponse(ctx context.Context, resp wire.InstallResponse) error
	HandleDisconnect()
}

// ConnectNotifier is implemented by handlers that want to observe new
// authority sessions.
type ConnectNotifier interface {
	HandleConnect(clientID string)
}

type Channel struct {
	handler Handler

	mu     sync.Mutex
	client Client
	closed bool
}

func New(h Handler) *Channel {
	return &Channel{handler: h}
}

// Connect attaches cl as the only authority. A second client is refused.
func (c *Channel) Connect(cl Client) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.client != nil {
		c.mu.Unlock()
		return ErrConnectionRefused
	}
	c.client = cl
	h := c.handler
	c.mu.Unlock()

	log.Printf("channel: authority %s connected", cl.ID())
	if n, ok := h.(ConnectNotifier); ok {
		n.HandleConnect(cl.ID())
	}
	return nil
}

// Disconnect detaches cl if it is the attached client and then flushes every
// pending request through the handler. It reports whether cl was attached.
func (c *Channel) Disconnect(cl Client) bool {
	c.mu.Lock()
	if c.client == nil || c.client != cl {
		c.mu.Unlock()
		return false
	}
	c.client = nil
	h := c.handler
	c.mu.Unlock()

	log.Printf("channel: authority %s disconnected", cl.ID())
	if h != nil {
		h.HandleDisconnect()
	}
	return true
}

func (c *Channel) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.client != nil
}

func (c *Channel) ClientID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client == nil {
		return ""
	}
	return c.client.ID()
}

// Send writes one record to the attached client. The lock is not held during
// the write.
func (c *Channel) Send(ctx context.Context, msg []byte) error {
	c.mu.Lock()
	cl := c.client
	c.mu.Unlock()
	if cl == nil {
		return ErrNotConnected
	}
	if err := cl.Send(ctx, msg); err != nil {
		return fmt.Errorf("send to %s: %w", cl.ID(), err)
	}
	return nil
}

// HandleMessage validates and dispatches one record received from the
// authority. Invalid records have no side effects.
func (c *Channel) HandleMessage(ctx context.Context, raw []byte) error {
	cmd, err := wire.Command(raw)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidMessage, err)
	}
	switch cmd {
	case wire.CmdInstallResponse:
		resp, err := wire.DecodeInstallResponse(raw)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidMessage, err)
		}
		if c.handler == nil {
			return nil
		}
		return c.handler.HandleResponse(ctx, resp)
	default:
		return fmt.Errorf("%w: %w 0x%04X", ErrInvalidMessage, wire.ErrUnknownCommand, cmd)
	}
}

// Close refuses further connections and detaches the current client without
// notifying the handler; callers flush the registry themselves.
func (c *Channel) Close() {
	c.mu.Lock()
	cl := c.client
	c.client = nil
	c.closed = true
	c.mu.Unlock()
	if cl != nil {
		_ = cl.Close("shutdown")
	}
}
