package channel

import (
	"context"

	"go2tv.app/castspeak/internal/castwire"
)

// Connection opens and closes virtual connections to the receiver and to
// launched applications.
type Connection struct {
	base
	userAgent string
	onClose   func(source string)
}

// NewConnection returns a connection channel. onClose runs inline when the
// device sends CLOSE; callers must hand off any blocking work.
func NewConnection(sender Sender, opts Options, userAgent string, onClose func(source string)) *Connection {
	return &Connection{
		base:      newBase(castwire.NamespaceConnection, sender, opts),
		userAgent: userAgent,
		onClose:   onClose,
	}
}

// Open writes CONNECT to destination.
func (c *Connection) Open(ctx context.Context, destination string) error {
	return c.send(ctx, destination, connectRequest{Type: TypeConnect, UserAgent: c.userAgent})
}

// Close writes CLOSE to destination.
func (c *Connection) Close(ctx context.Context, destination string) error {
	return c.send(ctx, destination, simpleRequest{Type: TypeClose})
}

func (c *Connection) Handle(msg *castwire.CastMessage) {
	h, _, ok := c.header(msg)
	if !ok || h.Type != TypeClose {
		return
	}
	if c.onClose != nil {
		c.onClose(msg.GetSourceId())
	}
}

func (c *Connection) Abort() {}
