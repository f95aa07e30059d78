package connection

import (
	"errors"
	"time"
)

// Conn is one pooled entry: a live transport plus one open channel.
// A Conn is owned by the pool or by exactly one caller at a time.
type Conn struct {
	id        string
	createdAt time.Time
	transport Transport
	channel   Channel
}

// NewConn wraps an already opened transport and channel.
func NewConn(id string, transport Transport, channel Channel) *Conn {
	return &Conn{
		id:        id,
		createdAt: time.Now(),
		transport: transport,
		channel:   channel,
	}
}

func (c *Conn) ID() string           { return c.id }
func (c *Conn) CreatedAt() time.Time { return c.createdAt }
func (c *Conn) Channel() Channel     { return c.channel }

// Healthy reports whether neither the channel nor the connection has closed.
func (c *Conn) Healthy() bool {
	return !c.channel.IsClosed() && !c.transport.IsClosed()
}

// Close closes the channel, then the connection. Both are attempted.
func (c *Conn) Close() error {
	var chErr error
	if !c.channel.IsClosed() {
		chErr = c.channel.Close()
	}
	return errors.Join(chErr, c.transport.Close())
}
