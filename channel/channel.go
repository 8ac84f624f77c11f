// Package channel implements spec §4.A: a channel owns a single TCP socket
// plus a reader and a writer bound to an event loop, surfacing inbound
// frames and transport errors as events, with at-most-once error delivery
// per side.
//
// Grounded on singchia-geminio's conn.baseConn: one goroutine reading
// length-prefixed frames off the socket (readPkt), one goroutine writing
// them (writePkt), both reporting failure through a shared sink rather than
// retrying — retry/reconnect is strictly the caller's (connection's)
// responsibility, never the channel's (spec: "no retry at this layer").
package channel

import (
	"io"
	"net"
	"strings"
	"sync"

	"github.com/jumboframes/armorigo/log"

	"github.com/noriabus/svcbus/loop"
	"github.com/noriabus/svcbus/packet"
)

// Channel owns one net.Conn and the goroutines that frame it.
type Channel struct {
	netconn net.Conn
	loop    *loop.Loop
	log     log.Logger

	onFrame func(*packet.Frame)
	onError func(error)
	errOnce sync.Once

	writeCh   chan *packet.Frame
	closeOnce sync.Once
	closed    chan struct{}
}

// Option configures a Channel at construction.
type Option func(*Channel)

// WithLogger overrides the channel's logger; the default is
// armorigo/log.DefaultLog, as in the teacher's baseConn.
func WithLogger(l log.Logger) Option {
	return func(c *Channel) { c.log = l }
}

// New wraps netconn. The channel is inert until Attach is called.
func New(netconn net.Conn, opts ...Option) *Channel {
	c := &Channel{
		netconn: netconn,
		log:     log.DefaultLog,
		writeCh: make(chan *packet.Frame, 64),
		closed:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Attach installs the channel on l and arms the read loop. Per §4.A this
// must be called before BindRead/BindWrite start doing anything useful.
func (c *Channel) Attach(l *loop.Loop) {
	c.loop = l
	go c.readLoop()
	go c.writeLoop()
}

// BindRead installs the frame and error callbacks for the reader. Both are
// invoked on the owning loop, never directly on the reader goroutine, so
// user code never races with channel-internal state.
func (c *Channel) BindRead(onFrame func(*packet.Frame), onError func(error)) {
	c.onFrame = onFrame
	c.onError = onError
}

// BindWrite installs the error callback for the writer. Geminio's iochannel
// binds the same on_error to both rd and wr; we keep that here via the
// shared errOnce below, so whichever side fails first is the one reported.
func (c *Channel) BindWrite(onError func(error)) {
	if c.onError == nil {
		c.onError = onError
	}
}

// Write enqueues a pre-encoded frame for the writer goroutine. Write never
// blocks on the socket itself; it only blocks if the write queue is full.
func (c *Channel) Write(f *packet.Frame) error {
	select {
	case c.writeCh <- f:
		return nil
	case <-c.closed:
		return io.EOF
	}
}

func (c *Channel) readLoop() {
	for {
		f, err := packet.DecodeFromReader(c.netconn)
		if err != nil {
			if isClosedNetwork(err) {
				c.log.Infof("channel read done, closed network, remote: %s", c.remote())
			} else {
				c.log.Infof("channel read down err: %s, remote: %s", err, c.remote())
			}
			c.fireError(err)
			return
		}
		c.log.Tracef("channel read frame, band: %d, event: %d, remote: %s",
			f.Band, f.Event, c.remote())
		frame := f
		cb := c.onFrame
		if cb != nil && c.loop != nil {
			c.loop.Post(func() { cb(frame) })
		}
	}
}

func (c *Channel) writeLoop() {
	for {
		select {
		case f := <-c.writeCh:
			if err := packet.EncodeToWriter(f, c.netconn); err != nil {
				c.log.Errorf("channel write down err: %s, remote: %s", err, c.remote())
				c.fireError(err)
				return
			}
			c.log.Tracef("channel wrote frame, band: %d, event: %d, remote: %s",
				f.Band, f.Event, c.remote())
		case <-c.closed:
			return
		}
	}
}

// fireError delivers the transport error to the bound error sink exactly
// once, per §4.A "at-most-once error delivery".
func (c *Channel) fireError(err error) {
	c.errOnce.Do(func() {
		cb := c.onError
		if cb != nil && c.loop != nil {
			c.loop.Post(func() { cb(err) })
		}
		c.closeOnce.Do(func() { close(c.closed) })
	})
}

// Close tears down the socket. Safe to call more than once. A deliberate
// Close is not reported to the error sink: it consumes the at-most-once
// error delivery first, so the reader's closed-socket error goes nowhere.
func (c *Channel) Close() {
	c.errOnce.Do(func() {})
	c.closeOnce.Do(func() { close(c.closed) })
	c.netconn.Close()
}

func (c *Channel) remote() string {
	if c.netconn == nil {
		return "unknown"
	}
	return c.netconn.RemoteAddr().String()
}

func isClosedNetwork(err error) bool {
	return err == io.EOF || strings.Contains(err.Error(), "use of closed network connection")
}
