// Package connection implements spec §4.C: the per-service state machine
// that connects, multiplexes sessions, drains, and reconnects over a
// single owned channel.
//
// The status transitions are modeled with github.com/singchia/yafsm the
// way singchia-geminio/conn/conn_base.go models its wire-protocol states
// (initFSM, AddState, AddEvent, EmitEvent) — the original spec's four
// statuses (Disconnected, Connecting, Connected, Draining) stand in for
// geminio's INIT/CONN_SENT/CONNED/CLOSE_* states. Connect/Reconnect are
// completed through github.com/jumboframes/armorigo/synchub the way
// conn/conn_client.go's connect() waits on a synchub.Sync instead of a
// bare channel, which is what lets a second concurrent Connect() attach to
// the in-flight attempt instead of starting a new one.
package connection

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/jumboframes/armorigo/log"
	"github.com/jumboframes/armorigo/synchub"
	timerpkg "github.com/singchia/go-timer/v2"
	"github.com/singchia/yafsm"

	"github.com/noriabus/svcbus/channel"
	"github.com/noriabus/svcbus/idalloc"
	"github.com/noriabus/svcbus/loop"
	"github.com/noriabus/svcbus/packet"
	"github.com/noriabus/svcbus/status"
)

// fsm states/events, named after the teacher's conn_base.go constants but
// scoped to this spec's four statuses.
const (
	stDisconnected = "disconnected"
	stConnecting   = "connecting"
	stConnected    = "connected"
	stDraining     = "draining"

	evConnect    = "connect"
	evConnectOK  = "connect_ok"
	evConnectErr = "connect_err"
	evDrain      = "drain"
	evReconnect  = "reconnect"
)

const connectSyncKey = "connect"

// Identity is either a human service name (resolved through the locator)
// or a literal endpoint (bypassing the locator), per spec §3.
type Identity struct {
	Name     string
	Endpoint status.Endpoint
}

func (id Identity) String() string {
	if id.Name != "" {
		return id.Name
	}
	return id.Endpoint.String()
}

func (id Identity) byName() bool {
	return id.Name != ""
}

// ForName builds a name-based identity, resolved through the locator.
func ForName(name string) Identity {
	return Identity{Name: name}
}

// ForEndpoint builds a literal-endpoint identity, bypassing the locator.
func ForEndpoint(ep status.Endpoint) Identity {
	return Identity{Endpoint: ep}
}

// Handler is the opaque session callback object supplied by the caller at
// session creation, per spec §3.
type Handler interface {
	// Deliver is invoked for each inbound frame whose band equals the
	// session id, including the terminal choke frame.
	Deliver(f *packet.Frame)
	// Fail is invoked exactly once if the session is terminated before
	// completion.
	Fail(err error)
}

// Resolution is what a Backend's Resolve returns: the resolved endpoints
// and the service's protocol version.
type Resolution struct {
	Endpoints []status.Endpoint
	Version   uint64
}

// Backend is what a connection needs from its owning manager: resolving a
// name, and being told a drained connection can be released. It is the Go
// stand-in for spec §9's "manager()" upgrade of the weak back-reference.
type Backend interface {
	Resolve(ctx context.Context, name string, version uint64) (Resolution, error)
	Release(c *Connection)
}

// ManagerRef is a non-owning, upgradeable reference to the manager that
// created a connection (spec §9 "Weak back-reference"). Every use must
// upgrade it first; a failed upgrade yields BrokenManager. The manager
// package constructs this around a weak.Pointer to itself so a connection
// never keeps its manager alive by holding a strong reference back to it.
type ManagerRef struct {
	upgrade func() (Backend, bool)
}

// NewManagerRef wraps an upgrade function. Manager is the only expected
// caller of this constructor.
func NewManagerRef(upgrade func() (Backend, bool)) *ManagerRef {
	return &ManagerRef{upgrade: upgrade}
}

func (r *ManagerRef) get() (Backend, error) {
	if r == nil || r.upgrade == nil {
		return nil, status.ErrBrokenManager
	}
	b, ok := r.upgrade()
	if !ok {
		return nil, status.ErrBrokenManager
	}
	return b, nil
}

// Session is the handle returned by CreateSession: a session id plus the
// connection that issued it. Send writes on whichever channel the
// connection holds at the time of the call; a Session is not tied to the
// channel that was current when it was created.
type Session struct {
	ID   uint64
	conn *Connection
}

// Send transmits a frame under this session's band.
func (s *Session) Send(f *packet.Frame) error {
	f.Band = s.ID
	return s.conn.writeFrame(f)
}

// Option configures a Connection at construction.
type Option func(*Connection)

func WithLogger(l log.Logger) Option {
	return func(c *Connection) { c.log = l }
}

// WithDialTimeout overrides the per-endpoint connect timeout, default 10s
// (the timeout the teacher uses for its own connect ack wait in
// conn_client.go).
func WithDialTimeout(d time.Duration) Option {
	return func(c *Connection) { c.dialTimeout = d }
}

// WithExecutor routes Deliver callbacks onto a caller-supplied executor
// instead of the owning loop — spec §9's "default executor flag",
// resolved per SPEC_FULL.md §4.C. Fail callbacks do not go through the
// executor: they run on the goroutine that tears the sessions down.
func WithExecutor(exec func(func())) Option {
	return func(c *Connection) { c.executor = exec }
}

// Dialer opens a net.Conn to an endpoint, overridable for tests.
type Dialer func(ctx context.Context, ep status.Endpoint) (net.Conn, error)

func WithDialer(d Dialer) Option {
	return func(c *Connection) { c.dialer = d }
}

// Connection is the per-service state machine of spec §4.C.
type Connection struct {
	identity Identity
	version  uint64
	log      log.Logger
	loop     *loop.Loop
	backend  *ManagerRef
	executor func(func())
	dialer   Dialer

	tmr  timerpkg.Timer
	shub *synchub.SyncHub

	dialTimeout time.Duration

	mu              sync.Mutex
	fsm             *yafsm.FSM
	st              status.Status
	ch              *channel.Channel
	sessions        map[uint64]Handler
	ids             *idalloc.Counter
	currentEndpoint status.Endpoint
	connectFuture   *ConnectFuture
}

// New constructs a connection in the Disconnected state. It does not
// connect; call Connect.
func New(identity Identity, version uint64, loop *loop.Loop, backend *ManagerRef, opts ...Option) *Connection {
	c := &Connection{
		identity:    identity,
		version:     version,
		log:         log.DefaultLog,
		loop:        loop,
		backend:     backend,
		dialTimeout: 10 * time.Second,
		sessions:    make(map[uint64]Handler),
		ids:         idalloc.New(),
		fsm:         yafsm.NewFSM(),
	}
	c.dialer = func(ctx context.Context, ep status.Endpoint) (net.Conn, error) {
		return dialContext(ctx, ep)
	}
	for _, opt := range opts {
		opt(c)
	}
	c.tmr = timerpkg.NewTimer()
	c.shub = synchub.NewSyncHub(synchub.OptionTimer(c.tmr))
	c.initFSM()
	return c
}

func dialContext(ctx context.Context, ep status.Endpoint) (net.Conn, error) {
	d := net.Dialer{}
	return d.DialContext(ctx, "tcp", net.JoinHostPort(ep.Address, fmt.Sprintf("%d", ep.Port)))
}

func (c *Connection) initFSM() {
	disconnected := c.fsm.AddState(stDisconnected)
	connecting := c.fsm.AddState(stConnecting)
	connected := c.fsm.AddState(stConnected)
	draining := c.fsm.AddState(stDraining)
	c.fsm.SetState(stDisconnected)

	c.fsm.AddEvent(evConnect, disconnected, connecting)
	c.fsm.AddEvent(evConnectOK, connecting, connected)
	c.fsm.AddEvent(evConnectErr, connecting, disconnected)
	c.fsm.AddEvent(evDrain, disconnected, draining)
	c.fsm.AddEvent(evDrain, connected, draining)
	c.fsm.AddEvent(evReconnect, connected, disconnected)
	c.fsm.AddEvent(evReconnect, draining, disconnected)
	c.fsm.AddEvent(evReconnect, disconnected, disconnected)
}

// Status returns the current connection status.
func (c *Connection) Status() status.Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.st
}

// Identity returns the identity this connection was created with.
func (c *Connection) Identity() Identity {
	return c.identity
}

// Version returns the protocol version this connection requires.
func (c *Connection) Version() uint64 {
	return c.version
}

// ConnectFuture is the future<self> returned by Connect/Reconnect. Unlike a
// bare synchub.Sync (which delivers to a single receiver), a ConnectFuture
// fans its result out to every concurrent caller attached to the same
// in-flight attempt — the idempotency requirement of spec §4.C's Connect.
type ConnectFuture struct {
	conn *Connection
	done chan struct{}
	err  error
}

func newConnectFuture(conn *Connection, sync synchub.Sync) *ConnectFuture {
	f := &ConnectFuture{conn: conn, done: make(chan struct{})}
	go func() {
		ev := <-sync.C()
		f.err = ev.Error
		close(f.done)
	}()
	return f
}

// Wait blocks until the connect attempt this future tracks completes.
func (f *ConnectFuture) Wait(ctx context.Context) (*Connection, error) {
	select {
	case <-f.done:
		if f.err != nil {
			return nil, f.err
		}
		return f.conn, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// CreateSession allocates a session id and inserts handler into the
// session table. Allowed only in Connected.
func (c *Connection) CreateSession(h Handler) (*Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.st {
	case status.Disconnected:
		return nil, status.ErrNotConnected
	case status.Connecting, status.Draining:
		return nil, status.ErrWaitForConnection
	}
	id := c.ids.GetID()
	c.sessions[id] = h
	return &Session{ID: id, conn: c}, nil
}

// Connect is idempotent with respect to concurrent callers: a second call
// while Connecting attaches to the in-flight attempt.
func (c *Connection) Connect(ctx context.Context) (*Connection, error) {
	c.mu.Lock()
	switch c.st {
	case status.Connected:
		c.mu.Unlock()
		return c, nil
	case status.Connecting:
		f := c.connectFuture
		c.mu.Unlock()
		return f.Wait(ctx)
	case status.Draining:
		c.mu.Unlock()
		return nil, status.ErrWaitForConnection
	}

	if err := c.fsm.EmitEvent(evConnect); err != nil {
		c.mu.Unlock()
		return nil, status.Transport(err)
	}
	c.st = status.Connecting
	sync := c.shub.New(connectSyncKey, synchub.WithTimeout(c.dialTimeout))
	f := newConnectFuture(c, sync)
	c.connectFuture = f
	c.mu.Unlock()

	go c.doConnect(ctx)
	return f.Wait(ctx)
}

// Reconnect tears down the current channel (if any), fails every
// in-flight session with NotConnected, and runs Connect again.
func (c *Connection) Reconnect(ctx context.Context) (*Connection, error) {
	c.mu.Lock()
	if c.st == status.Connecting {
		c.mu.Unlock()
		return nil, status.ErrWaitForConnection
	}
	c.fsm.EmitEvent(evReconnect)
	c.st = status.Disconnected

	oldCh := c.ch
	c.ch = nil
	oldSessions := c.sessions
	c.sessions = make(map[uint64]Handler)
	c.ids.Reset()
	c.mu.Unlock()

	// Retire-old-channel discipline (§4.C, §9): move the old channel into
	// a loop-posted task so it outlives any read/write callback already
	// queued on this same loop, even though a new channel may be
	// installed before that task runs.
	if oldCh != nil {
		c.loop.Post(func() { oldCh.Close() })
	}
	for _, h := range oldSessions {
		c.safeFail(h, status.ErrNotConnected)
	}

	return c.Connect(ctx)
}

// SoftDestroy transitions Connected (or Disconnected) to Draining. If the
// session table is already empty it immediately asks the manager to
// release this connection.
func (c *Connection) SoftDestroy() error {
	c.mu.Lock()
	if c.st == status.Connecting {
		c.mu.Unlock()
		return status.ErrWaitForConnection
	}
	if c.st == status.Draining {
		c.mu.Unlock()
		return nil
	}
	if err := c.fsm.EmitEvent(evDrain); err != nil {
		c.mu.Unlock()
		return status.Transport(err)
	}
	c.st = status.Draining
	empty := len(c.sessions) == 0
	c.mu.Unlock()

	if empty {
		c.release()
	}
	return nil
}

func (c *Connection) doConnect(ctx context.Context) {
	if c.identity.byName() {
		backend, err := c.backend.get()
		if err != nil {
			c.failConnect(err)
			return
		}
		res, err := backend.Resolve(ctx, c.identity.Name, c.version)
		if err != nil {
			c.failConnect(err)
			return
		}
		if res.Version != c.version {
			c.failConnect(status.ErrBadVersion)
			return
		}
		if err := c.dialEndpoints(ctx, res.Endpoints); err != nil {
			c.failConnect(err)
			return
		}
	} else {
		if err := c.dialEndpoints(ctx, []status.Endpoint{c.identity.Endpoint}); err != nil {
			c.failConnect(err)
			return
		}
	}
	c.succeedConnect()
}

// dialEndpoints tries each endpoint once, in order, per §9's resolution of
// the "iterate on failure" open question.
func (c *Connection) dialEndpoints(ctx context.Context, endpoints []status.Endpoint) error {
	var lastErr error
	for _, ep := range endpoints {
		dialCtx, cancel := context.WithTimeout(ctx, c.dialTimeout)
		netconn, err := c.dialer(dialCtx, ep)
		cancel()
		if err != nil {
			lastErr = err
			continue
		}
		c.attachChannel(netconn, ep)
		return nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no endpoints to dial")
	}
	return status.Transport(lastErr)
}

func (c *Connection) attachChannel(netconn net.Conn, ep status.Endpoint) {
	ch := channel.New(netconn, channel.WithLogger(c.log))
	ch.BindRead(c.onMessage, c.onError)
	ch.BindWrite(c.onError)
	ch.Attach(c.loop)

	c.mu.Lock()
	c.ch = ch
	c.currentEndpoint = ep
	c.mu.Unlock()
}

func (c *Connection) succeedConnect() {
	c.mu.Lock()
	c.fsm.EmitEvent(evConnectOK)
	c.st = status.Connected
	c.connectFuture = nil
	c.mu.Unlock()
	c.log.Debugf("connected, identity: %s, endpoint: %s", c.identity, c.currentEndpoint)
	c.shub.Done(connectSyncKey)
}

func (c *Connection) failConnect(err error) {
	c.mu.Lock()
	c.fsm.EmitEvent(evConnectErr)
	c.st = status.Disconnected
	sessions := c.sessions
	c.sessions = make(map[uint64]Handler)
	c.connectFuture = nil
	c.mu.Unlock()
	c.log.Errorf("connect failed, identity: %s, err: %s", c.identity, err)
	for _, h := range sessions {
		c.safeFail(h, status.ErrNotConnected)
	}
	c.shub.Error(connectSyncKey, err)
}

func (c *Connection) writeFrame(f *packet.Frame) error {
	c.mu.Lock()
	ch := c.ch
	ok := c.st == status.Connected
	c.mu.Unlock()
	if !ok || ch == nil {
		return status.ErrNotConnected
	}
	return ch.Write(f)
}

// onMessage is the channel's frame callback: it locates the session by
// band, removes it first on choke, then delivers outside the table lock.
func (c *Connection) onMessage(f *packet.Frame) {
	c.mu.Lock()
	h, ok := c.sessions[f.Band]
	if !ok {
		c.mu.Unlock()
		c.log.Debugf("unknown band, identity: %s, band: %d", c.identity, f.Band)
		return
	}
	if f.IsChoke() {
		delete(c.sessions, f.Band)
	}
	releaseNow := f.IsChoke() && c.st == status.Draining && len(c.sessions) == 0
	c.mu.Unlock()

	c.invoke(func() { c.safeDeliver(h, f) })

	if releaseNow {
		c.release()
	}
}

// onError is the channel's error sink: it triggers reconnect
// unconditionally; the resulting future is observed only for logging.
func (c *Connection) onError(err error) {
	c.log.Infof("channel error, identity: %s, err: %s", c.identity, err)
	go func() {
		if _, rerr := c.Reconnect(context.Background()); rerr != nil {
			c.log.Infof("reconnect after transport error did not start: %s, identity: %s", rerr, c.identity)
		}
	}()
}

func (c *Connection) invoke(fn func()) {
	if c.executor != nil {
		c.executor(fn)
		return
	}
	fn()
}

// safeDeliver recovers a panic from a misbehaving handler so it cannot
// corrupt the connection or other sessions (spec §7).
func (c *Connection) safeDeliver(h Handler, f *packet.Frame) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Warnf("handler deliver panicked, identity: %s, band: %d, recovered: %v",
				c.identity, f.Band, r)
		}
	}()
	h.Deliver(f)
}

func (c *Connection) safeFail(h Handler, err error) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Warnf("handler fail panicked, identity: %s, recovered: %v", c.identity, r)
		}
	}()
	h.Fail(err)
}

func (c *Connection) release() {
	backend, err := c.backend.get()
	if err != nil {
		c.log.Warnf("release skipped, broken manager, identity: %s", c.identity)
		return
	}
	backend.Release(c)
}

// Close tears down the connection unconditionally: used by the manager
// when it itself is torn down.
func (c *Connection) Close() {
	c.mu.Lock()
	ch := c.ch
	c.ch = nil
	sessions := c.sessions
	c.sessions = make(map[uint64]Handler)
	c.mu.Unlock()

	if ch != nil {
		ch.Close()
	}
	for _, h := range sessions {
		c.safeFail(h, status.ErrNotConnected)
	}
	c.shub.Close()
	c.tmr.Close()
}
