package connection

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noriabus/svcbus/loop"
	"github.com/noriabus/svcbus/packet"
	"github.com/noriabus/svcbus/status"
)

type fakeBackend struct {
	mu        sync.Mutex
	resolveFn func(ctx context.Context, name string, version uint64) (Resolution, error)
	released  []*Connection
}

func (b *fakeBackend) Resolve(ctx context.Context, name string, version uint64) (Resolution, error) {
	return b.resolveFn(ctx, name, version)
}

func (b *fakeBackend) Release(c *Connection) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.released = append(b.released, c)
}

func (b *fakeBackend) releasedCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.released)
}

type recordingHandler struct {
	mu        sync.Mutex
	delivered []*packet.Frame
	failErr   error
	failed    int
}

func (h *recordingHandler) Deliver(f *packet.Frame) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.delivered = append(h.delivered, f)
}

func (h *recordingHandler) Fail(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failErr = err
	h.failed++
}

func (h *recordingHandler) snapshot() ([]*packet.Frame, error, int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]*packet.Frame{}, h.delivered...), h.failErr, h.failed
}

// pipeDialer returns a Dialer that hands out one side of a net.Pipe per
// call and pushes the other side to serverSide for the test to drive.
func pipeDialer(serverSide chan net.Conn) Dialer {
	return func(ctx context.Context, ep status.Endpoint) (net.Conn, error) {
		client, server := net.Pipe()
		serverSide <- server
		return client, nil
	}
}

func newTestConnection(t *testing.T, identity Identity, version uint64, backend Backend) (*Connection, chan net.Conn, *loop.Loop) {
	t.Helper()
	l := loop.New(64)
	t.Cleanup(l.Close)

	serverSide := make(chan net.Conn, 4)
	ref := NewManagerRef(func() (Backend, bool) { return backend, true })
	c := New(identity, version, l, ref, WithDialer(pipeDialer(serverSide)), WithDialTimeout(2*time.Second))
	return c, serverSide, l
}

func TestHappyPathSingleSession(t *testing.T) {
	backend := &fakeBackend{}
	c, serverSide, _ := newTestConnection(t, ForEndpoint(status.Endpoint{Address: "127.0.0.1", Port: 1}), 1, backend)

	connectErr := make(chan error, 1)
	go func() {
		_, err := c.Connect(context.Background())
		connectErr <- err
	}()

	server := <-serverSide
	require.NoError(t, <-connectErr)
	assert.Equal(t, status.Connected, c.Status())

	h := &recordingHandler{}
	sess, err := c.CreateSession(h)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), sess.ID)

	require.NoError(t, sess.Send(&packet.Frame{Event: packet.EventID(5)}))
	req, err := packet.DecodeFromReader(server)
	require.NoError(t, err)
	assert.Equal(t, sess.ID, req.Band)

	pong, _ := packet.EncodeTuple("pong")
	require.NoError(t, packet.EncodeToWriter(&packet.Frame{Band: sess.ID, Event: packet.EventID(6), Payload: pong}, server))
	require.NoError(t, packet.EncodeToWriter(packet.NewChoke(sess.ID), server))

	require.Eventually(t, func() bool {
		frames, _, _ := h.snapshot()
		return len(frames) == 2
	}, 2*time.Second, 10*time.Millisecond)

	frames, failErr, failed := h.snapshot()
	require.Len(t, frames, 2)
	assert.Equal(t, packet.EventID(6), frames[0].Event)
	assert.True(t, frames[1].IsChoke())
	assert.Nil(t, failErr)
	assert.Equal(t, 0, failed)
}

func TestVersionMismatch(t *testing.T) {
	backend := &fakeBackend{
		resolveFn: func(ctx context.Context, name string, version uint64) (Resolution, error) {
			return Resolution{Endpoints: []status.Endpoint{{Address: "127.0.0.1", Port: 1}}, Version: 2}, nil
		},
	}
	c, serverSide, _ := newTestConnection(t, ForName("echo"), 1, backend)

	_, err := c.Connect(context.Background())
	require.Error(t, err)
	assert.True(t, status.As(err, status.KindBadVersion))
	assert.Equal(t, status.Disconnected, c.Status())
	select {
	case <-serverSide:
		t.Fatal("no socket should have been opened on version mismatch")
	default:
	}
}

func TestCreateSessionBoundaryBehaviors(t *testing.T) {
	backend := &fakeBackend{}
	c, _, _ := newTestConnection(t, ForEndpoint(status.Endpoint{Address: "127.0.0.1", Port: 1}), 1, backend)

	_, err := c.CreateSession(&recordingHandler{})
	assert.True(t, status.As(err, status.KindNotConnected))

	c.mu.Lock()
	c.st = status.Connecting
	c.mu.Unlock()
	_, err = c.CreateSession(&recordingHandler{})
	assert.True(t, status.As(err, status.KindWaitForConnection))

	c.mu.Lock()
	c.st = status.Draining
	c.mu.Unlock()
	_, err = c.CreateSession(&recordingHandler{})
	assert.True(t, status.As(err, status.KindWaitForConnection))

	c.mu.Lock()
	c.st = status.Connected
	c.mu.Unlock()
	sess, err := c.CreateSession(&recordingHandler{})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), sess.ID)
}

func TestMidStreamDisconnectResetsSessions(t *testing.T) {
	backend := &fakeBackend{}
	c, serverSide, _ := newTestConnection(t, ForEndpoint(status.Endpoint{Address: "127.0.0.1", Port: 1}), 1, backend)

	_, err := c.Connect(context.Background())
	require.NoError(t, err)
	server := <-serverSide

	h1, h2 := &recordingHandler{}, &recordingHandler{}
	s1, err := c.CreateSession(h1)
	require.NoError(t, err)
	s2, err := c.CreateSession(h2)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), s1.ID)
	assert.Equal(t, uint64(2), s2.ID)

	server.Close() // peer goes away mid-stream

	require.Eventually(t, func() bool {
		_, e1, f1 := h1.snapshot()
		_, e2, f2 := h2.snapshot()
		return f1 == 1 && f2 == 1 && e1 != nil && e2 != nil
	}, 2*time.Second, 10*time.Millisecond)

	_, e1, _ := h1.snapshot()
	assert.True(t, status.As(e1, status.KindNotConnected))

	// reconnect happens automatically via on_error; wait for it to
	// complete and verify the session counter was reset.
	require.Eventually(t, func() bool {
		return c.Status() == status.Connected
	}, 2*time.Second, 10*time.Millisecond)
	<-serverSide // the reconnect's new socket

	sess, err := c.CreateSession(&recordingHandler{})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), sess.ID, "session counter must reset on reconnect")
}

func TestUnknownBandFrameDropped(t *testing.T) {
	backend := &fakeBackend{}
	c, serverSide, _ := newTestConnection(t, ForEndpoint(status.Endpoint{Address: "127.0.0.1", Port: 1}), 1, backend)

	_, err := c.Connect(context.Background())
	require.NoError(t, err)
	server := <-serverSide

	h1, h2 := &recordingHandler{}, &recordingHandler{}
	s1, err := c.CreateSession(h1)
	require.NoError(t, err)
	_, err = c.CreateSession(h2)
	require.NoError(t, err)

	require.NoError(t, packet.EncodeToWriter(&packet.Frame{Band: 99, Event: packet.EventID(1)}, server))
	require.NoError(t, packet.EncodeToWriter(&packet.Frame{Band: s1.ID, Event: packet.EventID(2)}, server))

	require.Eventually(t, func() bool {
		frames, _, _ := h1.snapshot()
		return len(frames) == 1
	}, 2*time.Second, 10*time.Millisecond)

	frames2, _, _ := h2.snapshot()
	assert.Empty(t, frames2, "session 2 must be unaffected by the unknown-band frame")
}

func TestDrainThenReuse(t *testing.T) {
	backend := &fakeBackend{}
	c, serverSide, _ := newTestConnection(t, ForEndpoint(status.Endpoint{Address: "127.0.0.1", Port: 1}), 1, backend)

	_, err := c.Connect(context.Background())
	require.NoError(t, err)
	server := <-serverSide

	h1, h2 := &recordingHandler{}, &recordingHandler{}
	s1, err := c.CreateSession(h1)
	require.NoError(t, err)
	s2, err := c.CreateSession(h2)
	require.NoError(t, err)

	require.NoError(t, c.SoftDestroy())
	assert.Equal(t, status.Draining, c.Status())
	assert.Equal(t, 0, backend.releasedCount(), "must not release while sessions remain")

	_, err = c.CreateSession(&recordingHandler{})
	assert.True(t, status.As(err, status.KindWaitForConnection))

	require.NoError(t, packet.EncodeToWriter(packet.NewChoke(s1.ID), server))
	require.NoError(t, packet.EncodeToWriter(packet.NewChoke(s2.ID), server))

	require.Eventually(t, func() bool {
		return backend.releasedCount() == 1
	}, 2*time.Second, 10*time.Millisecond)

	f1, _, _ := h1.snapshot()
	require.Len(t, f1, 1)
	assert.True(t, f1[0].IsChoke())
}
