package resolver

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noriabus/svcbus/connection"
	"github.com/noriabus/svcbus/loop"
	"github.com/noriabus/svcbus/packet"
	"github.com/noriabus/svcbus/status"
)

type noopBackend struct{}

func (noopBackend) Resolve(ctx context.Context, name string, version uint64) (connection.Resolution, error) {
	return connection.Resolution{}, status.ErrBrokenManager
}
func (noopBackend) Release(*connection.Connection) {}

// fakeDialer hands out one real connection.Connection per locator endpoint,
// wired to a net.Pipe whose server side the test drives directly.
type fakeDialer struct {
	l        *loop.Loop
	servers  map[status.Endpoint]chan net.Conn
	fail     map[status.Endpoint]bool
}

func newFakeDialer(l *loop.Loop, endpoints ...status.Endpoint) *fakeDialer {
	d := &fakeDialer{l: l, servers: map[status.Endpoint]chan net.Conn{}, fail: map[status.Endpoint]bool{}}
	for _, ep := range endpoints {
		d.servers[ep] = make(chan net.Conn, 1)
	}
	return d
}

func (d *fakeDialer) ConnectLocator(ctx context.Context, ep status.Endpoint) (LocatorConn, error) {
	if d.fail[ep] {
		return nil, status.ErrLocatorUnavailable
	}
	dialer := func(ctx context.Context, ep status.Endpoint) (net.Conn, error) {
		client, server := net.Pipe()
		d.servers[ep] <- server
		return client, nil
	}
	c := connection.New(connection.ForEndpoint(ep), 0, d.l, connection.NewManagerRef(func() (connection.Backend, bool) {
		return noopBackend{}, true
	}), connection.WithDialer(dialer), connection.WithDialTimeout(2*time.Second))
	if _, err := c.Connect(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

func TestResolveHappyPath(t *testing.T) {
	l := loop.New(64)
	defer l.Close()

	ep := status.Endpoint{Address: "127.0.0.1", Port: 10053}
	dialer := newFakeDialer(l, ep)
	r := New(WithEndpoints(ep), WithTimeout(2*time.Second))

	resultCh := make(chan struct {
		endpoints []status.Endpoint
		version   uint64
		err       error
	}, 1)
	go func() {
		eps, version, err := r.Resolve(context.Background(), dialer, "echo")
		resultCh <- struct {
			endpoints []status.Endpoint
			version   uint64
			err       error
		}{eps, version, err}
	}()

	server := <-dialer.servers[ep]
	req, err := packet.DecodeFromReader(server)
	require.NoError(t, err)
	assert.Equal(t, ResolveEvent, req.Event)

	payload, err := packet.EncodeTuple([2]interface{}{"10.0.0.5", 4321}, 3)
	require.NoError(t, err)
	require.NoError(t, packet.EncodeToWriter(&packet.Frame{Band: req.Band, Event: 2, Payload: payload}, server))

	select {
	case res := <-resultCh:
		require.NoError(t, res.err)
		require.Len(t, res.endpoints, 1)
		assert.Equal(t, "10.0.0.5", res.endpoints[0].Address)
		assert.Equal(t, uint16(4321), res.endpoints[0].Port)
		assert.Equal(t, uint64(3), res.version)
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for resolve result")
	}
}

func TestResolveFallsBackToSecondLocator(t *testing.T) {
	l := loop.New(64)
	defer l.Close()

	bad := status.Endpoint{Address: "127.0.0.1", Port: 1}
	good := status.Endpoint{Address: "127.0.0.1", Port: 2}
	dialer := newFakeDialer(l, bad, good)
	dialer.fail[bad] = true

	r := New(WithEndpoints(bad, good), WithTimeout(2*time.Second))

	resultCh := make(chan error, 1)
	go func() {
		_, _, err := r.Resolve(context.Background(), dialer, "echo")
		resultCh <- err
	}()

	server := <-dialer.servers[good]
	req, err := packet.DecodeFromReader(server)
	require.NoError(t, err)

	payload, err := packet.EncodeTuple([2]interface{}{"10.0.0.6", 1}, 1)
	require.NoError(t, err)
	require.NoError(t, packet.EncodeToWriter(&packet.Frame{Band: req.Band, Event: 2, Payload: payload}, server))

	select {
	case err := <-resultCh:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for resolve result")
	}
}

func TestResolveAllLocatorsUnavailable(t *testing.T) {
	l := loop.New(64)
	defer l.Close()

	ep := status.Endpoint{Address: "127.0.0.1", Port: 1}
	dialer := newFakeDialer(l, ep)
	dialer.fail[ep] = true

	r := New(WithEndpoints(ep), WithTimeout(200*time.Millisecond))
	_, _, err := r.Resolve(context.Background(), dialer, "echo")
	require.Error(t, err)
	assert.True(t, status.As(err, status.KindLocatorUnavailable))
}
