package channel

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noriabus/svcbus/loop"
	"github.com/noriabus/svcbus/packet"
)

func TestChannelDeliversFrames(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	l := loop.New(16)
	defer l.Close()

	ch := New(client)
	frames := make(chan *packet.Frame, 4)
	ch.BindRead(func(f *packet.Frame) { frames <- f }, func(error) {})
	ch.Attach(l)

	go packet.EncodeToWriter(&packet.Frame{Band: 1, Event: 9}, server)

	select {
	case f := <-frames:
		assert.Equal(t, uint64(1), f.Band)
		assert.Equal(t, packet.EventID(9), f.Event)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for frame")
	}
}

func TestChannelWrite(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	l := loop.New(16)
	defer l.Close()

	ch := New(client)
	ch.Attach(l)

	require.NoError(t, ch.Write(&packet.Frame{Band: 5, Event: 1}))

	got, err := packet.DecodeFromReader(server)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), got.Band)
}

func TestChannelErrorFiresOnce(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	l := loop.New(16)
	defer l.Close()

	ch := New(client)
	errs := make(chan error, 4)
	ch.BindRead(func(*packet.Frame) {}, func(err error) { errs <- err })
	ch.Attach(l)

	server.Close() // triggers read error on the client side

	select {
	case <-errs:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for error")
	}

	select {
	case <-errs:
		t.Fatal("error sink fired more than once")
	case <-time.After(100 * time.Millisecond):
	}
}
