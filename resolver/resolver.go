// Package resolver implements spec §4.B: a single-purpose client over the
// locator service, issuing the locator's resolve RPC and decoding its
// response into endpoints plus a version.
//
// The resolver does not own a socket — per SPEC_FULL.md §4.B it composes
// frames and decodes responses over a session the manager hands it on its
// sentinel locator connection (package manager), the same separation the
// teacher keeps between its application layer (which composes RPC frames,
// see application/rpc.go's Call/CallAsync) and its conn layer (which owns
// the socket).
package resolver

import (
	"context"
	"encoding/json"
	"net"
	"strconv"
	"time"

	"github.com/jumboframes/armorigo/log"

	"github.com/noriabus/svcbus/connection"
	"github.com/noriabus/svcbus/packet"
	"github.com/noriabus/svcbus/status"
)

// ResolveEvent is the locator's resolve verb id.
const ResolveEvent packet.EventID = 1

// LocatorConn is what the resolver needs from a connection to the locator.
type LocatorConn interface {
	CreateSession(h connection.Handler) (*connection.Session, error)
}

// EndpointDialer connects to one configured locator endpoint and returns a
// ready-to-use LocatorConn. The manager implements this so the resolver
// never has to know about connection pooling or the sentinel identity.
type EndpointDialer interface {
	ConnectLocator(ctx context.Context, ep status.Endpoint) (LocatorConn, error)
}

// Resolver keeps a list of locator endpoints (default [::]:10053) and a
// configurable request timeout.
type Resolver struct {
	log         log.Logger
	endpoints   []status.Endpoint
	timeout     time.Duration
	backoffBase time.Duration
	backoffCap  time.Duration
}

type Option func(*Resolver)

func WithEndpoints(eps ...status.Endpoint) Option {
	return func(r *Resolver) { r.endpoints = eps }
}

func WithTimeout(d time.Duration) Option {
	return func(r *Resolver) { r.timeout = d }
}

func WithLogger(l log.Logger) Option {
	return func(r *Resolver) { r.log = l }
}

// New builds a resolver. Default endpoint is the IPv6 any-address on port
// 10053, per spec §6.
func New(opts ...Option) *Resolver {
	r := &Resolver{
		log:         log.DefaultLog,
		endpoints:   []status.Endpoint{status.DefaultLocatorEndpoint},
		timeout:     5 * time.Second,
		backoffBase: 50 * time.Millisecond,
		backoffCap:  time.Second,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Endpoints returns the configured locator endpoints, in try order.
func (r *Resolver) Endpoints() []status.Endpoint {
	return append([]status.Endpoint{}, r.endpoints...)
}

// Resolve issues the locator's resolve RPC with name as its sole argument,
// trying each configured locator endpoint in order with a short
// exponential backoff between endpoints (SPEC_FULL.md §4.B, resolving the
// §9 open question on multi-endpoint locator failure).
func (r *Resolver) Resolve(ctx context.Context, dialer EndpointDialer, name string) ([]status.Endpoint, uint64, error) {
	backoff := r.backoffBase
	var lastErr error
	for i, ep := range r.endpoints {
		if i > 0 {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, 0, ctx.Err()
			}
			backoff *= 2
			if backoff > r.backoffCap {
				backoff = r.backoffCap
			}
		}
		endpoints, version, err := r.resolveOnce(ctx, dialer, ep, name)
		if err == nil {
			return endpoints, version, nil
		}
		lastErr = err
		r.log.Infof("resolve via locator endpoint %s failed: %s, name: %s", ep, err, name)
	}
	if lastErr == nil {
		lastErr = status.ErrLocatorUnavailable
	}
	return nil, 0, lastErr
}

func (r *Resolver) resolveOnce(ctx context.Context, dialer EndpointDialer, ep status.Endpoint, name string) ([]status.Endpoint, uint64, error) {
	conn, err := dialer.ConnectLocator(ctx, ep)
	if err != nil {
		return nil, 0, status.ErrLocatorUnavailable
	}

	h := newResolveHandler(ctx)
	sess, err := conn.CreateSession(h)
	if err != nil {
		return nil, 0, status.ErrLocatorUnavailable
	}

	payload, err := packet.EncodeTuple(name)
	if err != nil {
		return nil, 0, status.ErrBadResponse
	}
	if err := sess.Send(&packet.Frame{Event: ResolveEvent, Payload: payload}); err != nil {
		return nil, 0, status.ErrLocatorUnavailable
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	select {
	case res := <-h.done:
		if res.err != nil {
			return nil, 0, res.err
		}
		return res.endpoints, res.version, nil
	case <-timeoutCtx.Done():
		if ctx.Err() != nil {
			return nil, 0, ctx.Err()
		}
		return nil, 0, status.ErrResolveTimeout
	}
}

type resolveResult struct {
	endpoints []status.Endpoint
	version   uint64
	err       error
}

// resolveHandler decodes exactly one response frame whose payload is
// ((host, port), version, …extra), per spec §4.B; it ignores a trailing
// choke that the locator may send after the response.
type resolveHandler struct {
	ctx  context.Context
	done chan resolveResult
}

func newResolveHandler(ctx context.Context) *resolveHandler {
	return &resolveHandler{ctx: ctx, done: make(chan resolveResult, 1)}
}

func (h *resolveHandler) Deliver(f *packet.Frame) {
	if f.IsChoke() {
		return
	}
	endpoints, version, err := decodeResolveResponse(h.ctx, f.Payload)
	h.emit(resolveResult{endpoints: endpoints, version: version, err: err})
}

func (h *resolveHandler) Fail(err error) {
	h.emit(resolveResult{err: err})
}

func (h *resolveHandler) emit(res resolveResult) {
	select {
	case h.done <- res:
	default:
	}
}

func decodeResolveResponse(ctx context.Context, payload []byte) ([]status.Endpoint, uint64, error) {
	var tuple []json.RawMessage
	if err := packet.DecodeTuple(payload, &tuple); err != nil || len(tuple) < 2 {
		return nil, 0, status.ErrBadResponse
	}

	var hostPort []json.RawMessage
	if err := json.Unmarshal(tuple[0], &hostPort); err != nil || len(hostPort) < 2 {
		return nil, 0, status.ErrBadResponse
	}
	var host string
	var port uint16
	if err := json.Unmarshal(hostPort[0], &host); err != nil {
		return nil, 0, status.ErrBadResponse
	}
	if err := json.Unmarshal(hostPort[1], &port); err != nil {
		return nil, 0, status.ErrBadResponse
	}

	var version uint64
	if err := json.Unmarshal(tuple[1], &version); err != nil {
		return nil, 0, status.ErrBadResponse
	}

	endpoints, err := expandDNS(ctx, host, port)
	if err != nil {
		return nil, 0, status.Transport(err)
	}
	return endpoints, version, nil
}

// expandDNS resolves host to one or more IP endpoints, in the order the OS
// returned them, per spec §4.B. If host is already a literal IP, the
// resolver returns it unchanged without a DNS round-trip.
func expandDNS(ctx context.Context, host string, port uint16) ([]status.Endpoint, error) {
	if ip := net.ParseIP(host); ip != nil {
		return []status.Endpoint{{Address: host, Port: port}}, nil
	}
	addrs, err := net.DefaultResolver.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, err
	}
	endpoints := make([]status.Endpoint, 0, len(addrs))
	for _, a := range addrs {
		endpoints = append(endpoints, status.Endpoint{Address: a.IP.String(), Port: port})
	}
	if len(endpoints) == 0 {
		return nil, &net.AddrError{Err: "no addresses", Addr: host + ":" + strconv.Itoa(int(port))}
	}
	return endpoints, nil
}
