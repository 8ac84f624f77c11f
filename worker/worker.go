// Package worker provides the minimal bootstrap for a process that is
// itself a managed service: block SIGPIPE before any socket is opened,
// own a single-loop manager for the worker's own outbound calls, and open
// the control-channel connection to the supervising runtime when run.
//
// Grounded on original_source/src/worker.cpp's worker_t::impl/worker_t::run:
// the constructor only blocks SIGPIPE and allocates a service_manager_t of
// size 1 for the worker's own outbound calls; the control session's
// connect(options.endpoint, options.uuid) happens later, in run(), not in
// the constructor. This package mirrors that split: New never dials, Run
// does. The Go equivalent of sigprocmask(SIG_BLOCK, SIGPIPE) is
// signal.Ignore, which tells the runtime to stop delivering the signal
// rather than terminating the process on a write to a closed socket.
package worker

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/noriabus/svcbus/connection"
	"github.com/noriabus/svcbus/manager"
	"github.com/noriabus/svcbus/status"
)

// controlVersion is the protocol version required of the control
// endpoint. The control channel is dialed by literal endpoint, never
// resolved by name, so this never reaches a version-mismatch check.
const controlVersion = 0

// Worker is a process-level bootstrap: one manager, scoped to this
// worker's own outbound connections to the locator and other services,
// plus the control-channel connection opened by Run.
type Worker struct {
	uuid    string
	ctrl    status.Endpoint
	manager *manager.Manager
	ctrlCon *connection.Connection
}

// Option configures a Worker at construction.
type Option func(*Worker, *[]manager.Option)

// WithManagerOptions appends options forwarded to the underlying manager.
func WithManagerOptions(opts ...manager.Option) Option {
	return func(w *Worker, mopts *[]manager.Option) { *mopts = append(*mopts, opts...) }
}

// New blocks SIGPIPE, then constructs the worker's manager. ctrlEndpoint
// is the control-channel endpoint the worker was launched with; uuid
// identifies this worker instance to its control plane.
func New(ctrlEndpoint status.Endpoint, uuid string, opts ...Option) *Worker {
	signal.Ignore(syscall.SIGPIPE)

	var mopts []manager.Option
	w := &Worker{uuid: uuid, ctrl: ctrlEndpoint}
	for _, opt := range opts {
		opt(w, &mopts)
	}
	mopts = append(mopts, manager.WithLoops(1))
	w.manager = manager.New(mopts...)
	return w
}

// Manager returns the worker's connection manager, for the worker's own
// userland calls out to other services.
func (w *Worker) Manager() *manager.Manager {
	return w.manager
}

// Run opens the control-channel connection to the supervising runtime at
// ctrlEndpoint, per worker_t::run's session->connect(options.endpoint,
// options.uuid). It blocks until the connection succeeds, fails, or ctx is
// done.
func (w *Worker) Run(ctx context.Context) error {
	c, err := w.manager.GetByEndpoint(ctx, w.ctrl, controlVersion)
	if err != nil {
		return err
	}
	w.ctrlCon = c
	return nil
}

// Control returns the control-channel connection opened by Run, or nil if
// Run has not yet succeeded.
func (w *Worker) Control() *connection.Connection {
	return w.ctrlCon
}

// UUID returns the identity this worker was launched with.
func (w *Worker) UUID() string {
	return w.uuid
}

// ControlEndpoint returns the control-channel endpoint this worker was
// launched with.
func (w *Worker) ControlEndpoint() status.Endpoint {
	return w.ctrl
}

// Close tears down the worker's manager and everything it owns.
func (w *Worker) Close() {
	w.manager.Close()
}
