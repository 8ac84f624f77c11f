// Package loop implements the single-threaded cooperative event loop that
// spec §5 pins a connection and its channel to. It is the concrete
// realization of "the event loop" component D is said to own and that
// §4.C/§9's retire-old-channel discipline posts to.
//
// The teacher (singchia-geminio) has no standalone loop abstraction of its
// own — each conn drives its own goroutines directly over channels. This
// package generalises that idiom (one goroutine, serial processing of
// channel-delivered work) into the explicit, shared, FIFO task queue the
// specification calls for, since several connections must be able to post
// to the very same loop (§4.D "a pool of them").
package loop

import "sync"

// Loop runs posted tasks one at a time, in the order they were posted, on
// a single goroutine.
type Loop struct {
	tasks  chan func()
	done   chan struct{}
	once   sync.Once
	closed chan struct{}
}

// New starts a loop with the given task queue depth.
func New(queueDepth int) *Loop {
	if queueDepth <= 0 {
		queueDepth = 256
	}
	l := &Loop{
		tasks:  make(chan func(), queueDepth),
		done:   make(chan struct{}),
		closed: make(chan struct{}),
	}
	go l.run()
	return l
}

func (l *Loop) run() {
	defer close(l.done)
	for {
		select {
		case fn, ok := <-l.tasks:
			if !ok {
				return
			}
			fn()
		case <-l.closed:
			// drain whatever is already queued before exiting, so a
			// channel retirement posted just before Close still runs.
			for {
				select {
				case fn := <-l.tasks:
					fn()
				default:
					return
				}
			}
		}
	}
}

// Post enqueues fn to run on the loop goroutine. Post never blocks the
// caller beyond the queue being full; if the loop has been closed, fn is
// dropped.
func (l *Loop) Post(fn func()) {
	select {
	case l.tasks <- fn:
	case <-l.closed:
	}
}

// Close stops accepting new work and waits for the goroutine to exit after
// draining whatever was already queued.
func (l *Loop) Close() {
	l.once.Do(func() {
		close(l.closed)
	})
	<-l.done
}
