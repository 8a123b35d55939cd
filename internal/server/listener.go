package server

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"chatcore/internal/protocol"
	"chatcore/internal/router"
)

// shutdownGrace bounds how long Run waits for in-flight connections to
// drain on their own before force-closing them.
const shutdownGrace = 10 * time.Second

// Listener accepts TCP connections and hands each to Handle in its own
// goroutine, tracking them for a bounded graceful shutdown.
type Listener struct {
	addr string
	deps Deps
	log  *logrus.Entry

	mu           sync.Mutex
	wg           sync.WaitGroup
	listener     net.Listener
	shutdownDone chan struct{}
}

// NewListener builds a Listener bound to addr (not yet listening).
func NewListener(addr string, deps Deps) *Listener {
	log := deps.Log
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Listener{
		addr:         addr,
		deps:         deps,
		log:          log.WithField("component", "listener"),
		shutdownDone: make(chan struct{}),
	}
}

// Run accepts connections until ctx is canceled. Cancellation stops new
// accepts, broadcasts a server_shutdown frame to every live connection,
// waits up to shutdownGrace for handlers to drain, then force-closes
// whatever remains. Run itself returns only once that sequence completes.
func (l *Listener) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", l.addr)
	if err != nil {
		return err
	}
	l.mu.Lock()
	l.listener = ln
	l.mu.Unlock()

	go func() {
		<-ctx.Done()
		l.shutdown()
	}()

	l.log.WithField("addr", l.addr).Info("listening")

	for {
		nc, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				<-l.shutdownDone
				return nil
			}
			l.log.WithError(err).Warn("accept failed")
			continue
		}

		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			Handle(ctx, nc, l.deps)
		}()
	}
}

// shutdown stops accepting new connections, notifies every live client, and
// force-closes any connection still open once the grace period elapses.
func (l *Listener) shutdown() {
	l.log.Info("shutting down: closing listener and notifying clients")

	l.mu.Lock()
	ln := l.listener
	l.mu.Unlock()
	if ln != nil {
		_ = ln.Close()
	}

	if l.deps.Router != nil {
		l.deps.Router.RouteBroadcast(context.Background(), 0,
			protocol.Message{Type: protocol.TypeServerShutdown, Reason: "server is shutting down"},
			router.PriorityControl)
	}

	drained := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(drained)
	}()

	select {
	case <-drained:
	case <-time.After(shutdownGrace):
		l.log.Warn("shutdown grace period elapsed, force-closing remaining connections")
		for _, target := range l.deps.Sessions.Snapshot() {
			_ = target.Sender.Close()
		}
		<-drained
	}

	close(l.shutdownDone)
}
