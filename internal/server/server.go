// Package server wires one accepted TCP connection to the chat domain:
// framing, authentication, dispatch, and graceful shutdown.
package server

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"chatcore/internal/ai"
	"chatcore/internal/auth"
	"chatcore/internal/filetransfer"
	"chatcore/internal/group"
	"chatcore/internal/metrics"
	"chatcore/internal/protocol"
	"chatcore/internal/router"
	"chatcore/internal/session"
	"chatcore/internal/store"
)

// Deps bundles every domain collaborator a connection handler needs.
type Deps struct {
	Store    *store.Store
	Auth     *auth.Service
	Group    *group.Manager
	Sessions *session.Registry
	Router   *router.Router
	Files    *filetransfer.Coordinator
	AI       *ai.Relay
	Metrics  *metrics.Registry
	Log      *logrus.Entry

	PingInterval   time.Duration
	SessionTimeout time.Duration
}

// writeDeadline bounds a single frame write to a peer. The router has
// exactly one consumer goroutine draining its queue; without a deadline a
// stalled client's net.Conn.Write would block that goroutine indefinitely
// and stall fan-out to every other recipient.
const writeDeadline = 5 * time.Second

// netSender adapts a net.Conn to session.Sender, serializing concurrent
// writes from the router and from the connection's own goroutine.
type netSender struct {
	mu   sync.Mutex
	conn net.Conn
}

func (n *netSender) Send(frame []byte) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	_ = n.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
	_, err := n.conn.Write(frame)
	return err
}

func (n *netSender) Close() error {
	return n.conn.Close()
}

// handler manages one accepted connection end to end.
type handler struct {
	deps   Deps
	nc     net.Conn
	sender *netSender
	sconn  *session.Conn
	log    *logrus.Entry

	// download holds the single in-flight download this connection is
	// reading through, if any; BUSY enforcement in filetransfer.Coordinator
	// guarantees there is never more than one.
	download *filetransfer.Download
}

// Handle runs the read loop for nc until the client disconnects, the
// connection is replaced by a newer login, or ctx is canceled. It always
// returns once the connection is fully torn down.
func Handle(ctx context.Context, nc net.Conn, deps Deps) {
	if deps.Log == nil {
		deps.Log = logrus.NewEntry(logrus.StandardLogger())
	}

	sender := &netSender{conn: nc}
	sconn := deps.Sessions.Register(nc.RemoteAddr().String(), sender)
	if deps.Metrics != nil {
		deps.Metrics.ActiveConnections.Inc()
	}

	h := &handler{
		deps:   deps,
		nc:     nc,
		sender: sender,
		sconn:  sconn,
		log:    deps.Log.WithField("conn_id", sconn.ID).WithField("remote_addr", sconn.RemoteAddr),
	}

	defer h.cleanup()

	defer func() {
		if r := recover(); r != nil {
			h.log.WithField("panic", r).Error("connection handler panicked")
			h.sendError(protocol.NewError(protocol.CodeInternal, "internal error"))
		}
	}()

	h.log.Info("connection accepted")
	h.readLoop(ctx)
}

// readLoop decodes frames until the stream ends or the context is canceled.
func (h *handler) readLoop(ctx context.Context) {
	dec := protocol.NewDecoder(h.nc)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		msg, err := dec.Next()
		if err != nil {
			if pe, ok := err.(*protocol.Error); ok {
				h.sendError(pe)
				continue
			}
			if err == protocol.ErrFrameTooLarge {
				h.log.Warn("oversized frame, closing connection")
			}
			return
		}

		h.dispatch(ctx, msg)

		if h.sconn.State() == session.StateClosing {
			return
		}
	}
}

// cleanup unregisters the connection, marks the bound user offline if no
// other connection has since replaced this one, and closes the socket.
func (h *handler) cleanup() {
	h.deps.Sessions.Transition(h.sconn.ID, session.StateClosing)
	h.deps.Sessions.Unregister(h.sconn.ID)
	h.deps.Files.AbortForConn(h.sconn.ID)
	if h.deps.Metrics != nil {
		h.deps.Metrics.ActiveConnections.Dec()
	}

	if h.sconn.UserID != 0 {
		if _, stillBound := h.deps.Sessions.ConnForUser(h.sconn.UserID); !stillBound {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := h.deps.Store.SetOnline(ctx, h.sconn.UserID, false); err != nil {
				h.log.WithError(err).Warn("failed to mark user offline")
			}
		}
	}

	_ = h.nc.Close()
	h.log.Info("connection closed")
}

// sendError writes an error frame, best-effort.
func (h *handler) sendError(pe *protocol.Error) {
	if err := h.send(pe.AsMessage()); err != nil {
		h.log.WithError(err).Debug("failed to send error frame")
	}
}

// send marshals and frames v, writing it directly to the connection.
func (h *handler) send(v protocol.Message) error {
	return protocol.Encode(h.nc, v)
}

// requireActive returns a protocol.Error if the connection has not
// completed authentication.
func (h *handler) requireActive() *protocol.Error {
	if h.sconn.State() != session.StateActive {
		return protocol.NewError(protocol.CodeAuthRequired, "login required")
	}
	return nil
}

// asProtoError normalizes any error into a wire-facing *protocol.Error.
func asProtoError(err error) *protocol.Error {
	if pe, ok := err.(*protocol.Error); ok {
		return pe
	}
	switch err {
	case store.ErrContentTooLong:
		return protocol.NewError(protocol.CodeMessageTooLong, err.Error())
	case store.ErrGroupBanned:
		return protocol.NewError(protocol.CodeGroupBanned, err.Error())
	case store.ErrGroupNotFound:
		return protocol.NewError(protocol.CodeGroupNotFound, err.Error())
	case store.ErrUserNotFound:
		return protocol.NewError(protocol.CodeUserNotFound, err.Error())
	}
	return protocol.NewError(protocol.CodeInternal, fmt.Sprintf("internal error: %v", err))
}
