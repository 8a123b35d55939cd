// Package session tracks connected clients: their authentication state,
// the connection currently bound to a user, and liveness. Exactly one
// active connection per user is allowed; a second login force-logs-out the
// first.
package session

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"chatcore/internal/metrics"
)

// State is a connection's place in its lifecycle.
type State int

const (
	StateConnecting State = iota
	StateAuthenticating
	StateActive
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// validTransitions enumerates the only state changes CanTransition allows.
var validTransitions = map[State][]State{
	StateConnecting:     {StateAuthenticating, StateClosing},
	StateAuthenticating: {StateActive, StateClosing},
	StateActive:         {StateClosing},
	StateClosing:        {StateClosed},
	StateClosed:         {},
}

// CanTransition reports whether moving from `from` to `to` is legal.
func CanTransition(from, to State) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Sender is the minimal interface needed to push a frame to a connection.
// An interface here lets tests inject a mock.
type Sender interface {
	Send(frame []byte) error
	Close() error
}

// Conn tracks one connection's session state. Fields are protected by the
// owning Registry's mutex except where noted.
type Conn struct {
	ID          uint64
	RemoteAddr  string
	UserID      int64  // 0 until authenticated
	Username    string // set once authenticated
	state       State
	connectedAt time.Time
	lastPing    time.Time
	pingLatency time.Duration
	away        bool
	sender      Sender
}

// State returns the connection's current lifecycle state.
func (c *Conn) State() State {
	return c.state
}

// SendRaw writes a pre-framed payload directly to the connection's sender.
func (c *Conn) SendRaw(framed []byte) error {
	if c.sender == nil {
		return nil
	}
	return c.sender.Send(framed)
}

// Close closes the connection's underlying sender, e.g. to force-disconnect
// a session replaced by a newer login.
func (c *Conn) Close() error {
	if c.sender == nil {
		return nil
	}
	return c.sender.Close()
}

// Registry is the process-wide set of live connections, keyed both by
// connection ID and by the user ID currently bound to it.
type Registry struct {
	mu           sync.RWMutex
	conns        map[uint64]*Conn
	byUser       map[int64]uint64 // userID -> connID, at most one entry per user
	nextConnID   uint64
	log          *logrus.Entry
	awayAfter    time.Duration
	sweepStale   time.Duration
	metrics      *metrics.Registry
}

// SetMetrics attaches the metrics registry the session registry should
// update as users bind and unbind; nil disables metric updates.
func (r *Registry) SetMetrics(m *metrics.Registry) {
	r.mu.Lock()
	r.metrics = m
	r.mu.Unlock()
	r.updateOnlineGauge()
}

// updateOnlineGauge sets OnlineUsers to the current count of bound ACTIVE
// connections. Callers must not hold r.mu.
func (r *Registry) updateOnlineGauge() {
	r.mu.RLock()
	m := r.metrics
	if m == nil {
		r.mu.RUnlock()
		return
	}
	n := 0
	for _, connID := range r.byUser {
		if c := r.conns[connID]; c != nil && c.state == StateActive {
			n++
		}
	}
	r.mu.RUnlock()
	m.OnlineUsers.Set(float64(n))
}

// Options configures away/sweep thresholds (nominal values:
// sweep every 60s, stale after 5 minutes, away after 10 minutes idle).
type Options struct {
	AwayAfter  time.Duration
	StaleAfter time.Duration
}

// DefaultOptions returns the nominal values from the connection-lifecycle
// design.
func DefaultOptions() Options {
	return Options{
		AwayAfter:  10 * time.Minute,
		StaleAfter: 5 * time.Minute,
	}
}

// NewRegistry creates an empty registry.
func NewRegistry(opts Options, log *logrus.Entry) *Registry {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Registry{
		conns:      make(map[uint64]*Conn),
		byUser:     make(map[int64]uint64),
		log:        log.WithField("component", "session"),
		awayAfter:  opts.AwayAfter,
		sweepStale: opts.StaleAfter,
	}
}

// Register creates a new Conn in StateConnecting and assigns it an ID.
func (r *Registry) Register(remoteAddr string, sender Sender) *Conn {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextConnID++
	c := &Conn{
		ID:          r.nextConnID,
		RemoteAddr:  remoteAddr,
		state:       StateConnecting,
		connectedAt: time.Now(),
		lastPing:    time.Now(),
		sender:      sender,
	}
	r.conns[c.ID] = c
	r.log.WithFields(logrus.Fields{"conn_id": c.ID, "remote_addr": remoteAddr}).Debug("connection registered")
	return c
}

// Transition moves a connection to a new state, rejecting illegal moves.
func (r *Registry) Transition(connID uint64, to State) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[connID]
	if !ok {
		return false
	}
	if !CanTransition(c.state, to) {
		return false
	}
	c.state = to
	return true
}

// BindUser attaches an authenticated user to a connection, replacing any
// prior connection already bound to that user. Returns the previous
// connection, if any, so the caller can send it a force_logout frame and
// close it.
func (r *Registry) BindUser(connID uint64, userID int64, username string) (previous *Conn) {
	r.mu.Lock()
	c, ok := r.conns[connID]
	if !ok {
		r.mu.Unlock()
		return nil
	}
	if prevConnID, exists := r.byUser[userID]; exists && prevConnID != connID {
		previous = r.conns[prevConnID]
	}
	c.UserID = userID
	c.Username = username
	r.byUser[userID] = connID
	r.mu.Unlock()

	r.updateOnlineGauge()
	return previous
}

// Unregister removes a connection from the registry entirely.
func (r *Registry) Unregister(connID uint64) {
	r.mu.Lock()
	c, ok := r.conns[connID]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.conns, connID)
	if c.UserID != 0 && r.byUser[c.UserID] == connID {
		delete(r.byUser, c.UserID)
	}
	r.mu.Unlock()

	r.updateOnlineGauge()
}

// Get returns the connection for connID, if present.
func (r *Registry) Get(connID uint64) (*Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[connID]
	return c, ok
}

// ConnForUser returns the live connection currently bound to userID.
func (r *Registry) ConnForUser(userID int64) (*Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	connID, ok := r.byUser[userID]
	if !ok {
		return nil, false
	}
	c, ok := r.conns[connID]
	return c, ok
}

// IsOnline reports whether userID currently has a bound ACTIVE connection.
func (r *Registry) IsOnline(userID int64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	connID, ok := r.byUser[userID]
	if !ok {
		return false
	}
	c := r.conns[connID]
	return c != nil && c.state == StateActive
}

// TouchPing records a ping/pong round trip for latency tracking and clears
// the away flag.
func (r *Registry) TouchPing(connID uint64, latency time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.conns[connID]; ok {
		c.lastPing = time.Now()
		c.pingLatency = latency
		c.away = false
	}
}

// OnlineUserIDs returns every user ID with a live ACTIVE connection.
func (r *Registry) OnlineUserIDs() []int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]int64, 0, len(r.byUser))
	for uid, connID := range r.byUser {
		if c := r.conns[connID]; c != nil && c.state == StateActive {
			out = append(out, uid)
		}
	}
	return out
}

// Count returns the number of currently registered connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// BroadcastTarget is a snapshot of a connection's sender, safe to use after
// releasing the registry lock — the same pattern used for voice datagram
// fan-out, adapted for JSON frame delivery.
type BroadcastTarget struct {
	ConnID uint64
	UserID int64
	Sender Sender
}

// Snapshot returns every ACTIVE connection's sender, for fan-out without
// holding the lock during I/O.
func (r *Registry) Snapshot() []BroadcastTarget {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]BroadcastTarget, 0, len(r.conns))
	for _, c := range r.conns {
		if c.state != StateActive || c.sender == nil {
			continue
		}
		out = append(out, BroadcastTarget{ConnID: c.ID, UserID: c.UserID, Sender: c.sender})
	}
	return out
}

// Sweep marks connections idle past awayAfter as away, and reports
// connections stale past sweepStale (no ping within the threshold) so the
// caller can force-close them. Sweep does not close connections itself;
// closing requires coordination with the read loop that owns the socket.
func (r *Registry) Sweep() (stale []*Conn) {
	now := time.Now()
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.conns {
		idle := now.Sub(c.lastPing)
		if !c.away && idle >= r.awayAfter {
			c.away = true
		}
		if idle >= r.sweepStale {
			stale = append(stale, c)
		}
	}
	return stale
}

// RunSweeper runs Sweep on a ticker until stop is closed, invoking onStale
// for every connection the sweep finds past the staleness threshold.
func (r *Registry) RunSweeper(interval time.Duration, stop <-chan struct{}, onStale func(*Conn)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			for _, c := range r.Sweep() {
				if onStale != nil {
					onStale(c)
				}
			}
		}
	}
}
