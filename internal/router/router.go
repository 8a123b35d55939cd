// Package router fans messages out to connected sessions and falls back to
// store-and-forward offline delivery. Outbound work is queued through a
// bounded priority queue drained by a single worker; that worker writes to
// each recipient synchronously, so a stalled peer holds it until the write
// fails or hits the connection's write deadline.
package router

import (
	"container/heap"
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"chatcore/internal/group"
	"chatcore/internal/metrics"
	"chatcore/internal/protocol"
	"chatcore/internal/session"
	"chatcore/internal/store"
)

// Outcome reports how a routed send fared.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomePartialSuccess
	OutcomeNoRecipients
	OutcomeFailed
)

// Priority is lower-number-first: PriorityControl frames (ping, force_logout)
// jump the queue ahead of PriorityChat.
type Priority int

const (
	PriorityControl Priority = 0
	PriorityChat    Priority = 1
	PriorityBulk    Priority = 2
)

// job is one queued delivery attempt.
type job struct {
	priority Priority
	seq      uint64 // tiebreaker preserving FIFO order within a priority
	userID   int64
	payload  []byte
	attempt  int
}

// jobQueue implements container/heap.Interface ordered by (priority, seq).
type jobQueue []*job

func (q jobQueue) Len() int { return len(q) }
func (q jobQueue) Less(i, j int) bool {
	if q[i].priority != q[j].priority {
		return q[i].priority < q[j].priority
	}
	return q[i].seq < q[j].seq
}
func (q jobQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }
func (q *jobQueue) Push(x any)   { *q = append(*q, x.(*job)) }
func (q *jobQueue) Pop() any {
	old := *q
	n := len(old)
	item := old[n-1]
	*q = old[:n-1]
	return item
}

// Retry policy constants: exponential backoff with a 2s base
// and 30s cap, falling through to the offline queue after 3 failed retries.
const (
	retryBase    = 2 * time.Second
	retryCap     = 30 * time.Second
	maxRetries   = 3
	maxQueueSize = 10000
)

// Router owns the outbound priority queue and retry loop.
type Router struct {
	store   *store.Store
	sess    *session.Registry
	group   *group.Manager
	log     *logrus.Entry
	limiter *rate.Limiter
	metrics *metrics.Registry

	mu       sync.Mutex
	queue    jobQueue
	nextSeq  uint64
	notEmpty chan struct{}
}

// SetMetrics attaches the metrics registry the router should update as
// deliveries fall through to offline storage; nil disables metric updates.
func (r *Router) SetMetrics(m *metrics.Registry) {
	r.metrics = m
}

// New builds a Router over the given store, session registry, and group
// manager. The limiter gates retry resends (backoff).
func New(st *store.Store, sess *session.Registry, grp *group.Manager, log *logrus.Entry) *Router {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	r := &Router{
		store:    st,
		sess:     sess,
		group:    grp,
		log:      log.WithField("component", "router"),
		limiter:  rate.NewLimiter(rate.Every(100*time.Millisecond), 20),
		notEmpty: make(chan struct{}, 1),
	}
	heap.Init(&r.queue)
	return r
}

// enqueue pushes a delivery job. When the queue already holds maxQueueSize
// jobs it queues nothing and returns false.
func (r *Router) enqueue(j *job) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.queue) >= maxQueueSize {
		return false
	}
	r.nextSeq++
	j.seq = r.nextSeq
	heap.Push(&r.queue, j)
	select {
	case r.notEmpty <- struct{}{}:
	default:
	}
	return true
}

func (r *Router) dequeue() (*job, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.queue) == 0 {
		return nil, false
	}
	return heap.Pop(&r.queue).(*job), true
}

// Run drains the queue until ctx is canceled. A single worker goroutine
// performs every queued delivery: each is a synchronous write to the
// recipient's Sender or, once retries are exhausted, a store write.
func (r *Router) Run(ctx context.Context) {
	for {
		j, ok := r.dequeue()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-r.notEmpty:
				continue
			case <-time.After(time.Second):
				continue
			}
		}
		r.deliver(ctx, j)
	}
}

func (r *Router) deliver(ctx context.Context, j *job) {
	conn, ok := r.sess.ConnForUser(j.userID)
	if ok && conn.State() == session.StateActive {
		if err := conn.SendRaw(j.payload); err == nil {
			return
		}
	}
	// Not reachable right now; retry with backoff before falling through to
	// the offline queue.
	if j.attempt < maxRetries {
		if !r.limiter.Allow() {
			// Rate-limited: requeue immediately without counting an attempt.
			r.enqueue(j)
			return
		}
		delay := retryBase << uint(j.attempt)
		if delay > retryCap {
			delay = retryCap
		}
		j.attempt++
		time.AfterFunc(delay, func() {
			r.enqueue(j)
		})
		return
	}
	if err := r.store.EnqueueOffline(ctx, j.userID, j.payload); err != nil {
		r.log.WithError(err).WithField("user_id", j.userID).Error("enqueue offline failed")
		return
	}
	if r.metrics != nil {
		r.metrics.OfflineQueued.Inc()
	}
}

// DeliverResult summarises a fan-out send across a recipient set.
type DeliverResult struct {
	Outcome    Outcome
	Recipients int
	Delivered  int
}

// RouteToUsers frames msg once and queues it for each recipient, returning
// the aggregate semantics: SUCCESS if every recipient was reachable live,
// PARTIAL_SUCCESS if at least one was, NO_RECIPIENTS if the set was empty,
// FAILED if none were (including a framing error).
func (r *Router) RouteToUsers(ctx context.Context, recipients []int64, msg protocol.Message, priority Priority) DeliverResult {
	if len(recipients) == 0 {
		return DeliverResult{Outcome: OutcomeNoRecipients}
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		r.log.WithError(err).Error("marshal routed message failed")
		return DeliverResult{Outcome: OutcomeFailed}
	}
	framed, err := frame(payload)
	if err != nil {
		return DeliverResult{Outcome: OutcomeFailed}
	}

	delivered := 0
	for _, uid := range recipients {
		if conn, ok := r.sess.ConnForUser(uid); ok && conn.State() == session.StateActive {
			if err := conn.SendRaw(framed); err == nil {
				delivered++
				continue
			}
		}
		r.enqueue(&job{priority: priority, userID: uid, payload: framed})
	}

	switch {
	case delivered == len(recipients):
		return DeliverResult{Outcome: OutcomeSuccess, Recipients: len(recipients), Delivered: delivered}
	case delivered == 0:
		return DeliverResult{Outcome: OutcomeFailed, Recipients: len(recipients), Delivered: delivered}
	default:
		return DeliverResult{Outcome: OutcomePartialSuccess, Recipients: len(recipients), Delivered: delivered}
	}
}

// RouteBroadcast routes msg to every currently online user except
// excludeUserID (typically the sender, or 0 for a server-originated
// broadcast with no sender).
func (r *Router) RouteBroadcast(ctx context.Context, excludeUserID int64, msg protocol.Message, priority Priority) DeliverResult {
	online := r.sess.OnlineUserIDs()
	recipients := make([]int64, 0, len(online))
	for _, uid := range online {
		if uid == excludeUserID {
			continue
		}
		recipients = append(recipients, uid)
	}
	return r.RouteToUsers(ctx, recipients, msg, priority)
}

// RouteToGroup resolves groupID's online membership (minus excludeUserID,
// typically the sender) and routes msg to them.
func (r *Router) RouteToGroup(ctx context.Context, groupID int64, excludeUserID int64, msg protocol.Message, priority Priority) (DeliverResult, error) {
	members, err := r.group.Members(ctx, groupID)
	if err != nil {
		return DeliverResult{}, err
	}
	recipients := make([]int64, 0, len(members))
	for _, m := range members {
		if m.UserID == excludeUserID {
			continue
		}
		recipients = append(recipients, m.UserID)
	}
	return r.RouteToUsers(ctx, recipients, msg, priority), nil
}

// frame wraps a JSON payload in the wire's length-prefix framing so queued
// jobs can be passed directly to a connection's SendRaw.
func frame(payload []byte) ([]byte, error) {
	var buf [4]byte
	n := len(payload)
	buf[0] = byte(n >> 24)
	buf[1] = byte(n >> 16)
	buf[2] = byte(n >> 8)
	buf[3] = byte(n)
	return append(buf[:], payload...), nil
}
