// Package fanout is the realtime push service: it holds one long-lived
// SSE connection per client, subscribes to the durable and ephemeral
// event-bus lanes, and forwards events to whichever connections belong
// to each event's recipients.
package fanout

import (
	"sync/atomic"
	"time"

	"github.com/fechatter/realtime-core/internal/contract"
)

// egressBufferDepth is the egress channel's buffer capacity. Once full,
// the oldest queued event is dropped rather than blocking the fan-out
// goroutine that is broadcasting to many connections at once.
const egressBufferDepth = 256

// maxConsecutiveDrops and maxLaggingDuration are the slow-consumer
// closure thresholds: a connection that drops this many events back to
// back, or that has been dropping events continuously for this long, is
// no longer keeping up and is closed rather than left to buffer forever.
const (
	maxConsecutiveDrops = 16
	maxLaggingDuration  = 5 * time.Second
)

// connState is Connection's position in the REGISTERED -> LAGGING ->
// CLOSED_SLOW / CLOSED_PEER state machine.
type connState int32

const (
	stateRegistered connState = iota
	stateLagging
	stateClosedSlow
	stateClosedPeer
)

// Connection is one client's SSE session.
type Connection struct {
	ID       string
	UserID   contract.UserId
	ChatIDs  map[contract.ChatId]struct{}
	egress   chan contract.SSEEvent
	done     chan struct{}
	dropped  int64 // cumulative, for metrics/logging; never reset
	lastSeen int64 // unix nanos, updated on every successful write

	state            int32 // connState, CAS'd
	consecutiveDrops int64
	laggingSince     int64 // unix nanos; 0 means not currently lagging
}

// newConnection builds a Connection with a bounded egress buffer. chatIDs
// is the snapshot of chats the user belonged to at connect time; Hub
// refreshes it as it processes member_joined/member_left events.
func newConnection(id string, userID contract.UserId, chatIDs []contract.ChatId) *Connection {
	c := &Connection{
		ID:      id,
		UserID:  userID,
		ChatIDs: make(map[contract.ChatId]struct{}, len(chatIDs)),
		egress:  make(chan contract.SSEEvent, egressBufferDepth),
		done:    make(chan struct{}),
		state:   int32(stateRegistered),
	}
	for _, id := range chatIDs {
		c.ChatIDs[id] = struct{}{}
	}
	return c
}

// enqueue pushes event to the connection's egress buffer. If the buffer
// is full, the oldest queued event is dropped to make room and the
// connection's lagging state is updated; past maxConsecutiveDrops or
// maxLaggingDuration the connection transitions to CLOSED_SLOW and its
// serve loop is signaled to exit.
func (c *Connection) enqueue(event contract.SSEEvent) {
	select {
	case c.egress <- event:
		c.recoverFromLag()
		return
	default:
	}

	select {
	case <-c.egress:
	default:
	}
	select {
	case c.egress <- event:
	default:
	}
	c.recordDrop()
}

func (c *Connection) recordDrop() {
	atomic.AddInt64(&c.dropped, 1)
	drops := atomic.AddInt64(&c.consecutiveDrops, 1)

	now := time.Now().UnixNano()
	atomic.CompareAndSwapInt64(&c.laggingSince, 0, now)
	atomic.CompareAndSwapInt32(&c.state, int32(stateRegistered), int32(stateLagging))

	since := atomic.LoadInt64(&c.laggingSince)
	lagged := time.Duration(now - since)
	if drops >= maxConsecutiveDrops || lagged >= maxLaggingDuration {
		c.closeSlow()
	}
}

// recoverFromLag resets the drop streak once an event is enqueued
// without needing to evict anything, returning a LAGGING connection to
// REGISTERED.
func (c *Connection) recoverFromLag() {
	atomic.StoreInt64(&c.consecutiveDrops, 0)
	atomic.StoreInt64(&c.laggingSince, 0)
	atomic.CompareAndSwapInt32(&c.state, int32(stateLagging), int32(stateRegistered))
}

// closeSlow transitions the connection to CLOSED_SLOW and signals its
// serve loop to exit. A no-op if the connection already closed for any
// reason.
func (c *Connection) closeSlow() {
	if atomic.CompareAndSwapInt32(&c.state, int32(stateLagging), int32(stateClosedSlow)) ||
		atomic.CompareAndSwapInt32(&c.state, int32(stateRegistered), int32(stateClosedSlow)) {
		c.close()
	}
}

// closedSlow reports whether this connection was closed for being a
// slow consumer, as opposed to a normal client disconnect.
func (c *Connection) closedSlow() bool {
	return connState(atomic.LoadInt32(&c.state)) == stateClosedSlow
}

func (c *Connection) droppedCount() int64 {
	return atomic.LoadInt64(&c.dropped)
}

func (c *Connection) touch() {
	atomic.StoreInt64(&c.lastSeen, time.Now().UnixNano())
}

// close signals the connection's serve loop to exit. Marks the
// connection CLOSED_PEER if it wasn't already closed for some other
// reason (i.e. this is a normal disconnect, not a slow-consumer kick).
func (c *Connection) close() {
	atomic.CompareAndSwapInt32(&c.state, int32(stateRegistered), int32(stateClosedPeer))
	atomic.CompareAndSwapInt32(&c.state, int32(stateLagging), int32(stateClosedPeer))
	select {
	case <-c.done:
	default:
		close(c.done)
	}
}
