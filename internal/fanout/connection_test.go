package fanout

import (
	"testing"

	"github.com/fechatter/realtime-core/internal/contract"
)

func TestConnection_EnqueueDropsOldestWhenFull(t *testing.T) {
	c := newConnection("c1", contract.UserId(1), nil)

	for i := 0; i < egressBufferDepth; i++ {
		c.enqueue(contract.SSEEvent{Type: contract.SSEPing})
	}
	if c.droppedCount() != 0 {
		t.Fatalf("droppedCount() = %d, want 0 before the buffer fills", c.droppedCount())
	}

	c.enqueue(contract.SSEEvent{Type: contract.SSENewMessage})
	if c.droppedCount() != 1 {
		t.Fatalf("droppedCount() = %d, want 1 after enqueueing past capacity", c.droppedCount())
	}
	if len(c.egress) != egressBufferDepth {
		t.Fatalf("egress depth = %d, want %d", len(c.egress), egressBufferDepth)
	}
}

func TestConnection_CloseIsIdempotent(t *testing.T) {
	c := newConnection("c1", contract.UserId(1), nil)
	c.close()
	c.close() // must not panic on double close

	select {
	case <-c.done:
	default:
		t.Fatal("expected done channel to be closed")
	}
}

func TestConnection_ClosesAfterConsecutiveDropThreshold(t *testing.T) {
	c := newConnection("c1", contract.UserId(1), nil)

	for i := 0; i < egressBufferDepth; i++ {
		c.enqueue(contract.SSEEvent{Type: contract.SSEPing})
	}
	for i := 0; i < maxConsecutiveDrops; i++ {
		c.enqueue(contract.SSEEvent{Type: contract.SSENewMessage})
	}

	if !c.closedSlow() {
		t.Fatal("expected connection to be CLOSED_SLOW after maxConsecutiveDrops consecutive drops")
	}
	select {
	case <-c.done:
	default:
		t.Fatal("expected done channel to be closed once the connection is marked slow")
	}
}

func TestConnection_RecoversFromLagBeforeThreshold(t *testing.T) {
	c := newConnection("c1", contract.UserId(1), nil)

	for i := 0; i < egressBufferDepth; i++ {
		c.enqueue(contract.SSEEvent{Type: contract.SSEPing})
	}
	for i := 0; i < maxConsecutiveDrops-1; i++ {
		c.enqueue(contract.SSEEvent{Type: contract.SSENewMessage})
	}
	if connState(c.state) != stateLagging {
		t.Fatal("expected connection to be LAGGING after repeated drops short of the threshold")
	}

	<-c.egress // drain one slot so the next enqueue doesn't need to evict
	c.enqueue(contract.SSEEvent{Type: contract.SSETyping})

	if connState(c.state) != stateRegistered {
		t.Fatal("expected connection to recover to REGISTERED after a non-dropping enqueue")
	}
	if c.closedSlow() {
		t.Fatal("connection should not have closed before reaching the threshold")
	}
}

func TestConnection_CloseMarksClosedPeerNotSlow(t *testing.T) {
	c := newConnection("c1", contract.UserId(1), nil)
	c.close()

	if c.closedSlow() {
		t.Fatal("a normal close should not be reported as a slow-consumer close")
	}
	if connState(c.state) != stateClosedPeer {
		t.Fatalf("state = %v, want stateClosedPeer", connState(c.state))
	}
}
