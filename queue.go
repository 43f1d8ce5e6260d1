package redmux

import (
	"fmt"
	"time"

	"github.com/redmux/redmux/resp3"
)

type reqState int

const (
	stateStaged reqState = iota
	stateQueued
	stateInFlight
	stateSettled
	stateCancelled
)

// queuedReq is a Request enrolled in a connection's queue together with its
// sink and per-connection bookkeeping. All fields other than doneCh are
// guarded by the Conn mutex.
type queuedReq struct {
	req  *Request
	sink *Sink

	state   reqState
	written int // bytes of req.buf claimed by the writer
	replies int // replies delivered so far

	timer  *time.Timer // handshake timeout, hello requests only
	doneCh chan struct{}
	err    error
}

func newQueuedReq(req *Request, sink *Sink) *queuedReq {
	return &queuedReq{
		req:    req,
		sink:   sink,
		state:  stateStaged,
		doneCh: make(chan struct{}),
	}
}

// settle finishes the request with the given error (nil for success) and
// wakes its submitter. Settling twice is a no-op, so a request cancelled by
// its caller can not be re-settled by a later teardown.
func (e *queuedReq) settle(err error) {
	if e.state == stateSettled || e.state == stateCancelled {
		return
	}
	if err != nil {
		e.state = stateCancelled
	} else {
		e.state = stateSettled
	}
	if e.timer != nil {
		e.timer.Stop()
	}
	e.err = err
	close(e.doneCh)
}

// reqQueue is the FIFO of unsettled requests on a connection. The head is
// always the oldest unsettled request, and replies correspond to commands in
// the order their bytes entered the wire.
type reqQueue struct {
	entries []*queuedReq
}

func (q *reqQueue) enqueue(e *queuedReq) {
	e.state = stateQueued
	q.entries = append(q.entries, e)
}

// enqueuePriority places e as early as possible, but never ahead of a
// request whose bytes have already begun writing. Reordering a request with
// bytes on the wire would break the positional matching of replies.
func (q *reqQueue) enqueuePriority(e *queuedReq) {
	e.state = stateQueued
	i := 0
	for i < len(q.entries) && q.entries[i].written > 0 {
		i++
	}
	q.entries = append(q.entries, nil)
	copy(q.entries[i+1:], q.entries[i:])
	q.entries[i] = e
}

// nextWrite claims every unwritten byte in the queue, in order, and returns
// one buffer slice per touched request plus the requests themselves. Claimed
// requests transition to in flight immediately; if the write then fails the
// session dies and teardown applies each request's policy, treating claimed
// bytes as possibly on the wire.
func (q *reqQueue) nextWrite() ([][]byte, []*queuedReq) {
	var bufs [][]byte
	var claimed []*queuedReq
	for _, e := range q.entries {
		if e.state != stateQueued && e.state != stateInFlight {
			continue
		}
		if b := e.req.Bytes(); e.written < len(b) {
			bufs = append(bufs, b[e.written:])
			e.written = len(b)
			e.state = stateInFlight
			claimed = append(claimed, e)
		}
	}
	return bufs, claimed
}

// head returns the oldest unsettled request, nil if the queue is empty.
func (q *reqQueue) head() *queuedReq {
	if len(q.entries) == 0 {
		return nil
	}
	return q.entries[0]
}

// deliverReply routes one completed reply tree into the earliest in-flight
// request's next slot. It returns the request if the reply settled it. A
// reply with no in-flight request to match is a protocol violation and is
// returned as an error, fatal to the session.
func (q *reqQueue) deliverReply(tree []resp3.Node) (*queuedReq, error) {
	e := q.head()
	if e == nil || e.state != stateInFlight {
		return nil, fmt.Errorf("redmux: reply %s with no in-flight request", tree[0].Type)
	}
	if e.sink != nil && e.replies < e.sink.Len() {
		e.sink.deliver(e.replies, tree)
	}
	e.replies++
	if e.replies < e.req.Replies() {
		return nil, nil
	}
	q.remove(e)
	e.settle(nil)
	return e, nil
}

// remove takes e out of the queue without settling it.
func (q *reqQueue) remove(e *queuedReq) {
	for i, qe := range q.entries {
		if qe == e {
			q.entries = append(q.entries[:i], q.entries[i+1:]...)
			return
		}
	}
}

// failAll settles every request satisfying pred with err and removes it.
func (q *reqQueue) failAll(err error, pred func(*queuedReq) bool) {
	kept := q.entries[:0]
	for _, e := range q.entries {
		if pred(e) {
			e.settle(err)
			continue
		}
		kept = append(kept, e)
	}
	for i := len(kept); i < len(q.entries); i++ {
		q.entries[i] = nil
	}
	q.entries = kept
}

// rewind resets the write and reply cursors of every surviving request so a
// fresh session retransmits them from their byte buffers.
func (q *reqQueue) rewind() {
	for _, e := range q.entries {
		e.state = stateQueued
		e.written = 0
		e.replies = 0
	}
}
