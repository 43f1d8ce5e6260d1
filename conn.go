package redmux

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/redmux/redmux/resp3"
)

// CancelScope names the group of outstanding operations a Cancel call fails.
type CancelScope int

const (
	// CancelExec fails queued requests whose bytes have not been written.
	// Requests already on the wire can not be recalled.
	CancelExec CancelScope = iota
	// CancelReceive fails waiting Receive calls.
	CancelReceive
	// CancelRun closes the socket and stops the Run loop; outstanding
	// requests fail per their per-request policy.
	CancelRun
	// CancelAll fails everything, including requests already on the wire.
	CancelAll
)

// Conn is a multiplexed connection to a redis server. It is created with
// NewConn, driven by a single Run call, and used concurrently from any
// number of goroutines through Exec and Receive.
type Conn struct {
	cfg    Config
	log    *zap.Logger
	dialFn DialFunc
	addrFn AddrFunc

	mu      sync.Mutex
	q       reqQueue
	sess    *session
	running bool
	runStop bool

	pushQ    [][]resp3.Node
	pushWake chan struct{}
	recvErr  error

	wakeCh chan struct{}
}

// NewConn returns a Conn for the given options. The Conn does no I/O until
// Run is called.
func NewConn(opts ...Opt) *Conn {
	c := &Conn{
		cfg:      DefaultConfig(),
		log:      zap.NewNop(),
		dialFn:   DefaultDialFunc,
		pushWake: make(chan struct{}),
		wakeCh:   make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.addrFn == nil {
		c.addrFn = func(context.Context) (string, string, error) {
			return "tcp", "127.0.0.1:6379", nil
		}
	}
	return c
}

// session is one TCP connection's worth of state: the socket, the parser and
// the first fatal error. A Conn goes through many sessions over its life.
type session struct {
	nc     net.Conn
	parser resp3.Parser

	failOnce sync.Once
	err      error
	closedCh chan struct{}
}

func newSession(nc net.Conn) *session {
	return &session{
		nc:       nc,
		closedCh: make(chan struct{}),
	}
}

// fail records the session's first fatal error and closes the socket,
// unblocking the reader and writer.
func (s *session) fail(err error) {
	s.failOnce.Do(func() {
		s.err = err
		s.nc.Close()
		close(s.closedCh)
	})
}

// Run drives the connection: it dials, pumps bytes both ways, health-checks,
// and redials after ReconnectWait whenever the session dies. It returns when
// ctx is cancelled or Cancel(CancelRun) is called, with the last session's
// fatal error if there was one.
//
// Only one Run may be active at a time.
func (c *Conn) Run(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return errors.New("redmux: Run already active")
	}
	c.running = true
	c.runStop = false
	c.recvErr = nil
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.running = false
		if c.recvErr == nil {
			c.recvErr = ErrConnectionLost
		}
		close(c.pushWake)
		c.pushWake = make(chan struct{})
		c.mu.Unlock()
	}()

	for {
		err := c.runSession(ctx)
		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}
		c.mu.Lock()
		stop := c.runStop
		c.mu.Unlock()
		if stop || c.cfg.ReconnectWait <= 0 {
			return err
		}
		c.log.Info("reconnecting",
			zap.Error(err),
			zap.Duration("wait", c.cfg.ReconnectWait))
		select {
		case <-time.After(c.cfg.ReconnectWait):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// runSession dials one TCP session and runs its writer, reader and health
// loops to completion. On return the queue has been swept per each request's
// connection-loss policy and survivors rewound for retransmission.
func (c *Conn) runSession(ctx context.Context) error {
	network, addr, err := c.addrFn(ctx)
	if err != nil {
		return err
	}
	nc, err := c.dialFn(ctx, network, addr)
	if err != nil {
		return err
	}

	sess := newSession(nc)
	sess.parser.MaxSize = c.cfg.ReadBufferMax

	c.mu.Lock()
	c.sess = sess
	c.mu.Unlock()
	c.wakeWriter()
	c.log.Debug("session established", zap.String("addr", addr))

	stop := context.AfterFunc(ctx, func() {
		sess.fail(ctx.Err())
	})
	defer stop()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		c.writer(sess)
	}()
	go func() {
		defer wg.Done()
		c.reader(sess)
	}()
	if c.cfg.HealthCheckInterval > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.healthLoop(sess)
		}()
	}
	wg.Wait()

	c.mu.Lock()
	c.sess = nil
	err = sess.err
	// requests failed by the sweep carry the session's actual fatal error
	// (pong timeout, handshake failure, ...), not a collapsed sentinel
	cause := err
	if cause == nil {
		cause = ErrConnectionLost
	}
	c.q.failAll(cause, func(e *queuedReq) bool {
		if e.req.Config.CancelOnConnectionLost {
			return true
		}
		return e.written > 0 && e.req.Config.CancelIfUnresponded
	})
	c.q.rewind()
	c.mu.Unlock()

	c.log.Debug("session ended", zap.Error(err))
	return err
}

func (c *Conn) wakeWriter() {
	select {
	case c.wakeCh <- struct{}{}:
	default:
	}
}

// writer coalesces every unwritten byte in the queue into single socket
// writes. It never waits for replies, which is what makes concurrent
// submitters see their commands pipelined.
func (c *Conn) writer(sess *session) {
	for {
		c.mu.Lock()
		bufs, claimed := c.q.nextWrite()
		for _, e := range claimed {
			if e.req.hello && c.cfg.HandshakeTimeout > 0 {
				c.armHandshakeTimer(sess, e)
			}
		}
		c.mu.Unlock()

		if len(bufs) == 0 {
			select {
			case <-c.wakeCh:
				continue
			case <-sess.closedCh:
				return
			}
		}

		nb := net.Buffers(bufs)
		if _, err := nb.WriteTo(sess.nc); err != nil {
			sess.fail(fmt.Errorf("%w: %v", ErrConnectionLost, err))
			return
		}

		// requests made up entirely of subscribe family commands expect no
		// reply and settle as soon as their bytes are out
		c.mu.Lock()
		for _, e := range claimed {
			if e.state == stateInFlight && e.req.Replies() == 0 && e.replies == 0 {
				c.q.remove(e)
				e.settle(nil)
			}
		}
		c.mu.Unlock()
	}
}

// armHandshakeTimer fails both the hello request and the session if the
// server does not answer the handshake within HandshakeTimeout. Called with
// c.mu held.
func (c *Conn) armHandshakeTimer(sess *session, e *queuedReq) {
	e.timer = time.AfterFunc(c.cfg.HandshakeTimeout, func() {
		c.mu.Lock()
		if e.state == stateQueued || e.state == stateInFlight {
			c.q.remove(e)
			e.settle(fmt.Errorf("%w: no reply within %v", ErrHandshakeFailed, c.cfg.HandshakeTimeout))
			sess.fail(ErrHandshakeFailed)
		}
		c.mu.Unlock()
	})
}

// reader pumps bytes from the socket into the parser and routes each
// completed top-level tree.
func (c *Conn) reader(sess *session) {
	buf := make([]byte, 8192)
	for {
		n, err := sess.nc.Read(buf)
		if n > 0 {
			sess.parser.Feed(buf[:n])
			for {
				tree, perr := sess.parser.Next()
				if perr != nil {
					c.log.Error("parse error, discarding connection", zap.Error(perr))
					sess.fail(perr)
					return
				}
				if tree == nil {
					break
				}
				if rerr := c.route(sess, tree); rerr != nil {
					sess.fail(rerr)
					return
				}
			}
		}
		if err != nil {
			if err == io.EOF {
				if eoferr := sess.parser.CloseEOF(); eoferr != nil {
					sess.fail(eoferr)
				} else {
					sess.fail(ErrConnectionLost)
				}
			} else {
				sess.fail(fmt.Errorf("%w: %v", ErrConnectionLost, err))
			}
			return
		}
	}
}

// route dispatches one completed tree: pushes go to the push channel,
// everything else to the head in-flight request. A returned error is fatal
// to the session.
func (c *Conn) route(sess *session, tree []resp3.Node) error {
	if tree[0].Type == resp3.TypePush {
		c.mu.Lock()
		c.pushQ = append(c.pushQ, tree)
		close(c.pushWake)
		c.pushWake = make(chan struct{})
		c.mu.Unlock()
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	// a rejected handshake settles its request and takes the session with it
	if e := c.q.head(); e != nil && e.state == stateInFlight &&
		e.req.hello && e.replies == 0 && replyRoot(tree).Type.IsError() {
		c.q.remove(e)
		err := fmt.Errorf("%w: %s", ErrHandshakeFailed, replyRoot(tree).Value)
		e.settle(err)
		return err
	}

	_, err := c.q.deliverReply(tree)
	return err
}

// replyRoot returns the first non-attribute node of a tree.
func replyRoot(tree []resp3.Node) resp3.Node {
	i := 0
	for i < len(tree) && tree[i].Type == resp3.TypeAttribute {
		i += resp3.Subtree(tree[i:])
	}
	if i == len(tree) {
		return tree[0]
	}
	return tree[i]
}

// Exec submits a request and suspends until it settles or ctx fires. The
// sink, if non-nil, must hold exactly req.Replies() slots and is borrowed by
// the connection until Exec returns.
//
// On success Exec returns the request's command count along with the
// combination of any per-slot adapter errors, which do not indicate a
// connection problem. A context cancellation after the request's bytes are
// on the wire tears the session down, since a committed write can not be
// recalled without breaking reply matching.
func (c *Conn) Exec(ctx context.Context, req *Request, sink *Sink) (int, error) {
	if req.Commands() == 0 {
		return 0, nil
	}
	if sink != nil && sink.Len() != req.Replies() {
		return 0, fmt.Errorf("redmux: sink has %d slots, request expects %d replies",
			sink.Len(), req.Replies())
	}

	e := newQueuedReq(req, sink)
	c.mu.Lock()
	if c.sess == nil && req.Config.CancelIfNotConnected {
		c.mu.Unlock()
		return 0, ErrNotConnected
	}
	if req.Config.HelloWithPriority && req.hello {
		c.q.enqueuePriority(e)
	} else {
		c.q.enqueue(e)
	}
	c.mu.Unlock()
	c.wakeWriter()

	select {
	case <-e.doneCh:
	case <-ctx.Done():
		c.cancelEntry(e, ctx.Err())
		<-e.doneCh
	}
	if e.err != nil {
		return 0, e.err
	}
	return req.Commands(), sink.Err()
}

// cancelEntry handles a context firing on a submitted request. An unwritten
// request is simply dequeued; one with bytes on the wire forces the session
// down to preserve positional reply matching.
func (c *Conn) cancelEntry(e *queuedReq, cause error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e.state == stateSettled || e.state == stateCancelled {
		return
	}
	c.q.remove(e)
	e.settle(fmt.Errorf("%w: %v", ErrCancelled, cause))
	if e.written > 0 && c.sess != nil {
		c.log.Warn("cancelling in-flight request, tearing down session")
		c.sess.fail(ErrCancelled)
	}
}

// Receive suspends until one server push is available or the connection
// terminates, then copies the push's node list into dst. Pushes are
// delivered in arrival order, each to exactly one Receive call.
func (c *Conn) Receive(ctx context.Context, dst *[]resp3.Node) error {
	c.mu.Lock()
	for {
		if len(c.pushQ) > 0 {
			tree := c.pushQ[0]
			c.pushQ = c.pushQ[1:]
			c.mu.Unlock()
			*dst = tree
			return nil
		}
		if c.recvErr != nil {
			err := c.recvErr
			c.mu.Unlock()
			return err
		}
		wait := c.pushWake
		c.mu.Unlock()
		select {
		case <-wait:
		case <-ctx.Done():
			return ctx.Err()
		}
		c.mu.Lock()
	}
}

// Cancel fails the outstanding operations in the given scope. It never
// blocks.
func (c *Conn) Cancel(scope CancelScope) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch scope {
	case CancelExec:
		c.q.failAll(ErrOperationAborted, func(e *queuedReq) bool {
			return e.written == 0
		})
	case CancelReceive:
		c.failReceivers()
	case CancelRun:
		c.runStop = true
		if c.sess != nil {
			c.sess.fail(ErrOperationAborted)
		}
	case CancelAll:
		c.q.failAll(ErrOperationAborted, func(*queuedReq) bool { return true })
		c.failReceivers()
		c.runStop = true
		if c.sess != nil {
			c.sess.fail(ErrOperationAborted)
		}
	}
}

// failReceivers wakes all Receive waiters with ErrOperationAborted. Called
// with c.mu held.
func (c *Conn) failReceivers() {
	c.recvErr = ErrOperationAborted
	close(c.pushWake)
	c.pushWake = make(chan struct{})
}

// Close is shorthand for Cancel(CancelAll).
func (c *Conn) Close() error {
	c.Cancel(CancelAll)
	return nil
}
