package redmux

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	. "testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/redmux/redmux/resp3"
)

func testCfg() Config {
	cfg := DefaultConfig()
	cfg.ReconnectWait = 0
	cfg.HealthCheckInterval = 0
	return cfg
}

// cmdLog records the commands a stub services, i.e. wire arrival order.
type cmdLog struct {
	sync.Mutex
	cmds []string
}

func (l *cmdLog) add(args []string) {
	l.Lock()
	defer l.Unlock()
	l.cmds = append(l.cmds, strings.Join(args, " "))
}

func (l *cmdLog) snapshot() []string {
	l.Lock()
	defer l.Unlock()
	return append([]string(nil), l.cmds...)
}

// echoHandler behaves enough like a server for most engine tests.
func echoHandler(log *cmdLog) func([]string) interface{} {
	m := map[string]string{}
	var mLock sync.Mutex
	return func(args []string) interface{} {
		if log != nil {
			log.add(args)
		}
		switch strings.ToUpper(args[0]) {
		case "HELLO":
			return MapReply{"server", "stub", "proto", 3}
		case "PING":
			if len(args) > 1 {
				return args[1]
			}
			return Simple("PONG")
		case "ECHO":
			return args[1]
		case "SET":
			mLock.Lock()
			defer mLock.Unlock()
			m[args[1]] = args[2]
			return Simple("OK")
		case "GET":
			mLock.Lock()
			defer mLock.Unlock()
			v, ok := m[args[1]]
			if !ok {
				return nil
			}
			return v
		case "QUIT":
			return Simple("OK")
		default:
			return fmt.Errorf("ERR unknown command %q", args[0])
		}
	}
}

// startConn spins up a Conn dialing the given stub and returns a channel
// carrying Run's result.
func startConn(t *T, stub *Stub, opts ...Opt) (*Conn, chan error) {
	t.Helper()
	return startConnDial(t, func(context.Context, string, string) (net.Conn, error) {
		return stub, nil
	}, opts...)
}

func startConnDial(t *T, dial DialFunc, opts ...Opt) (*Conn, chan error) {
	t.Helper()
	c := NewConn(append([]Opt{ConnConfig(testCfg()), ConnDialFunc(dial)}, opts...)...)
	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	done := make(chan struct{})
	go func() {
		runErr <- c.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Error("Run did not return after cancel")
		}
	})
	return c, runErr
}

func waitFor(t *T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func waitConnected(t *T, c *Conn) {
	t.Helper()
	waitFor(t, "connection", func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.sess != nil
	})
}

func (c *Conn) queueLen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.q.entries)
}

func TestExecBasic(t *T) {
	c, _ := startConn(t, NewStub(echoHandler(nil)))
	waitConnected(t, c)

	req := NewRequest(RequestConfig{})
	req.Push("SET", "foo", "bar")
	req.Push("GET", "foo")
	var ok, val string
	n, err := c.Exec(context.Background(), req, NewSink(Into(&ok), Into(&val)))
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, "OK", ok)
	assert.Equal(t, "bar", val)
}

// invariant: a byte string round-trips exactly, embedded CRLF and NUL
// included
func TestExecBinaryRoundTrip(t *T) {
	c, _ := startConn(t, NewStub(echoHandler(nil)))
	waitConnected(t, c)

	payload := "Hello\r\nworld\x00 \r\n$5\r\n"
	req := NewRequest(RequestConfig{})
	req.Push("SET", "k", payload)
	req.Push("GET", "k")
	var got string
	_, err := c.Exec(context.Background(), req, NewSink(Ignore(), Into(&got)))
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

// every submitter's commands must appear on the wire in its own submission
// order, however the streams interleave
func TestExecConcurrentOrdering(t *T) {
	log := new(cmdLog)
	c, _ := startConn(t, NewStub(echoHandler(log)))
	waitConnected(t, c)

	const workers, perWorker = 8, 10
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				in := fmt.Sprintf("w%d-%d", w, i)
				req := NewRequest(RequestConfig{})
				req.Push("ECHO", in)
				var out string
				_, err := c.Exec(context.Background(), req, NewSink(Into(&out)))
				assert.NoError(t, err)
				assert.Equal(t, in, out)
			}
		}(w)
	}
	wg.Wait()

	perWorkerSeen := make(map[int]int, workers)
	for _, cmd := range log.snapshot() {
		var w, i int
		if _, err := fmt.Sscanf(cmd, "ECHO w%d-%d", &w, &i); err != nil {
			continue
		}
		assert.Equal(t, perWorkerSeen[w], i, "worker %d reordered", w)
		perWorkerSeen[w]++
	}
	for w := 0; w < workers; w++ {
		assert.Equal(t, perWorker, perWorkerSeen[w])
	}
}

// a priority HELLO jumps unwritten requests but nothing already on the
// wire
func TestHelloPriorityOrdering(t *T) {
	log := new(cmdLog)
	stub := NewStub(echoHandler(log))
	release := make(chan struct{})
	c, _ := startConnDial(t, func(context.Context, string, string) (net.Conn, error) {
		<-release
		return stub, nil
	})

	exec := func(req *Request, sink *Sink) chan error {
		errCh := make(chan error, 1)
		go func() {
			_, err := c.Exec(context.Background(), req, sink)
			errCh <- err
		}()
		return errCh
	}

	r1 := NewRequest(RequestConfig{})
	r1.Push("PING", "req1")
	e1 := exec(r1, nil)
	waitFor(t, "r1 queued", func() bool { return c.queueLen() == 1 })

	r2 := NewRequest(RequestConfig{})
	r2.Push("HELLO", "3")
	r2.Push("PING", "req2")
	r2.Push("QUIT")
	e2 := exec(r2, nil)
	waitFor(t, "r2 queued", func() bool { return c.queueLen() == 2 })

	r3 := NewRequest(RequestConfig{HelloWithPriority: true})
	r3.Push("HELLO", "3")
	r3.Push("PING", "req3")
	e3 := exec(r3, nil)
	waitFor(t, "r3 queued", func() bool { return c.queueLen() == 3 })

	close(release)
	for i, errCh := range []chan error{e1, e2, e3} {
		select {
		case err := <-errCh:
			assert.NoError(t, err, "request %d", i+1)
		case <-time.After(2 * time.Second):
			t.Fatalf("request %d did not complete", i+1)
		}
	}

	assert.Equal(t, []string{
		"HELLO 3",
		"PING req3",
		"PING req1",
		"HELLO 3",
		"PING req2",
		"QUIT",
	}, log.snapshot())
}

// a reply whose shape does not match its slot fails that slot only
func TestExecWrongResponseShape(t *T) {
	c, _ := startConn(t, NewStub(echoHandler(nil)))
	waitConnected(t, c)

	req := NewRequest(RequestConfig{})
	req.Push("HELLO", "3")
	req.Push("QUIT")
	var n int64
	sink := NewSink(Ignore(), Into(&n))
	written, err := c.Exec(context.Background(), req, sink)
	assert.Equal(t, 2, written)
	assert.ErrorIs(t, err, ErrNotANumber)
	assert.NoError(t, sink.SlotErr(0))
	assert.ErrorIs(t, sink.SlotErr(1), ErrNotANumber)
}

func TestExecNotConnected(t *T) {
	c := NewConn(ConnConfig(testCfg()))

	req := NewRequest(RequestConfig{CancelIfNotConnected: true})
	req.Push("HELLO", "3")
	req.Push("PING")
	_, err := c.Exec(context.Background(), req, nil)
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.Zero(t, c.queueLen())

	// without the flag the request awaits a connection instead
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	req2 := NewRequest(RequestConfig{})
	req2.Push("PING")
	_, err = c.Exec(ctx, req2, nil)
	assert.ErrorIs(t, err, ErrCancelled)
}

// a MULTI/EXEC transaction in one request, the EXEC reply adapted through
// a tuple
func TestExecTransactionTuple(t *T) {
	stub := NewStub(func(args []string) interface{} {
		switch strings.ToUpper(args[0]) {
		case "MULTI":
			return Simple("OK")
		case "EXEC":
			return []interface{}{
				"one",
				[]interface{}{"a", "b"},
				MapReply{"k", "v"},
			}
		default:
			return Simple("QUEUED")
		}
	})
	c, _ := startConn(t, stub)
	waitConnected(t, c)

	req := NewRequest(RequestConfig{})
	req.Push("MULTI")
	req.Push("GET", "key1")
	req.PushRange("LRANGE", "key2", []int{0, -1})
	req.Push("HGETALL", "key3")
	req.Push("EXEC")

	var get string
	var lrange []string
	var hgetall map[string]string
	sink := NewSink(
		Ignore(), Ignore(), Ignore(), Ignore(),
		Tuple(Opt(Into(&get)), Opt(Seq(&lrange)), Opt(MapInto(&hgetall))),
	)
	_, err := c.Exec(context.Background(), req, sink)
	require.NoError(t, err)
	assert.Equal(t, "one", get)
	assert.Equal(t, []string{"a", "b"}, lrange)
	assert.Equal(t, map[string]string{"k": "v"}, hgetall)
}

// a streamed blob string reassembles transparently
func TestExecStreamedBlob(t *T) {
	stub := NewStub(func(args []string) interface{} {
		if strings.ToUpper(args[0]) == "GET" {
			return Raw("$?\r\n;4\r\nHell\r\n;5\r\no wor\r\n;1\r\nd\r\n;0\r\n")
		}
		return Simple("OK")
	})
	c, _ := startConn(t, stub)
	waitConnected(t, c)

	req := NewRequest(RequestConfig{})
	req.Push("GET", "stream")
	var got string
	_, err := c.Exec(context.Background(), req, NewSink(Into(&got)))
	require.NoError(t, err)
	assert.Equal(t, "Hello word", got)
}

// pushes interleave with pipelined replies without disturbing them
func TestServerPushDuringPipeline(t *T) {
	stub := NewStub(func(args []string) interface{} {
		switch strings.ToUpper(args[0]) {
		case "SUBSCRIBE":
			return NoReply
		case "PING":
			return args[1]
		}
		return Simple("OK")
	})
	c, _ := startConn(t, stub)
	waitConnected(t, c)

	sub := NewRequest(RequestConfig{})
	sub.Push("SUBSCRIBE", "c")
	n, err := c.Exec(context.Background(), sub, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	stub.Push("subscribe", "c", 1)

	for i, tag := range []string{"one", "two", "three"} {
		if i == 1 {
			stub.Push("message", "c", "hello")
		}
		req := NewRequest(RequestConfig{})
		req.Push("PING", tag)
		var echo string
		_, err := c.Exec(context.Background(), req, NewSink(Into(&echo)))
		require.NoError(t, err)
		assert.Equal(t, tag, echo)
	}

	recv := func() []string {
		var nodes []resp3.Node
		require.NoError(t, c.Receive(context.Background(), &nodes))
		var out []string
		for _, n := range nodes[1:] {
			out = append(out, string(n.Value))
		}
		return out
	}
	assert.Equal(t, []string{"subscribe", "c", "1"}, recv())
	assert.Equal(t, []string{"message", "c", "hello"}, recv())

	// exactly one delivery per push
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	var nodes []resp3.Node
	assert.ErrorIs(t, c.Receive(ctx, &nodes), context.DeadlineExceeded)
}

func TestExecCancelUnwritten(t *T) {
	// dial never completes, so nothing is ever written
	c, _ := startConnDial(t, func(ctx context.Context, _, _ string) (net.Conn, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	req := NewRequest(RequestConfig{})
	req.Push("PING")
	_, err := c.Exec(ctx, req, nil)
	assert.ErrorIs(t, err, ErrCancelled)
	assert.Zero(t, c.queueLen())
}

// cancelling a request whose bytes are on the wire must take the session
// down, since the reply stream can no longer be matched positionally
func TestExecCancelInFlight(t *T) {
	stub := NewStub(func(args []string) interface{} {
		return NoReply // swallow everything
	})
	c, runErr := startConn(t, stub)
	waitConnected(t, c)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	req := NewRequest(RequestConfig{})
	req.Push("GET", "k")
	_, err := c.Exec(ctx, req, nil)
	assert.ErrorIs(t, err, ErrCancelled)

	select {
	case err := <-runErr:
		assert.ErrorIs(t, err, ErrCancelled)
	case <-time.After(2 * time.Second):
		t.Fatal("session survived an in-flight cancellation")
	}
}

func TestReconnectPreservesQueue(t *T) {
	log := new(cmdLog)
	silent := NewStub(func(args []string) interface{} {
		log.add(args)
		return NoReply
	})
	live := NewStub(echoHandler(nil))

	var dials int32
	dial := func(context.Context, string, string) (net.Conn, error) {
		if atomic.AddInt32(&dials, 1) == 1 {
			return silent, nil
		}
		return live, nil
	}
	cfg := testCfg()
	cfg.ReconnectWait = 10 * time.Millisecond
	c, _ := startConnDial(t, dial, ConnConfig(cfg))
	waitConnected(t, c)

	exec := func(req *Request) chan error {
		errCh := make(chan error, 1)
		go func() {
			_, err := c.Exec(context.Background(), req, nil)
			errCh <- err
		}()
		return errCh
	}

	a := NewRequest(RequestConfig{})
	a.Push("PING", "a")
	b := NewRequest(RequestConfig{CancelOnConnectionLost: true})
	b.Push("PING", "b")
	d := NewRequest(RequestConfig{CancelIfUnresponded: true})
	d.Push("PING", "d")

	aCh, bCh, dCh := exec(a), exec(b), exec(d)
	waitFor(t, "first session writes", func() bool {
		return len(log.snapshot()) == 3
	})
	silent.Close()

	// b and d fail per policy; a survives, is rewound, and is answered by
	// the second session
	assert.ErrorIs(t, <-bCh, ErrConnectionLost)
	assert.ErrorIs(t, <-dCh, ErrConnectionLost)
	select {
	case err := <-aCh:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("request was not retransmitted after reconnect")
	}
	assert.GreaterOrEqual(t, atomic.LoadInt32(&dials), int32(2))
}

func TestHandshakeFailed(t *T) {
	stub := NewStub(func(args []string) interface{} {
		if strings.ToUpper(args[0]) == "HELLO" {
			return errors.New("NOPROTO unsupported protocol version")
		}
		return Simple("OK")
	})
	c, runErr := startConn(t, stub)
	waitConnected(t, c)

	_, err := c.Exec(context.Background(), Hello("", ""), nil)
	assert.ErrorIs(t, err, ErrHandshakeFailed)

	select {
	case err := <-runErr:
		assert.ErrorIs(t, err, ErrHandshakeFailed)
	case <-time.After(2 * time.Second):
		t.Fatal("session survived a failed handshake")
	}
}

func TestHealthCheckPongTimeout(t *T) {
	var healthy int32 = 1
	stub := NewStub(func(args []string) interface{} {
		if strings.ToUpper(args[0]) == "PING" && atomic.LoadInt32(&healthy) == 1 {
			return args[1]
		}
		return NoReply
	})
	cfg := testCfg()
	cfg.HealthCheckInterval = 25 * time.Millisecond
	c, runErr := startConn(t, stub, ConnConfig(cfg))
	waitConnected(t, c)

	// several intervals of answered pings keep the session up
	time.Sleep(100 * time.Millisecond)
	select {
	case err := <-runErr:
		t.Fatalf("session died while healthy: %v", err)
	default:
	}

	atomic.StoreInt32(&healthy, 0)

	// a request stranded by the teardown carries the session's actual fatal
	// error, not the generic connection-lost sentinel
	req := NewRequest(RequestConfig{CancelOnConnectionLost: true})
	req.Push("GET", "k")
	errCh := make(chan error, 1)
	go func() {
		_, err := c.Exec(context.Background(), req, nil)
		errCh <- err
	}()
	waitFor(t, "request queued", func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		for _, e := range c.q.entries {
			if e.req == req {
				return true
			}
		}
		return false
	})

	select {
	case err := <-runErr:
		assert.ErrorIs(t, err, ErrPongTimeout)
	case <-time.After(2 * time.Second):
		t.Fatal("two missed pongs did not fail the session")
	}
	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrPongTimeout)
	case <-time.After(2 * time.Second):
		t.Fatal("stranded request was not failed with the session's error")
	}
}

func TestCancelScopes(t *T) {
	t.Run("exec", func(t *T) {
		c, _ := startConnDial(t, func(ctx context.Context, _, _ string) (net.Conn, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		})
		req := NewRequest(RequestConfig{})
		req.Push("PING")
		errCh := make(chan error, 1)
		go func() {
			_, err := c.Exec(context.Background(), req, nil)
			errCh <- err
		}()
		waitFor(t, "request queued", func() bool { return c.queueLen() == 1 })

		c.Cancel(CancelExec)
		assert.ErrorIs(t, <-errCh, ErrOperationAborted)
		assert.Zero(t, c.queueLen())
	})

	t.Run("receive", func(t *T) {
		c, _ := startConn(t, NewStub(echoHandler(nil)))
		errCh := make(chan error, 1)
		go func() {
			var nodes []resp3.Node
			errCh <- c.Receive(context.Background(), &nodes)
		}()
		time.Sleep(20 * time.Millisecond)
		c.Cancel(CancelReceive)
		assert.ErrorIs(t, <-errCh, ErrOperationAborted)
	})

	t.Run("run", func(t *T) {
		c, runErr := startConn(t, NewStub(echoHandler(nil)))
		waitConnected(t, c)
		c.Cancel(CancelRun)
		select {
		case err := <-runErr:
			assert.ErrorIs(t, err, ErrOperationAborted)
		case <-time.After(2 * time.Second):
			t.Fatal("Cancel(CancelRun) did not stop Run")
		}
	})

	t.Run("all", func(t *T) {
		stub := NewStub(func([]string) interface{} { return NoReply })
		c, runErr := startConn(t, stub)
		waitConnected(t, c)

		req := NewRequest(RequestConfig{})
		req.Push("GET", "k")
		errCh := make(chan error, 1)
		go func() {
			_, err := c.Exec(context.Background(), req, nil)
			errCh <- err
		}()
		waitFor(t, "request in flight", func() bool { return c.queueLen() == 1 })

		c.Cancel(CancelAll)
		assert.ErrorIs(t, <-errCh, ErrOperationAborted)
		select {
		case <-runErr:
		case <-time.After(2 * time.Second):
			t.Fatal("Cancel(CancelAll) did not stop Run")
		}
	})
}

// pushes buffered while nobody is receiving are not lost
func TestReceiveBuffered(t *T) {
	stub := NewStub(echoHandler(nil))
	c, _ := startConn(t, stub)
	waitConnected(t, c)

	stub.Push("message", "c", "one")
	stub.Push("message", "c", "two")

	// force a round-trip so the pushes are known to be parsed
	req := NewRequest(RequestConfig{})
	req.Push("PING")
	_, err := c.Exec(context.Background(), req, nil)
	require.NoError(t, err)

	for _, exp := range []string{"one", "two"} {
		var nodes []resp3.Node
		require.NoError(t, c.Receive(context.Background(), &nodes))
		require.Len(t, nodes, 4)
		assert.Equal(t, exp, string(nodes[3].Value))
	}
}
