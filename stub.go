package redmux

import (
	"bytes"
	"errors"
	"fmt"
	"math/big"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/redmux/redmux/internal/bytesutil"
	"github.com/redmux/redmux/resp3"
)

type stubAddr struct {
	network, addr string
}

func (sa stubAddr) Network() string { return sa.network }
func (sa stubAddr) String() string  { return sa.addr }

// Reply value wrappers understood by a Stub's callback, for the wire types
// plain Go values don't distinguish.
type (
	// Simple encodes as a simple string rather than a blob.
	Simple string

	// Verbatim encodes as a verbatim string with a txt: prefix.
	Verbatim string

	// BlobError encodes as a blob error.
	BlobError string

	// SetReply encodes its elements as a set.
	SetReply []interface{}

	// MapReply encodes its elements, taken pairwise, as a map.
	MapReply []interface{}

	// PushMsg encodes its elements as a push. It can be returned from the
	// callback or injected out of band with Stub.Push.
	PushMsg []interface{}

	// Raw is written to the stream verbatim, the escape hatch for exotic
	// framing like streamed strings.
	Raw []byte
)

// NoReply can be returned from a Stub callback to suppress the reply
// entirely, the way a real server handles the subscribe family.
var NoReply = &struct{}{}

// CloseConn can be returned from a Stub callback to close the connection
// from the server side, the way QUIT does.
var CloseConn = &struct{}{}

// Stub is an in-memory net.Conn which pretends to be a redis server. Every
// command written to it is decoded into its argument strings and handed to
// the callback; the callback's return value is encoded as RESP3 and buffered
// for the next Read. Pushes can be injected at any time with Push.
//
// This makes it easy to exercise the full engine, multiplexing and all,
// without a server:
//
//	stub := NewStub(func(args []string) interface{} {
//		switch args[0] {
//		case "GET":
//			return m[args[1]]
//		case "SET":
//			m[args[1]] = args[2]
//			return Simple("OK")
//		default:
//			return fmt.Errorf("ERR unknown command %q", args[0])
//		}
//	})
type Stub struct {
	fn func(args []string) interface{}

	bufL   *sync.Cond
	buf    *bytes.Buffer
	parser resp3.Parser
	closed bool
}

// NewStub returns a Stub serving requests through fn.
func NewStub(fn func(args []string) interface{}) *Stub {
	return &Stub{
		fn:   fn,
		bufL: sync.NewCond(new(sync.Mutex)),
		buf:  new(bytes.Buffer),
	}
}

// Write decodes the written commands and services each through the
// callback. It implements net.Conn.
func (s *Stub) Write(p []byte) (int, error) {
	s.bufL.L.Lock()
	defer s.bufL.L.Unlock()
	if s.closed {
		return 0, s.err("write", errStubClosed)
	}

	s.parser.Feed(p)
	for {
		tree, err := s.parser.Next()
		if err != nil {
			return 0, s.err("write", err)
		}
		if tree == nil {
			break
		}
		args := make([]string, 0, len(tree)-1)
		for _, n := range tree[1:] {
			args = append(args, string(n.Value))
		}
		ret := s.fn(args)
		if ret == NoReply {
			continue
		}
		if ret == CloseConn {
			s.closeLocked()
			break
		}
		if err := encodeStubValue(s.buf, ret); err != nil {
			return 0, s.err("write", err)
		}
	}
	s.bufL.Broadcast()
	return len(p), nil
}

// Read blocks until reply bytes are buffered or the Stub is closed. It
// implements net.Conn.
func (s *Stub) Read(p []byte) (int, error) {
	s.bufL.L.Lock()
	defer s.bufL.L.Unlock()
	for s.buf.Len() == 0 {
		if s.closed {
			return 0, s.err("read", errStubClosed)
		}
		s.bufL.Wait()
	}
	return s.buf.Read(p)
}

// Push injects a server push built from vals, waking any blocked Read.
func (s *Stub) Push(vals ...interface{}) {
	s.bufL.L.Lock()
	defer s.bufL.L.Unlock()
	if s.closed {
		return
	}
	if err := encodeStubValue(s.buf, PushMsg(vals)); err != nil {
		panic("redmux: bad stub push: " + err.Error())
	}
	s.bufL.Broadcast()
}

// Inject writes raw bytes straight into the reply stream.
func (s *Stub) Inject(b []byte) {
	s.bufL.L.Lock()
	defer s.bufL.L.Unlock()
	s.buf.Write(b)
	s.bufL.Broadcast()
}

// Close implements net.Conn. Blocked Reads return a *net.OpError for use of
// a closed connection, not io.EOF.
func (s *Stub) Close() error {
	s.bufL.L.Lock()
	defer s.bufL.L.Unlock()
	if s.closed {
		return s.err("close", errStubClosed)
	}
	s.closeLocked()
	return nil
}

func (s *Stub) closeLocked() {
	s.closed = true
	s.bufL.Broadcast()
}

func (s *Stub) LocalAddr() net.Addr              { return stubAddr{"tcp", "localhost:0"} }
func (s *Stub) RemoteAddr() net.Addr             { return stubAddr{"tcp", "localhost:6379"} }
func (s *Stub) SetDeadline(time.Time) error      { return nil }
func (s *Stub) SetReadDeadline(time.Time) error  { return nil }
func (s *Stub) SetWriteDeadline(time.Time) error { return nil }

var errStubClosed = errors.New("use of closed network connection")

func (s *Stub) err(op string, err error) error {
	return &net.OpError{
		Op:   op,
		Net:  "tcp",
		Addr: s.RemoteAddr(),
		Err:  err,
	}
}

func encodeStubValue(buf *bytes.Buffer, v interface{}) error {
	writeBlob := func(prefix byte, b []byte) {
		buf.WriteByte(prefix)
		buf.WriteString(strconv.Itoa(len(b)))
		buf.WriteString("\r\n")
		buf.Write(b)
		buf.WriteString("\r\n")
	}
	writeAgg := func(prefix byte, n int, vals []interface{}) error {
		buf.WriteByte(prefix)
		buf.WriteString(strconv.Itoa(n))
		buf.WriteString("\r\n")
		for _, el := range vals {
			if err := encodeStubValue(buf, el); err != nil {
				return err
			}
		}
		return nil
	}

	switch v := v.(type) {
	case nil:
		buf.WriteString("_\r\n")
	case Raw:
		buf.Write(v)
	case Simple:
		fmt.Fprintf(buf, "+%s\r\n", string(v))
	case Verbatim:
		writeBlob('=', append([]byte("txt:"), v...))
	case BlobError:
		writeBlob('!', []byte(v))
	case error:
		fmt.Fprintf(buf, "-%s\r\n", v.Error())
	case string:
		writeBlob('$', []byte(v))
	case []byte:
		writeBlob('$', v)
	case bool:
		if v {
			buf.WriteString("#t\r\n")
		} else {
			buf.WriteString("#f\r\n")
		}
	case float64:
		fmt.Fprintf(buf, ",%s\r\n", strconv.FormatFloat(v, 'f', -1, 64))
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		fmt.Fprintf(buf, ":%d\r\n", bytesutil.AnyIntToInt64(v))
	case *big.Int:
		fmt.Fprintf(buf, "(%s\r\n", v.String())
	case []interface{}:
		return writeAgg('*', len(v), v)
	case []string:
		vv := make([]interface{}, len(v))
		for i := range v {
			vv[i] = v[i]
		}
		return writeAgg('*', len(vv), vv)
	case SetReply:
		return writeAgg('~', len(v), v)
	case MapReply:
		if len(v)%2 != 0 {
			return errors.New("map reply needs an even number of elements")
		}
		return writeAgg('%', len(v)/2, v)
	case PushMsg:
		return writeAgg('>', len(v), v)
	default:
		return fmt.Errorf("can not encode stub value of type %T", v)
	}
	return nil
}
