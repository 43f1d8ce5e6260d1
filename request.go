package redmux

import (
	"strconv"
	"strings"
)

// RequestConfig controls how a request behaves across connection loss and
// cancellation. The zero value awaits a connection indefinitely and is
// retransmitted across reconnects.
type RequestConfig struct {
	// CancelOnConnectionLost fails the request with ErrConnectionLost if the
	// connection drops before its reply arrives, instead of awaiting the
	// next connection.
	CancelOnConnectionLost bool `env:"CANCEL_ON_CONNECTION_LOST"`

	// CancelIfNotConnected fails the request immediately with
	// ErrNotConnected if no connection is established at submission.
	CancelIfNotConnected bool `env:"CANCEL_IF_NOT_CONNECTED"`

	// CancelIfUnresponded fails the request with ErrConnectionLost if its
	// bytes were written but the connection dropped before the reply,
	// rather than resending it on the next connection.
	CancelIfUnresponded bool `env:"CANCEL_IF_UNRESPONDED"`

	// HelloWithPriority moves a request whose first command is HELLO to the
	// front of the queue, though never ahead of bytes already written.
	HelloWithPriority bool `env:"HELLO_WITH_PRIORITY"`
}

// subscribe family commands get no ordinary reply; their acknowledgement
// arrives as a push. They therefore consume no response slot.
var noReplyCmds = map[string]bool{
	"SUBSCRIBE":    true,
	"PSUBSCRIBE":   true,
	"UNSUBSCRIBE":  true,
	"PUNSUBSCRIBE": true,
}

// Request is one or more redis commands encoded into a single byte buffer,
// submitted to a Conn as a unit. Commands pushed onto the same Request are
// written to the socket contiguously and their replies arrive back to back.
//
// A Request is not safe for concurrent use and must not be modified after
// being passed to Exec until Exec returns.
type Request struct {
	Config RequestConfig

	buf      []byte
	commands int
	noReply  int
	hello    bool

	scratch [][]byte
}

// NewRequest returns an empty Request with the given config.
func NewRequest(cfg RequestConfig) *Request {
	return &Request{Config: cfg}
}

// Hello returns a request holding a HELLO 3 command, flagged for priority
// enqueueing. If user is non-empty the protocol upgrade authenticates
// atomically with AUTH user pass.
func Hello(user, pass string) *Request {
	req := NewRequest(RequestConfig{HelloWithPriority: true})
	if user != "" {
		req.Push("HELLO", "3", "AUTH", user, pass)
	} else {
		req.Push("HELLO", "3")
	}
	return req
}

// Commands returns the number of commands encoded so far.
func (r *Request) Commands() int {
	return r.commands
}

// Replies returns the number of replies the request will receive, i.e. its
// command count minus the subscribe family commands.
func (r *Request) Replies() int {
	return r.commands - r.noReply
}

// Bytes returns the encoded buffer. The slice aliases the request's own
// storage and is invalidated by further Push calls.
func (r *Request) Bytes() []byte {
	return r.buf
}

// Reset empties the request for reuse, keeping its buffer capacity.
func (r *Request) Reset() {
	r.buf = r.buf[:0]
	r.commands = 0
	r.noReply = 0
	r.hello = false
}

// Push appends one command. Arguments are stringified by the bulk encoder,
// so slices, maps and redis-tagged structs expand to multiple bulk strings
// and types implementing BulkMarshaler encode themselves.
//
// Push panics if an argument is not encodable; encoding is in-memory and
// deterministic, so that is always a programming error.
func (r *Request) Push(verb string, args ...interface{}) {
	bulks := r.scratch[:0]
	bulks = append(bulks, []byte(verb))
	var err error
	for _, arg := range args {
		if bulks, err = appendArg(bulks, arg); err != nil {
			panic(err.Error())
		}
	}
	r.pushBulks(verb, bulks)
	r.scratch = bulks[:0]
}

// PushRange appends one command whose arguments are the verb, an optional
// key, and every element of rng, a slice or map. Map entries contribute a
// field bulk followed by a value bulk in iteration order.
func (r *Request) PushRange(verb, key string, rng interface{}) {
	bulks := r.scratch[:0]
	bulks = append(bulks, []byte(verb))
	if key != "" {
		bulks = append(bulks, []byte(key))
	}
	var err error
	if bulks, err = appendArg(bulks, rng); err != nil {
		panic(err.Error())
	}
	r.pushBulks(verb, bulks)
	r.scratch = bulks[:0]
}

// pushBulks writes "*<N>\r\n" followed by each bulk as "$<len>\r\n<b>\r\n"
// and does the command accounting.
func (r *Request) pushBulks(verb string, bulks [][]byte) {
	r.buf = append(r.buf, '*')
	r.buf = strconv.AppendInt(r.buf, int64(len(bulks)), 10)
	r.buf = append(r.buf, '\r', '\n')
	for _, b := range bulks {
		r.buf = append(r.buf, '$')
		r.buf = strconv.AppendInt(r.buf, int64(len(b)), 10)
		r.buf = append(r.buf, '\r', '\n')
		r.buf = append(r.buf, b...)
		r.buf = append(r.buf, '\r', '\n')
	}

	verb = strings.ToUpper(verb)
	if noReplyCmds[verb] {
		r.noReply++
	}
	if r.commands == 0 && verb == "HELLO" {
		r.hello = true
	}
	r.commands++
}
