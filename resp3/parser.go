package resp3

import (
	"bytes"
	"fmt"

	"github.com/redmux/redmux/internal/bytesutil"
)

// Parser is a resumable RESP3 stream parser. Bytes go in through Feed,
// complete top-level trees come out through Next. A tree is only returned
// once every one of its nested children has been seen, so callers never
// observe a half-parsed element.
//
// The zero value is ready for use. A Parser is not safe for concurrent use.
type Parser struct {
	// MaxSize caps the payload size of a single element (a line, a blob or a
	// chunk). Zero means no cap. A stream exceeding the cap fails with
	// ErrExceedsMaxSize.
	MaxSize int

	buf []byte
	pos int

	nodes []Node
	stack []frame

	err error
}

// frame tracks one open aggregate (or streamed blob) while its children are
// still being parsed. remaining counts down to 0; SizeStreaming frames wait
// for their terminator instead.
type frame struct {
	typ       Type
	remaining int
}

// Feed appends bytes to the parser's buffer. It never fails; framing errors
// surface on the subsequent Next call.
func (p *Parser) Feed(b []byte) {
	if p.pos > 0 {
		p.buf = append(p.buf[:0], p.buf[p.pos:]...)
		p.pos = 0
	}
	p.buf = append(p.buf, b...)
}

// Buffered returns the number of unconsumed bytes held by the parser.
func (p *Parser) Buffered() int {
	return len(p.buf) - p.pos
}

// Dirty returns true if the parser is in the middle of a top-level element,
// either because it holds unconsumed bytes or because it has parsed part of a
// tree which has not completed yet.
func (p *Parser) Dirty() bool {
	return p.Buffered() > 0 || len(p.nodes) > 0 || len(p.stack) > 0
}

// CloseEOF tells the parser that the byte stream has ended. It returns
// ErrUnexpectedEOF if the stream ended mid-element, nil otherwise.
func (p *Parser) CloseEOF() error {
	if p.err != nil {
		return p.err
	}
	if p.Dirty() {
		p.err = ErrUnexpectedEOF
		return p.err
	}
	return nil
}

// Reset drops all buffered bytes and framing state, making the parser ready
// for a fresh stream.
func (p *Parser) Reset() {
	p.buf = p.buf[:0]
	p.pos = 0
	p.nodes = nil
	p.stack = p.stack[:0]
	p.err = nil
}

const (
	stepNeedMore = iota
	stepElement
	stepTree
)

// Next returns the next complete top-level tree as a pre-order node
// sequence, or (nil, nil) if the buffered bytes do not yet hold one. Once
// Next returns an error the parser is poisoned and every later call returns
// the same error; the stream is no longer framed and the connection it came
// from must be discarded.
//
// An attribute element preceding a reply is returned as part of that reply's
// tree, as leading sibling nodes at the same depth.
func (p *Parser) Next() ([]Node, error) {
	if p.err != nil {
		return nil, p.err
	}
	for {
		res, err := p.step()
		if err != nil {
			p.err = err
			return nil, err
		}
		switch res {
		case stepNeedMore:
			return nil, nil
		case stepTree:
			tree := p.nodes
			p.nodes = nil
			return tree, nil
		}
	}
}

// step parses a single element (or stream terminator) off the buffer.
func (p *Parser) step() (int, error) {
	line, ok, err := p.peekLine()
	if err != nil {
		return 0, err
	} else if !ok {
		return stepNeedMore, nil
	}

	if len(line) == 0 {
		return 0, errInvalidType('\r')
	}
	t := typeTable[line[0]]
	if t == TypeInvalid {
		return 0, errInvalidType(line[0])
	}
	header := line[1:]
	depth := len(p.stack)

	switch t {
	case TypeSimpleString, TypeSimpleError, TypeNumber, TypeDouble,
		TypeBoolean, TypeBigNumber:
		p.consumeLine(line)
		p.push(Node{Type: t, Depth: depth, Value: copyBytes(header)})
		return p.closed(t), nil

	case TypeNull:
		p.consumeLine(line)
		p.push(Node{Type: TypeNull, Depth: depth})
		return p.closed(TypeNull), nil

	case TypeBlobString, TypeBlobError, TypeVerbatimString:
		if len(header) == 1 && header[0] == '?' {
			p.consumeLine(line)
			p.stack = append(p.stack, frame{typ: t, remaining: SizeStreaming})
			p.push(Node{Type: t, Depth: depth, Size: SizeStreaming})
			return stepElement, nil
		}
		if t == TypeBlobString && bytes.Equal(header, []byte("-1")) {
			// RESP2 null bulk, still emitted by some commands after HELLO 3.
			p.consumeLine(line)
			p.push(Node{Type: TypeNull, Depth: depth})
			return p.closed(TypeNull), nil
		}
		n, err := p.headerSize(header)
		if err != nil {
			return 0, err
		}
		body, ok, err := p.peekBlob(line, n)
		if err != nil {
			return 0, err
		} else if !ok {
			return stepNeedMore, nil
		}
		p.push(Node{Type: t, Depth: depth, Value: copyBytes(body)})
		return p.closed(t), nil

	case TypeStreamedStringPart:
		f := p.top()
		if f == nil || f.remaining != SizeStreaming || f.typ.IsAggregate() {
			return 0, ErrStreamViolation
		}
		n, err := p.headerSize(header)
		if err != nil {
			return 0, err
		}
		if n == 0 {
			// zero-sized sentinel terminates the streamed blob
			p.consumeLine(line)
			p.stack = p.stack[:len(p.stack)-1]
			return p.closed(f.typ), nil
		}
		body, ok, err := p.peekBlob(line, n)
		if err != nil {
			return 0, err
		} else if !ok {
			return stepNeedMore, nil
		}
		p.push(Node{Type: TypeStreamedStringPart, Depth: depth, Value: copyBytes(body)})
		return stepElement, nil

	case TypeArray, TypeSet, TypeMap, TypeAttribute, TypePush:
		if len(header) == 1 && header[0] == '?' {
			p.consumeLine(line)
			p.stack = append(p.stack, frame{typ: t, remaining: SizeStreaming})
			p.push(Node{Type: t, Depth: depth, Size: SizeStreaming})
			return stepElement, nil
		}
		if t == TypeArray && bytes.Equal(header, []byte("-1")) {
			p.consumeLine(line)
			p.push(Node{Type: TypeNull, Depth: depth})
			return p.closed(TypeNull), nil
		}
		n, err := p.headerSize(header)
		if err != nil {
			return 0, err
		}
		if t == TypeMap || t == TypeAttribute {
			// maps and attributes declare pair counts on the wire
			n *= 2
		}
		p.consumeLine(line)
		p.push(Node{Type: t, Depth: depth, Size: n})
		if n == 0 {
			return p.closed(t), nil
		}
		p.stack = append(p.stack, frame{typ: t, remaining: n})
		return stepElement, nil

	case TypeEnd:
		f := p.top()
		if f == nil || f.remaining != SizeStreaming || !f.typ.IsAggregate() {
			return 0, ErrStreamViolation
		}
		p.consumeLine(line)
		p.stack = p.stack[:len(p.stack)-1]
		return p.closed(f.typ), nil
	}

	return 0, errInvalidType(line[0])
}

// closed accounts for a completed element of type t at the current depth. It
// returns stepTree when the element completed a top-level tree.
func (p *Parser) closed(t Type) int {
	for {
		if t == TypeAttribute {
			// an attribute annotates the element that follows it; it neither
			// counts against its parent nor completes a tree on its own
			return stepElement
		}
		if len(p.stack) == 0 {
			return stepTree
		}
		f := &p.stack[len(p.stack)-1]
		if f.remaining == SizeStreaming {
			// streamed aggregate, waits for its end marker
			return stepElement
		}
		f.remaining--
		if f.remaining > 0 {
			return stepElement
		}
		t = f.typ
		p.stack = p.stack[:len(p.stack)-1]
	}
}

func (p *Parser) push(n Node) {
	p.nodes = append(p.nodes, n)
}

func (p *Parser) top() *frame {
	if len(p.stack) == 0 {
		return nil
	}
	return &p.stack[len(p.stack)-1]
}

// peekLine returns the next CRLF-terminated line without consuming it. ok is
// false if the buffer does not hold a full line yet.
func (p *Parser) peekLine() ([]byte, bool, error) {
	b := p.buf[p.pos:]
	i := bytes.IndexByte(b, '\n')
	if i < 0 {
		if p.MaxSize > 0 && len(b) > p.MaxSize+2 {
			return nil, false, ErrExceedsMaxSize
		}
		return nil, false, nil
	}
	if i == 0 || b[i-1] != '\r' {
		return nil, false, fmt.Errorf("%w: bare \\n in %q", ErrExpectedNewline, b[:i+1])
	}
	line := b[:i-1]
	if p.MaxSize > 0 && len(line) > p.MaxSize {
		return nil, false, ErrExceedsMaxSize
	}
	return line, true, nil
}

func (p *Parser) consumeLine(line []byte) {
	p.pos += len(line) + 2
}

// peekBlob consumes the header line plus an n-byte payload and its trailing
// CRLF, returning the payload. ok is false if not enough bytes are buffered.
func (p *Parser) peekBlob(line []byte, n int) ([]byte, bool, error) {
	if p.MaxSize > 0 && n > p.MaxSize {
		return nil, false, ErrExceedsMaxSize
	}
	rest := p.buf[p.pos+len(line)+2:]
	if len(rest) < n+2 {
		return nil, false, nil
	}
	if rest[n] != '\r' || rest[n+1] != '\n' {
		return nil, false, fmt.Errorf("%w: blob payload not followed by \\r\\n", ErrExpectedNewline)
	}
	body := rest[:n]
	p.pos += len(line) + 2 + n + 2
	return body, true, nil
}

// headerSize parses the numeric portion of an element header.
func (p *Parser) headerSize(header []byte) (int, error) {
	n, err := bytesutil.ParseUint(header)
	if err != nil {
		return 0, fmt.Errorf("%w: header %q", ErrNotANumber, header)
	}
	return int(n), nil
}

func copyBytes(b []byte) []byte {
	if len(b) == 0 {
		return []byte{}
	}
	return append([]byte(nil), b...)
}
