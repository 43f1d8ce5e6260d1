// Package resp3 implements an incremental parser for the RESP3 protocol, the
// wire protocol spoken by redis servers since version 6.
//
// The parser does not read from a socket itself. Bytes are handed to it with
// Feed as they arrive, and complete top-level elements are taken off it with
// Next as flat pre-order node sequences. This split lets a connection own its
// read loop and buffer sizing while the parser only tracks framing state.
package resp3

import (
	"errors"
	"fmt"
)

// Type is an enum of the RESP3 type codes, with the values of the constants
// being the single-byte wire prefixes.
type Type byte

const (
	// TypeInvalid denotes a byte which is not a known RESP3 type code.
	TypeInvalid Type = 0

	// TypeSimpleString is the RESP3 type code for simple strings.
	TypeSimpleString Type = '+'
	// TypeSimpleError is the RESP3 type code for simple errors.
	TypeSimpleError Type = '-'
	// TypeNumber is the RESP3 type code for integers.
	TypeNumber Type = ':'
	// TypeDouble is the RESP3 type code for doubles.
	TypeDouble Type = ','
	// TypeBoolean is the RESP3 type code for booleans.
	TypeBoolean Type = '#'
	// TypeBigNumber is the RESP3 type code for big numbers.
	TypeBigNumber Type = '('
	// TypeNull is the RESP3 type code for null.
	TypeNull Type = '_'
	// TypeBlobString is the RESP3 type code for blob strings.
	TypeBlobString Type = '$'
	// TypeBlobError is the RESP3 type code for blob errors.
	TypeBlobError Type = '!'
	// TypeVerbatimString is the RESP3 type code for verbatim strings.
	TypeVerbatimString Type = '='
	// TypeStreamedStringPart is the RESP3 type code for chunks of a streamed
	// blob string.
	TypeStreamedStringPart Type = ';'
	// TypeArray is the RESP3 type code for arrays.
	TypeArray Type = '*'
	// TypeSet is the RESP3 type code for sets.
	TypeSet Type = '~'
	// TypeMap is the RESP3 type code for maps.
	TypeMap Type = '%'
	// TypeAttribute is the RESP3 type code for attributes.
	TypeAttribute Type = '|'
	// TypePush is the RESP3 type code for server pushes.
	TypePush Type = '>'
	// TypeEnd is the RESP3 type code terminating a streamed aggregate.
	TypeEnd Type = '.'
)

var typeTable = [256]Type{
	TypeSimpleString:       TypeSimpleString,
	TypeSimpleError:        TypeSimpleError,
	TypeNumber:             TypeNumber,
	TypeDouble:             TypeDouble,
	TypeBoolean:            TypeBoolean,
	TypeBigNumber:          TypeBigNumber,
	TypeNull:               TypeNull,
	TypeBlobString:         TypeBlobString,
	TypeBlobError:          TypeBlobError,
	TypeVerbatimString:     TypeVerbatimString,
	TypeStreamedStringPart: TypeStreamedStringPart,
	TypeArray:              TypeArray,
	TypeSet:                TypeSet,
	TypeMap:                TypeMap,
	TypeAttribute:          TypeAttribute,
	TypePush:               TypePush,
	TypeEnd:                TypeEnd,
}

// String implements the fmt.Stringer interface.
func (t Type) String() string {
	if t == TypeInvalid {
		return "invalid"
	}
	return string(t)
}

// IsAggregate returns true for types whose elements carry child elements
// rather than a payload.
func (t Type) IsAggregate() bool {
	switch t {
	case TypeArray, TypeSet, TypeMap, TypeAttribute, TypePush:
		return true
	}
	return false
}

// IsError returns true for the two error types.
func (t Type) IsError() bool {
	return t == TypeSimpleError || t == TypeBlobError
}

// SizeStreaming marks a blob or aggregate whose size was declared unknown on
// the wire ("?"). Such an element is terminated by a zero-sized chunk (blobs)
// or an end marker (aggregates) instead of a child count.
const SizeStreaming = -1

// Node is a single element of a response tree. A full tree is a pre-order
// sequence of Nodes: an aggregate at depth d with Size n is immediately
// followed by its n children at depth d+1.
//
// For maps and attributes Size counts individual child nodes, so a map of n
// field-value pairs has Size 2*n.
//
// Value is only set on leaf nodes and aliases memory owned by the Node, not
// the parser's read buffer.
type Node struct {
	Type  Type
	Depth int
	Size  int
	Value []byte
}

// Subtree returns the length of the subtree rooted at nodes[0], in nodes.
// It is at least 1 for any non-empty input.
func Subtree(nodes []Node) int {
	if len(nodes) == 0 {
		return 0
	}
	d := nodes[0].Depth
	for i := 1; i < len(nodes); i++ {
		if nodes[i].Depth <= d {
			return i
		}
	}
	return len(nodes)
}

// Parse errors. All of them indicate that the stream is no longer framed and
// the connection they came from must be discarded.
var (
	// ErrInvalidTypeByte is returned when an element begins with an unknown
	// type code.
	ErrInvalidTypeByte = errors.New("resp3: invalid type byte")

	// ErrExpectedNewline is returned when a header or payload is not
	// terminated by CRLF.
	ErrExpectedNewline = errors.New("resp3: expected \\r\\n")

	// ErrNotANumber is returned when a numeric header is malformed.
	ErrNotANumber = errors.New("resp3: not a number")

	// ErrExceedsMaxSize is returned when an element is larger than the
	// configured MaxSize.
	ErrExceedsMaxSize = errors.New("resp3: element exceeds max size")

	// ErrUnexpectedEOF is returned by CloseEOF when the stream ends in the
	// middle of an element.
	ErrUnexpectedEOF = errors.New("resp3: unexpected EOF mid element")

	// ErrStreamViolation is returned when a chunk or end marker appears
	// outside the streamed element it would terminate.
	ErrStreamViolation = errors.New("resp3: stream marker outside streamed element")
)

func errInvalidType(b byte) error {
	return fmt.Errorf("%w: %q", ErrInvalidTypeByte, b)
}
