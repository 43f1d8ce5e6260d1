package redmux

import (
	"fmt"
	"math/big"
	"reflect"
	"strconv"

	"go.uber.org/multierr"

	"github.com/redmux/redmux/internal/bytesutil"
	"github.com/redmux/redmux/resp3"
)

type slotKind int

const (
	slotIgnore slotKind = iota
	slotScalar
	slotOptional
	slotSeq
	slotMap
	slotSet
	slotNodes
	slotTuple
)

// Slot describes the destination for one command's reply. A Slot is a plain
// descriptor; dispatch happens as a switch of the reply's root type tag
// against the slot kind, so new scalar destinations only need the
// BulkUnmarshaler hook, not a new Slot kind.
type Slot struct {
	kind  slotKind
	dst   interface{}
	elems []Slot
}

// Ignore returns a Slot which discards the reply. A server error reply still
// surfaces as the slot's error.
func Ignore() Slot {
	return Slot{kind: slotIgnore}
}

// Into returns a Slot converting a scalar reply (string, number, double,
// boolean, verbatim or big number) into dst, which must be a pointer to a
// string, []byte, integer, float, bool or big.Int, or implement
// BulkUnmarshaler. An aggregate reply fails with ErrIncompatibleType, and a
// server error reply surfaces as the slot's error, leaving dst untouched.
func Into(dst interface{}) Slot {
	return Slot{kind: slotScalar, dst: dst}
}

// Opt wraps a Slot so that a null reply leaves its destination untouched
// instead of failing; any other reply is delegated to the wrapped Slot.
func Opt(s Slot) Slot {
	return Slot{kind: slotOptional, elems: []Slot{s}}
}

// Seq returns a Slot appending each element of an array, set or push reply
// to dst, which must be a pointer to a slice. Elements must be scalars;
// null elements append the zero value.
func Seq(dst interface{}) Slot {
	return Slot{kind: slotSeq, dst: dst}
}

// MapInto returns a Slot converting a map reply into dst, a pointer to a Go
// map. Children are consumed as field-value pairs in encounter order.
func MapInto(dst interface{}) Slot {
	return Slot{kind: slotMap, dst: dst}
}

// SetInto returns a Slot converting a set (or array) reply into dst, a
// pointer to a map[T]struct{} or map[T]bool.
func SetInto(dst interface{}) Slot {
	return Slot{kind: slotSet, dst: dst}
}

// Nodes returns a Slot capturing the reply verbatim as its flat pre-order
// node sequence, the universal escape hatch. Server error replies are
// captured rather than surfaced as slot errors.
func Nodes(dst *[]resp3.Node) Slot {
	return Slot{kind: slotNodes, dst: dst}
}

// Tuple returns a Slot applying sub-slots positionally to the children of an
// aggregate reply, the way an EXEC reply carries one element per queued
// command.
func Tuple(slots ...Slot) Slot {
	return Slot{kind: slotTuple, elems: slots}
}

// Sink is the set of destinations for one request's replies, one Slot per
// replying command. It is borrowed by the connection for the duration of the
// Exec call and must not be read until Exec returns.
//
// Each slot carries its own error so that one failed command does not
// destroy neighbouring successful replies.
type Sink struct {
	slots []Slot
	errs  []error
	attrs [][]resp3.Node
}

// NewSink returns a Sink with the given slots. The number of slots must
// equal the request's Replies count.
func NewSink(slots ...Slot) *Sink {
	return &Sink{
		slots: slots,
		errs:  make([]error, len(slots)),
		attrs: make([][]resp3.Node, len(slots)),
	}
}

// Len returns the number of slots.
func (s *Sink) Len() int {
	if s == nil {
		return 0
	}
	return len(s.slots)
}

// SlotErr returns the error recorded for slot i, if any.
func (s *Sink) SlotErr(i int) error {
	return s.errs[i]
}

// Attr returns the attribute nodes which preceded the reply delivered to
// slot i, or nil.
func (s *Sink) Attr(i int) []resp3.Node {
	return s.attrs[i]
}

// Err combines all slot errors into one. It returns nil if every slot was
// populated cleanly.
func (s *Sink) Err() error {
	if s == nil {
		return nil
	}
	var err error
	for i := range s.errs {
		if s.errs[i] != nil {
			err = multierr.Append(err, fmt.Errorf("slot %d: %w", i, s.errs[i]))
		}
	}
	return err
}

// deliver adapts one reply tree into slot i. Attribute siblings preceding
// the reply are peeled off and retained separately.
func (s *Sink) deliver(i int, tree []resp3.Node) {
	for len(tree) > 0 && tree[0].Type == resp3.TypeAttribute {
		n := resp3.Subtree(tree)
		s.attrs[i] = append(s.attrs[i], tree[:n]...)
		tree = tree[n:]
	}
	s.errs[i] = applySlot(s.slots[i], tree)
}

func applySlot(slot Slot, tree []resp3.Node) error {
	if len(tree) == 0 {
		return fmt.Errorf("%w: empty reply", ErrUnexpectedSize)
	}
	root := tree[0]

	if root.Type.IsError() && slot.kind != slotNodes {
		return RESPError{Type: root.Type, Msg: append([]byte(nil), root.Value...)}
	}

	switch slot.kind {
	case slotIgnore:
		return nil

	case slotScalar:
		payload, ok := leafPayload(tree)
		if !ok {
			return fmt.Errorf("%w: %s reply for scalar slot", ErrIncompatibleType, root.Type)
		}
		return convertScalar(root.Type, payload, slot.dst)

	case slotOptional:
		if root.Type == resp3.TypeNull {
			return nil
		}
		return applySlot(slot.elems[0], tree)

	case slotSeq:
		switch root.Type {
		case resp3.TypeArray, resp3.TypeSet, resp3.TypePush:
		default:
			return fmt.Errorf("%w: %s reply for sequence slot", ErrIncompatibleType, root.Type)
		}
		return appendChildren(slot.dst, tree)

	case slotMap:
		if root.Type != resp3.TypeMap {
			return fmt.Errorf("%w: %s reply for mapping slot", ErrIncompatibleType, root.Type)
		}
		return insertPairs(slot.dst, tree)

	case slotSet:
		switch root.Type {
		case resp3.TypeSet, resp3.TypeArray:
		default:
			return fmt.Errorf("%w: %s reply for set slot", ErrIncompatibleType, root.Type)
		}
		return insertMembers(slot.dst, tree)

	case slotNodes:
		dst := slot.dst.(*[]resp3.Node)
		*dst = append((*dst)[:0], tree...)
		return nil

	case slotTuple:
		if !root.Type.IsAggregate() {
			return fmt.Errorf("%w: %s reply for tuple slot", ErrIncompatibleType, root.Type)
		}
		cc := children(tree)
		if len(cc) != len(slot.elems) {
			return fmt.Errorf("%w: %d children for a tuple of %d", ErrUnexpectedSize, len(cc), len(slot.elems))
		}
		var err error
		for i, child := range cc {
			if cerr := applySlot(slot.elems[i], child); cerr != nil {
				err = multierr.Append(err, fmt.Errorf("element %d: %w", i, cerr))
			}
		}
		return err
	}

	return fmt.Errorf("%w: unknown slot kind", ErrIncompatibleType)
}

// leafPayload returns the scalar payload of a tree, reassembling streamed
// blob chunks and stripping the 3-character verbatim prefix. ok is false if
// the root is an aggregate.
func leafPayload(tree []resp3.Node) ([]byte, bool) {
	root := tree[0]
	if root.Type.IsAggregate() {
		return nil, false
	}
	payload := root.Value
	if root.Size == resp3.SizeStreaming {
		payload = nil
		for _, n := range tree[1:] {
			if n.Type == resp3.TypeStreamedStringPart {
				payload = append(payload, n.Value...)
			}
		}
	}
	if root.Type == resp3.TypeVerbatimString && len(payload) >= 4 && payload[3] == ':' {
		payload = payload[4:]
	}
	return payload, true
}

// children splits a tree into the subtree of each child of the root,
// skipping attribute annotations.
func children(tree []resp3.Node) [][]resp3.Node {
	var cc [][]resp3.Node
	i := 1
	for i < len(tree) {
		n := resp3.Subtree(tree[i:])
		if tree[i].Type != resp3.TypeAttribute {
			cc = append(cc, tree[i:i+n])
		}
		i += n
	}
	return cc
}

func appendChildren(dst interface{}, tree []resp3.Node) error {
	vv := reflect.ValueOf(dst)
	if vv.Kind() != reflect.Ptr || vv.Elem().Kind() != reflect.Slice {
		return fmt.Errorf("%w: sequence destination %T is not a slice pointer", ErrIncompatibleType, dst)
	}
	sl := vv.Elem()
	var err error
	for i, child := range children(tree) {
		ev := reflect.New(sl.Type().Elem())
		if cerr := applyScalarChild(child, ev.Interface()); cerr != nil {
			err = multierr.Append(err, fmt.Errorf("element %d: %w", i, cerr))
			continue
		}
		sl = reflect.Append(sl, ev.Elem())
	}
	vv.Elem().Set(sl)
	return err
}

func insertPairs(dst interface{}, tree []resp3.Node) error {
	vv := reflect.ValueOf(dst)
	if vv.Kind() != reflect.Ptr || vv.Elem().Kind() != reflect.Map {
		return fmt.Errorf("%w: mapping destination %T is not a map pointer", ErrIncompatibleType, dst)
	}
	mt := vv.Elem().Type()
	if vv.Elem().IsNil() {
		vv.Elem().Set(reflect.MakeMap(mt))
	}
	cc := children(tree)
	if len(cc)%2 != 0 {
		return fmt.Errorf("%w: map reply with %d children", ErrUnexpectedSize, len(cc))
	}
	var err error
	for i := 0; i < len(cc); i += 2 {
		kv := reflect.New(mt.Key())
		ev := reflect.New(mt.Elem())
		if cerr := applyScalarChild(cc[i], kv.Interface()); cerr != nil {
			err = multierr.Append(err, fmt.Errorf("field %d: %w", i/2, cerr))
			continue
		}
		if cerr := applyScalarChild(cc[i+1], ev.Interface()); cerr != nil {
			err = multierr.Append(err, fmt.Errorf("value %d: %w", i/2, cerr))
			continue
		}
		vv.Elem().SetMapIndex(kv.Elem(), ev.Elem())
	}
	return err
}

func insertMembers(dst interface{}, tree []resp3.Node) error {
	vv := reflect.ValueOf(dst)
	if vv.Kind() != reflect.Ptr || vv.Elem().Kind() != reflect.Map {
		return fmt.Errorf("%w: set destination %T is not a map pointer", ErrIncompatibleType, dst)
	}
	mt := vv.Elem().Type()
	if vv.Elem().IsNil() {
		vv.Elem().Set(reflect.MakeMap(mt))
	}
	var member reflect.Value
	switch mt.Elem().Kind() {
	case reflect.Struct: // map[T]struct{}
		member = reflect.Zero(mt.Elem())
	case reflect.Bool: // map[T]bool
		member = reflect.ValueOf(true)
	default:
		return fmt.Errorf("%w: set destination %T must map to struct{} or bool", ErrIncompatibleType, dst)
	}
	var err error
	for i, child := range children(tree) {
		kv := reflect.New(mt.Key())
		if cerr := applyScalarChild(child, kv.Interface()); cerr != nil {
			err = multierr.Append(err, fmt.Errorf("member %d: %w", i, cerr))
			continue
		}
		vv.Elem().SetMapIndex(kv.Elem(), member)
	}
	return err
}

// applyScalarChild converts a child subtree, which must be a scalar or null,
// into dst. Null leaves dst as its zero value.
func applyScalarChild(child []resp3.Node, dst interface{}) error {
	root := child[0]
	if root.Type == resp3.TypeNull {
		return nil
	}
	if root.Type.IsError() {
		return RESPError{Type: root.Type, Msg: append([]byte(nil), root.Value...)}
	}
	payload, ok := leafPayload(child)
	if !ok {
		return fmt.Errorf("%w: nested %s element", ErrIncompatibleType, root.Type)
	}
	return convertScalar(root.Type, payload, dst)
}

// convertScalar converts a leaf payload into dst. Conversion is driven by
// the destination type, so a number can land in a string and a digit-only
// blob in an int.
func convertScalar(t resp3.Type, payload []byte, dst interface{}) error {
	switch d := dst.(type) {
	case nil:
		return nil
	case BulkUnmarshaler:
		return d.UnmarshalBulk(payload)
	case *string:
		*d = string(payload)
		return nil
	case *[]byte:
		*d = append((*d)[:0], payload...)
		return nil
	case *int:
		n, err := bytesutil.ParseInt(payload)
		if err != nil {
			return fmt.Errorf("%w: %q", ErrNotANumber, payload)
		}
		*d = int(n)
		return nil
	case *int64:
		n, err := bytesutil.ParseInt(payload)
		if err != nil {
			return fmt.Errorf("%w: %q", ErrNotANumber, payload)
		}
		*d = n
		return nil
	case *uint64:
		n, err := bytesutil.ParseUint(payload)
		if err != nil {
			return fmt.Errorf("%w: %q", ErrNotANumber, payload)
		}
		*d = n
		return nil
	case *float64:
		f, err := strconv.ParseFloat(string(payload), 64)
		if err != nil {
			return fmt.Errorf("%w: %q", ErrNotANumber, payload)
		}
		*d = f
		return nil
	case *bool:
		switch string(payload) {
		case "t", "1":
			*d = true
		case "f", "0":
			*d = false
		default:
			return fmt.Errorf("%w: boolean payload %q", ErrIncompatibleType, payload)
		}
		return nil
	case *big.Int:
		if _, ok := d.SetString(string(payload), 10); !ok {
			return fmt.Errorf("%w: %q", ErrNotANumber, payload)
		}
		return nil
	}

	// other primitive pointer types, e.g. *int32 out of a reflected slice
	vv := reflect.ValueOf(dst)
	if vv.Kind() == reflect.Ptr {
		el := vv.Elem()
		switch el.Kind() {
		case reflect.String:
			el.SetString(string(payload))
			return nil
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			n, err := bytesutil.ParseInt(payload)
			if err != nil {
				return fmt.Errorf("%w: %q", ErrNotANumber, payload)
			}
			el.SetInt(n)
			return nil
		case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
			n, err := bytesutil.ParseUint(payload)
			if err != nil {
				return fmt.Errorf("%w: %q", ErrNotANumber, payload)
			}
			el.SetUint(n)
			return nil
		case reflect.Float32, reflect.Float64:
			f, err := strconv.ParseFloat(string(payload), 64)
			if err != nil {
				return fmt.Errorf("%w: %q", ErrNotANumber, payload)
			}
			el.SetFloat(f)
			return nil
		}
	}
	return fmt.Errorf("%w: can not convert %s into %T", ErrIncompatibleType, t, dst)
}
