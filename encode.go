package redmux

import (
	"encoding"
	"fmt"
	"math"
	"math/big"
	"reflect"
	"strconv"

	"github.com/redmux/redmux/internal/bytesutil"
)

// BulkMarshaler can be implemented by argument types to control how they are
// encoded as a bulk string. MarshalBulk appends the encoding to b and returns
// the extended slice.
type BulkMarshaler interface {
	MarshalBulk(b []byte) ([]byte, error)
}

// BulkUnmarshaler can be implemented by destination types handed to Into to
// control how a string reply (blob, simple or verbatim) is decoded into them.
type BulkUnmarshaler interface {
	UnmarshalBulk(b []byte) error
}

// appendArg appends the bulk-string encoding of one command argument to
// bulks. A scalar contributes a single bulk; slices and arrays contribute
// one bulk per element, and maps and redis-tagged structs a field bulk
// followed by a value bulk per entry, so semantic containers spread across
// the argument list the way HSET and friends expect.
func appendArg(bulks [][]byte, v interface{}) ([][]byte, error) {
	if b, ok, err := scalarBulk(v); err != nil {
		return nil, err
	} else if ok {
		return append(bulks, b), nil
	}

	rv := reflect.ValueOf(v)
	for rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			if k := rv.Type().Elem().Kind(); k == reflect.Slice || k == reflect.Array ||
				k == reflect.Map || k == reflect.Struct {
				// a nil container has nothing to spread
				return bulks, nil
			}
			return append(bulks, nil), nil
		}
		rv = rv.Elem()
	}

	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		for i := 0; i < rv.Len(); i++ {
			var err error
			if bulks, err = appendArg(bulks, rv.Index(i).Interface()); err != nil {
				return nil, err
			}
		}
		return bulks, nil

	case reflect.Map:
		iter := rv.MapRange()
		for iter.Next() {
			var err error
			if bulks, err = appendArg(bulks, iter.Key().Interface()); err != nil {
				return nil, err
			}
			if bulks, err = appendArg(bulks, iter.Value().Interface()); err != nil {
				return nil, err
			}
		}
		return bulks, nil

	case reflect.Struct:
		return appendStructArg(bulks, rv)
	}

	if b, ok, err := scalarBulk(rv.Interface()); err != nil {
		return nil, err
	} else if ok {
		return append(bulks, b), nil
	}
	return nil, fmt.Errorf("redmux: %T is not encodable as a bulk string", v)
}

// scalarBulk encodes an argument which contributes exactly one bulk. ok is
// false for containers, which spread over several bulks instead.
func scalarBulk(v interface{}) ([]byte, bool, error) {
	switch v := v.(type) {
	case BulkMarshaler:
		b, err := v.MarshalBulk(nil)
		return b, true, err
	case nil:
		return nil, true, nil
	case string:
		return []byte(v), true, nil
	case []byte:
		return v, true, nil
	case bool:
		// booleans go out as the 0/1 most commands take for flags
		if v {
			return []byte{'1'}, true, nil
		}
		return []byte{'0'}, true, nil
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return strconv.AppendInt(nil, bytesutil.AnyIntToInt64(v), 10), true, nil
	case float32:
		return floatBulk(float64(v), 32), true, nil
	case float64:
		return floatBulk(v, 64), true, nil
	case *big.Int:
		return v.Append(nil, 10), true, nil
	case big.Int:
		return v.Append(nil, 10), true, nil
	case encoding.TextMarshaler:
		b, err := v.MarshalText()
		return b, true, err
	case encoding.BinaryMarshaler:
		b, err := v.MarshalBinary()
		return b, true, err
	}
	return nil, false, nil
}

// floatBulk spells floats the way the server parses them: redis wants
// "inf"/"-inf" where Go would print "+Inf"/"-Inf".
func floatBulk(f float64, bits int) []byte {
	switch {
	case math.IsInf(f, 1):
		return []byte("inf")
	case math.IsInf(f, -1):
		return []byte("-inf")
	}
	return strconv.AppendFloat(nil, f, 'f', -1, bits)
}

// appendStructArg spreads a struct as field-value bulk pairs. The redis
// struct tag renames a field, "-" drops it, and fields promoted from
// embedded structs spread as if declared inline.
func appendStructArg(bulks [][]byte, rv reflect.Value) ([][]byte, error) {
	for _, field := range reflect.VisibleFields(rv.Type()) {
		if field.Anonymous || !field.IsExported() {
			continue
		}
		name := field.Name
		if tag := field.Tag.Get("redis"); tag == "-" {
			continue
		} else if tag != "" {
			name = tag
		}
		fv, err := rv.FieldByIndexErr(field.Index)
		if err != nil {
			// promoted through a nil embedded pointer
			continue
		}
		bulks = append(bulks, []byte(name))
		if bulks, err = appendArg(bulks, fv.Interface()); err != nil {
			return nil, err
		}
	}
	return bulks, nil
}
