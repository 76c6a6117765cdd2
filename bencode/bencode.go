// Package bencode implements the bencode codec used by metainfo files,
// tracker responses, and BEP-10 extension messages: integers, byte
// strings, lists, and dictionaries.
package bencode

import (
	"bytes"
	"fmt"
	"maps"
	"slices"
	"strconv"
)

// Kind tags the variant held by a Value.
type Kind int

const (
	KindInt Kind = iota
	KindString
	KindList
	KindDict
)

// Value is a tagged bencode value. Dictionary keys are byte strings;
// they are stored as Go strings since bencode byte strings routinely
// hold non-UTF-8 data that we never need to treat as text beyond the
// dictionary-key case, where it is always ASCII.
type Value struct {
	kind Kind
	i    int64
	s    []byte
	list []Value
	dict map[string]Value
	// keys preserves decode (or insertion) order so a
	// round-tripped dictionary that was not already canonical can still
	// be inspected faithfully; encoding always sorts regardless.
	keys []string
}

// Int constructs an integer Value.
func Int(v int64) Value { return Value{kind: KindInt, i: v} }

// String constructs a byte-string Value.
func String(v []byte) Value { return Value{kind: KindString, s: v} }

// List constructs a list Value.
func List(v []Value) Value { return Value{kind: KindList, list: v} }

// Dict constructs a dictionary Value from an ordered key list and map.
// Keys need not be pre-sorted; Encode always sorts them.
func Dict(keys []string, m map[string]Value) Value {
	return Value{kind: KindDict, keys: slices.Clone(keys), dict: m}
}

func (v Value) Kind() Kind { return v.kind }
func (v Value) Int() int64 { return v.i }
func (v Value) Bytes() []byte { return v.s }
func (v Value) Str() string { return string(v.s) }
func (v Value) List() []Value { return v.list }

// Get looks up a key in a dictionary Value. ok is false if v is not a
// dictionary or the key is absent.
func (v Value) Get(key string) (Value, bool) {
	if v.kind != KindDict {
		return Value{}, false
	}
	val, ok := v.dict[key]
	return val, ok
}

// Keys returns the dictionary's keys in the order they were decoded
// (or inserted, for values built in-process).
func (v Value) Keys() []string {
	if v.kind != KindDict {
		return nil
	}
	if v.keys != nil {
		return v.keys
	}
	return slices.Sorted(maps.Keys(v.dict))
}

func (v Value) String() string {
	switch v.kind {
	case KindInt:
		return strconv.FormatInt(v.i, 10)
	case KindString:
		return string(v.s)
	case KindList:
		return fmt.Sprintf("%v", v.list)
	case KindDict:
		return fmt.Sprintf("%v", v.dict)
	default:
		return "<invalid bencode value>"
	}
}

// Malformed is returned for any input that does not parse as bencode.
type Malformed struct {
	Reason string
}

func (e *Malformed) Error() string { return "malformed bencode: " + e.Reason }

func malformed(format string, args ...any) error {
	return &Malformed{Reason: fmt.Sprintf(format, args...)}
}

// Decode decodes a single bencode value from the front of b and returns
// the value together with the unconsumed remainder. strict enables the
// canonical dictionary-key-ordering check described in spec.md §4.1.
func Decode(b []byte, strict bool) (Value, []byte, error) {
	return decode(b, strict)
}

func decode(b []byte, strict bool) (Value, []byte, error) {
	if len(b) == 0 {
		return Value{}, nil, malformed("unexpected end of input")
	}
	switch b[0] {
	case 'i':
		return decodeInt(b)
	case 'l':
		return decodeList(b, strict)
	case 'd':
		return decodeDict(b, strict)
	default:
		if b[0] >= '0' && b[0] <= '9' {
			return decodeString(b)
		}
		return Value{}, nil, malformed("unknown tag %q", b[0])
	}
}

func decodeInt(b []byte) (Value, []byte, error) {
	end := bytes.IndexByte(b, 'e')
	if end < 0 {
		return Value{}, nil, malformed("unterminated integer")
	}
	digits := b[1:end]
	if len(digits) == 0 {
		return Value{}, nil, malformed("empty integer")
	}
	neg := digits[0] == '-'
	unsigned := digits
	if neg {
		unsigned = digits[1:]
		if len(unsigned) == 0 {
			return Value{}, nil, malformed("bare minus sign")
		}
	}
	if unsigned[0] == '0' && len(unsigned) > 1 {
		return Value{}, nil, malformed("integer has a leading zero: %s", digits)
	}
	if neg && unsigned[0] == '0' {
		return Value{}, nil, malformed("negative zero is not allowed")
	}
	n, err := strconv.ParseInt(string(digits), 10, 64)
	if err != nil {
		return Value{}, nil, malformed("invalid integer %q: %s", digits, err)
	}
	return Int(n), b[end+1:], nil
}

func decodeString(b []byte) (Value, []byte, error) {
	colon := bytes.IndexByte(b, ':')
	if colon < 0 {
		return Value{}, nil, malformed("unterminated string length")
	}
	lenDigits := b[:colon]
	if lenDigits[0] == '0' && len(lenDigits) > 1 {
		return Value{}, nil, malformed("string length has a leading zero: %s", lenDigits)
	}
	n, err := strconv.ParseUint(string(lenDigits), 10, 64)
	if err != nil {
		return Value{}, nil, malformed("invalid string length %q: %s", lenDigits, err)
	}
	rest := b[colon+1:]
	if uint64(len(rest)) < n {
		return Value{}, nil, malformed("truncated string: want %d bytes, have %d", n, len(rest))
	}
	return String(rest[:n]), rest[n:], nil
}

func decodeList(b []byte, strict bool) (Value, []byte, error) {
	rest := b[1:]
	var items []Value
	for {
		if len(rest) == 0 {
			return Value{}, nil, malformed("unterminated list")
		}
		if rest[0] == 'e' {
			return List(items), rest[1:], nil
		}
		var v Value
		var err error
		v, rest, err = decode(rest, strict)
		if err != nil {
			return Value{}, nil, err
		}
		items = append(items, v)
	}
}

func decodeDict(b []byte, strict bool) (Value, []byte, error) {
	rest := b[1:]
	m := make(map[string]Value)
	var keys []string
	prevKey := ""
	for {
		if len(rest) == 0 {
			return Value{}, nil, malformed("unterminated dictionary")
		}
		if rest[0] == 'e' {
			return Dict(keys, m), rest[1:], nil
		}
		var keyVal Value
		var err error
		keyVal, rest, err = decode(rest, strict)
		if err != nil {
			return Value{}, nil, err
		}
		if keyVal.kind != KindString {
			return Value{}, nil, malformed("dictionary key is not a byte string")
		}
		key := keyVal.Str()
		if strict && len(keys) > 0 && key <= prevKey {
			return Value{}, nil, malformed("dictionary keys out of order: %q after %q", key, prevKey)
		}
		prevKey = key

		var val Value
		val, rest, err = decode(rest, strict)
		if err != nil {
			return Value{}, nil, err
		}
		if _, dup := m[key]; !dup {
			keys = append(keys, key)
		}
		m[key] = val
	}
}

// Encode produces the canonical bencoded byte sequence for v: dictionary
// keys are always emitted in ascending byte order regardless of the
// order they were decoded or built in.
func Encode(v Value) []byte {
	var buf bytes.Buffer
	encodeTo(&buf, v)
	return buf.Bytes()
}

func encodeTo(buf *bytes.Buffer, v Value) {
	switch v.kind {
	case KindInt:
		buf.WriteByte('i')
		buf.WriteString(strconv.FormatInt(v.i, 10))
		buf.WriteByte('e')
	case KindString:
		buf.WriteString(strconv.Itoa(len(v.s)))
		buf.WriteByte(':')
		buf.Write(v.s)
	case KindList:
		buf.WriteByte('l')
		for _, item := range v.list {
			encodeTo(buf, item)
		}
		buf.WriteByte('e')
	case KindDict:
		buf.WriteByte('d')
		for _, k := range slices.Sorted(maps.Keys(v.dict)) {
			buf.WriteString(strconv.Itoa(len(k)))
			buf.WriteByte(':')
			buf.WriteString(k)
			encodeTo(buf, v.dict[k])
		}
		buf.WriteByte('e')
	}
}

// Equal reports whether two Values represent the same bencode data,
// ignoring decode-order bookkeeping (dictionary key order is never
// semantically significant for equality, only for canonical encoding).
func Equal(a, b Value) bool {
	if a.kind != b.kind {
		return false
	}
	switch a.kind {
	case KindInt:
		return a.i == b.i
	case KindString:
		return bytes.Equal(a.s, b.s)
	case KindList:
		if len(a.list) != len(b.list) {
			return false
		}
		for i := range a.list {
			if !Equal(a.list[i], b.list[i]) {
				return false
			}
		}
		return true
	case KindDict:
		if len(a.dict) != len(b.dict) {
			return false
		}
		for k, av := range a.dict {
			bv, ok := b.dict[k]
			if !ok || !Equal(av, bv) {
				return false
			}
		}
		return true
	default:
		return false
	}
}
