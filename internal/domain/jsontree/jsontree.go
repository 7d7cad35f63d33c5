// Package jsontree carries JSON documents as a tree of tagged variants.
//
// Shapes and LLM output are user-supplied and open-ended, so there is no
// generated type per response. Provider envelopes and generated bodies are
// walked with explicit accessors (Field/Index chains) instead of
// reflection-based deserialization.
package jsontree

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Kind tags a Value.
type Kind int

const (
	Null Kind = iota
	Bool
	Num
	Str
	Arr
	Obj
)

// Value is one node of a parsed JSON document. Object key order is
// preserved so re-emitted documents stay stable.
type Value struct {
	kind Kind
	b    bool
	num  json.Number
	str  string
	arr  []*Value
	keys []string
	obj  map[string]*Value
}

// Parse decodes a full JSON document. Numbers are kept as json.Number so
// integer identifiers survive a round trip unchanged.
func Parse(data []byte) (*Value, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	v, err := decodeValue(dec)
	if err != nil {
		return nil, err
	}
	// Trailing garbage after the document is an error.
	if _, err := dec.Token(); err != io.EOF {
		return nil, fmt.Errorf("trailing data after JSON document")
	}
	return v, nil
}

func decodeValue(dec *json.Decoder) (*Value, error) {
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	return fromToken(dec, tok)
}

func fromToken(dec *json.Decoder, tok json.Token) (*Value, error) {
	switch t := tok.(type) {
	case nil:
		return &Value{kind: Null}, nil
	case bool:
		return &Value{kind: Bool, b: t}, nil
	case json.Number:
		return &Value{kind: Num, num: t}, nil
	case string:
		return &Value{kind: Str, str: t}, nil
	case json.Delim:
		switch t {
		case '[':
			v := &Value{kind: Arr}
			for dec.More() {
				elem, err := decodeValue(dec)
				if err != nil {
					return nil, err
				}
				v.arr = append(v.arr, elem)
			}
			if _, err := dec.Token(); err != nil { // closing ]
				return nil, err
			}
			return v, nil
		case '{':
			v := &Value{kind: Obj, obj: make(map[string]*Value)}
			for dec.More() {
				keyTok, err := dec.Token()
				if err != nil {
					return nil, err
				}
				key, ok := keyTok.(string)
				if !ok {
					return nil, fmt.Errorf("object key is not a string")
				}
				elem, err := decodeValue(dec)
				if err != nil {
					return nil, err
				}
				if _, exists := v.obj[key]; !exists {
					v.keys = append(v.keys, key)
				}
				v.obj[key] = elem
			}
			if _, err := dec.Token(); err != nil { // closing }
				return nil, err
			}
			return v, nil
		}
	}
	return nil, fmt.Errorf("unexpected JSON token %v", tok)
}

// Kind returns the node tag. Safe on nil (reports Null).
func (v *Value) Kind() Kind {
	if v == nil {
		return Null
	}
	return v.kind
}

// IsNull reports whether the node is absent or JSON null.
func (v *Value) IsNull() bool { return v == nil || v.kind == Null }

// Bool returns the boolean value, false for non-booleans.
func (v *Value) Bool() bool { return v != nil && v.kind == Bool && v.b }

// Str returns the string value, "" for non-strings.
func (v *Value) Str() string {
	if v == nil || v.kind != Str {
		return ""
	}
	return v.str
}

// Num returns the numeric value as float64, 0 for non-numbers.
func (v *Value) Num() float64 {
	if v == nil || v.kind != Num {
		return 0
	}
	f, _ := v.num.Float64()
	return f
}

// Int returns the numeric value as int64, 0 for non-numbers.
func (v *Value) Int() int64 {
	if v == nil || v.kind != Num {
		return 0
	}
	if i, err := v.num.Int64(); err == nil {
		return i
	}
	f, _ := v.num.Float64()
	return int64(f)
}

// Scalar serializes a scalar node to its string form. Objects and arrays
// return "".
func (v *Value) Scalar() string {
	switch v.Kind() {
	case Str:
		return v.str
	case Num:
		return v.num.String()
	case Bool:
		return strconv.FormatBool(v.b)
	default:
		return ""
	}
}

// Len returns the element count for arrays and key count for objects.
func (v *Value) Len() int {
	if v == nil {
		return 0
	}
	switch v.kind {
	case Arr:
		return len(v.arr)
	case Obj:
		return len(v.keys)
	default:
		return 0
	}
}

// Index returns the i-th array element, nil when out of range or not an
// array. Nil-safe so accessor chains never panic.
func (v *Value) Index(i int) *Value {
	if v == nil || v.kind != Arr || i < 0 || i >= len(v.arr) {
		return nil
	}
	return v.arr[i]
}

// Field returns the named object member, nil when absent or not an object.
func (v *Value) Field(name string) *Value {
	if v == nil || v.kind != Obj {
		return nil
	}
	return v.obj[name]
}

// Keys returns object keys in document order.
func (v *Value) Keys() []string {
	if v == nil || v.kind != Obj {
		return nil
	}
	return v.keys
}

// Elements returns the array backing slice (read-only by convention).
func (v *Value) Elements() []*Value {
	if v == nil || v.kind != Arr {
		return nil
	}
	return v.arr
}

// Set adds or replaces an object member, preserving insertion order.
func (v *Value) Set(name string, member *Value) {
	if v == nil || v.kind != Obj {
		return
	}
	if _, exists := v.obj[name]; !exists {
		v.keys = append(v.keys, name)
	}
	v.obj[name] = member
}

// Delete removes an object member if present.
func (v *Value) Delete(name string) {
	if v == nil || v.kind != Obj {
		return
	}
	if _, exists := v.obj[name]; !exists {
		return
	}
	delete(v.obj, name)
	for i, k := range v.keys {
		if k == name {
			v.keys = append(v.keys[:i], v.keys[i+1:]...)
			break
		}
	}
}

// Append adds an element to an array node.
func (v *Value) Append(elem *Value) {
	if v == nil || v.kind != Arr {
		return
	}
	v.arr = append(v.arr, elem)
}

// NewObj returns an empty object node.
func NewObj() *Value { return &Value{kind: Obj, obj: make(map[string]*Value)} }

// NewArr returns an empty array node.
func NewArr() *Value { return &Value{kind: Arr} }

// NewStr returns a string node.
func NewStr(s string) *Value { return &Value{kind: Str, str: s} }

// NewNum returns a numeric node from an int.
func NewNum(n int64) *Value {
	return &Value{kind: Num, num: json.Number(strconv.FormatInt(n, 10))}
}

// Walk visits every node depth-first with its dotted path. Array elements
// index as [i]. The root path is "".
func (v *Value) Walk(visit func(path string, node *Value)) {
	walk(v, "", visit)
}

func walk(v *Value, path string, visit func(string, *Value)) {
	if v == nil {
		return
	}
	visit(path, v)
	switch v.kind {
	case Obj:
		for _, k := range v.keys {
			childPath := k
			if path != "" {
				childPath = path + "." + k
			}
			walk(v.obj[k], childPath, visit)
		}
	case Arr:
		for i, elem := range v.arr {
			walk(elem, path+"["+strconv.Itoa(i)+"]", visit)
		}
	}
}

// Encode serializes the tree back to compact JSON, preserving object key
// order.
func (v *Value) Encode() []byte {
	var sb strings.Builder
	encode(v, &sb)
	return []byte(sb.String())
}

func encode(v *Value, sb *strings.Builder) {
	switch v.Kind() {
	case Null:
		sb.WriteString("null")
	case Bool:
		sb.WriteString(strconv.FormatBool(v.b))
	case Num:
		sb.WriteString(v.num.String())
	case Str:
		data, _ := json.Marshal(v.str)
		sb.Write(data)
	case Arr:
		sb.WriteByte('[')
		for i, elem := range v.arr {
			if i > 0 {
				sb.WriteByte(',')
			}
			encode(elem, sb)
		}
		sb.WriteByte(']')
	case Obj:
		sb.WriteByte('{')
		for i, k := range v.keys {
			if i > 0 {
				sb.WriteByte(',')
			}
			data, _ := json.Marshal(k)
			sb.Write(data)
			sb.WriteByte(':')
			encode(v.obj[k], sb)
		}
		sb.WriteByte('}')
	}
}

// Valid reports whether data is a syntactically complete JSON document.
func Valid(data []byte) bool {
	return json.Valid(bytes.TrimSpace(data))
}
