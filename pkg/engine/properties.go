package engine

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// ValueType tags the content of a Value.
type ValueType int

const (
	TypeNull ValueType = iota
	TypeString
	TypeNumber
	TypeBool
	TypeList
	TypeObject
)

// String returns the JSON name of the type.
func (t ValueType) String() string {
	switch t {
	case TypeString:
		return "string"
	case TypeNumber:
		return "number"
	case TypeBool:
		return "bool"
	case TypeList:
		return "list"
	case TypeObject:
		return "object"
	default:
		return "null"
	}
}

// Value is one node of a provider property document.
type Value struct {
	typ  ValueType
	str  string
	num  float64
	b    bool
	list []Value
	obj  *PropertyBag
}

// NullValue returns the null value.
func NullValue() Value { return Value{} }

// StringValue wraps a string.
func StringValue(s string) Value { return Value{typ: TypeString, str: s} }

// NumberValue wraps a number.
func NumberValue(f float64) Value { return Value{typ: TypeNumber, num: f} }

// BoolValue wraps a bool.
func BoolValue(b bool) Value { return Value{typ: TypeBool, b: b} }

// ListValue wraps a list of values.
func ListValue(items ...Value) Value { return Value{typ: TypeList, list: items} }

// ObjectValue wraps a nested bag.
func ObjectValue(bag *PropertyBag) Value {
	if bag == nil {
		bag = NewPropertyBag()
	}
	return Value{typ: TypeObject, obj: bag}
}

// Type returns the value's tag.
func (v Value) Type() ValueType { return v.typ }

// IsNull reports whether v is null.
func (v Value) IsNull() bool { return v.typ == TypeNull }

// AsString returns the string content.
func (v Value) AsString() (string, bool) { return v.str, v.typ == TypeString }

// AsNumber returns the numeric content.
func (v Value) AsNumber() (float64, bool) { return v.num, v.typ == TypeNumber }

// AsBool returns the boolean content.
func (v Value) AsBool() (bool, bool) { return v.b, v.typ == TypeBool }

// AsList returns the list content.
func (v Value) AsList() ([]Value, bool) { return v.list, v.typ == TypeList }

// AsObject returns the nested bag.
func (v Value) AsObject() (*PropertyBag, bool) { return v.obj, v.typ == TypeObject }

// Interface converts the value to plain Go types (map[string]interface{}, []interface{}, ...).
func (v Value) Interface() interface{} {
	switch v.typ {
	case TypeString:
		return v.str
	case TypeNumber:
		return v.num
	case TypeBool:
		return v.b
	case TypeList:
		out := make([]interface{}, len(v.list))
		for i, item := range v.list {
			out[i] = item.Interface()
		}
		return out
	case TypeObject:
		return v.obj.Map()
	default:
		return nil
	}
}

// MarshalJSON implements json.Marshaler.
func (v Value) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	if err := v.encode(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (v Value) encode(buf *bytes.Buffer) error {
	switch v.typ {
	case TypeNull:
		buf.WriteString("null")
	case TypeString:
		b, err := json.Marshal(v.str)
		if err != nil {
			return err
		}
		buf.Write(b)
	case TypeNumber:
		buf.WriteString(strconv.FormatFloat(v.num, 'g', -1, 64))
	case TypeBool:
		buf.WriteString(strconv.FormatBool(v.b))
	case TypeList:
		buf.WriteByte('[')
		for i, item := range v.list {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := item.encode(buf); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case TypeObject:
		return v.obj.encode(buf)
	}
	return nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (v *Value) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	decoded, err := decodeValue(dec)
	if err != nil {
		return err
	}
	*v = decoded
	return nil
}

// PropertyBag is an insertion-ordered map of property names to values.
// The zero value is an empty bag ready to use.
type PropertyBag struct {
	keys   []string
	values map[string]Value
}

// NewPropertyBag creates an empty bag.
func NewPropertyBag() *PropertyBag {
	return &PropertyBag{values: make(map[string]Value)}
}

// PropertyBagFromMap converts a plain map. Keys are inserted in sorted order
// because Go maps carry no order of their own.
func PropertyBagFromMap(m map[string]interface{}) (*PropertyBag, error) {
	bag := NewPropertyBag()
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v, err := ValueOf(m[k])
		if err != nil {
			return nil, fmt.Errorf("property %q: %w", k, err)
		}
		bag.Set(k, v)
	}
	return bag, nil
}

// ValueOf converts a plain Go value into a Value.
func ValueOf(x interface{}) (Value, error) {
	switch t := x.(type) {
	case nil:
		return NullValue(), nil
	case Value:
		return t, nil
	case string:
		return StringValue(t), nil
	case bool:
		return BoolValue(t), nil
	case int:
		return NumberValue(float64(t)), nil
	case int64:
		return NumberValue(float64(t)), nil
	case float64:
		return NumberValue(t), nil
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return Value{}, err
		}
		return NumberValue(f), nil
	case []interface{}:
		items := make([]Value, 0, len(t))
		for _, item := range t {
			v, err := ValueOf(item)
			if err != nil {
				return Value{}, err
			}
			items = append(items, v)
		}
		return ListValue(items...), nil
	case []string:
		items := make([]Value, 0, len(t))
		for _, s := range t {
			items = append(items, StringValue(s))
		}
		return ListValue(items...), nil
	case map[string]interface{}:
		bag, err := PropertyBagFromMap(t)
		if err != nil {
			return Value{}, err
		}
		return ObjectValue(bag), nil
	case *PropertyBag:
		return ObjectValue(t), nil
	default:
		return Value{}, fmt.Errorf("unsupported property type %T", x)
	}
}

// Set inserts or replaces a key, keeping its original position on replace.
func (b *PropertyBag) Set(key string, v Value) {
	if b.values == nil {
		b.values = make(map[string]Value)
	}
	if _, ok := b.values[key]; !ok {
		b.keys = append(b.keys, key)
	}
	b.values[key] = v
}

// Get returns the value stored under key.
func (b *PropertyBag) Get(key string) (Value, bool) {
	if b == nil {
		return Value{}, false
	}
	v, ok := b.values[key]
	return v, ok
}

// Delete removes a key.
func (b *PropertyBag) Delete(key string) {
	if b == nil {
		return
	}
	if _, ok := b.values[key]; !ok {
		return
	}
	delete(b.values, key)
	for i, k := range b.keys {
		if k == key {
			b.keys = append(b.keys[:i], b.keys[i+1:]...)
			break
		}
	}
}

// Keys returns the keys in insertion order.
func (b *PropertyBag) Keys() []string {
	if b == nil {
		return nil
	}
	out := make([]string, len(b.keys))
	copy(out, b.keys)
	return out
}

// Len returns the number of keys.
func (b *PropertyBag) Len() int {
	if b == nil {
		return 0
	}
	return len(b.keys)
}

// Map converts the bag to a plain map.
func (b *PropertyBag) Map() map[string]interface{} {
	out := make(map[string]interface{}, b.Len())
	if b == nil {
		return out
	}
	for _, k := range b.keys {
		out[k] = b.values[k].Interface()
	}
	return out
}

// Lookup resolves a dotted path. A segment ending in "[]" fans out over a
// list, so "ipConfigurations[].properties.subnet.id" yields one value per
// configuration. Key matching falls back to case-insensitive comparison.
func (b *PropertyBag) Lookup(path string) []Value {
	if b == nil || path == "" {
		return nil
	}
	current := []Value{ObjectValue(b)}
	for _, seg := range strings.Split(path, ".") {
		fanOut := strings.HasSuffix(seg, "[]")
		key := strings.TrimSuffix(seg, "[]")
		var next []Value
		for _, v := range current {
			obj, ok := v.AsObject()
			if !ok {
				continue
			}
			child, ok := obj.lookupKey(key)
			if !ok {
				continue
			}
			if fanOut {
				if items, ok := child.AsList(); ok {
					next = append(next, items...)
				}
				continue
			}
			next = append(next, child)
		}
		current = next
		if len(current) == 0 {
			return nil
		}
	}
	return current
}

// Strings is Lookup filtered to non-empty string values.
func (b *PropertyBag) Strings(path string) []string {
	var out []string
	for _, v := range b.Lookup(path) {
		if s, ok := v.AsString(); ok && s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Walk visits every leaf value with its dotted path, in document order.
func (b *PropertyBag) Walk(fn func(path string, v Value)) {
	if b == nil {
		return
	}
	for _, k := range b.keys {
		walkValue(k, b.values[k], fn)
	}
}

func walkValue(path string, v Value, fn func(string, Value)) {
	switch v.typ {
	case TypeObject:
		for _, k := range v.obj.keys {
			walkValue(path+"."+k, v.obj.values[k], fn)
		}
	case TypeList:
		for i, item := range v.list {
			walkValue(fmt.Sprintf("%s[%d]", path, i), item, fn)
		}
	default:
		fn(path, v)
	}
}

func (b *PropertyBag) lookupKey(key string) (Value, bool) {
	if v, ok := b.values[key]; ok {
		return v, true
	}
	for _, k := range b.keys {
		if strings.EqualFold(k, key) {
			return b.values[k], true
		}
	}
	return Value{}, false
}

// MarshalJSON implements json.Marshaler, preserving key order.
func (b *PropertyBag) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	if err := b.encode(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (b *PropertyBag) encode(buf *bytes.Buffer) error {
	buf.WriteByte('{')
	if b != nil {
		for i, k := range b.keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			kb, err := json.Marshal(k)
			if err != nil {
				return err
			}
			buf.Write(kb)
			buf.WriteByte(':')
			if err := b.values[k].encode(buf); err != nil {
				return err
			}
		}
	}
	buf.WriteByte('}')
	return nil
}

// UnmarshalJSON implements json.Unmarshaler, preserving key order.
func (b *PropertyBag) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	v, err := decodeValue(dec)
	if err != nil {
		return err
	}
	switch v.typ {
	case TypeNull:
		*b = PropertyBag{values: make(map[string]Value)}
	case TypeObject:
		*b = *v.obj
	default:
		return fmt.Errorf("property bag must be a JSON object, got %s", v.typ)
	}
	return nil
}

func decodeValue(dec *json.Decoder) (Value, error) {
	tok, err := dec.Token()
	if err != nil {
		return Value{}, err
	}
	switch t := tok.(type) {
	case json.Delim:
		switch t {
		case '{':
			bag := NewPropertyBag()
			for dec.More() {
				kt, err := dec.Token()
				if err != nil {
					return Value{}, err
				}
				key, ok := kt.(string)
				if !ok {
					return Value{}, fmt.Errorf("unexpected object key %v", kt)
				}
				v, err := decodeValue(dec)
				if err != nil {
					return Value{}, err
				}
				bag.Set(key, v)
			}
			if _, err := dec.Token(); err != nil {
				return Value{}, err
			}
			return ObjectValue(bag), nil
		case '[':
			items := []Value{}
			for dec.More() {
				v, err := decodeValue(dec)
				if err != nil {
					return Value{}, err
				}
				items = append(items, v)
			}
			if _, err := dec.Token(); err != nil {
				return Value{}, err
			}
			return ListValue(items...), nil
		default:
			return Value{}, fmt.Errorf("unexpected delimiter %v", t)
		}
	case string:
		return StringValue(t), nil
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return Value{}, err
		}
		return NumberValue(f), nil
	case bool:
		return BoolValue(t), nil
	case nil:
		return NullValue(), nil
	default:
		return Value{}, fmt.Errorf("unexpected token %v", tok)
	}
}
