package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"regexp"
	"strconv"
	"strings"
)

// ValueType is the tag of a variable value
type ValueType string

// Possible values for ValueType
const (
	ValueTypeString ValueType = "string"
	ValueTypeNumber ValueType = "number"
	ValueTypeBool   ValueType = "bool"
	ValueTypeArray  ValueType = "array"
	ValueTypeObject ValueType = "object"
)

// Value is a single variable in a session's bag: a string, number, bool, or
// an array or object of values. The zero value renders as an empty string.
type Value struct {
	typ ValueType
	str string
	num float64
	boo bool
	arr []Value
	obj map[string]Value
}

// StringValue creates a new string value
func StringValue(s string) Value { return Value{typ: ValueTypeString, str: s} }

// NumberValue creates a new number value
func NumberValue(n float64) Value { return Value{typ: ValueTypeNumber, num: n} }

// BoolValue creates a new bool value
func BoolValue(b bool) Value { return Value{typ: ValueTypeBool, boo: b} }

// ArrayValue creates a new array value
func ArrayValue(vs []Value) Value { return Value{typ: ValueTypeArray, arr: vs} }

// ObjectValue creates a new object value
func ObjectValue(m map[string]Value) Value { return Value{typ: ValueTypeObject, obj: m} }

// StringArrayValue creates a new array value from strings
func StringArrayValue(ss []string) Value {
	vs := make([]Value, len(ss))
	for i := range ss {
		vs[i] = StringValue(ss[i])
	}
	return ArrayValue(vs)
}

// Type returns the tag of this value
func (v Value) Type() ValueType { return v.typ }

// String renders this value for interpolation into message text
func (v Value) String() string {
	switch v.typ {
	case ValueTypeString:
		return v.str
	case ValueTypeNumber:
		return strconv.FormatFloat(v.num, 'f', -1, 64)
	case ValueTypeBool:
		return strconv.FormatBool(v.boo)
	case ValueTypeArray, ValueTypeObject:
		b, err := v.MarshalJSON()
		if err != nil {
			return ""
		}
		return string(b)
	}
	return ""
}

// Number returns this value as a float, parsing strings when possible
func (v Value) Number() (float64, bool) {
	switch v.typ {
	case ValueTypeNumber:
		return v.num, true
	case ValueTypeString:
		n, err := strconv.ParseFloat(strings.TrimSpace(v.str), 64)
		return n, err == nil
	case ValueTypeBool:
		if v.boo {
			return 1, true
		}
		return 0, true
	}
	return 0, false
}

// Array returns the elements of an array value
func (v Value) Array() ([]Value, bool) {
	if v.typ == ValueTypeArray {
		return v.arr, true
	}
	return nil, false
}

// Field returns the named field of an object value
func (v Value) Field(key string) (Value, bool) {
	if v.typ == ValueTypeObject {
		f, ok := v.obj[key]
		return f, ok
	}
	return Value{}, false
}

// Index returns the i'th element of an array value
func (v Value) Index(i int) (Value, bool) {
	if v.typ == ValueTypeArray && i >= 0 && i < len(v.arr) {
		return v.arr[i], true
	}
	return Value{}, false
}

// IsEmpty returns whether this value renders as an empty string
func (v Value) IsEmpty() bool {
	return v.typ == "" || (v.typ == ValueTypeString && v.str == "")
}

// MarshalJSON renders this value as its natural JSON type
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.typ {
	case ValueTypeString:
		return json.Marshal(v.str)
	case ValueTypeNumber:
		return json.Marshal(v.num)
	case ValueTypeBool:
		return json.Marshal(v.boo)
	case ValueTypeArray:
		if v.arr == nil {
			return []byte(`[]`), nil
		}
		return json.Marshal(v.arr)
	case ValueTypeObject:
		if v.obj == nil {
			return []byte(`{}`), nil
		}
		return json.Marshal(v.obj)
	}
	return []byte(`""`), nil
}

// UnmarshalJSON reads a value from its natural JSON type
func (v *Value) UnmarshalJSON(data []byte) error {
	data = []byte(strings.TrimSpace(string(data)))
	if len(data) == 0 {
		*v = Value{}
		return nil
	}

	switch data[0] {
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*v = StringValue(s)
	case '[':
		var arr []Value
		if err := json.Unmarshal(data, &arr); err != nil {
			return err
		}
		*v = ArrayValue(arr)
	case '{':
		var obj map[string]Value
		if err := json.Unmarshal(data, &obj); err != nil {
			return err
		}
		*v = ObjectValue(obj)
	case 't', 'f':
		var b bool
		if err := json.Unmarshal(data, &b); err != nil {
			return err
		}
		*v = BoolValue(b)
	case 'n':
		*v = Value{}
	default:
		var n float64
		if err := json.Unmarshal(data, &n); err != nil {
			return err
		}
		*v = NumberValue(n)
	}
	return nil
}

var varNameRegex = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// ValidVarName returns whether name is a usable variable identifier
func ValidVarName(name string) bool {
	return varNameRegex.MatchString(name)
}

// Vars is a session's variable bag, stored as JSON in the database.
type Vars map[string]Value

// Get returns the named variable
func (v Vars) Get(name string) (Value, bool) {
	val, ok := v[name]
	return val, ok
}

// Set sets the named variable
func (v Vars) Set(name string, value Value) { v[name] = value }

// Resolve looks up a dotted path with optional bracket indexes, e.g.
// a.b[0].c, against the bag.
func (v Vars) Resolve(path string) (Value, bool) {
	tokens := parsePath(path)
	if len(tokens) == 0 {
		return Value{}, false
	}

	cur, ok := v[tokens[0].key]
	if !ok {
		return Value{}, false
	}
	for _, i := range tokens[0].indexes {
		if cur, ok = cur.Index(i); !ok {
			return Value{}, false
		}
	}

	for _, tok := range tokens[1:] {
		if cur, ok = cur.Field(tok.key); !ok {
			return Value{}, false
		}
		for _, i := range tok.indexes {
			if cur, ok = cur.Index(i); !ok {
				return Value{}, false
			}
		}
	}
	return cur, true
}

type pathToken struct {
	key     string
	indexes []int
}

func parsePath(path string) []pathToken {
	parts := strings.Split(path, ".")
	tokens := make([]pathToken, 0, len(parts))

	for _, part := range parts {
		key := part
		var indexes []int
		for strings.HasSuffix(key, "]") {
			open := strings.LastIndex(key, "[")
			if open < 0 {
				return nil
			}
			i, err := strconv.Atoi(key[open+1 : len(key)-1])
			if err != nil {
				return nil
			}
			indexes = append([]int{i}, indexes...)
			key = key[:open]
		}
		if key == "" {
			return nil
		}
		tokens = append(tokens, pathToken{key: key, indexes: indexes})
	}
	return tokens
}

// Scan implements the sql.Scanner interface
func (v *Vars) Scan(value any) error {
	if value == nil {
		*v = make(Vars)
		return nil
	}

	var raw []byte
	switch typed := value.(type) {
	case string:
		raw = []byte(typed)
	case []byte:
		raw = typed
	default:
		return errors.New("incompatible type for Vars")
	}

	if len(raw) == 0 {
		*v = make(Vars)
		return nil
	}
	return json.Unmarshal(raw, v)
}

// Value implements the driver.Valuer interface
func (v Vars) Value() (driver.Value, error) {
	if v == nil {
		return []byte(`{}`), nil
	}
	return json.Marshal(v)
}
