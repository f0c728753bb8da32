package domain

import (
	"encoding/json"
	"fmt"
)

// MetadataKind tags a MetadataValue's variant, per spec §6: metadata values
// are a tagged {string|int|double|bool|null|array|object} tree. Round-trip
// through the wire must preserve tags, so MetadataValue implements its own
// Marshal/Unmarshal rather than relying on `any`'s lossy JSON number
// handling (which would turn every int into a float64).
type MetadataKind string

const (
	MetadataString MetadataKind = "string"
	MetadataInt    MetadataKind = "int"
	MetadataDouble MetadataKind = "double"
	MetadataBool   MetadataKind = "bool"
	MetadataNull   MetadataKind = "null"
	MetadataArray  MetadataKind = "array"
	MetadataObject MetadataKind = "object"
)

// MetadataValue is one node of the tagged metadata tree.
type MetadataValue struct {
	Kind   MetadataKind
	Str    string
	Int    int64
	Double float64
	Bool   bool
	Array  []MetadataValue
	Object MetadataMap
}

// MetadataMap is the envelope's metadata object: parameter name to tagged
// value.
type MetadataMap map[string]MetadataValue

func StringValue(s string) MetadataValue  { return MetadataValue{Kind: MetadataString, Str: s} }
func IntValue(i int64) MetadataValue      { return MetadataValue{Kind: MetadataInt, Int: i} }
func DoubleValue(f float64) MetadataValue { return MetadataValue{Kind: MetadataDouble, Double: f} }
func BoolValue(b bool) MetadataValue      { return MetadataValue{Kind: MetadataBool, Bool: b} }
func NullValue() MetadataValue            { return MetadataValue{Kind: MetadataNull} }
func ArrayValue(vs []MetadataValue) MetadataValue {
	return MetadataValue{Kind: MetadataArray, Array: vs}
}
func ObjectValue(m MetadataMap) MetadataValue { return MetadataValue{Kind: MetadataObject, Object: m} }

// wireValue is the on-wire shape: {"type": "...", "value": ...}.
type wireValue struct {
	Type  MetadataKind    `json:"type"`
	Value json.RawMessage `json:"value,omitempty"`
}

func (v MetadataValue) MarshalJSON() ([]byte, error) {
	w := wireValue{Type: v.Kind}
	var (
		raw []byte
		err error
	)
	switch v.Kind {
	case MetadataString:
		raw, err = json.Marshal(v.Str)
	case MetadataInt:
		raw, err = json.Marshal(v.Int)
	case MetadataDouble:
		raw, err = json.Marshal(v.Double)
	case MetadataBool:
		raw, err = json.Marshal(v.Bool)
	case MetadataNull:
		return json.Marshal(wireValue{Type: MetadataNull})
	case MetadataArray:
		raw, err = json.Marshal(v.Array)
	case MetadataObject:
		raw, err = json.Marshal(v.Object)
	default:
		return nil, fmt.Errorf("metadata: unknown kind %q", v.Kind)
	}
	if err != nil {
		return nil, err
	}
	w.Value = raw
	return json.Marshal(w)
}

func (v *MetadataValue) UnmarshalJSON(data []byte) error {
	var w wireValue
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	v.Kind = w.Type
	switch w.Type {
	case MetadataString:
		return json.Unmarshal(w.Value, &v.Str)
	case MetadataInt:
		return json.Unmarshal(w.Value, &v.Int)
	case MetadataDouble:
		return json.Unmarshal(w.Value, &v.Double)
	case MetadataBool:
		return json.Unmarshal(w.Value, &v.Bool)
	case MetadataNull:
		return nil
	case MetadataArray:
		return json.Unmarshal(w.Value, &v.Array)
	case MetadataObject:
		return json.Unmarshal(w.Value, &v.Object)
	default:
		return fmt.Errorf("metadata: unknown kind %q", w.Type)
	}
}
