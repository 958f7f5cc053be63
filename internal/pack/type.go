// Package pack implements the tagged-field binary container codec, a
// compact, streaming, schema-less wire format (spec.md §4.2); in this
// tree internal/bundle uses it for the bundle index. There is no third-party codec
// for this: it is a bespoke format, round-tripped only against itself
// (see DESIGN.md for why the literal example bytes in spec.md §8 are not
// asserted verbatim).
package pack

// Type is the field's value type, stored in the tag byte's high nibble.
type Type byte

const (
	TypeUnknown Type = iota
	TypeArray
	TypeObj
	TypeBool
	TypeBin
	TypeStr
	TypeI32
	TypeI64
	TypeU32
	TypeU64
	TypeTime
	TypePtr
)

func (t Type) String() string {
	switch t {
	case TypeArray:
		return "array"
	case TypeObj:
		return "obj"
	case TypeBool:
		return "bool"
	case TypeBin:
		return "bin"
	case TypeStr:
		return "str"
	case TypeI32:
		return "i32"
	case TypeI64:
		return "i64"
	case TypeU32:
		return "u32"
	case TypeU64:
		return "u64"
	case TypeTime:
		return "time"
	case TypePtr:
		return "ptr"
	default:
		return "unknown"
	}
}

// isContainer reports whether t opens a nested frame.
func (t Type) isContainer() bool { return t == TypeArray || t == TypeObj }

// isMultiBit reports whether t belongs to the integer "multi-bit value"
// tag class (spec.md §4.2).
func (t Type) isMultiBit() bool {
	switch t {
	case TypeI32, TypeI64, TypeU32, TypeU64, TypeTime, TypePtr:
		return true
	default:
		return false
	}
}

// isSingleBit reports whether t belongs to the bool/bin/str
// "single-bit value" tag class.
func (t Type) isSingleBit() bool {
	switch t {
	case TypeBool, TypeBin, TypeStr:
		return true
	default:
		return false
	}
}
