// Package value defines the tagged-value model shared by the compiler
// front end, the liveness planner, and the code generator.
package value

// Tag is the 1-byte runtime discriminator stored in the high half of
// every tagged value. Payload meaning is documented per tag below.
type Tag int

const (
	TagNil     Tag = iota // payload ignored
	TagNumber             // signed 64-bit integer
	TagBool               // 0 or 1
	TagString             // heap pointer to length-prefixed UTF-8
	TagVector             // heap pointer to vector header
	TagMap                // heap pointer to map header
	TagKeyword            // heap pointer to interned keyword payload
	TagSet                // heap pointer to set header
)

func (t Tag) String() string {
	switch t {
	case TagNil:
		return "nil"
	case TagNumber:
		return "number"
	case TagBool:
		return "bool"
	case TagString:
		return "string"
	case TagVector:
		return "vector"
	case TagMap:
		return "map"
	case TagKeyword:
		return "keyword"
	case TagSet:
		return "set"
	default:
		return "unknown"
	}
}

// IsHeap reports whether values of this tag live on the heap and are
// therefore subject to the borrow/own discipline (I1, I2).
func (t Tag) IsHeap() bool {
	switch t {
	case TagString, TagVector, TagMap, TagKeyword, TagSet:
		return true
	default:
		return false
	}
}

// Kind is the compile-time approximation of a Tag used for dispatch and
// to pick runtime helpers ahead of time. Any denotes "could not be
// inferred in this pass" and forces a polymorphic runtime helper.
type Kind int

const (
	KindAny Kind = iota
	KindNumber
	KindBool
	KindNil
	KindString
	KindVector
	KindMap
	KindSet
	KindKeyword
)

func (k Kind) String() string {
	switch k {
	case KindAny:
		return "any"
	case KindNumber:
		return "number"
	case KindBool:
		return "bool"
	case KindNil:
		return "nil"
	case KindString:
		return "string"
	case KindVector:
		return "vector"
	case KindMap:
		return "map"
	case KindSet:
		return "set"
	case KindKeyword:
		return "keyword"
	default:
		return "unknown"
	}
}

// IsHeap reports whether a value of this kind, once concrete, owns a
// heap allocation.
func (k Kind) IsHeap() bool {
	switch k {
	case KindString, KindVector, KindMap, KindSet, KindKeyword:
		return true
	default:
		return false
	}
}

// Ownable reports whether a binding of this kind owns a heap allocation
// that some binding must eventually free. Keywords are heap-tagged (a
// pointer into the interned keyword table) but never individually
// owned — they live for the program's duration and are shared by every
// binding that holds one, the same reason CloneHelper returns "" for
// them.
func (k Kind) Ownable() bool {
	return k.IsHeap() && k != KindKeyword
}

// Tag converts a concrete Kind to its runtime Tag. Panics on KindAny:
// callers must resolve Any before needing a concrete tag.
func (k Kind) Tag() Tag {
	switch k {
	case KindNumber:
		return TagNumber
	case KindBool:
		return TagBool
	case KindNil:
		return TagNil
	case KindString:
		return TagString
	case KindVector:
		return TagVector
	case KindMap:
		return TagMap
	case KindSet:
		return TagSet
	case KindKeyword:
		return TagKeyword
	default:
		panic("value: Tag() called on KindAny")
	}
}

// CloneHelper returns the runtime symbol that deep-clones a heap value
// of this kind, or "" if the kind never needs cloning (I6, deep-clone
// rule at collection boundaries).
func (k Kind) CloneHelper() string {
	switch k {
	case KindString:
		return "_string_clone"
	case KindVector:
		return "_vector_clone"
	case KindMap:
		return "_map_clone"
	case KindSet:
		return "_set_clone"
	case KindKeyword:
		return "" // keywords are interned, never cloned
	default:
		return ""
	}
}
