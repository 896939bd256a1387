// Package tag defines the Tag identifier space and the typed KeyParameter
// value union used throughout the keymint core's authorization lists.
//
// A Tag packs an opaque numeric id together with a Type that selects which
// field of a KeyParameter's value union is meaningful. This mirrors the
// AOSP Keymaster tag encoding: the high bits of the wire representation
// carry the type, the low bits the id.
package tag

import "fmt"

// Type identifies which value field of a KeyParameter is populated.
type Type uint32

const (
	TypeInvalid Type = iota
	TypeEnum
	TypeEnumRep // repeatable enum (e.g. PURPOSE, DIGEST, PADDING)
	TypeUint
	TypeUintRep
	TypeUlong
	TypeUlongRep
	TypeDate
	TypeBool
	TypeBignum
	TypeBytes
)

func (t Type) String() string {
	switch t {
	case TypeEnum:
		return "ENUM"
	case TypeEnumRep:
		return "ENUM_REP"
	case TypeUint:
		return "UINT"
	case TypeUintRep:
		return "UINT_REP"
	case TypeUlong:
		return "ULONG"
	case TypeUlongRep:
		return "ULONG_REP"
	case TypeDate:
		return "DATE"
	case TypeBool:
		return "BOOL"
	case TypeBignum:
		return "BIGNUM"
	case TypeBytes:
		return "BYTES"
	default:
		return "INVALID"
	}
}

// Tag is a 32-bit identifier encoding both the tag id and its declared
// Type. The Type is not separately transmitted; it is derived from the id
// the same way the AOSP keymaster_tag_t encodes it (id | type<<28), but the
// core only needs the pair, not a specific bit layout, so Tag is modeled as
// a small struct rather than packed bits.
type Tag struct {
	ID   uint32
	Type Type
}

// Known core tags.
// Downstream callers are free to define additional tags; the core only
// special-cases the ones below.
var (
	Algorithm                Tag = Tag{ID: 1, Type: TypeEnum}
	Purpose                  Tag = Tag{ID: 2, Type: TypeEnumRep}
	OSPatchlevel             Tag = Tag{ID: 3, Type: TypeUint}
	EarlyBootOnly            Tag = Tag{ID: 4, Type: TypeBool}
	UsageCountLimit          Tag = Tag{ID: 5, Type: TypeUint}
	UserSecureID             Tag = Tag{ID: 6, Type: TypeUlongRep}
	ApplicationID            Tag = Tag{ID: 7, Type: TypeBytes}
	ApplicationData          Tag = Tag{ID: 8, Type: TypeBytes}
	AttestationApplicationID Tag = Tag{ID: 9, Type: TypeBytes}
	CertificateNotBefore     Tag = Tag{ID: 10, Type: TypeDate}
	CertificateNotAfter      Tag = Tag{ID: 11, Type: TypeDate}
	Digest                   Tag = Tag{ID: 12, Type: TypeEnumRep}
	Padding                  Tag = Tag{ID: 13, Type: TypeEnumRep}
	BlockMode                Tag = Tag{ID: 14, Type: TypeEnumRep}
	OSVersion                Tag = Tag{ID: 15, Type: TypeUint}
)

// KUndefinedExpirationDateTime is the sentinel date value used for
// CERTIFICATE_NOT_AFTER when no expiration was requested by the caller.
const KUndefinedExpirationDateTime uint64 = 253402300799000 // 9999-12-31T23:59:59Z, ms

// Value is the typed union carried by a KeyParameter. Exactly one field is
// meaningful, selected by the owning Tag's Type.
type Value struct {
	EnumVal   uint32
	UintVal   uint32
	UlongVal  uint64
	DateVal   uint64
	BoolVal   bool
	BignumVal []byte
	BytesVal  []byte
}

// KeyParameter pairs a Tag with its typed Value.
type KeyParameter struct {
	Tag   Tag
	Value Value
}

// Equal reports whether two KeyParameters have the same tag and a
// type-qualified equal value. Used by AuthorizationSet.Contains.
func (p KeyParameter) Equal(o KeyParameter) bool {
	if p.Tag != o.Tag {
		return false
	}
	switch p.Tag.Type {
	case TypeEnum, TypeEnumRep:
		return p.Value.EnumVal == o.Value.EnumVal
	case TypeUint, TypeUintRep:
		return p.Value.UintVal == o.Value.UintVal
	case TypeUlong, TypeUlongRep:
		return p.Value.UlongVal == o.Value.UlongVal
	case TypeDate:
		return p.Value.DateVal == o.Value.DateVal
	case TypeBool:
		return p.Value.BoolVal == o.Value.BoolVal
	case TypeBignum:
		return bytesEqual(p.Value.BignumVal, o.Value.BignumVal)
	case TypeBytes:
		return bytesEqual(p.Value.BytesVal, o.Value.BytesVal)
	default:
		return false
	}
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func (p KeyParameter) String() string {
	return fmt.Sprintf("KeyParameter{tag=%d/%s}", p.Tag.ID, p.Tag.Type)
}

// Uint builds a KeyParameter for a TypeUint/TypeUintRep tag.
func Uint(t Tag, v uint32) KeyParameter {
	return KeyParameter{Tag: t, Value: Value{UintVal: v}}
}

// Ulong builds a KeyParameter for a TypeUlong/TypeUlongRep tag.
func Ulong(t Tag, v uint64) KeyParameter {
	return KeyParameter{Tag: t, Value: Value{UlongVal: v}}
}

// Enum builds a KeyParameter for a TypeEnum/TypeEnumRep tag.
func Enum(t Tag, v uint32) KeyParameter {
	return KeyParameter{Tag: t, Value: Value{EnumVal: v}}
}

// Bool builds a KeyParameter for a TypeBool tag. Presence implies true;
// the value field is kept for symmetry with the other constructors.
func Bool(t Tag) KeyParameter {
	return KeyParameter{Tag: t, Value: Value{BoolVal: true}}
}

// Bytes builds a KeyParameter for a TypeBytes tag.
func Bytes(t Tag, v []byte) KeyParameter {
	return KeyParameter{Tag: t, Value: Value{BytesVal: v}}
}

// Date builds a KeyParameter for a TypeDate tag.
func Date(t Tag, v uint64) KeyParameter {
	return KeyParameter{Tag: t, Value: Value{DateVal: v}}
}

// Bignum builds a KeyParameter for a TypeBignum tag.
func Bignum(t Tag, v []byte) KeyParameter {
	return KeyParameter{Tag: t, Value: Value{BignumVal: v}}
}
