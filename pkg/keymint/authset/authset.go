// Package authset implements AuthorizationSet, the ordered multiset of
// KeyParameters that describes a key's or operation's authorizations.
//
// A Set is a value owned by a single Key or Operation at a time: the
// hw/sw-enforced lists never mutate after Begin consumes the owning Key,
// so no internal locking is needed here; callers that share a Set across
// goroutines must provide their own synchronization (or, more
// idiomatically, Clone before sharing).
package authset

import (
	"encoding/binary"

	"github.com/marmos91/keymintcore/pkg/keymint/kmerror"
	"github.com/marmos91/keymintcore/pkg/keymint/tag"
)

// Set is an ordered multiset of tag.KeyParameter. Insertion order is
// preserved and push_back never deduplicates.
type Set struct {
	params []tag.KeyParameter
}

// New creates an empty Set, optionally seeded with params in order.
func New(params ...tag.KeyParameter) *Set {
	s := &Set{}
	if len(params) > 0 {
		s.params = append(s.params, params...)
	}
	return s
}

// FromBuffer constructs a Set from a flat parameter buffer, the shape a
// KeyFactory or Context hands back after parsing a key blob. The wire/blob
// codec itself is out of scope for the core, but the core still needs to
// turn "a list of KeyParameters" into a Set.
func FromBuffer(params []tag.KeyParameter) *Set {
	return New(params...)
}

// Len returns the number of parameters in the set, including duplicates.
func (s *Set) Len() int {
	if s == nil {
		return 0
	}
	return len(s.params)
}

// At returns the parameter at index i. Callers must check 0 <= i < Len().
func (s *Set) At(i int) tag.KeyParameter {
	return s.params[i]
}

// PushBack appends a parameter, preserving prior ordering and without
// deduplicating. Never fails on a non-nil Set; returns UnknownError on a
// nil one. There is no MemoryAllocationFailed path: Go's allocator panics
// rather than returning an error on real exhaustion. The error return is
// kept because callers that cross a language boundary (e.g. a C-shim
// host) expect the signature.
func (s *Set) PushBack(p tag.KeyParameter) *kmerror.Error {
	if s == nil {
		return kmerror.New(kmerror.UnknownError, "push_back on nil authorization set")
	}
	s.params = append(s.params, p)
	return nil
}

// Find returns the index of the first KeyParameter with the given tag, or
// -1 if absent.
func (s *Set) Find(t tag.Tag) int {
	if s == nil {
		return -1
	}
	for i, p := range s.params {
		if p.Tag == t {
			return i
		}
	}
	return -1
}

// FindAll returns the indices of every KeyParameter with the given tag, in
// order. Used for repeatable tags (purpose, digest, padding,
// secure-user-id).
func (s *Set) FindAll(t tag.Tag) []int {
	if s == nil {
		return nil
	}
	var out []int
	for i, p := range s.params {
		if p.Tag == t {
			out = append(out, i)
		}
	}
	return out
}

// Erase removes the parameter at index i. Returns InvalidArgument if i is
// out of range.
func (s *Set) Erase(i int) *kmerror.Error {
	if s == nil || i < 0 || i >= len(s.params) {
		return kmerror.New(kmerror.InvalidArgument, "erase: index out of range")
	}
	s.params = append(s.params[:i], s.params[i+1:]...)
	return nil
}

// Contains reports whether some entry has both the tag and a
// type-qualified equal value.
func (s *Set) Contains(t tag.Tag, value tag.Value) bool {
	if s == nil {
		return false
	}
	want := tag.KeyParameter{Tag: t, Value: value}
	for _, p := range s.params {
		if p.Equal(want) {
			return true
		}
	}
	return false
}

// GetTagValue returns the first typed value for tag, and true iff present.
func (s *Set) GetTagValue(t tag.Tag) (tag.Value, bool) {
	idx := s.Find(t)
	if idx < 0 {
		return tag.Value{}, false
	}
	return s.params[idx].Value, true
}

// GetUint is a convenience accessor for TypeUint/TypeUintRep tags.
func (s *Set) GetUint(t tag.Tag) (uint32, bool) {
	v, ok := s.GetTagValue(t)
	return v.UintVal, ok
}

// GetUlong is a convenience accessor for TypeUlong/TypeUlongRep tags.
func (s *Set) GetUlong(t tag.Tag) (uint64, bool) {
	v, ok := s.GetTagValue(t)
	return v.UlongVal, ok
}

// GetEnum is a convenience accessor for TypeEnum/TypeEnumRep tags.
func (s *Set) GetEnum(t tag.Tag) (uint32, bool) {
	v, ok := s.GetTagValue(t)
	return v.EnumVal, ok
}

// GetBytes is a convenience accessor for TypeBytes tags.
func (s *Set) GetBytes(t tag.Tag) ([]byte, bool) {
	v, ok := s.GetTagValue(t)
	return v.BytesVal, ok
}

// All returns a read-only view of every parameter in insertion order. The
// returned slice aliases internal storage and must not be mutated.
func (s *Set) All() []tag.KeyParameter {
	if s == nil {
		return nil
	}
	return s.params
}

// Clone returns a deep-enough copy of s: the parameter slice is copied so
// the clone's PushBack/Erase never affects the original, though BignumVal/
// BytesVal byte slices are shared (callers that need to mutate those must
// copy them explicitly).
func (s *Set) Clone() *Set {
	if s == nil {
		return nil
	}
	out := make([]tag.KeyParameter, len(s.params))
	copy(out, s.params)
	return &Set{params: out}
}

// Merge appends every parameter of other onto s, in order, without
// deduplicating (mirrors push_back semantics for a whole set at once).
func (s *Set) Merge(other *Set) {
	if other == nil {
		return
	}
	s.params = append(s.params, other.params...)
}

// Equal reports whether s and o contain the same parameters in the same
// order.
func (s *Set) Equal(o *Set) bool {
	if s.Len() != o.Len() {
		return false
	}
	for i := range s.params {
		if !s.params[i].Equal(o.params[i]) {
			return false
		}
	}
	return true
}

// Zeroize overwrites any secret-shaped byte values (BIGNUM, BYTES) in
// place before the Set is dropped, per the secrets-hygiene obligation.
// Callers that own a Set containing key material should call
// this explicitly at the end of a Key's or Operation's lifetime; Go has no
// deterministic destructors, so this cannot be automatic.
func (s *Set) Zeroize() {
	if s == nil {
		return
	}
	for i := range s.params {
		switch s.params[i].Tag.Type {
		case tag.TypeBignum:
			zero(s.params[i].Value.BignumVal)
		case tag.TypeBytes:
			zero(s.params[i].Value.BytesVal)
		}
	}
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// Serialize flattens s into the wire shape a KeyBlob codec or a hidden-
// authentication-data construction needs: each parameter as
// (tag id, tag type, type-qualified value), length-prefixed for the
// variable-length BIGNUM/BYTES cases. The encoding is this core's own
// internal plumbing format, not AOSP's packed keymaster_blob_t layout; a
// real Context's actual blob codec remains an external collaborator.
func (s *Set) Serialize() []byte {
	var buf []byte
	var hdr [8]byte
	for _, p := range s.All() {
		binary.BigEndian.PutUint32(hdr[0:4], p.Tag.ID)
		binary.BigEndian.PutUint32(hdr[4:8], uint32(p.Tag.Type))
		buf = append(buf, hdr[:]...)

		switch p.Tag.Type {
		case tag.TypeEnum, tag.TypeEnumRep:
			buf = appendUint32(buf, p.Value.EnumVal)
		case tag.TypeUint, tag.TypeUintRep:
			buf = appendUint32(buf, p.Value.UintVal)
		case tag.TypeUlong, tag.TypeUlongRep:
			buf = appendUint64(buf, p.Value.UlongVal)
		case tag.TypeDate:
			buf = appendUint64(buf, p.Value.DateVal)
		case tag.TypeBool:
			if p.Value.BoolVal {
				buf = append(buf, 1)
			} else {
				buf = append(buf, 0)
			}
		case tag.TypeBignum:
			buf = appendBytes(buf, p.Value.BignumVal)
		case tag.TypeBytes:
			buf = appendBytes(buf, p.Value.BytesVal)
		}
	}
	return buf
}

// Deserialize parses the flat buffer Serialize produces back into a Set.
// Returns MemoryAllocationFailed's sibling InvalidArgument on truncated or
// malformed input rather than panicking, since this runs on caller-
// supplied bytes crossing a trust boundary.
func Deserialize(buf []byte) (*Set, *kmerror.Error) {
	s := New()
	for len(buf) > 0 {
		if len(buf) < 8 {
			return nil, kmerror.New(kmerror.InvalidArgument, "authset: truncated parameter header")
		}
		id := binary.BigEndian.Uint32(buf[0:4])
		typ := tag.Type(binary.BigEndian.Uint32(buf[4:8]))
		buf = buf[8:]
		t := tag.Tag{ID: id, Type: typ}

		var v tag.Value
		var err *kmerror.Error
		switch typ {
		case tag.TypeEnum, tag.TypeEnumRep:
			v.EnumVal, buf, err = readUint32(buf)
		case tag.TypeUint, tag.TypeUintRep:
			v.UintVal, buf, err = readUint32(buf)
		case tag.TypeUlong, tag.TypeUlongRep:
			v.UlongVal, buf, err = readUint64(buf)
		case tag.TypeDate:
			v.DateVal, buf, err = readUint64(buf)
		case tag.TypeBool:
			if len(buf) < 1 {
				err = kmerror.New(kmerror.InvalidArgument, "authset: truncated bool value")
				break
			}
			v.BoolVal = buf[0] != 0
			buf = buf[1:]
		case tag.TypeBignum:
			v.BignumVal, buf, err = readBytes(buf)
		case tag.TypeBytes:
			v.BytesVal, buf, err = readBytes(buf)
		default:
			err = kmerror.New(kmerror.InvalidArgument, "authset: unknown tag type in buffer")
		}
		if err != nil {
			return nil, err
		}
		s.PushBack(tag.KeyParameter{Tag: t, Value: v})
	}
	return s, nil
}

func appendUint32(buf []byte, v uint32) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return append(buf, b[:]...)
}

func appendUint64(buf []byte, v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return append(buf, b[:]...)
}

func appendBytes(buf []byte, v []byte) []byte {
	buf = appendUint32(buf, uint32(len(v)))
	return append(buf, v...)
}

func readUint32(buf []byte) (uint32, []byte, *kmerror.Error) {
	if len(buf) < 4 {
		return 0, buf, kmerror.New(kmerror.InvalidArgument, "authset: truncated uint32 value")
	}
	return binary.BigEndian.Uint32(buf[:4]), buf[4:], nil
}

func readUint64(buf []byte) (uint64, []byte, *kmerror.Error) {
	if len(buf) < 8 {
		return 0, buf, kmerror.New(kmerror.InvalidArgument, "authset: truncated uint64 value")
	}
	return binary.BigEndian.Uint64(buf[:8]), buf[8:], nil
}

func readBytes(buf []byte) ([]byte, []byte, *kmerror.Error) {
	n, rest, err := readUint32(buf)
	if err != nil {
		return nil, buf, err
	}
	if uint32(len(rest)) < n {
		return nil, buf, kmerror.New(kmerror.InvalidArgument, "authset: truncated length-prefixed value")
	}
	out := make([]byte, n)
	copy(out, rest[:n])
	return out, rest[n:], nil
}

// MakeAdditionalData extracts the "hidden" parameters a KeyBlob codec
// authenticates a blob against without persisting them in the blob itself
// — APPLICATION_ID and APPLICATION_DATA — and serializes them into
// additional authenticated data. Mirrors AOSP's hidden-authorization-set
// construction used to build a blob's AAD: a caller that does not
// re-supply the same APPLICATION_ID/APPLICATION_DATA at parse time must
// not be able to unseal the blob.
func MakeAdditionalData(params *Set) []byte {
	hidden := New()
	if v, ok := params.GetBytes(tag.ApplicationID); ok {
		hidden.PushBack(tag.Bytes(tag.ApplicationID, v))
	}
	if v, ok := params.GetBytes(tag.ApplicationData); ok {
		hidden.PushBack(tag.Bytes(tag.ApplicationData, v))
	}
	return hidden.Serialize()
}
