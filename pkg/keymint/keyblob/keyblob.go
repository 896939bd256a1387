// Package keyblob defines the opaque, Context-owned byte container that
// represents a persisted key outside the trusted environment. The core
// never interprets the bytes; it only plumbs them between the dispatcher
// and the Context/KeyFactory collaborators.
package keyblob

// Blob is an opaque byte sequence produced by a KeyFactory and understood
// only by the Context that issued it. The core treats Blob as a value type
// it copies and compares but never decodes.
type Blob struct {
	data []byte
}

// New wraps raw bytes as a Blob. The caller retains no further claim on
// the slice; New does not copy, matching the "opaque, plumbed-through"
// contract — Context implementations that need to retain bytes across
// calls should copy defensively themselves.
func New(data []byte) Blob {
	return Blob{data: data}
}

// Bytes returns the underlying opaque bytes.
func (b Blob) Bytes() []byte {
	return b.data
}

// Empty reports whether the blob carries no bytes (e.g. a zero-value Blob
// returned alongside a non-nil error).
func (b Blob) Empty() bool {
	return len(b.data) == 0
}

// Equal reports whether two blobs carry identical bytes.
func (b Blob) Equal(o Blob) bool {
	if len(b.data) != len(o.data) {
		return false
	}
	for i := range b.data {
		if b.data[i] != o.data[i] {
			return false
		}
	}
	return true
}
