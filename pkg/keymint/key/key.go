// Package key implements the in-memory parsed Key: key material plus its
// two authorization lists and a non-owning back-reference to the factory
// that parsed it.
package key

import (
	"github.com/marmos91/keymintcore/pkg/keymint/authset"
	"github.com/marmos91/keymintcore/pkg/keymint/tag"
)

// Factory is the minimal surface a Key needs from its owning KeyFactory.
// It is defined here (rather than Key depending on the full factory
// package) so that key has no import-cycle with factory: factory.Factory
// satisfies this interface structurally.
type Factory interface {
	AlgorithmName() string
}

// Key is the in-memory representation of a parsed or freshly generated
// key. It owns its material and authorization lists exclusively until it
// is moved into an Operation at Begin.
//
// Key's reference to its factory is non-owning: the factory lives in the
// Context and outlives any Key. Modeled here as a plain interface value
// rather than a pointer with explicit lifetime, since Go has no borrow
// checker to express that statically.
type Key struct {
	Material   []byte
	HwEnforced *authset.Set
	SwEnforced *authset.Set
	factory    Factory
	consumed   bool
}

// New builds a Key from parsed material and authorization lists.
func New(material []byte, hwEnforced, swEnforced *authset.Set, factory Factory) *Key {
	return &Key{
		Material:   material,
		HwEnforced: hwEnforced,
		SwEnforced: swEnforced,
		factory:    factory,
	}
}

// Factory returns the non-owning back-reference to the KeyFactory that
// parsed or generated this key.
func (k *Key) Factory() Factory {
	return k.factory
}

// Algorithm looks up TAG_ALGORITHM across hw- then sw-enforced, mirroring
// the precedence used for OS_PATCHLEVEL in the version check.
func (k *Key) Algorithm() (uint32, bool) {
	if v, ok := k.HwEnforced.GetEnum(tag.Algorithm); ok {
		return v, true
	}
	return k.SwEnforced.GetEnum(tag.Algorithm)
}

// OSPatchlevel returns the first defined OS_PATCHLEVEL from hw-enforced,
// else sw-enforced, else (0, false) meaning "not present, skip the check".
func (k *Key) OSPatchlevel() (uint32, bool) {
	if v, ok := k.HwEnforced.GetUint(tag.OSPatchlevel); ok {
		return v, true
	}
	return k.SwEnforced.GetUint(tag.OSPatchlevel)
}

// Take consumes the Key for a Begin call, returning its material and
// lists while marking the Key itself unusable. This is the take/move
// idiom in place of reference counting: calling Take twice on the same
// *Key is a programmer error and panics.
func (k *Key) Take() (material []byte, hwEnforced, swEnforced *authset.Set) {
	if k.consumed {
		panic("key: Take called twice on the same Key")
	}
	k.consumed = true
	return k.Material, k.HwEnforced, k.SwEnforced
}

// Consumed reports whether Take has already been called.
func (k *Key) Consumed() bool {
	return k.consumed
}

// Zeroize scrubs key material and authorization-list secrets in place.
// Called on every Begin-failure path and whenever a Key is dropped without
// being consumed.
func (k *Key) Zeroize() {
	if k == nil {
		return
	}
	for i := range k.Material {
		k.Material[i] = 0
	}
	k.HwEnforced.Zeroize()
	k.SwEnforced.Zeroize()
}
