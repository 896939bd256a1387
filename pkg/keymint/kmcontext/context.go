// Package kmcontext defines Context, the contract with the trusted
// environment hosting the core: factories, policy, system versions,
// storage, RNG, and attestation.
//
// The package is named kmcontext rather than context to avoid shadowing
// the standard library's context.Context when both are imported, the same
// way a Go codebase might import both "time" and an app-specific "clock"
// package side by side.
package kmcontext

import (
	"github.com/marmos91/keymintcore/pkg/keymint/authset"
	"github.com/marmos91/keymintcore/pkg/keymint/factory"
	"github.com/marmos91/keymintcore/pkg/keymint/key"
	"github.com/marmos91/keymintcore/pkg/keymint/keyblob"
	"github.com/marmos91/keymintcore/pkg/keymint/kmerror"
	"github.com/marmos91/keymintcore/pkg/keymint/operation"
	"github.com/marmos91/keymintcore/pkg/keymint/policy"
)

// KmVersion enumerates the Keymaster/KeyMint generations the dispatcher
// can negotiate against.
type KmVersion uint32

const (
	KeymasterUnknown KmVersion = iota
	Keymaster2
	Keymaster3
	Keymaster4
	KeyMint1
	KeyMint2
	KeyMint3
)

// Algorithm is an opaque small integer identifying a key algorithm; the
// core never branches on its concrete value, only uses it to look up a
// factory.Factory.
type Algorithm uint32

// UnwrapResult bundles what Context.UnwrapKey hands back to the
// dispatcher's ImportWrappedKey handler.
type UnwrapResult struct {
	KeyDescription *authset.Set
	KeyFormat      factory.KeyFormat
	SecretKey      []byte
}

// SecureKeyStorage is the optional collaborator backing single-use key
// deletion. A Context with no secure storage disables that path entirely,
// the sibling of a nil Policy degrading gracefully.
type SecureKeyStorage interface {
	DeleteKey(keyID string) *kmerror.Error
}

// Context is the trusted-environment contract the dispatcher depends on.
type Context interface {
	// GetKmVersion returns the generation this Context implements.
	GetKmVersion() KmVersion

	// GetSystemVersion returns the current OS version and patch level.
	GetSystemVersion() (osVersion, osPatchlevel uint32)

	// SetSystemVersion sets the OS version/patch level (Configure).
	// Implementations may reject changes after the first successful call
	// per their own policy.
	SetSystemVersion(osVersion, osPatchlevel uint32) *kmerror.Error

	// GetSupportedAlgorithms lists every algorithm this Context can
	// resolve a factory for.
	GetSupportedAlgorithms() []Algorithm

	// GetKeyFactory resolves the per-algorithm KeyFactory, or nil if
	// unsupported.
	GetKeyFactory(alg Algorithm) factory.Factory

	// GetOperationFactory resolves the per-algorithm,-purpose
	// OperationFactory, or nil if unsupported.
	GetOperationFactory(alg Algorithm, purpose operation.Purpose) operation.Factory

	// ParseKeyBlob reconstructs a Key from an opaque blob plus any
	// additional params supplied by the caller (e.g. application id/data
	// needed to unseal the blob).
	ParseKeyBlob(blob keyblob.Blob, additionalParams *authset.Set) (*key.Key, *kmerror.Error)

	// UpgradeKeyBlob produces a new blob reflecting the current system
	// version/patchlevel, for a key whose stored patchlevel has fallen
	// behind.
	UpgradeKeyBlob(blob keyblob.Blob, upgradeParams *authset.Set) (keyblob.Blob, *kmerror.Error)

	// DeleteKey removes a single key, by blob, from any tracked state.
	DeleteKey(blob keyblob.Blob) *kmerror.Error

	// DeleteAllKeys removes every tracked key.
	DeleteAllKeys() *kmerror.Error

	// AddRngEntropy forwards caller-supplied bytes to the RNG entropy
	// sink. Additions are append-only and commute.
	AddRngEntropy(bytes []byte) *kmerror.Error

	// GenerateRandom draws n cryptographically random bytes from the same
	// RNG entropy sink AddRngEntropy feeds. The dispatcher uses this, not
	// a package-level fallback, to mint operation handles: they must come
	// from the service's own RNG so they stay unpredictable across the
	// entropy additions a caller contributes.
	GenerateRandom(n int) ([]byte, *kmerror.Error)

	// GenerateAttestation builds a certificate chain for k, signed by
	// signingKey (the device's attestation root if signingKey is empty).
	GenerateAttestation(k *key.Key, params *authset.Set, signingKey keyblob.Blob, issuerSubject []byte) ([][]byte, *kmerror.Error)

	// UnwrapKey decrypts a wrapped key description using wrappingKey,
	// authenticating aad and, if present, a masking key.
	UnwrapKey(wrapped []byte, wrappingKey keyblob.Blob, aad []byte, maskingKey []byte) (UnwrapResult, *kmerror.Error)

	// EnforcementPolicy returns the installed policy, or nil if none is
	// configured.
	EnforcementPolicy() policy.Policy

	// SecureKeyStorage returns the installed secure-storage backend, or
	// nil if none is configured.
	SecureKeyStorage() SecureKeyStorage
}
