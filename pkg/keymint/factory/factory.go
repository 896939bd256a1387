// Package factory defines KeyFactory, the per-algorithm collaborator the
// core consumes for generation, import, and operation construction. The
// core never interprets key material; it only plumbs requests to the
// factory and responses back to the client.
package factory

import (
	"github.com/marmos91/keymintcore/pkg/keymint/authset"
	"github.com/marmos91/keymintcore/pkg/keymint/key"
	"github.com/marmos91/keymintcore/pkg/keymint/keyblob"
	"github.com/marmos91/keymintcore/pkg/keymint/kmerror"
	"github.com/marmos91/keymintcore/pkg/keymint/operation"
)

// KeyFormat identifies the wire encoding of imported/exported key
// material (e.g. PKCS8, RAW, X509) — the concrete values are defined by
// whichever factory implementation cares about them; the core treats
// KeyFormat as an opaque small integer.
type KeyFormat uint32

// GenerateResult bundles everything GenerateKey/ImportKey hand back.
type GenerateResult struct {
	Blob       keyblob.Blob
	HwEnforced *authset.Set
	SwEnforced *authset.Set
	CertChain  [][]byte
}

// Factory is a per-algorithm object offering generate/import/parse and
// operation-factory lookup. Each algorithm (AES, RSA, EC,
// HMAC, ...) implements one Factory.
type Factory interface {
	// AlgorithmName identifies the factory for logging/diagnostics and
	// satisfies key.Factory so Key.Factory() can be stored without an
	// import cycle.
	AlgorithmName() string

	// GenerateKey creates fresh key material per description. attestKey,
	// when non-nil, is the already-parsed attestation-signing key (the
	// dispatcher loads and version-checks its blob before delegating) used
	// to sign the resulting certificate chain instead of a
	// factory-internal attestation root.
	GenerateKey(description *authset.Set, attestKey *key.Key, issuerSubject []byte) (GenerateResult, *kmerror.Error)

	// ImportKey parses caller-supplied key material in keyFormat and
	// authorizes it per description. attestKey follows the GenerateKey
	// contract.
	ImportKey(description *authset.Set, keyFormat KeyFormat, keyData []byte, attestKey *key.Key, issuerSubject []byte) (GenerateResult, *kmerror.Error)

	// SupportedImportFormats lists formats ImportKey accepts.
	SupportedImportFormats() []KeyFormat

	// SupportedExportFormats lists formats ExportKey can produce.
	SupportedExportFormats() []KeyFormat

	// GetOperationFactory returns the operation.Factory for purpose, or
	// nil if this algorithm does not support it.
	GetOperationFactory(purpose operation.Purpose) operation.Factory
}
