// Package operation defines the Operation and OperationFactory interfaces
// that back a single cryptographic session. The core drives
// these four methods through the Begin/Update/Finish/Abort FSM in the
// dispatcher package; it never reaches into algorithm-specific state.
package operation

import (
	"github.com/marmos91/keymintcore/pkg/keymint/authset"
	"github.com/marmos91/keymintcore/pkg/keymint/kmerror"
	"github.com/marmos91/keymintcore/pkg/keymint/key"
)

// Purpose identifies what a key is being used for in a given Operation.
type Purpose uint32

const (
	PurposeEncrypt Purpose = iota + 1
	PurposeDecrypt
	PurposeSign
	PurposeVerify
	PurposeWrapKey
	PurposeAgreeKey
	PurposeAttestKey
)

// Operation is the state object a KeyFactory's OperationFactory hands back
// from CreateOperation. The dispatcher owns exactly one Operation per live
// handle and drives it exclusively through this interface; the algorithm-
// specific mutable state (e.g. a streaming cipher) lives entirely behind
// it.
//
// Implementations are not required to be safe for concurrent use: correct
// clients serialize Update/Finish per handle, and the dispatcher's
// OperationTable provides the only synchronization the
// core guarantees.
type Operation interface {
	// Purpose returns the purpose this operation was created for.
	Purpose() Purpose

	// Authorizations returns the authorization set captured at Begin
	// (typically the key's hw/sw-enforced lists merged, or a factory-
	// specific view); used by EnforcementPolicy.AuthorizeOperation.
	Authorizations() *authset.Set

	// KeyID returns the policy-scoped key id attached by the dispatcher
	// after EnforcementPolicy.CreateKeyId, or ("", false) before that.
	KeyID() (string, bool)

	// SetKeyID attaches the policy-scoped key id. Called once, by the
	// dispatcher, between CreateOperation and Begin.
	SetKeyID(id string)

	// OperationHandle returns the handle assigned when the operation was
	// installed into the OperationTable, or 0 before that happens.
	OperationHandle() uint64

	// SetOperationHandle assigns the handle. Called once, by the
	// dispatcher, immediately before OperationTable.Add.
	SetOperationHandle(h uint64)

	// Begin initializes algorithm-specific state from params, producing
	// any out_params the client must echo into subsequent calls (e.g. an
	// IV). Called at most once.
	Begin(params *authset.Set) (outParams *authset.Set, err *kmerror.Error)

	// Update consumes a chunk of input, producing output and reporting
	// how many input bytes were actually consumed. inputConsumed may be
	// less than len(input); the dispatcher passes partial-consumption
	// semantics through untouched.
	Update(params *authset.Set, input []byte) (outParams *authset.Set, output []byte, inputConsumed int, err *kmerror.Error)

	// Finish consumes any final input plus an optional signature (for
	// VERIFY operations) and produces the final output.
	Finish(params *authset.Set, input, signature []byte) (outParams *authset.Set, output []byte, err *kmerror.Error)

	// Abort releases algorithm-specific state without producing output.
	Abort() *kmerror.Error
}

// Factory is algorithm x purpose specific: it knows what block modes,
// padding modes, and digests it supports, and constructs Operation values
// bound to a single purpose.
type Factory interface {
	SupportedBlockModes() []uint32
	SupportedPaddingModes() []uint32
	SupportedDigests() []uint32

	// CreateOperation takes ownership of k (the dispatcher has already
	// called k.Take() conceptually — in Go terms, CreateOperation is
	// handed the Key and must not retain it beyond extracting what it
	// needs, mirroring move semantics). A nil Operation means the factory
	// rejected params; err explains why.
	CreateOperation(k *key.Key, additionalParams *authset.Set) (Operation, *kmerror.Error)
}
