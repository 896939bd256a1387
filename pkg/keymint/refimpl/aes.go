// Package refimpl is a reference Context/KeyFactory/EnforcementPolicy
// trio that wires the core's interfaces to a concrete backend: badger for
// durable state, golang-jwt for the policy's auth tokens, stdlib
// crypto/hmac for its inter-TA HMAC machinery, google/uuid for policy-scoped key ids, and stdlib AES-GCM/CTR
// for key sealing and the one demonstration algorithm. It exists so the
// dispatcher can be exercised end to end without a real secure element;
// production hosts are expected to supply their own Context backed by
// actual hardware-isolated storage and crypto.
package refimpl

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"

	"github.com/marmos91/keymintcore/pkg/keymint/authset"
	"github.com/marmos91/keymintcore/pkg/keymint/factory"
	"github.com/marmos91/keymintcore/pkg/keymint/key"
	"github.com/marmos91/keymintcore/pkg/keymint/kmerror"
	"github.com/marmos91/keymintcore/pkg/keymint/operation"
	"github.com/marmos91/keymintcore/pkg/keymint/tag"
)

// AESAlgorithm is the demonstration algorithm id this factory registers
// under in a Context built by New.
const AESAlgorithm = 1

const (
	keyFormatRaw factory.KeyFormat = 1
)

// aesFactory is a single-algorithm factory.Factory for AES keys, operated
// in CTR mode so Update/Finish never need block-alignment bookkeeping.
type aesFactory struct {
	ctx *Context
}

func newAESFactory(ctx *Context) *aesFactory {
	return &aesFactory{ctx: ctx}
}

func (f *aesFactory) AlgorithmName() string { return "AES" }

func (f *aesFactory) GenerateKey(description *authset.Set, attestKey *key.Key, issuerSubject []byte) (factory.GenerateResult, *kmerror.Error) {
	material, kerr := f.ctx.GenerateRandom(32)
	if kerr != nil {
		return factory.GenerateResult{}, kerr
	}
	return f.build(material, description, attestKey, issuerSubject)
}

func (f *aesFactory) ImportKey(description *authset.Set, keyFormat factory.KeyFormat, keyData []byte, attestKey *key.Key, issuerSubject []byte) (factory.GenerateResult, *kmerror.Error) {
	if keyFormat != keyFormatRaw {
		return factory.GenerateResult{}, kmerror.New(kmerror.UnsupportedKeyFormat, "aes: only raw key import is supported")
	}
	if len(keyData) != 16 && len(keyData) != 24 && len(keyData) != 32 {
		return factory.GenerateResult{}, kmerror.New(kmerror.InvalidArgument, "aes: key material must be 128/192/256 bits")
	}
	return f.build(keyData, description, attestKey, issuerSubject)
}

// build splits description into hw- and sw-enforced per the ALGORITHM tag
// always landing hardware-side (the only authorization this reference
// factory treats as security-critical); every other requested tag is
// sw-enforced, since this is a software stand-in with no real TEE. The
// Context's current OS version/patchlevel are stamped into hw_enforced at
// creation time, so the dispatcher's version check has something to compare
// when the system later moves forward.
func (f *aesFactory) build(material []byte, description *authset.Set, attestKey *key.Key, issuerSubject []byte) (factory.GenerateResult, *kmerror.Error) {
	osVersion, osPatchlevel := f.ctx.GetSystemVersion()
	hw := authset.New(
		tag.Enum(tag.Algorithm, AESAlgorithm),
		tag.Uint(tag.OSVersion, osVersion),
		tag.Uint(tag.OSPatchlevel, osPatchlevel),
	)
	sw := authset.New()
	for _, p := range description.All() {
		if p.Tag == tag.Algorithm {
			continue
		}
		sw.PushBack(p)
	}

	blob, kerr := f.ctx.sealKey(material, hw, sw, authset.MakeAdditionalData(description))
	if kerr != nil {
		return factory.GenerateResult{}, kerr
	}

	return factory.GenerateResult{
		Blob:       blob,
		HwEnforced: hw,
		SwEnforced: sw,
	}, nil
}

func (f *aesFactory) SupportedImportFormats() []factory.KeyFormat { return []factory.KeyFormat{keyFormatRaw} }
func (f *aesFactory) SupportedExportFormats() []factory.KeyFormat { return []factory.KeyFormat{keyFormatRaw} }

func (f *aesFactory) GetOperationFactory(purpose operation.Purpose) operation.Factory {
	switch purpose {
	case operation.PurposeEncrypt, operation.PurposeDecrypt:
		return aesOperationFactory{purpose: purpose}
	default:
		return nil
	}
}

// aesOperationFactory constructs CTR-mode streaming operations. It is
// purpose-bound at lookup time: GetOperationFactory resolves (algorithm,
// purpose), so CreateOperation never needs a PURPOSE entry in the Begin
// params.
type aesOperationFactory struct {
	purpose operation.Purpose
}

func (aesOperationFactory) SupportedBlockModes() []uint32   { return []uint32{blockModeCTR} }
func (aesOperationFactory) SupportedPaddingModes() []uint32 { return []uint32{paddingNone} }
func (aesOperationFactory) SupportedDigests() []uint32      { return nil }

const (
	blockModeCTR uint32 = 1
	paddingNone  uint32 = 1
)

func (f aesOperationFactory) CreateOperation(k *key.Key, additionalParams *authset.Set) (operation.Operation, *kmerror.Error) {
	material, hw, sw := k.Take()
	block, err := aes.NewCipher(material)
	if err != nil {
		return nil, kmerror.Wrap(kmerror.InvalidKeyBlob, "aes: bad key material", err)
	}

	auth := hw.Clone()
	auth.Merge(sw)

	return &aesOperation{
		purpose: f.purpose,
		block:   block,
		auth:    auth,
	}, nil
}

// aesOperation is CTR-mode: Begin mints (or accepts) an IV, Update/Finish
// both simply XOR the keystream into whatever input they are handed, so
// partial consumption never has to reason about padding.
type aesOperation struct {
	purpose operation.Purpose
	block   cipher.Block
	stream  cipher.Stream
	auth    *authset.Set
	keyID   string
	handle  uint64
}

func (o *aesOperation) Purpose() operation.Purpose    { return o.purpose }
func (o *aesOperation) Authorizations() *authset.Set  { return o.auth }
func (o *aesOperation) KeyID() (string, bool)         { return o.keyID, o.keyID != "" }
func (o *aesOperation) SetKeyID(id string)            { o.keyID = id }
func (o *aesOperation) OperationHandle() uint64       { return o.handle }
func (o *aesOperation) SetOperationHandle(h uint64)   { o.handle = h }

func (o *aesOperation) Begin(params *authset.Set) (*authset.Set, *kmerror.Error) {
	iv := make([]byte, o.block.BlockSize())
	if provided, ok := params.GetBytes(tagIV); ok {
		if len(provided) != len(iv) {
			return nil, kmerror.New(kmerror.InvalidArgument, "aes: wrong IV length")
		}
		copy(iv, provided)
	} else if _, err := rand.Read(iv); err != nil {
		return nil, kmerror.Wrap(kmerror.UnknownError, "aes: generating IV", err)
	}
	o.stream = cipher.NewCTR(o.block, iv)
	out := authset.New(tag.Bytes(tagIV, iv))
	return out, nil
}

func (o *aesOperation) Update(params *authset.Set, input []byte) (*authset.Set, []byte, int, *kmerror.Error) {
	if o.stream == nil {
		return nil, nil, 0, kmerror.New(kmerror.InvalidOperationHandle, "aes: Update before Begin")
	}
	out := make([]byte, len(input))
	o.stream.XORKeyStream(out, input)
	return nil, out, len(input), nil
}

func (o *aesOperation) Finish(params *authset.Set, input, signature []byte) (*authset.Set, []byte, *kmerror.Error) {
	if o.stream == nil {
		return nil, nil, kmerror.New(kmerror.InvalidOperationHandle, "aes: Finish before Begin")
	}
	out := make([]byte, len(input))
	o.stream.XORKeyStream(out, input)
	return nil, out, nil
}

func (o *aesOperation) Abort() *kmerror.Error {
	o.stream = nil
	return nil
}

// tagIV is a locally-defined tag for the CTR initialization vector; the
// core's tag package only enumerates the tags it interprets directly, so
// algorithm-specific tags like this one live with the algorithm that
// defines them.
var tagIV = tag.Tag{ID: 2001, Type: tag.TypeBytes}
