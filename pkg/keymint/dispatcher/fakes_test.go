package dispatcher_test

import (
	"crypto/rand"
	"fmt"
	"sync"

	"github.com/marmos91/keymintcore/pkg/keymint/authset"
	"github.com/marmos91/keymintcore/pkg/keymint/factory"
	"github.com/marmos91/keymintcore/pkg/keymint/key"
	"github.com/marmos91/keymintcore/pkg/keymint/keyblob"
	"github.com/marmos91/keymintcore/pkg/keymint/kmcontext"
	"github.com/marmos91/keymintcore/pkg/keymint/kmerror"
	"github.com/marmos91/keymintcore/pkg/keymint/operation"
	"github.com/marmos91/keymintcore/pkg/keymint/policy"
	"github.com/marmos91/keymintcore/pkg/keymint/tag"
)

// fakeAlgorithm is the only algorithm the fake Context supports, standing
// in for AES in the scenario tests.
const fakeAlgorithm kmcontext.Algorithm = 1

type storedKey struct {
	material []byte
	hw       *authset.Set
	sw       *authset.Set
}

// fakeContext is a minimal in-memory kmcontext.Context used only to drive
// the dispatcher's FSM and version-check logic in tests; it is not a
// reference implementation (see pkg/keymint/refimpl for that).
type fakeContext struct {
	mu           sync.Mutex
	nextID       int
	store        map[string]*storedKey
	osVersion    uint32
	osPatchlevel uint32
	pol          policy.Policy
	storage      kmcontext.SecureKeyStorage
	kmVersion    kmcontext.KmVersion
	opFactories  map[operation.Purpose]operation.Factory
}

func newFakeContext() *fakeContext {
	return &fakeContext{
		store:       make(map[string]*storedKey),
		kmVersion:   kmcontext.KeyMint1,
		opFactories: make(map[operation.Purpose]operation.Factory),
	}
}

func (c *fakeContext) GetKmVersion() kmcontext.KmVersion { return c.kmVersion }

func (c *fakeContext) GetSystemVersion() (uint32, uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.osVersion, c.osPatchlevel
}

func (c *fakeContext) SetSystemVersion(osVersion, osPatchlevel uint32) *kmerror.Error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.osVersion = osVersion
	c.osPatchlevel = osPatchlevel
	return nil
}

func (c *fakeContext) GetSupportedAlgorithms() []kmcontext.Algorithm {
	return []kmcontext.Algorithm{fakeAlgorithm}
}

func (c *fakeContext) GetKeyFactory(alg kmcontext.Algorithm) factory.Factory {
	if alg != fakeAlgorithm {
		return nil
	}
	return &fakeKeyFactory{ctx: c}
}

func (c *fakeContext) GenerateRandom(n int) ([]byte, *kmerror.Error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, kmerror.Wrap(kmerror.UnknownError, "rng failure", err)
	}
	return b, nil
}

func (c *fakeContext) AddRngEntropy(bytes []byte) *kmerror.Error { return nil }

func (c *fakeContext) ParseKeyBlob(blob keyblob.Blob, additionalParams *authset.Set) (*key.Key, *kmerror.Error) {
	c.mu.Lock()
	sk, ok := c.store[string(blob.Bytes())]
	c.mu.Unlock()
	if !ok {
		return nil, kmerror.New(kmerror.InvalidKeyBlob, "no such key blob")
	}
	return key.New(append([]byte(nil), sk.material...), sk.hw.Clone(), sk.sw.Clone(), &fakeKeyFactory{ctx: c}), nil
}

func (c *fakeContext) UpgradeKeyBlob(blob keyblob.Blob, upgradeParams *authset.Set) (keyblob.Blob, *kmerror.Error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	sk, ok := c.store[string(blob.Bytes())]
	if !ok {
		return keyblob.Blob{}, kmerror.New(kmerror.InvalidKeyBlob, "no such key blob")
	}
	newHw := sk.hw.Clone()
	if idx := newHw.Find(tag.OSPatchlevel); idx >= 0 {
		newHw.Erase(idx)
	}
	newHw.PushBack(tag.Uint(tag.OSPatchlevel, c.osPatchlevel))
	c.nextID++
	newID := fmt.Sprintf("key-%d", c.nextID)
	c.store[newID] = &storedKey{material: sk.material, hw: newHw, sw: sk.sw}
	return keyblob.New([]byte(newID)), nil
}

func (c *fakeContext) DeleteKey(blob keyblob.Blob) *kmerror.Error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.store, string(blob.Bytes()))
	return nil
}

func (c *fakeContext) DeleteAllKeys() *kmerror.Error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.store = make(map[string]*storedKey)
	return nil
}

func (c *fakeContext) GenerateAttestation(k *key.Key, params *authset.Set, signingKey keyblob.Blob, issuerSubject []byte) ([][]byte, *kmerror.Error) {
	return [][]byte{[]byte("fake-cert")}, nil
}

func (c *fakeContext) UnwrapKey(wrapped []byte, wrappingKey keyblob.Blob, aad []byte, maskingKey []byte) (kmcontext.UnwrapResult, *kmerror.Error) {
	return kmcontext.UnwrapResult{}, kmerror.New(kmerror.Unimplemented, "fake context does not unwrap")
}

func (c *fakeContext) EnforcementPolicy() policy.Policy { return c.pol }

func (c *fakeContext) SecureKeyStorage() kmcontext.SecureKeyStorage { return c.storage }

// genKey is a test helper: stores material+lists directly and returns a
// blob, bypassing GenerateKey/ImportKey request plumbing.
func (c *fakeContext) genKey(hw, sw *authset.Set) keyblob.Blob {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	id := fmt.Sprintf("key-%d", c.nextID)
	c.store[id] = &storedKey{material: []byte("material"), hw: hw, sw: sw}
	return keyblob.New([]byte(id))
}

func (c *fakeContext) setOperationFactory(purpose operation.Purpose, f operation.Factory) {
	c.opFactories[purpose] = f
}

func (c *fakeContext) GetOperationFactory(alg kmcontext.Algorithm, purpose operation.Purpose) operation.Factory {
	if alg != fakeAlgorithm {
		return nil
	}
	return c.opFactories[purpose]
}

// fakeKeyFactory is the non-owning factory back-reference Keys carry; it
// is not exercised as a generate/import collaborator in the FSM tests
// (those install keys directly via fakeContext.genKey).
type fakeKeyFactory struct {
	ctx *fakeContext
}

func (f *fakeKeyFactory) AlgorithmName() string { return "FAKE" }

func (f *fakeKeyFactory) GenerateKey(description *authset.Set, attestKey *key.Key, issuerSubject []byte) (factory.GenerateResult, *kmerror.Error) {
	hw := authset.New()
	if v, ok := description.GetUint(tag.OSPatchlevel); ok {
		hw.PushBack(tag.Uint(tag.OSPatchlevel, v))
	}
	if v, ok := description.GetEnum(tag.Algorithm); ok {
		hw.PushBack(tag.Enum(tag.Algorithm, v))
	}
	for _, idx := range description.FindAll(tag.UsageCountLimit) {
		hw.PushBack(description.At(idx))
	}
	sw := description.Clone()
	blob := f.ctx.genKey(hw, sw)
	return factory.GenerateResult{Blob: blob, HwEnforced: hw, SwEnforced: sw, CertChain: nil}, nil
}

func (f *fakeKeyFactory) ImportKey(description *authset.Set, keyFormat factory.KeyFormat, keyData []byte, attestKey *key.Key, issuerSubject []byte) (factory.GenerateResult, *kmerror.Error) {
	return f.GenerateKey(description, attestKey, issuerSubject)
}

func (f *fakeKeyFactory) SupportedImportFormats() []factory.KeyFormat { return []factory.KeyFormat{1} }
func (f *fakeKeyFactory) SupportedExportFormats() []factory.KeyFormat { return []factory.KeyFormat{1} }

func (f *fakeKeyFactory) GetOperationFactory(purpose operation.Purpose) operation.Factory {
	return f.ctx.opFactories[purpose]
}

// fakeOperationFactory builds fakeOperations; failUpdateInput/failFinishInput,
// when non-nil, make Update/Finish return INVALID_INPUT_LENGTH for an exact
// input match, modeling a malformed-params rejection.
type fakeOperationFactory struct {
	purpose         operation.Purpose
	failUpdateInput []byte
	failFinishInput []byte
}

func (f *fakeOperationFactory) SupportedBlockModes() []uint32   { return []uint32{1} }
func (f *fakeOperationFactory) SupportedPaddingModes() []uint32 { return []uint32{1} }
func (f *fakeOperationFactory) SupportedDigests() []uint32      { return []uint32{1} }

func (f *fakeOperationFactory) CreateOperation(k *key.Key, additionalParams *authset.Set) (operation.Operation, *kmerror.Error) {
	material, hw, sw := k.Take()
	auths := hw.Clone()
	auths.Merge(sw)
	return &fakeOperation{
		purpose:  f.purpose,
		material: material,
		auths:    auths,
		factory:  f,
	}, nil
}

// fakeOperation is an identity "cipher": Update/Finish echo their input as
// output, tracking begun/aborted state for assertions.
type fakeOperation struct {
	purpose  operation.Purpose
	material []byte
	auths    *authset.Set
	factory  *fakeOperationFactory
	keyID    string
	hasKeyID bool
	handle   uint64
	begun    bool
	aborted  bool
}

func (o *fakeOperation) Purpose() operation.Purpose   { return o.purpose }
func (o *fakeOperation) Authorizations() *authset.Set { return o.auths }
func (o *fakeOperation) KeyID() (string, bool)        { return o.keyID, o.hasKeyID }
func (o *fakeOperation) SetKeyID(id string)           { o.keyID, o.hasKeyID = id, true }
func (o *fakeOperation) OperationHandle() uint64      { return o.handle }
func (o *fakeOperation) SetOperationHandle(h uint64)  { o.handle = h }

func (o *fakeOperation) Begin(params *authset.Set) (*authset.Set, *kmerror.Error) {
	o.begun = true
	return authset.New(), nil
}

func (o *fakeOperation) Update(params *authset.Set, input []byte) (*authset.Set, []byte, int, *kmerror.Error) {
	if o.factory.failUpdateInput != nil && string(input) == string(o.factory.failUpdateInput) {
		return nil, nil, 0, kmerror.New(kmerror.InvalidInputLength, "malformed update input")
	}
	return authset.New(), append([]byte(nil), input...), len(input), nil
}

func (o *fakeOperation) Finish(params *authset.Set, input, signature []byte) (*authset.Set, []byte, *kmerror.Error) {
	if o.factory.failFinishInput != nil && string(input) == string(o.factory.failFinishInput) {
		return nil, nil, kmerror.New(kmerror.InvalidInputLength, "malformed finish input")
	}
	return authset.New(), append([]byte(nil), input...), nil
}

func (o *fakeOperation) Abort() *kmerror.Error {
	o.aborted = true
	return nil
}

// fakeSecureStorage records DeleteKey calls for the single-use scenario.
type fakeSecureStorage struct {
	mu      sync.Mutex
	deleted []string
}

func (s *fakeSecureStorage) DeleteKey(keyID string) *kmerror.Error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleted = append(s.deleted, keyID)
	return nil
}

// fakePolicy is a permissive policy that always authorizes and derives a
// key id from the blob bytes directly.
type fakePolicy struct {
	mu           sync.Mutex
	earlyBoot    bool
	authorizeErr *kmerror.Error
}

func (p *fakePolicy) AuthorizeOperation(purpose operation.Purpose, keyID string, keyAuthorizations, opParams *authset.Set, opHandle uint64, isBegin bool) *kmerror.Error {
	return p.authorizeErr
}

func (p *fakePolicy) CreateKeyId(blob keyblob.Blob) (string, *kmerror.Error) {
	return string(blob.Bytes()), nil
}

func (p *fakePolicy) GetHmacSharingParameters() (policy.HmacSharingParameters, *kmerror.Error) {
	return policy.HmacSharingParameters{}, nil
}

func (p *fakePolicy) ComputeSharedHmac(params []policy.HmacSharingParameters) (policy.SharingCheck, *kmerror.Error) {
	return policy.SharingCheck{}, nil
}

func (p *fakePolicy) VerifyAuthorization(req policy.VerifyAuthorizationRequest) (policy.VerifyAuthorizationResponse, *kmerror.Error) {
	return policy.VerifyAuthorizationResponse{Verified: true}, nil
}

func (p *fakePolicy) GenerateTimestampToken(challenge []byte) (policy.TimestampToken, *kmerror.Error) {
	return policy.TimestampToken{Challenge: challenge}, nil
}

func (p *fakePolicy) InEarlyBoot() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.earlyBoot
}

func (p *fakePolicy) EarlyBootEnded() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.earlyBoot = false
}

func (p *fakePolicy) DeviceLocked(passwordOnly bool) {}
