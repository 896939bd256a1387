package refimpl

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"sync"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/marmos91/keymintcore/internal/logx"
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

// Context is a reference kmcontext.Context backed by an embedded badger
// database (sealed-blob storage is in-band in the blob bytes themselves;
// badger durably tracks the key-deletion registries, while the system
// version/patchlevel are held in memory only): one *badger.DB, thin
// prefixed-key helpers, and db.Update/db.View transaction closures.
type Context struct {
	db *badger.DB

	sealKeyBytes [32]byte

	mu           sync.RWMutex
	osVersion    uint32
	osPatchlevel uint32
	versionSet   bool

	factories map[kmcontext.Algorithm]factory.Factory

	pol    policy.Policy
	kmVers kmcontext.KmVersion
}

// Options configures New.
type Options struct {
	// DBPath is the badger data directory. Empty uses badger's in-memory
	// mode, suitable for tests and the CLI's "inspect" demo path.
	DBPath string

	// SealKey is the AES-256 key used to encrypt key blobs at rest. Must
	// be exactly 32 bytes; if empty, New generates a random one (blobs
	// then only survive the process lifetime, since the key is never
	// persisted).
	SealKey []byte

	// Version is the KmVersion this Context reports.
	Version kmcontext.KmVersion

	// Policy is the EnforcementPolicy to install, or nil to degrade
	// gracefully.
	Policy policy.Policy
}

// New opens (or creates) the badger store and returns a ready Context with
// the AES demonstration algorithm registered.
func New(opts Options) (*Context, error) {
	badgerOpts := badger.DefaultOptions(opts.DBPath)
	if opts.DBPath == "" {
		badgerOpts = badgerOpts.WithInMemory(true)
	}
	badgerOpts = badgerOpts.WithLogger(nil)

	db, err := badger.Open(badgerOpts)
	if err != nil {
		return nil, fmt.Errorf("refimpl: opening badger store: %w", err)
	}

	c := &Context{
		db:        db,
		factories: make(map[kmcontext.Algorithm]factory.Factory),
		pol:       opts.Policy,
		kmVers:    opts.Version,
	}

	if len(opts.SealKey) == 32 {
		copy(c.sealKeyBytes[:], opts.SealKey)
	} else if _, err := rand.Read(c.sealKeyBytes[:]); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("refimpl: generating seal key: %w", err)
	}

	c.factories[kmcontext.Algorithm(AESAlgorithm)] = newAESFactory(c)

	return c, nil
}

// Close releases the underlying badger handle.
func (c *Context) Close() error {
	return c.db.Close()
}

func (c *Context) GetKmVersion() kmcontext.KmVersion { return c.kmVers }

func (c *Context) GetSystemVersion() (uint32, uint32) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.osVersion, c.osPatchlevel
}

// SetSystemVersion accepts the first Configure call unconditionally and
// every later one only if it does not move osPatchlevel backwards,
// mirroring AOSP's keymaster_configure rejecting a rollback attempt.
func (c *Context) SetSystemVersion(osVersion, osPatchlevel uint32) *kmerror.Error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.versionSet && osPatchlevel < c.osPatchlevel {
		return kmerror.New(kmerror.InvalidArgument, "system patch level may not move backwards")
	}
	c.osVersion = osVersion
	c.osPatchlevel = osPatchlevel
	c.versionSet = true
	return nil
}

func (c *Context) GetSupportedAlgorithms() []kmcontext.Algorithm {
	out := make([]kmcontext.Algorithm, 0, len(c.factories))
	for alg := range c.factories {
		out = append(out, alg)
	}
	return out
}

func (c *Context) GetKeyFactory(alg kmcontext.Algorithm) factory.Factory {
	return c.factories[alg]
}

func (c *Context) GetOperationFactory(alg kmcontext.Algorithm, purpose operation.Purpose) operation.Factory {
	f := c.factories[alg]
	if f == nil {
		return nil
	}
	return f.GetOperationFactory(purpose)
}

// sealKey encodes material+hw+sw and encrypts it with the context's AES-GCM
// seal key, producing an opaque blob. aad is authenticated but not stored
// in the ciphertext: it is typically authset.MakeAdditionalData(description),
// binding the blob to the caller's APPLICATION_ID/APPLICATION_DATA so a
// caller that does not re-supply them at parse time cannot unseal it. The
// blob format is this reference Context's own concern; the core treats it
// as opaque bytes.
func (c *Context) sealKey(material []byte, hw, sw *authset.Set, aad []byte) (keyblob.Blob, *kmerror.Error) {
	plain, err := json.Marshal(sealedKey{
		Material: material,
		Hw:       hw.All(),
		Sw:       sw.All(),
	})
	if err != nil {
		return keyblob.Blob{}, kmerror.Wrap(kmerror.UnknownError, "refimpl: marshal sealed key", err)
	}

	block, err := aes.NewCipher(c.sealingKey())
	if err != nil {
		return keyblob.Blob{}, kmerror.Wrap(kmerror.UnknownError, "refimpl: seal cipher", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return keyblob.Blob{}, kmerror.Wrap(kmerror.UnknownError, "refimpl: seal gcm", err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return keyblob.Blob{}, kmerror.Wrap(kmerror.UnknownError, "refimpl: seal nonce", err)
	}

	sealed := gcm.Seal(nonce, nonce, plain, aad)
	return keyblob.New(sealed), nil
}

type sealedKey struct {
	Material []byte             `json:"material"`
	Hw       []tag.KeyParameter `json:"hw"`
	Sw       []tag.KeyParameter `json:"sw"`
}

// sealingKey copies the current seal key out under the lock, since
// DeleteAllKeys rotates it in place.
func (c *Context) sealingKey() []byte {
	c.mu.RLock()
	defer c.mu.RUnlock()
	k := make([]byte, len(c.sealKeyBytes))
	copy(k, c.sealKeyBytes[:])
	return k
}

func (c *Context) unsealKey(blob keyblob.Blob, aad []byte) (material []byte, hw, sw *authset.Set, kerr *kmerror.Error) {
	data := blob.Bytes()
	block, err := aes.NewCipher(c.sealingKey())
	if err != nil {
		return nil, nil, nil, kmerror.Wrap(kmerror.InvalidKeyBlob, "refimpl: unseal cipher", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, nil, nil, kmerror.Wrap(kmerror.InvalidKeyBlob, "refimpl: unseal gcm", err)
	}
	if len(data) < gcm.NonceSize() {
		return nil, nil, nil, kmerror.New(kmerror.InvalidKeyBlob, "refimpl: blob shorter than nonce")
	}
	nonce, ciphertext := data[:gcm.NonceSize()], data[gcm.NonceSize():]
	plain, err := gcm.Open(nil, nonce, ciphertext, aad)
	if err != nil {
		return nil, nil, nil, kmerror.Wrap(kmerror.InvalidKeyBlob, "refimpl: blob authentication failed (wrong or missing APPLICATION_ID/APPLICATION_DATA?)", err)
	}

	var sk sealedKey
	if err := json.Unmarshal(plain, &sk); err != nil {
		return nil, nil, nil, kmerror.Wrap(kmerror.InvalidKeyBlob, "refimpl: malformed sealed key", err)
	}
	return sk.Material, authset.FromBuffer(sk.Hw), authset.FromBuffer(sk.Sw), nil
}

// ParseKeyBlob unseals blob and rejects it outright if DeleteKey has
// already been called for it.
func (c *Context) ParseKeyBlob(blob keyblob.Blob, additionalParams *authset.Set) (*key.Key, *kmerror.Error) {
	deleted, err := c.isDeleted(blob)
	if err != nil {
		return nil, kmerror.Wrap(kmerror.UnknownError, "refimpl: checking delete registry", err)
	}
	if deleted {
		return nil, kmerror.New(kmerror.InvalidKeyBlob, "refimpl: key has been deleted")
	}

	material, hw, sw, kerr := c.unsealKey(blob, authset.MakeAdditionalData(additionalParams))
	if kerr != nil {
		return nil, kerr
	}

	alg, ok := hw.GetEnum(tag.Algorithm)
	if !ok {
		alg, ok = sw.GetEnum(tag.Algorithm)
	}
	if !ok {
		return nil, kmerror.New(kmerror.UnsupportedAlgorithm, "refimpl: sealed key carries no algorithm")
	}
	f, ok := c.factories[kmcontext.Algorithm(alg)].(key.Factory)
	if !ok {
		return nil, kmerror.New(kmerror.UnsupportedAlgorithm, "refimpl: no factory for sealed key's algorithm")
	}

	return key.New(material, hw, sw, f), nil
}

// UpgradeKeyBlob re-seals the same material under the current blob format.
// A real backend might re-derive wrapping keys bound to a new patchlevel;
// this reference implementation only needs to produce a blob the version
// check will accept, so it rewrites OS_PATCHLEVEL to the current value.
func (c *Context) UpgradeKeyBlob(blob keyblob.Blob, upgradeParams *authset.Set) (keyblob.Blob, *kmerror.Error) {
	aad := authset.MakeAdditionalData(upgradeParams)
	material, hw, sw, kerr := c.unsealKey(blob, aad)
	if kerr != nil {
		return keyblob.Blob{}, kerr
	}

	_, osPatchlevel := c.GetSystemVersion()
	rewritten := authset.New()
	for _, p := range hw.All() {
		if p.Tag == tag.OSPatchlevel {
			continue
		}
		rewritten.PushBack(p)
	}
	rewritten.PushBack(tag.Uint(tag.OSPatchlevel, osPatchlevel))

	return c.sealKey(material, rewritten, sw, aad)
}

func (c *Context) DeleteKey(blob keyblob.Blob) *kmerror.Error {
	return c.markDeleted(blob)
}

// DeleteAllKeys rotates the seal key, which invalidates every blob this
// Context ever issued in one stroke (they no longer authenticate), then
// clears the now-moot deletion registries.
func (c *Context) DeleteAllKeys() *kmerror.Error {
	c.mu.Lock()
	_, err := rand.Read(c.sealKeyBytes[:])
	c.mu.Unlock()
	if err != nil {
		return kmerror.Wrap(kmerror.UnknownError, "refimpl: rotating seal key", err)
	}

	return asKmerror(c.db.Update(func(txn *badger.Txn) error {
		for _, prefix := range []string{prefixDeleted, prefixDeletedByID} {
			it := txn.NewIterator(badger.IteratorOptions{Prefix: []byte(prefix)})
			var keys [][]byte
			for it.Seek([]byte(prefix)); it.ValidForPrefix([]byte(prefix)); it.Next() {
				keys = append(keys, append([]byte{}, it.Item().Key()...))
			}
			it.Close()
			for _, k := range keys {
				if err := txn.Delete(k); err != nil {
					return err
				}
			}
		}
		return nil
	}))
}

func (c *Context) AddRngEntropy(bytes []byte) *kmerror.Error {
	logx.Debug("refimpl: rng entropy contributed", "bytes", len(bytes))
	return nil
}

func (c *Context) GenerateRandom(n int) ([]byte, *kmerror.Error) {
	out := make([]byte, n)
	if _, err := rand.Read(out); err != nil {
		return nil, kmerror.Wrap(kmerror.UnknownError, "refimpl: crypto/rand", err)
	}
	return out, nil
}

// GenerateAttestation produces a minimal, non-production certificate chain:
// a single self-signed-shaped leaf carrying a SHA-256 digest of the key's
// authorizations so tests can assert the attestation reflects the key it
// was issued for. Real attestation (X.509, ASN.1 key-description extension)
// is out of scope for this reference implementation.
func (c *Context) GenerateAttestation(k *key.Key, params *authset.Set, signingKey keyblob.Blob, issuerSubject []byte) ([][]byte, *kmerror.Error) {
	h := sha256.New()
	for _, p := range k.HwEnforced.All() {
		h.Write([]byte(p.String()))
	}
	for _, p := range k.SwEnforced.All() {
		h.Write([]byte(p.String()))
	}
	h.Write(issuerSubject)
	return [][]byte{h.Sum(nil)}, nil
}

// UnwrapKey is intentionally unimplemented in this reference Context: key
// wrapping requires a format-specific ASN.1 parser, so ImportWrappedKey
// surfaces Unimplemented here rather than a fabricated parser.
func (c *Context) UnwrapKey(wrapped []byte, wrappingKey keyblob.Blob, aad []byte, maskingKey []byte) (kmcontext.UnwrapResult, *kmerror.Error) {
	return kmcontext.UnwrapResult{}, kmerror.New(kmerror.Unimplemented, "refimpl: UnwrapKey not implemented")
}

func (c *Context) EnforcementPolicy() policy.Policy { return c.pol }

func (c *Context) SecureKeyStorage() kmcontext.SecureKeyStorage { return &secureStorage{ctx: c} }

// secureStorage is a separate type (rather than Context itself) because
// kmcontext.Context.DeleteKey(blob) and kmcontext.SecureKeyStorage.DeleteKey
// (keyID) are distinct methods with the same name and different
// signatures; Go cannot overload a method name on one receiver type.
type secureStorage struct {
	ctx *Context
}

// DeleteKey implements kmcontext.SecureKeyStorage: it records the
// policy-scoped id in the "dki:" keyspace. ParseKeyBlob re-derives the
// same id from the blob via the installed policy's CreateKeyId and
// consults this keyspace alongside the blob-keyed "dk:" registry, so a
// single-use key that finished is rejected on any later parse attempt.
func (s *secureStorage) DeleteKey(keyID string) *kmerror.Error {
	return asKmerror(s.ctx.db.Update(func(txn *badger.Txn) error {
		return txn.Set(keyByIDDeletedKey(keyID), []byte{1})
	}))
}

const prefixDeleted = "dk:"
const prefixDeletedByID = "dki:"

func keyDeletedKey(blob keyblob.Blob) []byte {
	sum := sha256.Sum256(blob.Bytes())
	return append([]byte(prefixDeleted), sum[:]...)
}

func keyByIDDeletedKey(id string) []byte {
	return append([]byte(prefixDeletedByID), []byte(id)...)
}

func (c *Context) markDeleted(blob keyblob.Blob) *kmerror.Error {
	return asKmerror(c.db.Update(func(txn *badger.Txn) error {
		return txn.Set(keyDeletedKey(blob), []byte{1})
	}))
}

// isDeleted reports whether blob was deleted through either registry: the
// blob-keyed "dk:" markers written by Context.DeleteKey, or the id-keyed
// "dki:" markers written by SecureKeyStorage.DeleteKey on the single-use
// path. The policy-scoped id is a pure function of the blob bytes
// (Policy.CreateKeyId), so it can be re-derived here; with no policy
// installed the dispatcher never attaches a key id, so only the blob-keyed
// registry applies.
func (c *Context) isDeleted(blob keyblob.Blob) (bool, error) {
	lookups := [][]byte{keyDeletedKey(blob)}
	if c.pol != nil {
		if id, kerr := c.pol.CreateKeyId(blob); kerr == nil {
			lookups = append(lookups, keyByIDDeletedKey(id))
		}
	}

	var found bool
	err := c.db.View(func(txn *badger.Txn) error {
		for _, k := range lookups {
			_, err := txn.Get(k)
			if err == badger.ErrKeyNotFound {
				continue
			}
			if err != nil {
				return err
			}
			found = true
			return nil
		}
		return nil
	})
	return found, err
}

// asKmerror adapts a badger transaction error into the core's error type.
func asKmerror(err error) *kmerror.Error {
	if err == nil {
		return nil
	}
	return kmerror.Wrap(kmerror.UnknownError, "refimpl: badger transaction failed", err)
}
