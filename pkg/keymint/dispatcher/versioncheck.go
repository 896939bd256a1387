package dispatcher

import (
	"github.com/marmos91/keymintcore/pkg/keymint/authset"
	"github.com/marmos91/keymintcore/pkg/keymint/key"
	"github.com/marmos91/keymintcore/pkg/keymint/keyblob"
	"github.com/marmos91/keymintcore/pkg/keymint/kmerror"
)

// loadKey parses blob via the Context and applies the version check every
// parse-for-use site shares: the key's OS_PATCHLEVEL (hw-
// enforced first, then sw-enforced, skipped if absent) is compared against
// the Context's live system patchlevel.
func (d *Dispatcher) loadKey(blob keyblob.Blob, additionalParams *authset.Set) (*key.Key, *kmerror.Error) {
	k, kerr := d.ctx.ParseKeyBlob(blob, additionalParams)
	if kerr != nil {
		return nil, kerr
	}
	if kerr := d.checkPatchlevel(k); kerr != nil {
		k.Zeroize()
		return nil, kerr
	}
	return k, nil
}

// checkPatchlevel implements the key-blob version-check table: equal -> OK,
// key less than system -> KeyRequiresUpgrade, key greater than system ->
// InvalidKeyBlob. A key with no OS_PATCHLEVEL entry at all skips the check.
func (d *Dispatcher) checkPatchlevel(k *key.Key) *kmerror.Error {
	keyPatchlevel, ok := k.OSPatchlevel()
	if !ok {
		return nil
	}
	_, systemPatchlevel := d.ctx.GetSystemVersion()
	switch {
	case keyPatchlevel == systemPatchlevel:
		return nil
	case keyPatchlevel < systemPatchlevel:
		return kmerror.New(kmerror.KeyRequiresUpgrade, "key patchlevel behind system patchlevel")
	default:
		return kmerror.New(kmerror.InvalidKeyBlob, "key patchlevel ahead of system patchlevel")
	}
}
