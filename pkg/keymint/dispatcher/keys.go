package dispatcher

import (
	"github.com/marmos91/keymintcore/pkg/keymint/authset"
	"github.com/marmos91/keymintcore/pkg/keymint/key"
	"github.com/marmos91/keymintcore/pkg/keymint/keyblob"
	"github.com/marmos91/keymintcore/pkg/keymint/kmcontext"
	"github.com/marmos91/keymintcore/pkg/keymint/kmerror"
	"github.com/marmos91/keymintcore/pkg/keymint/tag"
)

// loadAttestKey loads and version-checks the optional attestation-signing
// key blob ahead of GenerateKey/ImportKey delegation. A nil blob means the
// caller wants the factory's own attestation root; the returned Key, when
// non-nil, is owned by the handler and must be zeroized before returning.
func (d *Dispatcher) loadAttestKey(blob *keyblob.Blob, params *authset.Set) (*key.Key, *kmerror.Error) {
	if blob == nil {
		return nil, nil
	}
	return d.loadKey(*blob, params)
}

// GenerateKey resolves the key factory, checks the early-boot gate, loads
// the optional attestation-signing key, and delegates generation.
func (d *Dispatcher) GenerateKey(req *GenerateKeyRequest) *GenerateKeyResponse {
	resp := &GenerateKeyResponse{}
	resp.Status = d.record("GenerateKey", func() *kmerror.Error {
		if req == nil {
			return kmerror.New(kmerror.InvalidArgument, "nil request")
		}
		if err := validate.Struct(req); err != nil {
			return kmerror.Wrap(kmerror.InvalidArgument, "invalid generate-key request", err)
		}

		alg, ok := req.KeyDescription.GetEnum(tag.Algorithm)
		if !ok {
			return kmerror.New(kmerror.UnsupportedAlgorithm, "key description carries no algorithm tag")
		}
		f := d.ctx.GetKeyFactory(kmcontext.Algorithm(alg))
		if f == nil {
			return kmerror.New(kmerror.UnsupportedAlgorithm, "no key factory for algorithm")
		}

		if req.KeyDescription.Contains(tag.EarlyBootOnly, tag.Value{BoolVal: true}) {
			if pol := d.ctx.EnforcementPolicy(); pol != nil && !pol.InEarlyBoot() {
				return kmerror.New(kmerror.EarlyBootEnded, "early-boot-only key requested after early boot ended")
			}
		}

		attestKey, kerr := d.loadAttestKey(req.AttestKeyBlob, req.AttestKeyParams)
		if kerr != nil {
			return kerr
		}
		defer attestKey.Zeroize()

		result, kerr := f.GenerateKey(req.KeyDescription, attestKey, req.IssuerSubject)
		if kerr != nil {
			return kerr
		}

		resp.Blob = result.Blob
		resp.HwEnforced = result.HwEnforced
		resp.SwEnforced = result.SwEnforced
		resp.CertChain = result.CertChain
		return nil
	})
	return resp
}

// ImportKey resolves the key factory, loads the optional
// attestation-signing key, and delegates import.
func (d *Dispatcher) ImportKey(req *ImportKeyRequest) *ImportKeyResponse {
	resp := &ImportKeyResponse{}
	resp.Status = d.record("ImportKey", func() *kmerror.Error {
		if req == nil {
			return kmerror.New(kmerror.InvalidArgument, "nil request")
		}
		if err := validate.Struct(req); err != nil {
			return kmerror.Wrap(kmerror.InvalidArgument, "invalid import-key request", err)
		}

		alg, ok := req.KeyDescription.GetEnum(tag.Algorithm)
		if !ok {
			return kmerror.New(kmerror.UnsupportedAlgorithm, "key description carries no algorithm tag")
		}
		f := d.ctx.GetKeyFactory(kmcontext.Algorithm(alg))
		if f == nil {
			return kmerror.New(kmerror.UnsupportedAlgorithm, "no key factory for algorithm")
		}

		attestKey, kerr := d.loadAttestKey(req.AttestKeyBlob, req.AttestKeyParams)
		if kerr != nil {
			return kerr
		}
		defer attestKey.Zeroize()

		result, kerr := f.ImportKey(req.KeyDescription, req.KeyFormat, req.KeyData, attestKey, req.IssuerSubject)
		if kerr != nil {
			return kerr
		}

		resp.Blob = result.Blob
		resp.HwEnforced = result.HwEnforced
		resp.SwEnforced = result.SwEnforced
		resp.CertChain = result.CertChain
		return nil
	})
	return resp
}

// ImportWrappedKey unwraps the caller-supplied key description, applies
// the SID rewrite, and delegates to the resolved factory's ImportKey.
func (d *Dispatcher) ImportWrappedKey(req *ImportWrappedKeyRequest) *ImportWrappedKeyResponse {
	resp := &ImportWrappedKeyResponse{}
	resp.Status = d.record("ImportWrappedKey", func() *kmerror.Error {
		if req == nil {
			return kmerror.New(kmerror.InvalidArgument, "nil request")
		}
		if err := validate.Struct(req); err != nil {
			return kmerror.Wrap(kmerror.InvalidArgument, "invalid import-wrapped-key request", err)
		}

		unwrapped, kerr := d.ctx.UnwrapKey(req.WrappedKeyData, req.WrappingKeyBlob, req.AdditionalData, req.MaskingKey)
		if kerr != nil {
			return kerr
		}

		description := unwrapped.KeyDescription
		rewriteSecureID(description, req.PasswordSid, req.BiometricSid, d.ctx.GetKmVersion())

		alg, ok := description.GetEnum(tag.Algorithm)
		if !ok {
			return kmerror.New(kmerror.UnsupportedAlgorithm, "unwrapped description carries no algorithm tag")
		}
		f := d.ctx.GetKeyFactory(kmcontext.Algorithm(alg))
		if f == nil {
			return kmerror.New(kmerror.UnsupportedAlgorithm, "no key factory for algorithm")
		}

		result, kerr := f.ImportKey(description, unwrapped.KeyFormat, unwrapped.SecretKey, nil, nil)
		if kerr != nil {
			return kerr
		}

		resp.Blob = result.Blob
		resp.HwEnforced = result.HwEnforced
		resp.SwEnforced = result.SwEnforced
		resp.CertChain = result.CertChain
		return nil
	})
	return resp
}

// rewriteSecureID implements the SID rewrite:
// if description carries USER_SECURE_ID, read the low-byte authenticator
// mask, erase the tag, and re-add USER_SECURE_ID once per set bit
// (password before fingerprint), then, for KeyMint1 and later, add the
// unbounded CERTIFICATE_NOT_BEFORE/AFTER pair.
func rewriteSecureID(description *authset.Set, passwordSid, biometricSid uint64, kmVersion kmcontext.KmVersion) {
	idx := description.Find(tag.UserSecureID)
	if idx < 0 {
		return
	}
	mask, _ := description.GetUlong(tag.UserSecureID)
	description.Erase(idx)

	if mask&HwAuthPassword != 0 {
		description.PushBack(tag.Ulong(tag.UserSecureID, passwordSid))
	}
	if mask&HwAuthFingerprint != 0 {
		description.PushBack(tag.Ulong(tag.UserSecureID, biometricSid))
	}

	if kmVersion >= kmcontext.KeyMint1 {
		description.PushBack(tag.Date(tag.CertificateNotBefore, 0))
		description.PushBack(tag.Date(tag.CertificateNotAfter, tag.KUndefinedExpirationDateTime))
	}
}

// ExportKey parses the blob and hands the key material to the response.
// The core never interprets or reformats the bytes itself — that is the
// factory's concern at parse time, not the dispatcher's at export time.
func (d *Dispatcher) ExportKey(req *ExportKeyRequest) *ExportKeyResponse {
	resp := &ExportKeyResponse{}
	resp.Status = d.record("ExportKey", func() *kmerror.Error {
		if req == nil {
			return kmerror.New(kmerror.InvalidArgument, "nil request")
		}

		k, kerr := d.loadKey(req.Blob, req.AdditionalParams)
		if kerr != nil {
			return kerr
		}

		material, hwEnforced, swEnforced := k.Take()
		hwEnforced.Zeroize()
		swEnforced.Zeroize()
		resp.ExportedKeyMaterial = material
		return nil
	})
	return resp
}

// GetKeyCharacteristics parses the blob, surfaces its hw/sw-enforced lists,
// and applies the version check. When the version check reports
// KEY_REQUIRES_UPGRADE and AutoUpgrade is enabled, the blob is
// transparently upgraded instead of surfacing the error to the caller.
func (d *Dispatcher) GetKeyCharacteristics(req *GetKeyCharacteristicsRequest) *GetKeyCharacteristicsResponse {
	resp := &GetKeyCharacteristicsResponse{}
	resp.Status = d.record("GetKeyCharacteristics", func() *kmerror.Error {
		if req == nil {
			return kmerror.New(kmerror.InvalidArgument, "nil request")
		}

		k, kerr := d.loadKey(req.Blob, req.AdditionalParams)
		if kerr != nil && kerr.Code == kmerror.KeyRequiresUpgrade && d.AutoUpgrade {
			newBlob, upErr := d.ctx.UpgradeKeyBlob(req.Blob, req.AdditionalParams)
			if upErr != nil {
				return upErr
			}
			k, kerr = d.loadKey(newBlob, req.AdditionalParams)
		}
		if kerr != nil {
			return kerr
		}

		resp.HwEnforced = k.HwEnforced
		resp.SwEnforced = k.SwEnforced
		for i := range k.Material {
			k.Material[i] = 0
		}
		return nil
	})
	return resp
}

// AttestKey loads the key (applying the version check), optionally attaches
// ATTESTATION_APPLICATION_ID to sw_enforced, and calls GenerateAttestation.
func (d *Dispatcher) AttestKey(req *AttestKeyRequest) *AttestKeyResponse {
	resp := &AttestKeyResponse{}
	resp.Status = d.record("AttestKey", func() *kmerror.Error {
		if req == nil {
			return kmerror.New(kmerror.InvalidArgument, "nil request")
		}

		k, kerr := d.loadKey(req.Blob, req.AttestParams)
		if kerr != nil {
			return kerr
		}
		defer k.Zeroize()

		if appID, ok := req.AttestParams.GetBytes(tag.AttestationApplicationID); ok {
			k.SwEnforced.PushBack(tag.Bytes(tag.AttestationApplicationID, appID))
		}

		chain, kerr := d.ctx.GenerateAttestation(k, req.AttestParams, req.SigningKey, req.IssuerSubject)
		if kerr != nil {
			return kerr
		}
		resp.CertChain = chain
		return nil
	})
	return resp
}

// UpgradeKey delegates to Context.UpgradeKeyBlob.
func (d *Dispatcher) UpgradeKey(req *UpgradeKeyRequest) *UpgradeKeyResponse {
	resp := &UpgradeKeyResponse{}
	resp.Status = d.record("UpgradeKey", func() *kmerror.Error {
		if req == nil {
			return kmerror.New(kmerror.InvalidArgument, "nil request")
		}
		newBlob, kerr := d.ctx.UpgradeKeyBlob(req.Blob, req.UpgradeParams)
		if kerr != nil {
			return kerr
		}
		resp.NewBlob = newBlob
		return nil
	})
	return resp
}

// DeleteKey delegates to Context.DeleteKey.
func (d *Dispatcher) DeleteKey(req *DeleteKeyRequest) *DeleteKeyResponse {
	resp := &DeleteKeyResponse{}
	resp.Status = d.record("DeleteKey", func() *kmerror.Error {
		if req == nil {
			return kmerror.New(kmerror.InvalidArgument, "nil request")
		}
		return d.ctx.DeleteKey(req.Blob)
	})
	return resp
}

// DeleteAllKeys delegates to Context.DeleteAllKeys.
func (d *Dispatcher) DeleteAllKeys() *DeleteAllKeysResponse {
	resp := &DeleteAllKeysResponse{}
	resp.Status = d.record("DeleteAllKeys", func() *kmerror.Error {
		return d.ctx.DeleteAllKeys()
	})
	return resp
}
