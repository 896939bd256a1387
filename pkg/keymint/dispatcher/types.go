// Package dispatcher implements the request dispatcher: the uniform
// request/response surface that routes to a pluggable KeyFactory and
// EnforcementPolicy and drives the operation FSM.
package dispatcher

import (
	"github.com/marmos91/keymintcore/pkg/keymint/authset"
	"github.com/marmos91/keymintcore/pkg/keymint/factory"
	"github.com/marmos91/keymintcore/pkg/keymint/keyblob"
	"github.com/marmos91/keymintcore/pkg/keymint/kmcontext"
	"github.com/marmos91/keymintcore/pkg/keymint/kmerror"
	"github.com/marmos91/keymintcore/pkg/keymint/operation"
)

// VersionInfo bundles the version triple GetVersion2 reports, mirroring
// AndroidKeymaster's version struct rather than loose return values.
// GetVersion keeps its own static Major/Minor/Subminor fields.
type VersionInfo struct {
	KmVersion         kmcontext.KmVersion
	KmDate            uint32
	MaxMessageVersion uint32
}

// ---- GetVersion ----

type GetVersionResponse struct {
	Major, Minor, Subminor uint32
	Status                 *kmerror.Error
}

// ---- GetVersion2 ----

type GetVersion2Request struct {
	MaxMessageVersion uint32 `validate:"gte=0"`
}

type GetVersion2Response struct {
	Version VersionInfo
	Status  *kmerror.Error
}

// ---- Configure ----

type ConfigureRequest struct {
	OSVersion    uint32
	OSPatchlevel uint32 `validate:"required"`
}

type ConfigureResponse struct {
	Status *kmerror.Error
}

// ---- AddRngEntropy ----

type AddRngEntropyRequest struct {
	Data []byte `validate:"required"`
}

type AddRngEntropyResponse struct {
	Status *kmerror.Error
}

// ---- Supported* queries ----

type SupportedAlgorithmsResponse struct {
	Algorithms []kmcontext.Algorithm
	Status     *kmerror.Error
}

type SupportedBlockModesRequest struct {
	Algorithm kmcontext.Algorithm
	Purpose   operation.Purpose
}
type SupportedBlockModesResponse struct {
	Modes  []uint32
	Status *kmerror.Error
}

type SupportedPaddingModesRequest struct {
	Algorithm kmcontext.Algorithm
	Purpose   operation.Purpose
}
type SupportedPaddingModesResponse struct {
	Modes  []uint32
	Status *kmerror.Error
}

type SupportedDigestsRequest struct {
	Algorithm kmcontext.Algorithm
	Purpose   operation.Purpose
}
type SupportedDigestsResponse struct {
	Digests []uint32
	Status  *kmerror.Error
}

type SupportedImportFormatsRequest struct {
	Algorithm kmcontext.Algorithm
}
type SupportedImportFormatsResponse struct {
	Formats []factory.KeyFormat
	Status  *kmerror.Error
}

type SupportedExportFormatsRequest struct {
	Algorithm kmcontext.Algorithm
}
type SupportedExportFormatsResponse struct {
	Formats []factory.KeyFormat
	Status  *kmerror.Error
}

// ---- GenerateKey ----

type GenerateKeyRequest struct {
	KeyDescription  *authset.Set `validate:"required"`
	AttestKeyBlob   *keyblob.Blob
	AttestKeyParams *authset.Set
	IssuerSubject   []byte
}

type GenerateKeyResponse struct {
	Blob       keyblob.Blob
	HwEnforced *authset.Set
	SwEnforced *authset.Set
	CertChain  [][]byte
	Status     *kmerror.Error
}

// ---- ImportKey ----

type ImportKeyRequest struct {
	KeyDescription  *authset.Set `validate:"required"`
	KeyFormat       factory.KeyFormat
	KeyData         []byte `validate:"required"`
	AttestKeyBlob   *keyblob.Blob
	AttestKeyParams *authset.Set
	IssuerSubject   []byte
}

type ImportKeyResponse struct {
	Blob       keyblob.Blob
	HwEnforced *authset.Set
	SwEnforced *authset.Set
	CertChain  [][]byte
	Status     *kmerror.Error
}

// ---- ImportWrappedKey ----

// AuthenticatorType bits: HW_AUTH_PASSWORD (bit 0) and HW_AUTH_FINGERPRINT
// (bit 1) are bit values within the USER_SECURE_ID-associated
// authenticator mask.
const (
	HwAuthPassword    uint64 = 1 << 0
	HwAuthFingerprint uint64 = 1 << 1
)

type ImportWrappedKeyRequest struct {
	WrappedKeyData  []byte `validate:"required"`
	WrappingKeyBlob keyblob.Blob
	MaskingKey      []byte
	AdditionalData  []byte
	PasswordSid     uint64
	BiometricSid    uint64
}

type ImportWrappedKeyResponse struct {
	Blob       keyblob.Blob
	HwEnforced *authset.Set
	SwEnforced *authset.Set
	CertChain  [][]byte
	Status     *kmerror.Error
}

// ---- ExportKey ----

type ExportKeyRequest struct {
	KeyFormat        factory.KeyFormat
	Blob             keyblob.Blob
	AdditionalParams *authset.Set
}

type ExportKeyResponse struct {
	ExportedKeyMaterial []byte
	Status              *kmerror.Error
}

// ---- GetKeyCharacteristics ----

type GetKeyCharacteristicsRequest struct {
	Blob             keyblob.Blob
	AdditionalParams *authset.Set
}

type GetKeyCharacteristicsResponse struct {
	HwEnforced *authset.Set
	SwEnforced *authset.Set
	Status     *kmerror.Error
}

// ---- AttestKey ----

type AttestKeyRequest struct {
	Blob          keyblob.Blob
	AttestParams  *authset.Set
	SigningKey    keyblob.Blob
	IssuerSubject []byte
}

type AttestKeyResponse struct {
	CertChain [][]byte
	Status    *kmerror.Error
}

// ---- UpgradeKey ----

type UpgradeKeyRequest struct {
	Blob          keyblob.Blob
	UpgradeParams *authset.Set
}

type UpgradeKeyResponse struct {
	NewBlob keyblob.Blob
	Status  *kmerror.Error
}

// ---- DeleteKey / DeleteAllKeys ----

type DeleteKeyRequest struct {
	Blob keyblob.Blob
}
type DeleteKeyResponse struct {
	Status *kmerror.Error
}

type DeleteAllKeysResponse struct {
	Status *kmerror.Error
}

// ---- BeginOperation ----

type BeginOperationRequest struct {
	Purpose          operation.Purpose
	Blob             keyblob.Blob
	AdditionalParams *authset.Set
}

type BeginOperationResponse struct {
	OperationHandle uint64
	OutParams       *authset.Set
	Status          *kmerror.Error
}

// ---- UpdateOperation ----

// OperationHandle carries no validate tag: a zero or unknown handle is
// reported as InvalidOperationHandle by the table lookup itself, which is
// the taxonomy the FSM calls for — a struct-level "required" check would
// instead surface it as InvalidArgument.
type UpdateOperationRequest struct {
	OperationHandle  uint64
	AdditionalParams *authset.Set
	Input            []byte
}

type UpdateOperationResponse struct {
	OutParams     *authset.Set
	Output        []byte
	InputConsumed int
	Status        *kmerror.Error
}

// ---- FinishOperation ----

type FinishOperationRequest struct {
	OperationHandle  uint64
	AdditionalParams *authset.Set
	Input            []byte
	Signature        []byte
}

type FinishOperationResponse struct {
	OutParams *authset.Set
	Output    []byte
	Status    *kmerror.Error
}

// ---- AbortOperation ----

type AbortOperationRequest struct {
	OperationHandle uint64
}

type AbortOperationResponse struct {
	Status *kmerror.Error
}
