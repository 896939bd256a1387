// Package policy defines EnforcementPolicy, the pluggable module that
// checks per-operation auth tokens and owns the inter-TA HMAC/timestamp
// state. A nil Policy is a legal configuration: the dispatcher degrades
// gracefully (HMAC/timestamp/verify calls return Unimplemented;
// auth-token enforcement is bypassed).
package policy

import (
	"github.com/marmos91/keymintcore/pkg/keymint/authset"
	"github.com/marmos91/keymintcore/pkg/keymint/keyblob"
	"github.com/marmos91/keymintcore/pkg/keymint/kmerror"
	"github.com/marmos91/keymintcore/pkg/keymint/operation"
)

// HmacSharingParameters is the per-TA contribution to the shared HMAC key
// agreement.
type HmacSharingParameters struct {
	Seed  []byte
	Nonce []byte
}

// SharingCheck is the result of ComputeSharedHmac: a value every
// participating TA can compare to confirm they derived the same key.
type SharingCheck struct {
	Value []byte
}

// VerifyAuthorizationRequest carries a caller-supplied auth token to be
// checked against the policy's trusted HMAC key.
type VerifyAuthorizationRequest struct {
	Challenge []byte
	Token     []byte
}

// VerifyAuthorizationResponse reports whether the token verified.
type VerifyAuthorizationResponse struct {
	Verified bool
}

// TimestampToken is bound to a caller-chosen challenge and signed with the
// policy's shared HMAC key, letting a peer TA trust the embedded
// timestamp without its own clock.
type TimestampToken struct {
	Challenge []byte
	Timestamp uint64
	Mac       []byte
}

// Policy is the EnforcementPolicy contract.
type Policy interface {
	// AuthorizeOperation is called on Begin (isBegin=true, opHandle=0)
	// and on every Update/Finish (isBegin=false, opHandle=real). A
	// non-nil error on Begin means the operation is never admitted to the
	// table; on Update/Finish it means the operation is evicted.
	AuthorizeOperation(purpose operation.Purpose, keyID string, keyAuthorizations *authset.Set, opParams *authset.Set, opHandle uint64, isBegin bool) *kmerror.Error

	// CreateKeyId derives a stable policy-scoped id for blob.
	CreateKeyId(blob keyblob.Blob) (string, *kmerror.Error)

	// GetHmacSharingParameters returns this TA's contribution to the
	// shared-HMAC key agreement.
	GetHmacSharingParameters() (HmacSharingParameters, *kmerror.Error)

	// ComputeSharedHmac derives the shared key from every participating
	// TA's parameters (including this TA's own) and returns a value all
	// participants can compare.
	ComputeSharedHmac(params []HmacSharingParameters) (SharingCheck, *kmerror.Error)

	// VerifyAuthorization checks a caller-supplied auth token.
	VerifyAuthorization(req VerifyAuthorizationRequest) (VerifyAuthorizationResponse, *kmerror.Error)

	// GenerateTimestampToken fills a token bound to challenge.
	GenerateTimestampToken(challenge []byte) (TimestampToken, *kmerror.Error)

	// InEarlyBoot reports whether the device is still in the early-boot
	// phase.
	InEarlyBoot() bool

	// EarlyBootEnded signals that early boot has ended; subsequent
	// InEarlyBoot calls must return false.
	EarlyBootEnded()

	// DeviceLocked reports/records the device-lock lifecycle event.
	// passwordOnly narrows the check to password-based unlock only.
	DeviceLocked(passwordOnly bool)
}
