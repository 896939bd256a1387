package refimpl_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/marmos91/keymintcore/pkg/keymint/authset"
	"github.com/marmos91/keymintcore/pkg/keymint/dispatcher"
	"github.com/marmos91/keymintcore/pkg/keymint/kmcontext"
	"github.com/marmos91/keymintcore/pkg/keymint/kmerror"
	"github.com/marmos91/keymintcore/pkg/keymint/operation"
	"github.com/marmos91/keymintcore/pkg/keymint/refimpl"
	"github.com/marmos91/keymintcore/pkg/keymint/tag"
)

func newTestContext(t *testing.T) *refimpl.Context {
	t.Helper()
	pol, err := refimpl.NewPolicy([]byte("0123456789abcdef0123456789abcdef"))
	require.NoError(t, err)

	ctx, err := refimpl.New(refimpl.Options{Policy: pol, Version: kmcontext.KeyMint3})
	require.NoError(t, err)
	t.Cleanup(func() { _ = ctx.Close() })
	return ctx
}

// TestGenerateEncryptDecryptRoundTrip drives the AES demonstration
// algorithm through the full dispatcher FSM against the badger-backed
// reference Context, rather than the dispatcher package's hand-written
// fakes, to prove the seams between dispatcher, factory, and Context
// actually fit together.
func TestGenerateEncryptDecryptRoundTrip(t *testing.T) {
	ctx := newTestContext(t)
	d := dispatcher.New(ctx, dispatcher.Config{OperationTableSize: 4}, nil)

	gen := d.GenerateKey(&dispatcher.GenerateKeyRequest{
		KeyDescription: authset.New(tag.Enum(tag.Algorithm, refimpl.AESAlgorithm)),
	})
	require.Nil(t, gen.Status)
	require.False(t, gen.Blob.Empty())

	plaintext := []byte("attack at dawn, sixteen bytes!!")

	begin := d.BeginOperation(&dispatcher.BeginOperationRequest{
		Purpose:          operation.PurposeEncrypt,
		Blob:             gen.Blob,
		AdditionalParams: authset.New(tag.Enum(tag.Purpose, uint32(operation.PurposeEncrypt))),
	})
	require.Nil(t, begin.Status)

	finish := d.FinishOperation(&dispatcher.FinishOperationRequest{
		OperationHandle: begin.OperationHandle,
		Input:           plaintext,
	})
	require.Nil(t, finish.Status)
	require.NotEqual(t, plaintext, finish.Output)

	iv, ok := begin.OutParams.GetBytes(tagIVForTest)
	require.True(t, ok)

	begin2 := d.BeginOperation(&dispatcher.BeginOperationRequest{
		Purpose: operation.PurposeDecrypt,
		Blob:    gen.Blob,
		AdditionalParams: authset.New(
			tag.Enum(tag.Purpose, uint32(operation.PurposeDecrypt)),
			tag.Bytes(tagIVForTest, iv),
		),
	})
	require.Nil(t, begin2.Status)

	decFinish := d.FinishOperation(&dispatcher.FinishOperationRequest{
		OperationHandle: begin2.OperationHandle,
		Input:           finish.Output,
	})
	require.Nil(t, decFinish.Status)
	require.Equal(t, plaintext, decFinish.Output)
}

// TestDeletedKeyRejected exercises DeleteKey's durable badger-backed
// registry: a deleted blob can never again be parsed.
func TestDeletedKeyRejected(t *testing.T) {
	ctx := newTestContext(t)
	d := dispatcher.New(ctx, dispatcher.Config{OperationTableSize: 4}, nil)

	gen := d.GenerateKey(&dispatcher.GenerateKeyRequest{
		KeyDescription: authset.New(tag.Enum(tag.Algorithm, refimpl.AESAlgorithm)),
	})
	require.Nil(t, gen.Status)

	del := d.DeleteKey(&dispatcher.DeleteKeyRequest{Blob: gen.Blob})
	require.Nil(t, del.Status)

	chars := d.GetKeyCharacteristics(&dispatcher.GetKeyCharacteristicsRequest{Blob: gen.Blob})
	require.NotNil(t, chars.Status)
	require.Equal(t, kmerror.InvalidKeyBlob, chars.Status.Code)
}

// TestPolicyVerifyAuthorization exercises the JWT-backed policy end to
// end: a validly signed token with a matching challenge verifies; a
// tampered one does not.
func TestPolicyVerifyAuthorization(t *testing.T) {
	pol, err := refimpl.NewPolicy([]byte("0123456789abcdef0123456789abcdef"))
	require.NoError(t, err)

	token := refimpl.SignTestToken(t, pol, "challenge-123")

	ok, kerr := pol.VerifyAuthorization(dispatcher.VerifyAuthorizationRequest{
		Challenge: []byte("challenge-123"),
		Token:     token,
	})
	require.Nil(t, kerr)
	require.True(t, ok.Verified)

	bad, kerr := pol.VerifyAuthorization(dispatcher.VerifyAuthorizationRequest{
		Challenge: []byte("wrong-challenge"),
		Token:     token,
	})
	require.Nil(t, kerr)
	require.False(t, bad.Verified)
}

// TestBlobBoundToApplicationID proves GenerateKey's ApplicationID/
// ApplicationData binding: a blob sealed with one ApplicationID cannot be
// parsed back by supplying a different one, since the hidden params feed
// the blob's AES-GCM additional authenticated data.
func TestBlobBoundToApplicationID(t *testing.T) {
	ctx := newTestContext(t)
	d := dispatcher.New(ctx, dispatcher.Config{OperationTableSize: 4}, nil)

	gen := d.GenerateKey(&dispatcher.GenerateKeyRequest{
		KeyDescription: authset.New(
			tag.Enum(tag.Algorithm, refimpl.AESAlgorithm),
			tag.Bytes(tag.ApplicationID, []byte("com.example.right")),
		),
	})
	require.Nil(t, gen.Status)

	wrongApp := d.GetKeyCharacteristics(&dispatcher.GetKeyCharacteristicsRequest{
		Blob:             gen.Blob,
		AdditionalParams: authset.New(tag.Bytes(tag.ApplicationID, []byte("com.example.wrong"))),
	})
	require.NotNil(t, wrongApp.Status)
	require.Equal(t, kmerror.InvalidKeyBlob, wrongApp.Status.Code)

	missingApp := d.GetKeyCharacteristics(&dispatcher.GetKeyCharacteristicsRequest{Blob: gen.Blob})
	require.NotNil(t, missingApp.Status)
	require.Equal(t, kmerror.InvalidKeyBlob, missingApp.Status.Code)

	rightApp := d.GetKeyCharacteristics(&dispatcher.GetKeyCharacteristicsRequest{
		Blob:             gen.Blob,
		AdditionalParams: authset.New(tag.Bytes(tag.ApplicationID, []byte("com.example.right"))),
	})
	require.Nil(t, rightApp.Status)
}

// TestSingleUseKeyRejectedAfterFinish drives a USAGE_COUNT_LIMIT=1 key
// through Begin/Finish against the real badger-backed Context and asserts
// the blob itself is rejected afterward: the id-keyed deletion marker
// written by SecureKeyStorage.DeleteKey must be visible to ParseKeyBlob,
// not just recorded.
func TestSingleUseKeyRejectedAfterFinish(t *testing.T) {
	ctx := newTestContext(t)
	d := dispatcher.New(ctx, dispatcher.Config{OperationTableSize: 4}, nil)

	gen := d.GenerateKey(&dispatcher.GenerateKeyRequest{
		KeyDescription: authset.New(
			tag.Enum(tag.Algorithm, refimpl.AESAlgorithm),
			tag.Uint(tag.UsageCountLimit, 1),
		),
	})
	require.Nil(t, gen.Status)

	begin := d.BeginOperation(&dispatcher.BeginOperationRequest{
		Purpose: operation.PurposeEncrypt,
		Blob:    gen.Blob,
	})
	require.Nil(t, begin.Status)

	finish := d.FinishOperation(&dispatcher.FinishOperationRequest{
		OperationHandle: begin.OperationHandle,
		Input:           []byte("only once"),
	})
	require.Nil(t, finish.Status)

	reuse := d.GetKeyCharacteristics(&dispatcher.GetKeyCharacteristicsRequest{Blob: gen.Blob})
	require.NotNil(t, reuse.Status)
	require.Equal(t, kmerror.InvalidKeyBlob, reuse.Status.Code)

	again := d.BeginOperation(&dispatcher.BeginOperationRequest{
		Purpose: operation.PurposeEncrypt,
		Blob:    gen.Blob,
	})
	require.Equal(t, kmerror.InvalidKeyBlob, again.Status.Code)
}

// TestPolicyRejectsUnlistedPurpose checks the reference policy's
// AuthorizeOperation: a key whose authorizations list PURPOSE entries may
// only begin operations for one of those purposes.
func TestPolicyRejectsUnlistedPurpose(t *testing.T) {
	ctx := newTestContext(t)
	d := dispatcher.New(ctx, dispatcher.Config{OperationTableSize: 4}, nil)

	gen := d.GenerateKey(&dispatcher.GenerateKeyRequest{
		KeyDescription: authset.New(
			tag.Enum(tag.Algorithm, refimpl.AESAlgorithm),
			tag.Enum(tag.Purpose, uint32(operation.PurposeEncrypt)),
		),
	})
	require.Nil(t, gen.Status)

	allowed := d.BeginOperation(&dispatcher.BeginOperationRequest{
		Purpose: operation.PurposeEncrypt,
		Blob:    gen.Blob,
	})
	require.Nil(t, allowed.Status)

	denied := d.BeginOperation(&dispatcher.BeginOperationRequest{
		Purpose: operation.PurposeDecrypt,
		Blob:    gen.Blob,
	})
	require.NotNil(t, denied.Status)
	require.Equal(t, kmerror.UnsupportedPurpose, denied.Status.Code)
}

// TestUpgradeKeyBlobRewritesPatchlevel exercises UpgradeKey end to end
// against the badger-backed Context: the upgraded blob carries the
// current system patchlevel and passes the version check afterward.
func TestUpgradeKeyBlobRewritesPatchlevel(t *testing.T) {
	ctx := newTestContext(t)
	require.Nil(t, ctx.SetSystemVersion(1, 202401))
	d := dispatcher.New(ctx, dispatcher.Config{OperationTableSize: 4}, nil)

	gen := d.GenerateKey(&dispatcher.GenerateKeyRequest{
		KeyDescription: authset.New(tag.Enum(tag.Algorithm, refimpl.AESAlgorithm)),
	})
	require.Nil(t, gen.Status)

	require.Nil(t, ctx.SetSystemVersion(1, 202402))

	stale := d.GetKeyCharacteristics(&dispatcher.GetKeyCharacteristicsRequest{Blob: gen.Blob})
	require.Equal(t, kmerror.KeyRequiresUpgrade, stale.Status.Code)

	upgraded := d.UpgradeKey(&dispatcher.UpgradeKeyRequest{Blob: gen.Blob})
	require.Nil(t, upgraded.Status)

	fresh := d.GetKeyCharacteristics(&dispatcher.GetKeyCharacteristicsRequest{Blob: upgraded.NewBlob})
	require.Nil(t, fresh.Status)
}

// TestAutoUpgradeTransparentlyRetriesOnRequiresUpgrade covers the
// opt-in AutoUpgrade convenience: with it off, a stale blob surfaces
// KEY_REQUIRES_UPGRADE directly; with it on, GetKeyCharacteristics
// upgrades the blob internally and returns OK.
func TestAutoUpgradeTransparentlyRetriesOnRequiresUpgrade(t *testing.T) {
	ctx := newTestContext(t)
	require.Nil(t, ctx.SetSystemVersion(1, 202401))
	d := dispatcher.New(ctx, dispatcher.Config{OperationTableSize: 4}, nil)

	gen := d.GenerateKey(&dispatcher.GenerateKeyRequest{
		KeyDescription: authset.New(tag.Enum(tag.Algorithm, refimpl.AESAlgorithm)),
	})
	require.Nil(t, gen.Status)

	require.Nil(t, ctx.SetSystemVersion(1, 202402))

	defaultBehavior := d.GetKeyCharacteristics(&dispatcher.GetKeyCharacteristicsRequest{Blob: gen.Blob})
	require.Equal(t, kmerror.KeyRequiresUpgrade, defaultBehavior.Status.Code)

	d.AutoUpgrade = true
	transparent := d.GetKeyCharacteristics(&dispatcher.GetKeyCharacteristicsRequest{Blob: gen.Blob})
	require.Nil(t, transparent.Status)
}

var tagIVForTest = tag.Tag{ID: 2001, Type: tag.TypeBytes}
