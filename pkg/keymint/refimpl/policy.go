package refimpl

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/marmos91/keymintcore/pkg/keymint/authset"
	"github.com/marmos91/keymintcore/pkg/keymint/keyblob"
	"github.com/marmos91/keymintcore/pkg/keymint/kmerror"
	"github.com/marmos91/keymintcore/pkg/keymint/operation"
	"github.com/marmos91/keymintcore/pkg/keymint/policy"
	"github.com/marmos91/keymintcore/pkg/keymint/tag"
)

// authTokenClaims is the JWT claim set a caller-supplied auth token must
// carry for Policy.VerifyAuthorization to accept it: registered claims
// plus a challenge field, parsed with golang-jwt/jwt/v5.
type authTokenClaims struct {
	jwt.RegisteredClaims
	Challenge string `json:"challenge"`
}

// Policy is a reference EnforcementPolicy: auth tokens are HS256 JWTs
// signed with a shared secret, and the inter-TA shared HMAC is a plain
// concatenation-then-HMAC construction computed with stdlib crypto/hmac.
type Policy struct {
	secret []byte

	mu        sync.Mutex
	earlyBoot bool
	locked    bool
}

// NewPolicy builds a Policy keyed by secret, which must be at least 32
// bytes to provide adequate HMAC signing-key entropy.
func NewPolicy(secret []byte) (*Policy, error) {
	if len(secret) < 32 {
		return nil, errInvalidSecretLength
	}
	cp := make([]byte, len(secret))
	copy(cp, secret)
	return &Policy{secret: cp, earlyBoot: true}, nil
}

var errInvalidSecretLength = policySecretError("refimpl: policy secret must be at least 32 bytes")

type policySecretError string

func (e policySecretError) Error() string { return string(e) }

// AuthorizeOperation authorizes every purpose the key's authorizations
// actually list: a key with no PURPOSE entries is unrestricted, otherwise
// the requested purpose must appear among them. Auth-token enforcement is
// not done here (that is VerifyAuthorization's job, invoked by the caller
// ahead of Begin).
func (p *Policy) AuthorizeOperation(purpose operation.Purpose, keyID string, keyAuthorizations *authset.Set, opParams *authset.Set, opHandle uint64, isBegin bool) *kmerror.Error {
	listed := keyAuthorizations.FindAll(tag.Purpose)
	if len(listed) == 0 {
		return nil
	}
	for _, i := range listed {
		if operation.Purpose(keyAuthorizations.At(i).Value.EnumVal) == purpose {
			return nil
		}
	}
	return kmerror.New(kmerror.UnsupportedPurpose, "refimpl: key does not authorize this purpose")
}

// CreateKeyId derives a stable id from blob's bytes using UUIDv5 (SHA-1
// namespaced), so the same blob always maps to the same key id across
// calls: unlike a random v4 id used for freshly-created resources,
// CreateKeyId needs to be a pure function of its input, which is exactly
// what uuid.NewSHA1 provides.
func (p *Policy) CreateKeyId(blob keyblob.Blob) (string, *kmerror.Error) {
	id := uuid.NewSHA1(uuid.Nil, blob.Bytes())
	return id.String(), nil
}

func (p *Policy) GetHmacSharingParameters() (policy.HmacSharingParameters, *kmerror.Error) {
	nonce := make([]byte, 16)
	if _, err := rand.Read(nonce); err != nil {
		return policy.HmacSharingParameters{}, kmerror.Wrap(kmerror.UnknownError, "refimpl: generating hmac sharing nonce", err)
	}
	seed := hmacSum(p.secret, []byte("seed"))
	return policy.HmacSharingParameters{Seed: seed, Nonce: nonce}, nil
}

// ComputeSharedHmac concatenates every participant's seed||nonce, in
// order, and HMACs the result with this policy's own secret — a stand-in
// for the real ISO/IEC 9798-based key agreement, sufficient to exercise
// the dispatcher's ComputeSharedHmac plumbing.
func (p *Policy) ComputeSharedHmac(params []policy.HmacSharingParameters) (policy.SharingCheck, *kmerror.Error) {
	mac := hmac.New(sha256.New, p.secret)
	for _, prm := range params {
		mac.Write(prm.Seed)
		mac.Write(prm.Nonce)
	}
	return policy.SharingCheck{Value: mac.Sum(nil)}, nil
}

// VerifyAuthorization parses req.Token as an HS256 JWT signed with this
// policy's secret and checks its challenge claim matches req.Challenge.
// It checks the token's signing method explicitly before parsing claims,
// rather than trusting whatever alg the token header claims.
func (p *Policy) VerifyAuthorization(req policy.VerifyAuthorizationRequest) (policy.VerifyAuthorizationResponse, *kmerror.Error) {
	claims := &authTokenClaims{}
	token, err := jwt.ParseWithClaims(string(req.Token), claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrTokenSignatureInvalid
		}
		return p.secret, nil
	})
	if err != nil || !token.Valid {
		return policy.VerifyAuthorizationResponse{Verified: false}, nil
	}
	if claims.Challenge != string(req.Challenge) {
		return policy.VerifyAuthorizationResponse{Verified: false}, nil
	}
	return policy.VerifyAuthorizationResponse{Verified: true}, nil
}

// GenerateTimestampToken mints a token binding challenge to the current
// time, MACed with the shared secret so a peer TA that knows the same
// secret (post ComputeSharedHmac) can validate it without its own clock
// sync.
func (p *Policy) GenerateTimestampToken(challenge []byte) (policy.TimestampToken, *kmerror.Error) {
	now := uint64(time.Now().UnixMilli())
	mac := hmacSum(p.secret, append(append([]byte{}, challenge...), uint64ToBytes(now)...))
	return policy.TimestampToken{Challenge: challenge, Timestamp: now, Mac: mac}, nil
}

func (p *Policy) InEarlyBoot() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.earlyBoot
}

func (p *Policy) EarlyBootEnded() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.earlyBoot = false
}

func (p *Policy) DeviceLocked(passwordOnly bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.locked = true
}

func hmacSum(secret, data []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write(data)
	return mac.Sum(nil)
}

func uint64ToBytes(v uint64) []byte {
	b := make([]byte, 8)
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
	return b
}
