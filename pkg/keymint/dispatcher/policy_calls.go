package dispatcher

import (
	"github.com/marmos91/keymintcore/pkg/keymint/kmerror"
	"github.com/marmos91/keymintcore/pkg/keymint/policy"
)

// ---- HMAC / timestamp / verify passthroughs ----

type GetHmacSharingParametersResponse struct {
	Params policy.HmacSharingParameters
	Status *kmerror.Error
}

type ComputeSharedHmacRequest struct {
	Params []policy.HmacSharingParameters
}
type ComputeSharedHmacResponse struct {
	Check  policy.SharingCheck
	Status *kmerror.Error
}

type VerifyAuthorizationRequest = policy.VerifyAuthorizationRequest
type VerifyAuthorizationResponse struct {
	Result policy.VerifyAuthorizationResponse
	Status *kmerror.Error
}

type GenerateTimestampTokenRequest struct {
	Challenge []byte
}
type GenerateTimestampTokenResponse struct {
	Token  policy.TimestampToken
	Status *kmerror.Error
}

type EarlyBootEndedResponse struct {
	Status *kmerror.Error
}

type DeviceLockedRequest struct {
	PasswordOnly bool
}
type DeviceLockedResponse struct {
	Status *kmerror.Error
}

// requirePolicy is the shared guard for every policy-backed call: a nil policy
// degrades gracefully to UNIMPLEMENTED.
func (d *Dispatcher) requirePolicy() (policy.Policy, *kmerror.Error) {
	pol := d.ctx.EnforcementPolicy()
	if pol == nil {
		return nil, kmerror.New(kmerror.Unimplemented, "no enforcement policy installed")
	}
	return pol, nil
}

func (d *Dispatcher) GetHmacSharingParameters() *GetHmacSharingParametersResponse {
	resp := &GetHmacSharingParametersResponse{}
	resp.Status = d.record("GetHmacSharingParameters", func() *kmerror.Error {
		pol, kerr := d.requirePolicy()
		if kerr != nil {
			return kerr
		}
		params, kerr := pol.GetHmacSharingParameters()
		if kerr != nil {
			return kerr
		}
		resp.Params = params
		return nil
	})
	return resp
}

func (d *Dispatcher) ComputeSharedHmac(req *ComputeSharedHmacRequest) *ComputeSharedHmacResponse {
	resp := &ComputeSharedHmacResponse{}
	resp.Status = d.record("ComputeSharedHmac", func() *kmerror.Error {
		pol, kerr := d.requirePolicy()
		if kerr != nil {
			return kerr
		}
		if req == nil {
			return kmerror.New(kmerror.InvalidArgument, "nil request")
		}
		check, kerr := pol.ComputeSharedHmac(req.Params)
		if kerr != nil {
			return kerr
		}
		resp.Check = check
		return nil
	})
	return resp
}

func (d *Dispatcher) VerifyAuthorization(req *VerifyAuthorizationRequest) *VerifyAuthorizationResponse {
	resp := &VerifyAuthorizationResponse{}
	resp.Status = d.record("VerifyAuthorization", func() *kmerror.Error {
		pol, kerr := d.requirePolicy()
		if kerr != nil {
			return kerr
		}
		if req == nil {
			return kmerror.New(kmerror.InvalidArgument, "nil request")
		}
		result, kerr := pol.VerifyAuthorization(*req)
		if kerr != nil {
			return kerr
		}
		resp.Result = result
		return nil
	})
	return resp
}

func (d *Dispatcher) GenerateTimestampToken(req *GenerateTimestampTokenRequest) *GenerateTimestampTokenResponse {
	resp := &GenerateTimestampTokenResponse{}
	resp.Status = d.record("GenerateTimestampToken", func() *kmerror.Error {
		pol, kerr := d.requirePolicy()
		if kerr != nil {
			return kerr
		}
		if req == nil {
			return kmerror.New(kmerror.InvalidArgument, "nil request")
		}
		token, kerr := pol.GenerateTimestampToken(req.Challenge)
		if kerr != nil {
			return kerr
		}
		resp.Token = token
		return nil
	})
	return resp
}

// EarlyBootEnded forwards the lifecycle event to the policy if present;
// always returns OK.
func (d *Dispatcher) EarlyBootEnded() *EarlyBootEndedResponse {
	resp := &EarlyBootEndedResponse{}
	d.record("EarlyBootEnded", func() *kmerror.Error {
		if pol := d.ctx.EnforcementPolicy(); pol != nil {
			pol.EarlyBootEnded()
		}
		return nil
	})
	return resp
}

// DeviceLocked mirrors EarlyBootEnded.
func (d *Dispatcher) DeviceLocked(req *DeviceLockedRequest) *DeviceLockedResponse {
	resp := &DeviceLockedResponse{}
	d.record("DeviceLocked", func() *kmerror.Error {
		if req == nil {
			return nil
		}
		if pol := d.ctx.EnforcementPolicy(); pol != nil {
			pol.DeviceLocked(req.PasswordOnly)
		}
		return nil
	})
	return resp
}
