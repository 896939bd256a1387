package dispatcher

import (
	"context"

	"github.com/marmos91/keymintcore/internal/logx"
	"github.com/marmos91/keymintcore/pkg/keymint/kmcontext"
	"github.com/marmos91/keymintcore/pkg/keymint/kmerror"
	"github.com/marmos91/keymintcore/pkg/keymint/tag"
)

// evictionLogContext carries the operation handle into the eviction
// warnings the FSM handlers emit; record's per-call context does not know
// the handle.
func evictionLogContext(procedure string, handle uint64) context.Context {
	return logx.WithContext(context.Background(), &logx.LogContext{Procedure: procedure, OpHandle: handle})
}

// BeginOperation implements the seven-step Begin sequence.
// An operation is only ever admitted into the OperationTable after every
// prior step, including policy authorization and Operation.Begin itself,
// has succeeded; any earlier failure drops the Key/Operation without a
// side effect.
func (d *Dispatcher) BeginOperation(req *BeginOperationRequest) *BeginOperationResponse {
	resp := &BeginOperationResponse{}
	resp.Status = d.record("BeginOperation", func() *kmerror.Error {
		if req == nil {
			return kmerror.New(kmerror.InvalidArgument, "nil request")
		}

		// Step 1: load Key (ParseKeyBlob + version check).
		k, kerr := d.loadKey(req.Blob, req.AdditionalParams)
		if kerr != nil {
			return kerr
		}

		// Step 2: algorithm must be present.
		alg, ok := k.Algorithm()
		if !ok {
			k.Zeroize()
			return kmerror.New(kmerror.UnknownError, "key carries no algorithm tag")
		}

		// Step 3: resolve the operation factory for (algorithm, purpose).
		opFactory := d.ctx.GetOperationFactory(kmcontext.Algorithm(alg), req.Purpose)
		if opFactory == nil {
			k.Zeroize()
			return kmerror.New(kmerror.UnsupportedPurpose, "no operation factory for algorithm/purpose")
		}

		// Step 4: CreateOperation takes ownership of k. On rejection the
		// material is scrubbed here; zeroizing a taken Key still reaches the
		// shared backing slices.
		op, kerr := opFactory.CreateOperation(k, req.AdditionalParams)
		if kerr != nil {
			k.Zeroize()
			return kerr
		}

		// Step 5: policy authorization, if a policy is installed.
		if pol := d.ctx.EnforcementPolicy(); pol != nil {
			keyID, kerr := pol.CreateKeyId(req.Blob)
			if kerr != nil {
				op.Abort()
				return kmerror.New(kmerror.UnknownError, "failed to derive key id")
			}
			op.SetKeyID(keyID)

			if kerr := pol.AuthorizeOperation(req.Purpose, keyID, op.Authorizations(), req.AdditionalParams, 0, true); kerr != nil {
				op.Abort()
				return kerr
			}
		}

		// Step 6: Operation.Begin.
		outParams, kerr := op.Begin(req.AdditionalParams)
		if kerr != nil {
			op.Abort()
			return kerr
		}

		// Step 7: mint a handle and install into the table.
		handle, kerr := d.newOperationHandle()
		if kerr != nil {
			op.Abort()
			return kerr
		}
		op.SetOperationHandle(handle)
		if kerr := d.table.Add(op); kerr != nil {
			op.Abort()
			return kerr
		}

		resp.OperationHandle = handle
		resp.OutParams = outParams
		return nil
	})
	return resp
}

// UpdateOperation implements the Update sequence: any failure, policy or
// algorithm-level, evicts the operation — there is no resumption.
func (d *Dispatcher) UpdateOperation(req *UpdateOperationRequest) *UpdateOperationResponse {
	resp := &UpdateOperationResponse{}
	resp.Status = d.record("UpdateOperation", func() *kmerror.Error {
		if req == nil {
			return kmerror.New(kmerror.InvalidArgument, "nil request")
		}

		op := d.table.Find(req.OperationHandle)
		if op == nil {
			return kmerror.New(kmerror.InvalidOperationHandle, "no operation for handle")
		}

		if pol := d.ctx.EnforcementPolicy(); pol != nil {
			keyID, _ := op.KeyID()
			if kerr := pol.AuthorizeOperation(op.Purpose(), keyID, op.Authorizations(), req.AdditionalParams, req.OperationHandle, false); kerr != nil {
				d.table.Delete(req.OperationHandle)
				op.Abort()
				logx.WarnCtx(evictionLogContext("UpdateOperation", req.OperationHandle), "operation evicted after policy rejection", "code", kerr.Code.String())
				return kerr
			}
		}

		outParams, output, consumed, kerr := op.Update(req.AdditionalParams, req.Input)
		if kerr != nil {
			d.table.Delete(req.OperationHandle)
			op.Abort()
			logx.WarnCtx(evictionLogContext("UpdateOperation", req.OperationHandle), "operation evicted after failed update", "code", kerr.Code.String())
			return kerr
		}

		resp.OutParams = outParams
		resp.Output = output
		resp.InputConsumed = consumed
		return nil
	})
	return resp
}

// FinishOperation implements the Finish sequence, including the
// single-use key-deletion step: on success, if the operation's
// authorization set (the key's hw- and sw-enforced lists as merged by the
// operation factory) carries USAGE_COUNT_LIMIT=1 and secure storage is
// configured, DeleteKey is called and its error (if any) surfaces as the
// response status even though the cryptographic work already succeeded.
// The check does not distinguish hw-enforced from sw-enforced entries. The
// operation is always evicted, success or failure.
func (d *Dispatcher) FinishOperation(req *FinishOperationRequest) *FinishOperationResponse {
	resp := &FinishOperationResponse{}
	resp.Status = d.record("FinishOperation", func() *kmerror.Error {
		if req == nil {
			return kmerror.New(kmerror.InvalidArgument, "nil request")
		}

		op := d.table.Find(req.OperationHandle)
		if op == nil {
			return kmerror.New(kmerror.InvalidOperationHandle, "no operation for handle")
		}
		defer d.table.Delete(req.OperationHandle)

		if pol := d.ctx.EnforcementPolicy(); pol != nil {
			keyID, _ := op.KeyID()
			if kerr := pol.AuthorizeOperation(op.Purpose(), keyID, op.Authorizations(), req.AdditionalParams, req.OperationHandle, false); kerr != nil {
				op.Abort()
				logx.WarnCtx(evictionLogContext("FinishOperation", req.OperationHandle), "operation evicted after policy rejection", "code", kerr.Code.String())
				return kerr
			}
		}

		outParams, output, kerr := op.Finish(req.AdditionalParams, req.Input, req.Signature)
		if kerr != nil {
			op.Abort()
			logx.WarnCtx(evictionLogContext("FinishOperation", req.OperationHandle), "operation evicted after failed finish", "code", kerr.Code.String())
			return kerr
		}

		resp.OutParams = outParams
		resp.Output = output

		if op.Authorizations().Contains(tag.UsageCountLimit, tag.Value{UintVal: 1}) {
			if storage := d.ctx.SecureKeyStorage(); storage != nil {
				keyID, _ := op.KeyID()
				if kerr := storage.DeleteKey(keyID); kerr != nil {
					return kerr
				}
			}
		}
		return nil
	})
	return resp
}

// AbortOperation implements the Abort sequence: the operation is evicted
// regardless of whether Operation.Abort itself reports an error.
func (d *Dispatcher) AbortOperation(req *AbortOperationRequest) *AbortOperationResponse {
	resp := &AbortOperationResponse{}
	resp.Status = d.record("AbortOperation", func() *kmerror.Error {
		if req == nil {
			return kmerror.New(kmerror.InvalidArgument, "nil request")
		}

		op := d.table.Find(req.OperationHandle)
		if op == nil {
			return kmerror.New(kmerror.InvalidOperationHandle, "no operation for handle")
		}
		defer d.table.Delete(req.OperationHandle)

		return op.Abort()
	})
	return resp
}
