package dispatcher

import (
	"github.com/marmos91/keymintcore/pkg/keymint/kmcontext"
	"github.com/marmos91/keymintcore/pkg/keymint/kmerror"
	"github.com/marmos91/keymintcore/pkg/keymint/operation"
)

// SupportedAlgorithms lists every algorithm the Context can resolve a
// factory for.
func (d *Dispatcher) SupportedAlgorithms() *SupportedAlgorithmsResponse {
	resp := &SupportedAlgorithmsResponse{}
	resp.Status = d.record("SupportedAlgorithms", func() *kmerror.Error {
		resp.Algorithms = d.ctx.GetSupportedAlgorithms()
		return nil
	})
	return resp
}

// SupportedBlockModes checks algorithm and purpose support, then delegates
// to the operation factory.
func (d *Dispatcher) SupportedBlockModes(req *SupportedBlockModesRequest) *SupportedBlockModesResponse {
	resp := &SupportedBlockModesResponse{}
	resp.Status = d.record("SupportedBlockModes", func() *kmerror.Error {
		if req == nil {
			return kmerror.New(kmerror.InvalidArgument, "nil request")
		}
		opFactory, kerr := d.resolveOperationFactory(req.Algorithm, req.Purpose)
		if kerr != nil {
			return kerr
		}
		resp.Modes = opFactory.SupportedBlockModes()
		return nil
	})
	return resp
}

// SupportedPaddingModes mirrors SupportedBlockModes for padding modes.
func (d *Dispatcher) SupportedPaddingModes(req *SupportedPaddingModesRequest) *SupportedPaddingModesResponse {
	resp := &SupportedPaddingModesResponse{}
	resp.Status = d.record("SupportedPaddingModes", func() *kmerror.Error {
		if req == nil {
			return kmerror.New(kmerror.InvalidArgument, "nil request")
		}
		opFactory, kerr := d.resolveOperationFactory(req.Algorithm, req.Purpose)
		if kerr != nil {
			return kerr
		}
		resp.Modes = opFactory.SupportedPaddingModes()
		return nil
	})
	return resp
}

// SupportedDigests mirrors SupportedBlockModes for digests.
func (d *Dispatcher) SupportedDigests(req *SupportedDigestsRequest) *SupportedDigestsResponse {
	resp := &SupportedDigestsResponse{}
	resp.Status = d.record("SupportedDigests", func() *kmerror.Error {
		if req == nil {
			return kmerror.New(kmerror.InvalidArgument, "nil request")
		}
		opFactory, kerr := d.resolveOperationFactory(req.Algorithm, req.Purpose)
		if kerr != nil {
			return kerr
		}
		resp.Digests = opFactory.SupportedDigests()
		return nil
	})
	return resp
}

// SupportedImportFormats checks algorithm support then delegates to the
// key factory (no purpose/operation-factory involved).
func (d *Dispatcher) SupportedImportFormats(req *SupportedImportFormatsRequest) *SupportedImportFormatsResponse {
	resp := &SupportedImportFormatsResponse{}
	resp.Status = d.record("SupportedImportFormats", func() *kmerror.Error {
		if req == nil {
			return kmerror.New(kmerror.InvalidArgument, "nil request")
		}
		f := d.ctx.GetKeyFactory(req.Algorithm)
		if f == nil {
			return kmerror.New(kmerror.UnsupportedAlgorithm, "no key factory for algorithm")
		}
		resp.Formats = f.SupportedImportFormats()
		return nil
	})
	return resp
}

// SupportedExportFormats mirrors SupportedImportFormats.
func (d *Dispatcher) SupportedExportFormats(req *SupportedExportFormatsRequest) *SupportedExportFormatsResponse {
	resp := &SupportedExportFormatsResponse{}
	resp.Status = d.record("SupportedExportFormats", func() *kmerror.Error {
		if req == nil {
			return kmerror.New(kmerror.InvalidArgument, "nil request")
		}
		f := d.ctx.GetKeyFactory(req.Algorithm)
		if f == nil {
			return kmerror.New(kmerror.UnsupportedAlgorithm, "no key factory for algorithm")
		}
		resp.Formats = f.SupportedExportFormats()
		return nil
	})
	return resp
}

// resolveOperationFactory implements the shared error taxonomy:
// UnsupportedAlgorithm if the Context has no KeyFactory for alg,
// UnsupportedPurpose if that factory has no OperationFactory for purpose,
// else the resolved operation.Factory.
func (d *Dispatcher) resolveOperationFactory(alg kmcontext.Algorithm, purpose operation.Purpose) (operation.Factory, *kmerror.Error) {
	if d.ctx.GetKeyFactory(alg) == nil {
		return nil, kmerror.New(kmerror.UnsupportedAlgorithm, "no key factory for algorithm")
	}
	opFactory := d.ctx.GetOperationFactory(alg, purpose)
	if opFactory == nil {
		return nil, kmerror.New(kmerror.UnsupportedPurpose, "no operation factory for algorithm/purpose")
	}
	return opFactory, nil
}
