package dispatcher

import (
	"context"
	"encoding/binary"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/marmos91/keymintcore/internal/logx"
	"github.com/marmos91/keymintcore/internal/metrics"
	"github.com/marmos91/keymintcore/pkg/keymint/kmcontext"
	"github.com/marmos91/keymintcore/pkg/keymint/kmerror"
	"github.com/marmos91/keymintcore/pkg/keymint/optable"
)

// serverMaxMessageVersion is this implementation's ceiling for the
// message-version negotiation in GetVersion2.
const serverMaxMessageVersion = 4

// kmVersionMajor/Minor/Subminor are the static values GetVersion (v1)
// reports.
const (
	kmVersionMajor    = 2
	kmVersionMinor    = 0
	kmVersionSubminor = 0
)

var validate = validator.New()

// Dispatcher is the request dispatcher: it resolves the right KeyFactory
// and/or EnforcementPolicy, parses key blobs, and drives the Begin/Update/
// Finish/Abort FSM through an OperationTable.
//
// A Dispatcher is safe for concurrent use: all of its own mutable state
// (messageVersion, configured) is guarded by mu, and the OperationTable it
// owns has its own internal synchronization.
type Dispatcher struct {
	ctx   kmcontext.Context
	table *optable.Table
	mx    *metrics.DispatcherMetrics

	mu             sync.Mutex
	messageVersion uint32
	configured     bool
	lastEvictions  uint64

	// AutoUpgrade, when true, makes GetKeyCharacteristics (and any other
	// handler that parses a blob purely for inspection) transparently call
	// UpgradeKeyBlob on KEY_REQUIRES_UPGRADE instead of surfacing it to the
	// caller. Default false: surfacing KEY_REQUIRES_UPGRADE directly to
	// the caller is the default behavior.
	AutoUpgrade bool
}

// Config bounds a Dispatcher's resource usage.
type Config struct {
	// OperationTableSize is the maximum number of concurrently live
	// operations before LRU eviction kicks in.
	OperationTableSize int
}

// New creates a Dispatcher bound to ctx, with its own OperationTable sized
// per cfg.
func New(ctx kmcontext.Context, cfg Config, mx *metrics.DispatcherMetrics) *Dispatcher {
	size := cfg.OperationTableSize
	if size < 1 {
		size = 16
	}
	return &Dispatcher{
		ctx:   ctx,
		table: optable.New(size),
		mx:    mx,
	}
}

// Table exposes the underlying OperationTable for diagnostics tooling
// (cmd/kmcore inspect); not part of the client-facing request/response set.
func (d *Dispatcher) Table() *optable.Table {
	return d.table
}

// record wraps a handler call with logging, metrics, and table-size
// gauges, separating response bytes from operation metadata so call
// outcomes stay observable without touching the handler's return value.
// Each call gets a request-scoped LogContext with a fresh request id, the
// same carrying pattern used to thread ids through a protocol dispatch
// path.
func (d *Dispatcher) record(procedure string, fn func() *kmerror.Error) *kmerror.Error {
	start := time.Now()
	ctx := logx.WithContext(context.Background(), &logx.LogContext{
		RequestID: uuid.NewString(),
		Procedure: procedure,
	})
	logx.DebugCtx(ctx, "dispatcher call starting")

	err := fn()

	code := int32(kmerror.OK)
	if err != nil {
		code = int32(err.Code)
		logx.WarnCtx(ctx, "dispatcher call failed", "code", err.Code.String())
	} else {
		logx.InfoCtx(ctx, "dispatcher call completed")
	}
	d.mx.RecordCall(procedure, code, time.Since(start).Seconds())
	d.mx.SetOperationTableSize(d.table.Len())

	total := d.table.Evictions()
	d.mu.Lock()
	delta := total - d.lastEvictions
	d.lastEvictions = total
	d.mu.Unlock()
	d.mx.RecordEvictions(delta)

	return err
}

// GetVersion returns the static (2,0,0) version triple. GetVersion does
// NOT touch messageVersion; only GetVersion2 negotiates it.
func (d *Dispatcher) GetVersion() *GetVersionResponse {
	resp := &GetVersionResponse{Major: kmVersionMajor, Minor: kmVersionMinor, Subminor: kmVersionSubminor}
	d.record("GetVersion", func() *kmerror.Error { return nil })
	return resp
}

// GetVersion2 negotiates the message-version floor: min(client max,
// server max), stored for future calls.
func (d *Dispatcher) GetVersion2(req *GetVersion2Request) *GetVersion2Response {
	resp := &GetVersion2Response{}
	err := d.record("GetVersion2", func() *kmerror.Error {
		if req == nil {
			return kmerror.New(kmerror.InvalidArgument, "nil request")
		}
		negotiated := req.MaxMessageVersion
		if serverMaxMessageVersion < negotiated {
			negotiated = serverMaxMessageVersion
		}

		d.mu.Lock()
		d.messageVersion = negotiated
		d.mu.Unlock()

		resp.Version = VersionInfo{
			KmVersion:         d.ctx.GetKmVersion(),
			MaxMessageVersion: serverMaxMessageVersion,
		}
		return nil
	})
	resp.Status = err
	return resp
}

// MessageVersion returns the negotiated floor from the last GetVersion2
// call, or 0 if GetVersion2 has never been called.
func (d *Dispatcher) MessageVersion() uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.messageVersion
}

// Configure sets the Context's system version/patchlevel. Once set,
// subsequent changes may be rejected per the Context's own policy.
func (d *Dispatcher) Configure(req *ConfigureRequest) *ConfigureResponse {
	resp := &ConfigureResponse{}
	resp.Status = d.record("Configure", func() *kmerror.Error {
		if req == nil {
			return kmerror.New(kmerror.InvalidArgument, "nil request")
		}
		if err := validate.Struct(req); err != nil {
			return kmerror.Wrap(kmerror.InvalidArgument, "invalid configure request", err)
		}
		if kerr := d.ctx.SetSystemVersion(req.OSVersion, req.OSPatchlevel); kerr != nil {
			return kerr
		}
		d.mu.Lock()
		d.configured = true
		d.mu.Unlock()
		return nil
	})
	return resp
}

// AddRngEntropy forwards caller bytes to the Context's RNG sink.
func (d *Dispatcher) AddRngEntropy(req *AddRngEntropyRequest) *AddRngEntropyResponse {
	resp := &AddRngEntropyResponse{}
	resp.Status = d.record("AddRngEntropy", func() *kmerror.Error {
		if req == nil || len(req.Data) == 0 {
			return kmerror.New(kmerror.InvalidArgument, "no entropy supplied")
		}
		return d.ctx.AddRngEntropy(req.Data)
	})
	return resp
}

// newOperationHandle draws a nonzero handle from the Context's RNG,
// retrying on the astronomically unlikely zero draw.
func (d *Dispatcher) newOperationHandle() (uint64, *kmerror.Error) {
	for attempts := 0; attempts < 8; attempts++ {
		raw, err := d.ctx.GenerateRandom(8)
		if err != nil {
			return 0, err
		}
		h := binary.BigEndian.Uint64(raw)
		if h != 0 {
			return h, nil
		}
	}
	return 0, kmerror.New(kmerror.UnknownError, "failed to draw a nonzero operation handle")
}
