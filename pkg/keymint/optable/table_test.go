package optable

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/marmos91/keymintcore/pkg/keymint/authset"
	"github.com/marmos91/keymintcore/pkg/keymint/kmerror"
	"github.com/marmos91/keymintcore/pkg/keymint/operation"
)

// fakeOp is a minimal operation.Operation for exercising the table without
// pulling in a real algorithm implementation.
type fakeOp struct {
	handle  uint64
	keyID   string
	hasKey  bool
	aborted bool
}

func (f *fakeOp) Purpose() operation.Purpose    { return operation.PurposeEncrypt }
func (f *fakeOp) Authorizations() *authset.Set  { return authset.New() }
func (f *fakeOp) KeyID() (string, bool)         { return f.keyID, f.hasKey }
func (f *fakeOp) SetKeyID(id string)            { f.keyID, f.hasKey = id, true }
func (f *fakeOp) OperationHandle() uint64       { return f.handle }
func (f *fakeOp) SetOperationHandle(h uint64)   { f.handle = h }
func (f *fakeOp) Begin(p *authset.Set) (*authset.Set, *kmerror.Error) {
	return authset.New(), nil
}
func (f *fakeOp) Update(p *authset.Set, in []byte) (*authset.Set, []byte, int, *kmerror.Error) {
	return authset.New(), in, len(in), nil
}
func (f *fakeOp) Finish(p *authset.Set, in, sig []byte) (*authset.Set, []byte, *kmerror.Error) {
	return authset.New(), in, nil
}
func (f *fakeOp) Abort() *kmerror.Error {
	f.aborted = true
	return nil
}

func TestAddFindDelete(t *testing.T) {
	tbl := New(4)
	op := &fakeOp{handle: 42}

	require.Nil(t, tbl.Add(op))
	require.Equal(t, 1, tbl.Len())

	found := tbl.Find(42)
	require.NotNil(t, found)
	require.Equal(t, uint64(42), found.OperationHandle())

	tbl.Delete(42)
	require.Nil(t, tbl.Find(42))
	require.Equal(t, 0, tbl.Len())
}

func TestAddRejectsZeroHandle(t *testing.T) {
	tbl := New(4)
	err := tbl.Add(&fakeOp{handle: 0})
	require.NotNil(t, err)
	require.Equal(t, kmerror.UnknownError, err.Code)
}

func TestAddRejectsCollision(t *testing.T) {
	tbl := New(4)
	require.Nil(t, tbl.Add(&fakeOp{handle: 7}))
	err := tbl.Add(&fakeOp{handle: 7})
	require.NotNil(t, err)
	require.Equal(t, kmerror.UnknownError, err.Code)
}

func TestCapacityEvictsLeastRecentlyTouched(t *testing.T) {
	tbl := New(4)
	ops := make([]*fakeOp, 4)
	for i := range ops {
		ops[i] = &fakeOp{handle: uint64(i + 1)}
		require.Nil(t, tbl.Add(ops[i]))
	}

	// Touch handles 2,3,4 so handle 1 becomes the least-recently-touched.
	require.NotNil(t, tbl.Find(2))
	require.NotNil(t, tbl.Find(3))
	require.NotNil(t, tbl.Find(4))

	fifth := &fakeOp{handle: 5}
	require.Nil(t, tbl.Add(fifth))

	require.Nil(t, tbl.Find(1), "oldest untouched operation should be evicted")
	require.True(t, ops[0].aborted, "evicted operation must be aborted")
	require.NotNil(t, tbl.Find(5))
	require.Equal(t, 4, tbl.Len())
}

func TestDeleteDoesNotAbort(t *testing.T) {
	tbl := New(4)
	op := &fakeOp{handle: 1}
	require.Nil(t, tbl.Add(op))
	tbl.Delete(1)
	require.False(t, op.aborted)
}

func TestFindMissingReturnsNil(t *testing.T) {
	tbl := New(4)
	require.Nil(t, tbl.Find(999))
}

func TestEvictionsCounter(t *testing.T) {
	tbl := New(2)
	require.Equal(t, uint64(0), tbl.Evictions())

	require.Nil(t, tbl.Add(&fakeOp{handle: 1}))
	require.Nil(t, tbl.Add(&fakeOp{handle: 2}))
	require.Equal(t, uint64(0), tbl.Evictions())

	require.Nil(t, tbl.Add(&fakeOp{handle: 3}))
	require.Equal(t, uint64(1), tbl.Evictions())

	require.Nil(t, tbl.Add(&fakeOp{handle: 4}))
	require.Equal(t, uint64(2), tbl.Evictions())
}
