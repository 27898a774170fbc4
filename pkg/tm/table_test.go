package tm

import (
	"context"
	"fmt"
	"math/rand"
	"testing"

	"github.com/dr0pdb/icecanedtm/internal/common"
	pcommon "github.com/dr0pdb/icecanedtm/pkg/common"
	"github.com/dr0pdb/icecanedtm/pkg/dtx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateAssignsConsecutiveGxids(t *testing.T) {
	tc := newTestCluster(t, 1, nil)

	a, err := tc.m.Begin(context.Background(), 1)
	require.Nil(t, err, "Unexpected error while beginning transaction")
	b, err := tc.m.Begin(context.Background(), 2)
	require.Nil(t, err, "Unexpected error while beginning transaction")

	assert.Equal(t, a.Gxid()+1, b.Gxid(), "gxids within an epoch should be consecutive")
	assert.Equal(t, fmt.Sprintf("%d-%.10d", tc.m.Timestamp(), a.Gxid()), a.Gid())
	assert.Equal(t, fmt.Sprintf("%d-%.10d", tc.m.Timestamp(), b.Gxid()), b.Gid())
	assert.Equal(t, dtx.DtxStateActiveNotDistributed, a.State())

	status, err := tc.m.FindByGid(b.Gid())
	require.Nil(t, err)
	assert.Equal(t, b.Gxid(), status.XminDistributedSnapshot, "a new transaction's watermark is its own gxid")
	assert.Equal(t, uint64(2), status.SessionID)
}

func TestTableNeverExceedsCapacity(t *testing.T) {
	tc := newTestCluster(t, 1, func(conf *pcommon.DTMConfig) { conf.MaxPreparedTransactions = 3 })

	var open []*Transaction
	for i := 0; i < 3; i++ {
		txn, err := tc.m.Begin(context.Background(), uint64(i))
		require.Nil(t, err, "Unexpected error while beginning transaction")
		open = append(open, txn)
	}

	before := tc.m.Status()
	_, err := tc.m.Begin(context.Background(), 99)
	_, ok := err.(common.ResourceExhaustedError)
	assert.True(t, ok, "expected resource exhausted error, got %v", err)
	assert.ElementsMatch(t, before, tc.m.Status(), "a failed create must not touch existing entries")

	r := rand.New(rand.NewSource(7))
	for step := 0; step < 200; step++ {
		if len(open) > 0 && r.Intn(2) == 0 {
			i := r.Intn(len(open))
			require.Nil(t, open[i].Abort(context.Background()), "Unexpected error while aborting")
			open = append(open[:i], open[i+1:]...)
		} else {
			txn, err := tc.m.Begin(context.Background(), uint64(step))
			if len(open) == 3 {
				_, ok := err.(common.ResourceExhaustedError)
				assert.True(t, ok, "expected resource exhausted error, got %v", err)
			} else {
				require.Nil(t, err, "Unexpected error while beginning transaction")
				open = append(open, txn)
			}
		}
		status := tc.m.Status()
		assert.LessOrEqual(t, len(status), 3)
		assert.Equal(t, len(open), len(status))
	}

	for _, txn := range open {
		_, err := tc.m.FindByGid(txn.Gid())
		assert.Nil(t, err, "live transaction %s must stay findable", txn.Gid())
	}
}

func TestReleaseKeepsRemainingSlotsFindable(t *testing.T) {
	tc := newTestCluster(t, 1, nil)

	var txns []*Transaction
	for i := 0; i < 5; i++ {
		txn, err := tc.m.Begin(context.Background(), uint64(i))
		require.Nil(t, err)
		txns = append(txns, txn)
	}

	require.Nil(t, txns[1].Commit(context.Background()))
	require.Nil(t, txns[3].Abort(context.Background()))

	_, err := tc.m.FindByGid(txns[1].Gid())
	assert.True(t, common.IsNotFound(err), "released slot should be gone")
	for _, i := range []int{0, 2, 4} {
		s, err := tc.m.FindByGid(txns[i].Gid())
		require.Nil(t, err)
		assert.Equal(t, txns[i].Gxid(), s.Gxid)
	}
	assert.Equal(t, txns[3].Gxid(), tc.m.LatestCompletedGxid())
}

func TestGxidExhaustion(t *testing.T) {
	tc := newTestCluster(t, 1, nil)

	g := tc.m.lockTable()
	tc.m.nextGxid = dtx.LastDistributedTransactionID
	g.unlock()

	txn, err := tc.m.Begin(context.Background(), 1)
	require.Nil(t, err, "the last gxid of the epoch is still usable")
	assert.Equal(t, dtx.LastDistributedTransactionID, txn.Gxid())

	_, err = tc.m.Begin(context.Background(), 2)
	_, ok := err.(common.GxidExhaustedError)
	assert.True(t, ok, "expected gxid exhausted error, got %v", err)
}

func TestIllegalTransitionPanics(t *testing.T) {
	tc := newTestCluster(t, 1, nil)
	txn, err := tc.m.Begin(context.Background(), 1)
	require.Nil(t, err)

	assert.Panics(t, func() {
		g := tc.m.lockTable()
		defer g.unlock()
		tc.m.setStateLocked(g, txn.gx, dtx.DtxStatePrepared)
	})
	assert.Equal(t, dtx.DtxStateActiveNotDistributed, txn.State(), "a rejected transition leaves the state alone")
}

func TestTableLockIsReentrant(t *testing.T) {
	tc := newTestCluster(t, 1, nil)

	b := tc.m.lockBoth()
	gx, err := tc.m.create(b.table, 5)
	require.Nil(t, err, "create should re-enter the held table lock")
	assert.Equal(t, 1, b.table.depth)
	tc.m.release(b, gx)
	b.unlock()

	// both locks are free again
	b = tc.m.lockBoth()
	b.unlock()
}
