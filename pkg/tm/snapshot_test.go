package tm

import (
	"context"
	"testing"

	"github.com/dr0pdb/icecanedtm/internal/common"
	"github.com/dr0pdb/icecanedtm/pkg/dtx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackToBackSnapshots(t *testing.T) {
	tc := newTestCluster(t, 1, nil)
	for i := 0; i < 3; i++ {
		_, err := tc.m.Begin(context.Background(), uint64(i))
		require.Nil(t, err)
	}

	s1, err := tc.m.Snapshot()
	require.Nil(t, err)
	s2, err := tc.m.Snapshot()
	require.Nil(t, err)

	assert.Equal(t, s1.DistribSnapshotID+1, s2.DistribSnapshotID)
	assert.Equal(t, s1.Xmin, s2.Xmin)
	assert.Equal(t, s1.Xmax, s2.Xmax)
	assert.Equal(t, s1.InProgress, s2.InProgress)
	assert.Equal(t, tc.m.Timestamp(), s2.DistribTransactionTimeStamp)
}

func TestSnapshotIsSelfConsistent(t *testing.T) {
	tc := newTestCluster(t, 1, nil)

	var txns []*Transaction
	for i := 0; i < 8; i++ {
		txn, err := tc.m.Begin(context.Background(), uint64(i))
		require.Nil(t, err)
		txns = append(txns, txn)
	}
	require.Nil(t, txns[0].Abort(context.Background()))
	require.Nil(t, txns[5].Commit(context.Background()))

	self := txns[3]
	info, err := self.ContextInfo(true, false, 0)
	require.Nil(t, err)
	require.True(t, info.HaveDistributedSnapshot)
	snap := info.DistributedSnapshot

	assert.True(t, sortedGxids(snap.InProgress), "in-progress array must be sorted")
	seen := make(map[dtx.DistributedTransactionID]bool)
	for _, gxid := range snap.InProgress {
		assert.False(t, seen[gxid], "duplicate gxid %d", gxid)
		seen[gxid] = true
		assert.True(t, snap.Xmin <= gxid && gxid < snap.Xmax, "gxid %d outside [%d, %d)", gxid, snap.Xmin, snap.Xmax)
	}
	assert.False(t, seen[self.Gxid()], "the caller is not in its own snapshot")
	assert.False(t, seen[txns[0].Gxid()])
	assert.False(t, seen[txns[5].Gxid()])
	assert.Equal(t, 5, snap.Count())
	assert.Equal(t, txns[1].Gxid(), snap.Xmin)
	assert.Equal(t, txns[7].Gxid()+1, snap.Xmax)
	assert.LessOrEqual(t, snap.XminAllDistributedSnapshots, snap.Xmin)
}

func TestSnapshotIdsAndLowWaterMarkNeverGoBack(t *testing.T) {
	tc := newTestCluster(t, 1, nil)

	var open []*Transaction
	var lastID uint32
	var lastLowWater dtx.DistributedTransactionID
	for step := 0; step < 40; step++ {
		switch {
		case step%3 == 2 && len(open) > 0:
			require.Nil(t, open[0].Commit(context.Background()))
			open = open[1:]
		default:
			txn, err := tc.m.Begin(context.Background(), uint64(step))
			require.Nil(t, err)
			open = append(open, txn)
		}

		var snap *dtx.DistributedSnapshot
		if len(open) > 0 && step%2 == 0 {
			info, err := open[len(open)-1].ContextInfo(true, false, 0)
			require.Nil(t, err)
			snap = &info.DistributedSnapshot
		} else {
			var err error
			snap, err = tc.m.Snapshot()
			require.Nil(t, err)
		}

		assert.Greater(t, snap.DistribSnapshotID, lastID, "snapshot ids must strictly increase")
		assert.GreaterOrEqual(t, snap.XminAllDistributedSnapshots, lastLowWater, "low-water mark must not go back")
		lastID = snap.DistribSnapshotID
		lastLowWater = snap.XminAllDistributedSnapshots
	}
}

func TestSnapshotLowersCallerWatermark(t *testing.T) {
	tc := newTestCluster(t, 1, nil)

	old, err := tc.m.Begin(context.Background(), 1)
	require.Nil(t, err)
	young, err := tc.m.Begin(context.Background(), 2)
	require.Nil(t, err)

	_, err = young.ContextInfo(true, false, 0)
	require.Nil(t, err)
	s, err := tc.m.FindByGid(young.Gid())
	require.Nil(t, err)
	assert.Equal(t, old.Gxid(), s.XminDistributedSnapshot)

	// the watermark only goes down
	require.Nil(t, old.Commit(context.Background()))
	_, err = young.ContextInfo(true, false, 0)
	require.Nil(t, err)
	s, err = tc.m.FindByGid(young.Gid())
	require.Nil(t, err)
	assert.Equal(t, old.Gxid(), s.XminDistributedSnapshot)

	snap, err := tc.m.Snapshot()
	require.Nil(t, err)
	assert.Equal(t, old.Gxid(), snap.XminAllDistributedSnapshots, "the low-water mark follows the oldest watermark")
}

func TestSnapshotRefusedWhenPoisoned(t *testing.T) {
	tc := newTestCluster(t, 1, nil)
	tc.m.fatal("test")

	_, err := tc.m.Snapshot()
	assert.True(t, common.IsFatal(err), "expected fatal error, got %v", err)
}
