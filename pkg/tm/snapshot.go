package tm

import (
	"sort"

	"github.com/dr0pdb/icecanedtm/pkg/dtx"
	log "github.com/sirupsen/logrus"
)

// createSnapshot builds a distributed snapshot from the table. self is the caller's slot, may be nil.
// The caller's watermark is lowered to the snapshot xmin when that is smaller.
func (m *Manager) createSnapshot(self *gxact) (*dtx.DistributedSnapshot, error) {
	if err := m.poisoned.Load(); err != nil {
		return nil, err
	}

	b := m.lockBoth()

	xmax := m.nextGxid
	xmin := xmax
	lowWater := xmax
	var inProgress []dtx.DistributedTransactionID

	for i := 0; i < m.table.count; i++ {
		gx := m.table.active[i]
		if !gx.gxid.IsValid() {
			continue
		}

		switch gx.state {
		case dtx.DtxStateCrashCommitted, dtx.DtxStateInsertedForgetCommitted:
			continue
		case dtx.DtxStateInsertingCommitted, dtx.DtxStateInsertingForgetCommitted:
			b.unlock()
			log.WithFields(log.Fields{"gid": gx.gid, "state": gx.state.String()}).Error("tm::snapshot::createSnapshot; record insertion observed outside of the table lock")
			panic("tm::snapshot::createSnapshot; record insertion observed outside of the table lock")
		}

		if w := gx.xminDistributedSnapshot; w.IsValid() && w < lowWater {
			lowWater = w
		}
		if gx.gxid < xmin {
			xmin = gx.gxid
		}
		if gx == self {
			continue
		}
		inProgress = append(inProgress, gx.gxid)
	}
	if xmin < lowWater {
		lowWater = xmin
	}

	id := m.snapshotID
	m.snapshotID++

	if self != nil && xmin < self.xminDistributedSnapshot {
		self.xminDistributedSnapshot = xmin
	}
	b.unlock()

	sort.Slice(inProgress, func(i, j int) bool { return inProgress[i] < inProgress[j] })
	m.metrics.snapshots.Inc()

	log.WithFields(log.Fields{"id": id, "xmin": xmin, "xmax": xmax, "count": len(inProgress)}).Debug("tm::snapshot::createSnapshot; built distributed snapshot")
	return &dtx.DistributedSnapshot{
		DistribTransactionTimeStamp: m.timestamp,
		XminAllDistributedSnapshots: lowWater,
		DistribSnapshotID:           id,
		Xmin:                        xmin,
		Xmax:                        xmax,
		InProgress:                  inProgress,
	}, nil
}

// Snapshot builds a distributed snapshot without a calling transaction.
func (m *Manager) Snapshot() (*dtx.DistributedSnapshot, error) {
	return m.createSnapshot(nil)
}
