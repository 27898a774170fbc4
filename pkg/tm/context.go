package tm

import (
	"github.com/dr0pdb/icecanedtm/pkg/dtx"
)

// ContextInfo builds the distributed context of the next statement dispatched to the segments.
// The gxid is only sent once the transaction is distributed. Every call counts as one dispatched
// statement for the segmate sync counter.
func (t *Transaction) ContextInfo(wantSnapshot, inCursor bool, cid uint32) (*dtx.DtxContextInfo, error) {
	if err := t.checkOpen(); err != nil {
		return nil, err
	}

	distributed := t.State() == dtx.DtxStateActiveDistributed
	info := &dtx.DtxContextInfo{}
	if distributed {
		info.DistributedXid = t.gxid
		info.DistributedTimeStamp = t.m.timestamp
		info.CurCid = cid
	}

	t.segmateSync++
	info.SegmateSync = t.segmateSync
	info.NestingLevel = t.nestingLevel
	info.CursorContext = inCursor

	if wantSnapshot {
		snap, err := t.m.createSnapshot(t.gx)
		if err != nil {
			return nil, err
		}
		info.HaveDistributedSnapshot = true
		info.DistributedSnapshot = *snap
	}

	info.DistributedTxnOptions = dtx.NewTxnOptions(distributed, t.isolation, t.readOnly, t.explicitBegin)
	return info, nil
}
