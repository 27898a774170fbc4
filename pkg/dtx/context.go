/**
 * Copyright 2021 The IcecaneDB Authors. All rights reserved.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *      https://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package dtx

import (
	"encoding/binary"

	"github.com/dr0pdb/icecanedtm/internal/common"
)

// DtxContextInfo is the distributed transaction context each dispatched statement carries to the segments.
type DtxContextInfo struct {
	DistributedXid       DistributedTransactionID
	DistributedTimeStamp DistributedTransactionTimeStamp

	// CurCid is the command id the coordinator assigned to the statement.
	CurCid uint32

	// SegmateSync is bumped for every dispatched statement so segments can detect stale dispatches.
	SegmateSync uint32

	// NestingLevel is the subtransaction nesting level.
	NestingLevel uint32

	HaveDistributedSnapshot bool
	CursorContext           bool
	DistributedSnapshot     DistributedSnapshot

	DistributedTxnOptions TxnOptions
}

// Reset puts the context back to "no distributed transaction".
func (c *DtxContextInfo) Reset() {
	*c = DtxContextInfo{}
}

// IsZero reports whether the context describes no distributed transaction at all.
func (c *DtxContextInfo) IsZero() bool {
	return !c.DistributedXid.IsValid() &&
		c.DistributedTimeStamp == 0 &&
		c.CurCid == 0 &&
		c.SegmateSync == 0 &&
		c.NestingLevel == 0 &&
		!c.HaveDistributedSnapshot &&
		!c.CursorContext &&
		c.DistributedTxnOptions == 0
}

// Serialize encodes the context into its fixed little endian layout.
// The zero context encodes to an empty buffer.
func (c *DtxContextInfo) Serialize() []byte {
	if c.IsZero() {
		return nil
	}

	var e encoder
	e.u32(uint32(c.DistributedXid))
	if c.DistributedXid.IsValid() {
		e.u32(uint32(c.DistributedTimeStamp))
		e.u32(c.CurCid)
	}
	e.u32(c.SegmateSync)
	e.u32(c.NestingLevel)
	e.bool(c.HaveDistributedSnapshot)
	e.bool(c.CursorContext)

	if c.HaveDistributedSnapshot {
		ds := &c.DistributedSnapshot
		e.u32(uint32(ds.DistribTransactionTimeStamp))
		e.u32(uint32(ds.XminAllDistributedSnapshots))
		e.u32(ds.DistribSnapshotID)
		e.u32(uint32(ds.Xmin))
		e.u32(uint32(ds.Xmax))
		e.u32(uint32(len(ds.InProgress)))
		for _, gxid := range ds.InProgress {
			e.u32(uint32(gxid))
		}
	}

	e.u32(uint32(c.DistributedTxnOptions))
	return e.buf
}

// DeserializeDtxContextInfo decodes a buffer produced by Serialize.
// An empty buffer yields the reset context. A short buffer returns a TruncatedContextError.
func DeserializeDtxContextInfo(b []byte) (*DtxContextInfo, error) {
	c := &DtxContextInfo{}
	if len(b) == 0 {
		return c, nil
	}

	d := decoder{buf: b}
	c.DistributedXid = DistributedTransactionID(d.u32("distributedXid"))
	if c.DistributedXid.IsValid() {
		c.DistributedTimeStamp = DistributedTransactionTimeStamp(d.u32("distributedTimeStamp"))
		c.CurCid = d.u32("curcid")
	}
	c.SegmateSync = d.u32("segmateSync")
	c.NestingLevel = d.u32("nestingLevel")
	c.HaveDistributedSnapshot = d.bool("haveDistributedSnapshot")
	c.CursorContext = d.bool("cursorContext")

	if c.HaveDistributedSnapshot {
		ds := &c.DistributedSnapshot
		ds.DistribTransactionTimeStamp = DistributedTransactionTimeStamp(d.u32("distribTransactionTimeStamp"))
		ds.XminAllDistributedSnapshots = DistributedTransactionID(d.u32("xminAllDistributedSnapshots"))
		ds.DistribSnapshotID = d.u32("distribSnapshotId")
		ds.Xmin = DistributedTransactionID(d.u32("xmin"))
		ds.Xmax = DistributedTransactionID(d.u32("xmax"))
		count := d.u32("count")
		if d.err == nil && uint64(count)*4 > uint64(len(d.buf)-d.off) {
			d.err = common.NewTruncatedContextError("inProgressXidArray", int(count)*4, len(d.buf)-d.off)
		}
		if d.err == nil && count > 0 {
			ds.InProgress = make([]DistributedTransactionID, count)
			for i := range ds.InProgress {
				ds.InProgress[i] = DistributedTransactionID(d.u32("inProgressXidArray"))
			}
		}
	}

	c.DistributedTxnOptions = TxnOptions(d.u32("distributedTxnOptions"))
	if d.err != nil {
		return nil, d.err
	}
	return c, nil
}

type encoder struct {
	buf []byte
}

func (e *encoder) u32(v uint32) {
	e.buf = binary.LittleEndian.AppendUint32(e.buf, v)
}

func (e *encoder) bool(v bool) {
	if v {
		e.buf = append(e.buf, 1)
	} else {
		e.buf = append(e.buf, 0)
	}
}

// decoder reads fixed width fields. The first short read is remembered and every later read returns zero.
type decoder struct {
	buf []byte
	off int
	err error
}

func (d *decoder) take(field string, n int) []byte {
	if d.err != nil {
		return nil
	}
	if len(d.buf)-d.off < n {
		d.err = common.NewTruncatedContextError(field, n, len(d.buf)-d.off)
		return nil
	}
	b := d.buf[d.off : d.off+n]
	d.off += n
	return b
}

func (d *decoder) u32(field string) uint32 {
	b := d.take(field, 4)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

func (d *decoder) bool(field string) bool {
	b := d.take(field, 1)
	if b == nil {
		return false
	}
	return b[0] != 0
}
