package dtx

import (
	"testing"

	"github.com/dr0pdb/icecanedtm/internal/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fullContext() *DtxContextInfo {
	return &DtxContextInfo{
		DistributedXid:          42,
		DistributedTimeStamp:    1618033988,
		CurCid:                  3,
		SegmateSync:             9,
		NestingLevel:            2,
		HaveDistributedSnapshot: true,
		CursorContext:           true,
		DistributedSnapshot: DistributedSnapshot{
			DistribTransactionTimeStamp: 1618033988,
			XminAllDistributedSnapshots: 30,
			DistribSnapshotID:           17,
			Xmin:                        31,
			Xmax:                        50,
			InProgress:                  []DistributedTransactionID{31, 35, 49},
		},
		DistributedTxnOptions: NewTxnOptions(true, IsolationReadCommitted, false, true),
	}
}

func TestContextRoundTrip(t *testing.T) {
	in := fullContext()
	out, err := DeserializeDtxContextInfo(in.Serialize())
	require.Nil(t, err, "Unexpected error while deserializing")
	assert.Equal(t, in, out)
}

func TestContextRoundTripWithoutSnapshot(t *testing.T) {
	in := fullContext()
	in.HaveDistributedSnapshot = false
	in.DistributedSnapshot = DistributedSnapshot{}

	b := in.Serialize()
	assert.Equal(t, 4+4+4+4+4+1+1+4, len(b), "unexpected layout size")

	out, err := DeserializeDtxContextInfo(b)
	require.Nil(t, err)
	assert.Equal(t, in, out)
}

// Without a valid gxid neither the timestamp nor the command id go on the wire.
func TestContextRoundTripWithoutGxid(t *testing.T) {
	in := &DtxContextInfo{SegmateSync: 4, DistributedTxnOptions: NewTxnOptions(false, IsolationReadCommitted, true, false)}

	b := in.Serialize()
	assert.Equal(t, 4+4+4+1+1+4, len(b), "unexpected layout size")

	out, err := DeserializeDtxContextInfo(b)
	require.Nil(t, err)
	assert.Equal(t, in, out)
}

func TestZeroContextIsEmptyBuffer(t *testing.T) {
	in := &DtxContextInfo{}
	b := in.Serialize()
	assert.Equal(t, 0, len(b), "zero context should serialize to nothing")

	out, err := DeserializeDtxContextInfo(b)
	require.Nil(t, err)
	assert.Equal(t, in, out)
	assert.False(t, out.DistributedXid.IsValid())
	assert.Equal(t, TxnOptions(0), out.DistributedTxnOptions)
}

func TestTruncatedContextFailsLoudly(t *testing.T) {
	b := fullContext().Serialize()
	for _, n := range []int{1, 4, 13, 25, len(b) - 1} {
		_, err := DeserializeDtxContextInfo(b[:n])
		_, ok := err.(common.TruncatedContextError)
		assert.True(t, ok, "expected truncated context error for length %d, got %v", n, err)
	}
}

func TestContextResetAndLayoutOrder(t *testing.T) {
	c := fullContext()
	b := c.Serialize()

	// gxid, timestamp and cid lead the buffer.
	assert.Equal(t, []byte{42, 0, 0, 0}, b[0:4])
	assert.Equal(t, []byte{3, 0, 0, 0}, b[8:12])

	c.Reset()
	assert.True(t, c.IsZero())
}
