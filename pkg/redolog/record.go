package redolog

import (
	"encoding/binary"
	"fmt"

	"github.com/dr0pdb/icecanedtm/internal/common"
	"github.com/dr0pdb/icecanedtm/pkg/dtx"
)

// RecordKind identifies the payload of a redo log record.
type RecordKind uint8

const (
	// RecordDistributedCommit marks that every participant of the gxact prepared and the decision is commit.
	RecordDistributedCommit RecordKind = iota + 1

	// RecordDistributedForget marks that every participant acknowledged commit prepared.
	RecordDistributedForget

	// RecordCheckpoint carries the full set of committed-not-forgotten transactions at the time it was taken.
	RecordCheckpoint
)

func (k RecordKind) String() string {
	switch k {
	case RecordDistributedCommit:
		return "DistributedCommit"
	case RecordDistributedForget:
		return "DistributedForget"
	case RecordCheckpoint:
		return "Checkpoint"
	}
	return fmt.Sprintf("Unknown(%d)", uint8(k))
}

// Entry is a distributed transaction as it is stored in the redo log.
type Entry struct {
	Gid  string
	Gxid dtx.DistributedTransactionID
}

// Record is one decoded redo log record.
// Entries has exactly one element for commit and forget records.
type Record struct {
	Kind    RecordKind
	Entries []Entry
}

// record layout: kind (1) | count (4) | count x [gxid (4) | gid length (2) | gid]
func encodeRecord(kind RecordKind, entries []Entry) []byte {
	size := 1 + 4
	for _, e := range entries {
		size += 4 + 2 + len(e.Gid)
	}

	b := make([]byte, 0, size)
	b = append(b, byte(kind))
	b = binary.LittleEndian.AppendUint32(b, uint32(len(entries)))
	for _, e := range entries {
		b = binary.LittleEndian.AppendUint32(b, uint32(e.Gxid))
		b = binary.LittleEndian.AppendUint16(b, uint16(len(e.Gid)))
		b = append(b, e.Gid...)
	}
	return b
}

func decodeRecord(b []byte) (Record, error) {
	if len(b) < 5 {
		return Record{}, common.NewCorruptLogError(fmt.Sprintf("redolog: record of %d bytes is too short", len(b)))
	}

	r := Record{Kind: RecordKind(b[0])}
	switch r.Kind {
	case RecordDistributedCommit, RecordDistributedForget, RecordCheckpoint:
	default:
		return Record{}, common.NewCorruptLogError(fmt.Sprintf("redolog: unknown record kind %d", b[0]))
	}

	count := binary.LittleEndian.Uint32(b[1:5])
	if r.Kind != RecordCheckpoint && count != 1 {
		return Record{}, common.NewCorruptLogError(fmt.Sprintf("redolog: %s record carries %d entries", r.Kind, count))
	}
	b = b[5:]
	if uint64(count)*6 > uint64(len(b)) {
		return Record{}, common.NewCorruptLogError(fmt.Sprintf("redolog: %s record claims %d entries in %d bytes", r.Kind, count, len(b)))
	}

	r.Entries = make([]Entry, 0, count)
	for i := uint32(0); i < count; i++ {
		if len(b) < 6 {
			return Record{}, common.NewCorruptLogError("redolog: truncated entry header")
		}
		gxid := dtx.DistributedTransactionID(binary.LittleEndian.Uint32(b[0:4]))
		n := int(binary.LittleEndian.Uint16(b[4:6]))
		b = b[6:]
		if len(b) < n {
			return Record{}, common.NewCorruptLogError("redolog: truncated gid")
		}
		r.Entries = append(r.Entries, Entry{Gid: string(b[:n]), Gxid: gxid})
		b = b[n:]
	}
	if len(b) != 0 {
		return Record{}, common.NewCorruptLogError(fmt.Sprintf("redolog: %d trailing bytes after %s record", len(b), r.Kind))
	}
	return r, nil
}
