// Package dtxpb holds the wire messages and the gRPC service spoken between the coordinator and segments.
// Messages use the protobuf wire format. Field numbers are part of the wire contract.
package dtxpb

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Message is implemented by every wire message of the segment service.
type Message interface {
	Marshal() ([]byte, error)
	Unmarshal(b []byte) error
}

// ProtocolRequest asks a segment to run one protocol command for a distributed transaction.
type ProtocolRequest struct {
	Command    int32  // 1
	Gid        string // 2
	Gxid       uint32 // 3
	DtxContext []byte // 4
	Generation uint64 // 5
	Session    uint64 // 6
}

// ProtocolResponse echoes the executed command on success.
type ProtocolResponse struct {
	CmdStatus    string   // 1
	ErrorMessage string   // 2
	WaitGxids    []uint32 // 3, packed
	SegmentId    int32    // 4
}

// ListPreparedRequest asks a segment for every locally prepared transaction.
type ListPreparedRequest struct{}

// ListPreparedResponse lists the gids of prepared transactions.
type ListPreparedResponse struct {
	Gids      []string // 1
	SegmentId int32    // 2
}

// StatementRequest tells a segment that a statement of a distributed transaction starts there.
type StatementRequest struct {
	DtxContext []byte // 1
	Write      bool   // 2
	Generation uint64 // 3
	Session    uint64 // 4
}

// StatementResponse acknowledges a StatementRequest.
type StatementResponse struct {
	SegmentId int32 // 1
}

// ResetSessionRequest tells a segment that the coordinator dropped the connections of one session.
// The segment aborts that session's transactions which haven't prepared.
type ResetSessionRequest struct {
	Session    uint64 // 1
	Generation uint64 // 2
}

// ResetSessionResponse reports how many transactions the segment aborted.
type ResetSessionResponse struct {
	SegmentId int32  // 1
	Aborted   uint32 // 2
}

func appendVarintField(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendBytesField(b []byte, num protowire.Number, v []byte) []byte {
	if len(v) == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendStringField(b []byte, num protowire.Number, v string) []byte {
	if v == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, v)
}

// fieldFunc consumes the value of a known field and returns the consumed length.
// Returning 0 marks the field as unknown and it is skipped.
type fieldFunc func(num protowire.Number, typ protowire.Type, b []byte) int

func parseMessage(name string, b []byte, fn fieldFunc) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("dtxpb: %s: %w", name, protowire.ParseError(n))
		}
		b = b[n:]

		m := fn(num, typ, b)
		if m == 0 {
			m = protowire.ConsumeFieldValue(num, typ, b)
		}
		if m < 0 {
			return fmt.Errorf("dtxpb: %s field %d: %w", name, num, protowire.ParseError(m))
		}
		b = b[m:]
	}
	return nil
}

func consumeVarint(typ protowire.Type, b []byte, dst *uint64) int {
	if typ != protowire.VarintType {
		return 0
	}
	v, n := protowire.ConsumeVarint(b)
	if n >= 0 {
		*dst = v
	}
	return n
}

func consumeBytes(typ protowire.Type, b []byte, dst *[]byte) int {
	if typ != protowire.BytesType {
		return 0
	}
	v, n := protowire.ConsumeBytes(b)
	if n >= 0 {
		*dst = append([]byte(nil), v...)
	}
	return n
}

func consumeString(typ protowire.Type, b []byte, dst *string) int {
	if typ != protowire.BytesType {
		return 0
	}
	v, n := protowire.ConsumeString(b)
	if n >= 0 {
		*dst = v
	}
	return n
}

// Marshal encodes the request.
func (m *ProtocolRequest) Marshal() ([]byte, error) {
	var b []byte
	b = appendVarintField(b, 1, uint64(uint32(m.Command)))
	b = appendStringField(b, 2, m.Gid)
	b = appendVarintField(b, 3, uint64(m.Gxid))
	b = appendBytesField(b, 4, m.DtxContext)
	b = appendVarintField(b, 5, m.Generation)
	b = appendVarintField(b, 6, m.Session)
	return b, nil
}

// Unmarshal decodes the request.
func (m *ProtocolRequest) Unmarshal(b []byte) error {
	*m = ProtocolRequest{}
	return parseMessage("ProtocolRequest", b, func(num protowire.Number, typ protowire.Type, b []byte) int {
		var v uint64
		switch num {
		case 1:
			n := consumeVarint(typ, b, &v)
			m.Command = int32(v)
			return n
		case 2:
			return consumeString(typ, b, &m.Gid)
		case 3:
			n := consumeVarint(typ, b, &v)
			m.Gxid = uint32(v)
			return n
		case 4:
			return consumeBytes(typ, b, &m.DtxContext)
		case 5:
			return consumeVarint(typ, b, &m.Generation)
		case 6:
			return consumeVarint(typ, b, &m.Session)
		}
		return 0
	})
}

// Marshal encodes the response.
func (m *ProtocolResponse) Marshal() ([]byte, error) {
	var b []byte
	b = appendStringField(b, 1, m.CmdStatus)
	b = appendStringField(b, 2, m.ErrorMessage)
	if len(m.WaitGxids) > 0 {
		var packed []byte
		for _, g := range m.WaitGxids {
			packed = protowire.AppendVarint(packed, uint64(g))
		}
		b = appendBytesField(b, 3, packed)
	}
	b = appendVarintField(b, 4, uint64(uint32(m.SegmentId)))
	return b, nil
}

// Unmarshal decodes the response. Both packed and unpacked wait gxids are accepted.
func (m *ProtocolResponse) Unmarshal(b []byte) error {
	*m = ProtocolResponse{}
	return parseMessage("ProtocolResponse", b, func(num protowire.Number, typ protowire.Type, b []byte) int {
		var v uint64
		switch num {
		case 1:
			return consumeString(typ, b, &m.CmdStatus)
		case 2:
			return consumeString(typ, b, &m.ErrorMessage)
		case 3:
			if typ == protowire.VarintType {
				n := consumeVarint(typ, b, &v)
				m.WaitGxids = append(m.WaitGxids, uint32(v))
				return n
			}
			var packed []byte
			n := consumeBytes(typ, b, &packed)
			if n <= 0 {
				return n
			}
			for len(packed) > 0 {
				g, k := protowire.ConsumeVarint(packed)
				if k < 0 {
					return k
				}
				m.WaitGxids = append(m.WaitGxids, uint32(g))
				packed = packed[k:]
			}
			return n
		case 4:
			n := consumeVarint(typ, b, &v)
			m.SegmentId = int32(v)
			return n
		}
		return 0
	})
}

// Marshal encodes the request.
func (m *ListPreparedRequest) Marshal() ([]byte, error) {
	return nil, nil
}

// Unmarshal decodes the request. Every field is unknown and skipped.
func (m *ListPreparedRequest) Unmarshal(b []byte) error {
	*m = ListPreparedRequest{}
	return parseMessage("ListPreparedRequest", b, func(num protowire.Number, typ protowire.Type, b []byte) int {
		return 0
	})
}

// Marshal encodes the response.
func (m *ListPreparedResponse) Marshal() ([]byte, error) {
	var b []byte
	for _, g := range m.Gids {
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendString(b, g)
	}
	b = appendVarintField(b, 2, uint64(uint32(m.SegmentId)))
	return b, nil
}

// Unmarshal decodes the response.
func (m *ListPreparedResponse) Unmarshal(b []byte) error {
	*m = ListPreparedResponse{}
	return parseMessage("ListPreparedResponse", b, func(num protowire.Number, typ protowire.Type, b []byte) int {
		switch num {
		case 1:
			var g string
			n := consumeString(typ, b, &g)
			if n > 0 {
				m.Gids = append(m.Gids, g)
			}
			return n
		case 2:
			var v uint64
			n := consumeVarint(typ, b, &v)
			m.SegmentId = int32(v)
			return n
		}
		return 0
	})
}

// Marshal encodes the request.
func (m *StatementRequest) Marshal() ([]byte, error) {
	var b []byte
	b = appendBytesField(b, 1, m.DtxContext)
	if m.Write {
		b = appendVarintField(b, 2, 1)
	}
	b = appendVarintField(b, 3, m.Generation)
	b = appendVarintField(b, 4, m.Session)
	return b, nil
}

// Unmarshal decodes the request.
func (m *StatementRequest) Unmarshal(b []byte) error {
	*m = StatementRequest{}
	return parseMessage("StatementRequest", b, func(num protowire.Number, typ protowire.Type, b []byte) int {
		var v uint64
		switch num {
		case 1:
			return consumeBytes(typ, b, &m.DtxContext)
		case 2:
			n := consumeVarint(typ, b, &v)
			m.Write = v != 0
			return n
		case 3:
			return consumeVarint(typ, b, &m.Generation)
		case 4:
			return consumeVarint(typ, b, &m.Session)
		}
		return 0
	})
}

// Marshal encodes the response.
func (m *StatementResponse) Marshal() ([]byte, error) {
	return appendVarintField(nil, 1, uint64(uint32(m.SegmentId))), nil
}

// Unmarshal decodes the response.
func (m *StatementResponse) Unmarshal(b []byte) error {
	*m = StatementResponse{}
	return parseMessage("StatementResponse", b, func(num protowire.Number, typ protowire.Type, b []byte) int {
		if num == 1 {
			var v uint64
			n := consumeVarint(typ, b, &v)
			m.SegmentId = int32(v)
			return n
		}
		return 0
	})
}

// Marshal encodes the request.
func (m *ResetSessionRequest) Marshal() ([]byte, error) {
	var b []byte
	b = appendVarintField(b, 1, m.Session)
	b = appendVarintField(b, 2, m.Generation)
	return b, nil
}

// Unmarshal decodes the request.
func (m *ResetSessionRequest) Unmarshal(b []byte) error {
	*m = ResetSessionRequest{}
	return parseMessage("ResetSessionRequest", b, func(num protowire.Number, typ protowire.Type, b []byte) int {
		switch num {
		case 1:
			return consumeVarint(typ, b, &m.Session)
		case 2:
			return consumeVarint(typ, b, &m.Generation)
		}
		return 0
	})
}

// Marshal encodes the response.
func (m *ResetSessionResponse) Marshal() ([]byte, error) {
	var b []byte
	b = appendVarintField(b, 1, uint64(uint32(m.SegmentId)))
	b = appendVarintField(b, 2, uint64(m.Aborted))
	return b, nil
}

// Unmarshal decodes the response.
func (m *ResetSessionResponse) Unmarshal(b []byte) error {
	*m = ResetSessionResponse{}
	return parseMessage("ResetSessionResponse", b, func(num protowire.Number, typ protowire.Type, b []byte) int {
		var v uint64
		switch num {
		case 1:
			n := consumeVarint(typ, b, &v)
			m.SegmentId = int32(v)
			return n
		case 2:
			n := consumeVarint(typ, b, &v)
			m.Aborted = uint32(v)
			return n
		}
		return 0
	})
}
