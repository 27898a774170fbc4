package dtxpb

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
)

func TestProtocolRequestEncoding(t *testing.T) {
	in := &ProtocolRequest{Command: 2, Gid: "100-0000000005", Gxid: 5, DtxContext: []byte{1, 2, 3}, Generation: 7, Session: 3}
	b, err := Codec{}.Marshal(in)
	require.Nil(t, err)

	// field 1 varint tag followed by the command
	assert.Equal(t, []byte{0x08, 0x02}, b[:2])

	out := &ProtocolRequest{}
	require.Nil(t, Codec{}.Unmarshal(b, out))
	assert.Equal(t, in, out)
}

func TestProtocolResponseAcceptsUnpackedGxids(t *testing.T) {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendString(b, "Distributed Prepare")
	for _, g := range []uint64{4, 9} {
		b = protowire.AppendTag(b, 3, protowire.VarintType)
		b = protowire.AppendVarint(b, g)
	}
	// unknown fields are skipped
	b = protowire.AppendTag(b, 15, protowire.Fixed32Type)
	b = protowire.AppendFixed32(b, 1)

	out := &ProtocolResponse{}
	require.Nil(t, out.Unmarshal(b))
	assert.Equal(t, "Distributed Prepare", out.CmdStatus)
	assert.Equal(t, []uint32{4, 9}, out.WaitGxids)

	packed, err := out.Marshal()
	require.Nil(t, err)
	again := &ProtocolResponse{}
	require.Nil(t, again.Unmarshal(packed))
	assert.Equal(t, out, again)
}

func TestTruncatedMessageFails(t *testing.T) {
	b, err := (&ListPreparedResponse{Gids: []string{"100-0000000001", "100-0000000002"}}).Marshal()
	require.Nil(t, err)

	out := &ListPreparedResponse{}
	assert.NotNil(t, out.Unmarshal(b[:len(b)-3]))
}

func TestCodecRejectsForeignTypes(t *testing.T) {
	_, err := Codec{}.Marshal("not a message")
	assert.NotNil(t, err)
	assert.Equal(t, CodecName, Codec{}.Name())
}
