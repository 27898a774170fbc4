package dtxpb

import (
	"fmt"

	"google.golang.org/grpc/encoding"
)

// CodecName is the content subtype of the segment service.
const CodecName = "dtxwire"

// Codec marshals the messages of this package for gRPC.
type Codec struct{}

var _ encoding.Codec = Codec{}

// Marshal encodes v, which must be a Message.
func (Codec) Marshal(v interface{}) ([]byte, error) {
	m, ok := v.(Message)
	if !ok {
		return nil, fmt.Errorf("dtxpb: cannot marshal %T", v)
	}
	return m.Marshal()
}

// Unmarshal decodes data into v, which must be a Message.
func (Codec) Unmarshal(data []byte, v interface{}) error {
	m, ok := v.(Message)
	if !ok {
		return fmt.Errorf("dtxpb: cannot unmarshal into %T", v)
	}
	return m.Unmarshal(data)
}

// Name returns CodecName.
func (Codec) Name() string {
	return CodecName
}
