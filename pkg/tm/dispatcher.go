package tm

import (
	"context"

	"github.com/dr0pdb/icecanedtm/pkg/dtx"
)

// Dispatcher fans protocol commands out to segments.
//
// Dispatch returns one result per target segment and true only when every segment
// echoed the requested command. A request without target segments succeeds trivially.
//
// Reset drops the connections of one coordinator session to the given segments and starts a new
// connection generation for that session. Implementations must guarantee that a segment which
// learns of the reset aborts every transaction of that session it has not prepared, and nothing
// else. The manager relies on this when it abandons a non-prepared abort during shutdown, when an
// abort broadcast fails, and before every phase two retry.
type Dispatcher interface {
	Dispatch(ctx context.Context, req *dtx.ProtocolRequest) ([]dtx.SegmentResult, bool)

	// QueryPrepared returns the union of the gids every segment holds prepared. Duplicates are allowed.
	QueryPrepared(ctx context.Context) ([]string, error)

	// Segments returns the ids of every configured segment.
	Segments() []int32

	Reset(ctx context.Context, session uint64, segments []int32)
	Close() error
}
