package dtx

import "fmt"

// ProtocolCommand is a command the coordinator sends to segments to drive a distributed transaction.
type ProtocolCommand int32

// The protocol commands.
const (
	ProtocolCommandNone ProtocolCommand = iota
	ProtocolCommandAbortNoPrepared
	ProtocolCommandPrepare
	ProtocolCommandAbortSomePrepared
	ProtocolCommandCommitOnePhase
	ProtocolCommandCommitPrepared
	ProtocolCommandAbortPrepared
	ProtocolCommandRetryCommitPrepared
	ProtocolCommandRetryAbortPrepared
	ProtocolCommandRecoveryCommitPrepared
	ProtocolCommandRecoveryAbortPrepared
	ProtocolCommandSubtransactionBeginInternal
	ProtocolCommandSubtransactionReleaseInternal
	ProtocolCommandSubtransactionRollbackInternal
	ProtocolCommandStayAtOrBecomeImpliedWriter
)

// String returns the command tag. A segment echoes it back verbatim on success.
func (c ProtocolCommand) String() string {
	switch c {
	case ProtocolCommandNone:
		return "None"
	case ProtocolCommandAbortNoPrepared:
		return "Distributed Abort (No Prepared)"
	case ProtocolCommandPrepare:
		return "Distributed Prepare"
	case ProtocolCommandAbortSomePrepared:
		return "Distributed Abort (Some Prepared)"
	case ProtocolCommandCommitOnePhase:
		return "Distributed Commit (one-phase)"
	case ProtocolCommandCommitPrepared:
		return "Distributed Commit Prepared"
	case ProtocolCommandAbortPrepared:
		return "Distributed Abort Prepared"
	case ProtocolCommandRetryCommitPrepared:
		return "Retry Distributed Commit Prepared"
	case ProtocolCommandRetryAbortPrepared:
		return "Retry Distributed Abort Prepared"
	case ProtocolCommandRecoveryCommitPrepared:
		return "Recovery Commit Prepared"
	case ProtocolCommandRecoveryAbortPrepared:
		return "Recovery Abort Prepared"
	case ProtocolCommandSubtransactionBeginInternal:
		return "Begin Internal Subtransaction"
	case ProtocolCommandSubtransactionReleaseInternal:
		return "Release Current Subtransaction"
	case ProtocolCommandSubtransactionRollbackInternal:
		return "Rollback Current Subtransaction"
	case ProtocolCommandStayAtOrBecomeImpliedWriter:
		return "Stay At Or Become Implied Writer"
	}
	return fmt.Sprintf("Unknown ProtocolCommand(%d)", int32(c))
}

// ProtocolRequest is one protocol command fanned out to a set of segments.
type ProtocolRequest struct {
	Command ProtocolCommand
	Gid     string
	Gxid    DistributedTransactionID

	// SessionID is the coordinator session driving the transaction. Connection resets are per session.
	SessionID uint64

	// Segments are the target segment ids.
	Segments []int32

	// DtxContext is the serialized DtxContextInfo, may be empty.
	DtxContext []byte
}

// SegmentResult is the outcome of a protocol command on a single segment.
type SegmentResult struct {
	SegmentID int32

	// CmdStatus is the command tag the segment reports having executed.
	CmdStatus string

	// Err is set when the segment couldn't be reached or reported an error.
	Err error

	// WaitGxids are gxids the segment asks the coordinator to wait for before reporting the commit.
	WaitGxids []DistributedTransactionID
}

// Succeeded reports whether the segment ran exactly the requested command without error.
func (r SegmentResult) Succeeded(cmd ProtocolCommand) bool {
	return r.Err == nil && r.CmdStatus == cmd.String()
}
