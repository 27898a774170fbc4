package dtx

import "fmt"

// DtxState is the state of a distributed transaction on the coordinator.
type DtxState int

// The distributed transaction states.
// A slot that is released goes back to DtxStateNone.
const (
	DtxStateNone DtxState = iota
	DtxStateActiveNotDistributed
	DtxStateActiveDistributed
	DtxStateOnePhaseCommit
	DtxStateNotifyingOnePhaseCommit
	DtxStatePreparing
	DtxStatePrepared
	DtxStateInsertingCommitted
	DtxStateForcedCommitted
	DtxStateNotifyingCommitPrepared
	DtxStateInsertingForgetCommitted
	DtxStateInsertedForgetCommitted
	DtxStateNotifyingAbortNoPrepared
	DtxStateNotifyingAbortSomePrepared
	DtxStateNotifyingAbortPrepared
	DtxStateRetryCommitPrepared
	DtxStateRetryAbortPrepared
	DtxStateCrashCommitted

	numDtxStates
)

func (s DtxState) String() string {
	switch s {
	case DtxStateNone:
		return "None"
	case DtxStateActiveNotDistributed:
		return "Active Not Distributed"
	case DtxStateActiveDistributed:
		return "Active Distributed"
	case DtxStateOnePhaseCommit:
		return "One-Phase Commit"
	case DtxStateNotifyingOnePhaseCommit:
		return "Notifying One-Phase Commit"
	case DtxStatePreparing:
		return "Preparing"
	case DtxStatePrepared:
		return "Prepared"
	case DtxStateInsertingCommitted:
		return "Inserting Committed"
	case DtxStateForcedCommitted:
		return "Forced Committed"
	case DtxStateNotifyingCommitPrepared:
		return "Notifying Commit Prepared"
	case DtxStateInsertingForgetCommitted:
		return "Inserting Forget Committed"
	case DtxStateInsertedForgetCommitted:
		return "Inserted Forget Committed"
	case DtxStateNotifyingAbortNoPrepared:
		return "Notifying Abort (No Prepared)"
	case DtxStateNotifyingAbortSomePrepared:
		return "Notifying Abort (Some Prepared)"
	case DtxStateNotifyingAbortPrepared:
		return "Notifying Abort (Prepared)"
	case DtxStateRetryCommitPrepared:
		return "Retry Commit Prepared"
	case DtxStateRetryAbortPrepared:
		return "Retry Abort Prepared"
	case DtxStateCrashCommitted:
		return "Crash Committed"
	}
	return fmt.Sprintf("Unknown DtxState(%d)", int(s))
}

// transitions lists every legal edge of the state machine.
var transitions = map[DtxState][]DtxState{
	DtxStateNone:                       {DtxStateActiveNotDistributed, DtxStateCrashCommitted},
	DtxStateActiveNotDistributed:       {DtxStateActiveDistributed, DtxStateNone},
	DtxStateActiveDistributed:          {DtxStatePreparing, DtxStateOnePhaseCommit, DtxStateNotifyingAbortNoPrepared, DtxStateNone},
	DtxStateOnePhaseCommit:             {DtxStateNotifyingOnePhaseCommit, DtxStateNotifyingAbortNoPrepared, DtxStateNone},
	DtxStateNotifyingOnePhaseCommit:    {DtxStateNotifyingAbortNoPrepared, DtxStateNone},
	DtxStatePreparing:                  {DtxStatePrepared, DtxStateNotifyingAbortSomePrepared, DtxStateRetryAbortPrepared},
	DtxStatePrepared:                   {DtxStateInsertingCommitted, DtxStateNotifyingAbortPrepared},
	DtxStateInsertingCommitted:         {DtxStateForcedCommitted},
	DtxStateForcedCommitted:            {DtxStateNotifyingCommitPrepared},
	DtxStateNotifyingCommitPrepared:    {DtxStateRetryCommitPrepared, DtxStateInsertingForgetCommitted},
	DtxStateRetryCommitPrepared:        {DtxStateInsertingForgetCommitted},
	DtxStateCrashCommitted:             {DtxStateInsertingForgetCommitted},
	DtxStateInsertingForgetCommitted:   {DtxStateInsertedForgetCommitted},
	DtxStateInsertedForgetCommitted:    {DtxStateNone},
	DtxStateNotifyingAbortNoPrepared:   {DtxStateNone},
	DtxStateNotifyingAbortSomePrepared: {DtxStateRetryAbortPrepared, DtxStateNone},
	DtxStateNotifyingAbortPrepared:     {DtxStateRetryAbortPrepared, DtxStateNone},
	DtxStateRetryAbortPrepared:         {DtxStateNone},
}

// CanTransition reports whether from -> to is an edge of the state machine.
func CanTransition(from, to DtxState) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// IsRollingBack reports whether the state is one of the abort notification states.
func (s DtxState) IsRollingBack() bool {
	switch s {
	case DtxStateNotifyingAbortNoPrepared, DtxStateNotifyingAbortSomePrepared,
		DtxStateNotifyingAbortPrepared, DtxStateRetryAbortPrepared:
		return true
	}
	return false
}

// IsCommittedNotForgotten reports whether a transaction in this state has a durable commit record
// but no forget record yet. Such transactions go into checkpoints.
func (s DtxState) IsCommittedNotForgotten() bool {
	switch s {
	case DtxStateForcedCommitted, DtxStateNotifyingCommitPrepared, DtxStateRetryCommitPrepared,
		DtxStateInsertingForgetCommitted, DtxStateCrashCommitted:
		return true
	}
	return false
}
