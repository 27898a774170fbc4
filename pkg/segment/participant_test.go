package segment

import (
	"testing"

	"github.com/dr0pdb/icecanedtm/internal/common"
	"github.com/dr0pdb/icecanedtm/pkg/dtx"
	"github.com/dr0pdb/icecanedtm/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testDirectory = test.TestDirectory("segment")

const testSession = 1

func newTestParticipant(t *testing.T) *Participant {
	p, err := NewInMemoryParticipant(1)
	require.Nil(t, err, "Unexpected error in opening participant")
	return p
}

func statementContext(gxid dtx.DistributedTransactionID) *dtx.DtxContextInfo {
	return &dtx.DtxContextInfo{
		DistributedXid:        gxid,
		DistributedTimeStamp:  100,
		DistributedTxnOptions: dtx.NewTxnOptions(true, dtx.IsolationReadCommitted, false, false),
	}
}

func mustExecute(t *testing.T, p *Participant, cmd dtx.ProtocolCommand, gid string) []dtx.DistributedTransactionID {
	tag, waits, err := p.Execute(testSession, cmd, gid, 1)
	require.Nil(t, err, "Unexpected error executing %s", cmd)
	assert.Equal(t, cmd.String(), tag, "a successful command echoes its tag")
	return waits
}

func TestPrepareThenCommit(t *testing.T) {
	p := newTestParticipant(t)
	defer p.Close()

	require.Nil(t, p.BeginStatement(testSession, statementContext(1), true))
	assert.Equal(t, 1, p.ActiveCount())

	gid := test.TestGids[0]
	mustExecute(t, p, dtx.ProtocolCommandPrepare, gid)
	assert.Equal(t, 0, p.ActiveCount(), "prepared transactions are no longer active")

	gids, err := p.ListPrepared()
	require.Nil(t, err)
	assert.Equal(t, []string{gid}, gids)

	mustExecute(t, p, dtx.ProtocolCommandCommitPrepared, gid)
	o, ok := p.Outcome(gid)
	assert.True(t, ok)
	assert.Equal(t, outcomeCommit, o)

	gids, err = p.ListPrepared()
	require.Nil(t, err)
	assert.Equal(t, 0, len(gids))
}

func TestCommitPreparedOfUnknownGidFails(t *testing.T) {
	p := newTestParticipant(t)
	defer p.Close()

	_, _, err := p.Execute(testSession, dtx.ProtocolCommandCommitPrepared, "100-0000000042", 42)
	assert.True(t, common.IsNotFound(err), "expected not found, got %v", err)

	// retry and recovery variants treat a missing transaction as already done
	mustExecute(t, p, dtx.ProtocolCommandRetryCommitPrepared, "100-0000000042")
	mustExecute(t, p, dtx.ProtocolCommandRecoveryAbortPrepared, "100-0000000042")
}

func TestDoublePrepareFails(t *testing.T) {
	p := newTestParticipant(t)
	defer p.Close()

	gid := test.TestGids[1]
	mustExecute(t, p, dtx.ProtocolCommandPrepare, gid)
	_, _, err := p.Execute(testSession, dtx.ProtocolCommandPrepare, gid, 2)
	_, ok := err.(common.InvalidStateError)
	assert.True(t, ok, "second prepare should fail, got %v", err)

	err = p.BeginStatement(testSession, statementContext(2), false)
	_, ok = err.(common.InvalidStateError)
	assert.True(t, ok, "statements can't run in a prepared transaction")
}

func TestAbortSomePrepared(t *testing.T) {
	p := newTestParticipant(t)
	defer p.Close()

	mustExecute(t, p, dtx.ProtocolCommandPrepare, test.TestGids[0])
	require.Nil(t, p.BeginStatement(testSession, statementContext(2), true))

	mustExecute(t, p, dtx.ProtocolCommandAbortSomePrepared, test.TestGids[0])
	mustExecute(t, p, dtx.ProtocolCommandAbortSomePrepared, test.TestGids[1])

	for _, gid := range test.TestGids[:2] {
		o, ok := p.Outcome(gid)
		assert.True(t, ok)
		assert.Equal(t, outcomeAbort, o)
	}
	assert.Equal(t, 0, p.ActiveCount())
}

func TestOnePhaseCommitReportsWaits(t *testing.T) {
	p := newTestParticipant(t)
	defer p.Close()

	mustExecute(t, p, dtx.ProtocolCommandPrepare, test.TestGids[2])
	_, _, err := p.Execute(testSession, dtx.ProtocolCommandPrepare, test.TestGids[3], 4)
	require.Nil(t, err)

	info := statementContext(5)
	info.HaveDistributedSnapshot = true
	info.DistributedSnapshot = dtx.DistributedSnapshot{Xmin: 1, Xmax: 6, InProgress: []dtx.DistributedTransactionID{1, 4}}
	require.Nil(t, p.BeginStatement(testSession, info, true))

	waits := mustExecute(t, p, dtx.ProtocolCommandCommitOnePhase, test.TestGids[4])
	assert.Equal(t, []dtx.DistributedTransactionID{1, 4}, waits)
}

func TestSubtransactionNesting(t *testing.T) {
	p := newTestParticipant(t)
	defer p.Close()

	gid := test.TestGids[0]
	mustExecute(t, p, dtx.ProtocolCommandSubtransactionBeginInternal, gid)
	mustExecute(t, p, dtx.ProtocolCommandSubtransactionBeginInternal, gid)
	level, ok := p.NestingLevel(gid)
	assert.True(t, ok)
	assert.Equal(t, uint32(2), level)

	mustExecute(t, p, dtx.ProtocolCommandSubtransactionReleaseInternal, gid)
	mustExecute(t, p, dtx.ProtocolCommandSubtransactionRollbackInternal, gid)

	_, _, err := p.Execute(testSession, dtx.ProtocolCommandSubtransactionRollbackInternal, gid, 1)
	assert.NotNil(t, err, "nothing left to roll back")
}

func TestGenerationChangeAbortsIdleTransactionsOfTheSession(t *testing.T) {
	p := newTestParticipant(t)
	defer p.Close()

	p.ObserveGeneration(testSession, 1)
	require.Nil(t, p.BeginStatement(testSession, statementContext(1), true))
	mustExecute(t, p, dtx.ProtocolCommandPrepare, test.TestGids[0])
	require.Nil(t, p.BeginStatement(testSession, statementContext(3), false))
	require.Nil(t, p.BeginStatement(testSession+1, statementContext(4), true))

	p.ObserveGeneration(testSession, 1)
	assert.Equal(t, 2, p.ActiveCount(), "same generation keeps transactions")

	p.ObserveGeneration(testSession, 2)
	assert.Equal(t, 1, p.ActiveCount(), "new generation aborts the session's idle transactions")
	o, _ := p.Outcome(test.TestGids[2])
	assert.Equal(t, outcomeAbort, o)
	_, done := p.Outcome(test.TestGids[3])
	assert.False(t, done, "other sessions keep their transactions")

	p.ObserveGeneration(testSession, 1)
	require.Nil(t, p.BeginStatement(testSession, statementContext(6), true))
	p.ObserveGeneration(testSession, 1)
	assert.Equal(t, 2, p.ActiveCount(), "an older generation doesn't reset again")

	gids, err := p.ListPrepared()
	require.Nil(t, err)
	assert.Equal(t, []string{test.TestGids[0]}, gids, "prepared transactions survive a reset")
}

func TestResetSessionOnlyAbortsThatSession(t *testing.T) {
	p := newTestParticipant(t)
	defer p.Close()

	require.Nil(t, p.BeginStatement(testSession, statementContext(1), true))
	require.Nil(t, p.BeginStatement(testSession+1, statementContext(2), true))

	assert.Equal(t, 1, p.ResetSession(testSession, 5))
	assert.Equal(t, 0, p.ResetSession(testSession, 5), "nothing left to abort")
	assert.Equal(t, 1, p.ActiveCount())

	// the other session still prepares and commits
	_, _, err := p.Execute(testSession+1, dtx.ProtocolCommandPrepare, test.TestGids[1], 2)
	require.Nil(t, err)
	_, _, err = p.Execute(testSession+1, dtx.ProtocolCommandCommitPrepared, test.TestGids[1], 2)
	require.Nil(t, err)
	o, _ := p.Outcome(test.TestGids[1])
	assert.Equal(t, outcomeCommit, o)
}

// An aborted transaction's work is gone; neither commit path may report success for it.
func TestFinishedTransactionCanNotCommit(t *testing.T) {
	p := newTestParticipant(t)
	defer p.Close()

	require.Nil(t, p.BeginStatement(testSession, statementContext(1), true))
	require.Nil(t, p.BeginStatement(testSession, statementContext(2), true))
	p.ResetSession(testSession, 0)

	_, _, err := p.Execute(testSession, dtx.ProtocolCommandPrepare, test.TestGids[0], 1)
	_, ok := err.(common.InvalidStateError)
	assert.True(t, ok, "prepare of an aborted transaction should fail, got %v", err)

	_, _, err = p.Execute(testSession, dtx.ProtocolCommandCommitPrepared, test.TestGids[0], 1)
	assert.True(t, common.IsNotFound(err), "expected not found, got %v", err)

	_, _, err = p.Execute(testSession, dtx.ProtocolCommandCommitOnePhase, test.TestGids[1], 2)
	_, ok = err.(common.InvalidStateError)
	assert.True(t, ok, "one-phase commit of an aborted transaction should fail, got %v", err)

	for _, gid := range test.TestGids[:2] {
		o, _ := p.Outcome(gid)
		assert.Equal(t, outcomeAbort, o)
	}

	err = p.BeginStatement(testSession, statementContext(1), false)
	_, ok = err.(common.InvalidStateError)
	assert.True(t, ok, "statements can't run in an aborted transaction")
}

func TestPreparedSurvivesReopen(t *testing.T) {
	test.CreateTestDirectory(testDirectory)
	defer test.CleanupTestDirectory(testDirectory)

	p, err := NewParticipant(3, testDirectory)
	require.Nil(t, err)
	mustExecute(t, p, dtx.ProtocolCommandPrepare, test.TestGids[0])
	require.Nil(t, p.Close())

	p, err = NewParticipant(3, testDirectory)
	require.Nil(t, err)
	defer p.Close()

	gids, err := p.ListPrepared()
	require.Nil(t, err)
	assert.Equal(t, []string{test.TestGids[0]}, gids)
}
