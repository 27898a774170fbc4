package redolog

import (
	"os"
	"path"
	"testing"

	"github.com/dr0pdb/icecanedtm/internal/common"
	"github.com/dr0pdb/icecanedtm/pkg/dtx"
	"github.com/dr0pdb/icecanedtm/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testDirectory = test.TestDirectory("redolog")

func testEntry(i int) Entry {
	return Entry{Gid: test.TestGids[i], Gxid: dtx.DistributedTransactionID(i + 1)}
}

func TestOpenEmptyDirectory(t *testing.T) {
	test.CreateTestDirectory(testDirectory)
	defer test.CleanupTestDirectory(testDirectory)

	l, entries, err := Open(testDirectory)
	require.Nil(t, err, "Unexpected error in opening redo log")
	defer l.Close()

	assert.Equal(t, 0, len(entries))
	assert.Equal(t, uint64(1), l.LogNumber())
}

func TestCommitForgetSurvivesReopen(t *testing.T) {
	test.CreateTestDirectory(testDirectory)
	defer test.CleanupTestDirectory(testDirectory)

	l, _, err := Open(testDirectory)
	require.Nil(t, err)

	for i := 0; i < 3; i++ {
		require.Nil(t, l.AppendCommit(testEntry(i)), "Unexpected error in appending commit record")
	}
	require.Nil(t, l.AppendForget(testEntry(1)))
	require.Nil(t, l.Close())

	l, entries, err := Open(testDirectory)
	require.Nil(t, err)
	defer l.Close()

	assert.Equal(t, []Entry{testEntry(0), testEntry(2)}, entries, "replay should keep committed-not-forgotten entries in commit order")
	assert.Equal(t, uint64(2), l.LogNumber(), "reopening should rotate to a new log file")

	_, err = os.Stat(getLogFileName(testDirectory, logFileType, 1))
	assert.True(t, os.IsNotExist(err), "old log file should be removed after rotation")
}

func TestForgetWithoutCommitIsNoop(t *testing.T) {
	test.CreateTestDirectory(testDirectory)
	defer test.CleanupTestDirectory(testDirectory)

	l, _, err := Open(testDirectory)
	require.Nil(t, err)
	require.Nil(t, l.AppendForget(testEntry(4)))
	require.Nil(t, l.AppendCommit(testEntry(0)))
	require.Nil(t, l.Close())

	entries, err := Replay(testDirectory)
	require.Nil(t, err)
	assert.Equal(t, []Entry{testEntry(0)}, entries)
}

func TestCheckpointReplacesHistory(t *testing.T) {
	test.CreateTestDirectory(testDirectory)
	defer test.CleanupTestDirectory(testDirectory)

	l, _, err := Open(testDirectory)
	require.Nil(t, err)

	require.Nil(t, l.AppendCommit(testEntry(0)))
	require.Nil(t, l.AppendCommit(testEntry(1)))
	require.Nil(t, l.Checkpoint([]Entry{testEntry(1)}))
	require.Nil(t, l.AppendCommit(testEntry(3)))
	assert.Equal(t, uint64(2), l.LogNumber())
	require.Nil(t, l.Close())

	entries, err := Replay(testDirectory)
	require.Nil(t, err)
	assert.Equal(t, []Entry{testEntry(1), testEntry(3)}, entries, "replay should start from the checkpoint")

	err = l.Checkpoint(nil)
	_, ok := err.(common.InvalidStateError)
	assert.True(t, ok, "checkpoint on a closed log should fail")
}

func TestReplayIgnoresTornTail(t *testing.T) {
	test.CreateTestDirectory(testDirectory)
	defer test.CleanupTestDirectory(testDirectory)

	l, _, err := Open(testDirectory)
	require.Nil(t, err)
	require.Nil(t, l.AppendCommit(testEntry(0)))
	num := l.LogNumber()
	require.Nil(t, l.Close())

	f, err := os.OpenFile(getLogFileName(testDirectory, logFileType, num), os.O_APPEND|os.O_WRONLY, 0644)
	require.Nil(t, err)
	_, err = f.Write([]byte{1, 2, 3})
	require.Nil(t, err)
	require.Nil(t, f.Close())

	entries, err := Replay(testDirectory)
	require.Nil(t, err, "a torn tail must not fail replay")
	assert.Equal(t, []Entry{testEntry(0)}, entries)
}

func TestReplayMissingDirectory(t *testing.T) {
	entries, err := Replay(path.Join(testDirectory, "does-not-exist"))
	assert.Nil(t, err)
	assert.Equal(t, 0, len(entries))
}

func TestDecodeRejectsGarbage(t *testing.T) {
	for _, b := range [][]byte{
		{},
		{9, 1, 0, 0, 0},
		{byte(RecordDistributedCommit), 2, 0, 0, 0},
		{byte(RecordCheckpoint), 200, 0, 0, 0, 1},
	} {
		_, err := decodeRecord(b)
		_, ok := err.(common.CorruptLogError)
		assert.True(t, ok, "expected corrupt log error for %v, got %v", b, err)
	}

	r, err := decodeRecord(encodeRecord(RecordCheckpoint, nil))
	require.Nil(t, err)
	assert.Equal(t, RecordCheckpoint, r.Kind)
	assert.Equal(t, 0, len(r.Entries))
}
