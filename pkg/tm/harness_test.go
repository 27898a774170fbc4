package tm

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"

	pcommon "github.com/dr0pdb/icecanedtm/pkg/common"
	"github.com/dr0pdb/icecanedtm/pkg/dtx"
	"github.com/dr0pdb/icecanedtm/pkg/segment"
	"github.com/dr0pdb/icecanedtm/test"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

const failForever = -1

type failureKey struct {
	segment int32
	cmd     dtx.ProtocolCommand
}

// testDispatcher runs protocol commands against in-memory participants and can fail
// chosen commands on chosen segments.
type testDispatcher struct {
	mu           sync.Mutex
	participants map[int32]*segment.Participant
	ids          []int32
	failures     map[failureKey]int
	resets       int
	generation   uint64
	requests     []dtx.ProtocolRequest

	// beforeDispatch, when set, runs before every dispatched request.
	beforeDispatch func(req *dtx.ProtocolRequest)
}

func newTestDispatcher(t *testing.T, n int) *testDispatcher {
	d := &testDispatcher{
		participants: make(map[int32]*segment.Participant),
		failures:     make(map[failureKey]int),
	}
	for i := 0; i < n; i++ {
		p, err := segment.NewInMemoryParticipant(int32(i))
		require.Nil(t, err, "Unexpected error while creating participant")
		d.participants[int32(i)] = p
		d.ids = append(d.ids, int32(i))
	}
	return d
}

// fail makes cmd fail on seg for the next times calls. failForever never stops failing.
func (d *testDispatcher) fail(seg int32, cmd dtx.ProtocolCommand, times int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failures[failureKey{seg, cmd}] = times
}

func (d *testDispatcher) clearFailures() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failures = make(map[failureKey]int)
}

func (d *testDispatcher) shouldFail(seg int32, cmd dtx.ProtocolCommand) bool {
	k := failureKey{seg, cmd}
	n, ok := d.failures[k]
	if !ok || n == 0 {
		return false
	}
	if n > 0 {
		d.failures[k] = n - 1
	}
	return true
}

func (d *testDispatcher) Dispatch(ctx context.Context, req *dtx.ProtocolRequest) ([]dtx.SegmentResult, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.requests = append(d.requests, *req)
	if d.beforeDispatch != nil {
		d.beforeDispatch(req)
	}
	ok := true
	var results []dtx.SegmentResult
	for _, id := range req.Segments {
		p, found := d.participants[id]
		if !found {
			results = append(results, dtx.SegmentResult{SegmentID: id, Err: fmt.Errorf("unknown segment %d", id)})
			ok = false
			continue
		}
		if d.shouldFail(id, req.Command) {
			results = append(results, dtx.SegmentResult{SegmentID: id, Err: fmt.Errorf("connection to segment %d lost", id)})
			ok = false
			continue
		}
		tag, waits, err := p.Execute(req.SessionID, req.Command, req.Gid, req.Gxid)
		if err != nil {
			ok = false
		}
		results = append(results, dtx.SegmentResult{SegmentID: id, CmdStatus: tag, Err: err, WaitGxids: waits})
	}
	return results, ok
}

func (d *testDispatcher) QueryPrepared(ctx context.Context) ([]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	var gids []string
	for _, id := range d.ids {
		prepared, err := d.participants[id].ListPrepared()
		if err != nil {
			return nil, err
		}
		gids = append(gids, prepared...)
	}
	return gids, nil
}

func (d *testDispatcher) Segments() []int32 {
	return append([]int32(nil), d.ids...)
}

// Reset reaches every targeted participant, like a segment answering the reset rpc.
func (d *testDispatcher) Reset(ctx context.Context, session uint64, segments []int32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.resets++
	d.generation++
	for _, id := range segments {
		if p, ok := d.participants[id]; ok {
			p.ResetSession(session, d.generation)
		}
	}
}

func (d *testDispatcher) Close() error {
	for _, p := range d.participants {
		p.Close()
	}
	return nil
}

func (d *testDispatcher) resetCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.resets
}

// sent returns the requests of cmd in dispatch order.
func (d *testDispatcher) sent(cmd dtx.ProtocolCommand) []dtx.ProtocolRequest {
	d.mu.Lock()
	defer d.mu.Unlock()
	var res []dtx.ProtocolRequest
	for _, r := range d.requests {
		if r.Command == cmd {
			res = append(res, r)
		}
	}
	return res
}

func (d *testDispatcher) participant(id int32) *segment.Participant {
	return d.participants[id]
}

// prepareOn prepares gid directly on a segment, like a previous coordinator would have.
func (d *testDispatcher) prepareOn(t *testing.T, id int32, gid string) {
	_, gxid, err := dtx.CrackOpenGID(gid)
	if err != nil {
		gxid = dtx.UnknownDistributedTransactionID
	}
	_, _, err = d.participants[id].Execute(0, dtx.ProtocolCommandPrepare, gid, gxid)
	require.Nil(t, err, "Unexpected error while preparing on segment")
}

func testDbPath(t *testing.T) string {
	dir := filepath.Join(test.TestDirectory("tm"), t.Name())
	os.RemoveAll(dir)
	test.CreateTestDirectory(dir)
	t.Cleanup(func() { os.RemoveAll(dir) })
	return dir
}

func testConfig(dbPath string) *pcommon.DTMConfig {
	conf := pcommon.NewDefaultDTMConfig()
	conf.DbPath = dbPath
	conf.Phase2RetryIntervalMs = 1
	return conf
}

type testCluster struct {
	m    *Manager
	d    *testDispatcher
	conf *pcommon.DTMConfig
}

// newTestCluster starts a manager over n in-memory segments. mutate may adjust the config.
func newTestCluster(t *testing.T, n int, mutate func(conf *pcommon.DTMConfig)) *testCluster {
	conf := testConfig(testDbPath(t))
	if mutate != nil {
		mutate(conf)
	}
	d := newTestDispatcher(t, n)
	m, err := NewManager(context.Background(), conf, d, prometheus.NewRegistry())
	require.Nil(t, err, "Unexpected error while starting the manager")

	tc := &testCluster{m: m, d: d, conf: conf}
	t.Cleanup(func() {
		tc.m.Close()
		d.Close()
	})
	return tc
}

// restart closes the manager and starts a new one on the same redo log and segments.
func (tc *testCluster) restart(t *testing.T) error {
	tc.m.Close()
	m, err := NewManager(context.Background(), tc.conf, tc.d, prometheus.NewRegistry())
	if err != nil {
		return err
	}
	tc.m = m
	return nil
}

// beginDistributed starts a transaction of session 1 writing on every given segment.
func (tc *testCluster) beginDistributed(t *testing.T, segments ...int32) *Transaction {
	return tc.beginInSession(t, 1, segments...)
}

func (tc *testCluster) beginInSession(t *testing.T, session uint64, segments ...int32) *Transaction {
	txn, err := tc.m.Begin(context.Background(), session)
	require.Nil(t, err, "Unexpected error while beginning transaction")
	require.Nil(t, txn.Activate(), "Unexpected error while activating transaction")

	txn.AddSegments(len(segments) == 1, segments...)
	info, err := txn.ContextInfo(true, false, 0)
	require.Nil(t, err, "Unexpected error while building context")
	for _, id := range segments {
		require.Nil(t, tc.d.participant(id).BeginStatement(session, info, true), "Unexpected error while starting statement")
	}
	txn.RecordSegmentWrite()
	return txn
}

func sortedGxids(ids []dtx.DistributedTransactionID) bool {
	return sort.SliceIsSorted(ids, func(i, j int) bool { return ids[i] < ids[j] })
}
