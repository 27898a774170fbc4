/**
 * Copyright 2021 The IcecaneDB Authors. All rights reserved.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package tm

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/dr0pdb/icecanedtm/internal/common"
	"github.com/dr0pdb/icecanedtm/pkg/dtx"
	"github.com/dr0pdb/icecanedtm/pkg/redolog"
	log "github.com/sirupsen/logrus"
)

// Transaction is one distributed transaction as seen by the session driving it.
// It is not safe for concurrent use; the shared part lives in the manager's table.
type Transaction struct {
	m  *Manager
	gx *gxact

	// copies of the immutable slot fields
	gid  string
	gxid dtx.DistributedTransactionID

	sessionID uint64

	// segments are the participating segment ids, sorted.
	segments       []int32
	directDispatch bool

	explicitBegin   bool
	badPrepareGangs bool
	writerGangLost  bool

	localWrite    bool
	segmentsWrote bool

	// waitGxids are reported by segments at prepare or one-phase commit.
	waitGxids []dtx.DistributedTransactionID

	nestingLevel uint32
	segmateSync  uint32
	isolation    dtx.IsolationLevel
	readOnly     bool

	done bool
}

// Begin starts a new transaction for a session. Crash recovery runs first if it hasn't yet,
// unless the coordinator is read only.
func (m *Manager) Begin(ctx context.Context, sessionID uint64) (*Transaction, error) {
	if err := m.poisoned.Load(); err != nil {
		return nil, err
	}
	if m.shuttingDown.Load() {
		return nil, common.NewInvalidStateError("the distributed transaction manager is shutting down")
	}
	if !m.conf.ReadOnly {
		if err := m.Recover(ctx); err != nil {
			return nil, err
		}
	}

	gx, err := m.create(nil, sessionID)
	if err != nil {
		return nil, err
	}
	return &Transaction{
		m:              m,
		gx:             gx,
		gid:            gx.gid,
		gxid:           gx.gxid,
		sessionID:      sessionID,
		directDispatch: true,
		isolation:      dtx.IsolationReadCommitted,
	}, nil
}

// Gid returns the global transaction identifier.
func (t *Transaction) Gid() string {
	return t.gid
}

// Gxid returns the distributed transaction id.
func (t *Transaction) Gxid() dtx.DistributedTransactionID {
	return t.gxid
}

// State returns the current protocol state. A finished transaction is in DtxStateNone.
func (t *Transaction) State() dtx.DtxState {
	if t.done {
		return dtx.DtxStateNone
	}
	g := t.m.lockTable()
	defer g.unlock()
	return t.gx.state
}

// Segments returns a copy of the participating segment ids, sorted.
func (t *Transaction) Segments() []int32 {
	return append([]int32(nil), t.segments...)
}

// DirectDispatch reports whether every statement went to the same single segment.
func (t *Transaction) DirectDispatch() bool {
	return t.directDispatch && len(t.segments) <= 1
}

// WaitGxids returns the transactions the segments reported this one had to wait behind.
func (t *Transaction) WaitGxids() []dtx.DistributedTransactionID {
	return append([]dtx.DistributedTransactionID(nil), t.waitGxids...)
}

// NestingLevel returns the current subtransaction depth.
func (t *Transaction) NestingLevel() uint32 {
	return t.nestingLevel
}

// BadPrepareGangs reports whether PREPARE failed on some segment.
func (t *Transaction) BadPrepareGangs() bool {
	return t.badPrepareGangs
}

func (t *Transaction) setState(to dtx.DtxState) {
	g := t.m.lockTable()
	defer g.unlock()
	t.m.setStateLocked(g, t.gx, to)
}

func (t *Transaction) checkOpen() error {
	if t.done {
		return common.NewInvalidStateError(fmt.Sprintf("distributed transaction %s has already finished", t.gid))
	}
	return t.m.poisoned.Load()
}

// Activate makes the transaction distributed. It needs two phase commit from now on.
func (t *Transaction) Activate() error {
	if err := t.checkOpen(); err != nil {
		return err
	}
	if !t.m.recovered.Load() {
		return common.NewReadOnlyError("distributed transactions are not allowed until crash recovery completes (the coordinator is read only)")
	}

	g := t.m.lockTable()
	defer g.unlock()
	switch t.gx.state {
	case dtx.DtxStateActiveNotDistributed:
		t.m.setStateLocked(g, t.gx, dtx.DtxStateActiveDistributed)
		log.WithFields(log.Fields{"gid": t.gid}).Debug("tm::protocol::Activate; transaction is distributed")
		return nil
	case dtx.DtxStateActiveDistributed:
		return nil
	}
	return common.NewInvalidStateError(fmt.Sprintf("can not activate distributed transaction %s in state %s", t.gid, t.gx.state))
}

// ExplicitBegin remembers that the client opened the transaction with BEGIN.
func (t *Transaction) ExplicitBegin() {
	t.explicitBegin = true
}

// SetIsolationLevel sets the isolation level sent to segments in the txn options.
func (t *Transaction) SetIsolationLevel(level dtx.IsolationLevel) {
	t.isolation = level
}

// SetReadOnly marks the transaction read only in the txn options.
func (t *Transaction) SetReadOnly(readOnly bool) {
	t.readOnly = readOnly
}

// AddSegments records participants. Any non direct dispatch ends direct dispatch for good.
func (t *Transaction) AddSegments(direct bool, ids ...int32) {
	if !direct {
		t.directDispatch = false
	}
	t.segments = mergeSegments(t.segments, ids)
}

// RecordSegmentWrite notes that a segment wrote on behalf of the transaction.
func (t *Transaction) RecordSegmentWrite() {
	t.segmentsWrote = true
}

// RecordLocalWrite notes that the coordinator itself wrote.
func (t *Transaction) RecordLocalWrite() {
	t.localWrite = true
}

// MarkWriterGangLost records that the connections to the writers are gone. The segments
// have aborted on their own, so aborting doesn't notify them.
func (t *Transaction) MarkWriterGangLost() {
	log.WithFields(log.Fields{"gid": t.gid}).Warn("tm::protocol::MarkWriterGangLost; writer gang lost")
	t.writerGangLost = true
}

// PromoteToAllSegments makes every configured segment a participant. Segments not contacted yet
// are told to join as implied writers.
func (t *Transaction) PromoteToAllSegments(ctx context.Context) error {
	if err := t.checkOpen(); err != nil {
		return err
	}
	if st := t.State(); st != dtx.DtxStateActiveDistributed {
		return common.NewInvalidStateError(fmt.Sprintf("can not promote distributed transaction %s in state %s", t.gid, st))
	}

	missing := missingSegments(t.m.dispatcher.Segments(), t.segments)
	t.directDispatch = false
	if len(missing) == 0 {
		return nil
	}

	info, err := t.ContextInfo(false, false, 0)
	if err != nil {
		return err
	}
	if _, err := t.dispatch(ctx, dtx.ProtocolCommandStayAtOrBecomeImpliedWriter, missing, info.Serialize()); err != nil {
		return err
	}
	t.segments = mergeSegments(t.segments, missing)
	return nil
}

// Prepare broadcasts PREPARE. A failure leaves the transaction to the abort path.
// A cancelled ctx stops it before the broadcast; once the broadcast started, cancellation is
// ignored and a prepared transaction is never reported as cancelled.
func (t *Transaction) Prepare(ctx context.Context) error {
	if err := t.checkOpen(); err != nil {
		return err
	}
	if st := t.State(); st != dtx.DtxStateActiveDistributed {
		return common.NewInvalidStateError(fmt.Sprintf("can not prepare distributed transaction %s in state %s", t.gid, st))
	}
	if err := checkForInterrupts(ctx, t.gid); err != nil {
		return err
	}

	t.setState(dtx.DtxStatePreparing)

	waits, err := t.dispatch(holdInterrupts(ctx), dtx.ProtocolCommandPrepare, t.segments, nil)
	t.addWaits(waits)
	if err != nil {
		t.badPrepareGangs = true
		log.WithFields(log.Fields{"gid": t.gid, "error": err.Error()}).Warn("tm::protocol::Prepare; prepare failed")
		return common.NewPrepareError(t.gid, err)
	}

	t.setState(dtx.DtxStatePrepared)
	log.WithFields(log.Fields{"gid": t.gid, "segments": len(t.segments)}).Debug("tm::protocol::Prepare; prepared")
	return nil
}

// insertCommitRecord makes the commit decision durable. Both locks are held while the record is written.
func (t *Transaction) insertCommitRecord() error {
	m := t.m
	b := m.lockBoth()
	defer b.unlock()

	m.setStateLocked(b.table, t.gx, dtx.DtxStateInsertingCommitted)
	if err := m.redo.AppendCommit(entryOf(t.gx)); err != nil {
		return m.fatal("could not write the commit record of distributed transaction %s: %v", t.gid, err)
	}
	t.gx.includeInCkpt = true
	m.setStateLocked(b.table, t.gx, dtx.DtxStateForcedCommitted)
	return nil
}

// NotifyCommitPrepared writes the commit record of a prepared transaction and broadcasts
// COMMIT PREPARED, retrying with fresh connections. Exhausting the retries is fatal.
func (t *Transaction) NotifyCommitPrepared(ctx context.Context) error {
	if err := t.checkOpen(); err != nil {
		return err
	}
	if st := t.State(); st != dtx.DtxStatePrepared {
		return common.NewInvalidStateError(fmt.Sprintf("can not commit distributed transaction %s in state %s", t.gid, st))
	}
	if err := t.insertCommitRecord(); err != nil {
		return err
	}

	held := holdInterrupts(ctx)
	m := t.m
	t.setState(dtx.DtxStateNotifyingCommitPrepared)
	if _, err := t.dispatch(held, dtx.ProtocolCommandCommitPrepared, t.segments, nil); err != nil {
		log.WithFields(log.Fields{"gid": t.gid, "error": err.Error()}).Warn("tm::protocol::NotifyCommitPrepared; commit prepared failed, retrying")
		t.setState(dtx.DtxStateRetryCommitPrepared)

		committed := false
		for retry := 1; retry <= m.conf.Phase2RetryCount; retry++ {
			m.metrics.phase2Retries.Inc()
			m.dispatcher.Reset(held, t.sessionID, t.segments)
			time.Sleep(m.conf.Phase2RetryInterval())

			_, err = t.dispatch(held, dtx.ProtocolCommandRetryCommitPrepared, t.segments, nil)
			if err == nil {
				committed = true
				break
			}
			log.WithFields(log.Fields{"gid": t.gid, "retry": retry, "error": err.Error()}).Warn("tm::protocol::NotifyCommitPrepared; retry commit prepared failed")
		}
		if !committed {
			return m.fatal("unable to complete 'Commit Prepared' broadcast for gid = %s after %d retries", t.gid, m.conf.Phase2RetryCount)
		}
	}

	if err := t.forget(); err != nil {
		return err
	}
	m.metrics.transactions.WithLabelValues(outcomeCommitted).Inc()
	return nil
}

// forget writes the forget record and releases the slot.
func (t *Transaction) forget() error {
	b := t.m.lockBoth()
	defer b.unlock()

	if err := t.m.forgetLocked(b, t.gx); err != nil {
		return err
	}
	t.gx = nil
	t.done = true
	return nil
}

// forgetLocked is the end of every committed transaction, including recovered ones.
func (m *Manager) forgetLocked(b *bothGuard, gx *gxact) error {
	m.setStateLocked(b.table, gx, dtx.DtxStateInsertingForgetCommitted)
	if err := m.redo.AppendForget(entryOf(gx)); err != nil {
		return m.fatal("could not write the forget record of distributed transaction %s: %v", gx.gid, err)
	}
	gx.includeInCkpt = false
	m.setStateLocked(b.table, gx, dtx.DtxStateInsertedForgetCommitted)
	m.release(b, gx)
	return nil
}

// onePhase reports whether commit can skip PREPARE.
func (t *Transaction) onePhase() bool {
	return !t.segmentsWrote || (!t.localWrite && len(t.segments) < 2)
}

// Commit commits the transaction, choosing one phase or two phase commit. A failed commit is
// rolled back before the error is returned. On success it waits for the transactions the
// segments reported.
func (t *Transaction) Commit(ctx context.Context) error {
	if err := t.checkOpen(); err != nil {
		return err
	}
	start := time.Now()

	var err error
	switch st := t.State(); st {
	case dtx.DtxStateActiveNotDistributed:
		t.finish(outcomeCommitted)
		return nil

	case dtx.DtxStateActiveDistributed:
		if t.onePhase() {
			err = t.commitOnePhase(ctx)
			break
		}
		if err = t.Prepare(ctx); err != nil {
			if abortErr := t.Abort(ctx); abortErr != nil {
				return abortErr
			}
			return err
		}
		err = t.NotifyCommitPrepared(ctx)

	case dtx.DtxStatePrepared:
		err = t.NotifyCommitPrepared(ctx)

	default:
		return common.NewInvalidStateError(fmt.Sprintf("can not commit distributed transaction %s in state %s", t.gid, st))
	}
	if err != nil {
		return err
	}

	t.m.metrics.commitDuration.Observe(time.Since(start).Seconds())
	return t.m.waitForGxids(ctx, t.waitGxids)
}

func (t *Transaction) commitOnePhase(ctx context.Context) error {
	if err := checkForInterrupts(ctx, t.gid); err != nil {
		if abortErr := t.Abort(ctx); abortErr != nil {
			return abortErr
		}
		return err
	}
	t.setState(dtx.DtxStateOnePhaseCommit)

	held := holdInterrupts(ctx)
	t.setState(dtx.DtxStateNotifyingOnePhaseCommit)
	waits, err := t.dispatch(held, dtx.ProtocolCommandCommitOnePhase, t.segments, nil)
	if err != nil {
		log.WithFields(log.Fields{"gid": t.gid, "error": err.Error()}).Warn("tm::protocol::commitOnePhase; one-phase commit failed")
		if abortErr := t.Abort(ctx); abortErr != nil {
			return abortErr
		}
		return err
	}
	t.addWaits(waits)
	t.finish(outcomeOnePhase)
	return nil
}

// Abort rolls the transaction back. The broadcast depends on how far the transaction got.
// Aborting a finished transaction does nothing.
func (t *Transaction) Abort(ctx context.Context) error {
	if t.done {
		return nil
	}
	m := t.m
	held := holdInterrupts(ctx)

	switch st := t.State(); st {
	case dtx.DtxStateActiveNotDistributed:
		t.finish(outcomeAborted)
		return nil

	case dtx.DtxStateActiveDistributed, dtx.DtxStateOnePhaseCommit, dtx.DtxStateNotifyingOnePhaseCommit:
		if m.shuttingDown.Load() {
			// nothing is prepared, a fresh connection generation makes the segments abort
			log.WithFields(log.Fields{"gid": t.gid}).Info("tm::protocol::Abort; shutting down, abandoning abort broadcast")
			t.finish(outcomeAborted)
			m.dispatcher.Reset(held, t.sessionID, t.segments)
			return nil
		}
		if t.writerGangLost || len(t.segments) == 0 {
			log.WithFields(log.Fields{"gid": t.gid, "writerGangLost": t.writerGangLost}).Debug("tm::protocol::Abort; implicit abort")
			t.finish(outcomeAborted)
			return nil
		}

		t.setState(dtx.DtxStateNotifyingAbortNoPrepared)
		if _, err := t.dispatch(held, dtx.ProtocolCommandAbortNoPrepared, t.segments, nil); err != nil {
			log.WithFields(log.Fields{"gid": t.gid, "error": err.Error()}).Warn("tm::protocol::Abort; abort broadcast failed, resetting connections")
			m.dispatcher.Reset(held, t.sessionID, t.segments)
		}
		t.finish(outcomeAborted)
		return nil

	case dtx.DtxStatePreparing, dtx.DtxStatePrepared:
		if m.shuttingDown.Load() {
			return m.fatal("shutting down with distributed transaction %s in state %s", t.gid, st)
		}

		cmd, next := dtx.ProtocolCommandAbortPrepared, dtx.DtxStateNotifyingAbortPrepared
		if st == dtx.DtxStatePreparing {
			cmd, next = dtx.ProtocolCommandAbortSomePrepared, dtx.DtxStateNotifyingAbortSomePrepared
		}
		t.setState(next)
		if _, err := t.dispatch(held, cmd, t.segments, nil); err != nil {
			log.WithFields(log.Fields{"gid": t.gid, "command": cmd.String(), "error": err.Error()}).Warn("tm::protocol::Abort; abort broadcast failed, retrying")
			if err := t.retryAbortPrepared(held); err != nil {
				return err
			}
		}
		t.finish(outcomeAborted)
		return nil
	}

	st := t.State()
	return common.NewInvalidStateError(fmt.Sprintf("can not abort distributed transaction %s in state %s", t.gid, st))
}

// retryAbortPrepared resends ABORT PREPARED to every segment over fresh connections.
func (t *Transaction) retryAbortPrepared(ctx context.Context) error {
	m := t.m
	t.setState(dtx.DtxStateRetryAbortPrepared)

	attempts := m.conf.Phase2RetryCount
	if attempts < 1 {
		attempts = 1
	}
	for retry := 1; retry <= attempts; retry++ {
		if retry > 1 {
			time.Sleep(m.conf.Phase2RetryInterval())
		}
		m.metrics.phase2Retries.Inc()
		m.dispatcher.Reset(ctx, t.sessionID, m.dispatcher.Segments())

		_, err := t.dispatch(ctx, dtx.ProtocolCommandRetryAbortPrepared, m.dispatcher.Segments(), nil)
		if err == nil {
			return nil
		}
		log.WithFields(log.Fields{"gid": t.gid, "retry": retry, "error": err.Error()}).Warn("tm::protocol::retryAbortPrepared; retry abort prepared failed")
	}
	return m.fatal("unable to complete 'Abort Prepared' broadcast for gid = %s after %d retries", t.gid, attempts)
}

// BeginSubtransaction opens an internal subtransaction on every participant.
func (t *Transaction) BeginSubtransaction(ctx context.Context) error {
	if err := t.checkSubtransaction(); err != nil {
		return err
	}
	t.nestingLevel++
	if err := t.dispatchSubtransaction(ctx, dtx.ProtocolCommandSubtransactionBeginInternal); err != nil {
		t.nestingLevel--
		return err
	}
	return nil
}

// ReleaseSubtransaction releases the innermost subtransaction.
func (t *Transaction) ReleaseSubtransaction(ctx context.Context) error {
	return t.endSubtransaction(ctx, dtx.ProtocolCommandSubtransactionReleaseInternal)
}

// RollbackSubtransaction rolls the innermost subtransaction back.
func (t *Transaction) RollbackSubtransaction(ctx context.Context) error {
	return t.endSubtransaction(ctx, dtx.ProtocolCommandSubtransactionRollbackInternal)
}

func (t *Transaction) endSubtransaction(ctx context.Context, cmd dtx.ProtocolCommand) error {
	if err := t.checkSubtransaction(); err != nil {
		return err
	}
	if t.nestingLevel == 0 {
		return common.NewInvalidStateError(fmt.Sprintf("no subtransaction is open in distributed transaction %s", t.gid))
	}
	if err := t.dispatchSubtransaction(ctx, cmd); err != nil {
		return err
	}
	t.nestingLevel--
	return nil
}

func (t *Transaction) checkSubtransaction() error {
	if err := t.checkOpen(); err != nil {
		return err
	}
	if t.writerGangLost {
		return common.NewInvalidStateError(fmt.Sprintf("the writer gang of distributed transaction %s is lost, subtransactions are not possible", t.gid))
	}
	return nil
}

// dispatchSubtransaction only talks to segments once the transaction is distributed.
func (t *Transaction) dispatchSubtransaction(ctx context.Context, cmd dtx.ProtocolCommand) error {
	if t.State() != dtx.DtxStateActiveDistributed {
		return nil
	}
	info, err := t.ContextInfo(false, false, 0)
	if err != nil {
		return err
	}
	_, err = t.dispatch(ctx, cmd, t.segments, info.Serialize())
	return err
}

func (t *Transaction) dispatch(ctx context.Context, cmd dtx.ProtocolCommand, segments []int32, dtxContext []byte) ([]dtx.DistributedTransactionID, error) {
	return t.m.dispatch(ctx, &dtx.ProtocolRequest{
		Command:    cmd,
		Gid:        t.gid,
		Gxid:       t.gxid,
		SessionID:  t.sessionID,
		Segments:   segments,
		DtxContext: dtxContext,
	})
}

// addWaits replaces the wait list when segments reported any.
func (t *Transaction) addWaits(waits []dtx.DistributedTransactionID) {
	if len(waits) > 0 {
		t.waitGxids = waits
	}
}

// finish releases the slot.
func (t *Transaction) finish(outcome string) {
	b := t.m.lockBoth()
	t.m.release(b, t.gx)
	b.unlock()

	t.gx = nil
	t.done = true
	t.m.metrics.transactions.WithLabelValues(outcome).Inc()
	log.WithFields(log.Fields{"gid": t.gid, "outcome": outcome}).Debug("tm::protocol::finish; distributed transaction finished")
}

func entryOf(gx *gxact) redolog.Entry {
	return redolog.Entry{Gid: gx.gid, Gxid: gx.gxid}
}

func mergeSegments(have, add []int32) []int32 {
	for _, id := range add {
		i := sort.Search(len(have), func(i int) bool { return have[i] >= id })
		if i < len(have) && have[i] == id {
			continue
		}
		have = append(have, 0)
		copy(have[i+1:], have[i:])
		have[i] = id
	}
	return have
}

func missingSegments(all, have []int32) []int32 {
	var missing []int32
	for _, id := range all {
		i := sort.Search(len(have), func(i int) bool { return have[i] >= id })
		if i == len(have) || have[i] != id {
			missing = append(missing, id)
		}
	}
	return missing
}
