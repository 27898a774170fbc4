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

// Package segment is the worker side of the distributed commit protocol.
package segment

import (
	"fmt"
	"sort"
	"sync"

	"github.com/dr0pdb/icecanedtm/internal/common"
	"github.com/dr0pdb/icecanedtm/pkg/dtx"
	log "github.com/sirupsen/logrus"
)

// localTxn is the segment's view of a distributed transaction that has not prepared yet.
type localTxn struct {
	gid     string
	gxid    dtx.DistributedTransactionID
	session uint64

	wrote         bool
	impliedWriter bool
	nestingLevel  uint32

	// waitGxids are prepared transactions this one had to wait behind.
	waitGxids []dtx.DistributedTransactionID
}

// Participant executes protocol commands against the transactions of one segment.
type Participant struct {
	id    int32
	store *preparedStore

	mu     sync.Mutex
	active map[string]*localTxn

	// sessions holds the latest connection generation seen from every coordinator session.
	sessions map[uint64]uint64
}

// NewParticipant opens the participant persisting its prepared transactions under dbPath.
func NewParticipant(id int32, dbPath string) (*Participant, error) {
	log.WithFields(log.Fields{"id": id, "dbPath": dbPath}).Info("segment::participant::NewParticipant; started")
	store, err := openPreparedStore(dbPath)
	if err != nil {
		return nil, err
	}
	return newParticipant(id, store), nil
}

// NewInMemoryParticipant returns a participant whose prepared transactions live in memory only.
func NewInMemoryParticipant(id int32) (*Participant, error) {
	store, err := openMemPreparedStore()
	if err != nil {
		return nil, err
	}
	return newParticipant(id, store), nil
}

func newParticipant(id int32, store *preparedStore) *Participant {
	return &Participant{
		id:       id,
		store:    store,
		active:   make(map[string]*localTxn),
		sessions: make(map[uint64]uint64),
	}
}

// ID returns the segment id.
func (p *Participant) ID() int32 {
	return p.id
}

// BeginStatement registers a statement of the distributed transaction described by info,
// driven by the given coordinator session.
// A context without a distributed transaction id is a local statement and is ignored.
func (p *Participant) BeginStatement(session uint64, info *dtx.DtxContextInfo, write bool) error {
	if !info.DistributedXid.IsValid() {
		return nil
	}
	gid, err := dtx.FormGID(info.DistributedTimeStamp, info.DistributedXid)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok, err := p.store.prepared(gid); err != nil {
		return err
	} else if ok {
		return common.NewInvalidStateError(fmt.Sprintf("statement dispatched to prepared transaction %s", gid))
	}
	if err := p.checkNotFinishedLocked(gid); err != nil {
		return err
	}

	txn := p.getOrCreateLocked(gid, info.DistributedXid, session)
	txn.nestingLevel = info.NestingLevel
	if write {
		txn.wrote = true
		if info.HaveDistributedSnapshot {
			if err := p.collectWaitsLocked(txn, &info.DistributedSnapshot); err != nil {
				return err
			}
		}
	}

	log.WithFields(log.Fields{"segment": p.id, "gid": gid, "write": write, "nestingLevel": txn.nestingLevel}).Debug("segment::participant::BeginStatement; statement started")
	return nil
}

// collectWaitsLocked records the prepared transactions still in progress in the writer's snapshot.
func (p *Participant) collectWaitsLocked(txn *localTxn, snap *dtx.DistributedSnapshot) error {
	prepared, err := p.store.listPrepared()
	if err != nil {
		return err
	}
	for _, pt := range prepared {
		if pt.gxid != txn.gxid && snap.IsInProgress(pt.gxid) {
			txn.waitGxids = append(txn.waitGxids, pt.gxid)
		}
	}
	return nil
}

func (p *Participant) getOrCreateLocked(gid string, gxid dtx.DistributedTransactionID, session uint64) *localTxn {
	txn, ok := p.active[gid]
	if !ok {
		txn = &localTxn{gid: gid, gxid: gxid, session: session}
		p.active[gid] = txn
	}
	return txn
}

// checkNotFinishedLocked refuses a gid that already committed or aborted here.
func (p *Participant) checkNotFinishedLocked(gid string) error {
	o, ok, err := p.store.outcome(gid)
	if err != nil {
		return err
	}
	if ok {
		return common.NewInvalidStateError(fmt.Sprintf("distributed transaction %s already finished on segment %d with %s", gid, p.id, o))
	}
	return nil
}

// Execute runs a protocol command for the given coordinator session and returns the command tag
// on success. Wait gxids are reported for prepare and one-phase commit.
func (p *Participant) Execute(session uint64, cmd dtx.ProtocolCommand, gid string, gxid dtx.DistributedTransactionID) (string, []dtx.DistributedTransactionID, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	waits, err := p.executeLocked(session, cmd, gid, gxid)
	if err != nil {
		log.WithFields(log.Fields{"segment": p.id, "command": cmd.String(), "gid": gid, "error": err.Error()}).Warn("segment::participant::Execute; command failed")
		return "", nil, err
	}

	log.WithFields(log.Fields{"segment": p.id, "command": cmd.String(), "gid": gid}).Debug("segment::participant::Execute; command done")
	return cmd.String(), waits, nil
}

func (p *Participant) executeLocked(session uint64, cmd dtx.ProtocolCommand, gid string, gxid dtx.DistributedTransactionID) ([]dtx.DistributedTransactionID, error) {
	switch cmd {
	case dtx.ProtocolCommandPrepare:
		return p.prepareLocked(gid, gxid)

	case dtx.ProtocolCommandCommitPrepared, dtx.ProtocolCommandAbortPrepared:
		_, ok, err := p.store.prepared(gid)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, common.NewNotFoundError(fmt.Sprintf("prepared transaction with identifier %q does not exist", gid))
		}
		return nil, p.store.resolve(gid, outcomeOf(cmd))

	case dtx.ProtocolCommandRetryCommitPrepared, dtx.ProtocolCommandRetryAbortPrepared,
		dtx.ProtocolCommandRecoveryCommitPrepared, dtx.ProtocolCommandRecoveryAbortPrepared:
		// an earlier attempt may already have finished the transaction
		_, ok, err := p.store.prepared(gid)
		if err != nil || !ok {
			return nil, err
		}
		return nil, p.store.resolve(gid, outcomeOf(cmd))

	case dtx.ProtocolCommandAbortNoPrepared:
		return nil, p.abortActiveLocked(gid)

	case dtx.ProtocolCommandAbortSomePrepared:
		_, ok, err := p.store.prepared(gid)
		if err != nil {
			return nil, err
		}
		if ok {
			return nil, p.store.resolve(gid, outcomeAbort)
		}
		return nil, p.abortActiveLocked(gid)

	case dtx.ProtocolCommandCommitOnePhase:
		if _, ok, err := p.store.prepared(gid); err != nil {
			return nil, err
		} else if ok {
			return nil, common.NewInvalidStateError(fmt.Sprintf("one-phase commit of prepared transaction %s", gid))
		}
		if err := p.checkNotFinishedLocked(gid); err != nil {
			return nil, err
		}
		var waits []dtx.DistributedTransactionID
		if txn, ok := p.active[gid]; ok {
			waits = txn.waitGxids
			delete(p.active, gid)
		}
		return waits, p.store.recordOutcome(gid, outcomeCommit)

	case dtx.ProtocolCommandSubtransactionBeginInternal:
		txn := p.getOrCreateLocked(gid, gxid, session)
		txn.nestingLevel++
		return nil, nil

	case dtx.ProtocolCommandSubtransactionReleaseInternal, dtx.ProtocolCommandSubtransactionRollbackInternal:
		txn, ok := p.active[gid]
		if !ok || txn.nestingLevel == 0 {
			return nil, common.NewInvalidStateError(fmt.Sprintf("no subtransaction is open in %s", gid))
		}
		txn.nestingLevel--
		return nil, nil

	case dtx.ProtocolCommandStayAtOrBecomeImpliedWriter:
		txn := p.getOrCreateLocked(gid, gxid, session)
		txn.impliedWriter = true
		return nil, nil
	}

	return nil, common.NewInvalidStateError(fmt.Sprintf("unexpected protocol command %s", cmd))
}

func (p *Participant) prepareLocked(gid string, gxid dtx.DistributedTransactionID) ([]dtx.DistributedTransactionID, error) {
	if _, ok, err := p.store.prepared(gid); err != nil {
		return nil, err
	} else if ok {
		return nil, common.NewInvalidStateError(fmt.Sprintf("transaction identifier %q is already in use", gid))
	}
	// the work of an aborted transaction is gone, preparing it would commit nothing in its place
	if err := p.checkNotFinishedLocked(gid); err != nil {
		return nil, err
	}

	var waits []dtx.DistributedTransactionID
	if txn, ok := p.active[gid]; ok {
		waits = txn.waitGxids
	}
	if err := p.store.savePrepared(gid, gxid); err != nil {
		return nil, err
	}
	delete(p.active, gid)
	return waits, nil
}

func (p *Participant) abortActiveLocked(gid string) error {
	if _, ok := p.active[gid]; !ok {
		return nil
	}
	delete(p.active, gid)
	return p.store.recordOutcome(gid, outcomeAbort)
}

func outcomeOf(cmd dtx.ProtocolCommand) string {
	switch cmd {
	case dtx.ProtocolCommandCommitPrepared, dtx.ProtocolCommandRetryCommitPrepared, dtx.ProtocolCommandRecoveryCommitPrepared:
		return outcomeCommit
	}
	return outcomeAbort
}

// ListPrepared returns the gids of every locally prepared transaction, sorted.
func (p *Participant) ListPrepared() ([]string, error) {
	prepared, err := p.store.listPrepared()
	if err != nil {
		return nil, err
	}
	gids := make([]string, 0, len(prepared))
	for _, pt := range prepared {
		gids = append(gids, pt.gid)
	}
	sort.Strings(gids)
	return gids, nil
}

// ObserveGeneration records the connection generation of a coordinator session. A newer generation
// than the last one seen means the coordinator reset that session's connections, and the session's
// transactions that haven't prepared are aborted. Zero means the caller doesn't track generations.
func (p *Participant) ObserveGeneration(session, gen uint64) {
	if gen == 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	last := p.sessions[session]
	if gen <= last {
		return
	}
	p.sessions[session] = gen
	if last != 0 {
		log.WithFields(log.Fields{"segment": p.id, "session": session, "from": last, "to": gen}).Info("segment::participant::ObserveGeneration; coordinator reset the session's connections")
		p.resetSessionLocked(session)
	}
}

// ResetSession aborts every transaction of session that has not prepared and returns how many.
// Prepared transactions and other sessions are untouched. gen, when not zero, becomes the
// session's latest generation so later requests of the old generation don't reset it again.
func (p *Participant) ResetSession(session, gen uint64) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	if gen > p.sessions[session] {
		p.sessions[session] = gen
	}
	return p.resetSessionLocked(session)
}

func (p *Participant) resetSessionLocked(session uint64) int {
	aborted := 0
	for gid, txn := range p.active {
		if txn.session != session {
			continue
		}
		if err := p.store.recordOutcome(gid, outcomeAbort); err != nil {
			log.WithFields(log.Fields{"segment": p.id, "gid": gid, "error": err.Error()}).Error("segment::participant::resetSessionLocked; could not record abort")
		}
		delete(p.active, gid)
		aborted++
	}
	if aborted > 0 {
		log.WithFields(log.Fields{"segment": p.id, "session": session, "aborted": aborted}).Info("segment::participant::resetSessionLocked; aborted idle transactions")
	}
	return aborted
}

// Outcome returns "commit" or "abort" once the transaction finished on this segment.
func (p *Participant) Outcome(gid string) (string, bool) {
	o, ok, err := p.store.outcome(gid)
	if err != nil {
		log.WithFields(log.Fields{"segment": p.id, "gid": gid, "error": err.Error()}).Error("segment::participant::Outcome; read failed")
		return "", false
	}
	return o, ok
}

// ActiveCount returns the number of distributed transactions that have not prepared yet.
func (p *Participant) ActiveCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.active)
}

// NestingLevel returns the subtransaction nesting level of an active transaction.
func (p *Participant) NestingLevel(gid string) (uint32, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	txn, ok := p.active[gid]
	if !ok {
		return 0, false
	}
	return txn.nestingLevel, true
}

// Close closes the underlying store.
func (p *Participant) Close() error {
	return p.store.close()
}
