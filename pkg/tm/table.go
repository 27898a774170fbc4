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
	"fmt"

	"github.com/dr0pdb/icecanedtm/internal/common"
	"github.com/dr0pdb/icecanedtm/pkg/dtx"
	"github.com/dr0pdb/icecanedtm/pkg/redolog"
	log "github.com/sirupsen/logrus"
)

// gxact is one slot of the global transaction table.
// Every field is read and written under the table lock.
type gxact struct {
	gid       string
	gxid      dtx.DistributedTransactionID
	state     dtx.DtxState
	sessionID uint64

	// xminDistributedSnapshot is the lowest xmin of any snapshot this transaction took.
	xminDistributedSnapshot dtx.DistributedTransactionID

	// includeInCkpt is set while the commit record is in the redo log and the forget record isn't.
	includeInCkpt bool

	slot      int
	activeIdx int
}

// gxactTable is a fixed arena of slots. active[:count] points at the slots in use.
type gxactTable struct {
	slots  []gxact
	free   []int
	active []*gxact
	count  int
}

func newGxactTable(max int) gxactTable {
	t := gxactTable{
		slots:  make([]gxact, max),
		free:   make([]int, max),
		active: make([]*gxact, max),
	}
	// pop from the back hands out slot 0 first
	for i := range t.free {
		t.free[i] = max - 1 - i
	}
	return t
}

func (t *gxactTable) max() int {
	return len(t.slots)
}

func (t *gxactTable) alloc() *gxact {
	idx := t.free[len(t.free)-1]
	t.free = t.free[:len(t.free)-1]

	gx := &t.slots[idx]
	*gx = gxact{slot: idx, activeIdx: t.count}
	t.active[t.count] = gx
	t.count++
	return gx
}

// remove releases the slot in O(1) by moving the last active pointer into its place.
func (t *gxactTable) remove(gx *gxact) {
	idx := gx.activeIdx
	if idx < 0 || idx >= t.count || t.active[idx] != gx {
		log.WithFields(log.Fields{"gid": gx.gid, "activeIdx": idx, "count": t.count}).Error("tm::table::remove; slot is not in the active array")
		panic("tm::table::remove; global transaction table is corrupt")
	}

	last := t.active[t.count-1]
	t.active[idx] = last
	last.activeIdx = idx
	t.active[t.count-1] = nil
	t.count--

	slot := gx.slot
	*gx = gxact{}
	t.free = append(t.free, slot)
}

func (t *gxactTable) findByGid(gid string) *gxact {
	for i := 0; i < t.count; i++ {
		if t.active[i].gid == gid {
			return t.active[i]
		}
	}
	return nil
}

func (t *gxactTable) findByGxid(gxid dtx.DistributedTransactionID) *gxact {
	for i := 0; i < t.count; i++ {
		if t.active[i].gxid == gxid {
			return t.active[i]
		}
	}
	return nil
}

// GxactStatus is a copy of a table slot for diagnostics.
type GxactStatus struct {
	Gid                     string
	Gxid                    dtx.DistributedTransactionID
	State                   dtx.DtxState
	SessionID               uint64
	XminDistributedSnapshot dtx.DistributedTransactionID
}

// dumpLocked logs every slot in use. Called before reporting a full table.
func (t *gxactTable) dumpLocked() {
	for i := 0; i < t.count; i++ {
		gx := t.active[i]
		log.WithFields(log.Fields{
			"index":     i,
			"gid":       gx.gid,
			"gxid":      gx.gxid,
			"state":     gx.state.String(),
			"sessionID": gx.sessionID,
			"xmin":      gx.xminDistributedSnapshot,
		}).Warn("tm::table::dumpLocked; active distributed transaction")
	}
}

// create allocates a slot for a new distributed transaction.
func (m *Manager) create(g *tableGuard, sessionID uint64) (*gxact, error) {
	g = m.acquireTable(g)
	defer g.unlock()

	if m.table.count == m.table.max() {
		log.WithFields(log.Fields{"max": m.table.max()}).Error("tm::table::create; global transaction table is full")
		m.table.dumpLocked()
		return nil, common.NewResourceExhaustedError(fmt.Sprintf("the global transaction table is full (%d distributed transactions)", m.table.max()))
	}

	if m.nextGxid > dtx.LastDistributedTransactionID {
		log.WithFields(log.Fields{"nextGxid": m.nextGxid}).Error("tm::table::create; distributed transaction ids exhausted")
		return nil, common.NewGxidExhaustedError("distributed transaction ids are exhausted for this coordinator epoch, restart the coordinator")
	}
	gxid := m.nextGxid

	gid, err := dtx.FormGID(m.timestamp, gxid)
	if err != nil {
		return nil, err
	}
	m.nextGxid++

	gx := m.table.alloc()
	gx.gid = gid
	gx.gxid = gxid
	gx.sessionID = sessionID
	gx.xminDistributedSnapshot = gxid
	m.setStateLocked(g, gx, dtx.DtxStateActiveNotDistributed)

	m.metrics.activeGxacts.Set(float64(m.table.count))
	log.WithFields(log.Fields{"gid": gid, "session": sessionID}).Debug("tm::table::create; created distributed transaction")
	return gx, nil
}

// insertCrashCommitted adds an entry replayed from the redo log. The gid and gxid are kept as logged.
func (m *Manager) insertCrashCommitted(g *tableGuard, e redolog.Entry) (*gxact, error) {
	g = m.acquireTable(g)
	defer g.unlock()

	if m.table.count == m.table.max() {
		m.table.dumpLocked()
		return nil, common.NewResourceExhaustedError(fmt.Sprintf("the global transaction table is too small for %s recovered from the redo log", e.Gid))
	}

	gx := m.table.alloc()
	gx.gid = e.Gid
	gx.gxid = e.Gxid
	gx.xminDistributedSnapshot = e.Gxid
	gx.includeInCkpt = true
	m.setStateLocked(g, gx, dtx.DtxStateCrashCommitted)

	m.metrics.activeGxacts.Set(float64(m.table.count))
	return gx, nil
}

// release frees the slot of gx. Both locks must be held.
func (m *Manager) release(b *bothGuard, gx *gxact) {
	if gx.state != dtx.DtxStateNone {
		m.setStateLocked(b.table, gx, dtx.DtxStateNone)
	}
	if gx.gxid > m.latestCompletedGxid && gx.gxid != dtx.UnknownDistributedTransactionID {
		m.latestCompletedGxid = gx.gxid
	}

	gid := gx.gid
	m.table.remove(gx)
	m.metrics.activeGxacts.Set(float64(m.table.count))

	// wake everyone waiting for a transaction to finish
	close(m.released)
	m.released = make(chan struct{})

	log.WithFields(log.Fields{"gid": gid}).Debug("tm::table::release; released distributed transaction")
}

// setStateLocked moves gx along a legal edge of the state machine. The table lock must be held.
func (m *Manager) setStateLocked(g *tableGuard, gx *gxact, to dtx.DtxState) {
	if g == nil || g.depth <= 0 {
		panic("tm::table::setStateLocked; table lock is not held")
	}
	if !dtx.CanTransition(gx.state, to) {
		log.WithFields(log.Fields{"gid": gx.gid, "from": gx.state.String(), "to": to.String()}).Error("tm::table::setStateLocked; illegal state transition")
		panic(fmt.Sprintf("tm::table::setStateLocked; illegal transition %s -> %s for %s", gx.state, to, gx.gid))
	}
	gx.state = to
}

// FindByGid returns a copy of the slot holding gid.
func (m *Manager) FindByGid(gid string) (GxactStatus, error) {
	g := m.lockTable()
	defer g.unlock()

	gx := m.table.findByGid(gid)
	if gx == nil {
		return GxactStatus{}, common.NewNotFoundError(fmt.Sprintf("distributed transaction %s not found", gid))
	}
	return statusOf(gx), nil
}

// Status returns a copy of every slot in use.
func (m *Manager) Status() []GxactStatus {
	g := m.lockTable()
	defer g.unlock()

	res := make([]GxactStatus, 0, m.table.count)
	for i := 0; i < m.table.count; i++ {
		res = append(res, statusOf(m.table.active[i]))
	}
	return res
}

func statusOf(gx *gxact) GxactStatus {
	return GxactStatus{
		Gid:                     gx.gid,
		Gxid:                    gx.gxid,
		State:                   gx.state,
		SessionID:               gx.sessionID,
		XminDistributedSnapshot: gx.xminDistributedSnapshot,
	}
}

// checkpointLocked lists the transactions committed in the redo log and not yet forgotten.
func (m *Manager) checkpointLocked(b *bothGuard) []redolog.Entry {
	var entries []redolog.Entry
	for i := 0; i < m.table.count; i++ {
		gx := m.table.active[i]
		if !gx.includeInCkpt {
			continue
		}
		if !gx.state.IsCommittedNotForgotten() {
			log.WithFields(log.Fields{"gid": gx.gid, "state": gx.state.String()}).Error("tm::table::checkpointLocked; checkpoint flag set in an unexpected state")
			panic("tm::table::checkpointLocked; checkpoint flag set in an unexpected state")
		}
		entries = append(entries, redolog.Entry{Gid: gx.gid, Gxid: gx.gxid})
	}
	return entries
}
