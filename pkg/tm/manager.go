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

// Package tm is the distributed transaction manager embedded in the coordinator.
//
// It hands out global transaction identifiers, drives two phase commit across the segments
// through a Dispatcher, keeps commit decisions in a redo log and resolves in-doubt
// transactions after a crash.
package tm

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	"github.com/dr0pdb/icecanedtm/internal/common"
	pcommon "github.com/dr0pdb/icecanedtm/pkg/common"
	"github.com/dr0pdb/icecanedtm/pkg/dtx"
	"github.com/dr0pdb/icecanedtm/pkg/redolog"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
	"go.uber.org/atomic"
)

// Manager is the distributed transaction manager of one coordinator epoch.
type Manager struct {
	conf       *pcommon.DTMConfig
	dispatcher Dispatcher
	redo       *redolog.Log
	metrics    *metrics

	procArrayLock procArrayLock
	tableLock     tableLock

	// guarded by tableLock
	table      gxactTable
	nextGxid   dtx.DistributedTransactionID
	snapshotID uint32

	// released is closed and replaced every time a slot is released.
	released chan struct{}

	// pendingRecovery holds the replayed committed-not-forgotten entries until recovery inserts them.
	pendingRecovery []redolog.Entry

	// guarded by procArrayLock
	latestCompletedGxid dtx.DistributedTransactionID

	timestamp dtx.DistributedTransactionTimeStamp

	recovered    atomic.Bool
	shuttingDown atomic.Bool

	// poisoned is set once a fatal error happened. Every later operation returns it.
	poisoned atomic.Error
}

// NewManager opens the redo log under conf.DbPath and, unless the coordinator starts read only,
// runs crash recovery before returning.
// reg may be nil.
func NewManager(ctx context.Context, conf *pcommon.DTMConfig, d Dispatcher, reg prometheus.Registerer) (*Manager, error) {
	if err := conf.Validate(); err != nil {
		return nil, err
	}

	redo, entries, err := redolog.Open(filepath.Join(conf.DbPath, "dtxlog"))
	if err != nil {
		log.WithFields(log.Fields{"dbPath": conf.DbPath, "error": err.Error()}).Error("tm::manager::NewManager; could not open the redo log")
		return nil, errors.Wrap(err, "tm: open redo log")
	}

	m := &Manager{
		conf:            conf,
		dispatcher:      d,
		redo:            redo,
		metrics:         newMetrics(),
		table:           newGxactTable(conf.MaxPreparedTransactions),
		nextGxid:        dtx.FirstDistributedTransactionID,
		snapshotID:      1,
		released:        make(chan struct{}),
		pendingRecovery: entries,
		timestamp:       dtx.DistributedTransactionTimeStamp(time.Now().Unix()),
	}
	if err := m.metrics.register(reg); err != nil {
		redo.Close()
		return nil, errors.Wrap(err, "tm: register metrics")
	}

	log.WithFields(log.Fields{
		"timestamp": m.timestamp,
		"maxGxacts": conf.MaxPreparedTransactions,
		"segments":  len(d.Segments()),
		"replayed":  len(entries),
		"readOnly":  conf.ReadOnly,
	}).Info("tm::manager::NewManager; starting distributed transaction manager")

	if !conf.ReadOnly {
		if err := m.Recover(ctx); err != nil {
			redo.Close()
			return nil, err
		}
	}
	return m, nil
}

// Timestamp returns the epoch of this manager. It is the first part of every gid it forms.
func (m *Manager) Timestamp() dtx.DistributedTransactionTimeStamp {
	return m.timestamp
}

// Recovered reports whether crash recovery has completed.
func (m *Manager) Recovered() bool {
	return m.recovered.Load()
}

// LatestCompletedGxid returns the highest gxid whose slot was released.
func (m *Manager) LatestCompletedGxid() dtx.DistributedTransactionID {
	m.procArrayLock.mu.Lock()
	defer m.procArrayLock.mu.Unlock()
	return m.latestCompletedGxid
}

// Err returns the fatal error that poisoned the manager, if any.
func (m *Manager) Err() error {
	return m.poisoned.Load()
}

// Checkpoint writes every committed but not yet forgotten transaction into a fresh redo log file.
func (m *Manager) Checkpoint() error {
	if err := m.poisoned.Load(); err != nil {
		return err
	}

	b := m.lockBoth()
	defer b.unlock()

	entries := append(m.checkpointLocked(b), m.pendingRecovery...)
	if err := m.redo.Checkpoint(entries); err != nil {
		log.WithFields(log.Fields{"error": err.Error()}).Error("tm::manager::Checkpoint; checkpoint failed")
		return errors.Wrap(err, "tm: checkpoint")
	}

	log.WithFields(log.Fields{"entries": len(entries), "logNumber": m.redo.LogNumber()}).Info("tm::manager::Checkpoint; checkpoint done")
	return nil
}

// Shutdown marks the manager as shutting down. Aborts from now on don't notify segments
// that never prepared; their connections are reset instead.
func (m *Manager) Shutdown() {
	log.Info("tm::manager::Shutdown; shutting down distributed transaction manager")
	m.shuttingDown.Store(true)
}

// Close closes the redo log. The dispatcher is owned by the caller.
func (m *Manager) Close() error {
	return m.redo.Close()
}

// fatal poisons the manager and returns the FatalError. Only the first fatal error is kept.
func (m *Manager) fatal(format string, args ...interface{}) error {
	msg := fmt.Sprintf(format, args...)
	log.WithFields(log.Fields{"reason": msg}).Error("tm::manager::fatal; distributed transaction manager can not continue")

	err := common.NewFatalError(msg)
	if m.poisoned.Load() == nil {
		m.poisoned.Store(err)
	}
	return err
}

// dispatch sends req through the dispatcher and folds the per segment results into one error.
// The returned wait gxids are sorted and deduplicated.
func (m *Manager) dispatch(ctx context.Context, req *dtx.ProtocolRequest) ([]dtx.DistributedTransactionID, error) {
	if len(req.Segments) == 0 {
		return nil, nil
	}

	results, ok := m.dispatcher.Dispatch(ctx, req)

	var waits []dtx.DistributedTransactionID
	var details []string
	for _, r := range results {
		waits = append(waits, r.WaitGxids...)
		if r.Succeeded(req.Command) {
			continue
		}
		if r.Err != nil {
			details = append(details, fmt.Sprintf("segment %d: %v", r.SegmentID, r.Err))
		} else {
			details = append(details, fmt.Sprintf("segment %d: unexpected command status %q", r.SegmentID, r.CmdStatus))
		}
	}

	if !ok || len(details) > 0 {
		m.metrics.broadcastFailures.WithLabelValues(req.Command.String()).Inc()
		log.WithFields(log.Fields{"command": req.Command.String(), "gid": req.Gid, "failures": len(details)}).Warn("tm::manager::dispatch; broadcast failed")
		return waits, common.NewBroadcastError(req.Command.String(), req.Gid, details)
	}
	return sortAndDedup(waits), nil
}

func sortAndDedup(ids []dtx.DistributedTransactionID) []dtx.DistributedTransactionID {
	if len(ids) == 0 {
		return nil
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	out := ids[:1]
	for _, id := range ids[1:] {
		if id != out[len(out)-1] {
			out = append(out, id)
		}
	}
	return out
}

// waitForGxids blocks until none of gxids has a slot in the table.
func (m *Manager) waitForGxids(ctx context.Context, gxids []dtx.DistributedTransactionID) error {
	for {
		g := m.lockTable()
		running := dtx.InvalidDistributedTransactionID
		for _, id := range gxids {
			if m.table.findByGxid(id) != nil {
				running = id
				break
			}
		}
		ch := m.released
		g.unlock()

		if !running.IsValid() {
			return nil
		}

		log.WithFields(log.Fields{"gxid": running}).Debug("tm::manager::waitForGxids; waiting for distributed transaction to finish")
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
