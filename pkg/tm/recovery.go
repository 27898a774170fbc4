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

	"github.com/dr0pdb/icecanedtm/internal/common"
	"github.com/dr0pdb/icecanedtm/pkg/dtx"
	"github.com/google/btree"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// gidItem orders gids in the in-doubt set.
type gidItem string

func (a gidItem) Less(b btree.Item) bool {
	return a < b.(gidItem)
}

// Recover resolves every distributed transaction left behind by a previous coordinator.
// Committed transactions from the redo log are committed everywhere; any other prepared
// transaction is aborted. It runs once; later calls return immediately.
func (m *Manager) Recover(ctx context.Context) error {
	if m.recovered.Load() {
		return nil
	}

	b := m.lockBoth()
	defer b.unlock()

	if m.recovered.Load() {
		return nil
	}
	if err := m.poisoned.Load(); err != nil {
		return err
	}

	held := holdInterrupts(ctx)

	log.WithFields(log.Fields{"replayed": len(m.pendingRecovery)}).Info("tm::recovery::Recover; starting distributed transaction recovery")
	if err := m.recoverLocked(held, b); err != nil {
		log.WithFields(log.Fields{"error": err.Error()}).Error("tm::recovery::Recover; recovery failed")
		return err
	}

	m.recovered.Store(true)
	log.Info("tm::recovery::Recover; distributed transaction recovery done")
	return nil
}

func (m *Manager) recoverLocked(ctx context.Context, b *bothGuard) error {
	// commits found in the redo log
	for _, e := range m.pendingRecovery {
		if m.table.findByGid(e.Gid) != nil {
			continue
		}
		if _, err := m.insertCrashCommitted(b.table, e); err != nil {
			return err
		}
	}
	m.pendingRecovery = nil

	var crashCommitted []*gxact
	for i := 0; i < m.table.count; i++ {
		if gx := m.table.active[i]; gx.state == dtx.DtxStateCrashCommitted {
			crashCommitted = append(crashCommitted, gx)
		}
	}

	committed := btree.New(2)
	for _, gx := range crashCommitted {
		gid := gx.gid
		_, err := m.dispatch(ctx, &dtx.ProtocolRequest{
			Command:  dtx.ProtocolCommandRecoveryCommitPrepared,
			Gid:      gid,
			Gxid:     dtx.UnknownDistributedTransactionID,
			Segments: m.dispatcher.Segments(),
		})
		if err != nil {
			return m.fatal("unable to commit prepared distributed transaction %s during recovery: %v", gid, err)
		}
		if err := m.forgetLocked(b, gx); err != nil {
			return err
		}
		committed.ReplaceOrInsert(gidItem(gid))
		m.metrics.transactions.WithLabelValues(outcomeRecoveredCommit).Inc()
		log.WithFields(log.Fields{"gid": gid}).Info("tm::recovery::recoverLocked; committed in-doubt distributed transaction")
	}

	// everything else the segments still hold prepared was never committed
	inDoubt, err := m.queryInDoubt(ctx)
	if err != nil {
		return err
	}
	var toAbort []string
	inDoubt.Ascend(func(i btree.Item) bool {
		if !committed.Has(i) {
			toAbort = append(toAbort, string(i.(gidItem)))
		}
		return true
	})

	for _, gid := range toAbort {
		gxid := dtx.UnknownDistributedTransactionID
		if _, parsed, err := dtx.CrackOpenGID(gid); err == nil {
			gxid = parsed
		}
		_, err := m.dispatch(ctx, &dtx.ProtocolRequest{
			Command:  dtx.ProtocolCommandRecoveryAbortPrepared,
			Gid:      gid,
			Gxid:     gxid,
			Segments: m.dispatcher.Segments(),
		})
		if err != nil {
			log.WithFields(log.Fields{"gid": gid, "error": err.Error()}).Warn("tm::recovery::recoverLocked; could not abort in-doubt distributed transaction")
			continue
		}
		m.metrics.transactions.WithLabelValues(outcomeRecoveredAbort).Inc()
		log.WithFields(log.Fields{"gid": gid}).Info("tm::recovery::recoverLocked; aborted in-doubt distributed transaction")
	}

	remaining, err := m.queryInDoubt(ctx)
	if err != nil {
		return err
	}
	if remaining.Len() > 0 {
		var orphans []string
		remaining.Ascend(func(i btree.Item) bool {
			orphans = append(orphans, string(i.(gidItem)))
			return true
		})
		return common.NewRecoveryError(orphans)
	}
	return nil
}

// queryInDoubt collects the gids every segment holds prepared.
// A gid this coordinator could not have formed is refused unless the coordinator runs in utility mode.
func (m *Manager) queryInDoubt(ctx context.Context) (*btree.BTree, error) {
	gids, err := m.dispatcher.QueryPrepared(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "tm: query prepared transactions")
	}

	set := btree.New(2)
	for _, gid := range gids {
		if _, _, err := dtx.CrackOpenGID(gid); err != nil {
			if !m.conf.UtilityMode {
				return nil, err
			}
			log.WithFields(log.Fields{"gid": gid}).Warn("tm::recovery::queryInDoubt; foreign prepared transaction found in utility mode")
		}
		set.ReplaceOrInsert(gidItem(gid))
	}
	return set, nil
}
