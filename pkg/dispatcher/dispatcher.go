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

// Package dispatcher sends protocol commands to segments over grpc.
package dispatcher

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dr0pdb/icecanedtm/internal/common"
	pcommon "github.com/dr0pdb/icecanedtm/pkg/common"
	"github.com/dr0pdb/icecanedtm/pkg/dtx"
	"github.com/dr0pdb/icecanedtm/pkg/dtxpb"
	"github.com/dr0pdb/icecanedtm/pkg/tm"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
)

// DefaultCallTimeout bounds a single rpc to a segment.
const DefaultCallTimeout = 10 * time.Second

// Dispatcher fans protocol commands out to the configured segments.
//
// Connections are shared by every session. Each session has a connection generation that every
// request carries. Reset gives one session a new generation and tells the segments, which then abort
// that session's transactions that haven't prepared. A segment that missed the reset notices the new
// generation with the session's next request.
type Dispatcher struct {
	peers map[int32]pcommon.Peer
	ids   []int32

	mu    sync.Mutex
	conns map[int32]*grpc.ClientConn

	// sessions holds the generation of every session that was reset. Others use base.
	sessions map[uint64]uint64
	base     uint64

	generation  atomic.Uint64
	closed      atomic.Bool
	callTimeout time.Duration
}

var _ tm.Dispatcher = (*Dispatcher)(nil)

// NewDispatcher creates a dispatcher for the given segments. Connections are made lazily.
func NewDispatcher(peers []pcommon.Peer) *Dispatcher {
	d := &Dispatcher{
		peers:       make(map[int32]pcommon.Peer),
		conns:       make(map[int32]*grpc.ClientConn),
		sessions:    make(map[uint64]uint64),
		callTimeout: DefaultCallTimeout,
	}
	for _, p := range peers {
		d.peers[p.ID] = p
		d.ids = append(d.ids, p.ID)
	}
	sort.Slice(d.ids, func(i, j int) bool { return d.ids[i] < d.ids[j] })

	// zero means "not tracked" to a segment
	d.base = uint64(time.Now().UnixNano())
	d.generation.Store(d.base)
	return d
}

// Generation returns the connection generation of session.
func (d *Dispatcher) Generation(session uint64) uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if gen, ok := d.sessions[session]; ok {
		return gen
	}
	return d.base
}

func (d *Dispatcher) Segments() []int32 {
	return append([]int32(nil), d.ids...)
}

// getOrCreateClientConnection gets or creates the grpc client connection of segment id.
func (d *Dispatcher) getOrCreateClientConnection(id int32) (dtxpb.SegmentClient, error) {
	if d.closed.Load() {
		return nil, common.NewInvalidStateError("dispatcher is closed")
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if conn, ok := d.conns[id]; ok {
		return dtxpb.NewSegmentClient(conn), nil
	}

	p, ok := d.peers[id]
	if !ok {
		return nil, common.NewNotFoundError(fmt.Sprintf("invalid segment id %d", id))
	}

	log.WithFields(log.Fields{"segment": id, "target": p.Target()}).Debug("dispatcher::dispatcher::getOrCreateClientConnection; dialing segment")
	var opts []grpc.DialOption
	opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	conn, err := grpc.Dial(p.Target(), opts...)
	if err != nil {
		return nil, errors.Wrapf(err, "dispatcher: dial segment %d", id)
	}
	d.conns[id] = conn
	return dtxpb.NewSegmentClient(conn), nil
}

// Dispatch runs req on every target segment in parallel. It reports true only when every segment
// echoed the command.
func (d *Dispatcher) Dispatch(ctx context.Context, req *dtx.ProtocolRequest) ([]dtx.SegmentResult, bool) {
	gen := d.Generation(req.SessionID)
	results := make([]dtx.SegmentResult, len(req.Segments))

	var g errgroup.Group
	for i, id := range req.Segments {
		i, id := i, id
		g.Go(func() error {
			results[i] = d.execute(ctx, id, req, gen)
			return nil
		})
	}
	g.Wait()

	ok := true
	for _, r := range results {
		if !r.Succeeded(req.Command) {
			ok = false
			log.WithFields(log.Fields{"segment": r.SegmentID, "command": req.Command.String(), "gid": req.Gid, "status": r.CmdStatus, "error": r.Err}).Warn("dispatcher::dispatcher::Dispatch; segment failed")
		}
	}
	return results, ok
}

func (d *Dispatcher) execute(ctx context.Context, id int32, req *dtx.ProtocolRequest, gen uint64) dtx.SegmentResult {
	res := dtx.SegmentResult{SegmentID: id}

	client, err := d.getOrCreateClientConnection(id)
	if err != nil {
		res.Err = err
		return res
	}

	ctx, cancel := context.WithTimeout(ctx, d.callTimeout)
	defer cancel()

	resp, err := client.ExecuteProtocol(ctx, &dtxpb.ProtocolRequest{
		Command:    int32(req.Command),
		Gid:        req.Gid,
		Gxid:       uint32(req.Gxid),
		DtxContext: req.DtxContext,
		Generation: gen,
		Session:    req.SessionID,
	})
	if err != nil {
		res.Err = errors.Wrapf(err, "segment %d", id)
		return res
	}
	if resp.ErrorMessage != "" {
		res.Err = errors.New(resp.ErrorMessage)
	}
	res.CmdStatus = resp.CmdStatus
	for _, w := range resp.WaitGxids {
		res.WaitGxids = append(res.WaitGxids, dtx.DistributedTransactionID(w))
	}
	return res
}

// QueryPrepared lists the prepared gids of every segment. Any unreachable segment fails the query.
func (d *Dispatcher) QueryPrepared(ctx context.Context) ([]string, error) {
	lists := make([][]string, len(d.ids))

	g, gctx := errgroup.WithContext(ctx)
	for i, id := range d.ids {
		i, id := i, id
		g.Go(func() error {
			client, err := d.getOrCreateClientConnection(id)
			if err != nil {
				return err
			}
			cctx, cancel := context.WithTimeout(gctx, d.callTimeout)
			defer cancel()

			resp, err := client.ListPrepared(cctx, &dtxpb.ListPreparedRequest{})
			if err != nil {
				return errors.Wrapf(err, "dispatcher: list prepared on segment %d", id)
			}
			lists[i] = resp.Gids
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		log.WithFields(log.Fields{"error": err.Error()}).Error("dispatcher::dispatcher::QueryPrepared; query failed")
		return nil, err
	}

	var gids []string
	for _, l := range lists {
		gids = append(gids, l...)
	}
	return gids, nil
}

// BeginStatement tells segment id that a statement of the transaction in info starts there.
func (d *Dispatcher) BeginStatement(ctx context.Context, id int32, session uint64, info *dtx.DtxContextInfo, write bool) error {
	client, err := d.getOrCreateClientConnection(id)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, d.callTimeout)
	defer cancel()

	_, err = client.BeginStatement(ctx, &dtxpb.StatementRequest{
		DtxContext: info.Serialize(),
		Write:      write,
		Generation: d.Generation(session),
		Session:    session,
	})
	return errors.Wrapf(err, "dispatcher: begin statement on segment %d", id)
}

// Reset moves session to a new generation and tells the given segments, which abort the session's
// transactions that haven't prepared. Broken connections to those segments are dropped so the next
// request dials again. Other sessions keep their generation and their transactions.
func (d *Dispatcher) Reset(ctx context.Context, session uint64, segments []int32) {
	gen := d.generation.Inc()

	d.mu.Lock()
	d.sessions[session] = gen
	for _, id := range segments {
		conn, ok := d.conns[id]
		if !ok {
			continue
		}
		switch conn.GetState() {
		case connectivity.TransientFailure, connectivity.Shutdown:
			if err := conn.Close(); err != nil {
				log.WithFields(log.Fields{"segment": id, "error": err.Error()}).Warn("dispatcher::dispatcher::Reset; close failed")
			}
			delete(d.conns, id)
		default:
			conn.ResetConnectBackoff()
		}
	}
	d.mu.Unlock()

	log.WithFields(log.Fields{"session": session, "generation": gen, "segments": len(segments)}).Info("dispatcher::dispatcher::Reset; reset the session's segment connections")

	var g errgroup.Group
	for _, id := range segments {
		id := id
		g.Go(func() error {
			client, err := d.getOrCreateClientConnection(id)
			if err != nil {
				return err
			}
			cctx, cancel := context.WithTimeout(ctx, d.callTimeout)
			defer cancel()

			resp, err := client.ResetSession(cctx, &dtxpb.ResetSessionRequest{Session: session, Generation: gen})
			if err != nil {
				// the segment catches up with the session's next request
				log.WithFields(log.Fields{"segment": id, "session": session, "error": err.Error()}).Warn("dispatcher::dispatcher::Reset; segment not reached")
				return nil
			}
			log.WithFields(log.Fields{"segment": id, "session": session, "aborted": resp.Aborted}).Debug("dispatcher::dispatcher::Reset; segment reset the session")
			return nil
		})
	}
	g.Wait()
}

func (d *Dispatcher) closeConnsLocked() {
	for id, conn := range d.conns {
		if err := conn.Close(); err != nil {
			log.WithFields(log.Fields{"segment": id, "error": err.Error()}).Warn("dispatcher::dispatcher::closeConnsLocked; close failed")
		}
	}
	d.conns = make(map[int32]*grpc.ClientConn)
}

// Close closes every connection. The dispatcher can't be used afterwards.
func (d *Dispatcher) Close() error {
	d.closed.Store(true)
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closeConnsLocked()
	return nil
}
