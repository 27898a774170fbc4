package segment

import (
	"context"
	"net"
	"time"

	"github.com/dr0pdb/icecanedtm/pkg/common"
	"github.com/dr0pdb/icecanedtm/pkg/dtx"
	"github.com/dr0pdb/icecanedtm/pkg/dtxpb"
	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"
)

// Server serves the segment service for one participant.
type Server struct {
	dtxpb.UnimplementedSegmentServer

	participant *Participant
	grpcServer  *grpc.Server
	stopped     common.ProtectedBool
}

// NewServer opens the participant described by conf and prepares its grpc server.
func NewServer(conf *common.SegmentConfig) (*Server, error) {
	log.Info("segment::server::NewServer; started")
	p, err := NewParticipant(conf.ID, conf.DbPath)
	if err != nil {
		return nil, err
	}
	log.Info("segment::server::NewServer; done")
	return NewServerWithParticipant(p), nil
}

// NewServerWithParticipant wraps an already open participant.
func NewServerWithParticipant(p *Participant) *Server {
	var alivePolicy = keepalive.EnforcementPolicy{
		MinTime:             2 * time.Second, // If a client pings more than once every 2 seconds, terminate the connection
		PermitWithoutStream: true,            // Allow pings even when there are no active streams
	}

	opts := append(dtxpb.ServerOptions(),
		grpc.KeepaliveEnforcementPolicy(alivePolicy),
		grpc.MaxRecvMsgSize(10*1024*1024),
	)
	grpcServer := grpc.NewServer(opts...)

	s := &Server{
		participant: p,
		grpcServer:  grpcServer,
	}
	dtxpb.RegisterSegmentServer(grpcServer, s)
	reflection.Register(grpcServer)
	return s
}

// Participant returns the participant served by s.
func (s *Server) Participant() *Participant {
	return s.participant
}

// Serve blocks serving requests on lis until Stop is called.
func (s *Server) Serve(lis net.Listener) error {
	log.WithFields(log.Fields{"segment": s.participant.ID(), "address": lis.Addr().String()}).Info("segment::server::Serve; serving")
	err := s.grpcServer.Serve(lis)
	if s.stopped.Get() {
		return nil
	}
	return err
}

// Stop stops the grpc server and closes the participant.
func (s *Server) Stop() error {
	s.stopped.Set(true)
	s.grpcServer.Stop()
	return s.participant.Close()
}

// ExecuteProtocol runs a protocol command. Command failures are reported in the response, not as rpc errors.
func (s *Server) ExecuteProtocol(ctx context.Context, req *dtxpb.ProtocolRequest) (*dtxpb.ProtocolResponse, error) {
	s.participant.ObserveGeneration(req.Session, req.Generation)

	cmd := dtx.ProtocolCommand(req.Command)
	if len(req.DtxContext) > 0 {
		if _, err := dtx.DeserializeDtxContextInfo(req.DtxContext); err != nil {
			return nil, status.Errorf(codes.InvalidArgument, "bad dtx context: %v", err)
		}
	}

	resp := &dtxpb.ProtocolResponse{SegmentId: s.participant.ID()}
	tag, waits, err := s.participant.Execute(req.Session, cmd, req.Gid, dtx.DistributedTransactionID(req.Gxid))
	if err != nil {
		resp.ErrorMessage = err.Error()
		return resp, nil
	}
	resp.CmdStatus = tag
	for _, w := range waits {
		resp.WaitGxids = append(resp.WaitGxids, uint32(w))
	}
	return resp, nil
}

// ListPrepared lists the locally prepared transactions.
func (s *Server) ListPrepared(ctx context.Context, req *dtxpb.ListPreparedRequest) (*dtxpb.ListPreparedResponse, error) {
	gids, err := s.participant.ListPrepared()
	if err != nil {
		log.WithFields(log.Fields{"segment": s.participant.ID(), "error": err.Error()}).Error("segment::server::ListPrepared; listing failed")
		return nil, status.Errorf(codes.Internal, "listing prepared transactions: %v", err)
	}
	return &dtxpb.ListPreparedResponse{Gids: gids, SegmentId: s.participant.ID()}, nil
}

// BeginStatement registers a statement of a distributed transaction.
func (s *Server) BeginStatement(ctx context.Context, req *dtxpb.StatementRequest) (*dtxpb.StatementResponse, error) {
	s.participant.ObserveGeneration(req.Session, req.Generation)

	info, err := dtx.DeserializeDtxContextInfo(req.DtxContext)
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "bad dtx context: %v", err)
	}
	if err := s.participant.BeginStatement(req.Session, info, req.Write); err != nil {
		return nil, status.Errorf(codes.FailedPrecondition, "%v", err)
	}
	return &dtxpb.StatementResponse{SegmentId: s.participant.ID()}, nil
}

// ResetSession aborts the session's transactions that haven't prepared.
func (s *Server) ResetSession(ctx context.Context, req *dtxpb.ResetSessionRequest) (*dtxpb.ResetSessionResponse, error) {
	aborted := s.participant.ResetSession(req.Session, req.Generation)
	return &dtxpb.ResetSessionResponse{SegmentId: s.participant.ID(), Aborted: uint32(aborted)}, nil
}
