// Package rpc exposes the relay's JSON-RPC ingest endpoint and a client for it.
package rpc

import (
	"context"
	"errors"
	"net"
	"net/rpc"
	"net/rpc/jsonrpc"
	"sync"

	"github.com/rs/zerolog"

	"github.com/cometa-rocks/wsrelay/internal/protocol"
	"github.com/cometa-rocks/wsrelay/internal/service"
)

// Server exposes relay RPC endpoints.
type Server struct {
	mu        sync.Mutex
	listener  net.Listener
	rpcServer *rpc.Server
	done      chan struct{}
	log       zerolog.Logger
}

// NewServer creates a new relay RPC server.
func NewServer(svc *service.Service, logger zerolog.Logger) (*Server, error) {
	log := logger.With().Str("component", "rpc").Logger()
	rpcServer := rpc.NewServer()
	handler := &Handler{service: svc, log: log}
	if err := rpcServer.RegisterName("Relay", handler); err != nil {
		return nil, err
	}

	return &Server{
		rpcServer: rpcServer,
		done:      make(chan struct{}),
		log:       log,
	}, nil
}

// Start begins accepting RPC connections on the given address.
func (s *Server) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln until it is closed.
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				close(s.done)
				return nil
			}
			s.log.Warn().Err(err).Msg("rpc accept error")
			continue
		}

		go s.rpcServer.ServeCodec(jsonrpc.NewServerCodec(conn))
	}
}

// Shutdown stops accepting new RPC connections.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	ln := s.listener
	s.mu.Unlock()
	if ln == nil {
		return nil
	}

	if err := ln.Close(); err != nil {
		return err
	}

	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Handler implements relay RPC methods.
type Handler struct {
	service *service.Service
	log     zerolog.Logger
}

// SendActionRequest carries an administrative action message. Action must
// have a "type"; the routing rule for that type decides who receives it.
type SendActionRequest struct {
	Action map[string]interface{} `json:"action"`
}

// SendActionResponse reports how many connections the action was queued to.
type SendActionResponse struct {
	OK        bool `json:"ok"`
	SentCount int  `json:"sent_count"`
}

// SendAction relays an action to the connected clients its rule selects.
func (h *Handler) SendAction(req *SendActionRequest, resp *SendActionResponse) error {
	if req == nil || req.Action == nil {
		return errors.New("action is required")
	}

	sent, err := h.service.SendAction(protocol.Message(req.Action))
	if err != nil {
		return err
	}

	h.log.Debug().Interface("type", req.Action["type"]).Int("sent", sent).Msg("action relayed")
	if resp != nil {
		resp.OK = true
		resp.SentCount = sent
	}
	return nil
}
