// Package ws provides the WebSocket endpoint browser clients connect to.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/cometa-rocks/wsrelay/internal/auth"
	"github.com/cometa-rocks/wsrelay/internal/config"
	"github.com/cometa-rocks/wsrelay/internal/hub"
	"github.com/cometa-rocks/wsrelay/internal/metrics"
	"github.com/cometa-rocks/wsrelay/internal/policy"
	"github.com/cometa-rocks/wsrelay/internal/protocol"
	"github.com/cometa-rocks/wsrelay/internal/service"
)

type handlerFunc func(sess *session, data []byte)

// Server handles WebSocket connections.
type Server struct {
	cfg      *config.Config
	hub      *hub.Hub
	service  *service.Service
	policy   *policy.Engine
	upgrader websocket.Upgrader

	handlers map[State]map[string]handlerFunc
	known    map[string]bool

	log     zerolog.Logger
	metrics *metrics.Metrics
}

// NewServer creates a new WebSocket server. engine may be nil, in which case
// every identity that passes field validation is admitted.
func NewServer(cfg *config.Config, h *hub.Hub, svc *service.Service, engine *policy.Engine, logger zerolog.Logger, m *metrics.Metrics) *Server {
	s := &Server{
		cfg:     cfg,
		hub:     h,
		service: svc,
		policy:  engine,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				// The dashboard is served from another origin.
				return true
			},
		},
		handlers: make(map[State]map[string]handlerFunc),
		known:    make(map[string]bool),
		log:      logger.With().Str("component", "ws").Logger(),
		metrics:  m,
	}

	s.handle(StateConnecting, protocol.TypeHello, s.handleHello)
	s.handle(StateActive, protocol.TypeUpdateUser, s.handleUpdateUser)
	s.handle(StateActive, protocol.TypeFeaturePastMessages, s.handleFeaturePastMessages)
	return s
}

func (s *Server) handle(state State, msgType string, h handlerFunc) {
	if s.handlers[state] == nil {
		s.handlers[state] = make(map[string]handlerFunc)
	}
	s.handlers[state][msgType] = h
	s.known[msgType] = true
}

// HandleWebSocket handles WebSocket upgrade and connection lifecycle.
func (s *Server) HandleWebSocket(c echo.Context) error {
	ws, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("failed to upgrade websocket")
		return err
	}

	conn := hub.NewConnection(ws, s.cfg.SendBuffer)
	ws.SetReadLimit(s.cfg.MaxMessageSize)

	sess := newSession(conn)
	sess.mu.Lock()
	sess.timer = time.AfterFunc(s.cfg.HandshakeTimeout(), func() {
		s.reject(sess, protocol.ErrorCodeHandshakeTimeout, "no hello received")
	})
	sess.mu.Unlock()

	go s.writePump(conn)
	go s.readPump(sess)

	return nil
}

// readPump reads messages from the WebSocket connection.
func (s *Server) readPump(sess *session) {
	conn := sess.conn
	defer s.teardown(sess)

	conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout()))
	conn.Conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout()))
		return nil
	})

	for {
		_, message, err := conn.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.log.Warn().Str("conn", conn.ID).Err(err).Msg("websocket read error")
			}
			return
		}

		s.handleMessage(sess, message)
	}
}

// writePump drains the send queue. When the queue is closed it writes the
// close frame recorded by Shutdown and closes the socket.
func (s *Server) writePump(conn *hub.Connection) {
	ticker := time.NewTicker(s.cfg.PingInterval())
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case message, ok := <-conn.Send:
			conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout()))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, conn.CloseFrame())
				return
			}

			if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
				s.log.Debug().Str("conn", conn.ID).Err(err).Msg("failed to write message")
				return
			}

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout()))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// teardown runs once per connection whatever ended it.
func (s *Server) teardown(sess *session) {
	sess.closeOnce.Do(func() {
		sess.mu.Lock()
		sess.state = StateDisconnected
		sess.timer.Stop()
		sess.mu.Unlock()
		s.hub.Unregister(sess.conn.ID)
		sess.conn.Shutdown(websocket.CloseNormalClosure, "")
	})
}

// handleMessage dispatches a frame to the handler registered for the
// session's current state.
func (s *Server) handleMessage(sess *session, data []byte) {
	var baseMsg protocol.BaseMessage
	if err := json.Unmarshal(data, &baseMsg); err != nil {
		s.sendError(sess.conn, protocol.ErrorCodeInvalidMessage, "invalid JSON message")
		return
	}

	state := sess.State()
	if state == StateDisconnected {
		return
	}
	h, ok := s.handlers[state][baseMsg.Type]
	if !ok {
		if !s.known[baseMsg.Type] {
			s.sendError(sess.conn, protocol.ErrorCodeInvalidMessage, "unknown message type: "+baseMsg.Type)
			return
		}
		s.sendError(sess.conn, protocol.ErrorCodeInvalidTransition, baseMsg.Type+" not allowed while "+state.String())
		return
	}
	h(sess, data)
}

// handleHello authenticates the connection and registers it.
func (s *Server) handleHello(sess *session, data []byte) {
	var msg protocol.HelloMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.reject(sess, protocol.ErrorCodeInvalidIdentity, "invalid hello message")
		return
	}

	id, code, err := s.authenticate(msg)
	if err != nil {
		s.reject(sess, code, err.Error())
		return
	}

	sess.mu.Lock()
	if sess.state != StateConnecting {
		sess.mu.Unlock()
		return
	}
	sess.state = StateActive
	sess.userID = id.UserID
	sess.timer.Stop()
	// The ack is queued before registering so it precedes any fan-out.
	s.send(sess.conn, protocol.HelloAckMessage{
		BaseMessage:  protocol.BaseMessage{Type: protocol.TypeHelloAck, Ts: time.Now().UnixMilli()},
		ConnectionID: sess.conn.ID,
		UserID:       id.UserID,
	})
	err = s.hub.Register(sess.conn, id)
	sess.mu.Unlock()
	if err != nil {
		s.log.Error().Str("conn", sess.conn.ID).Err(err).Msg("register failed")
		sess.conn.Shutdown(websocket.CloseInternalServerErr, protocol.ErrorCodeInternalError)
		return
	}

	s.log.Info().Str("conn", sess.conn.ID).Int64("user_id", id.UserID).Msg("hello handshake completed")
}

// authenticate resolves the hello identity and runs it through validation
// and the admission policy. The returned code names the failure.
func (s *Server) authenticate(msg protocol.HelloMessage) (protocol.Identity, string, error) {
	var id protocol.Identity
	if s.cfg.JWTSecret != "" {
		if msg.Token == "" {
			return id, protocol.ErrorCodeUnauthorized, errors.New("token is required")
		}
		parsed, err := auth.ParseToken(s.cfg.JWTSecret, msg.Token)
		if err != nil {
			return id, protocol.ErrorCodeUnauthorized, err
		}
		id = parsed
	} else {
		if msg.User == nil {
			return id, protocol.ErrorCodeInvalidIdentity, errors.New("user is required")
		}
		id = *msg.User
	}

	if err := hub.ValidateIdentity(id); err != nil {
		return id, protocol.ErrorCodeInvalidIdentity, err
	}
	if err := s.admit(id); err != nil {
		return id, protocol.ErrorCodeUnauthorized, err
	}
	return id, "", nil
}

func (s *Server) admit(id protocol.Identity) error {
	if s.policy == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	allowed, reason, err := s.policy.Admit(ctx, id)
	if err != nil {
		s.log.Error().Err(err).Msg("admission policy failed")
		return errors.New("admission policy failed")
	}
	if !allowed {
		if reason == "" {
			reason = "not admitted"
		}
		return errors.New(reason)
	}
	return nil
}

// handleUpdateUser replaces the identity of an active connection. A rejected
// update keeps the previous identity.
func (s *Server) handleUpdateUser(sess *session, data []byte) {
	var msg protocol.UpdateUserMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.sendError(sess.conn, protocol.ErrorCodeInvalidMessage, "invalid updateUser message")
		return
	}
	id, err := protocol.ParseIdentity(msg.User)
	if err != nil {
		s.sendError(sess.conn, protocol.ErrorCodeInvalidIdentity, err.Error())
		return
	}
	if s.cfg.JWTSecret != "" && id.UserID != sess.UserID() {
		s.sendError(sess.conn, protocol.ErrorCodeUnauthorized, "user_id does not match the authenticated user")
		return
	}
	if err := s.admit(id); err != nil {
		s.sendError(sess.conn, protocol.ErrorCodeUnauthorized, err.Error())
		return
	}
	if err := s.hub.UpdateIdentity(sess.conn.ID, id); err != nil {
		code := protocol.ErrorCodeInvalidIdentity
		if errors.Is(err, hub.ErrUnknownConnection) {
			code = protocol.ErrorCodeInternalError
		}
		s.sendError(sess.conn, code, err.Error())
		return
	}
	sess.setUserID(id.UserID)
	s.log.Debug().Str("conn", sess.conn.ID).Int64("user_id", id.UserID).Msg("identity updated")
}

// handleFeaturePastMessages replays the latest run of a feature to the
// requesting connection only.
func (s *Server) handleFeaturePastMessages(sess *session, data []byte) {
	var msg protocol.FeaturePastMessagesRequest
	if err := json.Unmarshal(data, &msg); err != nil {
		s.sendError(sess.conn, protocol.ErrorCodeInvalidMessage, "invalid featurePastMessages message")
		return
	}
	featureID, err := protocol.DecodeInt(msg.FeatureID)
	if err != nil {
		s.sendError(sess.conn, protocol.ErrorCodeInvalidMessage, "feature_id must be an integer")
		return
	}

	if _, err := s.service.Replay(sess.conn.ID, featureID); err != nil {
		s.log.Error().Str("conn", sess.conn.ID).Int64("feature_id", featureID).Err(err).Msg("replay failed")
		s.sendError(sess.conn, protocol.ErrorCodeInternalError, "failed to read run log")
	}
}

// reject answers an error and closes the connection with a policy-violation
// frame. It is a no-op once the session has left the connecting state.
func (s *Server) reject(sess *session, code, message string) {
	sess.mu.Lock()
	if sess.state != StateConnecting {
		sess.mu.Unlock()
		return
	}
	sess.state = StateDisconnected
	sess.timer.Stop()
	sess.mu.Unlock()

	s.metrics.HandshakeRejected(code)
	s.log.Info().Str("conn", sess.conn.ID).Str("code", code).Str("reason", message).Msg("handshake rejected")
	s.sendError(sess.conn, code, message)
	sess.conn.Shutdown(websocket.ClosePolicyViolation, code)
}

// sendError sends an error message to a connection.
func (s *Server) sendError(conn *hub.Connection, code, message string) {
	s.send(conn, protocol.ErrorMessage{
		BaseMessage: protocol.BaseMessage{Type: protocol.TypeError, Ts: time.Now().UnixMilli()},
		Code:        code,
		Message:     message,
	})
}

func (s *Server) send(conn *hub.Connection, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		s.log.Error().Err(err).Msg("failed to marshal message")
		return
	}
	if err := conn.Enqueue(data); err != nil {
		s.log.Debug().Str("conn", conn.ID).Err(err).Msg("reply dropped")
	}
}
