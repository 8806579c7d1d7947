// Package ws serves the multiplexed WebSocket protocol for run-session viewers.
package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/fwdslsh/dispatch/internal/config"
	"github.com/fwdslsh/dispatch/internal/domain"
	"github.com/fwdslsh/dispatch/internal/hub"
	"github.com/fwdslsh/dispatch/internal/protocol"
	"github.com/fwdslsh/dispatch/internal/service"
)

// requestTimeout bounds manager calls that start or stop adapters.
const requestTimeout = 30 * time.Second

// Server handles WebSocket connections.
type Server struct {
	cfg      *config.Config
	hub      *hub.Hub
	manager  *service.Manager
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// NewServer creates a new WebSocket server.
func NewServer(cfg *config.Config, h *hub.Hub, manager *service.Manager, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:     cfg,
		hub:     h,
		manager: manager,
		logger:  logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

// HandleWebSocket handles WebSocket upgrade and connection lifecycle.
func (s *Server) HandleWebSocket(c echo.Context) error {
	ws, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		s.logger.Warn("failed to upgrade websocket", "error", err)
		return err
	}

	conn := s.hub.NewConnection(ws)
	s.hub.Register(conn)

	ws.SetReadLimit(s.cfg.MaxMessageSize)

	go s.writePump(conn)
	go s.readPump(conn)

	return nil
}

// readPump reads messages from the WebSocket connection.
func (s *Server) readPump(conn *hub.Connection) {
	defer func() {
		s.hub.Unregister(conn)
		conn.Close()
	}()

	conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
	conn.Conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		return nil
	})

	for {
		_, message, err := conn.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.logger.Warn("websocket read failed", "conn_id", conn.ID, "error", err)
			}
			break
		}

		s.handleMessage(conn, message)
	}
}

// writePump writes messages to the WebSocket connection.
func (s *Server) writePump(conn *hub.Connection) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case message, ok := <-conn.Send():
			conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if !ok {
				// Hub closed the channel
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
				s.logger.Warn("websocket write failed", "conn_id", conn.ID, "error", err)
				return
			}

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleMessage dispatches incoming messages to appropriate handlers.
func (s *Server) handleMessage(conn *hub.Connection, data []byte) {
	var base protocol.BaseMessage
	if err := json.Unmarshal(data, &base); err != nil {
		s.sendError(conn, base, protocol.ErrorCodeInvalidMessage, "invalid JSON message")
		return
	}

	if base.Type == protocol.TypeHello {
		s.handleHello(conn, data)
		return
	}
	if !conn.Hello() {
		s.sendError(conn, base, protocol.ErrorCodeHelloRequired, "must send hello first")
		return
	}

	switch base.Type {
	case protocol.TypeRunCreate:
		s.handleCreate(conn, data)
	case protocol.TypeRunResume:
		s.handleResume(conn, data)
	case protocol.TypeRunAttach:
		s.handleAttach(conn, data)
	case protocol.TypeRunDetach:
		s.handleDetach(conn, data)
	case protocol.TypeRunInput:
		s.handleInput(conn, data)
	case protocol.TypeRunOperation:
		s.handleOperation(conn, data)
	case protocol.TypeRunClose:
		s.handleClose(conn, data)
	case protocol.TypeRunList:
		s.handleList(conn, data)
	default:
		s.sendError(conn, base, protocol.ErrorCodeInvalidMessage, "unknown message type: "+base.Type)
	}
}

// handleHello handles the hello handshake message.
func (s *Server) handleHello(conn *hub.Connection, data []byte) {
	var msg protocol.HelloMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.sendError(conn, msg.BaseMessage, protocol.ErrorCodeInvalidMessage, "invalid hello message")
		return
	}

	if s.cfg.APIKey != "" && msg.APIKey != s.cfg.APIKey {
		s.sendError(conn, msg.BaseMessage, protocol.ErrorCodeUnauthorized, "invalid api_key")
		return
	}

	conn.SetHello(msg.UserID)
	s.send(conn, protocol.HelloAckMessage{
		BaseMessage:  s.reply(protocol.TypeHelloAck, msg.BaseMessage),
		ConnectionID: conn.ID,
		Kinds:        s.manager.Kinds(),
	})
	s.logger.Info("hello handshake completed", "conn_id", conn.ID, "user_id", msg.UserID)
}

func (s *Server) handleCreate(conn *hub.Connection, data []byte) {
	var msg protocol.RunCreateMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.sendError(conn, msg.BaseMessage, protocol.ErrorCodeInvalidMessage, "invalid run.create message")
		return
	}
	if msg.Kind == "" {
		s.sendError(conn, msg.BaseMessage, protocol.ErrorCodeInvalidMessage, "kind is required")
		return
	}

	// Adapter creation runs off the read loop.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()

		resp, err := s.manager.CreateRunSession(ctx, &domain.CreateRunSessionRequest{
			Kind:        msg.Kind,
			Meta:        msg.Meta,
			OwnerUserID: conn.UserID,
		})
		if err != nil {
			s.logger.Warn("run.create failed", "conn_id", conn.ID, "kind", msg.Kind, "error", err)
			s.sendServiceError(conn, msg.BaseMessage, err)
			return
		}

		msg.RunID = resp.RunID
		s.send(conn, protocol.RunCreatedMessage{
			BaseMessage: s.reply(protocol.TypeRunCreated, msg.BaseMessage),
			Kind:        msg.Kind,
		})
		if msg.Attach {
			s.attach(ctx, conn, msg.BaseMessage, 0)
		}
	}()
}

func (s *Server) handleResume(conn *hub.Connection, data []byte) {
	var msg protocol.RunResumeMessage
	if err := json.Unmarshal(data, &msg); err != nil || msg.RunID == "" {
		s.sendError(conn, msg.BaseMessage, protocol.ErrorCodeInvalidMessage, "run_id is required")
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()

		result, err := s.manager.ResumeRunSession(ctx, msg.RunID)
		if err != nil {
			s.logger.Warn("run.resume failed", "conn_id", conn.ID, "run_id", msg.RunID, "error", err)
			s.sendServiceError(conn, msg.BaseMessage, err)
			return
		}
		s.send(conn, protocol.RunResumedMessage{
			BaseMessage: s.reply(protocol.TypeRunResumed, msg.BaseMessage),
			Result:      result,
		})
	}()
}

func (s *Server) handleAttach(conn *hub.Connection, data []byte) {
	var msg protocol.RunAttachMessage
	if err := json.Unmarshal(data, &msg); err != nil || msg.RunID == "" {
		s.sendError(conn, msg.BaseMessage, protocol.ErrorCodeInvalidMessage, "run_id is required")
		return
	}
	if msg.AfterSeq < 0 {
		msg.AfterSeq = 0
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	s.attach(ctx, conn, msg.BaseMessage, msg.AfterSeq)
}

// attach subscribes first and then sends the catch-up batch, so no event
// falls between the two. Overlap is resolved by the client on seq.
func (s *Server) attach(ctx context.Context, conn *hub.Connection, base protocol.BaseMessage, afterSeq int64) {
	status, err := s.manager.GetSessionStatus(ctx, base.RunID)
	if err != nil {
		s.sendServiceError(conn, base, err)
		return
	}

	if err := s.hub.Subscribe(conn, base.RunID); err != nil {
		// The connection went away while the request was in flight.
		s.logger.Debug("attach on closed connection", "conn_id", conn.ID, "run_id", base.RunID)
		return
	}

	events, err := s.manager.GetEventsSince(ctx, base.RunID, afterSeq)
	if err != nil {
		s.hub.Unsubscribe(conn, base.RunID)
		s.logger.Error("failed to load catch-up events", "conn_id", conn.ID, "run_id", base.RunID, "error", err)
		s.sendServiceError(conn, base, err)
		return
	}
	if events == nil {
		events = []domain.SessionEvent{}
	}

	s.send(conn, protocol.RunAttachedMessage{
		BaseMessage: s.reply(protocol.TypeRunAttached, base),
		Live:        status.Live,
		Events:      events,
	})
	s.logger.Debug("viewer attached", "conn_id", conn.ID, "run_id", base.RunID, "after_seq", afterSeq, "catch_up", len(events))
}

func (s *Server) handleDetach(conn *hub.Connection, data []byte) {
	var msg protocol.RunDetachMessage
	if err := json.Unmarshal(data, &msg); err != nil || msg.RunID == "" {
		s.sendError(conn, msg.BaseMessage, protocol.ErrorCodeInvalidMessage, "run_id is required")
		return
	}
	s.hub.Unsubscribe(conn, msg.RunID)
	s.send(conn, protocol.RunDetachedMessage{BaseMessage: s.reply(protocol.TypeRunDetached, msg.BaseMessage)})
}

func (s *Server) handleInput(conn *hub.Connection, data []byte) {
	var msg protocol.RunInputMessage
	if err := json.Unmarshal(data, &msg); err != nil || msg.RunID == "" {
		s.sendError(conn, msg.BaseMessage, protocol.ErrorCodeInvalidMessage, "run_id is required")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	if err := s.manager.SendInput(ctx, msg.RunID, []byte(msg.Data)); err != nil {
		s.sendServiceError(conn, msg.BaseMessage, err)
	}
}

func (s *Server) handleOperation(conn *hub.Connection, data []byte) {
	var msg protocol.RunOperationMessage
	if err := json.Unmarshal(data, &msg); err != nil || msg.RunID == "" {
		s.sendError(conn, msg.BaseMessage, protocol.ErrorCodeInvalidMessage, "run_id is required")
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()

		result, err := s.manager.PerformOperation(ctx, msg.RunID, msg.Op, msg.Params)
		if err != nil {
			s.logger.Warn("run.operation failed", "conn_id", conn.ID, "run_id", msg.RunID, "op", msg.Op, "error", err)
			s.sendServiceError(conn, msg.BaseMessage, err)
			return
		}
		s.send(conn, protocol.RunOperationResultMessage{
			BaseMessage: s.reply(protocol.TypeRunOperationResult, msg.BaseMessage),
			Op:          msg.Op,
			Result:      result,
		})
	}()
}

func (s *Server) handleClose(conn *hub.Connection, data []byte) {
	var msg protocol.RunCloseMessage
	if err := json.Unmarshal(data, &msg); err != nil || msg.RunID == "" {
		s.sendError(conn, msg.BaseMessage, protocol.ErrorCodeInvalidMessage, "run_id is required")
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()

		s.manager.CloseRunSession(ctx, msg.RunID)
		s.send(conn, protocol.RunClosedMessage{BaseMessage: s.reply(protocol.TypeRunClosed, msg.BaseMessage)})
	}()
}

func (s *Server) handleList(conn *hub.Connection, data []byte) {
	var msg protocol.RunListMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.sendError(conn, msg.BaseMessage, protocol.ErrorCodeInvalidMessage, "invalid run.list message")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	sessions, err := s.manager.ListRunSessions(ctx, msg.Kind)
	if err != nil {
		s.sendServiceError(conn, msg.BaseMessage, err)
		return
	}
	s.send(conn, protocol.RunListResultMessage{
		BaseMessage: s.reply(protocol.TypeRunListResult, msg.BaseMessage),
		Sessions:    sessions,
	})
}

// reply builds the envelope for a response to req.
func (s *Server) reply(msgType string, req protocol.BaseMessage) protocol.BaseMessage {
	return protocol.BaseMessage{
		Type:      msgType,
		Ts:        time.Now().UnixMilli(),
		RequestID: req.RequestID,
		RunID:     req.RunID,
	}
}

func (s *Server) send(conn *hub.Connection, v any) {
	if err := s.hub.SendJSON(conn, v); err != nil {
		s.logger.Warn("failed to queue message", "conn_id", conn.ID, "error", err)
	}
}

func (s *Server) sendServiceError(conn *hub.Connection, req protocol.BaseMessage, err error) {
	s.sendError(conn, req, protocol.ErrorCode(err), err.Error())
}

// sendError sends an error message to a connection.
func (s *Server) sendError(conn *hub.Connection, req protocol.BaseMessage, code, message string) {
	s.send(conn, protocol.ErrorMessage{
		BaseMessage: s.reply(protocol.TypeError, req),
		Code:        code,
		Message:     message,
	})
}
