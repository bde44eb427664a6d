package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/leozw/helpdesk-gateway/internal/batcher"
	"github.com/leozw/helpdesk-gateway/internal/core"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	maxMessageSize = 4096
	sendBuffer     = 32
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Origin checks happen at the edge proxy.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsSession adapts one websocket to the manager's session contract.
// Deliver hands envelopes to a buffered channel drained by writePump,
// so broadcasts never block on a slow client write.
type wsSession struct {
	ws        *websocket.Conn
	send      chan batcher.Envelope
	closeOnce sync.Once
	closed    chan struct{}
	logger    *zap.Logger
}

func newWSSession(ws *websocket.Conn, logger *zap.Logger) *wsSession {
	return &wsSession{
		ws:     ws,
		send:   make(chan batcher.Envelope, sendBuffer),
		closed: make(chan struct{}),
		logger: logger,
	}
}

func (s *wsSession) Deliver(env batcher.Envelope) error {
	select {
	case <-s.closed:
		return errors.New("session closed")
	case s.send <- env:
		return nil
	default:
		return &core.TransportError{Op: "deliver", Err: errors.New("send buffer full")}
	}
}

type terminateFrame struct {
	Error      string `json:"error"`
	Code       string `json:"code"`
	RetryAfter int64  `json:"retry_after,omitempty"`
}

func (s *wsSession) Terminate(code, reason string, retryAfter time.Duration) {
	s.closeOnce.Do(func() {
		close(s.closed)

		frame := terminateFrame{Error: reason, Code: code}
		if retryAfter > 0 {
			frame.RetryAfter = int64(retryAfter.Seconds())
		}

		s.ws.SetWriteDeadline(time.Now().Add(writeWait))
		if err := s.ws.WriteJSON(frame); err != nil {
			s.logger.Debug("terminate frame write failed", zap.Error(err))
		}
		s.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, code),
			time.Now().Add(writeWait))
		s.ws.Close()
	})
}

func (s *wsSession) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-s.closed:
			return
		case env := <-s.send:
			s.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.ws.WriteJSON(env); err != nil {
				s.logger.Debug("envelope write failed", zap.Error(err))
				s.Terminate("transport_error", "write failed", 0)
				return
			}
		case <-ticker.C:
			s.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.Terminate("transport_error", "ping failed", 0)
				return
			}
		}
	}
}

// Stream upgrades the request and drives one connection through the
// admission pipeline. The bearer token travels in the query string
// because browsers cannot set headers on websocket handshakes.
func (h *Handler) Stream(c *gin.Context) {
	token := c.Query("token")
	if token == "" {
		token = strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
	}

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	sess := newWSSession(ws, h.logger)
	go sess.writePump()

	ctx, cancel := context.WithTimeout(c.Request.Context(), h.connectTimeout)
	conn, err := h.manager.Connect(ctx, token, c.ClientIP(), sess)
	cancel()
	if err != nil {
		var retryAfter time.Duration
		var rl *core.RateLimitError
		if errors.As(err, &rl) {
			retryAfter = rl.RetryAfter
		}
		h.logger.Info("connection rejected",
			zap.String("address", c.ClientIP()),
			zap.String("code", core.RejectionCode(err)),
			zap.Error(err),
		)
		sess.Terminate(core.RejectionCode(err), err.Error(), retryAfter)
		return
	}

	h.readLoop(conn, sess)
}

func (h *Handler) readLoop(conn core.Connection, sess *wsSession) {
	sess.ws.SetReadLimit(maxMessageSize)
	sess.ws.SetReadDeadline(time.Now().Add(pongWait))
	sess.ws.SetPongHandler(func(string) error {
		sess.ws.SetReadDeadline(time.Now().Add(pongWait))
		h.manager.Touch(conn.ID)
		return nil
	})

	for {
		if _, _, err := sess.ws.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.Debug("abnormal close",
					zap.String("connection_id", conn.ID), zap.Error(err))
			}
			h.manager.Disconnect(conn.ID, core.ReasonClientClose)
			return
		}
		// Inbound frames are liveness signals only; clients publish
		// through the HTTP API.
		h.manager.Touch(conn.ID)
	}
}
