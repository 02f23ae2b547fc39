package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/smallbiznis/pulse/internal/observability/logger"
	"github.com/smallbiznis/pulse/internal/realtime"
	"go.uber.org/zap"
)

const (
	liveWriteWait      = 10 * time.Second
	livePongWait       = 60 * time.Second
	livePingPeriod     = (livePongWait * 9) / 10
	liveMaxMessageSize = 4096
	liveHeartbeat      = 15 * time.Second
)

const (
	liveActionSubscribe   = "subscribe"
	liveActionUnsubscribe = "unsubscribe"
	liveActionPing        = "ping"
)

// liveCommand is a client message on the websocket.
type liveCommand struct {
	Action   string `json:"action"`
	StreamID string `json:"streamId"`
}

// liveReply answers a command. Readings are sent as realtime.Event.
type liveReply struct {
	Type         string `json:"type"`
	Action       string `json:"action,omitempty"`
	StreamID     string `json:"streamId,omitempty"`
	ConnectionID string `json:"connectionId,omitempty"`
	Code         string `json:"code,omitempty"`
	Message      string `json:"message,omitempty"`
}

type liveSocket struct {
	server  *Server
	ws      *websocket.Conn
	conn    *realtime.Connection
	replies chan liveReply
	log     *zap.Logger
}

// ServeLiveSocket upgrades to a websocket carrying subscribe, unsubscribe
// and ping commands. Each subscribed stream's readings are pushed as they
// are observed.
func (s *Server) ServeLiveSocket(c *gin.Context) {
	ws, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		logger.FromContext(c.Request.Context()).Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	connID := uuid.NewString()
	sock := &liveSocket{
		server:  s,
		ws:      ws,
		conn:    realtime.NewConnection(connID, s.sendBuffer),
		replies: make(chan liveReply, 16),
		log:     s.log.With(zap.String("connection_id", connID)),
	}
	s.dispatcher.Attach(sock.conn)
	sock.replies <- liveReply{Type: "welcome", ConnectionID: connID}

	ctx, cancel := context.WithCancel(context.Background())
	go sock.writePump(cancel)
	sock.readPump(ctx)
}

func (l *liveSocket) readPump(ctx context.Context) {
	defer func() {
		l.server.dispatcher.Detach(l.conn.ID())
		l.ws.Close()
	}()

	l.ws.SetReadLimit(liveMaxMessageSize)
	l.ws.SetReadDeadline(time.Now().Add(livePongWait))
	l.ws.SetPongHandler(func(string) error {
		l.server.dispatcher.Ping(l.conn.ID())
		return l.ws.SetReadDeadline(time.Now().Add(livePongWait))
	})

	for {
		_, message, err := l.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				l.log.Warn("live socket read failed", zap.Error(err))
			}
			return
		}
		reply := l.handle(ctx, message)
		select {
		case l.replies <- reply:
		case <-l.conn.Done():
			return
		case <-ctx.Done():
			return
		}
	}
}

func (l *liveSocket) handle(ctx context.Context, message []byte) liveReply {
	var cmd liveCommand
	if err := json.Unmarshal(message, &cmd); err != nil {
		return liveReply{Type: "error", Code: "invalid_command", Message: "command must be JSON"}
	}

	connID := l.conn.ID()
	switch cmd.Action {
	case liveActionPing:
		l.server.dispatcher.Ping(connID)
		return liveReply{Type: "pong"}
	case liveActionSubscribe:
		streamID, err := parseSnowflakeParam(cmd.StreamID)
		if err != nil {
			return errorReply(cmd, err)
		}
		if _, err := l.server.streamSvc.GetByID(ctx, streamID); err != nil {
			return errorReply(cmd, err)
		}
		if err := l.server.dispatcher.Subscribe(connID, streamID); err != nil {
			return errorReply(cmd, err)
		}
		return ackReply(cmd, streamID)
	case liveActionUnsubscribe:
		streamID, err := parseSnowflakeParam(cmd.StreamID)
		if err != nil {
			return errorReply(cmd, err)
		}
		l.server.dispatcher.Unsubscribe(connID, streamID)
		return ackReply(cmd, streamID)
	default:
		return liveReply{Type: "error", Action: cmd.Action, Code: "unknown_action", Message: "unknown action"}
	}
}

func ackReply(cmd liveCommand, streamID snowflake.ID) liveReply {
	return liveReply{Type: "ack", Action: cmd.Action, StreamID: streamID.String()}
}

func errorReply(cmd liveCommand, err error) liveReply {
	_, payload := mapError(err)
	code := payload.Type
	if len(payload.Errors) > 0 {
		code = payload.Errors[0].Code
	}
	return liveReply{Type: "error", Action: cmd.Action, StreamID: cmd.StreamID, Code: code, Message: payload.Message}
}

func (l *liveSocket) writePump(cancel context.CancelFunc) {
	ticker := time.NewTicker(livePingPeriod)
	defer func() {
		ticker.Stop()
		cancel()
		l.ws.Close()
	}()

	for {
		select {
		case <-l.conn.Done():
			l.ws.SetWriteDeadline(time.Now().Add(liveWriteWait))
			_ = l.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case reply := <-l.replies:
			if err := l.writeJSON(reply); err != nil {
				return
			}
		case ev := <-l.conn.Events():
			if err := l.writeJSON(ev); err != nil {
				return
			}
		case <-ticker.C:
			l.ws.SetWriteDeadline(time.Now().Add(liveWriteWait))
			if err := l.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (l *liveSocket) writeJSON(v any) error {
	l.ws.SetWriteDeadline(time.Now().Add(liveWriteWait))
	if err := l.ws.WriteJSON(v); err != nil {
		l.log.Debug("live socket write failed", zap.Error(err))
		return err
	}
	return nil
}

// StreamLiveReadings is the server-sent events view of a single stream.
func (s *Server) StreamLiveReadings(c *gin.Context) {
	streamID, err := parseSnowflakeParam(c.Param("streamId"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	ctx := c.Request.Context()
	if _, err := s.streamSvc.GetByID(ctx, streamID); err != nil {
		AbortWithError(c, err)
		return
	}

	writer := c.Writer
	flusher, ok := writer.(http.Flusher)
	if !ok {
		AbortWithError(c, ErrServiceUnavailable)
		return
	}

	conn := realtime.NewConnection(uuid.NewString(), s.sendBuffer)
	s.dispatcher.Attach(conn)
	defer s.dispatcher.Detach(conn.ID())
	if err := s.dispatcher.Subscribe(conn.ID(), streamID); err != nil {
		AbortWithError(c, err)
		return
	}

	headers := writer.Header()
	headers.Set("Content-Type", "text/event-stream")
	headers.Set("Cache-Control", "no-cache")
	headers.Set("Connection", "keep-alive")
	headers.Set("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	if _, err := io.WriteString(writer, "retry: 2000\n\n"); err != nil {
		return
	}
	flusher.Flush()

	heartbeat := time.NewTicker(liveHeartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-conn.Done():
			return
		case ev := <-conn.Events():
			if err := writeLiveEvent(writer, ev); err != nil {
				return
			}
			flusher.Flush()
		case <-heartbeat.C:
			if _, err := io.WriteString(writer, ": heartbeat\n\n"); err != nil {
				return
			}
			s.dispatcher.Ping(conn.ID())
			flusher.Flush()
		}
	}
}

func writeLiveEvent(w io.Writer, ev realtime.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\nid: %s\ndata: %s\n\n", ev.Type, ev.Reading.ID.String(), data)
	return err
}

func (s *Server) GetLiveStats(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"data": s.dispatcher.Snapshot()})
}
