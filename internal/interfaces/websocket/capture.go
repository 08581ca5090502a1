package websocket

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/aibridge/aibridge/internal/domain/entity"
	"github.com/aibridge/aibridge/internal/infrastructure/capture"
	apperrors "github.com/aibridge/aibridge/pkg/errors"
	"github.com/aibridge/aibridge/pkg/safego"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	maxMessageSize = 512 * 1024
)

// FrameType discriminates capture frames.
type FrameType string

const (
	FrameRegister      FrameType = "REGISTER"
	FrameCreateSession FrameType = "CREATE_SESSION"
	FrameEventData     FrameType = "EVENT_DATA"
	FrameEndSession    FrameType = "END_SESSION"
	FrameAck           FrameType = "ACK"
	FrameError         FrameType = "ERROR"
)

// Frame is one JSON text frame on the capture socket.
type Frame struct {
	Type       FrameType        `json:"type"`
	SessionID  string           `json:"sessionId,omitempty"`
	Title      string           `json:"title,omitempty"`
	Platform   string           `json:"platform,omitempty"`
	Metadata   map[string]any   `json:"metadata,omitempty"`
	Events     []map[string]any `json:"events,omitempty"`
	ClientType string           `json:"clientType,omitempty"`
	Version    string           `json:"version,omitempty"`
	Error      string           `json:"error,omitempty"`
	Message    string           `json:"message,omitempty"`
	Session    any              `json:"session,omitempty"`
	Accepted   int              `json:"accepted,omitempty"`
	Timestamp  int64            `json:"timestamp"`
}

// CaptureHandler upgrades /realtime-capture connections and feeds frames to
// the capture bus. One goroutine reads each socket; a writer goroutine owns
// all writes so pings and replies never interleave.
type CaptureHandler struct {
	bus      *capture.Bus
	upgrader websocket.Upgrader
	logger   *zap.Logger
}

// NewCaptureHandler creates the handler. origins restricts the allowed
// Origin headers; an empty list admits only same-origin requests.
func NewCaptureHandler(bus *capture.Bus, origins []string, logger *zap.Logger) *CaptureHandler {
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		allowed[o] = true
	}
	return &CaptureHandler{
		bus: bus,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return origin == "" || allowed[origin]
			},
		},
		logger: logger.With(zap.String("component", "capture-ws")),
	}
}

func (h *CaptureHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade connection", zap.Error(err))
		return
	}

	client := &captureClient{
		conn:    conn,
		send:    make(chan []byte, 64),
		handler: h,
		logger:  h.logger,
	}
	safego.Go(h.logger, "capture-ws-write", client.writePump)
	safego.Go(h.logger, "capture-ws-read", client.readPump)
}

type captureClient struct {
	conn       *websocket.Conn
	send       chan []byte
	handler    *CaptureHandler
	logger     *zap.Logger
	clientType string
}

func (c *captureClient) readPump() {
	defer func() {
		close(c.send)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn("WebSocket read error", zap.Error(err))
			}
			return
		}

		var frame Frame
		if err := json.Unmarshal(message, &frame); err != nil {
			c.reply(errorFrame(apperrors.Wrap(apperrors.KindInvalidArgument, "malformed frame", err)))
			continue
		}
		c.handleFrame(&frame)
	}
}

func (c *captureClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *captureClient) handleFrame(frame *Frame) {
	switch frame.Type {
	case FrameRegister:
		c.clientType = frame.ClientType
		c.logger.Info("Capture client registered",
			zap.String("client_type", frame.ClientType),
			zap.String("version", frame.Version),
		)
		c.reply(&Frame{Type: FrameAck})

	case FrameCreateSession:
		if frame.Metadata != nil {
			capture.ScrubMap(frame.Metadata)
		}
		sess, err := c.handler.bus.CreateSession(frame.SessionID, frame.Title, frame.Platform, frame.Metadata)
		if err != nil {
			c.reply(errorFrame(err))
			return
		}
		c.reply(&Frame{Type: FrameAck, SessionID: sess.ID, Session: sess})

	case FrameEventData:
		events := make([]entity.CaptureEvent, 0, len(frame.Events))
		for _, raw := range frame.Events {
			events = append(events, capture.NormalizeEvent(raw))
		}
		if err := c.handler.bus.AppendEvents(frame.SessionID, events); err != nil {
			c.reply(errorFrame(err))
			return
		}
		c.reply(&Frame{Type: FrameAck, SessionID: frame.SessionID, Accepted: len(events)})

	case FrameEndSession:
		sess, err := c.handler.bus.EndSession(frame.SessionID)
		if err != nil {
			c.reply(errorFrame(err))
			return
		}
		c.reply(&Frame{Type: FrameAck, SessionID: sess.ID, Session: sess})

	default:
		c.reply(errorFrame(apperrors.New(apperrors.KindInvalidArgument,
			"unknown frame type: "+string(frame.Type))))
	}
}

// reply enqueues a frame without blocking the read loop; a stalled client
// loses replies rather than wedging capture.
func (c *captureClient) reply(frame *Frame) {
	frame.Timestamp = time.Now().Unix()
	data, err := json.Marshal(frame)
	if err != nil {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}

func errorFrame(err error) *Frame {
	be := apperrors.AsError(err)
	return &Frame{
		Type:    FrameError,
		Error:   string(be.Kind),
		Message: be.Message,
	}
}
