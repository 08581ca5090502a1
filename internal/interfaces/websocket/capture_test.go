package websocket

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/aibridge/aibridge/internal/infrastructure/capture"
	"github.com/aibridge/aibridge/internal/infrastructure/eventbus"
)

func dialTestServer(t *testing.T) (*websocket.Conn, *capture.Storage) {
	t.Helper()
	logger := zap.NewNop()

	storage, err := capture.NewStorage(t.TempDir())
	if err != nil {
		t.Fatalf("NewStorage: %v", err)
	}
	bus := eventbus.NewInMemoryBus(logger, 64, time.Second)
	capBus := capture.NewBus(storage, bus, 0, 0, logger)

	h := NewCaptureHandler(capBus, nil, logger)
	srv := httptest.NewServer(h)
	t.Cleanup(func() {
		srv.Close()
		capBus.Close()
		bus.Close()
	})

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn, storage
}

func send(t *testing.T, conn *websocket.Conn, frame Frame) Frame {
	t.Helper()
	if err := conn.WriteJSON(frame); err != nil {
		t.Fatalf("write: %v", err)
	}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var reply Frame
	if err := conn.ReadJSON(&reply); err != nil {
		t.Fatalf("read reply: %v", err)
	}
	return reply
}

func TestCaptureSocket_FullSession(t *testing.T) {
	conn, storage := dialTestServer(t)

	if reply := send(t, conn, Frame{Type: FrameRegister, ClientType: "browser-ext", Version: "1.0"}); reply.Type != FrameAck {
		t.Fatalf("register reply = %+v", reply)
	}

	reply := send(t, conn, Frame{Type: FrameCreateSession, SessionID: "C", Title: "T", Platform: "ext"})
	if reply.Type != FrameAck || reply.SessionID != "C" {
		t.Fatalf("create reply = %+v", reply)
	}

	reply = send(t, conn, Frame{
		Type:      FrameEventData,
		SessionID: "C",
		Events:    []map[string]any{{"a": json.Number("1")}, {"a": json.Number("2")}},
	})
	if reply.Type != FrameAck || reply.Accepted != 2 {
		t.Fatalf("event reply = %+v", reply)
	}

	reply = send(t, conn, Frame{Type: FrameEndSession, SessionID: "C"})
	if reply.Type != FrameAck {
		t.Fatalf("end reply = %+v", reply)
	}

	meta, events, err := storage.Read("C")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if meta.Status != "ended" || meta.EventCount != 2 {
		t.Fatalf("meta = %+v", meta)
	}
	if len(events) != 2 || events[0].Platform != "ext" {
		t.Fatalf("events = %+v", events)
	}
}

func TestCaptureSocket_Errors(t *testing.T) {
	conn, _ := dialTestServer(t)

	reply := send(t, conn, Frame{Type: FrameEventData, SessionID: "missing", Events: []map[string]any{{"x": "y"}}})
	if reply.Type != FrameError || reply.Error != "SessionUnknown" {
		t.Fatalf("reply = %+v", reply)
	}

	reply = send(t, conn, Frame{Type: "BOGUS"})
	if reply.Type != FrameError || reply.Error != "InvalidArgument" {
		t.Fatalf("reply = %+v", reply)
	}
}
