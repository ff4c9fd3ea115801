package liveprogress

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gorilla/websocket"

	"batcheval/internal/model"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

const wsSendBuffer = 32

// WebSocketSubscriber adapts a single gorilla/websocket connection to the
// Subscriber interface. Each ProgressEvent is written as a JSON text
// frame. A full send buffer is treated as a slow consumer and causes the
// connection to close rather than block the broadcaster.
type WebSocketSubscriber struct {
	id     string
	conn   *websocket.Conn
	send   chan model.ProgressEvent
	ctx    context.Context
	cancel context.CancelFunc
}

// Upgrade upgrades an HTTP request to a WebSocket connection and returns
// a ready-to-subscribe WebSocketSubscriber. The caller is responsible for
// calling Broadcaster.Subscribe with the result.
func Upgrade(id string, w http.ResponseWriter, r *http.Request) (*WebSocketSubscriber, error) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(r.Context())
	s := &WebSocketSubscriber{
		id:     id,
		conn:   conn,
		send:   make(chan model.ProgressEvent, wsSendBuffer),
		ctx:    ctx,
		cancel: cancel,
	}
	go s.writePump()
	return s, nil
}

func (s *WebSocketSubscriber) ID() string { return s.id }

func (s *WebSocketSubscriber) Context() context.Context { return s.ctx }

// Send enqueues event for delivery; it returns an error (rather than
// blocking) if the write pump cannot keep up.
func (s *WebSocketSubscriber) Send(event model.ProgressEvent) error {
	select {
	case s.send <- event:
		return nil
	default:
		return errFullSendBuffer
	}
}

func (s *WebSocketSubscriber) Close() error {
	s.cancel()
	return s.conn.Close()
}

func (s *WebSocketSubscriber) writePump() {
	defer s.conn.Close()
	for {
		select {
		case event := <-s.send:
			payload, err := json.Marshal(event)
			if err != nil {
				continue
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				s.cancel()
				return
			}
		case <-s.ctx.Done():
			return
		}
	}
}

type sendBufferFullError struct{}

func (sendBufferFullError) Error() string { return "liveprogress: subscriber send buffer full" }

var errFullSendBuffer = sendBufferFullError{}
