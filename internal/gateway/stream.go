package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/signalsfoundry/fleet-simulator/internal/events"
	"github.com/signalsfoundry/fleet-simulator/internal/logging"
)

// streamEvent is the envelope every SSE and WebSocket client receives.
type streamEvent struct {
	Type    string    `json:"type"`
	TS      time.Time `json:"ts"`
	Payload any       `json:"payload"`
}

// subscribe attaches a buffered queue to every fleet event. Bus handlers
// never block: when the queue is full the event is dropped for this client
// and counted.
func (s *Server) subscribe() (<-chan streamEvent, func() int64) {
	queue := make(chan streamEvent, s.opts.StreamBuffer)
	var dropped atomic.Int64

	offs := make([]func(), 0, len(events.All()))
	for _, name := range events.All() {
		offs = append(offs, s.engine.Subscribe(name, func(name string, payload any) {
			select {
			case queue <- streamEvent{Type: name, TS: time.Now().UTC(), Payload: payload}:
			default:
				dropped.Add(1)
			}
		}))
	}
	return queue, func() int64 {
		for _, off := range offs {
			off()
		}
		return dropped.Load()
	}
}

func (s *Server) handleSSE() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Content-Type", "text/event-stream")
		c.Header("Cache-Control", "no-cache")
		c.Header("Connection", "keep-alive")
		c.Header("X-Accel-Buffering", "no")

		queue, unsubscribe := s.subscribe()
		defer s.closeStream(c.Request.Context(), "sse", unsubscribe)

		c.Status(http.StatusOK)
		writeSSE(c.Writer, "connected", streamEvent{Type: "connected", TS: time.Now().UTC()})
		c.Writer.Flush()

		ctx := c.Request.Context()
		heartbeat := time.NewTicker(s.opts.Heartbeat)
		defer heartbeat.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-heartbeat.C:
				fmt.Fprint(c.Writer, ": heartbeat\n\n")
				c.Writer.Flush()
			case evt := <-queue:
				writeSSE(c.Writer, evt.Type, evt)
				c.Writer.Flush()
			}
		}
	}
}

// writeSSE writes a single SSE event to the writer.
func writeSSE(w io.Writer, event string, data any) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, jsonData)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

func (s *Server) handleWS() gin.HandlerFunc {
	return func(c *gin.Context) {
		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			// Upgrade has already written the HTTP error.
			s.log.Debug(c.Request.Context(), "websocket upgrade failed", logging.Err(err))
			return
		}
		defer conn.Close()

		queue, unsubscribe := s.subscribe()
		defer s.closeStream(c.Request.Context(), "ws", unsubscribe)

		// The read pump only watches for the client going away.
		closed := make(chan struct{})
		go func() {
			defer close(closed)
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		ctx := c.Request.Context()
		ping := time.NewTicker(s.opts.Heartbeat)
		defer ping.Stop()
		const writeWait = 10 * time.Second

		for {
			select {
			case <-ctx.Done():
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
					time.Now().Add(writeWait))
				return
			case <-closed:
				return
			case <-ping.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
					return
				}
			case evt := <-queue:
				_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteJSON(evt); err != nil {
					return
				}
			}
		}
	}
}

func (s *Server) closeStream(ctx context.Context, kind string, unsubscribe func() int64) {
	if dropped := unsubscribe(); dropped > 0 {
		s.log.Warn(ctx, "event stream dropped events",
			logging.String("stream", kind),
			logging.Int("dropped", int(dropped)),
		)
	}
}
