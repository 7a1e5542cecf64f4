package web

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"
)

const (
	wsSendQueue    = 64
	wsReadLimit    = 4096
	wsWriteTimeout = 10 * time.Second
	wsPingInterval = 30 * time.Second
)

// wsMessage is a non-event frame on the stream.
type wsMessage struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// consoleSink forwards operator output to the hub. Writes come from the
// node loop and never block.
type consoleSink struct {
	hub *WSHub
}

func (c consoleSink) Write(p []byte) (int, error) {
	c.hub.Broadcast(wsMessage{Type: "console", Data: string(p)})
	return len(p), nil
}

// WSHub fans frames out to the connected stream clients. A client whose
// queue is full is dropped rather than stalling the sender.
type WSHub struct {
	logger *slog.Logger

	mu      sync.Mutex
	clients map[*wsClient]struct{}
	closed  bool
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// NewWSHub creates an empty hub.
func NewWSHub(logger *slog.Logger) *WSHub {
	return &WSHub{
		logger:  logger,
		clients: make(map[*wsClient]struct{}),
	}
}

// Len returns the number of connected clients.
func (h *WSHub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Broadcast encodes v once and queues it for every client.
func (h *WSHub) Broadcast(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		h.logger.Error("ws marshal", "err", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			h.dropLocked(c)
			h.logger.Warn("ws client evicted (too slow)")
		}
	}
}

// Close disconnects every client; later joins are refused.
func (h *WSHub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for c := range h.clients {
		h.dropLocked(c)
	}
}

func (h *WSHub) join(c *wsClient) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c] = struct{}{}
	h.logger.Debug("ws client connected", "total", len(h.clients))
	return true
}

func (h *WSHub) leave(c *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		h.dropLocked(c)
		h.logger.Debug("ws client disconnected", "total", len(h.clients))
	}
}

func (h *WSHub) dropLocked(c *wsClient) {
	delete(h.clients, c)
	close(c.send)
}

// handleWS streams node events and console output. The first frame is a
// status snapshot; text frames of the form {"keys":"..."} are fed to the
// operator input.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	opts := &websocket.AcceptOptions{}
	// Patterns match the origin host; without any, the handshake is same-origin only.
	for _, o := range s.allowedOrigins {
		if _, host, ok := strings.Cut(o, "://"); ok {
			o = host
		}
		opts.OriginPatterns = append(opts.OriginPatterns, o)
	}

	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		s.logger.Error("ws accept", "err", err)
		return
	}
	defer conn.CloseNow()
	conn.SetReadLimit(wsReadLimit)

	client := &wsClient{conn: conn, send: make(chan []byte, wsSendQueue)}
	if snapshot, err := json.Marshal(wsMessage{Type: "status", Data: s.currentStatus()}); err == nil {
		client.send <- snapshot
	}
	if !s.wsHub.join(client) {
		conn.Close(websocket.StatusGoingAway, "server shutdown")
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go s.wsWriteLoop(ctx, client)
	s.wsReadLoop(ctx, client)
	s.wsHub.leave(client)
}

func (s *Server) wsWriteLoop(ctx context.Context, client *wsClient) {
	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-client.send:
			if !ok {
				client.conn.Close(websocket.StatusNormalClosure, "")
				return
			}
			wctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
			err := client.conn.Write(wctx, websocket.MessageText, msg)
			cancel()
			if err != nil {
				return
			}
		case <-ping.C:
			pctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
			err := client.conn.Ping(pctx)
			cancel()
			if err != nil {
				client.conn.Close(websocket.StatusGoingAway, "ping timeout")
				return
			}
		}
	}
}

func (s *Server) wsReadLoop(ctx context.Context, client *wsClient) {
	for {
		typ, data, err := client.conn.Read(ctx)
		if err != nil {
			return
		}
		if typ != websocket.MessageText {
			continue
		}
		var req inputRequest
		if err := json.Unmarshal(data, &req); err != nil || req.Keys == "" || len(req.Keys) > maxInputKeys {
			s.logger.Debug("ws: ignoring message", "len", len(data))
			continue
		}
		s.input.Feed([]byte(req.Keys)...)
	}
}
