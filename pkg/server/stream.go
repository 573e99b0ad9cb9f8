package server

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sunvault/sunvault/pkg/entity"
	"github.com/sunvault/sunvault/pkg/log"
	"github.com/sunvault/sunvault/pkg/metrics"
)

const (
	streamWriteWait  = 10 * time.Second
	streamPongWait   = 60 * time.Second
	streamPingPeriod = streamPongWait * 9 / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
}

// StreamMessage is sent to stream clients on connect and on every change.
type StreamMessage struct {
	Type     string         `json:"type"`
	Entities []entity.State `json:"entities"`
}

// hub fans entity snapshots out to stream clients. Each client holds at most
// one pending snapshot; a newer one replaces it.
type hub struct {
	mu      sync.Mutex
	clients map[chan []entity.State]struct{}
	closed  bool
}

func newHub() *hub {
	return &hub{clients: make(map[chan []entity.State]struct{})}
}

// subscribe returns a channel that is closed when the hub shuts down.
func (h *hub) subscribe() (<-chan []entity.State, func()) {
	ch := make(chan []entity.State, 1)
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(ch)
		return ch, func() {}
	}
	h.clients[ch] = struct{}{}
	return ch, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if _, ok := h.clients[ch]; ok {
			delete(h.clients, ch)
			close(ch)
		}
	}
}

func (h *hub) broadcast(states []entity.State) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.clients {
		select {
		case <-ch:
		default:
		}
		ch <- states
	}
}

func (h *hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for ch := range h.clients {
		delete(h.clients, ch)
		close(ch)
	}
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	ctx := log.With(r.Context(), log.Ctx(r.Context()).With(slog.String("reqPath", r.URL.Path)))

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the error response
		log.Ctx(ctx).WarnContext(ctx, "failed to upgrade stream", slog.Any("error", err))
		return
	}
	defer conn.Close()

	updates, unsub := s.hub.subscribe()
	defer unsub()
	metrics.AddStreamClients(1)
	defer metrics.AddStreamClients(-1)
	log.Ctx(ctx).DebugContext(ctx, "stream client connected")

	send := func(states []entity.State) error {
		if states == nil {
			states = []entity.State{}
		}
		conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
		return conn.WriteJSON(StreamMessage{Type: "entities", Entities: states})
	}

	var initial []entity.State
	if entry := s.currentEntry(); entry != nil {
		if reg, err := entry.Registry(); err == nil {
			initial = reg.Snapshot()
		}
	}
	if err := send(initial); err != nil {
		return
	}

	// clients never send anything useful; reading drives pongs and close
	closed := make(chan struct{})
	conn.SetReadLimit(512)
	conn.SetReadDeadline(time.Now().Add(streamPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(streamPongWait))
	})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(streamPingPeriod)
	defer ping.Stop()
	for {
		select {
		case <-closed:
			log.Ctx(ctx).DebugContext(ctx, "stream client disconnected")
			return
		case states, ok := <-updates:
			if !ok {
				conn.WriteControl(
					websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
					time.Now().Add(streamWriteWait),
				)
				return
			}
			if err := send(states); err != nil {
				log.Ctx(ctx).DebugContext(ctx, "failed to write to stream", slog.Any("error", err))
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(streamWriteWait)); err != nil {
				return
			}
		}
	}
}
