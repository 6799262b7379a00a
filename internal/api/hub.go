package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/talgya/dotsim/internal/engine"
)

const (
	hubQueue     = 64
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 50 * time.Second
	wsReadLimit  = 512
	maxWSClients = 32
)

// Hub pushes every published snapshot to connected websocket clients. It
// implements engine.Visualizer; Render never blocks the simulation.
type Hub struct {
	mu         sync.RWMutex
	clients    map[*websocket.Conn]bool
	upgrader   websocket.Upgrader
	broadcast  chan engine.Snapshot
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	done       chan struct{}
	closeOnce  sync.Once
	wg         sync.WaitGroup

	dropped atomic.Uint64
}

// NewHub starts the broadcaster goroutine.
func NewHub() *Hub {
	h := &Hub{
		clients:    make(map[*websocket.Conn]bool),
		broadcast:  make(chan engine.Snapshot, hubQueue),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		done:       make(chan struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
	h.wg.Add(1)
	go h.run()
	return h
}

// Render queues a snapshot for broadcast, dropping it when the queue is full.
func (h *Hub) Render(snap engine.Snapshot) {
	select {
	case <-h.done:
		return
	default:
	}
	select {
	case h.broadcast <- snap:
	default:
		h.dropped.Add(1)
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ServeHTTP upgrades the request and registers the connection.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.Clients() >= maxWSClients {
		http.Error(w, "too many websocket clients", http.StatusServiceUnavailable)
		return
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "error", err)
		return
	}
	select {
	case h.register <- conn:
	case <-h.done:
		conn.Close()
		return
	}
	slog.Info("websocket client connected", "remote", r.RemoteAddr)

	// Reads only detect disconnects and answer pings.
	conn.SetReadLimit(wsReadLimit)
	conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	select {
	case h.unregister <- conn:
	case <-h.done:
	}
	slog.Info("websocket client disconnected", "remote", r.RemoteAddr)
}

func (h *Hub) run() {
	defer h.wg.Done()
	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-h.done:
			return

		case conn := <-h.register:
			h.mu.Lock()
			h.clients[conn] = true
			h.mu.Unlock()

		case conn := <-h.unregister:
			h.drop(conn)

		case snap := <-h.broadcast:
			data, err := json.Marshal(snap)
			if err != nil {
				slog.Error("encode snapshot", "error", err)
				continue
			}
			h.send(websocket.TextMessage, data)

		case <-ping.C:
			h.send(websocket.PingMessage, nil)
		}
	}
}

// send writes to every client outside the lock and drops the failing ones.
func (h *Hub) send(kind int, data []byte) {
	h.mu.RLock()
	conns := make([]*websocket.Conn, 0, len(h.clients))
	for conn := range h.clients {
		conns = append(conns, conn)
	}
	h.mu.RUnlock()

	for _, conn := range conns {
		conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		if err := conn.WriteMessage(kind, data); err != nil {
			h.drop(conn)
		}
	}
}

func (h *Hub) drop(conn *websocket.Conn) {
	h.mu.Lock()
	if _, ok := h.clients[conn]; ok {
		delete(h.clients, conn)
		conn.Close()
	}
	h.mu.Unlock()
}

// Close disconnects every client and stops the broadcaster.
func (h *Hub) Close() error {
	h.closeOnce.Do(func() {
		close(h.done)
	})
	h.wg.Wait()

	h.mu.Lock()
	for conn := range h.clients {
		conn.Close()
		delete(h.clients, conn)
	}
	h.mu.Unlock()
	return nil
}
