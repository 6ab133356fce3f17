package notify

import (
	"context"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsClient is one connected WebSocket consumer.
type wsClient struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *wsClient) send(v interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteJSON(v)
}

// Hub broadcasts events as JSON over WebSocket so a desktop UI can show
// prompts and progress. It implements Sink.
type Hub struct {
	mu      sync.RWMutex
	clients map[*wsClient]bool
	server  *http.Server
	log     zerolog.Logger
}

// NewHub creates a hub listening on addr. Events are served on /events;
// extra handlers may be registered on mux before Start.
func NewHub(addr string, log zerolog.Logger) (*Hub, *http.ServeMux) {
	h := &Hub{
		clients: make(map[*wsClient]bool),
		log:     log,
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/events", h.handleWS)
	h.server = &http.Server{Addr: addr, Handler: mux}
	return h, mux
}

// Publish sends the event to every connected client.
func (h *Hub) Publish(e Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.clients {
		if err := client.send(e); err != nil {
			h.log.Debug().Err(err).Msg("websocket send failed")
		}
	}
}

// Start runs the HTTP server. Blocks until Shutdown or a listen error.
func (h *Hub) Start() error {
	err := h.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown stops the server and closes all client connections.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	for client := range h.clients {
		client.conn.Close()
		delete(h.clients, client)
	}
	h.mu.Unlock()
	return h.server.Shutdown(ctx)
}

func (h *Hub) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	client := &wsClient{conn: conn}
	h.mu.Lock()
	h.clients[client] = true
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		delete(h.clients, client)
		h.mu.Unlock()
		conn.Close()
	}()

	// Consumers only listen; drain reads to detect disconnects.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
