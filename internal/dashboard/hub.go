package dashboard

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"barvault/logger"
)

const (
	// Time allowed to write one frame to a client.
	writeWait = 10 * time.Second
	// Time allowed to read the next pong before the connection is dropped.
	pongWait = 60 * time.Second
	// Ping period, must be shorter than pongWait.
	pingPeriod = (pongWait * 9) / 10
	// Clients only send pongs and the occasional heartbeat.
	maxClientMessage = 512
	// Outbound buffer per client before the hub drops the connection.
	clientBuffer = 16
)

// wsEvent is the envelope for every message broadcast to dashboard clients.
type wsEvent struct {
	Type      string      `json:"type"`
	Data      interface{} `json:"data"`
	Timestamp time.Time   `json:"timestamp"`
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// hub fans batch events out to connected websocket clients. A client whose
// send buffer is full is dropped rather than allowed to stall the broadcast,
// so a stuck browser tab never slows a running batch.
type hub struct {
	register   chan *wsClient
	unregister chan *wsClient
	broadcast  chan []byte

	mu          sync.Mutex
	running     bool
	quit        chan struct{}
	wg          sync.WaitGroup
	clientCount atomic.Int64
	log         *logger.Entry
}

func newHub(log *logger.Log) *hub {
	return &hub{
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
		broadcast:  make(chan []byte, 64),
		quit:       make(chan struct{}),
		log:        log.WithComponent("dashboard_hub"),
	}
}

func (h *hub) start() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.running {
		return
	}
	h.running = true
	h.wg.Add(1)
	go h.run()
}

func (h *hub) stop() {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return
	}
	h.running = false
	h.mu.Unlock()

	close(h.quit)
	h.wg.Wait()
}

// run owns the client set; registration, teardown and broadcasting all pass
// through this loop so the map needs no lock.
func (h *hub) run() {
	defer h.wg.Done()

	clients := make(map[*wsClient]bool)
	for {
		select {
		case <-h.quit:
			for client := range clients {
				close(client.send)
			}
			h.clientCount.Store(0)
			return

		case client := <-h.register:
			clients[client] = true
			h.clientCount.Store(int64(len(clients)))
			h.log.WithFields(logger.Fields{"clients": len(clients)}).Debug("dashboard client connected")

		case client := <-h.unregister:
			if clients[client] {
				delete(clients, client)
				close(client.send)
				h.clientCount.Store(int64(len(clients)))
			}

		case message := <-h.broadcast:
			for client := range clients {
				select {
				case client.send <- message:
				default:
					// slow consumer: drop it so the broadcast never blocks
					delete(clients, client)
					close(client.send)
					h.log.Warn("dropped slow dashboard client")
				}
			}
			h.clientCount.Store(int64(len(clients)))
		}
	}
}

// publish encodes the event and hands it to the broadcast loop. Events are
// best effort; when the hub is stopped or saturated the event is dropped.
func (h *hub) publish(eventType string, data interface{}) {
	payload, err := json.Marshal(wsEvent{Type: eventType, Data: data, Timestamp: time.Now().UTC()})
	if err != nil {
		h.log.WithError(err).Debug("failed to encode dashboard event")
		return
	}

	select {
	case h.broadcast <- payload:
	case <-h.quit:
	default:
	}
}

func (h *hub) connections() int64 {
	return h.clientCount.Load()
}

// add registers conn with the hub and starts its reader and writer pumps.
func (h *hub) add(conn *websocket.Conn) {
	client := &wsClient{conn: conn, send: make(chan []byte, clientBuffer)}

	select {
	case h.register <- client:
	case <-h.quit:
		conn.Close()
		return
	}

	go h.writePump(client)
	go h.readPump(client)
}

// readPump discards inbound frames and keeps the read deadline fresh via the
// pong handler. It unregisters the client when the connection dies.
func (h *hub) readPump(client *wsClient) {
	defer func() {
		select {
		case h.unregister <- client:
		case <-h.quit:
		}
		client.conn.Close()
	}()

	client.conn.SetReadLimit(maxClientMessage)
	client.conn.SetReadDeadline(time.Now().Add(pongWait))
	client.conn.SetPongHandler(func(string) error {
		return client.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := client.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *hub) writePump(client *wsClient) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		client.conn.Close()
	}()

	for {
		select {
		case message, ok := <-client.send:
			client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// the hub closed the channel
				client.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := client.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
