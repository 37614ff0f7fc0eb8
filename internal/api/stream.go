package api

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/tokenflow/analytics-engine/pkg/models"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // origin policy is enforced by the CORS layer
	},
}

const (
	streamWriteWait = 5 * time.Second
	streamPongWait  = 60 * time.Second
	streamPingEvery = 30 * time.Second
)

// Hub maintains the set of active websocket clients and pushes alert
// payloads to all of them. Clients are read-only; anything they send
// besides control frames is discarded.
type Hub struct {
	clients   map[*websocket.Conn]bool
	broadcast chan []byte
	mutex     sync.Mutex
}

func NewHub() *Hub {
	return &Hub{
		broadcast: make(chan []byte, 256),
		clients:   make(map[*websocket.Conn]bool),
	}
}

func (h *Hub) Run() {
	for message := range h.broadcast {
		h.mutex.Lock()
		for client := range h.clients {
			// Write deadline keeps one stuck client from wedging the hub.
			_ = client.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := client.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Printf("[Stream] write error, dropping client: %v", err)
				client.Close()
				delete(h.clients, client)
			}
		}
		h.mutex.Unlock()
	}
}

// Subscribe upgrades the connection and keeps it registered until the
// client goes away or stops answering pings.
func (h *Hub) Subscribe(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("[Stream] failed to upgrade websocket: %v", err)
		return
	}

	h.mutex.Lock()
	h.clients[conn] = true
	total := len(h.clients)
	h.mutex.Unlock()
	log.Printf("[Stream] client connected, %d total", total)

	_ = conn.SetReadDeadline(time.Now().Add(streamPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(streamPongWait))
	})

	done := make(chan struct{})

	// Ping loop; a client that stops answering times out of the read
	// loop below.
	go func() {
		ticker := time.NewTicker(streamPingEvery)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				_ = conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}()

	// Read loop exists only to notice disconnects.
	go func() {
		defer func() {
			close(done)
			h.mutex.Lock()
			delete(h.clients, conn)
			remaining := len(h.clients)
			h.mutex.Unlock()
			conn.Close()
			log.Printf("[Stream] client disconnected, %d remain", remaining)
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
					log.Printf("[Stream] read error: %v", err)
				}
				return
			}
		}
	}()
}

// Broadcast fans a raw payload out to every connected client. Drops the
// message when the hub queue is full rather than blocking a handler.
func (h *Hub) Broadcast(data []byte) {
	select {
	case h.broadcast <- data:
	default:
		log.Printf("[Stream] broadcast queue full, dropping alert")
	}
}

// PublishRiskAlert pushes a high or critical assessment to stream
// subscribers. Callers filter the level beforehand.
func (h *Hub) PublishRiskAlert(a *models.RiskAssessment) {
	payload, err := json.Marshal(gin.H{
		"type":       "risk_alert",
		"assessment": a,
	})
	if err != nil {
		return
	}
	h.Broadcast(payload)
	log.Printf("[Stream] risk alert %s score=%d level=%s", a.Address, a.RiskScore, a.RiskLevel)
}

// PublishPoolAlert announces pool-hub addresses spotted in recent token
// activity.
func (h *Hub) PublishPoolAlert(mint string, pools []string) {
	if len(pools) == 0 {
		return
	}
	payload, err := json.Marshal(gin.H{
		"type":  "pool_alert",
		"mint":  mint,
		"pools": pools,
	})
	if err != nil {
		return
	}
	h.Broadcast(payload)
	log.Printf("[Stream] pool alert for %s: %d hub(s)", mint, len(pools))
}
