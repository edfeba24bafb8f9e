package engine

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/atmx/perp-engine/internal/metrics"
	"github.com/atmx/perp-engine/internal/model"
)

// WebSocket event types.
const (
	EventMarketCreated  = "market_created"
	EventFill           = "fill"
	EventAMMUpdated     = "amm_updated"
	EventRepeg          = "repeg"
	EventConcentration  = "concentration_updated"
	EventFunding        = "funding_updated"
	EventPoolsSettled   = "pools_settled"
	wsReadDeadline      = 60 * time.Second
	wsPingInterval      = 30 * time.Second
	wsBroadcastCapacity = 256
)

// WSMessage is a JSON message sent to WebSocket clients.
type WSMessage struct {
	Type          string `json:"type"`
	MarketIndex   uint16 `json:"market_index"`
	Symbol        string `json:"symbol"`
	ReservePrice  string `json:"reserve_price,omitempty"`
	Bid           string `json:"bid,omitempty"`
	Ask           string `json:"ask,omitempty"`
	PegMultiplier string `json:"peg_multiplier,omitempty"`
	SqrtK         string `json:"sqrt_k,omitempty"`
	Direction     string `json:"direction,omitempty"`
	BaseAmount    string `json:"base_amount,omitempty"`
	FundingRate   string `json:"funding_rate,omitempty"`
}

// WSHub manages WebSocket connections and broadcasts market updates to all
// connected clients.
type WSHub struct {
	clients    map[*websocket.Conn]bool
	broadcast  chan []byte
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	done       chan struct{}
	mu         sync.RWMutex
	log        zerolog.Logger
}

// NewWSHub creates a new WebSocket hub.
func NewWSHub(log zerolog.Logger) *WSHub {
	return &WSHub{
		clients:    make(map[*websocket.Conn]bool),
		broadcast:  make(chan []byte, wsBroadcastCapacity),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		done:       make(chan struct{}),
		log:        log,
	}
}

// Run starts the hub's event loop until Stop. Must be called in a
// goroutine.
func (h *WSHub) Run() {
	for {
		select {
		case conn := <-h.register:
			h.mu.Lock()
			h.clients[conn] = true
			total := len(h.clients)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(total))
			h.log.Info().Int("total", total).Msg("ws client connected")

		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
			}
			total := len(h.clients)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(total))

		case msg := <-h.broadcast:
			h.mu.Lock()
			for conn := range h.clients {
				if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
					conn.Close()
					delete(h.clients, conn)
				}
			}
			total := len(h.clients)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(total))

		case <-h.done:
			h.mu.Lock()
			for conn := range h.clients {
				conn.Close()
				delete(h.clients, conn)
			}
			h.mu.Unlock()
			metrics.WebSocketClients.Set(0)
			return
		}
	}
}

// Stop closes every client and ends Run.
func (h *WSHub) Stop() {
	close(h.done)
}

// Broadcast sends a message to all connected clients.
func (h *WSHub) Broadcast(msg WSMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	select {
	case h.broadcast <- data:
	default:
		// full buffer: drop rather than stall a market operation
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true
	},
}

// HandleWS handles WebSocket upgrade requests at GET /api/v1/ws.
func (h *WSHub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Error().Err(err).Msg("ws upgrade failed")
		return
	}

	select {
	case h.register <- conn:
	case <-h.done:
		conn.Close()
		return
	}

	// Read pump: keep connection alive and detect disconnects.
	go func() {
		defer func() {
			select {
			case h.unregister <- conn:
			case <-h.done:
			}
		}()
		conn.SetReadDeadline(time.Now().Add(wsReadDeadline))
		conn.SetPongHandler(func(string) error {
			conn.SetReadDeadline(time.Now().Add(wsReadDeadline))
			return nil
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()

	// Ping ticker to keep connection alive through proxies.
	go func() {
		ticker := time.NewTicker(wsPingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
			case <-h.done:
				return
			}
			h.mu.RLock()
			_, ok := h.clients[conn]
			h.mu.RUnlock()
			if !ok {
				return
			}
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsPingInterval)); err != nil {
				return
			}
		}
	}()
}

// broadcast publishes a snapshot of m to WebSocket clients. decorate adds
// event-specific fields.
func (s *Service) broadcast(event string, m *model.PerpMarket, decorate func(*WSMessage)) {
	if s.hub == nil {
		return
	}
	msg := WSMessage{
		Type:          event,
		MarketIndex:   m.MarketIndex,
		Symbol:        m.Symbol,
		PegMultiplier: priceOf(m.AMM.PegMultiplier).String(),
		SqrtK:         baseOf(m.AMM.SqrtK).String(),
	}
	if summary, err := summarize(m); err == nil {
		msg.ReservePrice = summary.ReservePrice.String()
		msg.Bid = summary.Bid.String()
		msg.Ask = summary.Ask.String()
	}
	if decorate != nil {
		decorate(&msg)
	}
	s.hub.Broadcast(msg)
}
