package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/normanking/synapse/internal/logging"
)

const (
	// DefaultObserverPort is the default port for the WebSocket observer.
	DefaultObserverPort = 8765

	// WebSocketEndpoint is the path for WebSocket connections.
	WebSocketEndpoint = "/events"

	// HealthEndpoint is the path for health checks.
	HealthEndpoint = "/health"

	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// Observer is a WebSocket server exposing the live event stream to external
// consumers (the admin dashboard's live feed). It subscribes to all bus
// events and forwards them to connected clients.
type Observer struct {
	bus      *Bus
	port     int
	upgrader websocket.Upgrader
	server   *http.Server
	sub      Subscription

	clients   map[*observerClient]bool
	clientsMu sync.RWMutex

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	running   bool
	runningMu sync.Mutex

	log zerolog.Logger
}

type observerClient struct {
	conn *websocket.Conn
	send chan []byte
}

// ObserverConfig configures the WebSocket observer.
type ObserverConfig struct {
	Port          int
	ReplayHistory bool
	HistoryCount  int
}

// DefaultObserverConfig returns the default observer configuration.
func DefaultObserverConfig() ObserverConfig {
	return ObserverConfig{
		Port:          DefaultObserverPort,
		ReplayHistory: true,
		HistoryCount:  100,
	}
}

// NewObserver creates a WebSocket observer attached to the given bus.
func NewObserver(b *Bus, cfg ObserverConfig) *Observer {
	ctx, cancel := context.WithCancel(context.Background())

	if cfg.Port == 0 {
		cfg.Port = DefaultObserverPort
	}

	return &Observer{
		bus:  b,
		port: cfg.Port,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		clients: make(map[*observerClient]bool),
		ctx:     ctx,
		cancel:  cancel,
		log:     logging.WithComponent("observer"),
	}
}

// Start begins serving the live event feed.
func (o *Observer) Start() error {
	o.runningMu.Lock()
	if o.running {
		o.runningMu.Unlock()
		return fmt.Errorf("observer already running")
	}
	o.running = true
	o.runningMu.Unlock()

	o.sub = o.bus.Subscribe(Wildcard, o.handleBusEvent)

	mux := http.NewServeMux()
	mux.HandleFunc(WebSocketEndpoint, o.handleWebSocket)
	mux.HandleFunc(HealthEndpoint, o.handleHealth)

	o.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", o.port),
		Handler: mux,
	}

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.log.Info().Int("port", o.port).Msg("event observer listening")
		if err := o.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			o.log.Error().Err(err).Msg("observer server error")
		}
	}()

	return nil
}

// Stop gracefully shuts down the observer.
func (o *Observer) Stop() error {
	o.runningMu.Lock()
	if !o.running {
		o.runningMu.Unlock()
		return nil
	}
	o.running = false
	o.runningMu.Unlock()

	o.sub.Unsubscribe()
	o.cancel()

	o.clientsMu.Lock()
	for client := range o.clients {
		close(client.send)
		client.conn.Close()
		delete(o.clients, client)
	}
	o.clientsMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := o.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("observer shutdown: %w", err)
	}

	o.wg.Wait()
	return nil
}

// ClientCount returns the number of connected WebSocket clients.
func (o *Observer) ClientCount() int {
	o.clientsMu.RLock()
	defer o.clientsMu.RUnlock()
	return len(o.clients)
}

func (o *Observer) handleBusEvent(_ context.Context, event Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	o.clientsMu.RLock()
	for client := range o.clients {
		select {
		case client.send <- data:
		default:
			// Slow consumer; drop rather than block the bus.
		}
	}
	o.clientsMu.RUnlock()
	return nil
}

func (o *Observer) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	replay := r.URL.Query().Get("replay") != "false"
	count := 100
	if n := r.URL.Query().Get("count"); n != "" {
		fmt.Sscanf(n, "%d", &count)
	}

	conn, err := o.upgrader.Upgrade(w, r, nil)
	if err != nil {
		o.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	client := &observerClient{
		conn: conn,
		send: make(chan []byte, 256),
	}

	o.clientsMu.Lock()
	o.clients[client] = true
	o.clientsMu.Unlock()

	if replay {
		for _, event := range o.bus.GetHistory(HistoryFilter{Limit: count}) {
			if data, err := json.Marshal(event); err == nil {
				select {
				case client.send <- data:
				default:
				}
			}
		}
	}

	o.wg.Add(2)
	go o.writePump(client)
	go o.readPump(client)
}

func (o *Observer) writePump(client *observerClient) {
	defer o.wg.Done()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case message, ok := <-client.send:
			client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
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

		case <-o.ctx.Done():
			return
		}
	}
}

func (o *Observer) readPump(client *observerClient) {
	defer o.wg.Done()
	defer func() {
		o.clientsMu.Lock()
		if _, ok := o.clients[client]; ok {
			delete(o.clients, client)
			close(client.send)
			client.conn.Close()
		}
		o.clientsMu.Unlock()
	}()

	client.conn.SetReadDeadline(time.Now().Add(pongWait))
	client.conn.SetPongHandler(func(string) error {
		client.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := client.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (o *Observer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	stats := o.bus.GetStats()
	health := struct {
		Status      string `json:"status"`
		Service     string `json:"service"`
		Clients     int    `json:"clients"`
		TotalEvents uint64 `json:"total_events"`
	}{
		Status:      "healthy",
		Service:     "synapse-observer",
		Clients:     o.ClientCount(),
		TotalEvents: stats.TotalEvents,
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(health)
}
