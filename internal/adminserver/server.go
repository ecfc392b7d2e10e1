// Package adminserver exposes the ops-only HTTP surface: health,
// Prometheus metrics, and a WebSocket stream of broker/registry/
// breaker events. It never exposes route/publish/consume/ack as REST
// endpoints — those are library calls, not plumbing this module owns.
package adminserver

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Broadcaster describes a subscribable source of admin stream events.
// Nothing in this module implements it; Server streams from a *Hub.
type Broadcaster interface {
	Subscribe() (ch <-chan []byte, unsubscribe func())
}

// Hub fans broker/registry/breaker lifecycle events out to connected
// admin WebSocket clients, grounded on the teacher's
// internal/market/feed.go WebSocketHandler generalized from market
// quote fan-out to arbitrary JSON admin events.
type Hub struct {
	mu      sync.Mutex
	clients map[chan []byte]struct{}
	log     *zap.Logger
}

// NewHub creates an empty Hub.
func NewHub(log *zap.Logger) *Hub {
	if log == nil {
		log = zap.NewNop()
	}
	return &Hub{clients: make(map[chan []byte]struct{}), log: log}
}

// Publish fans out a JSON-encoded event to every connected client,
// non-blocking: a slow client's backlog is dropped rather than
// stalling the broadcaster.
func (h *Hub) Publish(kind string, payload map[string]interface{}) {
	raw, err := json.Marshal(map[string]interface{}{"kind": kind, "payload": payload, "at": time.Now()})
	if err != nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.clients {
		select {
		case ch <- raw:
		default:
		}
	}
}

func (h *Hub) add() chan []byte {
	ch := make(chan []byte, 64)
	h.mu.Lock()
	h.clients[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

func (h *Hub) remove(ch chan []byte) {
	h.mu.Lock()
	delete(h.clients, ch)
	h.mu.Unlock()
	close(ch)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Server is the ops HTTP server: /healthz, /metrics, /admin/stream.
type Server struct {
	router *gin.Engine
	hub    *Hub
	log    *zap.Logger
	http   *http.Server
}

// HealthFunc reports process readiness for /healthz.
type HealthFunc func() (healthy bool, detail map[string]string)

// New builds a Server bound to addr. health may be nil (always healthy).
func New(addr string, hub *Hub, health HealthFunc, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	s := &Server{router: router, hub: hub, log: log.With(zap.String("component", "adminserver"))}

	router.GET("/healthz", func(c *gin.Context) {
		if health == nil {
			c.JSON(http.StatusOK, gin.H{"status": "healthy"})
			return
		}
		ok, detail := health()
		status := http.StatusOK
		if !ok {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{"status": map[bool]string{true: "healthy", false: "unhealthy"}[ok], "detail": detail})
	})

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	router.GET("/admin/stream", s.serveStream)

	s.http = &http.Server{Addr: addr, Handler: router}
	return s
}

func (s *Server) serveStream(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Warn("admin stream upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	ch := s.hub.add()
	defer s.hub.remove(ch)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

// Start runs the server until the context is cancelled, then shuts
// down gracefully, matching the teacher's cmd/gateway/main.go
// ListenAndServe-plus-signal shape.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return s.http.Shutdown(shutdownCtx)
	}
}
