// Package api exposes the read-only HTTP surface: game listings, analytics,
// Prometheus metrics and a WebSocket feed.
package api

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"golang.org/x/time/rate"

	"github.com/lanwarp/lanwarp/internal/stats"
	"github.com/lanwarp/lanwarp/internal/util"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Server serves the public HTTP API backed by the stats collector.
type Server struct {
	collector *stats.Collector
	router    *httprouter.Router
	server    *http.Server

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewServer creates the API server for the given collector.
func NewServer(collector *stats.Collector) *Server {
	s := &Server{
		collector: collector,
		router:    httprouter.New(),
		limiters:  make(map[string]*rate.Limiter),
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)
	s.router.GET("/api/public_games", s.handlePublicGames)
	s.router.GET("/api/analytics", s.handleAnalytics)
	s.router.GET("/api/ws", s.handleWS)
	s.router.Handler("GET", "/metrics", promhttp.Handler())
}

// Handler returns the full middleware-wrapped handler.
func (s *Server) Handler() http.Handler {
	c := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "OPTIONS"},
		AllowedHeaders: []string{"*"},
	})
	return c.Handler(s.rateLimit(s.router))
}

// Run serves on addr until ctx is cancelled.
func (s *Server) Run(ctx context.Context, addr string) error {
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)
	}()

	util.LogInfo("API server listening on %s", addr)

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// rateLimit enforces a per-address request budget. The limiter map grows with
// distinct clients; entries are cheap and the server restarts often enough
// that it is not pruned.
func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}

		s.mu.Lock()
		limiter, ok := s.limiters[host]
		if !ok {
			limiter = rate.NewLimiter(rate.Limit(10), 30)
			s.limiters[host] = limiter
		}
		s.mu.Unlock()

		if !limiter.Allow() {
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"status": "ok",
		"time":   time.Now().Format(time.RFC3339),
	})
}

// handlePublicGames lists hosted games that are not passphrase-gated.
func (s *Server) handlePublicGames(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	_, games := s.collector.Latest()

	public := make([]stats.GameAnalytics, 0, len(games))
	for _, g := range games {
		if g.IsPublic {
			public = append(public, g)
		}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(public)
}

func (s *Server) handleAnalytics(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	summary, _ := s.collector.Latest()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(summary)
}

// wsUpdate is one analytics push frame.
type wsUpdate struct {
	Ldn   stats.LdnAnalytics    `json:"ldn"`
	Games []stats.GameAnalytics `json:"games"`
}

// handleWS pushes the analytics documents every collector interval until the
// client goes away.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	// Reads are discarded; the read loop only notices disconnects.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(stats.DumpInterval)
	defer ticker.Stop()

	for {
		summary, games := s.collector.Latest()
		update := wsUpdate{Ldn: summary, Games: games}
		if err := conn.WriteJSON(update); err != nil {
			return
		}

		select {
		case <-ticker.C:
		case <-done:
			return
		case <-r.Context().Done():
			return
		}
	}
}
