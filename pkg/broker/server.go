package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

// Options configures a Server. Zero durations disable the matching timer.
type Options struct {
	Path            string        // WebSocket endpoint; "/" also upgrades
	MaxMessageBytes int64         // read limit per frame, 0 = unlimited
	SendQueue       int           // outbound frames buffered per connection
	WriteTimeout    time.Duration // deadline for each outbound write
	PingInterval    time.Duration // keepalive ping period
	ControlRate     float64       // control frames per second per connection, 0 = unlimited
	ControlBurst    int
	NewKey          KeyFunc // session secret source, nil = protocol.NewSessionKey
}

// DefaultOptions returns the options used when a field is left zero
func DefaultOptions() Options {
	return Options{
		Path:            "/ws",
		MaxMessageBytes: 16 << 20,
		SendQueue:       256,
		WriteTimeout:    10 * time.Second,
		PingInterval:    30 * time.Second,
		ControlBurst:    20,
	}
}

// EntryInfo is the diagnostics view of a registry entry. The registration
// password is never exposed.
type EntryInfo struct {
	ID           string          `json:"id"`
	ConnID       string          `json:"conn_id"`
	RemoteAddr   string          `json:"remote_addr"`
	RegisteredAt time.Time       `json:"registered_at"`
	Info         json.RawMessage `json:"info,omitempty"`
}

// Server accepts endpoint connections and relays between them
type Server struct {
	opts       Options
	registry   *Registry
	negotiator *Negotiator
	router     *Router
	stats      *Stats
	upgrader   websocket.Upgrader
	logger     *slog.Logger

	serial  atomic.Uint64
	mu      sync.Mutex
	conns   map[*Conn]struct{}
	closing bool
	workers sync.WaitGroup

	httpServer *http.Server
	listener   net.Listener
}

// New creates a broker server. A nil logger uses slog.Default().
func New(opts Options, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	defaults := DefaultOptions()
	if opts.Path == "" {
		opts.Path = defaults.Path
	}
	if opts.SendQueue < 2 {
		opts.SendQueue = defaults.SendQueue
	}
	if opts.ControlBurst <= 0 {
		opts.ControlBurst = defaults.ControlBurst
	}

	s := &Server{
		opts:     opts,
		registry: NewRegistry(),
		stats:    newStats(),
		logger:   logger,
		conns:    make(map[*Conn]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				return true // endpoints are native clients, not browsers
			},
		},
	}
	s.negotiator = NewNegotiator(s.registry, opts.NewKey, s.stats, logger.With("component", "negotiator"))
	s.router = NewRouter(s.registry, s.negotiator, s.stats, logger.With("component", "router"))
	return s
}

// Registry returns the server's connection registry
func (s *Server) Registry() *Registry {
	return s.registry
}

// Stats returns a snapshot of the relay counters
func (s *Server) Stats() StatsSnapshot {
	return s.stats.snapshot(s.registry.Len())
}

// Entries returns the registry as diagnostics rows sorted by identifier
func (s *Server) Entries() []EntryInfo {
	snapshot := s.registry.Snapshot()
	out := make([]EntryInfo, 0, len(snapshot))
	for _, entry := range snapshot {
		out = append(out, EntryInfo{
			ID:           entry.ID,
			ConnID:       entry.Conn.ConnID(),
			RemoteAddr:   entry.Conn.RemoteAddr(),
			RegisteredAt: entry.RegisteredAt,
			Info:         entry.Meta.Info,
		})
	}
	return out
}

// Handler returns the HTTP handler serving the WebSocket endpoint and the
// diagnostics routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(s.opts.Path, s.HandleWebSocket)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Write([]byte("ok"))
	})
	mux.HandleFunc("/ids.json", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, s.Entries())
	})
	mux.HandleFunc("/stats.json", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, s.Stats())
	})
	if s.opts.Path != "/" {
		// Legacy endpoints connect to the bare host:port.
		mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path != "/" {
				http.NotFound(w, r)
				return
			}
			s.HandleWebSocket(w, r)
		})
	}
	return mux
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.Encode(v)
}

// HandleWebSocket upgrades the request and starts the connection workers
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "remote_addr", r.RemoteAddr, "error", err)
		return
	}

	c := &Conn{
		serial:     s.serial.Add(1),
		connID:     uuid.NewString(),
		remoteAddr: r.RemoteAddr,
		ws:         ws,
		server:     s,
		send:       make(chan frame, s.opts.SendQueue),
	}
	c.logger.Store(s.logger.With("conn_id", c.connID, "remote_addr", c.remoteAddr))
	if s.opts.ControlRate > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(s.opts.ControlRate), s.opts.ControlBurst)
	}

	if !s.track(c) {
		ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "broker shutting down"),
			time.Now().Add(time.Second))
		ws.Close()
		return
	}
	c.log().Debug("connection accepted")

	go func() {
		defer s.workers.Done()
		c.writePump()
	}()
	go func() {
		defer s.workers.Done()
		c.readPump()
	}()
}

// track records c as live and reserves its two workers. It fails once
// Shutdown has begun.
func (s *Server) track(c *Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	s.conns[c] = struct{}{}
	s.stats.connections.Add(1)
	s.workers.Add(2)
	return true
}

func (s *Server) forget(c *Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.conns[c]; ok {
		delete(s.conns, c)
		s.stats.connections.Add(-1)
	}
}

// Start binds addr and serves in the background until ctx is cancelled or
// Shutdown is called.
func (s *Server) Start(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("broker: listen on %s: %w", addr, err)
	}
	s.listener = ln
	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("broker server error", "error", err)
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.Shutdown(shutdownCtx)
	}()

	s.logger.Info("broker listening", "addr", ln.Addr().String(), "path", s.opts.Path)
	return nil
}

// Addr returns the bound listener address, or nil before Start
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Shutdown stops accepting connections, asks every live connection to close
// and waits for the workers to exit. Connections still open when ctx ends are
// closed forcibly.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		s.workers.Wait()
		return nil
	}
	s.closing = true
	live := make([]*Conn, 0, len(s.conns))
	for c := range s.conns {
		live = append(live, c)
	}
	s.mu.Unlock()

	var err error
	if s.httpServer != nil {
		err = s.httpServer.Shutdown(ctx)
	}

	closeMsg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "broker shutting down")
	for _, c := range live {
		c.ws.WriteControl(websocket.CloseMessage, closeMsg, time.Now().Add(time.Second))
	}

	done := make(chan struct{})
	go func() {
		s.workers.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		for _, c := range live {
			c.ws.Close()
		}
		<-done
	}

	s.logger.Info("broker stopped")
	return err
}
