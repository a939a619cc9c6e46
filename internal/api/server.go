package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"mcemirror/internal/clock"
	"mcemirror/internal/eventloop"
	"mcemirror/internal/mce"
	"mcemirror/internal/notify"

	"go.uber.org/zap"
)

// Mirrors are the instances the server reports on. They are only touched on
// the loop goroutine.
type Mirrors struct {
	Monitor *mce.Monitor
	Display *mce.Display
	Tklock  *mce.Tklock
}

// Server provides HTTP API endpoints for the mirrored mce state
type Server struct {
	loop    *eventloop.Loop
	mirrors Mirrors
	hub     *Hub
	logger  *zap.Logger
	server  *http.Server
	clock   clock.Clock
	started time.Time

	// Handler ids registered by Attach, owned by the loop goroutine
	monitorIDs []notify.HandlerID
	displayIDs []notify.HandlerID
	tklockIDs  []notify.HandlerID
}

// NewServer creates a new API server
func NewServer(loop *eventloop.Loop, mirrors Mirrors, logger *zap.Logger, port int) *Server {
	s := &Server{
		loop:    loop,
		mirrors: mirrors,
		logger:  logger,
		clock:   clock.NewRealClock(),
	}
	s.started = s.clock.Now()
	s.hub = NewHub(loop.Invoke, s.hello, logger.Named("events"))

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleSitemap)
	mux.HandleFunc("/api/state", s.handleGetState)
	mux.Handle("/api/events", s.hub)
	mux.HandleFunc("/health", s.handleHealth)

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// SetClock sets the clock implementation (useful for testing)
func (s *Server) SetClock(c clock.Clock) {
	s.clock = c
	s.started = c.Now()
}

// StateResponse represents the JSON response for the state endpoint
type StateResponse struct {
	Monitor mce.MonitorSnapshot `json:"monitor"`
	Display mce.DisplaySnapshot `json:"display"`
	Tklock  mce.TklockSnapshot  `json:"tklock"`
}

// snapshot must run on the loop goroutine
func (s *Server) snapshot() StateResponse {
	var response StateResponse
	if s.mirrors.Monitor != nil {
		response.Monitor = s.mirrors.Monitor.Snapshot()
	}
	if s.mirrors.Display != nil {
		response.Display = s.mirrors.Display.Snapshot()
	}
	if s.mirrors.Tklock != nil {
		response.Tklock = s.mirrors.Tklock.Snapshot()
	}
	return response
}

func (s *Server) hello() Event {
	return Event{
		Type:  EventHello,
		At:    s.clock.Now(),
		State: s.snapshot(),
	}
}

// Snapshot reads the current state through the loop
func (s *Server) Snapshot(ctx context.Context) (StateResponse, error) {
	var response StateResponse
	if err := s.loop.Invoke(ctx, func() {
		response = s.snapshot()
	}); err != nil {
		return StateResponse{}, fmt.Errorf("failed to read state: %w", err)
	}
	return response, nil
}

// Attach subscribes the event stream to every mirror notification. It must
// be called on the loop goroutine.
func (s *Server) Attach() {
	publish := func(source string, event notify.Event) func() {
		return func() {
			s.hub.Broadcast(Event{
				Type:   string(event),
				Source: source,
				At:     s.clock.Now(),
				State:  s.snapshot(),
			})
		}
	}

	if mon := s.mirrors.Monitor; mon != nil {
		available := publish(mce.KindMonitor, mce.EventAvailableChanged)
		s.monitorIDs = append(s.monitorIDs,
			mon.AddAvailableChangedHandler(func(*mce.Monitor) { available() }))
	}

	if d := s.mirrors.Display; d != nil {
		valid := publish(mce.KindDisplay, mce.EventValidChanged)
		state := publish(mce.KindDisplay, mce.EventStateChanged)
		s.displayIDs = append(s.displayIDs,
			d.AddValidChangedHandler(func(*mce.Display) { valid() }),
			d.AddStateChangedHandler(func(*mce.Display) { state() }))
	}

	if tk := s.mirrors.Tklock; tk != nil {
		valid := publish(mce.KindTklock, mce.EventValidChanged)
		mode := publish(mce.KindTklock, mce.EventModeChanged)
		locked := publish(mce.KindTklock, mce.EventLockedChanged)
		s.tklockIDs = append(s.tklockIDs,
			tk.AddValidChangedHandler(func(*mce.Tklock) { valid() }),
			tk.AddModeChangedHandler(func(*mce.Tklock) { mode() }),
			tk.AddLockedChangedHandler(func(*mce.Tklock) { locked() }))
	}
}

// Detach undoes Attach. It must be called on the loop goroutine.
func (s *Server) Detach() {
	if s.mirrors.Monitor != nil {
		s.mirrors.Monitor.RemoveHandlers(s.monitorIDs)
	}
	if s.mirrors.Display != nil {
		s.mirrors.Display.RemoveHandlers(s.displayIDs)
	}
	if s.mirrors.Tklock != nil {
		s.mirrors.Tklock.RemoveHandlers(s.tklockIDs)
	}
	s.monitorIDs, s.displayIDs, s.tklockIDs = nil, nil, nil
}

// Handler returns the HTTP handler serving every endpoint
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// handleGetState returns the mirrored state as JSON
func (s *Server) handleGetState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	response, err := s.Snapshot(r.Context())
	if err != nil {
		s.logger.Error("Failed to read state", zap.Error(err))
		http.Error(w, "Service unavailable", http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(response); err != nil {
		s.logger.Error("Failed to encode response", zap.Error(err))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	s.logger.Debug("State request served",
		zap.String("remote_addr", r.RemoteAddr))
}

// HealthResponse represents the JSON response for the health endpoint
type HealthResponse struct {
	Status  string `json:"status"`
	Uptime  string `json:"uptime"`
	Clients int    `json:"clients"`
}

// handleHealth returns a simple health check response. The status is
// "stopped" once the event loop has exited.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	response := HealthResponse{
		Status:  "ok",
		Uptime:  s.clock.Since(s.started).Truncate(time.Second).String(),
		Clients: s.hub.Clients(),
	}
	code := http.StatusOK
	select {
	case <-s.loop.Stopped():
		response.Status, code = "stopped", http.StatusServiceUnavailable
	default:
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(response)
}

// Endpoint represents an API endpoint with its documentation
type Endpoint struct {
	Path        string `json:"path"`
	Method      string `json:"method"`
	Description string `json:"description"`
}

var endpoints = []Endpoint{
	{
		Path:        "/",
		Method:      "GET",
		Description: "This sitemap - lists all available API endpoints",
	},
	{
		Path:        "/api/state",
		Method:      "GET",
		Description: "Service availability, display state and tklock mode with their validity",
	},
	{
		Path:        "/api/events",
		Method:      "GET",
		Description: "WebSocket stream of change notifications, each carrying the full state",
	},
	{
		Path:        "/health",
		Method:      "GET",
		Description: "Health check endpoint - returns {\"status\": \"ok\"}",
	},
}

// handleSitemap returns a list of all available API endpoints
func (s *Server) handleSitemap(w http.ResponseWriter, r *http.Request) {
	// Only handle requests to the root path
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	preferHTML := strings.Contains(r.Header.Get("Accept"), "text/html")

	if preferHTML {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprintf(w, `<!DOCTYPE html>
<html>
<head>
    <title>MCE Mirror API</title>
    <style>
        body { font-family: monospace; margin: 40px; background: #1e1e1e; color: #d4d4d4; }
        h1 { color: #4ec9b0; }
        .endpoint { background: #2d2d2d; padding: 15px; margin: 10px 0; border-left: 3px solid #007acc; }
        .method { color: #4ec9b0; font-weight: bold; }
        .path { color: #ce9178; }
        .description { color: #9cdcfe; margin-top: 5px; }
    </style>
</head>
<body>
    <h1>MCE Mirror API</h1>
`)
		for _, ep := range endpoints {
			fmt.Fprintf(w, `    <div class="endpoint">
        <div><span class="method">%s</span> <span class="path">%s</span></div>
        <div class="description">%s</div>
    </div>
`, ep.Method, ep.Path, ep.Description)
		}
		fmt.Fprintf(w, "</body>\n</html>\n")
	} else {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		fmt.Fprintf(w, "MCE Mirror API\n")
		fmt.Fprintf(w, "==============\n\n")
		fmt.Fprintf(w, "Available endpoints:\n\n")
		for _, ep := range endpoints {
			fmt.Fprintf(w, "  %-10s %-20s %s\n", ep.Method, ep.Path, ep.Description)
		}
	}

	s.logger.Debug("Sitemap request served",
		zap.String("remote_addr", r.RemoteAddr),
		zap.Bool("html_format", preferHTML))
}

// Start begins serving HTTP requests
func (s *Server) Start() error {
	s.logger.Info("Starting HTTP API server", zap.String("addr", s.server.Addr))

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server error", zap.Error(err))
		}
	}()

	return nil
}

// Stop gracefully shuts down the HTTP server and drops event stream clients
func (s *Server) Stop() error {
	s.logger.Info("Stopping HTTP API server")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s.hub.Close()
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}

	return nil
}
