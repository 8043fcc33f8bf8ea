// Package dashboard is the admin map surface: it holds the markers the
// projector renders, serves them over HTTP and streams changes to browsers
// over a WebSocket.
package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"dispatch-tracker/internal/api"
	"dispatch-tracker/internal/dispatch"
	"dispatch-tracker/internal/observability"
	"dispatch-tracker/internal/projector"
)

const (
	TrackLength   = 50
	TrackMinMoved = 5.0 // meters
)

type EventType string

const (
	EventMarkers EventType = "markers"
	EventAdded   EventType = "marker_added"
	EventRemoved EventType = "marker_removed"
)

// Event is one message on the /ws feed.
type Event struct {
	Type      EventType   `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Handle    string      `json:"handle,omitempty"`
	Data      interface{} `json:"data,omitempty"`
}

// Entry is a marker as the dashboard holds it.
type Entry struct {
	Handle string              `json:"handle"`
	Marker projector.Marker    `json:"marker"`
	Track  []dispatch.Position `json:"track,omitempty"`
}

// Actions runs task actions on behalf of the map page. *tracker.Coordinator
// satisfies it.
type Actions interface {
	Assign(ctx context.Context, taskID, technicianID dispatch.ID) error
	StartTask(ctx context.Context, taskID dispatch.ID) error
	Complete(ctx context.Context, taskID dispatch.ID, result dispatch.TaskStatus) error
}

type Config struct {
	Addr string
	// Actions enables the POST /api/tasks routes when set.
	Actions Actions
	Logger  *slog.Logger
}

// Server implements projector.MapWidget.
type Server struct {
	addr     string
	actions  Actions
	logger   *slog.Logger
	listener net.Listener
	server   *http.Server

	mu       sync.RWMutex
	byHandle map[string]projector.Marker
	byKey    map[string]string
	tracks   map[string][]dispatch.Position

	clients   map[*websocket.Conn]bool
	clientsMu sync.RWMutex
	broadcast chan Event

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewServer(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		addr:      cfg.Addr,
		actions:   cfg.Actions,
		logger:    cfg.Logger.With("component", "dashboard"),
		byHandle:  make(map[string]projector.Marker),
		byKey:     make(map[string]string),
		tracks:    make(map[string][]dispatch.Position),
		clients:   make(map[*websocket.Conn]bool),
		broadcast: make(chan Event, 256),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// ---- MAP WIDGET ----

func (s *Server) AddMarker(m projector.Marker) (string, error) {
	if m.Key == "" {
		return "", errors.New("dashboard: marker without key")
	}
	h := uuid.NewString()
	s.mu.Lock()
	s.byHandle[h] = m
	s.byKey[m.Key] = h
	if m.Kind == projector.KindTechnician {
		s.tracks[m.Key] = appendTrack(s.tracks[m.Key], m.Position)
	}
	s.mu.Unlock()

	s.Broadcast(Event{Type: EventAdded, Handle: h, Data: m})
	return h, nil
}

func (s *Server) RemoveMarker(handle string) error {
	s.mu.Lock()
	m, ok := s.byHandle[handle]
	if ok {
		delete(s.byHandle, handle)
		// Last handle for the key: the marker is gone, and so is its track.
		if s.byKey[m.Key] == handle {
			delete(s.byKey, m.Key)
			delete(s.tracks, m.Key)
		}
	}
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("dashboard: unknown handle %s", handle)
	}
	s.Broadcast(Event{Type: EventRemoved, Handle: handle, Data: m})
	return nil
}

// appendTrack adds p unless it is within TrackMinMoved of the last point,
// keeping the newest TrackLength points.
func appendTrack(track []dispatch.Position, p dispatch.Position) []dispatch.Position {
	if n := len(track); n > 0 && dispatch.Distance(track[n-1], p) < TrackMinMoved {
		return track
	}
	track = append(track, p)
	if len(track) > TrackLength {
		track = append([]dispatch.Position(nil), track[len(track)-TrackLength:]...)
	}
	return track
}

// Markers returns every marker currently shown, ordered by key.
func (s *Server) Markers() []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Entry, 0, len(s.byHandle))
	for h, m := range s.byHandle {
		out = append(out, Entry{Handle: h, Marker: m})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Marker.Key < out[j].Marker.Key })
	return out
}

// Marker returns the marker under key with its track history.
func (s *Server) Marker(key string) (Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.byKey[key]
	if !ok {
		return Entry{}, false
	}
	return Entry{
		Handle: h,
		Marker: s.byHandle[h],
		Track:  append([]dispatch.Position(nil), s.tracks[key]...),
	}, true
}

// ---- HTTP ----

func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/api/markers", s.handleMarkers).Methods(http.MethodGet)
	r.HandleFunc("/api/markers/{key}", s.handleMarker).Methods(http.MethodGet)
	if s.actions != nil {
		r.HandleFunc("/api/tasks/{id}/{action:assign|start|complete}/", s.handleAction).Methods(http.MethodPost)
	}
	r.HandleFunc("/ws", s.handleWebSocket)
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/", s.handleRoot).Methods(http.MethodGet)
	return r
}

// Start listens on the configured address and serves until Stop.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = ln
	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.wg.Add(2)
	go s.broadcastLoop()
	go func() {
		defer s.wg.Done()
		s.logger.Info("dashboard listening", "addr", ln.Addr().String())
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("dashboard server error", "err", err)
		}
	}()
	return nil
}

// RunBroadcast pumps broadcast events without an HTTP listener, for callers
// that mount Handler themselves.
func (s *Server) RunBroadcast() {
	s.wg.Add(1)
	go s.broadcastLoop()
}

func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

func (s *Server) Stop() error {
	s.cancel()

	s.clientsMu.Lock()
	for conn := range s.clients {
		_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
		delete(s.clients, conn)
	}
	s.clientsMu.Unlock()
	observability.DashboardClients.Set(0)

	var err error
	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if serr := s.server.Shutdown(ctx); serr != nil {
			err = fmt.Errorf("server shutdown error: %w", serr)
		}
	}
	s.wg.Wait()
	return err
}

func (s *Server) handleMarkers(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.Markers())
}

func (s *Server) handleMarker(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]
	e, ok := s.Marker(key)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "marker not found"})
		return
	}
	writeJSON(w, http.StatusOK, e)
}

func (s *Server) handleAction(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	taskID := dispatch.ID(vars["id"])
	var body struct {
		TechnicianID dispatch.ID `json:"technician_id"`
		Result       string      `json:"result"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
			return
		}
	}

	var err error
	switch vars["action"] {
	case "assign":
		if body.TechnicianID == "" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Technician ID is required."})
			return
		}
		err = s.actions.Assign(r.Context(), taskID, body.TechnicianID)
	case "start":
		err = s.actions.StartTask(r.Context(), taskID)
	case "complete":
		st, _ := dispatch.ParseTaskStatus(body.Result)
		err = s.actions.Complete(r.Context(), taskID, st)
	}
	if err != nil {
		writeJSON(w, actionStatus(err), map[string]string{"status": "error", "message": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "success"})
}

// actionStatus maps an action error onto the HTTP status shown to the page.
func actionStatus(err error) int {
	var se *api.StatusError
	switch {
	case errors.As(err, &se) && se.Code >= 400 && se.Code < 500:
		return se.Code
	case errors.Is(err, dispatch.ErrUnknownStatus):
		return http.StatusBadRequest
	case errors.Is(err, dispatch.ErrPermissionDenied):
		return http.StatusForbidden
	case errors.Is(err, dispatch.ErrUnknownEntity):
		return http.StatusNotFound
	case errors.Is(err, dispatch.ErrNetworkUnavailable):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"clients": s.ClientCount(),
		"markers": len(s.Markers()),
	})
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html")
	_, _ = fmt.Fprintf(w, `<!DOCTYPE html>
<html>
<head><title>Dispatch map</title></head>
<body>
  <h1>Dispatch map</h1>
  <p>Markers: <a href="/api/markers">/api/markers</a></p>
  <p>Live feed: <code>ws://%s/ws</code></p>
</body>
</html>`, r.Host)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// ---- WEBSOCKET FEED ----

func (s *Server) Broadcast(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	select {
	case s.broadcast <- ev:
	case <-s.ctx.Done():
	default:
		s.logger.Warn("broadcast channel full, dropping event", "type", ev.Type)
	}
}

func (s *Server) broadcastLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case ev := <-s.broadcast:
			data, err := json.Marshal(ev)
			if err != nil {
				s.logger.Error("failed to marshal event", "err", err)
				continue
			}
			s.clientsMu.RLock()
			clients := make([]*websocket.Conn, 0, len(s.clients))
			for conn := range s.clients {
				clients = append(clients, conn)
			}
			s.clientsMu.RUnlock()

			for _, conn := range clients {
				ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
				err := conn.Write(ctx, websocket.MessageText, data)
				cancel()
				if err != nil {
					s.logger.Debug("failed to send to client", "err", err)
					s.removeClient(conn)
				}
			}
		}
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "err", err)
		return
	}

	// The initial state is written before the client joins the broadcast
	// set so it cannot interleave with a live event.
	first, _ := json.Marshal(Event{Type: EventMarkers, Timestamp: time.Now().UTC(), Data: s.Markers()})
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	err = conn.Write(ctx, websocket.MessageText, first)
	cancel()
	if err != nil {
		_ = conn.Close(websocket.StatusInternalError, "initial write failed")
		return
	}

	s.clientsMu.Lock()
	s.clients[conn] = true
	n := len(s.clients)
	s.clientsMu.Unlock()
	observability.DashboardClients.Set(float64(n))
	s.logger.Info("client connected", "total", n)

	s.readLoop(conn)
}

// readLoop holds the connection open until the browser goes away. Client
// messages are ignored.
func (s *Server) readLoop(conn *websocket.Conn) {
	defer s.removeClient(conn)
	for {
		if _, _, err := conn.Read(s.ctx); err != nil {
			return
		}
	}
}

func (s *Server) removeClient(conn *websocket.Conn) {
	s.clientsMu.Lock()
	_, exists := s.clients[conn]
	delete(s.clients, conn)
	n := len(s.clients)
	s.clientsMu.Unlock()
	if !exists {
		return
	}
	_ = conn.Close(websocket.StatusNormalClosure, "")
	observability.DashboardClients.Set(float64(n))
	s.logger.Info("client disconnected", "total", n)
}

func (s *Server) ClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}
