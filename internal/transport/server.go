package transport

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync/atomic"

	"github.com/felixge/httpsnoop"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"collabtext/diffsync/internal/broadcast"
	"collabtext/diffsync/internal/diffsync"
)

// Server exposes a Manager over websockets and HTTP.
type Server struct {
	Manager *diffsync.Manager
	Broker  broadcast.Broker
	// Gate guards the HTTP entity view. Nil allows everything.
	Gate diffsync.Gate
	Log  *slog.Logger

	upgrader websocket.Upgrader
	conns    atomic.Int64
}

// Handler returns the server's routes wrapped in access logging.
func (s *Server) Handler() http.Handler {
	if s.Log == nil {
		s.Log = slog.Default()
	}
	if s.Gate == nil {
		s.Gate = diffsync.AllowAll{}
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     func(r *http.Request) bool { return true },
	}

	r := mux.NewRouter()
	r.Use(s.accessLog)
	r.HandleFunc("/ws", s.serveWs).Methods(http.MethodGet)
	r.HandleFunc("/healthz", s.healthz).Methods(http.MethodGet)
	r.HandleFunc("/entities/{type}/{id}", s.getEntity).Methods(http.MethodGet)
	return r
}

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m := httpsnoop.CaptureMetrics(next, w, r)
		s.Log.Info("handled", "method", r.Method, "url", r.URL, "duration", m.Duration, "status", m.Code)
	})
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "connections": s.conns.Load()})
}

func (s *Server) getEntity(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	ek := diffsync.EntityKey{Type: vars["type"], ID: vars["id"]}
	if err := s.Gate.CanRead(r.Context(), r.URL.Query().Get("clientId"), ek); err != nil {
		writeError(w, &diffsync.Error{Code: diffsync.CodeUnauthorized, Message: err.Error()})
		return
	}
	info, err := s.Manager.Entity(r.Context(), ek)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) serveWs(w http.ResponseWriter, r *http.Request) {
	clientID := r.URL.Query().Get("clientId")
	if clientID == "" {
		clientID = uuid.NewString()
	}
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.Log.Warn("failed to upgrade", "err", err)
		return
	}
	sub, err := s.Broker.Subscribe(r.Context(), clientID)
	if err != nil {
		s.Log.Error("failed to subscribe", "clientId", clientID, "err", err)
		_ = ws.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "subscribe failed"))
		_ = ws.Close()
		return
	}

	s.conns.Add(1)
	defer s.conns.Add(-1)
	c := newConn(s, ws, clientID, sub)
	c.serve(r.Context())
}

func httpStatus(code string) int {
	switch code {
	case diffsync.CodeInvalidRequest:
		return http.StatusBadRequest
	case diffsync.CodeUnauthorized:
		return http.StatusForbidden
	case diffsync.CodeSessionNotFound:
		return http.StatusNotFound
	case diffsync.CodeVersionConflict:
		return http.StatusConflict
	case diffsync.CodeMalformedPatch:
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, err error) {
	code := diffsync.CodeOf(err)
	writeJSON(w, httpStatus(code), ErrorBody{Code: code, Message: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
