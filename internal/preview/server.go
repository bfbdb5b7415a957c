package preview

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"

	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
	"github.com/segmetric/segmetric/internal/metrics"
	"github.com/segmetric/segmetric/internal/sink"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Server exposes the hub and the run metrics over HTTP.
type Server struct {
	hub     *Hub
	metrics *metrics.Metrics
	log     sink.Log
	srv     *http.Server
	ln      net.Listener
}

func NewServer(hub *Hub, m *metrics.Metrics, log sink.Log) *Server {
	if log == nil {
		log = sink.Discard{}
	}
	return &Server{hub: hub, metrics: m, log: log}
}

// Handler routes:
//
//	GET /ws         text status + binary JPEG per frame
//	GET /frame.jpg  latest frame
//	GET /status     latest status as JSON
//	GET /metrics    Prometheus metrics
func (s *Server) Handler() http.Handler {
	router := httprouter.New()
	router.GET("/ws", s.httpWebSocket)
	router.GET("/frame.jpg", s.httpFrame)
	router.GET("/status", s.httpStatus)
	if s.metrics != nil {
		router.Handler(http.MethodGet, "/metrics", s.metrics.Handler())
	}
	return router
}

func (s *Server) httpWebSocket(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Errorf("WebSocket upgrade error: %v", err)
		return
	}
	s.hub.serve(conn)
}

func (s *Server) httpFrame(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	jpeg, status := s.hub.Latest()
	if jpeg == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Source", status.Source)
	w.Header().Set("Content-Length", strconv.Itoa(len(jpeg)))
	w.Write(jpeg)
}

func (s *Server) httpStatus(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	_, status := s.hub.Latest()
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(struct {
		Status
		Viewers int `json:"viewers"`
	}{status, s.hub.Viewers()})
}

// Start listens on addr and serves in the background. Use ":0" for a free port.
func (s *Server) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.ln = ln
	s.srv = &http.Server{Handler: s.Handler()}
	s.log.Infof("Preview listening on http://%v", ln.Addr())
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Errorf("Preview server stopped: %v", err)
		}
	}()
	return nil
}

// Addr is the bound address once started.
func (s *Server) Addr() string {
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}
