package channel

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"

	"github.com/taskfarm/taskfarm/pkg/logging"
	"github.com/taskfarm/taskfarm/pkg/protocol"
)

// Handler processes one channel message and returns the reply.
type Handler func(protocol.Message) protocol.Message

// Server is the bound half of the request/reply channel. Any number of
// workers connect to it; messages are handed to the handler strictly
// one at a time, so handler state needs no further synchronization for
// the message path itself.
type Server struct {
	addr    string
	handler Handler
	logger  *logging.Logger

	router   *mux.Router
	srv      *http.Server
	listener net.Listener

	handleMu  sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

// NewServer creates a channel server for the given listen address.
// Call Bind to start serving.
func NewServer(addr string, handler Handler, logger *logging.Logger) *Server {
	s := &Server{
		addr:    addr,
		handler: handler,
		logger:  logger,
		router:  mux.NewRouter(),
	}
	s.router.HandleFunc("/channel", s.handleMessage).Methods("POST")
	s.srv = &http.Server{
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Router exposes the server's router so the owner can attach extra
// endpoints (metrics, health) on the same listener.
func (s *Server) Router() *mux.Router {
	return s.router
}

// Bind starts listening and serving on the configured address
func (s *Server) Bind() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.listener = ln
	s.logger.Info("Channel bound", map[string]interface{}{"addr": ln.Addr().String()})
	go func() {
		if err := s.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("Channel server error", map[string]interface{}{"error": err.Error()})
		}
	}()
	return nil
}

// Addr returns the bound address once Bind has succeeded
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	var msg protocol.Message
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		http.Error(w, "invalid message body", http.StatusBadRequest)
		return
	}

	s.handleMu.Lock()
	reply := s.handler(msg)
	s.handleMu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(reply); err != nil {
		s.logger.Error("Failed to write channel reply", map[string]interface{}{"error": err.Error()})
	}
}

// Close shuts the server down. Idempotent.
func (s *Server) Close() error {
	s.closeOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.closeErr = s.srv.Shutdown(ctx)
	})
	return s.closeErr
}
