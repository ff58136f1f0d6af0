package http

import (
	"context"
	"log"
	"net/http"
	"sync"

	"shutterline/internal/relay"
)

type APIServer struct {
	server *http.Server
	wg     sync.WaitGroup
}

// NewMux routes the relay's sockets and REST endpoints.
func NewMux(server *relay.Server) *http.ServeMux {
	mux := http.NewServeMux()

	// WebSocket endpoints
	mux.HandleFunc("GET /ws/chat", server.RequireAuth(server.HandleChat))
	mux.HandleFunc("GET /ws/calls", server.RequireAuth(server.HandleCalls))

	// API endpoints
	mux.HandleFunc("GET /api/conversations", server.RequireAuth(server.ConversationsHandler))
	mux.HandleFunc("GET /api/conversations/{id}/messages", server.RequireAuth(server.MessagesHandler))
	mux.HandleFunc("POST /api/uploads", server.RequireAuth(server.UploadHandler))
	mux.HandleFunc("PUT /api/calls/{id}/log", server.RequireAuth(server.CallLogHandler))
	mux.HandleFunc("GET /files/{hash}", server.FileHandler)

	return mux
}

func NewAPIServer(server *relay.Server, addr string) *APIServer {
	if addr == "" {
		addr = ":8080"
	}

	return &APIServer{
		server: &http.Server{
			Addr:    addr,
			Handler: NewMux(server),
		},
	}
}

func (s *APIServer) Start() error {
	log.Printf("Relay started on %s", s.server.Addr)
	s.wg.Add(1)
	defer s.wg.Done()

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *APIServer) Shutdown(ctx context.Context) error {
	defer s.wg.Wait()
	return s.server.Shutdown(ctx)
}
