package ingest

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"forked/internal/logging"
)

// Server accepts tracer connections on the loopback push channel and feeds
// every inbound frame into the pipeline. Multiple concurrent tracer
// connections are tolerated, though one is typical.
type Server struct {
	pipeline *Pipeline
	logger   logging.Logger

	httpServer *http.Server
	upgrader   websocket.Upgrader

	connMu sync.Mutex
	conns  map[*websocket.Conn]bool

	wg sync.WaitGroup
}

// NewServer creates the ingest server bound to 127.0.0.1:port.
func NewServer(port int, pipeline *Pipeline, logger logging.Logger) *Server {
	s := &Server{
		pipeline: pipeline,
		logger:   logging.OrNop(logger),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 1024,
			// The listener binds to loopback only; origin checks add nothing.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		conns: make(map[*websocket.Conn]bool),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleTracer)
	s.httpServer = &http.Server{
		Addr:        fmt.Sprintf("127.0.0.1:%d", port),
		Handler:     mux,
		ReadTimeout: 0, // connections are long-lived
	}
	return s
}

// ListenAndServe blocks serving tracer connections until Shutdown.
func (s *Server) ListenAndServe() error {
	listener, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("bind ingest port %s: %w", s.httpServer.Addr, err)
	}
	s.logger.Info("Ingest channel listening on %s", s.httpServer.Addr)
	if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting connections, closes live tracer sockets and waits
// for their read loops to drain.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.httpServer.Shutdown(ctx)

	s.connMu.Lock()
	for conn := range s.conns {
		_ = conn.Close()
	}
	s.connMu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return err
}

func (s *Server) handleTracer(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("Tracer upgrade failed: %v", err)
		return
	}

	s.connMu.Lock()
	s.conns[conn] = true
	s.connMu.Unlock()
	s.logger.Info("Tracer connected from %s", conn.RemoteAddr())

	s.wg.Add(1)
	go s.readLoop(conn)
}

func (s *Server) readLoop(conn *websocket.Conn) {
	defer s.wg.Done()
	defer func() {
		s.connMu.Lock()
		delete(s.conns, conn)
		s.connMu.Unlock()
		_ = conn.Close()
	}()

	start := time.Now()
	frames := 0
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Warn("Tracer connection dropped: %v", err)
			}
			break
		}
		s.pipeline.Process(data)
		frames++
	}
	s.logger.Info("Tracer disconnected after %d frames in %s", frames, time.Since(start).Round(time.Second))
}
