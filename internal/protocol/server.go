package protocol

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"strconv"
	"sync"
)

// Handler processes a single InputEvent and produces the OutputEvent to
// reply with. Invoked exactly once per run.
type Handler func(ctx context.Context, in InputEvent) OutputEvent

// Server is the guest side of the protocol: an HTTP listener bound to
// serverPort under mountPath, expecting exactly one POST carrying the
// `start` input event and replying with the output event in the response
// body.
type Server struct {
	port      int
	mountPath string
	debug     bool
	handler   Handler

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
	served   bool
	doneCh   chan struct{}
}

// NewServer creates a guest protocol server. handler is invoked exactly
// once, on the first (and only) request.
func NewServer(port int, mountPath string, debug bool, handler Handler) *Server {
	return &Server{
		port:      port,
		mountPath: mountPath,
		debug:     debug,
		handler:   handler,
		doneCh:    make(chan struct{}),
	}
}

// Serve binds the listener and serves until the single exchange completes
// or ctx is done. Returns once the handler has produced its reply; the
// response may still be in flight to the client when Serve returns.
func (s *Server) Serve(ctx context.Context) error {
	mux := http.NewServeMux()
	path := "/" + s.mountPath
	mux.HandleFunc(path, s.serveOnce(ctx))

	ln, err := net.Listen("tcp", "0.0.0.0:"+strconv.Itoa(s.port))
	if err != nil {
		return fmt.Errorf("protocol: listen on port %d: %w", s.port, err)
	}
	s.mu.Lock()
	s.listener = ln
	s.server = &http.Server{Handler: mux}
	s.mu.Unlock()

	if s.debug {
		log.Printf("protocol: guest listening on %s%s", ln.Addr(), path)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- s.server.Serve(ln) }()

	select {
	case <-s.doneCh:
		return nil
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	case <-ctx.Done():
		s.server.Close()
		return ctx.Err()
	}
}

// serveOnce wraps the handler so the single registered exchange is the
// only one ever processed — a second request is rejected.
func (s *Server) serveOnce(ctx context.Context) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		if s.served {
			s.mu.Unlock()
			http.Error(w, "protocol: only one exchange per run", http.StatusConflict)
			return
		}
		s.served = true
		s.mu.Unlock()

		if s.debug {
			log.Printf("protocol: input_event received")
		}

		var in InputEvent
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
			http.Error(w, fmt.Sprintf("protocol: decode input event: %v", err), http.StatusBadRequest)
			close(s.doneCh)
			return
		}

		out := s.handler(ctx, in)

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(out)

		if s.debug {
			log.Printf("protocol: output_event %s sent", out.Action)
		}
		close(s.doneCh)
	}
}

// Close shuts down the listener if still open. Safe to call multiple times.
func (s *Server) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.server != nil {
		s.server.Close()
	}
}
