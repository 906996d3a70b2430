package notify

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/loomworks/loom/internal/logging"
)

// clientScript is the snippet pages can include to reconnect and reload.
const clientScript = `(function() {
  function connect() {
    var ws = new WebSocket("ws://" + location.hostname + ":%d/reload");
    ws.onmessage = function(ev) {
      var msg = JSON.parse(ev.data);
      if (msg.type === "reload") location.reload();
    };
    ws.onclose = function() { setTimeout(connect, 1000); };
  }
  connect();
})();
`

// Server exposes the hub over HTTP: the WebSocket endpoint at /reload and
// the reconnecting client snippet at /reload.js.
type Server struct {
	hub    *Hub
	srv    *http.Server
	port   int
	logger logging.Logger
}

// NewServer wraps the hub in an HTTP server on the given port.
func NewServer(hub *Hub, port int, logger logging.Logger) *Server {
	if logger == nil {
		logger = logging.Discard()
	}

	s := &Server{hub: hub, port: port, logger: logger.WithComponent("notify")}

	mux := http.NewServeMux()
	mux.Handle("/reload", hub)
	mux.HandleFunc("/reload.js", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/javascript")
		fmt.Fprintf(w, clientScript, port)
	})

	s.srv = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Start serves until Shutdown. It blocks, so callers run it in a goroutine.
func (s *Server) Start() error {
	s.logger.Info(context.Background(), "reload notifier listening", "port", s.port)
	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("notify: %w", err)
	}
	return nil
}

// Shutdown stops accepting connections and closes the hub.
func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.Shutdown()
	return s.srv.Shutdown(ctx)
}
