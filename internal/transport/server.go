// Package transport wires the broker engine to the network: an
// http.Server upgrades one endpoint to a websocket per agent, adapted
// from the teacher's own HTTPServer/handleClientHandler pair but
// trimmed to the single endpoint this protocol needs and tied to
// context cancellation rather than the teacher's full shutdown-helper
// machinery.
package transport

import (
	"context"
	"net"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"
	"github.com/jpillora/requestlog"
	"github.com/tomasen/realip"

	"github.com/kensa-tunnel/broker/internal/broker"
	"github.com/kensa-tunnel/broker/internal/logging"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

var nextSocketID uint64

// wsSocket adapts a *websocket.Conn to the broker.Socket interface, so
// the engine never imports gorilla/websocket directly.
type wsSocket struct {
	id     uint64
	conn   *websocket.Conn
	remote string

	mu sync.Mutex
}

func newWSSocket(conn *websocket.Conn, remote string) *wsSocket {
	return &wsSocket{
		id:     atomic.AddUint64(&nextSocketID, 1),
		conn:   conn,
		remote: remote,
	}
}

func (s *wsSocket) ID() uint64 { return s.id }

func (s *wsSocket) RemoteAddr() string { return s.remote }

func (s *wsSocket) Send(msg interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(msg)
}

// Engine is the subset of *broker.Engine the transport layer depends
// on.
type Engine interface {
	HandleInbound(sock broker.Socket, raw []byte)
	HandleClose(sock broker.Socket)
}

// Server serves the broker's websocket endpoint over HTTP.
type Server struct {
	engine Engine
	log    logging.Logger
	debug  bool

	httpServer *http.Server
	listener   net.Listener
}

// NewServer builds a Server dispatching inbound messages to engine.
// When debug is true, every request is additionally logged with
// requestlog, matching the teacher's own debug-mode wrapping.
func NewServer(engine Engine, log logging.Logger, debug bool) *Server {
	s := &Server{engine: engine, log: log, debug: debug}
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handle)

	var handler http.Handler = mux
	if debug {
		handler = requestlog.Wrap(handler)
	}
	s.httpServer = &http.Server{Handler: handler}
	return s
}

// ListenAndServe binds addr and serves until ctx is cancelled or Close
// is called, whichever happens first. It blocks until the server has
// fully stopped.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.listener = ln

	go func() {
		<-ctx.Done()
		s.Close()
	}()

	s.log.ILogf("listening on %s", addr)
	err = s.httpServer.Serve(ln)
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Close gracefully shuts down the HTTP server.
func (s *Server) Close() error {
	return s.httpServer.Shutdown(context.Background())
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" {
		w.Write([]byte("OK\n"))
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.DLogf("websocket upgrade from %s failed: %s", realip.FromRequest(r), err)
		return
	}

	remote := realip.FromRequest(r)
	sock := newWSSocket(conn, remote)
	s.log.ILogf("socket %d connected from %s", sock.ID(), remote)

	defer func() {
		conn.Close()
		s.engine.HandleClose(sock)
		s.log.ILogf("socket %d disconnected", sock.ID())
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			s.log.DLogf("socket %d read error: %s", sock.ID(), err)
			return
		}
		s.engine.HandleInbound(sock, raw)
	}
}
