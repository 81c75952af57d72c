package uds

import (
	"context"
	"fmt"
	"log"
	"net"
	"os"
	"runtime/debug"
	"sync"
	"time"
)

// HandlerFunc processes one decoded request and produces the response
// to frame back to the client. Handlers run one per connection and must
// be safe for concurrent use.
type HandlerFunc func(req *Request) *Response

// Server accepts connections on a Unix socket and dispatches framed
// requests to registered command handlers. Each connection carries
// exactly one request/response exchange.
type Server struct {
	socketPath  string
	listener    net.Listener
	mu          sync.RWMutex
	handlers    map[string]HandlerFunc
	logf        func(format string, args ...any)
	connTimeout time.Duration
	wg          sync.WaitGroup
	ctx         context.Context
	cancel      context.CancelFunc
}

func NewServer(socketPath string) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		socketPath:  socketPath,
		handlers:    make(map[string]HandlerFunc),
		logf:        log.Printf,
		connTimeout: 30 * time.Second,
		ctx:         ctx,
		cancel:      cancel,
	}
}

// SetConnTimeout bounds how long a single connection may take to send
// its request and receive the response.
func (s *Server) SetConnTimeout(d time.Duration) {
	s.connTimeout = d
}

// SetLogf redirects server diagnostics, typically into the daemon's
// own log file rather than stderr.
func (s *Server) SetLogf(logf func(format string, args ...any)) {
	if logf != nil {
		s.logf = logf
	}
}

// Handle registers the handler for a command name. Later registrations
// replace earlier ones.
func (s *Server) Handle(command string, handler HandlerFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[command] = handler
}

func (s *Server) Start() error {
	// A previous daemon that died without cleanup leaves the socket
	// file behind; the flock already guarantees single ownership.
	_ = os.Remove(s.socketPath)

	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.socketPath, err)
	}

	// Only the owning user may talk to the daemon.
	if err := os.Chmod(s.socketPath, 0600); err != nil {
		_ = listener.Close()
		return fmt.Errorf("chmod socket: %w", err)
	}

	s.listener = listener

	s.wg.Add(1)
	go s.acceptLoop()

	return nil
}

// Stop closes the listener, waits for in-flight connections to finish,
// and removes the socket file.
func (s *Server) Stop() error {
	s.cancel()
	if s.listener != nil {
		_ = s.listener.Close()
	}
	s.wg.Wait()
	_ = os.Remove(s.socketPath)
	return nil
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
				s.logf("uds accept: %v", err)
				continue
			}
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := s.serveConn(conn); err != nil {
				s.logf("uds conn: %v", err)
			}
		}()
	}
}

func (s *Server) serveConn(conn net.Conn) (err error) {
	defer func() { _ = conn.Close() }()
	defer func() {
		// A panicking handler must not take the daemon down.
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v\n%s", r, debug.Stack())
		}
	}()

	_ = conn.SetDeadline(time.Now().Add(s.connTimeout))

	var req Request
	if err := ReadFrame(conn, &req); err != nil {
		return fmt.Errorf("read request: %w", err)
	}

	resp := s.dispatch(&req)

	if err := WriteFrame(conn, resp); err != nil {
		return fmt.Errorf("write response: %w", err)
	}
	return nil
}

func (s *Server) dispatch(req *Request) *Response {
	if req.ProtocolVersion != ProtocolVersion {
		return ErrorResponse(
			ErrCodeProtocolMismatch,
			fmt.Sprintf("protocol version mismatch: got %d, expected %d", req.ProtocolVersion, ProtocolVersion),
		)
	}

	s.mu.RLock()
	handler, ok := s.handlers[req.Command]
	s.mu.RUnlock()

	if !ok {
		return ErrorResponse(
			ErrCodeUnknownCommand,
			fmt.Sprintf("unknown command: %q", req.Command),
		)
	}

	return handler(req)
}
