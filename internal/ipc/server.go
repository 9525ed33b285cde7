package ipc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"

	"github.com/rudransh-shrivastava/peer-chat/internal/logger"
	"github.com/rudransh-shrivastava/peer-chat/internal/protocol"
	"github.com/sirupsen/logrus"
)

const OpWatch = "watch"

type Request struct {
	Op   string
	Args map[string]any
}

// HandlerFunc serves one request. The returned map becomes the result field
// of the reply.
type HandlerFunc func(ctx context.Context, req Request) (map[string]any, error)

type Server struct {
	path    string
	ln      net.Listener
	handler HandlerFunc
	events  *Broker
	logger  *logrus.Logger

	mu    sync.Mutex
	conns map[net.Conn]struct{}
	wg    sync.WaitGroup
}

// Listen binds the unix socket at path, replacing a stale socket file.
func Listen(path string, handler HandlerFunc, events *Broker, log *logrus.Logger) (*Server, error) {
	if log == nil {
		log = logger.NewLogger()
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("removing stale socket: %w", err)
	}
	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("starting ipc server: %w", err)
	}
	return &Server{
		path:    path,
		ln:      ln,
		handler: handler,
		events:  events,
		logger:  log,
		conns:   make(map[net.Conn]struct{}),
	}, nil
}

func (s *Server) Path() string { return s.path }

// Serve accepts clients until ctx is done or the server is closed.
func (s *Server) Serve(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { _ = s.ln.Close() })
	defer stop()

	s.logger.Infof("IPC server listening on %s", s.path)
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("accepting ipc client: %w", err)
		}
		s.logger.Debug("Accepted a new socket connection")

		s.mu.Lock()
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.drop(conn)
			s.serveConn(ctx, conn)
		}()
	}
}

func (s *Server) drop(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
	_ = conn.Close()
}

func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	for {
		msg, err := ReadMessage(conn)
		if err != nil {
			if !protocol.IsClosed(err) {
				s.logger.Warnf("Reading ipc request: %v", err)
			}
			return
		}

		req := Request{Args: msg}
		req.Op, _ = msg["op"].(string)
		delete(req.Args, "op")

		if req.Op == OpWatch {
			s.watch(ctx, conn)
			return
		}

		result, err := s.handler(ctx, req)
		reply := map[string]any{"ok": err == nil}
		if err != nil {
			reply["error"] = err.Error()
		} else if result != nil {
			reply["result"] = result
		}
		if err := WriteMessage(conn, reply); err != nil {
			s.logger.Warnf("Writing ipc reply for %s: %v", req.Op, err)
			return
		}
	}
}

// watch streams broker events to conn until the client goes away.
func (s *Server) watch(ctx context.Context, conn net.Conn) {
	if s.events == nil {
		_ = WriteMessage(conn, map[string]any{"ok": false, "error": "watch is not supported"})
		return
	}
	events, cancel := s.events.Subscribe()
	defer cancel()

	if err := WriteMessage(conn, map[string]any{"ok": true}); err != nil {
		return
	}

	gone := make(chan struct{})
	go func() {
		defer close(gone)
		var buf [1]byte
		for {
			if _, err := conn.Read(buf[:]); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := WriteMessage(conn, ev); err != nil {
				return
			}
		case <-gone:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Close stops accepting, disconnects every client and removes the socket file.
func (s *Server) Close() error {
	err := s.ln.Close()
	if errors.Is(err, net.ErrClosed) {
		err = nil
	}

	s.mu.Lock()
	for conn := range s.conns {
		_ = conn.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
	_ = os.Remove(s.path)
	return err
}
