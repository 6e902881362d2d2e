package ipc

import (
	"errors"
	"fmt"
	"net"
	"os"
	"sync"

	"github.com/google/uuid"
	"github.com/mdlayher/vsock"
	"github.com/oriys/pulsar/internal/config"
	"github.com/oriys/pulsar/internal/logging"
)

// ReplyFunc delivers one reply frame to the requesting connection. It may be
// called after the request handler returned (deferred reply); it reports
// false once the connection is gone.
type ReplyFunc func(*Frame) bool

// Handler processes decoded request frames. Implemented by the dispatcher.
type Handler interface {
	// HandleRequest is invoked on the connection's read goroutine. A
	// handler that defers its reply stores the ReplyFunc and returns.
	HandleRequest(callerID string, frame *Frame, reply ReplyFunc)
	// HandleDisconnect fires when the caller's connection closes.
	HandleDisconnect(callerID string)
}

// Server accepts bus connections and assigns each a unique caller identity.
type Server struct {
	cfg     config.IPCConfig
	handler Handler

	mu       sync.Mutex
	listener net.Listener
	closed   bool
	wg       sync.WaitGroup
}

// NewServer creates the bus server.
func NewServer(cfg config.IPCConfig, handler Handler) *Server {
	return &Server{cfg: cfg, handler: handler}
}

// Start listens according to the configured mode and serves connections on
// per-connection goroutines.
func (s *Server) Start() error {
	ln, err := s.listen()
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	logging.Op().Info("ipc bus listening", "mode", s.cfg.Mode, "addr", ln.Addr().String())

	s.wg.Add(1)
	go s.acceptLoop(ln)
	return nil
}

// listen creates a listener based on the configured mode:
//   - unix (default): a filesystem socket, stale file removed first
//   - tcp: loopback TCP, for development hosts
//   - vsock: AF_VSOCK, for middleware confined to a guest VM
func (s *Server) listen() (net.Listener, error) {
	switch s.cfg.Mode {
	case "tcp":
		return net.Listen("tcp", s.cfg.TCPAddr)
	case "vsock":
		return vsock.Listen(s.cfg.VsockPort, nil)
	case "", "unix":
		if err := os.Remove(s.cfg.SocketPath); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("remove stale socket: %w", err)
		}
		return net.Listen("unix", s.cfg.SocketPath)
	default:
		return nil, fmt.Errorf("ipc: unknown listener mode %q", s.cfg.Mode)
	}
}

func (s *Server) acceptLoop(ln net.Listener) {
	defer s.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed || errors.Is(err, net.ErrClosed) {
				return
			}
			logging.Op().Warn("ipc accept error", "error", err)
			continue
		}
		s.wg.Add(1)
		go s.serveConn(conn)
	}
}

func (s *Server) serveConn(conn net.Conn) {
	defer s.wg.Done()

	callerID := uuid.NewString()
	codec := NewCodec(conn)
	defer codec.Close()

	logging.Op().Debug("ipc client connected", "caller", callerID)

	var gone sync.Once
	alive := true
	var aliveMu sync.Mutex

	reply := func(f *Frame) bool {
		aliveMu.Lock()
		ok := alive
		aliveMu.Unlock()
		if !ok {
			return false
		}
		if err := codec.Send(f); err != nil {
			logging.Op().Debug("ipc reply send failed", "caller", callerID, "error", err)
			return false
		}
		return true
	}

	for {
		frame, err := codec.Receive()
		if err != nil {
			aliveMu.Lock()
			alive = false
			aliveMu.Unlock()
			gone.Do(func() { s.handler.HandleDisconnect(callerID) })
			logging.Op().Debug("ipc client disconnected", "caller", callerID)
			return
		}
		s.handler.HandleRequest(callerID, frame, reply)
	}
}

// Stop closes the listener and waits for connection goroutines.
func (s *Server) Stop() {
	s.mu.Lock()
	s.closed = true
	ln := s.listener
	s.mu.Unlock()

	if ln != nil {
		ln.Close()
	}
	s.wg.Wait()

	if s.cfg.Mode == "" || s.cfg.Mode == "unix" {
		os.Remove(s.cfg.SocketPath)
	}
	logging.Op().Info("ipc bus stopped")
}
