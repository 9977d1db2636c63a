// Package control exposes a local unix socket through which operators and
// the CLI query status and request a drain.
package control

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/samiUK/hitchbuddy-connect-uk-sub002/internal/readiness"
	"github.com/samiUK/hitchbuddy-connect-uk-sub002/pkg/consts"
	gerrors "github.com/samiUK/hitchbuddy-connect-uk-sub002/pkg/errors"
	"github.com/samiUK/hitchbuddy-connect-uk-sub002/pkg/logger"
)

// Command is one line of the control protocol.
type Command string

const (
	CmdStatus Command = "status"
	CmdDrain  Command = "drain"
)

// idleTimeout closes a connection that sends nothing.
const idleTimeout = 30 * time.Second

// Response is written as one JSON line per command.
type Response struct {
	OK        bool                       `json:"ok"`
	Error     string                     `json:"error,omitempty"`
	Message   string                     `json:"message,omitempty"`
	Phase     consts.Phase               `json:"phase,omitempty"`
	Upstreams []readiness.UpstreamStatus `json:"upstreams,omitempty"`
}

// Handler executes control commands.
type Handler interface {
	Status() (consts.Phase, []readiness.UpstreamStatus)
	Drain(reason string)
}

type Server struct {
	socketPath string
	handler    Handler

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	wg       sync.WaitGroup
}

func NewServer(path string, h Handler) *Server {
	return &Server{socketPath: path, handler: h, conns: make(map[net.Conn]struct{})}
}

// PrepareSocket creates the unix socket, replacing a stale one left behind
// by a previous run.
func (s *Server) PrepareSocket() (net.Listener, error) {
	if _, err := os.Stat(s.socketPath); err == nil {
		os.Remove(s.socketPath)
	}
	l, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return nil, err
	}
	// Owner only: drain is a privileged operation
	os.Chmod(s.socketPath, 0o600)
	return l, nil
}

// Start binds the socket and serves connections until Close.
func (s *Server) Start() error {
	l, err := s.PrepareSocket()
	if err != nil {
		return gerrors.New(gerrors.ErrCodeControlProtocol, "Start", "cannot open control socket", err)
	}
	s.mu.Lock()
	s.listener = l
	s.mu.Unlock()

	logger.Log.Info("Control: listening", "socket", s.socketPath)
	s.wg.Add(1)
	go s.acceptLoop(l)
	return nil
}

func (s *Server) acceptLoop(l net.Listener) {
	defer s.wg.Done()
	for {
		conn, err := l.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				logger.Log.Error("Control: accept failed", "err", err)
			}
			return
		}
		s.mu.Lock()
		if s.listener == nil {
			s.mu.Unlock()
			conn.Close()
			return
		}
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.serveConn(conn)
			s.mu.Lock()
			delete(s.conns, conn)
			s.mu.Unlock()
		}()
	}
}

func (s *Server) serveConn(conn net.Conn) {
	defer conn.Close()

	scanner := bufio.NewScanner(conn)
	enc := json.NewEncoder(conn)
	for {
		if !s.armDeadline(conn) || !scanner.Scan() {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		resp := s.dispatch(Command(strings.ToLower(line)))
		if err := enc.Encode(resp); err != nil {
			logger.Log.Debug("Control: write failed", "err", err)
			return
		}
	}
}

// armDeadline extends the idle deadline unless the server is closing.
func (s *Server) armDeadline(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return false
	}
	conn.SetReadDeadline(time.Now().Add(idleTimeout))
	return true
}

func (s *Server) dispatch(cmd Command) Response {
	switch cmd {
	case CmdStatus:
		phase, ups := s.handler.Status()
		return Response{OK: true, Phase: phase, Upstreams: ups}
	case CmdDrain:
		logger.Log.Info("Control: drain requested")
		s.handler.Drain("control socket")
		phase, _ := s.handler.Status()
		return Response{OK: true, Message: "drain started", Phase: phase}
	default:
		err := gerrors.New(gerrors.ErrCodeControlProtocol, "Dispatch", fmt.Sprintf("unknown command %q", cmd), nil)
		logger.Log.Warn("Control: bad command", "err", err)
		return Response{OK: false, Error: err.Error()}
	}
}

// Close stops accepting and removes the socket. Open connections finish the
// command in progress and are then closed.
func (s *Server) Close() error {
	s.mu.Lock()
	l := s.listener
	s.listener = nil
	for c := range s.conns {
		c.SetReadDeadline(time.Now())
	}
	s.mu.Unlock()

	if l == nil {
		return nil
	}
	err := l.Close()
	s.wg.Wait()
	os.Remove(s.socketPath)
	return err
}

// Request sends one command to the socket at path and decodes the reply.
func Request(ctx context.Context, path string, cmd Command) (*Response, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", path)
	if err != nil {
		return nil, gerrors.New(gerrors.ErrCodeControlProtocol, "Request", "cannot reach control socket "+path, err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}
	if _, err := fmt.Fprintf(conn, "%s\n", cmd); err != nil {
		return nil, gerrors.New(gerrors.ErrCodeControlProtocol, "Request", "write failed", err)
	}

	var resp Response
	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		return nil, gerrors.New(gerrors.ErrCodeControlProtocol, "Request", "invalid reply", err)
	}
	if !resp.OK {
		return &resp, gerrors.New(gerrors.ErrCodeControlProtocol, "Request", resp.Error, nil)
	}
	return &resp, nil
}

// Personal.AI order the ending
