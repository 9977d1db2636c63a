package resource

import (
	"context"
	"fmt"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/samiUK/hitchbuddy-connect-uk-sub002/pkg/consts"
	gerrors "github.com/samiUK/hitchbuddy-connect-uk-sub002/pkg/errors"
	"github.com/samiUK/hitchbuddy-connect-uk-sub002/pkg/logger"
)

// DefaultBindTimeout bounds a single bind attempt.
const DefaultBindTimeout = 2 * time.Second

// ListenSocket is the single bound network endpoint of the supervisor.
type ListenSocket struct {
	net.Listener

	Address   string // host the caller asked for
	Port      int    // port actually bound
	BoundAt   time.Time
	Inherited bool
}

// SocketManager owns listening sockets. A socket is either claimed from the
// ones passed in by a parent (LISTEN_FDS, starting at fd 3) or freshly bound.
type SocketManager struct {
	mu sync.Mutex

	// Active sockets keyed by requested host:port
	sockets map[string]*ListenSocket

	// Inherited but not yet claimed listeners keyed by canonical address
	inherited map[string]*inheritedSocket

	discovered  bool
	firstFD     int
	bindTimeout time.Duration
}

type inheritedSocket struct {
	listener net.Listener
	file     *os.File
}

func NewSocketManager() *SocketManager {
	return &SocketManager{
		sockets:     make(map[string]*ListenSocket),
		inherited:   make(map[string]*inheritedSocket),
		firstFD:     3,
		bindTimeout: DefaultBindTimeout,
	}
}

func isSocket(fd uintptr) bool {
	var stat unix.Stat_t
	if err := unix.Fstat(int(fd), &stat); err != nil {
		return false
	}
	return stat.Mode&unix.S_IFMT == unix.S_IFSOCK
}

func (sm *SocketManager) discoverInherited() {
	if sm.discovered {
		return
	}
	sm.discovered = true

	fds := os.Getenv(consts.EnvListenFDs)
	if fds == "" {
		return
	}
	// Clear it so children of this process don't see it
	os.Unsetenv(consts.EnvListenFDs)

	if pid := os.Getenv("LISTEN_PID"); pid != "" && pid != strconv.Itoa(os.Getpid()) {
		return
	}
	os.Unsetenv("LISTEN_PID")

	count, err := strconv.Atoi(fds)
	if err != nil || count <= 0 {
		return
	}

	logger.Log.Info("Socket: discovering inherited listeners", "count", count)

	for i := 0; i < count; i++ {
		fd := sm.firstFD + i
		if !isSocket(uintptr(fd)) {
			logger.Log.Warn("Socket: inherited FD is not a socket, skipping", "fd", fd)
			continue
		}

		f := os.NewFile(uintptr(fd), "listener")
		if f == nil {
			continue
		}

		l, err := net.FileListener(f)
		if err != nil {
			logger.Log.Error("Socket: failed to create listener from FD", "fd", fd, "err", err)
			continue
		}

		addr := l.Addr().String()
		sm.inherited[addr] = &inheritedSocket{listener: l, file: f}
		logger.Log.Info("Socket: discovered inherited listener", "addr", addr, "fd", fd)
	}
}

func isWildcard(host string) bool {
	return host == "" || host == "0.0.0.0" || host == "::" || host == "[::]"
}

// claimInherited finds an inherited listener for host:port. A wildcard host
// matches any inherited listener on the same port.
func (sm *SocketManager) claimInherited(host string, port int) (*inheritedSocket, string) {
	want := net.JoinHostPort(host, strconv.Itoa(port))
	if is, ok := sm.inherited[want]; ok {
		return is, want
	}
	for addr, is := range sm.inherited {
		h, p, err := net.SplitHostPort(addr)
		if err != nil || p != strconv.Itoa(port) {
			continue
		}
		if isWildcard(host) || h == host {
			return is, addr
		}
	}
	return nil, ""
}

// Bind returns the socket for host:port, claiming an inherited listener when
// one matches and binding a new one otherwise. Repeated calls with the same
// address return the same socket. Failure is a BindError.
func (sm *SocketManager) Bind(ctx context.Context, host string, port int) (*ListenSocket, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	key := net.JoinHostPort(host, strconv.Itoa(port))
	if s, ok := sm.sockets[key]; ok {
		return s, nil
	}

	sm.discoverInherited()

	if is, addr := sm.claimInherited(host, port); is != nil {
		logger.Log.Info("Socket: claiming inherited listener", "addr", addr)
		delete(sm.inherited, addr)
		// The listener holds its own dup of the descriptor.
		is.file.Close()
		s := sm.track(key, host, is.listener, true)
		return s, nil
	}

	bindCtx, cancel := context.WithTimeout(ctx, sm.bindTimeout)
	defer cancel()

	var lc net.ListenConfig
	l, err := lc.Listen(bindCtx, "tcp", key)
	if err != nil {
		return nil, gerrors.New(gerrors.ErrCodeBindFailed, "Bind", fmt.Sprintf("cannot listen on %s", key), err)
	}
	logger.Log.Info("Socket: bound new listener", "addr", l.Addr().String())
	return sm.track(key, host, l, false), nil
}

// BindWithFallback binds port and, when that fails and retry is set, makes a
// single attempt on alternate (port+1 when alternate is zero).
func (sm *SocketManager) BindWithFallback(ctx context.Context, host string, port, alternate int, retry bool) (*ListenSocket, error) {
	s, err := sm.Bind(ctx, host, port)
	if err == nil || !retry || port == 0 {
		return s, err
	}

	if alternate == 0 {
		alternate = port + 1
	}
	logger.Log.Warn("Socket: port unavailable, retrying on alternate", "port", port, "alternate", alternate, "err", err)

	s, altErr := sm.Bind(ctx, host, alternate)
	if altErr != nil {
		return nil, gerrors.New(gerrors.ErrCodeBindFailed, "Bind",
			fmt.Sprintf("ports %d and %d unavailable", port, alternate), altErr)
	}
	return s, nil
}

func (sm *SocketManager) track(key, host string, l net.Listener, inherited bool) *ListenSocket {
	port := 0
	if tcp, ok := l.Addr().(*net.TCPAddr); ok {
		port = tcp.Port
	}
	s := &ListenSocket{
		Listener:  l,
		Address:   host,
		Port:      port,
		BoundAt:   time.Now(),
		Inherited: inherited,
	}
	sm.sockets[key] = s
	return s
}

// Close releases every socket, claimed or not.
func (sm *SocketManager) Close() {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	for _, s := range sm.sockets {
		s.Listener.Close()
	}
	sm.sockets = make(map[string]*ListenSocket)

	for _, is := range sm.inherited {
		is.listener.Close()
		is.file.Close()
	}
	sm.inherited = make(map[string]*inheritedSocket)
}

// Personal.AI order the ending
