// Package ctl implements the plaintext TCP control protocol that mutates
// replace-rule state while the pipeline runs.
//
// Protocol: one newline-terminated command per line - enable <id>,
// disable <id>, toggle <id>, unique <id>, next, previous. Every command is
// answered with a single line, OK or ERROR <reason>; unknown or malformed
// commands are reported, never silently dropped. Commands apply atomically
// against the same rule state the pipeline reads.
package ctl

import (
	"bufio"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultLineTimeout disconnects clients that stall mid-line or idle
// longer than this; a stuck client must never pin a connection handler.
const DefaultLineTimeout = 2 * time.Minute

// RuleControl is the slice of replace-policy state the server may mutate.
// Implementations serialize internally; the server never sees rule data,
// only command outcomes.
type RuleControl interface {
	Enable(id string) error
	Disable(id string) error
	Toggle(id string) error
	Unique(id string) error
	Next() (string, error)
	Previous() (string, error)
}

// Server accepts concurrent control connections and dispatches their
// commands into a RuleControl.
type Server struct {
	ctrl        RuleControl
	log         *slog.Logger
	lineTimeout time.Duration

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	closed   bool

	wg sync.WaitGroup
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the server logger.
func WithLogger(log *slog.Logger) Option {
	return func(s *Server) { s.log = log }
}

// WithLineTimeout overrides the per-line read deadline.
func WithLineTimeout(d time.Duration) Option {
	return func(s *Server) { s.lineTimeout = d }
}

// New creates a server over the given rule control.
func New(ctrl RuleControl, opts ...Option) *Server {
	s := &Server{
		ctrl:        ctrl,
		log:         slog.Default(),
		lineTimeout: DefaultLineTimeout,
		conns:       make(map[net.Conn]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Listen binds addr and starts accepting clients in the background.
func (s *Server) Listen(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("control server listen: %w", err)
	}
	s.mu.Lock()
	s.listener = lis
	s.mu.Unlock()
	s.log.Info("control server listening", "addr", lis.Addr().String())

	s.wg.Add(1)
	go s.accept(lis)
	return nil
}

// Addr returns the bound address, nil before Listen.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Close stops accepting, disconnects every client and waits for the
// handlers to finish.
func (s *Server) Close() error {
	s.mu.Lock()
	s.closed = true
	lis := s.listener
	for c := range s.conns {
		c.Close()
	}
	s.mu.Unlock()

	var err error
	if lis != nil {
		err = lis.Close()
	}
	s.wg.Wait()
	return err
}

func (s *Server) accept(lis net.Listener) {
	defer s.wg.Done()
	for {
		conn, err := lis.Accept()
		if err != nil {
			if !s.isClosed() && !errors.Is(err, net.ErrClosed) {
				s.log.Error("control server accept failed", "error", err)
			}
			return
		}
		if !s.track(conn) {
			conn.Close()
			return
		}
		s.wg.Add(1)
		go s.handle(conn)
	}
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Server) track(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[conn] = struct{}{}
	return true
}

func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
}

// handle serves one client until EOF, a stalled line, or shutdown.
func (s *Server) handle(conn net.Conn) {
	defer s.wg.Done()
	defer s.untrack(conn)
	defer conn.Close()

	client := uuid.NewString()
	log := s.log.With("client", client, "remote", conn.RemoteAddr().String())
	log.Debug("control client connected")

	r := bufio.NewReader(conn)
	for {
		if err := conn.SetReadDeadline(time.Now().Add(s.lineTimeout)); err != nil {
			return
		}
		line, err := r.ReadString('\n')
		if err != nil {
			if os.IsTimeout(err) {
				log.Warn("control client stalled, disconnecting")
			} else {
				log.Debug("control client disconnected")
			}
			return
		}
		reply := s.Execute(strings.TrimRight(line, "\r\n"))
		log.Debug("control command", "line", strings.TrimSpace(line), "reply", reply)
		if _, err := fmt.Fprintln(conn, reply); err != nil {
			return
		}
	}
}

// Execute applies one command line and returns the protocol reply.
func (s *Server) Execute(line string) string {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return "ERROR empty command"
	}
	cmd := fields[0]

	switch cmd {
	case "enable", "disable", "toggle", "unique":
		if len(fields) != 2 {
			return fmt.Sprintf("ERROR %s requires exactly one id", cmd)
		}
		id := fields[1]
		var err error
		switch cmd {
		case "enable":
			err = s.ctrl.Enable(id)
		case "disable":
			err = s.ctrl.Disable(id)
		case "toggle":
			err = s.ctrl.Toggle(id)
		case "unique":
			err = s.ctrl.Unique(id)
		}
		if err != nil {
			return "ERROR " + err.Error()
		}
		return "OK"
	case "next", "previous":
		if len(fields) != 1 {
			return fmt.Sprintf("ERROR %s takes no arguments", cmd)
		}
		var err error
		if cmd == "next" {
			_, err = s.ctrl.Next()
		} else {
			_, err = s.ctrl.Previous()
		}
		if err != nil {
			return "ERROR " + err.Error()
		}
		return "OK"
	default:
		return fmt.Sprintf("ERROR unknown command %q", cmd)
	}
}
