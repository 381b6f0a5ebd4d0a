// Package server accepts command clients over TCP. Each connection gets a
// reader feeding the dispatcher and a writer draining its status queue.
package server

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/fisaks/datc/internal/datc"
	"github.com/fisaks/datc/internal/logging"
	"github.com/fisaks/datc/internal/messaging"
	"github.com/fisaks/datc/internal/protocol"
)

var ErrAlreadyStarted = errors.New("server already started")

type Config struct {
	Listen       string
	MaxClients   int // 0 means unlimited
	WriteTimeout time.Duration
}

// Broker is the part of messaging.MessageBroker the server needs.
type Broker interface {
	datc.Submitter
	Register(remote string) *messaging.ClientHandle
	Unregister(h *messaging.ClientHandle)
}

type Server struct {
	cfg     Config
	broker  Broker
	changer datc.SlaveChanger

	mu       sync.Mutex
	listener net.Listener
	conns    map[*clientConn]struct{}
	closed   bool
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

type clientConn struct {
	conn   net.Conn
	handle *messaging.ClientHandle
	cancel context.CancelFunc
	once   sync.Once
}

func New(cfg Config, broker Broker, changer datc.SlaveChanger) *Server {
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 2 * time.Second
	}
	return &Server{
		cfg:     cfg,
		broker:  broker,
		changer: changer,
		conns:   make(map[*clientConn]struct{}),
	}
}

// Start listens on the configured address and serves until ctx is done
// or Close is called.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil || s.closed {
		return ErrAlreadyStarted
	}
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Listen, err)
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.listener = ln

	s.wg.Add(1)
	go s.acceptLoop(ctx, ln)
	go func() {
		<-ctx.Done()
		s.shutdown()
	}()
	logging.Info("command server listening", "addr", ln.Addr().String(), "maxClients", s.cfg.MaxClients)
	return nil
}

func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *Server) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Close stops accepting, drops every connection and waits for all
// connection goroutines to finish. It is safe to call more than once.
func (s *Server) Close() {
	s.shutdown()
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
}

func (s *Server) shutdown() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	if s.listener != nil {
		_ = s.listener.Close()
	}
	conns := make([]*clientConn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		s.teardown(c)
	}
}

func (s *Server) acceptLoop(ctx context.Context, ln net.Listener) {
	defer s.wg.Done()
	for {
		nc, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				return
			}
			logging.Warn("accept failed", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(50 * time.Millisecond):
			}
			continue
		}
		s.serve(ctx, nc)
	}
}

func (s *Server) serve(parent context.Context, nc net.Conn) {
	remote := nc.RemoteAddr().String()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = nc.Close()
		return
	}
	if s.cfg.MaxClients > 0 && len(s.conns) >= s.cfg.MaxClients {
		s.mu.Unlock()
		logging.Warn("client limit reached, rejecting connection", "remote", remote, "maxClients", s.cfg.MaxClients)
		_ = nc.Close()
		return
	}
	ctx, cancel := context.WithCancel(parent)
	c := &clientConn{
		conn:   nc,
		handle: s.broker.Register(remote),
		cancel: cancel,
	}
	s.conns[c] = struct{}{}
	s.wg.Add(2)
	s.mu.Unlock()

	logging.Info("client connected", "remote", remote, "client", c.handle.ID())
	go s.reader(ctx, c)
	go s.writer(ctx, c)
}

func (s *Server) teardown(c *clientConn) {
	c.once.Do(func() {
		s.broker.Unregister(c.handle)
		_ = c.conn.Close()
		c.cancel()

		s.mu.Lock()
		delete(s.conns, c)
		s.mu.Unlock()
		logging.Info("client disconnected", "remote", c.handle.Remote(), "client", c.handle.ID())
	})
}

func (s *Server) reader(ctx context.Context, c *clientConn) {
	defer s.wg.Done()
	defer s.teardown(c)

	sc := bufio.NewScanner(c.conn)
	sc.Buffer(make([]byte, 0, 4096), protocol.MaxRecordSize)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		cmd, err := protocol.Decode(line)
		if err != nil {
			logging.Warn("dropping record", "client", c.handle.ID(), "error", err)
			continue
		}
		if cmd.OutOfBand() {
			if err := s.changer.ChangeSlave(uint16(cmd.Args[0])); err != nil {
				logging.Warn("change_slave failed", "client", c.handle.ID(), "address", cmd.Args[0], "error", err)
			}
			continue
		}
		cmd.Client = c.handle.ID()
		if err := s.broker.Submit(ctx, cmd); err != nil {
			logging.Debug("command not queued", "client", c.handle.ID(), "command", cmd.String(), "error", err)
			return
		}
	}
	if err := sc.Err(); err != nil && !errors.Is(err, net.ErrClosed) {
		logging.Warn("client read failed", "client", c.handle.ID(), "error", err)
	}
}

func (s *Server) writer(ctx context.Context, c *clientConn) {
	defer s.wg.Done()
	defer s.teardown(c)

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.handle.Done():
			return
		case st := <-c.handle.Outbound():
			_ = c.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if _, err := c.conn.Write(protocol.Encode(st)); err != nil {
				logging.Debug("client write failed", "client", c.handle.ID(), "error", err)
				return
			}
		}
	}
}
