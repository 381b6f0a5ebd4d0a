package sim

import (
	"sync"
	"time"

	"github.com/fisaks/datc/internal/logging"
	"github.com/fisaks/datc/internal/modbus"
	"github.com/goburrow/serial"
	"github.com/tbrandon/mbserver"
)

const (
	fcReadInputRegisters     = 4
	fcWriteMultipleRegisters = 16

	stepInterval = 10 * time.Millisecond
)

// Server exposes one Gripper as a Modbus slave. It ignores the unit id,
// so it answers whatever address the master uses.
type Server struct {
	gripper *Gripper
	srv     *mbserver.Server
	stop    chan struct{}
	wg      sync.WaitGroup
	once    sync.Once
}

func newServer(g *Gripper) *Server {
	s := &Server{
		gripper: g,
		srv:     mbserver.NewServer(),
		stop:    make(chan struct{}),
	}
	s.srv.RegisterFunctionHandler(fcReadInputRegisters, s.readInputRegisters)
	s.srv.RegisterFunctionHandler(fcWriteMultipleRegisters, s.writeHoldingRegisters)
	return s
}

// ListenTCP serves g as a Modbus TCP slave on addr.
func ListenTCP(g *Gripper, addr string) (*Server, error) {
	s := newServer(g)
	if err := s.srv.ListenTCP(addr); err != nil {
		return nil, err
	}
	s.run()
	logging.Info("gripper simulator listening", "transport", "tcp", "addr", addr)
	return s, nil
}

// ListenRTU serves g on a serial port.
func ListenRTU(g *Gripper, cfg *serial.Config) (*Server, error) {
	s := newServer(g)
	if err := s.srv.ListenRTU(cfg); err != nil {
		return nil, err
	}
	s.run()
	logging.Info("gripper simulator listening", "transport", "rtu", "port", cfg.Address, "baud", cfg.BaudRate)
	return s, nil
}

func (s *Server) Gripper() *Gripper { return s.gripper }

func (s *Server) run() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		stepLoop(s.stop, s.gripper.Step)
	}()
}

func stepLoop(stop <-chan struct{}, step func(time.Duration)) {
	t := time.NewTicker(stepInterval)
	defer t.Stop()
	last := time.Now()
	for {
		select {
		case <-stop:
			return
		case now := <-t.C:
			step(now.Sub(last))
			last = now
		}
	}
}

func (s *Server) Close() {
	s.once.Do(func() {
		close(s.stop)
		s.srv.Close()
		s.wg.Wait()
	})
}

func (s *Server) readInputRegisters(srv *mbserver.Server, frame mbserver.Framer) ([]byte, *mbserver.Exception) {
	copy(srv.InputRegisters, s.gripper.Registers())
	return mbserver.ReadInputRegisters(srv, frame)
}

// writeHoldingRegisters stores the block, then executes the order found
// at RegOrder and clears it.
func (s *Server) writeHoldingRegisters(srv *mbserver.Server, frame mbserver.Framer) ([]byte, *mbserver.Exception) {
	data, exception := mbserver.WriteHoldingRegisters(srv, frame)
	if exception != &mbserver.Success {
		return data, exception
	}
	regs := srv.HoldingRegisters
	order := modbus.Order(regs[modbus.RegOrder])
	if order == 0 {
		return data, exception
	}
	params := [3]int16{int16(regs[modbus.RegParam1]), int16(regs[modbus.RegParam2]), int16(regs[modbus.RegParam3])}
	regs[modbus.RegOrder] = 0

	if err := s.gripper.Apply(order, params); err != nil {
		logging.Warn("simulator rejected order", "order", order, "error", err)
		return []byte{}, &mbserver.SlaveDeviceFailure
	}
	logging.Debug("simulator order", "order", order, "params", params)
	return data, exception
}
