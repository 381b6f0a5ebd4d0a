package modbus

import (
	"errors"
	"fmt"
	"strings"

	"github.com/fisaks/datc/internal/config"
	"github.com/fisaks/datc/internal/datc"
	"github.com/fisaks/datc/internal/logging"
	"github.com/goburrow/modbus"
)

type ModbusHandler interface {
	modbus.ClientHandler
	Connect() error
	Close() error
}

// GripperClient drives one gripper over Modbus RTU or TCP. It is not
// safe for concurrent use; datc.Device provides the locking.
type GripperClient struct {
	cfg       config.DeviceConfig
	handler   ModbusHandler
	client    modbus.Client
	address   uint16
	connected bool
	readErr   bool
}

func NewGripperClient(cfg config.DeviceConfig) *GripperClient {
	return &GripperClient{cfg: cfg, address: cfg.Address}
}

func (g *GripperClient) newHandler(endpoint string, baud int) ModbusHandler {
	if g.cfg.Transport == "tcp" {
		handler := modbus.NewTCPClientHandler(endpoint)
		handler.Timeout = g.cfg.Timeout()
		if g.cfg.Debug {
			handler.Logger = logging.WrapSlog("device", g.cfg.Name, "endpoint", endpoint)
		}
		return handler
	}
	handler := modbus.NewRTUClientHandler(endpoint)
	handler.BaudRate = baud
	handler.DataBits = g.cfg.DataBits
	handler.Parity = g.cfg.Parity
	handler.StopBits = g.cfg.StopBits
	handler.Timeout = g.cfg.Timeout()
	if g.cfg.Debug {
		handler.Logger = logging.WrapSlog("device", g.cfg.Name, "endpoint", endpoint)
	}
	return handler
}

func setSlave(h ModbusHandler, id byte) {
	switch h := h.(type) {
	case *modbus.RTUClientHandler:
		h.SlaveId = id
	case *modbus.TCPClientHandler:
		h.SlaveId = id
	default:
		logging.Error("Unknown Modbus handler type", "type", fmt.Sprintf("%T", h))
	}
}

// Init opens endpoint (serial port or host:port) and checks that the
// slave answers. The previous link is only replaced on success.
func (g *GripperClient) Init(endpoint string, address uint16, baud int) error {
	if baud <= 0 {
		baud = g.cfg.Baud
	}
	handler := g.newHandler(endpoint, baud)
	setSlave(handler, byte(address))
	if err := handler.Connect(); err != nil {
		return fmt.Errorf("connect %s: %w", endpoint, err)
	}
	client := modbus.NewClient(handler)
	if _, err := client.ReadInputRegisters(InState, StatusRegisterCount); err != nil {
		_ = handler.Close()
		return fmt.Errorf("probe slave %d on %s: %w", address, endpoint, err)
	}

	if g.handler != nil {
		_ = g.handler.Close()
	}
	g.handler, g.client = handler, client
	g.address = address
	g.connected = true
	g.readErr = false
	return nil
}

func (g *GripperClient) Release() {
	if g.handler != nil {
		_ = g.handler.Close()
	}
	g.connected = false
}

func (g *GripperClient) IsConnected() bool      { return g.connected }
func (g *GripperClient) LastReadError() bool    { return g.readErr }
func (g *GripperClient) CurrentAddress() uint16 { return g.address }

// ChangeAddress points the master at another slave on the same link.
func (g *GripperClient) ChangeAddress(addr uint16) error {
	g.address = addr
	if g.handler != nil {
		setSlave(g.handler, byte(addr))
	}
	return nil
}

// SetAddress stores a new slave id in the gripper itself.
func (g *GripperClient) SetAddress(addr uint16) error {
	return g.order(OrderSetAddress, int16(addr))
}

func (g *GripperClient) ReadStatus() (datc.DeviceStatus, error) {
	if !g.connected {
		return datc.DeviceStatus{}, datc.ErrNotConnected
	}
	raw, err := g.client.ReadInputRegisters(InState, StatusRegisterCount)
	if err != nil {
		g.readErr = true
		g.checkLink(err)
		return datc.DeviceStatus{}, fmt.Errorf("read status: %w", err)
	}
	g.readErr = false
	return DecodeStatus(raw)
}

func (g *GripperClient) order(order Order, params ...int16) error {
	if !g.connected {
		return datc.ErrNotConnected
	}
	block, err := EncodeOrder(order, params...)
	if err != nil {
		return err
	}
	if _, err := g.client.WriteMultipleRegisters(RegOrder, OrderRegisterCount, block); err != nil {
		g.checkLink(err)
		return fmt.Errorf("order %d: %w", order, err)
	}
	return nil
}

// checkLink drops the connected flag when the transport itself is gone.
// Timeouts and Modbus exceptions keep the link.
func (g *GripperClient) checkLink(err error) {
	if isLinkLost(err) {
		logging.Warn("modbus link lost", "device", g.cfg.Name, "error", err)
		g.connected = false
	}
}

func isLinkLost(err error) bool {
	if err == nil {
		return false
	}
	var mbErr *modbus.ModbusError
	if errors.As(err, &mbErr) {
		return false
	}
	s := strings.ToLower(err.Error())
	return strings.Contains(s, "broken pipe") ||
		strings.Contains(s, "connection reset") ||
		strings.Contains(s, "connection refused") ||
		strings.Contains(s, "use of closed") ||
		strings.Contains(s, "eof")
}

func (g *GripperClient) Enable() error  { return g.order(OrderEnable) }
func (g *GripperClient) Disable() error { return g.order(OrderDisable) }
func (g *GripperClient) Stop() error    { return g.order(OrderStop) }

func (g *GripperClient) PositionControl(pos int16, vel uint16) error {
	return g.order(OrderPosition, pos, int16(vel))
}
func (g *GripperClient) VelocityControl(vel int16) error { return g.order(OrderVelocity, vel) }
func (g *GripperClient) CurrentControl(cur int16) error  { return g.order(OrderCurrent, cur) }

func (g *GripperClient) GripInitialize() error { return g.order(OrderGripInitialize) }
func (g *GripperClient) GripOpen() error       { return g.order(OrderGripOpen) }
func (g *GripperClient) GripClose() error      { return g.order(OrderGripClose) }
func (g *GripperClient) SetFingerPosition(pos uint16) error {
	return g.order(OrderFingerPosition, int16(pos))
}
func (g *GripperClient) VacuumOn() error          { return g.order(OrderVacuumOn) }
func (g *GripperClient) VacuumOff() error         { return g.order(OrderVacuumOff) }
func (g *GripperClient) SetTorque(v uint16) error { return g.order(OrderTorque, int16(v)) }
func (g *GripperClient) SetSpeed(v uint16) error  { return g.order(OrderSpeed, int16(v)) }

func (g *GripperClient) ImpedanceOn() error  { return g.order(OrderImpedanceOn) }
func (g *GripperClient) ImpedanceOff() error { return g.order(OrderImpedanceOff) }
func (g *GripperClient) SetImpedanceParams(slave, stiffness int16) error {
	return g.order(OrderImpedanceParams, slave, stiffness)
}

// CustomCommand sends a raw order code with up to three params.
func (g *GripperClient) CustomCommand(code uint16, values ...int16) error {
	return g.order(Order(code), values...)
}

var _ datc.DeviceBackend = (*GripperClient)(nil)
