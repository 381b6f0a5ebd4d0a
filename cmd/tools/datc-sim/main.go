package main

import (
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/fisaks/datc/internal/logging"
	"github.com/fisaks/datc/internal/sim"
	"github.com/goburrow/serial"
)

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// SIM_MODE selects the simulator:
//
//	tcp  one gripper as a Modbus TCP slave on SIM_LISTEN_ADDR
//	rtu  one gripper on the serial port SIM_PORT
//	bus  every address in SIM_ADDRESSES sharing SIM_PORT
func main() {
	logging.Init()

	mode := getenv("SIM_MODE", "tcp")
	listen := getenv("SIM_LISTEN_ADDR", ":1502")
	restAddr := getenv("SIM_REST_ADDR", ":8080")

	addresses, err := parseAddresses(getenv("SIM_ADDRESSES", "1"))
	if err != nil {
		logging.Fatal("SIM_ADDRESSES", "error", err)
	}
	serialCfg, err := serialConfig()
	if err != nil {
		logging.Fatal("serial config", "error", err)
	}

	grippers := map[uint8]*sim.Gripper{}
	var closer func()

	switch mode {
	case "tcp", "rtu":
		g := sim.NewGripper(uint16(addresses[0]))
		grippers[addresses[0]] = g
		var srv *sim.Server
		if mode == "tcp" {
			srv, err = sim.ListenTCP(g, listen)
		} else {
			srv, err = sim.ListenRTU(g, serialCfg)
		}
		if err != nil {
			logging.Fatal("simulator listen", "mode", mode, "error", err)
		}
		closer = srv.Close
	case "bus":
		bus, err := sim.NewBus(addresses...)
		if err != nil {
			logging.Fatal("simulator bus", "error", err)
		}
		for _, id := range addresses {
			g, _ := bus.Gripper(id)
			grippers[id] = g
		}
		if err := bus.Listen(serialCfg); err != nil {
			logging.Fatal("simulator bus listen", "port", serialCfg.Address, "error", err)
		}
		closer = bus.Close
	default:
		logging.Fatal("unknown SIM_MODE", "mode", mode)
	}

	go func() {
		if err := StartRestAPI(restAddr, grippers); err != nil {
			logging.Error("simulator REST API stopped", "error", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	s := <-sigCh
	logging.Info("Shutting down", "signal", s)
	closer()
}

func parseAddresses(s string) ([]uint8, error) {
	var out []uint8
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		v, err := strconv.ParseUint(part, 10, 8)
		if err != nil || v == 0 || v > 247 {
			return nil, fmt.Errorf("invalid slave address %q", part)
		}
		out = append(out, uint8(v))
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no slave address given")
	}
	return out, nil
}

func serialConfig() (*serial.Config, error) {
	baud, err := strconv.Atoi(getenv("SIM_BAUD", "115200"))
	if err != nil {
		return nil, fmt.Errorf("SIM_BAUD: %w", err)
	}
	return &serial.Config{
		Address:  getenv("SIM_PORT", "/dev/ttyUSB1"),
		BaudRate: baud,
		DataBits: 8,
		StopBits: 1,
		Parity:   getenv("SIM_PARITY", "N"),
		Timeout:  2 * time.Second,
	}, nil
}
