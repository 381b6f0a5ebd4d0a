package comm

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/fisaks/datc/internal/datc"
	"github.com/fisaks/datc/internal/datc/datctest"
	"github.com/fisaks/datc/internal/poller"
	"github.com/fisaks/datc/internal/protocol"
	"github.com/fisaks/datc/internal/server"
)

func testConfig() Config {
	return Config{
		Server:    server.Config{Listen: "127.0.0.1:0"},
		Loop:      poller.LoopConfig{Broadcast: true},
		StopGrace: 200 * time.Millisecond,
	}
}

func running(t *testing.T, backend *datctest.Backend) *CommInterface {
	t.Helper()
	c := New(backend, testConfig())
	if err := c.Init("sim", 1, 115200); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(c.Stop)
	return c
}

func dial(t *testing.T, c *CommInterface) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", c.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestLifecycle(t *testing.T) {
	backend := datctest.New()
	c := New(backend, testConfig())
	if c.State() != StateUninitialized {
		t.Fatalf("state=%s", c.State())
	}
	if err := c.Start(context.Background()); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("Start before Init: %v", err)
	}

	backend.FailInit = true
	if err := c.Init("/dev/ttyUSB0", 1, 115200); !errors.Is(err, datctest.ErrInitRefused) {
		t.Fatalf("Init: %v", err)
	}
	if c.State() != StateUninitialized {
		t.Fatalf("failed Init changed state to %s", c.State())
	}

	backend.FailInit = false
	if err := c.Init("/dev/ttyUSB0", 1, 115200); err != nil {
		t.Fatal(err)
	}
	if c.State() != StateReady {
		t.Fatalf("state=%s", c.State())
	}
	if err := c.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if c.State() != StateRunning || c.Addr() == nil {
		t.Fatalf("state=%s addr=%v", c.State(), c.Addr())
	}
	if err := c.Start(context.Background()); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("second Start: %v", err)
	}

	// re-init while running keeps the bridge up
	if err := c.Init("/dev/ttyUSB0", 2, 115200); err != nil || c.State() != StateRunning {
		t.Fatalf("re-init: err=%v state=%s", err, c.State())
	}

	c.Stop()
	c.Stop()
	if c.State() != StateStopped {
		t.Fatalf("state=%s", c.State())
	}
	if backend.Count("Disable") != 1 || backend.Count("Release") == 0 {
		t.Fatalf("calls %v", backend.Names())
	}
	if err := c.Init("/dev/ttyUSB0", 1, 115200); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("Init after Stop: %v", err)
	}
}

func TestStopWithoutStartReleases(t *testing.T) {
	backend := datctest.New()
	c := New(backend, testConfig())
	c.Stop()
	if c.State() != StateStopped || backend.Count("Release") != 1 {
		t.Fatalf("state=%s calls=%v", c.State(), backend.Names())
	}
}

func TestCommandReachesDevice(t *testing.T) {
	backend := datctest.New()
	c := running(t, backend)
	conn := dial(t, c)

	fmt.Fprintln(conn, `{"operation":"GRIP_OPEN"}`)
	waitFor(t, "GripOpen", func() bool { return backend.Count("GripOpen") == 1 })
	if c.Health().Executed != 1 {
		t.Fatalf("health %+v", c.Health())
	}
}

func TestClientOrderIsPreserved(t *testing.T) {
	backend := datctest.New()
	c := running(t, backend)
	conn := dial(t, c)

	var b strings.Builder
	for i := 0; i < 20; i++ {
		fmt.Fprintf(&b, "{\"operation\":\"SET_SPEED\",\"value_1\":%d}\n", i)
	}
	if _, err := conn.Write([]byte(b.String())); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "all commands", func() bool { return backend.Count("SetSpeed") == 20 })

	i := 0
	for _, call := range backend.Calls() {
		if call.Name != "SetSpeed" {
			continue
		}
		if call.Args[0] != int64(i) {
			t.Fatalf("call %d has value %d", i, call.Args[0])
		}
		i++
	}
}

func TestMalformedInputHasNoEffect(t *testing.T) {
	backend := datctest.New()
	c := running(t, backend)
	conn := dial(t, c)

	fmt.Fprintln(conn, `{"operation":"POSITION_CONTROL","value_1":500}`)
	fmt.Fprintln(conn, `{oops`)
	fmt.Fprintln(conn, `{"operation":"ENABLE"}`)
	waitFor(t, "Enable", func() bool { return backend.Count("Enable") == 1 })

	names := backend.Names()
	if len(names) != 2 || names[0] != "Init(1,115200)" || names[1] != "Enable" {
		t.Fatalf("calls %v", names)
	}
}

func TestStatusIsBroadcast(t *testing.T) {
	backend := datctest.New()
	backend.SetStatus(datc.DeviceStatus{State: datc.StateInitialized, FingerPos: 420})
	c := running(t, backend)
	conn := dial(t, c)

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	line, err := bufio.NewReader(conn).ReadBytes('\n')
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	s, err := protocol.DecodeStatus(line)
	if err != nil || s.FingerPos != 420 {
		t.Fatalf("status %+v err=%v", s, err)
	}
}

func TestChangeSlaveNotBlockedByQueuedCommands(t *testing.T) {
	backend := datctest.New()
	c := New(backend, testConfig())
	if err := c.Init("sim", 1, 9600); err != nil {
		t.Fatal(err)
	}
	// not started: commands stay queued
	for i := 0; i < 5; i++ {
		if err := c.Broker().Submit(context.Background(), datc.Command{Op: datc.OpGripClose}); err != nil {
			t.Fatal(err)
		}
	}

	done := make(chan error, 1)
	go func() { done <- c.ChangeSlave(7) }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(time.Second):
		t.Fatal("ChangeSlave blocked behind queued commands")
	}
	if backend.CurrentAddress() != 7 || c.Broker().Pending() != 5 {
		t.Fatalf("address=%d pending=%d", backend.CurrentAddress(), c.Broker().Pending())
	}
	if err := c.ChangeSlave(0); !errors.Is(err, ErrInvalidAddress) {
		t.Fatalf("ChangeSlave(0): %v", err)
	}
	c.Stop()
}

func TestCommandFailureIsRecorded(t *testing.T) {
	backend := datctest.New()
	backend.FailOps = errors.New("exception 4")
	c := running(t, backend)

	if err := c.Broker().Submit(context.Background(), datc.Command{Op: datc.OpVacuumOn}); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "failure", func() bool { return c.LastCommandError() != nil })
	if !strings.Contains(c.LastCommandError().Error(), "VACUUM_ON") {
		t.Fatalf("LastCommandError=%v", c.LastCommandError())
	}
	if backend.Count("VacuumOn") != 1 {
		t.Fatal("failed command was retried")
	}
	if h := c.Health(); h.Failed != 1 || h.LastCommandError == "" {
		t.Fatalf("health %+v", h)
	}
}

func TestStopIsBoundedByGrace(t *testing.T) {
	release := make(chan struct{})
	backend := datctest.New()
	backend.Block = func(name string) {
		if name == "GripClose" {
			<-release
		}
	}
	defer close(release)
	c := running(t, backend)

	if err := c.Broker().Submit(context.Background(), datc.Command{Op: datc.OpGripClose}); err != nil {
		t.Fatal(err)
	}
	time.Sleep(50 * time.Millisecond)

	start := time.Now()
	c.Stop()
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("Stop took %v", elapsed)
	}
	if c.State() != StateStopped {
		t.Fatalf("state=%s", c.State())
	}
}

func TestSetStatusBroadcast(t *testing.T) {
	c := New(datctest.New(), testConfig())
	c.SetStatusBroadcast(false)
	if c.Health().Broadcasting {
		t.Fatal("broadcast still on")
	}
}

func TestCommandStreamKeepsLoopCadence(t *testing.T) {
	backend := datctest.New()
	c := running(t, backend)

	before := backend.Count("ReadStatus")
	deadline := time.Now().Add(500 * time.Millisecond)
	sent := 0
	for time.Now().Before(deadline) {
		if err := c.Broker().Submit(context.Background(), datc.Command{Op: datc.OpStop}); err != nil {
			t.Fatalf("Submit: %v", err)
		}
		sent++
		time.Sleep(time.Millisecond)
	}
	reads := backend.Count("ReadStatus") - before

	// 50 Hz over 500ms is 25 reads, however many commands ran
	if reads < 15 || reads > 30 {
		t.Fatalf("%d status reads in 500ms while %d commands were sent", reads, sent)
	}
	waitFor(t, "commands executed", func() bool { return backend.Count("Stop") == sent })
}
