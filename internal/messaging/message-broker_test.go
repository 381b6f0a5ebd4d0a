package messaging

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/fisaks/datc/internal/datc"
)

func status(pos int16) datc.DeviceStatus { return datc.DeviceStatus{MotorPos: pos} }

func TestPublishReachesEveryRegisteredClient(t *testing.T) {
	b := NewMessageBroker(BrokerConfig{})
	if n := b.Publish(status(1)); n != 0 {
		t.Fatalf("no clients, delivered=%d", n)
	}
	c1 := b.Register("a")
	c2 := b.Register("b")
	if c1.ID() == c2.ID() {
		t.Fatal("ids must be unique")
	}
	if b.ClientCount() != 2 {
		t.Fatalf("ClientCount=%d", b.ClientCount())
	}
	if n := b.Publish(status(7)); n != 2 {
		t.Fatalf("delivered=%d", n)
	}
	for _, h := range []*ClientHandle{c1, c2} {
		select {
		case s := <-h.Outbound():
			if s.MotorPos != 7 {
				t.Fatalf("got %+v", s)
			}
		default:
			t.Fatalf("%s received nothing", h.Remote())
		}
	}
}

func TestSlowClientDropsOldest(t *testing.T) {
	b := NewMessageBroker(BrokerConfig{ClientBufferSize: 2})
	slow := b.Register("slow")
	fast := b.Register("fast")

	for i := int16(1); i <= 5; i++ {
		if n := b.Publish(status(i)); n != 2 {
			t.Fatalf("publish %d delivered=%d", i, n)
		}
		<-fast.Outbound()
	}
	got := []int16{(<-slow.Outbound()).MotorPos, (<-slow.Outbound()).MotorPos}
	if got[0] != 4 || got[1] != 5 {
		t.Fatalf("slow client kept %v, want [4 5]", got)
	}
	if slow.Dropped() != 3 || fast.Dropped() != 0 {
		t.Fatalf("dropped slow=%d fast=%d", slow.Dropped(), fast.Dropped())
	}
}

func TestUnregisterIsIdempotent(t *testing.T) {
	b := NewMessageBroker(BrokerConfig{})
	h := b.Register("x")
	b.Publish(status(1))
	b.Unregister(h)
	b.Unregister(h)
	b.Unregister(nil)

	select {
	case <-h.Done():
	default:
		t.Fatal("done not closed")
	}
	select {
	case s := <-h.Outbound():
		t.Fatalf("undelivered status kept: %+v", s)
	default:
	}
	if b.ClientCount() != 0 {
		t.Fatalf("ClientCount=%d", b.ClientCount())
	}
	if n := b.Publish(status(2)); n != 0 {
		t.Fatalf("published to unregistered client: %d", n)
	}
}

func TestLatePublishSkipsUnregisteredHandle(t *testing.T) {
	b := NewMessageBroker(BrokerConfig{})
	h := b.Register("x")
	b.Unregister(h)

	// a Publish whose snapshot still held h
	if h.offer(status(3)) {
		t.Fatal("offer accepted after Unregister")
	}
	select {
	case s := <-h.Outbound():
		t.Fatalf("status stranded on removed handle: %+v", s)
	default:
	}
}

func TestSubmitTakeFIFO(t *testing.T) {
	b := NewMessageBroker(BrokerConfig{CommandBufferSize: 4})
	ctx := context.Background()
	for i := int32(0); i < 4; i++ {
		if err := b.Submit(ctx, datc.Command{Op: datc.OpVelocityControl, Args: []int32{i}}); err != nil {
			t.Fatalf("Submit: %v", err)
		}
	}
	if b.Pending() != 4 {
		t.Fatalf("Pending=%d", b.Pending())
	}
	for i := int32(0); i < 4; i++ {
		cmd, ok := b.Take(ctx)
		if !ok || cmd.Args[0] != i {
			t.Fatalf("Take #%d got %v ok=%v", i, cmd, ok)
		}
	}
}

func TestPerClientOrderWithConcurrentProducers(t *testing.T) {
	b := NewMessageBroker(BrokerConfig{CommandBufferSize: 2})
	ctx := context.Background()
	const producers, perProducer = 4, 50

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				cmd := datc.Command{Op: datc.OpSetSpeed, Args: []int32{int32(i)}, Client: fmt.Sprint(p)}
				if err := b.Submit(ctx, cmd); err != nil {
					t.Errorf("Submit: %v", err)
					return
				}
			}
		}(p)
	}

	next := map[string]int32{}
	for n := 0; n < producers*perProducer; n++ {
		cmd, ok := b.Take(ctx)
		if !ok {
			t.Fatal("Take returned !ok")
		}
		if cmd.Args[0] != next[cmd.Client] {
			t.Fatalf("client %s: got %d want %d", cmd.Client, cmd.Args[0], next[cmd.Client])
		}
		next[cmd.Client]++
	}
	wg.Wait()
}

func TestSubmitBlocksUntilContextDone(t *testing.T) {
	b := NewMessageBroker(BrokerConfig{CommandBufferSize: 1})
	if err := b.Submit(context.Background(), datc.Command{Op: datc.OpStop}); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if err := b.Submit(ctx, datc.Command{Op: datc.OpStop}); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline, got %v", err)
	}
}

func TestCloseWakesTakeAndRejectsSubmit(t *testing.T) {
	b := NewMessageBroker(BrokerConfig{})
	got := make(chan bool, 1)
	go func() {
		_, ok := b.Take(context.Background())
		got <- ok
	}()
	time.Sleep(10 * time.Millisecond)
	b.Close()
	b.Close()

	select {
	case ok := <-got:
		if ok {
			t.Fatal("Take returned ok after Close")
		}
	case <-time.After(time.Second):
		t.Fatal("Take not woken by Close")
	}
	if err := b.Submit(context.Background(), datc.Command{Op: datc.OpEnable}); !errors.Is(err, ErrBrokerClosed) {
		t.Fatalf("expected ErrBrokerClosed, got %v", err)
	}
}

func TestCloseDiscardsPending(t *testing.T) {
	b := NewMessageBroker(BrokerConfig{})
	_ = b.Submit(context.Background(), datc.Command{Op: datc.OpEnable})
	b.Close()
	if b.Pending() != 0 {
		t.Fatalf("Pending=%d after Close", b.Pending())
	}
	if _, ok := b.Take(context.Background()); ok {
		t.Fatal("Take after Close")
	}
}

func TestTakeHonoursContext(t *testing.T) {
	b := NewMessageBroker(BrokerConfig{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, ok := b.Take(ctx); ok {
		t.Fatal("Take with cancelled ctx")
	}
}
