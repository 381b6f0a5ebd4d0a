package main

import (
	"bufio"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/fisaks/datc/internal/datc"
	"github.com/fisaks/datc/internal/protocol"
)

func usage() {
	fmt.Fprintf(os.Stderr, `Usage:
  datcctl push  --op OPERATION [--v1 N] [--v2 N] [--address N] [--values N,N,N]
  datcctl push  --slave ID
  datcctl watch [--count N]

Transport flags (both commands):
  --addr     (string)   Bridge command server (default: localhost:5020)
  --broker   (string)   Use MQTT instead, e.g. tcp://localhost:1883
  --prefix   (string)   MQTT topic prefix (default: datc/gripper)

Flags for 'push':
  --op       (string)   Operation name (e.g. GRIP_OPEN) or number
  --v1, --v2 (int)      value_1 / value_2
  --address  (int)      CUSTOM order code
  --values   (string)   CUSTOM values, comma separated (max 3)
  --slave    (int)      Send change_slave instead of an operation

Flags for 'watch':
  --count    (int)      Stop after N status records (default: 0, forever)

`)
}

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintf(os.Stderr, "Missing command (push or watch)\n")
		usage()
		os.Exit(2)
	}

	switch os.Args[1] {
	case "push":
		os.Exit(push(os.Args[2:]))
	case "watch":
		os.Exit(watch(os.Args[2:]))
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		usage()
		os.Exit(2)
	}
}

type transport struct {
	addr   *string
	broker *string
	prefix *string
}

func transportFlags(fs *flag.FlagSet) transport {
	return transport{
		addr:   fs.String("addr", "localhost:5020", "Bridge command server"),
		broker: fs.String("broker", "", "MQTT broker address"),
		prefix: fs.String("prefix", "datc/gripper", "MQTT topic prefix"),
	}
}

func push(args []string) int {
	fs := flag.NewFlagSet("push", flag.ExitOnError)
	tr := transportFlags(fs)
	op := fs.String("op", "", "Operation name or number")
	v1 := fs.Int("v1", 0, "value_1")
	v2 := fs.Int("v2", 0, "value_2")
	address := fs.Int("address", -1, "CUSTOM order code")
	values := fs.String("values", "", "CUSTOM values")
	slave := fs.Int("slave", -1, "change_slave target")
	fs.Usage = usage
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cmd, err := buildCommand(*op, *v1, *v2, *address, *values, *slave)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		usage()
		return 2
	}
	record := protocol.EncodeCommand(cmd)
	// reject locally what the bridge would reject
	if _, err := protocol.Decode(record); err != nil {
		fmt.Fprintf(os.Stderr, "invalid command: %v\n", err)
		return 2
	}

	if *tr.broker != "" {
		client, err := connectMqtt(*tr.broker, "datcctl")
		if err != nil {
			fmt.Fprintf(os.Stderr, "MQTT connect error: %v\n", err)
			return 1
		}
		defer client.Disconnect(250)
		token := client.Publish(*tr.prefix+"/cmd", 1, false, record[:len(record)-1])
		token.Wait()
		if token.Error() != nil {
			fmt.Fprintf(os.Stderr, "MQTT publish error: %v\n", token.Error())
			return 1
		}
	} else {
		conn, err := net.DialTimeout("tcp", *tr.addr, 5*time.Second)
		if err != nil {
			fmt.Fprintf(os.Stderr, "connect %s: %v\n", *tr.addr, err)
			return 1
		}
		defer conn.Close()
		if _, err := conn.Write(record); err != nil {
			fmt.Fprintf(os.Stderr, "send: %v\n", err)
			return 1
		}
	}
	fmt.Printf("Sent %s", record)
	return 0
}

func buildCommand(op string, v1, v2, address int, values string, slave int) (datc.Command, error) {
	if slave >= 0 {
		return datc.Command{Op: datc.OpChangeSlave, Args: []int32{int32(slave)}}, nil
	}
	if op == "" {
		return datc.Command{}, fmt.Errorf("--op or --slave is required")
	}
	o, ok := datc.ParseOperation(op)
	if !ok {
		n, err := strconv.Atoi(op)
		if err != nil || !datc.Operation(n).Valid() {
			return datc.Command{}, fmt.Errorf("unknown operation %q", op)
		}
		o = datc.Operation(n)
	}
	if o != datc.OpCustom {
		return datc.Command{Op: o, Args: []int32{int32(v1), int32(v2)}}, nil
	}

	if address < 0 {
		return datc.Command{}, fmt.Errorf("--address is required for CUSTOM")
	}
	args := []int32{int32(address)}
	for _, part := range strings.Split(values, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		v, err := strconv.Atoi(part)
		if err != nil {
			return datc.Command{}, fmt.Errorf("invalid value %q", part)
		}
		args = append(args, int32(v))
	}
	return datc.Command{Op: o, Args: args}, nil
}

func watch(args []string) int {
	fs := flag.NewFlagSet("watch", flag.ExitOnError)
	tr := transportFlags(fs)
	count := fs.Int("count", 0, "Stop after N records")
	fs.Usage = usage
	if err := fs.Parse(args); err != nil {
		return 2
	}

	lines := make(chan []byte, 16)
	stop := make(chan struct{})

	if *tr.broker != "" {
		client, err := connectMqtt(*tr.broker, "datcctl-watch")
		if err != nil {
			fmt.Fprintf(os.Stderr, "MQTT connect error: %v\n", err)
			return 1
		}
		defer client.Disconnect(250)
		token := client.Subscribe(*tr.prefix+"/status", 0, func(_ mqtt.Client, msg mqtt.Message) {
			select {
			case lines <- msg.Payload():
			default:
			}
		})
		if token.Wait() && token.Error() != nil {
			fmt.Fprintf(os.Stderr, "MQTT subscribe error: %v\n", token.Error())
			return 1
		}
	} else {
		conn, err := net.DialTimeout("tcp", *tr.addr, 5*time.Second)
		if err != nil {
			fmt.Fprintf(os.Stderr, "connect %s: %v\n", *tr.addr, err)
			return 1
		}
		defer conn.Close()
		go func() {
			defer close(stop)
			sc := bufio.NewScanner(conn)
			sc.Buffer(make([]byte, 4096), protocol.MaxRecordSize)
			for sc.Scan() {
				lines <- append([]byte(nil), sc.Bytes()...)
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	for n := 0; *count <= 0 || n < *count; n++ {
		select {
		case line := <-lines:
			printStatus(line)
		case <-stop:
			fmt.Fprintln(os.Stderr, "connection closed")
			return 1
		case <-sigCh:
			return 0
		}
	}
	return 0
}

func printStatus(line []byte) {
	s, err := protocol.DecodeStatus(line)
	if err != nil {
		fmt.Printf("%s (error: %v)\n", line, err)
		return
	}
	fmt.Printf("%s state=[%s] motor pos=%d vel=%d cur=%d finger=%d.%d%% voltage=%d",
		time.Now().Format("15:04:05.000"), datc.StateString(s.State),
		s.MotorPos, s.MotorVel, s.MotorCur, s.FingerPos/10, s.FingerPos%10, s.Voltage)
	if s.Diagnostic != "" {
		fmt.Printf(" diagnostic=%q", s.Diagnostic)
	}
	fmt.Println()
}

func connectMqtt(broker, name string) (mqtt.Client, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker)
	opts.SetClientID(fmt.Sprintf("%s-%d", name, time.Now().UnixNano()))
	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, token.Error()
	}
	return client, nil
}
