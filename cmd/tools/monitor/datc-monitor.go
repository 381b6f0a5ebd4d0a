package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/fisaks/datc/internal/catalog"
	"github.com/fisaks/datc/internal/datc"
	"github.com/fisaks/datc/internal/protocol"
)

func readInfoMessage(payload []byte) (string, error) {
	var info catalog.DeviceInfoMessage
	if err := json.Unmarshal(payload, &info); err != nil {
		return "", err
	}
	out, err := json.Marshal(info)
	return string(out), err
}

// annotateStatus adds readable state names next to the raw bitmask.
func annotateStatus(payload []byte) (string, error) {
	s, err := protocol.DecodeStatus(payload)
	if err != nil {
		return string(payload), err
	}
	obj := map[string]any{
		"state":      s.State,
		"stateNames": datc.StateString(s.State),
		"motor_pos":  s.MotorPos,
		"motor_vel":  s.MotorVel,
		"motor_cur":  s.MotorCur,
		"finger_pos": s.FingerPos,
		"voltage":    s.Voltage,
	}
	if s.Diagnostic != "" {
		obj["diagnostic"] = s.Diagnostic
	}
	out, err := json.Marshal(obj)
	return string(out), err
}

// commandSummary decodes a command the way the bridge would.
func commandSummary(payload []byte) (string, error) {
	cmd, err := protocol.Decode(payload)
	if err != nil {
		return string(payload), err
	}
	if cmd.Op == datc.OpCustom && len(cmd.Args) > 0 {
		return fmt.Sprintf("%s order=%d %v", cmd.Op, cmd.Args[0], cmd.Args[1:]), nil
	}
	return cmd.String(), nil
}

func main() {
	var broker, topic string
	flag.StringVar(&broker, "broker", "tcp://localhost:1883", "MQTT broker address")
	flag.StringVar(&topic, "topic", "datc/#", "MQTT topic filter")
	flag.Parse()

	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker)
	opts.SetClientID(fmt.Sprintf("datc-monitor-%d", time.Now().UnixNano()))
	opts.SetDefaultPublishHandler(func(client mqtt.Client, msg mqtt.Message) {
		payload := msg.Payload()
		topic := msg.Topic()

		var line string
		var err error
		switch {
		case strings.HasSuffix(topic, "/info"):
			line, err = readInfoMessage(payload)
		case strings.HasSuffix(topic, "/status"):
			line, err = annotateStatus(payload)
		case strings.HasSuffix(topic, "/cmd"):
			line, err = commandSummary(payload)
		default:
			line = string(payload)
		}
		if err != nil {
			fmt.Printf("%s %s (error: %v)\n", topic, string(payload), err)
			return
		}
		fmt.Printf("%s %s\n", topic, line)
	})

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		log.Fatal(token.Error())
	}
	fmt.Printf("Connected to MQTT broker %s, subscribing to %s...\n", broker, topic)
	if token := client.Subscribe(topic, 0, nil); token.Wait() && token.Error() != nil {
		log.Fatal(token.Error())
	}

	// Wait for interrupt
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		fmt.Println("\nShutting down...")
		cancel()
	}()
	<-ctx.Done()
	client.Disconnect(200)
}
