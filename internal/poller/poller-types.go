package poller

import "github.com/fisaks/datc/internal/datc"

// Publisher fans a status out to connected clients.
type Publisher interface {
	ClientCount() int
	Publish(s datc.DeviceStatus) int
}

type LoopConfig struct {
	FrequencyHz float64 // default 50
	Broadcast   bool
}

const DefaultFrequencyHz = 50
