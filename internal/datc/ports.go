package datc

import "context"

// Submitter queues a command for the dispatcher.
type Submitter interface {
	Submit(ctx context.Context, cmd Command) error
}

// SlaveChanger switches the Modbus slave the bridge talks to, bypassing
// the command queue.
type SlaveChanger interface {
	ChangeSlave(addr uint16) error
}
