package datc

import (
	"errors"
	"sync"
)

var ErrNotConnected = errors.New("device not connected")

// Device serializes every access to a DeviceBackend behind one mutex.
// Nothing executed inside Do may touch a broker queue.
type Device struct {
	mu      sync.Mutex
	backend DeviceBackend
}

func NewDevice(backend DeviceBackend) *Device {
	return &Device{backend: backend}
}

func (d *Device) Do(fn func(b DeviceBackend) error) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return fn(d.backend)
}

func (d *Device) IsConnected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.backend.IsConnected()
}

func (d *Device) CurrentAddress() uint16 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.backend.CurrentAddress()
}
