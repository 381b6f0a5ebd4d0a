package datc

// DeviceBackend is the capability set the bridge needs from a gripper.
// Calls are synchronous, may block on bus latency and are not reentrant:
// callers go through Device, which holds the device mutex.
type DeviceBackend interface {
	Init(port string, address uint16, baud int) error
	Release()
	IsConnected() bool
	LastReadError() bool
	CurrentAddress() uint16

	// ChangeAddress retargets the master to another slave on the bus.
	ChangeAddress(addr uint16) error
	// SetAddress writes a new slave address into the device itself.
	SetAddress(addr uint16) error

	ReadStatus() (DeviceStatus, error)

	Enable() error
	Disable() error
	Stop() error
	PositionControl(pos int16, vel uint16) error
	VelocityControl(vel int16) error
	CurrentControl(cur int16) error

	GripInitialize() error
	GripOpen() error
	GripClose() error
	SetFingerPosition(pos uint16) error
	VacuumOn() error
	VacuumOff() error
	SetTorque(v uint16) error
	SetSpeed(v uint16) error

	ImpedanceOn() error
	ImpedanceOff() error
	SetImpedanceParams(slave, stiffness int16) error

	CustomCommand(addr uint16, values ...int16) error
}
