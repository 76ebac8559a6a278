// Package ble provides the BLE central for a TruMoto motorcycle controller.
// It handles discovery, the connection state machine with automatic
// reconnection, telemetry notifications and configuration writes.
package ble

import "context"

// TruMoto GATT UUIDs
const (
	ServiceUUID           = "12345678-1234-1234-1234-123456789abc"
	TelemetryCharUUID     = "12345678-1234-1234-1234-123456789def"
	ThrottleCurveCharUUID = "12345678-1234-1234-1234-123456789fed"
	RegenCharUUID         = "12345678-1234-1234-1234-123456789cba"
)

// DefaultNameContains is the product substring every controller advertises.
const DefaultNameContains = "TruMoto"

// Characteristic represents a BLE GATT characteristic.
type Characteristic interface {
	// Write sends data to the characteristic.
	Write(data []byte) error
	// Subscribe registers a callback for notifications on this characteristic.
	Subscribe(callback func(data []byte)) error
}

// Device is a peripheral found by a scan. Address is what Connect takes.
type Device struct {
	Name     string
	Address  string
	RSSI     int
	Services []string
}

// Connection represents an active BLE connection to a peripheral.
type Connection interface {
	// DiscoverCharacteristic finds a characteristic by UUID within a service.
	DiscoverCharacteristic(serviceUUID, charUUID string) (Characteristic, error)
	// Disconnect terminates the connection.
	Disconnect() error
	// OnDisconnect registers a callback invoked when the link drops.
	OnDisconnect(callback func())
}

// Adapter abstracts the BLE hardware adapter for testing.
type Adapter interface {
	// Enable powers on the BLE adapter.
	Enable() error
	// Scan discovers BLE peripherals advertising the given service UUID,
	// in discovery order, until ctx is done.
	Scan(ctx context.Context, serviceUUID string) ([]Device, error)
	// Connect establishes a connection to the device with the given address.
	Connect(ctx context.Context, address string) (Connection, error)
}
