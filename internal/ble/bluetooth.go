package ble

import (
	"context"
	"fmt"
	"sync"

	"tinygo.org/x/bluetooth"
)

// SystemAdapter wraps tinygo-org/bluetooth (BlueZ on Linux, CoreBluetooth
// on macOS). On macOS device addresses are CoreBluetooth UUIDs rather than
// MAC addresses; Device.Address carries whichever the platform reports.
type SystemAdapter struct {
	adapter *bluetooth.Adapter

	// mu protects the connections map.
	mu          sync.Mutex
	connections map[string]*systemConnection // keyed by device address
}

// NewSystemAdapter creates a new BLE adapter on the default radio.
func NewSystemAdapter() *SystemAdapter {
	return &SystemAdapter{
		adapter:     bluetooth.DefaultAdapter,
		connections: make(map[string]*systemConnection),
	}
}

func (a *SystemAdapter) Enable() error {
	if err := a.adapter.Enable(); err != nil {
		return err
	}

	// tinygo/bluetooth reports peripheral-initiated drops through the
	// adapter-level connect handler with connected=false.
	a.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
		if connected {
			return
		}
		id := device.Address.String()
		a.mu.Lock()
		conn, ok := a.connections[id]
		delete(a.connections, id)
		a.mu.Unlock()
		if ok {
			conn.fireDisconnect()
		}
	})

	return nil
}

func (a *SystemAdapter) Scan(ctx context.Context, serviceUUID string) ([]Device, error) {
	uuid, err := bluetooth.ParseUUID(serviceUUID)
	if err != nil {
		return nil, fmt.Errorf("ble: parse service UUID: %w", err)
	}

	var mu sync.Mutex
	var devices []Device
	seen := make(map[string]bool)

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			a.adapter.StopScan()
		case <-done:
		}
	}()

	err = a.adapter.Scan(func(adapter *bluetooth.Adapter, result bluetooth.ScanResult) {
		if !result.HasServiceUUID(uuid) {
			return
		}
		addr := result.Address.String()
		mu.Lock()
		defer mu.Unlock()
		if seen[addr] {
			return
		}
		seen[addr] = true
		devices = append(devices, Device{
			Name:     result.LocalName(),
			Address:  addr,
			RSSI:     int(result.RSSI),
			Services: []string{serviceUUID},
		})
	})
	close(done)

	if err != nil && ctx.Err() == nil {
		return nil, fmt.Errorf("ble: scan: %w", err)
	}

	mu.Lock()
	defer mu.Unlock()
	return devices, nil
}

func (a *SystemAdapter) Connect(ctx context.Context, address string) (Connection, error) {
	var addr bluetooth.Address
	addr.Set(address)

	// tinygo/bluetooth's Connect blocks with its own timeout; wrap it so
	// ctx cancellation returns early.
	type connectResult struct {
		device bluetooth.Device
		err    error
	}
	ch := make(chan connectResult, 1)
	go func() {
		device, err := a.adapter.Connect(addr, bluetooth.ConnectionParams{})
		ch <- connectResult{device, err}
	}()

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("ble: connect to %s: %w", address, ctx.Err())
	case result := <-ch:
		if result.err != nil {
			return nil, fmt.Errorf("ble: connect to %s: %w", address, result.err)
		}
		conn := &systemConnection{adapter: a, device: &result.device, address: result.device.Address.String()}

		a.mu.Lock()
		a.connections[conn.address] = conn
		a.mu.Unlock()

		return conn, nil
	}
}

func (a *SystemAdapter) forget(address string) {
	a.mu.Lock()
	delete(a.connections, address)
	a.mu.Unlock()
}

// Compile-time check that SystemAdapter implements Adapter.
var _ Adapter = (*SystemAdapter)(nil)

type systemConnection struct {
	adapter *SystemAdapter
	device  *bluetooth.Device
	address string

	mu           sync.Mutex
	disconnectCb func()
	services     map[string]bluetooth.DeviceService
}

func (c *systemConnection) DiscoverCharacteristic(serviceUUID, charUUID string) (Characteristic, error) {
	svc, err := c.service(serviceUUID)
	if err != nil {
		return nil, err
	}
	charUUIDParsed, err := bluetooth.ParseUUID(charUUID)
	if err != nil {
		return nil, err
	}

	chars, err := svc.DiscoverCharacteristics([]bluetooth.UUID{charUUIDParsed})
	if err != nil {
		return nil, fmt.Errorf("ble: discover characteristics: %w", err)
	}
	if len(chars) == 0 {
		return nil, fmt.Errorf("ble: characteristic %s not found", charUUID)
	}

	return &systemCharacteristic{char: chars[0]}, nil
}

// service discovers serviceUUID once per connection.
func (c *systemConnection) service(serviceUUID string) (bluetooth.DeviceService, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if svc, ok := c.services[serviceUUID]; ok {
		return svc, nil
	}

	svcUUID, err := bluetooth.ParseUUID(serviceUUID)
	if err != nil {
		return bluetooth.DeviceService{}, err
	}
	svcs, err := c.device.DiscoverServices([]bluetooth.UUID{svcUUID})
	if err != nil {
		return bluetooth.DeviceService{}, fmt.Errorf("ble: discover services: %w", err)
	}
	if len(svcs) == 0 {
		return bluetooth.DeviceService{}, fmt.Errorf("ble: service %s not found", serviceUUID)
	}
	if c.services == nil {
		c.services = make(map[string]bluetooth.DeviceService)
	}
	c.services[serviceUUID] = svcs[0]
	return svcs[0], nil
}

func (c *systemConnection) Disconnect() error {
	c.adapter.forget(c.address)
	return c.device.Disconnect()
}

func (c *systemConnection) OnDisconnect(cb func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnectCb = cb
}

func (c *systemConnection) fireDisconnect() {
	c.mu.Lock()
	cb := c.disconnectCb
	c.mu.Unlock()
	if cb != nil {
		cb()
	}
}

type systemCharacteristic struct {
	char bluetooth.DeviceCharacteristic
}

// Write uses write-without-response, the one write tinygo/bluetooth offers
// on Linux, macOS and Windows alike.
func (c *systemCharacteristic) Write(data []byte) error {
	_, err := c.char.WriteWithoutResponse(data)
	return err
}

func (c *systemCharacteristic) Subscribe(cb func([]byte)) error {
	return c.char.EnableNotifications(func(buf []byte) {
		cb(buf)
	})
}
