// Package ble provides the BLE central for the gas-sensor peripheral. It
// scans for advertisers, manages the single GATT connection, reassembles
// fragmented notifications into protocol frames and writes gas commands.
package ble

import "context"

// Gas-sensor GATT profile UUIDs.
const (
	ServiceUUID     = "4fafc201-1fb5-459e-8fcc-c5c9c331914b"
	DataCharUUID    = "beb5483e-36e1-4688-b7f5-ea07361b26a8" // notify
	CommandCharUUID = "beb5483e-36e1-4688-b7f5-ea07361b26a9" // write
	StatusCharUUID  = "beb5483e-36e1-4688-b7f5-ea07361b26aa" // read

	// CCCDUUID is the client characteristic configuration descriptor the
	// platform writes when notifications are enabled.
	CCCDUUID = "00002902-0000-1000-8000-00805f9b34fb"
)

// Characteristic represents a BLE GATT characteristic.
type Characteristic interface {
	// Write sends data to the characteristic.
	Write(data []byte) error
	// Read returns the current value of the characteristic.
	Read() ([]byte, error)
	// Subscribe enables notifications (writing the CCCD) and registers a
	// callback for each notification payload.
	Subscribe(callback func(data []byte)) error
}

// Device represents a discovered BLE peripheral.
type Device struct {
	Address string
	Name    string
	RSSI    int
}

// DisplayName returns the advertised name, or the address when the device
// did not advertise one.
func (d Device) DisplayName() string {
	if d.Name != "" {
		return d.Name
	}
	return d.Address
}

// Connection represents an active BLE connection to a peripheral.
type Connection interface {
	// DiscoverCharacteristic finds a characteristic by UUID within a service.
	DiscoverCharacteristic(serviceUUID, charUUID string) (Characteristic, error)
	// RequestMTU asks for a larger ATT MTU and returns the MTU in effect.
	RequestMTU(mtu int) (int, error)
	// Disconnect terminates the connection.
	Disconnect() error
	// OnDisconnect registers a callback invoked when the connection drops,
	// including when the platform confirms a requested Disconnect.
	OnDisconnect(callback func())
}

// Adapter abstracts the BLE hardware adapter for testing.
type Adapter interface {
	// Enable powers on the BLE adapter.
	Enable() error
	// Scan reports every advertisement to found until ctx is cancelled or
	// the platform scan fails. It blocks for the duration of the scan.
	Scan(ctx context.Context, found func(Device)) error
	// Connect establishes a connection to the device with the given address.
	Connect(ctx context.Context, address string) (Connection, error)
}
