package ble

// LinkState is the GATT connection state of a Link.
type LinkState int

const (
	StateDisconnected LinkState = iota
	StateConnecting
	StateConnected
	StateServicesDiscovering
	StateReady
	StateDisconnecting
)

func (s LinkState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateServicesDiscovering:
		return "discovering services"
	case StateReady:
		return "ready"
	case StateDisconnecting:
		return "disconnecting"
	default:
		return "unknown"
	}
}

// Connected reports whether a GATT connection exists in this state.
func (s LinkState) Connected() bool {
	return s == StateConnected || s == StateServicesDiscovering || s == StateReady
}
