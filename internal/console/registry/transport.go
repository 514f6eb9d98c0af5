package registry

import "fmt"

// TransportState is the registration lifecycle of the signaling transport.
type TransportState int

const (
	TransportUnregistered TransportState = iota
	TransportRegistering
	TransportRegistered
	TransportDisconnected
)

// String returns the string representation of the transport state
func (s TransportState) String() string {
	switch s {
	case TransportUnregistered:
		return "Unregistered"
	case TransportRegistering:
		return "Registering"
	case TransportRegistered:
		return "Registered"
	case TransportDisconnected:
		return "Disconnected"
	default:
		return fmt.Sprintf("Unknown(%d)", s)
	}
}

// MarshalText renders the state by name in JSON.
func (s TransportState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}
