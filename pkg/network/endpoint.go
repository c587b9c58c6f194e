package network

import "fmt"

// TransportKind is the transport a resolved endpoint uses.
type TransportKind string

const (
	// TransportTCP carries the connection over TCP.
	TransportTCP TransportKind = "tcp"
)

// Endpoint is a concrete, connectable address produced by the resolver: the
// destination port's host as seen from the source port's host.
type Endpoint struct {
	// Address is the IP address or hostname to connect to.
	Address string `json:"address"`

	// Port is the TCP port number the destination listens on.
	Port int `json:"port"`

	// Transport is the transport kind.
	Transport TransportKind `json:"transport"`
}

// String renders the endpoint as address:port.
func (e Endpoint) String() string {
	return fmt.Sprintf("%s:%d", e.Address, e.Port)
}

// Bind is the listening side of a resolved connection, handed to the
// destination service: listen on this local port.
type Bind struct {
	// Address is the local address to bind. "127.0.0.1" for loopback-only
	// binds, "0.0.0.0" when remote peers must reach the port.
	Address string `json:"address"`

	// Port is the local TCP port to listen on.
	Port int `json:"port"`

	// Transport is the transport kind.
	Transport TransportKind `json:"transport"`
}
