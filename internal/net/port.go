package net

import (
	"fmt"
	"net"
)

// ListenEphemeral opens a TCP listener on a kernel-assigned loopback port.
// Handing the listener itself to the server avoids the reuse race of picking
// a port first and binding later.
func ListenEphemeral() (net.Listener, error) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("listening on ephemeral port: %w", err)
	}
	return listener, nil
}
