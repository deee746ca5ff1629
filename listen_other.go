//go:build !linux

package wren

import (
	"context"
	"net"
)

// listenTCP binds addr with the system's default backlog.
func listenTCP(addr string, backlog int) (net.Listener, error) {
	var lc net.ListenConfig
	return lc.Listen(context.Background(), "tcp", addr)
}
