package inbound

import (
	"context"
	"net"
)

// listenTCP binds addr with the platform sockopts applied (SO_REUSEADDR on
// unix), so a restarted listener doesn't trip over TIME_WAIT remnants of
// its predecessor.
func listenTCP(addr string) (net.Listener, error) {
	lc := net.ListenConfig{Control: sockoptControl}
	return lc.Listen(context.Background(), "tcp", addr)
}
