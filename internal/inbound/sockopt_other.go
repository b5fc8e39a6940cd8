//go:build !linux && !darwin

package inbound

import "syscall"

func sockoptControl(network, address string, c syscall.RawConn) error { return nil }
