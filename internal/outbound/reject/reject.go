// Package reject implements the Reject outbound (spec.md §4.3): immediately
// close; UDP sends are blackholed. Grounded on the teacher's
// proxy/client_reject.go.
package reject

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/e1732a364fed/clashcore/internal/metadata"
	"github.com/e1732a364fed/clashcore/internal/outbound"
)

// Name is the registry name rules target; Clash convention is uppercase.
const Name = "REJECT"

const kind = "reject"

var ErrRejected = errors.New("connection rejected")

type Proxy struct {
	outbound.Base
}

func New() *Proxy {
	return &Proxy{Base: outbound.NewBase(Name, kind, true)}
}

func (p *Proxy) DialTCP(ctx context.Context, md *metadata.Metadata) (net.Conn, error) {
	return nil, ErrRejected
}

func (p *Proxy) DialUDP(ctx context.Context, md *metadata.Metadata) (net.PacketConn, error) {
	return blackhole{}, nil
}

// blackhole implements net.PacketConn by discarding every write and never
// returning a read.
type blackhole struct{}

func (blackhole) ReadFrom(p []byte) (int, net.Addr, error)      { return 0, nil, net.ErrClosed }
func (blackhole) WriteTo(p []byte, addr net.Addr) (int, error)  { return len(p), nil }
func (blackhole) Close() error                                  { return nil }
func (blackhole) LocalAddr() net.Addr                            { return nil }
func (blackhole) SetDeadline(t time.Time) error                  { return nil }
func (blackhole) SetReadDeadline(t time.Time) error               { return nil }
func (blackhole) SetWriteDeadline(t time.Time) error               { return nil }
