package group

import (
	"bufio"
	"context"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/e1732a364fed/clashcore/internal/metadata"
	"github.com/e1732a364fed/clashcore/internal/outbound"
	"github.com/e1732a364fed/clashcore/internal/xerr"
)

// Delayer measures one proxy's round-trip delay against testURL. URLTest,
// Fallback, and the provider health-check loop all share this signature.
type Delayer func(ctx context.Context, p outbound.Proxy, testURL string) (time.Duration, error)

// HTTPDelayer returns a Delayer that dials testURL's host through the
// proxy, issues a HEAD request, and reports the time to the first response
// byte. The delay test deliberately skips the rule engine: it measures the
// member, not the route.
func HTTPDelayer(timeout time.Duration) Delayer {
	return func(ctx context.Context, p outbound.Proxy, testURL string) (time.Duration, error) {
		u, err := url.Parse(testURL)
		if err != nil {
			return 0, err
		}
		port := uint16(80)
		if u.Scheme == "https" {
			port = 443
		}
		if ps := u.Port(); ps != "" {
			n, err := strconv.Atoi(ps)
			if err != nil {
				return 0, err
			}
			port = uint16(n)
		}
		md := &metadata.Metadata{
			Network:  metadata.NetworkTCP,
			DestHost: u.Hostname(),
			DestPort: port,
		}

		dctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		start := time.Now()
		conn, err := p.DialTCP(dctx, md)
		if err != nil {
			return 0, err
		}
		defer conn.Close()

		if deadline, ok := dctx.Deadline(); ok {
			conn.SetDeadline(deadline)
		}
		req, err := http.NewRequest(http.MethodHead, testURL, nil)
		if err != nil {
			return 0, err
		}
		if err := req.Write(conn); err != nil {
			return 0, &xerr.DialError{Kind: xerr.DialProtocol, Proxy: p.Name(), Err: err}
		}
		if _, err := http.ReadResponse(bufio.NewReader(conn), req); err != nil {
			return 0, &xerr.DialError{Kind: xerr.DialProtocol, Proxy: p.Name(), Err: err}
		}
		return time.Since(start), nil
	}
}
