// Package gofallback implements the GoFallback outbound (spec.md §4.3): it
// dials a sidecar process that handles exotic protocols, multiplexing every
// relay over one TCP connection with github.com/xtaci/smux (a teacher
// dependency) and speaking HTTP CONNECT on each stream. The proxy object
// holds only the endpoint — process lifecycle (spawn on first fallback
// proxy, health-probe every 5s, auto-restart with exponential backoff
// capped at 30s) is owned by the sibling Manager, matching
// original_source/src/outbound/go_fallback/{manager,process,proxy}.rs.
package gofallback

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"net/http"
	"os/exec"
	"sync"
	"time"

	"github.com/xtaci/smux"

	"github.com/e1732a364fed/clashcore/internal/logx"
	"github.com/e1732a364fed/clashcore/internal/metadata"
	"github.com/e1732a364fed/clashcore/internal/outbound"
	"github.com/e1732a364fed/clashcore/internal/xerr"
	"go.uber.org/zap"
)

const Name = "gofallback"

type Config struct {
	Name     string
	Protocol string // exotic protocol name handled by the sidecar binary
	Settings []byte // opaque config blob passed to the sidecar
}

type Proxy struct {
	outbound.Base
	cfg     Config
	manager *Manager
}

func New(cfg Config, manager *Manager) *Proxy {
	if manager != nil {
		manager.ensureStarted(cfg)
	}
	return &Proxy{Base: outbound.NewBase(cfg.Name, Name, false), cfg: cfg, manager: manager}
}

func (p *Proxy) DialTCP(ctx context.Context, md *metadata.Metadata) (net.Conn, error) {
	if p.manager == nil {
		return nil, &xerr.DialError{Kind: xerr.DialTcp, Proxy: p.Name(), Err: xerr.ErrInErr{ErrDesc: "sidecar manager not configured"}}
	}
	stream, err := p.manager.openStream()
	if err != nil {
		return nil, &xerr.DialError{Kind: xerr.DialTcp, Proxy: p.Name(), Err: err}
	}
	target := md.RemoteAddress()
	req := fmt.Sprintf("CONNECT %s HTTP/1.1\r\nHost: %s\r\nX-Proxy-Protocol: %s\r\n\r\n", target, target, p.cfg.Protocol)
	if _, err := stream.Write([]byte(req)); err != nil {
		stream.Close()
		return nil, &xerr.DialError{Kind: xerr.DialProtocol, Proxy: p.Name(), Err: err}
	}
	resp, err := http.ReadResponse(bufio.NewReader(stream), &http.Request{Method: "CONNECT"})
	if err != nil {
		stream.Close()
		return nil, &xerr.DialError{Kind: xerr.DialProtocol, Proxy: p.Name(), Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		stream.Close()
		return nil, &xerr.DialError{Kind: xerr.DialProtocol, Proxy: p.Name(), Err: xerr.ErrInErr{ErrDesc: "sidecar CONNECT failed", Data: resp.Status}}
	}
	return stream, nil
}

func (p *Proxy) DialUDP(ctx context.Context, md *metadata.Metadata) (net.PacketConn, error) {
	return nil, &xerr.DialError{Kind: xerr.DialProtocol, Proxy: p.Name(), Err: xerr.ErrInErr{ErrDesc: "gofallback has no UDP support"}}
}

// Manager owns the sidecar process's lifecycle, independent of any one
// Proxy object: spawned lazily on the first fallback proxy constructed,
// health-probed every 5s, restarted with exponential backoff capped at 30s.
// All relays share one smux session over one TCP connection to the sidecar.
type Manager struct {
	BinaryPath string

	mu      sync.Mutex
	started bool
	cmd     *exec.Cmd
	session *smux.Session
	backoff time.Duration
	stopCh  chan struct{}
}

const (
	healthProbeInterval = 5 * time.Second
	maxBackoff          = 30 * time.Second
)

func NewManager(binaryPath string) *Manager {
	return &Manager{BinaryPath: binaryPath, backoff: time.Second, stopCh: make(chan struct{})}
}

// openStream opens one multiplexed stream over the live session.
func (m *Manager) openStream() (net.Conn, error) {
	m.mu.Lock()
	sess := m.session
	m.mu.Unlock()
	if sess == nil || sess.IsClosed() {
		return nil, xerr.ErrInErr{ErrDesc: "sidecar not ready"}
	}
	return sess.OpenStream()
}

func (m *Manager) ensureStarted(cfg Config) {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.mu.Unlock()

	go m.run(cfg)
}

// run spawns the sidecar, connects the shared smux session, and probes it
// every healthProbeInterval; a dead session or process tears everything
// down and restarts after backoff.
func (m *Manager) run(cfg Config) {
	for {
		select {
		case <-m.stopCh:
			return
		default:
		}

		listener, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			m.sleepBackoff()
			continue
		}
		addr := listener.Addr().String()
		listener.Close()

		cmd := exec.Command(m.BinaryPath, "--listen", addr, "--protocol", cfg.Protocol)
		if err := cmd.Start(); err != nil {
			if ce := logx.CanLogErr("gofallback sidecar spawn failed"); ce != nil {
				ce.Write(zap.Error(err))
			}
			m.sleepBackoff()
			continue
		}

		sess := m.connectSession(addr)
		if sess == nil {
			cmd.Process.Kill()
			m.sleepBackoff()
			continue
		}

		m.mu.Lock()
		m.cmd = cmd
		m.session = sess
		m.backoff = time.Second
		m.mu.Unlock()

		m.probeUntilDead(sess)

		m.mu.Lock()
		m.session = nil
		m.mu.Unlock()
		sess.Close()
		cmd.Process.Kill()
		m.sleepBackoff()
	}
}

// connectSession retries the freshly-spawned sidecar a few times (it needs
// a moment to bind) before giving up on this incarnation.
func (m *Manager) connectSession(addr string) *smux.Session {
	for i := 0; i < 5; i++ {
		conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
		if err == nil {
			sess, serr := smux.Client(conn, nil)
			if serr == nil {
				return sess
			}
			conn.Close()
		}
		select {
		case <-m.stopCh:
			return nil
		case <-time.After(500 * time.Millisecond):
		}
	}
	return nil
}

func (m *Manager) probeUntilDead(sess *smux.Session) {
	ticker := time.NewTicker(healthProbeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			if sess.IsClosed() {
				return
			}
		}
	}
}

func (m *Manager) sleepBackoff() {
	m.mu.Lock()
	d := m.backoff
	if m.backoff < maxBackoff {
		m.backoff *= 2
		if m.backoff > maxBackoff {
			m.backoff = maxBackoff
		}
	}
	m.mu.Unlock()
	select {
	case <-m.stopCh:
	case <-time.After(d):
	}
}

func (m *Manager) Shutdown() {
	close(m.stopCh)
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session != nil {
		m.session.Close()
	}
	if m.cmd != nil && m.cmd.Process != nil {
		m.cmd.Process.Kill()
	}
}
