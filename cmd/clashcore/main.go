// Command clashcore runs the proxy core: it loads a YAML configuration,
// brings up the inbound listeners, provider refresh/health loops, and the
// control-plane API, then blocks until SIGINT/SIGTERM, at which point it
// drains active connections for a bounded grace period before exiting
// (spec.md §5). Grounded on the teacher's cmd/verysimple/main.go flag
// parsing and signal.Notify shutdown shape.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/e1732a364fed/clashcore/internal/config"
	"github.com/e1732a364fed/clashcore/internal/control"
	"github.com/e1732a364fed/clashcore/internal/group"
	"github.com/e1732a364fed/clashcore/internal/inbound"
	"github.com/e1732a364fed/clashcore/internal/logx"
	"github.com/e1732a364fed/clashcore/internal/metadata"
	"github.com/e1732a364fed/clashcore/internal/outbound"
	"github.com/e1732a364fed/clashcore/internal/provider"
)

var (
	configFileName string
	shutdownGrace  time.Duration
)

func init() {
	flag.StringVar(&configFileName, "c", "config.yaml", "config file path")
	flag.DurationVar(&shutdownGrace, "shutdown-grace", 5*time.Second, "max time to wait for active connections to drain on shutdown")
}

func main() {
	flag.Parse()

	doc, err := config.Load(configFileName)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		os.Exit(1)
	}

	rt, err := config.Build(doc)
	if err != nil {
		fmt.Fprintln(os.Stderr, "build error:", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	rt.Start(ctx)

	listeners, err := startInbounds(ctx, doc, rt)
	if err != nil {
		fmt.Fprintln(os.Stderr, "listen error:", err)
		os.Exit(2)
	}

	if doc.Control.Listen != "" {
		ctrlSrv := control.NewServer(doc.Control.Secret, doc.Control.JWT)
		ctrlSrv.Proxies = func() *outbound.Registry { return rt.Proxies }
		ctrlSrv.Groups = func() map[string]group.Group { return rt.Groups }
		ctrlSrv.Registry = rt.Registry
		ctrlSrv.Providers = func() map[string]*provider.Provider { return rt.Providers }
		ctrlSrv.RuleNames = func() []string { return rt.Doc.Rules }
		ctrlSrv.Mode = rt.Mode
		ctrlSrv.SetMode = rt.SetMode
		ctrlSrv.RSS = func() int64 {
			if rt.Memory != nil {
				return rt.Memory.RSSBytes()
			}
			return 0
		}
		go func() {
			if err := ctrlSrv.ListenAndServe(doc.Control.Listen); err != nil {
				if ce := logx.CanLogErr("control server exited"); ce != nil {
					ce.Write(zap.Error(err))
				}
			}
		}()
	}

	if ce := logx.CanLogInfo("clashcore started"); ce != nil {
		ce.Write(zap.String("config", configFileName))
	}

	waitForSignal()

	if ce := logx.CanLogInfo("shutting down"); ce != nil {
		ce.Write()
	}
	for _, l := range listeners {
		l.Close()
	}
	cancel()
	rt.GoFallback.Shutdown()

	drained := make(chan struct{})
	go func() {
		for rt.Registry.Count() > 0 {
			time.Sleep(100 * time.Millisecond)
		}
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(shutdownGrace):
		rt.Registry.ForceCloseAll()
	}
}

type listener interface {
	Listen() error
	Serve(ctx context.Context) error
	Close() error
}

// startInbounds binds every listener first — any bind failure aborts
// startup with exit code 2 (spec.md §6) — then starts each accept loop.
// A panicking accept loop is restarted up to 3 times before the process
// exits with code 3 (spec.md §7 "Fatal").
func startInbounds(ctx context.Context, doc *config.Document, rt *config.Runtime) ([]listener, error) {
	handler := func(hctx context.Context, c net.Conn, md *metadata.Metadata) {
		rt.Tunnel.Handle(hctx, c, md)
	}

	var out []listener
	for _, ic := range doc.Inbound {
		addr := ic.Addr
		var auth inbound.AuthFunc
		if ic.Username != "" {
			user, pass := ic.Username, ic.Password
			auth = func(u, p string) bool { return u == user && p == pass }
		}

		var l listener
		switch ic.Kind {
		case "http":
			l = inbound.NewHTTPListener(addr, auth, handler)
		case "socks5":
			l = inbound.NewSOCKS5Listener(addr, auth, handler)
		case "mixed":
			l = inbound.NewMixedListener(addr, auth, handler)
		default:
			if ce := logx.CanLogWarn("unknown inbound type, skipping"); ce != nil {
				ce.Write(zap.String("type", ic.Kind))
			}
			continue
		}
		if err := l.Listen(); err != nil {
			return nil, fmt.Errorf("bind %s (%s): %w", addr, ic.Kind, err)
		}
		out = append(out, l)
		go runListener(ctx, l, addr)
	}
	return out, nil
}

const maxListenerRestarts = 3

func runListener(ctx context.Context, l listener, addr string) {
	for attempt := 0; ; attempt++ {
		err := serveRecovering(ctx, l)
		if err == nil {
			return
		}
		if ce := logx.CanLogErr("inbound listener crashed"); ce != nil {
			ce.Write(zap.String("addr", addr), zap.Int("attempt", attempt+1), zap.Error(err))
		}
		if attempt >= maxListenerRestarts {
			os.Exit(3)
		}
		l.Close()
		if lerr := l.Listen(); lerr != nil {
			os.Exit(3)
		}
	}
}

func serveRecovering(ctx context.Context, l listener) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("listener panic: %v", r)
		}
	}()
	return l.Serve(ctx)
}

func waitForSignal() {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	<-ch
}
