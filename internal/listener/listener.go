// Package listener runs the relay as a process: it binds the HTTP listener,
// serves the controller and device endpoints, reports their URLs, and shuts
// everything down when the context is cancelled.
package listener

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hotnsoursoup/playwright-electron-mcp/internal/metrics"
	"github.com/hotnsoursoup/playwright-electron-mcp/internal/relay"
)

const shutdownTimeout = 10 * time.Second

// Config holds listener configuration.
type Config struct {
	Addr     string
	Relay    relay.Config
	Acceptor relay.AcceptorConfig

	// AllowFrom restricts which client addresses may connect (IP, CIDR, or
	// "*"). Empty permits all clients.
	AllowFrom []string

	Logger  *slog.Logger
	Metrics *metrics.Metrics // optional; nil disables metrics

	// OnReady, if set, is called once the listener is bound.
	OnReady func(Endpoints)
}

// Endpoints are the WebSocket URLs peers connect to.
type Endpoints struct {
	Controller string
	Device     string
}

// ListenAndServe binds cfg.Addr and serves until ctx is cancelled.
func ListenAndServe(ctx context.Context, cfg Config) error {
	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.Addr, err)
	}
	return Serve(ctx, ln, cfg)
}

// Serve runs the relay on ln until ctx is cancelled. On cancellation both
// peer sockets are closed before the HTTP server shuts down.
func Serve(ctx context.Context, ln net.Listener, cfg Config) error {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	for _, entry := range cfg.AllowFrom {
		if err := validateAllowEntry(entry); err != nil {
			_ = ln.Close()
			return err
		}
	}
	if cfg.Relay.Logger == nil {
		cfg.Relay.Logger = cfg.Logger
	}
	if cfg.Acceptor.Logger == nil {
		cfg.Acceptor.Logger = cfg.Logger
	}
	if cfg.Relay.Metrics == nil {
		cfg.Relay.Metrics = cfg.Metrics
	}
	if cfg.Acceptor.Metrics == nil {
		cfg.Acceptor.Metrics = cfg.Metrics
	}

	server := relay.New(cfg.Relay)
	acceptor := relay.NewAcceptor(server, cfg.Acceptor)

	var handler http.Handler = acceptor
	if len(cfg.AllowFrom) > 0 {
		handler = allowFrom(handler, cfg.AllowFrom, cfg.Logger, cfg.Metrics)
	}
	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          slog.NewLogLogger(cfg.Logger.Handler(), slog.LevelDebug),
	}

	ep := endpoints(ln.Addr(), acceptor)
	cfg.Logger.Info("CDP relay server started", "controller", ep.Controller, "device", ep.Device)
	if cfg.OnReady != nil {
		cfg.OnReady(ep)
	}

	relayCtx, stopRelay := context.WithCancel(context.Background())
	defer stopRelay()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Run(relayCtx)
	})
	g.Go(func() error {
		if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		cfg.Logger.Info("shutting down")
		// Peers are hijacked connections that Shutdown does not track, so
		// the relay closes them first.
		stopRelay()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func endpoints(addr net.Addr, a *relay.Acceptor) Endpoints {
	host := addr.String()
	if tcp, ok := addr.(*net.TCPAddr); ok {
		h := tcp.IP.String()
		if tcp.IP == nil || tcp.IP.IsUnspecified() {
			h = "localhost"
		}
		host = net.JoinHostPort(h, fmt.Sprint(tcp.Port))
	}
	return Endpoints{
		Controller: "ws://" + host + a.ControllerPath(),
		Device:     "ws://" + host + a.DevicePath(),
	}
}

// allowFrom rejects requests whose remote address is not in allowList
// before the WebSocket upgrade.
func allowFrom(next http.Handler, allowList []string, logger *slog.Logger, m *metrics.Metrics) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !isAllowed(r.RemoteAddr, allowList) {
			logger.Warn("client not allowed", "remote", r.RemoteAddr, "path", r.URL.Path)
			m.ConnectionError(metrics.RoleUnknown, metrics.ReasonClientRejected)
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// isAllowed checks if the client address matches the allowlist.
// Allowlist entries can be:
//   - "IP" for an exact address match
//   - "CIDR" for a network match
//   - "*" to allow everything
func isAllowed(remote string, allowList []string) bool {
	host, _, err := net.SplitHostPort(remote)
	if err != nil {
		host = remote
	}
	ip := net.ParseIP(strings.Trim(host, "[]"))
	if ip == nil {
		return false
	}
	for _, entry := range allowList {
		if entry == "*" {
			return true
		}
		if _, cidr, err := net.ParseCIDR(entry); err == nil {
			if cidr.Contains(ip) {
				return true
			}
		} else if allowed := net.ParseIP(entry); allowed != nil && allowed.Equal(ip) {
			return true
		}
	}
	return false
}

func validateAllowEntry(entry string) error {
	if entry == "*" || net.ParseIP(entry) != nil {
		return nil
	}
	if _, _, err := net.ParseCIDR(entry); err != nil {
		return fmt.Errorf("invalid allow-from entry %q: want IP, CIDR, or *", entry)
	}
	return nil
}
