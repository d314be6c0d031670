package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/hotnsoursoup/playwright-electron-mcp/internal/listener"
	"github.com/hotnsoursoup/playwright-electron-mcp/internal/relay"
	"github.com/spf13/cobra"
)

const (
	defaultHost = "127.0.0.1"
	defaultPort = 9223
)

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve [port]",
		Short: "Run the relay",
		Long: `Start the relay. Playwright connects to the controller endpoint
(ws://host:port/cdp) and the browser extension to the device endpoint
(ws://host:port/extension). Only one of each is served at a time; a new
connection replaces the previous one.`,
		Args: cobra.MaximumNArgs(1),
		RunE: runServe,
	}

	cmd.Flags().String("addr", "", fmt.Sprintf("listen address (default %s:%d)", defaultHost, defaultPort))
	cmd.Flags().String("controller-path", relay.DefaultControllerPath, "WebSocket path for the CDP controller")
	cmd.Flags().String("device-path", relay.DefaultDevicePath, "WebSocket path for the browser extension")
	cmd.Flags().StringSlice("allow-origin", []string{"*"}, "origin host patterns accepted for cross-origin upgrades (an extension's origin host is its ID)")
	cmd.Flags().StringSlice("allow-from", nil, "client addresses allowed to connect (IP, CIDR, *); all if empty")
	cmd.Flags().Int64("read-limit", relay.DefaultReadLimit, "max inbound message size in bytes")
	cmd.Flags().Duration("ping-interval", 30*time.Second, "WebSocket keepalive ping interval (0 = disabled)")
	cmd.Flags().String("product", "", "product reported by Browser.getVersion")
	cmd.Flags().String("user-agent", "", "user agent reported by Browser.getVersion")

	return cmd
}

func runServe(cmd *cobra.Command, args []string) error {
	addr, err := resolveAddr(cmd, args)
	if err != nil {
		return err
	}

	logLevel, _ := cmd.Flags().GetString("log-level")
	logger := newLogger(logLevel)

	controllerPath, _ := cmd.Flags().GetString("controller-path")
	devicePath, _ := cmd.Flags().GetString("device-path")
	if controllerPath == devicePath {
		return fmt.Errorf("--controller-path and --device-path must differ, both are %q", controllerPath)
	}
	origins, _ := cmd.Flags().GetStringSlice("allow-origin")
	allowFrom, _ := cmd.Flags().GetStringSlice("allow-from")
	readLimit, _ := cmd.Flags().GetInt64("read-limit")
	if readLimit <= 0 {
		return fmt.Errorf("--read-limit must be > 0, got %d", readLimit)
	}
	pingInterval, _ := cmd.Flags().GetDuration("ping-interval")
	if pingInterval == 0 {
		pingInterval = -1
	}
	product, _ := cmd.Flags().GetString("product")
	userAgent, _ := cmd.Flags().GetString("user-agent")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m, err := resolveMetrics(ctx, cmd, logger)
	if err != nil {
		return err
	}

	cfg := listener.Config{
		Addr: addr,
		Relay: relay.Config{
			Product:      product,
			UserAgent:    userAgent,
			PingInterval: pingInterval,
		},
		Acceptor: relay.AcceptorConfig{
			ControllerPath: controllerPath,
			DevicePath:     devicePath,
			OriginPatterns: origins,
			ReadLimit:      readLimit,
		},
		AllowFrom: allowFrom,
		Logger:    logger,
		Metrics:   m,
	}
	return listener.ListenAndServe(ctx, cfg)
}

// resolveAddr returns the listen address from --addr, a positional port,
// CDPRELAY_ADDR, or the default, in that order.
func resolveAddr(cmd *cobra.Command, args []string) (string, error) {
	if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
		return addr, nil
	}
	if len(args) > 0 {
		port, err := strconv.Atoi(args[0])
		if err != nil || port < 0 || port > 65535 {
			return "", fmt.Errorf("invalid port %q", args[0])
		}
		return net.JoinHostPort(defaultHost, strconv.Itoa(port)), nil
	}
	if addr := os.Getenv("CDPRELAY_ADDR"); addr != "" {
		return addr, nil
	}
	return net.JoinHostPort(defaultHost, strconv.Itoa(defaultPort)), nil
}
