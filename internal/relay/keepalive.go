package relay

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/coder/websocket"
	"github.com/hotnsoursoup/playwright-electron-mcp/internal/device"
)

const pingTimeout = 10 * time.Second

// keepalive pings ws every interval until ctx is done. Pings are
// best-effort: a dead peer is detected by the socket's reader.
func keepalive(ctx context.Context, ws device.Socket, interval time.Duration, logger *slog.Logger) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
			err := ws.Ping(pingCtx)
			cancel()
			if err != nil && ctx.Err() == nil {
				logger.Debug("ping failed", "error", err)
			}
		}
	}
}

func ignoreNormalClose(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	var closeErr websocket.CloseError
	if errors.As(err, &closeErr) {
		switch closeErr.Code {
		case websocket.StatusNormalClosure, websocket.StatusGoingAway, websocket.StatusNoStatusRcvd:
			return nil
		}
	}
	return err
}
