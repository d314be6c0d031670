package relay

import (
	"log/slog"
	"net/http"

	"github.com/coder/websocket"
	"github.com/hotnsoursoup/playwright-electron-mcp/internal/metrics"
)

// Default endpoint paths.
const (
	DefaultControllerPath = "/cdp"
	DefaultDevicePath     = "/extension"
)

// StatusInvalidPath closes sockets upgraded on an unknown path.
const StatusInvalidPath websocket.StatusCode = 4004

// DefaultReadLimit bounds a single inbound message. CDP results such as
// screenshots are far larger than the websocket package's 32 KiB default.
const DefaultReadLimit = 64 << 20

// AcceptorConfig holds acceptor parameters.
type AcceptorConfig struct {
	ControllerPath string
	DevicePath     string

	// OriginPatterns are passed to websocket.Accept and matched against the
	// Origin host. Extensions connect with a chrome-extension://<id> origin,
	// so leaving this empty rejects them.
	OriginPatterns []string

	// ReadLimit is the maximum inbound message size in bytes. Zero uses
	// DefaultReadLimit.
	ReadLimit int64

	Logger  *slog.Logger
	Metrics *metrics.Metrics // optional; nil disables metrics
}

// Acceptor upgrades incoming requests and hands each socket to the Server
// according to its path.
type Acceptor struct {
	server *Server
	cfg    AcceptorConfig
}

// NewAcceptor returns an http.Handler serving s's two endpoints.
func NewAcceptor(s *Server, cfg AcceptorConfig) *Acceptor {
	if cfg.ControllerPath == "" {
		cfg.ControllerPath = DefaultControllerPath
	}
	if cfg.DevicePath == "" {
		cfg.DevicePath = DefaultDevicePath
	}
	if cfg.ReadLimit == 0 {
		cfg.ReadLimit = DefaultReadLimit
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Acceptor{server: s, cfg: cfg}
}

func (a *Acceptor) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: a.cfg.OriginPatterns})
	if err != nil {
		a.cfg.Logger.Debug("websocket upgrade failed", "path", r.URL.Path, "error", err)
		return
	}
	ws.SetReadLimit(a.cfg.ReadLimit)
	a.cfg.Logger.Debug("new connection", "path", r.URL.Path, "remote", r.RemoteAddr)

	switch r.URL.Path {
	case a.cfg.ControllerPath:
		err = a.server.ServeController(r.Context(), ws)
	case a.cfg.DevicePath:
		err = a.server.ServeDevice(r.Context(), ws)
	default:
		a.cfg.Logger.Warn("invalid path", "path", r.URL.Path)
		a.cfg.Metrics.ConnectionError(metrics.RoleUnknown, metrics.ReasonInvalidPath)
		_ = ws.Close(StatusInvalidPath, "Invalid path")
		return
	}
	if err != nil {
		a.cfg.Logger.Debug("connection ended", "path", r.URL.Path, "error", err)
	}
}

// ControllerPath returns the path controllers connect to.
func (a *Acceptor) ControllerPath() string { return a.cfg.ControllerPath }

// DevicePath returns the path the device connects to.
func (a *Acceptor) DevicePath() string { return a.cfg.DevicePath }
