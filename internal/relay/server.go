// Package relay bridges one CDP controller (e.g. Playwright) and one device
// peer (a browser extension exposing chrome.debugger).
//
// A Server owns at most one controller socket and at most one device
// connection. All of its state is mutated on a single event-loop goroutine
// started by Run; socket readers and in-flight device calls hand their work
// to that loop as tasks.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/hotnsoursoup/playwright-electron-mcp/internal/device"
	"github.com/hotnsoursoup/playwright-electron-mcp/internal/metrics"
	"github.com/hotnsoursoup/playwright-electron-mcp/internal/protocol"
)

const (
	defaultProduct      = "Chrome/Extension-Bridge"
	defaultUserAgent    = "CDP-Bridge-Server/1.0.0"
	defaultPingInterval = 30 * time.Second
	defaultWriteTimeout = 10 * time.Second
	taskQueueSize       = 256

	reasonSuperseded = "New connection established"
	reasonShutdown   = "Relay shutting down"
)

var (
	// ErrDeviceNotConnected is reported to the controller when a command
	// needs the device and none is connected.
	ErrDeviceNotConnected = errors.New("extension not connected")

	// ErrServerStopped is returned when a connection is handed to a Server
	// whose event loop has exited.
	ErrServerStopped = errors.New("relay server stopped")
)

// Config holds relay parameters.
type Config struct {
	// Product and UserAgent are reported by Browser.getVersion.
	Product   string
	UserAgent string

	// PingInterval is how often both sockets are pinged. Zero uses the
	// default; negative disables pings.
	PingInterval time.Duration
	WriteTimeout time.Duration

	Logger  *slog.Logger
	Metrics *metrics.Metrics // optional; nil disables metrics
}

// Server is the relay core.
type Server struct {
	cfg     Config
	logger  *slog.Logger
	metrics *metrics.Metrics

	tasks   chan func()
	stopped chan struct{}
	ctx     context.Context
	cancel  context.CancelFunc
	closing sync.WaitGroup

	// Owned by the event loop.
	controller *controllerPeer
	device     *device.Conn
	attachment *protocol.AttachmentInfo
}

// New creates a Server. Run must be called before connections are served.
func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Product == "" {
		cfg.Product = defaultProduct
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = defaultUserAgent
	}
	if cfg.PingInterval == 0 {
		cfg.PingInterval = defaultPingInterval
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:     cfg,
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
		tasks:   make(chan func(), taskQueueSize),
		stopped: make(chan struct{}),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Run executes the event loop until ctx is cancelled. On exit both sockets
// are closed and Run waits for their close handshakes.
func (s *Server) Run(ctx context.Context) error {
	defer close(s.stopped)
	defer s.cancel()
	for {
		select {
		case <-ctx.Done():
			s.closeAll()
			s.closing.Wait()
			return nil
		case task := <-s.tasks:
			task()
		}
	}
}

// post queues task on the event loop. Returns false if the loop has exited.
func (s *Server) post(task func()) bool {
	select {
	case <-s.stopped:
		return false
	default:
	}
	select {
	case s.tasks <- task:
		return true
	case <-s.stopped:
		return false
	}
}

func (s *Server) closeAll() {
	if p := s.controller; p != nil {
		s.controller = nil
		s.closePeer(p, websocket.StatusGoingAway, reasonShutdown)
	}
	if d := s.device; d != nil {
		s.device = nil
		d.Close(reasonShutdown)
	}
	s.setAttachment(nil)
}

// controllerPeer is one accepted controller socket.
type controllerPeer struct {
	id        string
	ws        device.Socket
	logger    *slog.Logger
	closeOnce sync.Once
}

func (s *Server) closePeer(p *controllerPeer, code websocket.StatusCode, reason string) {
	p.closeOnce.Do(func() {
		p.logger.Debug("closing controller connection", "code", code, "reason", reason)
		s.closing.Add(1)
		go func() {
			defer s.closing.Done()
			_ = p.ws.Close(code, reason)
		}()
	})
}

// ServeController adopts ws as the controller connection and processes its
// messages until it closes. A previously adopted controller is closed first.
func (s *Server) ServeController(ctx context.Context, ws device.Socket) error {
	id := uuid.NewString()
	p := &controllerPeer{
		id:     id,
		ws:     ws,
		logger: s.logger.With("role", metrics.RoleController, "conn", id),
	}
	if !s.post(func() { s.adoptController(p) }) {
		_ = ws.Close(websocket.StatusGoingAway, reasonShutdown)
		return ErrServerStopped
	}

	tracker := s.metrics.ConnectionOpened(metrics.RoleController)
	start := time.Now()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go keepalive(ctx, ws, s.cfg.PingInterval, p.logger)

	var err error
	for {
		_, data, rerr := ws.Read(ctx)
		if rerr != nil {
			err = ignoreNormalClose(rerr)
			break
		}
		s.metrics.MessageReceived(metrics.RoleController)
		if !s.post(func() { s.handleControllerData(p, data) }) {
			break
		}
	}
	p.logger.Info("controller disconnected", "error", err)
	s.post(func() { s.controllerClosed(p) })
	tracker.Done(time.Since(start).Seconds(), err)
	return err
}

func (s *Server) adoptController(p *controllerPeer) {
	if old := s.controller; old != nil {
		old.logger.Info("closing previous controller connection")
		s.metrics.ConnectionError(metrics.RoleController, metrics.ReasonSuperseded)
		s.closePeer(old, websocket.StatusNormalClosure, reasonSuperseded)
	}
	s.controller = p
	p.logger.Info("controller connected")
}

// controllerClosed releases the attachment when the tracked controller goes
// away. The device connection is kept.
func (s *Server) controllerClosed(p *controllerPeer) {
	if s.controller != p {
		return
	}
	s.controller = nil
	s.detach()
}

// detach clears the attachment and asks the device to detach, ignoring the
// outcome.
func (s *Server) detach() {
	s.setAttachment(nil)
	d := s.device
	if d == nil {
		return
	}
	go func() {
		if _, err := d.Call(s.ctx, protocol.MethodDetachFromTab, protocol.EmptyResult, ""); err != nil {
			s.logger.Debug("detach request failed", "error", err)
		}
	}()
}

// ServeDevice adopts ws as the device connection and reads from it until it
// closes. A previously adopted device connection is closed first.
func (s *Server) ServeDevice(ctx context.Context, ws device.Socket) error {
	id := uuid.NewString()
	logger := s.logger.With("role", metrics.RoleDevice, "conn", id)

	var conn *device.Conn
	conn = device.New(ws, device.Config{
		Logger:       logger,
		Metrics:      s.metrics,
		WriteTimeout: s.cfg.WriteTimeout,
		OnEvent: func(method string, params json.RawMessage) error {
			return s.onDeviceEvent(conn, method, params)
		},
	})
	if !s.post(func() { s.adoptDevice(conn, logger) }) {
		_ = ws.Close(websocket.StatusGoingAway, reasonShutdown)
		return ErrServerStopped
	}

	tracker := s.metrics.ConnectionOpened(metrics.RoleDevice)
	start := time.Now()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go keepalive(ctx, ws, s.cfg.PingInterval, logger)

	err := conn.Run(ctx)
	logger.Info("device disconnected", "error", err)
	s.post(func() { s.deviceClosed(conn) })
	tracker.Done(time.Since(start).Seconds(), err)
	return err
}

func (s *Server) adoptDevice(conn *device.Conn, logger *slog.Logger) {
	if old := s.device; old != nil {
		s.metrics.ConnectionError(metrics.RoleDevice, metrics.ReasonSuperseded)
		old.Close(reasonSuperseded)
	}
	s.device = conn
	logger.Info("device connected")
}

func (s *Server) deviceClosed(conn *device.Conn) {
	if s.device == conn {
		s.device = nil
	}
}

func (s *Server) setAttachment(info *protocol.AttachmentInfo) {
	s.attachment = info
	s.metrics.SetAttached(info != nil)
}
