package relay

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/hotnsoursoup/playwright-electron-mcp/internal/device"
	"github.com/hotnsoursoup/playwright-electron-mcp/internal/metrics"
	"github.com/hotnsoursoup/playwright-electron-mcp/internal/protocol"
)

// forward relays msg to the device inside a forwardCDPCommand envelope.
// Every outcome, including device failures, is answered to the controller.
func (s *Server) forward(p *controllerPeer, msg *protocol.Message) {
	d := s.device
	if d == nil {
		s.deviceUnavailable(p, msg)
		return
	}
	params, err := json.Marshal(protocol.ForwardCommand{
		SessionID: msg.SessionID,
		Method:    msg.Method,
		Params:    msg.Params,
	})
	if err != nil {
		s.forwardDone(p, msg, nil, fmt.Errorf("encode %s: %w", msg.Method, err))
		return
	}
	go func() {
		start := time.Now()
		result, err := d.Call(s.ctx, protocol.MethodForwardCDPCommand, params, "")
		s.metrics.ObserveCommandDuration(msg.Method, time.Since(start).Seconds())
		s.post(func() { s.forwardDone(p, msg, result, err) })
	}()
}

func (s *Server) forwardDone(p *controllerPeer, msg *protocol.Message, result json.RawMessage, err error) {
	if err != nil {
		p.logger.Debug("error in the extension", "method", msg.Method, "id", *msg.ID, "error", err)
		s.metrics.CommandHandled(msg.Method, metrics.OutcomeFailed)
		s.sendToController(p, protocol.ErrorResponse(msg.ID, msg.SessionID, err))
		return
	}
	s.metrics.CommandHandled(msg.Method, metrics.OutcomeForwarded)
	s.sendToController(p, protocol.Response(msg.ID, msg.SessionID, result))
}

// onDeviceEvent runs on the device read goroutine. Envelopes are decoded
// here so that a malformed one closes the device connection; the rest is
// handed to the event loop.
func (s *Server) onDeviceEvent(conn *device.Conn, method string, params json.RawMessage) error {
	switch method {
	case protocol.MethodForwardCDPEvent:
		var ev protocol.ForwardEvent
		if err := json.Unmarshal(params, &ev); err != nil {
			return fmt.Errorf("decode %s: %w", method, err)
		}
		if !s.post(func() { s.deviceEvent(conn, ev) }) {
			return ErrServerStopped
		}

	case protocol.MethodDetachedFromTab:
		if !s.post(func() { s.deviceDetached(conn, params) }) {
			return ErrServerStopped
		}

	default:
		s.logger.Debug("ignoring device event", "method", method)
	}
	return nil
}

func (s *Server) deviceEvent(conn *device.Conn, ev protocol.ForwardEvent) {
	if s.device != conn {
		return
	}
	s.sendToController(s.controller, protocol.Event(ev.SessionID, ev.Method, ev.Params))
}

// deviceDetached handles the extension reporting that the debugger left
// the tab. The connection will not accept further commands for the
// attachment, so it is discarded.
func (s *Server) deviceDetached(conn *device.Conn, params json.RawMessage) {
	if s.device != conn {
		return
	}
	s.logger.Info("debugger detached from tab", "params", string(params))
	s.setAttachment(nil)
	s.device = nil
	conn.Close("Debugger detached")
}
