package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/coder/websocket"
	"github.com/hotnsoursoup/playwright-electron-mcp/internal/metrics"
	"github.com/hotnsoursoup/playwright-electron-mcp/internal/protocol"
)

// handleControllerData decodes one controller message. Malformed messages
// are logged and dropped; the socket stays open.
func (s *Server) handleControllerData(p *controllerPeer, data []byte) {
	if s.controller != p {
		p.logger.Debug("dropping message from superseded controller")
		return
	}
	msg, err := protocol.Decode(data)
	if err != nil {
		p.logger.Warn("error parsing controller message", "error", err)
		s.metrics.ConnectionError(metrics.RoleController, metrics.ReasonMalformedJSON)
		return
	}
	if !msg.IsRequest() {
		p.logger.Warn("ignoring controller message without id and method", "message", msg.Describe())
		s.metrics.ConnectionError(metrics.RoleController, metrics.ReasonInvalidMessage)
		return
	}
	p.logger.Debug("← controller", "method", msg.Method, "id", *msg.ID, "sessionId", msg.SessionID)
	s.handleCommand(p, msg)
}

// handleCommand answers the commands whose meaning differs over a relay and
// forwards everything else. Matching is by exact method name.
func (s *Server) handleCommand(p *controllerPeer, msg *protocol.Message) {
	switch msg.Method {
	case protocol.MethodGetVersion:
		result, _ := json.Marshal(protocol.VersionInfo{
			ProtocolVersion: protocol.CurrentProtocolVersion,
			Product:         s.cfg.Product,
			UserAgent:       s.cfg.UserAgent,
		})
		s.intercepted(p, msg, result)
		return

	case protocol.MethodSetDownloadBehavior:
		// The extension has no equivalent; report success.
		s.intercepted(p, msg, protocol.EmptyResult)
		return

	case protocol.MethodSetAutoAttach:
		if msg.SessionID == "" {
			s.autoAttach(p, msg)
			return
		}

	case protocol.MethodGetTargetInfo:
		var result json.RawMessage
		if s.attachment != nil {
			result = s.attachment.TargetInfo
		}
		s.intercepted(p, msg, result)
		return
	}
	s.forward(p, msg)
}

func (s *Server) intercepted(p *controllerPeer, msg *protocol.Message, result json.RawMessage) {
	s.metrics.CommandHandled(msg.Method, metrics.OutcomeIntercepted)
	s.sendToController(p, protocol.Response(msg.ID, msg.SessionID, result))
}

// autoAttach attaches the extension to its tab and announces the target the
// way a browser would: Target.attachedToTarget first, then the response.
func (s *Server) autoAttach(p *controllerPeer, msg *protocol.Message) {
	d := s.device
	if d == nil {
		s.deviceUnavailable(p, msg)
		return
	}
	p.logger.Debug("simulating auto-attach", "id", *msg.ID)
	go func() {
		start := time.Now()
		raw, err := d.Call(s.ctx, protocol.MethodAttachToTab, nil, "")
		s.metrics.ObserveCommandDuration(msg.Method, time.Since(start).Seconds())
		s.post(func() { s.attachDone(p, msg, raw, err) })
	}()
}

func (s *Server) attachDone(p *controllerPeer, msg *protocol.Message, raw json.RawMessage, err error) {
	var info protocol.AttachmentInfo
	if err == nil {
		if uerr := json.Unmarshal(raw, &info); uerr != nil {
			err = fmt.Errorf("invalid %s result: %w", protocol.MethodAttachToTab, uerr)
		}
	}
	if err != nil {
		p.logger.Warn("auto-attach failed", "error", err)
		s.metrics.CommandHandled(msg.Method, metrics.OutcomeFailed)
		s.sendToController(p, protocol.ErrorResponse(msg.ID, msg.SessionID, err))
		return
	}

	s.setAttachment(&info)
	s.metrics.CommandHandled(msg.Method, metrics.OutcomeIntercepted)

	params, _ := json.Marshal(protocol.AttachedToTarget{
		SessionID:          info.SessionID,
		TargetInfo:         protocol.AttachedTargetInfo(info.TargetInfo),
		WaitingForDebugger: false,
	})
	// Both writes happen in this task, so nothing can be sent to the
	// controller between the event and the acknowledgement.
	s.sendToController(p, protocol.Event("", protocol.MethodAttachedToTarget, params))
	s.sendToController(p, protocol.Response(msg.ID, "", protocol.EmptyResult))
}

func (s *Server) deviceUnavailable(p *controllerPeer, msg *protocol.Message) {
	p.logger.Debug("extension not connected, sending error to controller", "method", msg.Method)
	s.metrics.CommandHandled(msg.Method, metrics.OutcomeDeviceUnavailable)
	s.sendToController(p, protocol.ErrorResponse(msg.ID, msg.SessionID, ErrDeviceNotConnected))
}

// sendToController writes msg to p if p is still the active controller.
// Must be called on the event loop.
func (s *Server) sendToController(p *controllerPeer, msg *protocol.Message) {
	if p == nil || s.controller != p {
		s.logger.Debug("dropping message for inactive controller", "message", msg.Describe())
		return
	}
	data, err := protocol.Encode(msg)
	if err != nil {
		p.logger.Warn("encode controller message", "error", err)
		return
	}
	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.WriteTimeout)
	defer cancel()
	if err := p.ws.Write(ctx, websocket.MessageText, data); err != nil {
		p.logger.Warn("write to controller failed", "error", err)
		return
	}
	s.metrics.MessageSent(metrics.RoleController)
	p.logger.Debug("→ controller", "message", msg.Describe())
}
