package protocol

import "encoding/json"

// Controller-facing CDP methods the relay answers or synthesizes itself.
const (
	MethodGetVersion          = "Browser.getVersion"
	MethodSetDownloadBehavior = "Browser.setDownloadBehavior"
	MethodSetAutoAttach       = "Target.setAutoAttach"
	MethodGetTargetInfo       = "Target.getTargetInfo"
	MethodAttachedToTarget    = "Target.attachedToTarget"
)

// Device-link methods used between the relay and the device peer. These are
// never exposed to the controller.
const (
	MethodAttachToTab       = "attachToTab"
	MethodDetachFromTab     = "detachFromTab"
	MethodForwardCDPCommand = "forwardCDPCommand"
	MethodForwardCDPEvent   = "forwardCDPEvent"
	MethodDetachedFromTab   = "detachedFromTab"
)

// ForwardCommand is the params payload of a forwardCDPCommand request. It
// carries a controller command verbatim.
type ForwardCommand struct {
	SessionID string          `json:"sessionId,omitempty"`
	Method    string          `json:"method"`
	Params    json.RawMessage `json:"params,omitempty"`
}

// ForwardEvent is the params payload of a forwardCDPEvent notification.
type ForwardEvent struct {
	SessionID string          `json:"sessionId,omitempty"`
	Method    string          `json:"method"`
	Params    json.RawMessage `json:"params,omitempty"`
}

// AttachmentInfo is the result of attachToTab.
type AttachmentInfo struct {
	SessionID string `json:"sessionId"`

	// TargetInfo is opaque to the relay apart from the "attached" flag it
	// forces when announcing the attachment.
	TargetInfo json.RawMessage `json:"targetInfo,omitempty"`
}

// AttachedToTarget is the params payload of Target.attachedToTarget.
type AttachedToTarget struct {
	SessionID          string          `json:"sessionId"`
	TargetInfo         json.RawMessage `json:"targetInfo"`
	WaitingForDebugger bool            `json:"waitingForDebugger"`
}

// VersionInfo is the result of Browser.getVersion.
type VersionInfo struct {
	ProtocolVersion string `json:"protocolVersion"`
	Product         string `json:"product"`
	UserAgent       string `json:"userAgent"`
}

// CurrentProtocolVersion is the CDP version the relay reports.
const CurrentProtocolVersion = "1.3"

// AttachedTargetInfo returns a copy of info with "attached" forced to true.
// A payload that is absent or not a JSON object is replaced by one holding
// only the flag.
func AttachedTargetInfo(info json.RawMessage) json.RawMessage {
	fields := map[string]json.RawMessage{}
	if len(info) > 0 {
		if err := json.Unmarshal(info, &fields); err != nil || fields == nil {
			fields = map[string]json.RawMessage{}
		}
	}
	fields["attached"] = json.RawMessage("true")
	data, _ := json.Marshal(fields) // map of raw JSON values, cannot fail
	return data
}
