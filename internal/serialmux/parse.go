package serialmux

import "strings"

const (
	EventTypeClassification = "classification"
	EventTypeAck            = "ack"
	EventTypeFault          = "fault"
	EventTypeUnknown        = "unknown"
)

// ClassifyPayload inspects a line from a device and returns a simple event
// type token. JSON objects carrying a lane error or light label are
// classifier frames; motor controllers answer "OK ..." or "ERR ...".
func ClassifyPayload(payload string) string {
	p := strings.TrimSpace(payload)
	switch {
	case strings.HasPrefix(p, "{") && (strings.Contains(p, `"lane_error"`) || strings.Contains(p, `"light"`)):
		return EventTypeClassification
	case p == "OK" || strings.HasPrefix(p, "OK "):
		return EventTypeAck
	case p == "ERR" || strings.HasPrefix(p, "ERR "):
		return EventTypeFault
	default:
		return EventTypeUnknown
	}
}
