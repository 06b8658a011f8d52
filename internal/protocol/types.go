package protocol

// Version is the serializer version advertised in the connection URL.
const Version = "2.0.0"

// Connection URL query parameters.
const (
	ParamToken   = "token"
	ParamVersion = "vsn"
)

// SystemTopic is the reserved topic carrying keepalive traffic.
const SystemTopic = "phoenix"

// Reserved channel events.
const (
	EventHeartbeat = "heartbeat"
	EventJoin      = "phx_join"
	EventLeave     = "phx_leave"
	EventReply     = "phx_reply"
	EventError     = "phx_error"
	EventClose     = "phx_close"
)

// StatusOK is the reply status signalling success.
const StatusOK = "ok"

// IsKeepaliveReply reports whether topic/event identify the server's heartbeat ack.
func IsKeepaliveReply(topic, event string) bool {
	return topic == SystemTopic && event == EventReply
}

// IsReserved reports whether event is one of the phx_* control events.
func IsReserved(event string) bool {
	switch event {
	case EventJoin, EventLeave, EventReply, EventError, EventClose:
		return true
	default:
		return false
	}
}
