package model

// Message is the envelope exchanged between peers. One message is sent
// per websocket frame.
type Message struct {
	Payload Payload
}

// Payload is one of JoinReq, Sync or Forward.
type Payload interface {
	isPayload()
}

// JoinReq is sent by a peer right after it connected to an admin.
type JoinReq struct {
	Peer Peer
}

// Sync carries the full room state from the admin.
type Sync struct {
	Room Room
}

// Forward is a user payload relayed by the admin to every member.
type Forward struct {
	Author Peer
	Body   ForwardPayload
}

func (JoinReq) isPayload() {}
func (Sync) isPayload()    {}
func (Forward) isPayload() {}

// ForwardPayload is either Text or Notification.
type ForwardPayload interface {
	isForwardPayload()
	String() string
}

type (
	Text         string
	Notification string
)

func (Text) isForwardPayload()         {}
func (Notification) isForwardPayload() {}

func (t Text) String() string         { return string(t) }
func (n Notification) String() string { return string(n) }

// Kind returns the name of the payload variant.
func Kind(p ForwardPayload) string {
	switch p.(type) {
	case Text:
		return "text"
	case Notification:
		return "notification"
	default:
		return "unknown"
	}
}

func PayloadKind(p Payload) string {
	switch p.(type) {
	case JoinReq:
		return "join_req"
	case Sync:
		return "sync"
	case Forward:
		return "forward"
	default:
		return "unknown"
	}
}
