package model

// Conn is a send handle of an open connection. The id is unique for
// the lifetime of the process.
type Conn interface {
	ID() uint64
	Send(Message) error
	Close() error
}

// EventSink accepts events produced by transports and user interfaces.
type EventSink interface {
	Submit(Event)
}

// Event is an input of the state machine.
type Event interface {
	isEvent()
}

type (
	// Open reports a new connection. Address is the dialed address for
	// outbound connections and empty for accepted ones.
	Open struct {
		Conn    Conn
		Address string
	}

	// Closed reports that the connection with this id is gone.
	Closed struct {
		ConnID uint64
	}

	// Received carries a decoded message read from a connection.
	Received struct {
		Message Message
		ConnID  uint64
	}

	// JoinSend asks to join the room administered at Address.
	JoinSend struct {
		Address string
	}

	// StartRoom asks to create a new room with self as admin.
	StartRoom struct{}

	// SubmitMessage carries a payload authored by the local user.
	SubmitMessage struct {
		Payload ForwardPayload
	}

	// ConnectFailed reports that dialing Address was given up.
	ConnectFailed struct {
		Address string
		Err     error
	}

	// SyncTimeout fires when a candidate admin did not answer a JoinReq in time.
	SyncTimeout struct {
		ConnID uint64
	}

	// RejoinTimeout ends the grace period a newly promoted admin gives the
	// peers of the previous hierarchy. Round identifies the takeover.
	RejoinTimeout struct {
		Round uint64
	}
)

func (o Open) Outbound() bool { return o.Address != "" }

func (Open) isEvent()          {}
func (Closed) isEvent()        {}
func (Received) isEvent()      {}
func (JoinSend) isEvent()      {}
func (StartRoom) isEvent()     {}
func (SubmitMessage) isEvent() {}
func (ConnectFailed) isEvent() {}
func (SyncTimeout) isEvent()   {}
func (RejoinTimeout) isEvent() {}

// EventName is used in logs.
func EventName(ev Event) string {
	switch ev.(type) {
	case Open:
		return "open"
	case Closed:
		return "closed"
	case Received:
		return "received"
	case JoinSend:
		return "join_send"
	case StartRoom:
		return "start_room"
	case SubmitMessage:
		return "submit_message"
	case ConnectFailed:
		return "connect_failed"
	case SyncTimeout:
		return "sync_timeout"
	case RejoinTimeout:
		return "rejoin_timeout"
	default:
		return "unknown"
	}
}
