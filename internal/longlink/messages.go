package longlink

import (
	"fmt"

	"github.com/danmuck/imlink/internal/buffer"
	"github.com/danmuck/imlink/internal/protocol/frame"
)

// State is the lifecycle state of one long-link.
type State uint32

const (
	StateNone State = iota
	StateConnecting
	StateCheckIdentify
	StateConnected
	StateDisconnected
	StateConnectFail
)

func (s State) String() string {
	switch s {
	case StateNone:
		return "none"
	case StateConnecting:
		return "connecting"
	case StateCheckIdentify:
		return "check_identify"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateConnectFail:
		return "connect_fail"
	default:
		return fmt.Sprintf("State(%d)", uint32(s))
	}
}

// Terminal reports whether no further transitions follow s.
func (s State) Terminal() bool {
	return s == StateDisconnected || s == StateConnectFail
}

// RequestKind tags a Request sent into a running link.
type RequestKind uint8

const (
	// RequestCheckIdentify queues an identify payload.
	RequestCheckIdentify RequestKind = iota + 1
	// RequestIdentifyAccepted clears the identify queue and promotes the link.
	RequestIdentifyAccepted
	// RequestIdentifyRejected terminates the link.
	RequestIdentifyRejected
	// RequestSend queues an application frame for after Connected.
	RequestSend
	// RequestIdentifyRetry ends the wait for a verdict without promoting the link.
	RequestIdentifyRetry
)

func (k RequestKind) String() string {
	switch k {
	case RequestCheckIdentify:
		return "check_identify"
	case RequestIdentifyAccepted:
		return "identify_accepted"
	case RequestIdentifyRejected:
		return "identify_rejected"
	case RequestSend:
		return "send"
	case RequestIdentifyRetry:
		return "identify_retry"
	default:
		return fmt.Sprintf("RequestKind(%d)", uint8(k))
	}
}

// Request is an instruction from the transport to the link loop. The
// payload buffer is handed off; the sender must not touch it afterwards.
type Request struct {
	Kind    RequestKind
	CmdID   uint32
	TaskID  uint32
	Payload *buffer.Buffer
}

func CheckIdentify(payload *buffer.Buffer, cmdID uint32) Request {
	return Request{Kind: RequestCheckIdentify, CmdID: cmdID, TaskID: frame.IdentifyTaskID, Payload: payload}
}

func IdentifyAccepted() Request {
	return Request{Kind: RequestIdentifyAccepted}
}

func IdentifyRejected() Request {
	return Request{Kind: RequestIdentifyRejected}
}

func IdentifyRetry() Request {
	return Request{Kind: RequestIdentifyRetry}
}

func Send(cmdID, taskID uint32, payload *buffer.Buffer) Request {
	return Request{Kind: RequestSend, CmdID: cmdID, TaskID: taskID, Payload: payload}
}

// ResponseKind tags a Response reported by the link loop.
type ResponseKind uint8

const (
	ResponseNone ResponseKind = iota
	ResponseConnecting
	ResponseCheckIdentify
	// ResponseIdentify carries the frame answering the identify payload.
	ResponseIdentify
	ResponseConnected
	// ResponseFrame carries an inbound frame on a connected link.
	ResponseFrame
	ResponseDisconnected
	ResponseConnectFail
)

func (k ResponseKind) String() string {
	switch k {
	case ResponseNone:
		return "none"
	case ResponseConnecting:
		return "connecting"
	case ResponseCheckIdentify:
		return "check_identify"
	case ResponseIdentify:
		return "identify"
	case ResponseConnected:
		return "connected"
	case ResponseFrame:
		return "frame"
	case ResponseDisconnected:
		return "disconnected"
	case ResponseConnectFail:
		return "connect_fail"
	default:
		return fmt.Sprintf("ResponseKind(%d)", uint8(k))
	}
}

// Response is one report from the link loop. Err is set on terminal
// responses caused by a failure.
type Response struct {
	Kind  ResponseKind
	Frame frame.Frame
	Err   error
}

func (r Response) Terminal() bool {
	return r.Kind == ResponseDisconnected || r.Kind == ResponseConnectFail
}
