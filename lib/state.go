package lib

import "fmt"

// State is a connection lifecycle state.
type State int32

const (
	StateClosed State = iota
	StateSynSent
	StateSynRcvd
	StateEstablished
	StateFinWait1
	StateFinWait2
	StateClosing
	StateCloseWait
	StateLastAck
	StateTimeWait
	StateClosedDone
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateSynSent:
		return "SYN_SENT"
	case StateSynRcvd:
		return "SYN_RCVD"
	case StateEstablished:
		return "ESTABLISHED"
	case StateFinWait1:
		return "FIN_WAIT_1"
	case StateFinWait2:
		return "FIN_WAIT_2"
	case StateClosing:
		return "CLOSING"
	case StateCloseWait:
		return "CLOSE_WAIT"
	case StateLastAck:
		return "LAST_ACK"
	case StateTimeWait:
		return "TIME_WAIT"
	case StateClosedDone:
		return "CLOSED_DONE"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// handshaking reports whether the three-way handshake is still unresolved.
func (s State) handshaking() bool {
	return s == StateClosed || s == StateSynSent || s == StateSynRcvd
}

// canSend reports whether the application may still submit data, i.e. the
// local FIN has not been sent yet.
func (s State) canSend() bool {
	return s == StateEstablished || s == StateCloseWait
}
