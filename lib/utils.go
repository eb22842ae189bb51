package lib

import (
	"github.com/google/netstack/tcpip/seqnum"
	"github.com/pkg/errors"
)

var (
	// ErrMalformedSegment marks a frame that could not be decoded. Such frames are
	// discarded without any state change.
	ErrMalformedSegment = errors.New("malformed segment")
	// ErrConnectionRefused is returned when the peer answers the handshake with
	// anything other than the expected reply.
	ErrConnectionRefused = errors.New("connection refused")
	// ErrTimeout is returned when the handshake does not complete in time or a
	// segment exhausts its retransmissions.
	ErrTimeout error = &TimeoutError{msg: "connection timed out"}
	// ErrWindowViolation means the connection tried to put more bytes in flight
	// than the peer advertised. It indicates a local bug.
	ErrWindowViolation = errors.New("send window violation")
	// ErrClosed is returned for operations on a connection that can no longer
	// carry them.
	ErrClosed = errors.New("connection closed")
)

type TimeoutError struct {
	msg string
}

func (e *TimeoutError) Error() string {
	return e.msg
}

func (e *TimeoutError) Timeout() bool {
	return true
}

func (e *TimeoutError) Temporary() bool {
	return false
}

// SEQ compare functions with SEQ wraparound in mind
func isGreater(seq1, seq2 seqnum.Value) bool {
	return seq2.LessThan(seq1)
}

func isGreaterOrEqual(seq1, seq2 seqnum.Value) bool {
	return seq2.LessThanEq(seq1)
}

func isLess(seq1, seq2 seqnum.Value) bool {
	return seq1.LessThan(seq2)
}

func isLessOrEqual(seq1, seq2 seqnum.Value) bool {
	return seq1.LessThanEq(seq2)
}
