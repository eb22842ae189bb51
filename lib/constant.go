package lib

import (
	"time"

	"github.com/google/netstack/tcpip/header"
)

// Flag constants
const (
	// STCP uses the TCP flag bit positions; only these three are defined.
	FINFlag uint8 = header.TCPFlagFin
	SYNFlag uint8 = header.TCPFlagSyn
	ACKFlag uint8 = header.TCPFlagAck

	knownFlags = FINFlag | SYNFlag | ACKFlag
)

const (
	SegmentHeaderLength = header.TCPMinimumSize // no options are defined, so the header never grows
	SegmentHeaderWords  = SegmentHeaderLength / 4
	MaxWindowSize       = 1<<16 - 1 // window field is 16 bits wide
	MaxSegmentPayload   = MaxWindowSize - SegmentHeaderLength
)

// Defaults used by DefaultConnectionConfig.
const (
	DefaultMSS               = 536
	DefaultWindowSize        = 3072
	DefaultHandshakeTimeout  = 3 * time.Second
	DefaultRetransmitTimeout = 200 * time.Millisecond
	DefaultMaxRetransmits    = 8
	DefaultTimeWaitDuration  = time.Second
	DefaultRTOMin            = 20 * time.Millisecond
	DefaultRTOMax            = 10 * time.Second
)

// RTO estimator names accepted by ConnectionConfig.RTOEstimator.
const (
	RTOEstimatorFixed    = "fixed"
	RTOEstimatorSmoothed = "smoothed"
)
