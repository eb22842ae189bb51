package lib

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/google/netstack/tcpip/header"
	"github.com/google/netstack/tcpip/seqnum"
	"github.com/pkg/errors"
)

// Segment is the STCP wire unit: a fixed 20 byte TCP-shaped header followed by
// at most MSS bytes of payload. Ports and the urgent pointer are carried as
// zero; the connection is identified by the network it runs over.
type Segment struct {
	SequenceNumber    seqnum.Value // first payload byte, or the sequence number consumed by SYN/FIN
	AcknowledgmentNum seqnum.Value // valid only when ACKFlag is set
	Flags             uint8
	WindowSize        uint16 // receiver's free buffer in bytes
	Payload           []byte
}

// Marshal encodes the segment into buffer and returns the frame length.
func (s *Segment) Marshal(buffer []byte) (int, error) {
	frameLength := SegmentHeaderLength + len(s.Payload)
	if frameLength > len(buffer) {
		return 0, errors.Errorf("buffer size (%d) is too small to hold the frame (%d)", len(buffer), frameLength)
	}
	frame := buffer[:frameLength]

	hdr := header.TCP(frame[:SegmentHeaderLength])
	hdr.Encode(&header.TCPFields{
		SeqNum:     uint32(s.SequenceNumber),
		AckNum:     uint32(s.AcknowledgmentNum),
		DataOffset: SegmentHeaderLength,
		Flags:      s.Flags,
		WindowSize: s.WindowSize,
	})
	copy(frame[SegmentHeaderLength:], s.Payload)

	hdr.SetChecksum(^header.Checksum(frame, 0))
	return frameLength, nil
}

// Encode returns a freshly allocated frame for the segment.
func (s *Segment) Encode() []byte {
	frame := make([]byte, SegmentHeaderLength+len(s.Payload))
	// buffer is sized exactly, Marshal cannot fail
	_, _ = s.Marshal(frame)
	return frame
}

// Unmarshal decodes data into s. Any structural problem is reported as
// ErrMalformedSegment. The payload is copied so data may be reused.
func (s *Segment) Unmarshal(data []byte) error {
	if len(data) < SegmentHeaderLength {
		return errors.Wrapf(ErrMalformedSegment, "the length(%d) of data is too short to be unmarshalled", len(data))
	}
	hdr := header.TCP(data)
	if int(hdr.DataOffset()) != SegmentHeaderLength {
		return errors.Wrapf(ErrMalformedSegment, "header length %d, want %d", hdr.DataOffset(), SegmentHeaderLength)
	}
	if header.Checksum(data, 0) != 0xffff {
		return errors.Wrapf(ErrMalformedSegment, "checksum mismatch (stored %#04x)", hdr.Checksum())
	}
	if hdr.Flags()&^knownFlags != 0 {
		return errors.Wrapf(ErrMalformedSegment, "unknown flag bits %#02x", hdr.Flags()&^knownFlags)
	}

	s.SequenceNumber = seqnum.Value(hdr.SequenceNumber())
	s.AcknowledgmentNum = seqnum.Value(hdr.AckNumber())
	s.Flags = hdr.Flags()
	s.WindowSize = hdr.WindowSize()
	s.Payload = nil
	if len(data) > SegmentHeaderLength {
		s.Payload = make([]byte, len(data)-SegmentHeaderLength)
		copy(s.Payload, data[SegmentHeaderLength:])
	}
	return nil
}

// DecodeSegment is a convenience wrapper around Unmarshal.
func DecodeSegment(data []byte) (*Segment, error) {
	s := &Segment{}
	if err := s.Unmarshal(data); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Segment) has(flag uint8) bool {
	return s.Flags&flag != 0
}

// seqLen is the amount of sequence space the segment occupies. SYN and FIN
// each consume one number on top of the payload.
func (s *Segment) seqLen() seqnum.Size {
	n := seqnum.Size(len(s.Payload))
	if s.has(SYNFlag) {
		n++
	}
	if s.has(FINFlag) {
		n++
	}
	return n
}

// end returns the sequence number following the segment.
func (s *Segment) end() seqnum.Value {
	return s.SequenceNumber.Add(s.seqLen())
}

func (s *Segment) String() string {
	return fmt.Sprintf("[%s seq=%d ack=%d win=%d len=%d]",
		flagString(s.Flags), s.SequenceNumber, s.AcknowledgmentNum, s.WindowSize, len(s.Payload))
}

func flagString(flags uint8) string {
	var names []string
	if flags&SYNFlag != 0 {
		names = append(names, "SYN")
	}
	if flags&FINFlag != 0 {
		names = append(names, "FIN")
	}
	if flags&ACKFlag != 0 {
		names = append(names, "ACK")
	}
	if len(names) == 0 {
		return "-"
	}
	return strings.Join(names, "|")
}

// GenerateISN picks a random initial sequence number.
func GenerateISN() (seqnum.Value, error) {
	var isn uint32
	if err := binary.Read(rand.Reader, binary.BigEndian, &isn); err != nil {
		return 0, err
	}
	return seqnum.Value(isn), nil
}
