package lib

import (
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/pkg/errors"
)

type Direction int

const (
	DirectionOut Direction = iota
	DirectionIn
)

// SegmentTracer observes every frame a connection sends or receives. It is
// called from the event loop and must not retain frame.
type SegmentTracer interface {
	TraceSegment(dir Direction, frame []byte)
}

// PcapTracer writes segments to a pcap stream as IPv4/TCP packets between two
// synthetic endpoints so standard tools can dissect them.
type PcapTracer struct {
	Local, Remote net.TCPAddr

	mu  sync.Mutex
	w   *pcapgo.Writer
	err error
}

func NewPcapTracer(w io.Writer) (*PcapTracer, error) {
	pw := pcapgo.NewWriter(w)
	if err := pw.WriteFileHeader(SegmentHeaderLength+MaxSegmentPayload+20, layers.LinkTypeRaw); err != nil {
		return nil, errors.Wrap(err, "write pcap header")
	}
	return &PcapTracer{
		Local:  net.TCPAddr{IP: net.IPv4(10, 0, 0, 1), Port: 40000},
		Remote: net.TCPAddr{IP: net.IPv4(10, 0, 0, 2), Port: 40001},
		w:      pw,
	}, nil
}

func (p *PcapTracer) TraceSegment(dir Direction, frame []byte) {
	seg, err := DecodeSegment(frame)
	if err != nil {
		return
	}

	src, dst := p.Local, p.Remote
	if dir == DirectionIn {
		src, dst = dst, src
	}
	ip := &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      64,
		Protocol: layers.IPProtocolTCP,
		SrcIP:    src.IP.To4(),
		DstIP:    dst.IP.To4(),
	}
	tcp := &layers.TCP{
		SrcPort:    layers.TCPPort(src.Port),
		DstPort:    layers.TCPPort(dst.Port),
		Seq:        uint32(seg.SequenceNumber),
		Ack:        uint32(seg.AcknowledgmentNum),
		DataOffset: SegmentHeaderWords,
		SYN:        seg.has(SYNFlag),
		ACK:        seg.has(ACKFlag),
		FIN:        seg.has(FINFlag),
		Window:     seg.WindowSize,
	}
	if err := tcp.SetNetworkLayerForChecksum(ip); err != nil {
		p.setErr(err)
		return
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, ip, tcp, gopacket.Payload(seg.Payload)); err != nil {
		p.setErr(err)
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return
	}
	data := buf.Bytes()
	ci := gopacket.CaptureInfo{Timestamp: time.Now(), CaptureLength: len(data), Length: len(data)}
	p.err = p.w.WritePacket(ci, data)
}

func (p *PcapTracer) setErr(err error) {
	p.mu.Lock()
	if p.err == nil {
		p.err = err
	}
	p.mu.Unlock()
}

// Err returns the first error hit while writing, after which tracing stops.
func (p *PcapTracer) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}
