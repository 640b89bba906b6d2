package wire

import (
	"encoding/binary"
	"net/netip"

	"github.com/google/netstack/tcpip/header"
)

// TCP flag bits, re-exported from github.com/google/netstack/tcpip/header
// so callers outside this package never need to import it directly.
const (
	FlagFIN = header.TCPFlagFin
	FlagSYN = header.TCPFlagSyn
	FlagRST = header.TCPFlagRst
	FlagPSH = header.TCPFlagPsh
	FlagACK = header.TCPFlagAck
	FlagURG = header.TCPFlagUrg
)

// tcpHeaderLenNoOptions is the fixed TCP header length; this codec emits no
// options besides a possible 4-byte MSS option on SYN/SYN-ACK segments
// (spec.md §4.1), so data offset is always 20 or 24.
const (
	tcpHeaderLenNoOptions = 20
	mssOptionLen          = 4
	optKindMSS            = 2
	optKindNop            = 1
	optKindEnd            = 0
)

// TCPSegment is the parsed, in-memory representation of a TCP segment:
// fixed header fields plus an optional MSS value and the payload.
type TCPSegment struct {
	SrcPort, DstPort uint16
	SeqNum, AckNum   uint32
	Flags            uint8
	Window           uint16
	UrgentPtr        uint16
	MSS              uint16 // 0 if the segment carried no MSS option
	Data             []byte
}

// ParseTCP parses a TCP segment out of segBytes (the IP payload), verifying
// the checksum against the given pseudo-header addresses. A checksum
// mismatch, truncated header, or malformed option yields a CodecError,
// which the caller drops silently per spec.md §4.1.
func ParseTCP(segBytes []byte, src, dst netip.Addr) (TCPSegment, error) {
	if len(segBytes) < tcpHeaderLenNoOptions {
		return TCPSegment{}, codecErrorf("tcp: segment shorter than fixed header")
	}
	h := header.TCP(segBytes)
	dataOffset := int(h.DataOffset())
	if dataOffset < tcpHeaderLenNoOptions || dataOffset > len(segBytes) {
		return TCPSegment{}, codecErrorf("tcp: invalid data offset")
	}

	if !verifyTCPChecksum(src, dst, segBytes) {
		return TCPSegment{}, codecErrorf("tcp: checksum mismatch")
	}

	mss, err := parseOptions(segBytes[tcpHeaderLenNoOptions:dataOffset])
	if err != nil {
		return TCPSegment{}, err
	}

	return TCPSegment{
		SrcPort:   h.SourcePort(),
		DstPort:   h.DestinationPort(),
		SeqNum:    h.SequenceNumber(),
		AckNum:    h.AckNumber(),
		Flags:     h.Flags(),
		Window:    h.WindowSize(),
		UrgentPtr: binary.BigEndian.Uint16(segBytes[header.TCPUrgentPtrOffset:]),
		MSS:       mss,
		Data:      segBytes[dataOffset:],
	}, nil
}

// parseOptions recognizes only the MSS option (kind 2, length 4); any other
// known-length option is skipped over, and a malformed option length drops
// the segment.
func parseOptions(opts []byte) (mss uint16, err error) {
	i := 0
	for i < len(opts) {
		kind := opts[i]
		switch kind {
		case optKindEnd:
			return mss, nil
		case optKindNop:
			i++
			continue
		}
		if i+1 >= len(opts) {
			return 0, codecErrorf("tcp: truncated option")
		}
		optLen := int(opts[i+1])
		if optLen < 2 || i+optLen > len(opts) {
			return 0, codecErrorf("tcp: malformed option length")
		}
		if kind == optKindMSS {
			if optLen != mssOptionLen {
				return 0, codecErrorf("tcp: malformed MSS option")
			}
			mss = uint16(opts[i+2])<<8 | uint16(opts[i+3])
		}
		i += optLen
	}
	return mss, nil
}

// SerializeTCP serializes seg into a TCP header + payload, computing the
// checksum over the given pseudo-header addresses. An MSS option is
// emitted iff includeMSS is true (SYN and SYN-ACK segments per §4.1); no
// other segment ever carries options.
func SerializeTCP(seg TCPSegment, src, dst netip.Addr, includeMSS bool) []byte {
	headerLen := tcpHeaderLenNoOptions
	if includeMSS {
		headerLen += mssOptionLen
	}

	buf := make(header.TCP, headerLen+len(seg.Data))
	buf.Encode(&header.TCPFields{
		SrcPort:    seg.SrcPort,
		DstPort:    seg.DstPort,
		SeqNum:     seg.SeqNum,
		AckNum:     seg.AckNum,
		DataOffset: uint8(headerLen),
		Flags:      seg.Flags,
		WindowSize: seg.Window,
		Checksum:   0,
	})
	if includeMSS {
		buf[tcpHeaderLenNoOptions] = optKindMSS
		buf[tcpHeaderLenNoOptions+1] = mssOptionLen
		buf[tcpHeaderLenNoOptions+2] = byte(seg.MSS >> 8)
		buf[tcpHeaderLenNoOptions+3] = byte(seg.MSS)
	}
	copy(buf[headerLen:], seg.Data)

	checksum := tcpChecksum(toNetstackAddress(src), toNetstackAddress(dst), buf)
	buf.SetChecksum(checksum)
	return buf
}

func verifyTCPChecksum(src, dst netip.Addr, tcpHeaderAndPayload []byte) bool {
	xsum := pseudoHeaderChecksum(toNetstackAddress(src), toNetstackAddress(dst), uint16(len(tcpHeaderAndPayload)))
	xsum = header.Checksum(tcpHeaderAndPayload, xsum)
	return xsum == 0xffff
}
