package wire

import (
	"net/netip"

	"github.com/google/netstack/tcpip"
	"github.com/google/netstack/tcpip/header"
)

const (
	ipv4HeaderLen  = 20
	protocolTCPNum = 6
)

// IPv4Header is the parsed representation of an IPv4 header this codec
// recognizes. Options are never generated, and any incoming packet that
// carries them, or is a fragment, is dropped — spec.md's non-goals
// exclude IP fragmentation/reassembly.
type IPv4Header struct {
	TTL      uint8
	Protocol uint8
	Src, Dst netip.Addr
}

// ParseIPv4 parses an IPv4 packet, returning the header and the IP
// payload (the TCP segment bytes). Malformed packets, options, fragments,
// and checksum mismatches all yield a CodecError.
func ParseIPv4(frame []byte) (IPv4Header, []byte, error) {
	if len(frame) < ipv4HeaderLen {
		return IPv4Header{}, nil, codecErrorf("ipv4: frame shorter than minimum header")
	}
	if version := frame[0] >> 4; version != 4 {
		return IPv4Header{}, nil, codecErrorf("ipv4: unexpected version %d", version)
	}
	h := header.IPv4(frame)
	if int(h.HeaderLength()) != ipv4HeaderLen {
		return IPv4Header{}, nil, codecErrorf("ipv4: options present, unsupported")
	}
	if int(h.TotalLength()) > len(frame) {
		return IPv4Header{}, nil, codecErrorf("ipv4: total length exceeds frame")
	}
	if h.FragmentOffset() != 0 || h.Flags()&header.IPv4FlagMoreFragments != 0 {
		return IPv4Header{}, nil, codecErrorf("ipv4: fragmented packet, unsupported")
	}
	if !verifyIPv4Checksum(frame[:ipv4HeaderLen]) {
		return IPv4Header{}, nil, codecErrorf("ipv4: header checksum mismatch")
	}
	if h.Protocol() != protocolTCPNum {
		return IPv4Header{}, nil, codecErrorf("ipv4: not a TCP packet")
	}

	src, ok := netip.AddrFromSlice([]byte(h.SourceAddress()))
	if !ok {
		return IPv4Header{}, nil, codecErrorf("ipv4: malformed source address")
	}
	dst, ok := netip.AddrFromSlice([]byte(h.DestinationAddress()))
	if !ok {
		return IPv4Header{}, nil, codecErrorf("ipv4: malformed destination address")
	}

	return IPv4Header{
		TTL:      h.TTL(),
		Protocol: h.Protocol(),
		Src:      src,
		Dst:      dst,
	}, frame[ipv4HeaderLen:h.TotalLength()], nil
}

// SerializeIPv4 serializes h and payload into a complete IPv4 packet,
// computing the header checksum. id is the IPv4 identification field;
// since this stack never fragments, callers may pass a monotonically
// increasing counter or zero.
func SerializeIPv4(h IPv4Header, payload []byte, id uint16) []byte {
	totalLen := ipv4HeaderLen + len(payload)
	buf := make(header.IPv4, totalLen)
	buf.Encode(&header.IPv4Fields{
		IHL:         ipv4HeaderLen,
		TotalLength: uint16(totalLen),
		ID:          id,
		TTL:         h.TTL,
		Protocol:    h.Protocol,
		Checksum:    0,
		SrcAddr:     tcpip.Address(h.Src.AsSlice()),
		DstAddr:     tcpip.Address(h.Dst.AsSlice()),
	})
	copy(buf[ipv4HeaderLen:], payload)
	buf.SetChecksum(0)
	buf.SetChecksum(^header.Checksum(buf[:ipv4HeaderLen], 0))
	return buf
}

func verifyIPv4Checksum(headerBytes []byte) bool {
	return header.Checksum(headerBytes, 0) == 0xffff
}
