package wire

import (
	"net/netip"

	"github.com/google/netstack/tcpip"
	"github.com/google/netstack/tcpip/header"
)

const (
	ipv6HeaderLen         = 40
	nextHeaderHopByHop    = 0
	nextHeaderTCP         = 6
	nextHeaderRouting     = 43
	nextHeaderFragment    = 44
	nextHeaderDestOptions = 60
)

// IPv6Header is the parsed representation of an IPv6 header this codec
// recognizes. Extension headers are walked only far enough to locate the
// TCP next-header, per spec.md §4.1; a fragment header is never expected
// to be followed (no fragmentation support) and drops the packet.
type IPv6Header struct {
	HopLimit uint8
	Src, Dst netip.Addr
}

// ParseIPv6 parses an IPv6 packet, walking any HopByHop/Routing/
// DestinationOptions extension headers to find the TCP payload. A
// fragment header, a truncated or overrunning extension header, or any
// next-header value this codec does not recognize yields a CodecError.
func ParseIPv6(frame []byte) (IPv6Header, []byte, error) {
	if len(frame) < ipv6HeaderLen {
		return IPv6Header{}, nil, codecErrorf("ipv6: frame shorter than fixed header")
	}
	if version := frame[0] >> 4; version != 6 {
		return IPv6Header{}, nil, codecErrorf("ipv6: unexpected version %d", version)
	}
	h := header.IPv6(frame)
	payloadLen := int(h.PayloadLength())
	end := ipv6HeaderLen + payloadLen
	if end > len(frame) {
		return IPv6Header{}, nil, codecErrorf("ipv6: payload length exceeds frame")
	}

	nextHeader := uint8(h.NextHeader())
	offset := ipv6HeaderLen
	for {
		switch nextHeader {
		case nextHeaderTCP:
			src, ok := netip.AddrFromSlice([]byte(h.SourceAddress()))
			if !ok {
				return IPv6Header{}, nil, codecErrorf("ipv6: malformed source address")
			}
			dst, ok := netip.AddrFromSlice([]byte(h.DestinationAddress()))
			if !ok {
				return IPv6Header{}, nil, codecErrorf("ipv6: malformed destination address")
			}
			return IPv6Header{
				HopLimit: h.HopLimit(),
				Src:      src,
				Dst:      dst,
			}, frame[offset:end], nil
		case nextHeaderFragment:
			return IPv6Header{}, nil, codecErrorf("ipv6: fragmented packet, unsupported")
		case nextHeaderHopByHop, nextHeaderRouting, nextHeaderDestOptions:
			if offset+2 > end {
				return IPv6Header{}, nil, codecErrorf("ipv6: truncated extension header")
			}
			extLen := (int(frame[offset+1]) + 1) * 8
			if offset+extLen > end {
				return IPv6Header{}, nil, codecErrorf("ipv6: extension header overruns payload")
			}
			nextHeader = frame[offset]
			offset += extLen
		default:
			return IPv6Header{}, nil, codecErrorf("ipv6: unsupported next header")
		}
	}
}

// SerializeIPv6 serializes h and payload into a complete IPv6 packet.
// IPv6 carries no header checksum (RFC 8200 §8.1); correctness of the
// upper-layer payload relies entirely on the TCP checksum's
// pseudo-header coverage.
func SerializeIPv6(h IPv6Header, payload []byte) []byte {
	buf := make(header.IPv6, ipv6HeaderLen+len(payload))
	buf.Encode(&header.IPv6Fields{
		PayloadLength: uint16(len(payload)),
		NextHeader:    nextHeaderTCP,
		HopLimit:      h.HopLimit,
		SrcAddr:       tcpip.Address(h.Src.AsSlice()),
		DstAddr:       tcpip.Address(h.Dst.AsSlice()),
	})
	copy(buf[ipv6HeaderLen:], payload)
	return buf
}
