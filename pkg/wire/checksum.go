package wire

import (
	"net/netip"

	"github.com/google/netstack/tcpip"
	"github.com/google/netstack/tcpip/header"
)

// tcpProtocolNumber is the IP protocol number for TCP (6), typed for
// header.PseudoHeaderChecksum's signature.
const tcpProtocolNumber = tcpip.TransportProtocolNumber(6)

// toNetstackAddress converts a netip.Addr (this codec's address type
// throughout) into the raw big-endian byte-string address representation
// github.com/google/netstack/tcpip expects.
func toNetstackAddress(addr netip.Addr) tcpip.Address {
	return tcpip.Address(addr.AsSlice())
}

// pseudoHeaderChecksum folds the IPv4/IPv6 pseudo-header (source address,
// destination address, TCP length, and protocol number) into a running
// one's-complement sum, per RFC 793 and RFC 8200 §8.1.
func pseudoHeaderChecksum(src, dst tcpip.Address, tcpLength uint16) uint16 {
	return header.PseudoHeaderChecksum(tcpProtocolNumber, src, dst, tcpLength)
}

// tcpChecksum computes the TCP checksum over the pseudo-header, the TCP
// header (with its checksum field zeroed), and the payload.
func tcpChecksum(src, dst tcpip.Address, tcpHeaderAndPayload []byte) uint16 {
	xsum := pseudoHeaderChecksum(src, dst, uint16(len(tcpHeaderAndPayload)))
	xsum = header.Checksum(tcpHeaderAndPayload, xsum)
	return ^xsum
}
