// Package udpext parses an IPv4 packet and extracts its UDP destination
// address, port and payload, for delivery to the ensemble manager.
// Grounded on original_source/src/parsers/udp_extractor.cpp and the
// equivalent inline logic in ensemble_manager.cpp's processIpPacket.
package udpext

const (
	protoUDP  = 17
	minIPPkt  = 28
	udpHdrLen = 8
)

// Datagram is one extracted UDP payload.
type Datagram struct {
	DstIP   uint32
	DstPort uint16
	Payload []byte
}

// Extract parses ip as an IPv4 packet and returns its UDP payload. ok is
// false when the packet is too short, not IPv4, not UDP, has an invalid
// IHL, or declares a UDP length inconsistent with the buffer.
func Extract(ip []byte) (d Datagram, ok bool) {
	if len(ip) < minIPPkt {
		return Datagram{}, false
	}
	if ip[0]>>4 != 4 {
		return Datagram{}, false
	}
	ihl := int(ip[0]&0x0F) * 4
	if ihl < 20 || ihl > len(ip) {
		return Datagram{}, false
	}
	if ip[9] != protoUDP {
		return Datagram{}, false
	}
	if len(ip) < ihl+udpHdrLen {
		return Datagram{}, false
	}

	dstIP := uint32(ip[16])<<24 | uint32(ip[17])<<16 | uint32(ip[18])<<8 | uint32(ip[19])

	udp := ip[ihl:]
	dstPort := uint16(udp[2])<<8 | uint16(udp[3])
	udpLen := int(udp[4])<<8 | int(udp[5])

	if udpLen < udpHdrLen || udpLen > len(ip)-ihl {
		return Datagram{}, false
	}

	payload := udp[udpHdrLen:udpLen]
	return Datagram{DstIP: dstIP, DstPort: dstPort, Payload: payload}, true
}
