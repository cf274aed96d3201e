// Package mpegts implements the transport-stream layer underneath PSI
// acquisition: 188-byte packet parsing, per-PID section reassembly, the
// MPEG-2 CRC32, and packetization of sections back into TS packets.
package mpegts

// Packet is a parsed 188-byte MPEG-TS transport stream packet.
type Packet struct {
	Header  PacketHeader
	Payload []byte
}

// PacketHeader contains the parsed header fields of a transport stream packet.
type PacketHeader struct {
	PID                       uint16
	ContinuityCounter         uint8
	HasAdaptationField        bool
	HasPayload                bool
	PayloadUnitStartIndicator bool
	TransportErrorIndicator   bool
	DiscontinuityIndicator    bool
}

// Well-known PIDs.
const (
	PIDPAT  uint16 = 0x0000
	PIDNull uint16 = 0x1FFF
)
