package wire

import (
	"fmt"
	"io"
)

// ReadPacket reads one framed packet (4-byte header + payload) from r.
func ReadPacket(r io.Reader) (Packet, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(r, header); err != nil {
		return Packet{}, err
	}

	length := int(header[0]) | int(header[1])<<8 | int(header[2])<<16
	if length > maxPayloadLen {
		return Packet{}, fmt.Errorf("wire: packet too large: %d", length)
	}

	payload := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return Packet{}, err
		}
	}

	return Packet{Seq: header[3], Payload: payload}, nil
}

// WritePacket frames and writes a single packet to w.
func WritePacket(w io.Writer, p Packet) error {
	buf := Serialize(p)
	if buf == nil {
		return fmt.Errorf("wire: payload of %d bytes exceeds serialization limit", len(p.Payload))
	}
	_, err := w.Write(buf)
	return err
}
