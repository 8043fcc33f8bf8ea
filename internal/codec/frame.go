package codec

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	imeiLen      = 15
	maxFrameSize = 1 << 16
)

var ErrHandshake = errors.New("codec: invalid IMEI handshake")

// ReadIMEI reads the login packet: a two-byte length (0x000F) followed by
// the IMEI digits.
func ReadIMEI(r *bufio.Reader) (string, error) {
	var hdr [2]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return "", err
	}
	n := int(binary.BigEndian.Uint16(hdr[:]))
	if n != imeiLen {
		return "", fmt.Errorf("%w: length %d", ErrHandshake, n)
	}
	imei := make([]byte, n)
	if _, err := io.ReadFull(r, imei); err != nil {
		return "", err
	}
	for _, c := range imei {
		if c < '0' || c > '9' {
			return "", fmt.Errorf("%w: %q", ErrHandshake, imei)
		}
	}
	return string(imei), nil
}

// ReadFrame reads one AVL frame (preamble, length, data, CRC), reassembling
// it across TCP reads.
func ReadFrame(r *bufio.Reader) ([]byte, error) {
	var hdr [8]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	if binary.BigEndian.Uint32(hdr[0:4]) != 0 {
		return nil, fmt.Errorf("codec: invalid preamble %x", hdr[0:4])
	}
	n := int(binary.BigEndian.Uint32(hdr[4:8]))
	if n == 0 || n > maxFrameSize {
		return nil, fmt.Errorf("codec: data length %d out of range", n)
	}
	frame := make([]byte, 8+n+4)
	copy(frame, hdr[:])
	if _, err := io.ReadFull(r, frame[8:]); err != nil {
		return nil, err
	}
	return frame, nil
}

// Ack is the server's reply to a data frame: the accepted record count.
func Ack(records int) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, uint32(records))
	return b
}

// BuildAVL encodes records as a Codec 8 frame. Only 1-byte IO values are
// written; it exists for simulators and tests.
func BuildAVL(records []AVLRecord) []byte {
	data := []byte{Codec8, byte(len(records))}
	for _, rec := range records {
		data = binary.BigEndian.AppendUint64(data, uint64(rec.Timestamp.UnixMilli()))
		data = append(data, byte(rec.Priority))
		data = binary.BigEndian.AppendUint32(data, uint32(int32(rec.GPS.Longitude*1e7)))
		data = binary.BigEndian.AppendUint32(data, uint32(int32(rec.GPS.Latitude*1e7)))
		data = binary.BigEndian.AppendUint16(data, uint16(rec.GPS.Altitude))
		data = binary.BigEndian.AppendUint16(data, uint16(rec.GPS.Angle))
		data = append(data, byte(rec.GPS.Satellites))
		data = binary.BigEndian.AppendUint16(data, uint16(rec.GPS.Speed))

		var ones []uint16
		for id, it := range rec.IO {
			if it.Size == 1 {
				ones = append(ones, id)
			}
		}
		data = append(data, byte(rec.EventIOID), byte(len(ones)), byte(len(ones)))
		for _, id := range ones {
			data = append(data, byte(id), byte(rec.IO[id].Val))
		}
		data = append(data, 0, 0, 0) // sin elementos de 2, 4 u 8 bytes
	}
	data = append(data, byte(len(records)))

	frame := make([]byte, 0, 8+len(data)+4)
	frame = append(frame, 0, 0, 0, 0)
	frame = binary.BigEndian.AppendUint32(frame, uint32(len(data)))
	frame = append(frame, data...)
	return binary.BigEndian.AppendUint32(frame, uint32(CRC16IBM(data)))
}
