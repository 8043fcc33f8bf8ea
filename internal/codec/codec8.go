// Package codec decodes Teltonika AVL data frames (Codec 8 and 8 Extended).
package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"
)

var (
	ErrShortFrame = errors.New("codec: frame too short")
	ErrCRC        = errors.New("codec: crc mismatch")
	ErrCodec      = errors.New("codec: unsupported codec")
)

// reader recorre el buffer y guarda el primer desborde en vez de hacer panic.
type reader struct {
	data []byte
	off  int
	err  error
}

func (r *reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if r.off+n > len(r.data) {
		r.err = fmt.Errorf("%w: tried to read %d bytes at offset %d (len=%d)", ErrShortFrame, n, r.off, len(r.data))
		return nil
	}
	b := r.data[r.off : r.off+n]
	r.off += n
	return b
}

func (r *reader) u8() uint8 {
	if b := r.take(1); b != nil {
		return b[0]
	}
	return 0
}

func (r *reader) u16() uint16 {
	if b := r.take(2); b != nil {
		return binary.BigEndian.Uint16(b)
	}
	return 0
}

func (r *reader) u32() uint32 {
	if b := r.take(4); b != nil {
		return binary.BigEndian.Uint32(b)
	}
	return 0
}

func (r *reader) u64() uint64 {
	if b := r.take(8); b != nil {
		return binary.BigEndian.Uint64(b)
	}
	return 0
}

// ParseAVL decodes a complete frame: preamble, data length, data field and
// the CRC-16/IBM of the data field.
func ParseAVL(frame []byte) (*AvlPacket, error) {
	if len(frame) < 12 {
		return nil, fmt.Errorf("%w: %d bytes", ErrShortFrame, len(frame))
	}
	if binary.BigEndian.Uint32(frame[0:4]) != 0 {
		return nil, fmt.Errorf("codec: invalid preamble %x", frame[0:4])
	}
	dataLen := int(binary.BigEndian.Uint32(frame[4:8]))
	if len(frame) < 8+dataLen+4 {
		return nil, fmt.Errorf("%w: data length %d, have %d", ErrShortFrame, dataLen, len(frame)-12)
	}
	data := frame[8 : 8+dataLen]
	crc := binary.BigEndian.Uint32(frame[8+dataLen : 8+dataLen+4])
	if want := uint32(CRC16IBM(data)); crc != want {
		return nil, fmt.Errorf("%w: got %08x want %08x", ErrCRC, crc, want)
	}

	r := &reader{data: data}
	pkt := &AvlPacket{Len: uint32(dataLen), CRC: crc}
	pkt.CodecID = r.u8()
	if pkt.CodecID != Codec8 && pkt.CodecID != Codec8E {
		return nil, fmt.Errorf("%w: 0x%02x", ErrCodec, pkt.CodecID)
	}
	pkt.Qty1 = r.u8()
	pkt.Records = make([]AVLRecord, 0, pkt.Qty1)
	for i := 0; i < int(pkt.Qty1); i++ {
		rec := readRecord(r, pkt.CodecID == Codec8E)
		if r.err != nil {
			return nil, fmt.Errorf("record %d: %w", i, r.err)
		}
		pkt.Records = append(pkt.Records, rec)
	}
	pkt.Qty2 = r.u8()
	if r.err != nil {
		return nil, r.err
	}
	if pkt.Qty1 != pkt.Qty2 {
		return nil, fmt.Errorf("codec: record count mismatch %d/%d", pkt.Qty1, pkt.Qty2)
	}
	return pkt, nil
}

func readRecord(r *reader, extended bool) AVLRecord {
	var rec AVLRecord
	rec.Timestamp = time.UnixMilli(int64(r.u64())).UTC()
	rec.Priority = int(r.u8())
	rec.GPS.Longitude = float64(int32(r.u32())) / 1e7
	rec.GPS.Latitude = float64(int32(r.u32())) / 1e7
	rec.GPS.Altitude = int(int16(r.u16()))
	rec.GPS.Angle = int(r.u16())
	rec.GPS.Satellites = int(r.u8())
	rec.GPS.Speed = int(r.u16())

	// Codec 8E usa 2 bytes para ids y contadores.
	id := func() uint16 {
		if extended {
			return r.u16()
		}
		return uint16(r.u8())
	}
	rec.EventIOID = int(id())
	rec.TotalIO = int(id())
	rec.IO = make(map[uint16]IOItem, rec.TotalIO)

	for _, size := range []int{1, 2, 4, 8} {
		n := int(id())
		for i := 0; i < n && r.err == nil; i++ {
			ioID := id()
			raw := r.take(size)
			if raw == nil {
				break
			}
			rec.IO[ioID] = IOItem{Size: size, Val: beUint(raw)}
		}
	}
	if extended {
		n := int(r.u16())
		for i := 0; i < n && r.err == nil; i++ {
			ioID := r.u16()
			size := int(r.u16())
			raw := r.take(size)
			if raw == nil {
				break
			}
			item := IOItem{Size: size, Raw: append([]byte(nil), raw...)}
			if size <= 8 {
				item.Val = beUint(raw)
			}
			rec.IO[ioID] = item
		}
	}
	return rec
}

func beUint(b []byte) uint64 {
	var v uint64
	for _, c := range b {
		v = v<<8 | uint64(c)
	}
	return v
}

// CRC16IBM is CRC-16/ARC (poly 0xA001 reflected, init 0).
func CRC16IBM(b []byte) uint16 {
	var crc uint16
	for _, v := range b {
		crc ^= uint16(v)
		for i := 0; i < 8; i++ {
			if crc&1 == 1 {
				crc = (crc >> 1) ^ 0xA001
			} else {
				crc >>= 1
			}
		}
	}
	return crc
}
