package codec

import (
	"time"

	"dispatch-tracker/internal/codec/fmxxx"
	"dispatch-tracker/internal/dispatch"
)

const (
	Codec8  = 0x08
	Codec8E = 0x8E
)

type IOItem struct {
	Size int    `json:"size"`
	Val  uint64 `json:"val,omitempty"`
	Raw  []byte `json:"raw,omitempty"`
}

type GPSData struct {
	Longitude  float64 `json:"longitude"`
	Latitude   float64 `json:"latitude"`
	Altitude   int     `json:"altitude"`
	Angle      int     `json:"angle"`
	Satellites int     `json:"satellites"`
	Speed      int     `json:"speed"`
}

type AVLRecord struct {
	Timestamp time.Time         `json:"timestamp"`
	Priority  int               `json:"priority"`
	GPS       GPSData           `json:"gps"`
	EventIOID int               `json:"event_io_id"`
	TotalIO   int               `json:"total_io"`
	IO        map[uint16]IOItem `json:"io"`
}

func (r AVLRecord) Position() dispatch.Position {
	return dispatch.Position{Lat: r.GPS.Latitude, Lon: r.GPS.Longitude}
}

// HasFix requires more than three satellites and a usable coordinate pair.
func (r AVLRecord) HasFix() bool {
	return r.GPS.Satellites > 3 && r.Position().Valid()
}

// Ignition reports the ignition IO, when the record carries it.
func (r AVLRecord) Ignition() (on, ok bool) {
	it, ok := r.IO[fmxxx.Ignition]
	return ok && it.Val == 1, ok
}

type AvlPacket struct {
	Len     uint32      `json:"data_len"`
	CodecID uint8       `json:"codec_id"`
	Qty1    uint8       `json:"qty1"`
	Records []AVLRecord `json:"records"`
	Qty2    uint8       `json:"qty2"`
	CRC     uint32      `json:"crc"`
}
