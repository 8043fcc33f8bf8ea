package gps

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"dispatch-tracker/internal/codec"
	"dispatch-tracker/internal/location"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

var testNow = time.Date(2025, 3, 1, 10, 1, 30, 0, time.UTC)

func startReceiver(t *testing.T, imei string, raw io.Writer) *Receiver {
	t.Helper()
	r := NewReceiver(Options{
		Addr:   "127.0.0.1:0",
		IMEI:   imei,
		RawLog: raw,
		Now:    func() time.Time { return testNow },
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err := r.RequestPermission(context.Background()); err != nil {
		t.Fatalf("RequestPermission: %v", err)
	}
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func dialDevice(t *testing.T, addr, imei string) (net.Conn, byte) {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	_ = conn.SetDeadline(time.Now().Add(5 * time.Second))
	login := append([]byte{0x00, byte(len(imei))}, imei...)
	if _, err := conn.Write(login); err != nil {
		t.Fatal(err)
	}
	reply := make([]byte, 1)
	if _, err := io.ReadFull(conn, reply); err != nil {
		t.Fatal(err)
	}
	return conn, reply[0]
}

func TestReceiverDeliversFixes(t *testing.T) {
	raw := &syncBuffer{}
	r := startReceiver(t, "", raw)

	if _, err := r.Current(context.Background()); !errors.Is(err, location.ErrLocationUnavailable) {
		t.Errorf("Current before any frame err = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	fixes, err := r.Watch(ctx)
	if err != nil {
		t.Fatal(err)
	}

	conn, reply := dialDevice(t, r.Addr(), "356307042441013")
	defer conn.Close()
	if reply != 0x01 {
		t.Fatalf("handshake reply = %#x", reply)
	}

	t0 := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	frame := codec.BuildAVL([]codec.AVLRecord{
		{Timestamp: t0.Add(time.Minute), GPS: codec.GPSData{Latitude: 33.58, Longitude: -7.59, Satellites: 8}},
		{Timestamp: t0, GPS: codec.GPSData{Latitude: 33.57, Longitude: -7.58, Satellites: 8}},
		{Timestamp: t0.Add(2 * time.Minute), GPS: codec.GPSData{Latitude: 33.59, Longitude: -7.60, Satellites: 2}},
	})
	if _, err := conn.Write(frame); err != nil {
		t.Fatal(err)
	}
	ack := make([]byte, 4)
	if _, err := io.ReadFull(conn, ack); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(ack, codec.Ack(3)) {
		t.Errorf("ack = %x", ack)
	}

	var got []location.Fix
	for len(got) < 2 {
		select {
		case f := <-fixes:
			got = append(got, f)
		case <-time.After(2 * time.Second):
			t.Fatalf("got %d fixes, want 2", len(got))
		}
	}
	if !got[0].At.Equal(t0) || !got[1].At.Equal(t0.Add(time.Minute)) {
		t.Errorf("fixes out of order: %v, %v", got[0].At, got[1].At)
	}

	// A record buffered while offline updates Current only if newer, and is
	// never streamed.
	old := codec.BuildAVL([]codec.AVLRecord{
		{Timestamp: t0.Add(-time.Hour), GPS: codec.GPSData{Latitude: 10, Longitude: 10, Satellites: 8}},
	})
	if _, err := conn.Write(old); err != nil {
		t.Fatal(err)
	}
	if _, err := io.ReadFull(conn, ack); err != nil {
		t.Fatal(err)
	}
	select {
	case f := <-fixes:
		t.Errorf("buffered record streamed: %+v", f)
	case <-time.After(100 * time.Millisecond):
	}

	cur, err := r.Current(context.Background())
	if err != nil || cur.Position.Lat < 33.579 {
		t.Errorf("Current = %+v, %v", cur, err)
	}
	if !strings.Contains(raw.String(), "356307042441013") {
		t.Error("raw log missing frame")
	}
}

func TestReceiverBadCRCNotAcked(t *testing.T) {
	r := startReceiver(t, "", nil)
	conn, _ := dialDevice(t, r.Addr(), "356307042441013")
	defer conn.Close()

	frame := codec.BuildAVL([]codec.AVLRecord{{Timestamp: time.Now(), GPS: codec.GPSData{Latitude: 1, Longitude: 1, Satellites: 5}}})
	frame[len(frame)-1] ^= 0xFF
	if _, err := conn.Write(frame); err != nil {
		t.Fatal(err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	if n, err := conn.Read(make([]byte, 4)); err == nil {
		t.Errorf("got %d byte ack for a corrupt frame", n)
	}
}

func TestReceiverRejectsOtherIMEI(t *testing.T) {
	r := startReceiver(t, "356307042441013", nil)
	conn, reply := dialDevice(t, r.Addr(), "111111111111111")
	defer conn.Close()
	if reply != 0x00 {
		t.Errorf("reply = %#x, want 0x00", reply)
	}
}

func TestWatchClosesOnCancel(t *testing.T) {
	r := startReceiver(t, "", nil)
	ctx, cancel := context.WithCancel(context.Background())
	fixes, _ := r.Watch(ctx)
	cancel()
	select {
	case _, ok := <-fixes:
		if ok {
			t.Error("unexpected fix")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("watch channel not closed")
	}
}
