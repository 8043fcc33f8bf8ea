// Package gps receives positions from an in-vehicle Teltonika tracker over
// TCP and exposes them as a location.Locator.
package gps

import (
	"bufio"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sort"
	"sync"
	"syscall"
	"time"

	"dispatch-tracker/internal/codec"
	"dispatch-tracker/internal/dispatch"
	"dispatch-tracker/internal/location"
	"dispatch-tracker/internal/observability"
)

const (
	readIdle    = 5 * time.Minute
	watchBuffer = 16
	// DefaultMaxAge separates live records from ones the device buffered
	// while offline.
	DefaultMaxAge = 120 * time.Second
)

type Options struct {
	Addr string
	// IMEI, when set, is the only device accepted.
	IMEI string
	// RawLog receives every inbound frame as hex, one line per frame.
	RawLog io.Writer
	// MaxAge is how old a record may be and still be streamed to watchers.
	// Older records only update Current.
	MaxAge time.Duration
	Now    func() time.Time
	Logger *slog.Logger
}

type Receiver struct {
	opts   Options
	logger *slog.Logger

	mu      sync.Mutex
	ln      net.Listener
	latest  *location.Fix
	subs    map[int]chan location.Fix
	nextSub int
	conns   map[net.Conn]string
	wg      sync.WaitGroup
}

func NewReceiver(opts Options) *Receiver {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.MaxAge <= 0 {
		opts.MaxAge = DefaultMaxAge
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Receiver{
		opts:   opts,
		logger: opts.Logger.With("component", "gps", "addr", opts.Addr),
		subs:   make(map[int]chan location.Fix),
		conns:  make(map[net.Conn]string),
	}
}

// RequestPermission binds the listener. A privileged port the process may
// not bind maps to dispatch.ErrPermissionDenied.
func (r *Receiver) RequestPermission(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ln != nil {
		return nil
	}
	ln, err := net.Listen("tcp", r.opts.Addr)
	if err != nil {
		if errors.Is(err, syscall.EACCES) || errors.Is(err, syscall.EPERM) {
			return fmt.Errorf("%w: listen %s: %v", dispatch.ErrPermissionDenied, r.opts.Addr, err)
		}
		return fmt.Errorf("gps: listen %s: %w", r.opts.Addr, err)
	}
	r.ln = ln
	r.logger.Info("gps: listening", "local", ln.Addr().String())
	r.wg.Add(1)
	go r.acceptLoop(ln)
	return nil
}

// Addr returns the bound address, or "" before RequestPermission.
func (r *Receiver) Addr() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ln == nil {
		return ""
	}
	return r.ln.Addr().String()
}

func (r *Receiver) Current(context.Context) (location.Fix, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.latest == nil {
		return location.Fix{}, location.ErrLocationUnavailable
	}
	return *r.latest, nil
}

func (r *Receiver) Watch(ctx context.Context) (<-chan location.Fix, error) {
	ch := make(chan location.Fix, watchBuffer)
	r.mu.Lock()
	id := r.nextSub
	r.nextSub++
	r.subs[id] = ch
	r.mu.Unlock()

	go func() {
		<-ctx.Done()
		r.mu.Lock()
		if _, ok := r.subs[id]; ok {
			delete(r.subs, id)
			close(ch)
		}
		r.mu.Unlock()
	}()
	return ch, nil
}

// Close stops accepting, drops device connections and ends all watches.
func (r *Receiver) Close() error {
	r.mu.Lock()
	ln := r.ln
	r.ln = nil
	for c := range r.conns {
		_ = c.Close()
	}
	for id, ch := range r.subs {
		delete(r.subs, id)
		close(ch)
	}
	r.mu.Unlock()

	var err error
	if ln != nil {
		err = ln.Close()
	}
	r.wg.Wait()
	return err
}

func (r *Receiver) acceptLoop(ln net.Listener) {
	defer r.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			r.logger.Error("gps: accept error", "err", err)
			time.Sleep(100 * time.Millisecond)
			continue
		}
		r.wg.Add(1)
		go func(c net.Conn) {
			defer r.wg.Done()
			r.handleConnection(c)
		}(conn)
	}
}

func (r *Receiver) handleConnection(conn net.Conn) {
	defer conn.Close()
	log := r.logger.With("remote", conn.RemoteAddr().String())

	if tcpConn, ok := conn.(*net.TCPConn); ok {
		_ = tcpConn.SetKeepAlive(true)
		_ = tcpConn.SetKeepAlivePeriod(60 * time.Second)
	}

	br := bufio.NewReader(conn)
	_ = conn.SetReadDeadline(time.Now().Add(readIdle))
	imei, err := codec.ReadIMEI(br)
	if err != nil || (r.opts.IMEI != "" && imei != r.opts.IMEI) {
		log.Warn("gps: handshake rejected", "imei", imei, "err", err)
		_, _ = conn.Write([]byte{0x00})
		return
	}
	if _, err := conn.Write([]byte{0x01}); err != nil {
		return
	}
	log = log.With("imei", imei)
	log.Info("gps: device connected")

	r.mu.Lock()
	r.conns[conn] = imei
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.conns, conn)
		r.mu.Unlock()
		log.Info("gps: device disconnected")
	}()

	for {
		_ = conn.SetReadDeadline(time.Now().Add(readIdle))
		frame, err := codec.ReadFrame(br)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				log.Warn("gps: read error", "err", err)
			}
			return
		}
		r.logRaw(imei, frame)

		pkt, err := codec.ParseAVL(frame)
		if err != nil {
			// Sin ACK: el equipo reenvía el frame.
			observability.GPSFrames.WithLabelValues("error").Inc()
			log.Warn("gps: frame rejected", "err", err, "bytes", len(frame))
			continue
		}
		observability.GPSFrames.WithLabelValues("ok").Inc()
		if _, err := conn.Write(codec.Ack(len(pkt.Records))); err != nil {
			log.Warn("gps: ack failed", "err", err)
			return
		}
		r.publish(pkt.Records)
	}
}

func (r *Receiver) logRaw(imei string, frame []byte) {
	if r.opts.RawLog == nil {
		return
	}
	line := time.Now().UTC().Format(time.RFC3339) + " " + imei + " " + hex.EncodeToString(frame) + "\n"
	if _, err := io.WriteString(r.opts.RawLog, line); err != nil {
		r.logger.Debug("gps: raw log write failed", "err", err)
	}
}

// live indica si el registro es reciente (tiempo real) o viene del buffer
// del equipo.
func (r *Receiver) live(at time.Time) bool {
	return r.opts.Now().Sub(at) <= r.opts.MaxAge
}

// publish reenvía los registros con fix, del más viejo al más nuevo. Tras
// perder cobertura el equipo vacía su buffer en desorden.
func (r *Receiver) publish(records []codec.AVLRecord) {
	fixes := make([]location.Fix, 0, len(records))
	for _, rec := range records {
		if !rec.HasFix() {
			continue
		}
		fixes = append(fixes, location.Fix{
			Position: rec.Position(),
			Speed:    float64(rec.GPS.Speed),
			Heading:  float64(rec.GPS.Angle),
			At:       rec.Timestamp,
		})
	}
	sort.Slice(fixes, func(i, j int) bool { return fixes[i].At.Before(fixes[j].At) })

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, f := range fixes {
		if r.latest != nil && f.At.Before(r.latest.At) {
			continue
		}
		fix := f
		r.latest = &fix
		if !r.live(fix.At) {
			observability.LocationsDropped.WithLabelValues("buffered").Inc()
			continue
		}
		for _, ch := range r.subs {
			select {
			case ch <- fix:
			default:
				observability.LocationsDropped.WithLabelValues("gps_backpressure").Inc()
			}
		}
	}
}
