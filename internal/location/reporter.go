// Package location reports a technician device's position over the push
// channel.
package location

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"dispatch-tracker/internal/dispatch"
	"dispatch-tracker/internal/link"
	"dispatch-tracker/internal/observability"
)

var (
	ErrLocationUnavailable = errors.New("location: no fix available")
	ErrChannelClosed       = errors.New("location: channel closed")
	ErrNotInitialized      = errors.New("location: reporter not initialized")
)

const (
	DefaultInterval = 10 * time.Second
	DefaultDistance = 5.0 // meters
	sinkTimeout     = 5 * time.Second
)

type State int

const (
	StateIdle State = iota
	StateInitializing
	StateTracking
	StateStopped
)

func (s State) String() string {
	return [...]string{"idle", "initializing", "tracking", "stopped"}[s]
}

// Channel is the push channel the reporter writes to. *link.Client satisfies it.
type Channel interface {
	Connect(ctx context.Context) error
	Send(ctx context.Context, v any) error
	State() link.State
	OnState(fn func(link.State)) func()
	Close() error
}

// Sink receives a copy of every fix sent, e.g. a gRPC forwarder.
type Sink interface {
	Forward(ctx context.Context, technicianID dispatch.ID, fix Fix) error
}

type Options struct {
	Locator Locator
	// NewChannel opens a channel scoped to one technician.
	NewChannel func(technicianID dispatch.ID) Channel
	Sink       Sink
	// A fix is sent when Interval has passed or the device moved Distance
	// meters since the last one sent.
	Interval time.Duration
	Distance float64
	Logger   *slog.Logger
}

type Reporter struct {
	opts   Options
	logger *slog.Logger

	mu        sync.Mutex
	state     State
	techID    dispatch.ID
	channel   Channel
	unsub     func()
	connected bool
	listeners map[int]func(bool)
	nextL     int
	stopWatch context.CancelFunc
	watchDone chan struct{}
	last      *Fix
}

func NewReporter(opts Options) *Reporter {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Distance <= 0 {
		opts.Distance = DefaultDistance
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Reporter{
		opts:      opts,
		logger:    opts.Logger.With("component", "location"),
		listeners: make(map[int]func(bool)),
	}
}

func (r *Reporter) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Initialize checks location permission and opens (or reuses) the channel
// for technicianID.
func (r *Reporter) Initialize(ctx context.Context, technicianID dispatch.ID) error {
	r.mu.Lock()
	if r.state == StateTracking {
		r.mu.Unlock()
		return errors.New("location: already tracking")
	}
	r.state = StateInitializing
	r.mu.Unlock()

	if err := r.opts.Locator.RequestPermission(ctx); err != nil {
		r.setState(StateIdle)
		r.logger.Warn("location permission denied", "technician_id", technicianID, "err", err)
		if errors.Is(err, dispatch.ErrPermissionDenied) {
			return err
		}
		return fmt.Errorf("%w: %v", dispatch.ErrPermissionDenied, err)
	}

	r.mu.Lock()
	if r.channel != nil && r.techID == technicianID {
		ch := r.channel
		r.mu.Unlock()
		return ch.Connect(ctx)
	}
	old, oldUnsub := r.channel, r.unsub
	ch := r.opts.NewChannel(technicianID)
	r.channel = ch
	r.techID = technicianID
	r.last = nil
	r.mu.Unlock()

	if old != nil {
		oldUnsub()
		_ = old.Close()
	}
	unsub := ch.OnState(r.onChannelState)
	r.mu.Lock()
	r.unsub = unsub
	r.mu.Unlock()

	r.logger.Info("location reporter initialized", "technician_id", technicianID)
	return ch.Connect(ctx)
}

// StartTracking begins watching the locator. Fixes are sent while the
// channel is open and dropped otherwise.
func (r *Reporter) StartTracking(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch {
	case r.state == StateTracking:
		return nil
	case r.channel == nil:
		return ErrNotInitialized
	}

	watchCtx, cancel := context.WithCancel(ctx)
	fixes, err := r.opts.Locator.Watch(watchCtx)
	if err != nil {
		cancel()
		return fmt.Errorf("location: watch: %w", err)
	}
	r.stopWatch = cancel
	r.watchDone = make(chan struct{})
	r.state = StateTracking
	go r.watch(watchCtx, fixes, r.watchDone)
	r.logger.Info("location tracking started", "technician_id", r.techID,
		"interval", r.opts.Interval, "distance_m", r.opts.Distance)
	return nil
}

func (r *Reporter) watch(ctx context.Context, fixes <-chan Fix, done chan struct{}) {
	defer close(done)
	for fix := range fixes {
		r.handleFix(ctx, fix)
	}
}

func (r *Reporter) handleFix(ctx context.Context, fix Fix) {
	if !fix.Position.Valid() {
		observability.LocationsDropped.WithLabelValues("invalid").Inc()
		return
	}
	r.mu.Lock()
	due := r.dueLocked(fix)
	ch, id := r.channel, r.techID
	r.mu.Unlock()
	if !due || ch == nil {
		return
	}
	if ch.State() != link.StateConnected {
		observability.LocationsDropped.WithLabelValues("channel_closed").Inc()
		r.logger.Warn("location dropped, channel not open", "technician_id", id)
		return
	}
	if err := r.send(ctx, ch, id, fix); err != nil {
		observability.LocationsDropped.WithLabelValues("send_error").Inc()
		r.logger.Warn("location send failed", "technician_id", id, "err", err)
	}
}

// dueLocked guards against locators that emit faster than Interval. The
// locator owns the cadence, so a fix up to a tenth of Interval early still
// counts as on time.
func (r *Reporter) dueLocked(fix Fix) bool {
	if r.last == nil {
		return true
	}
	if fix.At.Sub(r.last.At) >= r.opts.Interval-r.opts.Interval/10 {
		return true
	}
	return dispatch.Distance(r.last.Position, fix.Position) >= r.opts.Distance
}

func (r *Reporter) send(ctx context.Context, ch Channel, id dispatch.ID, fix Fix) error {
	if err := ch.Send(ctx, link.NewLocationUpdate(id, fix.Position)); err != nil {
		return err
	}
	observability.LocationsSent.Inc()
	r.mu.Lock()
	f := fix
	r.last = &f
	r.mu.Unlock()
	r.logger.Debug("location sent", "technician_id", id, "lat", fix.Position.Lat, "lon", fix.Position.Lon)

	if r.opts.Sink != nil {
		sctx, cancel := context.WithTimeout(ctx, sinkTimeout)
		defer cancel()
		if err := r.opts.Sink.Forward(sctx, id, fix); err != nil {
			r.logger.Warn("location forward failed", "technician_id", id, "err", err)
		}
	}
	return nil
}

// SendCurrentLocation sends one fix now, bypassing the throttle.
func (r *Reporter) SendCurrentLocation(ctx context.Context) error {
	ch, id, err := r.openChannel()
	if err != nil {
		return err
	}
	fix, err := r.opts.Locator.Current(ctx)
	if err != nil {
		if errors.Is(err, ErrLocationUnavailable) {
			return err
		}
		return fmt.Errorf("%w: %v", ErrLocationUnavailable, err)
	}
	if !fix.Position.Valid() {
		return ErrLocationUnavailable
	}
	if fix.At.IsZero() {
		fix.At = time.Now()
	}
	return r.send(ctx, ch, id, fix)
}

// SendStatus reports the technician's availability.
func (r *Reporter) SendStatus(ctx context.Context, status string) error {
	ch, id, err := r.openChannel()
	if err != nil {
		return err
	}
	return ch.Send(ctx, link.NewStatusUpdate(id, status))
}

func (r *Reporter) openChannel() (Channel, dispatch.ID, error) {
	r.mu.Lock()
	ch, id := r.channel, r.techID
	r.mu.Unlock()
	if ch == nil || ch.State() != link.StateConnected {
		return nil, "", ErrChannelClosed
	}
	return ch, id, nil
}

// StopTracking cancels the watch and closes the channel. Safe to call more
// than once.
func (r *Reporter) StopTracking() {
	r.mu.Lock()
	stop, done := r.stopWatch, r.watchDone
	ch, unsub := r.channel, r.unsub
	r.stopWatch, r.watchDone = nil, nil
	r.channel, r.unsub = nil, nil
	wasStopped := r.state == StateStopped
	r.state = StateStopped
	r.mu.Unlock()

	if stop != nil {
		stop()
		<-done
	}
	if unsub != nil {
		unsub()
	}
	if ch != nil {
		_ = ch.Close()
		r.onChannelState(link.StateClosed)
	}
	if !wasStopped {
		r.logger.Info("location tracking stopped")
	}
}

// AddConnectionListener calls fn with the current connection state right
// away and again on every open/close. The returned func removes it.
func (r *Reporter) AddConnectionListener(fn func(connected bool)) func() {
	r.mu.Lock()
	id := r.nextL
	r.nextL++
	r.listeners[id] = fn
	connected := r.connected
	r.mu.Unlock()

	fn(connected)
	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		delete(r.listeners, id)
	}
}

func (r *Reporter) onChannelState(s link.State) {
	connected := s == link.StateConnected
	r.mu.Lock()
	if connected == r.connected {
		r.mu.Unlock()
		return
	}
	r.connected = connected
	fns := make([]func(bool), 0, len(r.listeners))
	for _, fn := range r.listeners {
		fns = append(fns, fn)
	}
	r.mu.Unlock()

	for _, fn := range fns {
		fn(connected)
	}
}

func (r *Reporter) setState(s State) {
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()
}
