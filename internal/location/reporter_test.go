package location

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"dispatch-tracker/internal/dispatch"
	"dispatch-tracker/internal/link"
)

type fakeChannel struct {
	mu      sync.Mutex
	state   link.State
	subs    map[int]func(link.State)
	next    int
	sent    []any
	closed  bool
	SendErr error
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{subs: make(map[int]func(link.State))}
}

func (f *fakeChannel) Connect(context.Context) error {
	f.set(link.StateConnected)
	return nil
}

func (f *fakeChannel) Send(_ context.Context, v any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.SendErr != nil {
		return f.SendErr
	}
	f.sent = append(f.sent, v)
	return nil
}

func (f *fakeChannel) State() link.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeChannel) OnState(fn func(link.State)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.next
	f.next++
	f.subs[id] = fn
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.subs, id)
	}
}

func (f *fakeChannel) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	f.set(link.StateClosed)
	return nil
}

func (f *fakeChannel) set(s link.State) {
	f.mu.Lock()
	f.state = s
	fns := make([]func(link.State), 0, len(f.subs))
	for _, fn := range f.subs {
		fns = append(fns, fn)
	}
	f.mu.Unlock()
	for _, fn := range fns {
		fn(s)
	}
}

func (f *fakeChannel) sentMessages() []any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]any(nil), f.sent...)
}

type fakeLocator struct {
	PermErr    error
	CurrentFix Fix
	CurrentErr error
	fixes      chan Fix
}

func (l *fakeLocator) RequestPermission(context.Context) error { return l.PermErr }

func (l *fakeLocator) Current(context.Context) (Fix, error) { return l.CurrentFix, l.CurrentErr }

func (l *fakeLocator) Watch(ctx context.Context) (<-chan Fix, error) {
	out := make(chan Fix)
	go func() {
		defer close(out)
		for {
			select {
			case f := <-l.fixes:
				select {
				case out <- f:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

type recordingSink struct {
	mu    sync.Mutex
	fixes []Fix
}

func (s *recordingSink) Forward(_ context.Context, _ dispatch.ID, fix Fix) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fixes = append(s.fixes, fix)
	return nil
}

var casablanca = dispatch.Position{Lat: 33.5731, Lon: -7.5898}

func newTestReporter(loc Locator, ch *fakeChannel, sink Sink) *Reporter {
	opts := Options{
		Locator:    loc,
		NewChannel: func(dispatch.ID) Channel { return ch },
		Interval:   10 * time.Second,
		Distance:   5,
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	if sink != nil {
		opts.Sink = sink
	}
	return NewReporter(opts)
}

func TestInitializePermissionDenied(t *testing.T) {
	r := newTestReporter(&fakeLocator{PermErr: errors.New("user said no")}, newFakeChannel(), nil)
	err := r.Initialize(context.Background(), "3")
	if !errors.Is(err, dispatch.ErrPermissionDenied) {
		t.Fatalf("err = %v, want ErrPermissionDenied", err)
	}
	if r.State() != StateIdle {
		t.Errorf("state = %s, want idle", r.State())
	}
}

func TestSendCurrentLocationChannelClosed(t *testing.T) {
	ch := newFakeChannel()
	r := newTestReporter(&fakeLocator{CurrentFix: Fix{Position: casablanca}}, ch, nil)

	if err := r.SendCurrentLocation(context.Background()); !errors.Is(err, ErrChannelClosed) {
		t.Errorf("before init err = %v, want ErrChannelClosed", err)
	}

	if err := r.Initialize(context.Background(), "3"); err != nil {
		t.Fatal(err)
	}
	ch.set(link.StateReconnecting)
	if err := r.SendCurrentLocation(context.Background()); !errors.Is(err, ErrChannelClosed) {
		t.Errorf("err = %v, want ErrChannelClosed", err)
	}
	if n := len(ch.sentMessages()); n != 0 {
		t.Errorf("sent %d messages on a closed channel", n)
	}
}

func TestSendCurrentLocation(t *testing.T) {
	ch := newFakeChannel()
	sink := &recordingSink{}
	loc := &fakeLocator{CurrentFix: Fix{Position: casablanca}}
	r := newTestReporter(loc, ch, sink)
	if err := r.Initialize(context.Background(), "3"); err != nil {
		t.Fatal(err)
	}

	if err := r.SendCurrentLocation(context.Background()); err != nil {
		t.Fatal(err)
	}
	msgs := ch.sentMessages()
	if len(msgs) != 1 {
		t.Fatalf("sent = %v", msgs)
	}
	upd, ok := msgs[0].(link.LocationUpdate)
	if !ok || upd.Type != "location_update" || upd.ID != "3" || upd.Latitude != casablanca.Lat {
		t.Errorf("message = %+v", msgs[0])
	}
	if len(sink.fixes) != 1 {
		t.Errorf("sink got %d fixes", len(sink.fixes))
	}

	loc.CurrentFix = Fix{}
	if err := r.SendCurrentLocation(context.Background()); !errors.Is(err, ErrLocationUnavailable) {
		t.Errorf("zero fix err = %v, want ErrLocationUnavailable", err)
	}
}

func TestTrackingThrottle(t *testing.T) {
	ch := newFakeChannel()
	loc := &fakeLocator{fixes: make(chan Fix)}
	r := newTestReporter(loc, ch, nil)
	if err := r.StartTracking(context.Background()); !errors.Is(err, ErrNotInitialized) {
		t.Errorf("StartTracking before Initialize err = %v", err)
	}
	if err := r.Initialize(context.Background(), "3"); err != nil {
		t.Fatal(err)
	}
	if err := r.StartTracking(context.Background()); err != nil {
		t.Fatal(err)
	}
	if r.State() != StateTracking {
		t.Fatalf("state = %s", r.State())
	}

	t0 := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	near := dispatch.Position{Lat: casablanca.Lat + 0.00001, Lon: casablanca.Lon}
	far := dispatch.Position{Lat: casablanca.Lat + 0.001, Lon: casablanca.Lon}
	// First fix is sent, ~1 m after 1 s is skipped, ~110 m is sent, 11 s
	// later is sent, the zero pair is dropped.
	loc.fixes <- Fix{Position: casablanca, At: t0}
	loc.fixes <- Fix{Position: near, At: t0.Add(time.Second)}
	loc.fixes <- Fix{Position: far, At: t0.Add(2 * time.Second)}
	loc.fixes <- Fix{Position: far, At: t0.Add(13 * time.Second)}
	loc.fixes <- Fix{Position: dispatch.Position{}, At: t0.Add(time.Hour)}
	waitSent(t, ch, 3)

	ch.set(link.StateReconnecting)
	loc.fixes <- Fix{Position: casablanca, At: t0.Add(2 * time.Hour)}

	r.StopTracking()
	if n := len(ch.sentMessages()); n != 3 {
		t.Errorf("sent %d location updates, want 3", n)
	}
	if r.State() != StateStopped {
		t.Errorf("state = %s", r.State())
	}
	if !ch.closed {
		t.Error("channel not closed on stop")
	}
	r.StopTracking()
}

// A locator emitting on the reporter's interval, with fixes landing a little
// early, must have every fix sent.
func TestTrackingJitteredCadence(t *testing.T) {
	ch := newFakeChannel()
	t0 := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	early := []time.Duration{0, time.Millisecond, 400 * time.Millisecond, 0, 3 * time.Millisecond}

	var mu sync.Mutex
	calls := 0
	loc := &StaticLocator{
		Position: casablanca,
		Interval: 5 * time.Millisecond,
		Now: func() time.Time {
			mu.Lock()
			defer mu.Unlock()
			n := calls
			calls++
			return t0.Add(time.Duration(n)*10*time.Second - early[n%len(early)])
		},
	}
	emitted := func() int {
		mu.Lock()
		defer mu.Unlock()
		return calls
	}

	r := newTestReporter(loc, ch, nil)
	if err := r.Initialize(context.Background(), "3"); err != nil {
		t.Fatal(err)
	}
	if err := r.StartTracking(context.Background()); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for emitted() < 12 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	r.StopTracking()

	// At most the fix in flight at stop is lost.
	n, sent := emitted(), len(ch.sentMessages())
	if n < 12 {
		t.Fatalf("locator emitted only %d fixes", n)
	}
	if sent < n-1 {
		t.Errorf("sent %d of %d fixes", sent, n)
	}
}

func TestTrackingSkipsFastFixes(t *testing.T) {
	ch := newFakeChannel()
	loc := &fakeLocator{fixes: make(chan Fix)}
	r := newTestReporter(loc, ch, nil)
	if err := r.Initialize(context.Background(), "3"); err != nil {
		t.Fatal(err)
	}
	if err := r.StartTracking(context.Background()); err != nil {
		t.Fatal(err)
	}
	t0 := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	// Interval is 10s: 9.5s counts as on time, 8s does not.
	loc.fixes <- Fix{Position: casablanca, At: t0}
	loc.fixes <- Fix{Position: casablanca, At: t0.Add(9500 * time.Millisecond)}
	loc.fixes <- Fix{Position: casablanca, At: t0.Add(17500 * time.Millisecond)}
	loc.fixes <- Fix{Position: casablanca, At: t0.Add(19 * time.Second)}
	waitSent(t, ch, 3)
	r.StopTracking()
	if n := len(ch.sentMessages()); n != 3 {
		t.Errorf("sent %d location updates, want 3", n)
	}
}

func waitSent(t *testing.T, ch *fakeChannel, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(ch.sentMessages()) >= n {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("sent %d messages, want %d", len(ch.sentMessages()), n)
}

func TestConnectionListeners(t *testing.T) {
	ch := newFakeChannel()
	r := newTestReporter(&fakeLocator{}, ch, nil)

	var mu sync.Mutex
	var seen []bool
	remove := r.AddConnectionListener(func(c bool) {
		mu.Lock()
		seen = append(seen, c)
		mu.Unlock()
	})
	if err := r.Initialize(context.Background(), "3"); err != nil {
		t.Fatal(err)
	}
	ch.set(link.StateReconnecting)
	remove()
	ch.set(link.StateConnected)

	mu.Lock()
	defer mu.Unlock()
	want := []bool{false, true, false}
	if len(seen) != len(want) {
		t.Fatalf("seen = %v, want %v", seen, want)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("seen = %v, want %v", seen, want)
		}
	}
}

func TestSendStatus(t *testing.T) {
	ch := newFakeChannel()
	r := newTestReporter(&fakeLocator{}, ch, nil)
	if err := r.Initialize(context.Background(), "12"); err != nil {
		t.Fatal(err)
	}
	if err := r.SendStatus(context.Background(), "available"); err != nil {
		t.Fatal(err)
	}
	msgs := ch.sentMessages()
	if su, ok := msgs[0].(link.StatusUpdate); !ok || su.TechnicianID != "12" || su.Status != "available" {
		t.Errorf("message = %+v", msgs[0])
	}
}

func TestStaticLocator(t *testing.T) {
	s := &StaticLocator{Position: casablanca, Interval: time.Millisecond}
	if err := s.RequestPermission(context.Background()); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	fixes, _ := s.Watch(ctx)
	first := <-fixes
	if first.Position != casablanca {
		t.Errorf("fix = %+v", first)
	}
	cancel()
	for range fixes {
	}

	empty := &StaticLocator{}
	if err := empty.RequestPermission(context.Background()); !errors.Is(err, dispatch.ErrPermissionDenied) {
		t.Errorf("err = %v", err)
	}
}
