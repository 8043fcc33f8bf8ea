package location

import (
	"context"
	"time"

	"dispatch-tracker/internal/dispatch"
)

// Fix is one position reading.
type Fix struct {
	Position dispatch.Position
	Speed    float64 // km/h, 0 when unknown
	Heading  float64
	At       time.Time
}

// Locator is a source of device positions.
type Locator interface {
	// RequestPermission returns dispatch.ErrPermissionDenied when the
	// source cannot be used.
	RequestPermission(ctx context.Context) error
	Current(ctx context.Context) (Fix, error)
	// Watch streams fixes until ctx is done, then closes the channel.
	Watch(ctx context.Context) (<-chan Fix, error)
}

// StaticLocator reports a fixed position, for devices without a live source.
type StaticLocator struct {
	Position dispatch.Position
	Interval time.Duration
	Now      func() time.Time
}

func (s *StaticLocator) RequestPermission(context.Context) error {
	if !s.Position.Valid() {
		return dispatch.ErrPermissionDenied
	}
	return nil
}

func (s *StaticLocator) Current(context.Context) (Fix, error) {
	if !s.Position.Valid() {
		return Fix{}, ErrLocationUnavailable
	}
	return Fix{Position: s.Position, At: s.now()}, nil
}

func (s *StaticLocator) Watch(ctx context.Context) (<-chan Fix, error) {
	interval := s.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	out := make(chan Fix, 1)
	go func() {
		defer close(out)
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case out <- Fix{Position: s.Position, At: s.now()}:
			case <-ctx.Done():
				return
			}
			select {
			case <-t.C:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (s *StaticLocator) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}
