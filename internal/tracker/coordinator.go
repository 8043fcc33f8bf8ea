// Package tracker wires the sync layer together: it owns the event loop that
// applies pushes, poll results and task actions to the store, and re-renders
// the map after every change.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"dispatch-tracker/internal/api"
	"dispatch-tracker/internal/dispatch"
	"dispatch-tracker/internal/link"
	"dispatch-tracker/internal/observability"
	"dispatch-tracker/internal/projector"
	"dispatch-tracker/internal/state"
)

const (
	DefaultPollInterval = 30 * time.Second
	fetchTimeout        = 20 * time.Second
	cacheTimeout        = 3 * time.Second
)

var ErrNotRunning = errors.New("tracker: not running")

// Backend is the REST side of the dispatch backend. *api.Client satisfies it.
type Backend interface {
	FetchDispatchData(ctx context.Context) (dispatch.Snapshot, error)
	Assign(ctx context.Context, taskID, technicianID dispatch.ID) (api.ActionResult, error)
	Start(ctx context.Context, taskID dispatch.ID) (api.ActionResult, error)
	Complete(ctx context.Context, taskID dispatch.ID, result dispatch.TaskStatus) (api.ActionResult, error)
}

// Push is the push channel. *link.Client satisfies it.
type Push interface {
	On(k link.Kind, h link.Handler)
	OnState(fn func(link.State)) func()
	Connect(ctx context.Context) error
	State() link.State
	Close() error
}

// Renderer is the map side. *projector.Projector satisfies it.
type Renderer interface {
	Render(snap dispatch.Snapshot) (projector.RenderStats, error)
	Clear() error
}

// Cache persists the last applied snapshot. *store.SnapshotCache satisfies it.
type Cache interface {
	Load(ctx context.Context) (dispatch.Snapshot, bool, error)
	Save(ctx context.Context, snap dispatch.Snapshot) error
}

type Options struct {
	Store    *state.Store
	Backend  Backend
	Push     Push
	Renderer Renderer
	Cache    Cache // optional
	// PollInterval is the fallback fetch period while Push is not connected.
	PollInterval time.Duration
	Logger       *slog.Logger
}

type event func(ctx context.Context)

type Coordinator struct {
	opts   Options
	logger *slog.Logger

	events chan event

	// Owned by the loop goroutine.
	polling bool
	dirty   bool
	persist bool

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

func New(opts Options) *Coordinator {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Coordinator{
		opts:   opts,
		logger: opts.Logger.With("component", "tracker"),
		events: make(chan event, 64),
	}
}

// SetRenderer replaces the renderer. It must be called before Start; the map
// widget usually needs the coordinator for its own actions.
func (c *Coordinator) SetRenderer(r Renderer) {
	c.opts.Renderer = r
}

// Start loads the cached snapshot, fetches once, opens the push channel and
// runs the event loop until Close or ctx is done.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return errors.New("tracker: already started")
	}
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	c.running = true
	c.mu.Unlock()

	unsubscribe := c.opts.Store.Subscribe(func(ch state.Change) {
		// El store solo se modifica desde el loop.
		c.dirty = true
		if ch.Reason == "snapshot" {
			c.persist = true
		}
	})

	c.opts.Push.On(link.KindFullUpdate, func(m link.Message) {
		snap := *m.Snapshot
		c.post(ctx, func(context.Context) { c.opts.Store.ApplySnapshot(snap) })
	})
	c.opts.Push.On(link.KindTaskUpdate, func(m link.Message) {
		p := *m.Task
		c.post(ctx, func(context.Context) { _ = c.opts.Store.ApplyTaskUpdate(p) })
	})
	c.opts.Push.On(link.KindTechnicianUpdate, func(m link.Message) {
		p := *m.Technician
		c.post(ctx, func(context.Context) { _ = c.opts.Store.ApplyTechnicianUpdate(p) })
	})
	unwatch := c.opts.Push.OnState(func(s link.State) {
		if s == link.StateDisconnected {
			c.post(ctx, func(ctx context.Context) {
				c.logger.Warn("push channel gave up, falling back to polling")
				c.poll(ctx)
			})
		}
	})

	go func() {
		defer close(c.done)
		defer unwatch()
		defer unsubscribe()
		c.loop(ctx)
	}()

	c.post(ctx, c.loadCache)
	c.post(ctx, c.poll)
	if err := c.opts.Push.Connect(ctx); err != nil {
		c.logger.Warn("push connect failed", "err", err)
	}
	return nil
}

// Close stops the loop, closes the push channel and clears the map.
func (c *Coordinator) Close() error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return nil
	}
	c.running = false
	cancel, done := c.cancel, c.done
	c.mu.Unlock()

	cancel()
	<-done
	return errors.Join(c.opts.Push.Close(), c.opts.Renderer.Clear())
}

// Done is closed when the event loop has exited.
func (c *Coordinator) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.done
}

// ---- LOOP DE EVENTOS ----

func (c *Coordinator) loop(ctx context.Context) {
	ticker := time.NewTicker(c.opts.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-c.events:
			ev(ctx)
		case <-ticker.C:
			if c.opts.Push.State() != link.StateConnected {
				c.poll(ctx)
			}
		}
		c.flush(ctx)
	}
}

func (c *Coordinator) post(ctx context.Context, ev event) {
	select {
	case c.events <- ev:
	case <-ctx.Done():
	}
}

// do runs fn on the loop and waits for it. fn receives the loop's context.
func (c *Coordinator) do(ctx context.Context, fn func(loopCtx context.Context)) error {
	c.mu.Lock()
	running, loopDone := c.running, c.done
	c.mu.Unlock()
	if !running {
		return ErrNotRunning
	}
	done := make(chan struct{})
	select {
	case c.events <- func(lctx context.Context) { fn(lctx); close(done) }:
	case <-loopDone:
		return ErrNotRunning
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-loopDone:
		return ErrNotRunning
	case <-ctx.Done():
		return ctx.Err()
	}
}

// flush renders once per loop turn that changed the store, and persists
// applied snapshots.
func (c *Coordinator) flush(ctx context.Context) {
	if !c.dirty {
		return
	}
	c.dirty = false
	snap := c.opts.Store.Snapshot()
	if _, err := c.opts.Renderer.Render(snap); err != nil {
		c.logger.Warn("render failed", "err", err)
	}
	if c.persist && c.opts.Cache != nil {
		c.persist = false
		go func() {
			sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cacheTimeout)
			defer cancel()
			if err := c.opts.Cache.Save(sctx, snap); err != nil {
				c.logger.Warn("snapshot cache save failed", "err", err)
			}
		}()
	}
}

func (c *Coordinator) loadCache(ctx context.Context) {
	if c.opts.Cache == nil {
		return
	}
	lctx, cancel := context.WithTimeout(ctx, cacheTimeout)
	defer cancel()
	snap, ok, err := c.opts.Cache.Load(lctx)
	if err != nil {
		c.logger.Warn("snapshot cache load failed", "err", err)
		return
	}
	if ok {
		c.logger.Info("showing cached snapshot until first fetch")
		c.opts.Store.ApplySnapshot(snap)
		// Nada nuevo que guardar.
		c.persist = false
	}
}

// poll fetches on its own goroutine and applies the result on the loop. At
// most one fetch is in flight.
func (c *Coordinator) poll(ctx context.Context) {
	if c.polling {
		return
	}
	c.polling = true
	go func() {
		start := time.Now()
		fctx, cancel := context.WithTimeout(ctx, fetchTimeout)
		snap, err := c.opts.Backend.FetchDispatchData(fctx)
		cancel()
		observability.ObservePollLatency(start)
		c.post(ctx, func(context.Context) {
			c.polling = false
			if err != nil {
				observability.Polls.WithLabelValues("error").Inc()
				c.logger.Warn("dispatch data fetch failed, keeping last state", "err", err)
				return
			}
			observability.Polls.WithLabelValues("ok").Inc()
			c.opts.Store.ApplySnapshot(snap)
		})
	}()
}

// ---- ACCIONES DE TAREAS ----

// Assign assigns a task to a technician, optimistically.
func (c *Coordinator) Assign(ctx context.Context, taskID, technicianID dispatch.ID) error {
	name := string(technicianID)
	if tech, ok := c.opts.Store.Technician(string(technicianID)); ok {
		name = tech.Name
	}
	patch := dispatch.TaskPatch{
		ID:         taskID,
		Status:     dispatch.Some(dispatch.StatusAssigned),
		AssignedTo: dispatch.Some(name),
	}
	return c.act(ctx, "assign", patch, func(ctx context.Context) (api.ActionResult, error) {
		return c.opts.Backend.Assign(ctx, taskID, technicianID)
	})
}

// StartTask moves an assigned task in transit.
func (c *Coordinator) StartTask(ctx context.Context, taskID dispatch.ID) error {
	patch := dispatch.TaskPatch{ID: taskID, Status: dispatch.Some(dispatch.StatusInTransit)}
	return c.act(ctx, "start", patch, func(ctx context.Context) (api.ActionResult, error) {
		return c.opts.Backend.Start(ctx, taskID)
	})
}

// Complete finishes an in-transit task as succeeded or failed.
func (c *Coordinator) Complete(ctx context.Context, taskID dispatch.ID, result dispatch.TaskStatus) error {
	if result != dispatch.StatusSucceeded && result != dispatch.StatusFailed {
		return fmt.Errorf("%w: completion result %q", dispatch.ErrUnknownStatus, result)
	}
	patch := dispatch.TaskPatch{ID: taskID, Status: dispatch.Some(result)}
	return c.act(ctx, "complete", patch, func(ctx context.Context) (api.ActionResult, error) {
		return c.opts.Backend.Complete(ctx, taskID, result)
	})
}

// act applies patch optimistically, calls the backend, then confirms or rolls
// back. Without a live push channel the outcome is reconciled by a fetch.
func (c *Coordinator) act(ctx context.Context, name string, patch dispatch.TaskPatch, call func(context.Context) (api.ActionResult, error)) error {
	log := c.logger.With("action", name, "task_id", patch.Key())

	var o *state.Optimistic
	var beginErr error
	if err := c.do(ctx, func(context.Context) { o, beginErr = c.opts.Store.BeginOptimistic(patch) }); err != nil {
		return err
	}
	if beginErr != nil {
		observability.ActionsTotal.WithLabelValues(name, "rejected").Inc()
		return beginErr
	}

	res, callErr := call(ctx)

	err := c.do(context.WithoutCancel(ctx), func(lctx context.Context) {
		if callErr != nil {
			if c.opts.Store.Rollback(o) {
				log.Warn("action failed, rolled back", "err", callErr)
			} else {
				log.Warn("action failed, newer state kept", "err", callErr)
			}
		} else {
			c.opts.Store.Confirm(o)
			// The echoed status is authoritative.
			if res.Status != "" && res.Status != patch.Status.V {
				_ = c.opts.Store.ApplyTaskUpdate(dispatch.TaskPatch{ID: patch.Key(), Status: dispatch.Some(res.Status)})
			}
		}
		if c.opts.Push.State() != link.StateConnected {
			c.poll(lctx)
		}
	})
	if err != nil {
		return err
	}
	if callErr != nil {
		observability.ActionsTotal.WithLabelValues(name, "error").Inc()
		return fmt.Errorf("%s task %s: %w", name, patch.Key(), callErr)
	}
	observability.ActionsTotal.WithLabelValues(name, "ok").Inc()
	log.Info("action confirmed", "status", res.Status)
	return nil
}
