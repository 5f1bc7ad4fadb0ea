// Package dispatch fires one-shot jobs at a wall-clock time.
//
// A Dispatcher wraps a single robfig/cron runtime for the whole process.
// One-shot triggers are keyed by id: scheduling an id that is already
// pending replaces the earlier trigger, and a trigger whose time has
// already passed fires as soon as the runtime sees it. Recurring
// housekeeping jobs share the same runtime through Every.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// ErrStopped is returned when scheduling on a Dispatcher that has been stopped.
var ErrStopped = errors.New("dispatch: dispatcher stopped")

// JobFunc is the work bound to a trigger. The context is cancelled when the
// Dispatcher is stopped.
type JobFunc func(ctx context.Context)

// Dispatcher holds pending one-shot triggers and recurring jobs.
type Dispatcher struct {
	cron   *cron.Cron
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	pending map[string]*trigger
	running map[string]int // ids whose one-shot job is executing
	gen     uint64
	started bool
	stopped bool
}

// trigger is the bookkeeping for one pending one-shot job.
type trigger struct {
	entry cron.EntryID
	at    time.Time
	gen   uint64
}

// Pending describes a trigger that has not fired yet.
type Pending struct {
	ID string    `json:"id"`
	At time.Time `json:"at"`
}

// Opts holds parameters for creating a Dispatcher.
type Opts struct {
	Location *time.Location // defaults to time.Local
	Logger   cron.Logger    // defaults to the logrus standard logger
}

// New creates a stopped Dispatcher. Call Start to begin firing triggers.
func New(opts Opts) *Dispatcher {
	loc := opts.Location
	if loc == nil {
		loc = time.Local
	}
	logger := opts.Logger
	if logger == nil {
		logger = cron.PrintfLogger(logrus.StandardLogger())
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		cron: cron.New(
			cron.WithLocation(loc),
			cron.WithLogger(logger),
			cron.WithChain(cron.Recover(logger)),
		),
		ctx:     ctx,
		cancel:  cancel,
		pending: make(map[string]*trigger),
		running: make(map[string]int),
	}
}

// Start begins firing triggers. Triggers registered before Start that are
// already due fire immediately. A stopped Dispatcher cannot be restarted.
func (d *Dispatcher) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return ErrStopped
	}
	if d.started {
		return nil
	}
	d.started = true
	d.cron.Start()
	logrus.Info("dispatch: started")
	return nil
}

// Stop stops firing new triggers and waits for running jobs to return.
// If ctx expires first, the job context is cancelled and ctx.Err() is
// returned.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return nil
	}
	d.stopped = true
	d.mu.Unlock()

	done := d.cron.Stop()
	defer d.cancel()
	select {
	case <-done.Done():
		logrus.Info("dispatch: stopped")
		return nil
	case <-ctx.Done():
		logrus.Warn("dispatch: stop timed out waiting for running jobs")
		return ctx.Err()
	}
}

// Schedule registers fn to run once at the given time. If id already has a
// pending trigger it is replaced. A time at or before now fires immediately.
func (d *Dispatcher) Schedule(id string, at time.Time, fn JobFunc) error {
	if id == "" {
		return fmt.Errorf("dispatch: id is required")
	}
	if fn == nil {
		return fmt.Errorf("dispatch: job func is required")
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return ErrStopped
	}

	if old, ok := d.pending[id]; ok {
		d.cron.Remove(old.entry)
		logrus.WithFields(logrus.Fields{"job_id": id, "old_at": old.at, "new_at": at}).
			Debug("dispatch: replacing pending trigger")
	}

	d.gen++
	gen := d.gen
	entry := d.cron.Schedule(&onceSchedule{at: at}, cron.FuncJob(func() {
		d.fire(id, gen, fn)
	}))
	d.pending[id] = &trigger{entry: entry, at: at, gen: gen}
	return nil
}

// fire runs fn if the trigger identified by (id, gen) is still current.
func (d *Dispatcher) fire(id string, gen uint64, fn JobFunc) {
	d.mu.Lock()
	t, ok := d.pending[id]
	if !ok || t.gen != gen {
		d.mu.Unlock()
		return
	}
	delete(d.pending, id)
	d.running[id]++
	d.mu.Unlock()

	defer func() {
		d.mu.Lock()
		if d.running[id]--; d.running[id] <= 0 {
			delete(d.running, id)
		}
		d.mu.Unlock()
	}()

	d.cron.Remove(t.entry)
	logrus.WithFields(logrus.Fields{"job_id": id, "due": t.at}).Debug("dispatch: firing")
	fn(d.ctx)
}

// Cancel removes the pending trigger for id. It reports whether a trigger
// was pending.
func (d *Dispatcher) Cancel(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	t, ok := d.pending[id]
	if !ok {
		return false
	}
	delete(d.pending, id)
	d.cron.Remove(t.entry)
	return true
}

// IsPending reports whether id has a trigger that has not fired yet.
func (d *Dispatcher) IsPending(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.pending[id]
	return ok
}

// Running reports whether a trigger for id has fired and its job has not
// returned yet.
func (d *Dispatcher) Running(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.running[id] > 0
}

// Pending returns the pending one-shot triggers ordered by fire time.
func (d *Dispatcher) Pending() []Pending {
	d.mu.Lock()
	out := make([]Pending, 0, len(d.pending))
	for id, t := range d.pending {
		out = append(out, Pending{ID: id, At: t.at})
	}
	d.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].At.Equal(out[j].At) {
			return out[i].ID < out[j].ID
		}
		return out[i].At.Before(out[j].At)
	})
	return out
}

// Every registers a recurring job using a standard 5-field cron expression
// or a descriptor such as "@every 1m" or "@daily".
func (d *Dispatcher) Every(spec string, fn JobFunc) (cron.EntryID, error) {
	if fn == nil {
		return 0, fmt.Errorf("dispatch: job func is required")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return 0, ErrStopped
	}
	id, err := d.cron.AddFunc(spec, func() { fn(d.ctx) })
	if err != nil {
		return 0, fmt.Errorf("dispatch: parse %q: %w", spec, err)
	}
	return id, nil
}

// onceSchedule is a cron.Schedule that activates exactly once. The first
// call to Next returns the target time, or the current time when the target
// has already passed. Later calls return the zero time, which cron treats
// as "never".
type onceSchedule struct {
	at    time.Time
	calls atomic.Int32
}

func (s *onceSchedule) Next(now time.Time) time.Time {
	if s.calls.Add(1) > 1 {
		return time.Time{}
	}
	if !s.at.After(now) {
		return now
	}
	return s.at
}
