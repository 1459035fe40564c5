package mhd

import (
	"slices"
	"sync"
	"time"

	"github.com/indigo-web/mhd/code"
	"github.com/indigo-web/mhd/internal/poll"
	"github.com/indigo-web/mhd/internal/timer"
)

// NoTimeout is returned by GetMaxWait if nothing has a deadline.
const NoTimeout time.Duration = -1

// FDState is a set of readiness conditions of a watched descriptor.
type FDState = poll.State

const (
	FDRecv   = poll.Recv
	FDSend   = poll.Send
	FDExcept = poll.Except
)

// WatchedFD is a descriptor the application watches on behalf of the daemon in the
// ExternalWatchedLevel and ExternalWatchedEdge modes.
type WatchedFD struct {
	FD int
	// Desired is the readiness the daemon waits for.
	Desired FDState
	// Actual is the readiness observed by the application. It's consumed by
	// ProcessWatchedFDs.
	Actual FDState
	// Data isn't used by the daemon and is free to be used by the application.
	Data any

	tag  poll.Tag
	conn *connection
}

type UpdateKind uint8

const (
	WatchAdded UpdateKind = iota
	WatchChanged
	WatchRemoved
)

func (u UpdateKind) String() string {
	switch u {
	case WatchAdded:
		return "added"
	case WatchChanged:
		return "changed"
	case WatchRemoved:
		return "removed"
	default:
		return "unknown"
	}
}

// WatchedFDUpdate is a single change of the watched set.
type WatchedFDUpdate struct {
	Kind   UpdateKind
	Record *WatchedFD
}

// ExtEvent is the readiness of a descriptor observed by the application.
type ExtEvent struct {
	FD    int
	State FDState
}

type watchSet struct {
	mu      sync.Mutex
	records map[int]*WatchedFD
	updates []WatchedFDUpdate
}

func newWatchSet() *watchSet {
	return &watchSet{records: make(map[int]*WatchedFD)}
}

func (w *watchSet) add(rec *WatchedFD) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.records[rec.FD] = rec
	w.updates = append(w.updates, WatchedFDUpdate{Kind: WatchAdded, Record: rec})
}

func (w *watchSet) change(rec *WatchedFD, desired FDState) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if rec.Desired == desired || w.records[rec.FD] != rec {
		return
	}

	rec.Desired = desired
	w.updates = append(w.updates, WatchedFDUpdate{Kind: WatchChanged, Record: rec})
}

func (w *watchSet) remove(rec *WatchedFD) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.records[rec.FD] != rec {
		return
	}

	delete(w.records, rec.FD)
	w.updates = append(w.updates, WatchedFDUpdate{Kind: WatchRemoved, Record: rec})
}

func (w *watchSet) removeFD(fd int) {
	w.mu.Lock()
	rec := w.records[fd]
	w.mu.Unlock()

	if rec != nil {
		w.remove(rec)
	}
}

func (w *watchSet) get(fd int) *WatchedFD {
	w.mu.Lock()
	defer w.mu.Unlock()

	return w.records[fd]
}

// snapshot returns the records ordered by descriptors.
func (w *watchSet) snapshot() []*WatchedFD {
	w.mu.Lock()
	defer w.mu.Unlock()

	records := make([]*WatchedFD, 0, len(w.records))
	for _, rec := range w.records {
		records = append(records, rec)
	}

	slices.SortFunc(records, func(a, b *WatchedFD) int {
		return a.FD - b.FD
	})

	return records
}

func (w *watchSet) takeUpdates() []WatchedFDUpdate {
	w.mu.Lock()
	defer w.mu.Unlock()

	updates := w.updates
	w.updates = nil
	return updates
}

func (w *watchSet) resetUpdates() {
	w.mu.Lock()
	w.updates = nil
	w.mu.Unlock()
}

// externalLoop returns the loop driven by the application, if the mode allows the call.
func (d *Daemon) externalLoop(watched bool) (*loop, error) {
	if !d.started.Load() || d.stopping.Load() {
		return nil, code.NotStarted
	}

	if !d.cfg.Work.Mode.External() || (d.loops[0].watch != nil) != watched {
		return nil, code.WorkModeMismatch
	}

	return d.loops[0], nil
}

// ProcessBlocking waits until anything is ready, but at most maxWait, and processes it.
// Negative maxWait waits until the nearest deadline. It's available in the
// ExternalPeriodic and ExternalSingleFD modes.
func (d *Daemon) ProcessBlocking(maxWait time.Duration) error {
	l, err := d.externalLoop(false)
	if err != nil {
		return err
	}

	return l.poll(maxWait)
}

// ProcessNonBlocking processes everything that is ready right now.
func (d *Daemon) ProcessNonBlocking() error {
	return d.ProcessBlocking(0)
}

// GetMaxWait returns how long the application may wait for readiness before the daemon
// must be processed again, or NoTimeout. Zero means it must be processed right away.
func (d *Daemon) GetMaxWait() time.Duration {
	if !d.started.Load() || d.stopping.Load() || !d.cfg.Work.Mode.External() {
		return NoTimeout
	}

	return d.loops[0].maxWait(timer.Now())
}

// AggregateFD returns the descriptor, which becomes readable once the daemon has work
// to do. ProcessNonBlocking must be called then.
func (d *Daemon) AggregateFD() (int, error) {
	l, err := d.externalLoop(false)
	if err != nil {
		return -1, err
	}

	return l.poller.FD(), nil
}

// GetWatchedFDs returns the whole watched set. The pending updates are dropped, since
// they are already reflected.
func (d *Daemon) GetWatchedFDs() []*WatchedFD {
	l, err := d.externalLoop(true)
	if err != nil {
		return nil
	}

	l.watch.resetUpdates()
	return l.watch.snapshot()
}

// GetWatchedFDsUpdate returns the changes of the watched set since the previous call of
// either GetWatchedFDs or GetWatchedFDsUpdate.
func (d *Daemon) GetWatchedFDsUpdate() []WatchedFDUpdate {
	l, err := d.externalLoop(true)
	if err != nil {
		return nil
	}

	return l.watch.takeUpdates()
}

// ProcessWatchedFDs processes the descriptors according to their Actual state.
func (d *Daemon) ProcessWatchedFDs() error {
	l, err := d.externalLoop(true)
	if err != nil {
		return err
	}

	l.processWatched()
	return nil
}

// ProcessExtEvents adds the observed readiness to the watched descriptors and processes
// them. Events of unknown descriptors are ignored.
func (d *Daemon) ProcessExtEvents(events ...ExtEvent) error {
	l, err := d.externalLoop(true)
	if err != nil {
		return err
	}

	for _, ev := range events {
		if rec := l.watch.get(ev.FD); rec != nil {
			rec.Actual |= ev.State
		}
	}

	l.processWatched()
	return nil
}

func (l *loop) processWatched() {
	for _, rec := range l.watch.snapshot() {
		ready := rec.Actual
		if ready == 0 {
			continue
		}

		rec.Actual = 0

		switch rec.tag {
		case poll.TagListen:
			if ready.Has(FDRecv) {
				l.accept()
			}
		case poll.TagITC:
			l.drainITC()
		default:
			if c := rec.conn; c != nil {
				l.process(c, ready)
			}
		}
	}

	l.housekeep()
}
