package scheduler

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/Rogers-F/bugloop/internal/bridge"
	"github.com/Rogers-F/bugloop/internal/domain"
)

// inboxSize bounds an async worker's queue. A bug changes phase far fewer
// times than this over its whole lifecycle.
const inboxSize = 32

// job asks a coordinator to react to one bug snapshot.
type job struct {
	coord *bridge.Coordinator
	bug   domain.Bug
}

// failure is a coordinator error attributed to a bug.
type failure struct {
	bugID string
	err   error
}

// dispatcher runs coordinators for the live bugs of a cycle.
type dispatcher interface {
	// dispatch hands jobs out in the given order and returns the failures it
	// already knows about.
	dispatch(ctx context.Context, jobs []job) []failure
	// drain returns failures reported since the last call.
	drain() []failure
	// retire stops whatever serves bugID.
	retire(bugID string)
	close()
}

// lockstepDispatcher calls every coordinator and waits for all of them.
type lockstepDispatcher struct {
	limit int
}

func (d *lockstepDispatcher) dispatch(ctx context.Context, jobs []job) []failure {
	var g errgroup.Group
	if d.limit > 0 {
		g.SetLimit(d.limit)
	}
	errs := make([]error, len(jobs))
	for i, j := range jobs {
		g.Go(func() error {
			errs[i] = j.coord.CoordinateTick(ctx, j.bug)
			return nil
		})
	}
	_ = g.Wait()

	var out []failure
	for i, err := range errs {
		if err != nil {
			out = append(out, failure{bugID: jobs[i].bug.ID, err: err})
		}
	}
	return out
}

func (d *lockstepDispatcher) drain() []failure { return nil }
func (d *lockstepDispatcher) retire(string)    {}
func (d *lockstepDispatcher) close()           {}

// asyncDispatcher gives every live bug its own worker goroutine so a slow
// agent stalls only that bug.
type asyncDispatcher struct {
	mu      sync.Mutex
	workers map[string]*worker
	errs    chan failure
	wg      sync.WaitGroup
}

type worker struct {
	inbox  chan domain.Bug
	cancel context.CancelFunc
	last   domain.Phase
}

func newAsyncDispatcher() *asyncDispatcher {
	return &asyncDispatcher{
		workers: make(map[string]*worker),
		errs:    make(chan failure, 64),
	}
}

func (d *asyncDispatcher) dispatch(ctx context.Context, jobs []job) []failure {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, j := range jobs {
		w, ok := d.workers[j.bug.ID]
		if !ok {
			w = d.start(ctx, j.bug.ID, j.coord)
		}
		if j.bug.Phase == w.last {
			continue
		}
		w.last = j.bug.Phase
		select {
		case w.inbox <- j.bug:
		case <-ctx.Done():
			return nil
		}
	}
	return nil
}

func (d *asyncDispatcher) start(ctx context.Context, bugID string, coord *bridge.Coordinator) *worker {
	wctx, cancel := context.WithCancel(ctx)
	w := &worker{
		inbox:  make(chan domain.Bug, inboxSize),
		cancel: cancel,
		last:   domain.PhaseNone,
	}
	d.workers[bugID] = w

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		for bug := range w.inbox {
			if wctx.Err() != nil {
				return
			}
			err := coord.CoordinateTick(wctx, bug)
			if err == nil || domain.IsStale(err) || wctx.Err() != nil {
				continue
			}
			select {
			case d.errs <- failure{bugID: bugID, err: err}:
			case <-wctx.Done():
				return
			}
		}
	}()
	return w
}

func (d *asyncDispatcher) drain() []failure {
	var out []failure
	for {
		select {
		case f := <-d.errs:
			out = append(out, f)
		default:
			return out
		}
	}
}

func (d *asyncDispatcher) retire(bugID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopLocked(bugID)
}

func (d *asyncDispatcher) stopLocked(bugID string) {
	w, ok := d.workers[bugID]
	if !ok {
		return
	}
	w.cancel()
	close(w.inbox)
	delete(d.workers, bugID)
}

func (d *asyncDispatcher) close() {
	d.mu.Lock()
	for id := range d.workers {
		d.stopLocked(id)
	}
	d.mu.Unlock()
	d.wg.Wait()
}
