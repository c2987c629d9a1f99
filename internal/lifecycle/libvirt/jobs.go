package libvirt

import (
	"context"
	"sync"

	"github.com/cochaviz/kiln/internal/lifecycle"
)

type job struct {
	done chan struct{}
	err  error
}

// jobTable tracks copies that outlive the call that started them. Entries
// stay until forgotten so a finished job keeps reporting its outcome.
type jobTable struct {
	mu   sync.Mutex
	jobs map[string]*job
	wg   sync.WaitGroup
}

func newJobTable() *jobTable {
	return &jobTable{jobs: map[string]*job{}}
}

// start runs fn in the background under id. ctx is detached from the
// caller's cancellation.
func (t *jobTable) start(ctx context.Context, id string, fn func(context.Context) error) {
	j := &job{done: make(chan struct{})}
	t.mu.Lock()
	t.jobs[id] = j
	t.mu.Unlock()

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		defer close(j.done)
		j.err = fn(context.WithoutCancel(ctx))
	}()
}

// jobState is a job's status and, once it failed, its error.
type jobState struct {
	Status lifecycle.Status
	Err    error
}

// status reports the job's state. ok is false for ids the table never saw.
func (t *jobTable) status(id string) (jobState, bool) {
	t.mu.Lock()
	j, ok := t.jobs[id]
	t.mu.Unlock()
	if !ok {
		return jobState{}, false
	}
	select {
	case <-j.done:
		if j.err != nil {
			return jobState{Status: lifecycle.StatusError, Err: j.err}, true
		}
		return jobState{Status: lifecycle.StatusActive}, true
	default:
		return jobState{Status: lifecycle.StatusPending}, true
	}
}

func (t *jobTable) forget(id string) {
	t.mu.Lock()
	delete(t.jobs, id)
	t.mu.Unlock()
}

// wait blocks until every started job has returned.
func (t *jobTable) wait() {
	t.wg.Wait()
}
