package queue

import "golang.org/x/sync/errgroup"

// WorkerSet runs a tracer's COW/Dispatch/SectorSet workers as a group and
// gives shutdown a single barrier to wait on: RequestStop on each worker
// only signals its queue to drain, it doesn't block until the worker
// goroutine has actually returned, so callers that sync or close the COW
// file right after RequestStop could otherwise race a worker still
// mid-drain.
type WorkerSet struct {
	g *errgroup.Group
}

func NewWorkerSet() *WorkerSet {
	return &WorkerSet{g: &errgroup.Group{}}
}

// Go starts run (a worker's Run method) as part of the set.
func (s *WorkerSet) Go(run func()) {
	s.g.Go(func() error {
		run()
		return nil
	})
}

// Wait blocks until every worker started with Go has returned. Callers
// must have already called RequestStop on each worker, or this blocks
// forever.
func (s *WorkerSet) Wait() {
	_ = s.g.Wait()
}
