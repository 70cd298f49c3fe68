package queue

import (
	"errors"
	"sync"
	"testing"
)

func TestCOWWorkerProcessesThenStops(t *testing.T) {
	var mu sync.Mutex
	var processed []int64

	counters := &ShutdownCounters{}
	w := NewCOWWorker(counters)

	for i := int64(0); i < 3; i++ {
		i := i
		w.Queue.Enqueue(&BioItem{
			Sector: i,
			Handle: func() error {
				mu.Lock()
				processed = append(processed, i)
				mu.Unlock()
				return nil
			},
		})
	}

	done := make(chan struct{})
	go func() {
		w.Run()
		close(done)
	}()

	w.RequestStop()
	<-done

	mu.Lock()
	defer mu.Unlock()
	if len(processed) != 3 {
		t.Fatalf("processed %d items, want 3", len(processed))
	}
}

func TestCOWWorkerDeliversErrorsPerItem(t *testing.T) {
	counters := &ShutdownCounters{}
	w := NewCOWWorker(counters)

	var gotErr error
	w.Queue.Enqueue(&BioItem{
		Handle:  func() error { return errors.New("boom") },
		OnError: func(err error) { gotErr = err },
	})
	w.Queue.Enqueue(&BioItem{Handle: func() error { return nil }})

	done := make(chan struct{})
	go func() {
		w.Run()
		close(done)
	}()
	w.RequestStop()
	<-done

	if gotErr == nil || gotErr.Error() != "boom" {
		t.Fatalf("gotErr = %v, want boom", gotErr)
	}
}

func TestDispatchWorkerRuns(t *testing.T) {
	w := NewDispatchWorker()
	called := false
	w.Queue.Enqueue(&BioItem{Handle: func() error { called = true; return nil }})

	done := make(chan struct{})
	go func() {
		w.Run()
		close(done)
	}()
	w.RequestStop()
	<-done

	if !called {
		t.Fatal("expected dispatch handler to run")
	}
}

func TestSectorSetWorkerDrains(t *testing.T) {
	var got []SectorSetRecord
	var mu sync.Mutex
	w := NewSectorSetWorker(func(r SectorSetRecord) error {
		mu.Lock()
		got = append(got, r)
		mu.Unlock()
		return nil
	}, nil)

	w.Queue.Enqueue(SectorSetRecord{Sector: 1, Length: 8})
	w.Queue.Enqueue(SectorSetRecord{Sector: 9, Length: 8})

	done := make(chan struct{})
	go func() {
		w.Run()
		close(done)
	}()
	w.RequestStop()
	<-done

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 2 {
		t.Fatalf("got %d records, want 2", len(got))
	}
}
