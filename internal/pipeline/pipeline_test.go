package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"scenesplit/internal/faults"
	"scenesplit/internal/storage"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestPipelineRunsEveryJobAndRecords(t *testing.T) {
	store, err := storage.New(filepath.Join(t.TempDir(), "runs.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	if err := store.RecordRunStart(storage.RunRecord{ID: "run", InputPath: "in.czi"}); err != nil {
		t.Fatal(err)
	}

	proc := ProcessorFunc(func(ctx context.Context, job Job) Result {
		if job.Position == 1 {
			return Result{Error: faults.Format("test", "broken plane")}
		}
		return Result{TIFFPath: job.Name + ".tif", VolumeBytes: 10}
	})
	p := New(context.Background(), 2, 1<<20, quietLogger(), store, proc)
	results, unsub := p.Subscribe(3)
	defer unsub()

	for i := 0; i < 3; i++ {
		job := Job{ID: "job", RunID: "run", Position: i, Name: "P" + string(rune('0'+i)), EstimatedBytes: 100}
		if err := p.Submit(context.Background(), job); err != nil {
			t.Fatal(err)
		}
	}
	got := map[int]Result{}
	for len(got) < 3 {
		select {
		case res := <-results:
			got[res.Job.Position] = res
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for results")
		}
	}
	p.Stop()

	if got[0].Error != nil || got[0].TIFFPath != "P0.tif" || got[0].Status() != storage.StatusCompleted {
		t.Fatalf("position 0: %+v", got[0])
	}
	if !errors.Is(got[1].Error, faults.ErrFormat) || got[1].Status() != storage.StatusFailed {
		t.Fatalf("position 1: %+v", got[1])
	}

	recs, err := store.Positions("run")
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 3 || recs[1].ErrorKind != "format" || recs[2].Status != storage.StatusCompleted {
		t.Fatalf("records %+v", recs)
	}
}

func TestMemoryBudgetSerializesLargeJobs(t *testing.T) {
	var running, peak int32
	var mu sync.Mutex
	proc := ProcessorFunc(func(ctx context.Context, job Job) Result {
		n := atomic.AddInt32(&running, 1)
		mu.Lock()
		if n > peak {
			peak = n
		}
		mu.Unlock()
		time.Sleep(20 * time.Millisecond)
		atomic.AddInt32(&running, -1)
		return Result{}
	})
	// Each job is larger than the budget, so only one may run at a time even
	// with four workers.
	p := New(context.Background(), 4, 1000, quietLogger(), nil, proc)
	results, unsub := p.Subscribe(4)
	defer unsub()
	for i := 0; i < 4; i++ {
		if err := p.Submit(context.Background(), Job{Position: i, EstimatedBytes: 5000}); err != nil {
			t.Fatal(err)
		}
	}
	for i := 0; i < 4; i++ {
		<-results
	}
	p.Stop()
	if peak != 1 {
		t.Fatalf("peak concurrency %d, want 1", peak)
	}
}

func TestSubmitAfterStop(t *testing.T) {
	p := New(context.Background(), 1, 1, quietLogger(), nil, ProcessorFunc(func(ctx context.Context, job Job) Result { return Result{} }))
	p.Stop()
	if err := p.Submit(context.Background(), Job{}); !errors.Is(err, ErrStopped) {
		t.Fatalf("got %v", err)
	}
}
