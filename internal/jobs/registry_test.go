package jobs

import (
	"errors"
	"testing"
	"time"
)

func TestRegistryGetNotFound(t *testing.T) {
	r := NewRegistry()
	if _, err := r.Get("missing"); !errors.Is(err, ErrJobNotFound) {
		t.Errorf("expected ErrJobNotFound, got %v", err)
	}
}

func TestRegistryReturnsCopies(t *testing.T) {
	r := NewRegistry()
	r.create(newJob("job-1", "ref", "", time.Now()))

	got, _ := r.Get("job-1")
	got.Progress = 99
	got.Status = StatusCompleted

	again, _ := r.Get("job-1")
	if again.Progress != 0 || again.Status != StatusProcessing {
		t.Errorf("stored record was mutated through a copy: %+v", again)
	}
}

func TestRegistryAdvanceDropsSupersededRun(t *testing.T) {
	r := NewRegistry()
	first := r.create(newJob("job-1", "ref-a", "", time.Now()))
	second := r.create(newJob("job-1", "ref-b", "", time.Now()))

	if first.run == second.run {
		t.Fatal("resubmission should get a new run number")
	}

	_, ok, err := r.advance("job-1", first.run, transition{to: StageMetadataFetched})
	if err != nil || ok {
		t.Fatalf("stale run write should be dropped silently, got ok=%v err=%v", ok, err)
	}

	got, _ := r.Get("job-1")
	if got.Source != "ref-b" || got.Progress != 0 {
		t.Errorf("record should belong to the second submission: %+v", got)
	}

	if _, ok, _ := r.advance("job-1", second.run, transition{to: StageMetadataFetched}); !ok {
		t.Error("current run should be able to advance")
	}
}

func TestRegistryAdvanceAfterRemove(t *testing.T) {
	r := NewRegistry()
	job := r.create(newJob("job-1", "ref", "", time.Now()))

	if _, ok := r.remove("job-1", job.run); !ok {
		t.Fatal("remove failed")
	}
	if _, ok, err := r.advance("job-1", job.run, transition{to: StageMetadataFetched}); ok || err != nil {
		t.Errorf("write after eviction should be dropped, got ok=%v err=%v", ok, err)
	}
	if r.Len() != 0 {
		t.Errorf("evicted job came back: len=%d", r.Len())
	}
}

func TestRegistryExpired(t *testing.T) {
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	r := NewRegistry()

	old := r.create(newJob("old", "ref", "", t0))
	r.advance("old", old.run, transition{to: StageFailed, err: errors.New("x")})
	r.create(newJob("old-running", "ref", "", t0))
	r.create(newJob("new", "ref", "", t0.Add(time.Hour)))

	cutoff := t0.Add(time.Minute)
	if got := r.expired(cutoff, true); len(got) != 2 {
		t.Errorf("expected 2 expired jobs including processing, got %d", len(got))
	}
	got := r.expired(cutoff, false)
	if len(got) != 1 || got[0].ID != "old" {
		t.Errorf("expected only the terminal job, got %+v", got)
	}
	if got := r.expired(t0, true); len(got) != 0 {
		t.Errorf("cutoff equal to creation time must not expire, got %d", len(got))
	}
}

func TestRegistryListOrder(t *testing.T) {
	t0 := time.Now()
	r := NewRegistry()
	r.create(newJob("c", "ref", "", t0.Add(2*time.Second)))
	r.create(newJob("a", "ref", "", t0))
	r.create(newJob("b", "ref", "", t0.Add(time.Second)))

	list := r.List()
	if len(list) != 3 || list[0].ID != "a" || list[1].ID != "b" || list[2].ID != "c" {
		t.Errorf("unexpected order: %v", list)
	}
}

func TestRegistrySubscribe(t *testing.T) {
	r := NewRegistry()
	ch := r.Subscribe()

	job := r.create(newJob("job-1", "ref", "", time.Now()))
	r.advance("job-1", job.run, transition{to: StageMetadataFetched})
	r.remove("job-1", job.run)

	want := []string{"created", "progress", "evicted"}
	for _, w := range want {
		select {
		case ev := <-ch:
			if ev.Type != w {
				t.Errorf("event type = %s, want %s", ev.Type, w)
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for %s event", w)
		}
	}

	r.Unsubscribe(ch)
	if _, open := <-ch; open {
		t.Error("channel should be closed after Unsubscribe")
	}
	// Second unsubscribe must not panic on a closed channel
	r.Unsubscribe(ch)
}

func TestRegistryStats(t *testing.T) {
	r := NewRegistry()
	a := r.create(newJob("a", "ref", "", time.Now()))
	r.create(newJob("b", "ref", "", time.Now()))
	r.advance("a", a.run, transition{to: StageFailed, err: errors.New("x")})

	stats := r.Stats()
	if stats.Total != 2 || stats.Failed != 1 || stats.Processing != 1 || stats.Completed != 0 {
		t.Errorf("unexpected stats: %+v", stats)
	}
}

func TestFileRegistry(t *testing.T) {
	f := NewFileRegistry()

	if _, err := f.Resolve("nope"); !errors.Is(err, ErrFileNotFound) {
		t.Errorf("expected ErrFileNotFound, got %v", err)
	}

	f.Register("file-1", "/tmp/job-1/a.mp3")
	path, err := f.Resolve("file-1")
	if err != nil || path != "/tmp/job-1/a.mp3" {
		t.Errorf("Resolve = %q, %v", path, err)
	}
	if f.Len() != 1 {
		t.Errorf("Len = %d", f.Len())
	}

	if !f.Remove("file-1") {
		t.Error("Remove should report an existing entry")
	}
	if f.Remove("file-1") {
		t.Error("second Remove should report false")
	}
	if _, err := f.Resolve("file-1"); !errors.Is(err, ErrFileNotFound) {
		t.Errorf("expected ErrFileNotFound after remove, got %v", err)
	}
}
