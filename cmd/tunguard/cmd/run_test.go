package cmd

import (
	"context"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/tunguard/tunguard/internal/rulestore"
)

func TestHopIDs(t *testing.T) {
	snap := rulestore.Snapshot{Apps: []rulestore.App{
		{ID: 1, HopChain: []string{"wg2", "wg1"}},
		{ID: 2},
		{ID: 3, HopChain: []string{"wg1", "Exit"}},
	}}
	got := hopIDs(snap)
	want := []string{"Exit", "wg1", "wg2"}
	if !slices.Equal(got, want) {
		t.Errorf("hopIDs() = %v, want %v", got, want)
	}
	if got := hopIDs(rulestore.Snapshot{}); len(got) != 0 {
		t.Errorf("hopIDs(empty) = %v, want empty", got)
	}
}

type fakeHopSource struct {
	mu   sync.Mutex
	snap rulestore.Snapshot
	ch   chan struct{}
}

func (f *fakeHopSource) Snapshot() rulestore.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snap
}

func (f *fakeHopSource) Subscribe() (<-chan struct{}, func()) {
	return f.ch, func() {}
}

func (f *fakeHopSource) set(apps ...rulestore.App) {
	f.mu.Lock()
	f.snap = rulestore.Snapshot{Apps: apps}
	f.mu.Unlock()
	f.ch <- struct{}{}
}

type recordingWatcher struct {
	mu    sync.Mutex
	calls [][]string
}

func (w *recordingWatcher) SetWatched(ids []string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.calls = append(w.calls, ids)
}

func (w *recordingWatcher) last() ([]string, int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.calls) == 0 {
		return nil, 0
	}
	return w.calls[len(w.calls)-1], len(w.calls)
}

func TestWatchHops_FollowsRuleChanges(t *testing.T) {
	src := &fakeHopSource{
		snap: rulestore.Snapshot{Apps: []rulestore.App{{ID: 1, HopChain: []string{"wg1"}}}},
		ch:   make(chan struct{}, 1),
	}
	w := &recordingWatcher{}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		watchHops(ctx, src, w)
		close(done)
	}()

	waitFor := func(want []string, n int) {
		t.Helper()
		deadline := time.Now().Add(2 * time.Second)
		for time.Now().Before(deadline) {
			if got, calls := w.last(); calls >= n && slices.Equal(got, want) {
				return
			}
			time.Sleep(5 * time.Millisecond)
		}
		got, calls := w.last()
		t.Fatalf("SetWatched last = %v after %d calls, want %v after %d", got, calls, want, n)
	}

	waitFor([]string{"wg1"}, 1)
	src.set(rulestore.App{ID: 1, HopChain: []string{"wg3", "wg1"}})
	waitFor([]string{"wg1", "wg3"}, 2)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("watchHops did not return after cancel")
	}
}
