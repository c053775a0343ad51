package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/minitime/minitime/checkpoint"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s := New(filepath.Join(t.TempDir(), "checkpoints.db"))
	t.Cleanup(func() { s.Close() })
	if err := s.Init(context.Background()); err != nil {
		t.Fatal(err)
	}
	return s
}

func TestSnapshotRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	seq, err := s.SaveSnapshot(ctx, "alice#chat", []byte(`[{"role":"user"}]`))
	if err != nil {
		t.Fatal(err)
	}
	if seq != 1 {
		t.Errorf("first seq = %d, want 1", seq)
	}

	seq, err = s.SaveSnapshot(ctx, "alice#chat", []byte(`[1,2]`))
	if err != nil {
		t.Fatal(err)
	}
	if seq != 2 {
		t.Errorf("second seq = %d, want 2", seq)
	}

	raw, seq, err := s.LoadLatest(ctx, "alice#chat")
	if err != nil {
		t.Fatal(err)
	}
	if seq != 2 || string(raw) != `[1,2]` {
		t.Errorf("latest = seq %d %q", seq, raw)
	}
}

func TestSequencesPerThread(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	s.SaveSnapshot(ctx, "alice#a", []byte(`1`))
	seq, err := s.SaveSnapshot(ctx, "alice#b", []byte(`1`))
	if err != nil {
		t.Fatal(err)
	}
	if seq != 1 {
		t.Errorf("other thread seq = %d, want independent sequence starting at 1", seq)
	}
}

func TestLoadLatestNotFound(t *testing.T) {
	s := newTestStore(t)
	if _, _, err := s.LoadLatest(context.Background(), "nobody#nothing"); err != checkpoint.ErrNotFound {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestAppendWrite(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := s.AppendWrite(ctx, "alice#chat", []byte(`{"role":"tool"}`)); err != nil {
			t.Fatal(err)
		}
	}
	// Writes are independent of snapshots.
	if _, _, err := s.LoadLatest(ctx, "alice#chat"); err != checkpoint.ErrNotFound {
		t.Errorf("writes alone should not create a snapshot: %v", err)
	}
}

func TestListThreadsPrefixAndOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	s.SaveSnapshot(ctx, "alice#old", []byte(`1`))
	time.Sleep(15 * time.Millisecond)
	s.SaveSnapshot(ctx, "alice#new", []byte(`1`))
	s.SaveSnapshot(ctx, "bob#chat", []byte(`1`))

	threads, err := s.ListThreads(ctx, "alice#")
	if err != nil {
		t.Fatal(err)
	}
	if len(threads) != 2 {
		t.Fatalf("got %d threads, want 2", len(threads))
	}
	if threads[0].ThreadID != "alice#new" || threads[1].ThreadID != "alice#old" {
		t.Errorf("order = %s, %s, want newest first", threads[0].ThreadID, threads[1].ThreadID)
	}
	if threads[0].UpdatedAt.Before(threads[1].UpdatedAt) {
		t.Error("UpdatedAt should be descending")
	}
}

func TestDelete(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	s.SaveSnapshot(ctx, "alice#chat", []byte(`1`))
	s.AppendWrite(ctx, "alice#chat", []byte(`1`))

	if err := s.Delete(ctx, "alice#chat"); err != nil {
		t.Fatal(err)
	}
	if _, _, err := s.LoadLatest(ctx, "alice#chat"); err != checkpoint.ErrNotFound {
		t.Errorf("err = %v, want ErrNotFound after delete", err)
	}
}

func TestDeletePrefix(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	s.SaveSnapshot(ctx, "alice#a", []byte(`1`))
	s.SaveSnapshot(ctx, "alice#b", []byte(`1`))
	s.SaveSnapshot(ctx, "bob#a", []byte(`1`))

	if err := s.DeletePrefix(ctx, "alice#"); err != nil {
		t.Fatal(err)
	}
	threads, err := s.ListThreads(ctx, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(threads) != 1 || threads[0].ThreadID != "bob#a" {
		t.Errorf("remaining threads = %+v", threads)
	}
}
