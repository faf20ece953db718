package store

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/goceleris/transferd/internal/engine"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSaveGet(t *testing.T) {
	s := newTestStore(t)
	now := time.Now().UTC().Truncate(time.Millisecond)

	rec := &Record{
		ID:        "abc",
		URL:       "http://example.com/f",
		Method:    "GET",
		Result:    engine.PartialFile,
		Status:    200,
		Bytes:     42,
		Error:     "transfer failed: partial_file",
		StartedAt: now.Add(-time.Second),
		EndedAt:   now,
	}
	if err := s.Save(rec); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	got, err := s.Get("abc")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Result != engine.PartialFile || got.Bytes != 42 || !got.EndedAt.Equal(now) {
		t.Errorf("unexpected record %+v", got)
	}

	if _, err := s.Get("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if err := s.Save(&Record{}); err == nil {
		t.Error("expected an error for a record without ID")
	}
}

func TestListFilterAndOrder(t *testing.T) {
	s, err := NewInMemory()
	if err != nil {
		t.Fatalf("NewInMemory failed: %v", err)
	}
	defer func() { _ = s.Close() }()

	base := time.Now()
	results := []engine.Result{engine.OK, engine.OperationTimedOut, engine.OK, engine.OK}
	for i, r := range results {
		rec := &Record{ID: fmt.Sprintf("r%d", i), Result: r, EndedAt: base.Add(time.Duration(i) * time.Second)}
		if err := s.Save(rec); err != nil {
			t.Fatalf("Save failed: %v", err)
		}
	}

	all, err := s.List(nil, 0)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(all) != 4 || all[0].ID != "r3" || all[3].ID != "r0" {
		t.Errorf("expected newest first, got %v", ids(all))
	}

	ok := engine.OK
	limited, err := s.List(&ok, 2)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(limited) != 2 || limited[0].ID != "r3" || limited[1].ID != "r2" {
		t.Errorf("unexpected filtered list %v", ids(limited))
	}

	if err := s.Delete("r1"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	timedOut := engine.OperationTimedOut
	if recs, _ := s.List(&timedOut, 0); len(recs) != 0 {
		t.Errorf("deleted record still listed: %v", ids(recs))
	}
	if err := s.Delete("r1"); err != nil {
		t.Errorf("deleting a missing record returned %v", err)
	}
}

func TestRunGCStops(t *testing.T) {
	s := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.RunGC(ctx, 10*time.Millisecond)
		close(done)
	}()
	time.Sleep(30 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("RunGC did not return after cancel")
	}
}

func ids(recs []*Record) []string {
	out := make([]string, len(recs))
	for i, r := range recs {
		out[i] = r.ID
	}
	return out
}
