package sorter

import (
	"context"
	"fmt"
	"os"
	"testing"

	"github.com/kartikbazzad/bunbase/bunstore/internal/logger"
	"github.com/kartikbazzad/bunbase/bunstore/storeerr"
)

func collect(t *testing.T, s *Sorter) []string {
	t.Helper()
	it, err := s.Iterator(context.Background())
	if err != nil {
		t.Fatalf("Failed to create iterator: %v", err)
	}
	defer it.Close()
	var out []string
	for it.Next() {
		out = append(out, string(it.Item().Key)+"="+string(it.Item().Value))
	}
	if err := it.Err(); err != nil {
		t.Fatalf("Iteration failed: %v", err)
	}
	return out
}

func TestSortInMemory(t *testing.T) {
	s := New(Options{Logger: logger.Discard()}, nil)
	for _, k := range []string{"c", "a", "b", "a"} {
		if err := s.Add([]byte(k), []byte("v"+k)); err != nil {
			t.Fatalf("Failed to add: %v", err)
		}
	}
	got := collect(t, s)
	want := []string{"a=va", "a=va", "b=vb", "c=vc"}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("Expected %v, got %v", want, got)
	}
	if s.Len() != 4 {
		t.Errorf("Expected 4 items, got %d", s.Len())
	}
}

func TestSpillAndMerge(t *testing.T) {
	dir := t.TempDir()
	s := New(Options{Dir: dir, Prefix: "run-", MemoryBudget: 200, AllowDiskUse: true, Logger: logger.Discard()}, nil)
	for i := 99; i >= 0; i-- {
		if err := s.Add([]byte(fmt.Sprintf("k%03d", i)), []byte{byte(i)}); err != nil {
			t.Fatalf("Failed to add %d: %v", i, err)
		}
	}
	if len(s.Manifest()) == 0 {
		t.Fatal("Expected spills under a small memory budget")
	}

	got := collect(t, s)
	if len(got) != 100 {
		t.Fatalf("Expected 100 items, got %d", len(got))
	}
	for i := 1; i < len(got); i++ {
		if got[i-1] > got[i] {
			t.Fatalf("Out of order at %d: %q > %q", i, got[i-1], got[i])
		}
	}

	if err := s.Cleanup(); err != nil {
		t.Fatalf("Failed to clean up: %v", err)
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 0 {
		t.Errorf("Expected spill files removed, found %d", len(entries))
	}
}

func TestResumeFromManifest(t *testing.T) {
	dir := t.TempDir()
	first := New(Options{Dir: dir, AllowDiskUse: true, Logger: logger.Discard()}, nil)
	first.Add([]byte("b"), nil)
	first.Add([]byte("d"), nil)
	if err := first.Spill(); err != nil {
		t.Fatalf("Failed to spill: %v", err)
	}

	resumed := New(Options{Dir: dir, AllowDiskUse: true, Logger: logger.Discard()}, first.Manifest())
	resumed.Add([]byte("a"), nil)
	resumed.Add([]byte("c"), nil)
	got := collect(t, resumed)
	want := []string{"a=", "b=", "c=", "d="}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("Expected %v, got %v", want, got)
	}
	if resumed.Len() != 4 {
		t.Errorf("Expected 4 items counted, got %d", resumed.Len())
	}
}

func TestMemoryLimitWithoutDiskUse(t *testing.T) {
	s := New(Options{MemoryBudget: 100, Logger: logger.Discard()}, nil)
	var err error
	for i := 0; i < 10 && err == nil; i++ {
		err = s.Add([]byte(fmt.Sprintf("key-%d", i)), []byte("value"))
	}
	if !storeerr.Is(err, storeerr.CodeQueryExceededMemoryLimitNoDiskUseAllowed) {
		t.Errorf("Expected QueryExceededMemoryLimitNoDiskUseAllowed, got %v", err)
	}
}

func TestIteratorInterrupted(t *testing.T) {
	s := New(Options{Logger: logger.Discard()}, nil)
	s.Add([]byte("a"), nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	it, err := s.Iterator(ctx)
	if err != nil {
		t.Fatalf("Failed to create iterator: %v", err)
	}
	defer it.Close()
	if it.Next() {
		t.Error("Iterator should stop on a cancelled context")
	}
	if !storeerr.Is(it.Err(), storeerr.CodeInterrupted) {
		t.Errorf("Expected Interrupted, got %v", it.Err())
	}
}
