package indexbuild

import (
	"os"
	"testing"
	"time"

	"github.com/kartikbazzad/bunbase/bunstore/catalog"
	"github.com/kartikbazzad/bunbase/bunstore/internal/sorter"
	"github.com/kartikbazzad/bunbase/bunstore/record"
)

func TestStateSaveLoadList(t *testing.T) {
	dir := t.TempDir()
	older := &State{
		BuildUUID: "b-1",
		Spec:      catalog.IndexSpec{Name: "a_1", Key: []catalog.KeyField{{Field: "a", Direction: 1}}},
		Phase:     catalog.PhaseBulkLoad,
		Spills:    []sorter.Spill{{File: "000000.spill", Entries: 10}},
		StartedAt: time.Now().Add(-time.Minute),
	}
	newer := &State{BuildUUID: "b-2", Phase: catalog.PhaseCollectionScan, ResumeToken: []byte{1, 2}, StartedAt: time.Now()}
	for _, s := range []*State{newer, older} {
		if err := saveState(dir, s); err != nil {
			t.Fatalf("Failed to save state: %v", err)
		}
	}

	states, err := ListStates(dir)
	if err != nil {
		t.Fatalf("Failed to list states: %v", err)
	}
	if len(states) != 2 || states[0].BuildUUID != "b-1" || states[1].BuildUUID != "b-2" {
		t.Fatalf("Unexpected states %+v", states)
	}
	if states[0].Phase != catalog.PhaseBulkLoad || len(states[0].Spills) != 1 || states[0].Spec.Name != "a_1" {
		t.Errorf("State did not round trip: %+v", states[0])
	}
	if string(states[1].ResumeToken) != "\x01\x02" {
		t.Errorf("Resume token did not round trip: %v", states[1].ResumeToken)
	}

	if err := os.MkdirAll(spillDir(dir, "b-1"), 0755); err != nil {
		t.Fatalf("Failed to create spill dir: %v", err)
	}
	if err := removeState(dir, "b-1"); err != nil {
		t.Fatalf("Failed to remove state: %v", err)
	}
	if _, err := os.Stat(spillDir(dir, "b-1")); !os.IsNotExist(err) {
		t.Error("Spill directory should be removed with the state")
	}
	states, _ = ListStates(dir)
	if len(states) != 1 {
		t.Errorf("Expected 1 state after removal, got %d", len(states))
	}
}

func TestListStatesMissingDir(t *testing.T) {
	states, err := ListStates(t.TempDir())
	if err != nil || states != nil {
		t.Errorf("Expected no states, got %v, %v", states, err)
	}
}

func TestResumeOnce(t *testing.T) {
	s := &State{
		Phase:       catalog.PhaseDrain,
		ScanTs:      42,
		ResumeToken: []byte("rid"),
		Spills:      []sorter.Spill{{File: "x"}},
		Duplicates:  [][]byte{[]byte("k")},
	}

	// First restart resumes where the build stopped.
	if s.prepareResume() {
		t.Fatal("First resume should continue from the persisted phase")
	}
	if s.Phase != catalog.PhaseDrain || s.ResumeCount != 1 {
		t.Fatalf("Unexpected state after first resume: %+v", s)
	}

	// Interrupted again: the next start scans from scratch.
	if !s.prepareResume() {
		t.Fatal("Second resume should restart the build")
	}
	if s.Phase != catalog.PhaseCollectionScan || s.ScanTs != 0 || s.ResumeToken != nil || s.Spills != nil || s.Duplicates != nil {
		t.Errorf("Restart should clear scan progress: %+v", s)
	}
	if s.ResumeCount != 0 {
		t.Errorf("Restart begins a new generation, got resume count %d", s.ResumeCount)
	}
}

func TestSortValueRoundTrip(t *testing.T) {
	rid := record.HeapID(9)
	rid2, start, err := splitSortValue(sortValue(rid, 77))
	if err != nil {
		t.Fatalf("Failed to split: %v", err)
	}
	if string(rid2) != string(rid) || start != 77 {
		t.Errorf("Got %x at %d", []byte(rid2), start)
	}
	if _, _, err := splitSortValue([]byte{1}); err == nil {
		t.Error("Expected error for a short value")
	}
}

func TestAddDuplicateDedups(t *testing.T) {
	s := &State{}
	s.addDuplicate([]byte("k"))
	s.addDuplicate([]byte("k"))
	s.addDuplicate([]byte("j"))
	if len(s.Duplicates) != 2 {
		t.Errorf("Expected 2 duplicates, got %d", len(s.Duplicates))
	}
}
