package storage

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestJournalRoundTrip(t *testing.T) {
	dir := t.TempDir()
	key, err := GenerateKey()
	if err != nil {
		t.Fatalf("Failed to generate key: %v", err)
	}
	pager, err := NewPager(filepath.Join(dir, "data.db"), key)
	if err != nil {
		t.Fatalf("Failed to create pager: %v", err)
	}
	defer pager.Close()

	bp := NewBufferPool(16, pager)
	tree, err := NewBPlusTree(bp)
	if err != nil {
		t.Fatalf("Failed to create tree: %v", err)
	}
	ctx := context.Background()
	if err := tree.Insert(ctx, []byte("k"), []byte("v")); err != nil {
		t.Fatalf("Failed to insert: %v", err)
	}

	pages, err := bp.DirtyPages()
	if err != nil {
		t.Fatalf("Failed to collect dirty pages: %v", err)
	}
	path := filepath.Join(dir, "journal")
	meta := []byte(`{"lsn":7}`)
	if err := WriteJournal(path, pager, pages, meta); err != nil {
		t.Fatalf("Failed to write journal: %v", err)
	}

	got, gotMeta, ok, err := ReadJournal(path, pager)
	if err != nil || !ok {
		t.Fatalf("Failed to read journal: ok=%v err=%v", ok, err)
	}
	if !bytes.Equal(gotMeta, meta) {
		t.Errorf("Meta mismatch: %s", gotMeta)
	}
	if len(got) != len(pages) || got[0].Data != pages[0].Data {
		t.Errorf("Page images do not round trip")
	}

	if err := WritePages(pager, got); err != nil {
		t.Fatalf("Failed to apply journal: %v", err)
	}
	if err := bp.MarkClean(); err != nil {
		t.Fatalf("Failed to mark clean: %v", err)
	}
}

func TestTornJournalIsIgnored(t *testing.T) {
	dir := t.TempDir()
	pager, err := NewPager(filepath.Join(dir, "data.db"), nil)
	if err != nil {
		t.Fatalf("Failed to create pager: %v", err)
	}
	defer pager.Close()

	page := NewPage(pager.AllocatePage(), PageTypeLeaf)
	path := filepath.Join(dir, "journal")
	if err := WriteJournal(path, pager, []*Page{page}, []byte("meta")); err != nil {
		t.Fatalf("Failed to write journal: %v", err)
	}

	data, _ := os.ReadFile(path)
	if err := os.WriteFile(path, data[:len(data)-5], 0644); err != nil {
		t.Fatalf("Failed to tear journal: %v", err)
	}

	_, _, ok, err := ReadJournal(path, pager)
	if err != nil {
		t.Fatalf("Torn journal should not be an error: %v", err)
	}
	if ok {
		t.Error("Torn journal must not be applied")
	}

	if _, _, ok, err := ReadJournal(filepath.Join(dir, "missing"), pager); ok || err != nil {
		t.Errorf("Missing journal: ok=%v err=%v", ok, err)
	}
}
