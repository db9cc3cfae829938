package mirror

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

func collectFlushes() (*[]Delta, func(Delta)) {
	var mu sync.Mutex
	var deltas []Delta
	return &deltas, func(d Delta) {
		mu.Lock()
		deltas = append(deltas, d)
		mu.Unlock()
	}
}

func waitForFlush(t *testing.T, deltas *[]Delta, min int) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		if len(*deltas) >= min {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for %d flush(es), got %d", min, len(*deltas))
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func writeTempFile(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "doc.txt")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestOpenDocumentIsIdempotentAndSchedulesOneFlush(t *testing.T) {
	path := writeTempFile(t, "line one\nline two")
	deltasPtr, onFlush := collectFlushes()
	m := New(onFlush, nil)

	doc1, err := m.OpenDocument(path, true)
	if err != nil {
		t.Fatalf("OpenDocument: %v", err)
	}
	doc2, err := m.OpenDocument(path, true)
	if err != nil {
		t.Fatalf("OpenDocument (second): %v", err)
	}
	if doc1 != doc2 {
		t.Fatal("expected same *Document instance on repeated open")
	}
	if len(doc1.Lines) != 2 || doc1.Lines[0] != "line one" {
		t.Fatalf("unexpected lines: %v", doc1.Lines)
	}

	waitForFlush(t, deltasPtr, 1)
	first := (*deltasPtr)[0]
	if len(first.Structural.AddedDocuments) != 1 || first.Structural.AddedDocuments[0] != path {
		t.Fatalf("expected added-document structural delta, got %+v", first.Structural)
	}

	// The repeated open must not schedule a second flush.
	time.Sleep(DebounceInterval * 4)
	if len(*deltasPtr) != 1 {
		t.Fatalf("expected exactly 1 flush, got %d", len(*deltasPtr))
	}
}

func TestSyncToGuestAllocatesFreshEditorIDsAndMarksActive(t *testing.T) {
	path := writeTempFile(t, "content")
	deltasPtr, onFlush := collectFlushes()
	m := New(onFlush, nil)

	ed1, err := m.SyncToGuest(path, true, EditorOptions{TabSize: 2})
	if err != nil {
		t.Fatalf("SyncToGuest: %v", err)
	}
	ed2, err := m.SyncToGuest(path, true, EditorOptions{TabSize: 4})
	if err != nil {
		t.Fatalf("SyncToGuest (second): %v", err)
	}
	if ed1.ID == ed2.ID {
		t.Fatal("expected distinct editor ids")
	}

	m.mu.RLock()
	active := m.activeEditor
	m.mu.RUnlock()
	if active == nil || *active != ed2.ID {
		t.Fatalf("expected ed2 active, got %v", active)
	}
	waitForFlush(t, deltasPtr, 1)
}

func TestRemoveEditorEvictsDocumentWhenUnreferenced(t *testing.T) {
	path := writeTempFile(t, "content")
	_, onFlush := collectFlushes()
	m := New(onFlush, nil)

	ed, err := m.OpenEditor(path)
	if err != nil {
		t.Fatalf("OpenEditor: %v", err)
	}
	m.SyncUpdates()

	m.RemoveEditor(ed.ID)
	m.SyncUpdates()

	m.mu.RLock()
	_, docStillThere := m.documents[path]
	_, edStillThere := m.editors[ed.ID]
	m.mu.RUnlock()
	if docStillThere {
		t.Fatal("expected document evicted once its last editor is removed")
	}
	if edStillThere {
		t.Fatal("expected editor evicted")
	}
}

func TestTruncationCapsAt3MiBAndWarns(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "big.txt")
	big := strings.Repeat("x", MaxDocumentBytes+100)
	if err := os.WriteFile(path, []byte(big), 0o644); err != nil {
		t.Fatal(err)
	}

	_, onFlush := collectFlushes()
	m := New(onFlush, nil)
	doc, err := m.OpenDocument(path, true)
	if err != nil {
		t.Fatalf("OpenDocument: %v", err)
	}
	if !doc.Truncated {
		t.Fatal("expected Truncated = true for oversized file")
	}
	if len(doc.text()) > MaxDocumentBytes {
		t.Fatalf("mirrored content exceeds cap: %d bytes", len(doc.text()))
	}
}

func TestUpdateDocumentContentBumpsVersionAndShipsContentDelta(t *testing.T) {
	path := writeTempFile(t, "v1")
	deltasPtr, onFlush := collectFlushes()
	m := New(onFlush, nil)

	doc, err := m.OpenDocument(path, true)
	if err != nil {
		t.Fatalf("OpenDocument: %v", err)
	}
	m.SyncUpdates()
	initialVersion := doc.VersionID

	if err := m.UpdateDocumentContent(path, []string{"v2", "line2"}); err != nil {
		t.Fatalf("UpdateDocumentContent: %v", err)
	}
	m.SyncUpdates()

	if doc.VersionID != initialVersion+1 {
		t.Fatalf("expected versionId incremented, got %d -> %d", initialVersion, doc.VersionID)
	}

	waitForFlush(t, deltasPtr, 2)
	last := (*deltasPtr)[len(*deltasPtr)-1]
	if len(last.Documents) != 1 || last.Documents[0].URI != path {
		t.Fatalf("expected content delta for %s, got %+v", path, last.Documents)
	}
	if last.Documents[0].VersionID != initialVersion+1 {
		t.Fatalf("content delta versionId = %d, want %d", last.Documents[0].VersionID, initialVersion+1)
	}
}

func TestUpdateDocumentContentDeltaLengthReflectsReplacedText(t *testing.T) {
	path := writeTempFile(t, "aaaaa") // 5 bytes, the text being replaced
	deltasPtr, onFlush := collectFlushes()
	m := New(onFlush, nil)

	if _, err := m.OpenDocument(path, true); err != nil {
		t.Fatalf("OpenDocument: %v", err)
	}
	m.SyncUpdates()

	if err := m.UpdateDocumentContent(path, []string{"bb"}); err != nil { // 2 bytes, the new text
		t.Fatalf("UpdateDocumentContent: %v", err)
	}
	m.SyncUpdates()

	waitForFlush(t, deltasPtr, 2)
	last := (*deltasPtr)[len(*deltasPtr)-1]
	if len(last.Documents) != 1 {
		t.Fatalf("expected one content delta, got %+v", last.Documents)
	}
	delta := last.Documents[0]
	if delta.Length != 5 {
		t.Fatalf("Length = %d, want 5 (length of the replaced text, not the new one)", delta.Length)
	}
	if delta.Text != "bb" {
		t.Fatalf("Text = %q, want %q", delta.Text, "bb")
	}
	if delta.Range.EndLine != 1 || delta.Range.EndCol != 6 {
		t.Fatalf("Range = %+v, want end at line 1 col 6 (end of the replaced single-line text)", delta.Range)
	}
}

func TestDebounceCoalescesBurstsIntoOneFlush(t *testing.T) {
	path1 := writeTempFile(t, "a")
	path2 := writeTempFile(t, "b")
	deltasPtr, onFlush := collectFlushes()
	m := New(onFlush, nil)

	if _, err := m.OpenDocument(path1, true); err != nil {
		t.Fatal(err)
	}
	if _, err := m.OpenDocument(path2, true); err != nil {
		t.Fatal(err)
	}

	// Both opens happen well within one debounce window; expect them
	// coalesced into a single flush rather than two.
	time.Sleep(DebounceInterval * 4)
	if len(*deltasPtr) != 1 {
		t.Fatalf("expected exactly 1 coalesced flush, got %d", len(*deltasPtr))
	}
	if len((*deltasPtr)[0].Structural.AddedDocuments) != 2 {
		t.Fatalf("expected both documents in the one flush, got %+v", (*deltasPtr)[0].Structural)
	}
}

func TestInvalidateRereadsFromDiskAndBumpsVersion(t *testing.T) {
	path := writeTempFile(t, "original")
	_, onFlush := collectFlushes()
	m := New(onFlush, nil)

	doc, err := m.OpenDocument(path, true)
	if err != nil {
		t.Fatal(err)
	}
	m.SyncUpdates()
	before := doc.VersionID

	if err := os.WriteFile(path, []byte("changed externally"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := m.Invalidate(path); err != nil {
		t.Fatalf("Invalidate: %v", err)
	}
	m.SyncUpdates()

	if doc.VersionID != before+1 {
		t.Fatalf("expected versionId bumped by Invalidate, got %d -> %d", before, doc.VersionID)
	}
	if doc.text() != "changed externally" {
		t.Fatalf("expected re-read content, got %q", doc.text())
	}
}

func TestInvalidateIgnoresUnknownURI(t *testing.T) {
	_, onFlush := collectFlushes()
	m := New(onFlush, nil)
	if err := m.Invalidate("file:///never-opened"); err != nil {
		t.Fatalf("expected no error for unknown uri, got %v", err)
	}
}
