package sessionstore

import (
	"path/filepath"
	"testing"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sessions.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSaveAndLoadCheckpoint(t *testing.T) {
	s := openTestStore(t)

	if _, ok, err := s.LoadCheckpoint("conn-1"); err != nil || ok {
		t.Fatalf("expected no checkpoint yet: ok=%v err=%v", ok, err)
	}

	c := Checkpoint{ConnectionID: "conn-1", LastReceivedID: 5, LastSentID: 9}
	if err := s.SaveCheckpoint(c); err != nil {
		t.Fatalf("SaveCheckpoint: %v", err)
	}
	got, ok, err := s.LoadCheckpoint("conn-1")
	if err != nil || !ok {
		t.Fatalf("LoadCheckpoint: ok=%v err=%v", ok, err)
	}
	if got.LastReceivedID != 5 || got.LastSentID != 9 {
		t.Fatalf("got %+v", got)
	}
}

func TestSaveCheckpointUpserts(t *testing.T) {
	s := openTestStore(t)

	if err := s.SaveCheckpoint(Checkpoint{ConnectionID: "conn-1", LastReceivedID: 1, LastSentID: 1}); err != nil {
		t.Fatal(err)
	}
	if err := s.SaveCheckpoint(Checkpoint{ConnectionID: "conn-1", LastReceivedID: 2, LastSentID: 2}); err != nil {
		t.Fatal(err)
	}
	got, _, err := s.LoadCheckpoint("conn-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.LastReceivedID != 2 || got.LastSentID != 2 {
		t.Fatalf("expected upserted values, got %+v", got)
	}
}

func TestDeleteCheckpointRemovesSnapshotToo(t *testing.T) {
	s := openTestStore(t)

	if err := s.SaveCheckpoint(Checkpoint{ConnectionID: "conn-1", LastReceivedID: 1, LastSentID: 1}); err != nil {
		t.Fatal(err)
	}
	if err := s.SaveMirrorSnapshot("conn-1", []byte(`{"documents":{}}`)); err != nil {
		t.Fatal(err)
	}
	if err := s.DeleteCheckpoint("conn-1"); err != nil {
		t.Fatalf("DeleteCheckpoint: %v", err)
	}
	if _, ok, _ := s.LoadCheckpoint("conn-1"); ok {
		t.Fatal("expected checkpoint gone")
	}
	if _, ok, _ := s.LoadMirrorSnapshot("conn-1"); ok {
		t.Fatal("expected snapshot gone")
	}
}

func TestMirrorSnapshotRoundTrip(t *testing.T) {
	s := openTestStore(t)

	payload := []byte(`{"documents":{"file:///a":{"versionId":3}}}`)
	if err := s.SaveMirrorSnapshot("conn-2", payload); err != nil {
		t.Fatalf("SaveMirrorSnapshot: %v", err)
	}
	got, ok, err := s.LoadMirrorSnapshot("conn-2")
	if err != nil || !ok {
		t.Fatalf("LoadMirrorSnapshot: ok=%v err=%v", ok, err)
	}
	if string(got) != string(payload) {
		t.Fatalf("got %s, want %s", got, payload)
	}
}

func TestMigrationsAreIdempotentAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessions.db")
	s1, err := Open(path)
	if err != nil {
		t.Fatalf("first Open: %v", err)
	}
	if err := s1.SaveCheckpoint(Checkpoint{ConnectionID: "x", LastReceivedID: 1, LastSentID: 1}); err != nil {
		t.Fatal(err)
	}
	s1.Close()

	s2, err := Open(path)
	if err != nil {
		t.Fatalf("second Open (re-migrate): %v", err)
	}
	defer s2.Close()
	got, ok, err := s2.LoadCheckpoint("x")
	if err != nil || !ok || got.LastReceivedID != 1 {
		t.Fatalf("expected prior data preserved across reopen: %+v ok=%v err=%v", got, ok, err)
	}
}
