package store

import (
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "session.db")
	b, err := OpenBolt(path)
	if err != nil {
		t.Fatal(err)
	}

	want := map[string]string{
		"uuid":         "83679162-1378-4288-a2d4-70e13ec132aa",
		"machine/name": "cvm-1",
		"local/state":  "3",
	}
	if err := b.SaveAll(want); err != nil {
		t.Fatal(err)
	}

	got, err := b.LoadAll()
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadAllMissingDatabase(t *testing.T) {
	b, err := OpenBolt(filepath.Join(t.TempDir(), "never-created.db"))
	if err != nil {
		t.Fatal(err)
	}
	got, err := b.LoadAll()
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Fatalf("LoadAll on missing db = %v, want empty", got)
	}
}

func TestSaveAllReplacesPriorSet(t *testing.T) {
	b, err := OpenBolt(filepath.Join(t.TempDir(), "s.db"))
	if err != nil {
		t.Fatal(err)
	}
	if err := b.SaveAll(map[string]string{"old": "1", "keep": "2"}); err != nil {
		t.Fatal(err)
	}
	if err := b.SaveAll(map[string]string{"keep": "3"}); err != nil {
		t.Fatal(err)
	}

	got, err := b.LoadAll()
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(map[string]string{"keep": "3"}, got); diff != "" {
		t.Fatalf("stale keys survived (-want +got):\n%s", diff)
	}
}

func TestDelete(t *testing.T) {
	b, err := OpenBolt(filepath.Join(t.TempDir(), "s.db"))
	if err != nil {
		t.Fatal(err)
	}
	if err := b.SaveAll(map[string]string{"a": "1"}); err != nil {
		t.Fatal(err)
	}
	if err := b.Delete(); err != nil {
		t.Fatal(err)
	}
	got, err := b.LoadAll()
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Fatalf("data survived Delete: %v", got)
	}
	// Deleting twice is fine.
	if err := b.Delete(); err != nil {
		t.Fatal(err)
	}
}
