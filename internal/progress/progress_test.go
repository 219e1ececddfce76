package progress

import "testing"

func TestLoadMissingYieldsDefault(t *testing.T) {
	dir := t.TempDir()
	rec, err := Load(dir, "access", "")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if rec != Default() {
		t.Fatalf("got %+v, want default", rec)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	want := Record{Modified: 123, Sent: 600, CRC: 0xDEADBEEF, Size: 1000, Verified: true}
	if err := Save(dir, "access", "", want); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := Load(dir, "access", "")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got != want {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

func TestRotate(t *testing.T) {
	dir := t.TempDir()
	want := Record{Sent: 10, Size: 10}
	if err := Save(dir, "access", "", want); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := Rotate(dir, "access"); err != nil {
		t.Fatalf("Rotate: %v", err)
	}
	if _, err := Load(dir, "access", ""); err != nil {
		t.Fatalf("Load live: %v", err)
	}
	got, err := Load(dir, "access", ".1")
	if err != nil {
		t.Fatalf("Load .1: %v", err)
	}
	if got != want {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

func TestDropMissingIsNotError(t *testing.T) {
	dir := t.TempDir()
	if err := Drop(dir, "access", ""); err != nil {
		t.Fatalf("Drop: %v", err)
	}
}
