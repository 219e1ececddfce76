package rotator

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func isoStub(ts int64) string {
	return time.Unix(ts, 0).UTC().Format("2006-01-02 15:04:05")
}

func TestTickRotatesWhenDue(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "access.log"), []byte("line\n"), 0o644); err != nil {
		t.Fatalf("seed access.log: %v", err)
	}

	r := New(dir, isoStub)
	now := int64(1000)
	st := RollState{NextTS: now - 1, RPM: 60}
	if err := r.saveState(st); err != nil {
		t.Fatalf("saveState: %v", err)
	}

	if err := r.Tick(60, now, time.Millisecond); err != nil {
		t.Fatalf("Tick: %v", err)
	}

	if _, err := os.Stat(filepath.Join(dir, "access.log.1")); err != nil {
		t.Fatalf("expected access.log.1 to exist: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "access.log")); err != nil {
		t.Fatalf("expected access.log to be recreated: %v", err)
	}

	st2, err := r.LoadState()
	if err != nil {
		t.Fatalf("LoadState: %v", err)
	}
	if st2.LastTS != now-1 {
		t.Fatalf("LastTS: got %d, want %d", st2.LastTS, now-1)
	}
	if st2.NextTS <= now {
		t.Fatalf("NextTS %d not advanced past now %d", st2.NextTS, now)
	}
}

func TestTickRefusesWhenLeftoverPresent(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "access.log.1"), []byte("x"), 0o644); err != nil {
		t.Fatalf("seed leftover: %v", err)
	}

	r := New(dir, isoStub)
	st := RollState{NextTS: 0, RPM: 60}
	if err := r.saveState(st); err != nil {
		t.Fatalf("saveState: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, forceRollName), nil, 0o644); err != nil {
		t.Fatalf("seed ForceRoll: %v", err)
	}

	if err := r.Tick(60, 1000, time.Millisecond); err == nil {
		t.Fatalf("expected LeftoverRolled error")
	}
}

func TestForceRollSentinelConsumedOnce(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, forceRollName), nil, 0o644); err != nil {
		t.Fatalf("seed ForceRoll: %v", err)
	}
	r := New(dir, isoStub)

	forced, due := r.Due(RollState{}, 0)
	if !forced || !due {
		t.Fatalf("expected forced+due on first check, got forced=%v due=%v", forced, due)
	}
	if _, err := os.Stat(r.forceRollPath()); !os.IsNotExist(err) {
		t.Fatalf("expected ForceRoll to be removed")
	}

	forced2, due2 := r.Due(RollState{}, 0)
	if forced2 || due2 {
		t.Fatalf("expected no trigger on second check, got forced=%v due=%v", forced2, due2)
	}
}

func TestNextRotationAdvancesStrictlyForward(t *testing.T) {
	next := nextRotation(1000, 60)
	if next <= 1000 {
		t.Fatalf("next %d not strictly after 1000", next)
	}
	if next != 1000+3600 {
		t.Fatalf("got %d, want %d", next, 1000+3600)
	}
}
