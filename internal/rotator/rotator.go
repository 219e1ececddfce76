// Package rotator implements the self-controlled rename rotation (spec
// §4.5): rename *.log/*.logx to *.1, recreate an empty live file, signal the
// producer to reopen, and persist rotation state. Grounded on
// producer/file.go's rotateLog/getFileState (the teacher's own SIGHUP-style
// rename-then-reopen dance) and filePruner (leftover-file detection before
// acting).
package rotator

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/trivago/tgo/tmath"

	"github.com/kdresser/nl2xlog/internal/fsys"
	"github.com/kdresser/nl2xlog/internal/progress"
	"github.com/kdresser/nl2xlog/internal/xerrors"
)

// RollState is the JSON rotation-state document persisted in WATCH (spec
// §3: "{files, last_ts, next_ts, rolled_ts, rpm}").
type RollState struct {
	Files    []string `json:"files"`
	LastTS   int64    `json:"last_ts"`
	NextTS   int64    `json:"next_ts"`
	RolledTS int64    `json:"rolled_ts"`
	RPM      int      `json:"rpm"`

	LastISO   string `json:"last_ts_iso,omitempty"`
	NextISO   string `json:"next_ts_iso,omitempty"`
	RolledISO string `json:"rolled_ts_iso,omitempty"`
}

// logTypes is the fixed pair of logical logs the rotator manages.
var logTypes = []string{"access", "error"}

const (
	rollStateName = "RollState"
	forceRollName = "ForceRoll"
	pidFileName   = "nginx.pid"
)

// Rotator owns the rename-based rotation cycle for one WATCH directory.
type Rotator struct {
	watchDir string
	isoFn    func(int64) string
}

// New builds a Rotator rooted at watchDir. isoFn formats a UTC-seconds
// value as an ISO mirror for RollState (normally clock.ISO).
func New(watchDir string, isoFn func(int64) string) *Rotator {
	return &Rotator{watchDir: watchDir, isoFn: isoFn}
}

func (r *Rotator) statePath() string     { return filepath.Join(r.watchDir, rollStateName) }
func (r *Rotator) forceRollPath() string { return filepath.Join(r.watchDir, forceRollName) }

// LoadState reads RollState, yielding a zero-value state if absent.
func (r *Rotator) LoadState() (RollState, error) {
	data, err := os.ReadFile(r.statePath())
	if err != nil {
		if os.IsNotExist(err) {
			return RollState{}, nil
		}
		return RollState{}, fmt.Errorf("%w: read %s: %v", xerrors.ErrProgressIO, r.statePath(), err)
	}
	var st RollState
	if err := json.Unmarshal(data, &st); err != nil {
		return RollState{}, fmt.Errorf("%w: decode %s: %v", xerrors.ErrProgressIO, r.statePath(), err)
	}
	return st, nil
}

func (r *Rotator) saveState(st RollState) error {
	st.LastISO = r.isoFn(st.LastTS)
	st.NextISO = r.isoFn(st.NextTS)
	if st.RolledTS != 0 {
		st.RolledISO = r.isoFn(st.RolledTS)
	}
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return err
	}
	if err := fsys.WriteAtomic(r.statePath(), data, 0o644); err != nil {
		return fmt.Errorf("%w: write %s: %v", xerrors.ErrProgressIO, r.statePath(), err)
	}
	return nil
}

// consumeForceRoll reports whether the ForceRoll sentinel exists, and removes
// it immediately (spec §5 reentrancy: "the forced-roll sentinel is removed
// before rotation begins").
func (r *Rotator) consumeForceRoll() bool {
	path := r.forceRollPath()
	if _, err := os.Stat(path); err != nil {
		return false
	}
	os.Remove(path)
	return true
}

// leftoverRolled reports whether any *.1 or *.logx.1 file from a previous,
// unconsumed roll still sits in WATCH (spec §4.5 step 1).
func (r *Rotator) leftoverRolled() (string, bool) {
	for _, t := range logTypes {
		for _, suffix := range []string{".log.1", ".logx.1"} {
			path := filepath.Join(r.watchDir, t+suffix)
			if _, err := os.Stat(path); err == nil {
				return path, true
			}
		}
	}
	return "", false
}

// Bootstrap seeds RollState.next_ts the first time the rotator runs against
// a fresh WATCH directory, from the configured "nr" (spec §6). An
// already-persisted next_ts is left untouched.
func (r *Rotator) Bootstrap(nextTS int64, rpm int) error {
	st, err := r.LoadState()
	if err != nil {
		return err
	}
	if st.NextTS != 0 {
		return nil
	}
	st.NextTS = nextTS
	st.RPM = rpm
	return r.saveState(st)
}

// Due reports whether a tick should roll: a pending ForceRoll sentinel, or
// wall time having passed next_ts.
func (r *Rotator) Due(st RollState, now int64) (forced bool, due bool) {
	if r.consumeForceRoll() {
		return true, true
	}
	if st.NextTS == 0 {
		return false, false
	}
	return false, now >= st.NextTS
}

// Tick runs one rotation attempt if due. rpm is the configured rotation
// period in minutes, used to compute the new next_ts (values below 1 are
// treated as 1); whether a tick is due depends only on the ForceRoll
// sentinel and the persisted next_ts (see Due). The watcher calls Tick only
// when rpm is positive. now is the current Unix epoch second; halfInterval
// is half the watcher's cycle interval, used as the producer settle delay
// (spec §4.5 step 3).
func (r *Rotator) Tick(rpm int, now int64, halfInterval time.Duration) error {
	st, err := r.LoadState()
	if err != nil {
		return err
	}

	forced, due := r.Due(st, now)
	if !due {
		return nil
	}

	if path, leftover := r.leftoverRolled(); leftover {
		return fmt.Errorf("%w: %s still present, skipping rotation", xerrors.ErrLeftoverRolled, path)
	}

	rolledFiles := make([]string, 0, len(logTypes)*2)
	for _, t := range logTypes {
		logPath := filepath.Join(r.watchDir, t+".log")
		if err := rotateOne(logPath, true); err != nil {
			return err
		}
		rolledFiles = append(rolledFiles, filepath.Base(logPath))

		logxPath := filepath.Join(r.watchDir, t+".logx")
		if err := rotateOne(logxPath, false); err != nil {
			return err
		}
		if err := progress.Rotate(r.watchDir, t); err != nil {
			return err
		}
	}

	signalProducer(r.watchDir)
	time.Sleep(halfInterval)

	st.Files = rolledFiles
	if forced {
		st.RolledTS = now
		st.NextTS = nextRotation(now, rpm)
	} else {
		st.LastTS = st.NextTS
		st.NextTS = nextRotation(st.LastTS, rpm)
		for st.NextTS <= now {
			st.NextTS += int64(tmath.MaxI(rpm, 1)) * 60
		}
	}
	st.RPM = rpm

	return r.saveState(st)
}

// nextRotation computes from + rpm minutes, advancing by whole periods
// until strictly in the future relative to from (spec §4.5 step 4).
func nextRotation(from int64, rpm int) int64 {
	period := int64(tmath.MaxI(rpm, 1)) * 60
	next := from + period
	for next <= from {
		next += period
	}
	return next
}

// rotateOne renames path to path+".1" if it exists, and, when recreate is
// true (live ".log" files only, per spec §4.5 step 2), recreates an empty
// file in its place. A missing source is not an error: not every logical
// log is necessarily active.
func rotateOne(path string, recreate bool) error {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("stat %s: %w", path, err)
	}
	dst := path + ".1"
	if err := os.Rename(path, dst); err != nil {
		return fmt.Errorf("rename %s -> %s: %w", path, dst, err)
	}
	if recreate {
		if err := fsys.CreateEmpty(path); err != nil {
			return fmt.Errorf("recreate %s: %w", path, err)
		}
	}
	return nil
}

// signalProducer sends SIGUSR1 (nginx's "reopen log files" signal) to the
// pid read from <watchDir>/nginx.pid. A missing pid file returns nil. Tick
// discards the returned error, so neither a missing pid file nor a failed
// signal is logged or fails the rotation.
func signalProducer(watchDir string) error {
	pidPath := filepath.Join(watchDir, pidFileName)
	data, err := os.ReadFile(pidPath)
	if err != nil {
		return nil
	}
	pid, err := strconv.Atoi(trimNewline(string(data)))
	if err != nil {
		return fmt.Errorf("bad pid in %s: %w", pidPath, err)
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return proc.Signal(syscall.SIGUSR1)
}

func trimNewline(s string) string {
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r' || s[len(s)-1] == ' ') {
		s = s[:len(s)-1]
	}
	return s
}
