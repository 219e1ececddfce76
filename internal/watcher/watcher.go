// Package watcher implements the top-level periodic cycle (spec §4.6): one
// actor that, each tick, emits a heartbeat, checks rotation, ships
// compressed then rolled then newly-intaken files, and incrementally tails
// the live logs. Grounded on the teacher's Produce/TickerMessageControlLoop
// shape (tick, drain queue, repeat), translated from gollum's plugin-host
// callback model into a plain context.Context-driven loop with a
// cooperative stop channel (DESIGN NOTES §9: "no thread-join gymnastics").
package watcher

import (
	"bytes"
	"context"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/trivago/tgo/tstrings"

	"github.com/kdresser/nl2xlog/internal/clock"
	"github.com/kdresser/nl2xlog/internal/config"
	"github.com/kdresser/nl2xlog/internal/fsys"
	"github.com/kdresser/nl2xlog/internal/logging"
	"github.com/kdresser/nl2xlog/internal/metrics"
	"github.com/kdresser/nl2xlog/internal/parser"
	"github.com/kdresser/nl2xlog/internal/progress"
	"github.com/kdresser/nl2xlog/internal/record"
	"github.com/kdresser/nl2xlog/internal/rotator"
	"github.com/kdresser/nl2xlog/internal/transport"
	"github.com/kdresser/nl2xlog/internal/xerrors"
)

// Watcher is the single background actor that owns the progress store, the
// rotation-state file, and the directory lifecycle (spec §5: "all
// filesystem mutations and all progress-store writes occur from that single
// actor").
type Watcher struct {
	watchDir, workDir, sentDir string

	clk  *clock.Service
	hdr  record.Header
	sink transport.Sink
	rot  *rotator.Rotator

	log     logrus.FieldLogger
	metrics *metrics.Store
	gate    *logging.CycleGate

	interval time.Duration
	rpm      int

	heartbeatEnabled bool
	resetOnTruncate  bool

	stop     chan struct{}
	stopOnce sync.Once
}

// New builds a Watcher from a merged configuration, the shared clock
// service, and the chosen transport sink.
func New(cfg config.Config, clk *clock.Service, sink transport.Sink, log logrus.FieldLogger, mstore *metrics.Store) (*Watcher, error) {
	if cfg.Interval <= 0 {
		return nil, fmt.Errorf("interval must be positive, got %v", cfg.Interval)
	}
	interval := time.Duration(cfg.Interval * float64(time.Second))

	rot := rotator.New(cfg.Watch, clock.ISO)
	if cfg.RotatePeriodMinutes > 0 && cfg.NextRotation != "" {
		nextTS, err := clk.ParseNextRotation(cfg.NextRotation)
		if err != nil {
			return nil, fmt.Errorf("nr: %w", err)
		}
		if err := rot.Bootstrap(nextTS, cfg.RotatePeriodMinutes); err != nil {
			return nil, err
		}
	}

	return &Watcher{
		watchDir: cfg.Watch,
		workDir:  cfg.Work,
		sentDir:  cfg.Sent,
		clk:      clk,
		hdr:      record.Header{SrcID: cfg.SrcID, SubID: cfg.SubID, ErrorLevel: "0", SubLevel: "_"},
		sink:     sink,
		rot:      rot,
		log:      log,
		metrics:  mstore,
		gate:     logging.NewCycleGate(),
		interval: interval,
		rpm:      cfg.RotatePeriodMinutes,

		heartbeatEnabled: cfg.Heartbeat,
		resetOnTruncate:  cfg.ResetOnTruncate,

		stop: make(chan struct{}),
	}, nil
}

// Stop signals the watcher to quiesce at the next sampled stop point (spec
// §5: "a single stop flag is sampled between cycles, between files, and
// between lines").
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() { close(w.stop) })
}

// Run executes cycles until ctx is canceled or Stop is called. Each cycle's
// error, if any, is logged once (via the cycle gate) and the loop continues
// at the next tick -- a cycle failure never terminates the watcher.
func (w *Watcher) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-w.stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		cycleStart := time.Now()
		w.gate.Reset()

		if err := w.runCycle(ctx); err != nil {
			if w.gate.ShouldReport("cycle:" + err.Error()) {
				w.log.WithError(err).Error("watcher cycle failed")
			}
			w.metrics.Add("cycle_errors", 1)
		} else {
			w.log.WithField("lines_shipped", w.metrics.Get("lines_shipped")).Debug("cycle complete")
		}

		select {
		case <-ctx.Done():
			return nil
		case <-w.stop:
			return nil
		default:
		}

		sleepFor := w.interval - time.Since(cycleStart)
		if sleepFor < 0 {
			sleepFor = 0
		}
		select {
		case <-ctx.Done():
			return nil
		case <-w.stop:
			return nil
		case <-time.After(sleepFor):
		}
	}
}

func (w *Watcher) runCycle(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	now := w.clk.Now().Unix()

	if err := w.emitHeartbeat(); err != nil {
		return fmt.Errorf("heartbeat: %w", err)
	}

	if err := w.runRotation(now); err != nil {
		return fmt.Errorf("rotation: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := w.shipWorkCompressed(ctx); err != nil {
		return fmt.Errorf("ship work/*.gz: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	time.Sleep(w.interval / 2) // let the producer's flush settle (spec §4.6 step 4)
	if err := w.shipWorkRolled(ctx); err != nil {
		return fmt.Errorf("ship work/*.1: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := w.intakeCompressed(ctx); err != nil {
		return fmt.Errorf("intake watch/*.gz: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := w.intakeRolled(ctx); err != nil {
		return fmt.Errorf("intake watch/*.1: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	for _, lt := range []parser.Discriminant{parser.Access, parser.Error} {
		if err := w.tailLive(ctx, lt); err != nil {
			return fmt.Errorf("tail %s: %w", lt, err)
		}
		if err := ctx.Err(); err != nil {
			return err
		}
	}
	return nil
}

// emitHeartbeat ships one ae='h' record carrying the current UTC and local
// wall times (spec §4.6 step 1). Omittable by configuration.
func (w *Watcher) emitHeartbeat() error {
	if !w.heartbeatEnabled {
		return nil
	}
	local := w.clk.Now()
	_, offset := local.Zone()
	fr := record.BuildHeartbeat(w.hdr, local.Unix(), local.Unix()+int64(offset))
	body, err := fr.Marshal(false)
	if err != nil {
		return err
	}
	if err := w.sink.Send(body); err != nil {
		return err
	}
	w.metrics.Add("heartbeats_sent", 1)
	return nil
}

func (w *Watcher) runRotation(now int64) error {
	if w.rpm <= 0 {
		return nil
	}
	if err := w.rot.Tick(w.rpm, now, w.interval/2); err != nil {
		return err
	}
	w.metrics.Add("rotation_ticks", 1)
	return nil
}

func (w *Watcher) drain(ctx context.Context) error {
	return transport.Drain(ctx, w.sink)
}

// logLineError wraps err with the 1-based line number it occurred at (spec
// §7: "log once, skip the line; do not abort the cycle") and reports it at
// most once per cycle per distinct (log type, message) key.
func (w *Watcher) logLineError(logType parser.Discriminant, lineNum int, err error) {
	wrapped := &xerrors.Line{Type: string(logType), Num: lineNum, Err: err}
	if w.gate.ShouldReport("line:" + string(logType) + ":" + err.Error()) {
		w.log.WithField("log_type", string(logType)).Warn(wrapped)
	}
	w.metrics.Add("parse_errors", 1)
}

// logUnknownStatus flags an error-log line whose status is neither
// "[warn]" nor "[error]" (spec §9 Open Question, record.IsKnownStatus).
// The record is still shipped; this only surfaces an operator warning,
// so it is counted and gated separately from logLineError's parse_errors.
func (w *Watcher) logUnknownStatus(status string) {
	key := "unknown_status:" + status
	if w.gate.ShouldReport(key) {
		w.log.WithField("status", status).Warn("error log line has unrecognized status")
	}
	w.metrics.Add("unknown_error_status", 1)
}

// logTypeOf classifies a file by its base name, stripping the extension
// with the teacher's own path splitter before matching (mirrors
// filePruner's own base-name classification).
func logTypeOf(name string) (parser.Discriminant, bool) {
	_, base, _ := fsys.SplitPath(name)
	switch {
	case strings.Contains(base, "access"):
		return parser.Access, true
	case strings.Contains(base, "error"):
		return parser.Error, true
	default:
		return "", false
	}
}

// lineSpan is one candidate record line plus the number of bytes (including
// any terminator) it occupies in its source buffer.
type lineSpan struct {
	text string
	n    int64
}

// splitTerminated splits data on '\n', keeping only fully terminated lines.
// A trailing unterminated chunk (the producer is still mid-write) is left
// unconsumed for the next cycle -- used for live tailing (spec §4.6 step 7).
func splitTerminated(data []byte) []lineSpan {
	var out []lineSpan
	start := 0
	for i := 0; i < len(data); i++ {
		if data[i] == '\n' {
			out = append(out, lineSpan{text: string(data[start:i]), n: int64(i-start) + 1})
			start = i + 1
		}
	}
	return out
}

// splitAllLines is splitTerminated plus a final unterminated trailing chunk,
// if any. Used for rolled and compressed files, which are immutable once
// handed to the watcher -- a missing final newline at EOF is still a
// complete line, not a mid-write artifact.
func splitAllLines(data []byte) []lineSpan {
	spans := splitTerminated(data)
	var consumed int64
	for _, s := range spans {
		consumed += s.n
	}
	if consumed < int64(len(data)) {
		spans = append(spans, lineSpan{text: string(data[consumed:]), n: int64(len(data)) - consumed})
	}
	return spans
}

// shipSpans parses and ships each span in order, accumulating how many
// bytes were successfully consumed. A per-line parse/build failure is
// logged once and its bytes are still counted (spec §7: "the offset of the
// skipped line is counted in sent so the line is not retried"). A transport
// rejection stops immediately without counting the failed line's bytes
// (spec §7: "do not advance sent past the rejected line").
func (w *Watcher) shipSpans(ctx context.Context, spans []lineSpan, logType parser.Discriminant) (int64, error) {
	var consumed int64
	for i, sp := range spans {
		lineNum := i + 1
		if err := ctx.Err(); err != nil {
			return consumed, err
		}
		if sp.text == "" {
			consumed += sp.n
			continue
		}
		line := strings.TrimSuffix(sp.text, "\r")

		chunks, err := parser.Parse(line)
		if err != nil {
			w.logLineError(logType, lineNum, err)
			consumed += sp.n
			continue
		}

		var frame record.Frame
		switch logType {
		case parser.Access:
			frame, err = record.BuildAccess(chunks, w.hdr, w.clk)
		case parser.Error:
			frame, err = record.BuildError(chunks, w.hdr, w.clk)
		default:
			err = fmt.Errorf("unknown log type %q", logType)
		}
		if err != nil {
			w.logLineError(logType, lineNum, err)
			consumed += sp.n
			continue
		}

		if ef, ok := frame.(*record.Error); ok && !ef.IsKnownStatus() {
			w.logUnknownStatus(ef.Status)
		}

		body, err := frame.Marshal(false)
		if err != nil {
			w.logLineError(logType, lineNum, err)
			consumed += sp.n
			continue
		}

		if err := w.sink.Send(body); err != nil {
			return consumed, fmt.Errorf("%w: %v", xerrors.ErrTransportReject, err)
		}
		w.metrics.Add("lines_shipped", 1)
		consumed += sp.n
	}
	return consumed, nil
}

// tailLive incrementally ships newly appended bytes of <type>.log (spec
// §4.6 step 7). It shares ctx with the rest of the cycle so a cancellation
// sampled between lines here behaves the same as the rolled/compressed
// ship paths (spec §5: "sampled ... between lines").
func (w *Watcher) tailLive(ctx context.Context, logType parser.Discriminant) error {
	path := filepath.Join(w.watchDir, string(logType)+".log")
	size, modTime, err := fsys.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	sc, err := progress.Load(w.watchDir, string(logType), "")
	if err != nil {
		return err
	}

	if size < sc.Size {
		if !w.resetOnTruncate {
			return fmt.Errorf("%w: %s shrank from %d to %d", xerrors.ErrTruncation, path, sc.Size, size)
		}
		sc = progress.Default()
	}

	if sc.Sent >= size {
		sc.Size, sc.Modified = size, modTime
		return progress.Save(w.watchDir, string(logType), "", sc)
	}

	data, err := fsys.ReadRange(path, sc.Sent, size)
	if err != nil {
		return err
	}

	spans := splitTerminated(data)
	consumed, shipErr := w.shipSpans(ctx, spans, logType)

	sc.CRC = crc32.Update(sc.CRC, crc32.IEEETable, data[:consumed])
	sc.Sent += consumed
	sc.Size = size
	sc.Modified = modTime
	sc.Verified = true

	if err := progress.Save(w.watchDir, string(logType), "", sc); err != nil {
		return err
	}
	return shipErr
}

// processRolledFile ships the unshipped tail of an already-rolled data file
// (".log.1"), CRC-verifying a not-yet-verified resume point first (spec
// §4.6 step 4 / §8 scenarios 4-5). On full consumption it moves the data
// file to SENT and drops its sidecar.
func (w *Watcher) processRolledFile(ctx context.Context, dataPath string) error {
	name := filepath.Base(dataPath)
	logType, ok := logTypeOf(name)
	if !ok {
		return fmt.Errorf("cannot classify rolled file %s", name)
	}
	dir := filepath.Dir(dataPath)

	sc, err := progress.Load(dir, string(logType), ".1")
	if err != nil {
		return err
	}

	size, modTime, err := fsys.Stat(dataPath)
	if err != nil {
		return err
	}

	if sc.Sent > 0 && !sc.Verified {
		prefix, err := fsys.ReadRange(dataPath, 0, sc.Sent)
		if err != nil {
			return err
		}
		if crc32.ChecksumIEEE(prefix) != sc.CRC {
			sc.Sent = 0
			sc.CRC = 0
		}
		sc.Verified = true
	}

	data, err := fsys.ReadRange(dataPath, sc.Sent, size)
	if err != nil {
		return err
	}
	spans := splitAllLines(data)
	consumed, shipErr := w.shipSpans(ctx, spans, logType)

	sc.CRC = crc32.Update(sc.CRC, crc32.IEEETable, data[:consumed])
	sc.Sent += consumed
	sc.Size = size
	sc.Modified = modTime

	if err := progress.Save(dir, string(logType), ".1", sc); err != nil {
		return err
	}
	if shipErr != nil {
		return shipErr
	}

	if sc.Sent < size {
		return nil
	}
	dst := filepath.Join(w.sentDir, name)
	if err := fsys.Rename(dataPath, dst); err != nil {
		return err
	}
	return progress.Drop(dir, string(logType), ".1")
}

// processCompressedFile decompresses and ships an entire ".gz" file in one
// pass (spec §4.6 step 3); a ".logx.gz" sidecar archive is uninteresting and
// is deleted outright.
func (w *Watcher) processCompressedFile(ctx context.Context, path string) error {
	name := filepath.Base(path)
	if strings.Contains(name, ".logx.") {
		return os.Remove(path)
	}
	logType, ok := logTypeOf(name)
	if !ok {
		return fmt.Errorf("cannot classify compressed file %s", name)
	}

	var buf bytes.Buffer
	if err := fsys.DecompressStream(path, &buf); err != nil {
		return err
	}

	spans := splitAllLines(buf.Bytes())
	_, shipErr := w.shipSpans(ctx, spans, logType)
	if shipErr != nil {
		return shipErr
	}

	dst := filepath.Join(w.sentDir, name)
	return fsys.Rename(path, dst)
}

func (w *Watcher) shipWorkCompressed(ctx context.Context) error {
	entries, err := fsys.ListDir(w.workDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, e := range fsys.MatchSuffix(entries, ".gz") {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := w.processCompressedFile(ctx, filepath.Join(w.workDir, e.Name)); err != nil {
			return err
		}
		if err := w.drain(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (w *Watcher) shipWorkRolled(ctx context.Context) error {
	entries, err := fsys.ListDir(w.workDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, e := range fsys.MatchSuffix(entries, ".log.1") {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := w.processRolledFile(ctx, filepath.Join(w.workDir, e.Name)); err != nil {
			return err
		}
		if err := w.drain(ctx); err != nil {
			return err
		}
	}
	return nil
}

var prefixRe = regexp.MustCompile(`^\d{6}-`)

// nextPrefix returns the smallest 6-digit prefix strictly greater than any
// existing prefix across dirs (spec §8: "monotone prefixing"). The scan
// mirrors producer/file.go's own maxSuffix loop over ioutil.ReadDir: find
// names matching the signature, parse the numeric remainder with the
// teacher's tstrings.Btoi, and keep the running maximum.
func nextPrefix(dirs ...string) (int, error) {
	max := uint64(0)
	for _, d := range dirs {
		des, err := os.ReadDir(d)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return 0, err
		}
		for _, de := range des {
			name := de.Name()
			if !prefixRe.MatchString(name) {
				continue
			}
			n, ok := tstrings.Btoi([]byte(name[:6]))
			if ok && n > max {
				max = n
			}
		}
	}
	return int(max) + 1, nil
}

// intakeCompressed moves WATCH/*.gz into WORK with a monotone prefix, then
// ships each newly arrived file (spec §4.6 step 5).
func (w *Watcher) intakeCompressed(ctx context.Context) error {
	entries, err := fsys.ListDir(w.watchDir)
	if err != nil {
		return err
	}
	for _, e := range fsys.MatchSuffix(entries, ".gz") {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := nextPrefix(w.workDir, w.sentDir)
		if err != nil {
			return err
		}
		dst := filepath.Join(w.workDir, fmt.Sprintf("%06d-%s", n, e.Name))
		src := filepath.Join(w.watchDir, e.Name)
		if err := fsys.Rename(src, dst); err != nil {
			return err
		}
		if err := w.processCompressedFile(ctx, dst); err != nil {
			return err
		}
		if err := w.drain(ctx); err != nil {
			return err
		}
	}
	return nil
}

// intakeRolled moves WATCH/*.log.1 into WORK with a monotone prefix, moving
// its companion ".logx.1" sidecar alongside unprefixed so data and sidecar
// co-locate by base name (spec §4.6 step 6), then ships each newly arrived
// file.
func (w *Watcher) intakeRolled(ctx context.Context) error {
	entries, err := fsys.ListDir(w.watchDir)
	if err != nil {
		return err
	}
	for _, e := range fsys.MatchSuffix(entries, ".log.1") {
		if err := ctx.Err(); err != nil {
			return err
		}
		logType, ok := logTypeOf(e.Name)
		if !ok {
			continue
		}

		n, err := nextPrefix(w.workDir, w.sentDir)
		if err != nil {
			return err
		}
		dst := filepath.Join(w.workDir, fmt.Sprintf("%06d-%s", n, e.Name))
		src := filepath.Join(w.watchDir, e.Name)
		if err := fsys.Rename(src, dst); err != nil {
			return err
		}

		sidecarSrc := filepath.Join(w.watchDir, string(logType)+".logx.1")
		if fsys.Exists(sidecarSrc) {
			sidecarDst := filepath.Join(w.workDir, string(logType)+".logx.1")
			if err := fsys.Rename(sidecarSrc, sidecarDst); err != nil {
				return err
			}
		}

		if err := w.processRolledFile(ctx, dst); err != nil {
			return err
		}
		if err := w.drain(ctx); err != nil {
			return err
		}
	}
	return nil
}
