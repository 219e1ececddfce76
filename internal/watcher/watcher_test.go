package watcher

import (
	"bytes"
	"compress/gzip"
	"context"
	"hash/crc32"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kdresser/nl2xlog/internal/clock"
	"github.com/kdresser/nl2xlog/internal/config"
	"github.com/kdresser/nl2xlog/internal/metrics"
	"github.com/kdresser/nl2xlog/internal/parser"
	"github.com/kdresser/nl2xlog/internal/progress"
	"github.com/kdresser/nl2xlog/internal/transport"
	"github.com/kdresser/nl2xlog/internal/xerrors"
)

func newTestWatcher(t *testing.T, watch, work, sent string) (*Watcher, *transport.FileSink, string) {
	t.Helper()
	outPath := filepath.Join(t.TempDir(), "out.jsonl")
	sink, err := transport.NewFileSink(outPath)
	if err != nil {
		t.Fatalf("NewFileSink: %v", err)
	}

	clk, err := clock.New("America/Los_Angeles")
	if err != nil {
		t.Fatalf("clock.New: %v", err)
	}

	cfg := config.Config{
		Watch:    watch,
		Work:     work,
		Sent:     sent,
		Interval: 0.05,
		SrcID:    "TEST",
		SubID:    "test",
	}
	log := logrus.New()
	log.SetOutput(bytes.NewBuffer(nil))
	mstore := metrics.New("nlship_test", nil)

	w, err := New(cfg, clk, sink, log, mstore)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	w.heartbeatEnabled = false
	return w, sink, outPath
}

func TestTailLiveFreshAccessLine(t *testing.T) {
	watch, work, sent := t.TempDir(), t.TempDir(), t.TempDir()
	line := `108.212.110.142 - - [03/Aug/2015:12:53:06 -0700] "GET /pix/t/American%20Eros%20by%20Mark%20Henderson HTTP/1.1" 200 46 "http://example.com/" "Mozilla/5.0"` + "\n"
	if err := os.WriteFile(filepath.Join(watch, "access.log"), []byte(line), 0o644); err != nil {
		t.Fatalf("seed: %v", err)
	}

	w, sink, outPath := newTestWatcher(t, watch, work, sent)
	if err := w.tailLive(context.Background(), "access"); err != nil {
		t.Fatalf("tailLive: %v", err)
	}
	sink.Close()

	data, err := os.ReadFile(outPath)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if !bytes.Contains(data, []byte(`"time_utc":1438631586`)) {
		t.Fatalf("missing expected time_utc in %s", data)
	}
	if !bytes.Contains(data, []byte(`"status":200`)) {
		t.Fatalf("missing expected status in %s", data)
	}

	sc, err := progress.Load(watch, "access", "")
	if err != nil {
		t.Fatalf("progress.Load: %v", err)
	}
	if sc.Sent != int64(len(line)) {
		t.Fatalf("Sent: got %d, want %d", sc.Sent, len(line))
	}
	if !sc.Verified {
		t.Fatalf("expected Verified=true after a tail pass")
	}
}

func TestTailLiveDoesNotShipPartialTrailingLine(t *testing.T) {
	watch, work, sent := t.TempDir(), t.TempDir(), t.TempDir()
	partial := `169.229.3.94 - - [05/Jun/2015:23:16:10 -0700] "GET / HTTP/1.1" 200 10 "-" "-"`
	if err := os.WriteFile(filepath.Join(watch, "access.log"), []byte(partial), 0o644); err != nil {
		t.Fatalf("seed: %v", err)
	}

	w, sink, outPath := newTestWatcher(t, watch, work, sent)
	if err := w.tailLive(context.Background(), "access"); err != nil {
		t.Fatalf("tailLive: %v", err)
	}
	sink.Close()

	data, _ := os.ReadFile(outPath)
	if len(data) != 0 {
		t.Fatalf("expected no shipped lines for unterminated tail, got %q", data)
	}
	sc, err := progress.Load(watch, "access", "")
	if err != nil {
		t.Fatalf("progress.Load: %v", err)
	}
	if sc.Sent != 0 {
		t.Fatalf("Sent: got %d, want 0 (unterminated line not consumed)", sc.Sent)
	}
}

func TestTailLiveResumesWithCRCMatch(t *testing.T) {
	watch, work, sent := t.TempDir(), t.TempDir(), t.TempDir()
	body := make([]byte, 1000)
	for i := range body {
		body[i] = 'x'
	}
	// put a newline at byte 600 and at the very end so both halves are
	// "complete lines" from the tailer's point of view.
	body[599] = '\n'
	body[999] = '\n'
	if err := os.WriteFile(filepath.Join(watch, "access.log"), body, 0o644); err != nil {
		t.Fatalf("seed: %v", err)
	}

	sc := progress.Record{
		Sent:     600,
		CRC:      crc32.ChecksumIEEE(body[:600]),
		Size:     600,
		Verified: false,
	}
	if err := progress.Save(watch, "access", "", sc); err != nil {
		t.Fatalf("progress.Save: %v", err)
	}

	w, sink, _ := newTestWatcher(t, watch, work, sent)
	if err := w.tailLive(context.Background(), "access"); err != nil {
		t.Fatalf("tailLive: %v", err)
	}
	sink.Close()

	got, err := progress.Load(watch, "access", "")
	if err != nil {
		t.Fatalf("progress.Load: %v", err)
	}
	if got.Sent != 1000 {
		t.Fatalf("Sent: got %d, want 1000", got.Sent)
	}
	if got.CRC != crc32.ChecksumIEEE(body) {
		t.Fatalf("CRC mismatch after resume")
	}
}

func TestProcessRolledFileMovesToSentOnCompletion(t *testing.T) {
	watch, work, sent := t.TempDir(), t.TempDir(), t.TempDir()
	line := `169.229.3.94 - - [05/Jun/2015:23:16:10 -0700] "GET / HTTP/1.1" 200 10 "-" "-"` + "\n"
	rolledPath := filepath.Join(work, "access.log.1")
	if err := os.WriteFile(rolledPath, []byte(line), 0o644); err != nil {
		t.Fatalf("seed: %v", err)
	}

	w, sink, outPath := newTestWatcher(t, watch, work, sent)
	if err := w.processRolledFile(context.Background(), rolledPath); err != nil {
		t.Fatalf("processRolledFile: %v", err)
	}
	sink.Close()

	if _, err := os.Stat(rolledPath); !os.IsNotExist(err) {
		t.Fatalf("expected rolled file removed from WORK")
	}
	if _, err := os.Stat(filepath.Join(sent, "access.log.1")); err != nil {
		t.Fatalf("expected rolled file present in SENT: %v", err)
	}
	data, _ := os.ReadFile(outPath)
	if len(data) == 0 {
		t.Fatalf("expected a shipped frame")
	}
}

func TestTailLiveFlagsUnknownErrorStatusButStillShips(t *testing.T) {
	watch, work, sent := t.TempDir(), t.TempDir(), t.TempDir()
	line := "2015/08/03 17:48:28 [crit] 1199#0: *2502 worker process exited\n"
	if err := os.WriteFile(filepath.Join(watch, "error.log"), []byte(line), 0o644); err != nil {
		t.Fatalf("seed: %v", err)
	}

	w, sink, outPath := newTestWatcher(t, watch, work, sent)
	if err := w.tailLive(context.Background(), "error"); err != nil {
		t.Fatalf("tailLive: %v", err)
	}
	sink.Close()

	if got := w.metrics.Get("unknown_error_status"); got != 1 {
		t.Fatalf("unknown_error_status = %d, want 1", got)
	}
	if got := w.metrics.Get("parse_errors"); got != 0 {
		t.Fatalf("parse_errors = %d, want 0 (unknown status is accepted, not rejected)", got)
	}
	data, err := os.ReadFile(outPath)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if !bytes.Contains(data, []byte(`"status":"[crit]"`)) {
		t.Fatalf("expected the raw status to still be shipped, got %s", data)
	}
}

func TestLogLineErrorFormatsLineNumber(t *testing.T) {
	watch, work, sent := t.TempDir(), t.TempDir(), t.TempDir()
	w, sink, _ := newTestWatcher(t, watch, work, sent)
	sink.Close()
	var logBuf bytes.Buffer
	w.log.(*logrus.Logger).SetOutput(&logBuf)

	w.logLineError(parser.Access, 3, xerrors.ErrBadArity)
	if got := w.metrics.Get("parse_errors"); got != 1 {
		t.Fatalf("parse_errors = %d, want 1", got)
	}
	if !bytes.Contains(logBuf.Bytes(), []byte("access line 3: bad arity")) {
		t.Fatalf("expected log to contain %q, got %q", "access line 3: bad arity", logBuf.String())
	}
}

func TestProcessCompressedFileDeletesLogxGz(t *testing.T) {
	watch, work, sent := t.TempDir(), t.TempDir(), t.TempDir()
	path := filepath.Join(work, "access.logx.1.gz")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	gz := gzip.NewWriter(f)
	gz.Write([]byte("ignored"))
	gz.Close()
	f.Close()

	w, sink, _ := newTestWatcher(t, watch, work, sent)
	if err := w.processCompressedFile(context.Background(), path); err != nil {
		t.Fatalf("processCompressedFile: %v", err)
	}
	sink.Close()

	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("expected .logx.*.gz to be deleted")
	}
}

func TestNextPrefixIsMonotoneAcrossWorkAndSent(t *testing.T) {
	work, sent := t.TempDir(), t.TempDir()
	os.WriteFile(filepath.Join(work, "000003-access.log.1"), nil, 0o644)
	os.WriteFile(filepath.Join(sent, "000007-access.log.1"), nil, 0o644)

	n, err := nextPrefix(work, sent)
	if err != nil {
		t.Fatalf("nextPrefix: %v", err)
	}
	if n != 8 {
		t.Fatalf("got %d, want 8", n)
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	watch, work, sent := t.TempDir(), t.TempDir(), t.TempDir()
	w, sink, _ := newTestWatcher(t, watch, work, sent)
	defer sink.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Run did not return after context cancellation")
	}
}
