package transport

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestFileSinkAppendsAndNeverStalls(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.log")
	sink, err := NewFileSink(path)
	if err != nil {
		t.Fatalf("NewFileSink: %v", err)
	}

	if err := sink.Send([]byte(`{"a":1}`)); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if sink.Pending() != 0 {
		t.Fatalf("Pending: got %d, want 0", sink.Pending())
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := Drain(ctx, sink); err != nil {
		t.Fatalf("Drain: %v", err)
	}

	if err := sink.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(data) != "{\"a\":1}\n" {
		t.Fatalf("got %q", data)
	}
}
