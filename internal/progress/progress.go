// Package progress implements the per-logical-log sidecar record (spec §3,
// §4.3): {modified, sent, crc, size, verified}, persisted next to the live
// or rolled file it describes. Per DESIGN NOTES §9, this replaces the
// source's native pickling with an explicit, versioned binary encoding so
// the sidecar survives runtime changes to the agent itself.
package progress

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"

	"github.com/kdresser/nl2xlog/internal/fsys"
	"github.com/kdresser/nl2xlog/internal/xerrors"
)

const (
	magic        = "NLPS"
	formatV1     = 1
	recordLength = 4 + 1 + 8 + 8 + 4 + 8 + 1 // magic+version+modified+sent+crc+size+verified
)

// Record is the sidecar's in-memory shape.
type Record struct {
	Modified int64  // last observed modification time (unix seconds)
	Sent     int64  // byte offset shipped and acknowledged
	CRC      uint32 // CRC-32 over [0, Sent)
	Size     int64  // file size when Sent was last advanced
	Verified bool   // whether CRC has been re-checked since process start
}

// Default returns the zero-value record used when no sidecar exists yet.
func Default() Record {
	return Record{}
}

// Path returns the sidecar path for a logical log of the given type
// ("access"|"error") in dir, with an optional suffix ("" for live, ".1"
// for the rotated companion).
func Path(dir, logType, suffix string) string {
	return filepath.Join(dir, logType+".logx"+suffix)
}

// Load reads the sidecar at dir/type.logx<suffix>. A missing file yields
// Default() with no error (spec §4.3: "missing file yields defaults").
func Load(dir, logType, suffix string) (Record, error) {
	path := Path(dir, logType, suffix)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return Record{}, fmt.Errorf("%w: read %s: %v", xerrors.ErrProgressIO, path, err)
	}
	rec, err := decode(data)
	if err != nil {
		return Record{}, fmt.Errorf("%w: decode %s: %v", xerrors.ErrProgressIO, path, err)
	}
	return rec, nil
}

// Save atomically persists rec at dir/type.logx<suffix> via a write-then-
// rename, so a crash mid-write never leaves a torn sidecar behind. Callers
// must hold exclusive ownership of the (dir, logType, suffix) key (spec
// §4.3 invariant); a failure here is fatal to the current watcher cycle.
func Save(dir, logType, suffix string, rec Record) error {
	path := Path(dir, logType, suffix)
	data := encode(rec)
	if err := fsys.WriteAtomic(path, data, 0o644); err != nil {
		return fmt.Errorf("%w: write %s: %v", xerrors.ErrProgressIO, path, err)
	}
	return nil
}

// Drop best-effort removes the sidecar; a missing file is not an error.
func Drop(dir, logType, suffix string) error {
	path := Path(dir, logType, suffix)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("%w: remove %s: %v", xerrors.ErrProgressIO, path, err)
	}
	return nil
}

// Rotate renames the live sidecar to its ".1" companion, mirroring the
// rename of the data file it describes (spec §3: "its progress sidecar is
// also rotated"). Missing source is not an error (nothing to carry over).
func Rotate(dir, logType string) error {
	src := Path(dir, logType, "")
	dst := Path(dir, logType, ".1")
	if _, err := os.Stat(src); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("%w: stat %s: %v", xerrors.ErrProgressIO, src, err)
	}
	if err := os.Rename(src, dst); err != nil {
		return fmt.Errorf("%w: rename %s -> %s: %v", xerrors.ErrProgressIO, src, dst, err)
	}
	return nil
}

func encode(rec Record) []byte {
	buf := new(bytes.Buffer)
	buf.WriteString(magic)
	buf.WriteByte(formatV1)
	binary.Write(buf, binary.BigEndian, rec.Modified)
	binary.Write(buf, binary.BigEndian, rec.Sent)
	binary.Write(buf, binary.BigEndian, rec.CRC)
	binary.Write(buf, binary.BigEndian, rec.Size)
	if rec.Verified {
		buf.WriteByte(1)
	} else {
		buf.WriteByte(0)
	}
	return buf.Bytes()
}

func decode(data []byte) (Record, error) {
	if len(data) != recordLength {
		return Record{}, fmt.Errorf("bad sidecar length %d, want %d", len(data), recordLength)
	}
	if string(data[:4]) != magic {
		return Record{}, fmt.Errorf("bad sidecar magic %q", data[:4])
	}
	if data[4] != formatV1 {
		return Record{}, fmt.Errorf("unsupported sidecar version %d", data[4])
	}
	r := bytes.NewReader(data[5:])
	var rec Record
	if err := binary.Read(r, binary.BigEndian, &rec.Modified); err != nil {
		return Record{}, err
	}
	if err := binary.Read(r, binary.BigEndian, &rec.Sent); err != nil {
		return Record{}, err
	}
	if err := binary.Read(r, binary.BigEndian, &rec.CRC); err != nil {
		return Record{}, err
	}
	if err := binary.Read(r, binary.BigEndian, &rec.Size); err != nil {
		return Record{}, err
	}
	verifiedByte, err := r.ReadByte()
	if err != nil {
		return Record{}, err
	}
	rec.Verified = verifiedByte != 0
	return rec, nil
}
