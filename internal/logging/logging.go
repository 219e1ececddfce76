// Package logging wires the agent's operator-facing diagnostics through
// logrus, the same dependency the teacher's file producer threads through as
// a logrus.FieldLogger (see producer/file.go's fileStateWriterDisk and
// filePruner). The watcher's "first error in a cycle is reported, the rest
// suppressed until the next cycle" rule (spec §7) is implemented here as a
// cycle-scoped dedup gate so repeated identical errors don't flood the log.
package logging

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// New builds a logrus.FieldLogger configured the way the teacher's plugins
// expect one: text formatter, caller-agnostic, leveled by the level string
// ("debug", "info", "warn", "error"); an unknown level falls back to info.
func New(level string) logrus.FieldLogger {
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	log.SetLevel(lvl)
	return log
}

// CycleGate reports, for a single watcher cycle, only the first occurrence
// of each distinct error message. Call Reset between cycles.
type CycleGate struct {
	mu      sync.Mutex
	reported map[string]bool
}

// NewCycleGate returns a ready-to-use gate.
func NewCycleGate() *CycleGate {
	return &CycleGate{reported: make(map[string]bool)}
}

// Reset clears the gate at the start of a new cycle.
func (g *CycleGate) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.reported = make(map[string]bool)
}

// ShouldReport returns true the first time a given key is seen since the
// last Reset, and false for every subsequent call with the same key.
func (g *CycleGate) ShouldReport(key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.reported[key] {
		return false
	}
	g.reported[key] = true
	return true
}
