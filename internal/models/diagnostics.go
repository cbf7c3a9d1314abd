package models

import (
	"fmt"
	"sync"
)

// Warning is one recoverable problem noticed during a load.
type Warning struct {
	Kind    ErrorKind `json:"kind"`
	Code    string    `json:"code"`
	Message string    `json:"message"`
}

// Diagnostics collects warnings and per-code counters for a single load.
// It is safe for concurrent use.
type Diagnostics struct {
	mu       sync.Mutex
	warnings []Warning
	counts   map[string]int
	seen     map[string]struct{}
}

// NewDiagnostics creates an empty Diagnostics.
func NewDiagnostics() *Diagnostics {
	return &Diagnostics{
		counts: make(map[string]int),
		seen:   make(map[string]struct{}),
	}
}

// Warn records a warning and bumps the counter for its code.
func (d *Diagnostics) Warn(kind ErrorKind, code, format string, args ...any) {
	if d == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.counts[code]++
	d.warnings = append(d.warnings, Warning{Kind: kind, Code: code, Message: fmt.Sprintf(format, args...)})
}

// WarnOnce records a warning only the first time code+key is seen; later
// occurrences only bump the counter.
func (d *Diagnostics) WarnOnce(kind ErrorKind, code, key, format string, args ...any) {
	if d == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.counts[code]++
	dedup := code + "\x00" + key
	if _, ok := d.seen[dedup]; ok {
		return
	}
	d.seen[dedup] = struct{}{}
	d.warnings = append(d.warnings, Warning{Kind: kind, Code: code, Message: fmt.Sprintf(format, args...)})
}

// Count returns how often code was reported.
func (d *Diagnostics) Count(code string) int {
	if d == nil {
		return 0
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.counts[code]
}

// Warnings returns a copy of the recorded warnings.
func (d *Diagnostics) Warnings() []Warning {
	if d == nil {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Warning, len(d.warnings))
	copy(out, d.warnings)
	return out
}

// Counts returns a copy of the counters.
func (d *Diagnostics) Counts() map[string]int {
	if d == nil {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[string]int, len(d.counts))
	for k, v := range d.counts {
		out[k] = v
	}
	return out
}
