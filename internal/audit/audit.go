// Package audit produces the append-only record of a controller run: every
// classification result, every command attempted against an endpoint, and
// every step transition, timestamped so a run can be reconstructed
// byte-for-byte afterwards. A verbatim copy of the scenario document and a
// readiness sentinel for the applications under test live next to the log.
package audit

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/signalsfoundry/netem-controller/internal/sbi"
)

const (
	logName      = "audit.log"
	scenarioName = "scenario.json"
	sentinelName = "netem_ready.json"
)

// Log is an append-only audit sink. All methods are safe for concurrent use;
// per-endpoint apply goroutines share one Log.
type Log struct {
	mu  sync.Mutex
	w   io.Writer
	dir string // empty when backed by a plain writer
	f   *os.File
	now func() time.Time
}

// Open creates dir (if needed) and an audit log inside it. now may be nil,
// in which case wall time is used.
func Open(dir string, now func() time.Time) (*Log, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("audit: create dir %q: %w", dir, err)
	}
	f, err := os.OpenFile(filepath.Join(dir, logName), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("audit: open log: %w", err)
	}
	l := New(f, now)
	l.dir = dir
	l.f = f
	return l, nil
}

// New wraps an arbitrary writer as an audit log. Scenario copies and the
// readiness sentinel are skipped when there is no backing directory.
func New(w io.Writer, now func() time.Time) *Log {
	if now == nil {
		now = time.Now
	}
	return &Log{w: w, now: now}
}

// Close flushes and closes the underlying file, when there is one.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return nil
	}
	return l.f.Close()
}

// Dir returns the artifact directory, or "" for writer-backed logs.
func (l *Log) Dir() string { return l.dir }

// Event appends one timestamped line: "<ts> <KIND> k=v k=v ...". Fields are
// written in the order given. Values containing whitespace are quoted.
func (l *Log) Event(kind string, kv ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var b strings.Builder
	b.WriteString(l.now().UTC().Format("2006-01-02T15:04:05Z"))
	b.WriteByte(' ')
	b.WriteString(kind)
	for i := 0; i+1 < len(kv); i += 2 {
		b.WriteByte(' ')
		fmt.Fprintf(&b, "%v=%s", kv[i], quote(fmt.Sprintf("%v", kv[i+1])))
	}
	b.WriteByte('\n')
	io.WriteString(l.w, b.String())
}

// Header records run identity once at the top of the log.
func (l *Log) Header(runID, scenario string, seed int64, targets []string) {
	l.Event("RUN_START",
		"run_id", runID,
		"scenario", scenario,
		"seed", seed,
		"targets", strings.Join(targets, ","),
	)
}

// StepStart records the transition into step index (zero-based) with its
// resolved parameters.
func (l *Log) StepStart(index, total int, summary string) {
	l.Event("STEP_START", "step", index+1, "total_steps", total, "profile", summary)
}

// StepDispatched records that every command for the step has been issued.
func (l *Log) StepDispatched(index int, elapsed time.Duration) {
	l.Event("STEP_DISPATCHED", "step", index+1, "elapsed_ms", elapsed.Milliseconds())
}

// TimingOverrun records that applying a step took longer than its duration.
func (l *Log) TimingOverrun(index int, over time.Duration) {
	l.Event("TIMING_OVERRUN", "step", index+1, "over_ms", over.Milliseconds())
}

// ScenarioComplete marks normal exhaustion of all steps.
func (l *Log) ScenarioComplete(total int) {
	l.Event("SCENARIO_COMPLETE", "total_steps", total)
}

// Interrupted marks external cancellation.
func (l *Log) Interrupted(index int) {
	l.Event("INTERRUPTED", "step", index+1)
}

// Classification records one classified interface on an endpoint.
func (l *Log) Classification(endpoint, iface, addr, network string) {
	l.Event("CLASSIFY", "endpoint", endpoint, "iface", iface, "addr", addr, "network", network)
}

// Command records one attempted command and its outcome. It is called for
// every attempt, successful or not, before the caller interprets the result.
func (l *Log) Command(endpoint string, argv []string, res sbi.Result, err error) {
	outcome := "ok"
	detail := ""
	switch {
	case err != nil:
		outcome = "error"
		detail = err.Error()
	case res.ExitCode != 0:
		outcome = "exit"
		detail = strings.TrimSpace(res.Stderr)
	}
	kv := []any{
		"endpoint", endpoint,
		"cmd", strings.Join(argv, " "),
		"outcome", outcome,
	}
	if res.ExitCode != 0 {
		kv = append(kv, "code", res.ExitCode)
	}
	if detail != "" {
		kv = append(kv, "detail", detail)
	}
	l.Event("CMD", kv...)
}

// Warn records a non-fatal condition.
func (l *Log) Warn(msg string, kv ...any) {
	l.Event("WARN", append([]any{"msg", msg}, kv...)...)
}

// Failure records a recovered error.
func (l *Log) Failure(msg string, kv ...any) {
	l.Event("FAILURE", append([]any{"msg", msg}, kv...)...)
}

// SaveScenario persists the exact scenario bytes alongside the log so a run
// can be reproduced from its artifacts alone.
func (l *Log) SaveScenario(raw []byte) error {
	if l.dir == "" {
		return nil
	}
	if err := os.WriteFile(filepath.Join(l.dir, scenarioName), raw, 0o644); err != nil {
		return fmt.Errorf("audit: save scenario: %w", err)
	}
	return nil
}

type sentinel struct {
	Ready      bool   `json:"ready"`
	Step       int    `json:"step"`
	TotalSteps int    `json:"total_steps"`
	WrittenAt  string `json:"written_at"`
}

// WriteSentinel publishes the readiness sentinel after a step's dispatch.
// Applications under test poll this file before generating traffic, so it is
// written atomically (temp file + rename) to avoid torn reads.
func (l *Log) WriteSentinel(step, total int) error {
	if l.dir == "" {
		return nil
	}
	data, err := json.Marshal(sentinel{
		Ready:      true,
		Step:       step,
		TotalSteps: total,
		WrittenAt:  l.now().UTC().Format("2006-01-02T15:04:05Z"),
	})
	if err != nil {
		return fmt.Errorf("audit: marshal sentinel: %w", err)
	}
	tmp := filepath.Join(l.dir, sentinelName+".tmp")
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("audit: write sentinel: %w", err)
	}
	if err := os.Rename(tmp, filepath.Join(l.dir, sentinelName)); err != nil {
		return fmt.Errorf("audit: publish sentinel: %w", err)
	}
	return nil
}

func quote(s string) string {
	if strings.ContainsAny(s, " \t\n") {
		return fmt.Sprintf("%q", s)
	}
	if s == "" {
		return `""`
	}
	return s
}
