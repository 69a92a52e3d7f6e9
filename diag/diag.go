// Package diag implements the assembler's diagnostic taxonomy and the
// user-visible formatting contract between the core assembler and its
// external error-formatter collaborator: severity, file/line/column,
// the offending source text, and a caret span under it.
package diag

import (
	"fmt"
	"strings"
)

// Severity classifies a diagnostic by how it propagates through a run.
type Severity int

const (
	Warn Severity = iota
	Error
	Serious
	Phase
	Limit
)

func (s Severity) String() string {
	switch s {
	case Warn:
		return "Warning"
	case Error:
		return "Error"
	case Serious:
		return "Serious"
	case Phase:
		return "Phase error"
	case Limit:
		return "Limit exceeded"
	default:
		return "Error"
	}
}

// Fatal reports whether a diagnostic of this severity must terminate the
// run immediately: !serious, phase errors, and resource-limit errors do;
// !warn and !error do not.
func (s Severity) Fatal() bool {
	return s == Serious || s == Phase || s == Limit
}

// Diagnostic is one reported problem, tied to its source location.
type Diagnostic struct {
	Severity Severity
	Message  string
	File     string
	Line     int
	Column   int
	LineText string
}

// Format renders the diagnostic:
//
//	{Severity} - File {path}, line {n}: {message}
//	  {source line}
//	  {caret span}
func (d Diagnostic) Format() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s - File %s, line %d: %s", d.Severity, displayFile(d.File), d.Line, d.Message)
	if trimmed := strings.TrimSpace(d.LineText); trimmed != "" {
		fmt.Fprintf(&b, "\n  %s\n  %s%s", trimmed, strings.Repeat(" ", clamp(d.Column)), strings.Repeat("^", len(trimmed)-clamp(d.Column)))
	}
	return b.String()
}

func clamp(n int) int {
	if n < 0 {
		return 0
	}
	return n
}

func displayFile(f string) string {
	if f == "" {
		return "unknown"
	}
	return f
}

// Sink collects diagnostics across an assembly run and decides the
// final process exit code.
type Sink struct {
	diags []Diagnostic
}

func NewSink() *Sink { return &Sink{} }

func (s *Sink) Report(d Diagnostic) {
	s.diags = append(s.diags, d)
}

func (s *Sink) All() []Diagnostic { return s.diags }

// HasErrors reports whether any diagnostic more severe than a warning
// was recorded.
func (s *Sink) HasErrors() bool {
	for _, d := range s.diags {
		if d.Severity != Warn {
			return true
		}
	}
	return false
}

// ExitCode maps the sink's contents onto the CLI's exit-code contract
// (0 success, 1 assembly error; usage errors (2) and internal errors
// (3) are decided by the caller, which is why they are not modeled
// here).
func (s *Sink) ExitCode() int {
	if s.HasErrors() {
		return 1
	}
	return 0
}

func (s *Sink) Print(w interface{ Write([]byte) (int, error) }) {
	for _, d := range s.diags {
		fmt.Fprintln(w, d.Format())
	}
}
