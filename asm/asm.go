// Copyright 2014-2018 Brett Vickers. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package asm implements a two-pass cross-assembler for the 6502 family
// of CPUs, reading ACME-style source syntax and producing a flat memory
// image plus symbol, global-label and source-line metadata.
package asm

import (
	"fmt"
	"io"
	"io/ioutil"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/golang/glog"
	"github.com/pkg/errors"

	"github.com/siska-tech/acme6502/cpu"
	"github.com/siska-tech/acme6502/diag"
)

// Options configures one assembly run, mirroring the CLI flag table
// (minus the output-format selection, which belongs to the output
// package).
type Options struct {
	Origin            int64
	CPU               string            // !cpu default; one of "6502", "65c02", "nmos6502", "w65c02s"
	InitMem           byte              // fill byte for !skip / unwritten image gaps
	IncludeDirs       []string          // -I search paths for !source/!src and !binary
	Defines           map[string]string // name=value pre-definitions; no CLI flag sets it and the assembler does not read it
	MaxMacroDepth     int               // 0 means use the default
	MaxLoopIterations int64             // 0 means use the default
	MaxIncludeDepth   int               // 0 means use the default
}

// GlobalLabel records one global-scope label's address, for
// VICE-format label-file output.
type GlobalLabel struct {
	Name    string
	Address uint16
}

// Result is the output of a completed assembly run: the memory image,
// the diagnostics collected along the way, and the metadata the output
// writers and listing tools consume.
type Result struct {
	pc       *pcManager
	Symbols  map[string]Value
	Globals  []GlobalLabel
	Diags    *diag.Sink
	Map      SourceMap
	toPath   string
	toFormat string
}

// Bounds returns the lowest and highest touched addresses in the
// assembled image, matching the plain-output range rule.
func (r *Result) Bounds() (lo, hi int64, any bool) { return r.pc.bounds() }

// ByteAt returns the byte at addr, or the configured init-mem byte
// (XOR-masked) if addr was never written.
func (r *Result) ByteAt(addr int64) byte { return r.pc.byteAt(addr) }

const (
	defaultMaxIncludeDepth = 32
)

// Assembler holds all state for one assembly run: the flattened source
// line list, the current pass, and every support subsystem (symbols,
// PC/segments, conditionals, loops, macros, text conversion). One
// Assembler is used per run and discarded afterward.
type Assembler struct {
	opts Options

	files []string
	lines []rawLine

	pass  int
	pos   int // index into lines, of the line currently being processed
	fatal error
	diags *diag.Sink

	sym    *symtab
	pc     *pcManager
	cond   *condProcessor
	loops  *loopEngine
	macros *macroSystem
	tconv  *textconv
	cpuSet *cpu.InstructionSet

	instModes []cpu.Mode // addressing-width stability memo, per occurrence
	instIndex int

	realAddr map[*symbol]int64

	srcMap SourceMap

	toPath   string
	toFormat string
}

// ToPath and ToFormat report the path/format requested by an in-source
// !to directive, if any, so the cmd-layer output writer can honor a
// source-chosen destination when no -o flag overrides it.
func (r *Result) ToPath() (path, format string) { return r.toPath, r.toFormat }

func newAssembler(opts Options) *Assembler {
	if opts.CPU == "" {
		opts.CPU = "6502"
	}
	a := &Assembler{
		opts:     opts,
		diags:    diag.NewSink(),
		sym:      newSymtab(),
		pc:       newPCManager(),
		cond:     newCondProcessor(),
		loops:    newLoopEngine(),
		macros:   newMacroSystem(),
		tconv:    newTextconv(),
		realAddr: make(map[*symbol]int64),
	}
	a.pc.setPC(opts.Origin)
	a.pc.initMem = opts.InitMem
	if opts.MaxMacroDepth > 0 {
		a.macros.maxDepth = opts.MaxMacroDepth
	}
	if opts.MaxLoopIterations > 0 {
		a.loops.maxIterations = opts.MaxLoopIterations
	}
	return a
}

// AssembleFile reads filename (resolved against the current directory
// and opts.IncludeDirs), flattens its !source/!src inclusions, and
// assembles the result.
func AssembleFile(filename string, opts Options) (*Result, error) {
	a := newAssembler(opts)
	set, err := cpu.GetInstructionSet(a.opts.CPU)
	if err != nil {
		return nil, err
	}
	a.cpuSet = set

	a.flatten(filename)
	return a.run()
}

// Assemble assembles source read from r, using name as its reported
// file name (!source/!src targets are still resolved against the
// filesystem and opts.IncludeDirs).
func Assemble(r io.Reader, name string, opts Options) (*Result, error) {
	a := newAssembler(opts)
	set, err := cpu.GetInstructionSet(a.opts.CPU)
	if err != nil {
		return nil, err
	}
	a.cpuSet = set

	b, err := ioutil.ReadAll(r)
	if err != nil {
		return nil, errors.Wrap(err, "reading source")
	}
	fi := a.addFile(name)
	a.lines = a.flattenLines(fi, string(b), []string{name})
	return a.run()
}

// recordSourceLine appends a mapping from the address about to be
// emitted to the source line that produces it, for the VICE-label/
// listing output writers. Only called on pass 2, once addresses have
// stabilized.
func (a *Assembler) recordSourceLine(rl rawLine) {
	addr := int(a.pc.effectivePC())
	if n := len(a.srcMap.Lines); n > 0 && a.srcMap.Lines[n-1].Address == addr {
		return
	}
	a.srcMap.Lines = append(a.srcMap.Lines, SourceLine{Address: addr, FileIndex: rl.fileIndex, Line: rl.row})
}

func (a *Assembler) addFile(name string) int {
	for i, f := range a.files {
		if f == name {
			return i
		}
	}
	a.files = append(a.files, name)
	return len(a.files) - 1
}

// run executes pass 1, resets per-pass state, executes pass 2, and
// packages the result.
func (a *Assembler) run() (*Result, error) {
	for pass := 1; pass <= 2; pass++ {
		glog.V(1).Infof("begin pass %d, %d source lines", pass, len(a.lines))
		a.beginPass(pass)
		if err := a.runBlock(a.lines); err != nil {
			return nil, err
		}
		if a.fatal != nil {
			glog.V(1).Infof("pass %d aborted: %v", pass, a.fatal)
			break
		}
		if err := a.cond.validateClosed(); err != nil {
			a.report(diag.Phase, err.Error(), rawLine{})
			break
		}
		glog.V(1).Infof("pass %d complete", pass)
	}
	a.sym.sortAnon()
	sort.Slice(a.srcMap.Lines, func(i, j int) bool {
		return a.srcMap.Lines[i].Address < a.srcMap.Lines[j].Address
	})

	res := &Result{
		pc:       a.pc,
		Symbols:  a.sym.flattened(),
		Globals:  globalLabelList(a.sym.globalLabels()),
		Diags:    a.diags,
		Map:      a.srcMap,
		toPath:   a.toPath,
		toFormat: a.toFormat,
	}
	// a.fatal only stops pass execution early; it has already been
	// recorded in res.Diags, so it must not also surface as a Go
	// error here -- every diagnostic severity maps onto the sink's
	// exit-code contract, not onto AssembleFile/Assemble's error
	// return.
	return res, nil
}

func (a *Assembler) beginPass(pass int) {
	a.pass = pass
	a.pc.resetForPass()
	a.pc.setPC(a.opts.Origin)
	a.sym.resetForPass()
	a.cond.resetForPass()
	a.instIndex = 0
	a.srcMap = SourceMap{Files: a.files}
	if pass == 1 {
		a.instModes = nil
	}
}

// globalLabelList converts a name->address map into the sorted slice
// WriteViceLabels writes, so repeated assembly of the same source
// always produces byte-identical label-file output.
func globalLabelList(globals map[string]int64) []GlobalLabel {
	out := make([]GlobalLabel, 0, len(globals))
	for name, addr := range globals {
		out = append(out, GlobalLabel{Name: name, Address: uint16(addr)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

//
// evalCtx implementation
//

func (a *Assembler) lookupValue(name, scopeLabel string) (Value, bool) {
	if v, ok := a.macros.lookupParam(name); ok {
		return v, true
	}
	sym, ok := a.sym.lookup(name)
	if !ok || !sym.assigned {
		return Undef(), false
	}
	return sym.value, true
}

func (a *Assembler) lookupAddress(name, scopeLabel string) (Value, bool) {
	sym, ok := a.sym.lookup(name)
	if !ok {
		return Undef(), false
	}
	addr, ok := a.realAddr[sym]
	if !ok {
		return Undef(), false
	}
	return IntVal(addr), true
}

func (a *Assembler) currentPC() Value { return IntVal(a.pc.effectivePC()) }

func (a *Assembler) anonForward(fromLine int) (Value, bool) {
	pc, ok := a.sym.resolveForward(fromLine)
	if !ok {
		return Undef(), false
	}
	return IntVal(pc), true
}

func (a *Assembler) anonBackward(fromLine int) (Value, bool) {
	pc, ok := a.sym.resolveBackward(fromLine)
	if !ok {
		return Undef(), false
	}
	return IntVal(pc), true
}

func (a *Assembler) sourceLine() int { return a.pos }

//
// reporting
//

func (a *Assembler) report(sev diag.Severity, msg string, rl rawLine) {
	file := ""
	if rl.fileIndex >= 0 && rl.fileIndex < len(a.files) {
		file = a.files[rl.fileIndex]
	}
	a.diags.Report(diag.Diagnostic{
		Severity: sev,
		Message:  msg,
		File:     file,
		Line:     rl.row,
		LineText: rl.text,
	})
	if sev.Fatal() && a.fatal == nil {
		a.fatal = fmt.Errorf("%s: %s", sev, msg)
	}
}

//
// source flattening — !source/!src inclusion is resolved eagerly,
// before either pass begins, since include paths are always static
// string literals.
//

type rawLine struct {
	fileIndex int
	row       int
	text      string
}

// flatten reads filename and resolves its !source/!src inclusions into
// a.lines. A file that can't be opened is a File-error diagnostic, not
// a returned Go error: per the error taxonomy, file errors record and
// let assembly continue (here, with zero lines read from that file)
// rather than aborting the whole run.
func (a *Assembler) flatten(filename string) {
	fi := a.addFile(filename)
	b, resolved, err := a.readSourceFile(filename)
	if err != nil {
		a.report(diag.Error, err.Error(), rawLine{fileIndex: fi})
		return
	}
	a.lines = a.flattenLines(fi, string(b), []string{resolved})
}

// readSourceFile resolves filename against the current directory and
// then opts.IncludeDirs in order, returning its contents and the exact
// path it was opened from -- the key flattenLines uses to detect a
// !source cycle.
func (a *Assembler) readSourceFile(filename string) (data []byte, resolvedPath string, err error) {
	if b, err := ioutil.ReadFile(filename); err == nil {
		return b, filename, nil
	}
	for _, dir := range a.opts.IncludeDirs {
		p := filepath.Join(dir, filename)
		if b, err := ioutil.ReadFile(p); err == nil {
			return b, p, nil
		}
	}
	return nil, "", errors.Wrapf(os.ErrNotExist, "opening %s", filename)
}

// flattenLines splits raw into rawLines and recursively splices in the
// contents of every !source/!src target. open holds the resolved path
// of every file currently being flattened, outermost first: a
// !source target matching a path already in open is a recursive
// include (detected by path, not just depth) and is reported rather
// than followed, leaving the rest of the including file intact.
// Exceeding the include-depth safety limit raises a fatal
// Limit-exceeded diagnostic and stops flattening immediately.
func (a *Assembler) flattenLines(fileIndex int, raw string, open []string) []rawLine {
	maxDepth := a.opts.MaxIncludeDepth
	if maxDepth == 0 {
		maxDepth = defaultMaxIncludeDepth
	}
	var out []rawLine
	raw = strings.ReplaceAll(raw, "\r\n", "\n")
	for i, text := range strings.Split(raw, "\n") {
		row := i + 1
		rl := rawLine{fileIndex, row, text}
		name, ok := includeTarget(text)
		if !ok {
			out = append(out, rl)
			continue
		}
		if len(open) >= maxDepth {
			a.report(diag.Limit, fmt.Sprintf("include depth exceeded including %q", name), rl)
			return out
		}
		b, resolved, err := a.readSourceFile(name)
		if err != nil {
			a.report(diag.Error, err.Error(), rl)
			continue
		}
		if containsPath(open, resolved) {
			a.report(diag.Error, fmt.Sprintf("recursive include of %q", name), rl)
			continue
		}
		subIndex := a.addFile(name)
		out = append(out, a.flattenLines(subIndex, string(b), append(open, resolved))...)
		if a.fatal != nil {
			return out
		}
	}
	return out
}

func containsPath(open []string, p string) bool {
	for _, s := range open {
		if s == p {
			return true
		}
	}
	return false
}

// includeTarget reports whether text is a bare !source/!src directive
// line, and if so its quoted argument.
func includeTarget(text string) (string, bool) {
	l := newFstring(0, 0, text).stripTrailingComment()
	trimmed := l.consumeWhitespace()
	for _, kw := range []string{"!source", "!src"} {
		if trimmed.startsWithString(kw) {
			rest := trimmed.consume(len(kw)).consumeWhitespace()
			name, _, ok := rest.consumeQuotedString()
			if ok {
				return name, true
			}
		}
	}
	return "", false
}

//
// runBlock — the main interpreter loop. It walks lines[] once,
// dispatching each non-blank line, and returns when it falls off the
// end of the slice (used both for the top-level program and for
// re-running a captured macro/loop/conditional body).
//

func (a *Assembler) runBlock(lines []rawLine) error {
	i := 0
	for i < len(lines) {
		if a.fatal != nil {
			return nil
		}
		rl := lines[i]
		a.pos = rl.row
		consumed, err := a.dispatchLine(lines, i)
		if err != nil {
			return err
		}
		if consumed < 1 {
			consumed = 1
		}
		if a.loops.breakRequested || a.loops.continueRequested {
			return nil
		}
		i += consumed
	}
	return nil
}

// dispatchLine processes the line at lines[i], returning how many
// lines (including itself) it consumed -- more than one for
// brace-delimited block constructs.
func (a *Assembler) dispatchLine(lines []rawLine, i int) (consumed int, err error) {
	rl := lines[i]
	line := newFstring(rl.fileIndex, rl.row, rl.text).stripTrailingComment()
	line = line.consumeWhitespace()
	if line.isEmpty() {
		return 1, nil
	}
	if strings.HasPrefix(strings.TrimSpace(line.str), "}") {
		a.report(diag.Error, "unexpected '}'", rl)
		return 1, nil
	}

	line, err = a.consumeLabel(line, rl)
	if err != nil {
		return 1, err
	}
	line = line.consumeWhitespace()
	if line.isEmpty() {
		return 1, nil
	}

	if a.pass == 2 && !a.cond.isSkipping() {
		a.recordSourceLine(rl)
	}

	for _, stmtText := range splitColonStatements(line.str) {
		stmt := newFstring(rl.fileIndex, rl.row, stmtText).consumeWhitespace()
		if stmt.isEmpty() {
			continue
		}
		switch {
		case stmt.startsWith(directiveStartChar):
			c, derr := a.dispatchDirectiveLine(lines, i, stmt)
			if derr != nil {
				return 1, derr
			}
			if c > 1 {
				// a block-opening directive consumed additional raw
				// lines; any remaining colon-separated text on this
				// same line (there should be none in practice) is
				// discarded, since the block already owns the rest of
				// the source.
				return c, nil
			}
		case stmt.startsWith(macroInvokeChar):
			if err = a.dispatchMacroInvoke(stmt, rl); err != nil {
				return 1, err
			}
		default:
			if err = a.dispatchAssignOrInstruction(stmt, rl); err != nil {
				return 1, err
			}
		}
		if a.fatal != nil || a.loops.breakRequested || a.loops.continueRequested {
			return 1, nil
		}
	}
	return 1, nil
}

// splitColonStatements splits a line's remaining text (after any label
// has been stripped) into multiple statements on a top-level ':'
// separator, per ACME's one-line-multiple-statements convention (e.g.
// "lda #val : sta addr" inside a !macro body). A colon only separates
// statements when it is preceded by whitespace, outside any
// parenthesized, braced or quoted span -- so an inline block such as
// "!macro poke a,v { lda #v : sta a }" stays one statement, and the
// block's own body is split when it runs. This also leaves the no-space forced
// addressing-width prefixes ("ABS:$01", "A:$20") and label-definition
// colons (already consumed before this runs) alone.
func splitColonStatements(s string) []string {
	var out []string
	depth := 0
	var quote byte
	start := 0
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case quote != 0:
			if c == quote {
				quote = 0
			}
		case c == '"' || c == '\'':
			quote = c
		case c == '(' || c == '{':
			depth++
		case c == ')' || c == '}':
			depth--
		case c == ':' && depth == 0 && i > 0 && whitespace(s[i-1]):
			out = append(out, s[start:i])
			start = i + 1
		}
	}
	out = append(out, s[start:])
	return out
}

// consumeLabel strips a leading global/local/anonymous label definition
// from line, recording it in the symbol table and PC-keyed realAddr
// side map.
func (a *Assembler) consumeLabel(line fstring, rl rawLine) (fstring, error) {
	switch {
	case line.startsWithChar('+') && len(line.str) > 1 && whitespace(line.str[1]):
		if !a.cond.isSkipping() {
			a.sym.recordAnon(a.pos, a.pc.effectivePC())
		}
		return line.consume(1), nil
	case line.startsWithChar('-') && len(line.str) > 1 && whitespace(line.str[1]):
		if !a.cond.isSkipping() {
			a.sym.recordAnon(a.pos, a.pc.effectivePC())
		}
		return line.consume(1), nil
	case line.startsWith(labelStartChar):
		ident, rest := line.consumeWhile(labelChar)
		name := ident.str
		afterColon := rest
		if !afterColon.startsWithChar(':') {
			for _, variant := range []string{"w65c02s", "nmos6502"} {
				if set, err := cpu.GetInstructionSet(variant); err == nil && set.IsMnemonic(name) {
					// a mnemonic under some !cpu selection, not a label
					return line, nil
				}
			}
		}
		switch {
		case afterColon.startsWithChar(':'):
			afterColon = afterColon.consume(1)
		case afterColon.isEmpty(), afterColon.startsWithChar(';'):
			// bare label, nothing follows on this line
		case afterColon.startsWith(whitespace):
			if afterColon.consumeWhitespace().startsWithChar('=') {
				// "name = expr" is an assignment, not a label
				return line, nil
			}
			// label followed by a statement on the same line
		default:
			// not actually a label line (e.g. a directive/mnemonic whose
			// name happens to satisfy labelStartChar); leave untouched.
			return line, nil
		}
		if !a.cond.isSkipping() {
			if err := a.defineLabel(name, rl); err != nil {
				return line, err
			}
		}
		return afterColon, nil
	}
	return line, nil
}

func (a *Assembler) defineLabel(name string, rl rawLine) error {
	kind := symGlobal
	switch {
	case strings.HasPrefix(name, "@"):
		kind = symCheapLocal
	case strings.HasPrefix(name, "."):
		kind = symZoneLocal
	}
	if err := a.sym.define(name, kind, IntVal(a.pc.effectivePC()), a.pass, false); err != nil {
		a.report(diag.Phase, fmt.Sprintf("label %q redefined with a different value", name), rl)
		return nil
	}
	if kind == symGlobal {
		a.sym.defineGlobalLabel(name)
	}
	if sym, ok := a.sym.lookup(name); ok {
		a.realAddr[sym] = a.pc.realPC
	}
	return nil
}

//
// directive-line dispatch: block-opening directives are handled here
// (they need the surrounding lines[] slice and self-manage their own
// matching close); everything else goes through the flat
// directiveTable in directives.go.
//

func (a *Assembler) dispatchDirectiveLine(lines []rawLine, i int, line fstring) (int, error) {
	rl := lines[i]
	name, args := directiveNameAndArgs(line)
	glog.V(3).Infof("pass %d line %d: dispatch %s", a.pass, rl.row, name)

	// !if/!ifdef/!ifndef/!pseudopc/!realpc/!macro/!for/!while/!do must
	// always be dispatched even while skipping, so their own block
	// bookkeeping (and any nested constructs inside a skipped branch)
	// stays balanced.
	switch name {
	case "!if", "!ifdef", "!ifndef":
		return a.dispatchConditionalOpen(lines, i, name, args, rl)
	case "!pseudopc":
		return a.dispatchPseudopc(lines, i, args, rl)
	case "!realpc":
		return a.dispatchRealpc(lines, i, args, rl)
	case "!macro":
		return a.dispatchMacroDef(lines, i, args, rl)
	case "!for":
		return a.dispatchFor(lines, i, args, rl)
	case "!while":
		return a.dispatchWhile(lines, i, args, rl)
	case "!do":
		return a.dispatchDo(lines, i, rl)
	}

	if a.cond.isSkipping() {
		return 1, nil
	}

	switch name {
	case "!break":
		a.loops.requestBreak()
		return 1, nil
	case "!continue":
		a.loops.requestContinue()
		return 1, nil
	}

	handler, ok := directiveTable[name]
	if !ok {
		a.report(diag.Error, fmt.Sprintf("unknown directive %q", name), rl)
		return 1, nil
	}
	if err := handler(a, args, rl); err != nil {
		a.report(diag.Error, err.Error(), rl)
	}
	return 1, nil
}

func directiveNameAndArgs(line fstring) (name string, args fstring) {
	ident, rest := line.consumeWhile(wordChar)
	return ident.str, rest.consumeWhitespace()
}

//
// conditionals
//

// dispatchConditionalOpen is the entry point for one "!if/!ifdef/!ifndef
// <cond> { ... }" construct, plus any "else {" / "else !if ... {"
// continuations chained onto its closing line. It pushes exactly one
// condProcessor frame for the entire chain (for depth/validateClosed
// bookkeeping) and delegates per-link evaluation to runConditionalChain.
func (a *Assembler) dispatchConditionalOpen(lines []rawLine, i int, name string, args fstring, rl rawLine) (int, error) {
	outerSkipping := a.cond.isSkipping()
	a.cond.push(!outerSkipping, rl.row)
	consumed, err := a.runConditionalChain(lines, i, name, args, rl, outerSkipping, false)
	a.cond.pop()
	return consumed, err
}

// runConditionalChain evaluates and runs exactly one link of an
// if/else-if/else chain, then recurses into any further link chained
// onto this link's closing line. matched records whether an earlier
// link in the same chain already ran, forcing every later link
// (regardless of its own condition) to skip; outerSkipping records
// whether the whole chain sits inside an already-skipped branch, which
// forces every link (including the first) to skip and none to
// evaluate its condition.
func (a *Assembler) runConditionalChain(lines []rawLine, openIdx int, name string, args fstring, rl rawLine, outerSkipping, matched bool) (int, error) {
	condText, afterOpen, ok := splitAtOpenBrace(args.str)
	if !ok {
		a.report(diag.Error, name+" requires a brace-delimited block", rl)
		return 1, nil
	}
	exprText := strings.TrimSpace(condText)

	isTrue := false
	if !outerSkipping && !matched {
		switch name {
		case "!if":
			v, ok, err := a.evalExprString(exprText, rl)
			if err != nil {
				a.report(diag.Error, err.Error(), rl)
			}
			isTrue = ok && v.Truthy()
		case "!ifdef":
			_, isTrue = a.sym.lookup(exprText)
		case "!ifndef":
			_, defined := a.sym.lookup(exprText)
			isTrue = !defined
		case "else":
			isTrue = true
		}
	}

	body, closeIdx, trailing, err := captureBlock(lines, openIdx, afterOpen)
	if err != nil {
		a.report(diag.Error, err.Error(), rl)
		return len(lines) - openIdx, nil
	}

	if outerSkipping || matched || !isTrue {
		if err := a.skipCapturedBlock(body); err != nil {
			return 0, err
		}
	} else if err := a.runBlock(body); err != nil {
		return 0, err
	}
	nowMatched := matched || isTrue

	consumedHere := closeIdx - openIdx + 1
	rest := trailing.consumeWhitespace()
	if rest.isEmpty() {
		return consumedHere, nil
	}
	if !strings.HasPrefix(strings.ToLower(strings.TrimSpace(rest.str)), "else") {
		a.report(diag.Error, "unexpected text after '}'", lines[closeIdx])
		return consumedHere, nil
	}
	afterElse := rest.consume(len("else")).consumeWhitespace()
	chainTrimmed := strings.TrimSpace(afterElse.str)
	remainder := chainRemainder(lines, openIdx, closeIdx)

	switch {
	case strings.HasPrefix(chainTrimmed, "{"):
		synthetic := rawLine{fileIndex: lines[closeIdx].fileIndex, row: lines[closeIdx].row, text: afterElse.str}
		chained := append([]rawLine{synthetic}, remainder...)
		consumed, err := a.runConditionalChain(chained, 0, "else", afterElse, synthetic, outerSkipping, nowMatched)
		return consumedHere - 1 + consumed, err

	case strings.HasPrefix(chainTrimmed, "!if"):
		synthetic := rawLine{fileIndex: lines[closeIdx].fileIndex, row: lines[closeIdx].row, text: chainTrimmed}
		chained := append([]rawLine{synthetic}, remainder...)
		consumed, err := a.runConditionalChain(chained, 0, "!if", fstringAfterDirective(chainTrimmed), synthetic, outerSkipping, nowMatched)
		return consumedHere - 1 + consumed, err

	default:
		a.report(diag.Error, "malformed else clause", lines[closeIdx])
		return consumedHere, nil
	}
}

// fstringAfterDirective strips the leading "!if" keyword from a
// synthetic else-if line, returning the remainder as the args fstring
// dispatchConditionalOpen expects.
func fstringAfterDirective(text string) fstring {
	f := newFstring(0, 0, text).consumeWhitespace()
	_, rest := f.consumeWhile(wordChar)
	return rest.consumeWhitespace()
}

// skipCapturedBlock walks a captured body without executing its
// statements, while still letting every nested block-opening directive
// run its own dispatch (which captures and discards its own body in
// turn), so brace bookkeeping never desyncs between the two passes.
func (a *Assembler) skipCapturedBlock(body []rawLine) error {
	a.cond.skipLevel++
	defer func() { a.cond.skipLevel-- }()
	return a.runBlock(body)
}

// splitAtOpenBrace finds the first top-level '{' in s (outside any
// quoted string) and returns the text before it and the text
// immediately after it. ACME block directives may open their brace
// either at the end of a line (a multi-line block, body on following
// lines) or with the rest of the block inline on the same line (e.g.
// "!macro poke a,v { lda #v : sta a }"); this split is what lets a
// single capture routine handle both shapes uniformly.
func splitAtOpenBrace(s string) (before, after string, ok bool) {
	var quote byte
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case quote != 0:
			if c == quote {
				quote = 0
			}
		case c == '"' || c == '\'':
			quote = c
		case c == '{':
			return s[:i], s[i+1:], true
		}
	}
	return s, "", false
}

// splitInlineBody scans s -- the text immediately following a block's
// opening '{' on its own line -- for that brace's matching close,
// honoring nesting and quoted strings. If the close is found within s
// itself (an inline, single-line block), it returns the body text
// between the braces and whatever trails the close; otherwise ok is
// false and the block must span following lines.
func splitInlineBody(s string) (body, trailing string, ok bool) {
	depth := 1
	var quote byte
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case quote != 0:
			if c == quote {
				quote = 0
			}
		case c == '"' || c == '\'':
			quote = c
		case c == '{':
			depth++
		case c == '}':
			depth--
			if depth == 0 {
				return s[:i], s[i+1:], true
			}
		}
	}
	return "", "", false
}

// captureBlock captures a block's body, whether written inline (the
// body and closing '}' appear on the same line as the opening '{') or
// as a multi-line block whose closing '}' is a later line of its own.
// afterOpen is the text on the opening line following its '{'.
// trailing is whatever text follows the matching '}', on whichever
// line it was found -- the hook a caller uses to chain a trailing
// "else { ... }" continuation regardless of which shape was used.
func captureBlock(lines []rawLine, openIdx int, afterOpen string) (body []rawLine, closeIdx int, trailing fstring, err error) {
	rl := lines[openIdx]
	if bodyText, trailingText, ok := splitInlineBody(afterOpen); ok {
		return []rawLine{{fileIndex: rl.fileIndex, row: rl.row, text: bodyText}}, openIdx, newFstring(rl.fileIndex, rl.row, trailingText), nil
	}
	b, closeIdx, err := captureBlockBody(lines, openIdx)
	if err != nil {
		return nil, 0, fstring{}, err
	}
	closeLine := newFstring(lines[closeIdx].fileIndex, lines[closeIdx].row, lines[closeIdx].text).stripTrailingComment().consumeWhitespace()
	return b, closeIdx, closeLine.consume(1), nil
}

// chainRemainder returns the lines[] tail that a block's trailing-text
// continuation (an "else ..." chained onto its close) should see: the
// real remaining lines for a multi-line block, or nothing for an
// inline one, since there is nothing further on that single line.
func chainRemainder(lines []rawLine, openIdx, closeIdx int) []rawLine {
	if closeIdx == openIdx {
		return nil
	}
	return lines[closeIdx+1:]
}

// captureBlockBody scans forward from the line that opened a block
// (lines[openIdx]) and returns the lines strictly between the open and
// its matching close, plus the index of the closing line. Nested
// brace-delimited constructs inside the body are skipped over intact.
func captureBlockBody(lines []rawLine, openIdx int) (body []rawLine, closeIdx int, err error) {
	depth := 1
	for i := openIdx + 1; i < len(lines); i++ {
		text := newFstring(0, 0, lines[i].text).stripTrailingComment()
		trimmed := strings.TrimSpace(text.str)
		closesHere := strings.HasPrefix(trimmed, "}")
		opensHere := strings.HasSuffix(trimmed, "{")
		if closesHere {
			depth--
			if depth == 0 {
				// This is the line that closes the block opened at
				// openIdx. Its trailing "{" (if any, from a chained
				// "else !if ... {") belongs to a sibling block that
				// runConditionalChain captures separately -- it is not
				// part of this block's own nesting.
				return lines[openIdx+1 : i], i, nil
			}
			if opensHere {
				depth++
			}
			continue
		}
		if opensHere {
			depth++
		}
	}
	return nil, 0, errors.New("unclosed block")
}

func (a *Assembler) evalExprString(s string, rl rawLine) (Value, bool, error) {
	line := newFstring(rl.fileIndex, rl.row, s)
	p := &exprParser{}
	e, _, err := p.parse(line, newFstring(0, 0, ""))
	if err != nil {
		return Value{}, false, err
	}
	v, err := e.eval(a)
	if err != nil {
		return Value{}, false, err
	}
	if v.IsUndefined() {
		return v, false, nil
	}
	return v, true, nil
}

//
// pseudopc / realpc
//

func (a *Assembler) dispatchPseudopc(lines []rawLine, i int, args fstring, rl rawLine) (int, error) {
	exprText, afterOpen, ok := splitAtOpenBrace(args.str)
	if !ok {
		a.report(diag.Error, "!pseudopc requires a brace-delimited block", rl)
		return 1, nil
	}
	v, _, err := a.evalExprString(strings.TrimSpace(exprText), rl)
	if err != nil {
		a.report(diag.Error, err.Error(), rl)
	}
	body, closeIdx, _, err := captureBlock(lines, i, afterOpen)
	if err != nil {
		a.report(diag.Error, err.Error(), rl)
		return len(lines) - i, nil
	}
	a.pc.enterPseudo(v.AsInt())
	runErr := a.runBlock(body)
	a.pc.exitPseudo()
	if runErr != nil {
		return 0, runErr
	}
	return closeIdx - i + 1, nil
}

func (a *Assembler) dispatchRealpc(lines []rawLine, i int, args fstring, rl rawLine) (int, error) {
	_, afterOpen, ok := splitAtOpenBrace(args.str)
	if !ok {
		// one-shot form: leave pseudo mode for the remainder of the
		// enclosing !pseudopc block's lifetime.
		a.pc.inPseudo = false
		return 1, nil
	}
	body, closeIdx, _, err := captureBlock(lines, i, afterOpen)
	if err != nil {
		a.report(diag.Error, err.Error(), rl)
		return len(lines) - i, nil
	}
	a.pc.enterRealBlock()
	runErr := a.runBlock(body)
	a.pc.exitPseudo()
	if runErr != nil {
		return 0, runErr
	}
	return closeIdx - i + 1, nil
}

//
// macros
//

func (a *Assembler) dispatchMacroDef(lines []rawLine, i int, args fstring, rl rawLine) (int, error) {
	header, afterOpen, ok := splitAtOpenBrace(args.str)
	if !ok {
		a.report(diag.Error, "!macro requires a brace-delimited block", rl)
		return 1, nil
	}
	header = strings.TrimSpace(header)
	body, closeIdx, _, err := captureBlock(lines, i, afterOpen)
	if err != nil {
		a.report(diag.Error, err.Error(), rl)
		return len(lines) - i, nil
	}
	if a.cond.isSkipping() {
		return closeIdx - i + 1, nil
	}

	def, err := parseMacroHeader(header, rl)
	if err != nil {
		a.report(diag.Error, err.Error(), rl)
		return closeIdx - i + 1, nil
	}
	def.body = bodyText(body)
	def.sourceLine = rl.row
	a.macros.define(def)
	return closeIdx - i + 1, nil
}

func bodyText(lines []rawLine) []string {
	out := make([]string, len(lines))
	for i, l := range lines {
		out[i] = l.text
	}
	return out
}

// parseMacroHeader parses a macro header into a macroDef. ACME accepts
// both a parenthesized parameter list ("name(p1, p2=default)") and a
// bare comma-separated one following the name ("name p1, p2=default").
func parseMacroHeader(header string, rl rawLine) (*macroDef, error) {
	var name, paramList string
	if open := strings.IndexByte(header, '('); open >= 0 {
		if !strings.HasSuffix(header, ")") {
			return nil, fmt.Errorf("malformed !macro header")
		}
		name = strings.TrimSpace(header[:open])
		paramList = strings.TrimSpace(header[open+1 : len(header)-1])
	} else {
		fields := strings.SplitN(header, " ", 2)
		name = strings.TrimSpace(fields[0])
		if len(fields) == 2 {
			paramList = strings.TrimSpace(fields[1])
		}
	}
	if name == "" {
		return nil, fmt.Errorf("malformed !macro header")
	}
	def := &macroDef{name: name}
	if paramList == "" {
		return def, nil
	}
	for _, p := range strings.Split(paramList, ",") {
		p = strings.TrimSpace(p)
		if eq := strings.IndexByte(p, '='); eq >= 0 {
			pname := strings.TrimSpace(p[:eq])
			defaultExpr := strings.TrimSpace(p[eq+1:])
			pp := &exprParser{}
			e, _, err := pp.parse(newFstring(rl.fileIndex, rl.row, defaultExpr), newFstring(0, 0, ""))
			if err != nil {
				return nil, err
			}
			def.params = append(def.params, pname)
			def.defaults = append(def.defaults, e)
		} else {
			def.params = append(def.params, p)
			def.defaults = append(def.defaults, nil)
		}
	}
	return def, nil
}

// dispatchMacroInvoke handles a "+name(arg, arg)" or "+name arg, arg"
// invocation line.
func (a *Assembler) dispatchMacroInvoke(line fstring, rl rawLine) error {
	if a.cond.isSkipping() {
		return nil
	}
	rest := line.consume(1) // past '+'
	ident, remain := rest.consumeWhile(identifierChar)
	name := ident.str
	def, ok := a.macros.lookup(name)
	if !ok {
		return fmt.Errorf("undefined macro %q", name)
	}

	remain = remain.consumeWhitespace()
	argText := strings.TrimSpace(remain.str)
	argText = strings.TrimPrefix(argText, "(")
	argText = strings.TrimSuffix(argText, ")")

	var args []Value
	if strings.TrimSpace(argText) != "" {
		for _, part := range strings.Split(argText, ",") {
			p := &exprParser{}
			e, _, err := p.parse(newFstring(rl.fileIndex, rl.row, strings.TrimSpace(part)), newFstring(0, 0, ""))
			if err != nil {
				return err
			}
			v, err := e.eval(a)
			if err != nil {
				return err
			}
			args = append(args, v)
		}
	}
	for i := len(args); i < len(def.params); i++ {
		if def.defaults[i] == nil {
			return errMacroArity
		}
		v, err := def.defaults[i].eval(a)
		if err != nil {
			return err
		}
		args = append(args, v)
	}

	_, err := a.macros.pushFrame(def, args)
	if err == errMacroDepthExceeded {
		a.report(diag.Limit, err.Error(), rl)
		return nil
	}
	if err != nil {
		return err
	}
	glog.V(2).Infof("expanding macro %s at depth %d, %d args", def.name, a.macros.callDepth, len(args))
	defer a.macros.popFrame()

	body := make([]rawLine, len(def.body))
	for i, text := range def.body {
		body[i] = rawLine{fileIndex: rl.fileIndex, row: def.sourceLine, text: text}
	}
	if err := a.runBlock(body); err != nil {
		return err
	}
	a.loops.breakRequested, a.loops.continueRequested = false, false
	return nil
}

//
// loops
//

func (a *Assembler) dispatchFor(lines []rawLine, i int, args fstring, rl rawLine) (int, error) {
	header, afterOpen, ok := splitAtOpenBrace(args.str)
	if !ok {
		a.report(diag.Error, "!for requires a brace-delimited block", rl)
		return 1, nil
	}
	header = strings.TrimSpace(header)
	body, closeIdx, _, err := captureBlock(lines, i, afterOpen)
	if err != nil {
		a.report(diag.Error, err.Error(), rl)
		return len(lines) - i, nil
	}
	if a.cond.isSkipping() {
		return closeIdx - i + 1, nil
	}

	varName, fromExpr, toExpr, stepExpr, ok := parseForHeader(header)
	if !ok {
		a.report(diag.Error, "malformed !for header", rl)
		return closeIdx - i + 1, nil
	}
	fromV, _, err := a.evalExprString(fromExpr, rl)
	if err != nil {
		a.report(diag.Error, err.Error(), rl)
	}
	toV, _, err := a.evalExprString(toExpr, rl)
	if err != nil {
		a.report(diag.Error, err.Error(), rl)
	}
	stepV, _, err := a.evalExprString(stepExpr, rl)
	if err != nil {
		a.report(diag.Error, err.Error(), rl)
	}
	step := stepV.AsInt()

	iterations := int64(0)
	for v := fromV.AsInt(); (step > 0 && v <= toV.AsInt()) || (step < 0 && v >= toV.AsInt()); v += step {
		if iterations >= a.loops.maxIterations {
			a.report(diag.Limit, "!for exceeded the maximum iteration count", rl)
			break
		}
		a.sym.define(varName, symGlobal, IntVal(v), a.pass, true)
		glog.V(3).Infof("!for %s=%d iteration %d", varName, v, iterations)
		if err := a.runBlock(body); err != nil {
			return 0, err
		}
		brk, _ := a.loops.consumeControl()
		iterations++
		if brk || a.fatal != nil {
			break
		}
	}
	return closeIdx - i + 1, nil
}

// parseForHeader parses a !for header of the form "var = start to end"
// or "var = start to end step s", returning the loop variable name and
// its three bound expressions as unparsed strings. step defaults to
// "1" when the step clause is omitted.
func parseForHeader(header string) (varName, from, to, step string, ok bool) {
	fields := strings.SplitN(header, "=", 2)
	if len(fields) != 2 {
		return "", "", "", "", false
	}
	varName = strings.TrimSpace(fields[0])

	before, after, ok := splitAtKeyword(fields[1], "to")
	if !ok {
		return "", "", "", "", false
	}
	from = strings.TrimSpace(before)

	step = "1"
	to = strings.TrimSpace(after)
	if beforeStep, afterStep, ok := splitAtKeyword(after, "step"); ok {
		to = strings.TrimSpace(beforeStep)
		step = strings.TrimSpace(afterStep)
	}
	if varName == "" || from == "" || to == "" || step == "" {
		return "", "", "", "", false
	}
	return varName, from, to, step, true
}

// splitAtKeyword scans s for kw appearing as a standalone identifier
// token (a maximal run of identifierChar bytes equal to kw, not a
// substring of a longer one), returning the text before and after it.
func splitAtKeyword(s, kw string) (before, after string, ok bool) {
	i := 0
	for i < len(s) {
		if !identifierChar(s[i]) {
			i++
			continue
		}
		start := i
		for i < len(s) && identifierChar(s[i]) {
			i++
		}
		if s[start:i] == kw {
			return s[:start], s[i:], true
		}
	}
	return "", "", false
}

func (a *Assembler) dispatchWhile(lines []rawLine, i int, args fstring, rl rawLine) (int, error) {
	condExpr, afterOpen, ok := splitAtOpenBrace(args.str)
	if !ok {
		a.report(diag.Error, "!while requires a brace-delimited block", rl)
		return 1, nil
	}
	condExpr = strings.TrimSpace(condExpr)
	body, closeIdx, _, err := captureBlock(lines, i, afterOpen)
	if err != nil {
		a.report(diag.Error, err.Error(), rl)
		return len(lines) - i, nil
	}
	if a.cond.isSkipping() {
		return closeIdx - i + 1, nil
	}

	iterations := int64(0)
	for {
		v, _, err := a.evalExprString(condExpr, rl)
		if err != nil {
			a.report(diag.Error, err.Error(), rl)
			break
		}
		if !v.Truthy() {
			break
		}
		if iterations >= a.loops.maxIterations {
			a.report(diag.Limit, "!while exceeded the maximum iteration count", rl)
			break
		}
		glog.V(3).Infof("!while iteration %d", iterations)
		if err := a.runBlock(body); err != nil {
			return 0, err
		}
		brk, _ := a.loops.consumeControl()
		iterations++
		if brk || a.fatal != nil {
			break
		}
	}
	return closeIdx - i + 1, nil
}

// dispatchDo handles "!do { ... } !while <expr>" and "!do { ... }
// !until <expr>" terminator forms.
func (a *Assembler) dispatchDo(lines []rawLine, i int, rl rawLine) (int, error) {
	_, afterOpen, ok := splitAtOpenBrace(lines[i].text)
	if !ok {
		a.report(diag.Error, "!do requires a brace-delimited block", rl)
		return 1, nil
	}
	body, closeIdx, trailing, err := captureBlock(lines, i, afterOpen)
	if err != nil {
		a.report(diag.Error, err.Error(), rl)
		return len(lines) - i, nil
	}

	termText := strings.TrimSpace(trailing.str)
	termRL := lines[closeIdx]
	extra := 0
	if termText == "" {
		if closeIdx+1 >= len(lines) {
			a.report(diag.Error, "!do without a matching !until/!while terminator", rl)
			return closeIdx - i + 1, nil
		}
		termRL = lines[closeIdx+1]
		termText = strings.TrimSpace(termRL.text)
		extra = 1
	}

	var isUntil bool
	var condExpr string
	switch {
	case strings.HasPrefix(termText, "!until"):
		isUntil = true
		condExpr = strings.TrimSpace(strings.TrimPrefix(termText, "!until"))
	case strings.HasPrefix(termText, "!while"):
		isUntil = false
		condExpr = strings.TrimSpace(strings.TrimPrefix(termText, "!while"))
	default:
		a.report(diag.Error, "!do without a matching !until/!while terminator", rl)
		return closeIdx - i + 1, nil
	}

	if a.cond.isSkipping() {
		return closeIdx - i + 1 + extra, nil
	}

	iterations := int64(0)
	for {
		glog.V(3).Infof("!do iteration %d", iterations)
		if err := a.runBlock(body); err != nil {
			return 0, err
		}
		brk, _ := a.loops.consumeControl()
		iterations++
		if brk || a.fatal != nil {
			break
		}
		v, _, err := a.evalExprString(condExpr, termRL)
		if err != nil {
			a.report(diag.Error, err.Error(), termRL)
			break
		}
		done := v.Truthy()
		if !isUntil {
			done = !done
		}
		if done {
			break
		}
		if iterations >= a.loops.maxIterations {
			a.report(diag.Limit, "!do loop exceeded the maximum iteration count", rl)
			break
		}
	}
	return closeIdx - i + 1 + extra, nil
}

//
// assignment and instruction dispatch
//

func (a *Assembler) dispatchAssignOrInstruction(line fstring, rl rawLine) error {
	if a.cond.isSkipping() {
		return nil
	}
	trimmed := strings.TrimSpace(line.str)
	if rest := strings.TrimSpace(strings.TrimPrefix(trimmed, "*")); rest != trimmed && strings.HasPrefix(rest, "=") {
		v, _, err := a.evalExprString(strings.TrimSpace(rest[1:]), rl)
		if err != nil {
			return err
		}
		a.pc.setPC(v.AsInt())
		return nil
	}

	if name, exprText, ok := splitAssignment(trimmed); ok {
		v, _, err := a.evalExprString(exprText, rl)
		if err != nil {
			return err
		}
		kind := symGlobal
		switch {
		case strings.HasPrefix(name, "@"):
			kind = symCheapLocal
		case strings.HasPrefix(name, "."):
			kind = symZoneLocal
		}
		if err := a.sym.define(name, kind, v, a.pass, false); err != nil {
			a.report(diag.Error, fmt.Sprintf("symbol %q redefined with a different value", name), rl)
			return nil
		}
		return nil
	}

	return a.dispatchInstruction(line, rl)
}

// splitAssignment recognizes "name = expr" (but not "==", "<=", etc.).
func splitAssignment(s string) (name, exprText string, ok bool) {
	eq := strings.IndexByte(s, '=')
	if eq <= 0 {
		return "", "", false
	}
	if eq+1 < len(s) && s[eq+1] == '=' {
		return "", "", false
	}
	if s[eq-1] == '<' || s[eq-1] == '>' || s[eq-1] == '!' {
		return "", "", false
	}
	lhs := strings.TrimSpace(s[:eq])
	if lhs == "" || !identifierStartChar(lhs[0]) {
		return "", "", false
	}
	for i := 0; i < len(lhs); i++ {
		if !identifierChar(lhs[i]) {
			return "", "", false
		}
	}
	return lhs, strings.TrimSpace(s[eq+1:]), true
}
