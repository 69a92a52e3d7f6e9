// Copyright 2014-2018 Brett Vickers. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package asm

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/siska-tech/acme6502/diag"
)

// assemble runs one source string through a full two-pass assembly and
// returns its Result, failing the test on a Go error or any error
// diagnostic.
func assemble(t *testing.T, code string, opts Options) *Result {
	t.Helper()
	r, err := Assemble(bytes.NewReader([]byte(code)), "test", opts)
	if err != nil {
		t.Fatalf("assemble error: %v", err)
	}
	if r.Diags.HasErrors() {
		var msgs []string
		for _, d := range r.Diags.All() {
			msgs = append(msgs, d.Format())
		}
		t.Fatalf("unexpected diagnostics:\n%s", strings.Join(msgs, "\n"))
	}
	return r
}

const hexDigits = "0123456789ABCDEF"

func hexImage(r *Result) string {
	lo, hi, any := r.Bounds()
	if !any {
		return ""
	}
	b := make([]byte, 0, (hi-lo+1)*2)
	for addr := lo; addr <= hi; addr++ {
		v := r.ByteAt(addr)
		b = append(b, hexDigits[v>>4], hexDigits[v&0x0f])
	}
	return string(b)
}

func checkASM(t *testing.T, code string, expected string) *Result {
	t.Helper()
	r := assemble(t, code, Options{})
	if got := hexImage(r); got != expected {
		t.Errorf("code doesn't match expected\ngot: %s\nexp: %s", got, expected)
	}
	return r
}

// S1 — minimal instruction.
func TestMinimalInstruction(t *testing.T) {
	checkASM(t, `
* = $c000
start: lda #$42
       rts`, "A94260")
}

// S2 — forward absolute reference.
func TestForwardAbsolute(t *testing.T) {
	checkASM(t, `
* = $1000
  jmp target
target: rts`, "4C031060")
}

// S3 — relative branch back.
func TestRelativeBranchBack(t *testing.T) {
	checkASM(t, `
* = $0800
loop: dex
      bne loop`, "CAD0FD")
}

// S4 — expression evaluation and data emission.
func TestExpressionAndData(t *testing.T) {
	checkASM(t, `
* = $0000
!byte 1+2*3, $ff & %1010, <($1234), >($1234)`, "070A3412")
}

// S5 — macro expansion with colon-separated statements in the body.
func TestMacroExpansion(t *testing.T) {
	checkASM(t, `
!macro poke addr, val { lda #val : sta addr }
* = $c000
  +poke $d020, 0`, "A9008D20D0")
}

// S6 — conditional skipping.
func TestConditionalSkipping(t *testing.T) {
	checkASM(t, `
DEBUG = 0
* = $c000
!if DEBUG { lda #$ff } else { lda #$00 }`, "A900")
}

func TestConditionalTakesTrueBranch(t *testing.T) {
	checkASM(t, `
DEBUG = 1
* = $c000
!if DEBUG { lda #$ff } else { lda #$00 }`, "A9FF")
}

func TestElseIfChain(t *testing.T) {
	checkASM(t, `
MODE = 2
* = $c000
!if MODE == 0 {
	lda #$00
} else !if MODE == 1 {
	lda #$01
} else !if MODE == 2 {
	lda #$02
} else {
	lda #$ff
}`, "A902")
}

func TestAddressingZeroPageVsAbsolute(t *testing.T) {
	checkASM(t, `
* = $0000
	lda $20
	lda $2000`, "A520AD0020")
}

// A label referenced before its definition must widen to absolute even
// though its eventual value would fit in a zero page byte, since pass 1
// cannot yet know the address is small.
func TestForwardReferenceWidensToAbsolute(t *testing.T) {
	checkASM(t, `
* = $0000
	lda target
target: nop`, "AD0300EA")
}

func TestIndexedAddressing(t *testing.T) {
	checkASM(t, `
* = $0000
	lda $20,x
	lda $2000,x
	lda $2000,y`, "B520BD0020B90020")
}

func TestIndirectAddressing(t *testing.T) {
	checkASM(t, `
* = $0000
	jmp ($2000)
	lda ($20,x)
	lda ($20),y`, "6C0020A120B120")
}

func TestForLoop(t *testing.T) {
	checkASM(t, `
* = $c000
!for i = 1 to 3 {
	!byte i
}`, "010203")
}

func TestForLoopWithStep(t *testing.T) {
	checkASM(t, `
* = $c000
!for i = 10 to 2 step -4 {
	!byte i
}`, "0A0602")
}

func TestWhileLoop(t *testing.T) {
	checkASM(t, `
* = $c000
!set i = 0
!while i < 3 {
	!byte i
	!set i = i + 1
}`, "000102")
}

func TestDoUntilLoop(t *testing.T) {
	checkASM(t, `
* = $c000
!set i = 0
!do {
	!byte i
	!set i = i + 1
} !until i == 3`, "000102")
}

func TestZoneScopedLocalLabels(t *testing.T) {
	checkASM(t, `
* = $c000
!zone one
.loop: dex
       bne .loop
!zone two
.loop: dey
       bne .loop`, "CAD0FD88D0FD")
}

func TestAnonymousLabels(t *testing.T) {
	checkASM(t, `
* = $c000
-	dex
	bne -
	jmp +
+	nop`, "CAD0FD4C06C0EA")
}

func TestPseudopcBlock(t *testing.T) {
	r := assemble(t, `
* = $c000
!pseudopc $d000 {
here: nop
}
	lda #<here`, Options{})
	if got := hexImage(r); got != "EAA900" {
		t.Errorf("got %s", got)
	}
}

func Test65c02OnlyInstructionsFailOnBase6502(t *testing.T) {
	_, err := Assemble(bytes.NewReader([]byte(`
* = $1000
	phx`)), "test", Options{CPU: "6502"})
	if err == nil {
		t.Fatalf("expected an error assembling a 65c02 instruction on base 6502")
	}
}

func Test65c02OnlyInstructionsAssembleOn65c02(t *testing.T) {
	checkASM(t, `
!cpu 65c02
* = $1000
	phx
	phy
	plx
	ply
	stz $01`, "DA5AFA7A6401")
}

func TestUndefinedSymbolReportsError(t *testing.T) {
	r, err := Assemble(bytes.NewReader([]byte(`
* = $c000
	lda undefined_symbol`)), "test", Options{})
	if err == nil && !r.Diags.HasErrors() {
		t.Fatalf("expected a diagnostic for an undefined symbol")
	}
}

func TestDataDirectiveOutOfRangeWarns(t *testing.T) {
	r, err := Assemble(bytes.NewReader([]byte(`
* = $c000
!byte 300`)), "test", Options{})
	if err != nil {
		t.Fatalf("assemble error: %v", err)
	}
	if r.Diags.HasErrors() {
		t.Fatalf("a range warning must not count as an assembly error")
	}
	var found bool
	for _, d := range r.Diags.All() {
		if d.Severity == diag.Warn && strings.Contains(d.Message, "out of range") {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected an out-of-range warning for !byte 300")
	}
	if got := hexImage(r); got != "2C" {
		t.Errorf("expected the low byte of 300 ($12C) truncated to $2C, got %s", got)
	}
}

func TestSymbolRedefinitionReportsError(t *testing.T) {
	r, err := Assemble(bytes.NewReader([]byte(`
* = $c000
foo = 1
foo = 2`)), "test", Options{})
	if err != nil {
		t.Fatalf("assemble error: %v", err)
	}
	if !r.Diags.HasErrors() {
		t.Fatalf("expected an error diagnostic on symbol redefinition")
	}
}

func TestMissingSourceFileReportsDiagnostic(t *testing.T) {
	dir := t.TempDir()
	main := filepath.Join(dir, "main.asm")
	if err := os.WriteFile(main, []byte("* = $c000\n!source \"nope.asm\"\n"), 0644); err != nil {
		t.Fatalf("writing fixture: %v", err)
	}

	r, err := AssembleFile(main, Options{})
	if err != nil {
		t.Fatalf("AssembleFile must report a missing include as a diagnostic, not a Go error: %v", err)
	}
	if !r.Diags.HasErrors() {
		t.Fatalf("expected a File error diagnostic for a missing !source target")
	}
}

func TestRecursiveIncludeReportsDiagnostic(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.asm")
	b := filepath.Join(dir, "b.asm")
	if err := os.WriteFile(a, []byte("* = $c000\n!source \"b.asm\"\n"), 0644); err != nil {
		t.Fatalf("writing fixture: %v", err)
	}
	if err := os.WriteFile(b, []byte("!source \"a.asm\"\n"), 0644); err != nil {
		t.Fatalf("writing fixture: %v", err)
	}

	r, err := AssembleFile(a, Options{IncludeDirs: []string{dir}})
	if err != nil {
		t.Fatalf("AssembleFile must report a recursive include as a diagnostic, not a Go error: %v", err)
	}
	if !r.Diags.HasErrors() {
		t.Fatalf("expected a File error diagnostic for a recursive !source cycle")
	}
	var found bool
	for _, d := range r.Diags.All() {
		if strings.Contains(d.Message, "recursive include") {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a diagnostic mentioning the recursive include, got: %v", r.Diags.All())
	}
}

func TestIncludeDepthExceededIsFatalButExitsAsDiagnostic(t *testing.T) {
	dir := t.TempDir()
	const depth = 5
	for i := 0; i < depth; i++ {
		name := filepath.Join(dir, fmt.Sprintf("f%d.asm", i))
		var body string
		if i == 0 {
			body = "* = $c000\n"
		}
		body += fmt.Sprintf("!source \"f%d.asm\"\n", i+1)
		if err := os.WriteFile(name, []byte(body), 0644); err != nil {
			t.Fatalf("writing fixture: %v", err)
		}
	}
	last := filepath.Join(dir, fmt.Sprintf("f%d.asm", depth))
	if err := os.WriteFile(last, []byte("nop\n"), 0644); err != nil {
		t.Fatalf("writing fixture: %v", err)
	}

	r, err := AssembleFile(filepath.Join(dir, "f0.asm"), Options{IncludeDirs: []string{dir}, MaxIncludeDepth: 2})
	if err != nil {
		t.Fatalf("AssembleFile must report a depth overrun as a diagnostic, not a Go error: %v", err)
	}
	if !r.Diags.HasErrors() {
		t.Fatalf("expected a Limit exceeded diagnostic for an include chain deeper than MaxIncludeDepth")
	}
	var found bool
	for _, d := range r.Diags.All() {
		if d.Severity == diag.Limit && strings.Contains(d.Message, "include depth exceeded") {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a Limit-exceeded diagnostic, got: %v", r.Diags.All())
	}
}
