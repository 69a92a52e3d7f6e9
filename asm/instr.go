package asm

import (
	"fmt"
	"strings"

	"github.com/siska-tech/acme6502/cpu"
	"github.com/siska-tech/acme6502/diag"
)

// dispatchInstruction encodes one mnemonic statement against the
// smallest legal addressing-mode encoding available under the active
// cpu.InstructionSet.
func (a *Assembler) dispatchInstruction(line fstring, rl rawLine) error {
	ident, rest := line.consumeWhile(identifierChar)
	mnemonic := strings.ToUpper(ident.str)
	if mnemonic == "" {
		return fmt.Errorf("expected an instruction or directive")
	}
	if !a.cpuSet.IsMnemonic(mnemonic) {
		return fmt.Errorf("unknown mnemonic %q", mnemonic)
	}
	rest = rest.consumeWhitespace()
	operand := strings.TrimSpace(rest.str)

	switch {
	case operand == "":
		return a.encodeNoOperand(mnemonic, rl)
	case strings.EqualFold(operand, "A") && a.hasMode(mnemonic, cpu.ACC):
		return a.encodeNoOperand(mnemonic, rl)
	case operand[0] == '#':
		return a.encodeImmediate(mnemonic, operand[1:], rl)
	case operand[0] == '(':
		return a.encodeIndirect(mnemonic, operand, rl)
	case isBitBranch(mnemonic):
		return a.encodeZPR(mnemonic, operand, rl)
	default:
		return a.encodeDirect(mnemonic, operand, rl)
	}
}

func isBitBranch(mnemonic string) bool {
	return (strings.HasPrefix(mnemonic, "BBR") || strings.HasPrefix(mnemonic, "BBS")) && len(mnemonic) == 4
}

func (a *Assembler) hasMode(mnemonic string, mode cpu.Mode) bool {
	_, ok := a.cpuSet.Lookup(mnemonic, mode)
	return ok
}

func (a *Assembler) encodeNoOperand(mnemonic string, rl rawLine) error {
	if inst, ok := a.cpuSet.Lookup(mnemonic, cpu.IMP); ok {
		a.emitOpcode(inst)
		return nil
	}
	if inst, ok := a.cpuSet.Lookup(mnemonic, cpu.ACC); ok {
		a.emitOpcode(inst)
		return nil
	}
	return fmt.Errorf("%s requires an operand", mnemonic)
}

func (a *Assembler) encodeImmediate(mnemonic, exprText string, rl rawLine) error {
	inst, ok := a.cpuSet.Lookup(mnemonic, cpu.IMM)
	if !ok {
		return fmt.Errorf("%s does not support immediate addressing", mnemonic)
	}
	a.emitOpcode(inst)
	return a.emitByteOperand(exprText, rl)
}

// encodeIndirect handles every "(" -led syntax: (expr),Y / (expr,X) /
// (expr) -- the last disambiguated between zero-page-indirect (65C02
// LDA/STA/...) and absolute-indirect (JMP) by which modes the
// mnemonic's instruction set actually offers.
func (a *Assembler) encodeIndirect(mnemonic, operand string, rl rawLine) error {
	close := matchingParen(operand)
	if close < 0 {
		return fmt.Errorf("unbalanced parentheses in operand")
	}
	inner := operand[1:close]
	after := strings.TrimSpace(operand[close+1:])

	switch {
	case strings.HasSuffix(strings.ToUpper(strings.TrimSpace(inner)), ",X"):
		exprText := strings.TrimSpace(inner[:len(inner)-2])
		if after != "" {
			return fmt.Errorf("malformed indexed-indirect operand")
		}
		inst, ok := a.cpuSet.Lookup(mnemonic, cpu.IDX)
		if !ok {
			return fmt.Errorf("%s does not support (zp,X) addressing", mnemonic)
		}
		a.emitOpcode(inst)
		return a.emitByteOperand(exprText, rl)

	case strings.HasPrefix(strings.ToUpper(after), ",Y"):
		inst, ok := a.cpuSet.Lookup(mnemonic, cpu.IDY)
		if !ok {
			return fmt.Errorf("%s does not support (zp),Y addressing", mnemonic)
		}
		a.emitOpcode(inst)
		return a.emitByteOperand(strings.TrimSpace(inner), rl)

	case after == "":
		if inst, ok := a.cpuSet.Lookup(mnemonic, cpu.ZPI); ok {
			a.emitOpcode(inst)
			return a.emitByteOperand(strings.TrimSpace(inner), rl)
		}
		if inst, ok := a.cpuSet.Lookup(mnemonic, cpu.IND); ok {
			a.emitOpcode(inst)
			return a.emitWordOperand(strings.TrimSpace(inner), rl)
		}
		if strings.HasSuffix(strings.ToUpper(strings.TrimSpace(inner)), ",X") {
			exprText := strings.TrimSpace(inner[:len(inner)-2])
			if inst, ok := a.cpuSet.Lookup(mnemonic, cpu.ABI); ok {
				a.emitOpcode(inst)
				return a.emitWordOperand(exprText, rl)
			}
		}
		return fmt.Errorf("%s does not support indirect addressing", mnemonic)

	default:
		return fmt.Errorf("malformed indirect operand")
	}
}

func matchingParen(s string) int {
	depth := 0
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '(':
			depth++
		case ')':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

// encodeZPR handles the two-operand "zp,label" bit-branch form used by
// BBRn/BBSn on the W65C02S.
func (a *Assembler) encodeZPR(mnemonic, operand string, rl rawLine) error {
	inst, ok := a.cpuSet.Lookup(mnemonic, cpu.ZPR)
	if !ok {
		return fmt.Errorf("%s is not available under the active CPU selection", mnemonic)
	}
	idx := topLevelComma(operand)
	if idx < 0 {
		return fmt.Errorf("%s requires a zero-page address and a branch target", mnemonic)
	}
	zpExpr := strings.TrimSpace(operand[:idx])
	targetExpr := strings.TrimSpace(operand[idx+1:])

	a.emitOpcode(inst)
	if err := a.emitByteOperand(zpExpr, rl); err != nil {
		return err
	}
	return a.emitRelOperand(targetExpr, rl)
}

func topLevelComma(s string) int {
	depth := 0
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '(':
			depth++
		case ')':
			depth--
		case ',':
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

// encodeDirect handles every plain "expr", "expr,X", and "expr,Y" form,
// including the relative-branch mnemonics and the A:/ABS: force-wide
// prefixes.
func (a *Assembler) encodeDirect(mnemonic, operand string, rl rawLine) error {
	forceWide := false
	upper := strings.ToUpper(operand)
	switch {
	case strings.HasPrefix(upper, "ABS:"):
		forceWide = true
		operand = strings.TrimSpace(operand[len("ABS:"):])
	case strings.HasPrefix(upper, "A:"):
		forceWide = true
		operand = strings.TrimSpace(operand[len("A:"):])
	}

	base, idxReg := splitIndexSuffix(operand)

	if inst, ok := a.cpuSet.Lookup(mnemonic, cpu.REL); ok {
		a.emitOpcode(inst)
		return a.emitRelOperand(operand, rl)
	}

	switch idxReg {
	case 'X':
		return a.encodeWidthAmbiguous(mnemonic, base, cpu.ZPX, cpu.ABX, forceWide, rl)
	case 'Y':
		return a.encodeWidthAmbiguous(mnemonic, base, cpu.ZPY, cpu.ABY, forceWide, rl)
	default:
		return a.encodeWidthAmbiguous(mnemonic, base, cpu.ZPG, cpu.ABS, forceWide, rl)
	}
}

// splitIndexSuffix strips a trailing top-level ",X" or ",Y" from s.
func splitIndexSuffix(s string) (base string, idxReg byte) {
	idx := topLevelComma(s)
	if idx < 0 {
		return s, 0
	}
	suffix := strings.ToUpper(strings.TrimSpace(s[idx+1:]))
	if suffix == "X" {
		return strings.TrimSpace(s[:idx]), 'X'
	}
	if suffix == "Y" {
		return strings.TrimSpace(s[:idx]), 'Y'
	}
	return s, 0
}

// encodeWidthAmbiguous implements the addressing-width stability
// invariant: zp-vs-abs forms are the only genuinely syntax-ambiguous
// addressing classes, so pass 1's width
// decision is memoized per occurrence and replayed verbatim in pass 2,
// even if the now-resolved operand value would fit the narrower form.
func (a *Assembler) encodeWidthAmbiguous(mnemonic, exprText string, narrow, wide cpu.Mode, forceWide bool, rl rawLine) error {
	narrowInst, hasNarrow := a.cpuSet.Lookup(mnemonic, narrow)
	wideInst, hasWide := a.cpuSet.Lookup(mnemonic, wide)

	switch {
	case hasNarrow && hasWide && !forceWide:
		useWide := a.decideWidth(exprText, rl)
		if useWide {
			a.emitOpcode(wideInst)
			return a.emitWordOperand(exprText, rl)
		}
		a.emitOpcode(narrowInst)
		return a.emitByteOperand(exprText, rl)
	case hasWide:
		a.emitOpcode(wideInst)
		return a.emitWordOperand(exprText, rl)
	case hasNarrow:
		a.emitOpcode(narrowInst)
		return a.emitByteOperand(exprText, rl)
	default:
		return fmt.Errorf("%s does not support this addressing mode", mnemonic)
	}
}

// decideWidth consults (pass 2) or populates (pass 1) the per-occurrence
// addressing-width memo.
func (a *Assembler) decideWidth(exprText string, rl rawLine) (useWide bool) {
	if a.pass == 2 {
		if a.instIndex < len(a.instModes) {
			useWide = a.instModes[a.instIndex] == cpu.ABS || a.instModes[a.instIndex] == cpu.ABX || a.instModes[a.instIndex] == cpu.ABY
		}
		a.instIndex++
		return useWide
	}

	v, resolved, err := a.evalExprString(exprText, rl)
	if err != nil {
		useWide = true // on error, guess wide; pass 2 will report it properly
	} else if !resolved {
		useWide = true // an unresolved forward reference must assume the worst case
	} else {
		useWide = v.AsInt() < 0 || v.AsInt() > 0xFF
	}
	mode := cpu.ZPG
	if useWide {
		mode = cpu.ABS
	}
	a.instModes = append(a.instModes, mode)
	a.instIndex++
	return useWide
}

func (a *Assembler) emitOpcode(inst *cpu.Instruction) {
	a.pc.emitByte(inst.Opcode)
}

// emitByteOperand evaluates exprText and emits its low byte. Evaluation
// failures or out-of-range values are reported but a placeholder byte
// is still emitted, so pass 1's byte count always matches pass 2's.
func (a *Assembler) emitByteOperand(exprText string, rl rawLine) error {
	v, resolved, err := a.evalExprString(exprText, rl)
	if err != nil {
		a.report(diag.Error, err.Error(), rl)
		a.pc.emitByte(0)
		return nil
	}
	if !resolved {
		if a.pass == 2 {
			a.report(diag.Error, "undefined symbol in operand", rl)
		}
		a.pc.emitByte(0)
		return nil
	}
	n := v.AsInt()
	if a.pass == 2 && (n < -128 || n > 0xFF) {
		a.report(diag.Error, "operand value out of range for a zero-page address", rl)
	}
	a.pc.emitByte(byte(n))
	return nil
}

func (a *Assembler) emitWordOperand(exprText string, rl rawLine) error {
	v, resolved, err := a.evalExprString(exprText, rl)
	if err != nil {
		a.report(diag.Error, err.Error(), rl)
		a.pc.emitByte(0)
		a.pc.emitByte(0)
		return nil
	}
	if !resolved {
		if a.pass == 2 {
			a.report(diag.Error, "undefined symbol in operand", rl)
		}
		a.pc.emitByte(0)
		a.pc.emitByte(0)
		return nil
	}
	n := v.AsInt()
	a.pc.emitByte(byte(n))
	a.pc.emitByte(byte(n >> 8))
	return nil
}

// emitRelOperand evaluates a branch target and emits the signed 8-bit
// offset from the address immediately following the instruction.
func (a *Assembler) emitRelOperand(exprText string, rl rawLine) error {
	v, resolved, err := a.evalExprString(exprText, rl)
	if err != nil {
		a.report(diag.Error, err.Error(), rl)
		a.pc.emitByte(0)
		return nil
	}
	if !resolved {
		if a.pass == 2 {
			a.report(diag.Error, "undefined symbol in operand", rl)
		}
		a.pc.emitByte(0)
		return nil
	}
	offset := v.AsInt() - (a.pc.effectivePC() + 1)
	if a.pass == 2 && (offset < -128 || offset > 127) {
		a.report(diag.Error, "branch target out of range", rl)
	}
	a.pc.emitByte(byte(offset))
	return nil
}
