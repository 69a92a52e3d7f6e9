// Copyright 2014-2018 Brett Vickers. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package cpu supplies the encoder-side opcode tables for every CPU
// variant a source file can select with !cpu: 6502, 65c02, nmos6502
// (legal opcodes plus the documented illegal opcodes), and w65c02s
// (65c02 plus WAI/STP/RMBn/SMBn/BBRn/BBSn).
//
// The table has no emulator function pointers: an assembler only
// needs to encode instructions, never run them.
package cpu

import (
	"fmt"
	"strings"
)

// Mode describes a memory addressing mode, including the 65C02 (zp)
// mode and the W65C02S bit-oriented modes.
type Mode byte

const (
	IMM  Mode = iota // Immediate
	IMP              // Implied (no operand)
	REL              // Relative
	ZPG              // Zero Page
	ZPX              // Zero Page,X
	ZPY              // Zero Page,Y
	ABS              // Absolute
	ABX              // Absolute,X
	ABY              // Absolute,Y
	IND              // (Indirect)
	IDX              // (Indirect,X)
	IDY              // (Indirect),Y
	ACC              // Accumulator (no operand)
	ZPI              // (Zero Page) -- 65C02+
	ABI              // (Absolute,X) -- JMP on 65C02+
	ZPR              // Zero Page, Relative -- BBRn/BBSn on W65C02S
)

// Variant is a bitmask of opcode families. A CPU selection activates
// one or more families; the base family is common to all four named
// variants.
type Variant uint8

const (
	VBase         Variant = 1 << iota // legal opcodes common to every variant
	V65C02                            // Rockwell/WDC 65C02 additions
	VNMOSIllegal                      // documented undocumented-NMOS opcodes
	VW65C02S                          // WDC W65C02S-only additions
)

// variantsFor maps the four !cpu selector strings onto the opcode
// families available under that selection.
func variantsFor(cpu string) (Variant, error) {
	switch strings.ToLower(cpu) {
	case "6502":
		return VBase, nil
	case "65c02":
		return VBase | V65C02, nil
	case "nmos6502":
		return VBase | VNMOSIllegal, nil
	case "w65c02s":
		return VBase | V65C02 | VW65C02S, nil
	default:
		return 0, fmt.Errorf("unknown CPU variant %q", cpu)
	}
}

// opcodeData describes one (mnemonic, mode) -> byte encoding. There
// are no cycle-count or emulator-function fields since an assembler
// never executes instructions.
type opcodeData struct {
	name     string
	mode     Mode
	opcode   byte
	length   byte
	variants Variant
}

// data enumerates the base legal 6502 opcodes, available under every
// CPU selection.
var data = []opcodeData{
	{"LDA", IMM, 0xa9, 2, VBase}, {"LDA", ZPG, 0xa5, 2, VBase}, {"LDA", ZPX, 0xb5, 2, VBase},
	{"LDA", ABS, 0xad, 3, VBase}, {"LDA", ABX, 0xbd, 3, VBase}, {"LDA", ABY, 0xb9, 3, VBase},
	{"LDA", IDX, 0xa1, 2, VBase}, {"LDA", IDY, 0xb1, 2, VBase},

	{"LDX", IMM, 0xa2, 2, VBase}, {"LDX", ZPG, 0xa6, 2, VBase}, {"LDX", ZPY, 0xb6, 2, VBase},
	{"LDX", ABS, 0xae, 3, VBase}, {"LDX", ABY, 0xbe, 3, VBase},

	{"LDY", IMM, 0xa0, 2, VBase}, {"LDY", ZPG, 0xa4, 2, VBase}, {"LDY", ZPX, 0xb4, 2, VBase},
	{"LDY", ABS, 0xac, 3, VBase}, {"LDY", ABX, 0xbc, 3, VBase},

	{"STA", ZPG, 0x85, 2, VBase}, {"STA", ZPX, 0x95, 2, VBase}, {"STA", ABS, 0x8d, 3, VBase},
	{"STA", ABX, 0x9d, 3, VBase}, {"STA", ABY, 0x99, 3, VBase}, {"STA", IDX, 0x81, 2, VBase},
	{"STA", IDY, 0x91, 2, VBase},

	{"STX", ZPG, 0x86, 2, VBase}, {"STX", ZPY, 0x96, 2, VBase}, {"STX", ABS, 0x8e, 3, VBase},
	{"STY", ZPG, 0x84, 2, VBase}, {"STY", ZPX, 0x94, 2, VBase}, {"STY", ABS, 0x8c, 3, VBase},

	{"ADC", IMM, 0x69, 2, VBase}, {"ADC", ZPG, 0x65, 2, VBase}, {"ADC", ZPX, 0x75, 2, VBase},
	{"ADC", ABS, 0x6d, 3, VBase}, {"ADC", ABX, 0x7d, 3, VBase}, {"ADC", ABY, 0x79, 3, VBase},
	{"ADC", IDX, 0x61, 2, VBase}, {"ADC", IDY, 0x71, 2, VBase},

	{"SBC", IMM, 0xe9, 2, VBase}, {"SBC", ZPG, 0xe5, 2, VBase}, {"SBC", ZPX, 0xf5, 2, VBase},
	{"SBC", ABS, 0xed, 3, VBase}, {"SBC", ABX, 0xfd, 3, VBase}, {"SBC", ABY, 0xf9, 3, VBase},
	{"SBC", IDX, 0xe1, 2, VBase}, {"SBC", IDY, 0xf1, 2, VBase},

	{"CMP", IMM, 0xc9, 2, VBase}, {"CMP", ZPG, 0xc5, 2, VBase}, {"CMP", ZPX, 0xd5, 2, VBase},
	{"CMP", ABS, 0xcd, 3, VBase}, {"CMP", ABX, 0xdd, 3, VBase}, {"CMP", ABY, 0xd9, 3, VBase},
	{"CMP", IDX, 0xc1, 2, VBase}, {"CMP", IDY, 0xd1, 2, VBase},

	{"CPX", IMM, 0xe0, 2, VBase}, {"CPX", ZPG, 0xe4, 2, VBase}, {"CPX", ABS, 0xec, 3, VBase},
	{"CPY", IMM, 0xc0, 2, VBase}, {"CPY", ZPG, 0xc4, 2, VBase}, {"CPY", ABS, 0xcc, 3, VBase},

	{"BIT", ZPG, 0x24, 2, VBase}, {"BIT", ABS, 0x2c, 3, VBase},

	{"CLC", IMP, 0x18, 1, VBase}, {"SEC", IMP, 0x38, 1, VBase}, {"CLI", IMP, 0x58, 1, VBase},
	{"SEI", IMP, 0x78, 1, VBase}, {"CLD", IMP, 0xd8, 1, VBase}, {"SED", IMP, 0xf8, 1, VBase},
	{"CLV", IMP, 0xb8, 1, VBase},

	{"BCC", REL, 0x90, 2, VBase}, {"BCS", REL, 0xb0, 2, VBase}, {"BEQ", REL, 0xf0, 2, VBase},
	{"BNE", REL, 0xd0, 2, VBase}, {"BMI", REL, 0x30, 2, VBase}, {"BPL", REL, 0x10, 2, VBase},
	{"BVC", REL, 0x50, 2, VBase}, {"BVS", REL, 0x70, 2, VBase},

	{"BRK", IMP, 0x00, 1, VBase},

	{"AND", IMM, 0x29, 2, VBase}, {"AND", ZPG, 0x25, 2, VBase}, {"AND", ZPX, 0x35, 2, VBase},
	{"AND", ABS, 0x2d, 3, VBase}, {"AND", ABX, 0x3d, 3, VBase}, {"AND", ABY, 0x39, 3, VBase},
	{"AND", IDX, 0x21, 2, VBase}, {"AND", IDY, 0x31, 2, VBase},

	{"ORA", IMM, 0x09, 2, VBase}, {"ORA", ZPG, 0x05, 2, VBase}, {"ORA", ZPX, 0x15, 2, VBase},
	{"ORA", ABS, 0x0d, 3, VBase}, {"ORA", ABX, 0x1d, 3, VBase}, {"ORA", ABY, 0x19, 3, VBase},
	{"ORA", IDX, 0x01, 2, VBase}, {"ORA", IDY, 0x11, 2, VBase},

	{"EOR", IMM, 0x49, 2, VBase}, {"EOR", ZPG, 0x45, 2, VBase}, {"EOR", ZPX, 0x55, 2, VBase},
	{"EOR", ABS, 0x4d, 3, VBase}, {"EOR", ABX, 0x5d, 3, VBase}, {"EOR", ABY, 0x59, 3, VBase},
	{"EOR", IDX, 0x41, 2, VBase}, {"EOR", IDY, 0x51, 2, VBase},

	{"INC", ZPG, 0xe6, 2, VBase}, {"INC", ZPX, 0xf6, 2, VBase}, {"INC", ABS, 0xee, 3, VBase},
	{"INC", ABX, 0xfe, 3, VBase},
	{"DEC", ZPG, 0xc6, 2, VBase}, {"DEC", ZPX, 0xd6, 2, VBase}, {"DEC", ABS, 0xce, 3, VBase},
	{"DEC", ABX, 0xde, 3, VBase},

	{"INX", IMP, 0xe8, 1, VBase}, {"INY", IMP, 0xc8, 1, VBase},
	{"DEX", IMP, 0xca, 1, VBase}, {"DEY", IMP, 0x88, 1, VBase},

	{"JMP", ABS, 0x4c, 3, VBase}, {"JMP", IND, 0x6c, 3, VBase},
	{"JSR", ABS, 0x20, 3, VBase}, {"RTS", IMP, 0x60, 1, VBase}, {"RTI", IMP, 0x40, 1, VBase},

	{"NOP", IMP, 0xea, 1, VBase},

	{"TAX", IMP, 0xaa, 1, VBase}, {"TXA", IMP, 0x8a, 1, VBase}, {"TAY", IMP, 0xa8, 1, VBase},
	{"TYA", IMP, 0x98, 1, VBase}, {"TXS", IMP, 0x9a, 1, VBase}, {"TSX", IMP, 0xba, 1, VBase},

	{"PHA", IMP, 0x48, 1, VBase}, {"PLA", IMP, 0x68, 1, VBase},
	{"PHP", IMP, 0x08, 1, VBase}, {"PLP", IMP, 0x28, 1, VBase},

	{"ASL", ACC, 0x0a, 1, VBase}, {"ASL", ZPG, 0x06, 2, VBase}, {"ASL", ZPX, 0x16, 2, VBase},
	{"ASL", ABS, 0x0e, 3, VBase}, {"ASL", ABX, 0x1e, 3, VBase},

	{"LSR", ACC, 0x4a, 1, VBase}, {"LSR", ZPG, 0x46, 2, VBase}, {"LSR", ZPX, 0x56, 2, VBase},
	{"LSR", ABS, 0x4e, 3, VBase}, {"LSR", ABX, 0x5e, 3, VBase},

	{"ROL", ACC, 0x2a, 1, VBase}, {"ROL", ZPG, 0x26, 2, VBase}, {"ROL", ZPX, 0x36, 2, VBase},
	{"ROL", ABS, 0x2e, 3, VBase}, {"ROL", ABX, 0x3e, 3, VBase},

	{"ROR", ACC, 0x6a, 1, VBase}, {"ROR", ZPG, 0x66, 2, VBase}, {"ROR", ZPX, 0x76, 2, VBase},
	{"ROR", ABS, 0x6e, 3, VBase}, {"ROR", ABX, 0x7e, 3, VBase},

	// 65C02 additions, also legal on W65C02S (a strict superset).
	{"LDA", ZPI, 0xb2, 2, V65C02}, {"STA", ZPI, 0x92, 2, V65C02},
	{"ADC", ZPI, 0x72, 2, V65C02}, {"SBC", ZPI, 0xf2, 2, V65C02},
	{"AND", ZPI, 0x32, 2, V65C02}, {"ORA", ZPI, 0x12, 2, V65C02},
	{"EOR", ZPI, 0x52, 2, V65C02}, {"CMP", ZPI, 0xd2, 2, V65C02},

	{"BIT", IMM, 0x89, 2, V65C02}, {"BIT", ZPX, 0x34, 2, V65C02}, {"BIT", ABX, 0x3c, 3, V65C02},
	{"BRA", REL, 0x80, 2, V65C02},
	{"INC", ACC, 0x1a, 1, V65C02}, {"DEC", ACC, 0x3a, 1, V65C02},
	{"JMP", ABI, 0x7c, 3, V65C02},
	{"STZ", ZPG, 0x64, 2, V65C02}, {"STZ", ZPX, 0x74, 2, V65C02},
	{"STZ", ABS, 0x9c, 3, V65C02}, {"STZ", ABX, 0x9e, 3, V65C02},
	{"TRB", ZPG, 0x14, 2, V65C02}, {"TRB", ABS, 0x1c, 3, V65C02},
	{"TSB", ZPG, 0x04, 2, V65C02}, {"TSB", ABS, 0x0c, 3, V65C02},
	{"PHX", IMP, 0xda, 1, V65C02}, {"PLX", IMP, 0xfa, 1, V65C02},
	{"PHY", IMP, 0x5a, 1, V65C02}, {"PLY", IMP, 0x7a, 1, V65C02},

	// Documented undocumented-NMOS opcodes, gated to !cpu nmos6502 only.
	{"SLO", ZPG, 0x07, 2, VNMOSIllegal}, {"SLO", ZPX, 0x17, 2, VNMOSIllegal},
	{"SLO", IDX, 0x03, 2, VNMOSIllegal}, {"SLO", IDY, 0x13, 2, VNMOSIllegal},
	{"SLO", ABS, 0x0f, 3, VNMOSIllegal}, {"SLO", ABX, 0x1f, 3, VNMOSIllegal}, {"SLO", ABY, 0x1b, 3, VNMOSIllegal},

	{"RLA", ZPG, 0x27, 2, VNMOSIllegal}, {"RLA", ZPX, 0x37, 2, VNMOSIllegal},
	{"RLA", IDX, 0x23, 2, VNMOSIllegal}, {"RLA", IDY, 0x33, 2, VNMOSIllegal},
	{"RLA", ABS, 0x2f, 3, VNMOSIllegal}, {"RLA", ABX, 0x3f, 3, VNMOSIllegal}, {"RLA", ABY, 0x3b, 3, VNMOSIllegal},

	{"SRE", ZPG, 0x47, 2, VNMOSIllegal}, {"SRE", ZPX, 0x57, 2, VNMOSIllegal},
	{"SRE", IDX, 0x43, 2, VNMOSIllegal}, {"SRE", IDY, 0x53, 2, VNMOSIllegal},
	{"SRE", ABS, 0x4f, 3, VNMOSIllegal}, {"SRE", ABX, 0x5f, 3, VNMOSIllegal}, {"SRE", ABY, 0x5b, 3, VNMOSIllegal},

	{"RRA", ZPG, 0x67, 2, VNMOSIllegal}, {"RRA", ZPX, 0x77, 2, VNMOSIllegal},
	{"RRA", IDX, 0x63, 2, VNMOSIllegal}, {"RRA", IDY, 0x73, 2, VNMOSIllegal},
	{"RRA", ABS, 0x6f, 3, VNMOSIllegal}, {"RRA", ABX, 0x7f, 3, VNMOSIllegal}, {"RRA", ABY, 0x7b, 3, VNMOSIllegal},

	{"SAX", ZPG, 0x87, 2, VNMOSIllegal}, {"SAX", ZPY, 0x97, 2, VNMOSIllegal},
	{"SAX", IDX, 0x83, 2, VNMOSIllegal}, {"SAX", ABS, 0x8f, 3, VNMOSIllegal},

	{"LAX", ZPG, 0xa7, 2, VNMOSIllegal}, {"LAX", ZPY, 0xb7, 2, VNMOSIllegal},
	{"LAX", IDX, 0xa3, 2, VNMOSIllegal}, {"LAX", IDY, 0xb3, 2, VNMOSIllegal},
	{"LAX", ABS, 0xaf, 3, VNMOSIllegal}, {"LAX", ABY, 0xbf, 3, VNMOSIllegal},

	{"DCP", ZPG, 0xc7, 2, VNMOSIllegal}, {"DCP", ZPX, 0xd7, 2, VNMOSIllegal},
	{"DCP", IDX, 0xc3, 2, VNMOSIllegal}, {"DCP", IDY, 0xd3, 2, VNMOSIllegal},
	{"DCP", ABS, 0xcf, 3, VNMOSIllegal}, {"DCP", ABX, 0xdf, 3, VNMOSIllegal}, {"DCP", ABY, 0xdb, 3, VNMOSIllegal},

	{"ISC", ZPG, 0xe7, 2, VNMOSIllegal}, {"ISC", ZPX, 0xf7, 2, VNMOSIllegal},
	{"ISC", IDX, 0xe3, 2, VNMOSIllegal}, {"ISC", IDY, 0xf3, 2, VNMOSIllegal},
	{"ISC", ABS, 0xef, 3, VNMOSIllegal}, {"ISC", ABX, 0xff, 3, VNMOSIllegal}, {"ISC", ABY, 0xfb, 3, VNMOSIllegal},

	{"ANC", IMM, 0x0b, 2, VNMOSIllegal}, {"ALR", IMM, 0x4b, 2, VNMOSIllegal},
	{"ARR", IMM, 0x6b, 2, VNMOSIllegal}, {"ANE", IMM, 0x8b, 2, VNMOSIllegal},
	{"SBX", IMM, 0xcb, 2, VNMOSIllegal}, {"LAS", ABY, 0xbb, 3, VNMOSIllegal},
	{"SHA", IDY, 0x93, 2, VNMOSIllegal}, {"SHA", ABY, 0x9f, 3, VNMOSIllegal},
	{"SHX", ABY, 0x9e, 3, VNMOSIllegal}, {"SHY", ABX, 0x9c, 3, VNMOSIllegal},
	{"TAS", ABY, 0x9b, 3, VNMOSIllegal},

	{"JAM", IMP, 0x02, 1, VNMOSIllegal}, {"JAM", IMP, 0x12, 1, VNMOSIllegal},
	{"JAM", IMP, 0x22, 1, VNMOSIllegal}, {"JAM", IMP, 0x32, 1, VNMOSIllegal},
	{"JAM", IMP, 0x42, 1, VNMOSIllegal}, {"JAM", IMP, 0x52, 1, VNMOSIllegal},
	{"JAM", IMP, 0x62, 1, VNMOSIllegal}, {"JAM", IMP, 0x72, 1, VNMOSIllegal},
	{"JAM", IMP, 0x92, 1, VNMOSIllegal}, {"JAM", IMP, 0xb2, 1, VNMOSIllegal},
	{"JAM", IMP, 0xd2, 1, VNMOSIllegal}, {"JAM", IMP, 0xf2, 1, VNMOSIllegal},

	{"NOP", IMP, 0x1a, 1, VNMOSIllegal}, {"NOP", IMP, 0x3a, 1, VNMOSIllegal},
	{"NOP", IMP, 0x5a, 1, VNMOSIllegal}, {"NOP", IMP, 0x7a, 1, VNMOSIllegal},
	{"NOP", IMP, 0xda, 1, VNMOSIllegal}, {"NOP", IMP, 0xfa, 1, VNMOSIllegal},
	{"NOP", IMM, 0x80, 2, VNMOSIllegal}, {"NOP", IMM, 0x82, 2, VNMOSIllegal},
	{"NOP", IMM, 0x89, 2, VNMOSIllegal}, {"NOP", IMM, 0xc2, 2, VNMOSIllegal},
	{"NOP", IMM, 0xe2, 2, VNMOSIllegal},
	{"NOP", ZPG, 0x04, 2, VNMOSIllegal}, {"NOP", ZPG, 0x44, 2, VNMOSIllegal}, {"NOP", ZPG, 0x64, 2, VNMOSIllegal},
	{"NOP", ZPX, 0x14, 2, VNMOSIllegal}, {"NOP", ZPX, 0x34, 2, VNMOSIllegal}, {"NOP", ZPX, 0x54, 2, VNMOSIllegal},
	{"NOP", ZPX, 0x74, 2, VNMOSIllegal}, {"NOP", ZPX, 0xd4, 2, VNMOSIllegal}, {"NOP", ZPX, 0xf4, 2, VNMOSIllegal},
	{"NOP", ABS, 0x0c, 3, VNMOSIllegal},
	{"NOP", ABX, 0x1c, 3, VNMOSIllegal}, {"NOP", ABX, 0x3c, 3, VNMOSIllegal}, {"NOP", ABX, 0x5c, 3, VNMOSIllegal},
	{"NOP", ABX, 0x7c, 3, VNMOSIllegal}, {"NOP", ABX, 0xdc, 3, VNMOSIllegal}, {"NOP", ABX, 0xfc, 3, VNMOSIllegal},

	// W65C02S-only additions.
	{"WAI", IMP, 0xcb, 1, VW65C02S}, {"STP", IMP, 0xdb, 1, VW65C02S},
}

func bitOpcode(base byte, n int) byte { return base + byte(n)*0x10 }

func init() {
	for n := 0; n < 8; n++ {
		data = append(data,
			opcodeData{fmt.Sprintf("RMB%d", n), ZPG, bitOpcode(0x07, n), 2, VW65C02S},
			opcodeData{fmt.Sprintf("SMB%d", n), ZPG, bitOpcode(0x87, n), 2, VW65C02S},
			opcodeData{fmt.Sprintf("BBR%d", n), ZPR, bitOpcode(0x0f, n), 3, VW65C02S},
			opcodeData{fmt.Sprintf("BBS%d", n), ZPR, bitOpcode(0x8f, n), 3, VW65C02S},
		)
	}
}

// An Instruction describes one assembled-form opcode variant: its
// mnemonic, addressing mode, opcode byte, and total encoded length.
// There is no emulator fn pointer -- an assembler only ever encodes.
type Instruction struct {
	Name   string
	Mode   Mode
	Opcode byte
	Length byte
}

// InstructionSet is the opcode table gated to one !cpu selection.
type InstructionSet struct {
	CPU      string
	variant  Variant
	byOpcode map[byte]*Instruction    // first match wins; used for disassembly/listing
	variants map[string][]*Instruction // all (name, mode) pairs legal under this selection
}

// Lookup retrieves the (mnemonic, mode) encoding legal under this
// instruction set, keyed by mode instead of raw opcode, since the
// assembler selects a mode before it has a byte to look up.
func (s *InstructionSet) Lookup(name string, mode Mode) (*Instruction, bool) {
	for _, inst := range s.variants[strings.ToUpper(name)] {
		if inst.Mode == mode {
			return inst, true
		}
	}
	return nil, false
}

// GetInstructions returns every addressing-mode variant of name legal
// under this instruction set.
func (s *InstructionSet) GetInstructions(name string) []*Instruction {
	return s.variants[strings.ToUpper(name)]
}

// IsMnemonic reports whether name is a legal mnemonic, in any
// addressing mode, under this instruction set.
func (s *InstructionSet) IsMnemonic(name string) bool {
	return len(s.variants[strings.ToUpper(name)]) > 0
}

// GetInstructionSet builds the opcode table for the named CPU variant
// string, as written after !cpu in source.
func GetInstructionSet(cpu string) (*InstructionSet, error) {
	v, err := variantsFor(cpu)
	if err != nil {
		return nil, err
	}
	set := &InstructionSet{CPU: cpu, variant: v, byOpcode: make(map[byte]*Instruction), variants: make(map[string][]*Instruction)}
	for i := range data {
		d := &data[i]
		if d.variants&v == 0 {
			continue
		}
		inst := &Instruction{Name: d.name, Mode: d.mode, Opcode: d.opcode, Length: d.length}
		set.variants[d.name] = append(set.variants[d.name], inst)
		if _, exists := set.byOpcode[d.opcode]; !exists {
			set.byOpcode[d.opcode] = inst
		}
	}
	return set, nil
}
