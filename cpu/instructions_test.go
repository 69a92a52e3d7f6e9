package cpu

import "testing"

func TestLookupBaseOpcode(t *testing.T) {
	set, err := GetInstructionSet("6502")
	if err != nil {
		t.Fatalf("GetInstructionSet: %v", err)
	}
	inst, ok := set.Lookup("LDA", IMM)
	if !ok {
		t.Fatalf("expected LDA IMM to be found")
	}
	if inst.Opcode != 0xa9 || inst.Length != 2 {
		t.Errorf("got opcode=$%02x length=%d", inst.Opcode, inst.Length)
	}
}

func Test65c02OnlyInstructionsGatedByVariant(t *testing.T) {
	base, err := GetInstructionSet("6502")
	if err != nil {
		t.Fatalf("GetInstructionSet: %v", err)
	}
	if base.IsMnemonic("PHX") {
		t.Errorf("PHX must not be available on base 6502")
	}

	c02, err := GetInstructionSet("65c02")
	if err != nil {
		t.Fatalf("GetInstructionSet: %v", err)
	}
	if !c02.IsMnemonic("PHX") {
		t.Errorf("PHX must be available on 65c02")
	}
	if _, ok := c02.Lookup("STZ", ZPG); !ok {
		t.Errorf("STZ ZPG must be available on 65c02")
	}
}

func TestNmosIllegalOpcodesGatedByVariant(t *testing.T) {
	base, err := GetInstructionSet("6502")
	if err != nil {
		t.Fatalf("GetInstructionSet: %v", err)
	}
	nmos, err := GetInstructionSet("nmos6502")
	if err != nil {
		t.Fatalf("GetInstructionSet: %v", err)
	}
	if base.IsMnemonic("SLO") {
		t.Errorf("SLO must not be available on base 6502")
	}
	if !nmos.IsMnemonic("SLO") {
		t.Errorf("SLO must be available on nmos6502")
	}
}

func TestW65c02sOnlyInstructions(t *testing.T) {
	c02, err := GetInstructionSet("65c02")
	if err != nil {
		t.Fatalf("GetInstructionSet: %v", err)
	}
	if c02.IsMnemonic("WAI") {
		t.Errorf("WAI must not be available on plain 65c02")
	}

	w65c02s, err := GetInstructionSet("w65c02s")
	if err != nil {
		t.Fatalf("GetInstructionSet: %v", err)
	}
	if !w65c02s.IsMnemonic("WAI") || !w65c02s.IsMnemonic("STP") {
		t.Errorf("WAI/STP must be available on w65c02s")
	}
	for n := 0; n < 8; n++ {
		if !w65c02s.IsMnemonic("BBR" + string(rune('0'+n))) {
			t.Errorf("BBR%d must be available on w65c02s", n)
		}
	}
}

func TestUnknownCPUVariant(t *testing.T) {
	if _, err := GetInstructionSet("z80"); err == nil {
		t.Errorf("expected an error for an unrecognized CPU variant")
	}
}

func TestGetInstructionsReturnsEveryAddressingMode(t *testing.T) {
	set, err := GetInstructionSet("6502")
	if err != nil {
		t.Fatalf("GetInstructionSet: %v", err)
	}
	modes := set.GetInstructions("LDA")
	if len(modes) < 5 {
		t.Errorf("expected several addressing modes for LDA, got %d", len(modes))
	}
}
