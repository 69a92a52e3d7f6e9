package output

import (
	"bytes"
	"strings"
	"testing"

	"github.com/siska-tech/acme6502/asm"
)

func assembleResult(t *testing.T, code string) *asm.Result {
	t.Helper()
	r, err := asm.Assemble(strings.NewReader(code), "test", asm.Options{})
	if err != nil {
		t.Fatalf("assemble error: %v", err)
	}
	if r.Diags.HasErrors() {
		t.Fatalf("unexpected diagnostics")
	}
	return r
}

func TestWritePlain(t *testing.T) {
	r := assembleResult(t, "\n* = $c000\nstart: lda #$42\n       rts")
	var buf bytes.Buffer
	if _, err := WriteImage(&buf, r, Plain); err != nil {
		t.Fatalf("write error: %v", err)
	}
	if got := buf.Bytes(); !bytes.Equal(got, []byte{0xA9, 0x42, 0x60}) {
		t.Errorf("got %x", got)
	}
}

func TestWriteCBM(t *testing.T) {
	r := assembleResult(t, "\n* = $c000\nstart: lda #$42\n       rts")
	var buf bytes.Buffer
	if _, err := WriteImage(&buf, r, CBM); err != nil {
		t.Fatalf("write error: %v", err)
	}
	want := []byte{0x00, 0xc0, 0xA9, 0x42, 0x60}
	if got := buf.Bytes(); !bytes.Equal(got, want) {
		t.Errorf("got %x, want %x", got, want)
	}
}

func TestWriteApple(t *testing.T) {
	r := assembleResult(t, "\n* = $c000\nstart: lda #$42\n       rts")
	var buf bytes.Buffer
	if _, err := WriteImage(&buf, r, Apple); err != nil {
		t.Fatalf("write error: %v", err)
	}
	want := []byte{0x00, 0xc0, 0x03, 0x00, 0xA9, 0x42, 0x60}
	if got := buf.Bytes(); !bytes.Equal(got, want) {
		t.Errorf("got %x, want %x", got, want)
	}
}

func TestWriteIntelHex(t *testing.T) {
	r := assembleResult(t, "\n* = $0000\n!byte 1,2,3")
	var buf bytes.Buffer
	if _, err := WriteImage(&buf, r, Hex); err != nil {
		t.Fatalf("write error: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected a data record and an EOF record, got %d lines", len(lines))
	}
	if lines[0] != ":03000000010203F7" {
		t.Errorf("data record: got %q", lines[0])
	}
	if lines[1] != ":00000001FF" {
		t.Errorf("eof record: got %q", lines[1])
	}
}

func TestWriteViceLabels(t *testing.T) {
	r := assembleResult(t, "\n* = $c000\nstart: lda #$42\n       rts")
	var buf bytes.Buffer
	if _, err := WriteViceLabels(&buf, r); err != nil {
		t.Fatalf("write error: %v", err)
	}
	if got := buf.String(); got != "al C:C000 .start\n" {
		t.Errorf("got %q", got)
	}
}

func TestWriteViceLabelsCoversEveryGlobalLabel(t *testing.T) {
	r := assembleResult(t, "\n* = $c000\nfirst: nop\nsecond: nop\n       rts")
	var buf bytes.Buffer
	if _, err := WriteViceLabels(&buf, r); err != nil {
		t.Fatalf("write error: %v", err)
	}
	got := buf.String()
	if !strings.Contains(got, "al C:C000 .first\n") || !strings.Contains(got, "al C:C001 .second\n") {
		t.Errorf("expected a line for every global label with no !export needed, got %q", got)
	}
}

func TestParseFormat(t *testing.T) {
	for _, valid := range []string{"plain", "cbm", "apple", "hex"} {
		if _, err := ParseFormat(valid); err != nil {
			t.Errorf("ParseFormat(%q): unexpected error %v", valid, err)
		}
	}
	if _, err := ParseFormat("nonsense"); err == nil {
		t.Errorf("expected an error for an unrecognized format")
	}
}
