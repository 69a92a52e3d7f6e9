// Package output converts an assembled memory image into one of the
// container formats consumed by downstream tools: a raw binary image,
// a Commodore-style load-address-prefixed .prg, an Apple II DOS 3.3
// binary (address+length header), Intel HEX, or a VICE-format label
// file. Every encoder writes to an io.Writer and returns the byte
// count written, alongside any write error.
package output

import (
	"fmt"
	"io"

	"github.com/golang/glog"

	"github.com/siska-tech/acme6502/asm"
)

// Format names one of the CLI's -f {plain,cbm,apple,hex} container
// formats.
type Format string

const (
	Plain Format = "plain"
	CBM   Format = "cbm"
	Apple Format = "apple"
	Hex   Format = "hex"
)

// ParseFormat validates a -f flag value.
func ParseFormat(s string) (Format, error) {
	switch Format(s) {
	case Plain, CBM, Apple, Hex:
		return Format(s), nil
	default:
		return "", fmt.Errorf("unrecognized output format %q", s)
	}
}

// WriteImage writes the assembled result's byte image to w in the
// requested container format.
func WriteImage(w io.Writer, r *asm.Result, format Format) (n int64, err error) {
	lo, hi, any := r.Bounds()
	if !any {
		glog.V(1).Infof("nothing touched; writing empty image")
	}
	glog.V(1).Infof("writing %s image, range $%04x-$%04x", format, lo, hi)
	switch format {
	case Plain:
		return writePlain(w, r, lo, hi)
	case CBM:
		return writeCBM(w, r, lo, hi)
	case Apple:
		return writeApple(w, r, lo, hi)
	case Hex:
		return writeIntelHex(w, r, lo, hi)
	default:
		return 0, fmt.Errorf("unrecognized output format %q", format)
	}
}

// writePlain writes the complete touched range verbatim (no
// gap-dropping).
func writePlain(w io.Writer, r *asm.Result, lo, hi int64) (int64, error) {
	return writeRange(w, r, lo, hi)
}

// writeCBM prepends a little-endian 16-bit load address to the plain
// image, matching the Commodore .prg container.
func writeCBM(w io.Writer, r *asm.Result, lo, hi int64) (int64, error) {
	header := []byte{byte(lo), byte(lo >> 8)}
	n1, err := w.Write(header)
	if err != nil {
		return int64(n1), err
	}
	n2, err := writeRange(w, r, lo, hi)
	return int64(n1) + n2, err
}

// writeApple prepends a little-endian 16-bit load address followed by
// a little-endian 16-bit length, the Apple DOS 3.3 binary-file header
// convention.
func writeApple(w io.Writer, r *asm.Result, lo, hi int64) (int64, error) {
	length := hi - lo + 1
	if length < 0 {
		length = 0
	}
	header := []byte{byte(lo), byte(lo >> 8), byte(length), byte(length >> 8)}
	n1, err := w.Write(header)
	if err != nil {
		return int64(n1), err
	}
	n2, err := writeRange(w, r, lo, hi)
	return int64(n1) + n2, err
}

func writeRange(w io.Writer, r *asm.Result, lo, hi int64) (int64, error) {
	if hi < lo {
		return 0, nil
	}
	buf := make([]byte, 0, hi-lo+1)
	for addr := lo; addr <= hi; addr++ {
		buf = append(buf, r.ByteAt(addr))
	}
	n, err := w.Write(buf)
	return int64(n), err
}

const hexDigits = "0123456789ABCDEF"

// writeIntelHex emits type-00 data records (≤16 bytes each) covering
// the touched range, followed by the type-01 EOF record.
func writeIntelHex(w io.Writer, r *asm.Result, lo, hi int64) (int64, error) {
	var total int64
	if hi >= lo {
		for addr := lo; addr <= hi; addr += 16 {
			end := addr + 16
			if end > hi+1 {
				end = hi + 1
			}
			data := make([]byte, 0, 16)
			for a := addr; a < end; a++ {
				data = append(data, r.ByteAt(a))
			}
			n, err := writeHexRecord(w, uint16(addr), 0x00, data)
			total += n
			if err != nil {
				return total, err
			}
		}
	}
	n, err := writeHexRecord(w, 0, 0x01, nil)
	total += n
	return total, err
}

func writeHexRecord(w io.Writer, addr uint16, recType byte, data []byte) (int64, error) {
	rec := make([]byte, 0, len(data)+4)
	rec = append(rec, byte(len(data)), byte(addr>>8), byte(addr), recType)
	rec = append(rec, data...)
	checksum := byte(0)
	for _, b := range rec {
		checksum += b
	}
	checksum = byte(-int8(checksum))

	line := make([]byte, 0, 2*len(rec)+4)
	line = append(line, ':')
	for _, b := range rec {
		line = append(line, hexDigits[b>>4], hexDigits[b&0x0f])
	}
	line = append(line, hexDigits[checksum>>4], hexDigits[checksum&0x0f])
	line = append(line, '\n')
	n, err := w.Write(line)
	return int64(n), err
}

// WriteViceLabels writes one "al C:HHHH .name" line per global label,
// the format VICE's monitor loads with its "ll" command.
func WriteViceLabels(w io.Writer, r *asm.Result) (n int64, err error) {
	var total int64
	for _, g := range r.Globals {
		line := fmt.Sprintf("al C:%04X .%s\n", g.Address, g.Name)
		nn, err := io.WriteString(w, line)
		total += int64(nn)
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// WriteSymbols dumps the flattened symbol table in "name = $value"
// form, the text format of the -s flag.
func WriteSymbols(w io.Writer, r *asm.Result) (n int64, err error) {
	var total int64
	for name, v := range r.Symbols {
		line := fmt.Sprintf("%s = $%x\n", name, v.AsInt())
		nn, err := io.WriteString(w, line)
		total += int64(nn)
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
