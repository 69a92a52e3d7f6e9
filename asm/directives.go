package asm

import (
	"fmt"
	"io/ioutil"
	"strings"

	"github.com/k0kubun/pp/v3"

	"github.com/siska-tech/acme6502/cpu"
	"github.com/siska-tech/acme6502/diag"
)

// directiveHandler implements one statement-level (non-block) directive.
// Block-opening directives (!if/!macro/!for/!while/!do/!pseudopc/
// !realpc) are handled directly by asm.go's dispatchDirectiveLine since
// they need the surrounding line slice.
type directiveHandler func(a *Assembler, args fstring, rl rawLine) error

// directiveTable maps every statement-level directive name onto its
// handler: fixed-width data emission, text/conversion-table output,
// diagnostics, segment/CPU/zone/symbol control, binary inclusion, and
// the output-adjacent !to/!symbollist/!address family.
var directiveTable = map[string]directiveHandler{
	"!byte": dataHandler(1, false), "!8": dataHandler(1, false),
	"!word": dataHandler(2, false), "!16": dataHandler(2, false),
	"!wordbe": dataHandler(2, true), "!16be": dataHandler(2, true),
	"!24": dataHandler(3, false), "!24be": dataHandler(3, true),
	"!32": dataHandler(4, false), "!32be": dataHandler(4, true),

	"!hex": handleHex,
	"!fill": handleFill,
	"!skip": handleSkip,
	"!align": handleAlign,

	"!pet": handlePet, "!scr": handleScr,
	"!convtab": handleConvtab, "!ct": handleConvtab,
	"!scrxor": handleScrxor,
	"!text":   handleText, "!raw": handleRaw,

	"!warn":    handleWarn,
	"!error":   handleErrorDirective,
	"!serious": handleSerious,

	"!initmem": handleInitmem,
	"!xor":     handleXor,
	"!zone":    handleZone,
	"!set":     handleSet,
	"!cpu":     handleCPU,

	"!binary": handleBinary, "!bin": handleBinary,
	"!source": noopDirective, "!src": noopDirective,

	"!to":          handleTo,
	"!symbollist":  handleSymbolList,
	"!sl":          handleSymbolList,
	"!address":     noopDirective,
	"!addr":        noopDirective,
}

func noopDirective(a *Assembler, args fstring, rl rawLine) error { return nil }

//
// data directives
//

// dataHandler builds a handler for the fixed-width integer-list
// directives (!byte/!word/!24/!32 and their BE variants). String
// literal arguments are expanded through the active text-conversion
// table before being emitted byte by byte.
func dataHandler(width int, bigEndian bool) directiveHandler {
	return func(a *Assembler, args fstring, rl rawLine) error {
		for _, item := range splitTopLevel(args.str) {
			item = strings.TrimSpace(item)
			if item == "" {
				continue
			}
			if s, ok := unquote(item); ok {
				for _, b := range a.tconv.convert(s) {
					a.pc.emitByte(b)
				}
				continue
			}
			v, resolved, err := a.evalExprString(item, rl)
			if err != nil {
				a.report(diag.Error, err.Error(), rl)
				emitPlaceholder(a, width)
				continue
			}
			if !resolved {
				emitPlaceholder(a, width)
				continue
			}
			checkDataRange(a, v.AsInt(), width, rl)
			emitWidth(a, v.AsInt(), width, bigEndian)
		}
		return nil
	}
}

// checkDataRange warns when n doesn't fit in width bytes interpreted
// as either signed or unsigned (the union of both ranges): a value
// wider than the directive's declared width is still truncated to its
// low width bytes, but ACME reports the loss as a warning rather than
// refusing to emit.
func checkDataRange(a *Assembler, n int64, width int, rl rawLine) {
	bits := uint(width * 8)
	signedMin := -(int64(1) << (bits - 1))
	unsignedMax := int64(1)<<bits - 1
	if n < signedMin || n > unsignedMax {
		a.report(diag.Warn, fmt.Sprintf("value %d out of range for %d-bit data directive", n, bits), rl)
	}
}

func emitPlaceholder(a *Assembler, width int) {
	for i := 0; i < width; i++ {
		a.pc.emitByte(0)
	}
}

// emitWidth writes the low width bytes of n, little-endian unless
// bigEndian is set. leBytes only natively supports 1/2/4-byte widths,
// so the 3-byte (!24) case is built by hand here.
func emitWidth(a *Assembler, n int64, width int, bigEndian bool) {
	var b []byte
	if width == 3 {
		b = []byte{byte(n), byte(n >> 8), byte(n >> 16)}
	} else {
		b = leBytes(width, int(n))
	}
	if bigEndian {
		for i := len(b) - 1; i >= 0; i-- {
			a.pc.emitByte(b[i])
		}
		return
	}
	for _, x := range b {
		a.pc.emitByte(x)
	}
}

func handleHex(a *Assembler, args fstring, rl rawLine) error {
	digits := strings.Map(func(r rune) rune {
		if r == ' ' || r == '\t' || r == '"' {
			return -1
		}
		return r
	}, args.str)
	if len(digits)%2 != 0 {
		return fmt.Errorf("!hex requires an even number of hex digits")
	}
	for i := 0; i < len(digits); i += 2 {
		a.pc.emitByte(hexToByte(digits[i : i+2]))
	}
	return nil
}

// leBytes returns the low width bytes of value, least-significant
// byte first. Only the 1/2/4-byte widths !byte/!word/!32 actually
// need are supported; emitWidth builds the odd-width !24 case itself.
func leBytes(width, value int) []byte {
	switch width {
	case 1:
		return []byte{byte(value)}
	case 2:
		return []byte{byte(value), byte(value >> 8)}
	default:
		return []byte{byte(value), byte(value >> 8), byte(value >> 16), byte(value >> 24)}
	}
}

// hexToByte decodes a two-character hex digit pair (as found in a
// !hex directive's argument string) into its byte value.
func hexToByte(s string) byte {
	return hexDigit(s[0])<<4 | hexDigit(s[1])
}

func hexDigit(c byte) byte {
	switch {
	case c >= '0' && c <= '9':
		return c - '0'
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10
	default:
		return 0
	}
}

func handleFill(a *Assembler, args fstring, rl rawLine) error {
	parts := splitTopLevel(args.str)
	if len(parts) < 1 {
		return fmt.Errorf("!fill requires a count")
	}
	n, _, err := a.evalExprString(strings.TrimSpace(parts[0]), rl)
	if err != nil {
		return err
	}
	fill := a.pc.initMem
	if len(parts) > 1 {
		v, _, err := a.evalExprString(strings.TrimSpace(parts[1]), rl)
		if err != nil {
			return err
		}
		fill = byte(v.AsInt())
	}
	for i := int64(0); i < n.AsInt(); i++ {
		a.pc.emitByte(fill)
	}
	return nil
}

func handleSkip(a *Assembler, args fstring, rl rawLine) error {
	n, _, err := a.evalExprString(strings.TrimSpace(args.str), rl)
	if err != nil {
		return err
	}
	a.pc.skip(n.AsInt())
	return nil
}

func handleAlign(a *Assembler, args fstring, rl rawLine) error {
	parts := splitTopLevel(args.str)
	if len(parts) < 2 {
		return fmt.Errorf("!align requires <mask>,<value>[,<fill>]")
	}
	mask, _, err := a.evalExprString(strings.TrimSpace(parts[0]), rl)
	if err != nil {
		return err
	}
	value, _, err := a.evalExprString(strings.TrimSpace(parts[1]), rl)
	if err != nil {
		return err
	}
	fill := a.pc.initMem
	if len(parts) > 2 {
		f, _, err := a.evalExprString(strings.TrimSpace(parts[2]), rl)
		if err != nil {
			return err
		}
		fill = byte(f.AsInt())
	}
	a.pc.alignTo(mask.AsInt(), value.AsInt(), fill)
	return nil
}

//
// text directives
//

func handlePet(a *Assembler, args fstring, rl rawLine) error {
	return emitConvertedString(a, args, rl, "pet")
}

func handleScr(a *Assembler, args fstring, rl rawLine) error {
	return emitConvertedString(a, args, rl, "scr")
}

func emitConvertedString(a *Assembler, args fstring, rl rawLine, table string) error {
	s, ok := unquote(strings.TrimSpace(args.str))
	if !ok {
		return fmt.Errorf("expected a quoted string")
	}
	saved := a.tconv.current
	a.tconv.setTable(table)
	for _, b := range a.tconv.convert(s) {
		a.pc.emitByte(b)
	}
	a.tconv.current = saved
	return nil
}

func handleConvtab(a *Assembler, args fstring, rl rawLine) error {
	name := strings.ToLower(strings.TrimSpace(args.str))
	if s, ok := unquote(name); ok {
		name = s
	}
	if !a.tconv.setTable(name) {
		return fmt.Errorf("unknown conversion table %q", name)
	}
	return nil
}

func handleScrxor(a *Assembler, args fstring, rl rawLine) error {
	parts := splitTopLevel(args.str)
	if len(parts) != 2 {
		return fmt.Errorf("!scrxor requires an XOR value and a string")
	}
	v, _, err := a.evalExprString(strings.TrimSpace(parts[0]), rl)
	if err != nil {
		return err
	}
	s, ok := unquote(strings.TrimSpace(parts[1]))
	if !ok {
		return fmt.Errorf("expected a quoted string")
	}
	saved := a.tconv.current
	a.tconv.setTable("scr")
	for _, b := range a.tconv.convertXor(s, byte(v.AsInt())) {
		a.pc.emitByte(b)
	}
	a.tconv.current = saved
	return nil
}

func handleText(a *Assembler, args fstring, rl rawLine) error {
	s, ok := unquote(strings.TrimSpace(args.str))
	if !ok {
		return fmt.Errorf("expected a quoted string")
	}
	for _, b := range a.tconv.convertRaw(s) {
		a.pc.emitByte(b)
	}
	return nil
}

func handleRaw(a *Assembler, args fstring, rl rawLine) error {
	s, ok := unquote(strings.TrimSpace(args.str))
	if !ok {
		return fmt.Errorf("expected a quoted string")
	}
	for _, b := range a.tconv.convertRaw(s) {
		a.pc.emitByte(b)
	}
	return nil
}

//
// diagnostics
//

func handleWarn(a *Assembler, args fstring, rl rawLine) error {
	a.report(diag.Warn, directiveMessage(a, args, rl), rl)
	return nil
}

func handleErrorDirective(a *Assembler, args fstring, rl rawLine) error {
	a.report(diag.Error, directiveMessage(a, args, rl), rl)
	return nil
}

func handleSerious(a *Assembler, args fstring, rl rawLine) error {
	a.report(diag.Serious, directiveMessage(a, args, rl), rl)
	return nil
}

func directiveMessage(a *Assembler, args fstring, rl rawLine) string {
	if s, ok := unquote(strings.TrimSpace(args.str)); ok {
		return s
	}
	return strings.TrimSpace(args.str)
}

//
// segment / symbol control
//

func handleInitmem(a *Assembler, args fstring, rl rawLine) error {
	v, _, err := a.evalExprString(strings.TrimSpace(args.str), rl)
	if err != nil {
		return err
	}
	a.pc.initMem = byte(v.AsInt())
	return nil
}

func handleXor(a *Assembler, args fstring, rl rawLine) error {
	v, _, err := a.evalExprString(strings.TrimSpace(args.str), rl)
	if err != nil {
		return err
	}
	a.pc.xorMask = byte(v.AsInt())
	return nil
}

func handleZone(a *Assembler, args fstring, rl rawLine) error {
	name := strings.TrimSpace(args.str)
	if s, ok := unquote(name); ok {
		name = s
	}
	a.sym.enterZone(name)
	return nil
}

func handleSet(a *Assembler, args fstring, rl rawLine) error {
	name, exprText, ok := splitAssignment(strings.TrimSpace(args.str))
	if !ok {
		parts := splitTopLevel(args.str)
		if len(parts) != 2 {
			return fmt.Errorf("!set requires name,value or name = value")
		}
		name, exprText = strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1])
	}
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
	return a.sym.define(name, kind, v, a.pass, true)
}

func handleCPU(a *Assembler, args fstring, rl rawLine) error {
	name := strings.TrimSpace(args.str)
	if s, ok := unquote(name); ok {
		name = s
	}
	set, err := cpu.GetInstructionSet(name)
	if err != nil {
		return err
	}
	a.cpuSet = set
	return nil
}

//
// file inclusion
//

func handleBinary(a *Assembler, args fstring, rl rawLine) error {
	parts := splitTopLevel(args.str)
	if len(parts) < 1 {
		return fmt.Errorf("!binary requires a file path")
	}
	path, ok := unquote(strings.TrimSpace(parts[0]))
	if !ok {
		return fmt.Errorf("expected a quoted file path")
	}
	b, _, err := a.readSourceFile(path)
	if err != nil {
		return err
	}
	skip := int64(0)
	size := int64(len(b))
	if len(parts) > 1 {
		v, _, err := a.evalExprString(strings.TrimSpace(parts[1]), rl)
		if err == nil {
			size = v.AsInt()
		}
	}
	if len(parts) > 2 {
		v, _, err := a.evalExprString(strings.TrimSpace(parts[2]), rl)
		if err == nil {
			skip = v.AsInt()
		}
	}
	for i := skip; i < skip+size && i < int64(len(b)); i++ {
		a.pc.emitByte(b[i])
	}
	return nil
}

//
// output-adjacent supplements
//

func handleTo(a *Assembler, args fstring, rl rawLine) error {
	parts := splitTopLevel(args.str)
	if len(parts) < 1 {
		return fmt.Errorf("!to requires a file path")
	}
	path, ok := unquote(strings.TrimSpace(parts[0]))
	if !ok {
		return fmt.Errorf("expected a quoted file path")
	}
	format := "plain"
	if len(parts) > 1 {
		format = strings.TrimSpace(parts[1])
		if s, ok := unquote(format); ok {
			format = s
		}
	}
	a.toPath, a.toFormat = path, format
	return nil
}

func handleSymbolList(a *Assembler, args fstring, rl rawLine) error {
	path, ok := unquote(strings.TrimSpace(args.str))
	if !ok {
		return fmt.Errorf("expected a quoted file path")
	}
	if a.pass != 2 {
		return nil
	}
	pp.ColoringEnabled = false
	dump := pp.Sprint(a.sym.flattened())
	return ioutil.WriteFile(path, []byte(dump), 0644)
}

//
// small shared helpers
//

// unquote returns the contents of a double-quoted string literal, or
// ok=false if s is not one.
func unquote(s string) (string, bool) {
	f := newFstring(0, 0, s)
	content, _, ok := f.consumeQuotedString()
	return content, ok
}

// splitTopLevel splits s on commas that are not nested inside
// parentheses or a quoted string.
func splitTopLevel(s string) []string {
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
		case c == '(':
			depth++
		case c == ')':
			depth--
		case c == ',' && depth == 0:
			out = append(out, s[start:i])
			start = i + 1
		}
	}
	out = append(out, s[start:])
	return out
}
