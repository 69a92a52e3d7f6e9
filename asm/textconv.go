package asm

// textconv implements the built-in conversion tables (identity/raw,
// PETSCII->screen-code, PETSCII->ISO) selected by !convtab and applied
// to string literals in !text/!scr/!pet/!scrxor directives.
type textconv struct {
	tables  map[string][256]byte
	current string
}

func newTextconv() *textconv {
	t := &textconv{tables: make(map[string][256]byte), current: "raw"}
	t.tables["raw"] = identityTable()
	t.tables["pet"] = petToScreenTable()
	t.tables["scr"] = petToScreenTable()
	t.tables["iso"] = petToISOTable()
	return t
}

func identityTable() [256]byte {
	var t [256]byte
	for i := range t {
		t[i] = byte(i)
	}
	return t
}

// petToScreenTable implements the simplified uppercase/lowercase-letter
// PETSCII->screen-code mapping (A-Z -> 1-26, a-z -> 1-26, ASCII fallback
// otherwise).
func petToScreenTable() [256]byte {
	t := identityTable()
	for c := byte('A'); c <= 'Z'; c++ {
		t[c] = c - 'A' + 1
	}
	for c := byte('a'); c <= 'z'; c++ {
		t[c] = c - 'a' + 1
	}
	return t
}

// petToISOTable is the third built-in conversion table alongside
// identity and PETSCII->screen-code. It is the identity table: no
// letters are remapped, and ASCII passes through unchanged.
func petToISOTable() [256]byte {
	return identityTable()
}

func (t *textconv) setTable(name string) bool {
	if _, ok := t.tables[name]; !ok {
		return false
	}
	t.current = name
	return true
}

// convert applies the active table to s, falling back to the raw byte
// value for out-of-range input.
func (t *textconv) convert(s string) []byte {
	tbl := t.tables[t.current]
	out := make([]byte, len(s))
	for i := 0; i < len(s); i++ {
		out[i] = tbl[s[i]]
	}
	return out
}

// convertRaw always uses the identity table, for !text/!raw's one-shot
// override of whichever table !convtab currently has selected.
func (t *textconv) convertRaw(s string) []byte {
	return []byte(s)
}

// convertXor converts via the active table, then XORs each byte with v
// (table conversion always precedes the !scrxor mask).
func (t *textconv) convertXor(s string, v byte) []byte {
	out := t.convert(s)
	for i := range out {
		out[i] ^= v
	}
	return out
}
