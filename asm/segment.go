package asm

// segmentType distinguishes genuine overlap collisions from
// intentionally-overlaid banks.
type segmentType byte

const (
	segNormal segmentType = iota
	segOverlay
	segInvisible
)

type touchedRange struct {
	start, end int64
	kind       segmentType
}

// pcFrame is one level of the !pseudopc stack: the real PC at the point
// !pseudopc was entered, and the pseudo PC that was active immediately
// before (so !realpc, and exiting the block, can restore it). Nested
// !pseudopc blocks push additional frames.
type pcFrame struct {
	realPC       int64
	prevPseudoPC int64
	inPseudo     bool
}

// pcManager tracks the real program counter, the pseudo-PC stack, the
// memory-initialization byte, the output XOR mask, and the set of
// touched real-PC address ranges (for overlap detection).
//
// Byte placement deliberately follows the rule that bytes are always
// written at the real PC; pseudo-PC affects only the value returned by
// effectivePC(), which is what operand/label expressions observe.
type pcManager struct {
	realPC      int64
	pseudoStack []pcFrame
	pseudoPC    int64
	inPseudo    bool
	initMem     byte
	xorMask     byte
	image       map[int64]byte
	touched     []touchedRange
	segKind     segmentType
}

func newPCManager() *pcManager {
	return &pcManager{image: make(map[int64]byte)}
}

func (m *pcManager) resetForPass() {
	m.pseudoStack = nil
	m.inPseudo = false
	m.pseudoPC = 0
	m.touched = nil
	// realPC, image, initMem, and xorMask persist: the image accumulates
	// across both passes' writes (pass 2 overwrites pass 1's placeholder
	// bytes at the same addresses), and initMem/xorMask are set once up
	// front and never need resetting. touched ranges are reset each pass
	// so overlap detection only reports the final (pass 2) layout.
}

func (m *pcManager) setPC(addr int64) {
	m.realPC = addr
}

// effectivePC returns the address label/operand arithmetic should see:
// the pseudo PC if a !pseudopc block is active, otherwise the real PC.
func (m *pcManager) effectivePC() int64 {
	if m.inPseudo {
		return m.pseudoPC
	}
	return m.realPC
}

func (m *pcManager) enterPseudo(addr int64) {
	m.pseudoStack = append(m.pseudoStack, pcFrame{realPC: m.realPC, prevPseudoPC: m.pseudoPC, inPseudo: m.inPseudo})
	m.pseudoPC = addr
	m.inPseudo = true
}

// enterRealBlock pushes a stack frame that forces effectivePC() to
// return the real PC for the duration of a !realpc { ... } block, even
// if a !pseudopc block is still active around it.
func (m *pcManager) enterRealBlock() {
	m.pseudoStack = append(m.pseudoStack, pcFrame{realPC: m.realPC, prevPseudoPC: m.pseudoPC, inPseudo: m.inPseudo})
	m.inPseudo = false
}

func (m *pcManager) exitPseudo() bool {
	if len(m.pseudoStack) == 0 {
		return false
	}
	f := m.pseudoStack[len(m.pseudoStack)-1]
	m.pseudoStack = m.pseudoStack[:len(m.pseudoStack)-1]
	m.pseudoPC, m.inPseudo = f.prevPseudoPC, f.inPseudo
	return true
}

// emitByte writes one byte at the real PC, XOR-masked, and advances both
// the real and (if active) pseudo PC by one.
func (m *pcManager) emitByte(b byte) {
	m.image[m.realPC] = b ^ m.xorMask
	m.markTouched(m.realPC, m.realPC)
	m.realPC++
	if m.inPseudo {
		m.pseudoPC++
	}
}

func (m *pcManager) markTouched(start, end int64) {
	m.touched = append(m.touched, touchedRange{start, end, m.segKind})
}

// skip advances the PC by n bytes, writing the init-mem byte into each
// one.
func (m *pcManager) skip(n int64) {
	for i := int64(0); i < n; i++ {
		m.emitByte(m.initMem)
	}
}

// alignTo advances the PC until (pc & mask) == value, filling with fill.
func (m *pcManager) alignTo(mask, value int64, fill byte) {
	for (m.realPC & mask) != value {
		m.emitByte(fill)
	}
}

// bounds returns the lowest and highest touched real-PC addresses, for
// the plain output format's complete-range rule.
func (m *pcManager) bounds() (lo, hi int64, any bool) {
	if len(m.image) == 0 {
		return 0, 0, false
	}
	first := true
	for addr := range m.image {
		if first || addr < lo {
			lo = addr
		}
		if first || addr > hi {
			hi = addr
		}
		first = false
	}
	return lo, hi, true
}

// byteAt returns the byte written at addr, or the init-mem byte if it
// was never explicitly written (a gap within the touched range).
func (m *pcManager) byteAt(addr int64) byte {
	if b, ok := m.image[addr]; ok {
		return b
	}
	return m.initMem ^ m.xorMask
}

// detectOverlaps reports pairs of normal (non-overlay, non-invisible)
// touched ranges that collide.
func (m *pcManager) detectOverlaps() []string {
	var warnings []string
	for i := 0; i < len(m.touched); i++ {
		for j := i + 1; j < len(m.touched); j++ {
			a, b := m.touched[i], m.touched[j]
			if a.kind != segNormal || b.kind != segNormal {
				continue
			}
			if a.end < b.start || a.start > b.end {
				continue
			}
			warnings = append(warnings, "segment overlap detected")
		}
	}
	return warnings
}
