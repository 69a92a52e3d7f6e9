package asm

import (
	"encoding/json"
	"io"
	"sort"
)

// SourceMap records, for every distinct address touched on pass 2,
// which source file and line produced it. This is the data behind the
// -l listing file and the address->line lookups a diagnostic trace
// needs.
type SourceMap struct {
	Files []string
	Lines []SourceLine
}

// SourceLine maps one machine code address to the source file and
// line that emitted it.
type SourceLine struct {
	Address   int // Machine code address
	FileIndex int // Source code file index
	Line      int // Source code line number
}

// Search returns the file and line that produced addr, or ("", -1) if
// no recorded line emitted exactly that address. Lines must already be
// sorted by Address (asm.run does this once per assembly).
func (s *SourceMap) Search(addr int) (filename string, line int) {
	i := sort.Search(len(s.Lines), func(i int) bool {
		return s.Lines[i].Address >= addr
	})
	if i < len(s.Lines) && s.Lines[i].Address == addr {
		return s.Files[s.Lines[i].FileIndex], s.Lines[i].Line
	}
	return "", -1
}

// WriteTo serializes the source map as JSON, the format written to
// the -l listing file.
func (s *SourceMap) WriteTo(w io.Writer) (n int64, err error) {
	b, err := json.Marshal(*s)
	if err != nil {
		return 0, err
	}

	nn, err := w.Write(b)
	return int64(nn), err
}
