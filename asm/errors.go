package asm

import "errors"

// Sentinel errors used throughout the assembler package, distinguishing
// parse/symbol/phase/range/addressing/file/semantic/limit errors.
var (
	errParse               = errors.New("parse error")
	errSymbolRedefined     = errors.New("symbol redefined")
	errUndefinedSymbol     = errors.New("undefined symbol")
	errPhaseError          = errors.New("phase error")
	errRangeError          = errors.New("range error")
	errAddressingModeError = errors.New("addressing mode error")
	errFileError           = errors.New("file error")
	errSemanticError       = errors.New("semantic error")
	errLimitExceeded       = errors.New("limit exceeded")

	errUnmatchedElse       = errors.New("!else without matching !if/!ifdef/!ifndef")
	errDuplicateElse       = errors.New("multiple !else clauses in conditional block")
	errUnmatchedBrace      = errors.New("unexpected '}'")
	errUnclosedConditional = errors.New("unclosed conditional block")

	errMacroDepthExceeded = errors.New("macro nesting depth exceeded")
	errMacroArity         = errors.New("macro argument count mismatch")
)

// An asmerror records a parser/evaluator diagnostic tied to a specific
// source position.
type asmerror struct {
	line fstring
	msg  string
}
