package asm

import (
	"fmt"
	"math"
	"strconv"
)

//
// exprOp — a 13-level operator-precedence table. Lower precedence
// numbers bind more loosely.
//

type exprOp byte

const (
	opLogicalOr exprOp = iota // level 1  ||
	opLogicalAnd              // level 2  &&
	opBitOr                   // level 3  |
	opBitXor                  // level 4  ^
	opBitAnd                  // level 5  &
	opEq                      // level 6  ==
	opNe                      // level 6  != <>
	opLt                      // level 7  <
	opGt                      // level 7  >
	opLe                      // level 7  <=
	opGe                      // level 7  >=
	opShl                     // level 8  <<
	opShr                     // level 8  >>
	opAdd                     // level 9  +
	opSub                     // level 9  -
	opMul                     // level 10 *
	opDiv                     // level 10 /
	opMod                     // level 10 %
	opPow                     // level 11 ** (right-associative)

	// unary, level 12 (prefix)
	opUnaryMinus
	opUnaryPlus
	opLogicalNot
	opBitNot
	opLoByte
	opHiByte

	// atoms, level 13
	opNumber
	opFloat
	opString
	opIdentifier
	opPC        // bare '*' in expression position
	opAnonFwd   // bare '+'
	opAnonBack  // bare '-'
	opFuncCall
	opList

	// pseudo-operations, used only while parsing
	opLeftParen
	opRightParen
	opComma
)

type binaryFn func(a, b Value) (Value, error)
type unaryFn func(a Value) (Value, error)

type opdata struct {
	precedence      byte
	binary          bool
	leftAssociative bool
	symbol          string
	binaryEval      binaryFn
	unaryEval       unaryFn
}

var ops = map[exprOp]opdata{
	opLogicalOr:  {1, true, true, "||", LogicalOr, nil},
	opLogicalAnd: {2, true, true, "&&", LogicalAnd, nil},
	opBitOr:      {3, true, true, "|", BitOr, nil},
	opBitXor:     {4, true, true, "^", BitXor, nil},
	opBitAnd:     {5, true, true, "&", BitAnd, nil},
	opEq:         {6, true, true, "==", Eq, nil},
	opNe:         {6, true, true, "!=", Ne, nil},
	opLt:         {7, true, true, "<", Lt, nil},
	opGt:         {7, true, true, ">", Gt, nil},
	opLe:         {7, true, true, "<=", Le, nil},
	opGe:         {7, true, true, ">=", Ge, nil},
	opShl:        {8, true, true, "<<", ShiftLeft, nil},
	opShr:        {8, true, true, ">>", ShiftRight, nil},
	opAdd:        {9, true, true, "+", Add, nil},
	opSub:        {9, true, true, "-", Sub, nil},
	opMul:        {10, true, true, "*", Mul, nil},
	opDiv:        {10, true, true, "/", Div, nil},
	opMod:        {10, true, true, "%", Mod, nil},
	opPow:        {11, true, false, "**", Pow, nil},

	opUnaryMinus: {12, false, false, "-", nil, Neg},
	opUnaryPlus:  {12, false, false, "+", nil, Pos},
	opLogicalNot: {12, false, false, "!", nil, LogicalNot},
	opBitNot:     {12, false, false, "~", nil, BitNot},
	opLoByte:     {12, false, false, "<", nil, LoByte},
	opHiByte:     {12, false, false, ">", nil, HiByte},

	opNumber:     {0, false, false, "", nil, nil},
	opFloat:      {0, false, false, "", nil, nil},
	opString:     {0, false, false, "", nil, nil},
	opIdentifier: {0, false, false, "", nil, nil},
	opPC:         {0, false, false, "", nil, nil},
	opAnonFwd:    {0, false, false, "", nil, nil},
	opAnonBack:   {0, false, false, "", nil, nil},
	opFuncCall:   {0, false, false, "", nil, nil},
	opList:       {0, false, false, "", nil, nil},

	opLeftParen:  {0, false, false, "(", nil, nil},
	opRightParen: {0, false, false, ")", nil, nil},
	opComma:      {0, false, false, ",", nil, nil},
}

// operatorSymbols lists the binary/unary-capable operator symbols
// in longest-match-first order, so the tokenizer prefers "<<" over "<",
// "<=" over "<", "<>" as a distinct token from "<", etc.
var operatorSymbols = []exprOp{
	opLogicalOr, opLogicalAnd,
	opShl, opShr,
	opLe, opGe, opNe, opEq,
	opPow,
	opLt, opGt, // "<>" is handled specially (maps to opNe) below
	opBitOr, opBitXor, opBitAnd,
	opAdd, opSub, opMul, opDiv, opMod,
	opLogicalNot, opBitNot,
}

func (op exprOp) data() opdata    { return ops[op] }
func (op exprOp) isBinary() bool  { return ops[op].binary }
func (op exprOp) symbol() string  { return ops[op].symbol }
func (op exprOp) isCollapsible() bool { return op.isBinary() || ops[op].unaryEval != nil }

// collapses reports whether the shunting-yard algorithm should collapse
// the top of the operator stack ('other') before pushing 'op'.
func (op exprOp) collapses(other exprOp) bool {
	od, od2 := ops[op], ops[other]
	if od.leftAssociative {
		return od.precedence <= od2.precedence
	}
	return od.precedence < od2.precedence
}

func (op exprOp) apply(a, b Value) (Value, error) {
	od := ops[op]
	if od.binary {
		return od.binaryEval(a, b)
	}
	return od.unaryEval(a)
}

//
// expr — a node in the expression tree.
//

type expr struct {
	op         exprOp
	number     int64
	floatNum   float64
	str        string // string literal contents, identifier name, or function name
	identifier fstring
	scopeLabel fstring
	args       []*expr // function-call arguments, or list-literal elements
	evaluated  bool
	value      Value
	address    bool // true if this subexpression's value depends on a label
	child0     *expr
	child1     *expr
}

// evalCtx supplies the assembler-specific context an expr tree needs to
// resolve identifiers, the program counter, and anonymous labels. The
// Assembler type implements this.
type evalCtx interface {
	lookupValue(name string, scopeLabel string) (Value, bool)
	lookupAddress(name string, scopeLabel string) (Value, bool)
	currentPC() Value
	anonForward(fromLine int) (Value, bool)
	anonBackward(fromLine int) (Value, bool)
	sourceLine() int
}

// eval evaluates the expression tree against the given context. It
// returns Undef() (with no error) when the expression depends on an
// unresolved forward reference, so undefinedness propagates silently
// through pass 1; a non-nil error indicates a genuine semantic error (e.g. a
// bitwise operator applied to a float).
func (e *expr) eval(ctx evalCtx) (Value, error) {
	switch e.op {
	case opNumber:
		return IntVal(e.number), nil
	case opFloat:
		return FloatVal(e.floatNum), nil
	case opString:
		return StringVal(e.str), nil
	case opPC:
		return ctx.currentPC(), nil
	case opAnonFwd:
		v, ok := ctx.anonForward(ctx.sourceLine())
		if !ok {
			return Undef(), nil
		}
		e.address = true
		return v, nil
	case opAnonBack:
		v, ok := ctx.anonBackward(ctx.sourceLine())
		if !ok {
			return Undef(), nil
		}
		e.address = true
		return v, nil
	case opIdentifier:
		name := e.identifier.str
		v, resolved := ctx.lookupValue(name, e.scopeLabel.str)
		if !resolved {
			return Undef(), nil
		}
		e.address = true
		return v, nil
	case opFuncCall:
		return e.evalFunc(ctx)
	case opList:
		vals := make([]Value, 0, len(e.args))
		for _, a := range e.args {
			v, err := a.eval(ctx)
			if err != nil {
				return Value{}, err
			}
			if v.IsUndefined() {
				return Undef(), nil
			}
			vals = append(vals, v)
		}
		return ListVal(vals), nil
	}

	if e.op.isBinary() {
		a, err := e.child0.eval(ctx)
		if err != nil {
			return Value{}, err
		}
		b, err := e.child1.eval(ctx)
		if err != nil {
			return Value{}, err
		}
		if e.child0.address || e.child1.address {
			e.address = true
		}
		return e.op.apply(a, b)
	}

	// unary
	a, err := e.child0.eval(ctx)
	if err != nil {
		return Value{}, err
	}
	e.address = e.child0.address
	return e.op.apply(a, Value{})
}

func (e *expr) evalFunc(ctx evalCtx) (Value, error) {
	args := make([]Value, 0, len(e.args))
	for _, a := range e.args {
		v, err := a.eval(ctx)
		if err != nil {
			return Value{}, err
		}
		if v.IsUndefined() {
			return Undef(), nil
		}
		args = append(args, v)
	}
	return callBuiltin(e.str, args, ctx, e)
}

// callBuiltin implements the built-in function set, plus an
// address()/addr() supplement inspired by ACME's own evaluator.
func callBuiltin(name string, args []Value, ctx evalCtx, node *expr) (Value, error) {
	one := func() (Value, error) {
		if len(args) != 1 {
			return Value{}, fmt.Errorf("%s takes exactly one argument", name)
		}
		return args[0], nil
	}
	mathFn := func(fn func(float64) float64) (Value, error) {
		a, err := one()
		if err != nil {
			return Value{}, err
		}
		if !a.IsNumeric() {
			return Value{}, fmt.Errorf("%s requires a numeric argument", name)
		}
		return FloatVal(fn(a.AsFloat())), nil
	}
	switch name {
	case "sin":
		return mathFn(math.Sin)
	case "cos":
		return mathFn(math.Cos)
	case "tan":
		return mathFn(math.Tan)
	case "arcsin":
		return mathFn(math.Asin)
	case "arccos":
		return mathFn(math.Acos)
	case "arctan":
		return mathFn(math.Atan)
	case "int":
		a, err := one()
		if err != nil {
			return Value{}, err
		}
		if !a.IsNumeric() {
			return Value{}, fmt.Errorf("int() requires a numeric argument")
		}
		return IntVal(a.AsInt()), nil
	case "float":
		a, err := one()
		if err != nil {
			return Value{}, err
		}
		if !a.IsNumeric() {
			return Value{}, fmt.Errorf("float() requires a numeric argument")
		}
		return FloatVal(a.AsFloat()), nil
	case "is_number":
		a, err := one()
		if err != nil {
			return Value{}, err
		}
		return boolVal(a.IsNumeric()), nil
	case "is_list":
		a, err := one()
		if err != nil {
			return Value{}, err
		}
		return boolVal(a.Kind == KindList), nil
	case "is_string":
		a, err := one()
		if err != nil {
			return Value{}, err
		}
		return boolVal(a.Kind == KindString), nil
	case "len":
		a, err := one()
		if err != nil {
			return Value{}, err
		}
		switch a.Kind {
		case KindString:
			return IntVal(int64(len(a.S))), nil
		case KindList:
			return IntVal(int64(len(a.L))), nil
		default:
			return Value{}, fmt.Errorf("len() requires a string or list argument")
		}
	case "address", "addr":
		if len(node.args) != 1 || node.args[0].op != opIdentifier {
			return Value{}, fmt.Errorf("%s() requires a single label argument", name)
		}
		ident := node.args[0]
		v, resolved := ctx.lookupAddress(ident.identifier.str, ident.scopeLabel.str)
		if !resolved {
			return Undef(), nil
		}
		return v, nil
	default:
		return Value{}, fmt.Errorf("unknown function %q", name)
	}
}

// String renders the expression as a postfix-notation diagnostic
// string, for error messages that need to show the failing subtree.
func (e *expr) String() string {
	switch e.op {
	case opNumber:
		return fmt.Sprintf("%d", e.number)
	case opFloat:
		return fmt.Sprintf("%g", e.floatNum)
	case opString:
		return fmt.Sprintf("%q", e.str)
	case opPC:
		return "*"
	case opAnonFwd:
		return "+"
	case opAnonBack:
		return "-"
	case opIdentifier:
		return e.identifier.str
	case opFuncCall:
		return e.str + "(...)"
	}
	if e.op.isBinary() {
		return fmt.Sprintf("%s %s %s", e.child0.String(), e.child1.String(), e.op.symbol())
	}
	return fmt.Sprintf("%s [%s]", e.child0.String(), e.op.symbol())
}

//
// token
//

type tokentype byte

const (
	tokenNil tokentype = iota
	tokenOp
	tokenNumber
	tokenFloat
	tokenString
	tokenIdentifier
	tokenFuncName
	tokenPC
	tokenAnonFwd
	tokenAnonBack
	tokenLeftParen
	tokenRightParen
	tokenComma
)

func (tt tokentype) isValue() bool {
	switch tt {
	case tokenNumber, tokenFloat, tokenString, tokenIdentifier, tokenPC, tokenAnonFwd, tokenAnonBack:
		return true
	}
	return false
}

type token struct {
	tt         tokentype
	number     int64
	floatNum   float64
	str        string
	identifier fstring
	op         exprOp
}

//
// exprParser — Dijkstra's shunting-yard algorithm over a 13-level
// precedence table and tagged Value domain.
//

type exprParser struct {
	operandStack  exprStack
	operatorStack opStack
	parenCounter  int
	allowParens   bool
	prevToken     token
	errors        []asmerror
	scopeLabel    fstring
}

func (p *exprParser) parse(line, scopeLabel fstring) (e *expr, out fstring, err error) {
	p.errors = nil
	p.allowParens = true
	p.prevToken = token{}
	p.scopeLabel = scopeLabel
	p.operandStack.data, p.operatorStack.data = nil, nil
	p.parenCounter = 0

	for err == nil {
		var tok token
		tok, out, err = p.parseToken(line)
		if err != nil {
			break
		}
		if tok.tt == tokenNil || tok.tt == tokenComma {
			break
		}

		switch tok.tt {
		case tokenNumber:
			p.operandStack.push(&expr{op: opNumber, number: tok.number, evaluated: true})
		case tokenFloat:
			p.operandStack.push(&expr{op: opFloat, floatNum: tok.floatNum, evaluated: true})
		case tokenString:
			p.operandStack.push(&expr{op: opString, str: tok.str, evaluated: true})
		case tokenPC:
			p.operandStack.push(&expr{op: opPC})
		case tokenAnonFwd:
			p.operandStack.push(&expr{op: opAnonFwd})
		case tokenAnonBack:
			p.operandStack.push(&expr{op: opAnonBack})
		case tokenIdentifier:
			p.operandStack.push(&expr{op: opIdentifier, identifier: tok.identifier, scopeLabel: scopeLabel})
		case tokenFuncName:
			var fn *expr
			fn, out, err = p.parseFuncCall(tok.identifier.str, out)
			if err != nil {
				break
			}
			p.operandStack.push(fn)
		case tokenOp:
			for err == nil && !p.operatorStack.empty() && tok.op.collapses(p.operatorStack.peek()) {
				err = p.operandStack.collapse(p.operatorStack.pop())
				if err != nil {
					p.addError(line, "Expression syntax error")
				}
			}
			p.operatorStack.push(tok.op)
		case tokenLeftParen:
			p.operatorStack.push(opLeftParen)
		case tokenRightParen:
			for err == nil {
				if p.operatorStack.empty() {
					p.addError(line, "Mismatched parentheses")
					err = errParse
					break
				}
				op := p.operatorStack.pop()
				if op == opLeftParen {
					break
				}
				err = p.operandStack.collapse(op)
				if err != nil {
					p.addError(line, "Expression syntax error")
				}
			}
		}
		line = out
	}

	for err == nil && !p.operatorStack.empty() {
		err = p.operandStack.collapse(p.operatorStack.pop())
		if err != nil {
			p.addError(line, "Expression syntax error")
			err = errParse
		}
	}

	if err == nil {
		e = p.operandStack.peek()
		if e == nil {
			p.addError(line, "Expected an expression")
			err = errParse
		}
	}
	return
}

// parseFuncCall parses "(arg, arg, ...)" immediately following a
// function name that has already been consumed.
func (p *exprParser) parseFuncCall(name string, line fstring) (fn *expr, out fstring, err error) {
	line = line.consumeWhitespace()
	if !line.startsWithChar('(') {
		p.addError(line, "Expected '(' after function name")
		return nil, line, errParse
	}
	line = line.consume(1).consumeWhitespace()
	fn = &expr{op: opFuncCall, str: name}
	if line.startsWithChar(')') {
		return fn, line.consume(1).consumeWhitespace(), nil
	}
	for {
		sub := &exprParser{}
		var arg *expr
		arg, line, err = sub.parse(line, p.scopeLabel)
		if err != nil {
			return nil, line, err
		}
		fn.args = append(fn.args, arg)
		line = line.consumeWhitespace()
		if line.startsWithChar(',') {
			line = line.consume(1).consumeWhitespace()
			continue
		}
		if line.startsWithChar(')') {
			line = line.consume(1).consumeWhitespace()
			break
		}
		p.addError(line, "Expected ',' or ')' in argument list")
		return nil, line, errParse
	}
	return fn, line, nil
}

func (p *exprParser) parseToken(line fstring) (t token, out fstring, err error) {
	line = line.consumeWhitespace()
	if line.isEmpty() {
		t.tt, out = tokenNil, line
		return
	}

	prevIsValue := p.prevToken.tt.isValue() || p.prevToken.tt == tokenRightParen

	switch {
	case line.startsWith(decimal) || line.startsWithChar('$') ||
		(line.startsWithChar('%') && !prevIsValue && len(line.str) > 1 && binarynum(line.str[1])):
		t, out, err = p.parseNumber(line)
		if prevIsValue {
			p.addError(line, "Expression syntax error")
			err = errParse
		}

	case line.startsWithChar('"'):
		var s string
		var ok bool
		s, out, ok = line.consumeQuotedString()
		if !ok {
			p.addError(line, "Unterminated string literal")
			err = errParse
			break
		}
		t.tt, t.str = tokenString, s

	case line.startsWithChar('\'') && len(line.str) >= 3 && line.str[2] == '\'':
		t.tt, t.number = tokenNumber, int64(line.str[1])
		out = line.consume(3)

	case line.startsWithChar('*') && !prevIsValue:
		t.tt, out = tokenPC, line.consume(1)

	case line.startsWithChar('+') && !prevIsValue && !(len(line.str) > 1 && (decimal(line.str[1]) || identifierStartChar(line.str[1]))):
		t.tt, out = tokenAnonFwd, line.consume(1)

	case line.startsWithChar('-') && !prevIsValue && !(len(line.str) > 1 && (decimal(line.str[1]) || identifierStartChar(line.str[1]))):
		t.tt, out = tokenAnonBack, line.consume(1)

	case line.startsWithChar('('):
		t.tt, t.op, out = tokenLeftParen, opLeftParen, line.consume(1)

	case line.startsWithChar(')'):
		t.tt, t.op, out = tokenRightParen, opRightParen, line.consume(1)

	case line.startsWithChar(','):
		t.tt, out = tokenComma, line.consume(1)

	case line.startsWith(identifierStartChar):
		var ident fstring
		ident, out = line.consumeWhile(identifierChar)
		if out.startsWithChar('(') {
			t.tt, t.identifier = tokenFuncName, ident
		} else {
			t.tt, t.identifier = tokenIdentifier, ident
			if prevIsValue {
				p.addError(line, "Expression syntax error")
				err = errParse
			}
		}

	default:
		t, out, err = p.parseOperator(line, prevIsValue)
	}

	p.prevToken = t
	out = out.consumeWhitespace()
	return
}

// parseOperator performs longest-match operator scanning, disambiguating
// unary from binary forms by whether an operand is expected next.
func (p *exprParser) parseOperator(line fstring, prevIsValue bool) (t token, out fstring, err error) {
	type cand struct {
		op  exprOp
		sym string
	}
	// longest-symbol-first so "<<" beats "<", "<=" beats "<", etc.
	candidates := []cand{
		{opLogicalOr, "||"}, {opLogicalAnd, "&&"},
		{opShl, "<<"}, {opShr, ">>"},
		{opLe, "<="}, {opGe, ">="}, {opNe, "<>"}, {opNe, "!="}, {opEq, "=="},
		{opPow, "**"},
		{opBitOr, "|"}, {opBitXor, "^"}, {opBitAnd, "&"},
		{opAdd, "+"}, {opSub, "-"},
		{opMul, "*"}, {opDiv, "/"}, {opMod, "%"},
		{opLogicalNot, "!"}, {opBitNot, "~"},
		{opLt, "<"}, {opGt, ">"},
	}
	for _, c := range candidates {
		if !line.startsWithString(c.sym) {
			continue
		}
		op := c.op
		if !prevIsValue {
			// prefer the unary reading when an operand is expected
			switch op {
			case opAdd:
				op = opUnaryPlus
			case opSub:
				op = opUnaryMinus
			case opLt:
				op = opLoByte
			case opGt:
				op = opHiByte
			case opLogicalNot, opBitNot:
				// already unary-only
			default:
				continue // a pure-binary operator cannot start an atom
			}
		}
		t.tt, t.op, out = tokenOp, op, line.consume(len(c.sym))
		return
	}
	p.addError(line, "Expression syntax error")
	err = errParse
	out = line
	return
}

func (p *exprParser) parseNumber(line fstring) (t token, out fstring, err error) {
	base, fn := 10, decimal
	if line.startsWithChar('$') {
		line = line.consume(1)
		base, fn = 16, hexadecimal
	} else if line.startsWithString("0x") {
		line = line.consume(2)
		base, fn = 16, hexadecimal
	} else if line.startsWithString("0b") {
		line = line.consume(2)
		base, fn = 2, binarynum
	} else if line.startsWithChar('%') {
		line = line.consume(1)
		base, fn = 2, binarynum
	}

	numstr, remain := line.consumeWhile(fn)

	if base == 10 && remain.startsWithChar('.') && len(remain.str) > 1 && decimal(remain.str[1]) {
		afterDot := remain.consume(1)
		frac, remain2 := afterDot.consumeWhile(decimal)
		f, ferr := strconv.ParseFloat(numstr.str+"."+frac.str, 64)
		if ferr != nil {
			p.addError(numstr, "Failed to parse float")
			return token{}, remain2, errParse
		}
		return token{tt: tokenFloat, floatNum: f}, remain2, nil
	}

	num64, converr := strconv.ParseInt(numstr.str, base, 64)
	if converr != nil {
		p.addError(numstr, "Failed to parse integer")
		return token{}, remain, errParse
	}
	return token{tt: tokenNumber, number: num64}, remain, nil
}

func (p *exprParser) addError(line fstring, msg string) {
	p.errors = append(p.errors, asmerror{line, msg})
}

//
// exprStack
//

type exprStack struct {
	data []*expr
}

func (s *exprStack) empty() bool { return len(s.data) == 0 }

func (s *exprStack) push(e *expr) { s.data = append(s.data, e) }

func (s *exprStack) pop() *expr {
	l := len(s.data)
	e := s.data[l-1]
	s.data = s.data[:l-1]
	return e
}

func (s *exprStack) peek() *expr {
	if len(s.data) == 0 {
		return nil
	}
	return s.data[len(s.data)-1]
}

func (s *exprStack) collapse(op exprOp) error {
	switch {
	case !op.isCollapsible():
		return errParse
	case op.isBinary():
		if len(s.data) < 2 {
			return errParse
		}
		s.push(&expr{op: op, child1: s.pop(), child0: s.pop()})
	default:
		if s.empty() {
			return errParse
		}
		s.push(&expr{op: op, child0: s.pop()})
	}
	return nil
}

//
// opStack
//

type opStack struct {
	data []exprOp
}

func (s *opStack) push(op exprOp) { s.data = append(s.data, op) }

func (s *opStack) pop() exprOp {
	op := s.data[len(s.data)-1]
	s.data = s.data[:len(s.data)-1]
	return op
}

func (s *opStack) empty() bool { return len(s.data) == 0 }

func (s *opStack) peek() exprOp { return s.data[len(s.data)-1] }
