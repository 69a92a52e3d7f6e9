package asm

// condBlock is one entry in the conditional-assembly stack. Blocks are
// always brace-delimited; there is no separate non-brace !fi
// terminator form.
type condBlock struct {
	isActive bool
	hasElse  bool
	startLine int
}

// condProcessor implements !if/!ifdef/!ifndef/!else and brace-tracking
// skip-level bookkeeping.
type condProcessor struct {
	stack     []condBlock
	skipLevel int
}

func newCondProcessor() *condProcessor { return &condProcessor{} }

func (c *condProcessor) isSkipping() bool { return c.skipLevel > 0 }

func (c *condProcessor) depth() int { return len(c.stack) }

// push opens a new conditional block. isTrue is the evaluated condition
// (already accounting for !ifdef/!ifndef polarity); the caller supplies
// it.
func (c *condProcessor) push(isTrue bool, line int) (active bool) {
	if c.isSkipping() {
		c.stack = append(c.stack, condBlock{isActive: false, startLine: line})
		c.skipLevel++
		return false
	}
	c.stack = append(c.stack, condBlock{isActive: isTrue, startLine: line})
	if !isTrue {
		c.skipLevel = 1
	}
	return isTrue
}

// else_ switches the active branch of the innermost block. Only
// meaningful when the block is at the top level of skip tracking --
// a nested block's else can't change whether an ancestor is skipping.
func (c *condProcessor) else_() (active bool, err error) {
	if len(c.stack) == 0 {
		return false, errUnmatchedElse
	}
	top := &c.stack[len(c.stack)-1]
	if top.hasElse {
		return false, errDuplicateElse
	}
	top.hasElse = true
	if len(c.stack) == 1 {
		if c.skipLevel == 1 {
			top.isActive = true
			c.skipLevel = 0
		} else if c.skipLevel == 0 {
			top.isActive = false
			c.skipLevel = 1
		}
	}
	return top.isActive, nil
}

// pop closes the innermost conditional block (the matching '}').
func (c *condProcessor) pop() error {
	if len(c.stack) == 0 {
		return errUnmatchedBrace
	}
	c.stack = c.stack[:len(c.stack)-1]
	if len(c.stack) == 0 {
		c.skipLevel = 0
	} else if c.skipLevel > 0 {
		c.skipLevel--
	}
	return nil
}

func (c *condProcessor) resetForPass() {
	c.stack = nil
	c.skipLevel = 0
}

func (c *condProcessor) validateClosed() error {
	if len(c.stack) != 0 {
		return errUnclosedConditional
	}
	return nil
}
