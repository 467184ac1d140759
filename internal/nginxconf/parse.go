// Package nginxconf parses nginx configuration into a tree of directives and
// edits include directives without disturbing the rest of the text.
package nginxconf

import (
	"fmt"
	"strings"
)

// Directive is one simple (`name args;`) or block (`name args { ... }`)
// directive. Offsets index into the source passed to Parse.
type Directive struct {
	Name  string
	Args  []string
	Start int // offset of the name
	End   int // offset just past the terminating ';' or '}'

	IsBlock    bool
	BlockOpen  int // offset of '{'
	BlockClose int // offset of '}'
	Block      []*Directive
}

// Config is a parsed configuration file.
type Config struct {
	Directives []*Directive
}

// Find returns the first top-level block directive called name.
func (c *Config) Find(name string) *Directive {
	for _, d := range c.Directives {
		if d.IsBlock && d.Name == name {
			return d
		}
	}
	return nil
}

// Walk calls fn for every directive, depth first, in source order.
func (c *Config) Walk(fn func(d *Directive)) {
	walk(c.Directives, fn)
}

func walk(ds []*Directive, fn func(d *Directive)) {
	for _, d := range ds {
		fn(d)
		if d.IsBlock {
			walk(d.Block, fn)
		}
	}
}

// Parse builds the directive tree of src. Comments are dropped and quoted
// strings are unquoted. Unbalanced braces and unterminated directives are
// errors.
func Parse(src string) (*Config, error) {
	toks, err := lex(src)
	if err != nil {
		return nil, err
	}
	p := &parser{src: src, toks: toks}
	ds, err := p.block(0)
	if err != nil {
		return nil, err
	}
	return &Config{Directives: ds}, nil
}

type tokKind int

const (
	tWord tokKind = iota
	tSemi
	tOpen
	tClose
)

type token struct {
	kind  tokKind
	val   string
	start int
	end   int
}

func lineOf(src string, off int) int {
	return strings.Count(src[:off], "\n") + 1
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r'
}

func lex(src string) ([]token, error) {
	var toks []token
	i := 0
	for i < len(src) {
		c := src[i]
		switch {
		case isSpace(c):
			i++
		case c == '#':
			for i < len(src) && src[i] != '\n' {
				i++
			}
		case c == ';':
			toks = append(toks, token{kind: tSemi, start: i, end: i + 1})
			i++
		case c == '{':
			toks = append(toks, token{kind: tOpen, start: i, end: i + 1})
			i++
		case c == '}':
			toks = append(toks, token{kind: tClose, start: i, end: i + 1})
			i++
		case c == '"' || c == '\'':
			j := i + 1
			var b strings.Builder
			for {
				if j >= len(src) {
					return nil, fmt.Errorf("line %d: unterminated quoted string", lineOf(src, i))
				}
				if src[j] == '\\' && j+1 < len(src) {
					b.WriteByte(src[j+1])
					j += 2
					continue
				}
				if src[j] == c {
					break
				}
				b.WriteByte(src[j])
				j++
			}
			toks = append(toks, token{kind: tWord, val: b.String(), start: i, end: j + 1})
			i = j + 1
		default:
			j := i
			for j < len(src) && !isSpace(src[j]) && src[j] != ';' && src[j] != '{' && src[j] != '}' {
				j++
			}
			toks = append(toks, token{kind: tWord, val: src[i:j], start: i, end: j})
			i = j
		}
	}
	return toks, nil
}

type parser struct {
	src  string
	toks []token
	pos  int
}

func (p *parser) errorf(off int, format string, args ...any) error {
	return fmt.Errorf("line %d: %s", lineOf(p.src, off), fmt.Sprintf(format, args...))
}

// block parses directives until the matching '}' (depth > 0) or EOF.
func (p *parser) block(depth int) ([]*Directive, error) {
	var ds []*Directive
	for p.pos < len(p.toks) {
		tok := p.toks[p.pos]
		switch tok.kind {
		case tClose:
			if depth == 0 {
				return nil, p.errorf(tok.start, `unexpected "}"`)
			}
			return ds, nil
		case tSemi:
			return nil, p.errorf(tok.start, `unexpected ";"`)
		case tOpen:
			return nil, p.errorf(tok.start, `unexpected "{"`)
		}

		d := &Directive{Name: tok.val, Start: tok.start}
		p.pos++
		for p.pos < len(p.toks) && p.toks[p.pos].kind == tWord {
			d.Args = append(d.Args, p.toks[p.pos].val)
			p.pos++
		}
		if p.pos >= len(p.toks) {
			return nil, p.errorf(len(p.src), `unexpected end of file, expecting ";" or "}"`)
		}

		term := p.toks[p.pos]
		switch term.kind {
		case tSemi:
			d.End = term.end
			p.pos++
		case tOpen:
			d.IsBlock = true
			d.BlockOpen = term.start
			p.pos++
			children, err := p.block(depth + 1)
			if err != nil {
				return nil, err
			}
			if p.pos >= len(p.toks) {
				return nil, p.errorf(len(p.src), `unexpected end of file, expecting "}"`)
			}
			closing := p.toks[p.pos]
			d.Block = children
			d.BlockClose = closing.start
			d.End = closing.end
			p.pos++
		case tClose:
			return nil, p.errorf(term.start, `directive %q is not terminated by ";"`, d.Name)
		}
		ds = append(ds, d)
	}
	return ds, nil
}
