// Package expr implements the predicate language used by policy rules and
// quota definitions, and the first-match rule evaluator built on top of it.
//
// Grammar:
//
//	expr    = or
//	or      = and { ("or" | "||") and }
//	and     = unary { ("and" | "&&") unary }
//	unary   = ("not" | "!") unary | "(" expr ")" | "true" | "false" | compare
//	compare = field ("=" | "==" | "!=") literal
//
// Literals are single- or double-quoted strings. A remote_ip literal may be a
// CIDR prefix.
package expr

import (
	"fmt"
	"net/netip"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// Expr is a compiled predicate. The zero value is not usable; a nil *Expr
// always matches.
type Expr struct {
	src  string
	root node
}

type node interface {
	eval(env *Env) bool
	refs(f Field) bool
}

// Parse compiles src.
func Parse(src string) (*Expr, error) {
	p := &parser{src: src}
	if err := p.lex(); err != nil {
		return nil, err
	}
	root, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if p.pos != len(p.toks) {
		return nil, fmt.Errorf("unexpected %q at offset %d", p.toks[p.pos].text, p.toks[p.pos].off)
	}
	return &Expr{src: src, root: root}, nil
}

// MustParse is like Parse but panics on error. Intended for tests and
// package-level values.
func MustParse(src string) *Expr {
	e, err := Parse(src)
	if err != nil {
		panic("expr: " + err.Error())
	}
	return e
}

// Match evaluates the expression. A nil expression matches everything.
func (e *Expr) Match(env Env) bool {
	if e == nil {
		return true
	}
	return e.root.eval(&env)
}

// References reports whether the expression reads f.
func (e *Expr) References(f Field) bool {
	if e == nil {
		return false
	}
	return e.root.refs(f)
}

// ReferencesRecipient reports whether the expression reads a per-recipient field.
func (e *Expr) ReferencesRecipient() bool {
	return e.References(FieldRcpt) || e.References(FieldRcptDomain)
}

func (e *Expr) String() string {
	if e == nil {
		return "true"
	}
	return e.src
}

type constNode bool

func (c constNode) eval(*Env) bool  { return bool(c) }
func (c constNode) refs(Field) bool { return false }

type notNode struct{ n node }

func (n notNode) eval(env *Env) bool { return !n.n.eval(env) }
func (n notNode) refs(f Field) bool  { return n.n.refs(f) }

type andNode struct{ l, r node }

func (n andNode) eval(env *Env) bool { return n.l.eval(env) && n.r.eval(env) }
func (n andNode) refs(f Field) bool  { return n.l.refs(f) || n.r.refs(f) }

type orNode struct{ l, r node }

func (n orNode) eval(env *Env) bool { return n.l.eval(env) || n.r.eval(env) }
func (n orNode) refs(f Field) bool  { return n.l.refs(f) || n.r.refs(f) }

type cmpNode struct {
	field  Field
	negate bool
	lit    string
	prefix netip.Prefix
}

func (n cmpNode) eval(env *Env) bool {
	var eq bool
	if n.field == FieldRemoteIP {
		if !env.RemoteIP.IsValid() {
			eq = false
		} else if n.prefix.IsValid() {
			eq = n.prefix.Contains(env.RemoteIP.Unmap())
		} else {
			eq = env.Value(FieldRemoteIP) == n.lit
		}
	} else {
		eq = env.Value(n.field) == n.lit
	}
	return eq != n.negate
}

func (n cmpNode) refs(f Field) bool { return n.field == f }

type tokKind int

const (
	tokIdent tokKind = iota
	tokString
	tokEq
	tokNe
	tokLParen
	tokRParen
	tokAnd
	tokOr
	tokNot
)

type token struct {
	kind tokKind
	text string
	off  int
}

type parser struct {
	src  string
	toks []token
	pos  int
}

func (p *parser) lex() error {
	s := p.src
	for i := 0; i < len(s); {
		c := s[i]
		switch {
		case c == ' ' || c == '\t' || c == '\r' || c == '\n':
			i++
		case c == '(':
			p.toks = append(p.toks, token{tokLParen, "(", i})
			i++
		case c == ')':
			p.toks = append(p.toks, token{tokRParen, ")", i})
			i++
		case c == '=':
			if i+1 < len(s) && s[i+1] == '=' {
				p.toks = append(p.toks, token{tokEq, "==", i})
				i += 2
			} else {
				p.toks = append(p.toks, token{tokEq, "=", i})
				i++
			}
		case c == '!':
			if i+1 < len(s) && s[i+1] == '=' {
				p.toks = append(p.toks, token{tokNe, "!=", i})
				i += 2
			} else {
				p.toks = append(p.toks, token{tokNot, "!", i})
				i++
			}
		case c == '&' && i+1 < len(s) && s[i+1] == '&':
			p.toks = append(p.toks, token{tokAnd, "&&", i})
			i += 2
		case c == '|' && i+1 < len(s) && s[i+1] == '|':
			p.toks = append(p.toks, token{tokOr, "||", i})
			i += 2
		case c == '\'' || c == '"':
			end := strings.IndexByte(s[i+1:], c)
			if end < 0 {
				return fmt.Errorf("unterminated string at offset %d", i)
			}
			p.toks = append(p.toks, token{tokString, s[i+1 : i+1+end], i})
			i += end + 2
		case c == '_' || unicode.IsLetter(rune(c)):
			start := i
			for i < len(s) && (s[i] == '_' || s[i] == '-' || unicode.IsLetter(rune(s[i])) || unicode.IsDigit(rune(s[i]))) {
				i++
			}
			word := s[start:i]
			switch strings.ToLower(word) {
			case "and":
				p.toks = append(p.toks, token{tokAnd, word, start})
			case "or":
				p.toks = append(p.toks, token{tokOr, word, start})
			case "not":
				p.toks = append(p.toks, token{tokNot, word, start})
			default:
				p.toks = append(p.toks, token{tokIdent, word, start})
			}
		default:
			return fmt.Errorf("unexpected character %q at offset %d", c, i)
		}
	}
	if len(p.toks) == 0 {
		return fmt.Errorf("empty expression")
	}
	return nil
}

func (p *parser) peek() *token {
	if p.pos >= len(p.toks) {
		return nil
	}
	return &p.toks[p.pos]
}

func (p *parser) parseOr() (node, error) {
	l, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for t := p.peek(); t != nil && t.kind == tokOr; t = p.peek() {
		p.pos++
		r, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		l = orNode{l, r}
	}
	return l, nil
}

func (p *parser) parseAnd() (node, error) {
	l, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for t := p.peek(); t != nil && t.kind == tokAnd; t = p.peek() {
		p.pos++
		r, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		l = andNode{l, r}
	}
	return l, nil
}

func (p *parser) parseUnary() (node, error) {
	t := p.peek()
	if t == nil {
		return nil, fmt.Errorf("unexpected end of expression")
	}
	switch t.kind {
	case tokNot:
		p.pos++
		n, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return notNode{n}, nil
	case tokLParen:
		p.pos++
		n, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if c := p.peek(); c == nil || c.kind != tokRParen {
			return nil, fmt.Errorf("missing ')' for '(' at offset %d", t.off)
		}
		p.pos++
		return n, nil
	case tokIdent:
		switch strings.ToLower(t.text) {
		case "true":
			p.pos++
			return constNode(true), nil
		case "false":
			p.pos++
			return constNode(false), nil
		}
		return p.parseCompare()
	}
	return nil, fmt.Errorf("unexpected %q at offset %d", t.text, t.off)
}

func (p *parser) parseCompare() (node, error) {
	ft := p.toks[p.pos]
	field, err := ParseField(ft.text)
	if err != nil {
		return nil, fmt.Errorf("%v at offset %d", err, ft.off)
	}
	p.pos++

	op := p.peek()
	if op == nil || (op.kind != tokEq && op.kind != tokNe) {
		return nil, fmt.Errorf("expected '=' or '!=' after %s", ft.text)
	}
	p.pos++

	lt := p.peek()
	if lt == nil || lt.kind != tokString {
		return nil, fmt.Errorf("expected quoted literal after %s %s", ft.text, op.text)
	}
	p.pos++

	n := cmpNode{field: field, negate: op.kind == tokNe}
	if field == FieldRemoteIP {
		lit := strings.TrimSpace(lt.text)
		if strings.Contains(lit, "/") {
			prefix, err := netip.ParsePrefix(lit)
			if err != nil {
				return nil, fmt.Errorf("invalid CIDR %q: %w", lit, err)
			}
			n.prefix = prefix.Masked()
		} else {
			addr, err := netip.ParseAddr(lit)
			if err != nil {
				return nil, fmt.Errorf("invalid IP address %q: %w", lit, err)
			}
			n.lit = addr.Unmap().String()
		}
	} else {
		n.lit = strings.ToLower(norm.NFC.String(strings.TrimSpace(lt.text)))
	}
	return n, nil
}
