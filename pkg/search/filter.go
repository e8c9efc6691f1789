package search

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

var (
	// ErrInvalidFilter is returned for filters that do not parse or that
	// reference unknown descriptors.
	ErrInvalidFilter = errors.New("invalid filter")
	// ErrInvalidTarget is the same for nnrange targets.
	ErrInvalidTarget = errors.New("invalid target")

	errSyntax = errors.New("syntax error")
)

// UnknownDescriptorError reports filter or target fields that name no
// descriptor in the index.
type UnknownDescriptorError struct {
	Kind  string // "Filter" or "Target"
	Names []string
}

func (e *UnknownDescriptorError) Error() string {
	return fmt.Sprintf("%s error: At least one feature name does not match with any descirptor name in our database (%s). ",
		e.Kind, strings.Join(e.Names, ", "))
}

func (e *UnknownDescriptorError) Unwrap() error {
	if e.Kind == "Target" {
		return ErrInvalidTarget
	}
	return ErrInvalidFilter
}

// TermKind is the value shape of a filter term.
type TermKind int

const (
	// TermNumber matches `field:3.5`.
	TermNumber TermKind = iota
	// TermString matches `field:"value"`.
	TermString
	// TermArray matches `field:1,2,3` or `field:[1,2,3]`.
	TermArray
	// TermRange matches `field:[a TO b]`, where either bound may be `*`.
	TermRange
)

// Term is a single `field:value` condition.
type Term struct {
	Field  string
	Kind   TermKind
	Number float64
	Text   string
	Values []float64
	Min    *float64
	Max    *float64
}

// Op is the node type of a filter expression.
type Op int

const (
	OpTerm Op = iota
	OpAnd
	OpOr
	OpNot
)

// Expr is a parsed filter. Leaves hold a Term; OpNot uses Left only.
type Expr struct {
	Op    Op
	Term  *Term
	Left  *Expr
	Right *Expr
}

// Fields lists every field the expression references, in order of
// appearance.
func (e *Expr) Fields() []string {
	var out []string
	e.walk(func(t *Term) { out = append(out, t.Field) })
	return out
}

func (e *Expr) walk(fn func(*Term)) {
	if e == nil {
		return
	}
	if e.Op == OpTerm {
		fn(e.Term)
		return
	}
	e.Left.walk(fn)
	e.Right.walk(fn)
}

// ParseFilter parses a filter string such as
//
//	.lowlevel.pitch.mean:[100 TO 300] AND NOT .tonal.key_key:"A"
//
// Terms separated only by whitespace are joined with AND. NOT binds tighter
// than AND, which binds tighter than OR. When known is non-nil every field
// must satisfy it, otherwise an *UnknownDescriptorError naming the offenders
// is returned.
func ParseFilter(s string, known func(string) bool) (*Expr, error) {
	expr, err := parse(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFilter, err)
	}
	if err := checkFields("Filter", expr.Fields(), known); err != nil {
		return nil, err
	}
	return expr, nil
}

// ParseTarget parses a descriptor-values target such as
//
//	.lowlevel.pitch.mean:220 .lowlevel.mfcc.mean:[1,2,3]
//
// into descriptor name to values. Only numeric terms joined by AND are
// allowed.
func ParseTarget(s string, known func(string) bool) (map[string][]float64, error) {
	expr, err := parse(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTarget, err)
	}
	out := make(map[string][]float64)
	if err := collectTarget(expr, out); err != nil {
		return nil, fmt.Errorf("%w: only numeric terms joined by AND are allowed", ErrInvalidTarget)
	}
	if err := checkFields("Target", expr.Fields(), known); err != nil {
		return nil, err
	}
	return out, nil
}

// IsDescriptorTarget reports whether a target string holds descriptor values
// rather than a sound id.
func IsDescriptorTarget(s string) bool {
	return strings.Contains(s, ":")
}

func collectTarget(e *Expr, out map[string][]float64) error {
	switch e.Op {
	case OpAnd:
		if err := collectTarget(e.Left, out); err != nil {
			return err
		}
		return collectTarget(e.Right, out)
	case OpTerm:
		switch e.Term.Kind {
		case TermNumber:
			out[e.Term.Field] = []float64{e.Term.Number}
			return nil
		case TermArray:
			out[e.Term.Field] = e.Term.Values
			return nil
		}
	}
	return errSyntax
}

func checkFields(kind string, fields []string, known func(string) bool) error {
	if known == nil {
		return nil
	}
	var bad []string
	seen := make(map[string]bool)
	for _, f := range fields {
		if !known(f) && !seen[f] {
			bad = append(bad, f)
			seen[f] = true
		}
	}
	if len(bad) > 0 {
		return &UnknownDescriptorError{Kind: kind, Names: bad}
	}
	return nil
}

// Tokenizer

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokWord
	tokString
	tokLParen
	tokRParen
	tokLBracket
	tokRBracket
	tokColon
	tokComma
)

type token struct {
	kind tokenKind
	text string
}

func tokenize(s string) ([]token, error) {
	var toks []token
	r := []rune(s)
	for i := 0; i < len(r); {
		c := r[i]
		switch {
		case unicode.IsSpace(c):
			i++
		case c == '(':
			toks = append(toks, token{kind: tokLParen})
			i++
		case c == ')':
			toks = append(toks, token{kind: tokRParen})
			i++
		case c == '[':
			toks = append(toks, token{kind: tokLBracket})
			i++
		case c == ']':
			toks = append(toks, token{kind: tokRBracket})
			i++
		case c == ':':
			toks = append(toks, token{kind: tokColon})
			i++
		case c == ',':
			toks = append(toks, token{kind: tokComma})
			i++
		case c == '"' || c == '\'':
			j := i + 1
			for j < len(r) && r[j] != c {
				j++
			}
			if j == len(r) {
				return nil, errSyntax
			}
			toks = append(toks, token{kind: tokString, text: string(r[i+1 : j])})
			i = j + 1
		default:
			j := i
			for j < len(r) && !unicode.IsSpace(r[j]) && !strings.ContainsRune("()[]:,\"'", r[j]) {
				j++
			}
			toks = append(toks, token{kind: tokWord, text: string(r[i:j])})
			i = j
		}
	}
	return append(toks, token{kind: tokEOF}), nil
}

// Parser

type parser struct {
	toks []token
	pos  int
}

func parse(s string) (*Expr, error) {
	if strings.TrimSpace(s) == "" {
		return nil, errSyntax
	}
	toks, err := tokenize(s)
	if err != nil {
		return nil, err
	}
	p := &parser{toks: toks}
	expr, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if p.peek().kind != tokEOF {
		return nil, errSyntax
	}
	return expr, nil
}

func (p *parser) peek() token { return p.toks[p.pos] }

func (p *parser) next() token {
	t := p.toks[p.pos]
	if t.kind != tokEOF {
		p.pos++
	}
	return t
}

func (p *parser) keyword(word string) bool {
	t := p.peek()
	return t.kind == tokWord && t.text == word
}

func (p *parser) parseOr() (*Expr, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.keyword("OR") {
		p.next()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = &Expr{Op: OpOr, Left: left, Right: right}
	}
	return left, nil
}

func (p *parser) parseAnd() (*Expr, error) {
	left, err := p.parseNot()
	if err != nil {
		return nil, err
	}
	for {
		switch {
		case p.keyword("AND"):
			p.next()
		case p.keyword("OR"), p.peek().kind == tokEOF, p.peek().kind == tokRParen:
			return left, nil
		}
		right, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		left = &Expr{Op: OpAnd, Left: left, Right: right}
	}
}

func (p *parser) parseNot() (*Expr, error) {
	if p.keyword("NOT") {
		p.next()
		inner, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		return &Expr{Op: OpNot, Left: inner}, nil
	}
	return p.parsePrimary()
}

func (p *parser) parsePrimary() (*Expr, error) {
	if p.peek().kind == tokLParen {
		p.next()
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if p.next().kind != tokRParen {
			return nil, errSyntax
		}
		return inner, nil
	}
	term, err := p.parseTerm()
	if err != nil {
		return nil, err
	}
	return &Expr{Op: OpTerm, Term: term}, nil
}

func (p *parser) parseTerm() (*Term, error) {
	field := p.next()
	if field.kind != tokWord || isKeyword(field.text) {
		return nil, errSyntax
	}
	if p.next().kind != tokColon {
		return nil, errSyntax
	}
	t := &Term{Field: field.text}

	switch tok := p.next(); tok.kind {
	case tokString:
		t.Kind = TermString
		t.Text = strings.ReplaceAll(tok.text, "sharp", "#")
	case tokLBracket:
		if err := p.parseBracket(t); err != nil {
			return nil, err
		}
	case tokWord:
		n, err := parseNumber(tok.text)
		if err != nil {
			return nil, err
		}
		values := []float64{n}
		for p.peek().kind == tokComma {
			p.next()
			v, err := p.number()
			if err != nil {
				return nil, err
			}
			values = append(values, v)
		}
		if len(values) == 1 {
			t.Kind = TermNumber
			t.Number = n
		} else {
			t.Kind = TermArray
			t.Values = values
		}
	default:
		return nil, errSyntax
	}
	return t, nil
}

// parseBracket handles `[a TO b]` and `[1,2,3]` after the opening bracket.
func (p *parser) parseBracket(t *Term) error {
	first := p.next()
	if first.kind != tokWord {
		return errSyntax
	}

	if p.keyword("TO") {
		p.next()
		second := p.next()
		if second.kind != tokWord || p.next().kind != tokRBracket {
			return errSyntax
		}
		lo, err := bound(first.text)
		if err != nil {
			return err
		}
		hi, err := bound(second.text)
		if err != nil {
			return err
		}
		t.Kind = TermRange
		t.Min, t.Max = lo, hi
		return nil
	}

	n, err := parseNumber(first.text)
	if err != nil {
		return err
	}
	t.Kind = TermArray
	t.Values = []float64{n}
	for {
		switch p.next().kind {
		case tokRBracket:
			return nil
		case tokComma:
			v, err := p.number()
			if err != nil {
				return err
			}
			t.Values = append(t.Values, v)
		default:
			return errSyntax
		}
	}
}

func (p *parser) number() (float64, error) {
	tok := p.next()
	if tok.kind != tokWord {
		return 0, errSyntax
	}
	return parseNumber(tok.text)
}

func bound(s string) (*float64, error) {
	if s == "*" {
		return nil, nil
	}
	n, err := parseNumber(s)
	if err != nil {
		return nil, err
	}
	return &n, nil
}

func parseNumber(s string) (float64, error) {
	n, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, errSyntax
	}
	return n, nil
}

func isKeyword(s string) bool {
	return s == "AND" || s == "OR" || s == "NOT" || s == "TO"
}
