package sentinel

import (
	"fmt"
	"strings"
)

// ParseCondition parses the limited, deterministic condition syntax used in
// declarative policy definitions into the native Predicate combinators.
// Supported forms:
//
//	true
//	resource.<field> == principal.user_id        (and other principal refs)
//	resource.<field> == attr.<key>
//	resource.<field> == "literal"
//	resource.<field> in ["a", "b"]
//	resource.<field> in attr.<key>
//	<cond> and <cond>
//	<cond> or <cond>
//	( <cond> )
//
// Predicate.String() renders back into this syntax, so conditions survive a
// round trip through persistence.
func ParseCondition(s string) (Predicate, error) {
	p := &condParser{input: s}
	expr, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	p.skipSpace()
	if p.pos != len(p.input) {
		return nil, fmt.Errorf("unsupported condition syntax near %q", p.input[p.pos:])
	}
	return expr, nil
}

type condParser struct {
	input string
	pos   int
}

func (p *condParser) skipSpace() {
	for p.pos < len(p.input) && (p.input[p.pos] == ' ' || p.input[p.pos] == '\t') {
		p.pos++
	}
}

func (p *condParser) parseOr() (Predicate, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	preds := []Predicate{left}
	for p.consumeWord("or") {
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		preds = append(preds, right)
	}
	if len(preds) == 1 {
		return preds[0], nil
	}
	return Or{Preds: preds}, nil
}

func (p *condParser) parseAnd() (Predicate, error) {
	left, err := p.parseTerm()
	if err != nil {
		return nil, err
	}
	preds := []Predicate{left}
	for p.consumeWord("and") {
		right, err := p.parseTerm()
		if err != nil {
			return nil, err
		}
		preds = append(preds, right)
	}
	if len(preds) == 1 {
		return preds[0], nil
	}
	return And{Preds: preds}, nil
}

func (p *condParser) parseTerm() (Predicate, error) {
	p.skipSpace()
	if p.pos < len(p.input) && p.input[p.pos] == '(' {
		p.pos++
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		p.skipSpace()
		if p.pos >= len(p.input) || p.input[p.pos] != ')' {
			return nil, fmt.Errorf("unbalanced parenthesis in condition %q", p.input)
		}
		p.pos++
		return inner, nil
	}
	if p.consumeWord("true") {
		return True{}, nil
	}
	if p.consumeWord("false") {
		return None{}, nil
	}

	field, err := p.parseResourceField()
	if err != nil {
		return nil, err
	}
	p.skipSpace()
	switch {
	case p.consume("=="):
		val, err := p.parseValue()
		if err != nil {
			return nil, err
		}
		if field == "tenant_id" {
			if s, ok := val.(string); ok {
				return TenantEq{TenantID: s}, nil
			}
		}
		return AttrEq{Field: field, Value: val}, nil
	case p.consumeWord("in"):
		p.skipSpace()
		if p.pos < len(p.input) && p.input[p.pos] == '[' {
			values, err := p.parseList()
			if err != nil {
				return nil, err
			}
			return AttrIn{Field: field, Values: values}, nil
		}
		// "in attr.key" keeps the reference; the evaluator expands the
		// bound list at request time.
		val, err := p.parseValue()
		if err != nil {
			return nil, err
		}
		return AttrEq{Field: field, Value: val}, nil
	}
	return nil, fmt.Errorf("expected operator after resource.%s in %q", field, p.input)
}

func (p *condParser) parseResourceField() (string, error) {
	p.skipSpace()
	if !p.consume("resource.") {
		return "", fmt.Errorf("condition term must start with resource.<field>: %q", p.input[p.pos:])
	}
	start := p.pos
	for p.pos < len(p.input) && isIdentChar(p.input[p.pos]) {
		p.pos++
	}
	if p.pos == start {
		return "", fmt.Errorf("missing field name in condition %q", p.input)
	}
	return p.input[start:p.pos], nil
}

func (p *condParser) parseValue() (any, error) {
	p.skipSpace()
	if p.pos >= len(p.input) {
		return nil, fmt.Errorf("missing value in condition %q", p.input)
	}
	if p.input[p.pos] == '"' {
		return p.parseQuoted()
	}
	start := p.pos
	for p.pos < len(p.input) && (isIdentChar(p.input[p.pos]) || p.input[p.pos] == '.') {
		p.pos++
	}
	word := p.input[start:p.pos]
	if word == "" {
		return nil, fmt.Errorf("missing value in condition %q", p.input)
	}
	if strings.HasPrefix(word, "principal.") || strings.HasPrefix(word, "attr.") {
		return Ref(word), nil
	}
	// bare words are treated as string literals
	return word, nil
}

func (p *condParser) parseQuoted() (string, error) {
	// opening quote already peeked
	p.pos++
	start := p.pos
	for p.pos < len(p.input) && p.input[p.pos] != '"' {
		p.pos++
	}
	if p.pos >= len(p.input) {
		return "", fmt.Errorf("unterminated string in condition %q", p.input)
	}
	s := p.input[start:p.pos]
	p.pos++
	return s, nil
}

func (p *condParser) parseList() ([]any, error) {
	// opening bracket already peeked
	p.pos++
	values := make([]any, 0, 4)
	for {
		p.skipSpace()
		if p.pos < len(p.input) && p.input[p.pos] == ']' {
			p.pos++
			return values, nil
		}
		v, err := p.parseValue()
		if err != nil {
			return nil, err
		}
		values = append(values, v)
		p.skipSpace()
		if p.pos < len(p.input) && p.input[p.pos] == ',' {
			p.pos++
			continue
		}
	}
}

// consume matches a literal token at the cursor.
func (p *condParser) consume(tok string) bool {
	p.skipSpace()
	if strings.HasPrefix(p.input[p.pos:], tok) {
		p.pos += len(tok)
		return true
	}
	return false
}

// consumeWord matches a keyword followed by a word boundary.
func (p *condParser) consumeWord(word string) bool {
	p.skipSpace()
	rest := p.input[p.pos:]
	if !strings.HasPrefix(rest, word) {
		return false
	}
	if len(rest) > len(word) && isIdentChar(rest[len(word)]) {
		return false
	}
	p.pos += len(word)
	return true
}

func isIdentChar(c byte) bool {
	return c == '_' || c == '*' || c == ':' || c == '-' ||
		(c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}
