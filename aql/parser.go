// Package aql parses range expressions of the form
//
//	db.table(prefix="user/", start="a", end="z", count=10, backward, values)
//
// Shorthands: key^"p" sets the prefix, key>"a" starts after "a" and
// key<"z" ends before "z". The bound shorthands only describe forward
// ranges and are rejected together with backward.
package aql

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

type TokenType int

const (
	TOKEN_ILLEGAL TokenType = iota
	TOKEN_EOF
	TOKEN_IDENT
	TOKEN_EQUALS
	TOKEN_LESS
	TOKEN_GREATER
	TOKEN_PREFIX
	TOKEN_LPAREN
	TOKEN_RPAREN
	TOKEN_STRING
	TOKEN_COMMA
)

func tokenName(i TokenType) string {
	switch i {
	case TOKEN_EOF:
		return "EOF"
	case TOKEN_IDENT:
		return "IDENT"
	case TOKEN_EQUALS:
		return "EQUALS"
	case TOKEN_LESS:
		return "LESS"
	case TOKEN_GREATER:
		return "GREATER"
	case TOKEN_PREFIX:
		return "PREFIX"
	case TOKEN_LPAREN:
		return "LPAREN"
	case TOKEN_RPAREN:
		return "RPAREN"
	case TOKEN_STRING:
		return "STRING"
	case TOKEN_COMMA:
		return "COMMA"
	}
	return "ILLEGAL"
}

type Token struct {
	Type    TokenType
	Literal string
}

type Lexer struct {
	input        string
	position     int
	readPosition int
	ch           byte
}

func NewLexer(input string) *Lexer {
	l := &Lexer{input: input}
	l.readChar()
	return l
}

func (l *Lexer) readChar() {
	if l.readPosition >= len(l.input) {
		l.ch = 0
	} else {
		l.ch = l.input[l.readPosition]
	}
	l.position = l.readPosition
	l.readPosition++
}

func (l *Lexer) skipWhitespace() {
	for l.ch == ' ' || l.ch == '\t' || l.ch == '\n' || l.ch == '\r' {
		l.readChar()
	}
}

func (l *Lexer) readIdentifier() string {
	position := l.position
	for isLetter(l.ch) || isDigit(l.ch) || l.ch == '_' || l.ch == '.' || l.ch == '-' {
		l.readChar()
	}
	return l.input[position:l.position]
}

func (l *Lexer) readNumber() string {
	position := l.position
	for isDigit(l.ch) {
		l.readChar()
	}
	return l.input[position:l.position]
}

func (l *Lexer) readString() (string, error) {
	position := l.position + 1
	for {
		l.readChar()
		if l.ch == 0 {
			return "", errors.New("unterminated string")
		}
		if l.ch == '"' {
			break
		}
	}
	return l.input[position:l.position], nil
}

func (l *Lexer) NextToken() Token {
	var tok Token

	l.skipWhitespace()

	switch l.ch {
	case '=':
		tok = Token{TOKEN_EQUALS, string(l.ch)}
	case '<':
		tok = Token{TOKEN_LESS, string(l.ch)}
	case '>':
		tok = Token{TOKEN_GREATER, string(l.ch)}
	case '^':
		tok = Token{TOKEN_PREFIX, string(l.ch)}
	case '(':
		tok = Token{TOKEN_LPAREN, string(l.ch)}
	case ')':
		tok = Token{TOKEN_RPAREN, string(l.ch)}
	case ',':
		tok = Token{TOKEN_COMMA, string(l.ch)}
	case '"':
		if str, err := l.readString(); err == nil {
			tok = Token{TOKEN_STRING, str}
		} else {
			tok = Token{TOKEN_ILLEGAL, ""}
		}
	case 0:
		tok = Token{TOKEN_EOF, ""}
	default:
		if isLetter(l.ch) || l.ch == '_' {
			tok.Literal = l.readIdentifier()
			tok.Type = TOKEN_IDENT
			return tok
		} else if isDigit(l.ch) {
			tok.Literal = l.readNumber()
			tok.Type = TOKEN_IDENT
			return tok
		} else {
			tok = Token{TOKEN_ILLEGAL, string(l.ch)}
		}
	}

	l.readChar()
	return tok
}

type Query struct {
	Database string
	Table    string

	Prefix   []byte
	Start    []byte
	End      []byte
	Count    uint64
	Backward bool
	// Values asks for keys and values instead of keys only
	Values      bool
	Granularity int
}

func (q *Query) String() string {
	var b strings.Builder
	if q.Database != "" {
		b.WriteString(q.Database)
		b.WriteByte('.')
	}
	b.WriteString(q.Table)

	var opts []string
	if q.Prefix != nil {
		opts = append(opts, "prefix="+strconv.Quote(string(q.Prefix)))
	}
	if q.Start != nil {
		opts = append(opts, "start="+strconv.Quote(string(q.Start)))
	}
	if q.End != nil {
		opts = append(opts, "end="+strconv.Quote(string(q.End)))
	}
	if q.Count > 0 {
		opts = append(opts, "count="+strconv.FormatUint(q.Count, 10))
	}
	if q.Granularity > 0 {
		opts = append(opts, "granularity="+strconv.Itoa(q.Granularity))
	}
	if q.Backward {
		opts = append(opts, "backward")
	}
	if q.Values {
		opts = append(opts, "values")
	}
	if len(opts) > 0 {
		b.WriteString("(" + strings.Join(opts, ", ") + ")")
	}
	return b.String()
}

type Parser struct {
	l        *Lexer
	curToken Token
}

func NewParser(l *Lexer) *Parser {
	p := &Parser{l: l}
	p.nextToken()
	return p
}

func (p *Parser) nextToken() {
	p.curToken = p.l.NextToken()
}

func (p *Parser) ParseQuery() (*Query, error) {
	if p.curToken.Type != TOKEN_IDENT {
		return nil, fmt.Errorf("expected table, got %s", tokenName(p.curToken.Type))
	}

	q := &Query{Table: p.curToken.Literal}
	if i := strings.LastIndexByte(q.Table, '.'); i >= 0 {
		q.Database, q.Table = q.Table[:i], q.Table[i+1:]
	}
	if q.Table == "" {
		return nil, fmt.Errorf("empty table name in %q", p.curToken.Literal)
	}
	p.nextToken()

	if p.curToken.Type == TOKEN_LPAREN {
		if err := p.parseOptions(q); err != nil {
			return nil, err
		}
	}

	if p.curToken.Type != TOKEN_EOF {
		return nil, fmt.Errorf("unexpected %s after query", tokenName(p.curToken.Type))
	}
	return q, nil
}

func (p *Parser) parseOptions(q *Query) error {
	seen := map[string]bool{}
	bounded := false

	p.nextToken() // consume (

	for p.curToken.Type != TOKEN_RPAREN && p.curToken.Type != TOKEN_EOF {

		for p.curToken.Type == TOKEN_COMMA {
			p.nextToken()
		}
		if p.curToken.Type == TOKEN_RPAREN {
			break
		}

		if p.curToken.Type != TOKEN_IDENT {
			return fmt.Errorf("expected option, got %s", tokenName(p.curToken.Type))
		}
		name := p.curToken.Literal
		p.nextToken()

		// flags
		if p.curToken.Type == TOKEN_RPAREN || p.curToken.Type == TOKEN_COMMA || p.curToken.Type == TOKEN_IDENT {
			if err := p.once(seen, name); err != nil {
				return err
			}
			switch name {
			case "backward":
				q.Backward = true
			case "forward":
				q.Backward = false
			case "values":
				q.Values = true
			default:
				return fmt.Errorf("option %s needs a value", name)
			}
			continue
		}

		operator := p.curToken.Type
		if operator != TOKEN_EQUALS && operator != TOKEN_LESS && operator != TOKEN_GREATER && operator != TOKEN_PREFIX {
			return fmt.Errorf("expected =, <, >, or ^ after %s, got %s", name, tokenName(operator))
		}
		p.nextToken()

		if p.curToken.Type != TOKEN_IDENT && p.curToken.Type != TOKEN_STRING {
			return fmt.Errorf("expected identifier or string as value, got %s", tokenName(p.curToken.Type))
		}
		value := p.curToken.Literal

		if operator != TOKEN_EQUALS {
			if name != "key" {
				return fmt.Errorf("operator %s only applies to key", tokenName(operator))
			}
			bounded = bounded || operator != TOKEN_PREFIX
			switch operator {
			case TOKEN_PREFIX:
				name = "prefix"
			case TOKEN_LESS:
				name = "end"
			case TOKEN_GREATER:
				name = "start"
				// the smallest key after value
				value += "\x00"
			}
		}
		if err := p.once(seen, name); err != nil {
			return err
		}

		switch name {
		case "prefix":
			q.Prefix = []byte(value)
		case "start":
			q.Start = []byte(value)
		case "end":
			q.End = []byte(value)
		case "count", "limit":
			n, err := strconv.ParseUint(value, 10, 64)
			if err != nil {
				return fmt.Errorf("count: %w", err)
			}
			q.Count = n
		case "granularity":
			n, err := strconv.Atoi(value)
			if err != nil || n < 1 {
				return fmt.Errorf("granularity must be a positive number, got %q", value)
			}
			q.Granularity = n
		default:
			return fmt.Errorf("unknown option %s", name)
		}

		p.nextToken()
	}

	if p.curToken.Type != TOKEN_RPAREN {
		return errors.New("expected )")
	}
	if bounded && q.Backward {
		return errors.New("key< and key> cannot be used with backward, use start and end")
	}
	p.nextToken()
	return nil
}

func (p *Parser) once(seen map[string]bool, name string) error {
	if seen[name] {
		return fmt.Errorf("option %s specified twice", name)
	}
	seen[name] = true
	return nil
}

func Parse(input string) (*Query, error) {
	l := NewLexer(input)
	p := NewParser(l)
	return p.ParseQuery()
}

func isLetter(ch byte) bool {
	return unicode.IsLetter(rune(ch))
}

func isDigit(ch byte) bool {
	return unicode.IsDigit(rune(ch))
}
