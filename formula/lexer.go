package formula

import (
	"fmt"
	"strings"
	"unicode"
)

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokNumber
	tokVariable
	tokPlus
	tokMinus
	tokStar
	tokSlash
	tokLParen
	tokRParen
)

type token struct {
	kind tokenKind
	text string
	pos  int
}

// SyntaxError points at the first character the grammar does not accept.
type SyntaxError struct {
	Pos int
	Msg string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("formula syntax error at %d: %s", e.Pos, e.Msg)
}

// lex splits a formula into tokens. Only numbers, {placeholders}, the four
// operators and parentheses exist; every other character is an error.
func lex(src string) ([]token, error) {
	runes := []rune(src)
	var out []token
	for i := 0; i < len(runes); {
		r := runes[i]
		switch {
		case unicode.IsSpace(r):
			i++
		case r == '+':
			out = append(out, token{tokPlus, "+", i})
			i++
		case r == '-' || r == '−':
			out = append(out, token{tokMinus, "-", i})
			i++
		case r == '*' || r == '×':
			out = append(out, token{tokStar, "*", i})
			i++
		case r == '/' || r == '÷':
			out = append(out, token{tokSlash, "/", i})
			i++
		case r == '(':
			out = append(out, token{tokLParen, "(", i})
			i++
		case r == ')':
			out = append(out, token{tokRParen, ")", i})
			i++
		case r == '.' || unicode.IsDigit(r):
			start := i
			dots := 0
			for i < len(runes) && (runes[i] == '.' || unicode.IsDigit(runes[i])) {
				if runes[i] == '.' {
					dots++
				}
				i++
			}
			text := string(runes[start:i])
			if dots > 1 || text == "." {
				return nil, &SyntaxError{Pos: start, Msg: fmt.Sprintf("malformed number %q", text)}
			}
			out = append(out, token{tokNumber, text, start})
		case r == '{':
			start := i
			end := -1
			for j := i + 1; j < len(runes); j++ {
				if runes[j] == '}' {
					end = j
					break
				}
			}
			if end < 0 {
				return nil, &SyntaxError{Pos: start, Msg: "unclosed placeholder"}
			}
			name := strings.TrimSpace(string(runes[start+1 : end]))
			if !validName(name) {
				return nil, &SyntaxError{Pos: start, Msg: fmt.Sprintf("invalid placeholder %q", name)}
			}
			out = append(out, token{tokVariable, name, start})
			i = end + 1
		default:
			return nil, &SyntaxError{Pos: i, Msg: fmt.Sprintf("unexpected %q", string(r))}
		}
	}
	return append(out, token{tokEOF, "", len(runes)}), nil
}

// validName accepts field names and dot paths: letters, digits, underscore and dots
// between non-empty segments.
func validName(name string) bool {
	if name == "" {
		return false
	}
	for _, seg := range strings.Split(name, ".") {
		if seg == "" {
			return false
		}
		for _, r := range seg {
			if r != '_' && !unicode.IsLetter(r) && !unicode.IsDigit(r) {
				return false
			}
		}
	}
	return true
}
