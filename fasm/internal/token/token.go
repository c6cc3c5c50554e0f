package token

import (
	"fmt"
	"strings"
	"unicode"
)

type Type int

const (
	Word Type = iota
	String
	Label
)

func (t Type) String() string {
	switch t {
	case Word:
		return "word"
	case String:
		return "string"
	case Label:
		return "label"
	}
	return "unknown"
}

type Token struct {
	Value string
	Type  Type
}

// Line is the token list of one non-empty source line.
type Line struct {
	Tokens []Token
	Num    int
}

// Tokenize splits source into lines of tokens. A ';' outside a string starts
// a comment. A word ending in ':' is a label definition.
func Tokenize(input string) ([]Line, error) {
	var lines []Line
	for n, raw := range strings.Split(input, "\n") {
		toks, err := tokenizeLine(raw)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", n+1, err)
		}
		if len(toks) > 0 {
			lines = append(lines, Line{Num: n + 1, Tokens: toks})
		}
	}
	return lines, nil
}

func tokenizeLine(s string) ([]Token, error) {
	var toks []Token
	runes := []rune(s)
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		if unicode.IsSpace(r) {
			continue
		}
		if r == ';' {
			break
		}
		if r == '"' {
			start := i
			i++
			for i < len(runes) && runes[i] != '"' {
				if runes[i] == '\\' {
					i++
				}
				i++
			}
			if i >= len(runes) {
				return nil, fmt.Errorf("unterminated string")
			}
			toks = append(toks, Token{Type: String, Value: string(runes[start : i+1])})
			continue
		}
		start := i
		for i < len(runes) && !unicode.IsSpace(runes[i]) && runes[i] != ';' {
			i++
		}
		word := string(runes[start:i])
		i--
		if strings.HasSuffix(word, ":") && len(word) > 1 {
			toks = append(toks, Token{Type: Label, Value: strings.TrimSuffix(word, ":")})
			continue
		}
		toks = append(toks, Token{Type: Word, Value: word})
	}
	return toks, nil
}
