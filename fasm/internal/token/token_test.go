package token

import "testing"

func TestTokenize(t *testing.T) {
	src := `class app/Worker ; the worker
method run ()V static

  loop:
    sconst "a;b \"c\""
end`
	lines, err := Tokenize(src)
	if err != nil {
		t.Fatalf("Tokenize: %v", err)
	}
	if len(lines) != 5 {
		t.Fatalf("expected 5 lines, got %d", len(lines))
	}
	if lines[0].Num != 1 || len(lines[0].Tokens) != 2 {
		t.Errorf("line 1: %+v", lines[0])
	}
	if lines[2].Num != 4 || lines[2].Tokens[0].Type != Label || lines[2].Tokens[0].Value != "loop" {
		t.Errorf("label line: %+v", lines[2])
	}
	str := lines[3].Tokens[1]
	if str.Type != String || str.Value != `"a;b \"c\""` {
		t.Errorf("string token: %+v", str)
	}
}

func TestTokenizeUnterminatedString(t *testing.T) {
	if _, err := Tokenize(`sconst "abc`); err == nil {
		t.Error("expected error for unterminated string")
	}
}
